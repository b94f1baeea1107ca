package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/juju/clock"
)

// チャットのイベント名。
const (
	EventJoinChat    = "joinChat"
	EventLeaveChat   = "leaveChat"
	EventSendMessage = "sendMessage"
	EventNewMessage  = "newMessage"
	EventTyping      = "typing"
	EventStopTyping  = "stopTyping"
)

// ChatMessage はルームに中継するチャットメッセージ。保存はしない。
type ChatMessage struct {
	RoomID   string    `json:"roomId"`
	Body     string    `json:"body"`
	SenderID string    `json:"senderId"`
	SentAt   time.Time `json:"sentAt"`
}

// TypingEvent は入力中・入力終了の通知。
type TypingEvent struct {
	RoomID   string `json:"roomId"`
	SenderID string `json:"senderId"`
}

// Chat はチャットのイベントをルームに中継する。
type Chat struct {
	hub   *Hub
	clock clock.Clock
}

// RegisterChat はチャットのイベントハンドラをHubに登録する。clkがnilの場合は実時計を使う。
func RegisterChat(hub *Hub, clk clock.Clock) *Chat {
	if clk == nil {
		clk = clock.WallClock
	}
	c := &Chat{hub: hub, clock: clk}
	hub.On(EventJoinChat, c.handleJoin)
	hub.On(EventLeaveChat, c.handleLeave)
	hub.On(EventSendMessage, c.handleSendMessage)
	hub.On(EventTyping, c.handleTyping(EventTyping))
	hub.On(EventStopTyping, c.handleTyping(EventStopTyping))
	return c
}

// parseRoomID はルームIDを "roomId" 文字列か {"roomId": "..."} のどちらの形式でも受け付ける。
func parseRoomID(data json.RawMessage) string {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		return strings.TrimSpace(id)
	}
	var obj struct {
		RoomID string `json:"roomId"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		return strings.TrimSpace(obj.RoomID)
	}
	return ""
}

func (c *Chat) handleJoin(_ context.Context, s Session, data json.RawMessage) {
	roomID := parseRoomID(data)
	if roomID == "" {
		c.hub.logger.Warn("ルームIDのないjoinChatを無視します", "conn_id", s.ConnID)
		return
	}
	c.hub.rooms.Join(s.ConnID, roomID)
	c.hub.logger.Debug("ルームに参加しました", "conn_id", s.ConnID, "room_id", roomID)
}

func (c *Chat) handleLeave(_ context.Context, s Session, data json.RawMessage) {
	roomID := parseRoomID(data)
	if roomID == "" {
		c.hub.logger.Warn("ルームIDのないleaveChatを無視します", "conn_id", s.ConnID)
		return
	}
	c.hub.rooms.Leave(s.ConnID, roomID)
}

// handleSendMessage はメッセージを送信者を含むルームの全メンバーに中継する。
// 送信者への中継は送信完了の確認を兼ねる。
func (c *Chat) handleSendMessage(_ context.Context, s Session, data json.RawMessage) {
	var msg ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.RoomID == "" || msg.Body == "" {
		c.hub.logger.Warn("不正なsendMessageを無視します", "conn_id", s.ConnID, "error", err)
		return
	}
	if msg.SenderID == "" {
		msg.SenderID = s.UserID
	}
	msg.SentAt = c.clock.Now().UTC()

	if _, err := c.hub.rooms.Relay(EventNewMessage, msg.RoomID, msg, s.ConnID, false); err != nil {
		c.hub.logger.Warn("メッセージの中継に失敗しました", "conn_id", s.ConnID, "room_id", msg.RoomID, "error", err)
	}
}

// handleTyping は入力状態を送信者以外のルームメンバーに中継する。
func (c *Chat) handleTyping(eventName string) EventHandler {
	return func(_ context.Context, s Session, data json.RawMessage) {
		var ev TypingEvent
		if err := json.Unmarshal(data, &ev); err != nil || ev.RoomID == "" {
			c.hub.logger.Warn("不正な入力状態イベントを無視します", "conn_id", s.ConnID, "event", eventName, "error", err)
			return
		}
		if ev.SenderID == "" {
			ev.SenderID = s.UserID
		}
		if _, err := c.hub.rooms.Relay(eventName, ev.RoomID, ev, s.ConnID, true); err != nil {
			c.hub.logger.Warn("入力状態の中継に失敗しました", "conn_id", s.ConnID, "event", eventName, "error", err)
		}
	}
}
