package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nao1215/shopnotify/internal/metrics"
)

// maxMessageSize はクライアントから受信するメッセージの最大サイズ。
const maxMessageSize = 64 * 1024

// Session は接続の識別情報。JWTのクレームから設定する。
type Session struct {
	// ConnID は接続ごとに払い出すID。
	ConnID string
	UserID string
	Email  string
	Role   string
}

// conn は1つのWebSocket接続。
// 受信と送信をそれぞれ1つのゴルーチンで行い、送信はキューを介してのみ行う。
type conn struct {
	hub     *Hub
	ws      *websocket.Conn
	session Session
	send    chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(hub *Hub, ws *websocket.Conn, session Session) *conn {
	return &conn{
		hub:     hub,
		ws:      ws,
		session: session,
		send:    make(chan []byte, hub.opts.SendBuffer),
		done:    make(chan struct{}),
	}
}

// enqueue はフレームを送信キューに積む。キューが満杯の場合は破棄する。
func (c *conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		metrics.WSDroppedFrames.Inc()
		c.hub.logger.Warn("送信キューが満杯のためフレームを破棄しました", "conn_id", c.session.ConnID)
		return false
	}
}

// close は接続の終了を通知する。実際のクローズは writeLoop が行う。
func (c *conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readLoop はクライアントからのフレームを受信し、登録されたハンドラを順に実行する。
func (c *conn) readLoop(ctx context.Context) {
	defer c.close()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.hub.opts.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.hub.logger.Debug("WebSocketの受信を終了します", "conn_id", c.session.ConnID, "error", err)
			}
			return
		}
		f, err := decodeFrame(data)
		if err != nil {
			c.hub.logger.Warn("不正なフレームを無視します", "conn_id", c.session.ConnID, "error", err)
			continue
		}
		c.hub.dispatch(ctx, c.session, f)
	}
}

// writeLoop は送信キューのフレームを書き込み、定期的にpingを送る。
// 終了時にソケットを閉じるため、readLoop もエラーで終了する。
func (c *conn) writeLoop() {
	ticker := time.NewTicker(c.hub.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			deadline := time.Now().Add(c.hub.opts.WriteWait)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.hub.logger.Debug("フレームの書き込みに失敗しました", "conn_id", c.session.ConnID, "error", err)
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.hub.opts.WriteWait)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				// 相手が切断した場合は想定内のエラー
				c.hub.logger.Debug("pingの送信に失敗しました", "conn_id", c.session.ConnID, "error", err)
				return
			}
		}
	}
}
