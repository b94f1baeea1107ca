package realtime

import (
	"encoding/json"
	"fmt"
)

// Frame はWebSocketで送受信するメッセージ。送受信とも同じ形式を使う。
//
//	{"event": "<イベント名>", "data": <JSON>}
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// encodeFrame はイベント名とペイロードから送信用のフレームを生成する。
// 生成したバイト列は複数の接続で共有するため変更してはならない。
func encodeFrame(eventName string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ペイロードのシリアライズに失敗: %w", err)
	}
	b, err := json.Marshal(Frame{Event: eventName, Data: data})
	if err != nil {
		return nil, fmt.Errorf("フレームのシリアライズに失敗: %w", err)
	}
	return b, nil
}

// decodeFrame は受信したメッセージをフレームとして解釈する。
func decodeFrame(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("フレームのデシリアライズに失敗: %w", err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("イベント名のないフレーム")
	}
	return f, nil
}
