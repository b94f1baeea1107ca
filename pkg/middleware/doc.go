// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// JWTはREST APIとWebSocket接続の双方で検証し、WebSocketでは ?token= クエリも受け付ける。
// 許可オリジンの判定(Origins)はCORSとWebSocketのアップグレードで共有する。
package middleware
