// Package httpclient は通知サービスのHTTP APIを呼び出すクライアントを提供する。
//
// 通知一覧の取得と既読管理、ヘルスチェックを行う。
// エラー応答は juju/errors の種別（NotFound、Unauthorized、NotValid）に変換する。
package httpclient
