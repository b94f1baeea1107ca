// Package notification は変更イベントから通知を生成し、受信者へ配信する。
//
// Synthesizer が変更イベントを通知レコードと配信対象の条件に変換し、
// Fanout が受信者ごとの通知一覧へ冪等に書き込んだうえで接続中のクライアントへ配信する。
// 通知IDは (エンティティ種別, 操作, ドキュメントID) から決まるため、
// 同じ変更イベントを再処理しても受信者ごとの通知は1件のままになる。
//
// 通知一覧の取得と既読管理のHTTP APIも提供する。
package notification
