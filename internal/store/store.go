// Package store はデータストアの変更フィードの契約を定義する。
//
// 実装は internal/store/sqlite（変更ログのポーリング）と
// internal/store/mongo（change_logコレクションのポーリング）の2つ。
package store

import (
	"context"
	"errors"
)

// ErrStreamInvalidated は再開トークンが無効になり、現在時点から再購読するしかないことを表す。
// この場合、無効化から再購読までの変更は失われる。
var ErrStreamInvalidated = errors.New("変更フィードの再開トークンが無効です")

// WatchOptions は変更フィードの購読オプション。
type WatchOptions struct {
	// ResumeAfter が空でなければ、このトークンの直後から再開する。
	// 空の場合は購読時点以降の変更のみを受け取る。
	ResumeAfter string
	// FullDocument がtrueの場合、更新イベントにも現在のドキュメント全体を付与する。
	FullDocument bool
}

// RawChange はストアから受け取った未検証の変更。
type RawChange struct {
	// Operation は操作名（insert / update / delete / replace など）。
	Operation string
	// DocumentID は対象ドキュメントのID。
	DocumentID string
	// FullDocument は変更後のドキュメント全体。取得できない場合はnil。
	FullDocument map[string]any
	// UpdatedFields は更新時の差分。
	UpdatedFields map[string]any
	// Token はこの変更の再開トークン。
	Token string
}

// ChangeStream はコレクション単位の変更フィード。
type ChangeStream interface {
	// Next は次の変更を返すまでブロックする。
	// ctxがキャンセルされた場合はctx.Err()を返す。
	Next(ctx context.Context) (RawChange, error)
	// Close はフィードを閉じる。
	Close() error
}

// Source は変更フィードを開く。
type Source interface {
	Watch(ctx context.Context, collection string, opts WatchOptions) (ChangeStream, error)
}
