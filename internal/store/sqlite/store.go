// Package sqlite はSQLiteを使用したストア実装を提供する。
//
// ドキュメントの書き込みは同一トランザクションでchange_logに記録され、
// 変更フィードはchange_logをseq順にポーリングして配信する。
// ローカル開発とテストでMongoDBの代わりに使用する。
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/juju/clock"
	_ "modernc.org/sqlite"

	"github.com/nao1215/shopnotify/pkg/migration"
)

//go:embed migrations
var migrationsFS embed.FS

// defaultPollInterval は変更ログのポーリング間隔の既定値。
const defaultPollInterval = 500 * time.Millisecond

// Store はSQLiteストア。
type Store struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
	// pollInterval は変更ログのポーリング間隔。
	pollInterval time.Duration
	// clock はポーリング待機とタイムスタンプに使用する時計。
	clock clock.Clock
}

// Option はStoreの設定を変更する。
type Option func(*Store)

// WithPollInterval は変更ログのポーリング間隔を設定する。
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithClock は時計を差し替える。
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// Open はSQLiteデータベースを開き、マイグレーションを適用する。
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	// インメモリDBは接続ごとに別のDBになるため、接続を1本に固定する
	if strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	if _, err := migration.Run(ctx, db, migrationsFS, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	s := &Store{
		db:           db,
		pollInterval: defaultPollInterval,
		clock:        clock.WallClock,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ping はデータベースへの疎通を確認する。
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close はデータベース接続を閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}
