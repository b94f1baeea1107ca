package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/nao1215/shopnotify/internal/store"
)

// fetchLimit は1回のポーリングで取得する変更の上限。
const fetchLimit = 100

// errStreamClosed はClose後にNextが呼ばれたことを表す。
var errStreamClosed = errors.New("変更フィードは既に閉じられています")

// Watch はコレクションの変更フィードを開く。
// ResumeAfterが空の場合は呼び出し時点の最新seq（削除済みの位置を含む）以降の変更のみを配信する。
// ResumeAfterのseqが既に削除されたログを指す場合は store.ErrStreamInvalidated を返す。
func (s *Store) Watch(ctx context.Context, collection string, opts store.WatchOptions) (store.ChangeStream, error) {
	var cursor int64
	if opts.ResumeAfter != "" {
		seq, err := strconv.ParseInt(opts.ResumeAfter, 10, 64)
		if err != nil {
			return nil, errors.NotValidf("再開トークン %q", opts.ResumeAfter)
		}
		pruned, err := prunedThrough(ctx, s.db)
		if err != nil {
			return nil, err
		}
		if seq < pruned {
			return nil, store.ErrStreamInvalidated
		}
		cursor = seq
	} else {
		if err := s.db.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM change_log`,
		).Scan(&cursor); err != nil {
			return nil, fmt.Errorf("変更ログの最新seqの取得に失敗: %w", err)
		}
		// ログが全件削除されている場合、最新seqは削除済みの位置より小さくなる。
		pruned, err := prunedThrough(ctx, s.db)
		if err != nil {
			return nil, err
		}
		cursor = max(cursor, pruned)
	}

	return &changeStream{
		db:           s.db,
		clock:        s.clock,
		interval:     s.pollInterval,
		collection:   collection,
		fullDocument: opts.FullDocument,
		cursor:       cursor,
		closed:       make(chan struct{}),
	}, nil
}

// PruneChangeLog はolderThanより前に記録された変更ログを削除し、削除件数を返す。
// 削除した範囲を指すカーソルからの再開は無効になる。
func (s *Store) PruneChangeLog(ctx context.Context, olderThan time.Time) (int64, error) {
	var deleted int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var upTo sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(seq) FROM change_log WHERE created_at < ?`, olderThan.UTC().UnixNano(),
		).Scan(&upTo); err != nil {
			return fmt.Errorf("削除対象の変更ログの検索に失敗: %w", err)
		}
		if !upTo.Valid {
			return nil
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM change_log WHERE seq <= ?`, upTo.Int64)
		if err != nil {
			return fmt.Errorf("変更ログの削除に失敗: %w", err)
		}
		deleted, _ = res.RowsAffected()

		if _, err := tx.ExecContext(ctx,
			`UPDATE change_log_state SET pruned_through = MAX(pruned_through, ?) WHERE id = 1`, upTo.Int64,
		); err != nil {
			return fmt.Errorf("変更ログの削除位置の記録に失敗: %w", err)
		}
		return nil
	})
	return deleted, err
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func prunedThrough(ctx context.Context, q querier) (int64, error) {
	var pruned int64
	if err := q.QueryRowContext(ctx,
		`SELECT pruned_through FROM change_log_state WHERE id = 1`,
	).Scan(&pruned); err != nil {
		return 0, fmt.Errorf("変更ログの削除位置の取得に失敗: %w", err)
	}
	return pruned, nil
}

// changeStream はchange_logをポーリングする変更フィード。
// 1つのゴルーチンからのみNextを呼び出すこと。
type changeStream struct {
	db           *sql.DB
	clock        clock.Clock
	interval     time.Duration
	collection   string
	fullDocument bool

	// cursor は最後に取得した変更のseq。
	cursor int64
	// buf は取得済みで未配信の変更。
	buf []store.RawChange

	closed    chan struct{}
	closeOnce sync.Once
}

// Next は次の変更を返す。新しい変更がなければポーリング間隔ごとに再確認する。
func (cs *changeStream) Next(ctx context.Context) (store.RawChange, error) {
	for {
		select {
		case <-cs.closed:
			return store.RawChange{}, errStreamClosed
		default:
		}

		if len(cs.buf) > 0 {
			c := cs.buf[0]
			cs.buf = cs.buf[1:]
			return c, nil
		}

		if err := cs.fetch(ctx); err != nil {
			return store.RawChange{}, err
		}
		if len(cs.buf) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return store.RawChange{}, ctx.Err()
		case <-cs.closed:
			return store.RawChange{}, errStreamClosed
		case <-cs.clock.After(cs.interval):
		}
	}
}

// fetch はカーソル以降の変更をバッファに読み込む。
// 他コレクションの変更しかない場合もカーソルを全体の先頭まで進め、
// ログ削除による誤った無効化を避ける。
func (cs *changeStream) fetch(ctx context.Context) error {
	pruned, err := prunedThrough(ctx, cs.db)
	if err != nil {
		return err
	}
	if cs.cursor < pruned {
		return store.ErrStreamInvalidated
	}

	var head int64
	if err := cs.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM change_log`,
	).Scan(&head); err != nil {
		return fmt.Errorf("変更ログの最新seqの取得に失敗: %w", err)
	}
	if head <= cs.cursor {
		return nil
	}

	rows, err := cs.db.QueryContext(ctx,
		`SELECT seq, operation, document_id, full_document, updated_fields
		 FROM change_log
		 WHERE collection = ? AND seq > ? AND seq <= ?
		 ORDER BY seq
		 LIMIT ?`,
		cs.collection, cs.cursor, head, fetchLimit,
	)
	if err != nil {
		return fmt.Errorf("変更ログの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	n := 0
	for rows.Next() {
		var (
			seq        int64
			c          store.RawChange
			full, diff sql.NullString
		)
		if err := rows.Scan(&seq, &c.Operation, &c.DocumentID, &full, &diff); err != nil {
			return fmt.Errorf("変更ログの読み取りに失敗: %w", err)
		}
		c.Token = strconv.FormatInt(seq, 10)

		// 本文が壊れている変更もドキュメントなしで配信し、検証で除外させる
		if diff.Valid {
			c.UpdatedFields, _ = decodeJSON(diff.String)
		}
		if full.Valid && (c.Operation != "update" || cs.fullDocument) {
			c.FullDocument, _ = decodeJSON(full.String)
		}

		cs.buf = append(cs.buf, c)
		cs.cursor = seq
		n++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("変更ログの読み取りに失敗: %w", err)
	}
	if n < fetchLimit {
		cs.cursor = head
	}
	return nil
}

// Close はフィードを閉じる。複数回呼び出しても安全。
func (cs *changeStream) Close() error {
	cs.closeOnce.Do(func() { close(cs.closed) })
	return nil
}
