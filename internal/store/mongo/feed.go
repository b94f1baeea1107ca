package mongo

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"

	"github.com/nao1215/shopnotify/internal/store"
)

// fetchLimit は1回のポーリングで読み込む変更ログの最大件数。
const fetchLimit = 100

// feedStateID は変更ログの状態ドキュメントのID。
const feedStateID = "change_log"

// errStreamClosed はClose後にNextが呼ばれたことを表す。
var errStreamClosed = errors.New("変更フィードは既に閉じられています")

// logEntry はchange_logの1件。_idが全コレクション共通の連番になる。
type logEntry struct {
	Seq           int64     `bson:"_id"`
	Collection    string    `bson:"collection"`
	Operation     string    `bson:"operation"`
	DocumentID    string    `bson:"documentId"`
	FullDocument  bson.M    `bson:"fullDocument,omitempty"`
	UpdatedFields bson.M    `bson:"updatedFields,omitempty"`
	At            time.Time `bson:"at"`
}

// feedState は採番済みの最大連番と削除済みの位置。
type feedState struct {
	Seq           int64 `bson:"seq"`
	PrunedThrough int64 `bson:"prunedThrough"`
}

func (s *Store) feedState() (feedState, error) {
	sess, coll := s.collection(feedStateCollection)
	defer sess.Close()

	var st feedState
	err := coll.FindId(feedStateID).One(&st)
	if err == mgo.ErrNotFound {
		return feedState{}, nil
	}
	if err != nil {
		return feedState{}, fmt.Errorf("変更ログの状態の取得に失敗: %w", err)
	}
	return st, nil
}

// Watch はコレクションの変更フィードを開く。
// ResumeAfterが空の場合は呼び出し時点で採番済みの連番（削除済みの位置を含む）以降の変更のみを配信する。
// ResumeAfterの連番が既に削除されたログを指す場合は store.ErrStreamInvalidated を返す。
func (s *Store) Watch(_ context.Context, collection string, opts store.WatchOptions) (store.ChangeStream, error) {
	st, err := s.feedState()
	if err != nil {
		return nil, err
	}

	cursor := max(st.Seq, st.PrunedThrough)
	if opts.ResumeAfter != "" {
		seq, err := parseToken(opts.ResumeAfter)
		if err != nil {
			return nil, err
		}
		if seq < st.PrunedThrough {
			return nil, store.ErrStreamInvalidated
		}
		cursor = seq
	}

	return &changeStream{
		store:        s,
		collection:   collection,
		fullDocument: opts.FullDocument,
		cursor:       cursor,
		closed:       make(chan struct{}),
	}, nil
}

func parseToken(token string) (int64, error) {
	seq, err := strconv.ParseInt(token, 10, 64)
	if err != nil || seq < 0 {
		return 0, errors.NotValidf("再開トークン %q", token)
	}
	return seq, nil
}

// PruneChangeLog はolderThanより前に記録された変更ログを削除し、削除件数を返す。
// 削除位置を先に記録してから削除するため、削除中に読んだカーソルも無効化を検出できる。
func (s *Store) PruneChangeLog(_ context.Context, olderThan time.Time) (int64, error) {
	sess := s.session.Copy()
	defer sess.Close()
	db := sess.DB(s.dbName)

	var newest logEntry
	err := db.C(changeLogCollection).
		Find(bson.M{"at": bson.M{"$lt": olderThan.UTC()}}).
		Sort("-_id").
		Select(bson.M{"_id": 1}).
		One(&newest)
	if err == mgo.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("削除対象の変更ログの検索に失敗: %w", err)
	}

	if _, err := db.C(feedStateCollection).UpsertId(feedStateID,
		bson.M{"$max": bson.M{"prunedThrough": newest.Seq}},
	); err != nil {
		return 0, fmt.Errorf("変更ログの削除位置の記録に失敗: %w", err)
	}

	info, err := db.C(changeLogCollection).RemoveAll(bson.M{"_id": bson.M{"$lte": newest.Seq}})
	if err != nil {
		return 0, fmt.Errorf("変更ログの削除に失敗: %w", err)
	}
	return int64(info.Removed), nil
}

// changeStream はchange_logをポーリングする変更フィード。
// 1つのゴルーチンからのみNextを呼び出すこと。
type changeStream struct {
	store        *Store
	collection   string
	fullDocument bool

	// cursor は読み終えた変更ログの連番。他コレクションの変更も含む。
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

		if err := cs.fetch(); err != nil {
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
		case <-cs.store.clock.After(cs.store.pollInterval):
		}
	}
}

// fetch はカーソル以降の変更ログを読み、対象コレクションの変更をバッファに積む。
// 削除位置はログの読み込み後に確認する。
func (cs *changeStream) fetch() error {
	sess, coll := cs.store.collection(changeLogCollection)
	defer sess.Close()

	var entries []logEntry
	if err := coll.Find(bson.M{"_id": bson.M{"$gt": cs.cursor}}).
		Sort("_id").
		Limit(fetchLimit).
		All(&entries); err != nil {
		return fmt.Errorf("変更ログの取得に失敗: %w", err)
	}

	st, err := cs.store.feedState()
	if err != nil {
		return err
	}
	if cs.cursor < st.PrunedThrough {
		return store.ErrStreamInvalidated
	}

	cs.cursor, cs.buf = advance(entries, cs.cursor, cs.store.now(), cs.store.gapGrace, cs.collection, cs.fullDocument)
	return nil
}

// advance は連番順のログをcursorから読み進め、新しいカーソルとcollectionの変更を返す。
// 連番が飛んでいる場合は採番済みで未記録のログがあるとみなし、
// 欠番の直後のログがgapGraceより新しければそこで止まる。
func advance(entries []logEntry, cursor int64, now time.Time, gapGrace time.Duration, collection string, fullDocument bool) (int64, []store.RawChange) {
	var out []store.RawChange
	for _, e := range entries {
		if e.Seq != cursor+1 && now.Sub(e.At) < gapGrace {
			break
		}
		cursor = e.Seq
		if e.Collection == collection {
			out = append(out, e.rawChange(fullDocument))
		}
	}
	return cursor, out
}

func (e logEntry) rawChange(fullDocument bool) store.RawChange {
	rc := store.RawChange{
		Operation:  e.Operation,
		DocumentID: e.DocumentID,
		Token:      strconv.FormatInt(e.Seq, 10),
	}
	if e.FullDocument != nil && (e.Operation != "update" || fullDocument) {
		rc.FullDocument = normalizeDoc(e.FullDocument)
	}
	if e.UpdatedFields != nil {
		rc.UpdatedFields = normalizeDoc(e.UpdatedFields)
	}
	return rc
}

// Close はフィードを閉じる。複数回呼び出しても安全。
func (cs *changeStream) Close() error {
	cs.closeOnce.Do(func() { close(cs.closed) })
	return nil
}
