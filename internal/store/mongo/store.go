// Package mongo はMongoDBを使用したストア実装を提供する。
//
// ドキュメントの書き込みは change_log コレクションに連番付きで記録され、
// 変更フィードは change_log を連番順にポーリングして配信する。単一ノード構成でも動作する。
// 受信者は users コレクションの1ドキュメントで表し、通知一覧は notifications 配列に保持する。
package mongo

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"

	"github.com/nao1215/shopnotify/internal/notification"
)

// コレクション名。
const (
	usersCollection     = "users"
	changeLogCollection = "change_log"
	feedStateCollection = "feed_state"
)

// dialTimeout はMongoDBへの接続タイムアウト。
const dialTimeout = 10 * time.Second

// defaultPollInterval は変更ログのポーリング間隔の既定値。
const defaultPollInterval = 500 * time.Millisecond

// defaultGapGrace は連番の欠番を書き込み途中とみなして待つ時間の既定値。
const defaultGapGrace = 5 * time.Second

// Store はMongoDBストア。
type Store struct {
	// session は親セッション。操作ごとにCopyして使用する。
	session *mgo.Session
	// dbName はデータベース名。
	dbName string
	// pollInterval は変更ログのポーリング間隔。
	pollInterval time.Duration
	// gapGrace は欠番の後ろのログを保留する時間。
	gapGrace time.Duration
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

// Open はMongoDBに接続し、Newでストアを初期化する。
func Open(url, dbName string, opts ...Option) (*Store, error) {
	session, err := mgo.DialWithTimeout(url, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("MongoDBへの接続に失敗: %w", err)
	}
	session.SetMode(mgo.Strong, true)

	s, err := New(session, dbName, opts...)
	if err != nil {
		session.Close()
		return nil, err
	}
	return s, nil
}

// New は接続済みのセッションからストアを生成し、インデックスと変更ログの状態を初期化する。
// セッションはストアが所有し、Closeで閉じる。
func New(session *mgo.Session, dbName string, opts ...Option) (*Store, error) {
	s := &Store{
		session:      session,
		dbName:       dbName,
		pollInterval: defaultPollInterval,
		gapGrace:     defaultGapGrace,
		clock:        clock.WallClock,
	}
	for _, opt := range opts {
		opt(s)
	}

	sess := s.session.Copy()
	defer sess.Close()
	db := sess.DB(dbName)

	users := db.C(usersCollection)
	if err := users.EnsureIndex(mgo.Index{Key: []string{"email"}, Unique: true}); err != nil {
		return nil, fmt.Errorf("usersインデックスの作成に失敗: %w", err)
	}
	if err := users.EnsureIndexKey("role"); err != nil {
		return nil, fmt.Errorf("usersインデックスの作成に失敗: %w", err)
	}
	if err := db.C(changeLogCollection).EnsureIndexKey("at"); err != nil {
		return nil, fmt.Errorf("change_logインデックスの作成に失敗: %w", err)
	}
	// 連番の採番で同時にupsertが走らないよう、状態ドキュメントを先に作っておく
	if _, err := db.C(feedStateCollection).UpsertId(feedStateID,
		bson.M{"$setOnInsert": bson.M{"seq": int64(0), "prunedThrough": int64(0)}},
	); err != nil {
		return nil, fmt.Errorf("変更ログの状態の初期化に失敗: %w", err)
	}
	return s, nil
}

// collection はセッションをコピーしてコレクションを返す。呼び出し側でセッションを閉じること。
func (s *Store) collection(name string) (*mgo.Session, *mgo.Collection) {
	sess := s.session.Copy()
	return sess, sess.DB(s.dbName).C(name)
}

// Ping はMongoDBへの疎通を確認する。
func (s *Store) Ping(_ context.Context) error {
	sess := s.session.Copy()
	defer sess.Close()
	return sess.Ping()
}

// Close は親セッションを閉じる。
func (s *Store) Close() error {
	s.session.Close()
	return nil
}

// FindDocument はコレクションからIDでドキュメントを1件取得する。
// IDがObjectIdの16進表記であればObjectIdと文字列の両方で検索する。
func (s *Store) FindDocument(_ context.Context, collection, id string) (map[string]any, error) {
	sess, coll := s.collection(collection)
	defer sess.Close()

	var doc bson.M
	err := coll.Find(bson.M{"_id": idQuery(id)}).One(&doc)
	if err == mgo.ErrNotFound {
		return nil, errors.NotFoundf("%s %q", collection, id)
	}
	if err != nil {
		return nil, fmt.Errorf("ドキュメントの取得に失敗: %w", err)
	}
	return normalizeDoc(doc), nil
}

func idQuery(id string) any {
	if bson.IsObjectIdHex(id) {
		return bson.M{"$in": []any{bson.ObjectIdHex(id), id}}
	}
	return id
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

// UpsertUser は受信者を登録または更新する。既存の通知一覧は保持する。
func (s *Store) UpsertUser(_ context.Context, email, name string, role notification.Role) error {
	if email == "" {
		return errors.NotValidf("空のメールアドレス")
	}
	if !role.Valid() {
		return errors.NotValidf("ロール %q", role)
	}

	sess, users := s.collection(usersCollection)
	defer sess.Close()
	if _, err := users.Upsert(
		bson.M{"email": email},
		bson.M{"$set": bson.M{"name": name, "role": string(role)}},
	); err != nil {
		return fmt.Errorf("ユーザーの登録に失敗: %w", err)
	}
	return nil
}

// FindRecipients は配信条件に一致する受信者をメールアドレス順に返す。
// emailとroleのみを射影する。
func (s *Store) FindRecipients(_ context.Context, audience notification.Audience) ([]notification.Recipient, error) {
	emails := audience.Emails()
	roles := audience.Roles()
	if len(emails) == 0 && len(roles) == 0 {
		return nil, nil
	}

	var or []bson.M
	if len(emails) > 0 {
		or = append(or, bson.M{"email": bson.M{"$in": emails}})
	}
	if len(roles) > 0 {
		rs := make([]string, 0, len(roles))
		for _, r := range roles {
			rs = append(rs, string(r))
		}
		or = append(or, bson.M{"role": bson.M{"$in": rs}})
	}

	sess, users := s.collection(usersCollection)
	defer sess.Close()

	var found []notification.Recipient
	if err := users.Find(bson.M{"$or": or}).
		Select(bson.M{"_id": 0, "email": 1, "role": 1}).
		Sort("email").
		All(&found); err != nil {
		return nil, fmt.Errorf("受信者の検索に失敗: %w", err)
	}
	return audience.Filter(found), nil
}

// AddNotification は受信者の通知一覧の先頭にレコードを追加する。
// 同じIDが既に存在する場合は更新条件に一致せず、falseを返す。
// 受信者ドキュメントが存在しない場合も同様にfalseを返す。
func (s *Store) AddNotification(_ context.Context, email string, rec *notification.Record) (bool, error) {
	sess, users := s.collection(usersCollection)
	defer sess.Close()

	err := users.Update(
		bson.M{"email": email, "notifications.id": bson.M{"$ne": rec.ID}},
		bson.M{"$push": bson.M{"notifications": bson.M{
			"$each":     []*notification.Record{rec},
			"$position": 0,
		}}},
	)
	if err == mgo.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("通知の保存に失敗: %w", err)
	}
	return true, nil
}

type inboxDoc struct {
	Notifications []notification.Record `bson:"notifications"`
}

func (s *Store) inbox(email string) ([]notification.Record, error) {
	sess, users := s.collection(usersCollection)
	defer sess.Close()

	var doc inboxDoc
	err := users.Find(bson.M{"email": email}).Select(bson.M{"notifications": 1}).One(&doc)
	if err == mgo.ErrNotFound {
		return []notification.Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	return doc.Notifications, nil
}

// ListNotifications は受信者の通知を新しい順に返す。
func (s *Store) ListNotifications(_ context.Context, email string, unreadOnly bool) ([]notification.Record, error) {
	all, err := s.inbox(email)
	if err != nil {
		return nil, err
	}
	records := make([]notification.Record, 0, len(all))
	for _, rec := range all {
		if unreadOnly && rec.Read {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// MarkRead は受信者の通知を1件既読にする。
func (s *Store) MarkRead(_ context.Context, email string, id notification.ID) error {
	sess, users := s.collection(usersCollection)
	defer sess.Close()

	err := users.Update(
		bson.M{"email": email, "notifications.id": id},
		bson.M{"$set": bson.M{"notifications.$.read": true}},
	)
	if err == mgo.ErrNotFound {
		return errors.NotFoundf("通知 %q", id)
	}
	if err != nil {
		return fmt.Errorf("通知の既読処理に失敗: %w", err)
	}
	return nil
}

// MarkAllRead は受信者の通知をすべて既読にし、未読だった件数を返す。
func (s *Store) MarkAllRead(ctx context.Context, email string) (int64, error) {
	unread, err := s.ListNotifications(ctx, email, true)
	if err != nil {
		return 0, err
	}
	if len(unread) == 0 {
		return 0, nil
	}

	sess, users := s.collection(usersCollection)
	defer sess.Close()

	err = users.Update(
		bson.M{"email": email},
		bson.M{"$set": bson.M{"notifications.$[].read": true}},
	)
	if err == mgo.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("全通知の既読処理に失敗: %w", err)
	}
	return int64(len(unread)), nil
}
