package mongo

import (
	"context"
	"fmt"
	"maps"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
)

// InsertDocument はドキュメントを追加し、insertの変更を記録する。
// doc["_id"] が空の場合はUUIDを採番する。追加したドキュメントのIDを文字列で返す。
func (s *Store) InsertDocument(_ context.Context, collection string, doc map[string]any) (string, error) {
	body := bson.M(maps.Clone(doc))
	if body == nil {
		body = bson.M{}
	}
	id := idString(body["_id"])
	if id == "" {
		id = uuid.NewString()
		body["_id"] = id
	}

	sess, coll := s.collection(collection)
	defer sess.Close()
	if err := coll.Insert(body); err != nil {
		if mgo.IsDup(err) {
			return "", errors.AlreadyExistsf("%s %q", collection, id)
		}
		return "", fmt.Errorf("ドキュメントの追加に失敗: %w", err)
	}
	if err := s.appendChange(sess, collection, "insert", id, body, nil); err != nil {
		return "", err
	}
	return id, nil
}

// UpdateDocument はドキュメントにフィールドを上書きし、updateの変更を記録する。
// 差分はupdatedFields、更新後の全体はfullDocumentとして記録される。
func (s *Store) UpdateDocument(_ context.Context, collection, id string, fields map[string]any) error {
	delta := bson.M(maps.Clone(fields))
	if delta == nil {
		delta = bson.M{}
	}
	delete(delta, "_id")

	sess, coll := s.collection(collection)
	defer sess.Close()

	var doc bson.M
	_, err := coll.Find(bson.M{"_id": idQuery(id)}).Apply(mgo.Change{
		Update:    bson.M{"$set": delta},
		ReturnNew: true,
	}, &doc)
	if err == mgo.ErrNotFound {
		return errors.NotFoundf("%s %q", collection, id)
	}
	if err != nil {
		return fmt.Errorf("ドキュメントの更新に失敗: %w", err)
	}
	return s.appendChange(sess, collection, "update", id, doc, delta)
}

// DeleteDocument はドキュメントを削除し、deleteの変更を記録する。
func (s *Store) DeleteDocument(_ context.Context, collection, id string) error {
	sess, coll := s.collection(collection)
	defer sess.Close()

	err := coll.Remove(bson.M{"_id": idQuery(id)})
	if err == mgo.ErrNotFound {
		return errors.NotFoundf("%s %q", collection, id)
	}
	if err != nil {
		return fmt.Errorf("ドキュメントの削除に失敗: %w", err)
	}
	return s.appendChange(sess, collection, "delete", id, nil, nil)
}

// appendChange は連番を採番してchange_logに変更を1件追記する。
// ドキュメントの書き込みとは別の操作のため、採番から追記までの間は欠番に見える。
func (s *Store) appendChange(sess *mgo.Session, collection, op, id string, full, delta bson.M) error {
	db := sess.DB(s.dbName)

	var st feedState
	if _, err := db.C(feedStateCollection).FindId(feedStateID).Apply(mgo.Change{
		Update:    bson.M{"$inc": bson.M{"seq": int64(1)}},
		Upsert:    true,
		ReturnNew: true,
	}, &st); err != nil {
		return fmt.Errorf("変更ログの採番に失敗: %w", err)
	}

	entry := logEntry{
		Seq:           st.Seq,
		Collection:    collection,
		Operation:     op,
		DocumentID:    id,
		FullDocument:  full,
		UpdatedFields: delta,
		At:            s.now(),
	}
	if err := db.C(changeLogCollection).Insert(entry); err != nil {
		return fmt.Errorf("変更ログの記録に失敗: %w", err)
	}
	return nil
}
