package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"maps"

	"github.com/google/uuid"
	"github.com/juju/errors"
)

// FindDocument はコレクションからIDでドキュメントを1件取得する。
// 見つからない場合は errors.IsNotFound で判定できるエラーを返す。
func (s *Store) FindDocument(ctx context.Context, collection, id string) (map[string]any, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM documents WHERE collection = ? AND id = ?`, collection, id,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFoundf("%s %q", collection, id)
	}
	if err != nil {
		return nil, fmt.Errorf("ドキュメントの取得に失敗: %w", err)
	}

	doc, err := decodeJSON(body)
	if err != nil {
		return nil, fmt.Errorf("ドキュメント本文のデシリアライズに失敗: %w", err)
	}
	return doc, nil
}

// InsertDocument はドキュメントを追加し、insertの変更を記録する。
// doc["_id"] が空の場合はUUIDを採番する。追加したドキュメントのIDを返す。
func (s *Store) InsertDocument(ctx context.Context, collection string, doc map[string]any) (string, error) {
	body := maps.Clone(doc)
	if body == nil {
		body = make(map[string]any)
	}
	id, _ := body["_id"].(string)
	if id == "" {
		id = uuid.NewString()
	}
	body["_id"] = id

	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("ドキュメントのシリアライズに失敗: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now().UnixNano()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO documents (collection, id, body, updated_at) VALUES (?, ?, ?, ?)`,
			collection, id, string(raw), now,
		); err != nil {
			return fmt.Errorf("ドキュメントの追加に失敗: %w", err)
		}
		return appendChange(ctx, tx, collection, "insert", id, string(raw), nil, now)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// UpdateDocument はドキュメントにフィールドを上書きし、updateの変更を記録する。
// 差分はupdated_fields、更新後の全体はfull_documentとして記録される。
func (s *Store) UpdateDocument(ctx context.Context, collection, id string, fields map[string]any) error {
	delta, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("更新差分のシリアライズに失敗: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var body string
		err := tx.QueryRowContext(ctx,
			`SELECT body FROM documents WHERE collection = ? AND id = ?`, collection, id,
		).Scan(&body)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.NotFoundf("%s %q", collection, id)
		}
		if err != nil {
			return fmt.Errorf("ドキュメントの取得に失敗: %w", err)
		}

		doc, err := decodeJSON(body)
		if err != nil {
			return fmt.Errorf("ドキュメント本文のデシリアライズに失敗: %w", err)
		}
		maps.Copy(doc, fields)
		doc["_id"] = id

		raw, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("ドキュメントのシリアライズに失敗: %w", err)
		}

		now := s.now().UnixNano()
		if _, err := tx.ExecContext(ctx,
			`UPDATE documents SET body = ?, updated_at = ? WHERE collection = ? AND id = ?`,
			string(raw), now, collection, id,
		); err != nil {
			return fmt.Errorf("ドキュメントの更新に失敗: %w", err)
		}
		d := string(delta)
		return appendChange(ctx, tx, collection, "update", id, string(raw), &d, now)
	})
}

// DeleteDocument はドキュメントを削除し、deleteの変更を記録する。
func (s *Store) DeleteDocument(ctx context.Context, collection, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id,
		)
		if err != nil {
			return fmt.Errorf("ドキュメントの削除に失敗: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return errors.NotFoundf("%s %q", collection, id)
		}
		return appendChange(ctx, tx, collection, "delete", id, "", nil, s.now().UnixNano())
	})
}

// appendChange はchange_logに変更を1件追記する。
func appendChange(ctx context.Context, tx *sql.Tx, collection, op, id, fullDocument string, updatedFields *string, at int64) error {
	var full sql.NullString
	if fullDocument != "" {
		full = sql.NullString{String: fullDocument, Valid: true}
	}
	var delta sql.NullString
	if updatedFields != nil {
		delta = sql.NullString{String: *updatedFields, Valid: true}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO change_log (collection, operation, document_id, full_document, updated_fields, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		collection, op, id, full, delta, at,
	); err != nil {
		return fmt.Errorf("変更ログの記録に失敗: %w", err)
	}
	return nil
}

// withTx はトランザクション内でfnを実行する。fnがエラーを返した場合はロールバックする。
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("コミットに失敗: %w", err)
	}
	return nil
}

func decodeJSON(s string) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(s), &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = make(map[string]any)
	}
	return doc, nil
}
