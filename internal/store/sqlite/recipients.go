package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/nao1215/shopnotify/internal/notification"
)

// UpsertUser は受信者を登録または更新する。
func (s *Store) UpsertUser(ctx context.Context, email, name string, role notification.Role) error {
	if email == "" {
		return errors.NotValidf("空のメールアドレス")
	}
	if !role.Valid() {
		return errors.NotValidf("ロール %q", role)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO users (email, name, role) VALUES (?, ?, ?)
		 ON CONFLICT (email) DO UPDATE SET name = excluded.name, role = excluded.role`,
		email, name, string(role),
	); err != nil {
		return fmt.Errorf("ユーザーの登録に失敗: %w", err)
	}
	return nil
}

// FindRecipients は配信条件に一致する受信者をメールアドレス順に返す。
// emailとroleのみを読み取る。
func (s *Store) FindRecipients(ctx context.Context, audience notification.Audience) ([]notification.Recipient, error) {
	emails := audience.Emails()
	roles := audience.Roles()
	if len(emails) == 0 && len(roles) == 0 {
		return nil, nil
	}

	var (
		conds []string
		args  []any
	)
	if len(emails) > 0 {
		conds = append(conds, "email IN ("+placeholders(len(emails))+")")
		for _, e := range emails {
			args = append(args, e)
		}
	}
	if len(roles) > 0 {
		conds = append(conds, "role IN ("+placeholders(len(roles))+")")
		for _, r := range roles {
			args = append(args, string(r))
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT email, role FROM users WHERE `+strings.Join(conds, " OR ")+` ORDER BY email`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("受信者の検索に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var found []notification.Recipient
	for rows.Next() {
		var r notification.Recipient
		var role string
		if err := rows.Scan(&r.Email, &role); err != nil {
			return nil, fmt.Errorf("受信者の読み取りに失敗: %w", err)
		}
		r.Role = notification.Role(role)
		found = append(found, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("受信者の読み取りに失敗: %w", err)
	}
	return audience.Filter(found), nil
}

// AddNotification は受信者の通知一覧にレコードを追加する。
// 同じIDが既に存在する場合は何もせずfalseを返す。
func (s *Store) AddNotification(ctx context.Context, email string, rec *notification.Record) (bool, error) {
	var payload sql.NullString
	if len(rec.Payload) > 0 {
		raw, err := json.Marshal(rec.Payload)
		if err != nil {
			return false, fmt.Errorf("通知ペイロードのシリアライズに失敗: %w", err)
		}
		payload = sql.NullString{String: string(raw), Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO user_notifications (user_email, id, message, type, payload, is_read, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_email, id) DO NOTHING`,
		email, rec.ID.String(), rec.Message, string(rec.Type), payload, boolToInt(rec.Read), rec.CreatedAt.UTC().UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("通知の保存に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("通知の保存結果の取得に失敗: %w", err)
	}
	return n == 1, nil
}

// ListNotifications は受信者の通知を新しい順に返す。
func (s *Store) ListNotifications(ctx context.Context, email string, unreadOnly bool) ([]notification.Record, error) {
	query := `SELECT id, message, type, payload, is_read, created_at FROM user_notifications WHERE user_email = ?`
	if unreadOnly {
		query += ` AND is_read = 0`
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	rows, err := s.db.QueryContext(ctx, query, email)
	if err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]notification.Record, 0)
	for rows.Next() {
		var (
			rec       notification.Record
			id, typ   string
			payload   sql.NullString
			isRead    int
			createdAt int64
		)
		if err := rows.Scan(&id, &rec.Message, &typ, &payload, &isRead, &createdAt); err != nil {
			return nil, fmt.Errorf("通知の読み取りに失敗: %w", err)
		}
		rec.ID = notification.ID(id)
		rec.Type = notification.Type(typ)
		rec.Read = isRead != 0
		rec.CreatedAt = time.Unix(0, createdAt).UTC()
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &rec.Payload); err != nil {
				return nil, fmt.Errorf("通知ペイロードのデシリアライズに失敗: %w", err)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("通知の読み取りに失敗: %w", err)
	}
	return records, nil
}

// MarkRead は受信者の通知を1件既読にする。
// 受信者の一覧に存在しない場合は errors.IsNotFound で判定できるエラーを返す。
func (s *Store) MarkRead(ctx context.Context, email string, id notification.ID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_notifications SET is_read = 1 WHERE user_email = ? AND id = ?`,
		email, id.String(),
	)
	if err != nil {
		return fmt.Errorf("通知の既読処理に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("通知の既読処理結果の取得に失敗: %w", err)
	}
	if n == 0 {
		return errors.NotFoundf("通知 %q", id)
	}
	return nil
}

// MarkAllRead は受信者の未読通知をすべて既読にし、更新件数を返す。
func (s *Store) MarkAllRead(ctx context.Context, email string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_notifications SET is_read = 1 WHERE user_email = ? AND is_read = 0`,
		email,
	)
	if err != nil {
		return 0, fmt.Errorf("全通知の既読処理に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("全通知の既読処理結果の取得に失敗: %w", err)
	}
	return n, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
