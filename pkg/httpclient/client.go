package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/juju/errors"
)

// Notification は通知一覧APIが返す通知。
type Notification struct {
	ID        string         `json:"id"`
	Message   string         `json:"message"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Read      bool           `json:"read"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Client は通知サービスのHTTP APIを呼び出すクライアント。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は通知サービスのベースURL。
	baseURL string
	// token はAuthorizationヘッダーに付けるJWT。
	token string
}

// New は新しいクライアントを生成する。
// baseURLには通知サービスのベースURL（例: "http://notification:8086"）を指定する。
// tokenが空の場合は認証ヘッダーを付けない。
func New(baseURL, token string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL: baseURL,
		token:   token,
	}
}

// Health はヘルスチェックを行う。ストアに接続できない場合はエラーになる。
func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/health", nil, nil)
}

// ListNotifications は通知一覧を新しい順に取得する。
func (c *Client) ListNotifications(ctx context.Context, unreadOnly bool) ([]Notification, error) {
	path := "/api/v1/notifications"
	if unreadOnly {
		path += "/unread"
	}
	var out []Notification
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead は通知を既読にする。存在しない場合は errors.NotFound になる。
func (c *Client) MarkRead(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPut, "/api/v1/notifications/"+url.PathEscape(id)+"/read", nil, nil)
}

// MarkAllRead はすべての通知を既読にし、更新件数を返す。
func (c *Client) MarkAllRead(ctx context.Context) (int64, error) {
	var out struct {
		Updated int64 `json:"updated"`
	}
	if err := c.doJSON(ctx, http.MethodPut, "/api/v1/notifications/read-all", nil, &out); err != nil {
		return 0, err
	}
	return out.Updated, nil
}

// doJSON はJSON形式のHTTPリクエストを実行する共通処理。
func (c *Client) doJSON(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("リクエストボディのシリアライズに失敗: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return statusError(resp.StatusCode, respBody)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("レスポンスボディのデシリアライズに失敗: %w", err)
		}
	}
	return nil
}

// statusError はHTTPステータスをエラー種別に対応付ける。
func statusError(status int, body []byte) error {
	switch status {
	case http.StatusNotFound:
		return errors.NotFoundf("リソース (status=%d, body=%s)", status, body)
	case http.StatusUnauthorized:
		return errors.Unauthorizedf("認証エラー (status=%d, body=%s)", status, body)
	case http.StatusBadRequest:
		return errors.NotValidf("リクエスト (status=%d, body=%s)", status, body)
	default:
		return fmt.Errorf("HTTPエラー: status=%d, body=%s", status, body)
	}
}
