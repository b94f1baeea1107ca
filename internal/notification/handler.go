package notification

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/juju/errors"

	"github.com/nao1215/shopnotify/pkg/logger"
	"github.com/nao1215/shopnotify/pkg/middleware"
)

// Inbox は受信者ごとの通知一覧を読み書きする。
type Inbox interface {
	ListNotifications(ctx context.Context, email string, unreadOnly bool) ([]Record, error)
	MarkRead(ctx context.Context, email string, id ID) error
	MarkAllRead(ctx context.Context, email string) (int64, error)
}

// Handler は通知一覧APIのHTTPハンドラ。
type Handler struct {
	inbox Inbox
}

// NewHandler は新しいHandlerを生成する。
func NewHandler(inbox Inbox) *Handler {
	return &Handler{inbox: inbox}
}

// RegisterRoutes は通知一覧APIのルーティングを設定する。
// rgには認証済みユーザーのメールアドレスを設定するミドルウェアが適用されている必要がある。
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	notifications := rg.Group("/notifications")
	{
		// 通知一覧取得
		notifications.GET("", h.handleList(false))
		// 未読通知一覧取得
		notifications.GET("/unread", h.handleList(true))
		// 通知を既読にする
		notifications.PUT("/:id/read", h.handleMarkAsRead())
		// 全通知を既読にする
		notifications.PUT("/read-all", h.handleMarkAllAsRead())
	}
}

// notificationResponse は通知のJSONレスポンス構造。
// リアルタイム配信のペイロードと同じ形にする。
type notificationResponse struct {
	ID        string         `json:"id"`
	Message   string         `json:"message"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Read      bool           `json:"read"`
	CreatedAt string         `json:"createdAt"`
}

func toNotificationResponses(records []Record) []notificationResponse {
	responses := make([]notificationResponse, 0, len(records))
	for _, r := range records {
		responses = append(responses, notificationResponse{
			ID:        r.ID.String(),
			Message:   r.Message,
			Type:      string(r.Type),
			Payload:   r.Payload,
			Read:      r.Read,
			CreatedAt: r.CreatedAt.Format(time.RFC3339),
		})
	}
	return responses
}

// handleList は認証済みユーザーの通知一覧を新しい順に返すハンドラ。
func (h *Handler) handleList(unreadOnly bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		email := middleware.GetEmail(c)
		if email == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "メールアドレスが取得できません"})
			return
		}

		records, err := h.inbox.ListNotifications(c.Request.Context(), email, unreadOnly)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知一覧の取得に失敗しました"})
			logger.From(c.Request.Context()).ErrorContext(c.Request.Context(), "通知一覧の取得に失敗しました",
				"unread_only", unreadOnly, "error", err)
			return
		}

		c.JSON(http.StatusOK, toNotificationResponses(records))
	}
}

// handleMarkAsRead は指定された通知を既読にするハンドラ。
// 他のユーザーの通知は本人の一覧に存在しないため NotFound になる。
func (h *Handler) handleMarkAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		email := middleware.GetEmail(c)
		if email == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "メールアドレスが取得できません"})
			return
		}

		id := ID(c.Param("id"))
		if _, _, _, ok := id.Parts(); !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "通知IDの形式が不正です"})
			return
		}

		if err := h.inbox.MarkRead(c.Request.Context(), email, id); err != nil {
			if errors.Is(err, errors.NotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "通知が見つかりません"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の既読処理に失敗しました"})
			logger.From(c.Request.Context()).ErrorContext(c.Request.Context(), "通知の既読処理に失敗しました",
				"notification_id", id.String(), "error", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "通知を既読にしました"})
	}
}

// handleMarkAllAsRead は認証済みユーザーの全通知を既読にするハンドラ。
func (h *Handler) handleMarkAllAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		email := middleware.GetEmail(c)
		if email == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "メールアドレスが取得できません"})
			return
		}

		n, err := h.inbox.MarkAllRead(c.Request.Context(), email)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "全通知の既読処理に失敗しました"})
			logger.From(c.Request.Context()).ErrorContext(c.Request.Context(), "全通知の既読処理に失敗しました", "error", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "全通知を既読にしました", "updated": n})
	}
}
