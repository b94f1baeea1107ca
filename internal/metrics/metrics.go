// Package metrics は通知リレーのPrometheusメトリクスを定義する。
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 書き込み・配信結果のラベル値。
const (
	ResultAdded     = "added"
	ResultDuplicate = "duplicate"
	ResultError     = "error"
	ResultOK        = "ok"
)

var (
	// ChangesCaptured は変更フィードから受信したイベント数。
	ChangesCaptured = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopnotify_changes_captured_total",
		Help: "Change events received from the store feed.",
	}, []string{"collection", "operation"})

	// ChangesSkipped は検証エラー等で処理しなかったイベント数。
	ChangesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopnotify_changes_skipped_total",
		Help: "Change events dropped at the feed boundary.",
	}, []string{"collection", "reason"})

	// FeedResubscribes は変更フィードを再購読した回数。
	FeedResubscribes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopnotify_feed_resubscribes_total",
		Help: "Change feed resubscriptions after a failure.",
	}, []string{"collection", "reason"})

	// NotificationsSynthesized は生成された通知レコード数。
	NotificationsSynthesized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopnotify_notifications_synthesized_total",
		Help: "Notification records built from change events.",
	}, []string{"type"})

	// HandlerFailures はイベント単位の処理で失敗した回数。
	HandlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopnotify_handler_failures_total",
		Help: "Per-event processing failures caught at the event boundary.",
	}, []string{"collection"})

	// StoreWrites は受信者ごとの通知保存結果。
	StoreWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopnotify_store_writes_total",
		Help: "Per-recipient notification writes by result.",
	}, []string{"type", "result"})

	// RealtimePushes はリアルタイム配信の結果。
	RealtimePushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopnotify_realtime_push_total",
		Help: "Realtime pushes by event name and result.",
	}, []string{"event", "result"})

	// WSConnections は現在のWebSocket接続数。
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shopnotify_ws_connections",
		Help: "Currently open websocket connections.",
	})

	// WSDroppedFrames は送信キューあふれで破棄したフレーム数。
	WSDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shopnotify_ws_dropped_frames_total",
		Help: "Frames dropped because a connection send queue was full.",
	})

	// PanicsRecovered はHTTPハンドラのパニックから回復した回数。
	PanicsRecovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopnotify_http_panics_recovered_total",
		Help: "Panics recovered in HTTP handlers.",
	}, []string{"path"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"path", "method", "status"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"path", "method", "status"})
)

// HTTPMiddleware はリクエストごとのRED指標を記録するGinミドルウェアを返す。
// パスはルートパターン（例: /api/v1/notifications/:id/read）で集計する。
func HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		httpDuration.WithLabelValues(path, c.Request.Method, status).Observe(time.Since(start).Seconds())
		httpRequests.WithLabelValues(path, c.Request.Method, status).Inc()
	}
}

// CountPanic はパニックからの回復を計上する。middleware.WithPanicHook に渡す。
func CountPanic(path string) {
	PanicsRecovered.WithLabelValues(path).Inc()
}
