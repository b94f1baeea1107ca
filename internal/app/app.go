// Package app は通知リレーサービスの構成要素を組み立てて起動する。
//
// ストアの接続はここで1つだけ生成し、変更フィードの監視、受信者の解決、
// 通知一覧APIのすべてで共有する。
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/shopnotify/internal/capture"
	"github.com/nao1215/shopnotify/internal/config"
	"github.com/nao1215/shopnotify/internal/metrics"
	"github.com/nao1215/shopnotify/internal/notification"
	"github.com/nao1215/shopnotify/internal/realtime"
	"github.com/nao1215/shopnotify/internal/store"
	"github.com/nao1215/shopnotify/internal/store/mongo"
	"github.com/nao1215/shopnotify/internal/store/sqlite"
	"github.com/nao1215/shopnotify/pkg/event"
	"github.com/nao1215/shopnotify/pkg/middleware"
)

// Backend はサービスが使用するストアの機能。
type Backend interface {
	store.Source
	notification.DocumentFinder
	notification.RecipientStore
	notification.Inbox
	Ping(ctx context.Context) error
	Close() error
}

// changeLogPruner は変更ログを削除できるストア。
type changeLogPruner interface {
	PruneChangeLog(ctx context.Context, olderThan time.Time) (int64, error)
}

var (
	_ Backend         = (*sqlite.Store)(nil)
	_ Backend         = (*mongo.Store)(nil)
	_ changeLogPruner = (*sqlite.Store)(nil)
	_ changeLogPruner = (*mongo.Store)(nil)
)

// App は通知リレーサービス。
type App struct {
	cfg      *config.Config
	backend  Backend
	hub      *realtime.Hub
	router   *gin.Engine
	watchers []*capture.Watcher
	logger   *slog.Logger
	clock    clock.Clock
}

// Option はAppの設定を変更する。
type Option func(*App)

// WithClock は変更ログの削除周期とチャットのタイムスタンプに使う時計を差し替える。
func WithClock(c clock.Clock) Option {
	return func(a *App) {
		a.clock = c
	}
}

// Open は設定に従ってストアに接続し、Appを生成する。
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a, err := New(cfg, backend)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return a, nil
}

func openBackend(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch strings.ToLower(cfg.StoreDriver) {
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLiteDSN, sqlite.WithPollInterval(cfg.FeedPollInterval))
		if err != nil {
			return nil, fmt.Errorf("SQLiteストアの初期化に失敗: %w", err)
		}
		return s, nil
	case config.DriverMongo:
		s, err := mongo.Open(cfg.MongoURL, cfg.MongoDatabase, mongo.WithPollInterval(cfg.FeedPollInterval))
		if err != nil {
			return nil, fmt.Errorf("MongoDBストアの初期化に失敗: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("未対応のSTORE_DRIVERです: %q", cfg.StoreDriver)
	}
}

// New は接続済みのストアからAppを生成する。
func New(cfg *config.Config, backend Backend, opts ...Option) (*App, error) {
	logger := slog.Default()
	a := &App{
		cfg:     cfg,
		backend: backend,
		router:  gin.New(),
		logger:  logger,
		clock:   clock.WallClock,
	}
	for _, opt := range opts {
		opt(a)
	}

	hub := realtime.NewHub(realtime.Options{
		SendBuffer:     cfg.WSSendBuffer,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger.With("component", "realtime"),
	})
	realtime.RegisterChat(hub, a.clock)
	a.hub = hub

	processor := notification.NewProcessor(
		notification.NewSynthesizer(backend, nil),
		notification.NewFanout(backend, hub),
	)

	for _, kind := range event.Kinds {
		w, err := capture.NewWatcher(backend, capture.Config{
			Kind:          kind,
			RetryMinDelay: cfg.FeedRetryMinDelay,
			RetryMaxDelay: cfg.FeedRetryMaxDelay,
			DrainTimeout:  cfg.DrainTimeout,
			Logger:        logger.With("component", "capture"),
		}, processor.Handle)
		if err != nil {
			hub.Close()
			return nil, fmt.Errorf("変更フィード監視の初期化に失敗: %w", err)
		}
		a.watchers = append(a.watchers, w)
	}

	a.setupRoutes()
	return a, nil
}

// Handler はHTTPハンドラを返す。
func (a *App) Handler() http.Handler {
	return a.router
}

// Hub はリアルタイム配信のHubを返す。
func (a *App) Hub() *realtime.Hub {
	return a.hub
}

// setupRoutes はルーティングを設定する。
func (a *App) setupRoutes() {
	a.router.Use(middleware.Recovery(middleware.WithPanicHook(metrics.CountPanic)))
	a.router.Use(metrics.HTTPMiddleware())
	a.router.Use(middleware.CORS(a.cfg.AllowedOrigins))

	// ヘルスチェック
	a.router.GET("/health", a.handleHealth())
	// Prometheusメトリクス
	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	// リアルタイム配信とチャット
	a.router.GET("/ws", middleware.JWTAuth(a.cfg.JWTSecret), a.hub.HandleWS())

	api := a.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(a.cfg.JWTSecret))
	notification.NewHandler(a.backend).RegisterRoutes(api)
}

func (a *App) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := a.backend.Ping(ctx); err != nil {
			a.logger.WarnContext(ctx, "ストアの疎通確認に失敗しました", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "service": "notification"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notification"})
	}
}

// Run はctxがキャンセルされるまでサービスを実行し、停止処理を行う。
// 停止時は変更フィードの監視が処理中のイベントを終えるのを待ってからHTTPサーバーを止め、
// 最後にWebSocket接続とストアを閉じる。
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + a.cfg.Port,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	defer func() {
		if err := a.backend.Close(); err != nil {
			a.logger.Warn("ストアのクローズに失敗しました", "error", err)
		}
	}()
	defer a.hub.Close()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := a.startWorkers(runCtx)

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("通知サービスを起動します", "addr", srv.Addr, "store", a.cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
		}
	case <-gctx.Done():
	}

	a.logger.Info("通知サービスを停止します")
	stop()
	// 処理中のイベントを終えてから監視が戻る
	if err := g.Wait(); err != nil {
		runErr = errors.Join(runErr, err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("HTTPサーバーの停止に失敗: %w", err))
	}
	return runErr
}

// startWorkers は変更フィードの監視と変更ログの削除を開始する。
func (a *App) startWorkers(ctx context.Context) (*errgroup.Group, context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range a.watchers {
		g.Go(func() error { return w.Run(gctx) })
	}
	if p, ok := a.backend.(changeLogPruner); ok && a.cfg.ChangeLogRetention > 0 {
		g.Go(func() error {
			a.pruneLoop(gctx, p)
			return nil
		})
	}
	return g, gctx
}

// pruneInterval は保持期間から削除の周期を決める。保持期間の1/4を1秒から1時間の範囲に収める。
func pruneInterval(retention time.Duration) time.Duration {
	return max(min(retention/4, time.Hour), time.Second)
}

// pruneLoop は保持期間を過ぎた変更ログを定期的に削除する。
func (a *App) pruneLoop(ctx context.Context, p changeLogPruner) {
	interval := pruneInterval(a.cfg.ChangeLogRetention)
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.clock.After(interval):
			n, err := p.PruneChangeLog(ctx, a.clock.Now().Add(-a.cfg.ChangeLogRetention))
			if err != nil {
				a.logger.WarnContext(ctx, "変更ログの削除に失敗しました", "error", err)
				continue
			}
			if n > 0 {
				a.logger.InfoContext(ctx, "変更ログを削除しました", "deleted", n)
			}
		}
	}
}
