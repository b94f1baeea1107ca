// Package capture は監視対象コレクションの変更フィードを購読し、
// 検証済みの変更イベントをハンドラに渡す。
//
// 1つのWatcherは1つのコレクションを担当し、ハンドラをフィードの順序通りに同期実行する。
// フィードの障害は致命的エラーとして扱わず、バックオフ付きで再購読する。
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/nao1215/shopnotify/internal/metrics"
	"github.com/nao1215/shopnotify/internal/store"
	"github.com/nao1215/shopnotify/pkg/event"
)

// HandlerFunc は検証済みの変更イベントを1件処理する。
// 返されたエラーはログに記録され、フィードの処理は継続する。
type HandlerFunc func(ctx context.Context, ev *event.ChangeEvent) error

// Config はWatcherの設定。
type Config struct {
	// Kind は監視対象のエンティティ種別。
	Kind event.Kind
	// Collection はコレクション名。空の場合はKindから決める。
	Collection string
	// RetryMinDelay は再購読の初回待機時間。
	RetryMinDelay time.Duration
	// RetryMaxDelay は再購読の最大待機時間。
	RetryMaxDelay time.Duration
	// DrainTimeout はハンドラ1回の実行時間の上限。停止要求後もこの時間までは処理を続ける。
	DrainTimeout time.Duration
	// Clock はバックオフに使用する時計。nilの場合は実時計。
	Clock clock.Clock
	// Logger はログ出力先。nilの場合は slog.Default()。
	Logger *slog.Logger
}

// Validate は設定値を検証する。
func (c Config) Validate() error {
	if c.Kind.Collection() == "" && c.Collection == "" {
		return fmt.Errorf("監視対象のコレクションが決まりません: kind=%q", c.Kind)
	}
	if c.RetryMinDelay <= 0 || c.RetryMaxDelay < c.RetryMinDelay {
		return fmt.Errorf("再購読の待機時間が不正です: min=%s, max=%s", c.RetryMinDelay, c.RetryMaxDelay)
	}
	if c.DrainTimeout <= 0 {
		return fmt.Errorf("DrainTimeoutは正の値である必要があります: %s", c.DrainTimeout)
	}
	return nil
}

// Watcher は1つのコレクションの変更フィードを監視する。
type Watcher struct {
	source     store.Source
	cfg        Config
	collection string
	handle     HandlerFunc
	logger     *slog.Logger

	// resumeToken は最後に処理した変更の再開トークン。Runのゴルーチンからのみ触る。
	resumeToken string
}

// NewWatcher は新しいWatcherを生成する。
func NewWatcher(source store.Source, cfg Config, handle HandlerFunc) (*Watcher, error) {
	if source == nil || handle == nil {
		return nil, errors.New("sourceとhandleは必須です")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	collection := cfg.Collection
	if collection == "" {
		collection = cfg.Kind.Collection()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		source:     source,
		cfg:        cfg,
		collection: collection,
		handle:     handle,
		logger:     logger.With("collection", collection, "kind", string(cfg.Kind)),
	}, nil
}

// Run はctxがキャンセルされるまで変更フィードを購読し続ける。
// 処理中のハンドラがあれば完了を待ってから戻る。
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "変更フィードの監視を開始します")
	defer w.logger.InfoContext(ctx, "変更フィードの監視を停止しました")

	delay := w.cfg.RetryMinDelay
	for {
		stream, err := w.subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("変更フィードの購読に失敗: %w", err)
		}

		delivered, err := w.consume(ctx, stream)
		if cerr := stream.Close(); cerr != nil {
			w.logger.DebugContext(ctx, "変更フィードのクローズに失敗しました", "error", cerr)
		}
		if ctx.Err() != nil {
			return nil
		}

		reason := "error"
		if errors.Is(err, store.ErrStreamInvalidated) {
			reason = "invalidated"
			w.resumeToken = ""
			w.logger.WarnContext(ctx, "変更フィードが無効になったため現在時点から再購読します。この間の変更は失われます", "error", err)
		} else {
			w.logger.WarnContext(ctx, "変更フィードでエラーが発生したため再購読します", "error", err, "resume_after", w.resumeToken)
		}
		metrics.FeedResubscribes.WithLabelValues(w.collection, reason).Inc()

		if delivered > 0 {
			delay = w.cfg.RetryMinDelay
		}
		select {
		case <-ctx.Done():
			return nil
		case <-w.cfg.Clock.After(delay):
		}
		delay = retry.DoubleDelay(delay, 0)
		if delay > w.cfg.RetryMaxDelay {
			delay = w.cfg.RetryMaxDelay
		}
	}
}

// subscribe は変更フィードを開く。失敗した場合はctxがキャンセルされるまでバックオフ付きで再試行する。
func (w *Watcher) subscribe(ctx context.Context) (store.ChangeStream, error) {
	var stream store.ChangeStream
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			s, err := w.source.Watch(ctx, w.collection, store.WatchOptions{
				ResumeAfter:  w.resumeToken,
				FullDocument: true,
			})
			if errors.Is(err, store.ErrStreamInvalidated) {
				w.logger.WarnContext(ctx, "再開トークンが無効なため現在時点から購読します。この間の変更は失われます")
				metrics.FeedResubscribes.WithLabelValues(w.collection, "invalidated").Inc()
				w.resumeToken = ""
			}
			if err != nil {
				return err
			}
			stream = s
			return nil
		},
		NotifyFunc: func(err error, attempt int) {
			w.logger.WarnContext(ctx, "変更フィードの購読に失敗しました", "attempt", attempt, "error", err)
		},
		Attempts:    -1,
		Delay:       w.cfg.RetryMinDelay,
		MaxDelay:    w.cfg.RetryMaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       w.cfg.Clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		return nil, retry.LastError(err)
	}
	return stream, nil
}

// consume はフィードがエラーを返すまで変更を処理し、処理した件数を返す。
func (w *Watcher) consume(ctx context.Context, stream store.ChangeStream) (int, error) {
	delivered := 0
	for {
		raw, err := stream.Next(ctx)
		if err != nil {
			return delivered, err
		}
		w.dispatch(ctx, raw)
		w.resumeToken = raw.Token
		delivered++
	}
}

// dispatch は未検証の変更を検証し、対象であればハンドラを実行する。
func (w *Watcher) dispatch(ctx context.Context, raw store.RawChange) {
	metrics.ChangesCaptured.WithLabelValues(w.collection, raw.Operation).Inc()

	op := event.Operation(raw.Operation)
	if !op.IsSurfaced() {
		metrics.ChangesSkipped.WithLabelValues(w.collection, "operation").Inc()
		return
	}

	ev := &event.ChangeEvent{
		Operation:     op,
		Kind:          w.cfg.Kind,
		DocumentID:    raw.DocumentID,
		FullDocument:  raw.FullDocument,
		UpdatedFields: raw.UpdatedFields,
		ResumeToken:   raw.Token,
	}
	entity, err := event.DecodeEntity(ev)
	if err != nil {
		w.logger.WarnContext(ctx, "不正なドキュメントのため変更イベントをスキップします",
			"operation", raw.Operation, "document_id", raw.DocumentID, "error", err)
		metrics.ChangesSkipped.WithLabelValues(w.collection, "invalid").Inc()
		return
	}
	ev.Entity = entity

	w.invoke(ctx, ev)
}

// invoke はハンドラを実行する。ハンドラのコンテキストは停止要求から切り離し、
// DrainTimeoutで打ち切る。パニックはこのイベントの失敗として扱う。
func (w *Watcher) invoke(ctx context.Context, ev *event.ChangeEvent) {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.DrainTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			w.logger.ErrorContext(ctx, "変更イベントの処理中にパニックが発生しました",
				"operation", string(ev.Operation), "document_id", ev.DocumentID,
				"panic", r, "stack", string(debug.Stack()))
			metrics.HandlerFailures.WithLabelValues(w.collection).Inc()
		}
	}()

	if err := w.handle(hctx, ev); err != nil {
		w.logger.ErrorContext(ctx, "変更イベントの処理に失敗しました",
			"operation", string(ev.Operation), "document_id", ev.DocumentID, "error", err)
		metrics.HandlerFailures.WithLabelValues(w.collection).Inc()
	}
}
