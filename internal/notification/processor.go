package notification

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nao1215/shopnotify/internal/metrics"
	"github.com/nao1215/shopnotify/pkg/event"
	"github.com/nao1215/shopnotify/pkg/logger"
)

// Processor は変更イベント1件を通知の生成から配信までまとめて処理する。
type Processor struct {
	synthesizer *Synthesizer
	fanout      *Fanout
}

// NewProcessor は新しいProcessorを生成する。
func NewProcessor(synthesizer *Synthesizer, fanout *Fanout) *Processor {
	return &Processor{synthesizer: synthesizer, fanout: fanout}
}

// Handle は変更イベントから通知を生成して配信する。
// capture.HandlerFunc として変更フィードの監視に登録する。
func (p *Processor) Handle(ctx context.Context, ev *event.ChangeEvent) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "notification.handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.kind", string(ev.Kind)),
		attribute.String("event.operation", string(ev.Operation)),
		attribute.String("event.document_id", ev.DocumentID),
	)

	rec, err := p.synthesizer.Synthesize(ctx, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "通知の生成に失敗")
		return fmt.Errorf("通知の生成に失敗: %w", err)
	}
	if rec == nil {
		return nil
	}
	metrics.NotificationsSynthesized.WithLabelValues(string(rec.Type)).Inc()

	report, err := p.fanout.Deliver(ctx, rec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "通知の配信に失敗")
		return fmt.Errorf("通知の配信に失敗: %w", err)
	}

	logger.From(ctx).InfoContext(ctx, "通知を配信しました",
		"notification_id", rec.ID.String(),
		"type", string(rec.Type),
		"recipients", report.Recipients,
		"added", report.Added,
		"duplicates", report.Duplicates,
		"failed", report.Failed,
		"pushed", report.Pushed,
	)
	return nil
}
