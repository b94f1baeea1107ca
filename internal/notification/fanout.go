package notification

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nao1215/shopnotify/internal/metrics"
	"github.com/nao1215/shopnotify/pkg/logger"
)

const tracerName = "github.com/nao1215/shopnotify/internal/notification"

// RecipientStore は受信者の解決と受信者ごとの通知一覧への書き込みを行う。
type RecipientStore interface {
	// FindRecipients は条件に一致する受信者をメールアドレスの重複なく返す。
	FindRecipients(ctx context.Context, audience Audience) ([]Recipient, error)
	// AddNotification は通知一覧にレコードを追加する。
	// 同じIDのレコードが既にあれば何もせず false を返す。
	AddNotification(ctx context.Context, email string, rec *Record) (bool, error)
}

// Channel は接続中のクライアントへ通知をリアルタイム配信する。
type Channel interface {
	Broadcast(ctx context.Context, eventName string, payload any) error
}

// DeliveryReport は1件の通知の配信結果。
type DeliveryReport struct {
	// Recipients は解決された受信者数。
	Recipients int
	// Added は新たに書き込まれた受信者数。
	Added int
	// Duplicates は既に同じ通知を持っていた受信者数。
	Duplicates int
	// Failed は書き込みに失敗した受信者数。
	Failed int
	// Pushed はリアルタイム配信を行ったかどうか。
	Pushed bool
}

// Fanout は通知を受信者へ配信する。
type Fanout struct {
	store   RecipientStore
	channel Channel
}

// NewFanout は新しいFanoutを生成する。channelがnilの場合はリアルタイム配信を行わない。
func NewFanout(store RecipientStore, channel Channel) *Fanout {
	return &Fanout{store: store, channel: channel}
}

// Deliver は通知を受信者ごとの通知一覧に書き込み、接続中のクライアントへ1回だけ配信する。
// 受信者単位の書き込み失敗は他の受信者に影響しない。
// 配信の失敗は書き込みを取り消さず、再送もしない。
func (f *Fanout) Deliver(ctx context.Context, rec *Record) (DeliveryReport, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "notification.deliver")
	defer span.End()
	span.SetAttributes(attribute.String("notification.id", rec.ID.String()))

	log := logger.From(ctx).With("notification_id", rec.ID.String(), "type", string(rec.Type))
	var report DeliveryReport

	if rec.Audience.Empty() {
		log.DebugContext(ctx, "配信対象の条件がないため通知をスキップします")
		return report, nil
	}

	recipients, err := f.store.FindRecipients(ctx, rec.Audience)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "受信者の解決に失敗")
		return report, fmt.Errorf("受信者の解決に失敗: %w", err)
	}
	report.Recipients = len(recipients)
	if len(recipients) == 0 {
		log.DebugContext(ctx, "配信対象の受信者がいません")
		return report, nil
	}

	for _, r := range recipients {
		added, err := f.store.AddNotification(ctx, r.Email, rec)
		switch {
		case err != nil:
			report.Failed++
			metrics.StoreWrites.WithLabelValues(string(rec.Type), metrics.ResultError).Inc()
			log.ErrorContext(ctx, "通知の保存に失敗しました", "recipient", r.Email, "error", err)
		case added:
			report.Added++
			metrics.StoreWrites.WithLabelValues(string(rec.Type), metrics.ResultAdded).Inc()
		default:
			report.Duplicates++
			metrics.StoreWrites.WithLabelValues(string(rec.Type), metrics.ResultDuplicate).Inc()
		}
	}
	span.SetAttributes(
		attribute.Int("notification.recipients", report.Recipients),
		attribute.Int("notification.added", report.Added),
		attribute.Int("notification.failed", report.Failed),
	)

	if report.Added+report.Duplicates == 0 {
		log.WarnContext(ctx, "すべての受信者への保存に失敗したため配信しません", "failed", report.Failed)
		return report, nil
	}

	if f.channel == nil {
		return report, nil
	}
	if err := f.channel.Broadcast(ctx, rec.EventName(), rec); err != nil {
		metrics.RealtimePushes.WithLabelValues(rec.EventName(), metrics.ResultError).Inc()
		log.WarnContext(ctx, "リアルタイム配信に失敗しました", "error", err)
		return report, nil
	}
	metrics.RealtimePushes.WithLabelValues(rec.EventName(), metrics.ResultOK).Inc()
	report.Pushed = true
	return report, nil
}
