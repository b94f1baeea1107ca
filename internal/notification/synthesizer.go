package notification

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/nao1215/shopnotify/pkg/event"
	"github.com/nao1215/shopnotify/pkg/logger"
)

// fallbackShopName は割り当て先の整備工場名を取得できなかった場合の表示名。
const fallbackShopName = "Assigned Shop"

// DocumentFinder はIDでドキュメントを1件取得する。
// 存在しない場合は errors.NotFound 種別のエラーを返す。
type DocumentFinder interface {
	FindDocument(ctx context.Context, collection, id string) (map[string]any, error)
}

// Synthesizer は変更イベントから通知レコードを生成する。
type Synthesizer struct {
	finder DocumentFinder
	clock  clock.Clock
}

// NewSynthesizer は新しいSynthesizerを生成する。clkがnilの場合は実時計を使う。
func NewSynthesizer(finder DocumentFinder, clk clock.Clock) *Synthesizer {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Synthesizer{finder: finder, clock: clk}
}

// Synthesize は変更イベントに対応する通知を生成する。
// 通知の対象外のイベントであれば nil, nil を返す。
func (s *Synthesizer) Synthesize(ctx context.Context, ev *event.ChangeEvent) (*Record, error) {
	if ev == nil || ev.Entity == nil {
		return nil, errors.NotValidf("エンティティのない変更イベント")
	}

	var rec *Record
	switch e := ev.Entity.(type) {
	case *event.ServiceRequest:
		switch {
		case ev.Operation == event.OperationInsert:
			rec = s.newServiceRequest(e)
		case ev.Operation == event.OperationUpdate && ev.HasUpdatedField("assignedShopId"):
			rec = s.newAssignment(ctx, e)
		}
	case *event.MechanicShop:
		if ev.Operation == event.OperationInsert {
			rec = &Record{
				Message:  fmt.Sprintf("New mechanic shop added: %s", e.Name),
				Type:     TypeMechanicShop,
				Payload:  map[string]any{"shopId": e.ID, "name": e.Name},
				Audience: Audience{RoleIn(RoleAdmin)},
			}
		}
	case *event.Announcement:
		if ev.Operation == event.OperationInsert {
			rec = &Record{
				Message:  fmt.Sprintf("New announcement: %s", e.Title),
				Type:     TypeAnnouncement,
				Payload:  map[string]any{"announcementId": e.ID, "title": e.Title, "body": e.Body},
				Audience: Audience{RoleIn(RoleUser, RoleMechanic)},
			}
		}
	case *event.Coupon:
		if ev.Operation == event.OperationInsert {
			rec = &Record{
				Message:  fmt.Sprintf("New coupon available: %s", e.Code),
				Type:     TypeCoupon,
				Payload:  map[string]any{"couponId": e.ID, "code": e.Code, "discount": e.Discount},
				Audience: Audience{RoleIn(RoleUser, RoleMechanic)},
			}
		}
	default:
		return nil, errors.NotValidf("エンティティ種別 %T", ev.Entity)
	}
	if rec == nil {
		return nil, nil
	}

	rec.ID = NewID(ev.Kind, ev.Operation, ev.DocumentID)
	rec.CreatedAt = s.clock.Now().UTC()
	rec.Read = false
	return rec, nil
}

func (s *Synthesizer) newServiceRequest(sr *event.ServiceRequest) *Record {
	return &Record{
		Message: "New service request added!",
		Type:    TypeServiceRequest,
		Payload: map[string]any{
			"serviceRequestId": sr.ID,
			"userEmail":        sr.UserEmail,
			"description":      sr.Description,
			"status":           sr.Status,
		},
		Audience: Audience{ExactEmail(sr.UserEmail), RoleIn(RoleMechanic, RoleAdmin)},
	}
}

// newAssignment は工場割り当ての通知を生成する。
// 工場名の取得に失敗しても通知は生成し、表示名を fallbackShopName にする。
func (s *Synthesizer) newAssignment(ctx context.Context, sr *event.ServiceRequest) *Record {
	name := s.lookupShopName(ctx, string(sr.AssignedShopID))

	audience := Audience{RoleIn(RoleAdmin)}
	if sr.UserEmail != "" {
		audience = append(Audience{ExactEmail(sr.UserEmail)}, audience...)
	}
	return &Record{
		Message: fmt.Sprintf("Your service request has been assigned to %s", name),
		Type:    TypeAssignment,
		Payload: map[string]any{
			"serviceRequestId": sr.ID,
			"assignedShopId":   string(sr.AssignedShopID),
			"shopName":         name,
		},
		Audience: audience,
	}
}

func (s *Synthesizer) lookupShopName(ctx context.Context, shopID string) string {
	log := logger.From(ctx).With(slog.String("shop_id", shopID))
	if shopID == "" || s.finder == nil {
		return fallbackShopName
	}

	doc, err := s.finder.FindDocument(ctx, event.KindMechanicShop.Collection(), shopID)
	if err != nil {
		if errors.Is(err, errors.NotFound) {
			log.DebugContext(ctx, "割り当て先の整備工場が見つかりません")
		} else {
			log.WarnContext(ctx, "整備工場の取得に失敗しました", "error", err)
		}
		return fallbackShopName
	}
	shop, err := event.DecodeDocument[event.MechanicShop](doc)
	if err != nil || shop.Name == "" {
		log.WarnContext(ctx, "整備工場の名前を取得できません", "error", err)
		return fallbackShopName
	}
	return shop.Name
}
