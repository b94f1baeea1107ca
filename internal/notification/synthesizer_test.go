package notification

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/shopnotify/pkg/event"
)

// fakeFinder はコレクションとIDでドキュメントを返すテスト用のDocumentFinder。
type fakeFinder struct {
	docs map[string]map[string]any
	err  error
}

func (f *fakeFinder) FindDocument(_ context.Context, collection, id string) (map[string]any, error) {
	if f.err != nil {
		return nil, f.err
	}
	doc, ok := f.docs[collection+"/"+id]
	if !ok {
		return nil, errors.NotFoundf("ドキュメント %s/%s", collection, id)
	}
	return doc, nil
}

var testNow = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func newTestSynthesizer(finder DocumentFinder) *Synthesizer {
	return NewSynthesizer(finder, testclock.NewClock(testNow))
}

// decodedEvent は変更フィードの境界と同じ手順でエンティティを検証したイベントを返す。
func decodedEvent(t *testing.T, kind event.Kind, op event.Operation, id string, full, updated map[string]any) *event.ChangeEvent {
	t.Helper()
	ev := &event.ChangeEvent{Operation: op, Kind: kind, DocumentID: id, FullDocument: full, UpdatedFields: updated}
	entity, err := event.DecodeEntity(ev)
	require.NoError(t, err)
	ev.Entity = entity
	return ev
}

func TestSynthesize(t *testing.T) {
	t.Parallel()

	finder := &fakeFinder{docs: map[string]map[string]any{
		"mechanicshops/shop-1": {"_id": "shop-1", "name": "Speedy Fix"},
	}}

	t.Run("整備依頼の作成は依頼者と整備士と管理者に通知されること", func(t *testing.T) {
		t.Parallel()
		ev := decodedEvent(t, event.KindServiceRequest, event.OperationInsert, "sr-1",
			map[string]any{"userEmail": "alice@example.com", "description": "ブレーキ点検"}, nil)

		rec, err := newTestSynthesizer(finder).Synthesize(t.Context(), ev)
		require.NoError(t, err)
		require.NotNil(t, rec)

		assert.Equal(t, ID("serviceRequest:insert:sr-1"), rec.ID)
		assert.Equal(t, "New service request added!", rec.Message)
		assert.Equal(t, TypeServiceRequest, rec.Type)
		assert.Equal(t, "serviceRequestNotification", rec.EventName())
		assert.Equal(t, Audience{ExactEmail("alice@example.com"), RoleIn(RoleMechanic, RoleAdmin)}, rec.Audience)
		assert.Equal(t, "sr-1", rec.Payload["serviceRequestId"])
		assert.Equal(t, testNow, rec.CreatedAt)
		assert.False(t, rec.Read)
	})

	t.Run("工場の割り当ては工場名を含めて依頼者と管理者に通知されること", func(t *testing.T) {
		t.Parallel()
		ev := decodedEvent(t, event.KindServiceRequest, event.OperationUpdate, "sr-1",
			map[string]any{"userEmail": "alice@example.com"}, map[string]any{"assignedShopId": "shop-1"})

		rec, err := newTestSynthesizer(finder).Synthesize(t.Context(), ev)
		require.NoError(t, err)
		require.NotNil(t, rec)

		assert.Equal(t, ID("serviceRequest:update:sr-1"), rec.ID)
		assert.Equal(t, "Your service request has been assigned to Speedy Fix", rec.Message)
		assert.Equal(t, TypeAssignment, rec.Type)
		assert.Equal(t, Audience{ExactEmail("alice@example.com"), RoleIn(RoleAdmin)}, rec.Audience)
		assert.Equal(t, "Speedy Fix", rec.Payload["shopName"])
	})

	t.Run("割り当て先の工場が見つからない場合は代替名で通知されること", func(t *testing.T) {
		t.Parallel()
		ev := decodedEvent(t, event.KindServiceRequest, event.OperationUpdate, "sr-2",
			map[string]any{"userEmail": "alice@example.com"}, map[string]any{"assignedShopId": "missing"})

		rec, err := newTestSynthesizer(finder).Synthesize(t.Context(), ev)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, "Your service request has been assigned to Assigned Shop", rec.Message)
	})

	t.Run("工場の取得でエラーが発生しても代替名で通知されること", func(t *testing.T) {
		t.Parallel()
		ev := decodedEvent(t, event.KindServiceRequest, event.OperationUpdate, "sr-3",
			nil, map[string]any{"assignedShopId": "shop-1"})

		rec, err := newTestSynthesizer(&fakeFinder{err: errors.New("接続断")}).Synthesize(t.Context(), ev)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, "Your service request has been assigned to Assigned Shop", rec.Message)
		assert.Equal(t, Audience{RoleIn(RoleAdmin)}, rec.Audience, "依頼者が不明な場合は管理者のみ")
	})

	t.Run("割り当て以外の更新は通知されないこと", func(t *testing.T) {
		t.Parallel()
		ev := decodedEvent(t, event.KindServiceRequest, event.OperationUpdate, "sr-1",
			map[string]any{"userEmail": "alice@example.com", "assignedShopId": "shop-1"}, map[string]any{"status": "done"})

		rec, err := newTestSynthesizer(finder).Synthesize(t.Context(), ev)
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("整備工場の登録は管理者に通知されること", func(t *testing.T) {
		t.Parallel()
		ev := decodedEvent(t, event.KindMechanicShop, event.OperationInsert, "shop-9",
			map[string]any{"name": "Quick Lube"}, nil)

		rec, err := newTestSynthesizer(finder).Synthesize(t.Context(), ev)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, "New mechanic shop added: Quick Lube", rec.Message)
		assert.Equal(t, Audience{RoleIn(RoleAdmin)}, rec.Audience)
		assert.Equal(t, "mechanicShopNotification", rec.EventName())
	})

	t.Run("お知らせはユーザーと整備士に通知されること", func(t *testing.T) {
		t.Parallel()
		ev := decodedEvent(t, event.KindAnnouncement, event.OperationInsert, "an-1",
			map[string]any{"title": "Sale", "body": "今週末はセールです"}, nil)

		rec, err := newTestSynthesizer(finder).Synthesize(t.Context(), ev)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, "New announcement: Sale", rec.Message)
		assert.Equal(t, Audience{RoleIn(RoleUser, RoleMechanic)}, rec.Audience)
	})

	t.Run("クーポンはユーザーと整備士に通知されること", func(t *testing.T) {
		t.Parallel()
		ev := decodedEvent(t, event.KindCoupon, event.OperationInsert, "cp-1",
			map[string]any{"code": "SPRING10", "discount": 10.0}, nil)

		rec, err := newTestSynthesizer(finder).Synthesize(t.Context(), ev)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, "New coupon available: SPRING10", rec.Message)
		assert.Equal(t, 10.0, rec.Payload["discount"])
		assert.Equal(t, "couponNotification", rec.EventName())
	})

	t.Run("作成以外の操作は通知されないこと", func(t *testing.T) {
		t.Parallel()
		for _, kind := range []event.Kind{event.KindMechanicShop, event.KindAnnouncement, event.KindCoupon} {
			ev := decodedEvent(t, kind, event.OperationUpdate, "x", nil, map[string]any{"name": "n"})
			rec, err := newTestSynthesizer(finder).Synthesize(t.Context(), ev)
			require.NoError(t, err)
			assert.Nil(t, rec, "kind = %s", kind)
		}
	})

	t.Run("エンティティのないイベントはNotValidになること", func(t *testing.T) {
		t.Parallel()
		_, err := newTestSynthesizer(finder).Synthesize(t.Context(), &event.ChangeEvent{Kind: event.KindCoupon})
		assert.True(t, errors.Is(err, errors.NotValid), "err = %v", err)
	})
}
