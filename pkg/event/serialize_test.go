package event

import (
	"testing"

	"github.com/juju/errors"
)

// TestDecodeDocument はDecodeDocument関数で未型付けドキュメントを変換できることを検証する。
func TestDecodeDocument(t *testing.T) {
	t.Parallel()

	t.Run("ドキュメントを構造体にデコードできること", func(t *testing.T) {
		t.Parallel()

		doc := map[string]any{"_id": "c-1", "code": "SAVE10", "discount": 10.5, "extra": true}
		got, err := DecodeDocument[Coupon](doc)
		if err != nil {
			t.Fatalf("DecodeDocument()でエラーが発生: %v", err)
		}
		if got.ID != "c-1" || got.Code != "SAVE10" || got.Discount != 10.5 {
			t.Errorf("DecodeDocument() = %+v", got)
		}
	})

	t.Run("型が合わないフィールドはエラーになること", func(t *testing.T) {
		t.Parallel()

		doc := map[string]any{"code": 123}
		if _, err := DecodeDocument[Coupon](doc); err == nil {
			t.Fatal("DecodeDocument()がエラーを返すべきだが、nilが返った")
		}
	})

	t.Run("シリアライズ不可能な値はエラーになること", func(t *testing.T) {
		t.Parallel()

		doc := map[string]any{"code": make(chan int)}
		if _, err := DecodeDocument[Coupon](doc); err == nil {
			t.Fatal("DecodeDocument()がエラーを返すべきだが、nilが返った")
		}
	})
}

// TestDecodeEntity は変更イベントからエンティティを復元・検証できることを検証する。
func TestDecodeEntity(t *testing.T) {
	t.Parallel()

	t.Run("挿入イベントから整備依頼を復元できること", func(t *testing.T) {
		t.Parallel()

		ev := &ChangeEvent{
			Operation:    OperationInsert,
			Kind:         KindServiceRequest,
			DocumentID:   "sr-1",
			FullDocument: map[string]any{"userEmail": "a@x.com", "description": "ブレーキ点検"},
		}
		entity, err := DecodeEntity(ev)
		if err != nil {
			t.Fatalf("DecodeEntity()でエラーが発生: %v", err)
		}
		sr, ok := entity.(*ServiceRequest)
		if !ok {
			t.Fatalf("エンティティの型 = %T, want *ServiceRequest", entity)
		}
		if sr.ID != "sr-1" {
			t.Errorf("ID = %q, want %q", sr.ID, "sr-1")
		}
		if sr.UserEmail != "a@x.com" {
			t.Errorf("UserEmail = %q, want %q", sr.UserEmail, "a@x.com")
		}
		if sr.Kind() != KindServiceRequest {
			t.Errorf("Kind() = %q, want %q", sr.Kind(), KindServiceRequest)
		}
	})

	t.Run("更新イベントでは差分が全体ドキュメントより優先されること", func(t *testing.T) {
		t.Parallel()

		ev := &ChangeEvent{
			Operation:     OperationUpdate,
			Kind:          KindServiceRequest,
			DocumentID:    "sr-2",
			FullDocument:  map[string]any{"userEmail": "b@x.com", "assignedShopId": "old"},
			UpdatedFields: map[string]any{"assignedShopId": "shop-9"},
		}
		entity, err := DecodeEntity(ev)
		if err != nil {
			t.Fatalf("DecodeEntity()でエラーが発生: %v", err)
		}
		sr := entity.(*ServiceRequest)
		if sr.AssignedShopID != "shop-9" {
			t.Errorf("AssignedShopID = %q, want %q", sr.AssignedShopID, "shop-9")
		}
		if sr.UserEmail != "b@x.com" {
			t.Errorf("UserEmail = %q, want %q", sr.UserEmail, "b@x.com")
		}
	})

	t.Run("更新イベントは全体ドキュメントが欠けていても受け付けること", func(t *testing.T) {
		t.Parallel()

		ev := &ChangeEvent{
			Operation:     OperationUpdate,
			Kind:          KindServiceRequest,
			DocumentID:    "sr-3",
			UpdatedFields: map[string]any{"assignedShopId": "shop-1"},
		}
		if _, err := DecodeEntity(ev); err != nil {
			t.Fatalf("DecodeEntity()でエラーが発生: %v", err)
		}
	})

	t.Run("任意項目の型が違っても受け付けること", func(t *testing.T) {
		t.Parallel()

		optional := []*ChangeEvent{
			{
				Operation: OperationInsert, Kind: KindCoupon, DocumentID: "cp-9",
				FullDocument: map[string]any{"code": "SAVE10", "discount": "10%"},
			},
			{
				Operation: OperationInsert, Kind: KindServiceRequest, DocumentID: "sr-9",
				FullDocument: map[string]any{"userEmail": "a@x.com", "status": map[string]any{"phase": "open"}, "description": 12},
			},
			{
				Operation: OperationInsert, Kind: KindAnnouncement, DocumentID: "an-9",
				FullDocument: map[string]any{"title": "Sale", "body": []any{"a", "b"}},
			},
			{
				Operation: OperationUpdate, Kind: KindServiceRequest, DocumentID: "sr-10",
				UpdatedFields: map[string]any{"assignedShopId": map[string]any{"$oid": "x"}},
			},
		}
		for _, ev := range optional {
			if _, err := DecodeEntity(ev); err != nil {
				t.Errorf("DecodeEntity(%s %s)でエラーが発生: %v", ev.Kind, ev.DocumentID, err)
			}
		}
	})

	t.Run("任意項目は元の値のまま保持されること", func(t *testing.T) {
		t.Parallel()

		ev := &ChangeEvent{
			Operation: OperationInsert, Kind: KindCoupon, DocumentID: "cp-10",
			FullDocument: map[string]any{"code": "SAVE10", "discount": "10%"},
		}
		entity, err := DecodeEntity(ev)
		if err != nil {
			t.Fatalf("DecodeEntity()でエラーが発生: %v", err)
		}
		if got := entity.(*Coupon).Discount; got != "10%" {
			t.Errorf("Discount = %v, want %q", got, "10%")
		}
	})

	tests := []struct {
		name string
		ev   *ChangeEvent
	}{
		{
			name: "挿入時にuserEmailが空の整備依頼は不正であること",
			ev:   &ChangeEvent{Operation: OperationInsert, Kind: KindServiceRequest, DocumentID: "sr-4", FullDocument: map[string]any{}},
		},
		{
			name: "挿入時にnameが空の整備工場は不正であること",
			ev:   &ChangeEvent{Operation: OperationInsert, Kind: KindMechanicShop, DocumentID: "ms-1", FullDocument: map[string]any{"name": ""}},
		},
		{
			name: "挿入時にtitleが空のお知らせは不正であること",
			ev:   &ChangeEvent{Operation: OperationInsert, Kind: KindAnnouncement, DocumentID: "an-1"},
		},
		{
			name: "挿入時にcodeが空のクーポンは不正であること",
			ev:   &ChangeEvent{Operation: OperationInsert, Kind: KindCoupon, DocumentID: "cp-1", FullDocument: map[string]any{"discount": 5}},
		},
		{
			name: "ドキュメントIDが空の場合は不正であること",
			ev:   &ChangeEvent{Operation: OperationInsert, Kind: KindCoupon, FullDocument: map[string]any{"code": "X"}},
		},
		{
			name: "未知の種別は不正であること",
			ev:   &ChangeEvent{Operation: OperationInsert, Kind: "invoice", DocumentID: "i-1"},
		},
		{
			name: "型が合わないフィールドは不正であること",
			ev:   &ChangeEvent{Operation: OperationInsert, Kind: KindAnnouncement, DocumentID: "an-2", FullDocument: map[string]any{"title": 42}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := DecodeEntity(tt.ev)
			if err == nil {
				t.Fatal("DecodeEntity()がエラーを返すべきだが、nilが返った")
			}
			if !errors.Is(err, errors.NotValid) {
				t.Errorf("errors.Is(err, NotValid) = false, err = %v", err)
			}
		})
	}
}

// TestTextUnmarshal は任意項目の識別子の復元を検証する。
func TestTextUnmarshal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  map[string]any
		want Text
	}{
		{name: "文字列はそのまま保持すること", doc: map[string]any{"assignedShopId": "shop-1"}, want: "shop-1"},
		{name: "整数は文字列化すること", doc: map[string]any{"assignedShopId": 42}, want: "42"},
		{name: "オブジェクトは空になること", doc: map[string]any{"assignedShopId": map[string]any{"id": 1}}, want: ""},
		{name: "真偽値は空になること", doc: map[string]any{"assignedShopId": true}, want: ""},
		{name: "nullは空になること", doc: map[string]any{"assignedShopId": nil}, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := DecodeDocument[ServiceRequest](tt.doc)
			if err != nil {
				t.Fatalf("DecodeDocument()でエラーが発生: %v", err)
			}
			if got.AssignedShopID != tt.want {
				t.Errorf("AssignedShopID = %q, want %q", got.AssignedShopID, tt.want)
			}
		})
	}
}
