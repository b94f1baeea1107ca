package event

import (
	"bytes"
	"encoding/json"
)

// Operation は変更フィードが報告する操作の種類を表す。
type Operation string

const (
	// OperationInsert はドキュメントが追加されたことを表す。
	OperationInsert Operation = "insert"
	// OperationUpdate はドキュメントが更新されたことを表す。
	OperationUpdate Operation = "update"
)

// IsSurfaced は通知処理の対象となる操作かどうかを返す。
// delete や replace などはフィード境界で破棄する。
func (o Operation) IsSurfaced() bool {
	return o == OperationInsert || o == OperationUpdate
}

// Kind は監視対象のエンティティの種類を表す。
type Kind string

const (
	// KindServiceRequest は整備依頼を表す。
	KindServiceRequest Kind = "serviceRequest"
	// KindMechanicShop は整備工場を表す。
	KindMechanicShop Kind = "mechanicShop"
	// KindAnnouncement はお知らせを表す。
	KindAnnouncement Kind = "announcement"
	// KindCoupon はクーポンを表す。
	KindCoupon Kind = "coupon"
)

// Kinds は監視対象の全エンティティ種別。
var Kinds = []Kind{KindServiceRequest, KindMechanicShop, KindAnnouncement, KindCoupon}

// Collection はエンティティを格納するコレクション名を返す。
func (k Kind) Collection() string {
	switch k {
	case KindServiceRequest:
		return "servicerequests"
	case KindMechanicShop:
		return "mechanicshops"
	case KindAnnouncement:
		return "announcements"
	case KindCoupon:
		return "coupons"
	default:
		return ""
	}
}

// ChangeEvent は変更フィードから受け取った1件の変更を表す。
// 一度だけ消費され、永続化されない。
type ChangeEvent struct {
	// Operation は操作の種類。
	Operation Operation
	// Kind は対象エンティティの種類。
	Kind Kind
	// DocumentID は対象ドキュメントのID。
	DocumentID string
	// FullDocument は変更後のドキュメント全体。更新時は欠けている場合がある。
	FullDocument map[string]any
	// UpdatedFields は更新時の差分。挿入時はnil。
	UpdatedFields map[string]any
	// Entity はフィード境界で検証済みのエンティティ。
	Entity Entity
	// ResumeToken はこの変更の直後から再購読するためのトークン。
	ResumeToken string
}

// HasUpdatedField は更新差分に指定フィールドが含まれるかを返す。
func (e *ChangeEvent) HasUpdatedField(name string) bool {
	if e.UpdatedFields == nil {
		return false
	}
	_, ok := e.UpdatedFields[name]
	return ok
}

// Entity はエンティティ種別ごとのバリアントが実装するインターフェース。
type Entity interface {
	// Kind はエンティティの種類を返す。
	Kind() Kind
	// Validate は操作に応じて必須フィールドを検証する。
	Validate(op Operation) error
}

// Text は任意項目の識別子。文字列と数値は文字列として保持し、それ以外の型は空として扱う。
type Text string

// UnmarshalJSON は型が合わない値をエラーにせず空にする。
func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		*t = ""
		return nil
	}
	switch c := b[0]; {
	case c == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(s)
	case c == '-' || (c >= '0' && c <= '9'):
		*t = Text(b)
	default:
		*t = ""
	}
	return nil
}

// 各エンティティは必須項目とIDのみを厳密に型付けし、任意項目は型を問わず元の値のまま保持する。

// ServiceRequest は整備依頼ドキュメント。
type ServiceRequest struct {
	ID             string `json:"_id"`
	UserEmail      string `json:"userEmail"`
	AssignedShopID Text   `json:"assignedShopId,omitempty"`
	Description    any    `json:"description,omitempty"`
	Status         any    `json:"status,omitempty"`
}

// MechanicShop は整備工場ドキュメント。
type MechanicShop struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
}

// Announcement はお知らせドキュメント。
type Announcement struct {
	ID    string `json:"_id"`
	Title string `json:"title"`
	Body  any    `json:"body,omitempty"`
}

// Coupon はクーポンドキュメント。
type Coupon struct {
	ID       string `json:"_id"`
	Code     string `json:"code"`
	Discount any    `json:"discount,omitempty"`
}

func (*ServiceRequest) Kind() Kind { return KindServiceRequest }
func (*MechanicShop) Kind() Kind   { return KindMechanicShop }
func (*Announcement) Kind() Kind   { return KindAnnouncement }
func (*Coupon) Kind() Kind         { return KindCoupon }

func (s *ServiceRequest) Validate(op Operation) error {
	return require(op, s.ID, map[string]string{"userEmail": s.UserEmail})
}

func (m *MechanicShop) Validate(op Operation) error {
	return require(op, m.ID, map[string]string{"name": m.Name})
}

func (a *Announcement) Validate(op Operation) error {
	return require(op, a.ID, map[string]string{"title": a.Title})
}

func (c *Coupon) Validate(op Operation) error {
	return require(op, c.ID, map[string]string{"code": c.Code})
}
