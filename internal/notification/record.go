package notification

import (
	"strings"
	"time"

	"github.com/nao1215/shopnotify/pkg/event"
)

// Type は通知の種類を表す。クライアント向けイベント名の元になる。
type Type string

const (
	// TypeServiceRequest は整備依頼の新規作成通知。
	TypeServiceRequest Type = "serviceRequest"
	// TypeAssignment は整備依頼への工場割り当て通知。
	TypeAssignment Type = "assignment"
	// TypeMechanicShop は整備工場の新規登録通知。
	TypeMechanicShop Type = "mechanicShop"
	// TypeAnnouncement はお知らせの新規作成通知。
	TypeAnnouncement Type = "announcement"
	// TypeCoupon はクーポンの新規作成通知。
	TypeCoupon Type = "coupon"
)

// EventName はリアルタイム配信で使用するイベント名を返す。
// 例: serviceRequest → serviceRequestNotification
func (t Type) EventName() string {
	return string(t) + "Notification"
}

// ID は通知の決定的な識別子。
// (エンティティ種別, 操作, ドキュメントID) から "<kind>:<operation>:<documentId>" の形式で生成する。
// 種別と操作は ":" を含まない閉じた列挙なので、ドキュメントIDに ":" が含まれても一意に分解できる。
type ID string

// NewID は変更イベントの三つ組から通知IDを生成する。
func NewID(kind event.Kind, op event.Operation, documentID string) ID {
	return ID(string(kind) + ":" + string(op) + ":" + documentID)
}

// Parts は通知IDを構成要素に分解する。形式が不正な場合はokがfalseになる。
func (id ID) Parts() (kind event.Kind, op event.Operation, documentID string, ok bool) {
	k, rest, found := strings.Cut(string(id), ":")
	if !found {
		return "", "", "", false
	}
	o, doc, found := strings.Cut(rest, ":")
	if !found || k == "" || o == "" || doc == "" {
		return "", "", "", false
	}
	return event.Kind(k), event.Operation(o), doc, true
}

func (id ID) String() string { return string(id) }

// Record は受信者ごとの通知一覧に保存され、リアルタイム配信される通知レコード。
type Record struct {
	// ID は決定的な通知ID。同じ変更イベントからは常に同じIDが生成される。
	ID ID `json:"id" bson:"id"`
	// Message は表示用メッセージ。
	Message string `json:"message" bson:"message"`
	// Type は通知の種類。
	Type Type `json:"type" bson:"type"`
	// Payload は通知に付随するエンティティ情報。
	Payload map[string]any `json:"payload,omitempty" bson:"payload,omitempty"`
	// CreatedAt は通知の生成日時。
	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
	// Read は既読フラグ。生成時は常にfalse。
	Read bool `json:"read" bson:"read"`
	// Audience は配信対象の条件。保存・配信はされない。
	Audience Audience `json:"-" bson:"-"`
}

// EventName はリアルタイム配信で使用するイベント名を返す。
func (r *Record) EventName() string {
	return r.Type.EventName()
}
