package event

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/juju/errors"
)

// DecodeDocument は未型付けのドキュメントを指定された型にデシリアライズする。
func DecodeDocument[T any](doc map[string]any) (*T, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("ドキュメントのシリアライズに失敗: %w", err)
	}
	var data T
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("ドキュメントのデシリアライズに失敗: %w", err)
	}
	return &data, nil
}

// DecodeEntity は変更イベントのドキュメントからエンティティを復元して検証する。
// 更新イベントではFullDocumentに差分を重ねた状態を使う。
// 検証に失敗した場合は errors.IsNotValid で判定できるエラーを返す。
func DecodeEntity(ev *ChangeEvent) (Entity, error) {
	if ev.DocumentID == "" {
		return nil, errors.NotValidf("ドキュメントIDが空の変更イベント")
	}

	doc := make(map[string]any, len(ev.FullDocument)+len(ev.UpdatedFields))
	maps.Copy(doc, ev.FullDocument)
	maps.Copy(doc, ev.UpdatedFields)
	doc["_id"] = ev.DocumentID

	var (
		entity Entity
		err    error
	)
	switch ev.Kind {
	case KindServiceRequest:
		entity, err = decodeAs[ServiceRequest](doc)
	case KindMechanicShop:
		entity, err = decodeAs[MechanicShop](doc)
	case KindAnnouncement:
		entity, err = decodeAs[Announcement](doc)
	case KindCoupon:
		entity, err = decodeAs[Coupon](doc)
	default:
		return nil, errors.NotValidf("未知のエンティティ種別 %q", ev.Kind)
	}
	if err != nil {
		return nil, errors.NewNotValid(err, fmt.Sprintf("%s %s", ev.Kind, ev.DocumentID))
	}

	if err := entity.Validate(ev.Operation); err != nil {
		return nil, err
	}
	return entity, nil
}

func decodeAs[T any, P interface {
	*T
	Entity
}](doc map[string]any) (Entity, error) {
	v, err := DecodeDocument[T](doc)
	if err != nil {
		return nil, err
	}
	return P(v), nil
}

// require は挿入時に必須フィールドがすべて埋まっていることを検証する。
// 更新時は差分や全体ドキュメントが欠けることがあるためIDのみを要求する。
func require(op Operation, id string, fields map[string]string) error {
	if id == "" {
		return errors.NotValidf("ドキュメントID")
	}
	if op != OperationInsert {
		return nil
	}
	for _, name := range slices.Sorted(maps.Keys(fields)) {
		if fields[name] == "" {
			return errors.NotValidf("必須フィールド %q が空のドキュメント", name)
		}
	}
	return nil
}
