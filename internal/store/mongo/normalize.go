package mongo

import (
	"fmt"

	"github.com/juju/mgo/v3/bson"
)

// normalizeDoc はBSON固有の型をJSONで扱える値に変換する。
// ObjectIdは16進文字列、入れ子のドキュメントはmap[string]anyになる。
func normalizeDoc(doc bson.M) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = normalize(v)
	}
	return out
}

func normalize(v any) any {
	switch t := v.(type) {
	case bson.ObjectId:
		return t.Hex()
	case bson.M:
		return normalizeDoc(t)
	case map[string]any:
		return normalizeDoc(bson.M(t))
	case bson.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Name] = normalize(e.Value)
		}
		return m
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	default:
		return v
	}
}

// idString はドキュメントIDを文字列に変換する。
func idString(id any) string {
	switch t := id.(type) {
	case nil:
		return ""
	case bson.ObjectId:
		return t.Hex()
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
