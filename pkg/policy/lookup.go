package policy

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Resolve finds a dotted field in the context. An exact flat key such as
// "transaction.amount" wins over walking nested maps.
func Resolve(ctx map[string]any, field string) (string, bool) {
	field = strings.TrimSpace(field)
	if field == "" || ctx == nil {
		return "", false
	}
	if v, ok := ctx[field]; ok {
		return stringify(v)
	}
	parts := strings.Split(field, ".")
	var cur any = ctx
	for _, part := range parts {
		m, ok := asMap(cur)
		if !ok {
			return "", false
		}
		if cur, ok = m[part]; !ok {
			return "", false
		}
	}
	return stringify(cur)
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	}
	return nil, false
}

func stringify(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return strings.TrimSpace(x), true
	case bool:
		return strconv.FormatBool(x), true
	case int:
		return strconv.Itoa(x), true
	case int32:
		return strconv.FormatInt(int64(x), 10), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case json.Number:
		return x.String(), true
	case map[string]any, []any:
		return "", false
	default:
		return fmt.Sprint(x), true
	}
}
