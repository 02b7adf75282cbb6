package policy

import (
	"encoding/json"
	"strings"
)

// Matches reports whether every condition of the rule holds for in.
func (r Rule) Matches(in Input) bool {
	for _, c := range r.Conditions {
		if !c.matches(in) {
			return false
		}
	}
	return true
}

func (c Condition) matches(in Input) bool {
	got, ok := lookup(c.Field, in)
	if !ok {
		return false
	}

	switch c.Kind {
	case KindEquals, KindIn:
		for _, want := range c.Values {
			if got == want {
				return true
			}
		}
		return false
	case KindPrefix:
		s, isString := got.(string)
		if !isString || len(c.Values) != 1 {
			return false
		}
		prefix, _ := c.Values[0].(string)
		return strings.HasPrefix(s, prefix)
	}
	return false
}

func lookup(f Field, in Input) (any, bool) {
	switch f.Scope {
	case ScopeAction:
		return in.Action, true
	case ScopeUrgency:
		return in.Urgency, true
	case ScopeParams:
		return lookupMap(in.Params, f.Key)
	case ScopeContext:
		return lookupMap(in.Context, f.Key)
	}
	return nil, false
}

func lookupMap(m map[string]any, key string) (any, bool) {
	raw, ok := m[key]
	if !ok {
		return nil, false
	}
	return normalize(raw)
}

// normalize maps scalars onto a comparable canonical form so 3, 3.0 and
// json.Number("3") compare equal. Non-scalar values report false.
func normalize(v any) (any, bool) {
	switch n := v.(type) {
	case nil:
		return nil, true
	case string:
		return n, true
	case bool:
		return n, true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return n.String(), true
		}
		return f, true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return nil, false
}
