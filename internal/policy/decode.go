package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

type rawRule struct {
	Match    map[string]json.RawMessage `json:"match"`
	Decision Decision                   `json:"decision"`
}

// Parse decodes a stored record. Errors describe the first malformed rule.
func Parse(rec Record) (Policy, error) {
	rules, err := DecodeRules(rec.Rules)
	if err != nil {
		return Policy{}, err
	}
	return Policy{
		ID:       rec.ID,
		Name:     rec.Name,
		Priority: rec.Priority,
		Enabled:  rec.Enabled,
		Rules:    rules,
	}, nil
}

// DecodeRules turns the JSON rule list into typed rules.
func DecodeRules(data json.RawMessage) ([]Rule, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, fmt.Errorf("rules are required")
	}

	var raws []rawRule
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raws); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}

	rules := make([]Rule, 0, len(raws))
	for i, raw := range raws {
		rule, err := decodeRule(raw)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func decodeRule(raw rawRule) (Rule, error) {
	decision := Decision(strings.ToLower(strings.TrimSpace(string(raw.Decision))))
	if !decision.valid() {
		return Rule{}, fmt.Errorf("unknown decision %q", raw.Decision)
	}

	// Sorted so decoded condition order is stable across loads.
	keys := make([]string, 0, len(raw.Match))
	for k := range raw.Match {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var conds []Condition
	for _, k := range keys {
		switch Scope(k) {
		case ScopeAction, ScopeUrgency:
			c, err := decodeCondition(Field{Scope: Scope(k)}, raw.Match[k])
			if err != nil {
				return Rule{}, err
			}
			conds = append(conds, c)
		case ScopeParams, ScopeContext:
			nested, err := decodeObject(Scope(k), raw.Match[k])
			if err != nil {
				return Rule{}, err
			}
			conds = append(conds, nested...)
		default:
			return Rule{}, fmt.Errorf("unknown match field %q", k)
		}
	}
	return Rule{Conditions: conds, Decision: decision}, nil
}

func decodeObject(scope Scope, data json.RawMessage) ([]Condition, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("%s: expected an object: %w", scope, err)
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	conds := make([]Condition, 0, len(keys))
	for _, k := range keys {
		if strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("%s: empty key", scope)
		}
		c, err := decodeCondition(Field{Scope: scope, Key: k}, obj[k])
		if err != nil {
			return nil, err
		}
		conds = append(conds, c)
	}
	return conds, nil
}

func decodeCondition(field Field, data json.RawMessage) (Condition, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return Condition{}, fmt.Errorf("%s: %w", field, err)
	}

	switch typed := v.(type) {
	case []any:
		if len(typed) == 0 {
			return Condition{}, fmt.Errorf("%s: empty value list", field)
		}
		values := make([]any, 0, len(typed))
		for _, item := range typed {
			n, ok := normalize(item)
			if !ok {
				return Condition{}, fmt.Errorf("%s: list values must be scalars", field)
			}
			values = append(values, n)
		}
		return Condition{Kind: KindIn, Field: field, Values: values}, nil
	case string:
		if strings.HasSuffix(typed, "*") {
			return Condition{Kind: KindPrefix, Field: field, Values: []any{strings.TrimSuffix(typed, "*")}}, nil
		}
		return Condition{Kind: KindEquals, Field: field, Values: []any{typed}}, nil
	default:
		n, ok := normalize(typed)
		if !ok {
			return Condition{}, fmt.Errorf("%s: unsupported value type %T", field, v)
		}
		return Condition{Kind: KindEquals, Field: field, Values: []any{n}}, nil
	}
}
