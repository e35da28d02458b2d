package generic

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DOCUMENT HELPERS - Shared by store implementations
// =============================================================================

// decodeTree decodes a JSON object keeping numbers as json.Number.
func decodeTree(data []byte) (map[string]any, error) {
	tree := map[string]any{}
	if len(data) == 0 {
		return tree, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&tree); err != nil {
		return nil, err
	}
	if tree == nil {
		tree = map[string]any{}
	}
	return tree, nil
}

// normalize round-trips a Go value through JSON so it compares like stored data.
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func lookup(tree map[string]any, field string) (any, bool) {
	var cur any = tree
	for _, part := range strings.Split(field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func asDecimal(v any) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(t)
		return d, err == nil
	}
	return decimal.Zero, false
}

// compareValues orders two normalized JSON values. ok is false when they are
// not comparable (different types, objects, arrays).
func compareValues(a, b any) (cmp int, ok bool) {
	if a == nil || b == nil {
		if a == nil && b == nil {
			return 0, true
		}
		return 0, false
	}
	_, aNum := a.(json.Number)
	_, bNum := b.(json.Number)
	if aNum || bNum {
		da, okA := asDecimal(a)
		db, okB := asDecimal(b)
		if !okA || !okB {
			return 0, false
		}
		return da.Cmp(db), true
	}
	switch av := a.(type) {
	case string:
		bv, isStr := b.(string)
		if !isStr {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, isBool := b.(bool)
		if !isBool {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		default:
			return 1, true
		}
	}
	return 0, false
}

func matchCond(tree map[string]any, c Cond) (bool, error) {
	want, err := normalize(c.Value)
	if err != nil {
		return false, err
	}
	got, _ := lookup(tree, c.Field)

	if c.Op == OpIn {
		options, isList := want.([]any)
		if !isList {
			return false, fmt.Errorf("query %s in: value must be a list", c.Field)
		}
		for _, o := range options {
			if cmp, ok := compareValues(got, o); ok && cmp == 0 {
				return true, nil
			}
		}
		return false, nil
	}

	cmp, ok := compareValues(got, want)
	switch c.Op {
	case OpEq:
		return ok && cmp == 0, nil
	case OpNe:
		return !ok || cmp != 0, nil
	case OpLt:
		return ok && cmp < 0, nil
	case OpLte:
		return ok && cmp <= 0, nil
	case OpGt:
		return ok && cmp > 0, nil
	case OpGte:
		return ok && cmp >= 0, nil
	}
	return false, fmt.Errorf("unsupported query operator %q", c.Op)
}

// ApplyQuery filters, sorts and limits docs according to q.
func ApplyQuery(docs []Document, q Query) ([]Document, error) {
	type keyed struct {
		doc Document
		key any
	}
	var matched []keyed
	for _, d := range docs {
		tree, err := decodeTree(d.Data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", d.ID, err)
		}
		ok := true
		for _, c := range q.Where {
			hit, err := matchCond(tree, c)
			if err != nil {
				return nil, err
			}
			if !hit {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		k := keyed{doc: d}
		if q.OrderBy != "" {
			k.key, _ = lookup(tree, q.OrderBy)
		}
		matched = append(matched, k)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if q.OrderBy != "" {
			if cmp, ok := compareValues(matched[i].key, matched[j].key); ok && cmp != 0 {
				if q.Desc {
					return cmp > 0
				}
				return cmp < 0
			}
		}
		return matched[i].doc.ID < matched[j].doc.ID
	})

	out := make([]Document, 0, len(matched))
	for _, k := range matched {
		out = append(out, k.doc)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// ApplyIncrement adds delta to the numeric field at a dotted path inside data,
// creating intermediate objects as needed. Returns the new body and value.
func ApplyIncrement(data []byte, field string, delta decimal.Decimal) ([]byte, decimal.Decimal, error) {
	tree, err := decodeTree(data)
	if err != nil {
		return nil, decimal.Zero, err
	}

	parts := strings.Split(field, ".")
	cur := tree
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}

	leaf := parts[len(parts)-1]
	current := decimal.Zero
	if existing, ok := cur[leaf]; ok && existing != nil {
		d, isNum := asDecimal(existing)
		if !isNum {
			return nil, decimal.Zero, fmt.Errorf("increment %s: field is not numeric", field)
		}
		current = d
	}
	updated := current.Add(delta)
	cur[leaf] = json.Number(updated.String())

	out, err := json.Marshal(tree)
	if err != nil {
		return nil, decimal.Zero, err
	}
	return out, updated, nil
}

// Overlay replaces the top-level keys of the document body data with the
// JSON fields of patch. Keys patch does not carry are kept as stored.
func Overlay(data []byte, patch any) (json.RawMessage, error) {
	tree, err := decodeTree(data)
	if err != nil {
		return nil, err
	}
	fields, err := normalize(patch)
	if err != nil {
		return nil, err
	}
	obj, ok := fields.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("overlay: patch must encode to a JSON object, got %T", fields)
	}
	for k, v := range obj {
		tree[k] = v
	}
	return json.Marshal(tree)
}

// EncodeValue marshals a write value to a document body.
func EncodeValue(v any) ([]byte, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
