package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// ValueKind tags the variant held by a Value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// Value is a tagged value-tree representing an arbitrary scraped payload: an
// object, array, string, number, boolean, or null. It replaces the untyped
// maps a dynamic-language scraper would produce with an explicit, walkable
// structure while keeping unreserved keys fully opaque.
type Value struct {
	kind ValueKind
	b    bool
	n    float64
	s    string
	arr  []Value
	obj  map[string]Value
	// keys holds the object's key order: insertion order for values built
	// with Object, sorted order for values decoded from JSON (see fromAny).
	// obj alone (a Go map) has no order.
	keys []string
}

func Null() Value                 { return Value{kind: KindNull} }
func Bool(b bool) Value           { return Value{kind: KindBool, b: b} }
func Number(n float64) Value      { return Value{kind: KindNumber, n: n} }
func String(s string) Value       { return Value{kind: KindString, s: s} }
func Array(items []Value) Value   { return Value{kind: KindArray, arr: items} }

// Object builds an object Value from an ordered slice of key/value pairs.
func Object(pairs ...Pair) Value {
	v := Value{kind: KindObject, obj: make(map[string]Value, len(pairs))}
	for _, p := range pairs {
		if _, exists := v.obj[p.Key]; !exists {
			v.keys = append(v.keys, p.Key)
		}
		v.obj[p.Key] = p.Val
	}
	return v
}

// Pair is one key/value entry used to build an Object in insertion order.
type Pair struct {
	Key string
	Val Value
}

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsNull() bool    { return v.kind == KindNull }

func (v Value) Bool() (bool, bool)       { return v.b, v.kind == KindBool }
func (v Value) Number() (float64, bool)  { return v.n, v.kind == KindNumber }
func (v Value) Str() (string, bool)      { return v.s, v.kind == KindString }
func (v Value) Items() ([]Value, bool)   { return v.arr, v.kind == KindArray }

// Get returns the value at key in an object Value, or (Null(), false) if
// absent or v is not an object.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindObject {
		return Null(), false
	}
	val, ok := v.obj[key]
	return val, ok
}

// Keys returns the object's keys in stored order: insertion order for
// Object-built values, sorted for decoded ones (nil for non-objects).
func (v Value) Keys() []string { return v.keys }

// --- Reserved-key accessors (spec §3) ---

// CrawlStartDatetime returns the reserved crawl_start_datetime key as a
// string, if present.
func (v Value) CrawlStartDatetime() (string, bool) {
	return stringField(v, "crawl_start_datetime")
}

// ItemAcquiredDatetime returns the reserved item_acquired_datetime key as a
// string, if present.
func (v Value) ItemAcquiredDatetime() (string, bool) {
	return stringField(v, "item_acquired_datetime")
}

// URL returns the reserved url key as a string, if present.
func (v Value) URL() (string, bool) {
	return stringField(v, "url")
}

func stringField(v Value, key string) (string, bool) {
	field, ok := v.Get(key)
	if !ok {
		return "", false
	}
	return field.Str()
}

// MarshalJSON implements json.Marshaler, preserving object key order.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		return json.Marshal(v.n)
	case KindString:
		return json.Marshal(v.s)
	case KindArray:
		return json.Marshal(v.arr)
	case KindObject:
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range v.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := json.Marshal(v.obj[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("store: unknown value kind %d", v.kind)
	}
}

// UnmarshalJSON implements json.Unmarshaler, building a Value tree from one
// parsed JSON document (one line of the scraper's JSONL output).
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*v = fromAny(raw)
	return nil
}

func fromAny(raw any) Value {
	switch x := raw.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(x)
	case json.Number:
		f, _ := x.Float64()
		return Number(f)
	case float64:
		return Number(x)
	case string:
		return String(x)
	case []any:
		items := make([]Value, len(x))
		for i, e := range x {
			items[i] = fromAny(e)
		}
		return Array(items)
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		obj := Value{kind: KindObject, obj: make(map[string]Value, len(x)), keys: keys}
		for _, k := range keys {
			obj.obj[k] = fromAny(x[k])
		}
		return obj
	default:
		return Null()
	}
}
