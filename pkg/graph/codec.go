package graph

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Value kinds stored next to the text form of a property.
const (
	KindString = "s"
	KindInt    = "i"
	KindFloat  = "f"
	KindBool   = "b"
	KindTime   = "t"
	KindList   = "l"
)

// TypedValue is the self-describing form of one property value.
type TypedValue struct {
	K string `json:"k"`
	V string `json:"v"`
}

// EncodeValue converts a property value to its TypedValue form for stores
// that keep values as text.
func EncodeValue(v any) (TypedValue, error) {
	switch x := NormalizeValue(v).(type) {
	case nil:
		return TypedValue{K: KindString}, nil
	case string:
		return TypedValue{K: KindString, V: x}, nil
	case int64:
		return TypedValue{K: KindInt, V: strconv.FormatInt(x, 10)}, nil
	case float64:
		return TypedValue{K: KindFloat, V: strconv.FormatFloat(x, 'g', -1, 64)}, nil
	case bool:
		return TypedValue{K: KindBool, V: strconv.FormatBool(x)}, nil
	case time.Time:
		return TypedValue{K: KindTime, V: x.UTC().Format(time.RFC3339Nano)}, nil
	case []any:
		items := make([]TypedValue, len(x))
		for i, e := range x {
			t, err := EncodeValue(e)
			if err != nil {
				return TypedValue{}, err
			}
			items[i] = t
		}
		b, err := json.Marshal(items)
		if err != nil {
			return TypedValue{}, err
		}
		return TypedValue{K: KindList, V: string(b)}, nil
	default:
		return TypedValue{}, fmt.Errorf("unsupported property type %T", x)
	}
}

// DecodeValue reverses EncodeValue.
func DecodeValue(t TypedValue) (any, error) {
	switch t.K {
	case KindString, "":
		return t.V, nil
	case KindInt:
		return strconv.ParseInt(t.V, 10, 64)
	case KindFloat:
		return strconv.ParseFloat(t.V, 64)
	case KindBool:
		return strconv.ParseBool(t.V)
	case KindTime:
		return time.Parse(time.RFC3339Nano, t.V)
	case KindList:
		var items []TypedValue
		if err := json.Unmarshal([]byte(t.V), &items); err != nil {
			return nil, err
		}
		out := make([]any, len(items))
		for i, item := range items {
			v, err := DecodeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown value kind %q", t.K)
}

// EncodeProps renders a property map as one JSON document of typed values.
func EncodeProps(p Properties) (string, error) {
	if len(p) == 0 {
		return "{}", nil
	}
	m := make(map[string]TypedValue, len(p))
	for k, v := range p {
		t, err := EncodeValue(v)
		if err != nil {
			return "", fmt.Errorf("property %s: %w", k, err)
		}
		m[k] = t
	}
	b, err := json.Marshal(m)
	return string(b), err
}

// DecodeProps reverses EncodeProps.
func DecodeProps(s string) (Properties, error) {
	var m map[string]TypedValue
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	p := make(Properties, len(m))
	for k, t := range m {
		v, err := DecodeValue(t)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", k, err)
		}
		p[k] = v
	}
	return p, nil
}
