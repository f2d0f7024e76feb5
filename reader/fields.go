package reader

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Kind enumerates the closed set of value kinds a record field may hold.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindList
	KindMap
)

// Value is one record field, validated into a Kind at parse time.
type Value struct {
	kind Kind
	str  string
	num  float64
	i    int64
	b    bool
	list []Value
	m    Fields
}

// Fields is a parsed record: a mapping from field name to Value.
type Fields map[string]Value

// Kind of the Value.
func (v Value) Kind() Kind { return v.kind }

// String returns the value as a string. It is the zero string for
// non-string kinds.
func (v Value) String() string { return v.str }

// Int returns the value as an int64.
func (v Value) Int() int64 { return v.i }

// Float returns the value as a float64.
func (v Value) Float() float64 { return v.num }

// Bool returns the value as a bool.
func (v Value) Bool() bool { return v.b }

// List returns the value's elements, or nil for non-list kinds.
func (v Value) List() []Value { return v.list }

// Map returns the value's nested Fields, or nil for non-map kinds.
func (v Value) Map() Fields { return v.m }

// StringValue returns a Value of KindString.
func StringValue(s string) Value { return Value{kind: KindString, str: s} }

// valueOf converts a decoded JSON value into a Value, or returns an error
// if it falls outside the closed set of supported kinds.
func valueOf(raw interface{}) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Value{kind: KindNull}, nil
	case string:
		return StringValue(t), nil
	case bool:
		return Value{kind: KindBool, b: t}, nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Value{kind: KindInt, i: i}, nil
		}
		var f, err = t.Float64()
		if err != nil {
			return Value{}, errors.Wrapf(err, "invalid number %q", t.String())
		}
		return Value{kind: KindFloat, num: f}, nil
	case []interface{}:
		var list = make([]Value, len(t))
		for i := range t {
			var err error
			if list[i], err = valueOf(t[i]); err != nil {
				return Value{}, err
			}
		}
		return Value{kind: KindList, list: list}, nil
	case map[string]interface{}:
		var m = make(Fields, len(t))
		for name := range t {
			var v, err = valueOf(t[name])
			if err != nil {
				return Value{}, err
			}
			m[name] = v
		}
		return Value{kind: KindMap, m: m}, nil
	default:
		return Value{}, errors.Errorf("unsupported value type %T", raw)
	}
}
