package record

import (
	"bytes"
	"strconv"

	"github.com/goccy/go-json"
)

// Kind tags the dynamic type held by a Value.
type Kind uint8

const (
	KindMissing Kind = iota
	KindString
	KindInt
	KindBool
)

// Value is a single cell. The zero Value is Missing, which is distinct from
// an integer 0, an empty string or false. Values are comparable and may be
// used as map keys.
type Value struct {
	kind Kind
	str  string
	num  int64
}

func Missing() Value        { return Value{} }
func String(s string) Value { return Value{kind: KindString, str: s} }
func Int(n int64) Value     { return Value{kind: KindInt, num: n} }
func Bool(b bool) Value {
	if b {
		return Value{kind: KindBool, num: 1}
	}
	return Value{kind: KindBool}
}

func (v Value) Kind() Kind      { return v.kind }
func (v Value) IsMissing() bool { return v.kind == KindMissing }

// Str returns the string payload and whether v holds a string.
func (v Value) Str() (string, bool) {
	return v.str, v.kind == KindString
}

// Int returns the integer payload and whether v holds an integer.
func (v Value) Int() (int64, bool) {
	return v.num, v.kind == KindInt
}

// Bool returns the boolean payload and whether v holds a bool.
func (v Value) Bool() (bool, bool) {
	return v.num == 1, v.kind == KindBool
}

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindInt:
		return strconv.FormatInt(v.num, 10)
	case KindBool:
		return strconv.FormatBool(v.num == 1)
	default:
		return "<missing>"
	}
}

// Less orders values: missing first, then bools, integers and strings.
func (v Value) Less(o Value) bool {
	if v.kind != o.kind {
		return kindRank(v.kind) < kindRank(o.kind)
	}
	switch v.kind {
	case KindString:
		return v.str < o.str
	case KindInt, KindBool:
		return v.num < o.num
	}
	return false
}

func kindRank(k Kind) int {
	switch k {
	case KindMissing:
		return 0
	case KindBool:
		return 1
	case KindInt:
		return 2
	default:
		return 3
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindInt:
		return []byte(strconv.FormatInt(v.num, 10)), nil
	case KindBool:
		return []byte(strconv.FormatBool(v.num == 1)), nil
	default:
		return []byte("null"), nil
	}
}

func (v *Value) UnmarshalJSON(b []byte) error {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*v = FromAny(raw)
	return nil
}

// FromAny converts a decoded JSON scalar into a Value. Non-integral numbers
// are kept as their string form.
func FromAny(raw any) Value {
	switch t := raw.(type) {
	case nil:
		return Missing()
	case bool:
		return Bool(t)
	case string:
		return String(t)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return Int(n)
		}
		if f, err := t.Float64(); err == nil && f == float64(int64(f)) {
			return Int(int64(f))
		}
		return String(t.String())
	case float64:
		if t == float64(int64(t)) {
			return Int(int64(t))
		}
		return String(strconv.FormatFloat(t, 'f', -1, 64))
	case int:
		return Int(int64(t))
	case int64:
		return Int(t)
	}
	return Missing()
}
