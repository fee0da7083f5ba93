package fingerprint

import (
	"sort"

	"github.com/goccy/go-json"

	"dissector/internal/record"
)

// Fields is the filter part of a fingerprint: each field maps to the set of
// values a row must hold one of.
type Fields map[record.Field][]record.Value

// Has reports whether f constrains the fingerprint.
func (fs Fields) Has(f record.Field) bool {
	_, ok := fs[f]
	return ok
}

// Keys returns the constrained fields in declaration order.
func (fs Fields) Keys() []record.Field {
	keys := make([]record.Field, 0, len(fs))
	for f := range fs {
		keys = append(keys, f)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Match keeps the rows of v that satisfy every constraint.
func (fs Fields) Match(v record.View) record.View {
	for _, f := range fs.Keys() {
		v = v.In(f, fs[f])
	}
	return v
}

// With returns a copy of fs with f constrained to values.
func (fs Fields) With(f record.Field, values ...record.Value) Fields {
	out := make(Fields, len(fs)+1)
	for k, v := range fs {
		out[k] = v
	}
	out[f] = values
	return out
}

func (fs Fields) MarshalJSON() ([]byte, error) {
	m := make(map[string][]record.Value, len(fs))
	for f, values := range fs {
		m[f.String()] = values
	}
	return json.Marshal(m)
}

func (fs *Fields) UnmarshalJSON(b []byte) error {
	var m map[string][]record.Value
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	out := make(Fields, len(m))
	for name, values := range m {
		f, err := record.ParseField(name)
		if err != nil {
			return err
		}
		out[f] = values
	}
	*fs = out
	return nil
}
