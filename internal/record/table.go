package record

import (
	"fmt"
	"sort"
)

// TableKind says how rows are weighted when measuring traffic volume.
type TableKind uint8

const (
	// Packet tables hold one row per captured packet; each row weighs 1.
	Packet TableKind = iota
	// Flow tables hold pre-aggregated flows; a row weighs its packet count.
	Flow
)

func (k TableKind) String() string {
	if k == Flow {
		return "flow"
	}
	return "packet"
}

// Table is an immutable, column-oriented set of normalized traffic events.
type Table struct {
	kind   TableKind
	rows   int
	fields []Field
	cols   [numFields][]Value
}

// Kind returns the volume discriminator of the table.
func (t *Table) Kind() TableKind { return t.kind }

// Len returns the number of rows.
func (t *Table) Len() int { return t.rows }

// Fields returns the present columns in declaration order.
func (t *Table) Fields() []Field {
	return append([]Field(nil), t.fields...)
}

// Has reports whether the column exists in the table.
func (t *Table) Has(f Field) bool {
	return f.Valid() && t.cols[f] != nil
}

// At returns the value of field f in row i. Absent columns read as Missing.
func (t *Table) At(i int, f Field) Value {
	if !f.Valid() {
		return Missing()
	}
	col := t.cols[f]
	if col == nil {
		return Missing()
	}
	return col[i]
}

// All returns a view over every row.
func (t *Table) All() View {
	rows := make([]int, t.rows)
	for i := range rows {
		rows[i] = i
	}
	return View{t: t, rows: rows}
}

// Builder accumulates rows before freezing them into a Table.
type Builder struct {
	kind TableKind
	rows int
	cols [numFields][]Value
	set  [numFields]bool
}

func NewBuilder(kind TableKind) *Builder {
	return &Builder{kind: kind}
}

// Row is one record in construction; unset fields are Missing.
type Row map[Field]Value

// Add appends a row. Unknown fields are rejected.
func (b *Builder) Add(r Row) error {
	for f := range r {
		if !f.Valid() {
			return fmt.Errorf("row %d: invalid field %d", b.rows, uint8(f))
		}
	}
	for f := Field(0); f < numFields; f++ {
		v, ok := r[f]
		if ok && !v.IsMissing() {
			if !b.set[f] {
				b.cols[f] = make([]Value, b.rows, b.rows+1)
				b.set[f] = true
			}
		}
		if b.set[f] {
			b.cols[f] = append(b.cols[f], v)
		}
	}
	b.rows++
	return nil
}

// Len returns the number of rows added so far.
func (b *Builder) Len() int { return b.rows }

// Build freezes the builder. Columns that never held a value are dropped.
func (b *Builder) Build() *Table {
	t := &Table{kind: b.kind, rows: b.rows}
	for f := Field(0); f < numFields; f++ {
		if !b.set[f] {
			continue
		}
		t.cols[f] = b.cols[f]
		t.fields = append(t.fields, f)
	}
	return t
}

// View is an ordered subset of a table's rows. Views never modify the table.
type View struct {
	t    *Table
	rows []int
}

func (v View) Table() *Table { return v.t }
func (v View) Len() int      { return len(v.rows) }

// Row returns the table index of the i-th row in the view.
func (v View) Row(i int) int { return v.rows[i] }

// Rows returns a copy of the table indices in the view.
func (v View) Rows() []int { return append([]int(nil), v.rows...) }

// At returns the value of field f for the i-th row in the view.
func (v View) At(i int, f Field) Value {
	return v.t.At(v.rows[i], f)
}

// Weight returns the traffic volume of the i-th row in the view.
func (v View) Weight(i int) int64 {
	if v.t.kind != Flow {
		return 1
	}
	if n, ok := v.At(i, FieldPackets).Int(); ok {
		return n
	}
	return 1
}

// Filter keeps the rows for which keep returns true.
func (v View) Filter(keep func(i int) bool) View {
	out := make([]int, 0, len(v.rows))
	for i, r := range v.rows {
		if keep(i) {
			out = append(out, r)
		}
	}
	return View{t: v.t, rows: out}
}

// Where keeps rows whose value of f equals val.
func (v View) Where(f Field, val Value) View {
	return v.Filter(func(i int) bool { return v.At(i, f) == val })
}

// WhereNot keeps rows whose value of f differs from val.
func (v View) WhereNot(f Field, val Value) View {
	return v.Filter(func(i int) bool { return v.At(i, f) != val })
}

// In keeps rows whose value of f is one of vals.
func (v View) In(f Field, vals []Value) View {
	set := make(map[Value]struct{}, len(vals))
	for _, val := range vals {
		set[val] = struct{}{}
	}
	return v.Filter(func(i int) bool {
		_, ok := set[v.At(i, f)]
		return ok
	})
}

// Union merges two views of the same table, dropping duplicate rows and
// keeping table order.
func (v View) Union(o View) View {
	seen := make(map[int]struct{}, len(v.rows)+len(o.rows))
	out := make([]int, 0, len(v.rows)+len(o.rows))
	for _, set := range [][]int{v.rows, o.rows} {
		for _, r := range set {
			if _, ok := seen[r]; ok {
				continue
			}
			seen[r] = struct{}{}
			out = append(out, r)
		}
	}
	sort.Ints(out)
	return View{t: v.t, rows: out}
}

// Distinct returns the distinct non-missing values of f in first-seen order.
func (v View) Distinct(f Field) []Value {
	seen := make(map[Value]struct{})
	var out []Value
	for i := range v.rows {
		val := v.At(i, f)
		if val.IsMissing() {
			continue
		}
		if _, ok := seen[val]; ok {
			continue
		}
		seen[val] = struct{}{}
		out = append(out, val)
	}
	return out
}

// Sum adds the integer values of f, ignoring anything else.
func (v View) Sum(f Field) int64 {
	var total int64
	for i := range v.rows {
		if n, ok := v.At(i, f).Int(); ok {
			total += n
		}
	}
	return total
}

// Span returns the smallest and largest integer values of f.
func (v View) Span(f Field) (min, max int64, ok bool) {
	for i := range v.rows {
		n, isInt := v.At(i, f).Int()
		if !isInt {
			continue
		}
		if !ok || n < min {
			min = n
		}
		if !ok || n > max {
			max = n
		}
		ok = true
	}
	return min, max, ok
}

// Equal reports whether both views select the same rows of the same table.
func (v View) Equal(o View) bool {
	if v.t != o.t || len(v.rows) != len(o.rows) {
		return false
	}
	for i := range v.rows {
		if v.rows[i] != o.rows[i] {
			return false
		}
	}
	return true
}
