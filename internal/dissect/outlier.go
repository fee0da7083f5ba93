package dissect

import (
	"math"
	"sort"
	"strings"

	"dissector/internal/record"
)

const (
	DefaultTopN      = 20
	DefaultThreshold = 80
	DefaultZScore    = 2

	// minZScoreBuckets is the smallest bucket count for which a z-score
	// carries any meaning.
	minZScoreBuckets = 16
)

// OutlierOptions tunes the outlier analysis.
type OutlierOptions struct {
	TopN      int
	Threshold int
	ZScore    int
}

func (o OutlierOptions) withDefaults() OutlierOptions {
	if o.TopN <= 0 {
		o.TopN = DefaultTopN
	}
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	if o.ZScore <= 0 {
		o.ZScore = DefaultZScore
	}
	return o
}

// Status classifies the outcome of an analysis.
type Status uint8

const (
	// StatusEmpty means there was nothing to measure: no rows, zero total
	// weight, or a field that is never analysed.
	StatusEmpty Status = iota
	// StatusNoSignal means buckets exist but none qualifies as an outlier.
	StatusNoSignal
	// StatusFound means at least one real value is an outlier.
	StatusFound
)

func (s Status) String() string {
	switch s {
	case StatusNoSignal:
		return "no-signal"
	case StatusFound:
		return "found"
	default:
		return "empty"
	}
}

// Bucket is one group of the top-N distribution.
type Bucket struct {
	// Values holds one value per analysed field; nil for the others bucket.
	Values  []record.Value
	Others  bool
	Weight  int64
	Percent int
	// ZScore is meaningful only when HasZScore is set.
	ZScore    int
	HasZScore bool
}

// Value returns the first value of the bucket, which is the whole key for
// single-field analyses.
func (b Bucket) Value() record.Value {
	if len(b.Values) == 0 {
		return record.Missing()
	}
	return b.Values[0]
}

func (b Bucket) label() string {
	if b.Others {
		return "others"
	}
	parts := make([]string, len(b.Values))
	for i, v := range b.Values {
		parts[i] = v.String()
	}
	return strings.Join(parts, ",")
}

// Result is the distribution of one field (or field combination) and the
// outliers found in it.
type Result struct {
	Fields   []record.Field
	Status   Status
	Total    int64
	Buckets  []Bucket
	Outliers []Bucket
}

// Found reports whether at least one outlier was returned.
func (r Result) Found() bool { return r.Status == StatusFound }

// Values returns the single-field outlier values in weight order.
func (r Result) Values() []record.Value {
	out := make([]record.Value, 0, len(r.Outliers))
	for _, b := range r.Outliers {
		out = append(out, b.Value())
	}
	return out
}

// Analyze groups the view by the given fields, sums row weights per group
// and returns the groups whose share of traffic exceeds the threshold or
// whose z-score exceeds the z-score limit.
func Analyze(v record.View, opts OutlierOptions, fields ...record.Field) Result {
	opts = opts.withDefaults()
	res := Result{Fields: fields, Status: StatusEmpty}
	if len(fields) == 0 || v.Len() == 0 || !analysable(v, fields) {
		return res
	}

	type group struct {
		values []record.Value
		weight int64
	}
	index := make(map[string]int)
	var groups []group
	for i := 0; i < v.Len(); i++ {
		values := make([]record.Value, len(fields))
		for j, f := range fields {
			values[j] = v.At(i, f)
		}
		key := groupKey(values)
		w := v.Weight(i)
		if idx, ok := index[key]; ok {
			groups[idx].weight += w
			continue
		}
		index[key] = len(groups)
		groups = append(groups, group{values: values, weight: w})
	}
	for _, g := range groups {
		res.Total += g.weight
	}
	if res.Total <= 0 {
		return res
	}

	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].weight != groups[j].weight {
			return groups[i].weight > groups[j].weight
		}
		return lessValues(groups[i].values, groups[j].values)
	})

	top := groups
	var othersWeight int64
	if len(groups) > opts.TopN {
		top = groups[:opts.TopN]
		for _, g := range groups[opts.TopN:] {
			othersWeight += g.weight
		}
	}
	buckets := make([]Bucket, 0, len(top)+1)
	for _, g := range top {
		buckets = append(buckets, Bucket{Values: g.values, Weight: g.weight})
	}
	buckets = append(buckets, Bucket{Others: true, Weight: othersWeight})
	sort.SliceStable(buckets, func(i, j int) bool {
		return buckets[i].Weight > buckets[j].Weight
	})

	for i := range buckets {
		buckets[i].Percent = roundPercent(buckets[i].Weight, res.Total)
	}
	if len(buckets) >= minZScoreBuckets {
		applyZScores(buckets)
	}
	res.Buckets = buckets

	for _, b := range buckets {
		if b.Others {
			continue
		}
		if b.Percent > opts.Threshold || (b.HasZScore && b.ZScore > opts.ZScore) {
			res.Outliers = append(res.Outliers, b)
		}
	}
	if len(res.Outliers) == 0 {
		res.Status = StatusNoSignal
		return res
	}
	res.Status = StatusFound
	return res
}

// Heaviest returns the single value carrying the most weight for f,
// ignoring missing values.
func Heaviest(v record.View, f record.Field) (record.Value, bool) {
	weights := make(map[record.Value]int64)
	for i := 0; i < v.Len(); i++ {
		val := v.At(i, f)
		if val.IsMissing() {
			continue
		}
		weights[val] += v.Weight(i)
	}
	var best record.Value
	var bestWeight int64 = -1
	for val, w := range weights {
		if w > bestWeight || (w == bestWeight && val.Less(best)) {
			best, bestWeight = val, w
		}
	}
	return best, bestWeight >= 0
}

func analysable(v record.View, fields []record.Field) bool {
	t := v.Table()
	for _, f := range fields {
		if !t.Has(f) || f == record.FieldTimestamp {
			return false
		}
		if t.Kind() == record.Flow && f == record.FieldPackets {
			return false
		}
	}
	return true
}

func applyZScores(buckets []Bucket) {
	n := float64(len(buckets))
	var sum float64
	for _, b := range buckets {
		sum += float64(b.Weight)
	}
	mean := sum / n
	var sq float64
	for _, b := range buckets {
		d := float64(b.Weight) - mean
		sq += d * d
	}
	std := math.Sqrt(sq / n)
	if std == 0 {
		return
	}
	for i := range buckets {
		buckets[i].ZScore = int(math.RoundToEven((float64(buckets[i].Weight) - mean) / std))
		buckets[i].HasZScore = true
	}
}

func roundPercent(part, total int64) int {
	if total == 0 {
		return 0
	}
	return int(math.RoundToEven(float64(part) * 100 / float64(total)))
}

func groupKey(values []record.Value) string {
	var b strings.Builder
	for _, v := range values {
		b.WriteByte(byte('0' + v.Kind()))
		b.WriteString(v.String())
		b.WriteByte(0)
	}
	return b.String()
}

func lessValues(a, b []record.Value) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i].Less(b[i])
		}
	}
	return false
}
