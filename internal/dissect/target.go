package dissect

import (
	"fmt"
	"strings"

	"dissector/internal/record"
)

// outliers runs Analyze with the dissector options and records the outcome.
func (d *Dissector) outliers(v record.View, fields ...record.Field) Result {
	res := Analyze(v, d.opts.Outlier, fields...)
	d.metrics.ObserveOutlier(res.Status.String())
	if res.Status == StatusEmpty {
		return res
	}
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.String()
	}
	field := strings.Join(names, "+")
	if !res.Found() {
		d.log.Debugf("no outlier for the field `%s`", field)
		return res
	}
	top := res.Buckets
	if len(top) > 5 {
		top = top[:5]
	}
	for _, b := range top {
		d.log.Debugf("field `%s`: %s weight=%d percent=%d", field, b.label(), b.Weight, b.Percent)
	}
	labels := make([]string, len(res.Outliers))
	for i, b := range res.Outliers {
		labels[i] = b.label()
	}
	d.log.Debugf("outliers for the field `%s`: %v", field, labels)
	return res
}

// InferTargets returns the victim addresses: the destination outliers, or
// the heaviest destination when there is no outlier.
func (d *Dissector) InferTargets(v record.View) ([]record.Value, error) {
	if v.Len() < 2 {
		return nil, fmt.Errorf("%w: %d row(s)", ErrTooFewRows, v.Len())
	}
	if !v.Table().Has(record.FieldDstIP) {
		return nil, fmt.Errorf("%w: %s", ErrMissingField, record.FieldDstIP)
	}

	res := d.outliers(v, record.FieldDstIP)
	var targets []record.Value
	for _, val := range res.Values() {
		if !val.IsMissing() {
			targets = append(targets, val)
		}
	}
	if len(targets) > 0 {
		d.metrics.AddTargets(len(targets))
		return targets, nil
	}

	d.log.Infof("no destination outlier found, assuming the top destination is the target")
	top, ok := Heaviest(v, record.FieldDstIP)
	if !ok {
		return nil, ErrNoTarget
	}
	d.metrics.AddTargets(1)
	return []record.Value{top}, nil
}
