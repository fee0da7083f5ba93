package dissect

import (
	"errors"
	"fmt"

	"dissector/internal/fingerprint"
	"dissector/internal/record"
)

// Report is everything learned about one victim.
type Report struct {
	Target         record.Value
	Classification Classification
	// Correlated is set when the fragments were found to be a side effect
	// of the attack behind the fragmentation root.
	Correlated  bool
	Protocol    string
	Evaluation  Evaluation
	Fingerprint *fingerprint.Fingerprint
}

// Dissect builds the fingerprint of the attack against target.
func (d *Dissector) Dissect(v record.View, target record.Value) (*Report, error) {
	c, err := d.ClassifyProtocol(v, target)
	if err != nil {
		return nil, err
	}
	r := &Report{Target: target, Classification: c, Protocol: c.First()}

	var frag *FragmentationSignature
	if c.Fragmented() {
		r.Correlated = d.IsFragmentationSideEffect(v, target, c)
		if r.Correlated {
			r.Protocol = c.Last()
			frag = &FragmentationSignature{Target: target, Root: c.FragmentationRoot}
		}
	}
	d.log.Infof("attack protocol for %s: %s (chain %v)", target, r.Protocol, c.Chain)

	fields, err := d.BuildFields(v, target, r.Protocol)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: no discriminative field for %s", ErrNoTraffic, target)
	}

	r.Evaluation = d.Evaluate(v, fields, frag)
	tags := d.Label(fields, r.Evaluation.Matched)
	fp, err := fingerprint.New(fields, r.Evaluation.Matched, tags)
	if err != nil {
		return nil, fmt.Errorf("assemble fingerprint for %s: %w", target, err)
	}
	r.Fingerprint = fp
	d.metrics.IncFingerprints(r.Protocol)
	return r, nil
}

// Run infers the victims of the table and dissects each in turn. A victim
// without usable traffic is skipped; any other failure stops the run.
func (d *Dissector) Run(t *record.Table) ([]*Report, error) {
	d.metrics.SetRows(t.Kind().String(), t.Len())
	all := t.All()
	targets, err := d.InferTargets(all)
	if err != nil {
		return nil, err
	}
	d.log.Infof("target(s): %v", targets)

	var reports []*Report
	for _, target := range targets {
		r, err := d.Dissect(all, target)
		if errors.Is(err, ErrNoTraffic) {
			d.log.Warnf("skipping %s: %v", target, err)
			continue
		}
		if err != nil {
			return reports, fmt.Errorf("dissect %s: %w", target, err)
		}
		reports = append(reports, r)
	}
	return reports, nil
}
