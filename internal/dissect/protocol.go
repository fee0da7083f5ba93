package dissect

import (
	"fmt"
	"regexp"

	"dissector/internal/record"
)

// State is a step of the protocol classification.
type State uint8

const (
	StateUnclassified State = iota
	// StateGenericNetworkLayer: the dominant label is a bare IPv4/IPv6 label,
	// the dissector could not see above layer 3.
	StateGenericNetworkLayer
	// StateFragmentationResolved: the generic label was fragmentation and
	// the protocol behind it was found in the remaining traffic.
	StateFragmentationResolved
	// StateApplicationClassified: an application or transport label dominates.
	StateApplicationClassified
)

func (s State) String() string {
	switch s {
	case StateGenericNetworkLayer:
		return "generic-network-layer"
	case StateFragmentationResolved:
		return "fragmentation-resolved"
	case StateApplicationClassified:
		return "application-classified"
	default:
		return "unclassified"
	}
}

// maxEliminationPasses bounds how many generic labels may be set aside.
const maxEliminationPasses = 1

var genericLabel = regexp.MustCompile(`^IPv[46]$`)

// IsGenericLabel reports whether label names a network layer rather than an
// application protocol.
func IsGenericLabel(label string) bool {
	return genericLabel.MatchString(label)
}

// Classification is the outcome of ClassifyProtocol.
type Classification struct {
	// Chain lists the protocol labels in discovery order; it never holds
	// more than two labels.
	Chain []string
	// FragmentationRoot is the generic label that was set aside because it
	// carried fragmented traffic, or "" when none was.
	FragmentationRoot string
	// FragmentedProto is the network-layer protocol carried by the fragments.
	FragmentedProto record.Value
	State           State
	// Candidates lists every label that qualified as an outlier in the pass
	// that produced the final label, when there was more than one.
	Candidates []string
}

// Fragmented reports whether a fragmentation root was identified.
func (c Classification) Fragmented() bool { return c.FragmentationRoot != "" }

// Ambiguous reports whether several labels were outliers at once.
func (c Classification) Ambiguous() bool { return len(c.Candidates) > 1 }

// First returns the first label of the chain.
func (c Classification) First() string {
	if len(c.Chain) == 0 {
		return ""
	}
	return c.Chain[0]
}

// Last returns the last label of the chain.
func (c Classification) Last() string {
	if len(c.Chain) == 0 {
		return ""
	}
	return c.Chain[len(c.Chain)-1]
}

// ClassifyProtocol determines the attack protocol used against target.
func (d *Dissector) ClassifyProtocol(v record.View, target record.Value) (Classification, error) {
	c := Classification{State: StateUnclassified}
	if !v.Table().Has(record.FieldProtocol) {
		return c, fmt.Errorf("%w: %s", ErrMissingField, record.FieldProtocol)
	}
	victim := v.Where(record.FieldDstIP, target)
	if victim.Len() == 0 {
		return c, fmt.Errorf("%w: %s", ErrNoTraffic, target)
	}
	d.log.Infof("a total of %d IPs have attacked the victim %s", len(victim.Distinct(record.FieldSrcIP)), target)

	remaining := victim
	passes := 0
	for {
		switch c.State {
		case StateUnclassified:
			label, candidates, ok := d.dominantProtocol(remaining)
			if !ok {
				return c, fmt.Errorf("%w: %s has no value", ErrMissingField, record.FieldProtocol)
			}
			c.Chain = append(c.Chain, label)
			c.Candidates = candidates
			if IsGenericLabel(label) {
				c.State = StateGenericNetworkLayer
			} else {
				c.State = StateApplicationClassified
			}

		case StateGenericNetworkLayer:
			generic := c.First()
			rows := remaining.Where(record.FieldProtocol, record.String(generic))
			if passes >= maxEliminationPasses || !mostlyFragmented(rows) {
				return d.classified(c), nil
			}
			passes++
			c.FragmentedProto, _ = Heaviest(rows, record.FieldIPProto)
			d.log.Debugf("fragmented based on protocol %s", c.FragmentedProto)

			remaining = remaining.WhereNot(record.FieldProtocol, record.String(generic))
			label, candidates, ok := d.dominantProtocol(remaining)
			if !ok {
				d.log.Debugf("nothing left besides %s fragments", generic)
				return d.classified(c), nil
			}
			c.Chain = append(c.Chain, label)
			c.Candidates = candidates
			c.FragmentationRoot = generic
			c.State = StateFragmentationResolved

		default:
			return d.classified(c), nil
		}
	}
}

func (d *Dissector) classified(c Classification) Classification {
	d.metrics.ObserveClassification(c.State.String(), c.Ambiguous())
	return c
}

// dominantProtocol picks the label carrying the attack. When more than one
// label is an outlier the heaviest wins, ties going to the lexicographically
// smallest label, and the full candidate list is returned for review.
func (d *Dissector) dominantProtocol(v record.View) (string, []string, bool) {
	res := d.outliers(v, record.FieldProtocol)
	var labels []string
	for _, val := range res.Values() {
		if s, ok := val.Str(); ok && s != "" {
			labels = append(labels, s)
		}
	}
	switch {
	case len(labels) == 0:
		d.log.Infof("assuming top1 protocol as attack protocol")
		top, ok := Heaviest(v, record.FieldProtocol)
		if !ok {
			return "", nil, false
		}
		s, _ := top.Str()
		return s, nil, s != ""
	case len(labels) > 1:
		d.log.Warnf("more than one protocol classified as outlier %v, selecting %s", labels, labels[0])
		return labels[0], labels, true
	default:
		d.log.Debugf("top1 protocol %s classified as outlier", labels[0])
		return labels[0], nil, true
	}
}

func mostlyFragmented(v record.View) bool {
	fragmented := 0
	for i := 0; i < v.Len(); i++ {
		if b, ok := v.At(i, record.FieldFragmentation).Bool(); ok && b {
			fragmented++
		}
	}
	return fragmented*2 > v.Len()
}
