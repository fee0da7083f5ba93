package dissect

import (
	"math"

	"dissector/internal/fingerprint"
	"dissector/internal/record"
)

// FragmentationSignature selects the fragments that belong to a correlated
// multi-vector attack.
type FragmentationSignature struct {
	Target record.Value
	// Root is the generic label the fragments were classified under.
	Root string
}

// Evaluation measures how well a fingerprint re-identifies the traffic.
type Evaluation struct {
	Matched record.View
	// TrafficMatch is the share of rows of the full view that matched.
	TrafficMatch int
	// IPMatch is the share of distinct sources that matched.
	IPMatch int
	// Contribution holds, per fingerprint field, the share of rows that
	// field's filter alone would match.
	Contribution map[record.Field]int
}

// Evaluate applies fields to full. A non-nil frag adds the fragments sent to
// the target by sources the fingerprint already matched.
func (d *Dissector) Evaluate(full record.View, fields fingerprint.Fields, frag *FragmentationSignature) Evaluation {
	matched := fields.Match(full)
	if frag != nil {
		sources := matched.Distinct(record.FieldSrcIP)
		fragments := full.
			Where(record.FieldDstIP, frag.Target).
			Where(record.FieldProtocol, record.String(frag.Root)).
			Where(record.FieldFragmentation, record.Bool(true)).
			In(record.FieldSrcIP, sources)
		matched = matched.Union(fragments)
		d.log.Debugf("fragmentation filter added %d row(s) to the matched traffic", fragments.Len())
	}

	ev := Evaluation{
		Matched:      matched,
		TrafficMatch: percentOf(matched.Len(), full.Len()),
		IPMatch:      percentOf(len(matched.Distinct(record.FieldSrcIP)), len(full.Distinct(record.FieldSrcIP))),
		Contribution: make(map[record.Field]int, len(fields)),
	}
	for f, values := range fields {
		ev.Contribution[f] = percentOf(full.In(f, values).Len(), full.Len())
	}
	d.metrics.ObserveTrafficMatch(ev.TrafficMatch)
	d.log.Infof("TRAFFIC MATCHED: %d%%. The generated fingerprint will filter %d%% of the analysed traffic", ev.TrafficMatch, ev.TrafficMatch)
	d.log.Infof("IPS MATCHED    : %d%%. The generated fingerprint will filter %d%% of SRC_IPs", ev.IPMatch, ev.IPMatch)
	return ev
}

func percentOf(part, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.RoundToEven(float64(part) * 100 / float64(total)))
}
