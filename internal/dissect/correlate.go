package dissect

import (
	"math"

	"dissector/internal/record"
)

// IsFragmentationSideEffect reports whether the sources sending fragments to
// target are essentially the same sources running the attack found behind
// the fragmentation root. When they are, the fragments are a by-product and
// the fingerprint should describe the other vector.
func (d *Dissector) IsFragmentationSideEffect(v record.View, target record.Value, c Classification) bool {
	if !c.Fragmented() || len(c.Chain) < 2 {
		return false
	}
	victim := v.Where(record.FieldDstIP, target)
	fragSources := victim.Where(record.FieldProtocol, record.String(c.FragmentationRoot)).Distinct(record.FieldSrcIP)
	attackSources := victim.Where(record.FieldProtocol, record.String(c.Last())).Distinct(record.FieldSrcIP)

	correlated, overlap := overlaps(fragSources, attackSources, d.opts.SimilarityThreshold)
	if overlap >= 0 {
		d.log.Debugf("a total of %d%% IPs in the fragmentation attack also attack using %s", overlap, c.Last())
	}
	return correlated
}

// overlaps computes the Jaccard overlap of a and b. It returns whether the
// overlap strictly exceeds threshold percent, compared exactly, and the
// rounded percentage for display (-1 when either set is empty).
func overlaps(a, b []record.Value, threshold int) (bool, int) {
	if len(a) == 0 || len(b) == 0 {
		return false, -1
	}
	union := make(map[record.Value]struct{}, len(a)+len(b))
	for _, v := range a {
		union[v] = struct{}{}
	}
	inA := make(map[record.Value]struct{}, len(a))
	for k := range union {
		inA[k] = struct{}{}
	}
	intersection := 0
	for _, v := range b {
		if _, ok := inA[v]; ok {
			intersection++
			delete(inA, v)
		}
		union[v] = struct{}{}
	}
	u := len(union)
	pct := int(math.RoundToEven(float64(intersection) * 100 / float64(u)))
	return intersection*100 > threshold*u, pct
}
