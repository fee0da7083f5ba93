// Package dissect infers DDoS fingerprints from a record table: it finds the
// victims, classifies the attack protocol, extracts the discriminative field
// values and measures how well the result matches the captured traffic.
package dissect

import (
	"errors"

	"go.uber.org/zap"

	"dissector/internal/metrics"
)

var (
	// ErrTooFewRows is returned when the table cannot support any inference.
	ErrTooFewRows = errors.New("not enough rows to analyse")
	// ErrNoTarget is returned when no destination address can be inferred.
	ErrNoTarget = errors.New("target address could not be inferred")
	// ErrNoTraffic is returned when the victim has no rows in the view.
	ErrNoTraffic = errors.New("no traffic towards target")
	// ErrMissingField is returned when a column the step relies on is absent.
	ErrMissingField = errors.New("required field missing")
)

const (
	DefaultSimilarityThreshold = 80
	DefaultSuspectUDPLength    = 468
)

// Options holds the tunables of a Dissector.
type Options struct {
	Outlier             OutlierOptions
	SimilarityThreshold int
	SuspectUDPLength    int64
}

func (o Options) withDefaults() Options {
	o.Outlier = o.Outlier.withDefaults()
	if o.SimilarityThreshold <= 0 {
		o.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if o.SuspectUDPLength <= 0 {
		o.SuspectUDPLength = DefaultSuspectUDPLength
	}
	return o
}

// Dissector runs the inference steps. It holds no per-victim state, so one
// value can process every victim of a table in turn.
type Dissector struct {
	opts       Options
	log        *zap.SugaredLogger
	metrics    *metrics.Metrics
	strategies *Registry
}

// New builds a Dissector. A nil logger discards output and a nil metrics
// value disables instrumentation.
func New(opts Options, log *zap.SugaredLogger, m *metrics.Metrics) *Dissector {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Dissector{
		opts:       opts.withDefaults(),
		log:        log,
		metrics:    m,
		strategies: NewRegistry(),
	}
}
