package dissect

import (
	"fmt"
	"sort"
	"sync"

	"dissector/internal/fingerprint"
	"dissector/internal/record"
)

// FieldExclusionPolicy decides which fields a protocol inspection leaves out
// of a fingerprint on top of the fields that are always excluded.
type FieldExclusionPolicy interface {
	Name() string
	Excluded(f record.Field) bool
}

// ExclusionList is a FieldExclusionPolicy backed by a fixed set of fields.
type ExclusionList struct {
	name   string
	fields map[record.Field]struct{}
}

// NewExclusionList returns a policy named name that excludes fields.
func NewExclusionList(name string, fields ...record.Field) ExclusionList {
	set := make(map[record.Field]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return ExclusionList{name: name, fields: set}
}

func (l ExclusionList) Name() string { return l.name }

func (l ExclusionList) Excluded(f record.Field) bool {
	_, ok := l.fields[f]
	return ok
}

// GenericStrategy is used for every label without a dedicated policy.
var GenericStrategy FieldExclusionPolicy = NewExclusionList("generic")

// Registry maps protocol labels to inspection policies.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]FieldExclusionPolicy
	fallback FieldExclusionPolicy
}

// NewRegistry returns a registry holding the DNS, SMTP and NTP policies with
// GenericStrategy as the fallback.
func NewRegistry() *Registry {
	r := &Registry{
		policies: make(map[string]FieldExclusionPolicy),
		fallback: GenericStrategy,
	}
	r.Register("DNS", NewExclusionList("dns", record.FieldInfo))
	r.Register("SMTP", NewExclusionList("smtp", record.FieldInfo))
	r.Register("NTP", NewExclusionList("ntp", record.FieldInfo, record.FieldDstPort))
	return r
}

// Register binds label to p, replacing any previous policy.
func (r *Registry) Register(label string, p FieldExclusionPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[label] = p
}

// Lookup returns the policy for label, or the fallback.
func (r *Registry) Lookup(label string) FieldExclusionPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.policies[label]; ok {
		return p
	}
	return r.fallback
}

// Labels lists the labels with a dedicated policy.
func (r *Registry) Labels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.policies))
	for l := range r.policies {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// alwaysExcluded reports whether f never takes part in a fingerprint.
func alwaysExcluded(kind record.TableKind, f record.Field) bool {
	switch f {
	case record.FieldDstIP, record.FieldEthType, record.FieldTimestamp:
		return true
	case record.FieldPackets:
		return kind == record.Flow
	}
	return false
}

// BuildFields extracts the discriminative values of the rows sent to target
// and labelled protocol. Each field is analysed on its own.
func (d *Dissector) BuildFields(v record.View, target record.Value, protocol string) (fingerprint.Fields, error) {
	rows := v.Where(record.FieldDstIP, target).Where(record.FieldProtocol, record.String(protocol))
	if rows.Len() == 0 {
		return nil, fmt.Errorf("%w: %s over %s", ErrNoTraffic, target, protocol)
	}
	policy := d.strategies.Lookup(protocol)
	d.log.Debugf("inspecting %s traffic with the %s strategy", protocol, policy.Name())

	kind := v.Table().Kind()
	fields := make(fingerprint.Fields)
	for _, f := range v.Table().Fields() {
		if alwaysExcluded(kind, f) || policy.Excluded(f) {
			continue
		}
		res := d.outliers(rows, f)
		if !res.Found() {
			continue
		}
		var values []record.Value
		for _, val := range res.Values() {
			if !val.IsMissing() {
				values = append(values, val)
			}
		}
		if len(values) == 0 {
			continue
		}
		sort.Slice(values, func(i, j int) bool { return values[i].Less(values[j]) })
		fields[f] = values
	}
	return fields, nil
}
