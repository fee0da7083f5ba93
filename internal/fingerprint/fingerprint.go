// Package fingerprint holds the document produced for each victim: the field
// filter, traffic metadata and the content hashes used as its identity.
package fingerprint

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"dissector/internal/record"
)

const (
	none    = "None"
	omitted = "omitted"
)

const tagAmplification = "AMPLIFICATION"

var errNoFields = errors.New("fingerprint has no field")

// Fingerprint is the artifact handed to storage, upload and graph export.
type Fingerprint struct {
	Fields        Fields
	StartTime     time.Time
	DurationSec   int64
	TotalDstPorts int
	AvgBPS        int64
	TotalPackets  int64
	TotalIPs      int
	Key           string
	KeySHA256     string
	// Exactly one of Attackers and Amplifiers is set.
	Attackers  []record.Value
	Amplifiers []record.Value
	Tags       []string

	anonymized bool
}

// New computes the metadata of the rows matched by fields and seals the
// document with its hashes.
func New(fields Fields, matched record.View, tags []string) (*Fingerprint, error) {
	if len(fields) == 0 {
		return nil, errNoFields
	}
	fp := &Fingerprint{
		Fields:        fields,
		TotalDstPorts: len(matched.Distinct(record.FieldDstPort)),
		Tags:          append([]string{}, tags...),
	}
	// Without timestamps the document still carries a start_time, the epoch.
	fp.StartTime = time.Unix(0, 0).UTC()
	if lo, hi, ok := matched.Span(record.FieldTimestamp); ok {
		fp.StartTime = time.Unix(0, lo).UTC().Truncate(time.Second)
		fp.DurationSec = (hi - lo) / int64(time.Second)
	}

	var bytes int64
	if matched.Table().Kind() == record.Flow {
		fp.TotalPackets = matched.Sum(record.FieldPackets)
		bytes = matched.Sum(record.FieldBytes)
	} else {
		fp.TotalPackets = int64(matched.Len())
		bytes = matched.Sum(record.FieldFrameLen)
	}
	fp.AvgBPS = bytes
	if fp.DurationSec > 0 {
		fp.AvgBPS = bytes / fp.DurationSec
	}

	sources := matched.Distinct(record.FieldSrcIP)
	fp.TotalIPs = len(sources)
	if fp.HasTag(tagAmplification) {
		fp.Amplifiers = sources
	} else {
		fp.Attackers = sources
	}
	if err := fp.seal(); err != nil {
		return nil, err
	}
	return fp, nil
}

// HasTag reports whether tag was attached by the labeler.
func (fp *Fingerprint) HasTag(tag string) bool {
	for _, t := range fp.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Sources returns the attackers, or the amplifiers for reflection attacks.
func (fp *Fingerprint) Sources() []record.Value {
	if fp.Amplifiers != nil {
		return fp.Amplifiers
	}
	return fp.Attackers
}

// Anonymized returns a copy that encodes attackers and amplifiers as
// "omitted".
func (fp *Fingerprint) Anonymized() *Fingerprint {
	cp := *fp
	cp.anonymized = true
	return &cp
}

// seal computes key over the filter, the tags and the traffic figures, then
// key_sha256 over the same content plus key.
func (fp *Fingerprint) seal() error {
	doc := fp.hashed()
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode fingerprint: %w", err)
	}
	md := md5.Sum(b)
	fp.Key = hex.EncodeToString(md[:])

	doc["key"] = fp.Key
	if b, err = json.Marshal(doc); err != nil {
		return fmt.Errorf("encode fingerprint: %w", err)
	}
	sum := sha256.Sum256(b)
	fp.KeySHA256 = hex.EncodeToString(sum[:])
	return nil
}

func (fp *Fingerprint) hashed() map[string]any {
	doc := make(map[string]any, len(fp.Fields)+6)
	for f, values := range fp.Fields {
		doc[f.String()] = values
	}
	doc["tags"] = fp.Tags
	doc["start_time"] = fp.startTime()
	doc["duration_sec"] = fp.DurationSec
	doc["total_dst_ports"] = fp.TotalDstPorts
	doc["avg_bps"] = fp.AvgBPS
	doc["total_packets"] = fp.TotalPackets
	return doc
}

func (fp *Fingerprint) startTime() string {
	return fp.StartTime.UTC().Format(time.RFC3339)
}

func (fp *Fingerprint) MarshalJSON() ([]byte, error) {
	doc := fp.hashed()
	doc["key"] = fp.Key
	doc["key_sha256"] = fp.KeySHA256
	doc["total_ips"] = fp.TotalIPs
	doc["attackers"] = fp.sourceDoc(fp.Attackers)
	doc["amplifiers"] = fp.sourceDoc(fp.Amplifiers)
	return json.Marshal(doc)
}

func (fp *Fingerprint) sourceDoc(sources []record.Value) any {
	switch {
	case fp.anonymized:
		return omitted
	case sources == nil:
		return none
	}
	return sources
}

// Indent encodes fp for terminals and files.
func (fp *Fingerprint) Indent() ([]byte, error) {
	b, err := fp.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return json.MarshalIndent(out, "", "    ")
}

var metaKeys = map[string]struct{}{
	"tags": {}, "start_time": {}, "duration_sec": {}, "total_dst_ports": {},
	"avg_bps": {}, "total_packets": {}, "key": {}, "key_sha256": {},
	"total_ips": {}, "attackers": {}, "amplifiers": {}, "multivector_key": {},
}

// UnmarshalJSON reads a stored fingerprint back. The hashes are taken as
// stored.
func (fp *Fingerprint) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	var meta struct {
		Tags          []string `json:"tags"`
		StartTime     *string  `json:"start_time"`
		DurationSec   int64    `json:"duration_sec"`
		TotalDstPorts int      `json:"total_dst_ports"`
		AvgBPS        int64    `json:"avg_bps"`
		TotalPackets  int64    `json:"total_packets"`
		TotalIPs      int      `json:"total_ips"`
		Key           string   `json:"key"`
		KeySHA256     string   `json:"key_sha256"`
	}
	if err := json.Unmarshal(b, &meta); err != nil {
		return err
	}

	fields := make(map[string]json.RawMessage)
	for k, v := range raw {
		if _, ok := metaKeys[k]; !ok {
			fields[k] = v
		}
	}
	fb, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	var fs Fields
	if err := json.Unmarshal(fb, &fs); err != nil {
		return err
	}

	out := Fingerprint{
		Fields:        fs,
		DurationSec:   meta.DurationSec,
		TotalDstPorts: meta.TotalDstPorts,
		AvgBPS:        meta.AvgBPS,
		TotalPackets:  meta.TotalPackets,
		TotalIPs:      meta.TotalIPs,
		Key:           meta.Key,
		KeySHA256:     meta.KeySHA256,
		Tags:          meta.Tags,
	}
	if meta.StartTime != nil && *meta.StartTime != "" {
		t, err := time.Parse(time.RFC3339, *meta.StartTime)
		if err != nil {
			return fmt.Errorf("start_time: %w", err)
		}
		out.StartTime = t
	}
	if out.Attackers, out.anonymized, err = decodeSources(raw["attackers"]); err != nil {
		return fmt.Errorf("attackers: %w", err)
	}
	var anon bool
	if out.Amplifiers, anon, err = decodeSources(raw["amplifiers"]); err != nil {
		return fmt.Errorf("amplifiers: %w", err)
	}
	out.anonymized = out.anonymized || anon
	*fp = out
	return nil
}

func decodeSources(raw json.RawMessage) ([]record.Value, bool, error) {
	if len(raw) == 0 {
		return nil, false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return nil, s == omitted, nil
	}
	var values []record.Value
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, false, err
	}
	if values == nil {
		values = []record.Value{}
	}
	return values, false, nil
}
