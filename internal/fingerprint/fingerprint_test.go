package fingerprint

import (
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"

	"dissector/internal/record"
)

const t0 = int64(1_600_000_000) * int64(time.Second)

func table(t *testing.T, kind record.TableKind, rows ...record.Row) record.View {
	t.Helper()
	b := record.NewBuilder(kind)
	for _, r := range rows {
		if err := b.Add(r); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	return b.Build().All()
}

func packetRow(src string, port int64, ts time.Duration) record.Row {
	return record.Row{
		record.FieldSrcIP:     record.String(src),
		record.FieldDstIP:     record.String("10.0.0.1"),
		record.FieldSrcPort:   record.Int(port),
		record.FieldDstPort:   record.Int(80),
		record.FieldFrameLen:  record.Int(100),
		record.FieldTimestamp: record.Int(t0 + int64(ts)),
	}
}

func TestNewPacketMetadata(t *testing.T) {
	v := table(t, record.Packet,
		packetRow("1.1.1.1", 123, 0),
		packetRow("2.2.2.2", 123, 2*time.Second),
		packetRow("1.1.1.1", 123, 4*time.Second),
	)
	fields := Fields{record.FieldSrcPort: {record.Int(123)}}
	fp, err := New(fields, v, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if want := time.Unix(1_600_000_000, 0).UTC(); !fp.StartTime.Equal(want) {
		t.Fatalf("start = %v, want %v", fp.StartTime, want)
	}
	if fp.DurationSec != 4 || fp.TotalPackets != 3 || fp.AvgBPS != 75 {
		t.Fatalf("duration=%d packets=%d bps=%d, want 4 3 75", fp.DurationSec, fp.TotalPackets, fp.AvgBPS)
	}
	if fp.TotalIPs != 2 || fp.TotalDstPorts != 1 {
		t.Fatalf("ips=%d ports=%d, want 2 1", fp.TotalIPs, fp.TotalDstPorts)
	}
	if fp.Amplifiers != nil || len(fp.Attackers) != 2 {
		t.Fatalf("attackers=%v amplifiers=%v", fp.Attackers, fp.Amplifiers)
	}
	if len(fp.Key) != 32 || len(fp.KeySHA256) != 64 {
		t.Fatalf("key=%q sha=%q", fp.Key, fp.KeySHA256)
	}

	b, err := json.Marshal(fp)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatal(err)
	}
	if doc["amplifiers"] != "None" {
		t.Fatalf("amplifiers = %v, want None", doc["amplifiers"])
	}
	if doc["start_time"] != "2020-09-13T12:26:40Z" {
		t.Fatalf("start_time = %v", doc["start_time"])
	}
	if _, ok := doc["srcport"]; !ok {
		t.Fatalf("srcport missing from %s", b)
	}
}

func TestNewFlowAmplification(t *testing.T) {
	v := table(t, record.Flow,
		record.Row{
			record.FieldSrcIP:     record.String("8.8.8.8"),
			record.FieldSrcPort:   record.Int(53),
			record.FieldPackets:   record.Int(10),
			record.FieldBytes:     record.Int(5000),
			record.FieldTimestamp: record.Int(t0),
		},
		record.Row{
			record.FieldSrcIP:     record.String("9.9.9.9"),
			record.FieldSrcPort:   record.Int(53),
			record.FieldPackets:   record.Int(5),
			record.FieldBytes:     record.Int(1000),
			record.FieldTimestamp: record.Int(t0),
		},
	)
	fp, err := New(Fields{record.FieldSrcPort: {record.Int(53)}}, v, []string{"AMPLIFICATION", "DNS"})
	if err != nil {
		t.Fatal(err)
	}
	if fp.TotalPackets != 15 {
		t.Fatalf("packets = %d, want 15", fp.TotalPackets)
	}
	// zero duration: the total is reported
	if fp.AvgBPS != 6000 {
		t.Fatalf("bps = %d, want 6000", fp.AvgBPS)
	}
	if fp.Attackers != nil || len(fp.Amplifiers) != 2 {
		t.Fatalf("attackers=%v amplifiers=%v", fp.Attackers, fp.Amplifiers)
	}
	if got := fp.Sources(); len(got) != 2 {
		t.Fatalf("sources = %v", got)
	}
}

func TestKeyCoversFilterAndTags(t *testing.T) {
	v := table(t, record.Packet, packetRow("1.1.1.1", 123, 0), packetRow("2.2.2.2", 123, time.Second))
	fields := Fields{record.FieldSrcPort: {record.Int(123)}}

	a, _ := New(fields, v, []string{"NTP"})
	b, _ := New(fields, v, []string{"NTP"})
	if a.Key != b.Key || a.KeySHA256 != b.KeySHA256 {
		t.Fatal("hashes are not deterministic")
	}
	c, _ := New(fields, v, nil)
	if c.Key == a.Key {
		t.Fatal("tags do not affect the key")
	}
	d, _ := New(fields.With(record.FieldDstPort, record.Int(80)), v, []string{"NTP"})
	if d.Key == a.Key {
		t.Fatal("fields do not affect the key")
	}
}

func TestAnonymized(t *testing.T) {
	v := table(t, record.Packet, packetRow("1.1.1.1", 123, 0), packetRow("2.2.2.2", 123, 0))
	fp, _ := New(Fields{record.FieldSrcPort: {record.Int(123)}}, v, nil)
	b, err := fp.Anonymized().Indent()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(b), "1.1.1.1") || strings.Count(string(b), `"omitted"`) != 2 {
		t.Fatalf("anonymized output leaks sources:\n%s", b)
	}
	if full, _ := json.Marshal(fp); !strings.Contains(string(full), "1.1.1.1") {
		t.Fatal("anonymizing modified the original")
	}
}

func TestDecodeStored(t *testing.T) {
	v := table(t, record.Packet, packetRow("1.1.1.1", 123, 0), packetRow("2.2.2.2", 123, 3*time.Second))
	fp, _ := New(Fields{record.FieldSrcPort: {record.Int(123)}}, v, []string{"NTP"})
	b, err := json.Marshal(fp)
	if err != nil {
		t.Fatal(err)
	}
	var got Fingerprint
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(fp, &got, cmp.AllowUnexported(Fingerprint{}, record.Value{})); diff != "" {
		t.Fatalf("decoded fingerprint (-want +got):\n%s", diff)
	}
}

func TestDecodeRejectsUnknownField(t *testing.T) {
	var fp Fingerprint
	err := json.Unmarshal([]byte(`{"bogus":[1],"key":"x"}`), &fp)
	if err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestFieldsMatchIsConjunctive(t *testing.T) {
	v := table(t, record.Packet,
		packetRow("1.1.1.1", 123, 0),
		packetRow("2.2.2.2", 53, 0),
		packetRow("3.3.3.3", 123, 0),
	)
	fs := Fields{
		record.FieldSrcPort: {record.Int(123)},
		record.FieldSrcIP:   {record.String("1.1.1.1"), record.String("2.2.2.2")},
	}
	if got := fs.Match(v).Rows(); !cmp.Equal(got, []int{0}) {
		t.Fatalf("match = %v, want [0]", got)
	}
	if got := (Fields{}).Match(v); !got.Equal(v) {
		t.Fatal("empty filter must match everything")
	}
}

func TestStartTimeWithoutTimestamps(t *testing.T) {
	row := packetRow("1.1.1.1", 123, 0)
	delete(row, record.FieldTimestamp)
	fp, err := New(Fields{record.FieldSrcPort: {record.Int(123)}}, table(t, record.Packet, row), nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(fp)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatal(err)
	}
	if doc["start_time"] != "1970-01-01T00:00:00Z" || doc["duration_sec"] != float64(0) {
		t.Fatalf("start_time = %v, duration_sec = %v", doc["start_time"], doc["duration_sec"])
	}

	var got Fingerprint
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	if !got.StartTime.Equal(fp.StartTime) || got.Key != fp.Key {
		t.Fatalf("decoded start %v key %s, want %v %s", got.StartTime, got.Key, fp.StartTime, fp.Key)
	}
}
