package dissect

import (
	"testing"

	"dissector/internal/fingerprint"
	"dissector/internal/record"
)

func srcportTable(t *testing.T) record.View {
	return build(t, record.Packet, repeat(1000, func(i int) record.Row {
		port := int64(123)
		if i >= 900 {
			port = int64(1000 + i)
		}
		r := udpRow(addr("s", i%100), str("A"), "NTP", port)
		r[record.FieldDstPort] = num(int64(i % 3))
		return r
	})).All()
}

func TestEvaluateTrafficMatch(t *testing.T) {
	v := srcportTable(t)
	ev := newTestDissector().Evaluate(v, fingerprint.Fields{record.FieldSrcPort: {num(123)}}, nil)
	if ev.TrafficMatch != 90 {
		t.Fatalf("traffic match = %d, want 90", ev.TrafficMatch)
	}
	if ev.IPMatch != 100 {
		t.Fatalf("ip match = %d, want 100", ev.IPMatch)
	}
	if ev.Contribution[record.FieldSrcPort] != 90 {
		t.Fatalf("contribution = %v", ev.Contribution)
	}
}

func TestEvaluateIdempotent(t *testing.T) {
	v := srcportTable(t)
	d := newTestDissector()
	fields := fingerprint.Fields{record.FieldSrcPort: {num(123)}, record.FieldDstPort: {num(0), num(1)}}
	once := d.Evaluate(v, fields, nil)
	twice := d.Evaluate(once.Matched, fields, nil)
	if !once.Matched.Equal(twice.Matched) {
		t.Fatal("filtering a filtered view changed it")
	}
}

func TestEvaluateMonotonic(t *testing.T) {
	v := srcportTable(t)
	d := newTestDissector()
	fields := fingerprint.Fields{}
	prev := d.Evaluate(v, fields, nil).TrafficMatch
	if prev != 100 {
		t.Fatalf("empty fingerprint matched %d%%", prev)
	}
	for _, step := range []struct {
		f      record.Field
		values []record.Value
	}{
		{record.FieldProtocol, []record.Value{str("NTP")}},
		{record.FieldSrcPort, []record.Value{num(123)}},
		{record.FieldDstPort, []record.Value{num(0), num(2)}},
		{record.FieldSrcIP, []record.Value{addr("s", 1), addr("s", 2)}},
	} {
		fields = fields.With(step.f, step.values...)
		got := d.Evaluate(v, fields, nil).TrafficMatch
		if got > prev {
			t.Fatalf("adding %s raised the match from %d to %d", step.f, prev, got)
		}
		prev = got
	}
}

func TestEvaluateFragmentationUnion(t *testing.T) {
	var rows []record.Row
	for i := 0; i < 10; i++ {
		rows = append(rows, udpRow(addr("s", i), str("A"), "UDP", 4444))
		rows = append(rows, fragmentRow(addr("s", i), str("A")))
		// fragments from a source the fingerprint never matches
		rows = append(rows, fragmentRow(addr("x", i), str("A")))
	}
	v := build(t, record.Packet, rows).All()
	fields := fingerprint.Fields{record.FieldSrcPort: {num(4444)}}
	d := newTestDissector()

	plain := d.Evaluate(v, fields, nil)
	if plain.Matched.Len() != 10 {
		t.Fatalf("plain match = %d rows", plain.Matched.Len())
	}
	ev := d.Evaluate(v, fields, &FragmentationSignature{Target: str("A"), Root: "IPv4"})
	if ev.Matched.Len() != 20 || ev.TrafficMatch != 67 {
		t.Fatalf("matched %d rows (%d%%), want 20 (67%%)", ev.Matched.Len(), ev.TrafficMatch)
	}
	rowsIdx := ev.Matched.Rows()
	for i := 1; i < len(rowsIdx); i++ {
		if rowsIdx[i] <= rowsIdx[i-1] {
			t.Fatalf("rows out of table order: %v", rowsIdx)
		}
	}
}
