package dissect

import (
	"fmt"
	"testing"

	"go.uber.org/zap"

	"dissector/internal/record"
)

func newTestDissector() *Dissector {
	return New(Options{}, zap.NewNop().Sugar(), nil)
}

func build(t *testing.T, kind record.TableKind, rows []record.Row) *record.Table {
	t.Helper()
	b := record.NewBuilder(kind)
	for _, r := range rows {
		if err := b.Add(r); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	return b.Build()
}

func repeat(n int, fn func(i int) record.Row) []record.Row {
	rows := make([]record.Row, n)
	for i := range rows {
		rows[i] = fn(i)
	}
	return rows
}

func addr(prefix string, i int) record.Value {
	return record.String(fmt.Sprintf("%s.%d", prefix, i))
}

func str(s string) record.Value { return record.String(s) }
func num(n int64) record.Value  { return record.Int(n) }

// udpRow is a plain UDP packet from src to dst.
func udpRow(src, dst record.Value, proto string, srcport int64) record.Row {
	return record.Row{
		record.FieldSrcIP:         src,
		record.FieldDstIP:         dst,
		record.FieldProtocol:      str(proto),
		record.FieldIPProto:       str("UDP"),
		record.FieldSrcPort:       num(srcport),
		record.FieldDstPort:       num(80),
		record.FieldFragmentation: record.Bool(false),
	}
}

// fragmentRow is an IPv4 fragment without transport header.
func fragmentRow(src, dst record.Value) record.Row {
	return record.Row{
		record.FieldSrcIP:         src,
		record.FieldDstIP:         dst,
		record.FieldProtocol:      str("IPv4"),
		record.FieldIPProto:       str("UDP"),
		record.FieldFragmentation: record.Bool(true),
	}
}
