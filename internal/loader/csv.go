package loader

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"dissector/internal/record"
)

// tsharkColumns maps the tshark field names exported with
// `tshark -T fields -E header=y` to record fields. Columns that need merging
// are handled in csvRow.
var tsharkColumns = map[string]record.Field{
	"ip.src":           record.FieldSrcIP,
	"ip.dst":           record.FieldDstIP,
	"ip.ttl":           record.FieldTTL,
	"_ws.col.Protocol": record.FieldProtocol,
	"_ws.col.Info":     record.FieldInfo,
	"dns.qry.type":     record.FieldDNSQryType,
	"dns.qry.name":     record.FieldDNSQryName,
	"eth.type":         record.FieldEthType,
	"frame.len":        record.FieldFrameLen,
	"udp.length":       record.FieldUDPLength,
	"tcp.flags":        record.FieldTCPFlags,
	"icmp.type":        record.FieldICMPType,
	"icmp.code":        record.FieldICMPCode,
	"http.request":     record.FieldHTTPRequest,
	"http.response":    record.FieldHTTPResponse,
	"http.user_agent":  record.FieldHTTPUserAgent,
	"ntp.priv.reqcode": record.FieldNTPReqCode,
}

var integerFields = map[record.Field]bool{
	record.FieldTTL:        true,
	record.FieldDNSQryType: true,
	record.FieldFrameLen:   true,
	record.FieldUDPLength:  true,
	record.FieldICMPType:   true,
	record.FieldICMPCode:   true,
	record.FieldNTPReqCode: true,
}

func readCSV(r io.Reader, log *zap.SugaredLogger) (*record.Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("csv header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		index[name] = i
		if _, known := tsharkColumns[name]; !known && !mergedColumn(name) {
			// already normalised exports use the record names directly
			if _, err := record.ParseField(strings.ReplaceAll(name, ".", "_")); err != nil {
				log.Debugf("ignoring column %q", name)
			}
		}
	}

	b := record.NewBuilder(record.Packet)
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			// malformed lines are skipped like the tshark export tolerates them
			log.Debugf("line %d: %v", line, err)
			continue
		}
		if err := b.Add(csvRow(rec, index)); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
	}
	return b.Build(), nil
}

func mergedColumn(name string) bool {
	switch name {
	case "tcp.srcport", "udp.srcport", "tcp.dstport", "udp.dstport",
		"_ws.col.Source", "_ws.col.Destination", "ip.proto",
		"ip.flags.mf", "ip.frag_offset", "frame.time_epoch":
		return true
	}
	return false
}

func csvRow(rec []string, index map[string]int) record.Row {
	get := func(name string) string {
		i, ok := index[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}
	first := func(names ...string) string {
		for _, n := range names {
			if v := get(n); v != "" {
				return v
			}
		}
		return ""
	}

	row := record.Row{}
	for name, i := range index {
		if i >= len(rec) {
			continue
		}
		f, ok := tsharkColumns[name]
		if !ok {
			if mergedColumn(name) {
				continue
			}
			var err error
			if f, err = record.ParseField(strings.ReplaceAll(name, ".", "_")); err != nil {
				continue
			}
		}
		if v := cell(f, strings.TrimSpace(rec[i])); !v.IsMissing() {
			row[f] = v
		}
	}

	if v := first("tcp.srcport", "udp.srcport"); v != "" {
		row[record.FieldSrcPort] = cell(record.FieldSrcPort, v)
	}
	if v := first("tcp.dstport", "udp.dstport"); v != "" {
		row[record.FieldDstPort] = cell(record.FieldDstPort, v)
	}
	if v := first("ip.src", "_ws.col.Source"); v != "" {
		row[record.FieldSrcIP] = record.String(v)
	}
	if v := first("ip.dst", "_ws.col.Destination"); v != "" {
		row[record.FieldDstIP] = record.String(v)
	}
	if v := get("ip.proto"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			row[record.FieldIPProto] = record.String(protocolName(uint8(n)))
		} else {
			row[record.FieldIPProto] = record.String(v)
		}
	}
	mf, off := get("ip.flags.mf"), get("ip.frag_offset")
	if mf != "" || off != "" {
		row[record.FieldFragmentation] = record.Bool(truthy(mf) || (off != "" && off != "0"))
	}
	if v := get("frame.time_epoch"); v != "" {
		if sec, err := strconv.ParseFloat(v, 64); err == nil {
			row[record.FieldTimestamp] = record.Int(int64(math.Round(sec * 1e9)))
		}
	}
	return row
}

// cell converts a raw CSV value for f. Empty cells are missing.
func cell(f record.Field, raw string) record.Value {
	if raw == "" {
		return record.Missing()
	}
	switch {
	case integerFields[f], f == record.FieldSrcPort, f == record.FieldDstPort,
		f == record.FieldPackets, f == record.FieldBytes, f == record.FieldSrcTOS:
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return record.Int(n)
		}
		if x, err := strconv.ParseFloat(raw, 64); err == nil && x == math.Trunc(x) {
			return record.Int(int64(x))
		}
		if n, err := strconv.ParseInt(raw, 0, 64); err == nil {
			return record.Int(n)
		}
		return record.String(raw)
	case f == record.FieldFragmentation, f == record.FieldHTTPRequest, f == record.FieldHTTPResponse:
		return record.Bool(truthy(raw))
	case f == record.FieldTimestamp:
		if sec, err := strconv.ParseFloat(raw, 64); err == nil {
			return record.Int(int64(math.Round(sec * 1e9)))
		}
	}
	return record.String(raw)
}

func truthy(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "set", "yes":
		return true
	}
	return false
}
