package loader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"dissector/internal/record"
)

// nfdumpFlow is one record of `nfdump -o json`.
type nfdumpFlow struct {
	TFirst    string `json:"t_first"`
	Proto     int    `json:"proto"`
	Src4Addr  string `json:"src4_addr"`
	Dst4Addr  string `json:"dst4_addr"`
	Src6Addr  string `json:"src6_addr"`
	Dst6Addr  string `json:"dst6_addr"`
	SrcPort   *int64 `json:"src_port"`
	DstPort   *int64 `json:"dst_port"`
	TCPFlags  string `json:"tcp_flags"`
	SrcTOS    *int64 `json:"src_tos"`
	InPackets int64  `json:"in_packets"`
	InBytes   int64  `json:"in_bytes"`
	ICMPType  *int64 `json:"icmp_type"`
	ICMPCode  *int64 `json:"icmp_code"`
}

var nfdumpTimeLayouts = []string{
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.000",
	time.RFC3339Nano,
}

func parseNfdumpTime(s string) (time.Time, bool) {
	for _, layout := range nfdumpTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func readNfdumpJSON(r io.Reader) (*record.Table, error) {
	var flows []nfdumpFlow
	dec := json.NewDecoder(r)
	if err := dec.Decode(&flows); err != nil {
		return nil, fmt.Errorf("nfdump json: %w", err)
	}
	b := record.NewBuilder(record.Flow)
	for _, fl := range flows {
		if err := b.Add(flowRow(fl)); err != nil {
			return nil, err
		}
	}
	return b.Build(), nil
}

func flowRow(fl nfdumpFlow) record.Row {
	proto := protocolName(uint8(fl.Proto))
	row := record.Row{
		record.FieldIPProto: record.String(proto),
		record.FieldPackets: record.Int(fl.InPackets),
		record.FieldBytes:   record.Int(fl.InBytes),
	}
	src, dst := fl.Src4Addr, fl.Dst4Addr
	if src == "" {
		src, dst = fl.Src6Addr, fl.Dst6Addr
	}
	if src != "" {
		row[record.FieldSrcIP] = record.String(src)
	}
	if dst != "" {
		row[record.FieldDstIP] = record.String(dst)
	}
	var sp, dp int64 = -1, -1
	if fl.SrcPort != nil {
		sp = *fl.SrcPort
		row[record.FieldSrcPort] = record.Int(sp)
	}
	if fl.DstPort != nil {
		dp = *fl.DstPort
		row[record.FieldDstPort] = record.Int(dp)
	}
	if fl.TCPFlags != "" && proto == "TCP" {
		row[record.FieldTCPFlags] = record.String(strings.TrimSpace(fl.TCPFlags))
	}
	if fl.SrcTOS != nil {
		row[record.FieldSrcTOS] = record.Int(*fl.SrcTOS)
	}
	if proto == "ICMP" || proto == "ICMPV6" {
		if fl.ICMPType != nil {
			row[record.FieldICMPType] = record.Int(*fl.ICMPType)
		}
		if fl.ICMPCode != nil {
			row[record.FieldICMPCode] = record.Int(*fl.ICMPCode)
		}
	}
	if t, ok := parseNfdumpTime(fl.TFirst); ok {
		row[record.FieldTimestamp] = record.Int(t.UnixNano())
	}

	label := "UNKNOWN"
	if proto == "TCP" || proto == "UDP" {
		if svc := serviceLabel(sp, dp); svc != "" {
			label = svc
		}
	}
	row[record.FieldProtocol] = record.String(label)
	return row
}

// runNfdump converts a binary nfcapd file to JSON with the nfdump tool.
func runNfdump(ctx context.Context, tool, path string) ([]byte, error) {
	bin, err := exec.LookPath(tool)
	if err != nil {
		return nil, fmt.Errorf("nfdump software not found: %w", err)
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "-r", path, "-o", "json")
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("nfdump: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}
