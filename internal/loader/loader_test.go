package loader

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"dissector/internal/record"
)

var captureStart = time.Date(2021, 3, 4, 10, 0, 0, 0, time.UTC)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return buf.Bytes()
}

func ipv4(src, dst string, proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      57,
		Protocol: proto,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
}

func ethernet() *layers.Ethernet {
	return &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: layers.EthernetTypeIPv4,
	}
}

func udp(t *testing.T, ip *layers.IPv4, src, dst layers.UDPPort, payload []byte) []byte {
	u := &layers.UDP{SrcPort: src, DstPort: dst}
	if err := u.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatal(err)
	}
	return serialize(t, ethernet(), ip, u, gopacket.Payload(payload))
}

// samplePackets returns an NTP monlist reply, a DNS response, an IPv4
// fragment and a TCP SYN to port 80.
func samplePackets(t *testing.T) [][]byte {
	ntp := udp(t, ipv4("192.0.2.10", "203.0.113.7", layers.IPProtocolUDP), 123, 5555,
		append([]byte{0x97, 0x00, 0x03, 0x2a}, make([]byte, 440)...))

	dnsIP := ipv4("192.0.2.53", "203.0.113.7", layers.IPProtocolUDP)
	dnsUDP := &layers.UDP{SrcPort: 53, DstPort: 40000}
	if err := dnsUDP.SetNetworkLayerForChecksum(dnsIP); err != nil {
		t.Fatal(err)
	}
	dns := serialize(t, ethernet(), dnsIP, dnsUDP, &layers.DNS{
		ID:     0xbeef,
		QR:     true,
		OpCode: layers.DNSOpCodeQuery,
		Questions: []layers.DNSQuestion{
			{Name: []byte("example.org"), Type: layers.DNSType(255), Class: layers.DNSClassIN},
		},
	})

	fragIP := ipv4("192.0.2.99", "203.0.113.7", layers.IPProtocolUDP)
	fragIP.Flags = layers.IPv4MoreFragments
	frag := serialize(t, ethernet(), fragIP, gopacket.Payload(make([]byte, 64)))

	tcpIP := ipv4("198.51.100.1", "203.0.113.7", layers.IPProtocolTCP)
	syn := &layers.TCP{SrcPort: 41000, DstPort: 80, SYN: true, Window: 1024}
	if err := syn.SetNetworkLayerForChecksum(tcpIP); err != nil {
		t.Fatal(err)
	}
	tcp := serialize(t, ethernet(), tcpIP, syn)

	return [][]byte{ntp, dns, frag, tcp}
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func pcapFile(t *testing.T) string {
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		t.Fatal(err)
	}
	for i, p := range samplePackets(t) {
		ci := gopacket.CaptureInfo{Timestamp: captureStart.Add(time.Duration(i) * time.Second), CaptureLength: len(p), Length: len(p)}
		if err := w.WritePacket(ci, p); err != nil {
			t.Fatal(err)
		}
	}
	return writeFile(t, "capture.pcap", buf.Bytes())
}

func column(tbl *record.Table, f record.Field) []string {
	out := make([]string, tbl.Len())
	for i := range out {
		out[i] = tbl.At(i, f).String()
	}
	return out
}

func TestLoadPcap(t *testing.T) {
	tbl, ft, err := Load(context.Background(), pcapFile(t), Options{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ft != TypePcap || tbl.Kind() != record.Packet || tbl.Len() != 4 {
		t.Fatalf("type=%s kind=%s len=%d", ft, tbl.Kind(), tbl.Len())
	}
	if diff := cmp.Diff([]string{"NTP", "DNS", "IPv4", "HTTP"}, column(tbl, record.FieldProtocol)); diff != "" {
		t.Fatalf("highest_protocol (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"false", "false", "true", "false"}, column(tbl, record.FieldFragmentation)); diff != "" {
		t.Fatalf("fragmentation (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"123", "53", "<missing>", "41000"}, column(tbl, record.FieldSrcPort)); diff != "" {
		t.Fatalf("srcport (-want +got):\n%s", diff)
	}
	if got := tbl.At(0, record.FieldNTPReqCode); got != record.Int(42) {
		t.Fatalf("ntp reqcode = %v", got)
	}
	if got := tbl.At(0, record.FieldUDPLength); got != record.Int(452) {
		t.Fatalf("udp length = %v", got)
	}
	if got := tbl.At(1, record.FieldDNSQryName); got != record.String("example.org") {
		t.Fatalf("dns name = %v", got)
	}
	if got := tbl.At(2, record.FieldIPProto); got != record.String("UDP") {
		t.Fatalf("fragment ip_proto = %v", got)
	}
	if got := tbl.At(3, record.FieldTCPFlags); got != record.String("0x002") {
		t.Fatalf("tcp flags = %v", got)
	}
	if got := tbl.At(0, record.FieldEthType); got != record.String("0x0800") {
		t.Fatalf("eth type = %v", got)
	}
	if got, _ := tbl.At(3, record.FieldTimestamp).Int(); got != captureStart.Add(3*time.Second).UnixNano() {
		t.Fatalf("timestamp = %d", got)
	}
	if got := tbl.At(0, record.FieldDstIP); got != record.String("203.0.113.7") {
		t.Fatalf("ip_dst = %v", got)
	}
}

func TestLoadPcapNG(t *testing.T) {
	var buf bytes.Buffer
	w, err := pcapgo.NewNgWriter(&buf, layers.LinkTypeEthernet)
	if err != nil {
		t.Fatal(err)
	}
	for i, p := range samplePackets(t) {
		ci := gopacket.CaptureInfo{Timestamp: captureStart.Add(time.Duration(i) * time.Second), CaptureLength: len(p), Length: len(p)}
		if err := w.WritePacket(ci, p); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	tbl, ft, err := Load(context.Background(), writeFile(t, "capture.pcapng", buf.Bytes()), Options{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ft != TypePcapNG || tbl.Len() != 4 {
		t.Fatalf("type=%s len=%d", ft, tbl.Len())
	}
}

const tsharkCSV = `"dns.qry.type","ip.dst","ip.flags.mf","tcp.flags","ip.proto","ip.src","_ws.col.Destination","_ws.col.Protocol","_ws.col.Source","dns.qry.name","eth.type","frame.len","_ws.col.Info","udp.length","http.request","http.response","http.user_agent","icmp.type","ip.frag_offset","ip.ttl","ntp.priv.reqcode","tcp.dstport","tcp.srcport","udp.dstport","udp.srcport","frame.time_epoch"
"","203.0.113.7","0","","17","192.0.2.10","203.0.113.7","NTP","192.0.2.10","","0x0800","482","NTP Version 2, private, Response, MON_GETLIST_1","448","","","","","0","57","42","","","5555","123","1614852000.250000000"
"","203.0.113.7","1","","17","192.0.2.11","203.0.113.7","IPv4","192.0.2.11","","0x0800","1514","Fragmented IP protocol","","","","","","0","57","","","","","","1614852001.000000000"
"","","","","","","ff02::1","ICMPv6","fe80::1","","0x86dd","86","Router Advertisement","","","","","134","","","","","","","","1614852002"
`

func TestLoadTsharkCSV(t *testing.T) {
	tbl, ft, err := Load(context.Background(), writeFile(t, "capture.csv", []byte(tsharkCSV)), Options{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ft != TypeCSV || tbl.Len() != 3 {
		t.Fatalf("type=%s len=%d", ft, tbl.Len())
	}
	if diff := cmp.Diff([]string{"123", "<missing>", "<missing>"}, column(tbl, record.FieldSrcPort)); diff != "" {
		t.Fatalf("srcport (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"false", "true", "<missing>"}, column(tbl, record.FieldFragmentation)); diff != "" {
		t.Fatalf("fragmentation (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"192.0.2.10", "192.0.2.11", "fe80::1"}, column(tbl, record.FieldSrcIP)); diff != "" {
		t.Fatalf("ip_src (-want +got):\n%s", diff)
	}
	if got := tbl.At(0, record.FieldIPProto); got != record.String("UDP") {
		t.Fatalf("ip_proto = %v", got)
	}
	if got, _ := tbl.At(2, record.FieldTimestamp).Int(); got != 1614852002000000000 {
		t.Fatalf("timestamp = %d", got)
	}
	if got := tbl.At(2, record.FieldICMPType); got != record.Int(134) {
		t.Fatalf("icmp type = %v", got)
	}
	if tbl.Has(record.FieldHTTPUserAgent) {
		t.Fatal("empty column kept")
	}
}

const nfdumpJSON = `[
{"type":"FLOW","t_first":"2021-03-04T10:00:00.123","t_last":"2021-03-04T10:00:05.000","proto":17,"src4_addr":"192.0.2.10","dst4_addr":"203.0.113.7","src_port":123,"dst_port":5555,"fwd_status":0,"tcp_flags":"........","src_tos":0,"in_packets":120,"in_bytes":58000},
{"type":"FLOW","t_first":"2021-03-04T10:00:01.000","t_last":"2021-03-04T10:00:02.000","proto":6,"src4_addr":"198.51.100.1","dst4_addr":"203.0.113.7","src_port":41000,"dst_port":8443,"fwd_status":0,"tcp_flags":"...A.S.","src_tos":0,"in_packets":3,"in_bytes":180},
{"type":"FLOW","t_first":"2021-03-04T10:00:02.000","t_last":"2021-03-04T10:00:02.000","proto":1,"src4_addr":"198.51.100.2","dst4_addr":"203.0.113.7","src_port":0,"dst_port":0,"icmp_type":8,"icmp_code":0,"in_packets":1,"in_bytes":84}
]`

func TestLoadNfdumpJSON(t *testing.T) {
	tbl, ft, err := Load(context.Background(), writeFile(t, "flows.json", []byte(nfdumpJSON)), Options{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ft != TypeNfdumpJSON || tbl.Kind() != record.Flow || tbl.Len() != 3 {
		t.Fatalf("type=%s kind=%s len=%d", ft, tbl.Kind(), tbl.Len())
	}
	if diff := cmp.Diff([]string{"NTP", "UNKNOWN", "UNKNOWN"}, column(tbl, record.FieldProtocol)); diff != "" {
		t.Fatalf("highest_protocol (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"UDP", "TCP", "ICMP"}, column(tbl, record.FieldIPProto)); diff != "" {
		t.Fatalf("ip_proto (-want +got):\n%s", diff)
	}
	if w := tbl.All().Weight(0); w != 120 {
		t.Fatalf("weight = %d", w)
	}
	want := time.Date(2021, 3, 4, 10, 0, 0, 123e6, time.UTC).UnixNano()
	if got, _ := tbl.At(0, record.FieldTimestamp).Int(); got != want {
		t.Fatalf("timestamp = %d, want %d", got, want)
	}
	if got := tbl.At(2, record.FieldICMPType); got != record.Int(8) {
		t.Fatalf("icmp type = %v", got)
	}
}

func TestLoadErrors(t *testing.T) {
	ctx := context.Background()
	if _, _, err := Load(ctx, writeFile(t, "blob.bin", []byte{0x7f, 'E', 'L', 'F', 0, 0, 1}), Options{}); !errors.Is(err, ErrUnsupportedFile) {
		t.Fatalf("binary: %v", err)
	}
	if _, _, err := Load(ctx, writeFile(t, "empty.csv", []byte("ip.src,ip.dst\n1.1.1.1,2.2.2.2\n")), Options{}); !errors.Is(err, ErrEmptyTable) {
		t.Fatalf("single row: %v", err)
	}
	nfcapd := writeFile(t, "nfcapd.202103041000", []byte{0x0c, 0xa5, 0x02, 0x00, 0, 0, 0, 0})
	_, ft, err := Load(ctx, nfcapd, Options{NfdumpPath: "nfdump-missing-for-tests"})
	if ft != TypeNfdump || err == nil || !strings.Contains(err.Error(), "nfdump") {
		t.Fatalf("nfcapd without tool: %s %v", ft, err)
	}
	if _, _, err := Load(ctx, filepath.Join(t.TempDir(), "absent.pcap"), Options{}); !os.IsNotExist(err) {
		t.Fatalf("absent file: %v", err)
	}
}

func TestDetectType(t *testing.T) {
	cases := map[string]struct {
		head []byte
		want FileType
	}{
		"pcap le":    {[]byte{0xd4, 0xc3, 0xb2, 0xa1, 2, 0}, TypePcap},
		"pcap ns":    {[]byte{0xa1, 0xb2, 0x3c, 0x4d}, TypePcap},
		"pcapng":     {[]byte{0x0a, 0x0d, 0x0d, 0x0a, 0x1c}, TypePcapNG},
		"nfcapd":     {[]byte{0x0c, 0xa5, 1, 0}, TypeNfdump},
		"json":       {[]byte("  \n[{\"proto\":17}]"), TypeNfdumpJSON},
		"csv":        {[]byte("ip.src,ip.dst\n"), TypeCSV},
		"empty":      {nil, TypeUnknown},
		"binary nul": {[]byte{'x', 0, 1}, TypeUnknown},
	}
	for name, c := range cases {
		if got := DetectType(c.head); got != c.want {
			t.Errorf("%s: %s, want %s", name, got, c.want)
		}
	}
	if TypeNfdumpJSON.Kind() != record.Flow || TypePcapNG.Kind() != record.Packet {
		t.Fatal("unexpected table kinds")
	}
}

func TestLoadAsyncWait(t *testing.T) {
	var out bytes.Buffer
	ch := LoadAsync(context.Background(), pcapFile(t), Options{})
	res := Wait(context.Background(), ch, &out, "Loading network file: `capture.pcap'", false)
	if res.Err != nil || res.Table.Len() != 4 {
		t.Fatalf("result = %+v", res)
	}
	if !strings.HasSuffix(out.String(), "[✓] Loading network file: `capture.pcap'\n") {
		t.Fatalf("progress output = %q", out.String())
	}

	out.Reset()
	res = Wait(context.Background(), LoadAsync(context.Background(), pcapFile(t), Options{}), &out, "quiet", true)
	if res.Err != nil || out.Len() != 0 {
		t.Fatalf("quiet wait wrote %q (err %v)", out.String(), res.Err)
	}
}
