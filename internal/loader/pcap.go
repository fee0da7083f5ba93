package loader

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"dissector/internal/record"
)

type packetSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

func readPcap(r io.Reader, ft FileType) (*record.Table, error) {
	var src packetSource
	switch ft {
	case TypePcapNG:
		ng, err := pcapgo.NewNgReader(r, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("pcapng: %w", err)
		}
		src = ng
	default:
		pr, err := pcapgo.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("pcap: %w", err)
		}
		src = pr
	}

	b := record.NewBuilder(record.Packet)
	for {
		data, ci, err := src.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// a truncated last record ends the capture
			if errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, fmt.Errorf("packet %d: %w", b.Len()+1, err)
		}
		pkt := gopacket.NewPacket(data, src.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		if err := b.Add(decodePacket(pkt, ci)); err != nil {
			return nil, err
		}
	}
	return b.Build(), nil
}

// decodePacket maps one captured frame to a row, labelling it the way a
// protocol dissector would: fragments keep their network layer label,
// otherwise the application, then the well-known port, then the transport.
func decodePacket(pkt gopacket.Packet, ci gopacket.CaptureInfo) record.Row {
	row := record.Row{
		record.FieldTimestamp: record.Int(ci.Timestamp.UnixNano()),
		record.FieldFrameLen:  record.Int(int64(ci.Length)),
	}
	if ci.Length == 0 {
		row[record.FieldFrameLen] = record.Int(int64(ci.CaptureLength))
	}
	if eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet); ok {
		row[record.FieldEthType] = record.String(fmt.Sprintf("0x%04x", uint16(eth.EthernetType)))
	}

	network := ""
	fragmented := false
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		network = "IPv4"
		row[record.FieldSrcIP] = record.String(ip.SrcIP.String())
		row[record.FieldDstIP] = record.String(ip.DstIP.String())
		row[record.FieldTTL] = record.Int(int64(ip.TTL))
		row[record.FieldIPProto] = record.String(protocolName(uint8(ip.Protocol)))
		fragmented = ip.Flags&layers.IPv4MoreFragments != 0 || ip.FragOffset != 0
	case *layers.IPv6:
		network = "IPv6"
		row[record.FieldSrcIP] = record.String(ip.SrcIP.String())
		row[record.FieldDstIP] = record.String(ip.DstIP.String())
		row[record.FieldTTL] = record.Int(int64(ip.HopLimit))
		next := ip.NextHeader
		if frag, ok := pkt.Layer(layers.LayerTypeIPv6Fragment).(*layers.IPv6Fragment); ok {
			fragmented = frag.MoreFragments || frag.FragmentOffset != 0
			next = frag.NextHeader
		}
		row[record.FieldIPProto] = record.String(protocolName(uint8(next)))
	default:
		if ls := pkt.Layers(); len(ls) > 1 {
			row[record.FieldProtocol] = record.String(ls[1].LayerType().String())
		}
		return row
	}
	row[record.FieldFragmentation] = record.Bool(fragmented)

	transport := ""
	var srcPort, dstPort int64 = -1, -1
	switch l := pkt.TransportLayer().(type) {
	case *layers.TCP:
		transport = "TCP"
		srcPort, dstPort = int64(l.SrcPort), int64(l.DstPort)
		row[record.FieldTCPFlags] = record.String(fmt.Sprintf("0x%03x", tcpFlags(l)))
	case *layers.UDP:
		transport = "UDP"
		srcPort, dstPort = int64(l.SrcPort), int64(l.DstPort)
		row[record.FieldUDPLength] = record.Int(int64(l.Length))
		if code, ok := ntpPrivateRequest(l); ok {
			row[record.FieldNTPReqCode] = record.Int(code)
		}
	}
	if srcPort >= 0 {
		row[record.FieldSrcPort] = record.Int(srcPort)
		row[record.FieldDstPort] = record.Int(dstPort)
	}
	if icmp, ok := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4); ok {
		transport = "ICMP"
		row[record.FieldICMPType] = record.Int(int64(icmp.TypeCode.Type()))
		row[record.FieldICMPCode] = record.Int(int64(icmp.TypeCode.Code()))
	}
	if icmp, ok := pkt.Layer(layers.LayerTypeICMPv6).(*layers.ICMPv6); ok {
		transport = "ICMPv6"
		row[record.FieldICMPType] = record.Int(int64(icmp.TypeCode.Type()))
		row[record.FieldICMPCode] = record.Int(int64(icmp.TypeCode.Code()))
	}

	label := network
	if !fragmented {
		if app := applicationLabel(pkt, row); app != "" {
			label = app
		} else if svc := serviceLabel(srcPort, dstPort); svc != "" {
			label = svc
		} else if transport != "" {
			label = transport
		}
	}
	row[record.FieldProtocol] = record.String(label)
	return row
}

func applicationLabel(pkt gopacket.Packet, row record.Row) string {
	if dns, ok := pkt.Layer(layers.LayerTypeDNS).(*layers.DNS); ok {
		kind := "query"
		if dns.QR {
			kind = "query response"
		}
		info := fmt.Sprintf("Standard %s 0x%04x", kind, dns.ID)
		if len(dns.Questions) > 0 {
			q := dns.Questions[0]
			row[record.FieldDNSQryName] = record.String(string(q.Name))
			row[record.FieldDNSQryType] = record.Int(int64(q.Type))
			info = fmt.Sprintf("%s %s %s", info, q.Type, q.Name)
		}
		row[record.FieldInfo] = record.String(info)
		return "DNS"
	}
	if _, ok := row[record.FieldNTPReqCode]; ok {
		return "NTP"
	}
	if _, ok := pkt.Layer(layers.LayerTypeNTP).(*layers.NTP); ok {
		return "NTP"
	}
	if app := pkt.ApplicationLayer(); app != nil {
		if req, ok := httpRequestLine(app.Payload()); ok {
			row[record.FieldHTTPRequest] = record.Bool(true)
			row[record.FieldInfo] = record.String(req)
			if ua := httpHeader(app.Payload(), "User-Agent"); ua != "" {
				row[record.FieldHTTPUserAgent] = record.String(ua)
			}
			return "HTTP"
		}
		if strings.HasPrefix(string(app.Payload()), "HTTP/1.") {
			row[record.FieldHTTPResponse] = record.Bool(true)
			return "HTTP"
		}
	}
	return ""
}

// ntpPrivateRequest extracts the request code of a mode 7 NTP packet, which
// the NTP layer does not decode.
func ntpPrivateRequest(udp *layers.UDP) (int64, bool) {
	if udp.SrcPort != 123 && udp.DstPort != 123 {
		return 0, false
	}
	p := udp.Payload
	if len(p) < 4 || p[0]&0x07 != 7 {
		return 0, false
	}
	return int64(p[3]), true
}

func tcpFlags(t *layers.TCP) uint16 {
	var f uint16
	for i, set := range []bool{t.FIN, t.SYN, t.RST, t.PSH, t.ACK, t.URG, t.ECE, t.CWR, t.NS} {
		if set {
			f |= 1 << i
		}
	}
	return f
}

var httpMethods = []string{"GET ", "POST ", "HEAD ", "PUT ", "DELETE ", "OPTIONS ", "CONNECT ", "PATCH "}

func httpRequestLine(p []byte) (string, bool) {
	s := string(p)
	for _, m := range httpMethods {
		if strings.HasPrefix(s, m) {
			line, _, _ := strings.Cut(s, "\r\n")
			return line, true
		}
	}
	return "", false
}

func httpHeader(p []byte, name string) string {
	for _, line := range strings.Split(string(p), "\r\n")[1:] {
		if line == "" {
			break
		}
		k, v, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(k), name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
