package loader

import "strconv"

var protocolNames = map[uint8]string{
	1:   "ICMP",
	2:   "IGMP",
	4:   "IPIP",
	6:   "TCP",
	17:  "UDP",
	41:  "IPV6",
	47:  "GRE",
	50:  "ESP",
	51:  "AH",
	58:  "ICMPV6",
	132: "SCTP",
}

// protocolName names an IP protocol number, falling back to the number.
func protocolName(n uint8) string {
	if name, ok := protocolNames[n]; ok {
		return name
	}
	return strconv.Itoa(int(n))
}

// portServices labels well-known ports the way a protocol dissector shows
// them in its protocol column.
var portServices = map[int64]string{
	17:    "QOTD",
	19:    "CHARGEN",
	21:    "FTP",
	22:    "SSH",
	23:    "TELNET",
	25:    "SMTP",
	53:    "DNS",
	69:    "TFTP",
	80:    "HTTP",
	111:   "Portmap",
	123:   "NTP",
	137:   "NBNS",
	161:   "SNMP",
	177:   "XDMCP",
	389:   "CLDAP",
	443:   "TLS",
	500:   "ISAKMP",
	520:   "RIPv1",
	623:   "IPMI",
	1434:  "TDS",
	1900:  "SSDP",
	3283:  "ARD",
	3389:  "RDP",
	3702:  "WS-Discovery",
	5093:  "Sentinel",
	5351:  "NAT-PMP",
	5353:  "MDNS",
	5683:  "CoAP",
	11211: "MEMCACHED",
	27015: "Steam",
	32414: "Plex",
	33848: "Jenkins",
	37810: "DHDiscover",
}

// serviceLabel returns the service of the lower well-known port of a packet
// or flow, or "".
func serviceLabel(src, dst int64) string {
	a, b := src, dst
	if b >= 0 && (a < 0 || b < a) {
		a, b = b, a
	}
	for _, p := range []int64{a, b} {
		if s, ok := portServices[p]; ok {
			return s
		}
	}
	return ""
}
