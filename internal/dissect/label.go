package dissect

import (
	"strings"

	"dissector/internal/fingerprint"
	"dissector/internal/record"
)

const (
	TagAmplification    = "AMPLIFICATION"
	TagUDPSuspectLength = "UDP_SUSPECT_LENGTH"
	TagDNS              = "DNS"
)

// ReflectorServices maps well-known UDP reflector ports to their service.
var ReflectorServices = map[int64]string{
	17:    "Quote of the Day",
	19:    "Chargen",
	53:    "DNS",
	69:    "TFTP",
	111:   "TPC",
	123:   "NTP",
	137:   "NetBios",
	161:   "SNMP",
	177:   "XDMCP",
	389:   "LDAP",
	500:   "ISAKMP",
	520:   "RIPv1",
	623:   "IPMI",
	1434:  "MS SQL",
	1900:  "SSDP",
	3283:  "Apple Remote Desktop",
	3389:  "Windows Remote Desktop",
	3702:  "WS-Discovery",
	5093:  "Sentinel",
	5351:  "NAT-PMP",
	5353:  "mDNS",
	5683:  "CoAP",
	11211: "MEMCACHED",
	27015: "Steam",
	32414: "Plex Media",
	33848: "Jenkins",
	37810: "DHDiscover",
}

// ServiceTag turns a service name into an upper snake case tag.
func ServiceTag(service string) string {
	return strings.Join(strings.FieldsFunc(strings.ToUpper(service), func(r rune) bool {
		return !(r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	}), "_")
}

// Label annotates a fingerprint. Tags never change what the fingerprint
// matches.
func (d *Dissector) Label(fields fingerprint.Fields, matched record.View) []string {
	var tags []string
	add := func(tag string) {
		for _, t := range tags {
			if t == tag {
				return
			}
		}
		tags = append(tags, tag)
	}

	if matched.Table().Has(record.FieldUDPLength) && d.suspectLength(matched) {
		add(TagUDPSuspectLength)
	}
	if ports := fields[record.FieldSrcPort]; len(ports) == 1 {
		if port, ok := ports[0].Int(); ok {
			if service, known := ReflectorServices[port]; known {
				add(TagAmplification)
				add(ServiceTag(service))
			}
			if port == 53 && fields.Has(record.FieldDNSQryName) {
				add(TagDNS)
			}
		}
	}
	if len(tags) > 0 {
		d.log.Debugf("labels: %v", tags)
	}
	return tags
}

// suspectLength reports whether the largest UDP length seen for any source
// port exceeds the configured limit.
func (d *Dissector) suspectLength(v record.View) bool {
	longest := make(map[record.Value]int64)
	for i := 0; i < v.Len(); i++ {
		n, ok := v.At(i, record.FieldUDPLength).Int()
		if !ok {
			continue
		}
		port := v.At(i, record.FieldSrcPort)
		if cur, seen := longest[port]; !seen || n > cur {
			longest[port] = n
		}
	}
	for _, n := range longest {
		if n > d.opts.SuspectUDPLength {
			return true
		}
	}
	return false
}
