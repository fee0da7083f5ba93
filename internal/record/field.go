package record

import "fmt"

// Field identifies one normalized column of the record table.
type Field uint8

const (
	FieldSrcIP Field = iota
	FieldDstIP
	FieldSrcPort
	FieldDstPort
	FieldProtocol
	FieldIPProto
	FieldTTL
	FieldFragmentation
	FieldFrameLen
	FieldUDPLength
	FieldTCPFlags
	FieldICMPType
	FieldICMPCode
	FieldDNSQryType
	FieldDNSQryName
	FieldEthType
	FieldInfo
	FieldHTTPRequest
	FieldHTTPResponse
	FieldHTTPUserAgent
	FieldNTPReqCode
	FieldSrcTOS
	FieldTimestamp
	FieldPackets
	FieldBytes

	numFields
)

var fieldNames = [numFields]string{
	FieldSrcIP:         "ip_src",
	FieldDstIP:         "ip_dst",
	FieldSrcPort:       "srcport",
	FieldDstPort:       "dstport",
	FieldProtocol:      "highest_protocol",
	FieldIPProto:       "ip_proto",
	FieldTTL:           "ip_ttl",
	FieldFragmentation: "fragmentation",
	FieldFrameLen:      "frame_len",
	FieldUDPLength:     "udp_length",
	FieldTCPFlags:      "tcp_flags",
	FieldICMPType:      "icmp_type",
	FieldICMPCode:      "icmp_code",
	FieldDNSQryType:    "dns_qry_type",
	FieldDNSQryName:    "dns_qry_name",
	FieldEthType:       "eth_type",
	FieldInfo:          "_ws_col_Info",
	FieldHTTPRequest:   "http_request",
	FieldHTTPResponse:  "http_response",
	FieldHTTPUserAgent: "http_user_agent",
	FieldNTPReqCode:    "ntp_priv_reqcode",
	FieldSrcTOS:        "src_tos",
	FieldTimestamp:     "frame_time_epoch",
	FieldPackets:       "in_packets",
	FieldBytes:         "in_bytes",
}

var fieldsByName = func() map[string]Field {
	m := make(map[string]Field, numFields)
	for i, name := range fieldNames {
		m[name] = Field(i)
	}
	return m
}()

// String returns the canonical column name, which is also the fingerprint key.
func (f Field) String() string {
	if f < numFields {
		return fieldNames[f]
	}
	return fmt.Sprintf("field(%d)", uint8(f))
}

// Valid reports whether f is one of the known fields.
func (f Field) Valid() bool {
	return f < numFields
}

// ParseField maps a canonical column name to its Field.
func ParseField(name string) (Field, error) {
	f, ok := fieldsByName[name]
	if !ok {
		return 0, fmt.Errorf("unknown field %q", name)
	}
	return f, nil
}

func (f Field) MarshalText() ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("invalid field %d", uint8(f))
	}
	return []byte(f.String()), nil
}

func (f *Field) UnmarshalText(b []byte) error {
	parsed, err := ParseField(string(b))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}
