package openflow

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/sessamekesh/netide-openflow-shim/pkg/errors"
)

const (
	OFPMT_STANDARD uint16 = 0
	OFPMT_OXM      uint16 = 1

	OFPXMC_OPENFLOW_BASIC uint16 = 0x8000

	OFPXMT_OFB_IN_PORT     uint8 = 0
	OFPXMT_OFB_IN_PHY_PORT uint8 = 1
	OFPXMT_OFB_IP_ECN      uint8 = 9
)

type oxmBasicField struct {
	name string
	size int
}

// Indexed by OXM field number in the OPENFLOW_BASIC class.
var oxmBasicFields = []oxmBasicField{
	{"in_port", 4}, {"in_phy_port", 4}, {"metadata", 8}, {"eth_dst", 6}, {"eth_src", 6},
	{"eth_type", 2}, {"vlan_vid", 2}, {"vlan_pcp", 1}, {"ip_dscp", 1}, {"ip_ecn", 1},
	{"ip_proto", 1}, {"ipv4_src", 4}, {"ipv4_dst", 4}, {"tcp_src", 2}, {"tcp_dst", 2},
	{"udp_src", 2}, {"udp_dst", 2}, {"sctp_src", 2}, {"sctp_dst", 2}, {"icmpv4_type", 1},
	{"icmpv4_code", 1}, {"arp_op", 2}, {"arp_spa", 4}, {"arp_tpa", 4}, {"arp_sha", 6},
	{"arp_tha", 6}, {"ipv6_src", 16}, {"ipv6_dst", 16}, {"ipv6_flabel", 4}, {"icmpv6_type", 1},
	{"icmpv6_code", 1}, {"ipv6_nd_target", 16}, {"ipv6_nd_sll", 6}, {"ipv6_nd_tll", 6}, {"mpls_label", 4},
	{"mpls_tc", 1}, {"mpls_bos", 1}, {"pbb_isid", 3}, {"tunnel_id", 8}, {"ipv6_exthdr", 2},
}

type MatchEntry struct {
	Class   uint16
	Field   uint8
	HasMask bool
	Value   []byte
	Mask    []byte
}

// Match is an OXM match structure. Its encoded length excludes the trailing
// pad to a multiple of 8.
type Match struct {
	Type    uint16
	Entries []MatchEntry
}

func (e *MatchEntry) encodedLength() int {
	return 4 + len(e.Value) + len(e.Mask)
}

func (e *MatchEntry) validate(size int) error {
	if e.HasMask && len(e.Mask) != len(e.Value) {
		return &errors.MalformedMessage{
			MessageName: "OpenFlow::MatchEntry",
			MsgSize:     size,
			Reason:      fmt.Sprintf("mask length %d does not match value length %d", len(e.Mask), len(e.Value)),
		}
	}
	if e.Class != OFPXMC_OPENFLOW_BASIC || int(e.Field) >= len(oxmBasicFields) {
		return nil
	}
	if expected := oxmBasicFields[e.Field].size; len(e.Value) != expected {
		return &errors.MalformedMessage{
			MessageName: "OpenFlow::MatchEntry",
			MsgSize:     size,
			Reason:      fmt.Sprintf("field %s carries %d value bytes, expected %d", oxmBasicFields[e.Field].name, len(e.Value), expected),
		}
	}
	return nil
}

// ParseMatch reads a match from the start of buf and returns it with the
// number of bytes consumed, padding included.
func ParseMatch(buf []byte) (*Match, int, error) {
	if len(buf) < 4 {
		return nil, 0, &errors.MalformedMessage{
			MessageName: "OpenFlow::Match",
			MsgSize:     len(buf),
			MinimumSize: 4,
		}
	}

	matchType := binary.BigEndian.Uint16(buf[0:2])
	matchLen := int(binary.BigEndian.Uint16(buf[2:4]))
	consumed := paddedLength(matchLen)
	if matchLen < 4 || consumed > len(buf) {
		return nil, 0, &errors.MalformedMessage{
			MessageName: "OpenFlow::Match",
			MsgSize:     len(buf),
			MinimumSize: consumed,
			Reason:      "match length out of range",
		}
	}

	entries := []MatchEntry{}
	fields := buf[4:matchLen]
	for len(fields) > 0 {
		if len(fields) < 4 {
			return nil, 0, &errors.MalformedMessage{
				MessageName: "OpenFlow::MatchEntry",
				MsgSize:     len(fields),
				MinimumSize: 4,
			}
		}

		class := binary.BigEndian.Uint16(fields[0:2])
		fieldAndMask := fields[2]
		payloadLen := int(fields[3])
		if 4+payloadLen > len(fields) {
			return nil, 0, &errors.MalformedMessage{
				MessageName: "OpenFlow::MatchEntry",
				MsgSize:     len(fields),
				MinimumSize: 4 + payloadLen,
			}
		}

		entry := MatchEntry{
			Class:   class,
			Field:   fieldAndMask >> 1,
			HasMask: fieldAndMask&1 == 1,
		}
		payload := fields[4 : 4+payloadLen]
		if entry.HasMask {
			if payloadLen%2 != 0 {
				return nil, 0, &errors.MalformedMessage{
					MessageName: "OpenFlow::MatchEntry",
					MsgSize:     len(fields),
					Reason:      "masked entry with odd payload length",
				}
			}
			entry.Value = append([]byte{}, payload[:payloadLen/2]...)
			entry.Mask = append([]byte{}, payload[payloadLen/2:]...)
		} else {
			entry.Value = append([]byte{}, payload...)
		}
		if err := entry.validate(len(buf)); err != nil {
			return nil, 0, err
		}

		entries = append(entries, entry)
		fields = fields[4+payloadLen:]
	}

	return &Match{Type: matchType, Entries: entries}, consumed, nil
}

func (m *Match) appendBinary(b []byte) ([]byte, error) {
	matchLen := 4
	for i := range m.Entries {
		if err := m.Entries[i].validate(0); err != nil {
			return nil, err
		}
		matchLen += m.Entries[i].encodedLength()
	}
	if matchLen > 0xFFFF {
		return nil, &errors.MalformedMessage{
			MessageName: "OpenFlow::Match",
			MsgSize:     matchLen,
			Reason:      "match too long",
		}
	}

	b = binary.BigEndian.AppendUint16(b, m.Type)
	b = binary.BigEndian.AppendUint16(b, uint16(matchLen))
	for _, entry := range m.Entries {
		fieldAndMask := entry.Field << 1
		if entry.HasMask {
			fieldAndMask |= 1
		}
		b = binary.BigEndian.AppendUint16(b, entry.Class)
		b = append(b, fieldAndMask, uint8(len(entry.Value)+len(entry.Mask)))
		b = append(b, entry.Value...)
		b = append(b, entry.Mask...)
	}
	return append(b, make([]byte, paddedLength(matchLen)-matchLen)...), nil
}

func (m *Match) encodedLength() int {
	matchLen := 4
	for i := range m.Entries {
		matchLen += m.Entries[i].encodedLength()
	}
	return paddedLength(matchLen)
}

func (e MatchEntry) String() string {
	name := fmt.Sprintf("class=0x%04x,field=%d", e.Class, e.Field)
	if e.Class == OFPXMC_OPENFLOW_BASIC && int(e.Field) < len(oxmBasicFields) {
		name = oxmBasicFields[e.Field].name
	}

	value := renderOxmValue(e.Value)
	if e.HasMask {
		return fmt.Sprintf("%s=%s/%s", name, value, renderOxmValue(e.Mask))
	}
	return fmt.Sprintf("%s=%s", name, value)
}

func (m *Match) String() string {
	parts := make([]string, 0, len(m.Entries))
	for _, entry := range m.Entries {
		parts = append(parts, entry.String())
	}
	return strings.Join(parts, ",")
}

func renderOxmValue(v []byte) string {
	if len(v) > 8 {
		return fmt.Sprintf("0x%x", v)
	}
	var n uint64
	for _, b := range v {
		n = n<<8 | uint64(b)
	}
	return fmt.Sprintf("%d", n)
}
