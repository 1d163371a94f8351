package openflow

import (
	"encoding/binary"

	"github.com/sessamekesh/netide-openflow-shim/pkg/errors"
)

const (
	packetInFixedLength = 16
	packetInPadLength   = 2
)

type PacketIn struct {
	Version     uint8
	Xid         uint32
	BufferId    uint32
	TotalLength uint16
	Reason      uint8
	TableId     uint8
	Cookie      uint64
	Match       Match
	Data        []byte
}

func ParsePacketIn(packet []byte) (*PacketIn, error) {
	header, err := ParseHeader(packet)
	if err != nil {
		return nil, err
	}
	if header.Version != OF13_VERSION {
		return nil, &errors.InvalidHeaderVersion{
			HeaderName:      "OpenFlow::PacketIn",
			ExpectedVersion: OF13_VERSION,
			ActualVersion:   header.Version,
		}
	}

	end := int(header.Length)
	minimum := HeaderLength + packetInFixedLength + 8 + packetInPadLength
	if len(packet) < minimum || end < minimum || end > len(packet) {
		return nil, &errors.MalformedMessage{
			MessageName: "OpenFlow::PacketIn",
			MsgSize:     len(packet),
			MinimumSize: max(minimum, end),
		}
	}

	fixed := packet[HeaderLength : HeaderLength+packetInFixedLength]
	match, matchSize, err := ParseMatch(packet[HeaderLength+packetInFixedLength : end])
	if err != nil {
		return nil, err
	}

	dataStart := HeaderLength + packetInFixedLength + matchSize + packetInPadLength
	if dataStart > end {
		return nil, &errors.MalformedMessage{
			MessageName: "OpenFlow::PacketIn",
			MsgSize:     len(packet),
			MinimumSize: dataStart,
		}
	}

	return &PacketIn{
		Version:     header.Version,
		Xid:         header.Xid,
		BufferId:    binary.BigEndian.Uint32(fixed[0:4]),
		TotalLength: binary.BigEndian.Uint16(fixed[4:6]),
		Reason:      fixed[6],
		TableId:     fixed[7],
		Cookie:      binary.BigEndian.Uint64(fixed[8:16]),
		Match:       *match,
		Data:        append([]byte{}, packet[dataStart:end]...),
	}, nil
}

// EncodePacketIn writes the OpenFlow 1.3 wire form: header, fixed fields,
// padded match, two pad bytes, then the frame.
func EncodePacketIn(msg *PacketIn) ([]byte, error) {
	size := HeaderLength + packetInFixedLength + msg.Match.encodedLength() + packetInPadLength + len(msg.Data)
	length, err := checkLength("OpenFlow::PacketIn", size)
	if err != nil {
		return nil, err
	}

	packet := appendHeader(make([]byte, 0, size), msg.Version, OFPT_PACKET_IN, length, msg.Xid)
	packet = binary.BigEndian.AppendUint32(packet, msg.BufferId)
	packet = binary.BigEndian.AppendUint16(packet, msg.TotalLength)
	packet = append(packet, msg.Reason, msg.TableId)
	packet = binary.BigEndian.AppendUint64(packet, msg.Cookie)

	packet, err = msg.Match.appendBinary(packet)
	if err != nil {
		return nil, err
	}

	packet = append(packet, make([]byte, packetInPadLength)...)
	return append(packet, msg.Data...), nil
}

func (p *PacketIn) MarshalBinary() ([]byte, error) {
	return EncodePacketIn(p)
}
