package openflow

import (
	"encoding/binary"
	"fmt"

	"github.com/sessamekesh/netide-openflow-shim/pkg/errors"
)

const (
	OF10_VERSION uint8 = 0x01
	OF13_VERSION uint8 = 0x04

	// Version stamped on bodies decoded without their header (core to switch direction).
	SupportedVersion = OF13_VERSION

	// Transaction id of every handshake message the shim originates.
	DefaultXid uint32 = 1

	HeaderLength = 8
)

type MessageType uint8

const (
	OFPT_HELLO            MessageType = 0
	OFPT_ERROR            MessageType = 1
	OFPT_ECHO_REQUEST     MessageType = 2
	OFPT_ECHO_REPLY       MessageType = 3
	OFPT_EXPERIMENTER     MessageType = 4
	OFPT_FEATURES_REQUEST MessageType = 5
	OFPT_FEATURES_REPLY   MessageType = 6
	OFPT_PACKET_IN        MessageType = 10
)

var messageTypeNames = map[MessageType]string{
	OFPT_HELLO:            "OFPT_HELLO",
	OFPT_ERROR:            "OFPT_ERROR",
	OFPT_ECHO_REQUEST:     "OFPT_ECHO_REQUEST",
	OFPT_ECHO_REPLY:       "OFPT_ECHO_REPLY",
	OFPT_EXPERIMENTER:     "OFPT_EXPERIMENTER",
	OFPT_FEATURES_REQUEST: "OFPT_FEATURES_REQUEST",
	OFPT_FEATURES_REPLY:   "OFPT_FEATURES_REPLY",
	OFPT_PACKET_IN:        "OFPT_PACKET_IN",
}

func (t MessageType) String() string {
	if name, has := messageTypeNames[t]; has {
		return name
	}
	return fmt.Sprintf("OFPT_%d", uint8(t))
}

type Header struct {
	Version uint8
	Type    MessageType
	Length  uint16
	Xid     uint32
}

func ParseHeader(packet []byte) (*Header, error) {
	if len(packet) < HeaderLength {
		return nil, &errors.MalformedMessage{
			MessageName: "OpenFlow::Header",
			MsgSize:     len(packet),
			MinimumSize: HeaderLength,
		}
	}

	return &Header{
		Version: packet[0],
		Type:    MessageType(packet[1]),
		Length:  binary.BigEndian.Uint16(packet[2:4]),
		Xid:     binary.BigEndian.Uint32(packet[4:8]),
	}, nil
}

func (h *Header) MarshalBinary() ([]byte, error) {
	return appendHeader(make([]byte, 0, HeaderLength), h.Version, h.Type, h.Length, h.Xid), nil
}

func appendHeader(b []byte, version uint8, msgType MessageType, length uint16, xid uint32) []byte {
	b = append(b, version, uint8(msgType))
	b = binary.BigEndian.AppendUint16(b, length)
	return binary.BigEndian.AppendUint32(b, xid)
}

func checkLength(messageName string, size int) (uint16, error) {
	if size > 0xFFFF {
		return 0, &errors.MalformedMessage{
			MessageName: messageName,
			MsgSize:     size,
			Reason:      "encoded length does not fit the 16-bit length field",
		}
	}
	return uint16(size), nil
}
