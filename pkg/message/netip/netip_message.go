package netip

import (
	"encoding/binary"

	"github.com/sessamekesh/netide-openflow-shim/pkg/errors"
)

const (
	DefaultVersion uint8 = 0x04

	HeaderLength = 20
)

type MessageType uint8

const (
	MessageType_Hello              MessageType = 0x01
	MessageType_Error              MessageType = 0x02
	MessageType_Management         MessageType = 0x03
	MessageType_ModuleAnnouncement MessageType = 0x04
	MessageType_ModuleAcknowledge  MessageType = 0x05
	MessageType_Heartbeat          MessageType = 0x06
	MessageType_TopologyUpdate     MessageType = 0x07
	MessageType_OpenFlow           MessageType = 0x11
	MessageType_Netconf            MessageType = 0x12
	MessageType_Opflex             MessageType = 0x13
)

func isKnownMessageType(t MessageType) bool {
	switch t {
	case MessageType_Hello, MessageType_Error, MessageType_Management,
		MessageType_ModuleAnnouncement, MessageType_ModuleAcknowledge,
		MessageType_Heartbeat, MessageType_TopologyUpdate,
		MessageType_OpenFlow, MessageType_Netconf, MessageType_Opflex:
		return true
	}
	return false
}

// NetIPMessage is one envelope exchanged with the core. The header length
// field counts payload bytes only.
type NetIPMessage struct {
	Version       uint8
	MessageType   MessageType
	TransactionId uint32
	ModuleId      uint32
	DatapathId    uint64

	// Set for MessageType_Hello.
	Hello []ProtocolVersion

	// Raw payload for every other message type.
	Payload []byte
}

type NetIPMessageSerializer struct {
	Version uint8
}

func (s NetIPMessageSerializer) version() uint8 {
	if s.Version == 0 {
		return DefaultVersion
	}
	return s.Version
}

func (s NetIPMessageSerializer) Parse(msg []byte) (*NetIPMessage, error) {
	if len(msg) < HeaderLength {
		return nil, &errors.MalformedMessage{
			MessageName: "NetIP::Header",
			MsgSize:     len(msg),
			MinimumSize: HeaderLength,
		}
	}

	version := msg[0]
	if version != s.version() {
		return nil, &errors.InvalidHeaderVersion{
			HeaderName:      "NetIP",
			ExpectedVersion: s.version(),
			ActualVersion:   version,
		}
	}

	msgType := MessageType(msg[1])
	if !isKnownMessageType(msgType) {
		return nil, &errors.InvalidEnumValue{
			EnumName: "NetIP::MessageType",
			IntValue: msg[1],
		}
	}

	payloadLength := int(binary.BigEndian.Uint16(msg[2:4]))
	if len(msg) < HeaderLength+payloadLength {
		return nil, &errors.MalformedMessage{
			MessageName: "NetIP::Payload",
			MsgSize:     len(msg),
			MinimumSize: HeaderLength + payloadLength,
		}
	}

	parsed := &NetIPMessage{
		Version:       version,
		MessageType:   msgType,
		TransactionId: binary.BigEndian.Uint32(msg[4:8]),
		ModuleId:      binary.BigEndian.Uint32(msg[8:12]),
		DatapathId:    binary.BigEndian.Uint64(msg[12:20]),
	}

	payload := msg[HeaderLength : HeaderLength+payloadLength]
	if msgType == MessageType_Hello {
		hello, err := parseHelloPayload(payload)
		if err != nil {
			return nil, err
		}
		parsed.Hello = hello
		return parsed, nil
	}

	parsed.Payload = append([]byte{}, payload...)
	return parsed, nil
}

// Unknown pairs are kept as-is; callers compare against the pairs they
// support, so an unsupported pair simply never matches.
func parseHelloPayload(payload []byte) ([]ProtocolVersion, error) {
	if len(payload)%2 != 0 {
		return nil, &errors.MalformedMessage{
			MessageName: "NetIP::Hello",
			MsgSize:     len(payload),
			Reason:      "hello payload is not a list of (protocol, version) pairs",
		}
	}

	pairs := make([]ProtocolVersion, 0, len(payload)/2)
	for i := 0; i < len(payload); i += 2 {
		pairs = append(pairs, ProtocolVersion{protocol: Protocol(payload[i]), version: payload[i+1]})
	}
	return pairs, nil
}

func (s NetIPMessageSerializer) Serialize(msg *NetIPMessage) ([]byte, error) {
	payload := msg.Payload
	if msg.MessageType == MessageType_Hello {
		payload = make([]byte, 0, len(msg.Hello)*2)
		for _, pv := range msg.Hello {
			payload = append(payload, uint8(pv.protocol), pv.version)
		}
	}

	if len(payload) > 0xFFFF {
		return nil, &errors.MalformedMessage{
			MessageName: "NetIP::Payload",
			MsgSize:     len(payload),
			Reason:      "payload does not fit the 16-bit length field",
		}
	}

	version := msg.Version
	if version == 0 {
		version = s.version()
	}

	b := make([]byte, 0, HeaderLength+len(payload))
	b = append(b, version, uint8(msg.MessageType))
	b = binary.BigEndian.AppendUint16(b, uint16(len(payload)))
	b = binary.BigEndian.AppendUint32(b, msg.TransactionId)
	b = binary.BigEndian.AppendUint32(b, msg.ModuleId)
	b = binary.BigEndian.AppendUint64(b, msg.DatapathId)
	return append(b, payload...), nil
}
