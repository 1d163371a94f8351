package openflow

import (
	"encoding/binary"

	"github.com/sessamekesh/netide-openflow-shim/pkg/errors"
)

type EchoRequest struct {
	Version uint8
	Xid     uint32
	Data    []byte
}

type EchoReply struct {
	Version uint8
	Xid     uint32
	Data    []byte
}

// DecodeEchoReply reads an echo reply body positioned just after the
// version, type and length fields, so the first four bytes are the xid.
func DecodeEchoReply(body []byte) (*EchoReply, error) {
	xid, data, err := decodeEchoBody("OpenFlow::EchoReply", body)
	if err != nil {
		return nil, err
	}
	return &EchoReply{Version: SupportedVersion, Xid: xid, Data: data}, nil
}

func DecodeEchoRequest(body []byte) (*EchoRequest, error) {
	xid, data, err := decodeEchoBody("OpenFlow::EchoRequest", body)
	if err != nil {
		return nil, err
	}
	return &EchoRequest{Version: SupportedVersion, Xid: xid, Data: data}, nil
}

func decodeEchoBody(messageName string, body []byte) (uint32, []byte, error) {
	if len(body) < 4 {
		return 0, nil, &errors.MalformedMessage{
			MessageName: messageName,
			MsgSize:     len(body),
			MinimumSize: 4,
		}
	}

	data := make([]byte, len(body)-4)
	copy(data, body[4:])
	return binary.BigEndian.Uint32(body[0:4]), data, nil
}

func (e *EchoReply) MarshalBinary() ([]byte, error) {
	return marshalEcho(e.Version, OFPT_ECHO_REPLY, e.Xid, e.Data)
}

func (e *EchoRequest) MarshalBinary() ([]byte, error) {
	return marshalEcho(e.Version, OFPT_ECHO_REQUEST, e.Xid, e.Data)
}

// Reply answers the request with the same xid and payload.
func (e *EchoRequest) Reply() *EchoReply {
	return &EchoReply{Version: e.Version, Xid: e.Xid, Data: e.Data}
}

func marshalEcho(version uint8, msgType MessageType, xid uint32, data []byte) ([]byte, error) {
	length, err := checkLength(msgType.String(), HeaderLength+len(data))
	if err != nil {
		return nil, err
	}

	packet := appendHeader(make([]byte, 0, length), version, msgType, length, xid)
	return append(packet, data...), nil
}
