package openflow

import (
	"encoding/binary"

	"github.com/sessamekesh/netide-openflow-shim/pkg/errors"
)

type ErrorMsg struct {
	Version uint8
	Xid     uint32
	Class   uint16
	Code    uint16
	Data    []byte
}

func ParseErrorMsg(packet []byte) (*ErrorMsg, error) {
	header, err := ParseHeader(packet)
	if err != nil {
		return nil, err
	}
	if len(packet) < HeaderLength+4 {
		return nil, &errors.MalformedMessage{
			MessageName: "OpenFlow::Error",
			MsgSize:     len(packet),
			MinimumSize: HeaderLength + 4,
		}
	}

	end := int(header.Length)
	if end > len(packet) || end < HeaderLength+4 {
		end = len(packet)
	}

	return &ErrorMsg{
		Version: header.Version,
		Xid:     header.Xid,
		Class:   binary.BigEndian.Uint16(packet[8:10]),
		Code:    binary.BigEndian.Uint16(packet[10:12]),
		Data:    append([]byte{}, packet[12:end]...),
	}, nil
}

func (e *ErrorMsg) MarshalBinary() ([]byte, error) {
	length, err := checkLength("OpenFlow::Error", HeaderLength+4+len(e.Data))
	if err != nil {
		return nil, err
	}

	packet := appendHeader(make([]byte, 0, length), e.Version, OFPT_ERROR, length, e.Xid)
	packet = binary.BigEndian.AppendUint16(packet, e.Class)
	packet = binary.BigEndian.AppendUint16(packet, e.Code)
	return append(packet, e.Data...), nil
}
