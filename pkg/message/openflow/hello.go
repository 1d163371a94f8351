package openflow

import (
	"encoding/binary"

	"github.com/sessamekesh/netide-openflow-shim/pkg/errors"
)

const OFPHET_VERSIONBITMAP uint16 = 1

type HelloElement struct {
	Type uint16

	// Set for OFPHET_VERSIONBITMAP elements.
	Bitmaps []uint32

	// Body of element types the shim does not interpret.
	Raw []byte
}

type Hello struct {
	Version  uint8
	Xid      uint32
	Elements []HelloElement
}

func ParseHello(packet []byte) (*Hello, error) {
	header, err := ParseHeader(packet)
	if err != nil {
		return nil, err
	}
	if int(header.Length) > len(packet) || header.Length < HeaderLength {
		return nil, &errors.MalformedMessage{
			MessageName: "OpenFlow::Hello",
			MsgSize:     len(packet),
			MinimumSize: int(header.Length),
		}
	}

	elements := []HelloElement{}
	body := packet[HeaderLength:header.Length]
	for len(body) > 0 {
		if len(body) < 4 {
			return nil, &errors.MalformedMessage{
				MessageName: "OpenFlow::Hello::Element",
				MsgSize:     len(body),
				MinimumSize: 4,
			}
		}

		elemType := binary.BigEndian.Uint16(body[0:2])
		elemLen := int(binary.BigEndian.Uint16(body[2:4]))
		if elemLen < 4 || elemLen > len(body) {
			return nil, &errors.MalformedMessage{
				MessageName: "OpenFlow::Hello::Element",
				MsgSize:     len(body),
				MinimumSize: elemLen,
				Reason:      "element length out of range",
			}
		}

		element := HelloElement{Type: elemType}
		if elemType == OFPHET_VERSIONBITMAP {
			element.Bitmaps = []uint32{}
			for i := 4; i+4 <= elemLen; i += 4 {
				element.Bitmaps = append(element.Bitmaps, binary.BigEndian.Uint32(body[i:i+4]))
			}
		} else {
			element.Raw = append([]byte{}, body[4:elemLen]...)
		}
		elements = append(elements, element)

		next := paddedLength(elemLen)
		if next > len(body) {
			next = len(body)
		}
		body = body[next:]
	}

	return &Hello{
		Version:  header.Version,
		Xid:      header.Xid,
		Elements: elements,
	}, nil
}

func (h *Hello) MarshalBinary() ([]byte, error) {
	body := []byte{}
	for _, element := range h.Elements {
		start := len(body)
		body = binary.BigEndian.AppendUint16(body, element.Type)
		body = binary.BigEndian.AppendUint16(body, 0)
		if element.Type == OFPHET_VERSIONBITMAP {
			for _, bitmap := range element.Bitmaps {
				body = binary.BigEndian.AppendUint32(body, bitmap)
			}
		} else {
			body = append(body, element.Raw...)
		}
		elemLen := len(body) - start
		binary.BigEndian.PutUint16(body[start+2:start+4], uint16(elemLen))
		body = append(body, make([]byte, paddedLength(elemLen)-elemLen)...)
	}

	length, err := checkLength("OpenFlow::Hello", HeaderLength+len(body))
	if err != nil {
		return nil, err
	}

	packet := appendHeader(make([]byte, 0, length), h.Version, OFPT_HELLO, length, h.Xid)
	return append(packet, body...), nil
}

// HighestBitmapVersion returns the highest wire version advertised in the
// version bitmap element, if the hello carries one.
func (h *Hello) HighestBitmapVersion() (uint8, bool) {
	for _, element := range h.Elements {
		if element.Type != OFPHET_VERSIONBITMAP {
			continue
		}
		for i := len(element.Bitmaps) - 1; i >= 0; i-- {
			bitmap := element.Bitmaps[i]
			for bit := 31; bit >= 0; bit-- {
				if bitmap&(1<<uint(bit)) != 0 {
					return uint8(i*32 + bit), true
				}
			}
		}
	}
	return 0, false
}

func paddedLength(n int) int {
	return (n + 7) / 8 * 8
}
