package openflow

import (
	"encoding/binary"

	"github.com/sessamekesh/netide-openflow-shim/pkg/errors"
)

const featuresReplyLength = 32

type GetFeaturesInput struct {
	Version uint8
	Xid     uint32
}

// DecodeGetFeaturesInput reads a features request body positioned at the xid.
func DecodeGetFeaturesInput(body []byte) (*GetFeaturesInput, error) {
	if len(body) < 4 {
		return nil, &errors.MalformedMessage{
			MessageName: "OpenFlow::GetFeaturesInput",
			MsgSize:     len(body),
			MinimumSize: 4,
		}
	}

	return &GetFeaturesInput{
		Version: SupportedVersion,
		Xid:     binary.BigEndian.Uint32(body[0:4]),
	}, nil
}

func (g *GetFeaturesInput) MarshalBinary() ([]byte, error) {
	return appendHeader(make([]byte, 0, HeaderLength), g.Version, OFPT_FEATURES_REQUEST, HeaderLength, g.Xid), nil
}

// FeaturesReply is the switch's answer to a features request. Only the
// datapath id and xid drive shim behavior; the rest is carried for relaying.
type FeaturesReply struct {
	Version      uint8
	Xid          uint32
	DatapathId   uint64
	Buffers      uint32
	Tables       uint8
	AuxiliaryId  uint8
	Capabilities uint32
	Reserved     uint32

	// OpenFlow 1.0 appends its physical port list here.
	Ports []byte
}

func ParseFeaturesReply(packet []byte) (*FeaturesReply, error) {
	header, err := ParseHeader(packet)
	if err != nil {
		return nil, err
	}
	if len(packet) < featuresReplyLength {
		return nil, &errors.MalformedMessage{
			MessageName: "OpenFlow::FeaturesReply",
			MsgSize:     len(packet),
			MinimumSize: featuresReplyLength,
		}
	}
	if header.Type != OFPT_FEATURES_REPLY {
		return nil, &errors.InvalidEnumValue{
			EnumName: "OpenFlow::FeaturesReply::Type",
			IntValue: uint8(header.Type),
		}
	}

	end := int(header.Length)
	if end > len(packet) || end < featuresReplyLength {
		return nil, &errors.MalformedMessage{
			MessageName: "OpenFlow::FeaturesReply",
			MsgSize:     len(packet),
			MinimumSize: end,
			Reason:      "header length disagrees with buffer",
		}
	}

	body := packet[HeaderLength:]
	return &FeaturesReply{
		Version:      header.Version,
		Xid:          header.Xid,
		DatapathId:   binary.BigEndian.Uint64(body[0:8]),
		Buffers:      binary.BigEndian.Uint32(body[8:12]),
		Tables:       body[12],
		AuxiliaryId:  body[13],
		Capabilities: binary.BigEndian.Uint32(body[16:20]),
		Reserved:     binary.BigEndian.Uint32(body[20:24]),
		Ports:        append([]byte{}, packet[featuresReplyLength:end]...),
	}, nil
}

func (f *FeaturesReply) MarshalBinary() ([]byte, error) {
	length, err := checkLength("OpenFlow::FeaturesReply", featuresReplyLength+len(f.Ports))
	if err != nil {
		return nil, err
	}

	packet := appendHeader(make([]byte, 0, length), f.Version, OFPT_FEATURES_REPLY, length, f.Xid)
	packet = binary.BigEndian.AppendUint64(packet, f.DatapathId)
	packet = binary.BigEndian.AppendUint32(packet, f.Buffers)
	packet = append(packet, f.Tables, f.AuxiliaryId, 0, 0)
	packet = binary.BigEndian.AppendUint32(packet, f.Capabilities)
	packet = binary.BigEndian.AppendUint32(packet, f.Reserved)
	return append(packet, f.Ports...), nil
}
