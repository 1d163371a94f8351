package openflow

import (
	"fmt"
	"strings"

	"github.com/contiv/libOpenflow/openflow13"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// MessageName names any OpenFlow message for diagnostics, including the
// ones the shim relays without decoding.
func MessageName(packet []byte) string {
	header, err := ParseHeader(packet)
	if err != nil {
		return "OFPT_MALFORMED"
	}

	if header.Version == OF13_VERSION {
		if name, ok := safeDescribeOf13(packet); ok {
			return name
		}
	}

	return header.Type.String()
}

func safeDescribeOf13(packet []byte) (name string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			name, ok = "", false
		}
	}()

	msg, err := openflow13.Parse(packet)
	if err != nil || msg == nil {
		return "", false
	}

	typeName := fmt.Sprintf("%T", msg)
	return "of13." + typeName[strings.LastIndex(typeName, ".")+1:], true
}

// DescribeFrame lists the protocol layers of an Ethernet frame carried in a
// packet-in, e.g. "Ethernet/IPv4/TCP".
func DescribeFrame(data []byte) string {
	if len(data) == 0 {
		return ""
	}

	frame := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Lazy)
	names := []string{}
	for _, layer := range frame.Layers() {
		names = append(names, layer.LayerType().String())
	}
	if errLayer := frame.ErrorLayer(); errLayer != nil {
		names = append(names, "DecodeFailure")
	}
	return strings.Join(names, "/")
}
