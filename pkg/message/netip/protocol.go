package netip

import (
	"fmt"

	"github.com/sessamekesh/netide-openflow-shim/pkg/errors"
)

type Protocol uint8

const (
	Protocol_OpenFlow Protocol = 0x11
	Protocol_Netconf  Protocol = 0x12
	Protocol_Opflex   Protocol = 0x13
)

func (p Protocol) String() string {
	switch p {
	case Protocol_OpenFlow:
		return "OpenFlow"
	case Protocol_Netconf:
		return "NETCONF"
	case Protocol_Opflex:
		return "OpFlex"
	}
	return fmt.Sprintf("Protocol(0x%02x)", uint8(p))
}

// ProtocolVersion is a (protocol, version) pair as carried in a NetIP hello.
// Values are only built through NewProtocolVersion so the version is always
// one the protocol defines.
type ProtocolVersion struct {
	protocol Protocol
	version  uint8
}

var (
	OpenFlow10 = ProtocolVersion{protocol: Protocol_OpenFlow, version: 0x01}
	OpenFlow13 = ProtocolVersion{protocol: Protocol_OpenFlow, version: 0x04}
)

var validVersions = map[Protocol][]uint8{
	Protocol_OpenFlow: {0x01, 0x02, 0x03, 0x04, 0x05},
	Protocol_Netconf:  {0x01},
	Protocol_Opflex:   {0x00},
}

func NewProtocolVersion(protocol Protocol, version uint8) (ProtocolVersion, error) {
	versions, has := validVersions[protocol]
	if !has {
		return ProtocolVersion{}, &errors.InvalidEnumValue{
			EnumName: "NetIP::Protocol",
			IntValue: uint8(protocol),
		}
	}

	for _, v := range versions {
		if v == version {
			return ProtocolVersion{protocol: protocol, version: version}, nil
		}
	}

	return ProtocolVersion{}, &errors.InvalidEnumValue{
		EnumName: fmt.Sprintf("NetIP::%s::Version", protocol),
		IntValue: version,
	}
}

// OpenFlowProtocolVersion maps an OpenFlow wire version onto its NetIP pair.
func OpenFlowProtocolVersion(wireVersion uint8) (ProtocolVersion, error) {
	return NewProtocolVersion(Protocol_OpenFlow, wireVersion)
}

func (pv ProtocolVersion) Protocol() Protocol {
	return pv.protocol
}

func (pv ProtocolVersion) Version() uint8 {
	return pv.version
}

func (pv ProtocolVersion) String() string {
	return fmt.Sprintf("%s/0x%02x", pv.protocol, pv.version)
}
