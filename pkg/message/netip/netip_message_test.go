package netip

import (
	"bytes"
	goerrors "errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/sessamekesh/netide-openflow-shim/pkg/errors"
)

func TestSerializeHello(t *testing.T) {
	s := NetIPMessageSerializer{}
	encoded, err := s.Serialize(&NetIPMessage{
		MessageType: MessageType_Hello,
		ModuleId:    7,
		Hello:       []ProtocolVersion{OpenFlow13},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []byte{
		0x04, 0x01, 0x00, 0x02,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x07,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x11, 0x04,
	}
	if !bytes.Equal(encoded, expected) {
		t.Fatalf("unexpected hello envelope: expected=%x, actual=%x", expected, encoded)
	}

	parsed, err := s.Parse(encoded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(parsed.Hello) != 1 || parsed.Hello[0] != OpenFlow13 || parsed.ModuleId != 7 {
		t.Fatalf("unexpected parsed hello: %+v", parsed)
	}
}

func TestOpenFlowEnvelopeRoundTrip(t *testing.T) {
	s := NetIPMessageSerializer{Version: DefaultVersion}
	msg := &NetIPMessage{
		Version:       DefaultVersion,
		MessageType:   MessageType_OpenFlow,
		TransactionId: 1,
		ModuleId:      3,
		DatapathId:    0x2a,
		Payload:       []byte{0x04, 0x06, 0x00, 0x08, 0x00, 0x00, 0x00, 0x01},
	}

	encoded, err := s.Serialize(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(encoded) != HeaderLength+8 {
		t.Fatalf("unexpected envelope length: expected=%v, actual=%v", HeaderLength+8, len(encoded))
	}

	parsed, err := s.Parse(encoded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(msg, parsed, cmp.AllowUnexported(ProtocolVersion{})); diff != "" {
		t.Fatalf("unexpected envelope (-expected +actual):\n%v", diff)
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	s := NetIPMessageSerializer{}
	valid, err := s.Serialize(&NetIPMessage{MessageType: MessageType_OpenFlow, Payload: []byte{1, 2, 3, 4}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var malformed *errors.MalformedMessage
	for i := 0; i < len(valid); i++ {
		if _, err := s.Parse(valid[:i]); !goerrors.As(err, &malformed) {
			t.Fatalf("unexpected error for %d bytes: expected=MalformedMessage, actual=%v", i, err)
		}
	}

	wrongVersion := append([]byte{}, valid...)
	wrongVersion[0] = 0x02
	var badVersion *errors.InvalidHeaderVersion
	if _, err := s.Parse(wrongVersion); !goerrors.As(err, &badVersion) {
		t.Fatalf("unexpected error for wrong version: %v", err)
	}

	wrongType := append([]byte{}, valid...)
	wrongType[1] = 0x42
	var badEnum *errors.InvalidEnumValue
	if _, err := s.Parse(wrongType); !goerrors.As(err, &badEnum) {
		t.Fatalf("unexpected error for unknown type: %v", err)
	}

	oddHello := []byte{0x04, 0x01, 0x00, 0x01, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x11}
	if _, err := s.Parse(oddHello); !goerrors.As(err, &malformed) {
		t.Fatalf("unexpected error for odd hello payload: %v", err)
	}
}

func TestNewProtocolVersion(t *testing.T) {
	tests := []struct {
		protocol Protocol
		version  uint8
		valid    bool
	}{
		{Protocol_OpenFlow, 0x01, true},
		{Protocol_OpenFlow, 0x04, true},
		{Protocol_OpenFlow, 0x07, false},
		{Protocol(0x99), 0x01, false},
	}

	for _, v := range tests {
		pv, err := NewProtocolVersion(v.protocol, v.version)
		if (err == nil) != v.valid {
			t.Fatalf("unexpected validity for %v/%v: expected=%v, actual=%v", v.protocol, v.version, v.valid, err == nil)
		}
		if v.valid && (pv.Protocol() != v.protocol || pv.Version() != v.version) {
			t.Fatalf("unexpected protocol version: %v", pv)
		}
	}

	pv, err := OpenFlowProtocolVersion(0x04)
	if err != nil || pv != OpenFlow13 {
		t.Fatalf("unexpected OpenFlow 1.3 pair: expected=%v, actual=%v (err=%v)", OpenFlow13, pv, err)
	}
}
