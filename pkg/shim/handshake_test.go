package shim

import (
	"bytes"
	goerrors "errors"
	"io"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sessamekesh/netide-openflow-shim/internal"
	"github.com/sessamekesh/netide-openflow-shim/pkg/errors"
	"github.com/sessamekesh/netide-openflow-shim/pkg/message/netip"
	"github.com/sessamekesh/netide-openflow-shim/pkg/message/openflow"
)

func createTestCoordinator(t *testing.T, logger *zap.Logger, timeout time.Duration) (*HandshakeCoordinator, *internal.ConnectionRegistry, *recordingSwitches, *recordingForwarder) {
	t.Helper()
	if logger == nil {
		logger = zaptest.NewLogger(t)
	}

	registry := internal.CreateConnectionRegistry()
	switches := &recordingSwitches{}
	forwarder := &recordingForwarder{}

	coordinator := CreateHandshakeCoordinator(registry, switches, HandshakeCoordinatorParams{
		Logger:                logger,
		FeatureRequestTimeout: timeout,
	})
	coordinator.SetForwarder(forwarder)
	return coordinator, registry, switches, forwarder
}

func TestNegotiateVersion(t *testing.T) {
	tests := []struct {
		name     string
		peer     uint8
		localMax uint8
		expected uint8
	}{
		{"peer above local", 0x05, 0x04, 0x04},
		{"peer below local", 0x01, 0x04, 0x01},
		{"equal", 0x04, 0x04, 0x04},
		{"in-between version", 0x03, 0x04, 0x03},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if actual := NegotiateVersion(test.peer, test.localMax); actual != test.expected {
				t.Fatalf("unexpected version: expected=%v, actual=%v", test.expected, actual)
			}
		})
	}
}

func TestHandshakeHappyPath(t *testing.T) {
	coordinator, registry, switches, forwarder := createTestCoordinator(t, nil, 0)

	if err := coordinator.OnConnected(1, "10.0.0.1:51000"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sent := switches.to(1)
	expectedHello := []byte{0x04, 0x00, 0x00, 0x08, 0x00, 0x00, 0x00, 0x01}
	if len(sent) != 1 || !bytes.Equal(sent[0], expectedHello) {
		t.Fatalf("unexpected Hello: expected=%x, actual=%x", expectedHello, sent)
	}
	if state, _ := coordinator.State(1); state != HandshakeState_HelloSent {
		t.Fatalf("unexpected state: expected=%v, actual=%v", HandshakeState_HelloSent, state)
	}
	if datapathId, has := registry.DatapathIdOf(1); !has || datapathId.Valid {
		t.Fatalf("unexpected registry entry before features: %v (has=%v)", datapathId, has)
	}

	if err := coordinator.OnSwitchHello(1, &openflow.Hello{Version: 0x05, Xid: 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if version, negotiated := coordinator.NegotiatedVersion(1); !negotiated || version != 0x04 {
		t.Fatalf("unexpected negotiated version: expected=%v, actual=%v (negotiated=%v)", 0x04, version, negotiated)
	}
	if protocol, has := coordinator.SupportedProtocol(); !has || protocol != netip.OpenFlow13 {
		t.Fatalf("unexpected supported protocol: expected=%v, actual=%v", netip.OpenFlow13, protocol)
	}

	sent = switches.to(1)
	expectedRequest := []byte{0x04, 0x05, 0x00, 0x08, 0x00, 0x00, 0x00, 0x01}
	if len(sent) != 2 || !bytes.Equal(sent[1], expectedRequest) {
		t.Fatalf("unexpected features request: expected=%x, actual=%x", expectedRequest, sent)
	}
	if state, _ := coordinator.State(1); state != HandshakeState_FeaturesRequested {
		t.Fatalf("unexpected state: expected=%v, actual=%v", HandshakeState_FeaturesRequested, state)
	}

	reply := &openflow.FeaturesReply{Version: 0x04, Xid: 1, DatapathId: 0x2a}
	raw, _ := reply.MarshalBinary()
	if !coordinator.ResolveFeatures(1, reply, raw) {
		t.Fatalf("expected pending request to resolve")
	}

	if handle, has := registry.HandleOf(0x2a); !has || handle != 1 {
		t.Fatalf("unexpected handle for datapath: expected=%v, actual=%v (has=%v)", 1, handle, has)
	}
	if state, _ := coordinator.State(1); state != HandshakeState_Established {
		t.Fatalf("unexpected state: expected=%v, actual=%v", HandshakeState_Established, state)
	}

	calls := forwarder.calls()
	if len(calls) != 1 {
		t.Fatalf("unexpected forward count: expected=%v, actual=%v", 1, len(calls))
	}
	if calls[0].datapathId != 0x2a || calls[0].moduleId != 0 || !bytes.Equal(calls[0].raw, raw) {
		t.Fatalf("unexpected forward: %+v", calls[0])
	}

	// A second reply with the same xid has nothing left to resolve.
	if coordinator.ResolveFeatures(1, reply, raw) {
		t.Fatalf("unexpected second resolution")
	}
}

func TestHandshakeOpenFlow10Peer(t *testing.T) {
	coordinator, _, switches, _ := createTestCoordinator(t, nil, 0)

	coordinator.OnConnected(3, "10.0.0.3:6000")
	coordinator.OnSwitchHello(3, &openflow.Hello{Version: 0x01, Xid: 7})

	sent := switches.to(3)
	expectedRequest := []byte{0x01, 0x05, 0x00, 0x08, 0x00, 0x00, 0x00, 0x01}
	if len(sent) != 2 || !bytes.Equal(sent[1], expectedRequest) {
		t.Fatalf("unexpected features request: expected=%x, actual=%x", expectedRequest, sent)
	}
	if protocol, _ := coordinator.SupportedProtocol(); protocol != netip.OpenFlow10 {
		t.Fatalf("unexpected supported protocol: expected=%v, actual=%v", netip.OpenFlow10, protocol)
	}
}

func TestSupportedProtocolPublishedOnce(t *testing.T) {
	coordinator, _, _, _ := createTestCoordinator(t, nil, 0)

	coordinator.OnConnected(1, "a")
	coordinator.OnSwitchHello(1, &openflow.Hello{Version: 0x01, Xid: 1})
	coordinator.OnConnected(2, "b")
	coordinator.OnSwitchHello(2, &openflow.Hello{Version: 0x04, Xid: 1})

	if protocol, _ := coordinator.SupportedProtocol(); protocol != netip.OpenFlow10 {
		t.Fatalf("unexpected supported protocol: expected=%v, actual=%v", netip.OpenFlow10, protocol)
	}
}

func TestHelloIgnoredWhenRepeatedOrBelowDefaultXid(t *testing.T) {
	coordinator, _, switches, _ := createTestCoordinator(t, nil, 0)
	coordinator.OnConnected(1, "a")

	coordinator.OnSwitchHello(1, &openflow.Hello{Version: 0x04, Xid: 0})
	if _, negotiated := coordinator.NegotiatedVersion(1); negotiated {
		t.Fatalf("unexpected negotiation for xid 0")
	}

	coordinator.OnSwitchHello(1, &openflow.Hello{Version: 0x04, Xid: 1})
	coordinator.OnSwitchHello(1, &openflow.Hello{Version: 0x01, Xid: 2})

	if version, _ := coordinator.NegotiatedVersion(1); version != 0x04 {
		t.Fatalf("unexpected renegotiation: expected=%v, actual=%v", 0x04, version)
	}
	if sent := switches.to(1); len(sent) != 2 {
		t.Fatalf("unexpected packet count: expected=%v, actual=%v", 2, len(sent))
	}
}

func TestHelloFromUnknownConnection(t *testing.T) {
	coordinator, _, _, _ := createTestCoordinator(t, nil, 0)

	err := coordinator.OnSwitchHello(99, &openflow.Hello{Version: 0x04, Xid: 1})
	var missing *internal.MissingConnectionError
	if !goerrors.As(err, &missing) {
		t.Fatalf("unexpected error: expected=MissingConnectionError, actual=%v", err)
	}
}

func TestFeatureRequestFailsOnSwitchError(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	coordinator, registry, _, forwarder := createTestCoordinator(t, zap.New(core), 0)

	coordinator.OnConnected(1, "a")
	coordinator.OnSwitchHello(1, &openflow.Hello{Version: 0x04, Xid: 1})

	if !coordinator.FailFeatures(1, &openflow.ErrorMsg{Version: 0x04, Xid: 1, Class: 1, Code: 1}) {
		t.Fatalf("expected pending request to fail")
	}

	datapathId, has := registry.DatapathIdOf(1)
	if !has || datapathId.Valid {
		t.Fatalf("unexpected registry entry: expected=placeholder, actual=%v (has=%v)", datapathId, has)
	}
	if state, _ := coordinator.State(1); state != HandshakeState_Failed {
		t.Fatalf("unexpected state: expected=%v, actual=%v", HandshakeState_Failed, state)
	}
	if len(forwarder.calls()) != 0 {
		t.Fatalf("unexpected forward after failure: %+v", forwarder.calls())
	}
	if logs.FilterMessage("Feature request failed, connection stays registered without a datapath id").Len() != 1 {
		t.Fatalf("expected one failure warning, got %v", logs.All())
	}
}

func TestFeatureRequestTimesOut(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	coordinator, registry, _, forwarder := createTestCoordinator(t, zap.New(core), 20*time.Millisecond)

	coordinator.OnConnected(1, "a")
	coordinator.OnSwitchHello(1, &openflow.Hello{Version: 0x04, Xid: 1})
	request := coordinator.RequestFeatures(1, 0x04, 9, 3)

	select {
	case <-request.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("feature request did not time out")
	}

	_, _, err := request.Result()
	var failure *errors.HandshakeFailure
	if !goerrors.As(err, &failure) || failure.Xid != 9 {
		t.Fatalf("unexpected error: expected=HandshakeFailure(xid=9), actual=%v", err)
	}

	waitFor(t, "failed state", func() bool {
		state, _ := coordinator.State(1)
		return state == HandshakeState_Failed
	})
	if datapathId, _ := registry.DatapathIdOf(1); datapathId.Valid {
		t.Fatalf("unexpected datapath id after timeout: %v", datapathId)
	}
	if len(forwarder.calls()) != 0 {
		t.Fatalf("unexpected forward after timeout")
	}
	if logs.Len() == 0 {
		t.Fatalf("expected a warning for the timed out request")
	}
}

func TestDisconnectWhileFeaturesPending(t *testing.T) {
	coordinator, registry, _, forwarder := createTestCoordinator(t, nil, 0)

	coordinator.OnConnected(1, "a")
	coordinator.OnSwitchHello(1, &openflow.Hello{Version: 0x04, Xid: 1})
	request := coordinator.RequestFeatures(1, 0x04, 5, 2)

	coordinator.OnDisconnected(1, io.EOF)

	_, _, err := request.Result()
	if !goerrors.Is(err, io.EOF) {
		t.Fatalf("unexpected error: expected to wrap EOF, actual=%v", err)
	}
	if registry.Len() != 0 {
		t.Fatalf("unexpected registry length: expected=%v, actual=%v", 0, registry.Len())
	}
	if _, has := coordinator.State(1); has {
		t.Fatalf("unexpected session after disconnect")
	}

	reply := &openflow.FeaturesReply{Version: 0x04, Xid: 1, DatapathId: 0x2a}
	raw, _ := reply.MarshalBinary()
	if coordinator.ResolveFeatures(1, reply, raw) {
		t.Fatalf("unexpected resolution after disconnect")
	}
	if registry.Has(1) || len(forwarder.calls()) != 0 {
		t.Fatalf("late reply changed state: registry=%v, forwards=%v", registry.AllHandles(), forwarder.calls())
	}
}

func TestDuplicateDatapathIdRejected(t *testing.T) {
	coordinator, registry, _, forwarder := createTestCoordinator(t, nil, 0)

	establish(t, coordinator, 1, 0x04, 7)
	establish(t, coordinator, 2, 0x04, 7)

	if handle, _ := registry.HandleOf(7); handle != 1 {
		t.Fatalf("unexpected owner of datapath 7: expected=%v, actual=%v", 1, handle)
	}
	if datapathId, has := registry.DatapathIdOf(2); !has || datapathId.Valid {
		t.Fatalf("unexpected entry for rejected connection: %v (has=%v)", datapathId, has)
	}
	if state, _ := coordinator.State(2); state != HandshakeState_Failed {
		t.Fatalf("unexpected state: expected=%v, actual=%v", HandshakeState_Failed, state)
	}
	if len(forwarder.calls()) != 1 {
		t.Fatalf("unexpected forward count: expected=%v, actual=%v", 1, len(forwarder.calls()))
	}
}

func TestDatapathIdFixedOnceEstablished(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	coordinator, registry, _, forwarder := createTestCoordinator(t, zap.New(core), 0)
	establish(t, coordinator, 1, 0x04, 0x2a)

	coordinator.RequestFeatures(1, 0x04, 9, 5)
	reply := &openflow.FeaturesReply{Version: 0x04, Xid: 9, DatapathId: 0x2b}
	raw, _ := reply.MarshalBinary()
	if !coordinator.ResolveFeatures(1, reply, raw) {
		t.Fatalf("expected a pending feature request for xid 9")
	}

	if datapathId, _ := registry.DatapathIdOf(1); datapathId != internal.KnownDatapathId(0x2a) {
		t.Fatalf("unexpected datapath id: expected=%v, actual=%v", internal.KnownDatapathId(0x2a), datapathId)
	}
	if handle, has := registry.HandleOf(0x2a); !has || handle != 1 {
		t.Fatalf("unexpected owner of 0x2a: expected=%v, actual=%v (has=%v)", 1, handle, has)
	}
	if _, has := registry.HandleOf(0x2b); has {
		t.Fatalf("unexpected owner of 0x2b")
	}
	if state, _ := coordinator.State(1); state != HandshakeState_Established {
		t.Fatalf("unexpected state: expected=%v, actual=%v", HandshakeState_Established, state)
	}
	if len(forwarder.calls()) != 1 {
		t.Fatalf("unexpected forward count: expected=%v, actual=%v", 1, len(forwarder.calls()))
	}
	if logs.FilterMessage("Switch reported a different datapath id, features reply not forwarded").Len() != 1 {
		t.Fatalf("expected a warning for the changed datapath id, got %v", logs.All())
	}
}

func TestFeatureRequestsShareOneWireRequest(t *testing.T) {
	coordinator, _, switches, forwarder := createTestCoordinator(t, nil, 0)
	establish(t, coordinator, 1, 0x04, 0x2a)
	before := len(switches.to(1))

	a := coordinator.RequestFeatures(1, 0x04, 40, 5)
	b := coordinator.RequestFeatures(1, 0x04, 40, 5)
	c := coordinator.RequestFeatures(1, 0x04, 40, 6)

	if a != b {
		t.Fatalf("expected identical requests to be joined")
	}
	if a == c {
		t.Fatalf("expected a separate request for another module")
	}
	if sent := len(switches.to(1)) - before; sent != 1 {
		t.Fatalf("unexpected features requests on the wire: expected=%v, actual=%v", 1, sent)
	}

	reply := &openflow.FeaturesReply{Version: 0x04, Xid: 40, DatapathId: 0x2a}
	raw, _ := reply.MarshalBinary()
	coordinator.ResolveFeatures(1, reply, raw)

	modules := []uint32{}
	for _, call := range forwarder.calls()[1:] {
		modules = append(modules, call.moduleId)
	}
	if len(modules) != 2 || modules[0] != 5 || modules[1] != 6 {
		t.Fatalf("unexpected module routing: expected=[5 6], actual=%v", modules)
	}
}

func TestFeatureRequestSendFailure(t *testing.T) {
	coordinator, _, switches, _ := createTestCoordinator(t, nil, 0)
	coordinator.OnConnected(1, "a")

	switches.err = goerrors.New("queue full")
	request := coordinator.RequestFeatures(1, 0x04, 3, 0)

	_, _, err := request.Result()
	var failure *errors.HandshakeFailure
	if !goerrors.As(err, &failure) {
		t.Fatalf("unexpected error: expected=HandshakeFailure, actual=%v", err)
	}
}

func TestSessionsSnapshot(t *testing.T) {
	coordinator, _, _, _ := createTestCoordinator(t, nil, 0)
	establish(t, coordinator, 4, 0x04, 0x10)
	coordinator.OnConnected(2, "b")

	sessions := coordinator.Sessions()
	if len(sessions) != 2 || sessions[0].Handle != 2 || sessions[1].Handle != 4 {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
	if sessions[1].State != HandshakeState_Established || sessions[1].DatapathId != internal.KnownDatapathId(0x10) {
		t.Fatalf("unexpected established session: %+v", sessions[1])
	}
	if sessions[0].DatapathId.Valid {
		t.Fatalf("unexpected datapath id for pending session: %+v", sessions[0])
	}
}
