package shim

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/sessamekesh/netide-openflow-shim/internal"
	"github.com/sessamekesh/netide-openflow-shim/pkg/handlers"
	"github.com/sessamekesh/netide-openflow-shim/pkg/message/netip"
	"github.com/sessamekesh/netide-openflow-shim/pkg/message/openflow"
)

type sentToSwitch struct {
	handle handlers.ConnectionHandle
	packet []byte
}

type recordingSwitches struct {
	mut  sync.Mutex
	sent []sentToSwitch
	err  error
}

func (r *recordingSwitches) SendToSwitch(handle handlers.ConnectionHandle, packet []byte) error {
	r.mut.Lock()
	defer r.mut.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, sentToSwitch{handle: handle, packet: append([]byte{}, packet...)})
	return nil
}

func (r *recordingSwitches) to(handle handlers.ConnectionHandle) [][]byte {
	r.mut.Lock()
	defer r.mut.Unlock()
	packets := [][]byte{}
	for _, s := range r.sent {
		if s.handle == handle {
			packets = append(packets, s.packet)
		}
	}
	return packets
}

type recordingCore struct {
	mut       sync.Mutex
	envelopes [][]byte
}

func (r *recordingCore) SendToCore(envelope []byte) error {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.envelopes = append(r.envelopes, append([]byte{}, envelope...))
	return nil
}

func (r *recordingCore) parsed(t *testing.T) []*netip.NetIPMessage {
	t.Helper()
	r.mut.Lock()
	defer r.mut.Unlock()

	messages := []*netip.NetIPMessage{}
	for _, e := range r.envelopes {
		msg, err := netip.NetIPMessageSerializer{}.Parse(e)
		if err != nil {
			t.Fatalf("unexpected envelope parse error: %v", err)
		}
		messages = append(messages, msg)
	}
	return messages
}

type forwardedToCore struct {
	datapathId uint64
	version    uint8
	raw        []byte
	moduleId   uint32
}

type recordingForwarder struct {
	mut       sync.Mutex
	forwarded []forwardedToCore
}

func (r *recordingForwarder) SwitchToCore(datapathId uint64, version uint8, raw []byte, moduleId uint32) error {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.forwarded = append(r.forwarded, forwardedToCore{datapathId, version, raw, moduleId})
	return nil
}

func (r *recordingForwarder) calls() []forwardedToCore {
	r.mut.Lock()
	defer r.mut.Unlock()
	return append([]forwardedToCore{}, r.forwarded...)
}

type relayFixture struct {
	registry    *internal.ConnectionRegistry
	switches    *recordingSwitches
	core        *recordingCore
	coordinator *HandshakeCoordinator
	relay       *Relay
}

func createRelayFixture(t *testing.T, logger *zap.Logger) *relayFixture {
	t.Helper()
	if logger == nil {
		logger = zaptest.NewLogger(t)
	}

	f := &relayFixture{
		registry: internal.CreateConnectionRegistry(),
		switches: &recordingSwitches{},
		core:     &recordingCore{},
	}
	f.coordinator = CreateHandshakeCoordinator(f.registry, f.switches, HandshakeCoordinatorParams{Logger: logger})

	relay, err := CreateRelay(f.registry, f.coordinator, f.switches, f.core, RelayParams{Logger: logger, ModuleTrackerSize: 64})
	if err != nil {
		t.Fatalf("unexpected error creating relay: %v", err)
	}
	f.relay = relay
	f.coordinator.SetForwarder(relay)
	return f
}

// establish drives one connection through the full handshake.
func establish(t *testing.T, coordinator *HandshakeCoordinator, handle handlers.ConnectionHandle, peerVersion uint8, datapathId uint64) {
	t.Helper()

	if err := coordinator.OnConnected(handle, "10.0.0.1:51000"); err != nil {
		t.Fatalf("unexpected OnConnected error: %v", err)
	}
	if err := coordinator.OnSwitchHello(handle, &openflow.Hello{Version: peerVersion, Xid: openflow.DefaultXid}); err != nil {
		t.Fatalf("unexpected OnSwitchHello error: %v", err)
	}

	reply := &openflow.FeaturesReply{Version: peerVersion, Xid: openflow.DefaultXid, DatapathId: datapathId, Buffers: 256, Tables: 254}
	raw, err := reply.MarshalBinary()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !coordinator.ResolveFeatures(handle, reply, raw) {
		t.Fatalf("expected a pending feature request for connection %d", handle)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
