package shim

import (
	"cmp"
	goerrs "errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"
	"go.uber.org/zap"

	"github.com/sessamekesh/netide-openflow-shim/internal"
	"github.com/sessamekesh/netide-openflow-shim/pkg/errors"
	"github.com/sessamekesh/netide-openflow-shim/pkg/handlers"
	"github.com/sessamekesh/netide-openflow-shim/pkg/message/netip"
	"github.com/sessamekesh/netide-openflow-shim/pkg/message/openflow"
)

type SwitchSender interface {
	SendToSwitch(handle handlers.ConnectionHandle, packet []byte) error
}

type CoreSender interface {
	SendToCore(envelope []byte) error
}

type CoreForwarder interface {
	SwitchToCore(datapathId uint64, version uint8, raw []byte, moduleId uint32) error
}

type HandshakeState uint8

const (
	HandshakeState_Connected HandshakeState = iota
	HandshakeState_HelloSent
	HandshakeState_VersionNegotiated
	HandshakeState_FeaturesRequested
	HandshakeState_Established
	HandshakeState_Failed
)

var handshakeStateNames = map[HandshakeState]string{
	HandshakeState_Connected:         "Connected",
	HandshakeState_HelloSent:         "HelloSent",
	HandshakeState_VersionNegotiated: "VersionNegotiated",
	HandshakeState_FeaturesRequested: "FeaturesRequested",
	HandshakeState_Established:       "Established",
	HandshakeState_Failed:            "Failed",
}

func (s HandshakeState) String() string {
	if name, has := handshakeStateNames[s]; has {
		return name
	}
	return fmt.Sprintf("HandshakeState(%d)", uint8(s))
}

// Established and Failed connections go back to FeaturesRequested when the
// core asks for features again.
var validTransitions = map[HandshakeState][]HandshakeState{
	HandshakeState_Connected:         {HandshakeState_HelloSent, HandshakeState_VersionNegotiated},
	HandshakeState_HelloSent:         {HandshakeState_VersionNegotiated},
	HandshakeState_VersionNegotiated: {HandshakeState_FeaturesRequested},
	HandshakeState_FeaturesRequested: {HandshakeState_FeaturesRequested, HandshakeState_Established, HandshakeState_Failed},
	HandshakeState_Established:       {HandshakeState_FeaturesRequested},
	HandshakeState_Failed:            {HandshakeState_FeaturesRequested},
}

type InvalidTransition struct {
	From HandshakeState
	To   HandshakeState
}

func (e *InvalidTransition) Error() string {
	return fmt.Sprintf("Invalid handshake transition %s -> %s", e.From, e.To)
}

type switchSession struct {
	mut sync.Mutex

	handle        handlers.ConnectionHandle
	remoteAddress string
	connectedAt   time.Time

	state      HandshakeState
	negotiated bool
	version    uint8
}

// Caller holds s.mut.
func (s *switchSession) transition(to HandshakeState) error {
	if !slices.Contains(validTransitions[s.state], to) {
		return &InvalidTransition{From: s.state, To: to}
	}
	s.state = to
	return nil
}

type SessionSnapshot struct {
	Handle        handlers.ConnectionHandle
	RemoteAddress string
	ConnectedAt   time.Time
	State         HandshakeState
	Negotiated    bool
	Version       uint8
	DatapathId    internal.DatapathId
}

type HandshakeCoordinatorParams struct {
	Logger *zap.Logger

	// OpenFlow wire versions this shim speaks. Defaults to 1.0 and 1.3.
	SupportedVersions []uint8

	FeatureRequestTimeout time.Duration
}

type HandshakeCoordinator struct {
	registry *internal.ConnectionRegistry
	switches SwitchSender
	log      *zap.Logger

	localMaxVersion uint8
	featureTimeout  time.Duration

	mut_forwarder sync.RWMutex
	forwarder     CoreForwarder

	supportedProtocol atomic.Pointer[netip.ProtocolVersion]

	mut_sessions sync.RWMutex
	sessions     map[handlers.ConnectionHandle]*switchSession

	mut_pending sync.Mutex
	pending     map[pendingKey][]*FeatureRequest
}

func CreateHandshakeCoordinator(registry *internal.ConnectionRegistry, switches SwitchSender, params HandshakeCoordinatorParams) *HandshakeCoordinator {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	supportedVersions := params.SupportedVersions
	if len(supportedVersions) == 0 {
		supportedVersions = []uint8{openflow.OF10_VERSION, openflow.OF13_VERSION}
	}

	featureTimeout := 30 * time.Second
	if params.FeatureRequestTimeout > 0 {
		featureTimeout = params.FeatureRequestTimeout
	}

	return &HandshakeCoordinator{
		registry:        registry,
		switches:        switches,
		log:             logger.With(zap.String("component", "HandshakeCoordinator")),
		localMaxVersion: slices.Max(supportedVersions),
		featureTimeout:  featureTimeout,
		sessions:        make(map[handlers.ConnectionHandle]*switchSession),
		pending:         make(map[pendingKey][]*FeatureRequest),
	}
}

func (c *HandshakeCoordinator) SetForwarder(forwarder CoreForwarder) {
	c.mut_forwarder.Lock()
	defer c.mut_forwarder.Unlock()
	c.forwarder = forwarder
}

func (c *HandshakeCoordinator) getForwarder() CoreForwarder {
	c.mut_forwarder.RLock()
	defer c.mut_forwarder.RUnlock()
	return c.forwarder
}

// NegotiateVersion settles on the lower of the peer's and the local highest
// version.
func NegotiateVersion(peerVersion, localMaxVersion uint8) uint8 {
	return min(peerVersion, localMaxVersion)
}

func (c *HandshakeCoordinator) connectionLog(handle handlers.ConnectionHandle) *zap.Logger {
	return c.log.With(zap.Uint32("connection", uint32(handle)))
}

func (c *HandshakeCoordinator) getSession(handle handlers.ConnectionHandle) *switchSession {
	c.mut_sessions.RLock()
	defer c.mut_sessions.RUnlock()
	return c.sessions[handle]
}

// OnConnected registers a fresh connection with an unknown datapath id and
// opens the handshake with a Hello.
func (c *HandshakeCoordinator) OnConnected(handle handlers.ConnectionHandle, remoteAddress string) error {
	log := c.connectionLog(handle)

	if err := c.registry.Register(handle, internal.DatapathId{}); err != nil {
		log.Error("Failed to register new switch connection", zap.Error(err))
		return err
	}

	session := &switchSession{
		handle:        handle,
		remoteAddress: remoteAddress,
		connectedAt:   time.Now(),
		state:         HandshakeState_Connected,
	}
	func() {
		c.mut_sessions.Lock()
		defer c.mut_sessions.Unlock()
		c.sessions[handle] = session
	}()

	session.mut.Lock()
	defer session.mut.Unlock()

	hello := &openflow.Hello{
		Version:  c.localMaxVersion,
		Xid:      openflow.DefaultXid,
		Elements: []openflow.HelloElement{},
	}
	packet, err := hello.MarshalBinary()
	if err != nil {
		return err
	}

	if err := c.switches.SendToSwitch(handle, packet); err != nil {
		log.Error("Failed to send Hello to switch", zap.Error(err))
		return err
	}

	log.Info("Switch connected, Hello sent", zap.String("remoteAddress", remoteAddress), zap.Uint8("version", c.localMaxVersion))
	return session.transition(HandshakeState_HelloSent)
}

func (c *HandshakeCoordinator) OnSwitchHello(handle handlers.ConnectionHandle, hello *openflow.Hello) error {
	log := c.connectionLog(handle)

	session := c.getSession(handle)
	if session == nil {
		log.Warn("Hello from unknown connection")
		return &internal.MissingConnectionError{Handle: handle}
	}

	version, proceed, err := func() (uint8, bool, error) {
		session.mut.Lock()
		defer session.mut.Unlock()

		if hello.Xid < openflow.DefaultXid {
			log.Debug("Ignoring Hello with transaction id below the handshake default", zap.Uint32("xid", hello.Xid))
			return 0, false, nil
		}
		if session.negotiated {
			log.Debug("Ignoring repeated Hello", zap.Uint8("peerVersion", hello.Version), zap.Uint8("negotiated", session.version))
			return 0, false, nil
		}

		version := NegotiateVersion(hello.Version, c.localMaxVersion)
		if err := session.transition(HandshakeState_VersionNegotiated); err != nil {
			return 0, false, err
		}
		session.negotiated = true
		session.version = version
		return version, true, nil
	}()
	if err != nil || !proceed {
		return err
	}

	fields := []zap.Field{zap.Uint8("peerVersion", hello.Version), zap.Uint8("negotiated", version)}
	if bitmapVersion, has := hello.HighestBitmapVersion(); has {
		fields = append(fields, zap.Uint8("peerBitmapVersion", bitmapVersion))
	}
	log.Info("OpenFlow version negotiated", fields...)

	if protocolVersion, pvErr := netip.OpenFlowProtocolVersion(version); pvErr == nil {
		if c.supportedProtocol.CompareAndSwap(nil, &protocolVersion) {
			c.log.Info("Published supported protocol", zap.Stringer("protocol", protocolVersion))
		}
	}

	c.RequestFeatures(handle, version, openflow.DefaultXid, 0)
	return nil
}

// RequestFeatures asks the switch for its features and returns at once. The
// request completes on the goroutine that resolves it: a features reply, a
// switch error, a disconnect, or the timeout. A request already outstanding
// for the same connection, xid and module is shared.
func (c *HandshakeCoordinator) RequestFeatures(handle handlers.ConnectionHandle, version uint8, xid uint32, moduleId uint32) *FeatureRequest {
	log := c.connectionLog(handle).With(zap.Uint32("xid", xid), zap.Uint32("moduleId", moduleId))

	request := newFeatureRequest(handle, xid, version, moduleId)
	key := request.key()

	existing, first := func() (*FeatureRequest, bool) {
		c.mut_pending.Lock()
		defer c.mut_pending.Unlock()

		for _, r := range c.pending[key] {
			if r.ModuleId == moduleId {
				return r, false
			}
		}

		first := len(c.pending[key]) == 0
		c.pending[key] = append(c.pending[key], request)
		request.timer = time.AfterFunc(c.featureTimeout, func() { c.expire(request) })
		return nil, first
	}()
	if existing != nil {
		log.Debug("Joining outstanding feature request")
		return existing
	}

	if session := c.getSession(handle); session != nil {
		func() {
			session.mut.Lock()
			defer session.mut.Unlock()
			if err := session.transition(HandshakeState_FeaturesRequested); err != nil {
				log.Debug("Feature request outside the usual handshake order", zap.Error(err))
			}
		}()
	}

	if !first {
		return request
	}

	packet, _ := (&openflow.GetFeaturesInput{Version: version, Xid: xid}).MarshalBinary()
	if err := c.switches.SendToSwitch(handle, packet); err != nil {
		c.settle(key, nil, nil, &errors.HandshakeFailure{
			Connection: uint32(handle),
			Xid:        xid,
			Detail:     "could not send features request",
			Cause:      err,
		})
		return request
	}

	log.Debug("Features request sent", zap.Uint8("version", version))
	return request
}

// ResolveFeatures completes the requests waiting on reply.Xid. It reports
// false when nothing was waiting.
func (c *HandshakeCoordinator) ResolveFeatures(handle handlers.ConnectionHandle, reply *openflow.FeaturesReply, raw []byte) bool {
	return c.settle(pendingKey{handle: handle, xid: reply.Xid}, reply, raw, nil)
}

// FailFeatures completes the requests waiting on errMsg.Xid with a failure.
func (c *HandshakeCoordinator) FailFeatures(handle handlers.ConnectionHandle, errMsg *openflow.ErrorMsg) bool {
	return c.settle(pendingKey{handle: handle, xid: errMsg.Xid}, nil, nil, &errors.HandshakeFailure{
		Connection: uint32(handle),
		Xid:        errMsg.Xid,
		Detail:     fmt.Sprintf("switch answered with error class=%d code=%d", errMsg.Class, errMsg.Code),
	})
}

func (c *HandshakeCoordinator) settle(key pendingKey, reply *openflow.FeaturesReply, raw []byte, err error) bool {
	c.mut_pending.Lock()
	requests, has := c.pending[key]
	delete(c.pending, key)
	c.mut_pending.Unlock()

	if !has {
		return false
	}

	for _, request := range requests {
		request.timer.Stop()
		if request.resolve(reply, raw, err) {
			c.complete(request)
		}
	}
	return true
}

func (c *HandshakeCoordinator) expire(request *FeatureRequest) {
	key := request.key()

	removed := func() bool {
		c.mut_pending.Lock()
		defer c.mut_pending.Unlock()

		requests := c.pending[key]
		idx := slices.Index(requests, request)
		if idx < 0 {
			return false
		}
		requests = slices.Delete(requests, idx, idx+1)
		if len(requests) == 0 {
			delete(c.pending, key)
		} else {
			c.pending[key] = requests
		}
		return true
	}()
	if !removed {
		return
	}

	if request.resolve(nil, nil, &errors.HandshakeFailure{
		Connection: uint32(request.Handle),
		Xid:        request.Xid,
		Detail:     fmt.Sprintf("no features reply within %s", c.featureTimeout),
	}) {
		c.complete(request)
	}
}

func (c *HandshakeCoordinator) setState(handle handlers.ConnectionHandle, state HandshakeState) {
	session := c.getSession(handle)
	if session == nil {
		return
	}

	session.mut.Lock()
	defer session.mut.Unlock()
	if err := session.transition(state); err != nil {
		c.connectionLog(handle).Debug("Skipping handshake state change", zap.Error(err))
	}
}

func (c *HandshakeCoordinator) complete(request *FeatureRequest) {
	log := c.connectionLog(request.Handle).With(zap.Uint32("xid", request.Xid), zap.Uint32("moduleId", request.ModuleId))
	reply, raw, err := request.Result()

	if !c.registry.Has(request.Handle) {
		log.Debug("Connection closed before feature request completed")
		return
	}

	if err != nil {
		log.Warn("Feature request failed, connection stays registered without a datapath id", zap.Error(err))
		c.setState(request.Handle, HandshakeState_Failed)
		return
	}

	if ce := log.Check(zap.DebugLevel, "Features reply"); ce != nil {
		ce.Write(zap.String("reply", spew.Sdump(reply)))
	}

	updated, err := c.registry.Update(request.Handle, internal.KnownDatapathId(reply.DatapathId))
	var changed *internal.DatapathIdChangedError
	if goerrs.As(err, &changed) {
		// The switch keeps the identity it was established with.
		log.Warn("Switch reported a different datapath id, features reply not forwarded", zap.Error(err))
		c.setState(request.Handle, HandshakeState_Established)
		return
	}
	if err != nil {
		log.Warn("Rejecting features reply", zap.Error(err))
		c.setState(request.Handle, HandshakeState_Failed)
		return
	}
	if !updated {
		log.Debug("Connection closed before feature request completed")
		return
	}

	c.setState(request.Handle, HandshakeState_Established)
	log.Info("Switch established", zap.String("datapathId", internal.KnownDatapathId(reply.DatapathId).String()))

	forwarder := c.getForwarder()
	if forwarder == nil {
		log.Error("No relay attached, features reply not forwarded")
		return
	}
	forwarder.SwitchToCore(reply.DatapathId, request.Version, raw, request.ModuleId)
}

// OnDisconnected forgets the connection. Outstanding feature requests
// resolve with a failure and their completion finds nothing to do.
func (c *HandshakeCoordinator) OnDisconnected(handle handlers.ConnectionHandle, reason error) {
	log := c.connectionLog(handle)

	c.registry.Remove(handle)
	func() {
		c.mut_sessions.Lock()
		defer c.mut_sessions.Unlock()
		delete(c.sessions, handle)
	}()

	keys := func() []pendingKey {
		c.mut_pending.Lock()
		defer c.mut_pending.Unlock()
		keys := []pendingKey{}
		for key := range c.pending {
			if key.handle == handle {
				keys = append(keys, key)
			}
		}
		return keys
	}()

	for _, key := range keys {
		c.settle(key, nil, nil, &errors.HandshakeFailure{
			Connection: uint32(handle),
			Xid:        key.xid,
			Detail:     "connection closed",
			Cause:      reason,
		})
	}

	log.Info("Switch disconnected", zap.Error(reason))
}

func (c *HandshakeCoordinator) NegotiatedVersion(handle handlers.ConnectionHandle) (uint8, bool) {
	session := c.getSession(handle)
	if session == nil {
		return 0, false
	}

	session.mut.Lock()
	defer session.mut.Unlock()
	return session.version, session.negotiated
}

func (c *HandshakeCoordinator) State(handle handlers.ConnectionHandle) (HandshakeState, bool) {
	session := c.getSession(handle)
	if session == nil {
		return 0, false
	}

	session.mut.Lock()
	defer session.mut.Unlock()
	return session.state, true
}

// SupportedProtocol is the protocol published by the first connection to
// finish version negotiation.
func (c *HandshakeCoordinator) SupportedProtocol() (netip.ProtocolVersion, bool) {
	pv := c.supportedProtocol.Load()
	if pv == nil {
		return netip.ProtocolVersion{}, false
	}
	return *pv, true
}

func (c *HandshakeCoordinator) Sessions() []SessionSnapshot {
	c.mut_sessions.RLock()
	sessions := make([]*switchSession, 0, len(c.sessions))
	for _, session := range c.sessions {
		sessions = append(sessions, session)
	}
	c.mut_sessions.RUnlock()

	snapshots := make([]SessionSnapshot, 0, len(sessions))
	for _, session := range sessions {
		datapathId, _ := c.registry.DatapathIdOf(session.handle)

		session.mut.Lock()
		snapshots = append(snapshots, SessionSnapshot{
			Handle:        session.handle,
			RemoteAddress: session.remoteAddress,
			ConnectedAt:   session.connectedAt,
			State:         session.state,
			Negotiated:    session.negotiated,
			Version:       session.version,
			DatapathId:    datapathId,
		})
		session.mut.Unlock()
	}

	slices.SortFunc(snapshots, func(a, b SessionSnapshot) int {
		return cmp.Compare(a.Handle, b.Handle)
	})
	return snapshots
}
