package shim

import (
	"slices"

	"go.uber.org/zap"

	"github.com/sessamekesh/netide-openflow-shim/internal"
	"github.com/sessamekesh/netide-openflow-shim/pkg/errors"
	"github.com/sessamekesh/netide-openflow-shim/pkg/handlers"
	"github.com/sessamekesh/netide-openflow-shim/pkg/message/netip"
	"github.com/sessamekesh/netide-openflow-shim/pkg/message/openflow"
)

type RelayParams struct {
	Logger *zap.Logger

	NetIPVersion      uint8
	ModuleTrackerSize int
}

// Relay moves OpenFlow messages between switches and the core, wrapping
// and unwrapping NetIP envelopes. Sends are handed to the transports
// without buffering, so per-direction order is call order.
type Relay struct {
	registry    *internal.ConnectionRegistry
	coordinator *HandshakeCoordinator
	switches    SwitchSender
	core        CoreSender

	serializer netip.NetIPMessageSerializer
	modules    *moduleTracker

	log *zap.Logger
}

func CreateRelay(registry *internal.ConnectionRegistry, coordinator *HandshakeCoordinator, switches SwitchSender, core CoreSender, params RelayParams) (*Relay, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	trackerSize := 4096
	if params.ModuleTrackerSize > 0 {
		trackerSize = params.ModuleTrackerSize
	}
	modules, err := createModuleTracker(trackerSize)
	if err != nil {
		return nil, err
	}

	return &Relay{
		registry:    registry,
		coordinator: coordinator,
		switches:    switches,
		core:        core,
		serializer:  netip.NetIPMessageSerializer{Version: params.NetIPVersion},
		modules:     modules,
		log:         logger.With(zap.String("component", "Relay")),
	}, nil
}

// SwitchToCore wraps one raw OpenFlow message in an OpenFlow envelope and
// sends it to the core.
func (r *Relay) SwitchToCore(datapathId uint64, version uint8, raw []byte, moduleId uint32) error {
	log := r.log.With(zap.String("datapathId", internal.KnownDatapathId(datapathId).String()), zap.Uint32("moduleId", moduleId))

	header, err := openflow.ParseHeader(raw)
	if err != nil {
		log.Warn("Dropping malformed switch message", zap.Error(err))
		return err
	}

	envelope, err := r.serializer.Serialize(&netip.NetIPMessage{
		MessageType:   netip.MessageType_OpenFlow,
		TransactionId: header.Xid,
		ModuleId:      moduleId,
		DatapathId:    datapathId,
		Payload:       raw,
	})
	if err != nil {
		log.Warn("Could not wrap switch message", zap.Error(err))
		return err
	}

	if err := r.core.SendToCore(envelope); err != nil {
		log.Error("Failed to send message to core", zap.Stringer("type", header.Type), zap.Error(err))
		return err
	}

	log.Debug("Relayed switch message to core", zap.String("message", openflow.MessageName(raw)), zap.Uint8("version", version), zap.Uint32("xid", header.Xid))
	return nil
}

// ForwardSwitchMessage relays a message from an established switch.
func (r *Relay) ForwardSwitchMessage(handle handlers.ConnectionHandle, raw []byte) error {
	log := r.log.With(zap.Uint32("connection", uint32(handle)))

	header, err := openflow.ParseHeader(raw)
	if err != nil {
		log.Warn("Dropping malformed switch message", zap.Error(err))
		return err
	}

	datapathId, has := r.registry.DatapathIdOf(handle)
	version, negotiated := r.coordinator.NegotiatedVersion(handle)
	if !has || !datapathId.Valid || !negotiated {
		err := &errors.NotNegotiated{Connection: uint32(handle)}
		log.Debug("Dropping switch message before handshake completed", zap.Stringer("type", header.Type), zap.Error(err))
		return err
	}

	if header.Type == openflow.OFPT_PACKET_IN && header.Version == openflow.OF13_VERSION {
		packetIn, err := openflow.ParsePacketIn(raw)
		if err != nil {
			log.Warn("Dropping malformed packet-in", zap.Error(err))
			return err
		}

		if ce := log.Check(zap.DebugLevel, "Packet-in"); ce != nil {
			ce.Write(
				zap.Uint32("bufferId", packetIn.BufferId),
				zap.Uint8("tableId", packetIn.TableId),
				zap.String("match", packetIn.Match.String()),
				zap.String("frame", openflow.DescribeFrame(packetIn.Data)),
			)
		}

		if raw, err = openflow.EncodePacketIn(packetIn); err != nil {
			log.Warn("Could not re-encode packet-in", zap.Error(err))
			return err
		}
	}

	return r.SwitchToCore(datapathId.Id, version, raw, r.modules.lookup(handle, header.Xid))
}

// OnCoreOpenFlow resolves the envelope's datapath id and hands the payload
// to CoreToSwitch. Envelopes for unknown switches are dropped.
func (r *Relay) OnCoreOpenFlow(msg *netip.NetIPMessage) error {
	handle, has := r.registry.HandleOf(msg.DatapathId)
	if !has {
		err := &errors.UnknownDatapath{DatapathId: msg.DatapathId}
		r.log.Warn("Dropping core message", zap.Uint32("moduleId", msg.ModuleId), zap.Error(err))
		return err
	}

	if len(msg.Payload) < 1 {
		err := &errors.MissingFieldError{MessageName: "NetIP::OpenFlow", FieldName: "payload"}
		r.log.Warn("Dropping empty core message", zap.Error(err))
		return err
	}

	return r.CoreToSwitch(handle, msg.Payload, msg.Payload[0], msg.ModuleId)
}

// CoreToSwitch writes a core message to a switch. Features requests are
// routed through the handshake coordinator so the reply returns to the
// requesting module.
func (r *Relay) CoreToSwitch(handle handlers.ConnectionHandle, raw []byte, version uint8, moduleId uint32) error {
	log := r.log.With(zap.Uint32("connection", uint32(handle)), zap.Uint32("moduleId", moduleId))

	header, err := openflow.ParseHeader(raw)
	if err != nil {
		log.Warn("Dropping malformed core message", zap.Error(err))
		return err
	}

	negotiatedVersion, negotiated := r.coordinator.NegotiatedVersion(handle)
	if !negotiated {
		err := &errors.NotNegotiated{Connection: uint32(handle)}
		log.Warn("Dropping core message", zap.Error(err))
		return err
	}
	if version != negotiatedVersion {
		log.Debug("Core message version differs from negotiated version", zap.Uint8("version", version), zap.Uint8("negotiated", negotiatedVersion))
	}

	body := raw[4:]
	if int(header.Length) >= openflow.HeaderLength && int(header.Length) <= len(raw) {
		body = raw[4:header.Length]
	}

	switch header.Type {
	case openflow.OFPT_FEATURES_REQUEST:
		input, err := openflow.DecodeGetFeaturesInput(body)
		if err != nil {
			log.Warn("Dropping malformed features request", zap.Error(err))
			return err
		}
		r.coordinator.RequestFeatures(handle, version, input.Xid, moduleId)
		return nil

	case openflow.OFPT_ECHO_REPLY:
		reply, err := openflow.DecodeEchoReply(body)
		if err != nil {
			log.Warn("Dropping malformed echo reply", zap.Error(err))
			return err
		}
		reply.Version = header.Version
		if raw, err = reply.MarshalBinary(); err != nil {
			return err
		}

	default:
		r.modules.remember(handle, header.Xid, moduleId)
	}

	if err := r.switches.SendToSwitch(handle, raw); err != nil {
		log.Error("Failed to send message to switch", zap.Stringer("type", header.Type), zap.Error(err))
		return err
	}
	return nil
}

// BroadcastHelloAck answers a core Hello that proposes the shim's supported
// protocol, then asks every negotiated switch for its features on behalf of
// the core module.
func (r *Relay) BroadcastHelloAck(requested []netip.ProtocolVersion, moduleId uint32) error {
	log := r.log.With(zap.Uint32("moduleId", moduleId))

	supported, has := r.coordinator.SupportedProtocol()
	if !has {
		log.Info("Core Hello received before any switch negotiated a version, not acknowledging")
		return nil
	}
	if !slices.Contains(requested, supported) {
		log.Info("Core Hello does not propose the supported protocol", zap.Stringer("supported", supported))
		return nil
	}

	envelope, err := r.serializer.Serialize(&netip.NetIPMessage{
		MessageType:   netip.MessageType_Hello,
		TransactionId: openflow.DefaultXid,
		ModuleId:      moduleId,
		Hello:         []netip.ProtocolVersion{supported},
	})
	if err != nil {
		return err
	}
	if err := r.core.SendToCore(envelope); err != nil {
		log.Error("Failed to acknowledge core Hello", zap.Error(err))
		return err
	}

	handles := r.registry.AllHandles()
	log.Info("Acknowledged core Hello", zap.Stringer("protocol", supported), zap.Int("switches", len(handles)))

	for _, handle := range handles {
		version, negotiated := r.coordinator.NegotiatedVersion(handle)
		if !negotiated {
			continue
		}
		r.coordinator.RequestFeatures(handle, version, openflow.DefaultXid, moduleId)
	}
	return nil
}

// Forget drops per-connection relay state.
func (r *Relay) Forget(handle handlers.ConnectionHandle) {
	r.modules.forget(handle)
}
