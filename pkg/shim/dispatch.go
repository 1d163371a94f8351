package shim

import (
	"go.uber.org/zap"

	"github.com/sessamekesh/netide-openflow-shim/pkg/handlers"
	"github.com/sessamekesh/netide-openflow-shim/pkg/message/netip"
	"github.com/sessamekesh/netide-openflow-shim/pkg/message/openflow"
)

func (s *shim) handleSwitchEvent(ev handlers.SwitchEvent) {
	switch ev.Kind {
	case handlers.SwitchEventKind_Connected:
		s.coordinator.OnConnected(ev.Handle, ev.RemoteAddress)
	case handlers.SwitchEventKind_Disconnected:
		s.coordinator.OnDisconnected(ev.Handle, ev.Reason)
		s.relay.Forget(ev.Handle)
	case handlers.SwitchEventKind_Message:
		s.handleSwitchMessage(ev.Handle, ev.Data)
	default:
		s.log.Warn("Unexpected switch event", zap.Stringer("kind", ev.Kind))
	}
}

func (s *shim) handleSwitchMessage(handle handlers.ConnectionHandle, raw []byte) {
	log := s.log.With(zap.Uint32("connection", uint32(handle)))

	header, err := openflow.ParseHeader(raw)
	if err != nil {
		log.Warn("Dropping malformed switch message", zap.Error(err))
		return
	}

	switch header.Type {
	case openflow.OFPT_HELLO:
		hello, err := openflow.ParseHello(raw)
		if err != nil {
			log.Warn("Dropping malformed Hello", zap.Error(err))
			return
		}
		if err := s.coordinator.OnSwitchHello(handle, hello); err != nil {
			log.Warn("Hello handling failed", zap.Error(err))
		}

	case openflow.OFPT_ECHO_REQUEST:
		s.answerEcho(log, handle, header, raw)

	case openflow.OFPT_FEATURES_REPLY:
		reply, err := openflow.ParseFeaturesReply(raw)
		if err != nil {
			log.Warn("Dropping malformed features reply", zap.Error(err))
			return
		}
		if !s.coordinator.ResolveFeatures(handle, reply, raw) {
			s.relay.ForwardSwitchMessage(handle, raw)
		}

	case openflow.OFPT_ERROR:
		errMsg, err := openflow.ParseErrorMsg(raw)
		if err != nil {
			log.Warn("Dropping malformed error message", zap.Error(err))
			return
		}
		if !s.coordinator.FailFeatures(handle, errMsg) {
			s.relay.ForwardSwitchMessage(handle, raw)
		}

	default:
		s.relay.ForwardSwitchMessage(handle, raw)
	}
}

func (s *shim) answerEcho(log *zap.Logger, handle handlers.ConnectionHandle, header *openflow.Header, raw []byte) {
	end := len(raw)
	if int(header.Length) >= openflow.HeaderLength && int(header.Length) <= len(raw) {
		end = int(header.Length)
	}

	request, err := openflow.DecodeEchoRequest(raw[4:end])
	if err != nil {
		log.Warn("Dropping malformed echo request", zap.Error(err))
		return
	}
	request.Version = header.Version

	packet, err := request.Reply().MarshalBinary()
	if err != nil {
		log.Warn("Could not build echo reply", zap.Error(err))
		return
	}
	if err := s.SendToSwitch(handle, packet); err != nil {
		log.Warn("Failed to answer echo request", zap.Error(err))
	}
}

func (s *shim) handleCoreMessage(msg handlers.CoreMessage) {
	envelope, err := s.serializer.Parse(msg.Data)
	if err != nil {
		s.log.Warn("Dropping malformed core message", zap.Error(err))
		return
	}

	log := s.log.With(zap.Uint32("moduleId", envelope.ModuleId), zap.Uint32("transactionId", envelope.TransactionId))

	switch envelope.MessageType {
	case netip.MessageType_Hello:
		s.relay.BroadcastHelloAck(envelope.Hello, envelope.ModuleId)
	case netip.MessageType_OpenFlow:
		s.relay.OnCoreOpenFlow(envelope)
	case netip.MessageType_Heartbeat:
		log.Debug("Core heartbeat")
	case netip.MessageType_Error:
		log.Warn("Core reported an error", zap.Binary("payload", envelope.Payload))
	default:
		// Known to the NetIP codec, but nothing for the shim to act on.
		log.Debug("Ignoring core message", zap.Uint8("type", uint8(envelope.MessageType)))
	}
}

func (s *shim) handleCoreConnectionEvent(ev handlers.CoreConnectionEvent) {
	if ev.Connected {
		s.log.Info("Connected to core", zap.String("endpoint", ev.Endpoint))
		return
	}
	s.log.Warn("Disconnected from core", zap.String("endpoint", ev.Endpoint), zap.Error(ev.Error))
}
