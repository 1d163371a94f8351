package shim

import (
	"context"
	goerrs "errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sessamekesh/netide-openflow-shim/internal"
	"github.com/sessamekesh/netide-openflow-shim/pkg/errors"
	"github.com/sessamekesh/netide-openflow-shim/pkg/handlers"
	"github.com/sessamekesh/netide-openflow-shim/pkg/message/netip"
)

var (
	errNoSwitchHandler = goerrs.New("no switch handler attached")
	errNoCoreHandler   = goerrs.New("no core handler attached")
	errQueueFull       = goerrs.New("outbound queue full")
)

type ShimConfig struct {
	Logger *zap.Logger

	NetIPVersion          uint8
	SupportedVersions     []uint8
	FeatureRequestTimeout time.Duration

	// Switch events are sharded by connection handle over this many workers.
	SwitchWorkers int

	IncomingSwitchEventBufferLength   int
	IncomingCoreMessageBufferLength   int
	OutgoingSwitchMessageBufferLength int
	OutgoingCoreMessageBufferLength   int
	ModuleTrackerSize                 int

	// Optional pre-populated registry.
	Registry *internal.ConnectionRegistry
}

type shim struct {
	config ShimConfig
	log    *zap.Logger

	registry    *internal.ConnectionRegistry
	coordinator *HandshakeCoordinator
	relay       *Relay
	serializer  netip.NetIPMessageSerializer
	startTime   time.Time

	switchWorkers int

	incomingSwitchEventSendChannel chan<- handlers.SwitchEvent
	incomingSwitchEventRecvChannel <-chan handlers.SwitchEvent

	incomingCoreMessageSendChannel chan<- handlers.CoreMessage
	incomingCoreMessageRecvChannel <-chan handlers.CoreMessage

	coreConnectionEventSendChannel chan<- handlers.CoreConnectionEvent
	coreConnectionEventRecvChannel <-chan handlers.CoreConnectionEvent

	mut_switchHandler      sync.RWMutex
	switchHandlerName      string
	outgoingSwitchMessages chan<- handlers.SwitchMessage

	mut_coreHandler      sync.RWMutex
	coreHandlerName      string
	outgoingCoreMessages chan<- handlers.CoreMessage
}

func CreateShim(config ShimConfig) (*shim, error) {
	logger := config.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	incomingSwitchEventBufferLength := 256
	incomingCoreMessageBufferLength := 256
	switchWorkers := 4

	if config.IncomingSwitchEventBufferLength > 0 {
		incomingSwitchEventBufferLength = config.IncomingSwitchEventBufferLength
	}
	if config.IncomingCoreMessageBufferLength > 0 {
		incomingCoreMessageBufferLength = config.IncomingCoreMessageBufferLength
	}
	if config.SwitchWorkers > 0 {
		switchWorkers = config.SwitchWorkers
	}

	registry := config.Registry
	if registry == nil {
		registry = internal.CreateConnectionRegistry()
	}

	incomingSwitchEvents := make(chan handlers.SwitchEvent, incomingSwitchEventBufferLength)
	incomingCoreMessages := make(chan handlers.CoreMessage, incomingCoreMessageBufferLength)
	coreConnectionEvents := make(chan handlers.CoreConnectionEvent, 8)

	s := &shim{
		config:     config,
		log:        logger.With(zap.String("component", "Shim")),
		registry:   registry,
		serializer: netip.NetIPMessageSerializer{Version: config.NetIPVersion},
		startTime:  time.Now(),

		switchWorkers: switchWorkers,

		incomingSwitchEventSendChannel: incomingSwitchEvents,
		incomingSwitchEventRecvChannel: incomingSwitchEvents,

		incomingCoreMessageSendChannel: incomingCoreMessages,
		incomingCoreMessageRecvChannel: incomingCoreMessages,

		coreConnectionEventSendChannel: coreConnectionEvents,
		coreConnectionEventRecvChannel: coreConnectionEvents,
	}

	s.coordinator = CreateHandshakeCoordinator(registry, s, HandshakeCoordinatorParams{
		Logger:                logger,
		SupportedVersions:     config.SupportedVersions,
		FeatureRequestTimeout: config.FeatureRequestTimeout,
	})

	relay, err := CreateRelay(registry, s.coordinator, s, s, RelayParams{
		Logger:            logger,
		NetIPVersion:      config.NetIPVersion,
		ModuleTrackerSize: config.ModuleTrackerSize,
	})
	if err != nil {
		return nil, err
	}
	s.relay = relay
	s.coordinator.SetForwarder(relay)

	return s, nil
}

func (s *shim) getNowTime() int64 {
	return time.Since(s.startTime).Microseconds()
}

func (s *shim) Registry() *internal.ConnectionRegistry {
	return s.registry
}

func (s *shim) Coordinator() *HandshakeCoordinator {
	return s.coordinator
}

func (s *shim) Relay() *Relay {
	return s.relay
}

func (s *shim) Sessions() []SessionSnapshot {
	return s.coordinator.Sessions()
}

func (s *shim) SupportedProtocol() (netip.ProtocolVersion, bool) {
	return s.coordinator.SupportedProtocol()
}

func (s *shim) CreateSwitchMessageHandler(name string) (*handlers.SwitchMessageHandler, error) {
	s.mut_switchHandler.Lock()
	defer s.mut_switchHandler.Unlock()

	if s.switchHandlerName != "" {
		return nil, &errors.NameCollision{
			CollisionContext: "CreateSwitchMessageHandler",
			Name:             name,
		}
	}

	outgoingMessageChannelLength := 256
	if s.config.OutgoingSwitchMessageBufferLength > 0 {
		outgoingMessageChannelLength = s.config.OutgoingSwitchMessageBufferLength
	}
	outgoingMessages := make(chan handlers.SwitchMessage, outgoingMessageChannelLength)

	s.switchHandlerName = name
	s.outgoingSwitchMessages = outgoingMessages

	return &handlers.SwitchMessageHandler{
		Name:             name,
		GetNowTimestamp:  s.getNowTime,
		IncomingEvents:   s.incomingSwitchEventSendChannel,
		OutgoingMessages: outgoingMessages,
	}, nil
}

func (s *shim) CreateCoreMessageHandler(name string) (*handlers.CoreMessageHandler, error) {
	s.mut_coreHandler.Lock()
	defer s.mut_coreHandler.Unlock()

	if s.coreHandlerName != "" {
		return nil, &errors.NameCollision{
			CollisionContext: "CreateCoreMessageHandler",
			Name:             name,
		}
	}

	outgoingMessageChannelLength := 256
	if s.config.OutgoingCoreMessageBufferLength > 0 {
		outgoingMessageChannelLength = s.config.OutgoingCoreMessageBufferLength
	}
	outgoingMessages := make(chan handlers.CoreMessage, outgoingMessageChannelLength)

	s.coreHandlerName = name
	s.outgoingCoreMessages = outgoingMessages

	return &handlers.CoreMessageHandler{
		Name:             name,
		GetNowTimestamp:  s.getNowTime,
		IncomingMessages: s.incomingCoreMessageSendChannel,
		OutgoingMessages: outgoingMessages,
		ConnectionEvents: s.coreConnectionEventSendChannel,
	}, nil
}

// SendToSwitch queues packet for the switch transport without blocking.
func (s *shim) SendToSwitch(handle handlers.ConnectionHandle, packet []byte) error {
	s.mut_switchHandler.RLock()
	defer s.mut_switchHandler.RUnlock()

	if s.outgoingSwitchMessages == nil {
		return &errors.TransportFailure{Operation: "SendToSwitch", Connection: uint32(handle), Cause: errNoSwitchHandler}
	}

	select {
	case s.outgoingSwitchMessages <- handlers.SwitchMessage{Handle: handle, RouteTimestamp: s.getNowTime(), Data: packet}:
		return nil
	default:
		return &errors.TransportFailure{Operation: "SendToSwitch", Connection: uint32(handle), Cause: errQueueFull}
	}
}

// SendToCore queues envelope for the core transport without blocking.
func (s *shim) SendToCore(envelope []byte) error {
	s.mut_coreHandler.RLock()
	defer s.mut_coreHandler.RUnlock()

	if s.outgoingCoreMessages == nil {
		return &errors.TransportFailure{Operation: "SendToCore", Cause: errNoCoreHandler}
	}

	select {
	case s.outgoingCoreMessages <- handlers.CoreMessage{RouteTimestamp: s.getNowTime(), Data: envelope}:
		return nil
	default:
		return &errors.TransportFailure{Operation: "SendToCore", Cause: errQueueFull}
	}
}

func (s *shim) Start(ctx context.Context) {
	wg := sync.WaitGroup{}

	//
	// Switch event workers. One handle always maps to the same worker, so
	// events of a connection are processed in arrival order.
	workers := make([]chan handlers.SwitchEvent, s.switchWorkers)
	for i := range workers {
		workers[i] = make(chan handlers.SwitchEvent, 64)

		wg.Add(1)
		go func(events <-chan handlers.SwitchEvent) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-events:
					s.handleSwitchEvent(ev)
				}
			}
		}(workers[i])
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.log.Info("Starting switch event dispatch", zap.Int("workers", s.switchWorkers))
		defer s.log.Info("Stopping switch event dispatch")

		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-s.incomingSwitchEventRecvChannel:
				select {
				case <-ctx.Done():
					return
				case workers[int(ev.Handle)%len(workers)] <- ev:
				}
			}
		}
	}()

	//
	// Core message handling goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.log.Info("Starting core message loop")
		defer s.log.Info("Stopping core message loop")

		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-s.coreConnectionEventRecvChannel:
				s.handleCoreConnectionEvent(ev)
			case msg := <-s.incomingCoreMessageRecvChannel:
				s.handleCoreMessage(msg)
			}
		}
	}()

	wg.Wait()
}
