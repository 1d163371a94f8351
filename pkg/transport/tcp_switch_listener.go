package transport

import (
	"context"
	goerrs "errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sessamekesh/netide-openflow-shim/internal"
	"github.com/sessamekesh/netide-openflow-shim/pkg/handlers"
	"github.com/sessamekesh/netide-openflow-shim/pkg/message/openflow"
	utils "github.com/sessamekesh/netide-openflow-shim/pkg/util"
)

// Keepalive echo requests carry this xid so their replies can be told apart
// from replies to echoes the core sent.
const KeepaliveXid uint32 = 0xfffffff0

var errKeepaliveExpired = goerrs.New("switch stopped answering keepalive echo requests")

type TcpSwitchListenerParams struct {
	ListenAddress string

	AllowAllHosts    bool
	AllowlistedHosts []string
	DenylistedHosts  []string

	MaxConnections int

	// Idle time before a keepalive echo request goes out, and how many
	// unanswered ones close the connection.
	KeepaliveInterval   time.Duration
	MaxMissedKeepalives int

	OutgoingQueueLength int

	Logger *zap.Logger
}

type tcpSwitchListener struct {
	params TcpSwitchListenerParams

	log       *zap.Logger
	stringGen *utils.RandomStringGenerator

	shimConnection *handlers.SwitchMessageHandler
	router         *switchConnectionRouter
	store          *internal.ConnectionStore

	mut_listener sync.Mutex
	listener     net.Listener
}

func checkHost(remoteAddress string, params TcpSwitchListenerParams) bool {
	host, _, err := net.SplitHostPort(remoteAddress)
	if err != nil {
		host = remoteAddress
	}

	if utils.Contains(host, params.DenylistedHosts) {
		return false
	}
	if params.AllowAllHosts {
		return true
	}
	return utils.Contains(host, params.AllowlistedHosts)
}

func CreateTcpSwitchListener(shimConnection *handlers.SwitchMessageHandler, params TcpSwitchListenerParams) (*tcpSwitchListener, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	if params.ListenAddress == "" {
		params.ListenAddress = ":6653"
	}
	if params.KeepaliveInterval <= 0 {
		params.KeepaliveInterval = 10 * time.Second
	}
	if params.MaxMissedKeepalives <= 0 {
		params.MaxMissedKeepalives = 3
	}
	if params.OutgoingQueueLength <= 0 {
		params.OutgoingQueueLength = 64
	}

	log := logger.With(zap.String("handler", "TcpSwitchListener"))

	return &tcpSwitchListener{
		params:         params,
		log:            log,
		stringGen:      utils.CreateRandomstringGenerator(time.Now().UnixMicro()),
		shimConnection: shimConnection,
		router:         createSwitchConnectionRouter(shimConnection, log),
		store:          internal.CreateConnectionStore(params.MaxConnections),
	}, nil
}

// Listen binds the listening socket. Start calls it when it has not been
// called yet.
func (s *tcpSwitchListener) Listen() error {
	s.mut_listener.Lock()
	defer s.mut_listener.Unlock()

	if s.listener != nil {
		return nil
	}

	listener, err := net.Listen("tcp", s.params.ListenAddress)
	if err != nil {
		return err
	}
	s.listener = listener
	return nil
}

func (s *tcpSwitchListener) Addr() net.Addr {
	s.mut_listener.Lock()
	defer s.mut_listener.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *tcpSwitchListener) Store() *internal.ConnectionStore {
	return s.store
}

func (s *tcpSwitchListener) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	listener := func() net.Listener {
		s.mut_listener.Lock()
		defer s.mut_listener.Unlock()
		return s.listener
	}()

	wg := sync.WaitGroup{}

	//
	// Listener closing goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		listener.Close()
	}()

	//
	// Shim message routing goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.router.Start(ctx)
	}()

	//
	// Accept loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.log.Info("Accepting switch connections", zap.String("address", listener.Addr().String()))

		for {
			conn, err := listener.Accept()
			if err != nil {
				if goerrs.Is(err, net.ErrClosed) {
					s.log.Info("Switch listener close requested - exiting accept loop")
					return
				}
				s.log.Error("Error accepting switch connection", zap.Error(err))
				continue
			}

			if !checkHost(conn.RemoteAddr().String(), s.params) {
				s.log.Warn("Refusing switch connection from host that is not allowed", zap.String("remoteAddress", conn.RemoteAddr().String()))
				conn.Close()
				continue
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				s.serve(ctx, conn)
			}()
		}
	}()

	wg.Wait()

	s.log.Info("All switch listener goroutines finished. Exiting gracefully!")
	return nil
}

func (s *tcpSwitchListener) emit(ctx context.Context, ev handlers.SwitchEvent) bool {
	ev.RecvTimestamp = s.shimConnection.GetNowTimestamp()
	select {
	case <-ctx.Done():
		return false
	case s.shimConnection.IncomingEvents <- ev:
		return true
	}
}

func (s *tcpSwitchListener) serve(ctx context.Context, conn net.Conn) {
	remoteAddress := conn.RemoteAddr().String()
	log := s.log.With(
		zap.String("connTag", s.stringGen.GetRandomString(6)),
		zap.String("remoteAddress", remoteAddress),
	)

	handle, err := s.store.Open(remoteAddress, s.shimConnection.GetNowTimestamp())
	if err != nil {
		log.Warn("Refusing switch connection", zap.Error(err))
		conn.Close()
		return
	}
	log = log.With(zap.Uint32("connection", uint32(handle)))
	defer s.store.Close(handle)

	outgoingPackets := make(chan []byte, s.params.OutgoingQueueLength)
	closed := make(chan struct{})

	if err := s.router.Add(handle, &switchConnectionChannels{OutgoingPackets: outgoingPackets, Closed: closed}); err != nil {
		log.Error("Failed to establish Go channels for new switch", zap.Error(err))
		conn.Close()
		return
	}
	defer s.router.Remove(handle)

	if !s.emit(ctx, handlers.SwitchEvent{Kind: handlers.SwitchEventKind_Connected, Handle: handle, RemoteAddress: remoteAddress}) {
		conn.Close()
		return
	}
	log.Info("Switch connection accepted")

	wg := sync.WaitGroup{}

	//
	// Writer
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-closed:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case packet := <-outgoingPackets:
				if _, err := conn.Write(packet); err != nil {
					log.Warn("Failed to write to switch, closing", zap.Error(err))
					conn.Close()
					return
				}
				s.store.MarkSend(handle, s.shimConnection.GetNowTimestamp())
			}
		}
	}()

	reason := s.readLoop(ctx, log, handle, conn, outgoingPackets)
	close(closed)
	conn.Close()
	wg.Wait()

	if reason != nil && !goerrs.Is(reason, io.EOF) && !goerrs.Is(reason, net.ErrClosed) {
		log.Warn("Switch connection closed", zap.Error(reason))
	} else {
		log.Info("Switch connection closed")
	}

	disconnected := handlers.SwitchEvent{
		Kind:          handlers.SwitchEventKind_Disconnected,
		Handle:        handle,
		RecvTimestamp: s.shimConnection.GetNowTimestamp(),
		Reason:        reason,
	}
	select {
	case s.shimConnection.IncomingEvents <- disconnected:
	case <-ctx.Done():
		select {
		case s.shimConnection.IncomingEvents <- disconnected:
		default:
			log.Debug("Shim is not accepting events, dropping disconnect")
		}
	}
}

func (s *tcpSwitchListener) readLoop(ctx context.Context, log *zap.Logger, handle handlers.ConnectionHandle, conn net.Conn, outgoingPackets chan<- []byte) error {
	reader := newOpenFlowReader(conn)
	missed := 0
	var version uint8

	for {
		conn.SetReadDeadline(time.Now().Add(s.params.KeepaliveInterval))
		packet, err := readOpenFlowMessage(reader)

		if goerrs.Is(err, os.ErrDeadlineExceeded) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if missed >= s.params.MaxMissedKeepalives {
				return errKeepaliveExpired
			}
			if version == 0 {
				// Nothing received yet, so no version to speak.
				missed++
				continue
			}

			echo, _ := (&openflow.EchoRequest{Version: version, Xid: KeepaliveXid, Data: []byte{}}).MarshalBinary()
			select {
			case outgoingPackets <- echo:
			default:
				log.Debug("Outgoing queue full, skipping keepalive")
			}
			missed++
			continue
		}
		if err != nil {
			return err
		}

		missed = 0
		version = packet[0]
		s.store.MarkRecv(handle, s.shimConnection.GetNowTimestamp())

		if openflow.MessageType(packet[1]) == openflow.OFPT_ECHO_REPLY && keepaliveReply(packet) {
			continue
		}

		if !s.emit(ctx, handlers.SwitchEvent{Kind: handlers.SwitchEventKind_Message, Handle: handle, Data: packet}) {
			return ctx.Err()
		}
	}
}

func keepaliveReply(packet []byte) bool {
	header, err := openflow.ParseHeader(packet)
	return err == nil && header.Xid == KeepaliveXid
}
