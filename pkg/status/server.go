package status

import (
	"context"
	"encoding/json"
	goerrs "errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/sessamekesh/netide-openflow-shim/internal"
	"github.com/sessamekesh/netide-openflow-shim/pkg/handlers"
	"github.com/sessamekesh/netide-openflow-shim/pkg/message/netip"
	"github.com/sessamekesh/netide-openflow-shim/pkg/shim"
)

// ShimState is the read-only view of the shim the status API serves.
type ShimState interface {
	Sessions() []shim.SessionSnapshot
	SupportedProtocol() (netip.ProtocolVersion, bool)
}

// SwitchActivity reports socket-level counters per switch connection, e.g.
// the switch listener's connection store.
type SwitchActivity interface {
	Activity(handle handlers.ConnectionHandle) (internal.ConnectionActivity, bool)
}

type httpApiFunc func(r *http.Request, vars map[string]string) (interface{}, error)

type notFoundError struct {
	what string
}

func (e *notFoundError) Error() string {
	return fmt.Sprintf("%s not found", e.what)
}

type SwitchStatus struct {
	Connection    uint32    `json:"connection"`
	RemoteAddress string    `json:"remoteAddress"`
	ConnectedAt   time.Time `json:"connectedAt"`
	State         string    `json:"state"`
	Negotiated    bool      `json:"negotiated"`
	Version       uint8     `json:"version,omitempty"`
	DatapathId    string    `json:"datapathId,omitempty"`

	// Microseconds on the shim clock, zero when no transport activity is known.
	LastRecvTime     int64  `json:"lastRecvTime,omitempty"`
	LastSendTime     int64  `json:"lastSendTime,omitempty"`
	MessagesReceived uint64 `json:"messagesReceived,omitempty"`
	MessagesSent     uint64 `json:"messagesSent,omitempty"`
}

type ProtocolStatus struct {
	Negotiated bool   `json:"negotiated"`
	Protocol   string `json:"protocol,omitempty"`
	Version    uint8  `json:"version,omitempty"`
}

type StatusServerParams struct {
	ListenAddress string
	Activity      SwitchActivity
	Logger        *zap.Logger
}

type statusServer struct {
	state  ShimState
	params StatusServerParams
	router *mux.Router
	log    *zap.Logger
}

func CreateStatusServer(state ShimState, params StatusServerParams) *statusServer {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	s := &statusServer{
		state:  state,
		params: params,
		log:    logger.With(zap.String("handler", "StatusServer")),
	}
	s.router = s.createRouter()
	return s
}

func (s *statusServer) Handler() http.Handler {
	return s.router
}

func (s *statusServer) createRouter() *mux.Router {
	router := mux.NewRouter()

	routeMap := map[string]map[string]httpApiFunc{
		"GET": {
			"/switches":              s.getSwitches,
			"/switches/{datapathId}": s.getSwitch,
			"/protocol":              s.getProtocol,
		},
	}

	for method, routes := range routeMap {
		for route, handlerFunc := range routes {
			router.Path(route).Methods(method).HandlerFunc(s.makeHttpHandler(method, route, handlerFunc))
		}
	}
	return router
}

func (s *statusServer) makeHttpHandler(method, route string, handlerFunc httpApiFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.log.Debug("Status request", zap.String("method", method), zap.String("route", route), zap.String("uri", r.RequestURI))

		resp, err := handlerFunc(r, mux.Vars(r))
		if err != nil {
			var notFound *notFoundError
			if goerrs.As(err, &notFound) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
				return
			}
			s.log.Warn("Status handler failed", zap.String("route", route), zap.Error(err))
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(v)
}

func (s *statusServer) toSwitchStatus(session shim.SessionSnapshot) SwitchStatus {
	status := SwitchStatus{
		Connection:    uint32(session.Handle),
		RemoteAddress: session.RemoteAddress,
		ConnectedAt:   session.ConnectedAt,
		State:         session.State.String(),
		Negotiated:    session.Negotiated,
		Version:       session.Version,
	}
	if session.DatapathId.Valid {
		status.DatapathId = session.DatapathId.String()
	}
	if s.params.Activity != nil {
		if activity, has := s.params.Activity.Activity(session.Handle); has {
			status.LastRecvTime = activity.LastRecvTime
			status.LastSendTime = activity.LastSendTime
			status.MessagesReceived = activity.MessagesReceived
			status.MessagesSent = activity.MessagesSent
		}
	}
	return status
}

func (s *statusServer) getSwitches(_ *http.Request, _ map[string]string) (interface{}, error) {
	sessions := s.state.Sessions()
	switches := make([]SwitchStatus, 0, len(sessions))
	for _, session := range sessions {
		switches = append(switches, s.toSwitchStatus(session))
	}
	return switches, nil
}

// Accepts decimal or 0x-prefixed hex.
func (s *statusServer) getSwitch(_ *http.Request, vars map[string]string) (interface{}, error) {
	datapathId, err := strconv.ParseUint(vars["datapathId"], 0, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid datapath id %q", vars["datapathId"])
	}

	for _, session := range s.state.Sessions() {
		if session.DatapathId.Valid && session.DatapathId.Id == datapathId {
			return s.toSwitchStatus(session), nil
		}
	}
	return nil, &notFoundError{what: fmt.Sprintf("datapath 0x%016x", datapathId)}
}

func (s *statusServer) getProtocol(_ *http.Request, _ map[string]string) (interface{}, error) {
	protocol, has := s.state.SupportedProtocol()
	if !has {
		return ProtocolStatus{Negotiated: false}, nil
	}
	return ProtocolStatus{
		Negotiated: true,
		Protocol:   protocol.Protocol().String(),
		Version:    protocol.Version(),
	}, nil
}

func (s *statusServer) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:    s.params.ListenAddress,
		Handler: s.router,
	}

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()

		shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownRelease()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.log.Error("Failed to gracefully shut down status server", zap.Error(err))
		}
	}()

	s.log.Info("Starting status server", zap.String("address", s.params.ListenAddress))
	if err := server.ListenAndServe(); !goerrs.Is(err, http.ErrServerClosed) {
		// The shutdown goroutine exits with ctx.
		s.log.Error("Unexpected status server close!", zap.Error(err))
		return err
	}

	wg.Wait()
	return nil
}
