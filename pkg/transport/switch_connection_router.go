package transport

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/sessamekesh/netide-openflow-shim/internal"
	"github.com/sessamekesh/netide-openflow-shim/pkg/handlers"
)

type switchConnectionChannels struct {
	OutgoingPackets chan<- []byte
	Closed          <-chan struct{}
}

// switchConnectionRouter fans the shim's outgoing switch messages out to the
// per-socket writer of each connection.
type switchConnectionRouter struct {
	shimConnection *handlers.SwitchMessageHandler

	mut_connections sync.RWMutex
	connections     map[handlers.ConnectionHandle]*switchConnectionChannels

	log *zap.Logger
}

func createSwitchConnectionRouter(shimConnection *handlers.SwitchMessageHandler, logger *zap.Logger) *switchConnectionRouter {
	return &switchConnectionRouter{
		shimConnection:  shimConnection,
		mut_connections: sync.RWMutex{},
		connections:     make(map[handlers.ConnectionHandle]*switchConnectionChannels),
		log:             logger.With(zap.String("handlerBase", "SwitchConnectionRouter")),
	}
}

func (r *switchConnectionRouter) Add(handle handlers.ConnectionHandle, channels *switchConnectionChannels) error {
	r.mut_connections.Lock()
	defer r.mut_connections.Unlock()

	if _, has := r.connections[handle]; has {
		return &internal.DuplicateConnectionHandleError{Handle: handle}
	}
	r.connections[handle] = channels
	r.log.Debug("Added switch to connections map", zap.Uint32("connection", uint32(handle)))
	return nil
}

func (r *switchConnectionRouter) Remove(handle handlers.ConnectionHandle) {
	r.mut_connections.Lock()
	defer r.mut_connections.Unlock()
	delete(r.connections, handle)
	r.log.Debug("Removed switch from connections map", zap.Uint32("connection", uint32(handle)))
}

func (r *switchConnectionRouter) Start(ctx context.Context) {
	r.log.Info("Starting SwitchConnectionRouter shim listener")
	defer r.log.Info("Shutting down SwitchConnectionRouter shim listener")

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-r.shimConnection.OutgoingMessages:
			r.route(ctx, msg)
		}
	}
}

func (r *switchConnectionRouter) route(ctx context.Context, msg handlers.SwitchMessage) {
	r.mut_connections.RLock()
	route, has := r.connections[msg.Handle]
	r.mut_connections.RUnlock()

	if !has {
		r.log.Warn("Cannot route message to missing connection", zap.Uint32("connection", uint32(msg.Handle)))
		return
	}

	// Waits on a slow switch rather than dropping, unless it goes away.
	select {
	case <-ctx.Done():
	case <-route.Closed:
		r.log.Debug("Dropping message for closed connection", zap.Uint32("connection", uint32(msg.Handle)))
	case route.OutgoingPackets <- msg.Data:
	}
}
