package internal

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sessamekesh/netide-openflow-shim/pkg/handlers"
)

type TooManyConnectionsError struct {
	Limit int
}

func (e *TooManyConnectionsError) Error() string {
	return fmt.Sprintf("Too many switches are connected (limit=%d) - cannot accept new connection", e.Limit)
}

type SwitchConnectionMetadata struct {
	Mut              sync.RWMutex
	RemoteAddress    string
	CreatedTime      int64
	LastRecvTime     int64
	LastSendTime     int64
	MessagesReceived uint64
	MessagesSent     uint64
}

// ConnectionStore hands out connection handles and tracks transport-level
// activity per live switch socket. Handles are never reused.
type ConnectionStore struct {
	MaxConnections int

	nextHandle atomic.Uint32

	mut_connections sync.RWMutex
	connections     map[handlers.ConnectionHandle]*SwitchConnectionMetadata
}

func CreateConnectionStore(maxConnections int) *ConnectionStore {
	return &ConnectionStore{
		MaxConnections:  maxConnections,
		mut_connections: sync.RWMutex{},
		connections:     make(map[handlers.ConnectionHandle]*SwitchConnectionMetadata),
	}
}

// Open allocates a handle for a newly accepted socket.
func (store *ConnectionStore) Open(remoteAddress string, timestamp int64) (handlers.ConnectionHandle, error) {
	store.mut_connections.Lock()
	defer store.mut_connections.Unlock()

	if store.MaxConnections > 0 && len(store.connections) >= store.MaxConnections {
		return 0, &TooManyConnectionsError{Limit: store.MaxConnections}
	}

	handle := handlers.ConnectionHandle(store.nextHandle.Add(1))
	store.connections[handle] = &SwitchConnectionMetadata{
		RemoteAddress: remoteAddress,
		CreatedTime:   timestamp,
		LastRecvTime:  timestamp,
		LastSendTime:  timestamp,
	}
	return handle, nil
}

func (store *ConnectionStore) Close(handle handlers.ConnectionHandle) {
	store.mut_connections.Lock()
	defer store.mut_connections.Unlock()
	delete(store.connections, handle)
}

func (store *ConnectionStore) Has(handle handlers.ConnectionHandle) bool {
	store.mut_connections.RLock()
	defer store.mut_connections.RUnlock()

	_, has := store.connections[handle]
	return has
}

func (store *ConnectionStore) Len() int {
	store.mut_connections.RLock()
	defer store.mut_connections.RUnlock()
	return len(store.connections)
}

func (store *ConnectionStore) MarkRecv(handle handlers.ConnectionHandle, timestamp int64) error {
	store.mut_connections.RLock()
	defer store.mut_connections.RUnlock()

	connection, has := store.connections[handle]
	if !has {
		return &MissingConnectionError{Handle: handle}
	}

	connection.Mut.Lock()
	defer connection.Mut.Unlock()

	connection.LastRecvTime = timestamp
	connection.MessagesReceived++
	return nil
}

func (store *ConnectionStore) MarkSend(handle handlers.ConnectionHandle, timestamp int64) error {
	store.mut_connections.RLock()
	defer store.mut_connections.RUnlock()

	connection, has := store.connections[handle]
	if !has {
		return &MissingConnectionError{Handle: handle}
	}

	connection.Mut.Lock()
	defer connection.Mut.Unlock()

	connection.LastSendTime = timestamp
	connection.MessagesSent++
	return nil
}

type ConnectionActivity struct {
	RemoteAddress    string
	CreatedTime      int64
	LastRecvTime     int64
	LastSendTime     int64
	MessagesReceived uint64
	MessagesSent     uint64
}

func (store *ConnectionStore) Activity(handle handlers.ConnectionHandle) (ConnectionActivity, bool) {
	store.mut_connections.RLock()
	defer store.mut_connections.RUnlock()

	connection, has := store.connections[handle]
	if !has {
		return ConnectionActivity{}, false
	}

	connection.Mut.RLock()
	defer connection.Mut.RUnlock()

	return ConnectionActivity{
		RemoteAddress:    connection.RemoteAddress,
		CreatedTime:      connection.CreatedTime,
		LastRecvTime:     connection.LastRecvTime,
		LastSendTime:     connection.LastSendTime,
		MessagesReceived: connection.MessagesReceived,
		MessagesSent:     connection.MessagesSent,
	}, true
}

type DuplicateConnectionHandleError struct {
	Handle handlers.ConnectionHandle
}

func (e *DuplicateConnectionHandleError) Error() string {
	return fmt.Sprintf("Attempted to add connection with duplicate handle %d", e.Handle)
}
