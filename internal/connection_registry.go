package internal

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sessamekesh/netide-openflow-shim/pkg/handlers"
)

type DuplicateDatapathIdError struct {
	Id       uint64
	Existing handlers.ConnectionHandle
	Rejected handlers.ConnectionHandle
}

func (e *DuplicateDatapathIdError) Error() string {
	return fmt.Sprintf("Datapath id 0x%016x is already held by connection %d, refusing to register it for connection %d", e.Id, e.Existing, e.Rejected)
}

type DatapathIdChangedError struct {
	Handle   handlers.ConnectionHandle
	Existing uint64
	Reported uint64
}

func (e *DatapathIdChangedError) Error() string {
	return fmt.Sprintf("Connection %d already has datapath id 0x%016x, refusing to change it to 0x%016x", e.Handle, e.Existing, e.Reported)
}

type MissingConnectionError struct {
	Handle handlers.ConnectionHandle
}

func (e *MissingConnectionError) Error() string {
	return fmt.Sprintf("Missing connection with handle=%d", e.Handle)
}

// DatapathId is a switch identifier that may not be known yet. The zero
// value is the placeholder stored between connect and features reply.
type DatapathId struct {
	Id    uint64
	Valid bool
}

func KnownDatapathId(id uint64) DatapathId {
	return DatapathId{Id: id, Valid: true}
}

func (d DatapathId) String() string {
	if !d.Valid {
		return "unknown"
	}
	return fmt.Sprintf("0x%016x", d.Id)
}

// ConnectionRegistry maps live switch connections to their datapath ids,
// keeping a reverse index so lookups by datapath id stay cheap. A known
// datapath id belongs to at most one connection at a time.
type ConnectionRegistry struct {
	mut_connections sync.RWMutex
	initialized     bool
	connections     map[handlers.ConnectionHandle]DatapathId
	byDatapathId    map[uint64]handlers.ConnectionHandle
}

func CreateConnectionRegistry() *ConnectionRegistry {
	registry := &ConnectionRegistry{}
	registry.Init()
	return registry
}

// CreateConnectionRegistryFrom builds a registry pre-populated with known
// connections, e.g. for tests or a controlled restart.
func CreateConnectionRegistryFrom(entries map[handlers.ConnectionHandle]DatapathId) (*ConnectionRegistry, error) {
	registry := CreateConnectionRegistry()
	for handle, datapathId := range entries {
		if err := registry.Register(handle, datapathId); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// Init resets the registry to empty.
func (r *ConnectionRegistry) Init() {
	r.mut_connections.Lock()
	defer r.mut_connections.Unlock()

	r.connections = make(map[handlers.ConnectionHandle]DatapathId)
	r.byDatapathId = make(map[uint64]handlers.ConnectionHandle)
	r.initialized = true
}

func (r *ConnectionRegistry) mustBeInitialized() {
	if !r.initialized {
		panic("ConnectionRegistry used before Init")
	}
}

func (r *ConnectionRegistry) Register(handle handlers.ConnectionHandle, datapathId DatapathId) error {
	r.mut_connections.Lock()
	defer r.mut_connections.Unlock()
	r.mustBeInitialized()

	if datapathId.Valid {
		if existing, has := r.byDatapathId[datapathId.Id]; has && existing != handle {
			return &DuplicateDatapathIdError{
				Id:       datapathId.Id,
				Existing: existing,
				Rejected: handle,
			}
		}
	}

	if previous, has := r.connections[handle]; has && previous.Valid {
		delete(r.byDatapathId, previous.Id)
	}

	r.connections[handle] = datapathId
	if datapathId.Valid {
		r.byDatapathId[datapathId.Id] = handle
	}

	return nil
}

// Update registers datapathId for handle only if handle is still present,
// so a late features reply cannot resurrect a removed connection. Once a
// handle holds a known datapath id it keeps it until Remove.
func (r *ConnectionRegistry) Update(handle handlers.ConnectionHandle, datapathId DatapathId) (bool, error) {
	r.mut_connections.Lock()
	defer r.mut_connections.Unlock()
	r.mustBeInitialized()

	previous, has := r.connections[handle]
	if !has {
		return false, nil
	}

	if previous.Valid && (!datapathId.Valid || previous.Id != datapathId.Id) {
		return true, &DatapathIdChangedError{
			Handle:   handle,
			Existing: previous.Id,
			Reported: datapathId.Id,
		}
	}

	if datapathId.Valid {
		if existing, taken := r.byDatapathId[datapathId.Id]; taken && existing != handle {
			return true, &DuplicateDatapathIdError{
				Id:       datapathId.Id,
				Existing: existing,
				Rejected: handle,
			}
		}
	}

	if previous.Valid {
		delete(r.byDatapathId, previous.Id)
	}
	r.connections[handle] = datapathId
	if datapathId.Valid {
		r.byDatapathId[datapathId.Id] = handle
	}
	return true, nil
}

// DatapathIdOf reports the datapath id for handle, and whether the handle is
// registered at all.
func (r *ConnectionRegistry) DatapathIdOf(handle handlers.ConnectionHandle) (DatapathId, bool) {
	r.mut_connections.RLock()
	defer r.mut_connections.RUnlock()
	r.mustBeInitialized()

	datapathId, has := r.connections[handle]
	return datapathId, has
}

func (r *ConnectionRegistry) HandleOf(datapathId uint64) (handlers.ConnectionHandle, bool) {
	r.mut_connections.RLock()
	defer r.mut_connections.RUnlock()
	r.mustBeInitialized()

	handle, has := r.byDatapathId[datapathId]
	return handle, has
}

func (r *ConnectionRegistry) Has(handle handlers.ConnectionHandle) bool {
	_, has := r.DatapathIdOf(handle)
	return has
}

// AllHandles returns a snapshot of registered handles in ascending order.
func (r *ConnectionRegistry) AllHandles() []handlers.ConnectionHandle {
	r.mut_connections.RLock()
	defer r.mut_connections.RUnlock()
	r.mustBeInitialized()

	handles := make([]handlers.ConnectionHandle, 0, len(r.connections))
	for handle := range r.connections {
		handles = append(handles, handle)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	return handles
}

func (r *ConnectionRegistry) Remove(handle handlers.ConnectionHandle) bool {
	r.mut_connections.Lock()
	defer r.mut_connections.Unlock()
	r.mustBeInitialized()

	datapathId, has := r.connections[handle]
	if !has {
		return false
	}

	delete(r.connections, handle)
	if datapathId.Valid && r.byDatapathId[datapathId.Id] == handle {
		delete(r.byDatapathId, datapathId.Id)
	}
	return true
}

func (r *ConnectionRegistry) Len() int {
	r.mut_connections.RLock()
	defer r.mut_connections.RUnlock()
	r.mustBeInitialized()

	return len(r.connections)
}
