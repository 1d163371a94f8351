package shim

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/sessamekesh/netide-openflow-shim/pkg/handlers"
)

type moduleKey struct {
	handle handlers.ConnectionHandle
	xid    uint32
}

// moduleTracker remembers which core module issued each (connection, xid)
// so the switch's replies go back tagged with that module. Asynchronous
// switch messages carry module id 0.
type moduleTracker struct {
	cache *lru.Cache
}

func createModuleTracker(size int) (*moduleTracker, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &moduleTracker{cache: c}, nil
}

func (m *moduleTracker) remember(handle handlers.ConnectionHandle, xid uint32, moduleId uint32) {
	m.cache.Add(moduleKey{handle: handle, xid: xid}, moduleId)
}

func (m *moduleTracker) lookup(handle handlers.ConnectionHandle, xid uint32) uint32 {
	v, ok := m.cache.Get(moduleKey{handle: handle, xid: xid})
	if !ok {
		return 0
	}
	return v.(uint32)
}

func (m *moduleTracker) forget(handle handlers.ConnectionHandle) {
	for _, k := range m.cache.Keys() {
		if key := k.(moduleKey); key.handle == handle {
			m.cache.Remove(key)
		}
	}
}
