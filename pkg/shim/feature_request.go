package shim

import (
	"sync"
	"time"

	"github.com/sessamekesh/netide-openflow-shim/pkg/handlers"
	"github.com/sessamekesh/netide-openflow-shim/pkg/message/openflow"
)

type pendingKey struct {
	handle handlers.ConnectionHandle
	xid    uint32
}

// FeatureRequest is an outstanding features request to one switch. It
// resolves once, with either the switch's reply or a HandshakeFailure.
type FeatureRequest struct {
	Handle   handlers.ConnectionHandle
	Xid      uint32
	Version  uint8
	ModuleId uint32

	timer *time.Timer

	once  sync.Once
	done  chan struct{}
	reply *openflow.FeaturesReply
	raw   []byte
	err   error
}

func newFeatureRequest(handle handlers.ConnectionHandle, xid uint32, version uint8, moduleId uint32) *FeatureRequest {
	return &FeatureRequest{
		Handle:   handle,
		Xid:      xid,
		Version:  version,
		ModuleId: moduleId,
		done:     make(chan struct{}),
	}
}

func (r *FeatureRequest) key() pendingKey {
	return pendingKey{handle: r.Handle, xid: r.Xid}
}

func (r *FeatureRequest) resolve(reply *openflow.FeaturesReply, raw []byte, err error) bool {
	resolved := false
	r.once.Do(func() {
		r.reply, r.raw, r.err = reply, raw, err
		resolved = true
		close(r.done)
	})
	return resolved
}

// Done is closed once the request resolves, before its completion runs.
func (r *FeatureRequest) Done() <-chan struct{} {
	return r.done
}

// Result blocks until the request resolves. The raw slice is the reply
// exactly as the switch sent it.
func (r *FeatureRequest) Result() (*openflow.FeaturesReply, []byte, error) {
	<-r.done
	return r.reply, r.raw, r.err
}
