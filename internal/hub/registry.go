package hub

import (
	"sync"

	"github.com/circleofcare/platform/internal/auth"
	"github.com/circleofcare/platform/internal/metrics"
)

// Registry is the process-wide table of live room hubs, keyed by community
// identifier. Hubs are created lazily on first join and torn down when their
// member set drains. The registry mutex guards only the lookup-or-create and
// teardown steps, never a broadcast.
type Registry struct {
	opts Options

	mu       sync.Mutex
	hubs     map[string]*Hub
	attached map[string]string // conn ID -> community ID
}

// NewRegistry creates an empty Registry whose hubs share opts. The registry
// installs its own OnDetach hook to keep the attachment table consistent;
// any caller-supplied hook is invoked afterwards.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		hubs:     make(map[string]*Hub),
		attached: make(map[string]string),
	}

	callerDetach := opts.OnDetach
	opts.OnDetach = func(connID string) {
		r.mu.Lock()
		delete(r.attached, connID)
		r.mu.Unlock()
		if callerDetach != nil {
			callerDetach(connID)
		}
	}
	r.opts = opts
	return r
}

// Acquire returns the live hub for a community, creating it if absent.
// Construction is a compare-and-create critical section: concurrent callers
// always observe the same instance.
func (r *Registry) Acquire(communityID string) *Hub {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acquireLocked(communityID)
}

func (r *Registry) acquireLocked(communityID string) *Hub {
	if h, ok := r.hubs[communityID]; ok {
		return h
	}
	h := newHub(communityID, r.opts, r.releaseIfEmpty)
	r.hubs[communityID] = h
	metrics.ActiveRooms.Inc()
	return h
}

// Attach authenticates the join path end to end: it rejects connections that
// are already attached somewhere, acquires (or creates) the community's hub,
// and joins the connection to it. If the hub was concurrently torn down,
// the join is retried against a fresh instance.
func (r *Registry) Attach(communityID string, conn Conn, member auth.Member) (*Hub, error) {
	for {
		r.mu.Lock()
		if _, ok := r.attached[conn.ID()]; ok {
			r.mu.Unlock()
			return nil, ErrAlreadyAttached
		}
		h := r.acquireLocked(communityID)
		r.attached[conn.ID()] = communityID
		r.mu.Unlock()

		err := h.Join(conn, member)
		if err == nil {
			return h, nil
		}

		r.mu.Lock()
		delete(r.attached, conn.ID())
		r.mu.Unlock()

		if err == ErrHubClosed {
			// Lost the race against teardown; the closed hub is already out
			// of the table. Try again with a fresh one.
			continue
		}
		return nil, err
	}
}

// Detach removes a connection from whatever room it is attached to. It is
// the disconnect path's entry point and is idempotent.
func (r *Registry) Detach(connID string) {
	r.mu.Lock()
	communityID, ok := r.attached[connID]
	var h *Hub
	if ok {
		h = r.hubs[communityID]
	}
	r.mu.Unlock()

	if h != nil {
		h.Leave(connID)
	}
}

// HubFor returns the hub a connection is attached to, or nil.
func (r *Registry) HubFor(connID string) *Hub {
	r.mu.Lock()
	defer r.mu.Unlock()
	communityID, ok := r.attached[connID]
	if !ok {
		return nil
	}
	return r.hubs[communityID]
}

// Rooms returns the number of live hubs.
func (r *Registry) Rooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hubs)
}

// releaseIfEmpty removes a drained hub from the table. Removal only happens
// if the hub is still empty at removal time; a join that slipped in between
// the drain check and teardown aborts the teardown and the hub stays live.
func (r *Registry) releaseIfEmpty(h *Hub) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hubs[h.communityID] != h {
		return // already replaced
	}
	if !h.closeIfEmpty() {
		return // teardown aborted: someone joined meanwhile
	}
	delete(r.hubs, h.communityID)
	metrics.ActiveRooms.Dec()
	if r.opts.History != nil {
		r.opts.History.Remove(h.communityID)
	}
}
