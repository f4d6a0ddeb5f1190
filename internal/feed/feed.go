// Package feed provides change-feed subscriptions over a remote store's
// push channel. A subscription delivers opaque "something changed"
// signals per watched table; consumers react by re-fetching the slice of
// truth they care about, never by applying a diff.
package feed

import (
	"sync"

	"github.com/google/uuid"
)

// Logger matches the subset of *log.Logger the feed needs.
type Logger interface {
	Printf(format string, args ...any)
}

// Source is a change-feed transport. Subscribe registers a callback for
// one table; callbacks may fire spuriously (notably after a reconnect)
// and must be idempotent-safe to call redundantly. Consumers own at most
// one active handle per table and dispose it before re-subscribing.
type Source interface {
	Subscribe(table string, onChange func()) (*Handle, error)
	Close() error
}

// Handle is one live subscription. Dispose is idempotent and safe from
// any point in the consumer's lifecycle; after it returns, the callback
// is no longer registered.
type Handle struct {
	id    string
	table string

	mu       sync.Mutex
	detach   func()
	disposed bool
}

func (h *Handle) Table() string {
	return h.table
}

func (h *Handle) Disposed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disposed
}

func (h *Handle) Dispose() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.disposed {
		return
	}
	h.disposed = true
	if h.detach != nil {
		h.detach()
		h.detach = nil
	}
}

// NewHandle builds a handle for a custom Source implementation. detach
// is invoked once, on the first Dispose, and must unregister the
// callback.
func NewHandle(table string, detach func()) *Handle {
	return &Handle{id: uuid.NewString(), table: table, detach: detach}
}

// router fans change signals out to per-table subscribers. Shared by the
// transport implementations.
type router struct {
	mu   sync.Mutex
	subs map[string]map[string]func()
}

func newRouter() *router {
	return &router{subs: map[string]map[string]func(){}}
}

func (r *router) add(table string, onChange func()) *Handle {
	handle := &Handle{id: uuid.NewString(), table: table}
	r.mu.Lock()
	if r.subs[table] == nil {
		r.subs[table] = map[string]func(){}
	}
	r.subs[table][handle.id] = onChange
	r.mu.Unlock()

	handle.detach = func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if set, ok := r.subs[table]; ok {
			delete(set, handle.id)
			if len(set) == 0 {
				delete(r.subs, table)
			}
		}
	}
	return handle
}

func (r *router) dispatch(table string) {
	r.mu.Lock()
	callbacks := make([]func(), 0, len(r.subs[table]))
	for _, fn := range r.subs[table] {
		callbacks = append(callbacks, fn)
	}
	r.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

// dispatchAll signals every subscribed table. Used after a reconnect,
// when anything may have changed while the channel was down.
func (r *router) dispatchAll() {
	r.mu.Lock()
	tables := make([]string, 0, len(r.subs))
	for table := range r.subs {
		tables = append(tables, table)
	}
	r.mu.Unlock()
	for _, table := range tables {
		r.dispatch(table)
	}
}

func (r *router) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = map[string]map[string]func(){}
}
