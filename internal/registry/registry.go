// Package registry keeps aggregate statistics per remote endpoint.
//
// Every session forwarding to the same host:port shares one Entry. Sessions
// read their own share of the traffic through delta views obtained from the
// entry, so their baselines never interfere.
package registry

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/nickman/hfwd/internal/channel"
	"github.com/nickman/hfwd/internal/counter"
)

// Entry holds the shared counters for one remote endpoint.
type Entry struct {
	endpoint channel.Endpoint

	opens     counter.Counter
	closes    counter.Counter
	openCount atomic.Int64

	bytesUp   counter.Counter
	bytesDown counter.Counter
	accepts   counter.Counter
	failures  counter.Counter
}

func newEntry(ep channel.Endpoint) *Entry {
	return &Entry{endpoint: ep}
}

// Endpoint returns the remote endpoint this entry aggregates.
func (e *Entry) Endpoint() channel.Endpoint {
	return e.endpoint
}

// IncrementOpens records a session opening.
func (e *Entry) IncrementOpens() {
	e.opens.Inc()
	e.openCount.Add(1)
}

// IncrementCloses records a session closing. It refuses to take the live
// count below zero and returns false in that case.
func (e *Entry) IncrementCloses() bool {
	for {
		cur := e.openCount.Load()
		if cur <= 0 {
			return false
		}
		if e.openCount.CompareAndSwap(cur, cur-1) {
			e.closes.Inc()
			return true
		}
	}
}

// Opens returns the lifetime number of opens.
func (e *Entry) Opens() int64 { return e.opens.Value() }

// Closes returns the lifetime number of closes.
func (e *Entry) Closes() int64 { return e.closes.Value() }

// OpenCount returns the number of sessions currently open. It is updated
// separately from Opens and Closes, so while sessions open or close it can
// briefly differ from Opens()-Closes(). Use Snapshot for a consistent view.
func (e *Entry) OpenCount() int64 { return e.openCount.Load() }

// BytesUp is the shared local to remote byte counter.
func (e *Entry) BytesUp() *counter.Counter { return &e.bytesUp }

// BytesDown is the shared remote to local byte counter.
func (e *Entry) BytesDown() *counter.Counter { return &e.bytesDown }

// Accepts is the shared accepted connection counter.
func (e *Entry) Accepts() *counter.Counter { return &e.accepts }

// Failures counts channel opens that failed for this endpoint.
func (e *Entry) Failures() *counter.Counter { return &e.failures }

// BytesUpAccumulator returns a fresh delta view over BytesUp.
func (e *Entry) BytesUpAccumulator() *counter.Delta { return e.bytesUp.NewDelta() }

// BytesDownAccumulator returns a fresh delta view over BytesDown.
func (e *Entry) BytesDownAccumulator() *counter.Delta { return e.bytesDown.NewDelta() }

// AcceptsAccumulator returns a fresh delta view over Accepts.
func (e *Entry) AcceptsAccumulator() *counter.Delta { return e.accepts.NewDelta() }

// FailuresAccumulator returns a fresh delta view over Failures.
func (e *Entry) FailuresAccumulator() *counter.Delta { return e.failures.NewDelta() }

// Snapshot is a point-in-time copy of an Entry.
type Snapshot struct {
	Endpoint  channel.Endpoint
	Opens     int64
	Closes    int64
	OpenCount int64
	BytesUp   int64
	BytesDown int64
	Accepts   int64
	Failures  int64
}

// Snapshot copies the entry's current values. OpenCount is derived from
// Opens and Closes so the three always agree; closes are read first, which
// keeps it from going negative.
func (e *Entry) Snapshot() Snapshot {
	closes := e.Closes()
	opens := e.Opens()
	return Snapshot{
		Endpoint:  e.endpoint,
		Opens:     opens,
		Closes:    closes,
		OpenCount: opens - closes,
		BytesUp:   e.bytesUp.Value(),
		BytesDown: e.bytesDown.Value(),
		Accepts:   e.accepts.Value(),
		Failures:  e.failures.Value(),
	}
}

// Registry maps remote endpoints to their entries.
type Registry struct {
	entries map[channel.Endpoint]*Entry
	mu      sync.RWMutex
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[channel.Endpoint]*Entry)}
}

// GetOrCreate returns the entry for host:port, creating it on first use.
// Concurrent first calls for the same key all receive the same entry.
func (r *Registry) GetOrCreate(host string, port int) *Entry {
	key := channel.Endpoint{Host: host, Port: port}

	r.mu.RLock()
	e, ok := r.entries[key]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return e
	}
	e = newEntry(key)
	r.entries[key] = e
	return e
}

// Get returns the entry for host:port if one exists.
func (r *Registry) Get(host string, port int) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[channel.Endpoint{Host: host, Port: port}]
	return e, ok
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Entries returns the entries sorted by endpoint.
func (r *Registry) Entries() []*Entry {
	r.mu.RLock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].endpoint, out[j].endpoint
		if a.Host != b.Host {
			return a.Host < b.Host
		}
		return a.Port < b.Port
	})
	return out
}
