// Package monitor publishes per-session Prometheus collectors and removes
// them after a grace period once the session has closed.
package monitor

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nickman/hfwd/internal/constants"
	hferrors "github.com/nickman/hfwd/internal/errors"
	"github.com/nickman/hfwd/internal/scheduler"
	"github.com/nickman/hfwd/pkg/logger"
)

// Owner is the object a handle is registered on behalf of.
type Owner interface {
	IsOpen() bool
}

// Handle is one registered collector.
type Handle struct {
	name      string
	owner     Owner
	collector prometheus.Collector
	r         *Registrar

	// guarded by r.mu
	task *scheduler.Task

	unregistered atomic.Bool
}

// Name returns the identity the handle was registered under.
func (h *Handle) Name() string {
	return h.name
}

// Registered reports whether the collector is still registered.
func (h *Handle) Registered() bool {
	return !h.unregistered.Load()
}

// UnregisterIn returns the time left until a scheduled unregistration runs.
// ok is false when none is pending.
func (h *Handle) UnregisterIn() (d time.Duration, ok bool) {
	h.r.mu.Lock()
	task := h.task
	h.r.mu.Unlock()

	if task == nil || !task.Pending() || h.unregistered.Load() {
		return 0, false
	}
	return task.Remaining(), true
}

// Done returns a channel closed once the scheduled unregistration has run
// or been cancelled, or nil if none was scheduled.
func (h *Handle) Done() <-chan struct{} {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	if h.task == nil {
		return nil
	}
	return h.task.Done()
}

// Registrar owns the mapping from identities to registered collectors.
type Registrar struct {
	reg   prometheus.Registerer
	sched *scheduler.Scheduler
	grace time.Duration

	mu      sync.Mutex
	handles map[string]*Handle

	log *logger.Logger
}

// NewRegistrar creates a registrar. A nil reg registers nothing with
// Prometheus but still tracks identities; a non-positive grace uses the
// default close grace.
func NewRegistrar(reg prometheus.Registerer, sched *scheduler.Scheduler, grace time.Duration, log *logger.Logger) *Registrar {
	if log == nil {
		log = logger.NewDefault()
	}
	if sched == nil {
		sched = scheduler.New()
	}
	if grace <= 0 {
		grace = constants.DefaultCloseGrace
	}
	return &Registrar{
		reg:     reg,
		sched:   sched,
		grace:   grace,
		handles: make(map[string]*Handle),
		log:     log.WithStr("component", "monitor"),
	}
}

// Grace returns the delay used by ScheduleUnregister.
func (r *Registrar) Grace() time.Duration {
	return r.grace
}

// Register publishes collector under name on behalf of owner.
//
// If name is still registered by an owner that is open, the new owner gets
// no handle: a warning is logged and ErrHandleInUse is returned. If the
// previous owner has closed and is only waiting out its grace period, its
// pending unregistration is cancelled, it is unregistered immediately and
// the new collector takes its place.
func (r *Registrar) Register(name string, owner Owner, collector prometheus.Collector) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.handles[name]; ok {
		if prev.owner.IsOpen() {
			r.log.Warn().
				Str("name", name).
				Msg("Monitoring handle still registered by an open session, continuing without one")
			return nil, hferrors.New("register", hferrors.ErrHandleInUse, nil, name)
		}
		r.log.Debug().Str("name", name).Msg("Replacing closed session's monitoring handle")
		if prev.task != nil {
			prev.task.Cancel()
		}
		r.unregisterLocked(prev)
	}

	if r.reg != nil {
		if err := r.reg.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				r.log.Warn().
					Str("name", name).
					Msg("Collector already registered outside the registrar, continuing without a handle")
				return nil, hferrors.New("register", hferrors.ErrHandleInUse, err, name)
			}
			return nil, fmt.Errorf("register collector %s: %w", name, err)
		}
	}

	h := &Handle{
		name:      name,
		owner:     owner,
		collector: collector,
		r:         r,
	}
	r.handles[name] = h
	return h, nil
}

// ScheduleUnregister unregisters h after the grace period. Calling it again
// while a task is pending, or after h was unregistered, does nothing.
func (r *Registrar) ScheduleUnregister(h *Handle) {
	if h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if h.unregistered.Load() || (h.task != nil && h.task.Pending()) {
		return
	}
	h.task = r.sched.Schedule(r.grace, func() {
		r.Unregister(h)
	})
}

// Unregister removes h immediately. It returns false if h was already
// unregistered.
func (r *Registrar) Unregister(h *Handle) bool {
	if h == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if h.task != nil {
		h.task.Cancel()
	}
	return r.unregisterLocked(h)
}

func (r *Registrar) unregisterLocked(h *Handle) bool {
	if h.unregistered.Swap(true) {
		return false
	}
	if cur, ok := r.handles[h.name]; ok && cur == h {
		delete(r.handles, h.name)
	}
	if r.reg != nil && !r.reg.Unregister(h.collector) {
		r.log.Debug().Str("name", h.name).Msg("Collector was not registered")
	}
	return true
}

// Lookup returns the handle currently registered under name.
func (r *Registrar) Lookup(name string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[name]
	return h, ok
}

// Len returns the number of registered handles.
func (r *Registrar) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
