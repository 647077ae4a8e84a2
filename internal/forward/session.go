package forward

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nickman/hfwd/internal/channel"
	"github.com/nickman/hfwd/internal/counter"
	"github.com/nickman/hfwd/internal/monitor"
	"github.com/nickman/hfwd/internal/registry"
	"github.com/nickman/hfwd/internal/relay"
	"github.com/nickman/hfwd/pkg/logger"
)

// NoUnregister is returned by TimeTillUnregister when no cleanup is pending.
const NoUnregister time.Duration = -1

// State is the lifecycle state of a session.
type State int32

const (
	StateUnopened State = iota
	StateOpen
	StateClosing
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Spec describes a socket forward.
type Spec struct {
	// Name labels the forward in logs and metrics. Defaults to the bind spec.
	Name string
	// Bind is host:port or a bare port; see ResolveBind.
	Bind string
	// Remote is the endpoint connections are forwarded to.
	Remote channel.Endpoint
}

// String returns "bind -> remote".
func (s Spec) String() string {
	return fmt.Sprintf("%s -> %s", s.Bind, s.Remote)
}

// StreamSpec describes a stream tunnel: one channel, no listening socket.
type StreamSpec struct {
	Name   string
	Remote channel.Endpoint
	// Origin is reported to the transport as the originating endpoint.
	Origin channel.Endpoint
}

// String returns "stream -> remote".
func (s StreamSpec) String() string {
	return fmt.Sprintf("stream -> %s", s.Remote)
}

// Stats is a point-in-time view of a session.
type Stats struct {
	ID           uuid.UUID
	Name         string
	Local        string
	Remote       string
	State        State
	OpenedAt     time.Time
	BytesUp      int64
	BytesDown    int64
	Accepts      int64
	ActivePairs  int
	UnregisterIn time.Duration
}

// Session is one open forward or stream tunnel. Byte and accept totals are
// shared with every session forwarding to the same remote endpoint.
type Session struct {
	ID uuid.UUID

	name   string
	local  string
	bind   string
	remote channel.Endpoint

	state    atomic.Int32
	openedAt time.Time

	acceptor *Acceptor
	pair     *relay.Pair
	conn     net.Conn

	entry        *registry.Entry
	upDelta      *counter.Delta
	downDelta    *counter.Delta
	acceptsDelta *counter.Delta

	handle *monitor.Handle
	mgr    *Manager
	log    *logger.Logger
}

func newSession(mgr *Manager, name, local string, remote channel.Endpoint, entry *registry.Entry) *Session {
	s := &Session{
		ID:           uuid.New(),
		name:         name,
		local:        local,
		remote:       remote,
		entry:        entry,
		upDelta:      entry.BytesUpAccumulator(),
		downDelta:    entry.BytesDownAccumulator(),
		acceptsDelta: entry.AcceptsAccumulator(),
		mgr:          mgr,
	}
	s.log = mgr.log.WithStr("session", s.ID.String()).WithStr("forward", name)
	return s
}

// identity is the monitoring handle name. Sessions with the same identity
// compete for one handle.
func (s *Session) identity() string {
	return fmt.Sprintf("%s|%s|%s", s.name, s.local, s.remote)
}

// Name returns the forward name.
func (s *Session) Name() string { return s.name }

// Local returns the bound listening address, or "stream" for stream
// tunnels.
func (s *Session) Local() string { return s.local }

// Remote returns the remote endpoint.
func (s *Session) Remote() channel.Endpoint { return s.remote }

// Addr returns the listening address of a socket forward, or nil.
func (s *Session) Addr() net.Addr {
	if s.acceptor == nil {
		return nil
	}
	return s.acceptor.Addr()
}

// Conn returns the caller's end of a stream tunnel, or nil for a socket
// forward.
func (s *Session) Conn() net.Conn { return s.conn }

// State returns the lifecycle state. A closing session becomes closed once
// its monitoring handle has been unregistered.
func (s *Session) State() State {
	st := State(s.state.Load())
	if st == StateClosing && (s.handle == nil || !s.handle.Registered()) {
		return StateClosed
	}
	return st
}

// IsOpen reports whether the session is open.
func (s *Session) IsOpen() bool {
	return State(s.state.Load()) == StateOpen
}

// BytesUp returns the lifetime bytes sent toward the remote endpoint.
func (s *Session) BytesUp() int64 { return s.entry.BytesUp().Value() }

// BytesDown returns the lifetime bytes received from the remote endpoint.
func (s *Session) BytesDown() int64 { return s.entry.BytesDown().Value() }

// Accepts returns the lifetime accepted connections.
func (s *Session) Accepts() int64 { return s.entry.Accepts().Value() }

// DeltaBytesUp returns bytes sent since the previous call.
func (s *Session) DeltaBytesUp() int64 { return s.upDelta.Delta() }

// DeltaBytesDown returns bytes received since the previous call.
func (s *Session) DeltaBytesDown() int64 { return s.downDelta.Delta() }

// DeltaAccepts returns connections accepted since the previous call.
func (s *Session) DeltaAccepts() int64 { return s.acceptsDelta.Delta() }

// Entry returns the shared registry entry for the remote endpoint.
func (s *Session) Entry() *registry.Entry { return s.entry }

// ActivePairs returns the number of live relay pairs.
func (s *Session) ActivePairs() int {
	switch {
	case s.acceptor != nil:
		return s.acceptor.ActivePairs()
	case s.pair != nil && !s.pair.Closed():
		return 1
	default:
		return 0
	}
}

// TimeTillUnregister returns the delay before the monitoring handle is
// removed, or NoUnregister when no removal is pending.
func (s *Session) TimeTillUnregister() time.Duration {
	if s.handle == nil {
		return NoUnregister
	}
	d, ok := s.handle.UnregisterIn()
	if !ok {
		return NoUnregister
	}
	return d
}

// Stats returns a snapshot of the session.
func (s *Session) Stats() Stats {
	return Stats{
		ID:           s.ID,
		Name:         s.name,
		Local:        s.local,
		Remote:       s.remote.String(),
		State:        s.State(),
		OpenedAt:     s.openedAt,
		BytesUp:      s.BytesUp(),
		BytesDown:    s.BytesDown(),
		Accepts:      s.Accepts(),
		ActivePairs:  s.ActivePairs(),
		UnregisterIn: s.TimeTillUnregister(),
	}
}

// markOpen moves the session to open and publishes its monitoring handle.
// Losing the handle to a still-open session with the same identity is
// logged and otherwise ignored.
func (s *Session) markOpen() {
	s.entry.IncrementOpens()
	s.openedAt = time.Now()
	s.state.Store(int32(StateOpen))

	labels := monitor.SessionLabels(s.name, s.local, s.remote.String())
	h, err := s.mgr.registrar.Register(s.identity(), s, monitor.NewSessionCollector(s, labels))
	if err != nil {
		s.log.Warn().Err(err).Msg("Session has no monitoring handle")
		return
	}
	s.handle = h
}

// Close closes the session. Only the first call does anything: it counts
// the close against the remote endpoint, stops the acceptor or relay pair
// and schedules removal of the monitoring handle after the close grace.
// It always returns nil.
func (s *Session) Close() error {
	if !s.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return nil
	}

	if !s.entry.IncrementCloses() {
		s.log.Warn().Msg("Endpoint open count already zero")
	}

	if s.acceptor != nil {
		s.acceptor.Stop()
	}
	if s.pair != nil {
		s.pair.Stop()
	}

	s.mgr.registrar.ScheduleUnregister(s.handle)
	s.mgr.sessionClosed(s)

	s.log.Info().
		Int64("bytes_up", s.BytesUp()).
		Int64("bytes_down", s.BytesDown()).
		Int64("accepts", s.Accepts()).
		Dur("close_grace", s.mgr.registrar.Grace()).
		Msg("Session closed")
	return nil
}
