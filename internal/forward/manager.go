// Package forward implements local TCP forwarding over a channel
// multiplexer: acceptors, relay pairs and the sessions that own them.
package forward

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nickman/hfwd/internal/channel"
	"github.com/nickman/hfwd/internal/constants"
	hferrors "github.com/nickman/hfwd/internal/errors"
	"github.com/nickman/hfwd/internal/metrics"
	"github.com/nickman/hfwd/internal/monitor"
	"github.com/nickman/hfwd/internal/registry"
	"github.com/nickman/hfwd/internal/relay"
	"github.com/nickman/hfwd/pkg/logger"
)

// EventType identifies a session lifecycle event.
type EventType int

const (
	EventOpened EventType = iota
	EventClosed
)

// String returns the string representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventOpened:
		return "opened"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event reports a session opening or closing.
type Event struct {
	Type    EventType
	Session *Session
	// Handle is the monitoring identity, empty when the session has none.
	Handle string
	Time   time.Time
}

// EventHandler receives session events. It is called synchronously and
// must not block.
type EventHandler func(Event)

// Config holds manager configuration.
type Config struct {
	// OpenTimeout bounds each channel open.
	OpenTimeout time.Duration
	// BufferSize is the relay copy buffer per direction.
	BufferSize int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		OpenTimeout: constants.DefaultOpenTimeout,
		BufferSize:  constants.DefaultBufferSize,
	}
}

// Manager opens and tracks sessions over one multiplexer.
type Manager struct {
	config    Config
	mux       channel.Multiplexer
	registry  *registry.Registry
	registrar *monitor.Registrar
	metrics   *metrics.Collector

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	events   EventHandler

	log *logger.Logger
}

// NewManager creates a Manager. A nil registry or registrar gets a private
// one; a nil config uses DefaultConfig.
func NewManager(config *Config, mux channel.Multiplexer, reg *registry.Registry, registrar *monitor.Registrar,
	log *logger.Logger, m *metrics.Collector) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = logger.NewDefault()
	}
	if reg == nil {
		reg = registry.New()
	}
	if registrar == nil {
		registrar = monitor.NewRegistrar(nil, nil, 0, log)
	}
	cfg := *config
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = constants.DefaultOpenTimeout
	}
	return &Manager{
		config:    cfg,
		mux:       mux,
		registry:  reg,
		registrar: registrar,
		metrics:   m,
		sessions:  make(map[uuid.UUID]*Session),
		log:       log.WithStr("component", "forward"),
	}
}

// SetEventHandler sets the session event handler.
func (m *Manager) SetEventHandler(h EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = h
}

// Registry returns the aggregate registry.
func (m *Manager) Registry() *registry.Registry {
	return m.registry
}

// Open binds spec.Bind and starts forwarding accepted connections to
// spec.Remote. A bind failure is returned as ErrBindFailed.
func (m *Manager) Open(ctx context.Context, spec Spec) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := spec.Remote.Validate(); err != nil {
		return nil, hferrors.New("open", hferrors.ErrInvalidSpec, err, spec.String())
	}

	var s *Session
	acceptor, err := NewAcceptor(AcceptorConfig{
		Bind:        spec.Bind,
		Remote:      spec.Remote,
		OpenTimeout: m.config.OpenTimeout,
		BufferSize:  m.config.BufferSize,
		OnStop: func() {
			s.Close()
		},
	}, m.mux, m.log, m.metrics)
	if err != nil {
		return nil, err
	}

	// The registry entry exists only once the bind has succeeded.
	entry := m.registry.GetOrCreate(spec.Remote.Host, spec.Remote.Port)
	acceptor.countInto(entry)

	name := spec.Name
	if name == "" {
		name = spec.Bind
	}
	s = newSession(m, name, acceptor.Addr().String(), spec.Remote, entry)
	s.acceptor = acceptor
	s.bind, _ = ResolveBind(spec.Bind)

	s.markOpen()
	m.sessionOpened(s)
	acceptor.Start()

	s.log.Info().
		Str("local", s.local).
		Str("remote", spec.Remote.String()).
		Msg("Forward opened")
	return s, nil
}

// OpenStream opens one channel to spec.Remote and relays it to an
// in-memory pipe; the caller's end is Session.Conn. The open is bounded by
// the open timeout and by ctx.
func (m *Manager) OpenStream(ctx context.Context, spec StreamSpec) (*Session, error) {
	if err := spec.Remote.Validate(); err != nil {
		return nil, hferrors.New("open", hferrors.ErrInvalidSpec, err, spec.String())
	}

	octx, cancel := context.WithTimeout(ctx, m.config.OpenTimeout)
	defer cancel()

	start := time.Now()
	ch, err := openWithin(octx, m.mux, spec.Remote, spec.Origin)
	if err != nil {
		m.metrics.RecordChannelFailure(failureReason(err))
		m.registry.GetOrCreate(spec.Remote.Host, spec.Remote.Port).Failures().Inc()
		return nil, err
	}
	m.metrics.RecordChannelOpened(multiplexerName(m.mux), time.Since(start))

	entry := m.registry.GetOrCreate(spec.Remote.Host, spec.Remote.Port)
	name := spec.Name
	if name == "" {
		name = "stream"
	}
	s := newSession(m, name, "stream", spec.Remote, entry)

	callerEnd, engineEnd := net.Pipe()
	s.conn = callerEnd
	s.pair = relay.NewPair(engineEnd, ch, entry.BytesUp(), entry.BytesDown(), relay.Config{
		BufferSize: m.config.BufferSize,
		OnClose: func() {
			callerEnd.Close()
			m.metrics.RecordRelayClosed()
			s.Close()
		},
	}, m.log)

	s.markOpen()
	m.sessionOpened(s)
	m.metrics.RecordRelayStarted()
	s.pair.Start()

	s.log.Info().Str("remote", spec.Remote.String()).Msg("Stream tunnel opened")
	return s, nil
}

// openWithin opens a channel, giving up when ctx ends even if the
// multiplexer ignores ctx. A channel that arrives late is closed.
func openWithin(ctx context.Context, mux channel.Multiplexer, remote, origin channel.Endpoint) (channel.Channel, error) {
	type result struct {
		ch  channel.Channel
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		ch, err := mux.OpenChannel(ctx, remote, origin)
		resCh <- result{ch, err}
	}()

	select {
	case r := <-resCh:
		if r.err != nil {
			if ctx.Err() != nil && !errors.Is(r.err, hferrors.ErrChannelTimeout) {
				return nil, hferrors.New("open", hferrors.ErrChannelTimeout, r.err, "stream -> "+remote.String())
			}
			return nil, r.err
		}
		return r.ch, nil
	case <-ctx.Done():
		go func() {
			if r := <-resCh; r.ch != nil {
				r.ch.Close()
			}
		}()
		return nil, hferrors.New("open", hferrors.ErrChannelTimeout, ctx.Err(), "stream -> "+remote.String())
	}
}

func (m *Manager) sessionOpened(s *Session) {
	m.mu.Lock()
	m.sessions[s.ID] = s
	h := m.events
	m.mu.Unlock()

	m.metrics.RecordSessionOpened()
	if h != nil {
		h(Event{Type: EventOpened, Session: s, Handle: handleName(s), Time: time.Now()})
	}
}

func (m *Manager) sessionClosed(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.ID)
	h := m.events
	m.mu.Unlock()

	m.metrics.RecordSessionClosed()
	if h != nil {
		h(Event{Type: EventClosed, Session: s, Handle: handleName(s), Time: time.Now()})
	}
}

func handleName(s *Session) string {
	if s.handle == nil {
		return ""
	}
	return s.handle.Name()
}

// Sessions returns the open sessions ordered by name then local address.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].name != out[j].name {
			return out[i].name < out[j].name
		}
		return out[i].local < out[j].local
	})
	return out
}

// Lookup returns the open socket forward named name.
func (m *Manager) Lookup(name string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.acceptor != nil && s.name == name {
			return s, true
		}
	}
	return nil, false
}

// Sync reconciles the open socket forwards with specs, matched by name.
// Forwards missing from specs or whose bind or remote changed are closed;
// new ones are opened. Stream tunnels are left alone. Errors opening
// individual forwards are joined; the rest are still applied.
func (m *Manager) Sync(ctx context.Context, specs []Spec) error {
	want := make(map[string]Spec, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			spec.Name = spec.Bind
		}
		want[spec.Name] = spec
	}

	m.mu.Lock()
	current := make(map[string]*Session)
	for _, s := range m.sessions {
		if s.acceptor != nil {
			current[s.name] = s
		}
	}
	m.mu.Unlock()

	for name, s := range current {
		spec, ok := want[name]
		if ok && s.matches(spec) {
			delete(want, name)
			continue
		}
		s.log.Info().Msg("Forward removed or changed, closing")
		s.Close()
	}

	names := make([]string, 0, len(want))
	for name := range want {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if _, err := m.Open(ctx, want[name]); err != nil {
			m.log.Error().Err(err).Str("forward", name).Msg("Failed to open forward")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// matches reports whether spec describes this socket forward.
func (s *Session) matches(spec Spec) bool {
	bind, err := ResolveBind(spec.Bind)
	return err == nil && bind == s.bind && spec.Remote == s.remote
}

// CloseAll closes every open session.
func (m *Manager) CloseAll() {
	for _, s := range m.Sessions() {
		s.Close()
	}
}
