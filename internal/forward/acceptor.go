package forward

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nickman/hfwd/internal/channel"
	"github.com/nickman/hfwd/internal/constants"
	"github.com/nickman/hfwd/internal/counter"
	hferrors "github.com/nickman/hfwd/internal/errors"
	"github.com/nickman/hfwd/internal/metrics"
	"github.com/nickman/hfwd/internal/registry"
	"github.com/nickman/hfwd/internal/relay"
	"github.com/nickman/hfwd/pkg/logger"
)

// AcceptorConfig configures an Acceptor.
type AcceptorConfig struct {
	// Bind is host:port, or a bare port bound on 127.0.0.1. Port 0 picks an
	// ephemeral port.
	Bind string
	// Remote is where every accepted connection is forwarded.
	Remote channel.Endpoint
	// OpenTimeout bounds each channel open.
	OpenTimeout time.Duration
	// BufferSize is the relay copy buffer per direction.
	BufferSize int

	// Counters updated by the acceptor. Any may be nil.
	BytesUp   *counter.Counter
	BytesDown *counter.Counter
	Accepts   *counter.Counter
	Failures  *counter.Counter

	// OnStop runs once when the acceptor stops, whether through Stop or
	// because the listener failed.
	OnStop func()
}

// ResolveBind normalizes a bind spec to host:port.
func ResolveBind(bind string) (string, error) {
	if bind == "" {
		return "", errors.New("empty bind address")
	}
	if port, err := strconv.Atoi(bind); err == nil {
		if port < 0 || port > 65535 {
			return "", errors.New("bind port out of range")
		}
		return net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), nil
	}
	host, portStr, err := net.SplitHostPort(bind)
	if err != nil {
		return "", err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", errors.New("invalid bind port " + strconv.Quote(portStr))
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, portStr), nil
}

// Acceptor owns one listening socket. Each accepted connection gets its own
// channel to the remote endpoint and a relay pair; a connection whose
// channel cannot be opened is closed without affecting the others.
type Acceptor struct {
	cfg      AcceptorConfig
	listener net.Listener
	mux      channel.Multiplexer
	muxName  string

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	pairs map[*relay.Pair]struct{}

	started atomic.Bool
	stopped atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup

	log     *logger.Logger
	metrics *metrics.Collector
}

// NewAcceptor binds the listening socket. A bind failure is returned as
// ErrBindFailed and no acceptor is created.
func NewAcceptor(cfg AcceptorConfig, mux channel.Multiplexer, log *logger.Logger, m *metrics.Collector) (*Acceptor, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = constants.DefaultOpenTimeout
	}

	bind, err := ResolveBind(cfg.Bind)
	if err != nil {
		return nil, hferrors.New("bind", hferrors.ErrInvalidSpec, err, cfg.Bind)
	}
	listener, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, hferrors.New("bind", hferrors.ErrBindFailed, err, bind+" -> "+cfg.Remote.String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Acceptor{
		cfg:      cfg,
		listener: listener,
		mux:      mux,
		muxName:  multiplexerName(mux),
		ctx:      ctx,
		cancel:   cancel,
		pairs:    make(map[*relay.Pair]struct{}),
		done:     make(chan struct{}),
		metrics:  m,
	}
	a.log = log.WithStr("component", "acceptor").
		WithStr("local", listener.Addr().String()).
		WithStr("remote", cfg.Remote.String())
	return a, nil
}

func multiplexerName(mux channel.Multiplexer) string {
	if n, ok := mux.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "custom"
}

// Addr returns the bound listening address.
func (a *Acceptor) Addr() net.Addr {
	return a.listener.Addr()
}

// countInto points the acceptor's counters at a registry entry. It must be
// called before Start.
func (a *Acceptor) countInto(e *registry.Entry) {
	a.cfg.BytesUp = e.BytesUp()
	a.cfg.BytesDown = e.BytesDown()
	a.cfg.Accepts = e.Accepts()
	a.cfg.Failures = e.Failures()
}

// Start launches the accept loop. Subsequent calls are no-ops.
func (a *Acceptor) Start() {
	if !a.started.CompareAndSwap(false, true) {
		return
	}
	a.wg.Add(1)
	go a.run()
}

func (a *Acceptor) run() {
	defer a.wg.Done()
	defer close(a.done)

	a.log.Debug().Msg("Accept loop started")
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if !a.stopped.Load() {
				a.log.Error().Err(err).Msg("Accept failed, stopping acceptor")
			}
			a.Stop()
			return
		}

		if a.cfg.Accepts != nil {
			a.cfg.Accepts.Inc()
		}
		a.metrics.RecordAccept()

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.serve(conn)
		}()
	}
}

// serve opens the channel for one accepted connection and starts its relays.
func (a *Acceptor) serve(conn net.Conn) {
	origin := channel.EndpointFromAddr(conn.RemoteAddr())

	ctx, cancel := context.WithTimeout(a.ctx, a.cfg.OpenTimeout)
	start := time.Now()
	ch, err := a.mux.OpenChannel(ctx, a.cfg.Remote, origin)
	cancel()
	if err != nil {
		conn.Close()
		if a.stopped.Load() {
			return
		}
		if a.cfg.Failures != nil {
			a.cfg.Failures.Inc()
		}
		a.metrics.RecordChannelFailure(failureReason(err))
		a.log.Warn().Err(err).
			Str("origin", origin.String()).
			Msg("Failed to open channel, dropping connection")
		return
	}
	a.metrics.RecordChannelOpened(a.muxName, time.Since(start))

	var p *relay.Pair
	p = relay.NewPair(conn, ch, a.cfg.BytesUp, a.cfg.BytesDown, relay.Config{
		BufferSize: a.cfg.BufferSize,
		OnClose: func() {
			a.mu.Lock()
			delete(a.pairs, p)
			a.mu.Unlock()
			a.metrics.RecordRelayClosed()
		},
	}, a.log)

	a.mu.Lock()
	if a.stopped.Load() {
		a.mu.Unlock()
		ch.Close()
		conn.Close()
		return
	}
	a.pairs[p] = struct{}{}
	a.mu.Unlock()

	a.metrics.RecordRelayStarted()
	a.log.Debug().Str("origin", origin.String()).Msg("Connection forwarded")
	p.Start()
	p.Wait()
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, hferrors.ErrChannelTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, hferrors.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, hferrors.ErrTransportClosed):
		return "transport_closed"
	default:
		return "refused"
	}
}

// ActivePairs returns the number of live relay pairs.
func (a *Acceptor) ActivePairs() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pairs)
}

// Stop closes the listening socket, abandons pending channel opens and
// tears down every live relay pair, then runs OnStop. Only the first call
// has any effect.
func (a *Acceptor) Stop() {
	if !a.stopped.CompareAndSwap(false, true) {
		return
	}

	if err := a.listener.Close(); err != nil && !hferrors.IsClosed(err) {
		a.log.Debug().Err(err).Msg("Error closing listener")
	}
	a.cancel()

	a.mu.Lock()
	pairs := make([]*relay.Pair, 0, len(a.pairs))
	for p := range a.pairs {
		pairs = append(pairs, p)
	}
	a.mu.Unlock()
	for _, p := range pairs {
		p.Stop()
	}

	a.log.Debug().Int("pairs", len(pairs)).Msg("Acceptor stopped")
	if a.cfg.OnStop != nil {
		a.cfg.OnStop()
	}
}

// Stopped reports whether Stop has run.
func (a *Acceptor) Stopped() bool {
	return a.stopped.Load()
}

// Done is closed when the accept loop has exited. It never closes for an
// acceptor that was not started.
func (a *Acceptor) Done() <-chan struct{} {
	return a.done
}

// Wait blocks until the accept loop and every relay it started have
// returned.
func (a *Acceptor) Wait() {
	a.wg.Wait()
}
