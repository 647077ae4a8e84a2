package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/nickman/hfwd/internal/channel"
	"github.com/nickman/hfwd/internal/constants"
	hferrors "github.com/nickman/hfwd/internal/errors"
	"github.com/nickman/hfwd/internal/metrics"
	"github.com/nickman/hfwd/internal/relay"
	"github.com/nickman/hfwd/internal/retry"
	"github.com/nickman/hfwd/pkg/logger"
)

// Yamux stream header: "host:port origin_host:origin_port\n", answered with
// "OK\n" or "ERR <reason>\n" before any payload flows.

// YamuxConfig configures the yamux transport.
type YamuxConfig struct {
	// WebSocket carries the session over a WebSocket when non-nil; the
	// transport address is then ignored in favour of WebSocket.URL.
	WebSocket *WebSocketConfig
	// KeepAliveInterval is the yamux keepalive period; 0 uses the default.
	KeepAliveInterval time.Duration
}

func yamuxSessionConfig(keepAlive time.Duration) *yamux.Config {
	cfg := yamux.DefaultConfig()
	if keepAlive > 0 {
		cfg.KeepAliveInterval = keepAlive
	}
	cfg.LogOutput = io.Discard
	return cfg
}

// Yamux opens channels as streams of one yamux client session.
type Yamux struct {
	session *yamux.Session
	log     *logger.Logger
	m       *metrics.Collector

	closeOnce sync.Once
	closed    atomic.Bool
}

// DialYamux connects to a yamux channel server over TCP or WebSocket,
// retrying transient failures.
func DialYamux(ctx context.Context, addr string, cfg YamuxConfig, timeout time.Duration, rc *retry.Config,
	log *logger.Logger, m *metrics.Collector) (*Yamux, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	if timeout <= 0 {
		timeout = constants.DefaultDialTimeout
	}

	target := addr
	if cfg.WebSocket != nil {
		target = cfg.WebSocket.URL
	}

	conn, err := connectWithRetry(ctx, TypeYamux, target, timeout, rc, log, m, func(ctx context.Context) (net.Conn, error) {
		var (
			conn net.Conn
			err  error
		)
		if cfg.WebSocket != nil {
			conn, err = DialWebSocket(ctx, cfg.WebSocket)
		} else {
			var d net.Dialer
			conn, err = d.DialContext(ctx, "tcp", addr)
		}
		if err != nil {
			return nil, hferrors.New("dial", hferrors.ErrTransportUnavailable, err, target)
		}
		return conn, nil
	})
	if err != nil {
		return nil, err
	}

	y, err := NewYamux(conn, cfg.KeepAliveInterval, log, m)
	if err != nil {
		conn.Close()
		return nil, err
	}
	log.Info().Str("address", target).Bool("websocket", cfg.WebSocket != nil).Msg("Yamux transport connected")
	return y, nil
}

// NewYamux starts a yamux client session over conn.
func NewYamux(conn net.Conn, keepAlive time.Duration, log *logger.Logger, m *metrics.Collector) (*Yamux, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	session, err := yamux.Client(conn, yamuxSessionConfig(keepAlive))
	if err != nil {
		return nil, hferrors.New("yamux", hferrors.ErrHandshakeFailed, err, conn.RemoteAddr().String())
	}
	y := &Yamux{
		session: session,
		log:     log.WithStr("component", "yamux"),
		m:       m,
	}
	m.SetTransportConnected(TypeYamux, true)

	go func() {
		<-session.CloseChan()
		if !y.closed.Load() {
			y.log.Warn().Msg("Yamux session lost")
		}
		y.Close()
	}()
	return y, nil
}

// Name implements Transport.
func (y *Yamux) Name() string { return TypeYamux }

// OpenChannel opens a stream and performs the header exchange.
func (y *Yamux) OpenChannel(ctx context.Context, remote, origin channel.Endpoint) (channel.Channel, error) {
	stream, err := y.session.OpenStream()
	if err != nil {
		kind := hferrors.ErrChannelOpen
		if errors.Is(err, yamux.ErrSessionShutdown) {
			kind = hferrors.ErrTransportClosed
		}
		return nil, hferrors.New("open", kind, err, remote.String())
	}

	// Abort the exchange when ctx ends.
	stop := context.AfterFunc(ctx, func() {
		_ = stream.SetDeadline(time.Now())
	})

	reply, err := exchangeHeader(stream, remote, origin)
	if !stop() {
		stream.Close()
		return nil, hferrors.New("open", hferrors.ErrChannelTimeout, ctx.Err(), remote.String())
	}
	if err != nil {
		stream.Close()
		return nil, hferrors.New("open", hferrors.ErrChannelOpen, err, remote.String())
	}
	if reply != constants.HeaderOK {
		stream.Close()
		reason := strings.TrimPrefix(reply, constants.HeaderErrPrefix)
		return nil, hferrors.New("open", hferrors.ErrChannelOpen, errors.New(reason), remote.String())
	}
	return stream, nil
}

func exchangeHeader(stream net.Conn, remote, origin channel.Endpoint) (string, error) {
	if _, err := fmt.Fprintf(stream, "%s %s\n", remote, origin); err != nil {
		return "", fmt.Errorf("write channel header: %w", err)
	}
	reply, err := readLine(stream)
	if err != nil {
		return "", fmt.Errorf("read channel reply: %w", err)
	}
	return reply, nil
}

// readLine reads a newline-terminated line one byte at a time so nothing
// past the line is consumed.
func readLine(r io.Reader) (string, error) {
	var buf []byte
	b := make([]byte, 1)
	for {
		if _, err := io.ReadFull(r, b); err != nil {
			return "", err
		}
		if b[0] == '\n' {
			return string(buf), nil
		}
		buf = append(buf, b[0])
		if len(buf) > constants.MaxHeaderLength {
			return "", fmt.Errorf("line exceeds %d bytes", constants.MaxHeaderLength)
		}
	}
}

// Close closes the session and all of its streams.
func (y *Yamux) Close() error {
	var err error
	y.closeOnce.Do(func() {
		y.closed.Store(true)
		y.m.SetTransportConnected(TypeYamux, false)
		err = y.session.Close()
	})
	return err
}

// ChannelServer is the remote end of the yamux transport: it accepts
// sessions, reads each stream's header and connects it to the requested
// endpoint.
type ChannelServer struct {
	// Dial connects to the requested endpoint. Defaults to a TCP dial with
	// DialTimeout.
	Dial        func(ctx context.Context, remote, origin channel.Endpoint) (net.Conn, error)
	DialTimeout time.Duration
	KeepAlive   time.Duration
	BufferSize  int

	log *logger.Logger
	wg  sync.WaitGroup
}

// NewChannelServer creates a ChannelServer that dials over TCP.
func NewChannelServer(log *logger.Logger) *ChannelServer {
	if log == nil {
		log = logger.NewDefault()
	}
	return &ChannelServer{
		DialTimeout: constants.DefaultDialTimeout,
		log:         log.WithStr("component", "channel-server"),
	}
}

// ServeYamux accepts carrier connections from ln until ctx ends or ln
// fails, serving a yamux session on each.
func ServeYamux(ctx context.Context, ln net.Listener, log *logger.Logger) error {
	return NewChannelServer(log).Serve(ctx, ln)
}

// Serve accepts carrier connections from ln until ctx ends or ln fails.
// It closes ln on return and waits for open sessions to finish.
func (s *ChannelServer) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer s.wg.Wait()
	defer ln.Close()

	s.log.Info().Str("address", ln.Addr().String()).Msg("Channel server listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || hferrors.IsClosed(err) {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveSession(ctx, conn)
		}()
	}
}

func (s *ChannelServer) serveSession(ctx context.Context, conn net.Conn) {
	session, err := yamux.Server(conn, yamuxSessionConfig(s.KeepAlive))
	if err != nil {
		s.log.Warn().Err(err).Msg("Yamux server init failed")
		conn.Close()
		return
	}
	stop := context.AfterFunc(ctx, func() { session.Close() })
	defer stop()
	defer session.Close()

	remoteAddr := conn.RemoteAddr().String()
	s.log.Debug().Str("remote_addr", remoteAddr).Msg("Yamux session established")

	for {
		stream, err := session.AcceptStream()
		if err != nil {
			if !errors.Is(err, yamux.ErrSessionShutdown) && !hferrors.IsClosed(err) {
				s.log.Debug().Err(err).Str("remote_addr", remoteAddr).Msg("Accept stream failed")
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveStream(ctx, stream)
		}()
	}
}

func (s *ChannelServer) serveStream(ctx context.Context, stream *yamux.Stream) {
	_ = stream.SetReadDeadline(time.Now().Add(constants.DefaultOpenTimeout))
	line, err := readLine(stream)
	if err != nil {
		s.log.Debug().Err(err).Uint32("stream_id", stream.StreamID()).Msg("Failed to read channel header")
		stream.Close()
		return
	}
	_ = stream.SetReadDeadline(time.Time{})

	remote, origin, err := parseHeader(line)
	if err != nil {
		s.reject(stream, err.Error())
		return
	}

	dctx, cancel := context.WithTimeout(ctx, s.dialTimeout())
	target, err := s.dial(dctx, remote, origin)
	cancel()
	if err != nil {
		s.log.Debug().Err(err).Str("remote", remote.String()).Msg("Channel target unreachable")
		s.reject(stream, err.Error())
		return
	}

	if _, err := io.WriteString(stream, constants.HeaderOK+"\n"); err != nil {
		target.Close()
		stream.Close()
		return
	}

	s.log.Debug().
		Str("remote", remote.String()).
		Str("origin", origin.String()).
		Msg("Channel opened")

	p := relay.NewPair(target, stream, nil, nil, relay.Config{BufferSize: s.BufferSize}, s.log)
	p.Start()
	p.Wait()
}

func (s *ChannelServer) dialTimeout() time.Duration {
	if s.DialTimeout > 0 {
		return s.DialTimeout
	}
	return constants.DefaultDialTimeout
}

func (s *ChannelServer) dial(ctx context.Context, remote, origin channel.Endpoint) (net.Conn, error) {
	if s.Dial != nil {
		return s.Dial(ctx, remote, origin)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", remote.String())
}

func (s *ChannelServer) reject(stream *yamux.Stream, reason string) {
	reason = strings.ReplaceAll(reason, "\n", " ")
	w := bufio.NewWriter(stream)
	_, _ = w.WriteString(constants.HeaderErrPrefix + reason + "\n")
	_ = w.Flush()
	stream.Close()
}

// parseHeader parses "host:port origin_host:origin_port".
func parseHeader(line string) (remote, origin channel.Endpoint, err error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return remote, origin, fmt.Errorf("malformed channel header %q", line)
	}
	if remote, err = channel.ParseEndpoint(fields[0]); err != nil {
		return remote, origin, fmt.Errorf("bad remote: %w", err)
	}
	if err = remote.Validate(); err != nil {
		return remote, origin, err
	}
	if origin, err = channel.ParseEndpoint(fields[1]); err != nil {
		return remote, origin, fmt.Errorf("bad origin: %w", err)
	}
	return remote, origin, nil
}
