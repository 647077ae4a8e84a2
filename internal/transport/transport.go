// Package transport provides the channel multiplexers hfwd forwards through:
// SSH direct-tcpip channels, yamux streams over TCP or WebSocket, SOCKS5
// connects, and plain TCP dials.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/nickman/hfwd/internal/channel"
	"github.com/nickman/hfwd/internal/circuitbreaker"
	"github.com/nickman/hfwd/internal/constants"
	hferrors "github.com/nickman/hfwd/internal/errors"
	"github.com/nickman/hfwd/internal/metrics"
	"github.com/nickman/hfwd/internal/retry"
	"github.com/nickman/hfwd/pkg/logger"
)

// Transport types.
const (
	TypeSSH    = "ssh"
	TypeYamux  = "yamux"
	TypeSOCKS  = "socks5"
	TypeDirect = "direct"
)

// Transport is a multiplexer that owns a session and can be closed.
type Transport interface {
	channel.Multiplexer
	io.Closer
	// Name identifies the transport in logs and metrics.
	Name() string
}

// Config selects and configures a transport.
type Config struct {
	// Type is one of TypeSSH, TypeYamux, TypeSOCKS, TypeDirect.
	Type string
	// Address is the SSH server, yamux server or SOCKS proxy address.
	Address string
	// DialTimeout bounds establishing the session.
	DialTimeout time.Duration

	SSH        SSHConfig
	Yamux      YamuxConfig
	SOCKS      SOCKSConfig
	Retry      *retry.Config
	Breaker    *circuitbreaker.Config
	UseBreaker bool
}

// New dials the configured transport. SSH and yamux sessions are dialed
// with retry; the breaker decorator is applied when enabled.
func New(ctx context.Context, cfg Config, log *logger.Logger, m *metrics.Collector) (Transport, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = constants.DefaultDialTimeout
	}

	var (
		t   Transport
		err error
	)
	switch cfg.Type {
	case TypeSSH:
		t, err = DialSSH(ctx, cfg.Address, cfg.SSH, cfg.DialTimeout, cfg.Retry, log, m)
	case TypeYamux:
		t, err = DialYamux(ctx, cfg.Address, cfg.Yamux, cfg.DialTimeout, cfg.Retry, log, m)
	case TypeSOCKS:
		t, err = NewSOCKS(cfg.Address, cfg.SOCKS, cfg.DialTimeout)
	case TypeDirect, "":
		t = NewDirect(cfg.DialTimeout)
	default:
		return nil, hferrors.New("transport", hferrors.ErrInvalidSpec, nil, fmt.Sprintf("unknown transport type %q", cfg.Type))
	}
	if err != nil {
		return nil, err
	}

	if cfg.UseBreaker {
		t = NewBreaker(t, cfg.Breaker, log, m)
	}
	return t, nil
}

// connectWithRetry runs connect until it succeeds or fails permanently.
// connect must classify its own errors; only retryable kinds are retried.
func connectWithRetry[T any](ctx context.Context, name, addr string, timeout time.Duration, rc *retry.Config,
	log *logger.Logger, m *metrics.Collector, connect func(ctx context.Context) (T, error)) (T, error) {

	r := retry.New(rc).OnRetry(func(attempt int, delay time.Duration, err error) {
		log.Warn().Err(err).
			Str("transport", name).
			Str("address", addr).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("Transport dial failed, retrying")
	})

	return retry.DoWithResult(ctx, r, func(ctx context.Context) (T, error) {
		dctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		t, err := connect(dctx)
		if err != nil {
			m.RecordTransportDial(name, "failure")
			return t, err
		}
		m.RecordTransportDial(name, "success")
		return t, nil
	})
}

// Direct opens channels as plain TCP connections from this host. Origin
// metadata is not transmitted.
type Direct struct {
	dialer net.Dialer
}

// NewDirect creates a Direct transport.
func NewDirect(timeout time.Duration) *Direct {
	return &Direct{dialer: net.Dialer{Timeout: timeout}}
}

// Name implements Transport.
func (d *Direct) Name() string { return TypeDirect }

// OpenChannel implements channel.Multiplexer.
func (d *Direct) OpenChannel(ctx context.Context, remote, origin channel.Endpoint) (channel.Channel, error) {
	conn, err := d.dialer.DialContext(ctx, "tcp", remote.String())
	if err != nil {
		return nil, hferrors.New("open", hferrors.ErrChannelOpen, err, remote.String())
	}
	return conn, nil
}

// Close implements io.Closer.
func (d *Direct) Close() error { return nil }
