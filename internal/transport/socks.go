package transport

import (
	"context"
	"net"
	"time"

	"golang.org/x/net/proxy"

	"github.com/nickman/hfwd/internal/channel"
	"github.com/nickman/hfwd/internal/constants"
	hferrors "github.com/nickman/hfwd/internal/errors"
)

// SOCKSConfig holds optional SOCKS5 username/password credentials.
type SOCKSConfig struct {
	User     string
	Password string
}

// SOCKS opens channels as SOCKS5 CONNECTs through a proxy. Each channel is
// its own proxy connection and origin metadata is not transmitted.
type SOCKS struct {
	addr   string
	dialer proxy.ContextDialer
}

// NewSOCKS creates a SOCKS5 transport for the proxy at addr.
func NewSOCKS(addr string, cfg SOCKSConfig, timeout time.Duration) (*SOCKS, error) {
	if addr == "" {
		return nil, hferrors.New("socks", hferrors.ErrInvalidSpec, nil, "proxy address is required")
	}
	if timeout <= 0 {
		timeout = constants.DefaultDialTimeout
	}

	var auth *proxy.Auth
	if cfg.User != "" {
		auth = &proxy.Auth{User: cfg.User, Password: cfg.Password}
	}

	d, err := proxy.SOCKS5("tcp", addr, auth, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, hferrors.New("socks", hferrors.ErrInvalidSpec, err, addr)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, hferrors.New("socks", hferrors.ErrInvalidSpec, nil, "dialer does not support contexts")
	}
	return &SOCKS{addr: addr, dialer: cd}, nil
}

// Name implements Transport.
func (s *SOCKS) Name() string { return TypeSOCKS }

// OpenChannel implements channel.Multiplexer.
func (s *SOCKS) OpenChannel(ctx context.Context, remote, origin channel.Endpoint) (channel.Channel, error) {
	conn, err := s.dialer.DialContext(ctx, "tcp", remote.String())
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, hferrors.New("open", hferrors.ErrChannelTimeout, err, remote.String())
		}
		return nil, hferrors.New("open", hferrors.ErrChannelOpen, err, remote.String())
	}
	return conn, nil
}

// Close implements io.Closer. SOCKS holds no session.
func (s *SOCKS) Close() error { return nil }
