package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/nickman/hfwd/internal/channel"
	"github.com/nickman/hfwd/internal/constants"
	hferrors "github.com/nickman/hfwd/internal/errors"
	"github.com/nickman/hfwd/internal/metrics"
	"github.com/nickman/hfwd/internal/retry"
	"github.com/nickman/hfwd/pkg/logger"
)

// SSHConfig holds SSH authentication and verification settings.
type SSHConfig struct {
	User     string
	Password string
	// PrivateKeyPath is a PEM private key file.
	PrivateKeyPath string
	// PrivateKey is an inline PEM private key, used before PrivateKeyPath.
	PrivateKey []byte
	Passphrase string
	// UseAgent adds keys from the agent at $SSH_AUTH_SOCK.
	UseAgent bool
	// KnownHostsPath defaults to ~/.ssh/known_hosts.
	KnownHostsPath        string
	InsecureIgnoreHostKey bool
	// KeepAliveInterval is the keepalive request period; 0 uses the default,
	// negative disables keepalives.
	KeepAliveInterval time.Duration
}

// clientConfig builds the x/crypto/ssh client configuration.
func (c SSHConfig) clientConfig(timeout time.Duration) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}

	keyData := c.PrivateKey
	if len(keyData) == 0 && c.PrivateKeyPath != "" {
		data, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		keyData = data
	}
	if len(keyData) > 0 {
		var (
			signer ssh.Signer
			err    error
		)
		if c.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(c.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyData)
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	if c.UseAgent {
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, errors.New("ssh agent requested but SSH_AUTH_SOCK is not set")
		}
		auth = append(auth, ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
			conn, err := net.Dial("unix", sock)
			if err != nil {
				return nil, err
			}
			defer conn.Close()
			return agent.NewClient(conn).Signers()
		}))
	}

	hostKeyCallback, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

func (c SSHConfig) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := c.KnownHostsPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locate known_hosts: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return cb, nil
}

// directTCPIP is the RFC 4254 section 7.2 channel open payload.
type directTCPIP struct {
	DestHost   string
	DestPort   uint32
	OriginHost string
	OriginPort uint32
}

// SSH opens direct-tcpip channels over one SSH client connection.
type SSH struct {
	client *ssh.Client
	log    *logger.Logger
	m      *metrics.Collector

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// DialSSH connects and authenticates to addr, retrying transient failures.
// Authentication and host key failures are not retried.
func DialSSH(ctx context.Context, addr string, cfg SSHConfig, timeout time.Duration, rc *retry.Config,
	log *logger.Logger, m *metrics.Collector) (*SSH, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	if timeout <= 0 {
		timeout = constants.DefaultDialTimeout
	}

	clientConfig, err := cfg.clientConfig(timeout)
	if err != nil {
		return nil, hferrors.New("ssh", hferrors.ErrInvalidSpec, err, addr)
	}

	client, err := connectWithRetry(ctx, TypeSSH, addr, timeout, rc, log, m, func(ctx context.Context) (*ssh.Client, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, hferrors.New("dial", hferrors.ErrTransportUnavailable, err, addr)
		}
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetDeadline(deadline)
		}
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
		if err != nil {
			conn.Close()
			return nil, hferrors.New("handshake", hferrors.ErrHandshakeFailed, err, addr)
		}
		_ = conn.SetDeadline(time.Time{})
		return ssh.NewClient(c, chans, reqs), nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("address", addr).Str("user", cfg.User).Msg("SSH transport connected")
	return NewSSH(client, cfg.KeepAliveInterval, log, m), nil
}

// NewSSH wraps an established client. The SSH transport owns the client
// from here on.
func NewSSH(client *ssh.Client, keepAlive time.Duration, log *logger.Logger, m *metrics.Collector) *SSH {
	if log == nil {
		log = logger.NewDefault()
	}
	s := &SSH{
		client: client,
		log:    log.WithStr("component", "ssh"),
		m:      m,
		done:   make(chan struct{}),
	}
	m.SetTransportConnected(TypeSSH, true)

	go func() {
		err := client.Wait()
		if !s.closed.Load() {
			s.log.Warn().Err(err).Msg("SSH connection lost")
		}
		s.Close()
	}()

	if keepAlive == 0 {
		keepAlive = constants.DefaultKeepAliveInterval
	}
	if keepAlive > 0 {
		go s.keepaliveLoop(keepAlive)
	}
	return s
}

// Name implements Transport.
func (s *SSH) Name() string { return TypeSSH }

// OpenChannel opens a direct-tcpip channel to remote carrying origin as the
// originator address. If ctx ends first the channel is closed as soon as it
// arrives.
func (s *SSH) OpenChannel(ctx context.Context, remote, origin channel.Endpoint) (channel.Channel, error) {
	if s.closed.Load() {
		return nil, hferrors.New("open", hferrors.ErrTransportClosed, nil, remote.String())
	}

	payload := ssh.Marshal(&directTCPIP{
		DestHost:   remote.Host,
		DestPort:   uint32(remote.Port),
		OriginHost: origin.Host,
		OriginPort: uint32(origin.Port),
	})

	type result struct {
		ch  ssh.Channel
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		ch, reqs, err := s.client.OpenChannel("direct-tcpip", payload)
		if err == nil {
			go ssh.DiscardRequests(reqs)
		}
		resCh <- result{ch, err}
	}()

	select {
	case r := <-resCh:
		if r.err != nil {
			var oce *ssh.OpenChannelError
			if errors.As(r.err, &oce) {
				return nil, hferrors.New("open", hferrors.ErrChannelOpen, r.err, remote.String())
			}
			return nil, hferrors.New("open", hferrors.ErrTransportClosed, r.err, remote.String())
		}
		return r.ch, nil
	case <-ctx.Done():
		go func() {
			if r := <-resCh; r.ch != nil {
				r.ch.Close()
			}
		}()
		return nil, hferrors.New("open", hferrors.ErrChannelTimeout, ctx.Err(), remote.String())
	}
}

func (s *SSH) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if _, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				s.log.Warn().Err(err).Msg("SSH keepalive failed, closing transport")
				s.Close()
				return
			}
		}
	}
}

// Done is closed when the transport has been closed or the connection lost.
func (s *SSH) Done() <-chan struct{} {
	return s.done
}

// Close closes the SSH connection. Open channels are closed with it.
func (s *SSH) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.m.SetTransportConnected(TypeSSH, false)
		err = s.client.Close()
	})
	return err
}
