// Package socks5 provides the SOCKS5 front end for dynamic forwarding:
// every CONNECT request becomes one remote channel.
package socks5

import (
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	hferrors "github.com/nickman/hfwd/internal/errors"
	"github.com/nickman/hfwd/internal/relay"
	"github.com/nickman/hfwd/pkg/logger"
)

// Protocol errors.
var (
	ErrUnsupportedVersion     = errors.New("unsupported SOCKS version")
	ErrUnsupportedCommand     = errors.New("unsupported command")
	ErrUnsupportedAddressType = errors.New("unsupported address type")
	ErrAuthFailed             = errors.New("authentication failed")
)

// SOCKS5 constants
const (
	Version5 = 0x05

	// Authentication methods
	AuthNone         = 0x00
	AuthUserPass     = 0x02
	AuthNoAcceptable = 0xFF

	// Commands
	CmdConnect = 0x01

	// Address types
	AddrTypeIPv4   = 0x01
	AddrTypeDomain = 0x03
	AddrTypeIPv6   = 0x04

	// Reply codes
	ReplySuccess                 = 0x00
	ReplyGeneralFailure          = 0x01
	ReplyNetworkUnreachable      = 0x03
	ReplyHostUnreachable         = 0x04
	ReplyConnectionRefused       = 0x05
	ReplyCommandNotSupported     = 0x07
	ReplyAddressTypeNotSupported = 0x08
)

// DefaultHandshakeTimeout bounds negotiation and the CONNECT request.
const DefaultHandshakeTimeout = 30 * time.Second

// DialFunc opens the channel for one CONNECT request. origin is the SOCKS
// client's address.
type DialFunc func(ctx context.Context, host string, port int, origin net.Addr) (net.Conn, error)

// Config holds SOCKS5 front end configuration. Authentication is required
// when both Username and Password are set.
type Config struct {
	Username   string
	Password   string
	BufferSize int
	// HandshakeTimeout bounds negotiation and reading the request. It does
	// not cover the channel open. Zero means DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration
}

// Server accepts SOCKS5 clients and relays each CONNECT through Dial.
type Server struct {
	config   Config
	dial     DialFunc
	listener net.Listener
	closed   atomic.Bool
	wg       sync.WaitGroup
	log      *logger.Logger
}

// NewServer creates a server. Nothing is accepted until Serve.
func NewServer(config Config, dial DialFunc, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefault()
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &Server{
		config: config,
		dial:   dial,
		log:    log.WithStr("component", "socks5"),
	}
}

// Listen binds addr for a later Serve.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return hferrors.New("bind", hferrors.ErrBindFailed, err, "socks5 "+addr)
	}
	s.listener = ln
	return nil
}

// Serve accepts clients until ctx ends or Close is called, then waits for
// the connections it started.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return hferrors.New("serve", hferrors.ErrInvalidSpec, nil, "socks5 listener not bound")
	}
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()
	defer s.wg.Wait()

	s.log.Info().Str("address", s.listener.Addr().String()).Msg("SOCKS5 listening")

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			s.Close()
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// Close stops accepting. Relays already running are left to finish.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// Addr returns the listener address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(s.config.HandshakeTimeout))

	if err := s.handleAuth(conn); err != nil {
		s.log.Debug().Err(err).Str("client", conn.RemoteAddr().String()).Msg("SOCKS5 negotiation failed")
		conn.Close()
		return
	}
	host, port, err := s.handleRequest(conn)
	if err != nil {
		s.log.Debug().Err(err).Str("client", conn.RemoteAddr().String()).Msg("SOCKS5 request rejected")
		conn.Close()
		return
	}

	// The dial is bounded by the open timeout, not the handshake deadline.
	_ = conn.SetDeadline(time.Time{})

	target := net.JoinHostPort(host, strconv.Itoa(port))
	remote, err := s.dial(ctx, host, port, conn.RemoteAddr())
	_ = conn.SetWriteDeadline(time.Now().Add(s.config.HandshakeTimeout))
	if err != nil {
		_ = sendReply(conn, replyCode(err), nil, 0)
		conn.Close()
		s.log.Warn().Err(err).
			Str("client", conn.RemoteAddr().String()).
			Str("target", target).
			Msg("SOCKS5 connect failed")
		return
	}

	if err := sendReply(conn, ReplySuccess, net.IPv4zero, 0); err != nil {
		conn.Close()
		remote.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})

	s.log.Debug().Str("client", conn.RemoteAddr().String()).Str("target", target).Msg("SOCKS5 connect")

	pair := relay.NewPair(conn, remote, nil, nil, relay.Config{BufferSize: s.config.BufferSize}, s.log)
	pair.Start()
	pair.Wait()
}

// replyCode maps a channel open failure to a SOCKS5 reply.
func replyCode(err error) byte {
	switch {
	case errors.Is(err, hferrors.ErrCircuitOpen), errors.Is(err, hferrors.ErrTransportClosed):
		return ReplyNetworkUnreachable
	case errors.Is(err, hferrors.ErrChannelTimeout):
		return ReplyHostUnreachable
	case errors.Is(err, hferrors.ErrChannelOpen):
		return ReplyConnectionRefused
	default:
		return ReplyGeneralFailure
	}
}

// handleAuth negotiates the authentication method.
func (s *Server) handleAuth(conn net.Conn) error {
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return err
	}
	if header[0] != Version5 {
		return ErrUnsupportedVersion
	}

	methods := make([]byte, int(header[1]))
	if _, err := io.ReadFull(conn, methods); err != nil {
		return err
	}

	want := byte(AuthNone)
	if s.config.Username != "" && s.config.Password != "" {
		want = AuthUserPass
	}

	offered := false
	for _, m := range methods {
		if m == want {
			offered = true
			break
		}
	}
	if !offered {
		_, _ = conn.Write([]byte{Version5, AuthNoAcceptable})
		return ErrAuthFailed
	}
	if _, err := conn.Write([]byte{Version5, want}); err != nil {
		return err
	}
	if want == AuthUserPass {
		return s.handleUserPassAuth(conn)
	}
	return nil
}

// handleUserPassAuth runs RFC 1929 username/password authentication.
func (s *Server) handleUserPassAuth(conn net.Conn) error {
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return err
	}
	username := make([]byte, int(header[1]))
	if _, err := io.ReadFull(conn, username); err != nil {
		return err
	}
	plen := make([]byte, 1)
	if _, err := io.ReadFull(conn, plen); err != nil {
		return err
	}
	password := make([]byte, int(plen[0]))
	if _, err := io.ReadFull(conn, password); err != nil {
		return err
	}

	userOK := subtle.ConstantTimeCompare(username, []byte(s.config.Username)) == 1
	passOK := subtle.ConstantTimeCompare(password, []byte(s.config.Password)) == 1
	if !userOK || !passOK {
		_, _ = conn.Write([]byte{0x01, 0x01})
		return ErrAuthFailed
	}
	_, err := conn.Write([]byte{0x01, 0x00})
	return err
}

// handleRequest reads a CONNECT request and returns its destination.
func (s *Server) handleRequest(conn net.Conn) (string, int, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return "", 0, err
	}
	if header[0] != Version5 {
		return "", 0, ErrUnsupportedVersion
	}
	if header[1] != CmdConnect {
		_ = sendReply(conn, ReplyCommandNotSupported, nil, 0)
		return "", 0, ErrUnsupportedCommand
	}

	var host string
	switch header[3] {
	case AddrTypeIPv4:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return "", 0, err
		}
		host = net.IP(addr).String()
	case AddrTypeDomain:
		n := make([]byte, 1)
		if _, err := io.ReadFull(conn, n); err != nil {
			return "", 0, err
		}
		domain := make([]byte, n[0])
		if _, err := io.ReadFull(conn, domain); err != nil {
			return "", 0, err
		}
		host = string(domain)
	case AddrTypeIPv6:
		addr := make([]byte, 16)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return "", 0, err
		}
		host = net.IP(addr).String()
	default:
		_ = sendReply(conn, ReplyAddressTypeNotSupported, nil, 0)
		return "", 0, ErrUnsupportedAddressType
	}

	port := make([]byte, 2)
	if _, err := io.ReadFull(conn, port); err != nil {
		return "", 0, err
	}
	return host, int(binary.BigEndian.Uint16(port)), nil
}

// sendReply writes a reply carrying bindAddr:bindPort.
func sendReply(conn net.Conn, code byte, bindAddr net.IP, bindPort uint16) error {
	if bindAddr == nil {
		bindAddr = net.IPv4zero
	}

	var reply []byte
	if ip4 := bindAddr.To4(); ip4 != nil {
		reply = append([]byte{Version5, code, 0x00, AddrTypeIPv4}, ip4...)
	} else {
		reply = append([]byte{Version5, code, 0x00, AddrTypeIPv6}, bindAddr.To16()...)
	}
	reply = binary.BigEndian.AppendUint16(reply, bindPort)
	_, err := conn.Write(reply)
	return err
}
