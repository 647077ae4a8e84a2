package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nickman/hfwd/internal/constants"
	"github.com/nickman/hfwd/pkg/logger"
)

// WebSocketConfig configures the WebSocket carrier for the yamux transport.
type WebSocketConfig struct {
	URL              string
	TLSConfig        *tls.Config
	HandshakeTimeout time.Duration
	MaxMessageSize   int64
	ReadBufferSize   int
	WriteBufferSize  int
	// ResolveIP allows manual IP specification instead of DNS lookup
	ResolveIP string
	// IPVersion forces IPv4 ("4") or IPv6 ("6"), empty for auto
	IPVersion string
	// TCPNoDelay disables Nagle's algorithm for lower latency
	TCPNoDelay bool
}

// DefaultWebSocketConfig returns a WebSocketConfig with sensible defaults.
func DefaultWebSocketConfig(url string) *WebSocketConfig {
	return &WebSocketConfig{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		MaxMessageSize:   1024 * 1024, // 1MB
		ReadBufferSize:   constants.DefaultBufferSize,
		WriteBufferSize:  constants.DefaultBufferSize,
		TCPNoDelay:       true,
	}
}

func getNetworkType(ipVersion string) string {
	switch ipVersion {
	case "4":
		return "tcp4"
	case "6":
		return "tcp6"
	default:
		return "tcp"
	}
}

// dialContext honours ResolveIP, IPVersion and TCPNoDelay.
func dialContext(cfg *WebSocketConfig) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		dialer := &net.Dialer{
			Timeout:   cfg.HandshakeTimeout,
			KeepAlive: constants.DefaultKeepAliveInterval,
		}

		if cfg.IPVersion != "" {
			network = getNetworkType(cfg.IPVersion)
		}
		if cfg.ResolveIP != "" {
			_, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			addr = net.JoinHostPort(cfg.ResolveIP, port)
		}

		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok && cfg.TCPNoDelay {
			_ = tcpConn.SetNoDelay(true)
		}
		return conn, nil
	}
}

// DialWebSocket connects to cfg.URL and returns the WebSocket as a net.Conn
// carrying binary messages.
func DialWebSocket(ctx context.Context, cfg *WebSocketConfig) (net.Conn, error) {
	dialer := websocket.Dialer{
		TLSClientConfig:  cfg.TLSConfig,
		HandshakeTimeout: cfg.HandshakeTimeout,
		NetDialContext:   dialContext(cfg),
		ReadBufferSize:   cfg.ReadBufferSize,
		WriteBufferSize:  cfg.WriteBufferSize,
	}

	// With ResolveIP the TLS server name must still come from the URL.
	if cfg.ResolveIP != "" && cfg.TLSConfig != nil && cfg.TLSConfig.ServerName == "" {
		if parsed, err := url.Parse(cfg.URL); err == nil {
			tlsConfig := cfg.TLSConfig.Clone()
			tlsConfig.ServerName = parsed.Hostname()
			dialer.TLSClientConfig = tlsConfig
		}
	}

	ws, _, err := dialer.DialContext(ctx, cfg.URL, http.Header{})
	if err != nil {
		return nil, err
	}
	if cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(cfg.MaxMessageSize)
	}
	return newWSConn(ws), nil
}

// wsConn adapts a gorilla WebSocket to net.Conn. Each Write is one binary
// message; Read drains messages as a byte stream.
type wsConn struct {
	ws *websocket.Conn

	rmu    sync.Mutex
	reader io.Reader

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(b []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	for {
		if c.reader == nil {
			mt, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}

		n, err := c.reader.Read(b)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(b []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close sends a close frame (best effort) and closes the socket.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

// WebSocketServerConfig configures WebSocketListener.
type WebSocketServerConfig struct {
	ReadBufferSize   int
	WriteBufferSize  int
	MaxMessageSize   int64
	HandshakeTimeout time.Duration
	// Backlog is the number of upgraded connections waiting for Accept.
	Backlog int
}

// DefaultWebSocketServerConfig returns a WebSocketServerConfig with sensible defaults.
func DefaultWebSocketServerConfig() *WebSocketServerConfig {
	return &WebSocketServerConfig{
		ReadBufferSize:   constants.DefaultBufferSize,
		WriteBufferSize:  constants.DefaultBufferSize,
		MaxMessageSize:   1024 * 1024, // 1MB
		HandshakeTimeout: 10 * time.Second,
		Backlog:          64,
	}
}

// WebSocketListener is an http.Handler that upgrades requests and hands the
// resulting connections out through the net.Listener interface.
type WebSocketListener struct {
	upgrader websocket.Upgrader
	config   *WebSocketServerConfig
	addr     net.Addr
	connCh   chan net.Conn
	closeCh  chan struct{}
	once     sync.Once
	log      *logger.Logger
}

// NewWebSocketListener creates a listener reporting addr as its address.
func NewWebSocketListener(config *WebSocketServerConfig, addr net.Addr, log *logger.Logger) *WebSocketListener {
	if config == nil {
		config = DefaultWebSocketServerConfig()
	}
	if log == nil {
		log = logger.NewDefault()
	}
	backlog := config.Backlog
	if backlog <= 0 {
		backlog = 64
	}
	return &WebSocketListener{
		upgrader: websocket.Upgrader{
			ReadBufferSize:   config.ReadBufferSize,
			WriteBufferSize:  config.WriteBufferSize,
			HandshakeTimeout: config.HandshakeTimeout,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for tunnel connections
			},
		},
		config:  config,
		addr:    addr,
		connCh:  make(chan net.Conn, backlog),
		closeCh: make(chan struct{}),
		log:     log.WithStr("component", "websocket"),
	}
}

// ServeHTTP upgrades HTTP connections to WebSocket.
func (l *WebSocketListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-l.closeCh:
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Error().Err(err).
			Str("remote_addr", r.RemoteAddr).
			Str("path", r.URL.Path).
			Msg("WebSocket upgrade failed")
		return
	}
	if l.config.MaxMessageSize > 0 {
		ws.SetReadLimit(l.config.MaxMessageSize)
	}
	conn := newWSConn(ws)

	select {
	case l.connCh <- conn:
		l.log.Debug().Str("remote_addr", r.RemoteAddr).Msg("Accepted WebSocket connection")
	case <-l.closeCh:
		conn.Close()
	default:
		conn.Close()
		l.log.Warn().
			Str("remote_addr", r.RemoteAddr).
			Int("backlog", cap(l.connCh)).
			Msg("Rejected connection: backlog full")
	}
}

// Accept implements net.Listener.
func (l *WebSocketListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case <-l.closeCh:
		return nil, net.ErrClosed
	}
}

// Close implements net.Listener. Pending connections are closed.
func (l *WebSocketListener) Close() error {
	l.once.Do(func() {
		close(l.closeCh)
		for {
			select {
			case conn := <-l.connCh:
				conn.Close()
			default:
				return
			}
		}
	})
	return nil
}

// Addr implements net.Listener.
func (l *WebSocketListener) Addr() net.Addr {
	return l.addr
}
