package transport

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nickman/hfwd/internal/channel"
	hferrors "github.com/nickman/hfwd/internal/errors"
	"github.com/nickman/hfwd/pkg/logger"
)

// startChannelServer serves yamux sessions on a loopback TCP listener.
func startChannelServer(t *testing.T, srv *ChannelServer) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

func dialTestYamux(t *testing.T, addr string, cfg YamuxConfig) *Yamux {
	t.Helper()
	y, err := DialYamux(context.Background(), addr, cfg, 5*time.Second, fastRetry(), logger.NewNop(), nil)
	if err != nil {
		t.Fatalf("DialYamux: %v", err)
	}
	t.Cleanup(func() { y.Close() })
	return y
}

func TestYamux_OpenChannelOverTCP(t *testing.T) {
	echo := startEchoServer(t)

	var (
		mu      sync.Mutex
		origins []channel.Endpoint
	)
	srv := NewChannelServer(logger.NewNop())
	srv.Dial = func(ctx context.Context, remote, origin channel.Endpoint) (net.Conn, error) {
		mu.Lock()
		origins = append(origins, origin)
		mu.Unlock()
		var d net.Dialer
		return d.DialContext(ctx, "tcp", remote.String())
	}
	addr := startChannelServer(t, srv)
	y := dialTestYamux(t, addr, YamuxConfig{})

	origin := channel.Endpoint{Host: "192.0.2.7", Port: 5555}
	for i := 0; i < 3; i++ {
		ch, err := y.OpenChannel(context.Background(), echo, origin)
		if err != nil {
			t.Fatalf("OpenChannel %d: %v", i, err)
		}
		echoRoundTrip(t, ch, "stream payload")
		ch.Close()
	}

	mu.Lock()
	defer mu.Unlock()
	if len(origins) != 3 {
		t.Fatalf("server dialed %d times, want 3", len(origins))
	}
	for _, o := range origins {
		if o != origin {
			t.Errorf("origin = %v, want %v", o, origin)
		}
	}
}

func TestYamux_OpenChannelRejected(t *testing.T) {
	addr := startChannelServer(t, NewChannelServer(logger.NewNop()))
	y := dialTestYamux(t, addr, YamuxConfig{})

	_, err := y.OpenChannel(context.Background(), closedPort(t), channel.Endpoint{Host: "127.0.0.1", Port: 1})
	if !errors.Is(err, hferrors.ErrChannelOpen) {
		t.Fatalf("expected ErrChannelOpen, got %v", err)
	}

	// The session survives a refused stream.
	echo := startEchoServer(t)
	ch, err := y.OpenChannel(context.Background(), echo, channel.Endpoint{Host: "127.0.0.1", Port: 1})
	if err != nil {
		t.Fatalf("OpenChannel after rejection: %v", err)
	}
	defer ch.Close()
	echoRoundTrip(t, ch, "still alive")
}

func TestYamux_OpenChannelTimeout(t *testing.T) {
	block := make(chan struct{})

	srv := NewChannelServer(logger.NewNop())
	srv.Dial = func(ctx context.Context, remote, origin channel.Endpoint) (net.Conn, error) {
		<-block
		return nil, errors.New("unblocked")
	}
	srv.DialTimeout = time.Minute
	addr := startChannelServer(t, srv)
	y := dialTestYamux(t, addr, YamuxConfig{})
	// Registered last so it runs before the server waits for its streams.
	t.Cleanup(func() { close(block) })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := y.OpenChannel(ctx, channel.Endpoint{Host: "127.0.0.1", Port: 9}, channel.Endpoint{})
	if !errors.Is(err, hferrors.ErrChannelTimeout) {
		t.Fatalf("expected ErrChannelTimeout, got %v", err)
	}
}

func TestYamux_OverWebSocket(t *testing.T) {
	echo := startEchoServer(t)

	wsl := NewWebSocketListener(nil, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}, logger.NewNop())
	hs := httptest.NewServer(wsl)
	t.Cleanup(hs.Close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ServeYamux(ctx, wsl, logger.NewNop())
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	wsURL := "ws" + strings.TrimPrefix(hs.URL, "http") + "/tunnel"
	y := dialTestYamux(t, "", YamuxConfig{WebSocket: DefaultWebSocketConfig(wsURL)})

	ch, err := y.OpenChannel(context.Background(), echo, channel.Endpoint{Host: "127.0.0.1", Port: 1})
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	defer ch.Close()
	echoRoundTrip(t, ch, "through a websocket")
}

func TestYamux_CloseEndsChannels(t *testing.T) {
	addr := startChannelServer(t, NewChannelServer(logger.NewNop()))
	y := dialTestYamux(t, addr, YamuxConfig{})

	if err := y.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, err := y.OpenChannel(context.Background(), startEchoServer(t), channel.Endpoint{})
	if !errors.Is(err, hferrors.ErrTransportClosed) {
		t.Fatalf("expected ErrTransportClosed, got %v", err)
	}
}

func TestParseHeader(t *testing.T) {
	tests := []struct {
		line    string
		remote  channel.Endpoint
		origin  channel.Endpoint
		wantErr bool
	}{
		{"db:5432 10.0.0.1:40000", channel.Endpoint{Host: "db", Port: 5432}, channel.Endpoint{Host: "10.0.0.1", Port: 40000}, false},
		{"[::1]:80 [::1]:1234", channel.Endpoint{Host: "::1", Port: 80}, channel.Endpoint{Host: "::1", Port: 1234}, false},
		{"db:5432", channel.Endpoint{}, channel.Endpoint{}, true},
		{"db 10.0.0.1:1", channel.Endpoint{}, channel.Endpoint{}, true},
		{"db:0 10.0.0.1:1", channel.Endpoint{}, channel.Endpoint{}, true},
		{"", channel.Endpoint{}, channel.Endpoint{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			remote, origin, err := parseHeader(tt.line)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseHeader(%q) error = %v, wantErr %v", tt.line, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if remote != tt.remote || origin != tt.origin {
				t.Errorf("parseHeader(%q) = %v %v, want %v %v", tt.line, remote, origin, tt.remote, tt.origin)
			}
		})
	}
}

func TestReadLine_TooLong(t *testing.T) {
	long := strings.Repeat("a", 600) + "\n"
	if _, err := readLine(strings.NewReader(long)); err == nil {
		t.Fatal("expected error for oversized line")
	}
	got, err := readLine(strings.NewReader("OK\nrest"))
	if err != nil || got != "OK" {
		t.Fatalf("readLine = %q, %v", got, err)
	}
}
