package forward

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nickman/hfwd/internal/channel"
	"github.com/nickman/hfwd/internal/counter"
	hferrors "github.com/nickman/hfwd/internal/errors"
	"github.com/nickman/hfwd/pkg/logger"
)

// startEchoServer starts a TCP echo server and returns its endpoint.
func startEchoServer(t *testing.T) channel.Endpoint {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo server listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return channel.EndpointFromAddr(l.Addr())
}

// tcpMux opens channels as plain TCP connections, failing the calls for
// which fail returns true.
type tcpMux struct {
	calls atomic.Int32
	fail  func(call int32) bool
}

func (m *tcpMux) OpenChannel(ctx context.Context, remote, origin channel.Endpoint) (channel.Channel, error) {
	n := m.calls.Add(1)
	if m.fail != nil && m.fail(n) {
		return nil, hferrors.New("open", hferrors.ErrChannelOpen, errors.New("refused by test"), remote.String())
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", remote.String())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func roundTrip(t *testing.T, conn net.Conn, msg string) {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write([]byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != msg {
		t.Fatalf("echo = %q, want %q", buf, msg)
	}
}

func newTestAcceptor(t *testing.T, remote channel.Endpoint, mux channel.Multiplexer, cfg AcceptorConfig) *Acceptor {
	t.Helper()
	cfg.Bind = "127.0.0.1:0"
	cfg.Remote = remote
	a, err := NewAcceptor(cfg, mux, logger.NewNop(), nil)
	if err != nil {
		t.Fatalf("NewAcceptor: %v", err)
	}
	t.Cleanup(func() {
		a.Stop()
		a.Wait()
	})
	return a
}

func TestAcceptor_FailedOpenIsConnectionScoped(t *testing.T) {
	echo := startEchoServer(t)
	mux := &tcpMux{fail: func(call int32) bool { return call == 2 }}
	accepts, failures := counter.New(), counter.New()

	a := newTestAcceptor(t, echo, mux, AcceptorConfig{Accepts: accepts, Failures: failures})
	a.Start()

	dial := func() net.Conn {
		conn, err := net.Dial("tcp", a.Addr().String())
		if err != nil {
			t.Fatalf("dial acceptor: %v", err)
		}
		t.Cleanup(func() { conn.Close() })
		return conn
	}

	c1 := dial()
	roundTrip(t, c1, "first")

	c2 := dial()
	_ = c2.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := c2.Read(make([]byte, 1)); err == nil {
		t.Fatal("connection #2 should have been closed")
	}

	c3 := dial()
	roundTrip(t, c3, "third")

	if got := a.ActivePairs(); got != 2 {
		t.Errorf("ActivePairs() = %d, want 2", got)
	}
	if got := accepts.Value(); got != 3 {
		t.Errorf("accepts = %d, want 3", got)
	}
	if got := failures.Value(); got != 1 {
		t.Errorf("failures = %d, want 1", got)
	}
	select {
	case <-a.Done():
		t.Fatal("accept loop exited after a failed open")
	default:
	}

	// Still accepting.
	roundTrip(t, dial(), "fourth")
}

func TestAcceptor_CountsBytes(t *testing.T) {
	echo := startEchoServer(t)
	up, down := counter.New(), counter.New()
	a := newTestAcceptor(t, echo, &tcpMux{}, AcceptorConfig{BytesUp: up, BytesDown: down})
	a.Start()

	conn, err := net.Dial("tcp", a.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	roundTrip(t, conn, "0123456789")

	if up.Value() < 10 {
		t.Errorf("bytes up = %d, want >= 10", up.Value())
	}
	waitFor(t, "bytes down", func() bool { return down.Value() >= 10 })
}

func TestAcceptor_BindFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	remote := channel.Endpoint{Host: "db", Port: 5432}
	_, err = NewAcceptor(AcceptorConfig{Bind: l.Addr().String(), Remote: remote}, &tcpMux{}, logger.NewNop(), nil)
	if !errors.Is(err, hferrors.ErrBindFailed) {
		t.Fatalf("expected ErrBindFailed, got %v", err)
	}
	var fe *hferrors.ForwardError
	if !errors.As(err, &fe) || fe.Details != l.Addr().String()+" -> db:5432" {
		t.Errorf("error should name the bind and remote, got %v", err)
	}
}

func TestAcceptor_StopIsIdempotentAndTearsDownPairs(t *testing.T) {
	echo := startEchoServer(t)
	var stops atomic.Int32
	a := newTestAcceptor(t, echo, &tcpMux{}, AcceptorConfig{OnStop: func() { stops.Add(1) }})
	a.Start()

	conn, err := net.Dial("tcp", a.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	roundTrip(t, conn, "live")

	a.Stop()
	a.Stop()

	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("accept loop did not exit")
	}
	if got := stops.Load(); got != 1 {
		t.Errorf("OnStop ran %d times, want 1", got)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("live connection should be closed by Stop")
	}
	waitFor(t, "pairs torn down", func() bool { return a.ActivePairs() == 0 })

	if _, err := net.DialTimeout("tcp", a.Addr().String(), time.Second); err == nil {
		t.Error("listener should be closed")
	}
}

func TestAcceptor_ListenerFailureRunsOnStop(t *testing.T) {
	var stops atomic.Int32
	a := newTestAcceptor(t, startEchoServer(t), &tcpMux{}, AcceptorConfig{OnStop: func() { stops.Add(1) }})
	a.Start()

	a.listener.Close()

	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("accept loop did not exit")
	}
	if !a.Stopped() {
		t.Error("acceptor should be stopped after accept failure")
	}
	if got := stops.Load(); got != 1 {
		t.Errorf("OnStop ran %d times, want 1", got)
	}
}

func TestAcceptor_OpenTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	mux := channel.MultiplexerFunc(func(ctx context.Context, remote, origin channel.Endpoint) (channel.Channel, error) {
		select {
		case <-ctx.Done():
			return nil, hferrors.New("open", hferrors.ErrChannelTimeout, ctx.Err(), remote.String())
		case <-block:
			return nil, errors.New("unblocked")
		}
	})
	failures := counter.New()
	a := newTestAcceptor(t, channel.Endpoint{Host: "127.0.0.1", Port: 9}, mux,
		AcceptorConfig{OpenTimeout: 50 * time.Millisecond, Failures: failures})
	a.Start()

	conn, err := net.Dial("tcp", a.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("connection should be closed after the open timed out")
	}
	waitFor(t, "failure counted", func() bool { return failures.Value() == 1 })
}

func TestAcceptor_OriginIsClientAddress(t *testing.T) {
	origins := make(chan channel.Endpoint, 1)
	mux := channel.MultiplexerFunc(func(ctx context.Context, remote, origin channel.Endpoint) (channel.Channel, error) {
		origins <- origin
		return nil, errors.New("not forwarding")
	})
	a := newTestAcceptor(t, channel.Endpoint{Host: "127.0.0.1", Port: 9}, mux, AcceptorConfig{})
	a.Start()

	conn, err := net.Dial("tcp", a.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	select {
	case got := <-origins:
		if want := channel.EndpointFromAddr(conn.LocalAddr()); got != want {
			t.Errorf("origin = %v, want %v", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("multiplexer not called")
	}
}

func TestResolveBind(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"8080", "127.0.0.1:8080", false},
		{"0", "127.0.0.1:0", false},
		{"0.0.0.0:5432", "0.0.0.0:5432", false},
		{":9000", "127.0.0.1:9000", false},
		{"[::1]:22", "[::1]:22", false},
		{"", "", true},
		{"70000", "", true},
		{"host:port", "", true},
		{"a:b:c", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ResolveBind(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ResolveBind(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ResolveBind(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
