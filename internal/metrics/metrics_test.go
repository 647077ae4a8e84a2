package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nickman/hfwd/internal/registry"
)

func TestCollector_Register(t *testing.T) {
	c := NewCollector()
	reg := prometheus.NewRegistry()

	if err := c.Register(reg); err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	if err := c.Register(reg); err == nil {
		t.Error("expected error when registering twice")
	}
}

func TestCollector_ChannelMetrics(t *testing.T) {
	c := NewCollector()
	c.MustRegister(prometheus.NewRegistry())

	c.RecordChannelOpened("ssh", 5*time.Millisecond)
	c.RecordChannelOpened("ssh", 7*time.Millisecond)
	c.RecordChannelOpened("yamux", time.Millisecond)
	c.RecordChannelFailure("timeout")
	c.RecordChannelFailure("refused")
	c.RecordChannelFailure("refused")

	expected := `
# HELP hfwd_channel_opens_total Total number of remote channels opened
# TYPE hfwd_channel_opens_total counter
hfwd_channel_opens_total{transport="ssh"} 2
hfwd_channel_opens_total{transport="yamux"} 1
`
	if err := testutil.CollectAndCompare(c.ChannelOpens, strings.NewReader(expected)); err != nil {
		t.Errorf("channel opens mismatch: %v", err)
	}

	if got := testutil.ToFloat64(c.ChannelOpenFailures.WithLabelValues("refused")); got != 2 {
		t.Errorf("expected 2 refused failures, got %v", got)
	}
	if n := testutil.CollectAndCount(c.ChannelOpenLatency); n != 2 {
		t.Errorf("expected 2 latency series, got %d", n)
	}
}

func TestCollector_SessionAndRelayMetrics(t *testing.T) {
	c := NewCollector()

	c.RecordSessionOpened()
	c.RecordSessionOpened()
	c.RecordSessionClosed()
	c.RecordAccept()
	c.RecordRelayStarted()
	c.RecordRelayStarted()
	c.RecordRelayClosed()

	if got := testutil.ToFloat64(c.ActiveSessions); got != 1 {
		t.Errorf("expected 1 active session, got %v", got)
	}
	if got := testutil.ToFloat64(c.SessionsOpened); got != 2 {
		t.Errorf("expected 2 opened, got %v", got)
	}
	if got := testutil.ToFloat64(c.SessionsClosed); got != 1 {
		t.Errorf("expected 1 closed, got %v", got)
	}
	if got := testutil.ToFloat64(c.ActiveRelays); got != 1 {
		t.Errorf("expected 1 active relay, got %v", got)
	}
	if got := testutil.ToFloat64(c.Accepts); got != 1 {
		t.Errorf("expected 1 accept, got %v", got)
	}
}

func TestCollector_TransportAndBreakerMetrics(t *testing.T) {
	c := NewCollector()

	c.SetTransportConnected("ssh", true)
	c.RecordTransportDial("ssh", "failure")
	c.RecordTransportDial("ssh", "success")
	c.SetCircuitBreakerState("ssh", 1)
	c.RecordCircuitBreakerTrip("ssh")

	if got := testutil.ToFloat64(c.TransportConnected.WithLabelValues("ssh")); got != 1 {
		t.Errorf("expected connected, got %v", got)
	}
	if got := testutil.ToFloat64(c.TransportDials.WithLabelValues("ssh", "failure")); got != 1 {
		t.Errorf("expected 1 failed dial, got %v", got)
	}
	if got := testutil.ToFloat64(c.CircuitBreakerState.WithLabelValues("ssh")); got != 1 {
		t.Errorf("expected open breaker, got %v", got)
	}
	if got := testutil.ToFloat64(c.CircuitBreakerTrips.WithLabelValues("ssh")); got != 1 {
		t.Errorf("expected 1 trip, got %v", got)
	}

	c.SetTransportConnected("ssh", false)
	if got := testutil.ToFloat64(c.TransportConnected.WithLabelValues("ssh")); got != 0 {
		t.Errorf("expected disconnected, got %v", got)
	}
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	c.RecordChannelOpened("ssh", time.Second)
	c.RecordChannelFailure("timeout")
	c.RecordAccept()
	c.RecordRelayStarted()
	c.RecordRelayClosed()
	c.RecordSessionOpened()
	c.RecordSessionClosed()
	c.SetTransportConnected("ssh", true)
	c.RecordTransportDial("ssh", "success")
	c.SetCircuitBreakerState("ssh", 0)
	c.RecordCircuitBreakerTrip("ssh")
	c.RecordConfigReload("success")
}

func TestEndpointCollector(t *testing.T) {
	reg := registry.New()
	e := reg.GetOrCreate("db", 5432)
	e.IncrementOpens()
	e.IncrementOpens()
	e.IncrementCloses()
	e.BytesUp().Add(100)
	e.BytesDown().Add(250)
	e.Accepts().Add(3)
	e.Failures().Inc()
	reg.GetOrCreate("cache", 6379)

	c := NewEndpointCollector(reg)

	expected := `
# HELP hfwd_endpoint_bytes_down_total Bytes received from the remote endpoint
# TYPE hfwd_endpoint_bytes_down_total counter
hfwd_endpoint_bytes_down_total{remote="cache:6379"} 0
hfwd_endpoint_bytes_down_total{remote="db:5432"} 250
# HELP hfwd_endpoint_open_sessions Sessions currently open to the remote endpoint
# TYPE hfwd_endpoint_open_sessions gauge
hfwd_endpoint_open_sessions{remote="cache:6379"} 0
hfwd_endpoint_open_sessions{remote="db:5432"} 1
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"hfwd_endpoint_bytes_down_total", "hfwd_endpoint_open_sessions"); err != nil {
		t.Error(err)
	}

	if n := testutil.CollectAndCount(c); n != 14 {
		t.Errorf("expected 14 series for two endpoints, got %d", n)
	}
}

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	if cfg.Addr != "127.0.0.1:9090" {
		t.Errorf("expected Addr 127.0.0.1:9090, got %s", cfg.Addr)
	}
	if cfg.Path != "/metrics" {
		t.Errorf("expected Path /metrics, got %s", cfg.Path)
	}
}

func TestServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector()
	c.MustRegister(reg)
	c.RecordSessionOpened()

	s := NewServer(&ServerConfig{Addr: "127.0.0.1:0", Path: "/metrics"}, reg)
	if err := s.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if s.Registry() != reg {
		t.Error("expected server to expose the given registry")
	}
	s.Handle("/ping", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "pong")
	}))

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if !strings.Contains(string(body), "hfwd_sessions_opened_total 1") {
		t.Errorf("expected session counter in output")
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Errorf("expected Go runtime metrics in output")
	}

	resp, err = http.Get("http://" + s.Addr() + "/ping")
	if err != nil {
		t.Fatalf("get ping: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "pong" {
		t.Errorf("expected extra handler to be served, got %q", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("shutdown: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Errorf("start returned %v", err)
	}
}
