// Package metrics provides Prometheus metrics for hfwd.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nickman/hfwd/internal/registry"
)

// Namespace is the Prometheus namespace for hfwd metrics.
const Namespace = "hfwd"

// Collector holds the engine-wide metrics. All Record methods are safe to
// call on a nil *Collector.
type Collector struct {
	// Channel metrics
	ChannelOpens        *prometheus.CounterVec
	ChannelOpenFailures *prometheus.CounterVec
	ChannelOpenLatency  *prometheus.HistogramVec

	// Connection metrics
	Accepts      prometheus.Counter
	ActiveRelays prometheus.Gauge

	// Session metrics
	ActiveSessions prometheus.Gauge
	SessionsOpened prometheus.Counter
	SessionsClosed prometheus.Counter

	// Transport metrics
	TransportConnected *prometheus.GaugeVec
	TransportDials     *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec

	ConfigReloads *prometheus.CounterVec
}

// NewCollector creates a new metrics collector. Call Register to expose it.
func NewCollector() *Collector {
	return &Collector{
		ChannelOpens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "channel_opens_total",
				Help:      "Total number of remote channels opened",
			},
			[]string{"transport"},
		),
		ChannelOpenFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "channel_open_failures_total",
				Help:      "Total number of failed remote channel opens",
			},
			[]string{"reason"}, // "timeout", "refused", "circuit_open", "transport_closed"
		),
		ChannelOpenLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "channel_open_seconds",
				Help:      "Time taken to open a remote channel",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
			},
			[]string{"transport"},
		),
		Accepts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "accepts_total",
				Help:      "Total number of local connections accepted",
			},
		),
		ActiveRelays: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "active_relay_pairs",
				Help:      "Number of connections currently being relayed",
			},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "active_sessions",
				Help:      "Number of currently open forwarding sessions",
			},
		),
		SessionsOpened: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "sessions_opened_total",
				Help:      "Total number of forwarding sessions opened",
			},
		),
		SessionsClosed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "sessions_closed_total",
				Help:      "Total number of forwarding sessions closed",
			},
		),
		TransportConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "transport_connected",
				Help:      "Transport connection status (1 = connected, 0 = disconnected)",
			},
			[]string{"transport"},
		),
		TransportDials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "transport_dials_total",
				Help:      "Transport dial attempts by result",
			},
			[]string{"transport", "result"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0 = closed, 1 = open, 2 = half-open)",
			},
			[]string{"name"},
		),
		CircuitBreakerTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"name"},
		),
		ConfigReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "config_reloads_total",
				Help:      "Configuration reloads by result",
			},
			[]string{"result"},
		),
	}
}

// Register registers all metrics with the given registry.
func (c *Collector) Register(reg prometheus.Registerer) error {
	for _, collector := range []prometheus.Collector{
		c.ChannelOpens,
		c.ChannelOpenFailures,
		c.ChannelOpenLatency,
		c.Accepts,
		c.ActiveRelays,
		c.ActiveSessions,
		c.SessionsOpened,
		c.SessionsClosed,
		c.TransportConnected,
		c.TransportDials,
		c.CircuitBreakerState,
		c.CircuitBreakerTrips,
		c.ConfigReloads,
	} {
		if err := reg.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// MustRegister registers all metrics and panics on error.
func (c *Collector) MustRegister(reg prometheus.Registerer) {
	if err := c.Register(reg); err != nil {
		panic(err)
	}
}

// RecordChannelOpened records a successful channel open and its latency.
func (c *Collector) RecordChannelOpened(transport string, d time.Duration) {
	if c == nil {
		return
	}
	c.ChannelOpens.WithLabelValues(transport).Inc()
	c.ChannelOpenLatency.WithLabelValues(transport).Observe(d.Seconds())
}

// RecordChannelFailure records a failed channel open.
func (c *Collector) RecordChannelFailure(reason string) {
	if c == nil {
		return
	}
	c.ChannelOpenFailures.WithLabelValues(reason).Inc()
}

// RecordAccept records an accepted local connection.
func (c *Collector) RecordAccept() {
	if c == nil {
		return
	}
	c.Accepts.Inc()
}

// RecordRelayStarted records a relay pair starting.
func (c *Collector) RecordRelayStarted() {
	if c == nil {
		return
	}
	c.ActiveRelays.Inc()
}

// RecordRelayClosed records a relay pair closing.
func (c *Collector) RecordRelayClosed() {
	if c == nil {
		return
	}
	c.ActiveRelays.Dec()
}

// RecordSessionOpened records a forwarding session opening.
func (c *Collector) RecordSessionOpened() {
	if c == nil {
		return
	}
	c.ActiveSessions.Inc()
	c.SessionsOpened.Inc()
}

// RecordSessionClosed records a forwarding session closing.
func (c *Collector) RecordSessionClosed() {
	if c == nil {
		return
	}
	c.ActiveSessions.Dec()
	c.SessionsClosed.Inc()
}

// SetTransportConnected sets the transport connection status.
func (c *Collector) SetTransportConnected(transport string, connected bool) {
	if c == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	c.TransportConnected.WithLabelValues(transport).Set(value)
}

// RecordTransportDial records a transport dial attempt; result is
// "success" or "failure".
func (c *Collector) RecordTransportDial(transport, result string) {
	if c == nil {
		return
	}
	c.TransportDials.WithLabelValues(transport, result).Inc()
}

// SetCircuitBreakerState sets the circuit breaker state.
// state: 0 = closed, 1 = open, 2 = half-open
func (c *Collector) SetCircuitBreakerState(name string, state int) {
	if c == nil {
		return
	}
	c.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordCircuitBreakerTrip records a circuit breaker trip.
func (c *Collector) RecordCircuitBreakerTrip(name string) {
	if c == nil {
		return
	}
	c.CircuitBreakerTrips.WithLabelValues(name).Inc()
}

// RecordConfigReload records a configuration reload ("success" or "failure").
func (c *Collector) RecordConfigReload(result string) {
	if c == nil {
		return
	}
	c.ConfigReloads.WithLabelValues(result).Inc()
}

// EndpointCollector exports the aggregate per-endpoint statistics held in a
// registry.Registry.
type EndpointCollector struct {
	reg *registry.Registry

	opens     *prometheus.Desc
	closes    *prometheus.Desc
	open      *prometheus.Desc
	bytesUp   *prometheus.Desc
	bytesDown *prometheus.Desc
	accepts   *prometheus.Desc
	failures  *prometheus.Desc
}

// NewEndpointCollector creates a collector over reg.
func NewEndpointCollector(reg *registry.Registry) *EndpointCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(Namespace, "endpoint", name), help, []string{"remote"}, nil)
	}
	return &EndpointCollector{
		reg:       reg,
		opens:     desc("opens_total", "Sessions opened to the remote endpoint"),
		closes:    desc("closes_total", "Sessions closed to the remote endpoint"),
		open:      desc("open_sessions", "Sessions currently open to the remote endpoint"),
		bytesUp:   desc("bytes_up_total", "Bytes sent to the remote endpoint"),
		bytesDown: desc("bytes_down_total", "Bytes received from the remote endpoint"),
		accepts:   desc("accepts_total", "Local connections accepted for the remote endpoint"),
		failures:  desc("channel_failures_total", "Failed channel opens to the remote endpoint"),
	}
}

// Describe implements prometheus.Collector.
func (c *EndpointCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.opens
	ch <- c.closes
	ch <- c.open
	ch <- c.bytesUp
	ch <- c.bytesDown
	ch <- c.accepts
	ch <- c.failures
}

// Collect implements prometheus.Collector.
func (c *EndpointCollector) Collect(ch chan<- prometheus.Metric) {
	for _, e := range c.reg.Entries() {
		s := e.Snapshot()
		remote := s.Endpoint.String()
		ch <- prometheus.MustNewConstMetric(c.opens, prometheus.CounterValue, float64(s.Opens), remote)
		ch <- prometheus.MustNewConstMetric(c.closes, prometheus.CounterValue, float64(s.Closes), remote)
		ch <- prometheus.MustNewConstMetric(c.open, prometheus.GaugeValue, float64(s.OpenCount), remote)
		ch <- prometheus.MustNewConstMetric(c.bytesUp, prometheus.CounterValue, float64(s.BytesUp), remote)
		ch <- prometheus.MustNewConstMetric(c.bytesDown, prometheus.CounterValue, float64(s.BytesDown), remote)
		ch <- prometheus.MustNewConstMetric(c.accepts, prometheus.CounterValue, float64(s.Accepts), remote)
		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(s.Failures), remote)
	}
}

// Server is an HTTP server that exposes Prometheus metrics.
type Server struct {
	server   *http.Server
	mux      *http.ServeMux
	registry *prometheus.Registry
	addr     string
	listener net.Listener
}

// ServerConfig holds configuration for the metrics server.
type ServerConfig struct {
	Addr string
	Path string
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Addr: "127.0.0.1:9090",
		Path: "/metrics",
	}
}

// NewServer creates a metrics server exposing registry. A nil registry gets
// a fresh one; process and Go runtime collectors are added either way.
func NewServer(config *ServerConfig, registry *prometheus.Registry) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())

	mux := http.NewServeMux()
	mux.Handle(config.Path, Handler(registry))

	return &Server{
		server: &http.Server{
			Addr:         config.Addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		mux:      mux,
		registry: registry,
		addr:     config.Addr,
	}
}

// Handle adds handler to the server's mux. Call before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Registry returns the Prometheus registry.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Listen binds the server address without serving yet.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.addr = ln.Addr().String()
	return nil
}

// Start serves metrics until Shutdown. It binds first if Listen was not
// called. http.ErrServerClosed is not reported.
func (s *Server) Start() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Addr returns the server address, the bound address once listening.
func (s *Server) Addr() string {
	return s.addr
}

// Handler returns an HTTP handler for the metrics endpoint.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
