package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SessionSource is the read side of a forwarding session.
type SessionSource interface {
	IsOpen() bool
	BytesUp() int64
	BytesDown() int64
	Accepts() int64
}

// SessionCollector exports one session's state and lifetime totals.
type SessionCollector struct {
	src SessionSource

	open      *prometheus.Desc
	bytesUp   *prometheus.Desc
	bytesDown *prometheus.Desc
	accepts   *prometheus.Desc
}

// SessionLabels are the constant labels identifying a session's series.
func SessionLabels(forward, local, remote string) prometheus.Labels {
	return prometheus.Labels{
		"forward": forward,
		"local":   local,
		"remote":  remote,
	}
}

// NewSessionCollector creates a collector reading from src. Sessions with
// equal labels produce identical descriptors and cannot be registered at the
// same time.
func NewSessionCollector(src SessionSource, labels prometheus.Labels) *SessionCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("hfwd", "session", name), help, nil, labels)
	}
	return &SessionCollector{
		src:       src,
		open:      desc("open", "Whether the forwarding session is open (1) or closed (0)"),
		bytesUp:   desc("bytes_up_total", "Bytes sent from local connections to the remote endpoint"),
		bytesDown: desc("bytes_down_total", "Bytes received from the remote endpoint"),
		accepts:   desc("accepts_total", "Local connections accepted"),
	}
}

// Describe implements prometheus.Collector.
func (c *SessionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.open
	ch <- c.bytesUp
	ch <- c.bytesDown
	ch <- c.accepts
}

// Collect implements prometheus.Collector.
func (c *SessionCollector) Collect(ch chan<- prometheus.Metric) {
	open := 0.0
	if c.src.IsOpen() {
		open = 1
	}
	ch <- prometheus.MustNewConstMetric(c.open, prometheus.GaugeValue, open)
	ch <- prometheus.MustNewConstMetric(c.bytesUp, prometheus.CounterValue, float64(c.src.BytesUp()))
	ch <- prometheus.MustNewConstMetric(c.bytesDown, prometheus.CounterValue, float64(c.src.BytesDown()))
	ch <- prometheus.MustNewConstMetric(c.accepts, prometheus.CounterValue, float64(c.src.Accepts()))
}
