// Package constants provides shared defaults for hfwd.
package constants

import "time"

// Buffer sizes for relay I/O.
const (
	// DefaultBufferSize is the per-direction copy buffer used by a relay.
	DefaultBufferSize = 32 * 1024

	// MinBufferSize is the smallest buffer a relay will accept.
	MinBufferSize = 1024

	// MaxBufferSize is the largest buffer a relay will accept.
	MaxBufferSize = 1024 * 1024
)

// Lifecycle timings.
const (
	// DefaultCloseGrace is how long monitoring state outlives a closed session.
	DefaultCloseGrace = 60 * time.Second

	// DefaultOpenTimeout bounds a single remote channel open.
	DefaultOpenTimeout = 15 * time.Second

	// DefaultDialTimeout bounds establishing the transport session.
	DefaultDialTimeout = 10 * time.Second

	// DefaultKeepAliveInterval is the transport keepalive period.
	DefaultKeepAliveInterval = 30 * time.Second

	// DefaultStatsInterval is the period of the delta stats reporter.
	DefaultStatsInterval = 30 * time.Second
)

// Channel header framing for stream multiplexers.
const (
	// MaxHeaderLength caps a channel header or reply line.
	MaxHeaderLength = 512

	// HeaderOK is the success reply to a channel header.
	HeaderOK = "OK"

	// HeaderErrPrefix starts a failure reply to a channel header.
	HeaderErrPrefix = "ERR "
)

// ClampBufferSize returns size bounded to [MinBufferSize, MaxBufferSize],
// or DefaultBufferSize when size is not positive.
func ClampBufferSize(size int) int {
	switch {
	case size <= 0:
		return DefaultBufferSize
	case size < MinBufferSize:
		return MinBufferSize
	case size > MaxBufferSize:
		return MaxBufferSize
	default:
		return size
	}
}
