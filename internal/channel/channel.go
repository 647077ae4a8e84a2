// Package channel defines the contract between the forwarding engine and the
// transports that carry its connections.
package channel

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
)

// Channel is a duplex logical stream to a remote endpoint. Closing it closes
// both directions. Implementations that support half-close expose
// CloseWrite() error.
type Channel = io.ReadWriteCloser

// Endpoint is a host and port pair.
type Endpoint struct {
	Host string
	Port int
}

// String returns host:port.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Validate checks that the endpoint has a host and a port in range.
func (e Endpoint) Validate() error {
	if e.Host == "" {
		return fmt.Errorf("endpoint host is empty")
	}
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("endpoint port %d out of range", e.Port)
	}
	return nil
}

// EndpointFromAddr converts a TCP address into an Endpoint. Non-TCP
// addresses are parsed from their string form; on failure the zero
// Endpoint is returned.
func EndpointFromAddr(addr net.Addr) Endpoint {
	if addr == nil {
		return Endpoint{}
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return Endpoint{Host: tcp.IP.String(), Port: tcp.Port}
	}
	ep, err := ParseEndpoint(addr.String())
	if err != nil {
		return Endpoint{}
	}
	return ep
}

// ParseEndpoint parses host:port.
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return Endpoint{Host: host, Port: port}, nil
}

// Multiplexer opens channels over a shared transport session.
//
// OpenChannel asks the transport for a channel to remote on behalf of a
// connection that originated at origin. It does not retry; callers treat a
// failure as affecting only the connection being served.
type Multiplexer interface {
	OpenChannel(ctx context.Context, remote, origin Endpoint) (Channel, error)
}

// MultiplexerFunc adapts a function to the Multiplexer interface.
type MultiplexerFunc func(ctx context.Context, remote, origin Endpoint) (Channel, error)

// OpenChannel calls f.
func (f MultiplexerFunc) OpenChannel(ctx context.Context, remote, origin Endpoint) (Channel, error) {
	return f(ctx, remote, origin)
}
