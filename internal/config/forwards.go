package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/nickman/hfwd/internal/channel"
	"github.com/nickman/hfwd/internal/forward"
)

// DefaultBindHost is the bind host of a forward that names none.
const DefaultBindHost = "127.0.0.1"

// DefaultRemoteHost is the remote host of a forward that names none.
const DefaultRemoteHost = "127.0.0.1"

// Forward is one parsed local forward.
type Forward struct {
	Name       string
	BindHost   string
	BindPort   int
	RemoteHost string
	RemotePort int
}

// Bind returns the local listen address.
func (f Forward) Bind() string {
	return net.JoinHostPort(f.BindHost, strconv.Itoa(f.BindPort))
}

// Remote returns the endpoint connections are forwarded to.
func (f Forward) Remote() channel.Endpoint {
	return channel.Endpoint{Host: f.RemoteHost, Port: f.RemotePort}
}

// Spec converts the forward into a session spec. Unnamed forwards are
// named by their bind address.
func (f Forward) Spec() forward.Spec {
	name := f.Name
	if name == "" {
		name = f.Bind()
	}
	return forward.Spec{Name: name, Bind: f.Bind(), Remote: f.Remote()}
}

// ParseForwards parses the flexible forwards list. Entries may be:
//   - a port number: 8080 (same port on the remote loopback)
//   - a string: "8080", "8080:db:5432", "0.0.0.0:8080:db:5432",
//     or a range "9000-9005"
//   - a map with name, bind_host, bind_port, remote_host, remote_port
//     (port is accepted for bind_port)
func ParseForwards(entries []interface{}) ([]Forward, error) {
	var result []Forward
	seen := make(map[string]int)

	for i, entry := range entries {
		var parsed []Forward

		switch v := entry.(type) {
		case int:
			f, err := portForward(v)
			if err != nil {
				return nil, fmt.Errorf("forwards[%d]: %w", i, err)
			}
			parsed = []Forward{f}
		case int64:
			f, err := portForward(int(v))
			if err != nil {
				return nil, fmt.Errorf("forwards[%d]: %w", i, err)
			}
			parsed = []Forward{f}
		case float64:
			f, err := portForward(int(v))
			if err != nil {
				return nil, fmt.Errorf("forwards[%d]: %w", i, err)
			}
			parsed = []Forward{f}
		case string:
			if isPortRange(v) {
				r, err := parsePortRange(v)
				if err != nil {
					return nil, fmt.Errorf("forwards[%d]: %w", i, err)
				}
				parsed = r
			} else {
				f, err := ParseForwardSpec(v)
				if err != nil {
					return nil, fmt.Errorf("forwards[%d]: %w", i, err)
				}
				parsed = []Forward{f}
			}
		case map[string]interface{}:
			f, err := parseForwardMap(v)
			if err != nil {
				return nil, fmt.Errorf("forwards[%d]: %w", i, err)
			}
			parsed = []Forward{f}
		case map[interface{}]interface{}:
			m := make(map[string]interface{}, len(v))
			for k, val := range v {
				m[fmt.Sprint(k)] = val
			}
			f, err := parseForwardMap(m)
			if err != nil {
				return nil, fmt.Errorf("forwards[%d]: %w", i, err)
			}
			parsed = []Forward{f}
		default:
			return nil, fmt.Errorf("forwards[%d]: unsupported type %T", i, entry)
		}

		for _, f := range parsed {
			name := f.Spec().Name
			if prev, ok := seen[name]; ok {
				return nil, fmt.Errorf("forwards[%d]: duplicate forward %q (also forwards[%d])", i, name, prev)
			}
			seen[name] = i
			result = append(result, f)
		}
	}
	return result, nil
}

// ParseForwardSpec parses "[bind_host:]bind_port[:remote_host:remote_port]"
// or "bind_port:remote_port". IPv6 hosts must be bracketed.
func ParseForwardSpec(s string) (Forward, error) {
	parts, err := splitForward(s)
	if err != nil {
		return Forward{}, err
	}

	f := Forward{BindHost: DefaultBindHost, RemoteHost: DefaultRemoteHost}
	switch len(parts) {
	case 1:
		port, err := parsePort(parts[0])
		if err != nil {
			return Forward{}, err
		}
		f.BindPort, f.RemotePort = port, port
	case 2:
		if f.BindPort, err = parsePort(parts[0]); err != nil {
			return Forward{}, err
		}
		if f.RemotePort, err = parsePort(parts[1]); err != nil {
			return Forward{}, err
		}
	case 3:
		if f.BindPort, err = parsePort(parts[0]); err != nil {
			return Forward{}, err
		}
		f.RemoteHost = parts[1]
		if f.RemotePort, err = parsePort(parts[2]); err != nil {
			return Forward{}, err
		}
	case 4:
		if parts[0] != "" {
			f.BindHost = parts[0]
		}
		if f.BindPort, err = parsePort(parts[1]); err != nil {
			return Forward{}, err
		}
		f.RemoteHost = parts[2]
		if f.RemotePort, err = parsePort(parts[3]); err != nil {
			return Forward{}, err
		}
	default:
		return Forward{}, fmt.Errorf("invalid forward %q: want [bind_host:]port[:remote_host:remote_port]", s)
	}

	if f.RemotePort == 0 {
		return Forward{}, fmt.Errorf("invalid forward %q: remote port must not be 0", s)
	}
	if f.RemoteHost == "" {
		return Forward{}, fmt.Errorf("invalid forward %q: empty remote host", s)
	}
	return f, nil
}

// splitForward splits on colons outside square brackets and strips the
// brackets from IPv6 hosts.
func splitForward(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty forward")
	}

	var parts []string
	var cur strings.Builder
	depth := 0
	for _, r := range s {
		switch r {
		case '[':
			depth++
			if depth > 1 {
				return nil, fmt.Errorf("invalid forward %q: nested brackets", s)
			}
		case ']':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("invalid forward %q: unbalanced brackets", s)
			}
		case ':':
			if depth == 0 {
				parts = append(parts, cur.String())
				cur.Reset()
				continue
			}
			cur.WriteRune(r)
		default:
			cur.WriteRune(r)
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("invalid forward %q: unbalanced brackets", s)
	}
	return append(parts, cur.String()), nil
}

func portForward(port int) (Forward, error) {
	if err := validatePort(port); err != nil {
		return Forward{}, err
	}
	return Forward{
		BindHost:   DefaultBindHost,
		BindPort:   port,
		RemoteHost: DefaultRemoteHost,
		RemotePort: port,
	}, nil
}

// parseForwardMap parses the map form of a forward.
func parseForwardMap(m map[string]interface{}) (Forward, error) {
	f := Forward{BindHost: DefaultBindHost, RemoteHost: DefaultRemoteHost}

	if name, ok := m["name"].(string); ok {
		f.Name = name
	}
	if host, ok := m["bind_host"].(string); ok && host != "" {
		f.BindHost = host
	}
	if host, ok := m["remote_host"].(string); ok && host != "" {
		f.RemoteHost = host
	}

	if v, ok := m["bind_port"]; ok {
		f.BindPort = toInt(v)
	} else if v, ok := m["port"]; ok {
		f.BindPort = toInt(v)
	}
	if v, ok := m["remote_port"]; ok {
		f.RemotePort = toInt(v)
	} else {
		f.RemotePort = f.BindPort
	}

	// 0 binds an ephemeral port; the remote side needs a real one.
	if f.BindPort < 0 || f.BindPort > 65535 {
		return Forward{}, fmt.Errorf("bind_port out of range: %d", f.BindPort)
	}
	if err := validatePort(f.RemotePort); err != nil {
		return Forward{}, fmt.Errorf("remote_port: %w", err)
	}
	return f, nil
}

// isPortRange reports whether s looks like "9000-9005".
func isPortRange(s string) bool {
	if strings.ContainsAny(s, ":[]") {
		return false
	}
	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return false
	}
	_, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	_, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	return err1 == nil && err2 == nil
}

// parsePortRange expands a range into same-port forwards.
func parsePortRange(s string) ([]Forward, error) {
	parts := strings.Split(s, "-")
	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return nil, fmt.Errorf("invalid start port: %s", parts[0])
	}
	end, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, fmt.Errorf("invalid end port: %s", parts[1])
	}
	if start > end {
		return nil, fmt.Errorf("invalid port range: start (%d) > end (%d)", start, end)
	}
	if err := validatePort(start); err != nil {
		return nil, err
	}
	if err := validatePort(end); err != nil {
		return nil, err
	}

	result := make([]Forward, 0, end-start+1)
	for port := start; port <= end; port++ {
		f, _ := portForward(port)
		result = append(result, f)
	}
	return result, nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if port < 0 || port > 65535 {
		return 0, fmt.Errorf("port out of range: %d", port)
	}
	return port, nil
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port out of range: %d", port)
	}
	return nil
}

// toInt converts YAML and JSON numeric values to int.
func toInt(v interface{}) int {
	switch val := v.(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		return int(val)
	case string:
		i, _ := strconv.Atoi(val)
		return i
	default:
		return 0
	}
}
