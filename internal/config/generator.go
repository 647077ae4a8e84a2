package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"
)

const configTemplate = `# hfwd configuration
transport:
  type: "{{.Transport.Type}}"
  address: "{{.Transport.Address}}"
  dial_timeout: "{{.Transport.DialTimeout}}"
  keepalive_interval: "{{.Transport.KeepAliveInterval}}"
  ssh:
    user: "{{.Transport.SSH.User}}"
{{- if .Transport.SSH.PrivateKeyFile}}
    private_key_file: "{{.Transport.SSH.PrivateKeyFile}}"
{{- end}}
    agent: {{.Transport.SSH.Agent}}
{{- if .Transport.SSH.KnownHosts}}
    known_hosts: "{{.Transport.SSH.KnownHosts}}"
{{- end}}
    insecure_ignore_host_key: {{.Transport.SSH.InsecureIgnoreHostKey}}
  websocket:
    enabled: {{.Transport.WebSocket.Enabled}}
{{- if .Transport.WebSocket.URL}}
    url: "{{.Transport.WebSocket.URL}}"
{{- end}}
  retry:
    initial_delay: "{{.Transport.Retry.InitialDelay}}"
    max_delay: "{{.Transport.Retry.MaxDelay}}"
    multiplier: {{.Transport.Retry.Multiplier}}
    jitter: {{.Transport.Retry.Jitter}}
    max_attempts: {{.Transport.Retry.MaxAttempts}}
  breaker:
    enabled: {{.Transport.Breaker.Enabled}}
    max_failures: {{.Transport.Breaker.MaxFailures}}
    timeout: "{{.Transport.Breaker.Timeout}}"

forward:
  close_grace: "{{.Forward.CloseGrace}}"
  open_timeout: "{{.Forward.OpenTimeout}}"
  buffer_size: {{.Forward.BufferSize}}

forwards:
{{- range .Rendered}}
  - {{.}}
{{- end}}
{{- if not .Rendered}}
  # - 8080                     # 127.0.0.1:8080 -> 127.0.0.1:8080
  # - "15432:db.internal:5432"
  # - "9000-9005"
  # - name: "admin"
  #   bind_host: "0.0.0.0"
  #   bind_port: 8443
  #   remote_host: "admin.internal"
  #   remote_port: 443
{{- end}}

dynamic:
  listen: "{{.Dynamic.Listen}}"
{{- if .Dynamic.Username}}
  username: "{{.Dynamic.Username}}"
  password: "{{.Dynamic.Password}}"
{{- end}}

serve:
  listen: "{{.Serve.Listen}}"
  websocket: {{.Serve.WebSocket}}
  path: "{{.Serve.Path}}"

metrics:
  enabled: {{.Metrics.Enabled}}
  listen: "{{.Metrics.Listen}}"
  path: "{{.Metrics.Path}}"

stats:
  enabled: {{.Stats.Enabled}}
  interval: "{{.Stats.Interval}}"

logging:
  level: "{{.Logging.Level}}"
  format: "{{.Logging.Format}}"
{{- if .Logging.Output}}
  output: "{{.Logging.Output}}"
{{- end}}
`

var configTmpl = template.Must(template.New("config").Parse(configTemplate))

// RenderYAML renders cfg as a YAML document that Load accepts. Forwards
// are written in their shortest equivalent form.
func RenderYAML(cfg *Config) (string, error) {
	forwards, err := ParseForwards(cfg.Forwards)
	if err != nil {
		return "", err
	}

	data := struct {
		*Config
		Rendered []string
	}{Config: cfg}

	for _, f := range forwards {
		data.Rendered = append(data.Rendered, renderForward(f))
	}

	var buf bytes.Buffer
	if err := configTmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func renderForward(f Forward) string {
	switch {
	case f.Name != "":
		return fmt.Sprintf("{name: %q, bind_host: %q, bind_port: %d, remote_host: %q, remote_port: %d}",
			f.Name, f.BindHost, f.BindPort, f.RemoteHost, f.RemotePort)
	case f.BindHost == DefaultBindHost && f.RemoteHost == DefaultRemoteHost && f.BindPort == f.RemotePort:
		return strconv.Itoa(f.BindPort)
	case f.BindHost == DefaultBindHost:
		return strconv.Quote(fmt.Sprintf("%d:%s:%d", f.BindPort, bracket(f.RemoteHost), f.RemotePort))
	default:
		return strconv.Quote(fmt.Sprintf("%s:%d:%s:%d", bracket(f.BindHost), f.BindPort, bracket(f.RemoteHost), f.RemotePort))
	}
}

func bracket(host string) string {
	if strings.Contains(host, ":") {
		return "[" + host + "]"
	}
	return host
}

// WriteFile renders cfg to path.
func WriteFile(cfg *Config, path string) error {
	content, err := RenderYAML(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0644)
}

// Sample returns a sample configuration with a few example forwards.
func Sample() string {
	cfg := DefaultConfig()
	cfg.Transport.Address = "bastion.example.com:22"
	cfg.Transport.SSH.User = "deploy"
	cfg.Transport.SSH.Agent = true
	cfg.Forwards = []interface{}{
		8080,
		"15432:db.internal:5432",
		map[string]interface{}{
			"name":        "admin",
			"bind_port":   8443,
			"remote_host": "admin.internal",
			"remote_port": 443,
		},
	}
	content, _ := RenderYAML(cfg)
	return content
}

// ValidateFile loads and validates a configuration file.
func ValidateFile(path string) error {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return err
	}
	return cfg.Validate()
}
