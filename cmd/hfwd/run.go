package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/nickman/hfwd/internal/channel"
	"github.com/nickman/hfwd/internal/config"
	"github.com/nickman/hfwd/internal/forward"
	"github.com/nickman/hfwd/internal/health"
	"github.com/nickman/hfwd/internal/metrics"
	"github.com/nickman/hfwd/internal/monitor"
	"github.com/nickman/hfwd/internal/registry"
	"github.com/nickman/hfwd/internal/reload"
	"github.com/nickman/hfwd/internal/scheduler"
	"github.com/nickman/hfwd/internal/socks5"
	"github.com/nickman/hfwd/internal/transport"
	"github.com/nickman/hfwd/pkg/logger"
)

type runOptions struct {
	configPath string
	locals     []string
	watch      bool
}

func runForwarder(args []string) {
	fs := pflag.NewFlagSet("run", pflag.ExitOnError)

	var opts runOptions
	fs.StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file")
	fs.StringArrayVarP(&opts.locals, "local", "L", nil, "Local forward [bind_host:]port:remote_host:remote_port (repeatable)")
	dynamic := fs.StringP("dynamic", "D", "", "SOCKS5 dynamic forward listen address, e.g. 127.0.0.1:1080")
	fs.BoolVar(&opts.watch, "watch", true, "Reload forwards when the configuration file changes")
	transportType := fs.String("transport", "", "Transport type: ssh, yamux, socks5 or direct")
	address := fs.String("address", "", "Transport address (SSH server, yamux server or SOCKS5 proxy)")
	user := fs.String("user", "", "SSH user")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")

	fs.Usage = func() {
		fmt.Println(`Open the configured forwards and relay connections

Usage:
  hfwd run [--config FILE] [-L spec]... [options]

Options:`)
		fs.PrintDefaults()
		fmt.Println(`
Examples:
  # Forward localhost:15432 to db.internal:5432 through an SSH bastion
  hfwd run --address bastion:22 --user deploy -L 15432:db.internal:5432

  # SOCKS5 proxy on localhost:1080 whose connections leave from the bastion
  hfwd run --address bastion:22 --user deploy -D 127.0.0.1:1080

  # Use the forwards and transport from a config file
  hfwd run --config /etc/hfwd/hfwd.yaml`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *transportType != "" {
		cfg.Transport.Type = *transportType
	}
	if *address != "" {
		cfg.Transport.Address = *address
	}
	if *user != "" {
		cfg.Transport.SSH.User = *user
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *dynamic != "" {
		cfg.Dynamic.Listen = *dynamic
	}

	extra, err := parseLocalForwards(opts.locals)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid -L forward: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LoggerConfig())
	log.Info().
		Str("version", version).
		Str("transport", cfg.Transport.Type).
		Str("address", cfg.Transport.Address).
		Msg("Starting hfwd")

	ctx, cancel := signalContext(log)
	defer cancel()

	if err := run(ctx, cfg, opts, extra, log); err != nil {
		log.Error().Err(err).Msg("hfwd stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("hfwd stopped")
}

// parseLocalForwards parses -L values into specs named by bind address.
func parseLocalForwards(values []string) ([]forward.Spec, error) {
	specs := make([]forward.Spec, 0, len(values))
	for _, v := range values {
		f, err := config.ParseForwardSpec(v)
		if err != nil {
			return nil, err
		}
		specs = append(specs, f.Spec())
	}
	return specs, nil
}

// desiredForwards holds the names of the forwards that should be open.
type desiredForwards struct {
	mu    sync.Mutex
	names []string
}

func (d *desiredForwards) Set(specs []forward.Spec) {
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.Name)
	}
	d.mu.Lock()
	d.names = names
	d.mu.Unlock()
}

func (d *desiredForwards) Names() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.names...)
}

// streamDialer opens one stream tunnel per SOCKS5 CONNECT, named by the
// client address so concurrent connects stay distinct.
func streamDialer(mgr *forward.Manager) socks5.DialFunc {
	return func(ctx context.Context, host string, port int, origin net.Addr) (net.Conn, error) {
		s, err := mgr.OpenStream(ctx, forward.StreamSpec{
			Name:   "socks " + origin.String(),
			Remote: channel.Endpoint{Host: host, Port: port},
			Origin: channel.EndpointFromAddr(origin),
		})
		if err != nil {
			return nil, err
		}
		return s.Conn(), nil
	}
}

// run wires the engine together and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, opts runOptions, extra []forward.Spec, log *logger.Logger) error {
	prom := prometheus.NewRegistry()
	m := metrics.NewCollector()
	m.MustRegister(prom)

	reg := registry.New()
	prom.MustRegister(metrics.NewEndpointCollector(reg))

	sched := scheduler.New()
	defer sched.Stop()
	registrar := monitor.NewRegistrar(prom, sched, cfg.Forward.CloseGrace, log)

	t, err := transport.New(ctx, cfg.TransportOptions(), log, m)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	defer t.Close()

	mgr := forward.NewManager(cfg.ManagerConfig(), t, reg, registrar, log, m)
	defer mgr.CloseAll()
	mgr.SetEventHandler(func(e forward.Event) {
		log.Debug().
			Str("event", e.Type.String()).
			Str("forward", e.Session.Name()).
			Str("handle", e.Handle).
			Msg("Forward event")
	})

	specs, err := cfg.ForwardSpecs()
	if err != nil {
		return err
	}
	specs = append(specs, extra...)
	if len(specs) == 0 && cfg.Dynamic.Listen == "" {
		return errors.New("no forwards configured")
	}

	var desired desiredForwards
	desired.Set(specs)
	if err := mgr.Sync(ctx, specs); err != nil {
		log.Warn().Err(err).Msg("Some forwards failed to open")
	}
	if len(specs) > 0 && len(mgr.Sessions()) == 0 {
		return errors.New("no forwards could be opened")
	}
	for _, s := range mgr.Sessions() {
		log.Info().
			Str("forward", s.Name()).
			Str("local", s.Local()).
			Str("remote", s.Remote().String()).
			Msg("Forward ready")
	}

	if cfg.Dynamic.Listen != "" {
		socks := socks5.NewServer(cfg.SOCKSServerConfig(), streamDialer(mgr), log)
		if err := socks.Listen(cfg.Dynamic.Listen); err != nil {
			return err
		}
		go func() {
			if err := socks.Serve(ctx); err != nil {
				log.Error().Err(err).Msg("SOCKS5 front end failed")
			}
		}()
		defer socks.Close()
	}

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.MetricsServerConfig(), prom)
		probes := health.NewHandler(0)
		probes.RegisterCheck("forwards", health.ForwardsCheck(mgr, desired.Names))
		probes.Mount(srv)
		if err := srv.Listen(); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		go func() {
			if err := srv.Start(); err != nil {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		log.Info().Str("address", srv.Addr()).Msg("Metrics server listening")
	}

	if cfg.Stats.Enabled {
		go forward.NewReporter(mgr, cfg.Stats.Interval, log).Run(ctx)
	}

	if opts.watch && opts.configPath != "" {
		w, err := reload.New(opts.configPath, reload.SyncForwards(opts.configPath, mgr, extra, desired.Set), log, m)
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer w.Stop()
	}

	<-ctx.Done()
	log.Info().Int("forwards", len(mgr.Sessions())).Msg("Shutting down")
	return nil
}
