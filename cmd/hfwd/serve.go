package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/nickman/hfwd/internal/config"
	"github.com/nickman/hfwd/internal/transport"
	"github.com/nickman/hfwd/pkg/logger"
)

func runServe(args []string) {
	fs := pflag.NewFlagSet("serve", pflag.ExitOnError)

	configPath := fs.StringP("config", "c", "", "Path to configuration file")
	listen := fs.String("listen", "", "Listen address (default from config, 0.0.0.0:7000)")
	websocket := fs.Bool("websocket", false, "Accept yamux sessions over WebSocket")
	path := fs.String("path", "", "WebSocket path (default /hfwd)")

	fs.Usage = func() {
		fmt.Println(`Run the yamux channel server

Usage:
  hfwd serve [--listen ADDR] [--websocket] [options]

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Serve.Listen = *listen
	}
	if fs.Changed("websocket") {
		cfg.Serve.WebSocket = *websocket
	}
	if *path != "" {
		cfg.Serve.Path = *path
	}

	log := newLogger(cfg.LoggerConfig())
	ctx, cancel := signalContext(log)
	defer cancel()

	if err := serve(ctx, cfg, log); err != nil {
		log.Error().Err(err).Msg("Channel server failed")
		os.Exit(1)
	}
}

// serve runs the channel server until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	srv := transport.NewChannelServer(log)
	srv.DialTimeout = cfg.Serve.DialTimeout
	srv.KeepAlive = cfg.Transport.KeepAliveInterval
	srv.BufferSize = cfg.Forward.BufferSize

	ln, err := net.Listen("tcp", cfg.Serve.Listen)
	if err != nil {
		return err
	}

	if !cfg.Serve.WebSocket {
		return srv.Serve(ctx, ln)
	}

	wsl := transport.NewWebSocketListener(nil, ln.Addr(), log)
	mux := http.NewServeMux()
	mux.Handle(cfg.Serve.Path, wsl)
	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("WebSocket server failed")
		}
	}()
	log.Info().Str("path", cfg.Serve.Path).Msg("Accepting yamux over WebSocket")

	err = srv.Serve(ctx, wsl)

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	_ = httpSrv.Shutdown(sctx)
	return err
}
