// Package main provides the hfwd command: local TCP forwards through an
// SSH, yamux or SOCKS5 channel multiplexer.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nickman/hfwd/pkg/logger"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-v") {
		printVersion()
		os.Exit(0)
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	switch os.Args[1] {
	case "run":
		runForwarder(os.Args[2:])
	case "serve":
		runServe(os.Args[2:])
	case "config":
		runConfigCommand(os.Args[2:])
	case "version":
		printVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("hfwd %s (commit: %s, built: %s)\n", version, commit, buildDate)
}

func printUsage() {
	fmt.Println(`hfwd - local TCP port forwarding through a channel multiplexer

Usage:
  hfwd <command> [options]

Commands:
  run       Open the configured forwards and relay connections
  serve     Run the yamux channel server (remote end of the yamux transport)
  config    Manage configuration files (generate, validate, sample)
  version   Show version information
  help      Show this help message

Use "hfwd <command> --help" for more information about a command.`)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(log *logger.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func newLogger(cfg logger.Config) *logger.Logger {
	log, err := logger.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	return log
}
