package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/nickman/hfwd/internal/config"
)

func runConfigCommand(args []string) {
	if len(args) == 0 {
		printConfigUsage()
		os.Exit(0)
	}

	switch args[0] {
	case "generate":
		runConfigGenerate(args[1:])
	case "validate":
		runConfigValidate(args[1:])
	case "sample":
		fmt.Print(config.Sample())
	case "help", "--help", "-h":
		printConfigUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown config subcommand: %s\n", args[0])
		printConfigUsage()
		os.Exit(1)
	}
}

func printConfigUsage() {
	fmt.Println(`Manage hfwd configuration files

Usage:
  hfwd config <subcommand> [options]

Subcommands:
  generate    Generate a new configuration file
  validate    Validate an existing configuration file
  sample      Print a sample configuration`)
}

func runConfigGenerate(args []string) {
	fs := pflag.NewFlagSet("generate", pflag.ExitOnError)

	output := fs.StringP("output", "o", "", "Output file path (default stdout)")
	transportType := fs.String("transport", "ssh", "Transport type: ssh, yamux, socks5 or direct")
	address := fs.String("address", "", "Transport address")
	user := fs.String("user", "", "SSH user")
	keyFile := fs.String("key", "", "SSH private key file")
	locals := fs.StringArrayP("local", "L", nil, "Forward specification (repeatable)")

	fs.Usage = func() {
		fmt.Println(`Generate a new configuration file

Usage:
  hfwd config generate [options]

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := config.DefaultConfig()
	cfg.Transport.Type = *transportType
	cfg.Transport.Address = *address
	cfg.Transport.SSH.User = *user
	cfg.Transport.SSH.PrivateKeyFile = *keyFile
	cfg.Transport.SSH.Agent = *keyFile == ""
	for _, l := range *locals {
		cfg.Forwards = append(cfg.Forwards, l)
	}

	if *output == "" {
		content, err := config.RenderYAML(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Print(content)
		return
	}

	if err := config.WriteFile(cfg, *output); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Configuration written to %s\n", *output)
}

func runConfigValidate(args []string) {
	fs := pflag.NewFlagSet("validate", pflag.ExitOnError)
	configPath := fs.StringP("config", "c", "", "Path to configuration file (required)")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --config is required")
		fs.Usage()
		os.Exit(1)
	}

	if err := config.ValidateFile(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Validation failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Configuration is valid: %s\n", *configPath)
}
