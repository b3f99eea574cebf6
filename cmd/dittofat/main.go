package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/dittofat/internal/logger"
	"github.com/marmos91/dittofat/pkg/config"
)

const usage = `DittoFAT - FAT12/16/32 volume tool

Usage:
  dittofat [global flags] <command> [arguments]

Commands:
  init [-force]              Write a default configuration file
  format [-type T] [-label L] Create a fresh volume on the configured device
  info                       Show volume geometry and free space
  ls [path]                  List a directory
  stat <path>                Show file metadata
  cat <path>                 Write a file to stdout
  put [-append] <src> <dst>  Copy a local file (or - for stdin) into the volume
  mkdir <path>               Create a directory
  rm <path>                  Remove a file
  truncate <path> <size>     Resize a file

Global flags:
`

func main() {
	configPath := flag.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/dittofat/config.yaml)")
	logLevel := flag.String("log-level", "", "Override log level (DEBUG, INFO, WARN, ERROR)")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	name, args := flag.Arg(0), flag.Args()[1:]

	// init runs before a configuration exists
	if name == "init" {
		if err := runInit(args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", name)
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	// Configure logger
	logger.SetLevel(cfg.Logging.Level)
	logger.SetFormat(cfg.Logging.Format)
	if err := logger.SetOutput(cfg.Logging.Output); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure log output: %v\n", err)
		os.Exit(1)
	}

	// Create cancellable context for Ctrl+C
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	env, err := newEnvironment(ctx, cfg)
	if err != nil {
		logger.Error("Failed to initialize: %v", err)
		os.Exit(1)
	}

	runErr := cmd(ctx, env, args)
	if err := env.Close(); err != nil {
		logger.Error("Shutdown error: %v", err)
		if runErr == nil {
			runErr = err
		}
	}

	if runErr != nil {
		var ue usageError
		if errors.As(runErr, &ue) {
			fmt.Fprintf(os.Stderr, "Usage: dittofat %s\n", ue.Error())
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
		os.Exit(1)
	}
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	force := fs.Bool("force", false, "Overwrite an existing configuration file")
	path := fs.String("path", "", "Write the configuration here instead of the default location")
	if err := fs.Parse(args); err != nil {
		return err
	}

	target := *path
	if target == "" {
		var err error
		if target, err = config.InitConfig(*force); err != nil {
			return err
		}
	} else if err := config.InitConfigToPath(target, *force); err != nil {
		return err
	}

	fmt.Printf("Configuration written to %s\n", target)
	return nil
}
