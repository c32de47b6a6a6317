// Package main is the entry point of the telemetry collector. It loads the
// layered configuration, builds the selected pipeline and runs the tick loop
// next to the pipeline's own consumer until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

const name = "telemetry"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := rootCmd().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cli.Command {
	return &cli.Command{
		Name:    name,
		Usage:   "collect system telemetry from local and remote hosts",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file (default: search standard locations)",
				Sources: cli.EnvVars("VITALIS_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "pipeline",
				Usage: "Output pipeline, overrides the configuration",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn or error",
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "Tick interval, overrides the configuration",
			},
		},
		Commands: []*cli.Command{
			runCmd(),
			onceCmd(),
			pipelinesCmd(),
			disksCmd(),
			versionCmd(),
		},
		Action: runAction,
	}
}
