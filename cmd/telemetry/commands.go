package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Guliveer/vitalis/telemetry/internal/config"
	"github.com/Guliveer/vitalis/telemetry/internal/controller"
	"github.com/Guliveer/vitalis/telemetry/internal/datasource"
	apperrors "github.com/Guliveer/vitalis/telemetry/internal/errors"
	"github.com/Guliveer/vitalis/telemetry/internal/pipeline"
	"github.com/Guliveer/vitalis/telemetry/internal/sampler"
)

func runCmd() *cli.Command {
	return &cli.Command{
		Name:   "run",
		Usage:  "collect on every tick until interrupted (default)",
		Action: runAction,
	}
}

func onceCmd() *cli.Command {
	return &cli.Command{
		Name:  "once",
		Usage: "take a baseline, wait one interval and render a single tick",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := initLogger(cfg)
			defer logger.Sync()

			ctl := controller.New(cfg, path, pipeline.Builtin(logger), logger)
			return ctl.RunOnce(ctx)
		},
	}
}

func pipelinesCmd() *cli.Command {
	return &cli.Command{
		Name:  "pipelines",
		Usage: "list the available output pipelines",
		Action: func(_ context.Context, _ *cli.Command) error {
			registry := pipeline.Builtin(zap.NewNop())
			t := table.New().
				Border(lipgloss.NormalBorder()).
				Headers("PIPELINE", "SERVES", "DESCRIPTION")
			for _, n := range registry.Names() {
				e, _ := registry.Lookup(n)
				serves := ""
				if e.EntryPoint != nil {
					serves = "yes"
				}
				t.Row(e.Name, serves, e.Description)
			}
			fmt.Println(t.Render())
			return nil
		},
	}
}

func disksCmd() *cli.Command {
	return &cli.Command{
		Name:  "disks",
		Usage: "resolve the tracked logical paths of a target to kernel devices",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "device-file",
				Usage: "File listing one logical path per line; must exist",
			},
			&cli.StringFlag{
				Name:  "target",
				Usage: "Target to resolve on (default: the first configured target)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := initLogger(cfg)
			defer logger.Sync()

			target, err := pickTarget(cfg, cmd.String("target"))
			if err != nil {
				return err
			}
			if path := cmd.String("device-file"); path != "" {
				// Unlike during collection, a missing file here is fatal.
				if _, err := config.ReadDeviceFile(path); err != nil {
					return err
				}
				target.Disks.DeviceFile = path
			}

			src, err := datasource.New(ctx, target, logger)
			if err != nil {
				return err
			}
			defer src.Close()

			disks := sampler.NewDiskSampler(target.Disks, logger)
			if err := disks.Configure(ctx, src); err != nil {
				logger.Warn("Some paths could not be resolved", zap.Error(err))
			}

			t := table.New().
				Border(lipgloss.NormalBorder()).
				Headers("PATH", "DEVICE", "MOUNT")
			for _, d := range disks.Tracked() {
				t.Row(d.Path, d.Device, d.Mount)
			}
			fmt.Println(t.Render())
			return nil
		},
	}
}

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "print the version",
		Action: func(_ context.Context, _ *cli.Command) error {
			fmt.Printf("%s %s\n", name, version)
			return nil
		},
	}
}

// runAction runs the tick loop and the pipeline's entry point side by side;
// either one failing stops both.
func runAction(ctx context.Context, cmd *cli.Command) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := initLogger(cfg)
	defer logger.Sync()

	logger.Info("Starting telemetry collector",
		zap.String("version", version),
		zap.String("config", path),
		zap.String("pipeline", cfg.Pipeline.Name))

	overrides := cliOverrides(cmd)
	ctl := controller.New(cfg, path, pipeline.Builtin(logger), logger,
		controller.WithLoader(func() (*config.Config, error) {
			return config.LoadLayered(overrides, embeddedConfig, path)
		}))
	if err := ctl.Initialize(ctx); err != nil {
		return err
	}
	defer ctl.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ctl.Loop(gctx)
	})
	if entry := ctl.Entry(); entry.EntryPoint != nil {
		settings := pipeline.Settings(cfg.Pipeline.Settings)
		g.Go(func() error {
			return entry.EntryPoint(gctx, settings, entry.Proxy)
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("collector stopped: %w", err)
	}
	logger.Info("Collector stopped")
	return nil
}

func cliOverrides(cmd *cli.Command) config.CLIOverrides {
	return config.CLIOverrides{
		Pipeline: cmd.String("pipeline"),
		LogLevel: cmd.String("log-level"),
		Interval: cmd.Duration("interval"),
	}
}

// loadConfig layers flags over the environment, the external file and the
// embedded defaults, and returns the external file path ("" if none).
func loadConfig(cmd *cli.Command) (*config.Config, string, error) {
	path := cmd.String("config")
	if path == "" {
		path = config.Locate()
	} else if _, err := os.Stat(path); err != nil {
		return nil, "", apperrors.WrapWithContext(apperrors.ErrCodeConfigInvalid,
			"config file not readable", err, map[string]any{"path": path})
	}

	cfg, err := config.LoadLayered(cliOverrides(cmd), embeddedConfig, path)
	if err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func pickTarget(cfg *config.Config, name string) (config.Target, error) {
	if name == "" {
		return cfg.Targets[0], nil
	}
	var names []string
	for _, t := range cfg.Targets {
		if t.Name == name {
			return t, nil
		}
		names = append(names, t.Name)
	}
	return config.Target{}, apperrors.Newf(apperrors.ErrCodeConfigInvalid,
		"unknown target %q (configured: %s)", name, strings.Join(names, ", "))
}
