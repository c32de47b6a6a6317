// Package controller owns the tick loop: it builds one MetricsCollector per
// configured target, drives them at a fixed cadence, hands every tick to the
// selected pipeline and swaps in a freshly built task list when the
// configuration file changes.
package controller

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/telemetry/internal/clock"
	"github.com/Guliveer/vitalis/telemetry/internal/collector"
	"github.com/Guliveer/vitalis/telemetry/internal/config"
	"github.com/Guliveer/vitalis/telemetry/internal/datasource"
	apperrors "github.com/Guliveer/vitalis/telemetry/internal/errors"
	"github.com/Guliveer/vitalis/telemetry/internal/models"
	"github.com/Guliveer/vitalis/telemetry/internal/pipeline"
)

// SourceFactory opens the data source of a target.
type SourceFactory func(ctx context.Context, target config.Target, logger *zap.Logger) (datasource.DataSource, error)

// Loader re-reads the configuration on hot reload.
type Loader func() (*config.Config, error)

// Option customizes a Controller.
type Option func(*Controller)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

// WithSourceFactory replaces datasource.New.
func WithSourceFactory(f SourceFactory) Option {
	return func(ctl *Controller) { ctl.newSource = f }
}

// WithLoader sets how the configuration file is re-read. The default is
// config.Load on the watched path.
func WithLoader(l Loader) Option {
	return func(ctl *Controller) { ctl.load = l }
}

// Controller runs the collection loop. It is not safe for concurrent use:
// everything happens on the goroutine calling Run.
type Controller struct {
	cfg       *config.Config
	cfgPath   string
	registry  *pipeline.Registry
	logger    *zap.Logger
	clock     clock.Clock
	newSource SourceFactory
	load      Loader

	entry     pipeline.Entry
	processor pipeline.Processor
	tasks     []*collector.MetricsCollector
	interval  time.Duration
	next      time.Time

	modTime       time.Time
	failedModTime time.Time
	watch         *watcher
}

// New creates a controller for cfg. cfgPath is the file watched for hot
// reload; empty disables reloading.
func New(cfg *config.Config, cfgPath string, registry *pipeline.Registry, logger *zap.Logger, opts ...Option) *Controller {
	if cfgPath != "" {
		if abs, err := filepath.Abs(cfgPath); err == nil {
			cfgPath = abs
		}
	}
	c := &Controller{
		cfg:       cfg,
		cfgPath:   cfgPath,
		registry:  registry,
		logger:    logger.Named("controller"),
		clock:     clock.Real(),
		newSource: datasource.New,
		interval:  cfg.Interval.Duration,
	}
	c.load = func() (*config.Config, error) { return config.Load(c.cfgPath) }
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Entry returns the resolved pipeline entry. Valid after Initialize.
func (c *Controller) Entry() pipeline.Entry { return c.entry }

// Tasks returns the current collectors.
func (c *Controller) Tasks() []*collector.MetricsCollector { return c.tasks }

// Initialize resolves the pipeline, builds its processor and one collector
// per target, and takes every initial snapshot. Targets that fail are
// skipped; having none left is an error.
func (c *Controller) Initialize(ctx context.Context) error {
	entry, err := c.registry.Lookup(c.cfg.Pipeline.Name)
	if err != nil {
		return err
	}
	processor, err := entry.Factory(pipeline.Settings(c.cfg.Pipeline.Settings), entry.Proxy)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeOf(err), "building pipeline "+entry.Name, err)
	}

	tasks, err := c.buildTasks(ctx, c.cfg)
	if err != nil {
		_ = processor.Close()
		return err
	}

	c.entry, c.processor, c.tasks = entry, processor, tasks
	c.next = c.clock.Now()
	c.modTime = c.statModTime()

	if c.cfgPath != "" && c.cfg.Reload.Enabled && c.cfg.Reload.Watch {
		w, err := newWatcher(c.cfgPath, c.logger)
		if err != nil {
			c.logger.Warn("Config watcher unavailable, falling back to polling", zap.Error(err))
		} else {
			c.watch = w
		}
	}

	c.logger.Info("Controller initialized",
		zap.String("pipeline", entry.Name),
		zap.Int("targets", len(tasks)),
		zap.Duration("interval", c.interval))
	return nil
}

// buildTasks creates and initializes a collector per target.
func (c *Controller) buildTasks(ctx context.Context, cfg *config.Config) ([]*collector.MetricsCollector, error) {
	var tasks []*collector.MetricsCollector
	for _, target := range cfg.Targets {
		src, err := c.newSource(ctx, target, c.logger)
		if err != nil {
			c.logger.Warn("Skipping target", zap.String("target", target.Name), zap.Error(err))
			continue
		}
		task := collector.New(target, src, c.logger)
		if err := task.Initialize(ctx, c.clock.Now()); err != nil {
			_ = task.Close()
			closeTasks(tasks)
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if len(tasks) == 0 {
		return nil, apperrors.New(apperrors.ErrCodeSourceUnavailable, "no target could be initialized")
	}
	return tasks, nil
}

// Tick reloads the configuration when it changed, collects every target
// and renders the tick. Pipeline errors are logged, never returned.
func (c *Controller) Tick(ctx context.Context) {
	if c.cfg.Reload.Enabled {
		if _, err := c.ReloadIfChanged(ctx); err != nil {
			c.logger.Error("Config reload failed, keeping current targets", zap.Error(err))
		}
	}

	at := c.clock.Now()
	snapshots := make([]*models.MetricsSnapshot, 0, len(c.tasks))
	for _, task := range c.tasks {
		snapshots = append(snapshots, task.Collect(ctx, at))
	}

	if err := c.processor.Process(ctx, snapshots); err != nil {
		c.logger.Warn("Pipeline failed to process tick", zap.String("pipeline", c.entry.Name), zap.Error(err))
	}
	c.logger.Debug("Tick complete", zap.Int("targets", len(snapshots)), zap.Duration("took", c.clock.Now().Sub(at)))
}

// Sleep waits for the next slot of the fixed cadence. A loop that fell more
// than one interval behind starts a new cadence from now instead of
// bursting to catch up. It returns ctx.Err() when ctx ends first.
func (c *Controller) Sleep(ctx context.Context) error {
	c.next = c.next.Add(c.interval)
	now := c.clock.Now()
	if now.Sub(c.next) > c.interval {
		c.logger.Debug("Tick loop overran, re-anchoring", zap.Duration("behind", now.Sub(c.next)))
		c.next = now
	}
	wait := c.next.Sub(now)
	if wait <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clock.After(wait):
		return nil
	}
}

// ReloadIfChanged swaps in a new task list when the configuration file has
// a new modification time. The new list is fully built before the swap; on
// any failure the current list stays and the failed modification time is
// remembered so a broken file is not re-parsed every tick. The pipeline is
// fixed for the run.
func (c *Controller) ReloadIfChanged(ctx context.Context) (bool, error) {
	if c.cfgPath == "" {
		return false, nil
	}
	if c.watch != nil && !c.watch.Changed() {
		return false, nil
	}

	info, err := os.Stat(c.cfgPath)
	if err != nil {
		return false, apperrors.WrapWithContext(apperrors.ErrCodeSourceUnavailable,
			"stat config file", err, map[string]any{"path": c.cfgPath})
	}
	mt := info.ModTime()
	if mt.Equal(c.modTime) || mt.Equal(c.failedModTime) {
		return false, nil
	}

	cfg, err := c.load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		c.failedModTime = mt
		return false, err
	}

	tasks, err := c.buildTasks(ctx, cfg)
	if err != nil {
		c.failedModTime = mt
		return false, err
	}

	if cfg.Pipeline.Name != c.entry.Name {
		c.logger.Warn("Pipeline changes take effect on restart",
			zap.String("running", c.entry.Name), zap.String("configured", cfg.Pipeline.Name))
	}

	old := c.tasks
	c.tasks = tasks
	c.cfg.Targets = cfg.Targets
	if cfg.Interval.Duration != c.interval {
		c.interval = cfg.Interval.Duration
		c.next = c.clock.Now()
	}
	c.modTime = mt
	c.failedModTime = time.Time{}
	closeTasks(old)

	c.logger.Info("Configuration reloaded", zap.Int("targets", len(tasks)), zap.Duration("interval", c.interval))
	return true, nil
}

// Run initializes, ticks until ctx ends and closes.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Initialize(ctx); err != nil {
		return err
	}
	defer c.Close()
	return c.Loop(ctx)
}

// Loop ticks an initialized controller until ctx ends.
func (c *Controller) Loop(ctx context.Context) error {
	for {
		c.Tick(ctx)
		if err := c.Sleep(ctx); err != nil {
			c.logger.Info("Tick loop stopped")
			return nil
		}
	}
}

// RunOnce initializes, waits one interval so rates have a baseline, and
// renders a single tick.
func (c *Controller) RunOnce(ctx context.Context) error {
	if err := c.Initialize(ctx); err != nil {
		return err
	}
	defer c.Close()

	if err := c.Sleep(ctx); err != nil {
		return err
	}
	at := c.clock.Now()
	snapshots := make([]*models.MetricsSnapshot, 0, len(c.tasks))
	for _, task := range c.tasks {
		snapshots = append(snapshots, task.Collect(ctx, at))
	}
	return c.processor.Process(ctx, snapshots)
}

// Close releases the watcher, the collectors and the processor.
func (c *Controller) Close() error {
	if c.watch != nil {
		c.watch.Close()
		c.watch = nil
	}
	closeTasks(c.tasks)
	c.tasks = nil
	if c.processor != nil {
		err := c.processor.Close()
		c.processor = nil
		return err
	}
	return nil
}

func (c *Controller) statModTime() time.Time {
	if c.cfgPath == "" {
		return time.Time{}
	}
	info, err := os.Stat(c.cfgPath)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

func closeTasks(tasks []*collector.MetricsCollector) {
	for _, t := range tasks {
		_ = t.Close()
	}
}
