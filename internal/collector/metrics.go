package collector

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/telemetry/internal/config"
	"github.com/Guliveer/vitalis/telemetry/internal/datasource"
	apperrors "github.com/Guliveer/vitalis/telemetry/internal/errors"
	"github.com/Guliveer/vitalis/telemetry/internal/models"
	"github.com/Guliveer/vitalis/telemetry/internal/sampler"
)

// MetricsCollector owns one DataSource, the readers and samplers enabled by
// its target's feature toggles, and the snapshot they fill.
type MetricsCollector struct {
	target   config.Target
	src      datasource.DataSource
	logger   *zap.Logger
	readers  []Reader
	samplers []sampler.Sampler
	snapshot *models.MetricsSnapshot
}

// New builds a collector for target reading from src. Readers and samplers
// are created in canonical feature order.
func New(target config.Target, src datasource.DataSource, logger *zap.Logger) *MetricsCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	runID := uuid.NewString()
	c := &MetricsCollector{
		target:   target,
		src:      src,
		logger:   logger.Named("collector").With(zap.String("target", target.Name), zap.String("run_id", runID)),
		snapshot: models.NewSnapshot(target.Name, runID),
	}

	features := config.DefaultFeatures()
	if target.Features != nil {
		features = *target.Features
	}
	for _, f := range features.List() {
		c.register(f)
		c.snapshot.Features = append(c.snapshot.Features, string(f))
	}
	return c
}

// register maps a feature toggle to its reader or sampler.
func (c *MetricsCollector) register(f config.Feature) {
	switch f {
	case config.FeatureIdentity:
		c.readers = append(c.readers, NewIdentityReader())
	case config.FeatureUptime:
		c.readers = append(c.readers, NewUptimeReader())
	case config.FeatureMemory:
		c.readers = append(c.readers, NewMemoryReader())
	case config.FeatureLoadAverage:
		c.readers = append(c.readers, NewLoadReader())
	case config.FeatureTemperature:
		c.readers = append(c.readers, NewTemperatureReader())
	case config.FeatureFrequency:
		c.readers = append(c.readers, NewFrequencyReader())
	case config.FeatureCPU:
		c.samplers = append(c.samplers, sampler.NewCPUSampler())
	case config.FeatureNetwork:
		c.samplers = append(c.samplers, sampler.NewNetworkSampler(c.target.Network, c.logger))
	case config.FeatureDisk:
		c.samplers = append(c.samplers, sampler.NewDiskSampler(c.target.Disks, c.logger))
	case config.FeatureProcesses:
		c.samplers = append(c.samplers, sampler.NewProcessSampler(c.target.Processes.Top, c.logger))
	case config.FeatureBattery:
		c.samplers = append(c.samplers, sampler.NewBatterySampler(c.target.Batteries))
	case config.FeatureFragmentation:
		c.samplers = append(c.samplers, sampler.NewFragmentationSampler())
	case config.FeatureStability:
		c.samplers = append(c.samplers, sampler.NewStabilitySampler())
	default:
		c.logger.Warn("Unknown feature, skipping", zap.String("feature", string(f)))
		return
	}
	c.logger.Debug("Registered feature", zap.String("feature", string(f)))
}

// Name returns the target name.
func (c *MetricsCollector) Name() string { return c.target.Name }

// Target returns the configuration the collector was built from.
func (c *MetricsCollector) Target() config.Target { return c.target }

// Features returns the names of the registered readers and samplers in run
// order.
func (c *MetricsCollector) Features() []string {
	out := make([]string, 0, len(c.readers)+len(c.samplers))
	for _, r := range c.readers {
		out = append(out, r.Name())
	}
	for _, s := range c.samplers {
		out = append(out, s.Name())
	}
	return out
}

// Initialize configures every sampler and takes the initial snapshot. Only
// a cancelled context fails it: a sampler that cannot configure or sample
// yet is logged and retried on the next tick.
func (c *MetricsCollector) Initialize(ctx context.Context, at time.Time) error {
	for _, s := range c.samplers {
		if err := s.Configure(ctx, c.src); err != nil {
			c.logger.Warn("Sampler configuration failed", zap.String("sampler", s.Name()), zap.Error(err))
		}
		if err := s.Sample(ctx, c.src, at); err != nil {
			c.logger.Debug("Initial sample failed", zap.String("sampler", s.Name()), zap.Error(err))
		}
		s.Commit()
	}
	c.src.ReleaseTransient()
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeInternal, "initialization cancelled", err)
	}
	return nil
}

// ReadOnce runs every enabled reader. A failing reader is logged and leaves
// its fields at their defaults; the others still run.
func (c *MetricsCollector) ReadOnce(ctx context.Context) {
	for _, r := range c.readers {
		if err := r.Read(ctx, c.src, c.snapshot); err != nil {
			c.logger.Debug("Reader failed", zap.String("reader", r.Name()), zap.Error(err))
		}
	}
}

// RunSamplers drives every sampler through sample, calculate and commit.
func (c *MetricsCollector) RunSamplers(ctx context.Context, at time.Time) {
	c.snapshot.Timestamp = at
	for _, s := range c.samplers {
		if err := s.Sample(ctx, c.src, at); err != nil {
			c.logger.Debug("Sample failed", zap.String("sampler", s.Name()), zap.Error(err))
		}
		s.Calculate(c.snapshot)
		s.Commit()
	}
}

// ReleaseTransient drops the data source's per-tick buffers.
func (c *MetricsCollector) ReleaseTransient() {
	c.src.ReleaseTransient()
}

// Collect runs one full cycle: readers, samplers, release.
func (c *MetricsCollector) Collect(ctx context.Context, at time.Time) *models.MetricsSnapshot {
	c.ReadOnce(ctx)
	c.RunSamplers(ctx, at)
	c.ReleaseTransient()
	return c.snapshot
}

// Snapshot returns the collector's snapshot. It is only valid until the
// next tick.
func (c *MetricsCollector) Snapshot() *models.MetricsSnapshot {
	return c.snapshot
}

// Close closes the data source.
func (c *MetricsCollector) Close() error {
	return c.src.Close()
}
