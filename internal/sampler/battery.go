package sampler

import (
	"context"
	"slices"
	"time"

	"github.com/Guliveer/vitalis/telemetry/internal/config"
	"github.com/Guliveer/vitalis/telemetry/internal/datasource"
	"github.com/Guliveer/vitalis/telemetry/internal/models"
)

// BatterySampler reports the latest reading of each configured battery.
type BatterySampler struct {
	batteries []config.Battery
	latest    []models.BatteryInfo
}

// NewBatterySampler creates a battery sampler.
func NewBatterySampler(batteries []config.Battery) *BatterySampler {
	return &BatterySampler{batteries: batteries}
}

// Name returns the sampler identifier.
func (s *BatterySampler) Name() string { return "battery" }

// Configure is a no-op.
func (s *BatterySampler) Configure(context.Context, datasource.DataSource) error { return nil }

// Sample reads every configured battery. Unreadable batteries already come
// back degraded, so this never fails.
func (s *BatterySampler) Sample(ctx context.Context, src datasource.DataSource, _ time.Time) error {
	s.latest = src.BatteryStatus(ctx, s.batteries)
	for i := range s.latest {
		if i < len(s.batteries) && s.batteries[i].Label != "" {
			s.latest[i].Name = s.batteries[i].Label
		}
	}
	return nil
}

// Calculate copies the latest readings.
func (s *BatterySampler) Calculate(out *models.MetricsSnapshot) {
	out.Batteries = slices.Clone(s.latest)
}

// Commit is a no-op; there is no pairing.
func (s *BatterySampler) Commit() {}
