// Package collector defines the one-shot readers and the MetricsCollector
// that drives them together with the samplers of one collection target.
package collector

import (
	"context"

	"github.com/Guliveer/vitalis/telemetry/internal/datasource"
	"github.com/Guliveer/vitalis/telemetry/internal/models"
)

// Reader fills one group of snapshot fields from a single reading, with no
// pairing. Each reader is independent: a failure degrades only its own
// fields.
type Reader interface {
	// Name returns the unique identifier for this reader (its feature toggle).
	Name() string

	// Read gathers the metric data and writes it into out. On error out
	// holds the reader's default or sentinel values.
	Read(ctx context.Context, src datasource.DataSource, out *models.MetricsSnapshot) error
}
