// CPU temperature reader.
// The data source picks the hottest valid CPU sensor; -1 means none.
package collector

import (
	"context"

	"github.com/Guliveer/vitalis/telemetry/internal/datasource"
	apperrors "github.com/Guliveer/vitalis/telemetry/internal/errors"
	"github.com/Guliveer/vitalis/telemetry/internal/models"
)

// TemperatureReader reads the CPU temperature.
type TemperatureReader struct{}

// NewTemperatureReader creates a new temperature reader.
func NewTemperatureReader() *TemperatureReader {
	return &TemperatureReader{}
}

// Name returns the reader identifier.
func (r *TemperatureReader) Name() string { return "temperature" }

// Read fills out.CPUTemp.
func (r *TemperatureReader) Read(ctx context.Context, src datasource.DataSource, out *models.MetricsSnapshot) error {
	out.CPUTemp = src.CPUTemperature(ctx)
	if out.CPUTemp == models.TemperatureUnavailable {
		return apperrors.New(apperrors.ErrCodeSourceUnavailable, "no valid CPU temperature sensor")
	}
	return nil
}
