package collector

import (
	"context"
	"strconv"
	"strings"

	"github.com/Guliveer/vitalis/telemetry/internal/datasource"
	apperrors "github.com/Guliveer/vitalis/telemetry/internal/errors"
	"github.com/Guliveer/vitalis/telemetry/internal/models"
	"github.com/Guliveer/vitalis/telemetry/internal/sampler"
)

// FrequencyReader reads the current clock of every core from the
// "cpu MHz" lines of cpuinfo, in processor order.
type FrequencyReader struct{}

// NewFrequencyReader creates a new frequency reader.
func NewFrequencyReader() *FrequencyReader {
	return &FrequencyReader{}
}

// Name returns the reader identifier.
func (r *FrequencyReader) Name() string { return "frequency" }

// Read fills out.FrequencyMHz. Architectures whose cpuinfo has no MHz lines
// leave it empty.
func (r *FrequencyReader) Read(ctx context.Context, src datasource.DataSource, out *models.MetricsSnapshot) error {
	out.FrequencyMHz = out.FrequencyMHz[:0]
	lines, err := sampler.ReadLines(ctx, src, datasource.StreamCPUInfo)
	if err != nil {
		return err
	}
	for _, line := range lines {
		key, val, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(key) != "cpu MHz" {
			continue
		}
		mhz, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrCodeParseMalformed, "cpuinfo: cpu MHz", err)
		}
		out.FrequencyMHz = append(out.FrequencyMHz, mhz)
	}
	return nil
}
