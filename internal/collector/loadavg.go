package collector

import (
	"context"
	"strconv"
	"strings"

	"github.com/Guliveer/vitalis/telemetry/internal/datasource"
	apperrors "github.com/Guliveer/vitalis/telemetry/internal/errors"
	"github.com/Guliveer/vitalis/telemetry/internal/models"
)

// LoadReader reads /proc/loadavg: "0.10 0.20 0.30 2/345 6789".
type LoadReader struct{}

// NewLoadReader creates a new load average reader.
func NewLoadReader() *LoadReader {
	return &LoadReader{}
}

// Name returns the reader identifier.
func (r *LoadReader) Name() string { return "load_average" }

// Read fills out.Load.
func (r *LoadReader) Read(ctx context.Context, src datasource.DataSource, out *models.MetricsSnapshot) error {
	out.Load = models.LoadAverage{}
	line, err := readFirstLine(ctx, src, datasource.StreamLoadAvg)
	if err != nil {
		return err
	}
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return apperrors.Newf(apperrors.ErrCodeParseMalformed, "loadavg: %q", line)
	}
	var avgs [3]float64
	for i := range avgs {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrCodeParseMalformed, "loadavg", err)
		}
		avgs[i] = v
	}
	load := models.LoadAverage{One: avgs[0], Five: avgs[1], Fifteen: avgs[2]}
	if runnable, entities, ok := strings.Cut(fields[3], "/"); ok {
		load.Runnable, _ = strconv.Atoi(runnable)
		load.Entities, _ = strconv.Atoi(entities)
	}
	out.Load = load
	return nil
}
