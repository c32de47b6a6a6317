package sampler

import (
	"context"
	"errors"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/Guliveer/vitalis/telemetry/internal/datasource"
	apperrors "github.com/Guliveer/vitalis/telemetry/internal/errors"
	"github.com/Guliveer/vitalis/telemetry/internal/models"
)

// pressureStreams lists the PSI resources in report order.
var pressureStreams = []struct {
	resource string
	stream   datasource.StreamName
}{
	{"cpu", datasource.StreamPressureCPU},
	{"memory", datasource.StreamPressureMemory},
	{"io", datasource.StreamPressureIO},
}

// StabilitySampler reports file handle usage and pressure stall averages.
type StabilitySampler struct {
	handles  models.FileHandles
	pressure map[string]models.PressureStats
}

// NewStabilitySampler creates a stability sampler.
func NewStabilitySampler() *StabilitySampler {
	return &StabilitySampler{}
}

// Name returns the sampler identifier.
func (s *StabilitySampler) Name() string { return "stability" }

// Configure is a no-op.
func (s *StabilitySampler) Configure(context.Context, datasource.DataSource) error { return nil }

// Sample reads file-nr and every PSI resource. Each part degrades on its
// own; the returned error joins whatever failed.
func (s *StabilitySampler) Sample(ctx context.Context, src datasource.DataSource, _ time.Time) error {
	var errs []error

	s.handles = models.FileHandles{}
	if lines, err := ReadLines(ctx, src, datasource.StreamFileNr); err != nil {
		errs = append(errs, err)
	} else if h, err := parseFileNr(lines); err != nil {
		errs = append(errs, err)
	} else {
		s.handles = h
	}

	s.pressure = make(map[string]models.PressureStats, len(pressureStreams))
	for _, p := range pressureStreams {
		lines, err := ReadLines(ctx, src, p.stream)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		stats, err := parsePressure(lines)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.pressure[p.resource] = stats
	}
	return errors.Join(errs...)
}

// Calculate copies the latest readings.
func (s *StabilitySampler) Calculate(out *models.MetricsSnapshot) {
	out.Stability.FileHandles = s.handles
	if len(s.pressure) == 0 {
		out.Stability.Pressure = nil
		return
	}
	out.Stability.Pressure = maps.Clone(s.pressure)
}

// Commit is a no-op; there is no pairing.
func (s *StabilitySampler) Commit() {}

// parseFileNr reads "allocated unused max".
func parseFileNr(lines []string) (models.FileHandles, error) {
	if len(lines) == 0 {
		return models.FileHandles{}, apperrors.New(apperrors.ErrCodeParseMalformed, "file-nr: empty")
	}
	fields := strings.Fields(lines[0])
	if len(fields) < 3 {
		return models.FileHandles{}, apperrors.Newf(apperrors.ErrCodeParseMalformed, "file-nr: %q", lines[0])
	}
	vals, err := parseUints(fields[:3])
	if err != nil {
		return models.FileHandles{}, err
	}
	return models.FileHandles{Allocated: vals[0], Unused: vals[1], Max: vals[2]}, nil
}

// parsePressure reads a PSI file:
//
//	some avg10=0.12 avg60=0.05 avg300=0.01 total=12345
//	full avg10=0.00 avg60=0.00 avg300=0.00 total=0
func parsePressure(lines []string) (models.PressureStats, error) {
	var stats models.PressureStats
	var sawSome bool
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		var w models.PressureWindow
		for _, kv := range fields[1:] {
			key, val, ok := strings.Cut(kv, "=")
			if !ok {
				continue
			}
			v, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return stats, apperrors.Wrap(apperrors.ErrCodeParseMalformed, "pressure: bad value", err)
			}
			switch key {
			case "avg10":
				w.Avg10 = v
			case "avg60":
				w.Avg60 = v
			case "avg300":
				w.Avg300 = v
			}
		}
		switch fields[0] {
		case "some":
			stats.Some = w
			sawSome = true
		case "full":
			stats.Full = &w
		}
	}
	if !sawSome {
		return stats, apperrors.New(apperrors.ErrCodeParseMalformed, "pressure: no some line")
	}
	return stats, nil
}
