// Package fakesource provides an in-memory DataSource for tests.
package fakesource

import (
	"context"
	"io"
	"maps"
	"strings"

	"github.com/Guliveer/vitalis/telemetry/internal/config"
	"github.com/Guliveer/vitalis/telemetry/internal/datasource"
	apperrors "github.com/Guliveer/vitalis/telemetry/internal/errors"
	"github.com/Guliveer/vitalis/telemetry/internal/models"
)

// Source serves whatever content the test assigns. Streams that were never
// set report SOURCE_UNAVAILABLE, like a missing pseudo-file.
type Source struct {
	SourceName  string
	Streams     map[datasource.StreamName]string
	Usage       map[string]datasource.Usage
	Temperature float64
	Batteries   map[string]models.BatteryInfo
	Processes   map[int32]datasource.RawProcess
	Addresses   map[string]string
	Devices     map[string]string
	Ticks       int64
	// ProcessErr, when set, is returned by ProcessSnapshots.
	ProcessErr error

	Released int
	Closed   bool
}

var _ datasource.DataSource = (*Source)(nil)

// New returns an empty source with a tick rate of 100.
func New(name string) *Source {
	return &Source{
		SourceName:  name,
		Streams:     make(map[datasource.StreamName]string),
		Usage:       make(map[string]datasource.Usage),
		Temperature: models.TemperatureUnavailable,
		Batteries:   make(map[string]models.BatteryInfo),
		Processes:   make(map[int32]datasource.RawProcess),
		Addresses:   make(map[string]string),
		Devices:     make(map[string]string),
		Ticks:       100,
	}
}

// Set assigns the content of a stream.
func (s *Source) Set(name datasource.StreamName, content string) *Source {
	s.Streams[name] = content
	return s
}

func (s *Source) Name() string { return s.SourceName }

func (s *Source) Stream(_ context.Context, name datasource.StreamName) (io.Reader, error) {
	content, ok := s.Streams[name]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrCodeSourceUnavailable, "stream %s not set", name)
	}
	return strings.NewReader(content), nil
}

func (s *Source) DiskUsage(_ context.Context, mountPoint string) (datasource.Usage, error) {
	u, ok := s.Usage[mountPoint]
	if !ok {
		return datasource.Usage{}, apperrors.Newf(apperrors.ErrCodeSourceUnavailable, "no usage for %s", mountPoint)
	}
	return u, nil
}

func (s *Source) CPUTemperature(context.Context) float64 { return s.Temperature }

func (s *Source) BatteryStatus(_ context.Context, batteries []config.Battery) []models.BatteryInfo {
	out := make([]models.BatteryInfo, 0, len(batteries))
	for _, b := range batteries {
		info, ok := s.Batteries[b.Name]
		if !ok {
			info = models.BatteryInfo{Name: b.Name, Charge: -1, Status: "unknown"}
		}
		out = append(out, info)
	}
	return out
}

func (s *Source) ProcessSnapshots(context.Context) (map[int32]datasource.RawProcess, error) {
	if s.ProcessErr != nil {
		return nil, s.ProcessErr
	}
	return maps.Clone(s.Processes), nil
}

func (s *Source) InterfaceAddresses(context.Context) (map[string]string, error) {
	return maps.Clone(s.Addresses), nil
}

func (s *Source) ResolveDevice(_ context.Context, path string) (string, error) {
	name, ok := s.Devices[path]
	if !ok {
		return "", apperrors.Newf(apperrors.ErrCodeSourceUnavailable, "cannot resolve %s", path)
	}
	return name, nil
}

func (s *Source) TickRate() int64 { return s.Ticks }

func (s *Source) ReleaseTransient() { s.Released++ }

func (s *Source) Close() error {
	s.Closed = true
	return nil
}
