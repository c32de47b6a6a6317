// System uptime reader: seconds since last boot, from /proc/uptime.
package collector

import (
	"context"
	"strconv"
	"strings"

	"github.com/Guliveer/vitalis/telemetry/internal/datasource"
	apperrors "github.com/Guliveer/vitalis/telemetry/internal/errors"
	"github.com/Guliveer/vitalis/telemetry/internal/models"
)

// UptimeReader reads system uptime in seconds.
type UptimeReader struct{}

// NewUptimeReader creates a new uptime reader.
func NewUptimeReader() *UptimeReader {
	return &UptimeReader{}
}

// Name returns the reader identifier.
func (r *UptimeReader) Name() string { return "uptime" }

// Read fills out.UptimeSeconds.
func (r *UptimeReader) Read(ctx context.Context, src datasource.DataSource, out *models.MetricsSnapshot) error {
	out.UptimeSeconds = 0
	line, err := readFirstLine(ctx, src, datasource.StreamUptime)
	if err != nil {
		return err
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return apperrors.New(apperrors.ErrCodeParseMalformed, "uptime: empty")
	}
	secs, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeParseMalformed, "uptime", err)
	}
	out.UptimeSeconds = secs
	return nil
}
