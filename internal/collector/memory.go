// RAM and swap reader: figures from /proc/meminfo.
package collector

import (
	"context"

	"github.com/Guliveer/vitalis/telemetry/internal/datasource"
	apperrors "github.com/Guliveer/vitalis/telemetry/internal/errors"
	"github.com/Guliveer/vitalis/telemetry/internal/models"
	"github.com/Guliveer/vitalis/telemetry/internal/sampler"
)

// MemoryReader reads memory and swap usage.
type MemoryReader struct{}

// NewMemoryReader creates a new memory reader.
func NewMemoryReader() *MemoryReader {
	return &MemoryReader{}
}

// Name returns the reader identifier.
func (r *MemoryReader) Name() string { return "memory" }

// Read fills out.Memory. Used memory is MemTotal - MemAvailable; kernels
// without MemAvailable fall back to free + buffers + cached.
func (r *MemoryReader) Read(ctx context.Context, src datasource.DataSource, out *models.MetricsSnapshot) error {
	out.Memory = models.MemoryStats{}
	lines, err := sampler.ReadLines(ctx, src, datasource.StreamMemInfo)
	if err != nil {
		return err
	}
	info := sampler.ParseMemInfo(lines)
	total, ok := info["MemTotal"]
	if !ok || total == 0 {
		return apperrors.New(apperrors.ErrCodeParseMalformed, "meminfo: no MemTotal")
	}

	m := models.MemoryStats{
		TotalKB:     total,
		FreeKB:      info["MemFree"],
		BuffersKB:   info["Buffers"],
		CachedKB:    info["Cached"],
		SwapTotalKB: info["SwapTotal"],
		SwapFreeKB:  info["SwapFree"],
	}
	if avail, ok := info["MemAvailable"]; ok {
		m.AvailableKB = avail
	} else {
		m.AvailableKB = m.FreeKB + m.BuffersKB + m.CachedKB
	}
	if m.AvailableKB < total {
		m.UsedKB = total - m.AvailableKB
	}
	m.UsedPercent = 100 * float64(m.UsedKB) / float64(total)
	if m.SwapFreeKB < m.SwapTotalKB {
		m.SwapUsedKB = m.SwapTotalKB - m.SwapFreeKB
	}
	out.Memory = m
	return nil
}
