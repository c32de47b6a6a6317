// Package sampler turns pairs of raw counter snapshots into rates.
//
// Every sampler follows the same lifecycle:
//
//	Configure -> Sample + Commit (initial snapshot) -> {Sample -> Calculate -> Commit}*
//
// Calculate only reads the two snapshots it holds; Commit makes the current
// snapshot the previous one. Samplers with no pairing (battery,
// fragmentation, stability) simply copy their latest reading.
package sampler

import (
	"context"
	"time"

	"github.com/Guliveer/vitalis/telemetry/internal/datasource"
	"github.com/Guliveer/vitalis/telemetry/internal/models"
)

// Sampler is the lifecycle every metric family implements.
type Sampler interface {
	// Name returns the sampler identifier (the feature toggle it serves).
	Name() string

	// Configure resolves anything that stays fixed for the sampler's
	// lifetime, such as tracked devices.
	Configure(ctx context.Context, src datasource.DataSource) error

	// Sample captures a new current snapshot taken at the given time. On
	// error the current snapshot is discarded and Calculate degrades.
	Sample(ctx context.Context, src datasource.DataSource, at time.Time) error

	// Calculate writes the sampler's fields into out. It never fails and
	// never modifies the held snapshots.
	Calculate(out *models.MetricsSnapshot)

	// Commit replaces the previous snapshot with the current one.
	Commit()
}

// window holds the previous and current snapshot of one sampler.
type window[T any] struct {
	prev, cur     T
	prevAt, curAt time.Time
	hasPrev       bool
	hasCur        bool
}

// push stores a new current snapshot.
func (w *window[T]) push(s T, at time.Time) {
	w.cur, w.curAt, w.hasCur = s, at, true
}

// drop discards the current snapshot after a failed sample. The previous
// one is kept so the next successful sample still has a baseline.
func (w *window[T]) drop() {
	var zero T
	w.cur, w.hasCur = zero, false
}

// commit moves current into previous.
func (w *window[T]) commit() {
	if !w.hasCur {
		return
	}
	w.prev, w.prevAt, w.hasPrev = w.cur, w.curAt, true
	w.drop()
}

// paired reports whether both snapshots are present.
func (w *window[T]) paired() bool {
	return w.hasPrev && w.hasCur
}

// elapsed is the time between the two snapshots in seconds; zero when
// either is missing or time did not advance.
func (w *window[T]) elapsed() float64 {
	if !w.paired() {
		return 0
	}
	secs := w.curAt.Sub(w.prevAt).Seconds()
	if secs <= 0 {
		return 0
	}
	return secs
}

// rate returns the per-second increase of a monotonic counter. A counter
// that went backwards (wrap or reset) and a non-positive elapsed time both
// yield 0.
func rate(prev, cur uint64, elapsed float64) float64 {
	if elapsed <= 0 || cur < prev {
		return 0
	}
	return float64(cur-prev) / elapsed
}

// clamp bounds v to [lo, hi].
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
