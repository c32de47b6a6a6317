package sampler

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/Guliveer/vitalis/telemetry/internal/datasource"
	apperrors "github.com/Guliveer/vitalis/telemetry/internal/errors"
	"github.com/Guliveer/vitalis/telemetry/internal/models"
)

// AggregateCore is the core ID of the all-CPU line.
const AggregateCore = -1

// cpuTimes are the eight cumulative tick counters of one stat line in
// kernel order: user nice system idle iowait irq softirq steal.
type cpuTimes [8]uint64

type cpuSnapshot struct {
	cores   map[int]cpuTimes
	running int
	blocked int
}

// CPUSampler computes per-core time splits from the stat stream.
type CPUSampler struct {
	w window[cpuSnapshot]
}

// NewCPUSampler creates a new CPU sampler.
func NewCPUSampler() *CPUSampler {
	return &CPUSampler{}
}

// Name returns the sampler identifier.
func (s *CPUSampler) Name() string { return "cpu" }

// Configure is a no-op; the core set is discovered from every sample.
func (s *CPUSampler) Configure(context.Context, datasource.DataSource) error { return nil }

// Sample reads the stat stream.
func (s *CPUSampler) Sample(ctx context.Context, src datasource.DataSource, at time.Time) error {
	lines, err := ReadLines(ctx, src, datasource.StreamStat)
	if err != nil {
		s.w.drop()
		return err
	}
	snap, err := parseStat(lines)
	if err != nil {
		s.w.drop()
		return err
	}
	s.w.push(snap, at)
	return nil
}

// Calculate writes the aggregate and per-core splits. Without a baseline
// every core reads as idle.
func (s *CPUSampler) Calculate(out *models.MetricsSnapshot) {
	if !s.w.hasCur {
		out.CPU = models.CoreStats{ID: AggregateCore, Idle: 100}
		out.Cores = nil
		out.Processes.Running, out.Processes.Blocked = 0, 0
		return
	}
	cur := s.w.cur
	out.Processes.Running = cur.running
	out.Processes.Blocked = cur.blocked

	ids := make([]int, 0, len(cur.cores))
	for id := range cur.cores {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	out.Cores = out.Cores[:0]
	for _, id := range ids {
		var stats models.CoreStats
		prev, ok := s.w.prev.cores[id]
		if s.w.paired() && ok {
			stats = coreStats(id, prev, cur.cores[id])
		} else {
			stats = models.CoreStats{ID: id, Idle: 100}
		}
		if id == AggregateCore {
			out.CPU = stats
			continue
		}
		out.Cores = append(out.Cores, stats)
	}
}

// Commit moves the current snapshot into previous.
func (s *CPUSampler) Commit() { s.w.commit() }

// coreStats splits the tick delta between two readings into percentages.
// A zero total or any field going backwards reads as fully idle.
func coreStats(id int, prev, cur cpuTimes) models.CoreStats {
	var delta [8]float64
	var total float64
	for i := range cur {
		if cur[i] < prev[i] {
			return models.CoreStats{ID: id, Idle: 100}
		}
		delta[i] = float64(cur[i] - prev[i])
		total += delta[i]
	}
	if total == 0 {
		return models.CoreStats{ID: id, Idle: 100}
	}

	pct := func(i int) float64 { return 100 * delta[i] / total }
	stats := models.CoreStats{
		ID:      id,
		User:    pct(0),
		Nice:    pct(1),
		System:  pct(2),
		Idle:    pct(3),
		IOWait:  pct(4),
		IRQ:     pct(5),
		SoftIRQ: pct(6),
		Steal:   pct(7),
	}
	stats.Usage = stats.User + stats.Nice + stats.System
	return stats
}

// parseStat reads the cpu lines and the procs_running/procs_blocked gauges.
// Kernels that predate steal (fewer than eight counters) report zero for the
// missing fields.
func parseStat(lines []string) (cpuSnapshot, error) {
	snap := cpuSnapshot{cores: make(map[int]cpuTimes)}
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch {
		case strings.HasPrefix(fields[0], "cpu"):
			id := AggregateCore
			if fields[0] != "cpu" {
				n, err := strconv.Atoi(fields[0][3:])
				if err != nil {
					continue
				}
				id = n
			}
			if len(fields) < 5 {
				return snap, apperrors.Newf(apperrors.ErrCodeParseMalformed, "stat: short line %q", line)
			}
			counters := fields[1:]
			if len(counters) > 8 {
				counters = counters[:8]
			}
			vals, err := parseUints(counters)
			if err != nil {
				return snap, err
			}
			var t cpuTimes
			copy(t[:], vals)
			snap.cores[id] = t
		case fields[0] == "procs_running" && len(fields) > 1:
			snap.running, _ = strconv.Atoi(fields[1])
		case fields[0] == "procs_blocked" && len(fields) > 1:
			snap.blocked, _ = strconv.Atoi(fields[1])
		}
	}
	if _, ok := snap.cores[AggregateCore]; !ok {
		return snap, apperrors.New(apperrors.ErrCodeParseMalformed, "stat: no aggregate cpu line")
	}
	return snap, nil
}
