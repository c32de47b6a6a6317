package sampler

import (
	"cmp"
	"context"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/telemetry/internal/datasource"
	"github.com/Guliveer/vitalis/telemetry/internal/models"
)

// DefaultTopN is the length of each top-process list when unset.
const DefaultTopN = 10

type processSnapshot struct {
	procs      map[int32]datasource.RawProcess
	memTotalKB uint64
	tickRate   int64
}

// ProcessSampler ranks processes by memory and CPU.
type ProcessSampler struct {
	top    int
	logger *zap.Logger
	w      window[processSnapshot]
}

// NewProcessSampler creates a process sampler producing lists of at most
// top entries.
func NewProcessSampler(top int, logger *zap.Logger) *ProcessSampler {
	if top <= 0 {
		top = DefaultTopN
	}
	return &ProcessSampler{top: top, logger: logger}
}

// Name returns the sampler identifier.
func (s *ProcessSampler) Name() string { return "processes" }

// Configure is a no-op.
func (s *ProcessSampler) Configure(context.Context, datasource.DataSource) error { return nil }

// Sample reads the process table and MemTotal. Without MemTotal memory
// percentages read 0.
func (s *ProcessSampler) Sample(ctx context.Context, src datasource.DataSource, at time.Time) error {
	procs, err := src.ProcessSnapshots(ctx)
	if err != nil {
		s.w.drop()
		return err
	}
	memTotal, err := ReadMemTotal(ctx, src)
	if err != nil {
		s.logger.Debug("MemTotal unavailable", zap.Error(err))
	}
	s.w.push(processSnapshot{procs: procs, memTotalKB: memTotal, tickRate: src.TickRate()}, at)
	return nil
}

// Calculate fills the four top lists. Real-time CPU only covers PIDs
// present in both snapshots; memory and lifetime CPU cover every current
// PID. The average memory list is the real-time memory list.
func (s *ProcessSampler) Calculate(out *models.MetricsSnapshot) {
	out.TopMemory, out.TopCPU = nil, nil
	out.TopMemoryAverage, out.TopCPUAverage = nil, nil
	if !s.w.hasCur {
		out.Processes.Total = 0
		return
	}
	cur := s.w.cur
	out.Processes.Total = len(cur.procs)

	pids := make([]int32, 0, len(cur.procs))
	for pid := range cur.procs {
		pids = append(pids, pid)
	}
	slices.Sort(pids)

	elapsed := s.w.elapsed()
	ticksPerSec := float64(cur.tickRate)
	if ticksPerSec <= 0 {
		ticksPerSec = 100
	}

	all := make([]models.ProcessInfo, 0, len(pids))
	lifetime := make([]models.ProcessInfo, 0, len(pids))
	var paired []models.ProcessInfo
	for _, pid := range pids {
		raw := cur.procs[pid]
		info := models.ProcessInfo{
			PID:    pid,
			Name:   raw.Name,
			Memory: memPercent(raw.RSSKB, cur.memTotalKB),
			RSSKB:  raw.RSSKB,
		}
		all = append(all, info)

		if raw.AgeSeconds > 0 {
			avg := info
			avg.CPU = clamp(100*float64(raw.CPUTicks)/(ticksPerSec*raw.AgeSeconds), 0, 100)
			lifetime = append(lifetime, avg)
		}

		if prev, ok := s.w.prev.procs[pid]; ok && s.w.paired() {
			rt := info
			if elapsed > 0 && raw.CPUTicks >= prev.CPUTicks {
				delta := float64(raw.CPUTicks - prev.CPUTicks)
				rt.CPU = clamp(100*delta/(ticksPerSec*elapsed), 0, 100)
			}
			paired = append(paired, rt)
		}
	}

	byMemory := func(p models.ProcessInfo) float64 { return p.Memory }
	byCPU := func(p models.ProcessInfo) float64 { return p.CPU }

	out.TopMemory = topN(all, s.top, byMemory)
	out.TopCPU = topN(paired, s.top, byCPU)
	out.TopCPUAverage = topN(lifetime, s.top, byCPU)
	out.TopMemoryAverage = slices.Clone(out.TopMemory)
	for i := range out.TopMemory {
		// CPU on memory-ranked rows is the real-time figure when known.
		out.TopMemory[i].CPU = findCPU(paired, out.TopMemory[i].PID)
		out.TopMemoryAverage[i].CPU = out.TopMemory[i].CPU
	}
}

// Commit moves the current snapshot into previous.
func (s *ProcessSampler) Commit() { s.w.commit() }

func memPercent(rssKB, totalKB uint64) float64 {
	if totalKB == 0 {
		return 0
	}
	return clamp(100*float64(rssKB)/float64(totalKB), 0, 100)
}

func findCPU(procs []models.ProcessInfo, pid int32) float64 {
	i, ok := slices.BinarySearchFunc(procs, pid, func(p models.ProcessInfo, pid int32) int {
		return cmp.Compare(p.PID, pid)
	})
	if !ok {
		return 0
	}
	return procs[i].CPU
}

// topN returns the n entries with the largest key, descending. It keeps a
// bounded insertion list instead of sorting all candidates; equal keys keep
// their input order.
func topN(in []models.ProcessInfo, n int, key func(models.ProcessInfo) float64) []models.ProcessInfo {
	if n <= 0 || len(in) == 0 {
		return nil
	}
	out := make([]models.ProcessInfo, 0, min(n, len(in)))
	for _, p := range in {
		k := key(p)
		if len(out) == n && k <= key(out[n-1]) {
			continue
		}
		pos := len(out)
		for pos > 0 && key(out[pos-1]) < k {
			pos--
		}
		if len(out) < n {
			out = append(out, models.ProcessInfo{})
		}
		copy(out[pos+1:], out[pos:len(out)-1])
		out[pos] = p
	}
	return out
}
