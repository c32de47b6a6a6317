package sampler

import (
	"context"
	"strings"
	"time"

	"github.com/Guliveer/vitalis/telemetry/internal/datasource"
	"github.com/Guliveer/vitalis/telemetry/internal/models"
)

// FragmentationSampler reduces the buddy allocator's free-chunk histogram
// to a single index between 0 (free memory sits in the largest chunks) and
// 1 (free memory is all single pages).
type FragmentationSampler struct {
	index float64
}

// NewFragmentationSampler creates a fragmentation sampler.
func NewFragmentationSampler() *FragmentationSampler {
	return &FragmentationSampler{}
}

// Name returns the sampler identifier.
func (s *FragmentationSampler) Name() string { return "fragmentation" }

// Configure is a no-op.
func (s *FragmentationSampler) Configure(context.Context, datasource.DataSource) error { return nil }

// Sample reads buddyinfo and sums the histogram over every zone.
func (s *FragmentationSampler) Sample(ctx context.Context, src datasource.DataSource, _ time.Time) error {
	lines, err := ReadLines(ctx, src, datasource.StreamBuddyInfo)
	if err != nil {
		s.index = 0
		return err
	}
	hist, err := parseBuddyInfo(lines)
	if err != nil {
		s.index = 0
		return err
	}
	s.index = FragmentationIndex(hist)
	return nil
}

// Calculate copies the latest index.
func (s *FragmentationSampler) Calculate(out *models.MetricsSnapshot) {
	out.Stability.FragmentationIndex = s.index
}

// Commit is a no-op; there is no pairing.
func (s *FragmentationSampler) Commit() {}

// FragmentationIndex weights the free pages held at each order i
// (count_i * 2^i pages) by i/maxOrder and returns one minus the weighted
// share. An empty histogram returns 0.
func FragmentationIndex(counts []uint64) float64 {
	if len(counts) == 0 {
		return 0
	}
	maxOrder := float64(len(counts) - 1)
	var total, weighted float64
	for order, n := range counts {
		pages := float64(n) * float64(uint64(1)<<order)
		total += pages
		if maxOrder > 0 {
			weighted += pages * float64(order) / maxOrder
		}
	}
	if total == 0 {
		return 0
	}
	if maxOrder == 0 {
		return 1
	}
	return 1 - weighted/total
}

// parseBuddyInfo sums per-order counts across every node and zone:
//
//	Node 0, zone   Normal   1046    527    128 ...
func parseBuddyInfo(lines []string) ([]uint64, error) {
	var hist []uint64
	for _, line := range lines {
		_, rest, ok := strings.Cut(line, "zone")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) < 2 {
			continue
		}
		counts, err := parseUints(fields[1:])
		if err != nil {
			return nil, err
		}
		for len(hist) < len(counts) {
			hist = append(hist, 0)
		}
		for i, c := range counts {
			hist[i] += c
		}
	}
	return hist, nil
}
