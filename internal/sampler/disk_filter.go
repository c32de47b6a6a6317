package sampler

import (
	"regexp"
	"strings"

	"github.com/Guliveer/vitalis/telemetry/internal/config"
)

var (
	// sda1, vdb2, xvda1, hdc3
	diskPartitionRe = regexp.MustCompile(`^(?:sd|vd|xvd|hd)[a-z]+\d+$`)
	// nvme0n1p2, mmcblk0p1
	numberedPartitionRe = regexp.MustCompile(`^(?:nvme\d+n\d+|mmcblk\d+)p\d+$`)
)

// DiskFilter decides which kernel block devices are visible.
type DiskFilter struct {
	Allowlist         map[string]bool
	IncludeLoopback   bool
	IncludeMapper     bool
	IncludePartitions bool
}

// NewDiskFilter builds a filter from the target's disk settings.
func NewDiskFilter(cfg config.DiskConfig) DiskFilter {
	f := DiskFilter{
		IncludeLoopback:   cfg.IncludeLoopback,
		IncludeMapper:     cfg.IncludeMapper,
		IncludePartitions: cfg.IncludePartitions,
	}
	if len(cfg.Allowlist) > 0 {
		f.Allowlist = make(map[string]bool, len(cfg.Allowlist))
		for _, name := range cfg.Allowlist {
			f.Allowlist[name] = true
		}
	}
	return f
}

// Keep applies, in order: a tracked device is always kept; an allowlisted
// name is always kept; a non-empty allowlist hides everything else; the
// loopback, mapper and partition toggles decide the rest.
func (f DiskFilter) Keep(name string, tracked bool) bool {
	if tracked {
		return true
	}
	if f.Allowlist[name] {
		return true
	}
	if len(f.Allowlist) > 0 {
		return false
	}
	switch {
	case isLoopback(name):
		return f.IncludeLoopback
	case isMapper(name):
		return f.IncludeMapper
	case isPartition(name):
		return f.IncludePartitions
	}
	return true
}

func isLoopback(name string) bool { return strings.HasPrefix(name, "loop") }

func isMapper(name string) bool { return strings.HasPrefix(name, "dm-") }

func isPartition(name string) bool {
	return diskPartitionRe.MatchString(name) || numberedPartitionRe.MatchString(name)
}
