package sampler

import (
	"context"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/telemetry/internal/config"
	"github.com/Guliveer/vitalis/telemetry/internal/datasource"
	apperrors "github.com/Guliveer/vitalis/telemetry/internal/errors"
	"github.com/Guliveer/vitalis/telemetry/internal/models"
)

type ifaceCounters struct {
	rxBytes, rxPackets uint64
	txBytes, txPackets uint64
}

type netSnapshot struct {
	ifaces    map[string]ifaceCounters
	addresses map[string]string
}

// NetworkSampler computes per-interface throughput from the net device
// counters.
type NetworkSampler struct {
	cfg    config.NetworkConfig
	allow  map[string]bool
	logger *zap.Logger
	w      window[netSnapshot]
}

// NewNetworkSampler creates a network sampler. When cfg.Interfaces is set
// only those interfaces are reported; otherwise every interface except the
// loopback (unless included) is.
func NewNetworkSampler(cfg config.NetworkConfig, logger *zap.Logger) *NetworkSampler {
	s := &NetworkSampler{cfg: cfg, logger: logger}
	if len(cfg.Interfaces) > 0 {
		s.allow = make(map[string]bool, len(cfg.Interfaces))
		for _, name := range cfg.Interfaces {
			s.allow[name] = true
		}
	}
	return s
}

// Name returns the sampler identifier.
func (s *NetworkSampler) Name() string { return "network" }

// Configure is a no-op; interfaces come and go between samples.
func (s *NetworkSampler) Configure(context.Context, datasource.DataSource) error { return nil }

func (s *NetworkSampler) visible(name string) bool {
	if s.allow != nil {
		return s.allow[name]
	}
	return name != "lo" || s.cfg.IncludeLoopback
}

// Sample reads the counters and the current interface addresses. A failed
// address lookup only leaves addresses blank.
func (s *NetworkSampler) Sample(ctx context.Context, src datasource.DataSource, at time.Time) error {
	lines, err := ReadLines(ctx, src, datasource.StreamNetDev)
	if err != nil {
		s.w.drop()
		return err
	}
	ifaces, err := parseNetDev(lines)
	if err != nil {
		s.w.drop()
		return err
	}
	for name := range ifaces {
		if !s.visible(name) {
			delete(ifaces, name)
		}
	}

	addrs, err := src.InterfaceAddresses(ctx)
	if err != nil {
		s.logger.Debug("Interface addresses unavailable", zap.Error(err))
	}
	s.w.push(netSnapshot{ifaces: ifaces, addresses: addrs}, at)
	return nil
}

// Calculate emits one row per interface present in both snapshots. A
// direction whose counter went backwards reports 0.
func (s *NetworkSampler) Calculate(out *models.MetricsSnapshot) {
	out.Network = out.Network[:0]
	if !s.w.paired() {
		return
	}
	elapsed := s.w.elapsed()
	cur, prev := s.w.cur, s.w.prev

	names := make([]string, 0, len(cur.ifaces))
	for name := range cur.ifaces {
		if _, ok := prev.ifaces[name]; ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)

	for _, name := range names {
		c, p := cur.ifaces[name], prev.ifaces[name]
		out.Network = append(out.Network, models.InterfaceStats{
			Name:            name,
			Address:         cur.addresses[name],
			RxBytesPerSec:   rate(p.rxBytes, c.rxBytes, elapsed),
			TxBytesPerSec:   rate(p.txBytes, c.txBytes, elapsed),
			RxPacketsPerSec: rate(p.rxPackets, c.rxPackets, elapsed),
			TxPacketsPerSec: rate(p.txPackets, c.txPackets, elapsed),
			RxTotalBytes:    c.rxBytes,
			TxTotalBytes:    c.txBytes,
		})
	}
}

// Commit moves the current snapshot into previous.
func (s *NetworkSampler) Commit() { s.w.commit() }

// parseNetDev reads /proc/net/dev. The two header lines have no colon
// before the counters and are skipped.
//
//	eth0: 1234 10 0 0 0 0 0 0 5678 20 0 0 0 0 0 0
func parseNetDev(lines []string) (map[string]ifaceCounters, error) {
	out := make(map[string]ifaceCounters)
	for _, line := range lines {
		name, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		fields := strings.Fields(rest)
		if strings.Contains(name, "|") || len(fields) == 0 {
			continue
		}
		if len(fields) < 10 {
			return nil, apperrors.Newf(apperrors.ErrCodeParseMalformed, "netdev: short line for %s", name)
		}
		vals, err := parseUints([]string{fields[0], fields[1], fields[8], fields[9]})
		if err != nil {
			return nil, err
		}
		out[name] = ifaceCounters{
			rxBytes:   vals[0],
			rxPackets: vals[1],
			txBytes:   vals[2],
			txPackets: vals[3],
		}
	}
	return out, nil
}
