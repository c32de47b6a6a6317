package sampler

import (
	"context"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/telemetry/internal/config"
	"github.com/Guliveer/vitalis/telemetry/internal/datasource"
	apperrors "github.com/Guliveer/vitalis/telemetry/internal/errors"
	"github.com/Guliveer/vitalis/telemetry/internal/models"
)

const (
	// sectorSize is the fixed unit of the diskstats sector counters,
	// independent of the device's physical sector size.
	sectorSize = 512

	// maxGenericDevices caps the untracked device map.
	maxGenericDevices = 100
)

type ioCounters struct {
	read, written uint64
}

type diskSnapshot struct {
	devices map[string]ioCounters
	usage   map[string]datasource.Usage
}

// mountEntry is one line of the mounts stream.
type mountEntry struct {
	source string
	point  string
}

// DiskSampler computes block-device throughput and keeps usage for the
// devices behind the target's logical paths.
type DiskSampler struct {
	cfg      config.DiskConfig
	filter   DiskFilter
	logger   *zap.Logger
	registry *deviceRegistry
	w        window[diskSnapshot]
}

// NewDiskSampler creates a disk sampler. Tracked devices are resolved in
// Configure.
func NewDiskSampler(cfg config.DiskConfig, logger *zap.Logger) *DiskSampler {
	return &DiskSampler{
		cfg:      cfg,
		filter:   NewDiskFilter(cfg),
		logger:   logger,
		registry: newDeviceRegistry(),
	}
}

// Name returns the sampler identifier.
func (s *DiskSampler) Name() string { return "disk" }

// Configure resolves every logical path to its kernel device and mount
// point. An unreadable device file or an unresolvable path is logged and
// skipped.
func (s *DiskSampler) Configure(ctx context.Context, src datasource.DataSource) error {
	paths := slices.Clone(s.cfg.Paths)
	if s.cfg.DeviceFile != "" {
		fromFile, err := config.ReadDeviceFile(s.cfg.DeviceFile)
		if err != nil {
			s.logger.Warn("Device file unreadable, no devices tracked from it",
				zap.String("file", s.cfg.DeviceFile), zap.Error(err))
		}
		paths = append(fromFile, paths...)
	}
	if len(paths) == 0 {
		return nil
	}

	var mounts []mountEntry
	if lines, err := ReadLines(ctx, src, datasource.StreamMounts); err != nil {
		s.logger.Warn("Mounts unavailable, device paths resolve without mount points", zap.Error(err))
	} else {
		mounts = parseMounts(lines)
	}

	for _, p := range paths {
		info, err := resolveLogicalPath(ctx, src, mounts, p)
		if err != nil {
			s.logger.Warn("Cannot resolve tracked path", zap.String("path", p), zap.Error(err))
			continue
		}
		if !s.registry.add(info) {
			s.logger.Debug("Path resolves to an already tracked device",
				zap.String("path", p), zap.String("device", info.Device))
		}
	}
	return nil
}

// Tracked returns the resolved tracked devices in registration order.
func (s *DiskSampler) Tracked() []models.DeviceInfo {
	out := make([]models.DeviceInfo, 0, len(s.registry.order))
	for _, name := range s.registry.order {
		out = append(out, *s.registry.devices[name])
	}
	return out
}

// Sample reads the diskstats counters of every visible device and the usage
// of every tracked mount point.
func (s *DiskSampler) Sample(ctx context.Context, src datasource.DataSource, at time.Time) error {
	lines, err := ReadLines(ctx, src, datasource.StreamDiskStats)
	if err != nil {
		s.w.drop()
		return err
	}
	devices, err := parseDiskStats(lines)
	if err != nil {
		s.w.drop()
		return err
	}
	for name := range devices {
		if !s.filter.Keep(name, s.registry.tracked(name)) {
			delete(devices, name)
		}
	}

	usage := make(map[string]datasource.Usage, len(s.registry.order))
	for _, name := range s.registry.order {
		info := s.registry.devices[name]
		if info.Mount == "" {
			continue
		}
		u, err := src.DiskUsage(ctx, info.Mount)
		if err != nil {
			s.logger.Debug("Disk usage unavailable", zap.String("mount", info.Mount), zap.Error(err))
			continue
		}
		usage[name] = u
	}

	s.w.push(diskSnapshot{devices: devices, usage: usage}, at)
	return nil
}

// Calculate lists every tracked device, with zero rates and NoBaseline set
// when a device has no counter pair, and fills the generic device map with
// the other visible devices.
func (s *DiskSampler) Calculate(out *models.MetricsSnapshot) {
	elapsed := s.w.elapsed()
	cur, prev := s.w.cur, s.w.prev
	paired := s.w.paired()

	out.Disks = out.Disks[:0]
	for _, name := range s.registry.order {
		info := s.registry.devices[name]
		if u, ok := cur.usage[name]; ok {
			info.Total, info.Used, info.Free = u.Total, u.Used, u.Free
		}
		c, okCur := cur.devices[name]
		p, okPrev := prev.devices[name]
		if paired && okCur && okPrev {
			info.IORate = ioRate(p, c, elapsed)
			info.NoBaseline = false
		} else {
			info.IORate = models.IORate{}
			info.NoBaseline = true
		}
		out.Disks = append(out.Disks, *info)
	}

	if out.DeviceIO == nil {
		out.DeviceIO = make(map[string]models.IORate)
	}
	clear(out.DeviceIO)
	if !paired {
		return
	}
	names := make([]string, 0, len(cur.devices))
	for name := range cur.devices {
		if s.registry.tracked(name) {
			continue
		}
		if _, ok := prev.devices[name]; ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	if len(names) > maxGenericDevices {
		names = names[:maxGenericDevices]
	}
	for _, name := range names {
		out.DeviceIO[name] = ioRate(prev.devices[name], cur.devices[name], elapsed)
	}
}

// Commit moves the current snapshot into previous.
func (s *DiskSampler) Commit() { s.w.commit() }

func ioRate(prev, cur ioCounters, elapsed float64) models.IORate {
	return models.IORate{
		ReadBytesPerSec:  rate(prev.read, cur.read, elapsed),
		WriteBytesPerSec: rate(prev.written, cur.written, elapsed),
	}
}

// deviceRegistry maps kernel device names to their persistent records.
type deviceRegistry struct {
	devices map[string]*models.DeviceInfo
	order   []string
}

func newDeviceRegistry() *deviceRegistry {
	return &deviceRegistry{devices: make(map[string]*models.DeviceInfo)}
}

// add registers a device unless its kernel name is already tracked.
func (r *deviceRegistry) add(info models.DeviceInfo) bool {
	if _, ok := r.devices[info.Device]; ok {
		return false
	}
	r.devices[info.Device] = &info
	r.order = append(r.order, info.Device)
	return true
}

func (r *deviceRegistry) tracked(name string) bool {
	_, ok := r.devices[name]
	return ok
}

// resolveLogicalPath maps a device node or a path inside a mounted file
// system to its kernel device and mount point. A device node is looked up
// in the mount table by source; any other path takes the mount with the
// longest matching prefix.
func resolveLogicalPath(ctx context.Context, src datasource.DataSource, mounts []mountEntry, p string) (models.DeviceInfo, error) {
	p = path.Clean(p)
	info := models.DeviceInfo{Path: p}

	if strings.HasPrefix(p, "/dev/") {
		name, err := src.ResolveDevice(ctx, p)
		if err != nil {
			return info, err
		}
		info.Device = name
		for _, m := range mounts {
			if m.source == p || path.Base(m.source) == name {
				info.Mount = m.point
				break
			}
		}
		return info, nil
	}

	var best *mountEntry
	for i := range mounts {
		m := &mounts[i]
		if !withinMount(p, m.point) {
			continue
		}
		if best == nil || len(m.point) >= len(best.point) {
			best = m
		}
	}
	if best == nil {
		return info, apperrors.Newf(apperrors.ErrCodeSourceUnavailable, "no mount contains %s", p)
	}
	if !strings.HasPrefix(best.source, "/dev/") {
		return info, apperrors.Newf(apperrors.ErrCodeSourceUnavailable,
			"%s is on %s, not a block device", p, best.source)
	}
	name, err := src.ResolveDevice(ctx, best.source)
	if err != nil {
		return info, err
	}
	info.Device = name
	info.Mount = best.point
	return info, nil
}

func withinMount(p, point string) bool {
	if point == "/" {
		return true
	}
	return p == point || strings.HasPrefix(p, point+"/")
}

// parseMounts reads "source point fstype options dump pass" lines. Spaces
// in mount points are octal-escaped by the kernel.
func parseMounts(lines []string) []mountEntry {
	out := make([]mountEntry, 0, len(lines))
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		out = append(out, mountEntry{
			source: unescapeMount(fields[0]),
			point:  unescapeMount(fields[1]),
		})
	}
	return out
}

func unescapeMount(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// parseDiskStats reads /proc/diskstats:
//
//	major minor name reads merged sectors_read ms writes merged sectors_written ...
func parseDiskStats(lines []string) (map[string]ioCounters, error) {
	out := make(map[string]ioCounters, len(lines))
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 10 {
			return nil, apperrors.Newf(apperrors.ErrCodeParseMalformed, "diskstats: short line %q", line)
		}
		vals, err := parseUints([]string{fields[5], fields[9]})
		if err != nil {
			return nil, err
		}
		out[fields[2]] = ioCounters{
			read:    vals[0] * sectorSize,
			written: vals[1] * sectorSize,
		}
	}
	return out, nil
}
