package datasource

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/tklauser/go-sysconf"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/Guliveer/vitalis/telemetry/internal/config"
	apperrors "github.com/Guliveer/vitalis/telemetry/internal/errors"
	"github.com/Guliveer/vitalis/telemetry/internal/models"
)

// LocalDataSource reads the host it runs on. Pseudo-file handles are opened
// once and rewound before every read; a handle that fails is dropped and
// reopened on the next request.
type LocalDataSource struct {
	name     string
	root     string
	logger   *zap.Logger
	handles  map[StreamName]*os.File
	tickRate int64
	now      func() time.Time
}

// NewLocal creates a local data source. root prefixes every pseudo-file
// path; "" or "/" reads the live host.
func NewLocal(name, root string, logger *zap.Logger) *LocalDataSource {
	if root == "" {
		root = "/"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	tick, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || tick <= 0 {
		logger.Debug("CLK_TCK unavailable, using default", zap.Error(err))
		tick = defaultTickRate
	}
	return &LocalDataSource{
		name:     name,
		root:     root,
		logger:   logger.Named("local"),
		handles:  make(map[StreamName]*os.File),
		tickRate: tick,
		now:      time.Now,
	}
}

// Name returns the collection target name.
func (s *LocalDataSource) Name() string { return s.name }

// TickRate returns CLK_TCK for this host.
func (s *LocalDataSource) TickRate() int64 { return s.tickRate }

func (s *LocalDataSource) path(abs string) string {
	return filepath.Join(s.root, abs)
}

// Stream returns the rewound handle for a pseudo-file.
func (s *LocalDataSource) Stream(_ context.Context, name StreamName) (io.Reader, error) {
	abs, ok := streamPaths[name]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrCodeInternal, "unknown stream %q", name)
	}

	f := s.handles[name]
	if f == nil {
		opened, err := os.Open(s.path(abs))
		if err != nil {
			return nil, apperrors.WrapWithContext(apperrors.ErrCodeSourceUnavailable,
				"open stream", err, map[string]any{"stream": string(name)})
		}
		s.handles[name] = opened
		f = opened
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		delete(s.handles, name)
		return nil, apperrors.WrapWithContext(apperrors.ErrCodeSourceUnavailable,
			"rewind stream", err, map[string]any{"stream": string(name)})
	}
	return f, nil
}

// DiskUsage stats the file system mounted at mountPoint.
func (s *LocalDataSource) DiskUsage(_ context.Context, mountPoint string) (Usage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(s.path(mountPoint), &st); err != nil {
		return Usage{}, apperrors.WrapWithContext(apperrors.ErrCodeSourceUnavailable,
			"statfs", err, map[string]any{"mount": mountPoint})
	}
	bsize := uint64(st.Bsize)
	total := st.Blocks * bsize
	free := st.Bfree * bsize
	return Usage{
		Total: total,
		Used:  total - free,
		Free:  st.Bavail * bsize,
	}, nil
}

// CPUTemperature returns the hottest CPU sensor reported by hwmon.
func (s *LocalDataSource) CPUTemperature(ctx context.Context) float64 {
	return hottestCPUSensor(ctx, s.logger)
}

// BatteryStatus reads capacity and status from the power supply class.
func (s *LocalDataSource) BatteryStatus(_ context.Context, batteries []config.Battery) []models.BatteryInfo {
	out := make([]models.BatteryInfo, 0, len(batteries))
	for _, b := range batteries {
		dir := s.path(filepath.Join(powerSupplyDir, b.Name))
		capacity, err1 := os.ReadFile(filepath.Join(dir, "capacity"))
		status, err2 := os.ReadFile(filepath.Join(dir, "status"))
		if err1 != nil || err2 != nil {
			s.logger.Debug("Battery unreadable", zap.String("battery", b.Name))
			out = append(out, unknownBattery(b.Name))
			continue
		}
		out = append(out, parseBattery(b.Name, string(capacity)+"\n"+string(status)))
	}
	return out
}

// ProcessSnapshots enumerates the process table. Processes that exit while
// being read are skipped.
func (s *LocalDataSource) ProcessSnapshots(ctx context.Context) (map[int32]RawProcess, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeSourceUnavailable, "list processes", err)
	}

	now := s.now()
	out := make(map[int32]RawProcess, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		mem, err := p.MemoryInfoWithContext(ctx)
		if err != nil {
			continue
		}
		times, err := p.TimesWithContext(ctx)
		if err != nil {
			continue
		}
		raw := RawProcess{
			Name:     name,
			RSSKB:    mem.RSS / 1024,
			CPUTicks: ticksFromSeconds(times.User+times.System, s.tickRate),
		}
		if created, err := p.CreateTimeWithContext(ctx); err == nil {
			raw.AgeSeconds = ageFrom(time.UnixMilli(created), now)
		}
		out[p.Pid] = raw
	}
	return out, nil
}

// InterfaceAddresses lists the first IPv4 address of every interface.
func (s *LocalDataSource) InterfaceAddresses(ctx context.Context) (map[string]string, error) {
	ifaces, err := gnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeSourceUnavailable, "list interfaces", err)
	}
	out := make(map[string]string, len(ifaces))
	for _, iface := range ifaces {
		for _, addr := range iface.Addrs {
			ip, _, err := net.ParseCIDR(addr.Addr)
			if err != nil {
				ip = net.ParseIP(addr.Addr)
			}
			if ip != nil && ip.To4() != nil {
				out[iface.Name] = ip.String()
				break
			}
		}
	}
	return out, nil
}

// ResolveDevice follows symlinks of a device node path.
func (s *LocalDataSource) ResolveDevice(_ context.Context, path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(s.path(path))
	if err != nil {
		return "", apperrors.WrapWithContext(apperrors.ErrCodeSourceUnavailable,
			"resolve device", err, map[string]any{"path": path})
	}
	return filepath.Base(resolved), nil
}

// ReleaseTransient is a no-op: local handles are reused across ticks.
func (s *LocalDataSource) ReleaseTransient() {}

// Close closes every cached handle.
func (s *LocalDataSource) Close() error {
	for name, f := range s.handles {
		f.Close()
		delete(s.handles, name)
	}
	return nil
}

// parseBattery reads "capacity\nstatus" text.
func parseBattery(name, text string) models.BatteryInfo {
	lines := strings.Fields(text)
	if len(lines) < 2 {
		return unknownBattery(name)
	}
	charge, err := strconv.ParseFloat(lines[0], 64)
	if err != nil {
		return unknownBattery(name)
	}
	return models.BatteryInfo{
		Name:   name,
		Charge: charge,
		Status: strings.ToLower(strings.Join(lines[1:], " ")),
	}
}
