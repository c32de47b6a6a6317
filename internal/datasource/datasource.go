// Package datasource hides where raw counters come from. A DataSource
// exposes the kernel pseudo-files as named line-oriented text streams plus a
// handful of structured queries that have no file form. LocalDataSource reads
// the host it runs on; RemoteDataSource re-runs the equivalent read over a
// persistent SSH connection on every call.
package datasource

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/telemetry/internal/config"
	apperrors "github.com/Guliveer/vitalis/telemetry/internal/errors"
	"github.com/Guliveer/vitalis/telemetry/internal/models"
)

// StreamName identifies a raw text stream.
type StreamName string

const (
	StreamCPUInfo        StreamName = "cpuinfo"
	StreamMemInfo        StreamName = "meminfo"
	StreamUptime         StreamName = "uptime"
	StreamStat           StreamName = "stat"
	StreamMounts         StreamName = "mounts"
	StreamDiskStats      StreamName = "diskstats"
	StreamLoadAvg        StreamName = "loadavg"
	StreamNetDev         StreamName = "netdev"
	StreamBuddyInfo      StreamName = "buddyinfo"
	StreamFileNr         StreamName = "file-nr"
	StreamPressureCPU    StreamName = "pressure-cpu"
	StreamPressureMemory StreamName = "pressure-memory"
	StreamPressureIO     StreamName = "pressure-io"
	StreamHostname       StreamName = "hostname"
	StreamKernelRelease  StreamName = "osrelease"
	StreamOSRelease      StreamName = "os-release"
)

// streamPaths maps each stream to its absolute path on a Linux host.
var streamPaths = map[StreamName]string{
	StreamCPUInfo:        "/proc/cpuinfo",
	StreamMemInfo:        "/proc/meminfo",
	StreamUptime:         "/proc/uptime",
	StreamStat:           "/proc/stat",
	StreamMounts:         "/proc/mounts",
	StreamDiskStats:      "/proc/diskstats",
	StreamLoadAvg:        "/proc/loadavg",
	StreamNetDev:         "/proc/net/dev",
	StreamBuddyInfo:      "/proc/buddyinfo",
	StreamFileNr:         "/proc/sys/fs/file-nr",
	StreamPressureCPU:    "/proc/pressure/cpu",
	StreamPressureMemory: "/proc/pressure/memory",
	StreamPressureIO:     "/proc/pressure/io",
	StreamHostname:       "/proc/sys/kernel/hostname",
	StreamKernelRelease:  "/proc/sys/kernel/osrelease",
	StreamOSRelease:      "/etc/os-release",
}

// StreamPath returns the absolute path backing a stream.
func StreamPath(name StreamName) (string, bool) {
	p, ok := streamPaths[name]
	return p, ok
}

// powerSupplyDir is where battery attributes live.
const powerSupplyDir = "/sys/class/power_supply"

// defaultTickRate is USER_HZ on every mainstream Linux architecture; used
// when the real value cannot be queried.
const defaultTickRate = 100

// Usage is the space accounting of one mounted file system, in bytes.
type Usage struct {
	Used  uint64
	Total uint64
	Free  uint64
}

// RawProcess is one row of the process table in the units every sampler
// expects regardless of how it was acquired.
type RawProcess struct {
	Name     string
	RSSKB    uint64
	CPUTicks uint64
	// AgeSeconds is the time since the process started.
	AgeSeconds float64
}

// DataSource is the uniform view of a host's counters.
//
// Readers returned by Stream are only valid until the next Stream call for
// the same name or until ReleaseTransient, whichever comes first.
type DataSource interface {
	// Name returns the collection target this source reads.
	Name() string

	// Stream returns the current content of a named pseudo-file.
	Stream(ctx context.Context, name StreamName) (io.Reader, error)

	// DiskUsage reports usage of the file system mounted at mountPoint.
	DiskUsage(ctx context.Context, mountPoint string) (Usage, error)

	// CPUTemperature returns the hottest valid CPU sensor in °C, or
	// models.TemperatureUnavailable.
	CPUTemperature(ctx context.Context) float64

	// BatteryStatus reads every configured battery. Unreadable batteries
	// are reported with Charge -1 and Status "unknown".
	BatteryStatus(ctx context.Context, batteries []config.Battery) []models.BatteryInfo

	// ProcessSnapshots returns the process table keyed by PID.
	ProcessSnapshots(ctx context.Context) (map[int32]RawProcess, error)

	// InterfaceAddresses maps interface names to their first IPv4 address.
	InterfaceAddresses(ctx context.Context) (map[string]string, error)

	// ResolveDevice follows symlinks of a device node path and returns the
	// kernel block-device name (e.g. /dev/mapper/vg-root -> dm-0).
	ResolveDevice(ctx context.Context, path string) (string, error)

	// TickRate returns the kernel's CPU accounting frequency (CLK_TCK).
	TickRate() int64

	// ReleaseTransient drops buffers held for the current tick.
	ReleaseTransient()

	// Close releases handles and sessions.
	Close() error
}

// New builds the DataSource described by target. A remote target dials its
// session here, so a failure only affects this target.
func New(ctx context.Context, target config.Target, logger *zap.Logger) (DataSource, error) {
	switch target.Source {
	case config.SourceLocal, "":
		return NewLocal(target.Name, target.Root, logger), nil
	case config.SourceRemote:
		return NewRemote(ctx, target.Name, target.Remote, logger)
	default:
		return nil, apperrors.Newf(apperrors.ErrCodeConfigInvalid, "unknown source %q", target.Source)
	}
}

// validTemperature returns true if the temperature is within a plausible range.
func validTemperature(temp float64) bool {
	return temp > minValidTemp && temp <= maxValidTemp
}

// minValidTemp is the minimum temperature (°C) considered valid.
const minValidTemp = 0.0

// maxValidTemp is the maximum temperature (°C) considered valid.
// Readings above this are likely sensor errors.
const maxValidTemp = 150.0

// unknownBattery is the degraded reading for an unreadable battery.
func unknownBattery(name string) models.BatteryInfo {
	return models.BatteryInfo{Name: name, Charge: -1, Status: "unknown"}
}

func ticksFromSeconds(seconds float64, tickRate int64) uint64 {
	if seconds <= 0 {
		return 0
	}
	return uint64(seconds*float64(tickRate) + 0.5)
}

func ageFrom(created, now time.Time) float64 {
	age := now.Sub(created).Seconds()
	if age < 0 {
		return 0
	}
	return age
}
