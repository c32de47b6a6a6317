package datasource

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/telemetry/internal/config"
	apperrors "github.com/Guliveer/vitalis/telemetry/internal/errors"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func TestLocalStream_RewindsBetweenReads(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "proc/loadavg", "0.10 0.20 0.30 1/100 42\n")

	src := NewLocal("test", root, zap.NewNop())
	defer src.Close()

	for i := 0; i < 2; i++ {
		r, err := src.Stream(context.Background(), StreamLoadAvg)
		require.NoError(t, err)
		data, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, "0.10 0.20 0.30 1/100 42\n", string(data), "read %d", i)
	}
}

func TestLocalStream_Missing(t *testing.T) {
	src := NewLocal("test", t.TempDir(), zap.NewNop())
	defer src.Close()

	_, err := src.Stream(context.Background(), StreamBuddyInfo)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeSourceUnavailable))
}

func TestLocalStream_Unknown(t *testing.T) {
	src := NewLocal("test", t.TempDir(), zap.NewNop())
	_, err := src.Stream(context.Background(), StreamName("nope"))
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInternal))
}

func TestLocalResolveDevice_FollowsSymlinks(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "dev/dm-0", "")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "dev/mapper"), 0o755))
	require.NoError(t, os.Symlink("../dm-0", filepath.Join(root, "dev/mapper/vg-root")))

	src := NewLocal("test", root, zap.NewNop())
	name, err := src.ResolveDevice(context.Background(), "/dev/mapper/vg-root")
	require.NoError(t, err)
	assert.Equal(t, "dm-0", name)

	_, err = src.ResolveDevice(context.Background(), "/dev/mapper/missing")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeSourceUnavailable))
}

func TestLocalBatteryStatus(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "sys/class/power_supply/BAT0/capacity", "87\n")
	writeFile(t, root, "sys/class/power_supply/BAT0/status", "Discharging\n")

	src := NewLocal("test", root, zap.NewNop())
	got := src.BatteryStatus(context.Background(), []config.Battery{{Name: "BAT0"}, {Name: "BAT1"}})
	require.Len(t, got, 2)
	assert.Equal(t, 87.0, got[0].Charge)
	assert.Equal(t, "discharging", got[0].Status)
	assert.Equal(t, -1.0, got[1].Charge)
	assert.Equal(t, "unknown", got[1].Status)
}

func TestLocalDiskUsage(t *testing.T) {
	src := NewLocal("test", t.TempDir(), zap.NewNop())
	u, err := src.DiskUsage(context.Background(), "/")
	require.NoError(t, err)
	assert.Greater(t, u.Total, uint64(0))
	assert.LessOrEqual(t, u.Used, u.Total)
}

func TestLocalProcessSnapshots_IncludesSelf(t *testing.T) {
	src := NewLocal("test", "/", zap.NewNop())
	procs, err := src.ProcessSnapshots(context.Background())
	require.NoError(t, err)

	self, ok := procs[int32(os.Getpid())]
	require.True(t, ok, "own process missing")
	assert.NotEmpty(t, self.Name)
	assert.Greater(t, self.RSSKB, uint64(0))
}

func TestLocalTickRate(t *testing.T) {
	src := NewLocal("test", "/", zap.NewNop())
	assert.Greater(t, src.TickRate(), int64(0))
}

func TestNew_UnknownSource(t *testing.T) {
	_, err := New(context.Background(), config.Target{Name: "x", Source: "snmp"}, zap.NewNop())
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConfigInvalid))
}
