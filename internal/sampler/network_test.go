package sampler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/telemetry/internal/config"
	"github.com/Guliveer/vitalis/telemetry/internal/datasource"
	"github.com/Guliveer/vitalis/telemetry/internal/datasource/fakesource"
	"github.com/Guliveer/vitalis/telemetry/internal/models"
)

const netDevHeader = `Inter-|   Receive                                                |  Transmit
 face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed
`

func TestNetwork_Rates(t *testing.T) {
	ctx := context.Background()
	src := fakesource.New("test")
	src.Addresses["eth0"] = "10.0.0.5"
	s := NewNetworkSampler(config.NetworkConfig{}, zap.NewNop())

	src.Set(datasource.StreamNetDev, netDevHeader+
		"    lo: 100 1 0 0 0 0 0 0 100 1 0 0 0 0 0 0\n"+
		"  eth0: 1000 10 0 0 0 0 0 0 5000 50 0 0 0 0 0 0\n")
	require.NoError(t, s.Sample(ctx, src, t0))
	s.Commit()

	src.Set(datasource.StreamNetDev, netDevHeader+
		"    lo: 900 9 0 0 0 0 0 0 900 9 0 0 0 0 0 0\n"+
		"  eth0: 3000 30 0 0 0 0 0 0 4000 60 0 0 0 0 0 0\n"+
		" wlan0: 10 1 0 0 0 0 0 0 10 1 0 0 0 0 0 0\n")
	require.NoError(t, s.Sample(ctx, src, t0.Add(2*time.Second)))

	out := models.NewSnapshot("test", "run")
	s.Calculate(out)

	require.Len(t, out.Network, 1, "lo is hidden and wlan0 has no baseline")
	eth := out.Network[0]
	assert.Equal(t, "eth0", eth.Name)
	assert.Equal(t, "10.0.0.5", eth.Address)
	assert.Equal(t, 1000.0, eth.RxBytesPerSec)
	assert.Equal(t, 10.0, eth.RxPacketsPerSec)
	assert.Equal(t, 0.0, eth.TxBytesPerSec, "decreasing tx counter reads 0")
	assert.Equal(t, 5.0, eth.TxPacketsPerSec)
	assert.Equal(t, uint64(3000), eth.RxTotalBytes)
}

func TestNetwork_KeyAbsentFromPreviousEmitsNothing(t *testing.T) {
	ctx := context.Background()
	src := fakesource.New("test")
	s := NewNetworkSampler(config.NetworkConfig{}, zap.NewNop())

	src.Set(datasource.StreamNetDev, netDevHeader+"  eth0: 1 1 0 0 0 0 0 0 1 1 0 0 0 0 0 0\n")
	require.NoError(t, s.Sample(ctx, src, t0))
	s.Commit()
	src.Set(datasource.StreamNetDev, netDevHeader+"  eth1: 9 9 0 0 0 0 0 0 9 9 0 0 0 0 0 0\n")
	require.NoError(t, s.Sample(ctx, src, t0.Add(time.Second)))

	out := models.NewSnapshot("test", "run")
	s.Calculate(out)
	assert.Empty(t, out.Network)
}

func TestNetwork_Allowlist(t *testing.T) {
	s := NewNetworkSampler(config.NetworkConfig{Interfaces: []string{"lo"}}, zap.NewNop())
	assert.True(t, s.visible("lo"))
	assert.False(t, s.visible("eth0"))

	s = NewNetworkSampler(config.NetworkConfig{IncludeLoopback: true}, zap.NewNop())
	assert.True(t, s.visible("lo"))
	assert.True(t, s.visible("eth0"))
}

func TestParseNetDev_Malformed(t *testing.T) {
	_, err := parseNetDev([]string{"eth0: 1 2 3"})
	assert.Error(t, err)
}
