package sampler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/telemetry/internal/datasource"
	"github.com/Guliveer/vitalis/telemetry/internal/datasource/fakesource"
	"github.com/Guliveer/vitalis/telemetry/internal/models"
)

func TestProcess_TopLists(t *testing.T) {
	ctx := context.Background()
	src := fakesource.New("test")
	src.Set(datasource.StreamMemInfo, "MemTotal:       1000 kB\nMemFree:  10 kB\n")
	src.Processes = map[int32]datasource.RawProcess{
		1: {Name: "init", RSSKB: 10, CPUTicks: 100, AgeSeconds: 100},
		2: {Name: "db", RSSKB: 500, CPUTicks: 0, AgeSeconds: 10},
		3: {Name: "web", RSSKB: 200, CPUTicks: 50, AgeSeconds: 5},
		4: {Name: "gone", RSSKB: 5, CPUTicks: 9, AgeSeconds: 1},
	}
	s := NewProcessSampler(2, zap.NewNop())
	require.NoError(t, s.Sample(ctx, src, t0))
	s.Commit()

	src.Processes = map[int32]datasource.RawProcess{
		1: {Name: "init", RSSKB: 10, CPUTicks: 110, AgeSeconds: 101},
		2: {Name: "db", RSSKB: 500, CPUTicks: 50, AgeSeconds: 11},
		3: {Name: "web", RSSKB: 200, CPUTicks: 40, AgeSeconds: 6},
		5: {Name: "new", RSSKB: 900, CPUTicks: 500, AgeSeconds: 1},
	}
	require.NoError(t, s.Sample(ctx, src, t0.Add(time.Second)))

	out := models.NewSnapshot("test", "run")
	s.Calculate(out)

	assert.Equal(t, 4, out.Processes.Total)

	require.Len(t, out.TopMemory, 2)
	assert.Equal(t, int32(5), out.TopMemory[0].PID)
	assert.InDelta(t, 90.0, out.TopMemory[0].Memory, 0.001)
	assert.Equal(t, int32(2), out.TopMemory[1].PID)
	assert.Equal(t, out.TopMemory, out.TopMemoryAverage)

	require.Len(t, out.TopCPU, 2)
	assert.Equal(t, int32(2), out.TopCPU[0].PID, "50 ticks in one second")
	assert.InDelta(t, 50.0, out.TopCPU[0].CPU, 0.001)
	assert.Equal(t, int32(1), out.TopCPU[1].PID)
	assert.InDelta(t, 10.0, out.TopCPU[1].CPU, 0.001)
	for _, p := range out.TopCPU {
		assert.NotEqual(t, int32(5), p.PID, "unpaired PID has no real-time CPU")
	}

	require.Len(t, out.TopCPUAverage, 2)
	assert.Equal(t, int32(5), out.TopCPUAverage[0].PID)
	assert.Equal(t, 100.0, out.TopCPUAverage[0].CPU, "clamped")
	assert.Equal(t, int32(3), out.TopCPUAverage[1].PID)
}

func TestProcess_NegativeDeltaAndNoMemTotal(t *testing.T) {
	ctx := context.Background()
	src := fakesource.New("test")
	src.Processes = map[int32]datasource.RawProcess{7: {Name: "x", RSSKB: 10, CPUTicks: 1000}}
	s := NewProcessSampler(0, zap.NewNop())
	require.NoError(t, s.Sample(ctx, src, t0))
	s.Commit()
	src.Processes = map[int32]datasource.RawProcess{7: {Name: "x", RSSKB: 10, CPUTicks: 10}}
	require.NoError(t, s.Sample(ctx, src, t0.Add(time.Second)))

	out := models.NewSnapshot("test", "run")
	s.Calculate(out)
	require.Len(t, out.TopCPU, 1)
	assert.Zero(t, out.TopCPU[0].CPU)
	assert.Zero(t, out.TopMemory[0].Memory)
}

func TestTopN_PartialSelection(t *testing.T) {
	var in []models.ProcessInfo
	values := []float64{3, 9, 1, 9, 7, 0, 5, 9, 2}
	for i, v := range values {
		in = append(in, models.ProcessInfo{PID: int32(i), Memory: v})
	}
	key := func(p models.ProcessInfo) float64 { return p.Memory }

	got := topN(in, 4, key)
	require.Len(t, got, 4)
	var pids []int32
	for i, p := range got {
		pids = append(pids, p.PID)
		if i > 0 {
			assert.GreaterOrEqual(t, got[i-1].Memory, p.Memory)
		}
	}
	assert.Equal(t, []int32{1, 3, 7, 4}, pids, "ties keep input order")

	assert.Len(t, topN(in[:2], 10, key), 2)
	assert.Nil(t, topN(nil, 10, key))
}

func TestProcess_FailedSampleClearsTotal(t *testing.T) {
	ctx := context.Background()
	src := fakesource.New("test")
	src.Processes = map[int32]datasource.RawProcess{
		1: {Name: "init", RSSKB: 10, CPUTicks: 100, AgeSeconds: 100},
		2: {Name: "db", RSSKB: 500, CPUTicks: 0, AgeSeconds: 10},
	}
	s := NewProcessSampler(5, zap.NewNop())

	out := models.NewSnapshot("test", "run")
	require.NoError(t, s.Sample(ctx, src, t0))
	s.Calculate(out)
	s.Commit()
	require.Equal(t, 2, out.Processes.Total)

	src.ProcessErr = errors.New("ps failed")
	require.Error(t, s.Sample(ctx, src, t0.Add(time.Second)))
	s.Calculate(out)
	s.Commit()

	assert.Zero(t, out.Processes.Total)
	assert.Empty(t, out.TopMemory)
	assert.Empty(t, out.TopCPU)
	assert.Empty(t, out.TopCPUAverage)
}
