package pipeline

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/telemetry/internal/config"
	apperrors "github.com/Guliveer/vitalis/telemetry/internal/errors"
	"github.com/Guliveer/vitalis/telemetry/internal/models"
)

func TestJSONProcessor_WritesArrayPerTick(t *testing.T) {
	var out bytes.Buffer
	p, err := newJSONProcessor(JSONSettings{Output: "stdout"}, &out, zap.NewNop())
	require.NoError(t, err)

	snaps := []*models.MetricsSnapshot{sampleSnapshot("a"), sampleSnapshot("b")}
	require.NoError(t, p.Process(context.Background(), snaps))
	require.NoError(t, p.Process(context.Background(), snaps))
	require.NoError(t, p.Close())

	dec := json.NewDecoder(&out)
	for i := 0; i < 2; i++ {
		var got []models.MetricsSnapshot
		require.NoError(t, dec.Decode(&got))
		require.Len(t, got, 2)
		assert.Equal(t, "a", got[0].Target)
		assert.Equal(t, 25.0, got[1].CPU.Usage)
	}
}

func TestJSONProcessor_AppendsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("[]\n"), 0o600))

	p, err := newJSONProcessor(JSONSettings{Output: path}, nil, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, p.Process(context.Background(), []*models.MetricsSnapshot{sampleSnapshot("a")}))
	require.NoError(t, p.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "[]", lines[0])
}

func TestTextProcessor_SectionsFollowData(t *testing.T) {
	var out bytes.Buffer
	proxy := NewProxy()
	p := newTextProcessor(TextSettings{Width: 40}, &out, proxy)

	full := sampleSnapshot("box")
	bare := models.NewSnapshot("idle", "run-1")
	require.NoError(t, p.Process(context.Background(), []*models.MetricsSnapshot{full, bare}))

	text := out.String()
	assert.Contains(t, text, "eth0")
	assert.Contains(t, text, "postgres")
	assert.Contains(t, text, "BAT0")
	assert.Contains(t, text, "54°C")
	assert.Contains(t, text, "1d 2h 3m")
	assert.Equal(t, text, string(proxy.Load().Bytes))

	// The bare snapshot has no uptime, disks or temperature.
	idle := text[strings.Index(text, "idle"):]
	assert.NotContains(t, idle, "Uptime")
	assert.NotContains(t, idle, "°C")
	assert.NotContains(t, idle, "Top CPU")
}

func TestTextProcessor_DisabledFeaturesAreHidden(t *testing.T) {
	var out bytes.Buffer
	p := newTextProcessor(TextSettings{Width: 40}, &out, nil)

	snap := models.NewSnapshot("box", "run-1")
	snap.Features = []string{"memory", "temperature"}
	snap.CPUTemp = 61
	snap.Memory = models.MemoryStats{TotalKB: 1 << 20, UsedKB: 1 << 19, UsedPercent: 50}
	require.NoError(t, p.Process(context.Background(), []*models.MetricsSnapshot{snap}))

	text := out.String()
	assert.Contains(t, text, "RAM")
	assert.Contains(t, text, "CPU temp")
	assert.Contains(t, text, "61°C")
	assert.NotContains(t, text, "0.0%")
	assert.NotContains(t, text, "Load")

	out.Reset()
	snap.Features = append(snap.Features, "cpu", "load_average")
	require.NoError(t, p.Process(context.Background(), []*models.MetricsSnapshot{snap}))
	assert.Contains(t, out.String(), "Load")
	assert.NotContains(t, out.String(), "CPU temp")
}

func TestTextEntry_RejectsUnknownOutput(t *testing.T) {
	e := newTextEntry(zap.NewNop())
	_, err := e.Factory(Settings{"output": "printer"}, e.Proxy)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConfigInvalid))
}

func TestTextProcessor_Bar(t *testing.T) {
	p := newTextProcessor(TextSettings{Width: 40}, nil, nil)
	assert.Equal(t, "[#####-----]", p.bar(50))
	assert.Equal(t, "[----------]", p.bar(-3))
	assert.Equal(t, "[##########]", p.bar(140))
}

func TestSocketProcessor_Formats(t *testing.T) {
	snaps := []*models.MetricsSnapshot{sampleSnapshot("box")}

	for _, format := range []string{formatJSON, formatCBOR} {
		t.Run(format, func(t *testing.T) {
			proxy := NewProxy()
			p := &socketProcessor{format: format, proxy: proxy, now: func() time.Time { return tick }}
			require.NoError(t, p.Process(context.Background(), snaps))

			f := proxy.Load()
			var got []models.MetricsSnapshot
			if format == formatCBOR {
				require.NoError(t, cbor.Unmarshal(f.Bytes, &got))
			} else {
				require.NoError(t, json.Unmarshal(f.Bytes, &got))
			}
			require.Len(t, got, 1)
			assert.Equal(t, "box", got[0].Target)
			assert.Equal(t, tick, f.At)
		})
	}
}

func TestSocketSettings_Validation(t *testing.T) {
	_, err := decodeSocketSettings(Settings{"format": "xml"})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConfigInvalid))

	cfg, err := decodeSocketSettings(nil)
	require.NoError(t, err)
	assert.Equal(t, formatJSON, cfg.Format)
	assert.Equal(t, "/ws", cfg.Path)
}

func TestBroadcaster_DeliversFrames(t *testing.T) {
	proxy := NewProxy()
	proxy.Publish([]byte(`"first"`), nil, tick)

	cfg := defaultSocketSettings()
	cfg.Poll = config.Duration{Duration: 10 * time.Millisecond}
	b := newBroadcaster(cfg, proxy, zap.NewNop())

	srv := httptest.NewServer(http.HandlerFunc(b.handle))
	defer srv.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.pump(ctx, proxy.Version())

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	mt, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, `"first"`, string(msg), "latest frame on connect")

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.clients) == 1
	}, 2*time.Second, 5*time.Millisecond)

	proxy.Publish([]byte(`"second"`), nil, tick.Add(time.Second))
	_, msg, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `"second"`, string(msg))
}

func TestPrometheusProcessor_ExportsNumericLeaves(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := newPromMetrics(reg, "telemetry")
	require.NoError(t, err)
	p := &prometheusProcessor{metrics: m}

	require.NoError(t, p.Process(context.Background(), []*models.MetricsSnapshot{sampleSnapshot("box")}))
	assert.Equal(t, 25.0, testutil.ToFloat64(m.values.WithLabelValues("box", "cpu.usage")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.collections))
	assert.Equal(t, float64(tick.Unix()), testutil.ToFloat64(m.timestamp.WithLabelValues("box")))

	// A target that disappears stops being exported.
	before := testutil.CollectAndCount(m.values)
	require.NoError(t, p.Process(context.Background(), nil))
	assert.Positive(t, before)
	assert.Zero(t, testutil.CollectAndCount(m.values))

	again, err := newPromMetrics(reg, "telemetry")
	require.NoError(t, err)
	assert.Same(t, m.values, again.values)
	assert.Equal(t, 2.0, testutil.ToFloat64(again.collections))
}

func TestPrometheusEntry_RebuildReusesCollectors(t *testing.T) {
	e := newPrometheusEntry(zap.NewNop())
	settings := Settings{"namespace": "box"}

	first, err := e.Factory(settings, e.Proxy)
	require.NoError(t, err)
	require.NoError(t, first.Process(context.Background(), []*models.MetricsSnapshot{sampleSnapshot("box")}))
	require.NoError(t, first.Close())

	second, err := e.Factory(settings, e.Proxy)
	require.NoError(t, err, "hot reload keeping the prometheus pipeline")
	require.NoError(t, second.Process(context.Background(), []*models.MetricsSnapshot{sampleSnapshot("box")}))
	assert.Equal(t, 2.0, testutil.ToFloat64(second.(*prometheusProcessor).metrics.collections))
}

func TestHistoryProcessor_PersistsAndPrunes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	p, err := newHistoryProcessor(HistorySettings{Path: path, Retention: config.Duration{Duration: time.Hour}}, zap.NewNop())
	require.NoError(t, err)

	old := sampleSnapshot("box")
	old.Timestamp = tick.Add(-2 * time.Hour)
	require.NoError(t, p.Process(context.Background(), []*models.MetricsSnapshot{old}))
	require.NoError(t, p.Process(context.Background(), []*models.MetricsSnapshot{sampleSnapshot("box"), sampleSnapshot("nas")}))
	require.NoError(t, p.Close())

	db, err := sql.Open("sqlite", "file:"+path)
	require.NoError(t, err)
	defer db.Close()

	var value float64
	err = db.QueryRow(`SELECT value FROM metrics WHERE target = ? AND name = ?`, "nas", "cpu.usage").Scan(&value)
	require.NoError(t, err)
	assert.Equal(t, 25.0, value)

	var stale int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM metrics WHERE ts < ?`, tick.UnixMilli()).Scan(&stale))
	assert.Zero(t, stale, "rows outside retention are pruned")

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM metrics WHERE name = 'cpu.usage'`).Scan(&n))
	assert.Equal(t, 2, n)
}

type ingestServer struct {
	mu      sync.Mutex
	targets []string
}

func (s *ingestServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	gz, err := gzip.NewReader(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var batch models.MetricBatch
	if err := json.NewDecoder(gz).Decode(&batch); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	for _, m := range batch.Metrics {
		s.targets = append(s.targets, m.Target)
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *ingestServer) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.targets...)
}

func TestIngestProcessor_BatchesAndFlushesOnClose(t *testing.T) {
	recv := &ingestServer{}
	srv := httptest.NewServer(recv)
	defer srv.Close()

	cfg := defaultIngestSettings()
	cfg.URL = srv.URL
	cfg.BatchSize = 2
	cfg.FlushInterval = config.Duration{Duration: time.Hour}
	p, err := newIngestProcessor(cfg, zap.NewNop())
	require.NoError(t, err)

	snap := sampleSnapshot("a")
	require.NoError(t, p.Process(context.Background(), []*models.MetricsSnapshot{snap}))
	// Mutating after Process must not leak into the queued copy.
	snap.Target = "mutated"
	require.NoError(t, p.Process(context.Background(), []*models.MetricsSnapshot{sampleSnapshot("b")}))

	require.Eventually(t, func() bool { return len(recv.received()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, recv.received())

	require.NoError(t, p.Process(context.Background(), []*models.MetricsSnapshot{sampleSnapshot("c")}))
	require.NoError(t, p.Close())
	assert.Equal(t, []string{"a", "b", "c"}, recv.received())
}

func TestIngestProcessor_RequiresURL(t *testing.T) {
	_, err := newIngestProcessor(defaultIngestSettings(), zap.NewNop())
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConfigInvalid))
}
