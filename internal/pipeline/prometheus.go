package pipeline

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apperrors "github.com/Guliveer/vitalis/telemetry/internal/errors"
	"github.com/Guliveer/vitalis/telemetry/internal/models"
)

// PrometheusSettings configures the prometheus pipeline.
type PrometheusSettings struct {
	Listen    string `yaml:"listen"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

func defaultPrometheusSettings() PrometheusSettings {
	return PrometheusSettings{Listen: "127.0.0.1:9108", Path: "/metrics", Namespace: "telemetry"}
}

// promMetrics are the collectors one processor keeps on the entry's
// private registry.
type promMetrics struct {
	values      *prometheus.GaugeVec
	timestamp   *prometheus.GaugeVec
	collections prometheus.Counter
}

func newPromMetrics(reg *prometheus.Registry, namespace string) (*promMetrics, error) {
	m := &promMetrics{
		values: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "value",
			Help:      "Latest value of a flattened snapshot metric.",
		}, []string{"target", "metric"}),
		timestamp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_timestamp_seconds",
			Help:      "Unix time of the latest snapshot per target.",
		}, []string{"target"}),
		collections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Number of ticks rendered.",
		}),
	}
	var err error
	if m.values, err = registerOrReuse(reg, m.values); err != nil {
		return nil, err
	}
	if m.timestamp, err = registerOrReuse(reg, m.timestamp); err != nil {
		return nil, err
	}
	if m.collections, err = registerOrReuse(reg, m.collections); err != nil {
		return nil, err
	}
	return m, nil
}

// registerOrReuse registers c, or returns the identical collector a
// previous build of the pipeline already registered.
func registerOrReuse[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	var zero C
	return zero, apperrors.Wrap(apperrors.ErrCodeConfigInvalid, "registering prometheus collector", err)
}

type prometheusProcessor struct {
	metrics *promMetrics
}

// newPrometheusEntry keeps one registry per entry so the factory and the
// HTTP entry point see the same collectors.
func newPrometheusEntry(logger *zap.Logger) Entry {
	reg := prometheus.NewRegistry()
	return Entry{
		Name:        "prometheus",
		Description: "gauges for every numeric metric served on an HTTP /metrics endpoint",
		Factory: func(settings Settings, _ *Proxy) (Processor, error) {
			cfg := defaultPrometheusSettings()
			if err := settings.Decode(&cfg); err != nil {
				return nil, err
			}
			m, err := newPromMetrics(reg, cfg.Namespace)
			if err != nil {
				return nil, err
			}
			return &prometheusProcessor{metrics: m}, nil
		},
		EntryPoint: func(ctx context.Context, settings Settings, _ *Proxy) error {
			cfg := defaultPrometheusSettings()
			if err := settings.Decode(&cfg); err != nil {
				return err
			}
			return serveMetrics(ctx, cfg, reg, logger.Named("prometheus"))
		},
	}
}

// Process replaces every series so targets or devices that disappeared
// stop being exported.
func (p *prometheusProcessor) Process(_ context.Context, snapshots []*models.MetricsSnapshot) error {
	p.metrics.values.Reset()
	for _, snap := range snapshots {
		for _, s := range Numeric(snap) {
			p.metrics.values.WithLabelValues(snap.Target, s.Name).Set(s.Value)
		}
		p.metrics.timestamp.WithLabelValues(snap.Target).Set(float64(snap.Timestamp.UnixNano()) / 1e9)
	}
	p.metrics.collections.Inc()
	return nil
}

func (p *prometheusProcessor) Close() error { return nil }

func serveMetrics(ctx context.Context, cfg PrometheusSettings, reg *prometheus.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Metrics endpoint listening", zap.String("addr", cfg.Listen), zap.String("path", cfg.Path))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
