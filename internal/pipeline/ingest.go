package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/telemetry/internal/buffer"
	"github.com/Guliveer/vitalis/telemetry/internal/config"
	apperrors "github.com/Guliveer/vitalis/telemetry/internal/errors"
	"github.com/Guliveer/vitalis/telemetry/internal/models"
	"github.com/Guliveer/vitalis/telemetry/internal/sender"
)

// IngestSettings configures the ingest pipeline.
type IngestSettings struct {
	URL           string          `yaml:"url"`
	Token         string          `yaml:"token"`
	BatchSize     int             `yaml:"batch_size"`
	FlushInterval config.Duration `yaml:"flush_interval"`
	Timeout       config.Duration `yaml:"timeout"`
	MaxRetries    int             `yaml:"max_retries"`
	RetryDelay    config.Duration `yaml:"retry_delay"`
	// BufferDir holds batches that could not be delivered; empty disables
	// the on-disk buffer.
	BufferDir   string `yaml:"buffer_dir"`
	BufferMaxMB int    `yaml:"buffer_max_mb"`
}

func defaultIngestSettings() IngestSettings {
	return IngestSettings{
		BatchSize:     10,
		FlushInterval: config.Duration{Duration: 30 * time.Second},
		BufferMaxMB:   50,
	}
}

const (
	// maxPendingBatches bounds how much the tick loop holds while the
	// writer is busy.
	maxPendingBatches = 10
	closeTimeout      = 15 * time.Second
)

// ingestProcessor batches snapshots and hands full batches to a background
// writer so a slow endpoint never stalls the tick loop.
type ingestProcessor struct {
	sender     *sender.Sender
	batchSize  int
	flushEvery time.Duration
	logger     *zap.Logger

	mu      sync.Mutex
	pending []*models.MetricsSnapshot

	queue  chan []*models.MetricsSnapshot
	stop   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func newIngestEntry(logger *zap.Logger) Entry {
	return Entry{
		Name:        "ingest",
		Description: "gzip JSON batches POSTed to an HTTP endpoint, buffered on disk when unreachable",
		Factory: func(settings Settings, _ *Proxy) (Processor, error) {
			cfg := defaultIngestSettings()
			if err := settings.Decode(&cfg); err != nil {
				return nil, err
			}
			return newIngestProcessor(cfg, logger)
		},
	}
}

func newIngestProcessor(cfg IngestSettings, logger *zap.Logger) (*ingestProcessor, error) {
	if cfg.URL == "" {
		return nil, apperrors.New(apperrors.ErrCodeConfigInvalid, "ingest url is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.FlushInterval.Duration <= 0 {
		cfg.FlushInterval = defaultIngestSettings().FlushInterval
	}
	logger = logger.Named("ingest")

	var buf *buffer.Buffer
	if cfg.BufferDir != "" {
		b, err := buffer.New(cfg.BufferDir, cfg.BufferMaxMB, logger)
		if err != nil {
			return nil, apperrors.WrapWithContext(apperrors.ErrCodeConfigInvalid,
				"creating ingest buffer", err, map[string]any{"dir": cfg.BufferDir})
		}
		buf = b
	}

	p := &ingestProcessor{
		sender: sender.New(sender.Options{
			URL:        cfg.URL,
			Token:      cfg.Token,
			Timeout:    cfg.Timeout.Duration,
			MaxRetries: cfg.MaxRetries,
			RetryDelay: cfg.RetryDelay.Duration,
		}, logger, buf),
		batchSize:  cfg.BatchSize,
		flushEvery: cfg.FlushInterval.Duration,
		logger:     logger,
		queue:      make(chan []*models.MetricsSnapshot, maxPendingBatches),
		stop:       make(chan struct{}),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.wg.Add(1)
	go p.run()
	return p, nil
}

// Process copies the snapshots; the collectors reuse theirs next tick.
func (p *ingestProcessor) Process(_ context.Context, snapshots []*models.MetricsSnapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range snapshots {
		p.pending = append(p.pending, s.Clone())
	}
	if len(p.pending) < p.batchSize {
		return nil
	}
	select {
	case p.queue <- p.pending:
		p.pending = nil
	default:
		if over := len(p.pending) - maxPendingBatches*p.batchSize; over > 0 {
			p.logger.Warn("Writer behind, dropping oldest snapshots", zap.Int("dropped", over))
			p.pending = append(p.pending[:0:0], p.pending[over:]...)
		}
	}
	return nil
}

func (p *ingestProcessor) takePending() []*models.MetricsSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	batch := p.pending
	p.pending = nil
	return batch
}

func (p *ingestProcessor) run() {
	defer p.wg.Done()
	ctx := p.ctx

	p.sender.FlushBuffer(ctx)

	ticker := time.NewTicker(p.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case batch := <-p.queue:
			p.send(ctx, batch)
		case <-ticker.C:
			if batch := p.takePending(); len(batch) > 0 {
				p.send(ctx, batch)
			}
		}
	}
}

func (p *ingestProcessor) send(ctx context.Context, batch []*models.MetricsSnapshot) {
	if err := p.sender.Send(ctx, batch); err != nil {
		p.logger.Warn("Batch not delivered", zap.Int("snapshots", len(batch)), zap.Error(err))
		return
	}
	p.logger.Debug("Batch delivered", zap.Int("snapshots", len(batch)))
}

// Close lets an in-flight batch finish, then delivers whatever is still
// queued, buffering it when the endpoint does not answer in time.
func (p *ingestProcessor) Close() error {
	p.once.Do(func() {
		close(p.stop)
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(closeTimeout):
			p.cancel()
			<-done
		}
		p.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()

		var rest []*models.MetricsSnapshot
		for {
			select {
			case batch := <-p.queue:
				rest = append(rest, batch...)
				continue
			default:
			}
			break
		}
		rest = append(rest, p.takePending()...)
		if len(rest) > 0 {
			p.send(ctx, rest)
		}
	})
	return nil
}
