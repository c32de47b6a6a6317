// Package sender implements the HTTP batch sender with retry logic used by
// the ingest pipeline. It marshals snapshot batches to JSON, compresses
// them with gzip, and POSTs them to an ingestion endpoint with exponential
// backoff on failure.
package sender

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/telemetry/internal/buffer"
	"github.com/Guliveer/vitalis/telemetry/internal/models"
)

const (
	// defaultMaxRetries is the number of retry attempts before buffering locally.
	defaultMaxRetries = 3

	// defaultRetryDelay is the base delay for exponential backoff between retries.
	defaultRetryDelay = 2 * time.Second

	// defaultTimeout is the HTTP request timeout for each send attempt.
	defaultTimeout = 10 * time.Second
)

// Options configures a Sender. Zero values take the defaults.
type Options struct {
	URL        string
	Token      string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// Sender handles batch transmission of snapshots with retry logic and local
// buffering as a fallback when the server is unreachable.
type Sender struct {
	client *http.Client
	opts   Options
	logger *zap.Logger
	buf    *buffer.Buffer
}

// New creates a new Sender. buf may be nil, in which case undeliverable
// batches are dropped.
func New(opts Options, logger *zap.Logger, buf *buffer.Buffer) *Sender {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		client: &http.Client{Timeout: opts.Timeout},
		opts:   opts,
		logger: logger.Named("sender"),
		buf:    buf,
	}
}

// Send attempts to deliver a batch. On failure after all retries, or when
// ctx ends, the batch is buffered locally for later transmission and the
// last error is returned.
func (s *Sender) Send(ctx context.Context, metrics []*models.MetricsSnapshot) error {
	batch := models.MetricBatch{
		Token:   s.opts.Token,
		Metrics: metrics,
	}

	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	// Compress with gzip
	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if _, err := gz.Write(data); err != nil {
		s.bufferBatch(metrics)
		return fmt.Errorf("compress batch: %w", err)
	}
	if err := gz.Close(); err != nil {
		s.bufferBatch(metrics)
		return fmt.Errorf("finalize gzip: %w", err)
	}

	// Retry loop with exponential backoff
	for attempt := 0; attempt <= s.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt-1))) * s.opts.RetryDelay
			s.logger.Warn("Retrying send",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				s.bufferBatch(metrics)
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err = s.doSend(ctx, compressed.Bytes())
		if err == nil {
			s.logger.Debug("Batch sent successfully", zap.Int("metrics", len(metrics)))
			return nil
		}

		// Rate limited: buffer immediately without further retries
		if isRateLimited(err) {
			s.logger.Warn("Rate limited by server, buffering batch", zap.Error(err))
			s.bufferBatch(metrics)
			return err
		}

		s.logger.Warn("Send failed",
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	// All retries exhausted: buffer locally
	s.logger.Error("All retries exhausted, buffering batch")
	s.bufferBatch(metrics)
	return err
}

// doSend performs a single HTTP POST to the ingest endpoint.
func (s *Sender) doSend(ctx context.Context, compressedData []byte) error {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		s.opts.URL,
		bytes.NewReader(compressedData),
	)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	if s.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.opts.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return &rateLimitError{statusCode: resp.StatusCode}
	}

	return fmt.Errorf("server returned %d", resp.StatusCode)
}

// bufferBatch stores a failed batch in the local file buffer.
func (s *Sender) bufferBatch(metrics []*models.MetricsSnapshot) {
	if s.buf == nil {
		s.logger.Warn("No buffer available, dropping metrics",
			zap.Int("count", len(metrics)))
		return
	}
	if err := s.buf.Store(metrics); err != nil {
		s.logger.Error("Failed to buffer metrics", zap.Error(err))
	}
}

// FlushBuffer attempts to send all previously buffered batches.
// Called on startup to drain any batches that were stored during prior outages.
func (s *Sender) FlushBuffer(ctx context.Context) {
	if s.buf == nil {
		return
	}

	batches, err := s.buf.RetrieveAll()
	if err != nil {
		s.logger.Error("Failed to retrieve buffered metrics", zap.Error(err))
		return
	}

	if len(batches) == 0 {
		return
	}

	s.logger.Info("Flushing buffered metrics", zap.Int("batches", len(batches)))

	for _, batch := range batches {
		if err := s.Send(ctx, batch); err != nil {
			s.logger.Warn("Buffered batch re-queued", zap.Error(err))
		}
	}
}

// rateLimitError indicates the server returned HTTP 429.
type rateLimitError struct {
	statusCode int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (%d)", e.statusCode)
}

// isRateLimited checks whether an error is a rate limit response.
func isRateLimited(err error) bool {
	var rl *rateLimitError
	return errors.As(err, &rl)
}
