// Package buffer keeps ingest batches that could not be delivered. Each
// batch is one CBOR file named so that lexical order is arrival order; the
// directory survives restarts and is drained oldest first.
package buffer

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	apperrors "github.com/Guliveer/vitalis/telemetry/internal/errors"
	"github.com/Guliveer/vitalis/telemetry/internal/models"
)

const fileExt = ".cbor"

// encMode keeps timestamps at full precision; the CBOR default truncates
// them to whole seconds.
var encMode = func() cbor.EncMode {
	mode, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic("buffer: CBOR encoder initialization failed: " + err.Error())
	}
	return mode
}()

// Buffer is a directory of undelivered batches bounded by size.
type Buffer struct {
	dir      string
	maxBytes int64
	logger   *zap.Logger

	mu  sync.Mutex
	seq int
	now func() time.Time
}

// New opens (creating if needed) a buffer directory. maxSizeMB <= 0 means
// unbounded.
func New(dir string, maxSizeMB int, logger *zap.Logger) (*Buffer, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, apperrors.WrapWithContext(apperrors.ErrCodeConfigInvalid,
			"creating buffer directory", err, map[string]any{"dir": dir})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Buffer{
		dir:      dir,
		maxBytes: int64(maxSizeMB) << 20,
		logger:   logger.Named("buffer"),
		now:      time.Now,
	}, nil
}

// Store writes one batch, first dropping the oldest batches while the
// directory is at its size limit.
func (b *Buffer) Store(batch []*models.MetricsSnapshot) error {
	data, err := encMode.Marshal(batch)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeInternal, "encoding buffered batch", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.maxBytes > 0 {
		b.makeRoom(int64(len(data)))
	}
	if err := os.WriteFile(b.nextName(), data, 0640); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeInternal, "writing buffered batch", err)
	}
	return nil
}

// nextName returns a path that sorts after every earlier one. Must be
// called with b.mu held.
func (b *Buffer) nextName() string {
	b.seq++
	stamp := b.now().UTC().Format("20060102T150405.000000000")
	return filepath.Join(b.dir, fmt.Sprintf("%s-%06d%s", stamp, b.seq, fileExt))
}

// RetrieveAll removes and returns every buffered batch, oldest first.
// Unreadable files are logged and left for the next attempt; corrupt ones
// are deleted.
func (b *Buffer) RetrieveAll() ([][]*models.MetricsSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	files, err := b.files()
	if err != nil {
		return nil, err
	}

	var batches [][]*models.MetricsSnapshot
	for _, f := range files {
		data, err := os.ReadFile(f.path)
		if err != nil {
			b.logger.Warn("Failed to read buffer file", zap.String("file", f.path), zap.Error(err))
			continue
		}
		var batch []*models.MetricsSnapshot
		if err := cbor.Unmarshal(data, &batch); err != nil {
			b.logger.Warn("Removing corrupt buffer file", zap.String("file", f.path), zap.Error(err))
			os.Remove(f.path)
			continue
		}
		batches = append(batches, batch)
		os.Remove(f.path)
	}
	return batches, nil
}

// Count returns the number of buffered batches.
func (b *Buffer) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	files, _ := b.files()
	return len(files)
}

type batchFile struct {
	path string
	size int64
}

// files lists batch files in arrival order.
func (b *Buffer) files() ([]batchFile, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, apperrors.WrapWithContext(apperrors.ErrCodeSourceUnavailable,
			"listing buffer directory", err, map[string]any{"dir": b.dir})
	}
	var out []batchFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		f := batchFile{path: filepath.Join(b.dir, e.Name())}
		if info, err := e.Info(); err == nil {
			f.size = info.Size()
		}
		out = append(out, f)
	}
	slices.SortFunc(out, func(x, y batchFile) int { return strings.Compare(x.path, y.path) })
	return out, nil
}

// makeRoom drops the oldest batches until incoming more bytes fit. Must be
// called with b.mu held.
func (b *Buffer) makeRoom(incoming int64) {
	files, err := b.files()
	if err != nil {
		return
	}
	var total int64
	for _, f := range files {
		total += f.size
	}
	dropped := 0
	for _, f := range files {
		if total+incoming <= b.maxBytes {
			break
		}
		if err := os.Remove(f.path); err != nil {
			b.logger.Warn("Failed to remove oldest buffer file", zap.String("file", f.path), zap.Error(err))
			break
		}
		total -= f.size
		dropped++
	}
	if dropped > 0 {
		b.logger.Warn("Buffer full, dropped oldest batches", zap.Int("batches", dropped))
	}
}
