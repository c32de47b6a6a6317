package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"go.uber.org/zap"

	apperrors "github.com/Guliveer/vitalis/telemetry/internal/errors"
	"github.com/Guliveer/vitalis/telemetry/internal/models"
)

// JSONSettings configures the json pipeline.
type JSONSettings struct {
	// Output is "stdout" or a file path the documents are appended to.
	Output string `yaml:"output"`
	Indent bool   `yaml:"indent"`
}

// jsonProcessor writes one JSON document, an array of snapshots, per tick.
type jsonProcessor struct {
	w      io.Writer
	closer io.Closer
	indent bool
	logger *zap.Logger
}

func newJSONEntry(logger *zap.Logger) Entry {
	return Entry{
		Name:        "json",
		Description: "one JSON document per tick on stdout or appended to a file",
		Factory: func(settings Settings, _ *Proxy) (Processor, error) {
			cfg := JSONSettings{Output: "stdout"}
			if err := settings.Decode(&cfg); err != nil {
				return nil, err
			}
			return newJSONProcessor(cfg, os.Stdout, logger)
		},
	}
}

func newJSONProcessor(cfg JSONSettings, stdout io.Writer, logger *zap.Logger) (*jsonProcessor, error) {
	p := &jsonProcessor{w: stdout, indent: cfg.Indent, logger: logger.Named("json")}
	if cfg.Output != "" && cfg.Output != "stdout" {
		f, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
		if err != nil {
			return nil, apperrors.WrapWithContext(apperrors.ErrCodeConfigInvalid,
				"opening json output", err, map[string]any{"path": cfg.Output})
		}
		p.w, p.closer = f, f
	}
	return p, nil
}

func (p *jsonProcessor) Process(_ context.Context, snapshots []*models.MetricsSnapshot) error {
	enc := json.NewEncoder(p.w)
	if p.indent {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(snapshots)
}

func (p *jsonProcessor) Close() error {
	if p.closer != nil {
		return p.closer.Close()
	}
	return nil
}
