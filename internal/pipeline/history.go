package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/Guliveer/vitalis/telemetry/internal/config"
	apperrors "github.com/Guliveer/vitalis/telemetry/internal/errors"
	"github.com/Guliveer/vitalis/telemetry/internal/models"
)

// HistorySettings configures the history pipeline.
type HistorySettings struct {
	Path string `yaml:"path"`
	// Retention prunes rows older than this; zero keeps everything.
	Retention config.Duration `yaml:"retention"`
}

// historyProcessor persists every numeric metric of every tick.
type historyProcessor struct {
	db        *sql.DB
	retention time.Duration
	logger    *zap.Logger
}

func newHistoryEntry(logger *zap.Logger) Entry {
	return Entry{
		Name:        "history",
		Description: "numeric metrics of every tick stored in a SQLite database",
		Factory: func(settings Settings, _ *Proxy) (Processor, error) {
			cfg := HistorySettings{Path: "telemetry.db"}
			if err := settings.Decode(&cfg); err != nil {
				return nil, err
			}
			return newHistoryProcessor(cfg, logger)
		},
	}
}

func newHistoryProcessor(cfg HistorySettings, logger *zap.Logger) (*historyProcessor, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s", cfg.Path))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeConfigInvalid, "opening history database", err)
	}
	// One writer; SQLite serializes anyway.
	db.SetMaxOpenConns(1)

	p := &historyProcessor{db: db, retention: cfg.Retention.Duration, logger: logger.Named("history")}
	if err := p.migrate(); err != nil {
		_ = db.Close()
		return nil, apperrors.WrapWithContext(apperrors.ErrCodeConfigInvalid,
			"preparing history database", err, map[string]any{"path": cfg.Path})
	}
	return p, nil
}

func (p *historyProcessor) migrate() error {
	const stmt = `
CREATE TABLE IF NOT EXISTS metrics (
    id      INTEGER PRIMARY KEY AUTOINCREMENT,
    ts      INTEGER NOT NULL,
    target  TEXT NOT NULL,
    name    TEXT NOT NULL,
    value   REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metrics_target_name_ts ON metrics(target, name, ts);
CREATE INDEX IF NOT EXISTS idx_metrics_ts ON metrics(ts);
`
	_, err := p.db.Exec(stmt)
	return err
}

// Process stores the tick in a single transaction. ts is Unix milliseconds.
func (p *historyProcessor) Process(ctx context.Context, snapshots []*models.MetricsSnapshot) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeInternal, "begin history tx", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO metrics (ts, target, name, value) VALUES (?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return apperrors.Wrap(apperrors.ErrCodeInternal, "prepare history insert", err)
	}
	defer stmt.Close()

	rows := 0
	var latest time.Time
	for _, snap := range snapshots {
		ts := snap.Timestamp.UnixMilli()
		if snap.Timestamp.After(latest) {
			latest = snap.Timestamp
		}
		for _, s := range Numeric(snap) {
			if _, err := stmt.ExecContext(ctx, ts, snap.Target, s.Name, s.Value); err != nil {
				_ = tx.Rollback()
				return apperrors.Wrap(apperrors.ErrCodeInternal, "insert history row "+s.Name, err)
			}
			rows++
		}
	}

	if p.retention > 0 && !latest.IsZero() {
		cutoff := latest.Add(-p.retention).UnixMilli()
		if _, err := tx.ExecContext(ctx, `DELETE FROM metrics WHERE ts < ?`, cutoff); err != nil {
			_ = tx.Rollback()
			return apperrors.Wrap(apperrors.ErrCodeInternal, "prune history", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeInternal, "commit history tx", err)
	}
	p.logger.Debug("Tick persisted", zap.Int("rows", rows))
	return nil
}

func (p *historyProcessor) Close() error {
	return p.db.Close()
}
