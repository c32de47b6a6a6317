package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guliveer/vitalis/telemetry/internal/config"
	apperrors "github.com/Guliveer/vitalis/telemetry/internal/errors"
)

func TestEmbeddedConfigIsValid(t *testing.T) {
	cfg, err := config.LoadFromBytes(embeddedConfig)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "json", cfg.Pipeline.Name)
	require.Len(t, cfg.Targets, 1)
	assert.Equal(t, config.SourceLocal, cfg.Targets[0].Source)
}

func TestPickTarget(t *testing.T) {
	cfg := &config.Config{Targets: []config.Target{{Name: "a"}, {Name: "b"}}}

	got, err := pickTarget(cfg, "")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Name)

	got, err = pickTarget(cfg, "b")
	require.NoError(t, err)
	assert.Equal(t, "b", got.Name)

	_, err = pickTarget(cfg, "c")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConfigInvalid))
}

func TestRun_MissingExplicitConfig(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.yaml")
	err := rootCmd().Run(context.Background(), []string{name, "--config", missing, "once"})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConfigInvalid))
}

func TestDisks_MissingDeviceFileIsFatal(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "telemetry.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("targets:\n  - name: here\n"), 0o600))

	err := rootCmd().Run(context.Background(),
		[]string{name, "--config", cfgPath, "disks", "--device-file", filepath.Join(dir, "nope")})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeSourceUnavailable))
}

func TestRun_UnknownPipeline(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "telemetry.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("targets:\n  - name: here\n"), 0o600))

	err := rootCmd().Run(context.Background(),
		[]string{name, "--config", cfgPath, "--pipeline", "fax", "run"})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConfigInvalid))
}
