package pipeline

import (
	"gopkg.in/yaml.v3"

	apperrors "github.com/Guliveer/vitalis/telemetry/internal/errors"
)

// Settings are the free-form pipeline settings from the configuration file.
type Settings map[string]any

// Decode fills v (a pointer to a struct with yaml tags) from the settings.
// Fields absent from the settings keep the values v already holds, so
// callers pass a struct pre-filled with defaults.
func (s Settings) Decode(v any) error {
	if len(s) == 0 {
		return nil
	}
	data, err := yaml.Marshal(map[string]any(s))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeConfigInvalid, "encoding pipeline settings", err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeConfigInvalid, "decoding pipeline settings", err)
	}
	return nil
}
