// Package pipeline holds the output adaptors. A pipeline is a named entry
// in a Registry: a factory building the Processor the tick loop calls, an
// optional entry point running a consumer on its own clock (an HTTP server,
// a GUI poller), and an optional Proxy the two share.
package pipeline

import (
	"context"
	"slices"
	"strconv"
	"strings"

	apperrors "github.com/Guliveer/vitalis/telemetry/internal/errors"
	"github.com/Guliveer/vitalis/telemetry/internal/models"
)

// Processor renders the snapshots of one tick. The snapshots are only
// valid for the duration of the call.
type Processor interface {
	Process(ctx context.Context, snapshots []*models.MetricsSnapshot) error
	Close() error
}

// Factory builds a processor from pipeline settings. proxy is the entry's
// shared proxy and may be nil.
type Factory func(settings Settings, proxy *Proxy) (Processor, error)

// EntryPoint runs a consumer independent of the tick loop until ctx ends.
type EntryPoint func(ctx context.Context, settings Settings, proxy *Proxy) error

// Entry is one registered pipeline.
type Entry struct {
	Name        string
	Description string
	Factory     Factory
	EntryPoint  EntryPoint
	Proxy       *Proxy
}

// Registry maps pipeline names to entries. It is filled once at startup
// and only read afterwards.
type Registry struct {
	entries map[string]Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds an entry. Names must be unique and every entry needs a
// factory.
func (r *Registry) Register(e Entry) error {
	if e.Name == "" || e.Factory == nil {
		return apperrors.New(apperrors.ErrCodeInternal, "pipeline entry needs a name and a factory")
	}
	if _, ok := r.entries[e.Name]; ok {
		return apperrors.Newf(apperrors.ErrCodeInternal, "pipeline %q registered twice", e.Name)
	}
	r.entries[e.Name] = e
	return nil
}

// Lookup returns the entry registered under name. An unknown name is a
// configuration error listing the valid names.
func (r *Registry) Lookup(name string) (Entry, error) {
	e, ok := r.entries[name]
	if !ok {
		return Entry{}, apperrors.WrapWithContext(apperrors.ErrCodeConfigInvalid,
			"unknown pipeline "+strconv.Quote(name)+"; valid pipelines: "+strings.Join(r.Names(), ", "),
			nil, map[string]any{"valid": r.Names()})
	}
	return e, nil
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
