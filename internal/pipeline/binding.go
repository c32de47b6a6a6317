package pipeline

import (
	"context"
	"time"

	"github.com/Guliveer/vitalis/telemetry/internal/models"
)

// bindingProcessor publishes every snapshot as flat "target.path" -> value
// fields for a GUI that binds widgets to field names and polls the proxy.
type bindingProcessor struct {
	proxy *Proxy
	now   func() time.Time
}

func newBindingEntry() Entry {
	proxy := NewProxy()
	return Entry{
		Name:        "binding",
		Description: "flat field map in a shared proxy for GUI data binding",
		Proxy:       proxy,
		Factory: func(_ Settings, proxy *Proxy) (Processor, error) {
			return &bindingProcessor{proxy: proxy, now: time.Now}, nil
		},
	}
}

func (p *bindingProcessor) Process(_ context.Context, snapshots []*models.MetricsSnapshot) error {
	fields := make(map[string]string)
	for _, snap := range snapshots {
		for k, v := range FlattenStrings(snap) {
			fields[snap.Target+"."+k] = v
		}
	}
	p.proxy.Publish(nil, fields, p.now())
	return nil
}

func (p *bindingProcessor) Close() error { return nil }
