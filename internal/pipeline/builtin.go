package pipeline

import "go.uber.org/zap"

// Builtin returns a registry holding every pipeline shipped with the
// collector.
func Builtin(logger *zap.Logger) *Registry {
	r := NewRegistry()
	for _, e := range []Entry{
		newJSONEntry(logger),
		newTextEntry(logger),
		newBindingEntry(),
		newSocketEntry(logger),
		newPrometheusEntry(logger),
		newHistoryEntry(logger),
		newIngestEntry(logger),
	} {
		if err := r.Register(e); err != nil {
			// Names above are fixed; a clash is a programming error.
			panic(err)
		}
	}
	return r
}
