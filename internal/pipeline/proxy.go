package pipeline

import (
	"maps"
	"sync"
	"time"
)

// Frame is one fully rendered value published by a processor.
type Frame struct {
	Bytes   []byte
	Fields  map[string]string
	Version uint64
	At      time.Time
}

// Proxy hands rendered frames from the tick loop (single writer) to
// consumers running on their own clock (many readers). Readers poll and
// compare versions; a reader that falls behind simply sees the newest frame.
type Proxy struct {
	mu    sync.RWMutex
	frame Frame
}

// NewProxy creates an empty proxy at version 0.
func NewProxy() *Proxy {
	return &Proxy{}
}

// Publish replaces the current frame and returns its version. The proxy
// takes ownership of b and fields.
func (p *Proxy) Publish(b []byte, fields map[string]string, at time.Time) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frame = Frame{
		Bytes:   b,
		Fields:  fields,
		Version: p.frame.Version + 1,
		At:      at,
	}
	return p.frame.Version
}

// Load returns the current frame. The returned field map is a copy; Bytes
// must not be modified.
func (p *Proxy) Load() Frame {
	p.mu.RLock()
	defer p.mu.RUnlock()
	f := p.frame
	f.Fields = maps.Clone(p.frame.Fields)
	return f
}

// Version returns the version of the current frame.
func (p *Proxy) Version() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.frame.Version
}
