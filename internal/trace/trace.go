// Package trace provides a minimal source-tagged event tracer for the
// notify and register-access hot paths, where a structured slog.Logger call
// is too heavyweight to leave enabled by default. It mirrors the
// source-tagged Writef idiom without the on-disk indexed binary format: no
// virtio component in this module reads traces back, so there is nothing
// here that persists or indexes them.
package trace

import (
	"fmt"
	"io"
	"sync"
)

// Sink receives trace lines. A nil Sink (the default, see SetSink) makes
// Writef a no-op so a hypervisor that never calls SetSink pays no cost
// beyond a nil check.
type Sink interface {
	io.Writer
}

var (
	mu   sync.Mutex
	sink Sink
)

// SetSink installs the destination for subsequent Writef calls. Passing nil
// disables tracing.
func SetSink(s Sink) {
	mu.Lock()
	defer mu.Unlock()
	sink = s
}

// Tracer writes trace lines tagged with a fixed source, mirroring the
// per-component logger pattern used elsewhere in this module.
type Tracer struct {
	source string
}

// WithSource returns a Tracer that prefixes every line with source, e.g. a
// device's dev_id or kind.
func WithSource(source string) *Tracer {
	return &Tracer{source: source}
}

// Writef formats and emits a trace line. It is safe to call from multiple
// goroutines; goroutines handling traps on distinct devices do not block
// each other beyond the sink's own synchronization.
func (t *Tracer) Writef(format string, args ...any) {
	mu.Lock()
	s := sink
	mu.Unlock()
	if s == nil {
		return
	}
	fmt.Fprintf(s, "[%s] "+format+"\n", append([]any{t.source}, args...)...)
}
