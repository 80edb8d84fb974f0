package authsession

import (
	"sync"
	"time"
)

const maxDiagnostics = 32

// Diagnostic is a recorded non-fatal failure. None of these reach the
// consumer as errors.
type Diagnostic struct {
	At     time.Time
	Source string
	Class  Class
	Err    error
}

type diagnosticLog struct {
	lock    sync.Mutex
	entries []Diagnostic
}

func (d *diagnosticLog) add(entry Diagnostic) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if len(d.entries) == maxDiagnostics {
		copy(d.entries, d.entries[1:])
		d.entries = d.entries[:maxDiagnostics-1]
	}
	d.entries = append(d.entries, entry)
}

func (d *diagnosticLog) list() []Diagnostic {
	d.lock.Lock()
	defer d.lock.Unlock()
	out := make([]Diagnostic, len(d.entries))
	copy(out, d.entries)
	return out
}
