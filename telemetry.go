package convex

import (
	"sync"
	"time"
)

// perfMark is one client-side timing sample, keyed by session id so a host
// process running multiple clients (tests, multi-tenant embedding) never
// mixes marks across sessions.
type perfMark struct {
	SessionId SessionId
	Name      string
	At        time.Time
}

// perfMarkCollector is the only process-global in this module (Design
// Notes section 9: "the only process-global is an optional performance-mark
// ring for telemetry"). It is an explicitly constructed singleton reached
// through PerfMarkCollector(), never relied on as implicit package state:
// callers that don't want it never touch it, and tests can Drain() between
// cases to get a clean slate.
type perfMarkCollector struct {
	mu    sync.Mutex
	marks []perfMark
}

var globalPerfMarkCollector = &perfMarkCollector{}

// PerfMarkCollector returns the process-wide telemetry ring. Only clients
// constructed with ClientOptions.ReportDebugInfoToConvex write to it.
func PerfMarkCollector() *perfMarkCollector {
	return globalPerfMarkCollector
}

func (self *perfMarkCollector) record(sessionId SessionId, name string) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.marks = append(self.marks, perfMark{SessionId: sessionId, Name: name, At: time.Now()})
}

// Drain removes and returns every mark recorded so far.
func (self *perfMarkCollector) Drain() []perfMark {
	self.mu.Lock()
	defer self.mu.Unlock()
	marks := self.marks
	self.marks = nil
	return marks
}
