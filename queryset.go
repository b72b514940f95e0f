package convex

import (
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
)

// FunctionResult is the server-evaluated value (or error) for one query,
// mutation, or action response.
type FunctionResult struct {
	Success bool
	Value   json.RawMessage
	Error   string
	LogLines []string
}

type queryEntry struct {
	Result FunctionResult
	Ts     LogicalTimestamp
	Failed bool
}

// RemoteQuerySet is C3: the authoritative queryId -> FunctionResult map,
// plus the current set timestamp.
type RemoteQuerySet struct {
	mu        sync.Mutex
	ts        LogicalTimestamp
	hasTs     bool
	entries   map[QueryId]*queryEntry
}

func NewRemoteQuerySet() *RemoteQuerySet {
	return &RemoteQuerySet{entries: make(map[QueryId]*queryEntry)}
}

// Timestamp returns the current set timestamp. Before the first transition
// is applied there is no timestamp yet; ok is false.
func (self *RemoteQuerySet) Timestamp() (LogicalTimestamp, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.ts, self.hasTs
}

// ApplyTransition applies a server Transition. If the held timestamp does
// not equal the transition's startVersion.ts, this is a protocol violation
// and the connection must be torn down (spec.md 4.3).
func (self *RemoteQuerySet) ApplyTransition(frame *TransitionFrame) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	if self.hasTs && self.ts != frame.StartVersion.Ts {
		return &ProtocolError{Reason: fmt.Sprintf(
			"transition startVersion.ts=%d does not match held timestamp=%d",
			frame.StartVersion.Ts, self.ts,
		)}
	}

	for _, mod := range frame.Modifications {
		switch mod.Type {
		case "QueryUpdated":
			self.entries[mod.QueryId] = &queryEntry{
				Result: FunctionResult{Success: true, Value: mod.Value, LogLines: mod.LogLines},
				Ts:     frame.EndVersion.Ts,
			}
		case "QueryFailed":
			self.entries[mod.QueryId] = &queryEntry{
				Result: FunctionResult{Success: false, Error: mod.ErrorMessage, LogLines: mod.LogLines},
				Ts:     frame.EndVersion.Ts,
				Failed: true,
			}
		case "QueryRemoved":
			delete(self.entries, mod.QueryId)
		default:
			return &ProtocolError{Reason: fmt.Sprintf("unknown transition modification type %q", mod.Type)}
		}
	}

	self.ts = frame.EndVersion.Ts
	self.hasTs = true
	return nil
}

// Result returns the latest known result for a query id, if any. Results
// for queries already unsubscribed locally are still stored here
// transiently; the orchestrator filters them out using
// LocalSubscriptions.QueryToken before handing values to C5.
func (self *RemoteQuerySet) Result(id QueryId) (FunctionResult, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	entry, ok := self.entries[id]
	if !ok {
		return FunctionResult{}, false
	}
	return entry.Result, true
}

// Snapshot returns every currently held queryId -> FunctionResult pair.
func (self *RemoteQuerySet) Snapshot() map[QueryId]FunctionResult {
	self.mu.Lock()
	defer self.mu.Unlock()
	out := make(map[QueryId]FunctionResult, len(self.entries))
	for _, id := range maps.Keys(self.entries) {
		out[id] = self.entries[id].Result
	}
	return out
}
