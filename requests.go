package convex

import (
	"encoding/json"
	"sync"
	"time"
)

type RequestKind string

const (
	RequestKindMutation RequestKind = "mutation"
	RequestKindAction   RequestKind = "action"
)

// requestRecord is the Data Model's "Request record".
type requestRecord struct {
	Id          RequestId
	Kind        RequestKind
	UdfPath     string
	Args        map[string]any
	SubmittedAt time.Time
	MightBeSent bool

	resultCh chan FunctionResult
	done     bool

	// Mutation-only: the response timestamp returned by the server. A
	// successful mutation is held until the remote query set reaches this
	// timestamp, so the caller's promise resolves only after the mutation's
	// effects are visible in the query view (spec.md ordering guarantee).
	held              bool
	responseTs        LogicalTimestamp
	resultValueOnHold json.RawMessage
}

// RequestManager is C4.
type RequestManager struct {
	mu      sync.Mutex
	ids     *idAllocator
	records map[RequestId]*requestRecord
}

func NewRequestManager() *RequestManager {
	return &RequestManager{
		ids:     newIdAllocator(),
		records: make(map[RequestId]*requestRecord),
	}
}

// Request registers a new mutation or action record and returns its id and
// a channel that receives exactly one FunctionResult when it resolves.
func (self *RequestManager) Request(kind RequestKind, udfPath string, args map[string]any, mightBeSent bool) (RequestId, <-chan FunctionResult) {
	self.mu.Lock()
	defer self.mu.Unlock()

	id := RequestId(self.ids.allocate())
	record := &requestRecord{
		Id:          id,
		Kind:        kind,
		UdfPath:     udfPath,
		Args:        args,
		SubmittedAt: time.Now(),
		MightBeSent: mightBeSent,
		resultCh:    make(chan FunctionResult, 1),
	}
	self.records[id] = record
	return id, record.resultCh
}

// MarkSent updates whether a record's frame actually reached an open
// socket, set after the caller's send attempt returns.
func (self *RequestManager) MarkSent(id RequestId, sent bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if record, ok := self.records[id]; ok {
		record.MightBeSent = sent
	}
}

func (self *RequestManager) resolveLocked(record *requestRecord, result FunctionResult) {
	if record.done {
		return
	}
	record.done = true
	record.resultCh <- result
	delete(self.records, record.Id)
}

// OnMutationResponse handles a MutationResponse frame. On failure the
// record resolves and is dropped immediately. On success the record is
// held until DrainCompleted observes its response timestamp. Either way
// the request id is returned so the optimistic overlay can react (on
// failure, discard its optimistic update now; on success, keep it until
// DrainCompleted says otherwise).
func (self *RequestManager) OnMutationResponse(frame *MutationResponseFrame) (RequestId, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()

	record, ok := self.records[frame.RequestId]
	if !ok {
		return frame.RequestId, false
	}
	if !frame.Success {
		self.resolveLocked(record, FunctionResult{Success: false, Error: frame.ErrorMessage, LogLines: frame.LogLines})
		return frame.RequestId, true
	}
	record.held = true
	if frame.Ts != nil {
		record.responseTs = *frame.Ts
	}
	record.resultValueOnHold = frame.Result
	return frame.RequestId, true
}

// OnActionResponse handles an ActionResponse frame: actions resolve
// immediately and are dropped regardless of success.
func (self *RequestManager) OnActionResponse(frame *ActionResponseFrame) (RequestId, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()

	record, ok := self.records[frame.RequestId]
	if !ok {
		return frame.RequestId, false
	}
	self.resolveLocked(record, FunctionResult{Success: frame.Success, Value: frame.Result, Error: frame.ErrorMessage, LogLines: frame.LogLines})
	return frame.RequestId, true
}

// DrainCompleted finds every held mutation whose response timestamp is now
// covered by the remote query set, without resolving them. The caller must
// pass the returned records to ResolveDrained only after the query view has
// been recomputed and onTransition has fired for this transition, so a
// Mutation() caller blocked on the result channel can never observe its
// result before (or concurrently with) the onTransition callback reporting
// the same effect (spec.md ordering guarantee).
func (self *RequestManager) DrainCompleted(currentSetTimestamp LogicalTimestamp) []*requestRecord {
	self.mu.Lock()
	defer self.mu.Unlock()

	var drained []*requestRecord
	for _, record := range self.records {
		if record.held && record.responseTs <= currentSetTimestamp {
			drained = append(drained, record)
		}
	}
	return drained
}

// ResolveDrained resolves records previously returned by DrainCompleted and
// returns their ids.
func (self *RequestManager) ResolveDrained(drained []*requestRecord) []RequestId {
	self.mu.Lock()
	defer self.mu.Unlock()

	ids := make([]RequestId, 0, len(drained))
	for _, record := range drained {
		self.resolveLocked(record, FunctionResult{Success: true, Value: record.resultValueOnHold})
		ids = append(ids, record.Id)
	}
	return ids
}

// Restart returns every record that either was never sent or is a mutation
// not yet resolved, marking each as a resend candidate (MightBeSent=true
// once actually re-sent by the caller). Actions are not replayed: they
// resolve failed with ErrActionDroppedOnReconnect's message instead.
func (self *RequestManager) Restart() []*requestRecord {
	self.mu.Lock()
	defer self.mu.Unlock()

	var resend []*requestRecord
	for id, record := range self.records {
		if record.Kind == RequestKindAction {
			self.resolveLocked(record, FunctionResult{Success: false, Error: (&ErrActionDroppedOnReconnect{UdfPath: record.UdfPath}).Error()})
			continue
		}
		// A held mutation (success already observed, just waiting on the
		// query set to catch up) is resent too, so the new connection also
		// reports its response timestamp.
		resend = append(resend, record)
		_ = id
	}
	return resend
}

func (self *RequestManager) HasInflightRequests() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	for _, record := range self.records {
		if record.MightBeSent && !record.done {
			return true
		}
	}
	return false
}

func (self *RequestManager) HasIncompleteRequests() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return len(self.records) > 0
}

func (self *RequestManager) TimeOfOldestInflightRequest() (time.Time, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	var oldest time.Time
	found := false
	for _, record := range self.records {
		if !found || record.SubmittedAt.Before(oldest) {
			oldest = record.SubmittedAt
			found = true
		}
	}
	return oldest, found
}

// CloseAll resolves every outstanding record as failed with err. Used by
// Client.Close().
func (self *RequestManager) CloseAll(err error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	for _, record := range self.records {
		self.resolveLocked(record, FunctionResult{Success: false, Error: err.Error()})
	}
}
