package convex

import (
	"encoding/json"
	"reflect"
	"sync"

	"golang.org/x/exp/maps"
)

// OptimisticLocalStore is the mutable handle an OptimisticUpdate function
// is invoked with. Writes only affect tokens currently subscribed (spec.md
// 4.5 step 2); writes to a token that is not currently subscribed are
// silently dropped, matching the source behavior of scoping optimistic
// effects to the live query view.
type OptimisticLocalStore struct {
	current      map[QueryToken]json.RawMessage
	isSubscribed func(QueryToken) bool
}

func (self *OptimisticLocalStore) SetQuery(udfPath string, args map[string]any, value any) {
	token := canonicalizeQueryToken(udfPath, args)
	if self.isSubscribed != nil && !self.isSubscribed(token) {
		return
	}
	b, err := json.Marshal(value)
	if err != nil {
		return
	}
	self.current[token] = b
}

func (self *OptimisticLocalStore) DeleteQuery(udfPath string, args map[string]any) {
	token := canonicalizeQueryToken(udfPath, args)
	if self.isSubscribed != nil && !self.isSubscribed(token) {
		return
	}
	delete(self.current, token)
}

func (self *OptimisticLocalStore) GetQuery(udfPath string, args map[string]any) (json.RawMessage, bool) {
	token := canonicalizeQueryToken(udfPath, args)
	v, ok := self.current[token]
	return v, ok
}

// OptimisticUpdate is a user-supplied function over a mutable local store,
// tagged with the request id that spawned it (Data Model).
type OptimisticUpdate func(store *OptimisticLocalStore)

type optimisticEntry struct {
	requestId RequestId
	update    OptimisticUpdate
}

// OptimisticOverlay is C5.
type OptimisticOverlay struct {
	mu           sync.Mutex
	authoritative map[QueryToken]json.RawMessage
	active       []*optimisticEntry
	lastEmitted  map[QueryToken]json.RawMessage
	isSubscribed func(QueryToken) bool
}

func NewOptimisticOverlay(isSubscribed func(QueryToken) bool) *OptimisticOverlay {
	return &OptimisticOverlay{
		authoritative: make(map[QueryToken]json.RawMessage),
		lastEmitted:   make(map[QueryToken]json.RawMessage),
		isSubscribed:  isSubscribed,
	}
}

// RefreshAuthoritative replaces the base map with the latest transition's
// token -> value mapping. Called by the orchestrator after every applied
// Transition, before Recompute.
func (self *OptimisticOverlay) RefreshAuthoritative(snapshot map[QueryToken]json.RawMessage) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.authoritative = snapshot
}

// AddOptimisticUpdate registers a new optimistic update, ordered after every
// update already active (submission order, spec.md 4.5 "Ordering").
func (self *OptimisticOverlay) AddOptimisticUpdate(requestId RequestId, update OptimisticUpdate) {
	if update == nil {
		return
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	self.active = append(self.active, &optimisticEntry{requestId: requestId, update: update})
}

// RemoveCompleted discards the optimistic updates spawned by the given
// request ids, ahead of the next Recompute.
func (self *OptimisticOverlay) RemoveCompleted(requestIds []RequestId) {
	if len(requestIds) == 0 {
		return
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	drop := make(map[RequestId]bool, len(requestIds))
	for _, id := range requestIds {
		drop[id] = true
	}
	kept := self.active[:0:0]
	for _, entry := range self.active {
		if !drop[entry.requestId] {
			kept = append(kept, entry)
		}
	}
	self.active = kept
}

// Recompute applies every still-active optimistic update, in submission
// order, over a copy of the authoritative map, then diffs the result
// against the previously emitted view and returns the changed tokens
// (spec.md 4.5 algorithm).
func (self *OptimisticOverlay) Recompute() []QueryToken {
	self.mu.Lock()
	base := maps.Clone(self.authoritative)
	active := make([]*optimisticEntry, len(self.active))
	copy(active, self.active)
	self.mu.Unlock()

	store := &OptimisticLocalStore{current: base, isSubscribed: self.isSubscribed}
	for _, entry := range active {
		update := entry.update
		handleError(func() { update(store) }, nil)
	}

	self.mu.Lock()
	defer self.mu.Unlock()

	changed := []QueryToken{}
	seen := make(map[QueryToken]bool, len(store.current)+len(self.lastEmitted))
	for token, value := range store.current {
		seen[token] = true
		if prev, ok := self.lastEmitted[token]; !ok || !jsonEqual(prev, value) {
			changed = append(changed, token)
		}
	}
	for token := range self.lastEmitted {
		if !seen[token] {
			changed = append(changed, token)
		}
	}

	self.lastEmitted = store.current
	return changed
}

// LocalResult returns the current effective (post-overlay) value for a
// token, matching localQueryResult's contract.
func (self *OptimisticOverlay) LocalResult(token QueryToken) (json.RawMessage, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	v, ok := self.lastEmitted[token]
	return v, ok
}

func jsonEqual(a, b json.RawMessage) bool {
	if string(a) == string(b) {
		return true
	}
	var av, bv any
	if json.Unmarshal(a, &av) != nil {
		return false
	}
	if json.Unmarshal(b, &bv) != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}
