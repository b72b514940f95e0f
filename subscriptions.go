package convex

import (
	"sync"

	"golang.org/x/exp/maps"
)

// subscriptionRecord is the Data Model's "Query subscription": keyed by
// QueryToken, it has a query id assigned on first subscribe, a reference
// count of active subscribers sharing the token, and an optional journal.
// The last known result is not kept here; RemoteQuerySet holds it by query
// id.
type subscriptionRecord struct {
	QueryId  QueryId
	UdfPath  string
	Args     map[string]any
	RefCount int
	Journal  *string
}

// Unsubscribe is returned from Subscribe; calling it decrements the
// subscription's reference count.
type Unsubscribe func()

// SubscribeResult is returned from LocalSubscriptions.Subscribe.
type SubscribeResult struct {
	QueryToken   QueryToken
	Modification *QuerySetModification // nil if membership did not change
	Unsubscribe  Unsubscribe
}

// LocalSubscriptions is C2: the token -> subscription table.
type LocalSubscriptions struct {
	mu    sync.Mutex
	ids   *idAllocator
	byTok map[QueryToken]*subscriptionRecord
	idTok map[QueryId]QueryToken

	auth *authRecord
}

type authRecord struct {
	tokenType     string // "User" | "Admin" | "None"
	value         string
	impersonating *string
	set           bool
}

func NewLocalSubscriptions() *LocalSubscriptions {
	return &LocalSubscriptions{
		ids:   newIdAllocator(),
		byTok: make(map[QueryToken]*subscriptionRecord),
		idTok: make(map[QueryId]QueryToken),
		auth:  &authRecord{},
	}
}

// Subscribe interns the token for (udfPath, args). If this is the first
// subscriber, a new query id is allocated and an Add modification is
// returned; otherwise the reference count is bumped and no frame is
// needed. journal, if supplied, seeds a resubscribe's continuation point.
func (self *LocalSubscriptions) Subscribe(udfPath string, args map[string]any, journal *string) SubscribeResult {
	self.mu.Lock()
	defer self.mu.Unlock()

	token := canonicalizeQueryToken(udfPath, args)
	record, exists := self.byTok[token]
	if !exists {
		queryId := QueryId(self.ids.allocate())
		record = &subscriptionRecord{
			QueryId: queryId,
			UdfPath: udfPath,
			Args:    args,
			Journal: journal,
		}
		self.byTok[token] = record
		self.idTok[queryId] = token
	}
	record.RefCount += 1

	var mod *QuerySetModification
	if !exists {
		m := addModification(record.QueryId, udfPath, args, record.Journal)
		mod = &m
	}

	queryId := record.QueryId
	unsub := Unsubscribe(func() {
		self.mu.Lock()
		defer self.mu.Unlock()
		self.unsubscribeLocked(token, queryId)
	})

	return SubscribeResult{QueryToken: token, Modification: mod, Unsubscribe: unsub}
}

// unsubscribeLocked decrements the reference count and, if it reaches
// zero, evicts the record entirely so a later resubscribe allocates a
// fresh query id (Data Model invariant: ids are never reused).
func (self *LocalSubscriptions) unsubscribeLocked(token QueryToken, queryId QueryId) *QuerySetModification {
	record, ok := self.byTok[token]
	if !ok || record.QueryId != queryId {
		return nil
	}
	record.RefCount -= 1
	if record.RefCount > 0 {
		return nil
	}
	delete(self.byTok, token)
	delete(self.idTok, queryId)
	m := removeModification(queryId)
	return &m
}

// SaveQueryJournals records any server-supplied journals from a Transition
// for use on future resubscribes/restarts.
func (self *LocalSubscriptions) SaveQueryJournals(frame *TransitionFrame) {
	self.mu.Lock()
	defer self.mu.Unlock()
	for _, mod := range frame.Modifications {
		if mod.Type != "QueryUpdated" || mod.Journal == nil {
			continue
		}
		if token, ok := self.idTok[mod.QueryId]; ok {
			self.byTok[token].Journal = mod.Journal
		}
	}
}

// Restart emits frames to rebuild the full subscription set and re-present
// current auth, used after reconnect (spec.md 4.2).
func (self *LocalSubscriptions) Restart(base, next Version) (*ModifyQuerySetFrame, *AuthenticateFrame) {
	self.mu.Lock()
	defer self.mu.Unlock()

	mods := make([]QuerySetModification, 0, len(self.byTok))
	for _, record := range maps.Values(self.byTok) {
		mods = append(mods, addModification(record.QueryId, record.UdfPath, record.Args, record.Journal))
	}
	querySetFrame := newModifyQuerySetFrame(base, next, mods)

	var authFrame *AuthenticateFrame
	if self.auth.set {
		authFrame = newAuthenticateFrame(self.auth.tokenType, self.auth.value, self.auth.impersonating)
	}
	return querySetFrame, authFrame
}

func (self *LocalSubscriptions) QueryPath(id QueryId) (string, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	token, ok := self.idTok[id]
	if !ok {
		return "", false
	}
	return self.byTok[token].UdfPath, true
}

func (self *LocalSubscriptions) QueryArgs(id QueryId) (map[string]any, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	token, ok := self.idTok[id]
	if !ok {
		return nil, false
	}
	return self.byTok[token].Args, true
}

// QueryToken returns the interned token for a live query id, or false if
// the query has since been unsubscribed locally (the orchestrator's
// refreshOverlayLocked uses this to filter C3's results for queries it no
// longer cares about).
func (self *LocalSubscriptions) QueryToken(id QueryId) (QueryToken, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	token, ok := self.idTok[id]
	return token, ok
}

// HasToken reports whether a token currently has at least one active
// subscriber. Used by the optimistic overlay to scope writes to live
// queries (spec.md 4.5 step 2).
func (self *LocalSubscriptions) HasToken(token QueryToken) bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	_, ok := self.byTok[token]
	return ok
}

func (self *LocalSubscriptions) QueryJournal(token QueryToken) (*string, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	record, ok := self.byTok[token]
	if !ok {
		return nil, false
	}
	return record.Journal, true
}

func (self *LocalSubscriptions) SetAuth(value string) *AuthenticateFrame {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.auth.tokenType = "User"
	self.auth.value = value
	self.auth.impersonating = nil
	self.auth.set = true
	return newAuthenticateFrame("User", value, nil)
}

func (self *LocalSubscriptions) SetAdminAuth(value string, fakeIdentity *string) *AuthenticateFrame {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.auth.tokenType = "Admin"
	self.auth.value = value
	self.auth.impersonating = fakeIdentity
	self.auth.set = true
	return newAuthenticateFrame("Admin", value, fakeIdentity)
}

func (self *LocalSubscriptions) ClearAuth() *AuthenticateFrame {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.auth.set = false
	self.auth.value = ""
	self.auth.impersonating = nil
	return newClearAuthFrame()
}
