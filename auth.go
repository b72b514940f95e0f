package convex

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// TokenFetcher returns a fresh token, or ok=false if none is available
// (anonymous). forceRefresh is true when called from an error-recovery or
// proactive-refresh path, so a fetcher backed by a cache can bypass it.
type TokenFetcher func(ctx context.Context, forceRefresh bool) (token string, expiresAt *time.Time, ok bool)

type authPhase int

const (
	authIdle authPhase = iota
	authPendingConfirm
	authConfirmed
	authFailed
)

// refreshMargin is how far ahead of a known expiry the proactive refresh
// fires.
const refreshMargin = 30 * time.Second

// AuthManager is C6.
type AuthManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	fetcher  TokenFetcher
	onChange func(authenticated bool)

	pause    func()
	resume   func()
	send     func(frame outboundFrame) bool
	setAuth  func(token string) *AuthenticateFrame
	clearAuth func() *AuthenticateFrame

	mu                sync.Mutex
	phase             authPhase
	currentToken      string
	lastErrorToken    string
	hasLastErrorToken bool
	refreshTimer      *time.Timer
	closed            bool
}

func NewAuthManager(
	ctx context.Context,
	fetcher TokenFetcher,
	onChange func(authenticated bool),
	pause func(),
	resume func(),
	send func(frame outboundFrame) bool,
	setAuth func(token string) *AuthenticateFrame,
	clearAuth func() *AuthenticateFrame,
) *AuthManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &AuthManager{
		ctx:       cancelCtx,
		cancel:    cancel,
		fetcher:   fetcher,
		onChange:  onChange,
		pause:     pause,
		resume:    resume,
		send:      send,
		setAuth:   setAuth,
		clearAuth: clearAuth,
		phase:     authIdle,
	}
}

// Start kicks off the initial fetch, asynchronously.
func (self *AuthManager) Start() {
	go self.fetchAndApply(false)
}

func (self *AuthManager) fetchAndApply(forceRefresh bool) {
	var token string
	var expiresAt *time.Time
	ok := false
	handleError(func() { token, expiresAt, ok = self.fetcher(self.ctx, forceRefresh) }, nil)
	if !ok {
		return
	}
	self.rotate(token, expiresAt)
}

// rotate pauses the transport, sends the new auth frame, and resumes, so a
// rotation never interleaves with in-flight server traffic signed under the
// old identity (spec.md 4.6).
func (self *AuthManager) rotate(token string, expiresAt *time.Time) {
	self.mu.Lock()
	if self.closed {
		self.mu.Unlock()
		return
	}
	self.currentToken = token
	self.phase = authPendingConfirm
	self.mu.Unlock()

	self.pause()
	frame := self.setAuth(token)
	self.send(frame)
	self.resume()

	if expiresAt != nil {
		self.scheduleRefresh(*expiresAt)
	}
}

func (self *AuthManager) scheduleRefresh(expiresAt time.Time) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.closed {
		return
	}
	if self.refreshTimer != nil {
		self.refreshTimer.Stop()
	}
	delay := time.Until(expiresAt.Add(-refreshMargin))
	if delay < 0 {
		delay = 0
	}
	self.refreshTimer = time.AfterFunc(delay, func() {
		go self.fetchAndApply(true)
	})
}

// OnAuthError handles a server AuthError frame. The first error for a given
// token triggers a refetch; if the second error arrives with the same
// token as the one that just failed, the token fetcher is not producing a
// usable credential and the failure is permanent.
func (self *AuthManager) OnAuthError(frame *AuthErrorFrame) {
	self.mu.Lock()
	sameAsBefore := self.hasLastErrorToken && self.lastErrorToken == self.currentToken
	self.lastErrorToken = self.currentToken
	self.hasLastErrorToken = true
	self.mu.Unlock()

	if sameAsBefore {
		self.mu.Lock()
		self.phase = authFailed
		self.mu.Unlock()

		self.pause()
		self.send(self.clearAuth())
		self.resume()

		glog.Warningf("[convex] %s", (&FatalAuthError{Reason: frame.Error}).Error())
		handleError(func() { self.onChange(false) }, nil)
		return
	}

	glog.V(2).Infof("[convex] %s, refreshing token", (&AuthError{Reason: frame.Error}).Error())
	go self.fetchAndApply(true)
}

// OnTransition observes that a transition arrived after a pending auth
// change and, if so, promotes it to confirmed.
func (self *AuthManager) OnTransition() {
	self.mu.Lock()
	promote := self.phase == authPendingConfirm
	if promote {
		self.phase = authConfirmed
	}
	self.mu.Unlock()

	if promote {
		handleError(func() { self.onChange(true) }, nil)
	}
}

func (self *AuthManager) Close() {
	self.mu.Lock()
	self.closed = true
	if self.refreshTimer != nil {
		self.refreshTimer.Stop()
	}
	self.mu.Unlock()
	self.cancel()
}
