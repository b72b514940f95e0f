package convex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

// apiVersion is fixed for the lifetime of this client; the spec leaves
// version negotiation unspecified beyond the path shape.
const apiVersion = "1.0"

// longDisconnectThreshold gates the best-effort "LongDisconnect" telemetry
// ping enabled by ClientOptions.ReportDebugInfoToConvex (spec.md 6):
// reconnects faster than this are routine backoff churn, not worth a wire
// round trip to report.
const longDisconnectThreshold = 10 * time.Second

// ClientOptions are the enumerated options from spec.md section 6.
type ClientOptions struct {
	SocketFactory           SocketFactory
	TransportSettings       *TransportSettings
	Verbose                 bool
	ReportDebugInfoToConvex bool
	// UnsavedChangesWarning is meaningful only in a browser-like host that
	// exposes a page-unload hook. This module has no such host; leaving it
	// true is therefore a client-misuse error rather than a silent no-op
	// (spec.md section 6 "forbidden elsewhere").
	UnsavedChangesWarning bool
}

func DefaultClientOptions() *ClientOptions {
	return &ClientOptions{
		SocketFactory: NewDefaultSocketFactory(),
	}
}

// deriveWebSocketURL resolves Open Question (a) from spec.md's Design
// Notes: the scheme maps http->ws and https->wss, and the path is always
// suffixed with /api/<version>/sync regardless of any existing path
// component (proxies are expected to mount the whole prefix, not rewrite
// it), matching the teacher's policy of a single fixed platform URL shape
// (transport.go's platformUrl is used as-is, never guessed at per-proxy).
func deriveWebSocketURL(address string) (string, error) {
	u, err := url.Parse(address)
	if err != nil {
		return "", &MisuseError{Reason: fmt.Sprintf("invalid url %q: %s", address, err)}
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already a websocket URL; accepted as-is, mainly for tests.
	default:
		return "", &MisuseError{Reason: fmt.Sprintf("unsupported scheme %q, expected http or https", u.Scheme)}
	}
	if u.Host == "" {
		return "", &MisuseError{Reason: fmt.Sprintf("url %q has no host", address)}
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/" + apiVersion + "/sync"
	return u.String(), nil
}

// OnTransitionFunc receives the set of query tokens whose effective value
// changed as of the latest recompute.
type OnTransitionFunc func(changed []QueryToken)

// Client is the Orchestrator: it wires C1-C6, owns the session id, forwards
// inbound frames to the right component, and emits the single outbound
// change callback.
type Client struct {
	sessionId SessionId
	options   *ClientOptions

	ctx    context.Context
	cancel context.CancelFunc

	transport *Transport
	subs      *LocalSubscriptions
	queryset  *RemoteQuerySet
	requests  *RequestManager
	overlay   *OptimisticOverlay

	onTransition OnTransitionFunc

	// mu is the single logical executor: it serializes inbound frame
	// dispatch against outbound user calls, matching the non-reentrant
	// delivery model in spec.md section 5.
	mu         sync.Mutex
	authMgr    *AuthManager
	closed     bool
	closeOnce  sync.Once
	doneCh     chan struct{}
	fatalErr   error
	maxObserved *LogicalTimestamp
}

// NewClient constructs and immediately starts connecting. onTransition is
// invoked (never reentrantly, never before NewClient returns) whenever the
// effective query view changes.
func NewClient(address string, onTransition OnTransitionFunc, options *ClientOptions) (*Client, error) {
	if options == nil {
		options = DefaultClientOptions()
	}
	if options.SocketFactory == nil {
		return nil, &MisuseError{Reason: "ClientOptions.SocketFactory is required"}
	}
	if options.UnsavedChangesWarning {
		return nil, &MisuseError{Reason: "UnsavedChangesWarning requires a browser-like host page-unload hook, unavailable here"}
	}
	wsURL, err := deriveWebSocketURL(address)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		sessionId: NewSessionId(),
		options:   options,
		ctx:       ctx,
		cancel:    cancel,
		subs:      NewLocalSubscriptions(),
		queryset:  NewRemoteQuerySet(),
		requests:  NewRequestManager(),
		doneCh:    make(chan struct{}),
	}
	client.overlay = NewOptimisticOverlay(client.isSubscribed)
	client.onTransition = onTransition

	client.transport = NewTransport(ctx, wsURL, options.SocketFactory, client.onOpen, client.onFrame, options.TransportSettings)

	if options.ReportDebugInfoToConvex {
		PerfMarkCollector().record(client.sessionId, "client_constructed")
	}

	return client, nil
}

func (self *Client) isSubscribed(token QueryToken) bool {
	return self.subs.HasToken(token)
}

func (self *Client) sendFrame(frame outboundFrame) bool {
	b, err := encodeOutboundFrame(frame)
	if err != nil {
		glog.Warningf("[convex] failed to encode outbound frame: %s", err)
		return false
	}
	logVerbose(self.options.Verbose, "[convex] send %s", frame.frameType())
	return self.transport.SendMessage(b)
}

// onOpen is the Transport's open-hook: restores the subscription set, auth,
// and replays unresolved mutations, in that order, before any frame the
// transport buffered while paused is allowed to flush (the transport itself
// guarantees the open-hook runs before any flush; frames sent while it is
// not open are refused, not buffered).
func (self *Client) onOpen(meta ReconnectMetadata) {
	self.mu.Lock()
	defer self.mu.Unlock()

	logVerbose(self.options.Verbose, "[convex] connected (count=%d lastClose=%q disconnectedFor=%s)",
		meta.ConnectionCount, meta.LastCloseReason, meta.DisconnectedFor)

	connectFrame := newConnectFrame(self.sessionId, meta.ConnectionCount, meta.LastCloseReason, self.maxObserved)
	self.sendFrame(connectFrame)

	if self.options.ReportDebugInfoToConvex {
		PerfMarkCollector().record(self.sessionId, "reconnected")
		if meta.DisconnectedFor >= longDisconnectThreshold {
			self.sendFrame(newEventFrame("LongDisconnect", map[string]any{
				"disconnectedForMillis": meta.DisconnectedFor.Milliseconds(),
				"connectionCount":       meta.ConnectionCount,
			}))
		}
	}

	var base, next Version
	if ts, ok := self.queryset.Timestamp(); ok {
		base = Version{Ts: ts}
		next = Version{Ts: ts}
	}
	querySetFrame, authFrame := self.subs.Restart(base, next)
	if len(querySetFrame.Modifications) > 0 {
		self.sendFrame(querySetFrame)
	}
	if authFrame != nil {
		self.sendFrame(authFrame)
	}

	for _, record := range self.requests.Restart() {
		var sent bool
		switch record.Kind {
		case RequestKindMutation:
			sent = self.sendFrame(newMutationFrame(record.Id, record.UdfPath, record.Args))
		case RequestKindAction:
			// Restart() already resolved actions failed and dropped them;
			// nothing returned for them, but keep the switch exhaustive.
			continue
		}
		self.requests.MarkSent(record.Id, sent)
	}
}

// onFrame is the Transport's inbound-frame hook: decode, then dispatch
// through the exhaustive switch below (design note: "the dispatcher must
// be exhaustive").
func (self *Client) onFrame(raw []byte) {
	message, err := decodeInboundFrame(raw)
	if err != nil {
		self.failFatal(err)
		return
	}

	self.mu.Lock()
	defer self.mu.Unlock()
	if self.closed {
		return
	}

	logVerbose(self.options.Verbose, "[convex] recv %T", message)

	switch frame := message.(type) {
	case *TransitionFrame:
		self.handleTransitionLocked(frame)
	case *MutationResponseFrame:
		self.handleMutationResponseLocked(frame)
	case *ActionResponseFrame:
		self.handleActionResponseLocked(frame)
	case *AuthErrorFrame:
		if self.authMgr != nil {
			self.authMgr.OnAuthError(frame)
		}
	case *FatalErrorFrame:
		go self.failFatal(&FatalServerError{Reason: frame.Error})
	case *PingFrame:
		// liveness only.
	default:
		go self.failFatal(&ProtocolError{Reason: fmt.Sprintf("unhandled inbound frame %T", frame)})
	}
}

func (self *Client) handleTransitionLocked(frame *TransitionFrame) {
	if err := self.queryset.ApplyTransition(frame); err != nil {
		go self.failFatal(err)
		return
	}
	self.subs.SaveQueryJournals(frame)

	ts, _ := self.queryset.Timestamp()
	self.maxObserved = &ts

	// Drain finds the mutations whose held results are now covered by this
	// transition, but must not resolve them yet: the optimistic update has
	// to drop out of the overlay and onTransition has to fire for this
	// transition's effects before any blocked Mutation() caller is woken,
	// or the caller could return before (or concurrently with) the
	// callback reporting the same change (spec.md 4.4, 5).
	drained := self.requests.DrainCompleted(ts)
	drainedIds := make([]RequestId, len(drained))
	for i, record := range drained {
		drainedIds[i] = record.Id
	}
	self.overlay.RemoveCompleted(drainedIds)
	self.refreshOverlayLocked()

	changed := self.overlay.Recompute()

	if self.authMgr != nil {
		self.authMgr.OnTransition()
	}

	if len(changed) > 0 && self.onTransition != nil {
		cb := self.onTransition
		handleError(func() { cb(changed) }, nil)
	}

	self.requests.ResolveDrained(drained)
}

// refreshOverlayLocked rebuilds the token -> value authoritative map the
// overlay bases its recompute on, from the remote query set's id-keyed
// snapshot. Queries that failed or are no longer locally subscribed are
// omitted, so LocalQueryResult reports them as absent rather than stale.
func (self *Client) refreshOverlayLocked() {
	snapshot := self.queryset.Snapshot()
	byToken := make(map[QueryToken]json.RawMessage, len(snapshot))
	for id, result := range snapshot {
		if !result.Success {
			continue
		}
		token, ok := self.subs.QueryToken(id)
		if !ok {
			continue
		}
		byToken[token] = result.Value
	}
	self.overlay.RefreshAuthoritative(byToken)
}

func (self *Client) handleMutationResponseLocked(frame *MutationResponseFrame) {
	requestId, ok := self.requests.OnMutationResponse(frame)
	if !ok {
		return
	}
	if !frame.Success {
		self.overlay.RemoveCompleted([]RequestId{requestId})
		changed := self.overlay.Recompute()
		if len(changed) > 0 && self.onTransition != nil {
			cb := self.onTransition
			handleError(func() { cb(changed) }, nil)
		}
	}
}

func (self *Client) handleActionResponseLocked(frame *ActionResponseFrame) {
	self.requests.OnActionResponse(frame)
}

// failFatal tears down the connection and fails every outstanding request;
// subsequent calls into the client observe fatalErr.
func (self *Client) failFatal(err error) {
	self.mu.Lock()
	if self.fatalErr == nil {
		self.fatalErr = err
	}
	closed := self.closed
	self.mu.Unlock()

	if closed {
		return
	}
	glog.Warningf("[convex] fatal: %s", err)
	self.requests.CloseAll(err)
	go self.transport.Stop()
}

// Subscribe interns a subscription for (name, args) and returns its query
// token and an unsubscribe function.
func (self *Client) Subscribe(name string, args map[string]any, journal *string) (QueryToken, Unsubscribe, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.closed {
		return "", nil, ErrClientClosed
	}
	if self.fatalErr != nil {
		return "", nil, self.fatalErr
	}

	result := self.subs.Subscribe(name, args, journal)
	if result.Modification != nil {
		var base, next Version
		if ts, ok := self.queryset.Timestamp(); ok {
			base = Version{Ts: ts}
			next = Version{Ts: ts}
		}
		self.sendFrame(newModifyQuerySetFrame(base, next, []QuerySetModification{*result.Modification}))
	}
	return result.QueryToken, result.Unsubscribe, nil
}

// Mutation submits a mutation and blocks until its effects are visible in
// the query view (or it fails, or the client closes). optimisticUpdate, if
// non-nil, is applied immediately so the caller's own next read reflects
// the pending change.
func (self *Client) Mutation(name string, args map[string]any, optimisticUpdate OptimisticUpdate) (json.RawMessage, error) {
	self.mu.Lock()
	if self.closed {
		self.mu.Unlock()
		return nil, ErrClientClosed
	}
	if self.fatalErr != nil {
		self.mu.Unlock()
		return nil, self.fatalErr
	}

	requestId, resultCh := self.requests.Request(RequestKindMutation, name, args, false)
	sent := self.sendFrame(newMutationFrame(requestId, name, args))
	self.requests.MarkSent(requestId, sent)

	if optimisticUpdate != nil {
		self.overlay.AddOptimisticUpdate(requestId, optimisticUpdate)
		changed := self.overlay.Recompute()
		if len(changed) > 0 && self.onTransition != nil {
			cb := self.onTransition
			handleError(func() { cb(changed) }, nil)
		}
	}
	self.mu.Unlock()

	select {
	case result := <-resultCh:
		if !result.Success {
			return nil, &ApplicationError{UdfPath: name, Message: result.Error}
		}
		return result.Value, nil
	case <-self.doneCh:
		return nil, ErrClientClosed
	}
}

// Action submits a side-effecting RPC independent of the query view.
func (self *Client) Action(name string, args map[string]any) (json.RawMessage, error) {
	self.mu.Lock()
	if self.closed {
		self.mu.Unlock()
		return nil, ErrClientClosed
	}
	if self.fatalErr != nil {
		self.mu.Unlock()
		return nil, self.fatalErr
	}
	requestId, resultCh := self.requests.Request(RequestKindAction, name, args, false)
	sent := self.sendFrame(newActionFrame(requestId, name, args))
	self.requests.MarkSent(requestId, sent)
	self.mu.Unlock()

	select {
	case result := <-resultCh:
		if !result.Success {
			return nil, &ApplicationError{UdfPath: name, Message: result.Error}
		}
		return result.Value, nil
	case <-self.doneCh:
		return nil, ErrClientClosed
	}
}

// LocalQueryResult returns the current effective (post-overlay) value for
// (path, args), or ok=false if nothing is known yet.
func (self *Client) LocalQueryResult(path string, args map[string]any) (json.RawMessage, bool) {
	token := canonicalizeQueryToken(path, args)
	return self.overlay.LocalResult(token)
}

// QueryJournal returns the last server-supplied journal for (path, args),
// if any.
func (self *Client) QueryJournal(path string, args map[string]any) (*string, bool) {
	token := canonicalizeQueryToken(path, args)
	return self.subs.QueryJournal(token)
}

// SetAuth installs a token fetcher and starts the auth manager; onChange
// reports authenticated/unauthenticated transitions.
func (self *Client) SetAuth(fetcher TokenFetcher, onChange func(authenticated bool)) {
	self.mu.Lock()
	if self.authMgr != nil {
		self.authMgr.Close()
	}
	authMgr := NewAuthManager(
		self.ctx,
		fetcher,
		onChange,
		self.transport.Pause,
		self.transport.Resume,
		self.sendFrame,
		self.subs.SetAuth,
		self.subs.ClearAuth,
	)
	self.authMgr = authMgr
	self.mu.Unlock()

	authMgr.Start()
}

// SetAdminAuth installs an admin identity directly, optionally impersonating
// fakeIdentity. Admin tokens come from trusted deploy tooling rather than a
// user-facing login flow, so unlike SetAuth this has no refresh/rotation
// lifecycle: it pauses the transport, presents the credential once, and
// resumes (spec.md 4.2's setAdminAuth).
func (self *Client) SetAdminAuth(value string, fakeIdentity *string) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.authMgr != nil {
		self.authMgr.Close()
		self.authMgr = nil
	}
	self.transport.Pause()
	self.sendFrame(self.subs.SetAdminAuth(value, fakeIdentity))
	self.transport.Resume()
}

// ClearAuth tears down the auth manager and tells the server to drop the
// current identity.
func (self *Client) ClearAuth() {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.authMgr != nil {
		self.authMgr.Close()
		self.authMgr = nil
	}
	self.sendFrame(self.subs.ClearAuth())
}

func (self *Client) ConnectionState() SocketState {
	return self.transport.SocketState()
}

// Close resolves every in-flight request as failed with a terminal error,
// then suspends until the socket stops.
func (self *Client) Close() error {
	self.closeOnce.Do(func() {
		self.mu.Lock()
		self.closed = true
		if self.fatalErr == nil {
			self.fatalErr = ErrClientClosed
		}
		authMgr := self.authMgr
		self.mu.Unlock()
		close(self.doneCh)

		if authMgr != nil {
			authMgr.Close()
		}
		self.requests.CloseAll(ErrClientClosed)
		self.cancel()
		self.transport.Stop()
	})
	return nil
}
