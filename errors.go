package convex

import "fmt"

// Error kinds raised by the client. Callers that need to distinguish recoverable
// conditions from terminal ones should use errors.As against these types rather
// than string-matching Error().

// ProtocolError means the server sent a frame that violates the wire protocol
// (e.g. a Transition whose startVersion does not match the held timestamp).
// It is always fatal: the connection is torn down and the error is surfaced
// to every caller with an outstanding or subsequent request.
type ProtocolError struct {
	Reason string
}

func (self *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation: %s", self.Reason)
}

// AuthError wraps a server-reported authentication failure. It is recoverable
// by a token refresh; it only becomes fatal after one refresh cycle fails to
// change the outcome, at which point the auth manager reports onChange(false)
// and logs a FatalAuthError instead.
type AuthError struct {
	Reason string
}

func (self *AuthError) Error() string {
	return fmt.Sprintf("auth error: %s", self.Reason)
}

// FatalAuthError is logged once two consecutive AuthErrors occur without the
// fetched token changing between them; it is not returned to any caller.
type FatalAuthError struct {
	Reason string
}

func (self *FatalAuthError) Error() string {
	return fmt.Sprintf("fatal auth error: %s", self.Reason)
}

// TransportError means the request could not be completed because the
// connection dropped. Mutations survive this (they are replayed on
// reconnect); actions do not (see ErrActionDroppedOnReconnect).
type TransportError struct {
	Reason string
}

func (self *TransportError) Error() string {
	return fmt.Sprintf("transport error: %s", self.Reason)
}

// ErrActionDroppedOnReconnect is the distinct error kind resolved for any
// in-flight action that survives a disconnect. Open Question (b) in the
// spec's design notes is resolved this way: actions are not idempotent by
// contract, so replaying them silently would be wrong, but resolving them
// with the same generic TransportError as a mutation send failure would hide
// from the caller that the action specifically was dropped rather than
// merely delayed. See DESIGN.md. The caller of Client.Action receives an
// *ApplicationError whose Message is this error's text; the
// *ErrActionDroppedOnReconnect value itself is not returned, so errors.As
// does not match it.
type ErrActionDroppedOnReconnect struct {
	UdfPath string
}

func (self *ErrActionDroppedOnReconnect) Error() string {
	return fmt.Sprintf("action %q dropped on reconnect: actions are not replayed", self.UdfPath)
}

// ApplicationError is a mutation/action response with success=false. The
// connection is unaffected; only the caller's promise resolves failed.
type ApplicationError struct {
	UdfPath string
	Message string
}

func (self *ApplicationError) Error() string {
	return fmt.Sprintf("%s: %s", self.UdfPath, self.Message)
}

// FatalServerError wraps an explicit FatalError frame from the server.
type FatalServerError struct {
	Reason string
}

func (self *FatalServerError) Error() string {
	return fmt.Sprintf("fatal server error: %s", self.Reason)
}

// MisuseError is raised synchronously (never through a promise/callback) for
// programmer errors: an invalid URL, a missing socket capability, or a call
// into a client that has already been closed.
type MisuseError struct {
	Reason string
}

func (self *MisuseError) Error() string {
	return fmt.Sprintf("client misuse: %s", self.Reason)
}

// ErrClientClosed is returned/resolved for any call made after Close() has
// been invoked.
var ErrClientClosed = &MisuseError{Reason: "client is closed"}
