package convex

import (
	"encoding/json"
	"fmt"
)

// LogicalTimestamp is the server's total-ordered logical clock. The remote
// query set's timestamp is non-decreasing across transitions within one
// logical connection (Data Model invariant).
type LogicalTimestamp int64

// Version pairs a logical timestamp the way Transition/ModifyQuerySet frames
// carry it on the wire.
type Version struct {
	Ts LogicalTimestamp `json:"ts"`
}

// ---- Outbound frames (section 6) ----
//
// Every outbound frame carries its own "type" discriminator matching the
// wire shapes in spec.md section 6 so a single json.Marshal on the
// concrete struct produces the frame the server expects; there is no
// separate envelope step the way the teacher's protobuf Frame wrapper
// requires (frame.go's ToFrame), because JSON frames here are
// self-describing.

type ConnectFrame struct {
	Type               string            `json:"type"`
	SessionId          SessionId         `json:"sessionId"`
	ConnectionCount    int               `json:"connectionCount"`
	LastCloseReason    string            `json:"lastCloseReason,omitempty"`
	MaxObservedTimestamp *LogicalTimestamp `json:"maxObservedTimestamp,omitempty"`
}

func newConnectFrame(sessionId SessionId, connectionCount int, lastCloseReason string, maxObserved *LogicalTimestamp) *ConnectFrame {
	return &ConnectFrame{
		Type:                 "Connect",
		SessionId:            sessionId,
		ConnectionCount:      connectionCount,
		LastCloseReason:      lastCloseReason,
		MaxObservedTimestamp: maxObserved,
	}
}

// QuerySetModification is the tagged sum of a single query set delta. Only
// one of Add* / Remove fields is meaningful, selected by Type, mirroring
// the wire shape `{type:"Add",...} | {type:"Remove",...}`.
type QuerySetModification struct {
	Type    string  `json:"type"`
	QueryId QueryId `json:"queryId"`

	// Add-only fields.
	UdfPath string         `json:"udfPath,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
	Journal *string        `json:"journal,omitempty"`
}

func addModification(queryId QueryId, udfPath string, args map[string]any, journal *string) QuerySetModification {
	return QuerySetModification{Type: "Add", QueryId: queryId, UdfPath: udfPath, Args: args, Journal: journal}
}

func removeModification(queryId QueryId) QuerySetModification {
	return QuerySetModification{Type: "Remove", QueryId: queryId}
}

type ModifyQuerySetFrame struct {
	Type          string                 `json:"type"`
	BaseVersion   Version                `json:"baseVersion"`
	NewVersion    Version                `json:"newVersion"`
	Modifications []QuerySetModification `json:"modifications"`
}

func newModifyQuerySetFrame(base, next Version, mods []QuerySetModification) *ModifyQuerySetFrame {
	return &ModifyQuerySetFrame{Type: "ModifyQuerySet", BaseVersion: base, NewVersion: next, Modifications: mods}
}

type MutationFrame struct {
	Type      string         `json:"type"`
	RequestId RequestId      `json:"requestId"`
	UdfPath   string         `json:"udfPath"`
	Args      map[string]any `json:"args"`
}

func newMutationFrame(requestId RequestId, udfPath string, args map[string]any) *MutationFrame {
	return &MutationFrame{Type: "Mutation", RequestId: requestId, UdfPath: udfPath, Args: args}
}

type ActionFrame struct {
	Type      string         `json:"type"`
	RequestId RequestId      `json:"requestId"`
	UdfPath   string         `json:"udfPath"`
	Args      map[string]any `json:"args"`
}

func newActionFrame(requestId RequestId, udfPath string, args map[string]any) *ActionFrame {
	return &ActionFrame{Type: "Action", RequestId: requestId, UdfPath: udfPath, Args: args}
}

type AuthenticateFrame struct {
	Type          string  `json:"type"`
	TokenType     string  `json:"tokenType"` // "User" | "Admin" | "None"
	Value         string  `json:"value,omitempty"`
	Impersonating *string `json:"impersonating,omitempty"`
}

func newAuthenticateFrame(tokenType, value string, impersonating *string) *AuthenticateFrame {
	return &AuthenticateFrame{Type: "Authenticate", TokenType: tokenType, Value: value, Impersonating: impersonating}
}

func newClearAuthFrame() *AuthenticateFrame {
	return &AuthenticateFrame{Type: "Authenticate", TokenType: "None"}
}

type EventFrame struct {
	Type      string `json:"type"`
	EventType string `json:"eventType"`
	Event     any    `json:"event"`
}

func newEventFrame(eventType string, event any) *EventFrame {
	return &EventFrame{Type: "Event", EventType: eventType, Event: event}
}

// outboundFrame is implemented by every outbound frame struct; it exists
// only to give sendMessage a single parameter type to marshal.
type outboundFrame interface {
	frameType() string
}

func (f *ConnectFrame) frameType() string       { return f.Type }
func (f *ModifyQuerySetFrame) frameType() string { return f.Type }
func (f *MutationFrame) frameType() string      { return f.Type }
func (f *ActionFrame) frameType() string        { return f.Type }
func (f *AuthenticateFrame) frameType() string  { return f.Type }
func (f *EventFrame) frameType() string         { return f.Type }

func encodeOutboundFrame(f outboundFrame) ([]byte, error) {
	return json.Marshal(f)
}

// ---- Inbound frames (section 6) ----

// TransitionModification is the tagged sum of a single per-query delta
// inside a Transition.
type TransitionModification struct {
	Type         string          `json:"type"`
	QueryId      QueryId         `json:"queryId"`
	Value        json.RawMessage `json:"value,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	LogLines     []string        `json:"logLines,omitempty"`
	Journal      *string         `json:"journal,omitempty"`
}

type TransitionFrame struct {
	Type          string                    `json:"type"`
	StartVersion  Version                   `json:"startVersion"`
	EndVersion    Version                   `json:"endVersion"`
	Modifications []TransitionModification  `json:"modifications"`
}

type MutationResponseFrame struct {
	Type         string           `json:"type"`
	RequestId    RequestId        `json:"requestId"`
	Success      bool             `json:"success"`
	Result       json.RawMessage  `json:"result,omitempty"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
	Ts           *LogicalTimestamp `json:"ts,omitempty"`
	LogLines     []string         `json:"logLines,omitempty"`
}

type ActionResponseFrame struct {
	Type         string          `json:"type"`
	RequestId    RequestId       `json:"requestId"`
	Success      bool            `json:"success"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	LogLines     []string        `json:"logLines,omitempty"`
}

type AuthErrorFrame struct {
	Type                string  `json:"type"`
	BaseVersion         Version `json:"baseVersion"`
	Error               string  `json:"error"`
	AuthUpdateAttempted bool    `json:"authUpdateAttempted"`
}

type FatalErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type PingFrame struct {
	Type string `json:"type"`
}

// inboundKind is the minimal shape used to read the discriminator before
// dispatching to the concrete frame type. This is the JSON analogue of the
// teacher's FromFrame(protocol.Frame) switch in frame.go.
type inboundKind struct {
	Type string `json:"type"`
}

// decodeInboundFrame is the exhaustive dispatcher design note in action: it
// is a single switch over every known inbound kind, and any unrecognized
// kind is itself a protocol violation (an unknown frame that must not be
// silently ignored) rather than a default no-op.
func decodeInboundFrame(raw []byte) (any, error) {
	var kind inboundKind
	if err := json.Unmarshal(raw, &kind); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("malformed frame: %s", err)}
	}
	switch kind.Type {
	case "Transition":
		f := &TransitionFrame{}
		if err := json.Unmarshal(raw, f); err != nil {
			return nil, &ProtocolError{Reason: fmt.Sprintf("malformed Transition: %s", err)}
		}
		return f, nil
	case "MutationResponse":
		f := &MutationResponseFrame{}
		if err := json.Unmarshal(raw, f); err != nil {
			return nil, &ProtocolError{Reason: fmt.Sprintf("malformed MutationResponse: %s", err)}
		}
		return f, nil
	case "ActionResponse":
		f := &ActionResponseFrame{}
		if err := json.Unmarshal(raw, f); err != nil {
			return nil, &ProtocolError{Reason: fmt.Sprintf("malformed ActionResponse: %s", err)}
		}
		return f, nil
	case "AuthError":
		f := &AuthErrorFrame{}
		if err := json.Unmarshal(raw, f); err != nil {
			return nil, &ProtocolError{Reason: fmt.Sprintf("malformed AuthError: %s", err)}
		}
		return f, nil
	case "FatalError":
		f := &FatalErrorFrame{}
		if err := json.Unmarshal(raw, f); err != nil {
			return nil, &ProtocolError{Reason: fmt.Sprintf("malformed FatalError: %s", err)}
		}
		return f, nil
	case "Ping":
		return &PingFrame{Type: "Ping"}, nil
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown inbound frame type %q", kind.Type)}
	}
}
