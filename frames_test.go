package convex

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestEncodeConnectFrame(t *testing.T) {
	ts := LogicalTimestamp(42)
	frame := newConnectFrame("sess-1", 3, "normal closure", &ts)
	raw, err := encodeOutboundFrame(frame)
	assert.Equal(t, err, nil)

	var decoded map[string]any
	assert.Equal(t, json.Unmarshal(raw, &decoded), nil)
	assert.Equal(t, decoded["type"], "Connect")
	assert.Equal(t, decoded["sessionId"], "sess-1")
	assert.Equal(t, decoded["connectionCount"], float64(3))
	assert.Equal(t, decoded["maxObservedTimestamp"], float64(42))
}

func TestEncodeConnectFrameOmitsAbsentFields(t *testing.T) {
	frame := newConnectFrame("sess-1", 1, "", nil)
	raw, err := encodeOutboundFrame(frame)
	assert.Equal(t, err, nil)

	var decoded map[string]any
	assert.Equal(t, json.Unmarshal(raw, &decoded), nil)
	_, hasLastClose := decoded["lastCloseReason"]
	assert.Equal(t, hasLastClose, false)
	_, hasMaxObserved := decoded["maxObservedTimestamp"]
	assert.Equal(t, hasMaxObserved, false)
}

func TestDecodeInboundFrameDispatchesByType(t *testing.T) {
	raw := []byte(`{"type":"Transition","startVersion":{"ts":1},"endVersion":{"ts":2},"modifications":[]}`)
	decoded, err := decodeInboundFrame(raw)
	assert.Equal(t, err, nil)
	_, ok := decoded.(*TransitionFrame)
	assert.Equal(t, ok, true)
}

func TestDecodeInboundFrameRejectsUnknownType(t *testing.T) {
	raw := []byte(`{"type":"SomethingNew"}`)
	_, err := decodeInboundFrame(raw)
	assert.NotEqual(t, err, nil)
	_, ok := err.(*ProtocolError)
	assert.Equal(t, ok, true)
}

func TestDecodeInboundFrameRejectsMalformedJSON(t *testing.T) {
	_, err := decodeInboundFrame([]byte(`not json`))
	assert.NotEqual(t, err, nil)
}

func TestQuerySetModificationRoundTrip(t *testing.T) {
	journal := "journal-token"
	mod := addModification(QueryId(7), "messages:list", map[string]any{"channel": "general"}, &journal)
	base := Version{Ts: 1}
	next := Version{Ts: 1}
	frame := newModifyQuerySetFrame(base, next, []QuerySetModification{mod})

	raw, err := encodeOutboundFrame(frame)
	assert.Equal(t, err, nil)

	var decoded ModifyQuerySetFrame
	assert.Equal(t, json.Unmarshal(raw, &decoded), nil)
	assert.Equal(t, decoded.Type, "ModifyQuerySet")
	assert.Equal(t, len(decoded.Modifications), 1)
	assert.Equal(t, decoded.Modifications[0].Type, "Add")
	assert.Equal(t, decoded.Modifications[0].QueryId, QueryId(7))
	assert.Equal(t, *decoded.Modifications[0].Journal, "journal-token")
}

func TestRemoveModificationHasNoUdfPath(t *testing.T) {
	mod := removeModification(QueryId(9))
	raw, err := json.Marshal(mod)
	assert.Equal(t, err, nil)

	var decoded map[string]any
	assert.Equal(t, json.Unmarshal(raw, &decoded), nil)
	_, hasUdfPath := decoded["udfPath"]
	assert.Equal(t, hasUdfPath, false)
}
