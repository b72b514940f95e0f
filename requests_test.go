package convex

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestRequestResolvesOnMutationResponseAfterTimestampCatchUp(t *testing.T) {
	rm := NewRequestManager()
	id, resultCh := rm.Request(RequestKindMutation, "counter:increment", nil, true)

	frame := &MutationResponseFrame{RequestId: id, Success: true, Ts: tsPtr(5)}
	_, ok := rm.OnMutationResponse(frame)
	assert.Equal(t, ok, true)

	select {
	case <-resultCh:
		t.Fatal("mutation resolved before its timestamp was observed")
	default:
	}

	drained := rm.DrainCompleted(LogicalTimestamp(4))
	assert.Equal(t, len(drained), 0)

	drained = rm.DrainCompleted(LogicalTimestamp(5))
	assert.Equal(t, len(drained), 1)
	assert.Equal(t, drained[0].Id, id)

	select {
	case <-resultCh:
		t.Fatal("mutation resolved before ResolveDrained was called")
	default:
	}

	completed := rm.ResolveDrained(drained)
	assert.Equal(t, len(completed), 1)
	assert.Equal(t, completed[0], id)

	result := <-resultCh
	assert.Equal(t, result.Success, true)
}

func TestRequestResolvesImmediatelyOnMutationFailure(t *testing.T) {
	rm := NewRequestManager()
	id, resultCh := rm.Request(RequestKindMutation, "counter:increment", nil, true)

	frame := &MutationResponseFrame{RequestId: id, Success: false, ErrorMessage: "bad args"}
	_, ok := rm.OnMutationResponse(frame)
	assert.Equal(t, ok, true)

	result := <-resultCh
	assert.Equal(t, result.Success, false)
	assert.Equal(t, result.Error, "bad args")
}

func TestActionResolvesImmediatelyRegardlessOfQuerySet(t *testing.T) {
	rm := NewRequestManager()
	id, resultCh := rm.Request(RequestKindAction, "email:send", nil, true)

	frame := &ActionResponseFrame{RequestId: id, Success: true}
	_, ok := rm.OnActionResponse(frame)
	assert.Equal(t, ok, true)

	result := <-resultCh
	assert.Equal(t, result.Success, true)
}

func TestRestartDropsActionsWithDistinctError(t *testing.T) {
	rm := NewRequestManager()
	_, resultCh := rm.Request(RequestKindAction, "email:send", nil, true)

	resend := rm.Restart()
	assert.Equal(t, len(resend), 0)

	result := <-resultCh
	assert.Equal(t, result.Success, false)
	assert.Equal(t, result.Error, (&ErrActionDroppedOnReconnect{UdfPath: "email:send"}).Error())
}

func TestRestartResendsUnresolvedMutations(t *testing.T) {
	rm := NewRequestManager()
	id, _ := rm.Request(RequestKindMutation, "counter:increment", nil, true)

	resend := rm.Restart()
	assert.Equal(t, len(resend), 1)
	assert.Equal(t, resend[0].Id, id)
}

func TestRestartResendsAlreadyHeldMutation(t *testing.T) {
	rm := NewRequestManager()
	id, _ := rm.Request(RequestKindMutation, "counter:increment", nil, true)
	rm.OnMutationResponse(&MutationResponseFrame{RequestId: id, Success: true, Ts: tsPtr(1)})

	resend := rm.Restart()
	assert.Equal(t, len(resend), 1)
	assert.Equal(t, resend[0].Id, id)
}

func TestCloseAllResolvesEveryOutstandingRequest(t *testing.T) {
	rm := NewRequestManager()
	_, ch1 := rm.Request(RequestKindMutation, "a", nil, true)
	_, ch2 := rm.Request(RequestKindAction, "b", nil, true)

	rm.CloseAll(ErrClientClosed)

	r1 := <-ch1
	r2 := <-ch2
	assert.Equal(t, r1.Success, false)
	assert.Equal(t, r2.Success, false)
}

func TestHasInflightRequestsReflectsSentState(t *testing.T) {
	rm := NewRequestManager()
	id, _ := rm.Request(RequestKindMutation, "a", nil, false)
	assert.Equal(t, rm.HasInflightRequests(), false)

	rm.MarkSent(id, true)
	assert.Equal(t, rm.HasInflightRequests(), true)
}

func tsPtr(ts int64) *LogicalTimestamp {
	v := LogicalTimestamp(ts)
	return &v
}
