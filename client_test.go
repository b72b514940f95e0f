package convex

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestClient(t *testing.T, factory *fakeSocketFactory, onTransition OnTransitionFunc) *Client {
	t.Helper()
	if onTransition == nil {
		onTransition = func(changed []QueryToken) {}
	}
	client, err := NewClient("http://test.local", onTransition, &ClientOptions{
		SocketFactory:     factory,
		TransportSettings: fastTransportSettings(),
	})
	assert.Equal(t, err, nil)
	return client
}

func findSentMutation(socket *fakeSocket) (RequestId, bool) {
	for _, raw := range socket.sentFrames() {
		var probe MutationFrame
		if json.Unmarshal(raw, &probe) == nil && probe.Type == "Mutation" {
			return probe.RequestId, true
		}
	}
	return 0, false
}

func TestDeriveWebSocketURL(t *testing.T) {
	url, err := deriveWebSocketURL("http://example.com")
	assert.Equal(t, err, nil)
	assert.Equal(t, url, "ws://example.com/api/1.0/sync")

	url, err = deriveWebSocketURL("https://example.com/base")
	assert.Equal(t, err, nil)
	assert.Equal(t, url, "wss://example.com/base/api/1.0/sync")

	_, err = deriveWebSocketURL("ftp://example.com")
	assert.NotEqual(t, err, nil)

	_, err = deriveWebSocketURL("https://")
	assert.NotEqual(t, err, nil)
}

// S1: subscribe, observe a server-pushed transition, read the local result,
// then unsubscribe.
func TestClientSubscribeReceivesTransitionThenUnsubscribe(t *testing.T) {
	socket := newFakeSocket()
	factory := &fakeSocketFactory{queue: []*fakeSocket{socket}}

	var mu sync.Mutex
	var changedTokens []QueryToken
	client := newTestClient(t, factory, func(changed []QueryToken) {
		mu.Lock()
		changedTokens = append(changedTokens, changed...)
		mu.Unlock()
	})
	defer client.Close()

	waitFor(t, time.Second, func() bool { return len(socket.sentFrames()) > 0 })

	token, unsubscribe, err := client.Subscribe("messages:list", map[string]any{"channel": "general"}, nil)
	assert.Equal(t, err, nil)

	var queryId QueryId
	waitFor(t, time.Second, func() bool {
		for _, raw := range socket.sentFrames() {
			var probe ModifyQuerySetFrame
			if json.Unmarshal(raw, &probe) == nil && probe.Type == "ModifyQuerySet" && len(probe.Modifications) > 0 {
				queryId = probe.Modifications[0].QueryId
				return true
			}
		}
		return false
	})

	transition := fmt.Sprintf(`{"type":"Transition","startVersion":{"ts":0},"endVersion":{"ts":1},"modifications":[{"type":"QueryUpdated","queryId":%d,"value":42}]}`, queryId)
	socket.push([]byte(transition))

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changedTokens) > 0
	})

	value, ok := client.LocalQueryResult("messages:list", map[string]any{"channel": "general"})
	assert.Equal(t, ok, true)
	assert.Equal(t, string(value), "42")

	mu.Lock()
	assert.Equal(t, changedTokens[0], token)
	mu.Unlock()

	unsubscribe()
}

// S2: an optimistic mutation is visible locally immediately, and the
// mutation's promise only resolves once the query set's timestamp catches
// up to the mutation response.
func TestClientOptimisticMutationHeldUntilTimestampCatchUp(t *testing.T) {
	socket := newFakeSocket()
	factory := &fakeSocketFactory{queue: []*fakeSocket{socket}}
	client := newTestClient(t, factory, nil)
	defer client.Close()

	waitFor(t, time.Second, func() bool { return len(socket.sentFrames()) > 0 })

	_, _, err := client.Subscribe("counter:get", map[string]any{}, nil)
	assert.Equal(t, err, nil)

	socket.push([]byte(`{"type":"Transition","startVersion":{"ts":0},"endVersion":{"ts":1},"modifications":[]}`))
	waitFor(t, time.Second, func() bool {
		_, ok := client.LocalQueryResult("counter:get", map[string]any{})
		return !ok
	})

	mutationDone := make(chan struct{})
	var mutationResult json.RawMessage
	go func() {
		value, err := client.Mutation("counter:increment", map[string]any{}, func(store *OptimisticLocalStore) {
			store.SetQuery("counter:get", map[string]any{}, 1)
		})
		assert.Equal(t, err, nil)
		mutationResult = value
		close(mutationDone)
	}()

	waitFor(t, time.Second, func() bool {
		value, ok := client.LocalQueryResult("counter:get", map[string]any{})
		return ok && string(value) == "1"
	})

	var requestId RequestId
	waitFor(t, time.Second, func() bool {
		id, ok := findSentMutation(socket)
		requestId = id
		return ok
	})

	responseRaw := fmt.Sprintf(`{"type":"MutationResponse","requestId":%d,"success":true,"result":2,"ts":2}`, requestId)
	socket.push([]byte(responseRaw))

	select {
	case <-mutationDone:
		t.Fatal("mutation resolved before its effects were visible in the query view")
	case <-time.After(50 * time.Millisecond):
	}

	socket.push([]byte(`{"type":"Transition","startVersion":{"ts":1},"endVersion":{"ts":2},"modifications":[]}`))

	select {
	case <-mutationDone:
	case <-time.After(time.Second):
		t.Fatal("mutation never resolved after its timestamp was observed")
	}
	assert.Equal(t, string(mutationResult), "2")
}

// S3: an unresolved mutation survives a disconnect and is resent on the new
// connection rather than failed outright.
func TestClientReconnectResendsUnresolvedMutation(t *testing.T) {
	socket1 := newFakeSocket()
	socket2 := newFakeSocket()
	factory := &fakeSocketFactory{queue: []*fakeSocket{socket1, socket2}}
	client := newTestClient(t, factory, nil)
	defer client.Close()

	waitFor(t, time.Second, func() bool { return len(socket1.sentFrames()) > 0 })

	resultCh := make(chan error, 1)
	go func() {
		_, err := client.Mutation("counter:increment", map[string]any{}, nil)
		resultCh <- err
	}()

	waitFor(t, time.Second, func() bool {
		_, ok := findSentMutation(socket1)
		return ok
	})

	socket1.Close()

	var requestId RequestId
	waitFor(t, 2*time.Second, func() bool {
		id, ok := findSentMutation(socket2)
		requestId = id
		return ok
	})

	socket2.push([]byte(fmt.Sprintf(`{"type":"MutationResponse","requestId":%d,"success":true,"result":1,"ts":1}`, requestId)))
	socket2.push([]byte(`{"type":"Transition","startVersion":{"ts":0},"endVersion":{"ts":1},"modifications":[]}`))

	select {
	case err := <-resultCh:
		assert.Equal(t, err, nil)
	case <-time.After(2 * time.Second):
		t.Fatal("resent mutation never resolved")
	}
}

// S3b: an in-flight action does not survive a disconnect; it resolves
// failed (carrying the dropped-on-reconnect message) instead of retrying.
func TestClientReconnectDropsInFlightAction(t *testing.T) {
	socket1 := newFakeSocket()
	socket2 := newFakeSocket()
	factory := &fakeSocketFactory{queue: []*fakeSocket{socket1, socket2}}
	client := newTestClient(t, factory, nil)
	defer client.Close()

	waitFor(t, time.Second, func() bool { return len(socket1.sentFrames()) > 0 })

	resultCh := make(chan error, 1)
	go func() {
		_, err := client.Action("email:send", map[string]any{})
		resultCh <- err
	}()

	waitFor(t, time.Second, func() bool {
		for _, raw := range socket1.sentFrames() {
			var probe ActionFrame
			if json.Unmarshal(raw, &probe) == nil && probe.Type == "Action" {
				return true
			}
		}
		return false
	})

	socket1.Close()

	select {
	case err := <-resultCh:
		assert.NotEqual(t, err, nil)
	case <-time.After(2 * time.Second):
		t.Fatal("dropped action never resolved")
	}
}

// S4: setting auth sends an Authenticate frame, and a subsequent transition
// confirms the rotation to the caller's onChange callback.
func TestClientAuthRotationSendsAuthenticateAndConfirms(t *testing.T) {
	socket := newFakeSocket()
	factory := &fakeSocketFactory{queue: []*fakeSocket{socket}}
	client := newTestClient(t, factory, nil)
	defer client.Close()

	waitFor(t, time.Second, func() bool { return len(socket.sentFrames()) > 0 })

	var mu sync.Mutex
	var changes []bool
	client.SetAuth(func(ctx context.Context, forceRefresh bool) (string, *time.Time, bool) {
		return "tok-1", nil, true
	}, func(authenticated bool) {
		mu.Lock()
		changes = append(changes, authenticated)
		mu.Unlock()
	})

	waitFor(t, time.Second, func() bool {
		for _, raw := range socket.sentFrames() {
			var probe AuthenticateFrame
			if json.Unmarshal(raw, &probe) == nil && probe.Type == "Authenticate" && probe.Value == "tok-1" {
				return true
			}
		}
		return false
	})

	socket.push([]byte(`{"type":"Transition","startVersion":{"ts":0},"endVersion":{"ts":1},"modifications":[]}`))

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) > 0
	})
}

// S5: a server frame violating the held timestamp invariant is a protocol
// violation, fatal to the connection, and fails every outstanding request.
func TestClientProtocolViolationFailsOutstandingRequests(t *testing.T) {
	socket := newFakeSocket()
	factory := &fakeSocketFactory{queue: []*fakeSocket{socket}}
	client := newTestClient(t, factory, nil)
	defer client.Close()

	waitFor(t, time.Second, func() bool { return len(socket.sentFrames()) > 0 })

	resultCh := make(chan error, 1)
	go func() {
		_, err := client.Mutation("counter:increment", map[string]any{}, nil)
		resultCh <- err
	}()

	waitFor(t, time.Second, func() bool {
		_, ok := findSentMutation(socket)
		return ok
	})

	// readLoop processes one frame at a time in order, so the first
	// transition is fully applied (establishing a held timestamp of 1)
	// before the second, mismatched one is ever read.
	socket.push([]byte(`{"type":"Transition","startVersion":{"ts":0},"endVersion":{"ts":1},"modifications":[]}`))
	socket.push([]byte(`{"type":"Transition","startVersion":{"ts":99},"endVersion":{"ts":100},"modifications":[]}`))

	select {
	case err := <-resultCh:
		assert.NotEqual(t, err, nil)
	case <-time.After(2 * time.Second):
		t.Fatal("mutation never failed after a protocol violation")
	}
}

// S6: a Ping frame is pure liveness and never disturbs client state.
func TestClientPingFrameIsNoOp(t *testing.T) {
	socket := newFakeSocket()
	factory := &fakeSocketFactory{queue: []*fakeSocket{socket}}
	client := newTestClient(t, factory, nil)
	defer client.Close()

	waitFor(t, time.Second, func() bool { return len(socket.sentFrames()) > 0 })

	socket.push([]byte(`{"type":"Ping"}`))

	waitFor(t, time.Second, func() bool { return client.ConnectionState() == SocketReady })
}
