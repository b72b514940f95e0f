package convex

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func alwaysSubscribed(QueryToken) bool { return true }

func TestRecomputeAppliesOptimisticUpdateOverAuthoritative(t *testing.T) {
	overlay := NewOptimisticOverlay(alwaysSubscribed)
	token := canonicalizeQueryToken("counter:get", map[string]any{})
	overlay.RefreshAuthoritative(map[QueryToken]json.RawMessage{token: json.RawMessage(`1`)})

	changed := overlay.Recompute()
	assert.Equal(t, len(changed), 1)
	assert.Equal(t, changed[0], token)

	value, ok := overlay.LocalResult(token)
	assert.Equal(t, ok, true)
	assert.Equal(t, string(value), "1")

	overlay.AddOptimisticUpdate(RequestId(1), func(store *OptimisticLocalStore) {
		store.SetQuery("counter:get", map[string]any{}, 2)
	})
	changed = overlay.Recompute()
	assert.Equal(t, len(changed), 1)

	value, ok = overlay.LocalResult(token)
	assert.Equal(t, ok, true)
	assert.Equal(t, string(value), "2")
}

func TestRecomputeNoChangeProducesEmptyDiff(t *testing.T) {
	overlay := NewOptimisticOverlay(alwaysSubscribed)
	token := canonicalizeQueryToken("counter:get", map[string]any{})
	overlay.RefreshAuthoritative(map[QueryToken]json.RawMessage{token: json.RawMessage(`1`)})
	overlay.Recompute()

	changed := overlay.Recompute()
	assert.Equal(t, len(changed), 0)
}

func TestRecomputeIsStructuralNotByteEqual(t *testing.T) {
	overlay := NewOptimisticOverlay(alwaysSubscribed)
	token := canonicalizeQueryToken("counter:get", map[string]any{})
	overlay.RefreshAuthoritative(map[QueryToken]json.RawMessage{token: json.RawMessage(`{"a":1,"b":2}`)})
	overlay.Recompute()

	overlay.RefreshAuthoritative(map[QueryToken]json.RawMessage{token: json.RawMessage(`{"b":2,"a":1}`)})
	changed := overlay.Recompute()
	assert.Equal(t, len(changed), 0)
}

func TestRemoveCompletedDropsUpdateByRequestId(t *testing.T) {
	overlay := NewOptimisticOverlay(alwaysSubscribed)
	token := canonicalizeQueryToken("counter:get", map[string]any{})
	overlay.RefreshAuthoritative(map[QueryToken]json.RawMessage{token: json.RawMessage(`1`)})
	overlay.Recompute()

	overlay.AddOptimisticUpdate(RequestId(1), func(store *OptimisticLocalStore) {
		store.SetQuery("counter:get", map[string]any{}, 99)
	})
	overlay.Recompute()

	overlay.RemoveCompleted([]RequestId{1})
	changed := overlay.Recompute()
	assert.Equal(t, len(changed), 1)

	value, _ := overlay.LocalResult(token)
	assert.Equal(t, string(value), "1")
}

func TestOptimisticWritesScopedToSubscribedTokens(t *testing.T) {
	subscribed := map[QueryToken]bool{}
	overlay := NewOptimisticOverlay(func(token QueryToken) bool { return subscribed[token] })

	token := canonicalizeQueryToken("counter:get", map[string]any{})
	overlay.AddOptimisticUpdate(RequestId(1), func(store *OptimisticLocalStore) {
		store.SetQuery("counter:get", map[string]any{}, 99)
	})

	changed := overlay.Recompute()
	assert.Equal(t, len(changed), 0)

	_, ok := overlay.LocalResult(token)
	assert.Equal(t, ok, false)
}

func TestOptimisticUpdatesApplyInSubmissionOrder(t *testing.T) {
	overlay := NewOptimisticOverlay(alwaysSubscribed)
	token := canonicalizeQueryToken("counter:get", map[string]any{})
	overlay.RefreshAuthoritative(map[QueryToken]json.RawMessage{token: json.RawMessage(`0`)})

	overlay.AddOptimisticUpdate(RequestId(1), func(store *OptimisticLocalStore) {
		store.SetQuery("counter:get", map[string]any{}, 1)
	})
	overlay.AddOptimisticUpdate(RequestId(2), func(store *OptimisticLocalStore) {
		store.SetQuery("counter:get", map[string]any{}, 2)
	})
	overlay.Recompute()

	value, _ := overlay.LocalResult(token)
	assert.Equal(t, string(value), "2")
}
