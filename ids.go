package convex

import (
	"encoding/json"
	"sort"
	"sync/atomic"

	"github.com/oklog/ulid/v2"
	"golang.org/x/exp/maps"
)

// SessionId is a freshly generated unique value created at client
// construction, included in every Connect frame and every telemetry frame.
// It is invariant for the lifetime of the client. Generalized from the
// teacher's fixed-width ulid-backed Id type (connect.go) to a plain string
// since the wire format here is JSON, not a 16-byte protobuf field.
type SessionId string

func NewSessionId() SessionId {
	return SessionId(ulid.Make().String())
}

// QueryId is the internal numeric handle assigned to a subscription on
// first subscribe. Query ids are injective over the lifetime of the
// session: once a subscription's reference count reaches zero and it is
// later resubscribed, a new id is allocated (see idAllocator below).
type QueryId int64

// RequestId is the monotonically increasing identifier assigned to each
// mutation or action within a session.
type RequestId int64

// idAllocator hands out strictly increasing int64s. Used for both query ids
// and request ids, which are independent namespaces (see Data Model).
type idAllocator struct {
	next atomic.Int64
}

func newIdAllocator() *idAllocator {
	return &idAllocator{}
}

func (self *idAllocator) allocate() int64 {
	return self.next.Add(1)
}

// QueryToken is the canonical string identity of a (udf path, arguments)
// pair. It is stable across subscribes and is what the optimistic overlay
// and the public API key their views by.
type QueryToken string

// canonicalizeQueryToken produces a stable QueryToken for a (path, args)
// pair. encoding/json serializes map keys in sorted order at every depth,
// which gives us canonicalization for free as long as args round-trips
// through maps; anything else (structs, slices) is already positionally
// canonical.
func canonicalizeQueryToken(udfPath string, args map[string]any) QueryToken {
	sortedArgs := sortNestedMaps(args)
	b, err := json.Marshal(sortedArgs)
	if err != nil {
		// arguments must be JSON-serializable by contract; a caller that
		// violates this gets a deterministic (if ugly) token rather than a
		// panic deep in the subscription path.
		b = []byte(`{}`)
	}
	return QueryToken(udfPath + ":" + string(b))
}

// sortNestedMaps recursively copies map[string]any and []any values,
// visiting map keys in sorted order. The key order of the output itself
// comes from encoding/json, which sorts the keys of nested maps as well as
// the top level.
func sortNestedMaps(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := maps.Keys(t)
		sort.Strings(keys)
		out := make(map[string]any, len(t))
		for _, k := range keys {
			out[k] = sortNestedMaps(t[k])
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sortNestedMaps(e)
		}
		return out
	default:
		return v
	}
}
