package convex

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/golang/glog"
)

// Logging convention, carried from the teacher module: nothing logs at plain
// Info; V(2) carries the client's per-frame tracing (gated behind
// ClientOptions.Verbose) and the transport's and auth manager's diagnostics;
// Warning is used for recovered panics inside caller-supplied callbacks
// (optimistic updates, the observer, the token fetcher), which must never be
// allowed to take down the client's single executor goroutine, and for
// fatal connection errors, frame encode failures and permanent auth failure.

// handleError runs do and recovers any panic it raises, logging it and
// invoking the optional handler instead of propagating. Caller-supplied
// callbacks (optimistic update functions, onTransition, token fetchers) are
// always invoked through this so a bug in host code cannot corrupt the
// client's internal state machine mid-update.
func handleError(do func(), onPanic func(err error)) {
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%v", r)
			}
			glog.Warningf("recovered panic in callback: %s", errorJSON(err, debug.Stack()))
			if onPanic != nil {
				onPanic(err)
			}
		}
	}()
	do()
}

func errorJSON(err error, stack []byte) string {
	lines := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	b, _ := json.Marshal(map[string]any{
		"error": err.Error(),
		"stack": lines,
	})
	return string(b)
}

func logVerbose(verbose bool, format string, args ...any) {
	if verbose {
		glog.V(2).Infof(format, args...)
	}
}
