package gateway

import (
	"log/slog"
	"sync"
)

// fetchState names the states one logical fetch moves through. It exists
// purely for structured logging/observability —
// the actual control flow lives in executeDirect/solveChallenge/Enqueue;
// the only branch on a fetchState value (in fetchThroughQueue) chooses
// which state to log next.
type fetchState int

const (
	stateInit fetchState = iota
	stateDirectOK
	stateSolving
	stateRetryDirect
	stateDoneOK
	stateDoneFail
)

func (s fetchState) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateDirectOK:
		return "direct_ok"
	case stateSolving:
		return "solving"
	case stateRetryDirect:
		return "retry_direct"
	case stateDoneOK:
		return "done_ok"
	case stateDoneFail:
		return "done_fail"
	default:
		return "unknown"
	}
}

// fetchTrace logs the state transitions of one logical fetch at debug
// level:
//
//	INIT --execute--> DIRECT_OK --> DONE(ok)
//	  |                  |
//	  |                  +-challenge-> SOLVING --ok--> RETRY_DIRECT --ok--> DONE(ok)
//	  |                                   |                                    |
//	  |                                   +-fail--> DONE(fail)                 +-fail--> DONE(fail)
//	  +--other fail--> DONE(fail)
//
// A mutex guards state because the queue may still be running a cancelled
// caller's action on its own goroutine while the caller records the final
// transition.
type fetchTrace struct {
	log *slog.Logger
	url string

	mu    sync.Mutex
	state fetchState
}

func newFetchTrace(log *slog.Logger, url string) *fetchTrace {
	return &fetchTrace{log: log, url: url, state: stateInit}
}

func (t *fetchTrace) transition(to fetchState) {
	t.mu.Lock()
	from := t.state
	t.state = to
	t.mu.Unlock()
	t.log.Debug("fetch state transition", "url", t.url, "from", from.String(), "to", to.String())
}

func (t *fetchTrace) current() fetchState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
