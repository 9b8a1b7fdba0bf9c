// Package requestqueue implements per-origin leader-follower request
// coalescing: concurrent requests to the same origin share a single
// challenge solve, then fan out.
package requestqueue

import (
	"context"
	"net/url"
	"sync"

	"github.com/use-agent/cdngateway/internal/gatewayerr"
)

// Result is whatever an Action produces. The queue is agnostic to its
// shape; it only distinguishes success from the two named failure
// classes below via the Outcome returned alongside it.
type Result any

// Outcome classifies how an Action call ended.
type Outcome int

const (
	// OutcomeOK means the action succeeded outright.
	OutcomeOK Outcome = iota
	// OutcomeChallengeBlocked means the action detected a CDN challenge.
	OutcomeChallengeBlocked
	// OutcomeOtherFailure means the action failed for any other reason.
	OutcomeOtherFailure
)

// ActionResult is what an Action reports back to the queue.
type ActionResult struct {
	Outcome Outcome
	Result  Result
	Err     error
	// FinalURL is set when OutcomeChallengeBlocked and the action
	// followed a redirect before hitting the challenge; used to decide
	// solveURL and whether a domain redirect occurred.
	FinalURL string
}

// Action executes one attempt at producing a Result for a request.
type Action func(ctx context.Context) ActionResult

// Solver runs a challenge solve for solveURL and reports whether it
// succeeded.
type Solver func(ctx context.Context, solveURL string) bool

// DomainRedirectFunc is invoked before a challenge solve when the
// solve URL's origin differs from the originally requested URL's origin,
// so challenge cookies are stored against the correct domain.
type DomainRedirectFunc func(oldOrigin, newOrigin string)

type pendingRequest struct {
	ctx    context.Context
	url    string
	action Action
	done   chan ActionResult
}

// Queue coalesces concurrent requests per origin using the leader-
// follower protocol from the gateway's request-queue contract.
type Queue struct {
	mu      sync.Mutex
	pending map[string][]*pendingRequest

	onDomainRedirect DomainRedirectFunc
	solve            Solver
}

// New creates a Queue. onDomainRedirect and solve are injected callbacks
// (constructor injection breaks the Gateway<->DomainManager<->Queue cycle
// rather than back-pointers).
func New(onDomainRedirect DomainRedirectFunc, solve Solver) *Queue {
	return &Queue{
		pending:          make(map[string][]*pendingRequest),
		onDomainRedirect: onDomainRedirect,
		solve:            solve,
	}
}

// Enqueue submits action for rawURL's origin and blocks until it
// completes (as leader, as the verifier, as a parallel-fanout follower,
// or as a failed-all follower).
func (q *Queue) Enqueue(ctx context.Context, rawURL string, action Action) ActionResult {
	origin := originOf(rawURL)

	req := &pendingRequest{ctx: ctx, url: rawURL, action: action, done: make(chan ActionResult, 1)}

	q.mu.Lock()
	queue := q.pending[origin]
	isLeader := len(queue) == 0
	q.pending[origin] = append(queue, req)
	q.mu.Unlock()

	if isLeader {
		// The leader protocol runs on its own goroutine so a caller whose
		// context is cancelled mid-action can still return through the
		// select below while the protocol finishes serving the followers.
		go q.runLeader(origin, req)
	}

	select {
	case res := <-req.done:
		return res
	case <-ctx.Done():
		return ActionResult{Outcome: OutcomeOtherFailure, Err: gatewayerr.New(gatewayerr.CodeCancelled, "request cancelled", ctx.Err())}
	}
}

func (q *Queue) runLeader(origin string, leader *pendingRequest) {
	res := leader.action(leader.ctx)

	switch res.Outcome {
	case OutcomeOK:
		leader.done <- res
		q.parallelFanout(origin, leader)

	case OutcomeChallengeBlocked:
		solveURL := res.FinalURL
		if solveURL == "" {
			solveURL = leader.url
		}
		if q.onDomainRedirect != nil {
			if newOrigin := originOf(solveURL); newOrigin != origin && newOrigin != "" {
				q.onDomainRedirect(origin, newOrigin)
			}
		}

		solved := q.solve != nil && q.solve(leader.ctx, solveURL)
		if !solved {
			leader.done <- res
			if leader.ctx.Err() != nil {
				q.promoteNext(origin, leader)
				return
			}
			q.failAll(origin, "CF solve failed",
				gatewayerr.New(gatewayerr.CodeChallengeUnsolvable, "challenge solve failed for origin batch", nil), leader)
			return
		}

		retryRes := leader.action(leader.ctx)
		leader.done <- retryRes
		q.verifyThenFanout(origin, leader)

	default:
		leader.done <- res
		// A cancelled leader does not doom its followers: the next queued
		// request takes over the leader slot and replays the protocol.
		if leader.ctx.Err() != nil {
			q.promoteNext(origin, leader)
			return
		}
		q.failAll(origin, "request failed", res.Err, leader)
	}
}

// promoteNext removes a cancelled leader from its origin's deque and, if
// any requests remain, restarts the leader protocol with the new head.
func (q *Queue) promoteNext(origin string, cancelled *pendingRequest) {
	q.mu.Lock()
	queue := q.pending[origin]
	rest := make([]*pendingRequest, 0, len(queue))
	for _, r := range queue {
		if r != cancelled {
			rest = append(rest, r)
		}
	}
	if len(rest) == 0 {
		delete(q.pending, origin)
		q.mu.Unlock()
		return
	}
	q.pending[origin] = rest
	next := rest[0]
	q.mu.Unlock()

	go q.runLeader(origin, next)
}

// parallelFanout removes origin's deque (excluding leader, already
// completed) and runs every remaining request's action independently and
// concurrently.
func (q *Queue) parallelFanout(origin string, leader *pendingRequest) {
	rest := q.drainExcept(origin, leader)
	for _, r := range rest {
		go func(r *pendingRequest) {
			r.done <- r.action(r.ctx)
		}(r)
	}
}

// verifyThenFanout removes origin's deque (excluding leader, already
// completed); the first remaining request runs sequentially as the
// verifier. If it succeeds, the rest run in parallel; if it fails, every
// remaining request (including the verifier) is completed with a
// verification-failed result and none are re-queued.
func (q *Queue) verifyThenFanout(origin string, leader *pendingRequest) {
	rest := q.drainExcept(origin, leader)
	if len(rest) == 0 {
		return
	}
	verifier := rest[0]
	followers := rest[1:]

	verifyRes := verifier.action(verifier.ctx)

	if verifyRes.Outcome != OutcomeOK {
		failedRes := ActionResult{
			Outcome: OutcomeOtherFailure,
			Err:     gatewayerr.New(gatewayerr.CodeVerificationFailed, "post-solve verification failed", verifyRes.Err),
			Result:  "verification failed",
		}
		verifier.done <- failedRes
		for _, r := range followers {
			r.done <- failedRes
		}
		return
	}
	verifier.done <- verifyRes

	for _, r := range followers {
		go func(r *pendingRequest) {
			r.done <- r.action(r.ctx)
		}(r)
	}
}

// failAll removes origin's deque (excluding leader, already completed)
// and completes every remaining request with reason and err.
func (q *Queue) failAll(origin, reason string, err error, leader *pendingRequest) {
	rest := q.drainExcept(origin, leader)
	for _, r := range rest {
		r.done <- ActionResult{Outcome: OutcomeOtherFailure, Result: reason, Err: err}
	}
}

// drainExcept removes and returns origin's pending deque, minus the
// leader (whose outcome was already delivered by the caller).
func (q *Queue) drainExcept(origin string, leader *pendingRequest) []*pendingRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	all := q.pending[origin]
	delete(q.pending, origin)
	rest := make([]*pendingRequest, 0, len(all))
	for _, r := range all {
		if r != leader {
			rest = append(rest, r)
		}
	}
	return rest
}

func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Scheme + "://" + u.Host
}
