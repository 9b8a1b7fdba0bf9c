// Package gateway is the single public entry point for fetching documents
// from a challenge-protected origin: it composes the session state, its
// store, the challenge detector, the domain manager, the request queue, and
// the scripted browser engine behind a uniform document-fetching API, and
// owns the direct-request/challenge-solve state machine for a single
// logical fetch.
package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/use-agent/cdngateway/config"
	"github.com/use-agent/cdngateway/internal/browserengine"
	"github.com/use-agent/cdngateway/internal/challenge"
	"github.com/use-agent/cdngateway/internal/domainmgr"
	"github.com/use-agent/cdngateway/internal/gatewaydoc"
	"github.com/use-agent/cdngateway/internal/gatewayerr"
	"github.com/use-agent/cdngateway/internal/httptransport"
	"github.com/use-agent/cdngateway/internal/kvstore"
	"github.com/use-agent/cdngateway/internal/requestqueue"
	"github.com/use-agent/cdngateway/internal/session"
)

const (
	headlessTimeout     = 30 * time.Second
	visibleTimeout      = 120 * time.Second
	skipHeadlessTimeout = 120 * time.Second
)

// DocumentOptions configures a single GetDocument call.
type DocumentOptions struct {
	// CheckDomain runs DomainManager.CheckRedirect against the response's
	// final URL, in addition to the synchronous redirect handling that
	// already runs inside a challenge solve.
	CheckDomain bool
	// ExtraHeaders are merged over the session's base header set.
	ExtraHeaders map[string]string
}

// Gateway is safe for concurrent use by many callers. It is
// constructed once per origin/provider; a process scraping several
// providers runs one Gateway instance per provider.
type Gateway struct {
	cfg config.GatewayConfig
	log *slog.Logger

	session      *session.Monitor
	sessionStore *session.Store
	domain       *domainmgr.Manager
	detector     *challenge.Detector
	queue        *requestqueue.Queue
	transport    directTransport
	browser      browserengine.Engine
}

// directTransport is the subset of *httptransport.Transport the Gateway
// needs for executeDirect, narrowed to an interface so tests can substitute
// a fake HTTP layer instead of dialing a real TLS connection.
type directTransport interface {
	Do(ctx context.Context, method, targetURL string, headers map[string]string, body io.Reader) (*httptransport.Response, error)
}

// New wires every component together. onDomainRedirect and solveChallenge
// are injected into the RequestQueue as closures over methods of gw itself,
// rather than the queue holding a back-pointer to Gateway, so there is no
// reference cycle between the two.
func New(cfg config.GatewayConfig, browserEngine browserengine.Engine, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	kv := kvstore.New(cfg.StateDir)
	detector := challenge.NewDetector(cfg.OriginValidationMarkers)

	domain := domainmgr.New(domainmgr.Config{
		Name:            cfg.Name,
		FallbackDomain:  cfg.FallbackDomain,
		RemoteConfigURL: cfg.RemoteConfigURL,
		SyncbackURL:     cfg.SyncbackURL,
		ConfigFile:      cfg.ConfigFile,
	}, kv, log)

	gw := &Gateway{
		cfg:          cfg,
		log:          log,
		sessionStore: session.NewStore(kv, cfg.Name, log),
		domain:       domain,
		detector:     detector,
		transport:    httptransport.New(cfg.RequestTimeout, cfg.Proxy),
		browser:      browserEngine,
	}
	gw.queue = requestqueue.New(gw.onDomainRedirect, gw.solveChallenge)
	return gw
}

// EnsureInitialized loads persisted session/domain state and probes remote
// config, once per process (idempotent). Must be called before any other
// public method.
func (g *Gateway) EnsureInitialized(ctx context.Context) {
	g.domain.EnsureInitialized(ctx)

	st := g.sessionStore.Load()
	if st == nil {
		st = session.New(g.cfg.UserAgent, g.domain.CurrentDomain(), nil, time.Time{}, false)
	} else {
		if st.Domain() != g.domain.CurrentDomain() {
			// Persisted domain predates a remote-config change; origin-scoped
			// cookies from the old domain are not valid for the new one.
			st = st.WithDomain(g.domain.CurrentDomain())
		} else if st.IsExpired(g.ttl()) {
			st = st.Invalidate()
		}
	}
	if g.session == nil {
		g.session = session.NewMonitor(st)
	}
}

// requireInitialized reports CodeNotInitialized if called before
// EnsureInitialized has published a session.
func (g *Gateway) requireInitialized() error {
	if g.session == nil {
		return gatewayerr.New(gatewayerr.CodeNotInitialized, "gateway used before EnsureInitialized", nil)
	}
	return nil
}

func (g *Gateway) ttl() time.Duration {
	if g.cfg.CookieTTL > 0 {
		return g.cfg.CookieTTL
	}
	return session.CookieTTL
}

// CurrentDomain returns the gateway's current origin host.
func (g *Gateway) CurrentDomain() string {
	return g.domain.CurrentDomain()
}

// ImageHeaders returns the fixed header set (UA, Referer, Cookie) media
// fetches outside the Gateway's own request path should replay.
func (g *Gateway) ImageHeaders() map[string]string {
	if g.session == nil {
		return map[string]string{}
	}
	st := g.session.Snapshot()
	h := map[string]string{
		"User-Agent": st.UserAgent(),
		"Referer":    fmt.Sprintf("https://%s/", st.Domain()),
	}
	if ck := st.CookieHeader(); ck != "" {
		h["Cookie"] = ck
	}
	return h
}

// InvalidateSession clears cookies and persists the result. reason is
// logged only.
func (g *Gateway) InvalidateSession(reason string) {
	if g.session == nil {
		return
	}
	g.log.Info("session invalidated", "name", g.cfg.Name, "reason", reason)
	st := g.session.Update(func(s *session.State) *session.State { return s.Invalidate() })
	g.sessionStore.Save(st)
}

// GetDocument fetches url through the request queue and parses the result.
// It returns (nil, err) on failure; no panic crosses this boundary, only a
// value error.
func (g *Gateway) GetDocument(ctx context.Context, rawURL string, opts DocumentOptions) (*gatewaydoc.Document, error) {
	if err := g.requireInitialized(); err != nil {
		return nil, err
	}
	result, err := g.fetchThroughQueue(ctx, rawURL, func(ctx context.Context) (*directResult, error) {
		return g.executeDirect(ctx, rawURL, opts.ExtraHeaders, "GET", nil)
	})
	if err != nil {
		return nil, err
	}
	if opts.CheckDomain {
		g.domain.CheckRedirect(rawURL, result.FinalURL)
	}
	doc, err := gatewaydoc.Parse(result.Body, result.FinalURL)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.CodeParse, "failed to parse document", err)
	}
	return doc, nil
}

// GetMainPage fetches rawURL and hands the parsed Document to parser's
// ParseMainPage, so a per-site scraper never touches the fetch path itself.
func (g *Gateway) GetMainPage(ctx context.Context, rawURL string, parser gatewaydoc.Parser, opts DocumentOptions) ([]gatewaydoc.ParsedItem, error) {
	doc, err := g.GetDocument(ctx, rawURL, opts)
	if err != nil {
		return nil, err
	}
	items, err := parser.ParseMainPage(doc)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.CodeParse, "failed to parse main page", err)
	}
	return items, nil
}

// GetSearchResults fetches rawURL and hands the parsed Document to parser's
// ParseSearch.
func (g *Gateway) GetSearchResults(ctx context.Context, rawURL string, parser gatewaydoc.Parser, opts DocumentOptions) ([]gatewaydoc.ParsedItem, error) {
	doc, err := g.GetDocument(ctx, rawURL, opts)
	if err != nil {
		return nil, err
	}
	items, err := parser.ParseSearch(doc)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.CodeParse, "failed to parse search results", err)
	}
	return items, nil
}

// GetLoadPage fetches rawURL and hands the parsed Document to parser's
// ParseLoadPage.
func (g *Gateway) GetLoadPage(ctx context.Context, rawURL string, parser gatewaydoc.Parser, opts DocumentOptions) (*gatewaydoc.ParsedLoadData, error) {
	doc, err := g.GetDocument(ctx, rawURL, opts)
	if err != nil {
		return nil, err
	}
	data, err := parser.ParseLoadPage(doc, rawURL)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.CodeParse, "failed to parse load page", err)
	}
	return data, nil
}

// GetEpisodes fetches rawURL and hands the parsed Document to parser's
// ParseEpisodes, filtered to season.
func (g *Gateway) GetEpisodes(ctx context.Context, rawURL, season string, parser gatewaydoc.Parser, opts DocumentOptions) ([]gatewaydoc.ParsedEpisode, error) {
	doc, err := g.GetDocument(ctx, rawURL, opts)
	if err != nil {
		return nil, err
	}
	episodes, err := parser.ParseEpisodes(doc, season)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.CodeParse, "failed to parse episodes", err)
	}
	return episodes, nil
}

// GetPlayerURLs fetches rawURL and hands the parsed Document to parser's
// ExtractPlayerURLs, the last stop before a caller falls back to SniffMedia.
func (g *Gateway) GetPlayerURLs(ctx context.Context, rawURL string, parser gatewaydoc.Parser, opts DocumentOptions) ([]string, error) {
	doc, err := g.GetDocument(ctx, rawURL, opts)
	if err != nil {
		return nil, err
	}
	urls, err := parser.ExtractPlayerURLs(doc)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.CodeParse, "failed to extract player urls", err)
	}
	return urls, nil
}

// Post submits formData as an application/x-www-form-urlencoded body
// through the same per-origin queue a GET to the same origin would use.
func (g *Gateway) Post(ctx context.Context, rawURL string, formData map[string]string, headers map[string]string) (string, error) {
	if err := g.requireInitialized(); err != nil {
		return "", err
	}
	values := url.Values{}
	for k, v := range formData {
		values.Set(k, v)
	}
	encoded := values.Encode()

	merged := map[string]string{"Content-Type": "application/x-www-form-urlencoded"}
	for k, v := range headers {
		merged[k] = v
	}

	// A fresh reader per attempt: the action may re-run after a challenge
	// solve, and a consumed reader would send an empty form the second time.
	result, err := g.fetchThroughQueue(ctx, rawURL, func(ctx context.Context) (*directResult, error) {
		return g.executeDirect(ctx, rawURL, merged, "POST", strings.NewReader(encoded))
	})
	if err != nil {
		return "", err
	}
	return result.Body, nil
}

// fetchThroughQueue enqueues action (wrapped to produce a requestqueue
// ActionResult) and translates the outcome back into a (*directResult,
// error) pair. A challengeBlocked outcome that survives the queue's
// internal solve handoff maps to CodeChallengeUnsolvable: a second
// challenge is never re-solved, which bounds the work one fetch can do.
func (g *Gateway) fetchThroughQueue(ctx context.Context, rawURL string, do func(context.Context) (*directResult, error)) (*directResult, error) {
	trace := newFetchTrace(g.log, rawURL)
	action := func(ctx context.Context) requestqueue.ActionResult {
		res, err := do(ctx)
		result := toActionResult(res, err)
		switch result.Outcome {
		case requestqueue.OutcomeOK:
			if trace.current() == stateSolving {
				trace.transition(stateRetryDirect)
			} else {
				trace.transition(stateDirectOK)
			}
		case requestqueue.OutcomeChallengeBlocked:
			trace.transition(stateSolving)
		}
		return result
	}
	outcome := g.queue.Enqueue(ctx, rawURL, action)
	switch outcome.Outcome {
	case requestqueue.OutcomeOK:
		trace.transition(stateDoneOK)
		res, _ := outcome.Result.(*directResult)
		return res, nil
	case requestqueue.OutcomeChallengeBlocked:
		trace.transition(stateDoneFail)
		return nil, gatewayerr.New(gatewayerr.CodeChallengeUnsolvable, "challenge persisted after solve, no re-entry", outcome.Err)
	default:
		trace.transition(stateDoneFail)
		if outcome.Err != nil {
			return nil, outcome.Err
		}
		reason, _ := outcome.Result.(string)
		if reason == "" {
			reason = "request failed"
		}
		return nil, gatewayerr.New(gatewayerr.CodeNetwork, reason, nil)
	}
}

func toActionResult(res *directResult, err error) requestqueue.ActionResult {
	if err != nil {
		return requestqueue.ActionResult{Outcome: requestqueue.OutcomeOtherFailure, Err: err}
	}
	if res.ChallengeBlocked {
		return requestqueue.ActionResult{Outcome: requestqueue.OutcomeChallengeBlocked, Result: res, FinalURL: res.FinalURL}
	}
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return requestqueue.ActionResult{Outcome: requestqueue.OutcomeOK, Result: res}
	}
	return requestqueue.ActionResult{
		Outcome: requestqueue.OutcomeOtherFailure,
		Result:  res,
		Err:     gatewayerr.New(gatewayerr.CodeNetwork, fmt.Sprintf("status %d", res.StatusCode), nil),
	}
}

// directResult is what executeDirect produces, restricted to the fields
// the gateway needs once outside the queue's Result-any boundary.
type directResult struct {
	Body             string
	StatusCode       int
	FinalURL         string
	ChallengeBlocked bool
}

// executeDirect issues one direct HTTP request, applying URL rewrite,
// session headers, cookie capture, and challenge detection.
func (g *Gateway) executeDirect(ctx context.Context, rawURL string, extraHeaders map[string]string, method string, body io.Reader) (*directResult, error) {
	targetURL := g.rewriteURL(rawURL)

	st := g.session.Snapshot()
	headers := st.RequestHeaders()
	for k, v := range extraHeaders {
		headers[k] = v
	}

	resp, err := g.transport.Do(ctx, method, targetURL, headers, body)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.CodeNetwork, "direct request failed", err)
	}

	if len(resp.SetCookies) > 0 && g.responseIsOurs(resp.FinalURL) {
		newSt := g.session.Update(func(s *session.State) *session.State {
			return s.MergeCookies(resp.SetCookies)
		})
		g.sessionStore.Save(newSt)
	}

	statusCode := resp.StatusCode
	challengeBlocked := g.detector.IsChallenge(statusCode, resp.Body)
	if statusCode == 403 && !challengeBlocked {
		// Detector already resolved this 403 as a known-origin page rather
		// than a challenge; normalize the status so it reads as success
		// instead of an origin error.
		statusCode = 200
	}

	return &directResult{
		Body:             resp.Body,
		StatusCode:       statusCode,
		FinalURL:         resp.FinalURL,
		ChallengeBlocked: challengeBlocked,
	}, nil
}

// responseIsOurs reports whether finalURL's host is the session domain or a
// trusted alias, the gate on merging Set-Cookie into SessionState.
func (g *Gateway) responseIsOurs(finalURL string) bool {
	host := domainmgr.NormalizeHost(finalURL)
	if host == "" {
		return false
	}
	if host == g.session.Snapshot().Domain() {
		return true
	}
	return g.isTrusted(host)
}

// rewriteURL substitutes the session domain for rawURL's host when that
// host is in TrustedDomains (or is the fallback domain) and differs from
// the session domain; otherwise rawURL is returned unchanged. Third-party
// embed hosts must never be rewritten, so the rewrite is limited to hosts
// explicitly declared as aliases of our origin.
func (g *Gateway) rewriteURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	sessionDomain := g.session.Snapshot().Domain()
	if u.Host == sessionDomain {
		return rawURL
	}
	if !g.isTrusted(u.Host) {
		return rawURL
	}
	u.Host = sessionDomain
	return u.String()
}

func (g *Gateway) isTrusted(host string) bool {
	if host == "" {
		return false
	}
	if host == g.cfg.FallbackDomain {
		return true
	}
	for _, d := range g.cfg.TrustedDomains {
		if d == host {
			return true
		}
	}
	return false
}

// onDomainRedirect is the RequestQueue's DomainRedirectFunc: invoked before
// a challenge solve whenever the solve URL's origin differs from the
// originally requested URL's origin, so challenge cookies land on the
// correct domain.
func (g *Gateway) onDomainRedirect(oldOrigin, newOrigin string) {
	newHost := domainmgr.NormalizeHost(newOrigin)
	if newHost == "" {
		return
	}
	g.log.Info("domain redirect detected before challenge solve", "old", oldOrigin, "new", newOrigin)
	g.domain.UpdateDomain(newHost)
	g.domain.SyncToRemote(newHost)
	st := g.session.Update(func(s *session.State) *session.State { return s.WithDomain(newHost) })
	g.sessionStore.Save(st)
}

// solveChallenge is the RequestQueue's Solver: it invalidates cookies, runs
// ScriptedBrowserEngine with headless-then-visible escalation, and
// publishes the resulting clearance cookies. It satisfies
// requestqueue.Solver's (ctx, solveURL string) bool signature.
func (g *Gateway) solveChallenge(ctx context.Context, solveURL string) bool {
	if !g.cfg.BrowserEnabled {
		g.log.Warn("challenge solve required but browser disabled", "url", solveURL)
		return false
	}

	trace := newFetchTrace(g.log, solveURL)
	trace.transition(stateSolving)

	st := g.session.Update(func(s *session.State) *session.State { return s.Invalidate() })
	g.sessionStore.Save(st)

	domain := domainmgr.NormalizeHost(solveURL)
	mode := browserengine.Headless
	timeout := headlessTimeout
	switch {
	case g.cfg.SkipHeadless:
		mode = browserengine.Visible
		timeout = skipHeadlessTimeout
	case g.domain.NeedsVisibleMode(domain):
		mode = browserengine.Visible
		timeout = visibleTimeout
	}

	result, ok := g.runSolveSession(ctx, solveURL, mode, timeout)
	if !ok && mode == browserengine.Headless && result != nil &&
		result.Status == browserengine.StatusTimeout && g.detector.IsChallenge(0, result.PartialBody) {
		g.log.Info("headless challenge solve timed out with markers present, escalating to visible", "url", solveURL)
		mode = browserengine.Visible
		result, ok = g.runSolveSession(ctx, solveURL, mode, visibleTimeout)
	}
	if !ok {
		trace.transition(stateDoneFail)
		return false
	}

	g.domain.RecordModeOutcome(domain, mode == browserengine.Visible)
	newSt := g.session.Update(func(s *session.State) *session.State {
		return s.WithCookies(result.Cookies, true)
	})
	g.sessionStore.Save(newSt)
	g.domain.CheckRedirect(solveURL, result.FinalURL)
	trace.transition(stateDoneOK)
	return true
}

// runSolveSession runs one browser attempt at PageLoaded and reports
// whether it ended in success. On failure it still returns the raw
// browser Result (nil only on a transport-level Run error) so the caller
// can inspect PartialBody to decide whether a timeout warrants escalation.
func (g *Gateway) runSolveSession(ctx context.Context, solveURL string, mode browserengine.Mode, timeout time.Duration) (*browserengine.Result, bool) {
	st := g.session.Snapshot()
	result, err := g.browser.Run(ctx, browserengine.Options{
		URL:           solveURL,
		Mode:          mode,
		UserAgent:     st.UserAgent(),
		ExitCondition: browserengine.ExitCondition{Kind: browserengine.PageLoaded},
		Timeout:       timeout,
		ExtraHeaders:  map[string]string{"Referer": fmt.Sprintf("https://%s/", st.Domain())},
	})
	if err != nil {
		g.log.Warn("browser session error during challenge solve", "url", solveURL, "mode", mode.String(), "error", err)
		return nil, false
	}
	if result.Status == browserengine.StatusSuccess {
		return result, true
	}
	if result.Status != browserengine.StatusTimeout {
		g.log.Warn("challenge solve failed", "url", solveURL, "mode", mode.String(), "reason", result.Reason)
	}
	return result, false
}

// SniffMedia runs the browser engine in MediaFound mode, headless first
// with a one-shot visible escalation if a challenge is detected mid-flight.
// It bypasses the RequestQueue entirely: a
// media sniff is a single browser session, not a direct-HTTP fetch subject
// to leader/follower coalescing.
func (g *Gateway) SniffMedia(ctx context.Context, rawURL string, minCount int, visible bool) ([]browserengine.MediaAsset, error) {
	if err := g.requireInitialized(); err != nil {
		return nil, err
	}
	if !g.cfg.BrowserEnabled {
		return nil, gatewayerr.New(gatewayerr.CodeBrowserUnavailable, "browser disabled", nil)
	}
	if minCount < 1 {
		minCount = 1
	}

	mode := browserengine.Headless
	timeout := headlessTimeout
	if g.cfg.SniffTimeout > 0 {
		timeout = g.cfg.SniffTimeout
	}
	if visible {
		mode = browserengine.Visible
		timeout = visibleTimeout
	}

	st := g.session.Snapshot()
	result, err := g.browser.Run(ctx, browserengine.Options{
		URL:           rawURL,
		Mode:          mode,
		UserAgent:     st.UserAgent(),
		ExitCondition: browserengine.ExitCondition{Kind: browserengine.MediaFound, MinMedia: minCount},
		Timeout:       timeout,
		ExtraHeaders:  map[string]string{"Referer": fmt.Sprintf("https://%s/", st.Domain())},
	})
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.CodeNetwork, "media sniff session error", err)
	}

	switch result.Status {
	case browserengine.StatusSuccess:
		if len(result.Cookies) > 0 {
			newSt := g.session.Update(func(s *session.State) *session.State {
				return s.WithCookies(result.Cookies, true)
			})
			g.sessionStore.Save(newSt)
		}
		return result.CapturedMedia, nil
	case browserengine.StatusTimeout:
		if !visible && g.detector.IsChallenge(0, result.PartialBody) {
			g.log.Info("media sniff hit a challenge, escalating to visible", "url", rawURL)
			return g.SniffMedia(ctx, rawURL, minCount, true)
		}
		return nil, gatewayerr.New(gatewayerr.CodeChallengeUnsolvable, "media sniff timed out", nil)
	default:
		return nil, gatewayerr.New(gatewayerr.CodeInternal, result.Reason, nil)
	}
}
