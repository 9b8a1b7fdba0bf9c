package gateway

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/use-agent/cdngateway/config"
	"github.com/use-agent/cdngateway/internal/browserengine"
	"github.com/use-agent/cdngateway/internal/gatewaydoc"
	"github.com/use-agent/cdngateway/internal/gatewayerr"
	"github.com/use-agent/cdngateway/internal/httptransport"
)

// fakeParser is a minimal gatewaydoc.Parser that reads the fetched
// Document's title back as a single ParsedItem, enough to prove GetMainPage
// wires a Document through to a caller-supplied Parser without the Gateway
// itself inspecting markup.
type fakeParser struct{}

func (fakeParser) ParseMainPage(doc *gatewaydoc.Document) ([]gatewaydoc.ParsedItem, error) {
	return []gatewaydoc.ParsedItem{{Title: doc.Title(), URL: doc.FinalURL()}}, nil
}

func (fakeParser) ParseSearch(doc *gatewaydoc.Document) ([]gatewaydoc.ParsedItem, error) {
	return nil, nil
}

func (fakeParser) ParseLoadPage(doc *gatewaydoc.Document, url string) (*gatewaydoc.ParsedLoadData, error) {
	return nil, nil
}

func (fakeParser) ParseEpisodes(doc *gatewaydoc.Document, season string) ([]gatewaydoc.ParsedEpisode, error) {
	return nil, nil
}

func (fakeParser) ExtractPlayerURLs(doc *gatewaydoc.Document) ([]string, error) {
	return nil, nil
}

// fakeTransport serves canned responses keyed by exact target URL, and
// records every request it sees. It satisfies directTransport without
// dialing anything real, per the interface-narrowing done in gateway.go
// specifically so these tests don't need a live TLS endpoint. The last
// response queued for a URL is sticky: once reached it is served to every
// subsequent request, so concurrent followers all observe it. Safe for
// concurrent use.
type fakeTransport struct {
	mu        sync.Mutex
	responses map[string][]*httptransport.Response
	errs      map[string]error
	calls     []string
	bodies    []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{responses: map[string][]*httptransport.Response{}, errs: map[string]error{}}
}

func (f *fakeTransport) enqueue(url string, resp *httptransport.Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[url] = append(f.responses[url], resp)
}

func (f *fakeTransport) Do(ctx context.Context, method, targetURL string, headers map[string]string, body io.Reader) (*httptransport.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, targetURL)
	if body != nil {
		data, _ := io.ReadAll(body)
		f.bodies = append(f.bodies, string(data))
	}
	if err, ok := f.errs[targetURL]; ok {
		return nil, err
	}
	queue := f.responses[targetURL]
	if len(queue) == 0 {
		return &httptransport.Response{StatusCode: 200, Body: "", FinalURL: targetURL}, nil
	}
	resp := queue[0]
	if len(queue) > 1 {
		f.responses[targetURL] = queue[1:]
	}
	return resp, nil
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeBrowser implements browserengine.Engine with a canned, queued set of
// results so solveChallenge/SniffMedia can be exercised without a real
// Chromium instance.
type fakeBrowser struct {
	results []*browserengine.Result
	errs    []error
	calls   int32
}

func (f *fakeBrowser) Run(ctx context.Context, opts browserengine.Options) (*browserengine.Result, error) {
	n := int(atomic.AddInt32(&f.calls, 1)) - 1
	if n < len(f.errs) && f.errs[n] != nil {
		return nil, f.errs[n]
	}
	if n < len(f.results) {
		return f.results[n], nil
	}
	return &browserengine.Result{Status: browserengine.StatusError, Reason: "no canned result"}, nil
}

func testGateway(t *testing.T, cfg config.GatewayConfig) (*Gateway, *fakeTransport, *fakeBrowser) {
	t.Helper()
	ft := newFakeTransport()
	fb := &fakeBrowser{}
	cfg.StateDir = t.TempDir()
	gw := New(cfg, fb, nil)
	gw.transport = ft
	gw.EnsureInitialized(context.Background())
	return gw, ft, fb
}

func baseConfig() config.GatewayConfig {
	return config.GatewayConfig{
		Name:           "site",
		FallbackDomain: "origin.test",
		UserAgent:      "test-agent",
		BrowserEnabled: true,
	}
}

// S1: a cold GetDocument with no challenge in the response succeeds on the
// first direct attempt, with no browser session ever run.
func TestGetDocumentColdFetchNoChallenge(t *testing.T) {
	gw, ft, fb := testGateway(t, baseConfig())
	ft.enqueue("https://origin.test/page", &httptransport.Response{
		StatusCode: 200,
		Body:       "<html><title>hi</title></html>",
		FinalURL:   "https://origin.test/page",
	})

	doc, err := gw.GetDocument(context.Background(), "https://origin.test/page", DocumentOptions{})
	if err != nil {
		t.Fatalf("GetDocument error: %v", err)
	}
	if doc.Title() != "hi" {
		t.Errorf("Title() = %q, want hi", doc.Title())
	}
	if atomic.LoadInt32(&fb.calls) != 0 {
		t.Errorf("browser should not run when no challenge is hit")
	}
}

// S2: a cold fetch hits the challenge marker, the browser solves it, and
// the direct retry succeeds with the browser's cookies attached.
func TestGetDocumentChallengeThenSolveSucceeds(t *testing.T) {
	gw, ft, fb := testGateway(t, baseConfig())
	ft.enqueue("https://origin.test/page", &httptransport.Response{
		StatusCode: 503,
		Body:       "Checking your browser before accessing",
		FinalURL:   "https://origin.test/page",
	})
	ft.enqueue("https://origin.test/page", &httptransport.Response{
		StatusCode: 200,
		Body:       "<html><title>cleared</title></html>",
		FinalURL:   "https://origin.test/page",
	})
	fb.results = []*browserengine.Result{
		{Status: browserengine.StatusSuccess, Cookies: map[string]string{"cf_clearance": "abc"}, FinalURL: "https://origin.test/page"},
	}

	doc, err := gw.GetDocument(context.Background(), "https://origin.test/page", DocumentOptions{})
	if err != nil {
		t.Fatalf("GetDocument error: %v", err)
	}
	if doc.Title() != "cleared" {
		t.Errorf("Title() = %q, want cleared", doc.Title())
	}
	if atomic.LoadInt32(&fb.calls) != 1 {
		t.Errorf("expected exactly one browser session, got %d", fb.calls)
	}
	if gw.session.Snapshot().Cookies()["cf_clearance"] != "abc" {
		t.Errorf("clearance cookie was not published to session state")
	}
}

// A second challenge on the post-solve retry fails the whole batch with
// CodeChallengeUnsolvable rather than re-entering the solver: a second
// challenge is never re-solved.
func TestGetDocumentSecondChallengeAfterSolveFailsWithoutResolve(t *testing.T) {
	gw, ft, fb := testGateway(t, baseConfig())
	ft.enqueue("https://origin.test/page", &httptransport.Response{
		StatusCode: 503,
		Body:       "Checking your browser before accessing",
		FinalURL:   "https://origin.test/page",
	})
	ft.enqueue("https://origin.test/page", &httptransport.Response{
		StatusCode: 503,
		Body:       "Checking your browser before accessing",
		FinalURL:   "https://origin.test/page",
	})
	fb.results = []*browserengine.Result{
		{Status: browserengine.StatusSuccess, Cookies: map[string]string{"cf_clearance": "abc"}, FinalURL: "https://origin.test/page"},
	}

	_, err := gw.GetDocument(context.Background(), "https://origin.test/page", DocumentOptions{})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !gatewayerr.Is(err, gatewayerr.CodeChallengeUnsolvable) {
		t.Errorf("err = %v, want CodeChallengeUnsolvable", err)
	}
	if atomic.LoadInt32(&fb.calls) != 1 {
		t.Errorf("a repeated challenge must not trigger a second solve attempt, got %d calls", fb.calls)
	}
}

// A 403 whose body matches a whitelist marker is treated as success, not a
// challenge, and never reaches the browser.
func TestGetDocumentWhitelisted403IsNotAChallenge(t *testing.T) {
	cfg := baseConfig()
	cfg.OriginValidationMarkers = []string{"access denied by origin policy"}
	gw, ft, fb := testGateway(t, cfg)

	ft.enqueue("https://origin.test/page", &httptransport.Response{
		StatusCode: 403,
		Body:       "access denied by origin policy",
		FinalURL:   "https://origin.test/page",
	})

	doc, err := gw.GetDocument(context.Background(), "https://origin.test/page", DocumentOptions{})
	if err != nil {
		t.Fatalf("GetDocument error: %v", err)
	}
	if doc == nil {
		t.Fatal("expected a parsed document for a whitelisted 403")
	}
	if atomic.LoadInt32(&fb.calls) != 0 {
		t.Errorf("whitelisted 403 must not trigger a challenge solve")
	}
}

// Using the gateway before EnsureInitialized must report CodeNotInitialized
// rather than panicking on a nil session.
func TestGetDocumentBeforeEnsureInitializedReturnsNotInitialized(t *testing.T) {
	fb := &fakeBrowser{}
	cfg := baseConfig()
	cfg.StateDir = t.TempDir()
	gw := New(cfg, fb, nil)

	_, err := gw.GetDocument(context.Background(), "https://origin.test/page", DocumentOptions{})
	if !gatewayerr.Is(err, gatewayerr.CodeNotInitialized) {
		t.Errorf("err = %v, want CodeNotInitialized", err)
	}
}

// A headless timeout with challenge markers still present escalates to a
// visible browser session before giving up.
func TestSolveChallengeEscalatesToVisibleOnTimeoutWithMarkers(t *testing.T) {
	gw, ft, fb := testGateway(t, baseConfig())
	ft.enqueue("https://origin.test/page", &httptransport.Response{
		StatusCode: 503,
		Body:       "Checking your browser before accessing",
		FinalURL:   "https://origin.test/page",
	})
	ft.enqueue("https://origin.test/page", &httptransport.Response{
		StatusCode: 200,
		Body:       "<html><title>cleared</title></html>",
		FinalURL:   "https://origin.test/page",
	})
	fb.results = []*browserengine.Result{
		{Status: browserengine.StatusTimeout, PartialBody: "Checking your browser before accessing"},
		{Status: browserengine.StatusSuccess, Cookies: map[string]string{"cf_clearance": "abc"}, FinalURL: "https://origin.test/page"},
	}

	doc, err := gw.GetDocument(context.Background(), "https://origin.test/page", DocumentOptions{})
	if err != nil {
		t.Fatalf("GetDocument error: %v", err)
	}
	if doc.Title() != "cleared" {
		t.Errorf("Title() = %q, want cleared", doc.Title())
	}
	if atomic.LoadInt32(&fb.calls) != 2 {
		t.Errorf("expected headless attempt then visible escalation, got %d browser calls", fb.calls)
	}
}

// A headless timeout with no challenge markers in the partial body is not
// escalated; the solve simply fails.
func TestSolveChallengeDoesNotEscalateOnPlainTimeout(t *testing.T) {
	gw, ft, fb := testGateway(t, baseConfig())
	ft.enqueue("https://origin.test/page", &httptransport.Response{
		StatusCode: 503,
		Body:       "Checking your browser before accessing",
		FinalURL:   "https://origin.test/page",
	})
	fb.results = []*browserengine.Result{
		{Status: browserengine.StatusTimeout, PartialBody: "an ordinary slow page"},
	}

	_, err := gw.GetDocument(context.Background(), "https://origin.test/page", DocumentOptions{})
	if err == nil {
		t.Fatal("expected an error")
	}
	if atomic.LoadInt32(&fb.calls) != 1 {
		t.Errorf("a plain timeout must not escalate to visible, got %d browser calls", fb.calls)
	}
}

// Disabling the browser fails any challenge solve immediately with
// CodeChallengeUnsolvable, without ever invoking the browser engine.
func TestSolveChallengeFailsFastWhenBrowserDisabled(t *testing.T) {
	cfg := baseConfig()
	cfg.BrowserEnabled = false
	gw, ft, fb := testGateway(t, cfg)
	ft.enqueue("https://origin.test/page", &httptransport.Response{
		StatusCode: 503,
		Body:       "Checking your browser before accessing",
		FinalURL:   "https://origin.test/page",
	})

	_, err := gw.GetDocument(context.Background(), "https://origin.test/page", DocumentOptions{})
	if err == nil {
		t.Fatal("expected an error")
	}
	if atomic.LoadInt32(&fb.calls) != 0 {
		t.Errorf("browser must never run when BrowserEnabled is false")
	}
}

// GetMainPage fetches a Document and hands it to the supplied Parser rather
// than letting the Gateway inspect markup itself.
func TestGetMainPageDelegatesToParser(t *testing.T) {
	gw, ft, _ := testGateway(t, baseConfig())
	ft.enqueue("https://origin.test/list", &httptransport.Response{
		StatusCode: 200,
		Body:       "<html><title>listing</title></html>",
		FinalURL:   "https://origin.test/list",
	})

	items, err := gw.GetMainPage(context.Background(), "https://origin.test/list", fakeParser{}, DocumentOptions{})
	if err != nil {
		t.Fatalf("GetMainPage error: %v", err)
	}
	if len(items) != 1 || items[0].Title != "listing" {
		t.Errorf("items = %+v, want one item titled listing", items)
	}
}

// Hosts in TrustedDomains are rewritten to the session domain; any other
// host (a third-party embed, say) is fetched exactly as given.
func TestRewriteURLOnlyForTrustedHosts(t *testing.T) {
	cfg := baseConfig()
	cfg.TrustedDomains = []string{"alias.test"}
	gw, ft, _ := testGateway(t, cfg)

	if _, err := gw.GetDocument(context.Background(), "https://alias.test/x", DocumentOptions{}); err != nil {
		t.Fatalf("GetDocument (trusted alias) error: %v", err)
	}
	if _, err := gw.GetDocument(context.Background(), "https://embed.example/player", DocumentOptions{}); err != nil {
		t.Fatalf("GetDocument (third party) error: %v", err)
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.calls[0] != "https://origin.test/x" {
		t.Errorf("trusted alias fetched as %q, want rewritten to the session domain", ft.calls[0])
	}
	if ft.calls[1] != "https://embed.example/player" {
		t.Errorf("third-party URL fetched as %q, want untouched", ft.calls[1])
	}
}

// A challenge whose final URL lands on a different host updates the domain
// before the solve, so the clearance cookies are stored against the new
// origin and the retry is rewritten onto it.
func TestDomainRedirectDuringSolveUpdatesDomain(t *testing.T) {
	gw, ft, fb := testGateway(t, baseConfig())
	ft.enqueue("https://origin.test/c", &httptransport.Response{
		StatusCode: 403,
		Body:       "Checking your browser before accessing",
		FinalURL:   "https://new.test/c",
	})
	ft.enqueue("https://new.test/c", &httptransport.Response{
		StatusCode: 200,
		Body:       "<html><title>moved</title></html>",
		FinalURL:   "https://new.test/c",
	})
	fb.results = []*browserengine.Result{
		{Status: browserengine.StatusSuccess, Cookies: map[string]string{"cf_clearance": "abc"}, FinalURL: "https://new.test/c"},
	}

	doc, err := gw.GetDocument(context.Background(), "https://origin.test/c", DocumentOptions{})
	if err != nil {
		t.Fatalf("GetDocument error: %v", err)
	}
	if doc.Title() != "moved" {
		t.Errorf("Title() = %q, want moved", doc.Title())
	}
	if gw.CurrentDomain() != "new.test" {
		t.Errorf("CurrentDomain = %q, want new.test", gw.CurrentDomain())
	}
	if gw.session.Snapshot().Domain() != "new.test" {
		t.Errorf("session domain = %q, want new.test", gw.session.Snapshot().Domain())
	}
}

// A Post whose first attempt hits a challenge re-sends the full form body
// on the post-solve retry instead of an already-consumed reader.
func TestPostResendsFormBodyAfterSolve(t *testing.T) {
	gw, ft, fb := testGateway(t, baseConfig())
	ft.enqueue("https://origin.test/submit", &httptransport.Response{
		StatusCode: 503,
		Body:       "Checking your browser before accessing",
		FinalURL:   "https://origin.test/submit",
	})
	ft.enqueue("https://origin.test/submit", &httptransport.Response{
		StatusCode: 200,
		Body:       "posted",
		FinalURL:   "https://origin.test/submit",
	})
	fb.results = []*browserengine.Result{
		{Status: browserengine.StatusSuccess, Cookies: map[string]string{"cf_clearance": "abc"}, FinalURL: "https://origin.test/submit"},
	}

	body, err := gw.Post(context.Background(), "https://origin.test/submit", map[string]string{"q": "term"}, nil)
	if err != nil {
		t.Fatalf("Post error: %v", err)
	}
	if body != "posted" {
		t.Errorf("Post body = %q, want posted", body)
	}
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.bodies) != 2 {
		t.Fatalf("expected 2 request bodies (first attempt + retry), got %d", len(ft.bodies))
	}
	for i, b := range ft.bodies {
		if b != "q=term" {
			t.Errorf("request body %d = %q, want q=term", i, b)
		}
	}
}

// SniffMedia escalates a headless timeout with challenge markers to a
// visible session, and returns that session's captured media.
func TestSniffMediaEscalatesToVisibleOnChallengeTimeout(t *testing.T) {
	gw, _, fb := testGateway(t, baseConfig())
	fb.results = []*browserengine.Result{
		{Status: browserengine.StatusTimeout, PartialBody: "just a moment"},
		{Status: browserengine.StatusSuccess, CapturedMedia: []browserengine.MediaAsset{
			{URL: "https://cdn.origin.test/stream/master.m3u8", Headers: map[string]string{"Cookie": "cf_clearance=abc"}},
		}},
	}

	media, err := gw.SniffMedia(context.Background(), "https://origin.test/watch", 1, false)
	if err != nil {
		t.Fatalf("SniffMedia error: %v", err)
	}
	if len(media) != 1 || media[0].Headers["Cookie"] == "" {
		t.Errorf("media = %+v, want one asset with its captured Cookie header", media)
	}
	if atomic.LoadInt32(&fb.calls) != 2 {
		t.Errorf("expected headless attempt then visible escalation, got %d browser calls", fb.calls)
	}
}

// ImageHeaders replays the session's UA, Referer, and Cookie so media
// fetched outside the gateway presents the same identity.
func TestImageHeadersReplaySessionIdentity(t *testing.T) {
	gw, ft, fb := testGateway(t, baseConfig())
	ft.enqueue("https://origin.test/page", &httptransport.Response{
		StatusCode: 503,
		Body:       "Checking your browser before accessing",
		FinalURL:   "https://origin.test/page",
	})
	ft.enqueue("https://origin.test/page", &httptransport.Response{
		StatusCode: 200,
		Body:       "<html><title>cleared</title></html>",
		FinalURL:   "https://origin.test/page",
	})
	fb.results = []*browserengine.Result{
		{Status: browserengine.StatusSuccess, Cookies: map[string]string{"cf_clearance": "abc"}, FinalURL: "https://origin.test/page"},
	}
	if _, err := gw.GetDocument(context.Background(), "https://origin.test/page", DocumentOptions{}); err != nil {
		t.Fatalf("GetDocument error: %v", err)
	}

	h := gw.ImageHeaders()
	if h["User-Agent"] != "test-agent" {
		t.Errorf("User-Agent = %q", h["User-Agent"])
	}
	if h["Referer"] != "https://origin.test/" {
		t.Errorf("Referer = %q", h["Referer"])
	}
	if h["Cookie"] == "" {
		t.Errorf("expected Cookie header after a solved challenge")
	}
}

// Concurrent GetDocument calls for the same origin coalesce into a single
// challenge solve: N callers, one browser session. Only the leader's first
// attempt sees the 503; after the solve, the sticky 200 serves the leader's
// retry, the verifier, and every fanned-out follower.
func TestConcurrentRequestsCoalesceIntoOneSolve(t *testing.T) {
	gw, ft, fb := testGateway(t, baseConfig())
	ft.enqueue("https://origin.test/page", &httptransport.Response{
		StatusCode: 503,
		Body:       "Checking your browser before accessing",
		FinalURL:   "https://origin.test/page",
	})
	ft.enqueue("https://origin.test/page", &httptransport.Response{
		StatusCode: 200,
		Body:       "<html><title>cleared</title></html>",
		FinalURL:   "https://origin.test/page",
	})
	fb.results = []*browserengine.Result{
		{Status: browserengine.StatusSuccess, Cookies: map[string]string{"cf_clearance": "abc"}, FinalURL: "https://origin.test/page"},
	}

	const n = 5
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := gw.GetDocument(context.Background(), "https://origin.test/page", DocumentOptions{})
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Errorf("caller %d got error: %v", i, err)
		}
	}
	if atomic.LoadInt32(&fb.calls) != 1 {
		t.Errorf("expected exactly one browser session across all coalesced callers, got %d", fb.calls)
	}
	// Leader pre-solve + leader retry + up to n-1 independent runs.
	if got := ft.callCount(); got > n+1 {
		t.Errorf("direct HTTP calls = %d, want at most %d", got, n+1)
	}
}
