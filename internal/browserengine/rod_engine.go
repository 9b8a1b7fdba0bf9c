package browserengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/ysmood/gson"
)

// RodEngine is the rod-backed Engine implementation. Every Run call
// launches a dedicated browser process and tears it down on every exit
// path (success, timeout, error, or cancellation). There is no shared
// pool: a clearance cookie earned by one session must never be reachable
// by another caller.
type RodEngine struct {
	browserBin string
	noSandbox  bool
	proxy      string
	checker    ChallengeChecker
	log        *slog.Logger
}

// NewRodEngine creates a RodEngine. checker may be nil, in which case
// PageLoaded always succeeds once the page finishes loading.
func NewRodEngine(browserBin string, noSandbox bool, proxy string, checker ChallengeChecker, log *slog.Logger) *RodEngine {
	if log == nil {
		log = slog.Default()
	}
	return &RodEngine{browserBin: browserBin, noSandbox: noSandbox, proxy: proxy, checker: checker, log: log}
}

func (e *RodEngine) launch(headless bool) (*rod.Browser, error) {
	l := launcher.New().Headless(headless).NoSandbox(e.noSandbox)
	if e.browserBin != "" {
		l = l.Bin(e.browserBin)
	}
	if e.proxy != "" {
		l = l.Proxy(e.proxy)
	}

	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-features"), "AudioServiceOutOfProcess,TranslateUI")
	l.Set(flags.Flag("disable-ipc-flooding-protection"))
	l.Set(flags.Flag("disable-popup-blocking"))
	l.Set(flags.Flag("disable-prompt-on-repost"))
	l.Set(flags.Flag("disable-renderer-backgrounding"))
	l.Set(flags.Flag("disable-background-timer-throttling"))
	l.Set(flags.Flag("disable-backgrounding-occluded-windows"))
	l.Set(flags.Flag("disable-component-update"))
	l.Set(flags.Flag("disable-default-apps"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("disable-extensions"))
	l.Set(flags.Flag("no-first-run"))

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("browserengine: launch browser: %w", err)
	}
	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("browserengine: connect to browser: %w", err)
	}
	return browser, nil
}

// Run launches a browser in opts.Mode, navigates to opts.URL, waits for
// opts.ExitCondition, and returns the outcome. The browser is disposed of
// before returning, on every code path.
func (e *RodEngine) Run(ctx context.Context, opts Options) (result *Result, err error) {
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	browser, err := e.launch(opts.Mode == Headless)
	if err != nil {
		return &Result{Status: StatusError, Reason: err.Error()}, nil
	}
	defer browser.MustClose()

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return &Result{Status: StatusError, Reason: fmt.Sprintf("create page: %v", err)}, nil
	}
	defer func() { _ = page.Close() }()

	if opts.UserAgent != "" {
		_ = proto.NetworkSetUserAgentOverride{UserAgent: opts.UserAgent}.Call(page)
	}
	if len(opts.ExtraHeaders) > 0 {
		_ = proto.NetworkSetExtraHTTPHeaders{Headers: toHeadersMap(opts.ExtraHeaders)}.Call(page)
	}

	if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
		e.log.Warn("stealth injection failed, proceeding without it", "error", err)
	}
	desktop := opts.UserAgent == "" || !strings.Contains(opts.UserAgent, "Mobile")
	if _, err := page.EvalOnNewDocument(fmt.Sprintf(environmentNormalizeJS, boolJS(desktop))); err != nil {
		e.log.Warn("environment normalization injection failed", "error", err)
	}

	capture := newMediaCapture()
	router := setupMediaHijack(page, capture)
	defer func() { _ = router.Stop() }()

	p := page.Context(ctx)

	var stopAntiAd chan struct{}
	if opts.ExitCondition.Kind == MediaFound {
		stopAntiAd = make(chan struct{})
		go runAntiAdLoop(p, stopAntiAd)
		defer close(stopAntiAd)
	}

	navErr := p.Navigate(opts.URL)
	if navErr != nil {
		return e.categorizeFailure(navErr, opts.URL, p), nil
	}

	if stableErr := p.WaitDOMStable(300*time.Millisecond, 0.1); stableErr != nil {
		e.log.Debug("WaitDOMStable did not converge, proceeding", "error", stableErr)
	}

	if opts.PostLoadDelay > 0 {
		select {
		case <-time.After(opts.PostLoadDelay):
		case <-ctx.Done():
		}
	}

	return e.waitForExit(ctx, p, opts, capture), nil
}

// waitForExit polls every 300ms for opts.ExitCondition, applying the
// MediaFound grace-period and partial-success-on-timeout rules.
func (e *RodEngine) waitForExit(ctx context.Context, p *rod.Page, opts Options, capture *mediaCapture) *Result {
	ticker := time.NewTicker(mediaPollInterval)
	defer ticker.Stop()

	for {
		if ok, result := e.checkExit(p, opts, capture); ok {
			return result
		}
		select {
		case <-ctx.Done():
			return e.timeoutResult(p, opts, capture)
		case <-ticker.C:
		}
	}
}

// checkExit evaluates whether opts.ExitCondition is currently satisfied.
// For MediaFound it applies the grace period once the threshold is first
// met, to let late-arriving headers settle.
func (e *RodEngine) checkExit(p *rod.Page, opts Options, capture *mediaCapture) (bool, *Result) {
	switch opts.ExitCondition.Kind {
	case PageLoaded:
		body, statusCode := extractBodyAndStatus(p)
		if e.checker != nil && e.checker.IsChallenge(statusCode, body) {
			return false, nil
		}
		return true, e.successResult(p, capture, body)

	case CookiesPresent:
		cookies := readCookies(p, opts.URL)
		for _, k := range opts.ExitCondition.CookieKeys {
			if _, ok := cookies[k]; !ok {
				return false, nil
			}
		}
		body, _ := extractBodyAndStatus(p)
		return true, e.successResult(p, capture, body)

	case MediaFound:
		if capture.count() < opts.ExitCondition.MinMedia {
			return false, nil
		}
		time.Sleep(mediaGracePeriod)
		body, _ := extractBodyAndStatus(p)
		return true, e.successResult(p, capture, body)
	}
	return false, nil
}

func (e *RodEngine) successResult(p *rod.Page, capture *mediaCapture, body string) *Result {
	return &Result{
		Status:        StatusSuccess,
		Cookies:       readCookies(p, ""),
		Body:          body,
		FinalURL:      evalStringOrEmpty(p, `() => window.location.href`),
		CapturedMedia: capture.assets(),
	}
}

// timeoutResult applies the "success with partial media" rule: if any
// media was captured before the deadline, treat it as a Success rather
// than a Timeout.
func (e *RodEngine) timeoutResult(p *rod.Page, opts Options, capture *mediaCapture) *Result {
	if opts.ExitCondition.Kind == MediaFound && capture.count() > 0 {
		body, _ := extractBodyAndStatus(p)
		return e.successResult(p, capture, body)
	}
	body, _ := extractBodyAndStatus(p)
	return &Result{
		Status:      StatusTimeout,
		LastURL:     evalStringOrEmpty(p, `() => window.location.href`),
		PartialBody: body,
	}
}

// categorizeFailure maps a navigation error to Timeout (context deadline)
// or an Error result (cancellation, or any other failure).
func (e *RodEngine) categorizeFailure(navErr error, requestedURL string, p *rod.Page) *Result {
	if errors.Is(navErr, context.DeadlineExceeded) {
		return &Result{Status: StatusTimeout, LastURL: requestedURL}
	}
	if errors.Is(navErr, context.Canceled) {
		return &Result{Status: StatusError, Reason: "navigation canceled"}
	}
	return &Result{Status: StatusError, Reason: fmt.Sprintf("navigation failed: %v", navErr)}
}

func extractBodyAndStatus(p *rod.Page) (string, int) {
	body, err := p.HTML()
	if err != nil {
		body = ""
	}
	statusCode := 0
	if res, err := p.Eval(navigationStatusJS); err == nil {
		statusCode = res.Value.Int()
	}
	return body, statusCode
}

func evalStringOrEmpty(p *rod.Page, js string) string {
	res, err := p.Eval(js)
	if err != nil {
		return ""
	}
	return res.Value.Str()
}

// readCookies returns the browser's cookie jar as a flat map. If rawURL is
// non-empty, only cookies visible to that URL are returned; otherwise all
// cookies in the browser context are returned.
func readCookies(p *rod.Page, rawURL string) map[string]string {
	var req proto.NetworkGetCookies
	if rawURL != "" {
		req.Urls = []string{rawURL}
	}
	resp, err := req.Call(p)
	if err != nil {
		return nil
	}
	out := make(map[string]string, len(resp.Cookies))
	for _, c := range resp.Cookies {
		out[c.Name] = c.Value
	}
	return out
}

// runAntiAdLoop runs antiAdJS once a second until stop is closed or the
// page's context is done, per the mandated "periodic anti-ad/autoplay
// script" behavior for media-sniffing sessions.
func runAntiAdLoop(p *rod.Page, stop chan struct{}) {
	ticker := time.NewTicker(antiAdInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_, _ = p.Eval(antiAdJS)
		}
	}
}

// toHeadersMap converts a plain string map to the proto.NetworkHeaders type
// (map[string]gson.JSON) required by NetworkSetExtraHTTPHeaders.
func toHeadersMap(headers map[string]string) proto.NetworkHeaders {
	m := make(proto.NetworkHeaders, len(headers))
	for k, v := range headers {
		m[k] = gson.New(v)
	}
	return m
}

func boolJS(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
