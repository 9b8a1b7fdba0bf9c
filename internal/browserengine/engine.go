// Package browserengine drives an embedded, stealth-configured Chromium
// instance to solve CDN challenges and sniff media URLs. Every session
// launches and tears down its own browser process: there is no shared page
// pool, because a clearance cookie is bound to the browser instance that
// earned it and must not leak across unrelated callers.
package browserengine

import (
	"context"
	"strings"
	"time"
)

// Mode selects whether the browser is launched headless or with a visible
// window. Some CDN challenges only solve in a real, visible render.
type Mode int

const (
	Headless Mode = iota
	Visible
)

func (m Mode) String() string {
	if m == Visible {
		return "visible"
	}
	return "headless"
}

// ExitKind identifies which condition a session is waiting for.
type ExitKind int

const (
	// PageLoaded succeeds once the page finishes loading and its body does
	// not match the challenge detector.
	PageLoaded ExitKind = iota
	// CookiesPresent succeeds once every key in ExitCondition.CookieKeys is
	// present in the browser's cookie jar for the final URL.
	CookiesPresent
	// MediaFound succeeds once at least ExitCondition.MinMedia distinct
	// media URLs have been intercepted.
	MediaFound
)

// ExitCondition describes when a browser session should stop waiting and
// report success.
type ExitCondition struct {
	Kind       ExitKind
	CookieKeys []string
	MinMedia   int
}

// ResultStatus classifies the outcome of a Run call.
type ResultStatus int

const (
	StatusSuccess ResultStatus = iota
	StatusTimeout
	StatusError
)

// MediaAsset is a captured media URL plus the outbound request headers
// (including, when resolvable, a Cookie header for the URL's origin).
type MediaAsset struct {
	URL     string
	Headers map[string]string
}

// Result is the outcome of a single browser session.
type Result struct {
	Status ResultStatus

	// Success / Timeout fields.
	Cookies       map[string]string
	Body          string
	FinalURL      string
	CapturedMedia []MediaAsset

	// Timeout-only.
	LastURL     string
	PartialBody string

	// Error-only.
	Reason string
}

// Options configures a single browser session.
type Options struct {
	URL           string
	Mode          Mode
	UserAgent     string
	ExitCondition ExitCondition
	Timeout       time.Duration
	PostLoadDelay time.Duration
	// ExtraHeaders are attached to every outbound request the page makes
	// (e.g. a Referer matching the session's origin).
	ExtraHeaders map[string]string
}

// ChallengeChecker is the subset of challenge.Detector the engine needs,
// to decide whether PageLoaded should treat a loaded body as a challenge
// still in progress.
type ChallengeChecker interface {
	IsChallenge(statusCode int, body string) bool
}

// Engine runs a single scripted-browser session per call. Implementations
// own the full lifecycle: launch, navigate, wait for ExitCondition, extract,
// and teardown — every exit path disposes of the browser instance.
type Engine interface {
	Run(ctx context.Context, opts Options) (*Result, error)
}

const mediaPollInterval = 300 * time.Millisecond
const mediaGracePeriod = 500 * time.Millisecond
const antiAdInterval = time.Second

// mediaURLSuffixes are the patterns a candidate media URL must contain to
// be considered a hit.
var mediaURLSuffixes = []string{
	".m3u8", ".mp4", ".mkv", ".webm", "/master.m3u8", ".urls", ".urlset",
}

// mediaURLBlacklist substrings exclude obvious non-media noise
// (trackers, favicons) from the captured set.
var mediaURLBlacklist = []string{
	"/ping.gif", "/analytics", "favicon.ico", "/google-analytics",
}

const minMediaURLLength = 50

// looksLikeMedia applies the fixed pattern/length/blacklist rule from the
// exit-condition contract.
func looksLikeMedia(url string) bool {
	if len(url) < minMediaURLLength {
		return false
	}
	for _, bad := range mediaURLBlacklist {
		if strings.Contains(url, bad) {
			return false
		}
	}
	for _, suf := range mediaURLSuffixes {
		if strings.Contains(url, suf) {
			return true
		}
	}
	return false
}
