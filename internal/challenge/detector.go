// Package challenge implements the pure predicate that decides whether an
// HTTP response is a CDN interstitial challenge rather than origin content.
package challenge

import "strings"

// statusCodes are response codes that are never origin content for a CDN-
// fronted site; each one triggers a challenge check regardless of body.
var statusCodes = map[int]bool{
	403: true,
	503: true,
	429: true,
}

// bodyMarkers are lowercase substrings that appear in known CDN challenge
// pages. Matching is case-insensitive substring search over the response
// body, not a regex, to keep detection cheap on large bodies.
var bodyMarkers = []string{
	"challenge-platform",
	"cf-browser-verification",
	"just a moment",
	"checking your browser",
	"cf-chl-bypass",
	"cf_clearance",
	"attention required",
	"_cf_chl_opt",
}

// whitelistMarkers are title/body substrings that indicate a legitimate
// origin page returning 403 on purpose (e.g. an origin's own "access
// denied" page for a missing resource) rather than a CDN challenge. A
// whitelisted 403 is not reported as a challenge.
var whitelistMarkers = []string{}

// Detector evaluates whether a response looks like a CDN challenge. It
// holds no mutable state; it is a pure function wrapped in a type so
// per-site whitelist markers can be configured.
type Detector struct {
	// KnownOriginMarkers are additional whitelist substrings this gateway
	// instance trusts, merged with the built-in whitelist.
	KnownOriginMarkers []string
}

// NewDetector creates a Detector with the given known-origin whitelist
// markers (may be nil).
func NewDetector(knownOriginMarkers []string) *Detector {
	return &Detector{KnownOriginMarkers: knownOriginMarkers}
}

// IsChallenge reports whether (statusCode, body) looks like a CDN
// challenge page. A 403 whose body matches a whitelist marker is never a
// challenge, even if it also matches a challenge marker, since an origin
// that intentionally returns a branded 403 takes precedence.
func (d *Detector) IsChallenge(statusCode int, body string) bool {
	lower := strings.ToLower(body)

	if statusCode == 403 && d.matchesWhitelist(lower) {
		return false
	}

	if statusCodes[statusCode] {
		return true
	}

	return d.matchesBodyMarker(lower)
}

func (d *Detector) matchesBodyMarker(lowerBody string) bool {
	for _, m := range bodyMarkers {
		if strings.Contains(lowerBody, m) {
			return true
		}
	}
	return false
}

func (d *Detector) matchesWhitelist(lowerBody string) bool {
	for _, m := range whitelistMarkers {
		if strings.Contains(lowerBody, strings.ToLower(m)) {
			return true
		}
	}
	for _, m := range d.KnownOriginMarkers {
		if m == "" {
			continue
		}
		if strings.Contains(lowerBody, strings.ToLower(m)) {
			return true
		}
	}
	return false
}
