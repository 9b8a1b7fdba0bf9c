// Package session implements the immutable (UA, cookies, domain,
// timestamp) tuple the gateway publishes under a monitor (see
// gateway.Gateway), and its functional updaters.
//
// No field is ever mutated in place. Every transition — WithCookies,
// WithDomain, MergeCookies, Invalidate — returns a new *State built from
// the old one, so a reader that took a snapshot before a concurrent
// writer's Publish is never exposed to a torn combination of old domain +
// new cookies or vice versa.
package session

import (
	"fmt"
	"maps"
	"net/url"
	"strings"
	"sync"
	"time"
)

// CookieTTL is the default lifetime of acquired cookies before they are
// considered expired.
const CookieTTL = 30 * time.Minute

// State is an immutable snapshot of the session's User-Agent, cookies,
// domain, and cookie-acquisition metadata. Never mutate a *State in place;
// build a new one with the With* methods.
type State struct {
	userAgent          string
	cookies            map[string]string
	domain             string
	cookieAcquiredAt   time.Time // zero value == never
	acquiredViaBrowser bool
}

// New creates the initial State for a fresh gateway instance. cookies may be
// nil; acquiredAt may be zero (meaning "never acquired").
func New(userAgent, domain string, cookies map[string]string, acquiredAt time.Time, viaBrowser bool) *State {
	return &State{
		userAgent:          userAgent,
		cookies:            cloneCookies(cookies),
		domain:             NormalizeDomain(domain),
		cookieAcquiredAt:   acquiredAt,
		acquiredViaBrowser: viaBrowser,
	}
}

func cloneCookies(c map[string]string) map[string]string {
	if len(c) == 0 {
		return nil
	}
	return maps.Clone(c)
}

// UserAgent returns the session's User-Agent string.
func (s *State) UserAgent() string { return s.userAgent }

// Domain returns the current origin host (no scheme, no trailing slash, no
// leading "www.").
func (s *State) Domain() string { return s.domain }

// Cookies returns a copy of the cookie jar; callers must not mutate the
// State's internals through the original map, so a defensive copy is
// returned on every call.
func (s *State) Cookies() map[string]string { return cloneCookies(s.cookies) }

// CookieAcquiredAt returns the time cookies were last acquired, or the zero
// time if cookies were never acquired.
func (s *State) CookieAcquiredAt() time.Time { return s.cookieAcquiredAt }

// AcquiredViaBrowser reports whether the current cookie set was obtained by
// a scripted-browser challenge solve (vs. a plain Set-Cookie merge).
func (s *State) AcquiredViaBrowser() bool { return s.acquiredViaBrowser }

// IsExpired reports whether cookies have reached the end of ttl (0 means
// "never acquired" and therefore always expired). A cookie set exactly at
// the ttl boundary counts as expired.
func (s *State) IsExpired(ttl time.Duration) bool {
	if s.cookieAcquiredAt.IsZero() {
		return true
	}
	return time.Since(s.cookieAcquiredAt) >= ttl
}

// IsValid reports whether the session has a usable (non-empty, non-expired)
// cookie set, using the default CookieTTL.
func (s *State) IsValid() bool {
	return len(s.cookies) > 0 && !s.IsExpired(CookieTTL)
}

// CookieHeader renders the cookie jar as a single "Cookie:" header value, or
// "" if there are no cookies.
func (s *State) CookieHeader() string {
	if len(s.cookies) == 0 {
		return ""
	}
	var b strings.Builder
	first := true
	for k, v := range s.cookies {
		if !first {
			b.WriteString("; ")
		}
		first = false
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
	}
	return b.String()
}

// RequestHeaders produces the fixed header set the gateway attaches to every
// direct HTTP request: UA, Referer, Accept, Accept-Language, client hints
// matching the UA family, upgrade-insecure-requests, sec-fetch-*, and Cookie
// when present.
func (s *State) RequestHeaders() map[string]string {
	h := map[string]string{
		"User-Agent":                s.userAgent,
		"Referer":                   fmt.Sprintf("https://%s/", s.domain),
		"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
		"Accept-Language":           "en-US,en;q=0.9",
		"Upgrade-Insecure-Requests": "1",
		"Sec-Fetch-Dest":            "document",
		"Sec-Fetch-Mode":            "navigate",
		"Sec-Fetch-Site":            "none",
		"Sec-Fetch-User":            "?1",
	}
	for k, v := range clientHints(s.userAgent) {
		h[k] = v
	}
	if ck := s.CookieHeader(); ck != "" {
		h["Cookie"] = ck
	}
	return h
}

// clientHints derives Sec-CH-UA-* headers matching the UA family. Desktop
// Chrome vs mobile Chrome is distinguished by the presence of "Mobile" in
// the UA string.
func clientHints(userAgent string) map[string]string {
	mobile := strings.Contains(userAgent, "Mobile")
	platform := `"Windows"`
	mobileFlag := "?0"
	if mobile {
		platform = `"Android"`
		mobileFlag = "?1"
	}
	return map[string]string{
		"Sec-CH-UA":          `"Chromium";v="131", "Not_A Brand";v="24"`,
		"Sec-CH-UA-Mobile":   mobileFlag,
		"Sec-CH-UA-Platform": platform,
	}
}

// WithCookies returns a new State with the cookie jar replaced wholesale and
// cookieAcquiredAt set to now. userAgent is never changed by this call:
// the CDN binds clearance to the UA that solved for it.
func (s *State) WithCookies(cookies map[string]string, viaBrowser bool) *State {
	return &State{
		userAgent:          s.userAgent,
		cookies:            cloneCookies(cookies),
		domain:             s.domain,
		cookieAcquiredAt:   time.Now(),
		acquiredViaBrowser: viaBrowser,
	}
}

// MergeCookies returns a new State with additional cookies merged on top of
// the existing jar (used for non-browser Set-Cookie capture, which augments
// rather than replaces). The acquisition time is refreshed.
func (s *State) MergeCookies(cookies map[string]string) *State {
	merged := cloneCookies(s.cookies)
	if merged == nil {
		merged = make(map[string]string, len(cookies))
	}
	for k, v := range cookies {
		merged[k] = v
	}
	return &State{
		userAgent:          s.userAgent,
		cookies:            merged,
		domain:             s.domain,
		cookieAcquiredAt:   time.Now(),
		acquiredViaBrowser: s.acquiredViaBrowser,
	}
}

// WithDomain returns a new State with domain replaced. Cookies are
// origin-scoped, so changing domain clears the cookie jar and resets
// cookieAcquiredAt to the zero value.
func (s *State) WithDomain(domain string) *State {
	return &State{
		userAgent:          s.userAgent,
		cookies:            nil,
		domain:             NormalizeDomain(domain),
		cookieAcquiredAt:   time.Time{},
		acquiredViaBrowser: false,
	}
}

// WithUserAgent returns a new State with the UA rotated. Rotating the UA
// invalidates cookies, since the CDN binds clearance to the UA that solved it.
func (s *State) WithUserAgent(userAgent string) *State {
	return &State{
		userAgent:          userAgent,
		cookies:            nil,
		domain:             s.domain,
		cookieAcquiredAt:   time.Time{},
		acquiredViaBrowser: false,
	}
}

// Invalidate returns a new State with cookies cleared but UA and domain
// unchanged.
func (s *State) Invalidate() *State {
	return &State{
		userAgent:          s.userAgent,
		cookies:            nil,
		domain:             s.domain,
		cookieAcquiredAt:   time.Time{},
		acquiredViaBrowser: false,
	}
}

// NormalizeDomain strips scheme, trailing slash, and a leading "www." from a
// host or URL string, returning "" for an unparseable or schemeless-empty
// input.
func NormalizeDomain(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	host := raw
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return ""
		}
		host = u.Host
	}
	host = strings.TrimSuffix(host, "/")
	host = strings.TrimPrefix(host, "www.")
	return host
}

// Monitor guards a single *State behind a mutex and publishes atomic
// replacements: one reference per Gateway, writes serialized, readers
// always see a consistent snapshot.
type Monitor struct {
	mu      sync.RWMutex
	current *State
}

// NewMonitor creates a Monitor seeded with the given initial State.
func NewMonitor(initial *State) *Monitor {
	return &Monitor{current: initial}
}

// Snapshot returns the currently published State. Safe for concurrent use;
// never returns a torn combination of fields because State is immutable.
func (m *Monitor) Snapshot() *State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Publish replaces the current State. Safe for concurrent use.
func (m *Monitor) Publish(s *State) {
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
}

// Update atomically replaces the current State with fn(current) and returns
// the new value. fn must be pure; it may be called only once per Update.
func (m *Monitor) Update(fn func(*State) *State) *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = fn(m.current)
	return m.current
}
