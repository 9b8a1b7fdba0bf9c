package browserengine

import (
	"net/url"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// mediaCapture accumulates media URLs intercepted during a session,
// deduplicated by URL, along with the outbound request headers for each.
// Safe for concurrent use from hijack callbacks, which rod runs on their
// own goroutines.
type mediaCapture struct {
	mu      sync.Mutex
	order   []string
	headers map[string]map[string]string
}

func newMediaCapture() *mediaCapture {
	return &mediaCapture{headers: make(map[string]map[string]string)}
}

func (m *mediaCapture) add(rawURL string, headers map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.headers[rawURL]; seen {
		return
	}
	m.headers[rawURL] = headers
	m.order = append(m.order, rawURL)
}

func (m *mediaCapture) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

func (m *mediaCapture) assets() []MediaAsset {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MediaAsset, 0, len(m.order))
	for _, u := range m.order {
		out = append(out, MediaAsset{URL: u, Headers: m.headers[u]})
	}
	return out
}

// setupMediaHijack mounts a hijack router that never blocks requests (it
// only observes them) and records every request whose URL looks like
// media per looksLikeMedia. A Cookie header for the request's own origin
// is attached when resolvable, since by the time media is requested the
// session may already hold clearance cookies for that host.
func setupMediaHijack(page *rod.Page, capture *mediaCapture) *rod.HijackRouter {
	router := page.HijackRequests()

	_ = router.Add("*", "", func(ctx *rod.Hijack) {
		reqURL := ctx.Request.URL().String()
		if looksLikeMedia(reqURL) {
			headers := make(map[string]string)
			for k, v := range ctx.Request.Headers() {
				headers[k] = v.Str()
			}
			if cookie := lookupCookieForURL(page, reqURL); cookie != "" {
				headers["Cookie"] = cookie
			}
			capture.add(reqURL, headers)
		}
		ctx.ContinueRequest(&proto.FetchContinueRequest{})
	})

	go router.Run()
	return router
}

// lookupCookieForURL renders the browser's cookie jar for rawURL's origin
// as a single Cookie header value, best-effort.
func lookupCookieForURL(page *rod.Page, rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	cookies, err := proto.NetworkGetCookies{Urls: []string{rawURL}}.Call(page)
	if err != nil {
		return ""
	}
	if len(cookies.Cookies) == 0 {
		return ""
	}
	s := ""
	for i, c := range cookies.Cookies {
		if i > 0 {
			s += "; "
		}
		s += c.Name + "=" + c.Value
	}
	return s
}
