// Package httptransport provides the Chrome-fingerprinted, HTTP/1.1-only
// HTTP client used for direct (non-browser) requests against a CDN-fronted
// origin.
//
// Do returns every response (status, body, final URL, Set-Cookie) rather
// than treating 4xx/5xx as transport failures, since a 403 challenge page
// here is data to act on, not a failure to discard; challenge detection
// and cookie merging are the caller's job.
package httptransport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	tls "github.com/refraction-networking/utls"
)

const maxBodyBytes = 10 << 20 // 10 MB

// chromeH1Spec builds a Chrome-like TLS ClientHello with ALPN forced to
// http/1.1 only. Go's http.Transport cannot speak HTTP/2 over a utls
// connection, so H2 is excluded from the negotiated protocol list rather
// than letting the handshake pick it and then failing to frame it. A
// fresh spec is built per connection: extensions carry per-handshake
// state and must not be shared.
func chromeH1Spec() (*tls.ClientHelloSpec, error) {
	spec, err := tls.UTLSIdToSpec(tls.HelloChrome_Auto)
	if err != nil {
		return nil, fmt.Errorf("httptransport: build tls spec: %w", err)
	}
	for i, ext := range spec.Extensions {
		if alpn, ok := ext.(*tls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
			spec.Extensions[i] = alpn
			break
		}
	}
	return &spec, nil
}

// Transport is the HTTP/1.1-only, Chrome-fingerprinted client used by
// executeDirect.
type Transport struct {
	client *http.Client
}

// New creates a Transport. requestTimeout bounds each request; proxy, if
// non-empty, is used as a forward proxy for every connection.
func New(requestTimeout time.Duration, proxy string) *Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second}

	transport := &http.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialTCP(ctx, dialer, network, addr, proxy)
			if err != nil {
				return nil, err
			}
			spec, err := chromeH1Spec()
			if err != nil {
				conn.Close()
				return nil, err
			}
			host, _, _ := net.SplitHostPort(addr)
			tlsConn := tls.UClient(conn, &tls.Config{ServerName: host}, tls.HelloCustom)
			if err := tlsConn.ApplyPreset(spec); err != nil {
				conn.Close()
				return nil, fmt.Errorf("httptransport: apply tls spec: %w", err)
			}
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				conn.Close()
				return nil, err
			}
			return tlsConn, nil
		},
		ForceAttemptHTTP2: false,
	}

	return &Transport{
		client: &http.Client{
			Transport: transport,
			Timeout:   requestTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("httptransport: too many redirects")
				}
				return nil
			},
		},
	}
}

// dialTCP opens the raw TCP connection the TLS handshake will run over:
// straight to addr, or through an HTTP CONNECT tunnel when a forward proxy
// is configured.
func dialTCP(ctx context.Context, dialer *net.Dialer, network, addr, proxy string) (net.Conn, error) {
	if proxy == "" {
		return dialer.DialContext(ctx, network, addr)
	}
	proxyURL, err := url.Parse(proxy)
	if err != nil {
		return nil, fmt.Errorf("httptransport: invalid proxy: %w", err)
	}
	conn, err := dialer.DialContext(ctx, network, proxyURL.Host)
	if err != nil {
		return nil, err
	}
	if err := establishTunnel(conn, addr); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// establishTunnel issues a CONNECT for addr on conn and consumes the proxy's
// response, leaving the connection ready for the TLS handshake.
func establishTunnel(conn net.Conn, addr string) error {
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if err := req.Write(conn); err != nil {
		return fmt.Errorf("httptransport: write CONNECT: %w", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		return fmt.Errorf("httptransport: read CONNECT response: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("httptransport: proxy refused CONNECT: status %d", resp.StatusCode)
	}
	return nil
}

// Response is a normalized result of a Do call: status, raw body, the
// final URL after redirects, and every Set-Cookie header value.
type Response struct {
	StatusCode int
	Body       string
	FinalURL   string
	SetCookies map[string]string
}

// Do issues method against targetURL with the given headers and optional
// body (nil for no body, e.g. GET). It always returns a Response — even
// for 4xx/5xx or non-HTML content — since challenge detection and cookie
// merging happen over the raw response, not just successful ones.
func (t *Transport) Do(ctx context.Context, method, targetURL string, headers map[string]string, body io.Reader) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, targetURL, body)
	if err != nil {
		return nil, fmt.Errorf("httptransport: build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httptransport: do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("httptransport: read body: %w", err)
	}

	cookies := make(map[string]string)
	for _, c := range resp.Cookies() {
		cookies[c.Name] = c.Value
	}

	finalURL := targetURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       string(data),
		FinalURL:   finalURL,
		SetCookies: cookies,
	}, nil
}
