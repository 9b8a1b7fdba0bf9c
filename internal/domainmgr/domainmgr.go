// Package domainmgr owns the gateway's current origin host: it reconciles
// a persisted/fallback domain against a remote config endpoint at startup,
// tracks redirects during fetches, and pushes changes back to a syncback
// URL.
package domainmgr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/use-agent/cdngateway/internal/kvstore"
)

const remoteConfigTimeout = 5 * time.Second

// remoteConfigResponse is the shape returned by a GET to RemoteConfigURL.
// Only Domain is required; Version is kept and sent back in the syncback
// payload; LastUpdated is accepted but unused.
type remoteConfigResponse struct {
	Domain      string `json:"domain"`
	Version     int    `json:"version"`
	LastUpdated string `json:"lastUpdated"`
}

// syncbackPayload is POSTed to SyncbackURL on every observed redirect.
// The response body is ignored; only delivery is attempted.
type syncbackPayload struct {
	Provider       string `json:"provider"`
	ConfigFile     string `json:"configFile"`
	NewDomain      string `json:"newDomain"`
	CurrentVersion int    `json:"currentVersion"`
}

// Config carries the subset of gateway options DomainManager needs.
type Config struct {
	Name            string // provider namespacing key
	FallbackDomain  string
	RemoteConfigURL string
	SyncbackURL     string
	ConfigFile      string
}

// modeEntry remembers whether a domain last needed Visible-mode challenge
// solving, so solveChallenge can try it first instead of always starting
// from Headless.
type modeEntry struct {
	needsVisible bool
	expiresAt    time.Time
}

const modeMemoryTTL = time.Hour

// Manager is the DomainManager described by the gateway's contract:
// ensureInitialized, updateDomain, checkRedirect, buildURL, plus a
// headless/visible mode-memory optimization.
type Manager struct {
	cfg Config
	kv  *kvstore.Store
	log *slog.Logger

	mu          sync.Mutex
	initialized bool
	domain      string
	version     int

	httpClient *http.Client

	modeMemory sync.Map // domain (string) -> *modeEntry
}

// New creates a Manager. It does not contact any network or disk until
// EnsureInitialized is called.
func New(cfg Config, kv *kvstore.Store, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:        cfg,
		kv:         kv,
		log:        log,
		httpClient: &http.Client{Timeout: remoteConfigTimeout},
	}
}

func (m *Manager) namespace() string { return "domain_" + m.cfg.Name }

// EnsureInitialized loads the persisted domain (or falls back to
// cfg.FallbackDomain), then best-effort probes RemoteConfigURL with a
// 5-second timeout. It is idempotent and safe for concurrent callers
// (double-checked under m.mu).
func (m *Manager) EnsureInitialized(ctx context.Context) {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return
	}
	defer func() {
		m.initialized = true
		m.mu.Unlock()
	}()

	domain := m.cfg.FallbackDomain
	if persisted, ok := m.kv.Get(m.namespace(), "domain"); ok && persisted != "" {
		domain = persisted
	}
	m.domain = NormalizeHost(domain)

	if m.cfg.RemoteConfigURL == "" {
		return
	}

	remote, err := m.fetchRemoteConfig(ctx)
	if err != nil {
		m.log.Warn("remote domain config fetch failed, keeping persisted/fallback domain",
			"name", m.cfg.Name, "error", err)
		return
	}
	if remote.Domain == "" {
		return
	}
	normalized := NormalizeHost(remote.Domain)
	if normalized != m.domain {
		m.domain = normalized
		m.version = remote.Version
		m.persistLocked()
	}
}

func (m *Manager) fetchRemoteConfig(ctx context.Context) (*remoteConfigResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, remoteConfigTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.RemoteConfigURL, nil)
	if err != nil {
		return nil, fmt.Errorf("domainmgr: build request: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("domainmgr: fetch remote config: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("domainmgr: remote config returned status %d", resp.StatusCode)
	}

	var out remoteConfigResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("domainmgr: decode remote config: %w", err)
	}
	return &out, nil
}

// CurrentDomain returns the current origin host. EnsureInitialized must
// have been called at least once.
func (m *Manager) CurrentDomain() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.domain
}

// UpdateDomain normalizes newDomain and persists it if it differs from the
// current value.
func (m *Manager) UpdateDomain(newDomain string) {
	normalized := NormalizeHost(newDomain)
	if normalized == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if normalized == m.domain {
		return
	}
	m.domain = normalized
	m.persistLocked()
}

// persistLocked writes the current domain to disk. Caller must hold m.mu.
func (m *Manager) persistLocked() {
	if err := m.kv.Set(m.namespace(), "domain", m.domain); err != nil {
		m.log.Warn("domain persistence failed", "name", m.cfg.Name, "error", err)
	}
}

// CheckRedirect compares the requested and final URLs' hosts; if they
// differ, it updates the domain and fires SyncToRemote asynchronously.
func (m *Manager) CheckRedirect(requested, final string) {
	reqHost := NormalizeHost(requested)
	finalHost := NormalizeHost(final)
	if reqHost == "" || finalHost == "" || reqHost == finalHost {
		return
	}
	m.UpdateDomain(finalHost)
	m.SyncToRemote(finalHost)
}

// BuildURL joins the current domain with path, inserting a leading "/" if
// path lacks one.
func (m *Manager) BuildURL(path string) string {
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("https://%s%s", m.CurrentDomain(), path)
}

// SyncToRemote fire-and-forgets a POST of the new domain to SyncbackURL. A
// no-op if SyncbackURL is unset. Delivery is attempted on a background
// goroutine; failures are logged and never surfaced to the caller.
func (m *Manager) SyncToRemote(newDomain string) {
	if m.cfg.SyncbackURL == "" {
		return
	}
	m.mu.Lock()
	version := m.version
	m.mu.Unlock()

	payload := syncbackPayload{
		Provider:       m.cfg.Name,
		ConfigFile:     m.cfg.ConfigFile,
		NewDomain:      "https://" + newDomain,
		CurrentVersion: version,
	}
	go m.deliverSyncback(payload)
}

// deliverSyncback makes one immediate attempt and retries after 1s/5s/30s.
// The response body is always discarded; only a network error or a status
// of 400 or above triggers a retry.
func (m *Manager) deliverSyncback(payload syncbackPayload) {
	delays := []time.Duration{0, time.Second, 5 * time.Second, 30 * time.Second}
	for attempt, delay := range delays {
		if delay > 0 {
			time.Sleep(delay)
		}
		if err := m.postSyncback(payload); err == nil {
			m.log.Info("domain syncback delivered", "name", m.cfg.Name, "attempt", attempt+1)
			return
		} else {
			m.log.Warn("domain syncback delivery failed", "name", m.cfg.Name, "attempt", attempt+1, "error", err)
		}
	}
	m.log.Error("domain syncback exhausted all retries", "name", m.cfg.Name)
}

func (m *Manager) postSyncback(payload syncbackPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("domainmgr: marshal syncback payload: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.SyncbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("domainmgr: build syncback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("domainmgr: deliver syncback: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("domainmgr: syncback endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// NeedsVisibleMode reports whether the last successful challenge solve for
// domain required Visible mode, provided the memory hasn't expired. A
// cold, absent, or expired memory returns false, letting callers fall
// through to the default Headless-first order.
func (m *Manager) NeedsVisibleMode(domain string) bool {
	val, ok := m.modeMemory.Load(domain)
	if !ok {
		return false
	}
	entry := val.(*modeEntry)
	if time.Now().After(entry.expiresAt) {
		m.modeMemory.Delete(domain)
		return false
	}
	return entry.needsVisible
}

// RecordModeOutcome remembers whether solving domain's challenge needed
// Visible mode, for modeMemoryTTL.
func (m *Manager) RecordModeOutcome(domain string, neededVisible bool) {
	m.modeMemory.Store(domain, &modeEntry{
		needsVisible: neededVisible,
		expiresAt:    time.Now().Add(modeMemoryTTL),
	})
}

// NormalizeHost strips scheme, trailing slash, and a leading "www." from a
// host or URL string.
func NormalizeHost(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	host := raw
	if idx := strings.Index(raw, "://"); idx >= 0 {
		host = raw[idx+3:]
	}
	if idx := strings.IndexByte(host, '/'); idx >= 0 {
		host = host[:idx]
	}
	host = strings.TrimPrefix(host, "www.")
	return host
}
