package session

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/use-agent/cdngateway/internal/kvstore"
)

// Store persists a Session's state best-effort to an underlying kvstore
// namespace: a failed save or load never blocks a fetch. The on-disk
// shape is one namespace per provider with flat string keys, small flat
// records rather than a nested JSON blob.
type Store struct {
	kv       *kvstore.Store
	provider string
	log      *slog.Logger
}

const (
	keyUserAgent  = "user_agent"
	keyCookies    = "cookies_json"
	keyDomain     = "domain"
	keyAcquiredAt = "cookie_timestamp"
	keyViaBrowser = "from_webview"
)

// NewStore creates a Store for the given provider name, persisting under
// namespace "session_<provider>".
func NewStore(kv *kvstore.Store, provider string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{kv: kv, provider: provider, log: log}
}

func (s *Store) namespace() string { return "session_" + s.provider }

// Load reads a previously persisted State, or nil if none exists or the
// stored record is unusable (no cookies, or a cookie record that does not
// decode), in which case the caller starts a fresh session.
func (s *Store) Load() *State {
	ns := s.namespace()
	kv := s.kv.GetAll(ns)
	if len(kv) == 0 {
		return nil
	}

	ua := kv[keyUserAgent]
	domain := kv[keyDomain]
	cookies := decodeCookies(kv[keyCookies])
	if len(cookies) == 0 {
		return nil
	}
	viaBrowser := kv[keyViaBrowser] == "true"

	var acquiredAt time.Time
	if raw, ok := kv[keyAcquiredAt]; ok {
		if sec, err := strconv.ParseInt(raw, 10, 64); err == nil {
			acquiredAt = time.Unix(sec, 0)
		}
	}

	return New(ua, domain, cookies, acquiredAt, viaBrowser)
}

// Save persists st best-effort; errors are logged, never returned, since
// callers must not let a disk failure interrupt a fetch.
func (s *Store) Save(st *State) {
	if st == nil {
		return
	}
	values := map[string]string{
		keyUserAgent:  st.UserAgent(),
		keyDomain:     st.Domain(),
		keyCookies:    encodeCookies(st.Cookies()),
		keyViaBrowser: strconv.FormatBool(st.AcquiredViaBrowser()),
	}
	if !st.CookieAcquiredAt().IsZero() {
		values[keyAcquiredAt] = strconv.FormatInt(st.CookieAcquiredAt().Unix(), 10)
	}
	if err := s.kv.SetAll(s.namespace(), values); err != nil {
		s.log.Warn("session persistence failed", "provider", s.provider, "error", err)
	}
}

// encodeCookies renders the cookie map as a JSON object string, "" when
// there are no cookies.
func encodeCookies(c map[string]string) string {
	if len(c) == 0 {
		return ""
	}
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return string(data)
}

func decodeCookies(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	out := make(map[string]string)
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}
