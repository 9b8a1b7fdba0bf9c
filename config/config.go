// Package config loads the gateway's environment-driven configuration:
// one flat env var per field, read through typed envOr helpers with sane
// defaults.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every option the Gateway and its optional HTTP façade read.
type Config struct {
	Server    ServerConfig
	Browser   BrowserConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Log       LogConfig
	Gateway   GatewayConfig
}

// GatewayConfig is the option set for the Gateway itself.
type GatewayConfig struct {
	// Name namespaces this provider's persisted session/domain state.
	Name string

	// FallbackDomain is used when no persisted/remote domain is available.
	FallbackDomain string

	// RemoteConfigURL, if set, is probed at EnsureInitialized.
	RemoteConfigURL string

	// SyncbackURL, if set, receives a POST whenever the domain changes.
	SyncbackURL string

	// ConfigFile identifies this provider's config in the syncback payload.
	ConfigFile string

	// UserAgent overrides the default mobile-Chrome UA.
	UserAgent string

	// SkipHeadless goes straight to Visible challenge-solving.
	SkipHeadless bool

	// BrowserEnabled gates whether solveChallenge may run at all; false
	// fails every challenge solve immediately, so the fetch that needed it
	// reports CodeChallengeUnsolvable; SniffMedia reports
	// CodeBrowserUnavailable.
	BrowserEnabled bool

	// TrustedDomains are hosts treated as "our origin" for URL rewrite and
	// cookie capture. FallbackDomain is treated as trusted too; any other
	// host outside this list is never rewritten.
	TrustedDomains []string

	// OriginValidationMarkers let a 403 pass as success when its body
	// contains one of these substrings, for origins that serve real content
	// behind their WAF's 403.
	OriginValidationMarkers []string

	// CookieTTL overrides session.CookieTTL; zero means use the default.
	CookieTTL time.Duration

	// RequestTimeout bounds a single direct HTTP request.
	RequestTimeout time.Duration

	// SniffTimeout bounds the headless stage of a media sniff; the
	// visible-escalation stage always uses the fixed 120s bound.
	SniffTimeout time.Duration

	// Proxy, if set, is used as a forward proxy for direct HTTP requests
	// and for launched browser sessions.
	Proxy string

	// StateDir is the on-disk root for kvstore-backed session/domain
	// persistence.
	StateDir string
}

// ServerConfig controls the optional HTTP façade.
type ServerConfig struct {
	Host string // default: "0.0.0.0"
	Port int    // default: 8080
	Mode string // "debug", "release", "test"; default: "release"
}

// BrowserConfig controls the embedded Chromium instance ScriptedBrowserEngine
// launches for every challenge solve / media sniff session.
type BrowserConfig struct {
	// NoSandbox disables Chrome's sandbox (needed in Docker).
	NoSandbox bool // default: false

	// BrowserBin overrides the Chromium binary path.
	BrowserBin string
}

// AuthConfig controls API key authentication on the optional façade.
type AuthConfig struct {
	Enabled bool     // default: true
	APIKeys []string // empty means open access
}

// RateLimitConfig controls per-identity rate limiting on the façade.
type RateLimitConfig struct {
	RequestsPerSecond float64 // default: 5
	Burst             int     // default: 10
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string // default: "info"
	Format string // "json" or "text"; default: "json"
}

// Load reads configuration from environment variables with sane defaults.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host: envOr("GATEWAY_HOST", "0.0.0.0"),
			Port: envIntOr("GATEWAY_PORT", 8080),
			Mode: envOr("GATEWAY_MODE", "release"),
		},
		Browser: BrowserConfig{
			NoSandbox:  envBoolOr("GATEWAY_NO_SANDBOX", false),
			BrowserBin: os.Getenv("GATEWAY_BROWSER_BIN"),
		},
		Auth: AuthConfig{
			Enabled: envBoolOr("GATEWAY_AUTH_ENABLED", true),
			APIKeys: envSliceOr("GATEWAY_API_KEYS", nil),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: envFloatOr("GATEWAY_RATE_RPS", 5.0),
			Burst:             envIntOr("GATEWAY_RATE_BURST", 10),
		},
		Log: LogConfig{
			Level:  envOr("GATEWAY_LOG_LEVEL", "info"),
			Format: envOr("GATEWAY_LOG_FORMAT", "json"),
		},
		Gateway: GatewayConfig{
			Name:                    envOr("GATEWAY_NAME", "default"),
			FallbackDomain:          os.Getenv("GATEWAY_FALLBACK_DOMAIN"),
			RemoteConfigURL:         os.Getenv("GATEWAY_REMOTE_CONFIG_URL"),
			SyncbackURL:             os.Getenv("GATEWAY_SYNCBACK_URL"),
			ConfigFile:              envOr("GATEWAY_CONFIG_FILE", "default.json"),
			UserAgent:               envOr("GATEWAY_USER_AGENT", defaultUserAgent),
			SkipHeadless:            envBoolOr("GATEWAY_SKIP_HEADLESS", false),
			BrowserEnabled:          envBoolOr("GATEWAY_BROWSER_ENABLED", true),
			TrustedDomains:          envSliceOr("GATEWAY_TRUSTED_DOMAINS", nil),
			OriginValidationMarkers: envSliceOr("GATEWAY_ORIGIN_VALIDATION_MARKERS", nil),
			CookieTTL:               envDurationOr("GATEWAY_COOKIE_TTL", 30*time.Minute),
			RequestTimeout:          envDurationOr("GATEWAY_REQUEST_TIMEOUT", 30*time.Second),
			SniffTimeout:            envDurationOr("GATEWAY_SNIFF_TIMEOUT", 30*time.Second),
			Proxy:                   os.Getenv("GATEWAY_PROXY"),
			StateDir:                envOr("GATEWAY_STATE_DIR", "./data"),
		},
	}
}

// defaultUserAgent is the mobile-Chrome UA used when no override is
// configured.
const defaultUserAgent = "Mozilla/5.0 (Linux; Android 13; Pixel 7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Mobile Safari/537.36"

// --- helper functions ---

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envSliceOr(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return fallback
}
