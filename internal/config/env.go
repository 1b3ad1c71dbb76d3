// Package config handles environment-based configuration loading and the
// policy file.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// GeoProviderNames lists the geolocation providers in their default order.
var GeoProviderNames = []string{"ipgeolocation", "ipwhois", "ipapi", "ipdata", "mmdb", "header"}

// DefaultBotKeywords are User-Agent substrings rejected by the gateway.
var DefaultBotKeywords = []string{"bot", "crawler", "spider", "preview", "fetch", "headless", "phantomjs", "curl", "wget"}

// EnvConfig holds all environment-variable-driven settings (not hot-updatable).
type EnvConfig struct {
	// Directories
	StateDir string

	// Network
	ListenAddress   string
	Port            int
	APIMaxBodyBytes int
	ClientIPHeaders []string

	// Storage
	Store    string
	RedisURL string

	// Auth
	AdminToken     string
	CallbackSecret string

	// Fetching and conversion
	FetchTimeout     time.Duration
	FetchUserAgent   string
	ConverterTimeout time.Duration

	// Geolocation
	GeoTimeout       time.Duration
	GeoCacheTTL      time.Duration
	GeoCacheSize     int
	GeoProviders     []string
	GeoRatePerMinute int
	IPGeolocationKey string
	IPDataKey        string
	GeoIPMMDBPath    string

	// Policy and jobs
	PolicyFile      string
	RefreshSchedule string
	DayUTCOffset    time.Duration

	// Notifications
	NATSURL     string
	NATSSubject string

	// Gateway
	BotKeywords []string

	// PublicURL is the externally reachable base URL handed to the converter
	// for callbacks.
	PublicURL             string
	TrustForwardedHeaders bool
}

// DayZone returns the fixed reference zone for daily counters.
func (c *EnvConfig) DayZone() *time.Location {
	secs := int(c.DayUTCOffset / time.Second)
	name := "UTC"
	if secs != 0 {
		name = fmt.Sprintf("UTC%+g", c.DayUTCOffset.Hours())
	}
	return time.FixedZone(name, secs)
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any required variable is missing or any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Directories ---
	cfg.StateDir = envStr("SUBGATE_STATE_DIR", "/var/lib/subgate")

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("SUBGATE_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.Port = envInt("SUBGATE_PORT", 2270, &errs)
	cfg.APIMaxBodyBytes = envInt("SUBGATE_API_MAX_BODY_BYTES", 1<<20, &errs)
	cfg.ClientIPHeaders = envStringSlice(
		"SUBGATE_CLIENT_IP_HEADERS",
		[]string{"CF-Connecting-IP", "X-Real-IP", "X-Forwarded-For"},
		&errs,
	)

	// --- Storage ---
	cfg.Store = strings.ToLower(strings.TrimSpace(envStr("SUBGATE_STORE", StoreSQLite)))
	cfg.RedisURL = envStr("SUBGATE_REDIS_URL", "redis://127.0.0.1:6379/0")

	// --- Auth (admin token must be defined; empty means admin API disabled) ---
	adminToken, hasAdminToken := os.LookupEnv("SUBGATE_ADMIN_TOKEN")
	cfg.AdminToken = adminToken
	cfg.CallbackSecret = envStr("SUBGATE_CALLBACK_SECRET", "default-callback-secret")

	// --- Fetching and conversion ---
	cfg.FetchTimeout = envDuration("SUBGATE_FETCH_TIMEOUT", 8*time.Second, &errs)
	cfg.FetchUserAgent = envStr("SUBGATE_FETCH_USER_AGENT", "v2rayN/6.45")
	cfg.ConverterTimeout = envDuration("SUBGATE_CONVERTER_TIMEOUT", 30*time.Second, &errs)

	// --- Geolocation ---
	cfg.GeoTimeout = envDuration("SUBGATE_GEO_TIMEOUT", 3*time.Second, &errs)
	cfg.GeoCacheTTL = envDuration("SUBGATE_GEO_CACHE_TTL", 6*time.Hour, &errs)
	cfg.GeoCacheSize = envInt("SUBGATE_GEO_CACHE_SIZE", 10000, &errs)
	cfg.GeoProviders = envStringSlice("SUBGATE_GEO_PROVIDERS", slices.Clone(GeoProviderNames), &errs)
	cfg.GeoRatePerMinute = envInt("SUBGATE_GEO_RATE_PER_MINUTE", 40, &errs)
	cfg.IPGeolocationKey = envStr("SUBGATE_IPGEOLOCATION_KEY", "")
	cfg.IPDataKey = envStr("SUBGATE_IPDATA_KEY", "")
	cfg.GeoIPMMDBPath = envStr("SUBGATE_GEOIP_MMDB_PATH", "")

	// --- Policy and jobs ---
	cfg.PolicyFile = envStr("SUBGATE_POLICY_FILE", "")
	cfg.RefreshSchedule = envStr("SUBGATE_REFRESH_SCHEDULE", "0 */6 * * *")
	cfg.DayUTCOffset = envDuration("SUBGATE_DAY_UTC_OFFSET", 8*time.Hour, &errs)

	// --- Notifications ---
	cfg.NATSURL = envStr("SUBGATE_NATS_URL", "")
	cfg.NATSSubject = envStr("SUBGATE_NATS_SUBJECT", "subgate.events")

	// --- Gateway ---
	cfg.BotKeywords = envStringSlice("SUBGATE_BOT_KEYWORDS", slices.Clone(DefaultBotKeywords), &errs)
	cfg.PublicURL = strings.TrimRight(strings.TrimSpace(envStr("SUBGATE_PUBLIC_URL", "")), "/")
	cfg.TrustForwardedHeaders = envBool("SUBGATE_TRUST_FORWARDED_HEADERS", false, &errs)

	// --- Validation ---
	if !hasAdminToken {
		errs = append(errs, "SUBGATE_ADMIN_TOKEN must be defined (can be empty)")
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "SUBGATE_LISTEN_ADDRESS must not be empty")
	}
	validatePort("SUBGATE_PORT", cfg.Port, &errs)
	validatePositive("SUBGATE_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)

	switch cfg.Store {
	case StoreSQLite:
		if strings.TrimSpace(cfg.StateDir) == "" {
			errs = append(errs, "SUBGATE_STATE_DIR must not be empty when SUBGATE_STORE is sqlite")
		}
	case StoreRedis:
		if strings.TrimSpace(cfg.RedisURL) == "" {
			errs = append(errs, "SUBGATE_REDIS_URL must not be empty when SUBGATE_STORE is redis")
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Sprintf(
			"SUBGATE_STORE: invalid value %q (allowed: %s, %s, %s)",
			cfg.Store, StoreSQLite, StoreRedis, StoreMemory,
		))
	}

	if cfg.CallbackSecret == "" {
		errs = append(errs, "SUBGATE_CALLBACK_SECRET must not be empty")
	}
	if cfg.FetchTimeout <= 0 {
		errs = append(errs, "SUBGATE_FETCH_TIMEOUT must be positive")
	}
	if cfg.ConverterTimeout <= 0 {
		errs = append(errs, "SUBGATE_CONVERTER_TIMEOUT must be positive")
	}
	if cfg.GeoTimeout <= 0 {
		errs = append(errs, "SUBGATE_GEO_TIMEOUT must be positive")
	}
	if cfg.GeoCacheTTL <= 0 {
		errs = append(errs, "SUBGATE_GEO_CACHE_TTL must be positive")
	}
	validatePositive("SUBGATE_GEO_CACHE_SIZE", cfg.GeoCacheSize, &errs)
	validatePositive("SUBGATE_GEO_RATE_PER_MINUTE", cfg.GeoRatePerMinute, &errs)
	for i, name := range cfg.GeoProviders {
		name = strings.ToLower(strings.TrimSpace(name))
		if !slices.Contains(GeoProviderNames, name) {
			errs = append(errs, fmt.Sprintf(
				"SUBGATE_GEO_PROVIDERS: unknown provider %q (allowed: %s)",
				name, strings.Join(GeoProviderNames, ", "),
			))
			continue
		}
		cfg.GeoProviders[i] = name
	}

	if _, err := cron.ParseStandard(cfg.RefreshSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("SUBGATE_REFRESH_SCHEDULE: invalid cron expression %q: %v", cfg.RefreshSchedule, err))
	}
	if cfg.DayUTCOffset < -14*time.Hour || cfg.DayUTCOffset > 14*time.Hour {
		errs = append(errs, fmt.Sprintf("SUBGATE_DAY_UTC_OFFSET: must be within ±14h, got %s", cfg.DayUTCOffset))
	}
	if cfg.NATSURL != "" && strings.TrimSpace(cfg.NATSSubject) == "" {
		errs = append(errs, "SUBGATE_NATS_SUBJECT must not be empty when SUBGATE_NATS_URL is set")
	}

	if cfg.PublicURL != "" {
		if err := validatePublicURL(cfg.PublicURL); err != nil {
			errs = append(errs, fmt.Sprintf("SUBGATE_PUBLIC_URL: %v", err))
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func envStringSlice(key string, defaultVal []string, errs *[]string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid JSON string array %q", key, v))
		return defaultVal
	}
	if out == nil {
		return []string{}
	}
	return out
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}

func validatePublicURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("host is required, got %q", raw)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("must not carry a query or fragment, got %q", raw)
	}
	return nil
}
