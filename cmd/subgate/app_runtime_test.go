package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/Resinat/Subgate/internal/config"
	"github.com/Resinat/Subgate/internal/convert"
	"github.com/Resinat/Subgate/internal/model"
	"github.com/Resinat/Subgate/internal/state"
)

func newTestEnvConfig() *config.EnvConfig {
	return &config.EnvConfig{
		ListenAddress:    "127.0.0.1",
		Port:             0,
		APIMaxBodyBytes:  1 << 20,
		Store:            config.StoreMemory,
		AdminToken:       "kQ7v9R2xLm4pT8wZ",
		CallbackSecret:   "test-callback-secret",
		FetchTimeout:     time.Second,
		FetchUserAgent:   "v2rayN/6.45",
		ConverterTimeout: time.Second,
		GeoTimeout:       time.Second,
		GeoCacheTTL:      time.Minute,
		GeoCacheSize:     16,
		GeoProviders:     []string{"header"},
		GeoRatePerMinute: 40,
		RefreshSchedule:  "0 */6 * * *",
		DayUTCOffset:     8 * time.Hour,
		BotKeywords:      config.DefaultBotKeywords,
	}
}

func TestNewSubgateApp_ServesAndShutsDown(t *testing.T) {
	envCfg := newTestEnvConfig()
	app, err := newSubgateApp(envCfg, &config.PolicyFile{}, state.NewMemoryStore())
	if err != nil {
		t.Fatalf("newSubgateApp: %v", err)
	}

	rec := httptest.NewRecorder()
	app.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: got %d, want %d", rec.Code, http.StatusOK)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/system/info", nil)
	req.Header.Set("Authorization", "Bearer "+envCfg.AdminToken)
	rec = httptest.NewRecorder()
	app.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("system info: got %d, want %d", rec.Code, http.StatusOK)
	}

	if app.refresh.NextRun().IsZero() {
		t.Fatal("refresh should be scheduled")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestNewSubgateApp_UnknownGeoProviderFails(t *testing.T) {
	envCfg := newTestEnvConfig()
	envCfg.GeoProviders = []string{"nope"}
	if _, err := newSubgateApp(envCfg, &config.PolicyFile{}, state.NewMemoryStore()); err == nil {
		t.Fatal("expected unknown geo provider to fail")
	}
}

func TestWeakTokens(t *testing.T) {
	settings := model.DefaultSettings()
	got := weakTokens("", convert.DefaultSecret, settings)
	if !slices.Contains(got, "share_token") {
		t.Fatalf("default share token should be weak: %v", got)
	}
	if !slices.Contains(got, "SUBGATE_CALLBACK_SECRET") {
		t.Fatalf("default callback secret should be flagged: %v", got)
	}
	if slices.Contains(got, "SUBGATE_ADMIN_TOKEN") {
		t.Fatalf("empty admin token disables the API and is not weak: %v", got)
	}

	settings.MasterToken = "Xv8#qLz2!Rm9@tWp"
	settings.ShareToken = "Nf4$kYb7^Hs1&jCe"
	if got := weakTokens("kQ7v9R2xLm4pT8wZ", "Gd3!pWq8#Lz5@Rx1", settings); len(got) != 0 {
		t.Fatalf("strong tokens flagged: %v", got)
	}
}

func TestGeoConfig(t *testing.T) {
	envCfg := newTestEnvConfig()
	envCfg.IPDataKey = "k"
	envCfg.GeoIPMMDBPath = "/data/city.mmdb"
	cfg := geoConfig(envCfg)
	if cfg.IPDataKey != "k" || cfg.MMDBPath != "/data/city.mmdb" || cfg.CacheSize != 16 {
		t.Fatalf("geo config: got %+v", cfg)
	}
	if !slices.Equal(cfg.Providers, []string{"header"}) {
		t.Fatalf("providers: got %v", cfg.Providers)
	}
}
