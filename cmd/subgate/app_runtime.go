package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Resinat/Subgate/internal/antishare"
	"github.com/Resinat/Subgate/internal/api"
	"github.com/Resinat/Subgate/internal/buildinfo"
	"github.com/Resinat/Subgate/internal/config"
	"github.com/Resinat/Subgate/internal/convert"
	"github.com/Resinat/Subgate/internal/gateway"
	"github.com/Resinat/Subgate/internal/geoip"
	"github.com/Resinat/Subgate/internal/model"
	"github.com/Resinat/Subgate/internal/netutil"
	"github.com/Resinat/Subgate/internal/notify"
	"github.com/Resinat/Subgate/internal/policy"
	"github.com/Resinat/Subgate/internal/service"
	"github.com/Resinat/Subgate/internal/state"
	"github.com/Resinat/Subgate/internal/subscription"
)

// fetchConcurrency bounds parallel source fetches per subscription request.
const fetchConcurrency = 8

type subgateApp struct {
	envCfg     *config.EnvConfig
	repo       *state.Repo
	geo        *geoip.Resolver
	nats       *notify.NATS
	dispatcher *notify.Dispatcher
	refresh    *service.RefreshJob
	server     *api.Server
}

func run() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}
	policyFile, err := config.LoadPolicyFile(envCfg.PolicyFile)
	if err != nil {
		return err
	}

	store, storeCloser, err := state.OpenStore(context.Background(), state.Options{
		Backend:  envCfg.Store,
		StateDir: envCfg.StateDir,
		RedisURL: envCfg.RedisURL,
	})
	if err != nil {
		return fmt.Errorf("persistence bootstrap: %w", err)
	}
	log.Printf("Persistence bootstrap complete (%s)", envCfg.Store)

	app, err := newSubgateApp(envCfg, policyFile, store)
	if err != nil {
		_ = storeCloser.Close()
		return err
	}
	app.warnWeakTokens(context.Background())

	serverErrCh := app.startServers()
	runtimeErr := waitForShutdown(serverErrCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := app.shutdown(ctx)

	if err := storeCloser.Close(); err != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("persistence close: %w", err))
	}
	if shutdownErr != nil {
		log.Printf("Shutdown errors: %v", shutdownErr)
	}
	if runtimeErr != nil {
		return fmt.Errorf("runtime server error: %w", runtimeErr)
	}
	return nil
}

func newSubgateApp(envCfg *config.EnvConfig, policyFile *config.PolicyFile, store state.Store) (*subgateApp, error) {
	app := &subgateApp{
		envCfg: envCfg,
		repo:   state.NewRepo(store),
	}
	zone := envCfg.DayZone()
	policies := policy.NewResolver(policy.DefaultGlobal().Apply(&policyFile.Global), policyFile.Presets)
	log.Printf("Policy loaded with %d preset(s)", len(policies.PresetNames()))

	fetchDL := netutil.NewDirectDownloader(
		func() time.Duration { return envCfg.FetchTimeout },
		func() string { return envCfg.FetchUserAgent },
	)
	convertDL := netutil.NewDirectDownloader(
		func() time.Duration { return envCfg.ConverterTimeout },
		func() string { return "" },
	)

	geo, err := geoip.New(geoConfig(envCfg))
	if err != nil {
		return nil, fmt.Errorf("geoip: %w", err)
	}
	app.geo = geo
	log.Printf("GeoIP providers: %v", geo.ProviderNames())

	if err := app.initNotifiers(zone); err != nil {
		_ = geo.Close()
		return nil, err
	}

	gw := gateway.New(gateway.Config{
		Repo:     app.repo,
		Policies: policies,
		Engine:   antishare.NewEngine(zone),
		Locator:  geo,
		Aggregator: &subscription.Aggregator{
			Fetcher: &subscription.Fetcher{
				Downloader: fetchDL,
				UserAgent:  envCfg.FetchUserAgent,
				Timeout:    envCfg.FetchTimeout,
			},
			Concurrency: fetchConcurrency,
		},
		Indirector:      convert.NewIndirector(envCfg.CallbackSecret, convertDL),
		Notifier:        app.dispatcher,
		BotKeywords:     envCfg.BotKeywords,
		ClientIPHeaders: envCfg.ClientIPHeaders,
		PublicURL:       envCfg.PublicURL,
		Zone:            zone,

		TrustForwardedHeaders: envCfg.TrustForwardedHeaders,
	})
	if envCfg.PublicURL == "" && !envCfg.TrustForwardedHeaders {
		log.Println("SUBGATE_PUBLIC_URL is empty; external converter formats are disabled")
	}

	app.refresh, err = service.NewRefreshJob(service.RefreshConfig{
		Repo:       app.repo,
		Downloader: fetchDL,
		Notifier:   app.dispatcher,
		Schedule:   envCfg.RefreshSchedule,
		Timeout:    envCfg.FetchTimeout,
		Zone:       zone,
	})
	if err != nil {
		app.closeNotifiers()
		_ = geo.Close()
		return nil, err
	}

	cpService := &service.ControlPlaneService{
		Repo:     app.repo,
		Policies: policies,
		GeoIP:    geo,
		Refresh:  app.refresh,
		Info: service.SystemInfo{
			Version:   buildinfo.Version,
			GitCommit: buildinfo.GitCommit,
			BuildTime: buildinfo.BuildTime,
			StartedAt: time.Now().UTC(),
			Store:     envCfg.Store,
			Providers: geo.ProviderNames(),
		},
	}
	if envCfg.AdminToken == "" {
		log.Println("SUBGATE_ADMIN_TOKEN is empty; admin API disabled")
	}
	app.server = api.NewServerWithAddress(
		envCfg.ListenAddress,
		envCfg.Port,
		envCfg.AdminToken,
		cpService,
		gw,
		int64(envCfg.APIMaxBodyBytes),
	)

	app.refresh.Start()
	log.Printf("Source refresh scheduled (%s), next run %s",
		envCfg.RefreshSchedule, app.refresh.NextRun().In(zone).Format(time.RFC3339))
	return app, nil
}

func geoConfig(envCfg *config.EnvConfig) geoip.Config {
	return geoip.Config{
		Providers:        envCfg.GeoProviders,
		Timeout:          envCfg.GeoTimeout,
		CacheTTL:         envCfg.GeoCacheTTL,
		CacheSize:        envCfg.GeoCacheSize,
		RatePerMinute:    envCfg.GeoRatePerMinute,
		IPGeolocationKey: envCfg.IPGeolocationKey,
		IPDataKey:        envCfg.IPDataKey,
		MMDBPath:         envCfg.GeoIPMMDBPath,
	}
}

// initNotifiers wires Telegram, whose credentials live in settings, and
// NATS when a server URL is configured.
func (a *subgateApp) initNotifiers(zone *time.Location) error {
	notifiers := []notify.Notifier{
		&notify.Telegram{
			Credentials: telegramCredentials(a.repo),
			Zone:        zone,
		},
	}
	if a.envCfg.NATSURL != "" {
		n, err := notify.ConnectNATS(a.envCfg.NATSURL, a.envCfg.NATSSubject)
		if err != nil {
			return err
		}
		a.nats = n
		notifiers = append(notifiers, n)
		log.Printf("NATS notifications publishing on %q", a.envCfg.NATSSubject)
	}
	a.dispatcher = notify.NewDispatcher(notifiers...)
	return nil
}

func telegramCredentials(repo *state.Repo) notify.TelegramCredentials {
	return func(ctx context.Context) (string, string) {
		settings, err := repo.Settings(ctx)
		if err != nil {
			log.Printf("[notify] load settings: %v", err)
			return "", ""
		}
		return settings.TelegramBotToken, settings.TelegramChatID
	}
}

func (a *subgateApp) closeNotifiers() {
	if a.nats != nil {
		if err := a.nats.Close(); err != nil {
			log.Printf("NATS close error: %v", err)
		}
	}
}

// weakTokens lists the configured secrets that a guesser could plausibly
// hit, by name.
func weakTokens(adminToken, callbackSecret string, settings model.Settings) []string {
	var weak []string
	if config.IsWeakToken(adminToken) {
		weak = append(weak, "SUBGATE_ADMIN_TOKEN")
	}
	if callbackSecret == convert.DefaultSecret || config.IsWeakToken(callbackSecret) {
		weak = append(weak, "SUBGATE_CALLBACK_SECRET")
	}
	if config.IsWeakToken(settings.MasterToken) {
		weak = append(weak, "master_token")
	}
	if config.IsWeakToken(settings.ShareToken) {
		weak = append(weak, "share_token")
	}
	return weak
}

func (a *subgateApp) warnWeakTokens(ctx context.Context) {
	settings, err := a.repo.Settings(ctx)
	if err != nil {
		log.Printf("Token strength check skipped: %v", err)
		return
	}
	for _, name := range weakTokens(a.envCfg.AdminToken, a.envCfg.CallbackSecret, settings) {
		log.Printf("WARNING: %s is weak; use a longer random value", name)
	}
}

func (a *subgateApp) startServers() <-chan error {
	serverErrCh := make(chan error, 1)
	go func() {
		log.Printf("Subgate %s starting on %s", buildinfo.Version,
			formatListenURL(a.envCfg.ListenAddress, a.envCfg.Port))
		err := a.server.ListenAndServe()
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return
		}
		select {
		case serverErrCh <- fmt.Errorf("subgate server: %w", err):
		default:
		}
	}()
	return serverErrCh
}

func waitForShutdown(serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Printf("Received signal %s, shutting down...", sig)
		return nil
	case err := <-serverErrCh:
		log.Printf("Received server runtime error (%v), shutting down...", err)
		return err
	}
}

func formatListenURL(listenAddress string, port int) string {
	return "http://" + net.JoinHostPort(listenAddress, strconv.Itoa(port))
}

// shutdown stops request intake first, then background jobs, then drains
// pending notifications before closing their sinks.
func (a *subgateApp) shutdown(ctx context.Context) error {
	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}
	log.Println("Subgate server stopped")

	a.refresh.Stop()
	log.Println("Source refresh stopped")

	if err := a.dispatcher.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("notification drain: %w", err))
	}
	closers := []io.Closer{a.geo}
	if a.nats != nil {
		closers = append(closers, a.nats)
	}
	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	log.Println("Notifiers and GeoIP closed")
	return errors.Join(errs...)
}
