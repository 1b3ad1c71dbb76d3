// Package geoip resolves a client address to an approximate city through an
// ordered chain of providers. Lookups never fail: an empty City means the
// location is unknown.
package geoip

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/maypok86/otter"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/Resinat/Subgate/internal/netutil"
)

// Provider names accepted in Config.Providers.
const (
	ProviderIPGeolocation = "ipgeolocation"
	ProviderIPWhois       = "ipwhois"
	ProviderIPAPI         = "ipapi"
	ProviderIPData        = "ipdata"
	ProviderMMDB          = "mmdb"
	ProviderHeader        = "header"
)

// ErrNoData is returned by a provider that answered but had nothing useful.
var ErrNoData = errors.New("geoip: no data")

// Location is the resolved position of a client address.
type Location struct {
	City        string `json:"city"`
	Country     string `json:"country,omitempty"`
	CountryCode string `json:"country_code,omitempty"`
	ISP         string `json:"isp,omitempty"`
	Source      string `json:"source,omitempty"`
}

// Known reports whether a city was resolved.
func (l Location) Known() bool { return l.City != "" }

// Query is the input handed to each provider.
type Query struct {
	IP     netip.Addr
	Header http.Header
}

// Provider resolves one Query. Implementations return ErrNoData when they
// have no answer.
type Provider interface {
	Name() string
	Locate(ctx context.Context, q Query) (Location, error)
}

// Config configures a Resolver.
type Config struct {
	Providers        []string // order of consultation
	Timeout          time.Duration
	CacheTTL         time.Duration
	CacheSize        int
	RatePerMinute    int
	IPGeolocationKey string
	IPDataKey        string
	MMDBPath         string
	Downloader       netutil.Downloader

	// BaseURLs overrides the endpoint of HTTP providers by name.
	BaseURLs map[string]string
}

type limitedProvider struct {
	Provider
	limiter *rate.Limiter
}

// Resolver consults providers in order and caches address-derived results.
// The header provider does not depend on the address; it is consulted only
// after every other provider came back empty and its answers are never
// cached.
type Resolver struct {
	providers []limitedProvider
	header    Provider
	mmdb      *MMDBProvider
	timeout   time.Duration

	cache otter.Cache[string, Location]
	group singleflight.Group
}

// New builds a Resolver from cfg. Keyed providers without a key are skipped.
func New(cfg Config) (*Resolver, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 6 * time.Hour
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 10000
	}
	if cfg.Downloader == nil {
		timeout := cfg.Timeout
		cfg.Downloader = netutil.NewDirectDownloader(
			func() time.Duration { return timeout },
			func() string { return "" },
		)
	}

	cache, err := otter.MustBuilder[string, Location](cfg.CacheSize).
		Cost(func(_ string, _ Location) uint32 { return 1 }).
		WithTTL(cfg.CacheTTL).
		Build()
	if err != nil {
		return nil, fmt.Errorf("geoip: build cache: %w", err)
	}

	r := &Resolver{timeout: cfg.Timeout, cache: cache}
	for _, name := range cfg.Providers {
		p, err := r.buildProvider(name, cfg)
		if err != nil {
			r.Close()
			return nil, err
		}
		if p == nil {
			continue
		}
		if name == ProviderHeader {
			r.header = p
			continue
		}
		r.providers = append(r.providers, limitedProvider{
			Provider: p,
			limiter:  newLimiter(name, cfg.RatePerMinute),
		})
	}
	return r, nil
}

func (r *Resolver) buildProvider(name string, cfg Config) (Provider, error) {
	base := cfg.BaseURLs[name]
	switch name {
	case ProviderIPGeolocation:
		if cfg.IPGeolocationKey == "" {
			log.Println("[geoip] ipgeolocation skipped: no API key")
			return nil, nil
		}
		return newIPGeolocation(base, cfg.IPGeolocationKey, cfg.Downloader), nil
	case ProviderIPWhois:
		return newIPWhois(base, cfg.Downloader), nil
	case ProviderIPAPI:
		return newIPAPI(base, cfg.Downloader), nil
	case ProviderIPData:
		if cfg.IPDataKey == "" {
			log.Println("[geoip] ipdata skipped: no API key")
			return nil, nil
		}
		return newIPData(base, cfg.IPDataKey, cfg.Downloader), nil
	case ProviderMMDB:
		if cfg.MMDBPath == "" {
			log.Println("[geoip] mmdb skipped: no database path")
			return nil, nil
		}
		m, err := OpenMMDB(cfg.MMDBPath)
		if err != nil {
			return nil, err
		}
		r.mmdb = m
		return m, nil
	case ProviderHeader:
		return HeaderProvider{}, nil
	default:
		return nil, fmt.Errorf("geoip: unknown provider %q", name)
	}
}

// newLimiter returns nil (unlimited) for local providers or a non-positive rate.
func newLimiter(name string, perMinute int) *rate.Limiter {
	if name == ProviderMMDB || perMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), max(1, perMinute/4))
}

// ProviderNames lists the active providers in consultation order.
func (r *Resolver) ProviderNames() []string {
	names := make([]string, 0, len(r.providers)+1)
	for _, p := range r.providers {
		names = append(names, p.Name())
	}
	if r.header != nil {
		names = append(names, r.header.Name())
	}
	return names
}

// Lookup resolves ip, falling back to hints in header.
func (r *Resolver) Lookup(ctx context.Context, ip netip.Addr, header http.Header) Location {
	if routable(ip) {
		if loc := r.lookupAddr(ctx, ip); loc.Known() {
			return loc
		}
	}
	if r.header != nil {
		if loc, err := r.header.Locate(ctx, Query{IP: ip, Header: header}); err == nil {
			return loc
		}
	}
	return Location{}
}

func (r *Resolver) lookupAddr(ctx context.Context, ip netip.Addr) Location {
	key := ip.String()
	if loc, ok := r.cache.Get(key); ok {
		return loc
	}
	v, _, _ := r.group.Do(key, func() (any, error) {
		loc := r.runChain(ctx, ip)
		if loc.Known() {
			r.cache.Set(key, loc)
		}
		return loc, nil
	})
	return v.(Location)
}

func (r *Resolver) runChain(ctx context.Context, ip netip.Addr) Location {
	for _, p := range r.providers {
		if p.limiter != nil && !p.limiter.Allow() {
			log.Printf("[geoip] %s rate limited, skipping", p.Name())
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, r.timeout)
		loc, err := p.Locate(pctx, Query{IP: ip})
		cancel()
		if err != nil {
			if !errors.Is(err, ErrNoData) {
				log.Printf("[geoip] %s lookup %s failed: %v", p.Name(), ip, err)
			}
			continue
		}
		if !loc.Known() {
			continue
		}
		loc.Source = p.Name()
		return loc
	}
	return Location{}
}

// Close releases the local database, if any.
func (r *Resolver) Close() error {
	r.cache.Close()
	if r.mmdb != nil {
		return r.mmdb.Close()
	}
	return nil
}

func routable(ip netip.Addr) bool {
	return ip.IsValid() && !ip.IsPrivate() && !ip.IsLoopback() &&
		!ip.IsLinkLocalUnicast() && !ip.IsUnspecified()
}

// HeaderProvider reads city hints set by a fronting proxy or CDN.
type HeaderProvider struct{}

// CityHeaders are consulted in order by HeaderProvider.
var CityHeaders = []string{"CF-IPCity", "X-Client-City"}

func (HeaderProvider) Name() string { return ProviderHeader }

func (HeaderProvider) Locate(_ context.Context, q Query) (Location, error) {
	for _, name := range CityHeaders {
		if city := strings.TrimSpace(q.Header.Get(name)); city != "" {
			return Location{
				City:        city,
				CountryCode: strings.TrimSpace(q.Header.Get("CF-IPCountry")),
				Source:      ProviderHeader,
			}, nil
		}
	}
	return Location{}, ErrNoData
}
