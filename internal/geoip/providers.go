package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"net/url"
	"strings"

	"github.com/Resinat/Subgate/internal/netutil"
)

// Default endpoints of the HTTP providers.
const (
	DefaultIPGeolocationURL = "https://api.ipgeolocation.io/ipgeo"
	DefaultIPWhoisURL       = "https://ipwhois.app/json/"
	DefaultIPAPIURL         = "http://ip-api.com/json/"
	DefaultIPDataURL        = "https://api.ipdata.co/"
)

// httpProvider is a JSON web service queried with one GET per lookup.
type httpProvider struct {
	name       string
	downloader netutil.Downloader
	buildURL   func(ip netip.Addr) string
	decode     func(body []byte) (Location, error)
}

func (p *httpProvider) Name() string { return p.name }

func (p *httpProvider) Locate(ctx context.Context, q Query) (Location, error) {
	resp, err := p.downloader.Download(ctx, p.buildURL(q.IP), "")
	if err != nil {
		return Location{}, err
	}
	loc, err := p.decode(resp.Body)
	if err != nil {
		return Location{}, err
	}
	loc.City = strings.TrimSpace(loc.City)
	if loc.City == "" {
		return Location{}, ErrNoData
	}
	return loc, nil
}

func decodeJSON[T any](name string, body []byte) (T, error) {
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return v, fmt.Errorf("geoip: %s: decode: %w", name, err)
	}
	return v, nil
}

func withDefault(base, def string) string {
	if base == "" {
		return def
	}
	return base
}

// joinPath appends ip as the last path segment of base.
func joinPath(base string, ip netip.Addr) string {
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(ip.String())
}

func newIPGeolocation(base, key string, d netutil.Downloader) *httpProvider {
	base = withDefault(base, DefaultIPGeolocationURL)
	return &httpProvider{
		name:       ProviderIPGeolocation,
		downloader: d,
		buildURL: func(ip netip.Addr) string {
			return base + "?" + url.Values{"apiKey": {key}, "ip": {ip.String()}}.Encode()
		},
		decode: func(body []byte) (Location, error) {
			v, err := decodeJSON[struct {
				City         string `json:"city"`
				CountryName  string `json:"country_name"`
				CountryCode2 string `json:"country_code2"`
				ISP          string `json:"isp"`
				Organization string `json:"organization"`
			}](ProviderIPGeolocation, body)
			if err != nil {
				return Location{}, err
			}
			isp := v.Organization
			if isp == "" {
				isp = v.ISP
			}
			return Location{City: v.City, Country: v.CountryName, CountryCode: v.CountryCode2, ISP: isp}, nil
		},
	}
}

func newIPWhois(base string, d netutil.Downloader) *httpProvider {
	base = withDefault(base, DefaultIPWhoisURL)
	return &httpProvider{
		name:       ProviderIPWhois,
		downloader: d,
		buildURL:   func(ip netip.Addr) string { return joinPath(base, ip) },
		decode: func(body []byte) (Location, error) {
			v, err := decodeJSON[struct {
				Success     *bool  `json:"success"`
				City        string `json:"city"`
				Country     string `json:"country"`
				CountryCode string `json:"country_code"`
				ISP         string `json:"isp"`
			}](ProviderIPWhois, body)
			if err != nil {
				return Location{}, err
			}
			if v.Success != nil && !*v.Success {
				return Location{}, ErrNoData
			}
			return Location{City: v.City, Country: v.Country, CountryCode: v.CountryCode, ISP: v.ISP}, nil
		},
	}
}

func newIPAPI(base string, d netutil.Downloader) *httpProvider {
	base = withDefault(base, DefaultIPAPIURL)
	return &httpProvider{
		name:       ProviderIPAPI,
		downloader: d,
		buildURL:   func(ip netip.Addr) string { return joinPath(base, ip) },
		decode: func(body []byte) (Location, error) {
			v, err := decodeJSON[struct {
				Status      string `json:"status"`
				City        string `json:"city"`
				Country     string `json:"country"`
				CountryCode string `json:"countryCode"`
				Org         string `json:"org"`
			}](ProviderIPAPI, body)
			if err != nil {
				return Location{}, err
			}
			if v.Status != "success" {
				return Location{}, ErrNoData
			}
			return Location{City: v.City, Country: v.Country, CountryCode: v.CountryCode, ISP: v.Org}, nil
		},
	}
}

func newIPData(base, key string, d netutil.Downloader) *httpProvider {
	base = withDefault(base, DefaultIPDataURL)
	return &httpProvider{
		name:       ProviderIPData,
		downloader: d,
		buildURL: func(ip netip.Addr) string {
			return joinPath(base, ip) + "?" + url.Values{"api-key": {key}}.Encode()
		},
		decode: func(body []byte) (Location, error) {
			v, err := decodeJSON[struct {
				City        string `json:"city"`
				CountryName string `json:"country_name"`
				CountryCode string `json:"country_code"`
				ASN         struct {
					Name string `json:"name"`
				} `json:"asn"`
			}](ProviderIPData, body)
			if err != nil {
				return Location{}, err
			}
			return Location{City: v.City, Country: v.CountryName, CountryCode: v.CountryCode, ISP: v.ASN.Name}, nil
		},
	}
}
