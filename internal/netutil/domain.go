package netutil

import (
	"net"
	"net/netip"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// SiteName returns the registrable domain (eTLD+1) of a subscription URL or
// bare host, used to label sources that have no name. Addresses and names
// without a public suffix come back as the plain host.
//
//	"https://sub.airport.co.uk/api?token=x" -> "airport.co.uk"
//	"http://[2001:db8::1]:8080/s"           -> "2001:db8::1"
//	"localhost:3000"                        -> "localhost"
func SiteName(target string) string {
	host := strings.TrimSpace(target)
	if strings.Contains(host, "://") || strings.HasPrefix(host, "//") {
		u, err := url.Parse(host)
		if err != nil || u.Host == "" {
			return ""
		}
		host = u.Hostname()
	} else if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.Trim(strings.ToLower(host), "[]"), ".")
	if host == "" {
		return ""
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return host
	}
	if site, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return site
	}
	return host
}
