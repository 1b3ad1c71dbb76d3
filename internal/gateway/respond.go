package gateway

import (
	"encoding/base64"
	"net/http"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/Resinat/Subgate/internal/nodeuri"
)

// Placeholder label sets.
var (
	invalidLabels = []string{
		"Subscription link is invalid",
		"Contact the administrator",
	}
	groupExpiredLabels = []string{
		"Your subscription has expired",
		"Get new nodes",
		"Open the link in a browser for details",
	}
)

func grantExpiredLabels(token string) []string {
	return []string{
		"Subscription expired",
		"Renew or contact your provider",
		"Token: " + token,
	}
}

// PlaceholderList renders labels as a newline-terminated node list.
func PlaceholderList(labels []string) string {
	var b strings.Builder
	for _, label := range labels {
		b.WriteString(nodeuri.Placeholder(label))
		b.WriteByte('\n')
	}
	return b.String()
}

// writePlaceholders answers 200 with a base64 placeholder node list, so a
// denial is indistinguishable from an invalid link by status code.
func writePlaceholders(w http.ResponseWriter, labels []string, extra http.Header) {
	h := w.Header()
	for k, vs := range extra {
		h[k] = vs
	}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-store, no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(base64.StdEncoding.EncodeToString([]byte(PlaceholderList(labels)))))
}

const browserPage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Subscription link</title>
<style>
body{font-family:-apple-system,BlinkMacSystemFont,"Segoe UI",sans-serif;background:#f5f6f8;color:#222;display:flex;align-items:center;justify-content:center;min-height:100vh;margin:0}
.card{background:#fff;border-radius:12px;padding:32px 40px;max-width:420px;box-shadow:0 4px 24px rgba(0,0,0,.08)}
h1{font-size:20px;margin:0 0 12px}
p{line-height:1.6;margin:0}
</style>
</head>
<body>
<div class="card">
<h1>This is a subscription link</h1>
<p>Import it into your proxy client instead of opening it in a browser.</p>
</div>
</body>
</html>
`

func writeBrowserPage(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store, no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(browserPage))
}

var (
	browserKeywords = []string{"mozilla", "chrome", "safari", "firefox", "edge", "opera", "msie", "trident"}
	clientKeywords  = []string{
		"shadowrocket", "quantumult", "surge", "loon", "clash", "stash", "pharos",
		"v2rayn", "v2rayng", "kitsunebi", "i2ray", "pepi", "potatso", "netch",
		"qv2ray", "mellow", "trojan", "shadowsocks", "surfboard", "sing-box",
		"mihomo", "nekoray", "hiddify",
	}
)

// IsBot reports whether ua contains any of keywords, case-insensitively.
func IsBot(ua string, keywords []string) bool {
	return containsAny(strings.ToLower(ua), keywords)
}

// IsBrowser reports whether ua looks like a web browser rather than a proxy
// client. Many clients send a Mozilla-style prefix, so client keywords win.
func IsBrowser(ua string) bool {
	lower := strings.ToLower(ua)
	return containsAny(lower, browserKeywords) && !containsAny(lower, clientKeywords)
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" && strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// requestBase returns the scheme://host clients reached this service on.
// Forwarded headers are honored only when trusted.
func (h *Handler) requestBase(r *http.Request) string {
	if h.PublicURL != "" {
		return h.PublicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host
	if h.TrustForwardedHeaders {
		if proto := strings.TrimSpace(strings.Split(r.Header.Get("X-Forwarded-Proto"), ",")[0]); proto == "http" || proto == "https" {
			scheme = proto
		}
		if fwd := strings.TrimSpace(strings.Split(r.Header.Get("X-Forwarded-Host"), ",")[0]); fwd != "" {
			host = fwd
		}
	}
	return scheme + "://" + host
}

// callbackBase returns the base for converter callback URLs. The Host header
// alone is client controlled, so ok is false unless PublicURL is set or
// forwarded headers are trusted.
func (h *Handler) callbackBase(r *http.Request) (string, bool) {
	if h.PublicURL == "" && !h.TrustForwardedHeaders {
		return "", false
	}
	return h.requestBase(r), true
}

// ProfileTitle returns title as a header value. Titles that are not plain
// printable ASCII use the "base64:" form understood by Clash-family clients.
func ProfileTitle(title string) string {
	if isPlainASCII(title) && httpguts.ValidHeaderFieldValue(title) {
		return title
	}
	return "base64:" + base64.StdEncoding.EncodeToString([]byte(title))
}

func isPlainASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

func setProfileHeaders(h http.Header, title string) {
	h.Set("Profile-Update-Interval", "24")
	if strings.TrimSpace(title) != "" {
		h.Set("Profile-Title", ProfileTitle(title))
	}
}
