// Package subscription fetches, decodes, filters and merges node lists from
// subscription sources.
package subscription

import (
	"context"
	"log"
	"strings"
	"time"
	"unicode"

	"github.com/Resinat/Subgate/internal/model"
	"github.com/Resinat/Subgate/internal/netutil"
	"github.com/Resinat/Subgate/internal/nodeuri"
)

// DefaultUserAgent is sent to upstream providers when fetching node content.
const DefaultUserAgent = "v2rayN/6.45"

const errorNodeBase = "trojan://error@127.0.0.1:8888?security=tls&allowInsecure=1&type=tcp#"

// ErrorNode returns the placeholder node emitted for a source that could not
// be fetched.
func ErrorNode(sourceName string) string {
	if strings.TrimSpace(sourceName) == "" {
		sourceName = "unknown"
	}
	return errorNodeBase + nodeuri.EscapeName("Connection error - "+sourceName)
}

// Fetcher downloads one source at a time.
type Fetcher struct {
	Downloader netutil.Downloader
	UserAgent  string
	Timeout    time.Duration
}

// FetchResult is the outcome of fetching one source. Text is empty for
// payloads recognized as full client configurations.
type FetchResult struct {
	Text string
	OK   bool
}

// Fetch downloads src and returns its decoded text. A failed or timed-out
// request yields a single error node instead of an error.
func (f *Fetcher) Fetch(ctx context.Context, src model.Source) FetchResult {
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}
	ua := f.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	resp, err := f.Downloader.Download(ctx, src.URL, ua)
	if err != nil {
		log.Printf("[subscription] fetch %q failed: %v", src.Name, err)
		return FetchResult{Text: ErrorNode(src.Name)}
	}
	return FetchResult{Text: DecodeContent(resp.Body), OK: true}
}

// DecodeContent base64-decodes body when it looks like a base64 blob and
// discards full client configuration documents.
func DecodeContent(body []byte) string {
	text := string(body)
	if compact := stripSpace(text); len(compact) > 20 && isBase64Alphabet(compact) {
		if decoded, ok := nodeuri.DecodeBase64(compact); ok {
			text = string(decoded)
		}
	}
	if IsFullConfig(text) {
		return ""
	}
	return text
}

// IsFullConfig reports whether text is a complete Clash or sing-box
// configuration rather than a bare node list.
func IsFullConfig(text string) bool {
	if strings.Contains(text, "proxies:") && strings.Contains(text, "rules:") {
		return true
	}
	return strings.Contains(text, "outbounds") &&
		strings.Contains(text, "inbounds") &&
		strings.Contains(text, "route")
}

// NodeLines splits text into trimmed node URI lines, normalizing embedded
// percent-encoded credentials. Non-node lines are dropped.
func NodeLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !nodeuri.IsNode(line) {
			continue
		}
		out = append(out, nodeuri.Normalize(line))
	}
	return out
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

func isBase64Alphabet(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '+' || c == '/' || c == '=':
		default:
			return false
		}
	}
	return true
}
