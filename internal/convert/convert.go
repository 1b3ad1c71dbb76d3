// Package convert hands aggregated node lists to an external subscription
// converter by reference, through a signed callback URL.
package convert

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/Resinat/Subgate/internal/format"
	"github.com/Resinat/Subgate/internal/netutil"
	"github.com/Resinat/Subgate/internal/nodeuri"
)

// DefaultSecret keys the callback token when no secret is configured.
const DefaultSecret = "default-callback-secret"

// CallbackTokenParam is the query parameter carrying the callback token.
const CallbackTokenParam = "callback_token"

const callbackSeed = "callback-static-data"

// CallbackToken derives the stable callback token for secret.
func CallbackToken(secret string) string {
	if secret == "" {
		secret = DefaultSecret
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(callbackSeed))
	return hex.EncodeToString(mac.Sum(nil))[:16]
}

// Indirector serves converted subscriptions.
type Indirector struct {
	token      string
	downloader netutil.Downloader
}

// NewIndirector creates an Indirector. downloader is used for converter calls
// and should carry the converter timeout.
func NewIndirector(secret string, downloader netutil.Downloader) *Indirector {
	return &Indirector{
		token:      CallbackToken(secret),
		downloader: downloader,
	}
}

// IsCallback reports whether query carries this service's callback token,
// i.e. the request is the converter fetching our payload.
func (ix *Indirector) IsCallback(query url.Values) bool {
	got := query.Get(CallbackTokenParam)
	return got != "" && hmac.Equal([]byte(got), []byte(ix.token))
}

// CallbackURL builds the URL the converter fetches the base64 list from.
func (ix *Indirector) CallbackURL(baseURL, callbackPath string) string {
	q := url.Values{}
	q.Set("target", string(format.Base64))
	q.Set(CallbackTokenParam, ix.token)
	return strings.TrimRight(baseURL, "/") + callbackPath + "?" + q.Encode()
}

// Request is one conversion.
type Request struct {
	Nodes  string
	Format format.Format
	// Query is the incoming request's query string.
	Query url.Values
	// BaseURL is the externally visible scheme://host of this service.
	BaseURL      string
	CallbackPath string
	Converter    string
	Template     string
	FileName     string
	UserAgent    string
	// Header is merged into every successful response.
	Header http.Header
}

// Convert returns the response for req. Base64 requests and converter
// callbacks are answered directly; Clash without a template gets a built-in
// config; everything else is relayed from the converter. Converter failures
// produce a 502 payload.
func (ix *Indirector) Convert(ctx context.Context, req Request) *Payload {
	if req.Format == format.Base64 || ix.IsCallback(req.Query) {
		return ix.direct(req)
	}
	if req.Format == format.Clash && req.Template == "" {
		return ix.minimalClash(req)
	}

	converterURL := ix.converterURL(req)
	resp, err := ix.downloader.Download(ctx, converterURL, req.UserAgent)
	if err != nil {
		log.Printf("[convert] converter request for %s failed: %v", req.Format, err)
		return errorPayload(http.StatusBadGateway, "Error connecting to subconverter: "+err.Error())
	}

	header := relayHeader(resp.Header)
	applyCommonHeaders(header, req)
	return &Payload{Status: resp.StatusCode, Header: header, Body: resp.Body}
}

func (ix *Indirector) direct(req Request) *Payload {
	header := make(http.Header)
	applyCommonHeaders(header, req)
	body := base64.StdEncoding.EncodeToString([]byte(req.Nodes))
	return &Payload{Status: http.StatusOK, Header: header, Body: []byte(body)}
}

func (ix *Indirector) converterURL(req Request) string {
	base := strings.TrimRight(req.Converter, "/")
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	q := url.Values{}
	q.Set("target", string(req.Format))
	q.Set("url", ix.CallbackURL(req.BaseURL, req.CallbackPath))
	if req.Template != "" && format.NeedsTemplate(req.Format) {
		q.Set("config", req.Template)
	}
	q.Set("new_name", "true")
	return base + "/sub?" + q.Encode()
}

// ContentDisposition returns an attachment header value for name.
func ContentDisposition(name string) string {
	return "attachment; filename*=utf-8''" + nodeuri.EscapeName(name)
}

func applyCommonHeaders(h http.Header, req Request) {
	for k, vs := range req.Header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	if req.FileName != "" {
		h.Set("Content-Disposition", ContentDisposition(req.FileName))
	}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-store, no-cache")
}

var droppedRelayHeaders = map[string]struct{}{
	"Connection":        {},
	"Content-Length":    {},
	"Content-Encoding":  {},
	"Transfer-Encoding": {},
	"Set-Cookie":        {},
	"Keep-Alive":        {},
}

func relayHeader(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for k, vs := range src {
		if _, drop := droppedRelayHeaders[http.CanonicalHeaderKey(k)]; drop {
			continue
		}
		dst[k] = append([]string(nil), vs...)
	}
	return dst
}
