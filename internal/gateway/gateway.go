// Package gateway serves the public subscription links: per-grant links
// guarded by the abuse-policy engine, per-group share links and the master
// link covering every enabled source.
package gateway

import (
	"context"
	"log"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/Resinat/Subgate/internal/antishare"
	"github.com/Resinat/Subgate/internal/convert"
	"github.com/Resinat/Subgate/internal/format"
	"github.com/Resinat/Subgate/internal/geoip"
	"github.com/Resinat/Subgate/internal/model"
	"github.com/Resinat/Subgate/internal/netutil"
	"github.com/Resinat/Subgate/internal/notify"
	"github.com/Resinat/Subgate/internal/policy"
	"github.com/Resinat/Subgate/internal/state"
	"github.com/Resinat/Subgate/internal/subscription"
)

// Locator resolves a client address to a location.
type Locator interface {
	Lookup(ctx context.Context, ip netip.Addr, header http.Header) geoip.Location
}

// Notifier accepts notifications for asynchronous delivery.
type Notifier interface {
	Send(msg notify.Message)
}

// Config wires a Handler.
type Config struct {
	Repo       *state.Repo
	Policies   *policy.Resolver
	Engine     antishare.Engine
	Locator    Locator
	Aggregator *subscription.Aggregator
	Indirector *convert.Indirector
	Notifier   Notifier

	BotKeywords     []string
	ClientIPHeaders []string
	// PublicURL is the base of callback URLs handed to the converter. When
	// empty, callbacks are only built with TrustForwardedHeaders.
	PublicURL string
	// TrustForwardedHeaders honors X-Forwarded-Proto and X-Forwarded-Host.
	// Enable only behind a proxy that overwrites them.
	TrustForwardedHeaders bool
	// Zone is used for day keys and user-facing times.
	Zone *time.Location
	// Now defaults to time.Now.
	Now func() time.Time
}

// Handler serves every public subscription route.
type Handler struct {
	Config
}

// New creates a Handler.
func New(cfg Config) *Handler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Zone == nil {
		cfg.Zone = antishare.DefaultZone
	}
	if cfg.ClientIPHeaders == nil {
		cfg.ClientIPHeaders = netutil.DefaultClientIPHeaders
	}
	if cfg.Engine.Zone == nil {
		cfg.Engine.Zone = cfg.Zone
	}
	return &Handler{Config: cfg}
}

// request is the per-call context shared by the flows.
type request struct {
	r        *http.Request
	settings model.Settings
	ua       string
	ip       netip.Addr
	now      time.Time
	callback bool
}

// ServeHTTP dispatches on the number of path segments:
//
//	/{share}/{group}/{grant}  grant link
//	/{share}/{group}          group link
//	/{master}                 master link
//	/sub?token={master}       master link
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	settings, err := h.Repo.Settings(r.Context())
	if err != nil {
		h.internalError(w, "load settings", err)
		return
	}
	ua := strings.TrimSpace(r.Header.Get("User-Agent"))
	if ua == "" {
		ua = "Unknown"
	}
	req := &request{
		r:        r,
		settings: settings,
		ua:       ua,
		ip:       netutil.ClientAddr(r, h.ClientIPHeaders),
		now:      h.Now(),
		callback: h.Indirector.IsCallback(r.URL.Query()),
	}

	segs := pathSegments(r.URL.Path)
	switch len(segs) {
	case 3:
		h.serveGrant(w, req, segs[0], segs[1], segs[2])
	case 2:
		h.serveGroup(w, req, segs[0], segs[1])
	case 1:
		h.serveMaster(w, req, segs[0])
	case 0:
		token := r.URL.Query().Get("token")
		if token == "" {
			http.NotFound(w, r)
			return
		}
		h.serveMaster(w, req, token)
	default:
		writePlaceholders(w, invalidLabels, nil)
	}
}

// pathSegments splits path, dropping a leading "sub" segment.
func pathSegments(path string) []string {
	var segs []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	if len(segs) > 0 && segs[0] == "sub" {
		segs = segs[1:]
	}
	return segs
}

// screen applies bot and browser filtering. It reports false when a
// response has been written.
func (h *Handler) screen(w http.ResponseWriter, req *request) bool {
	if req.callback {
		return true
	}
	if IsBot(req.ua, h.BotKeywords) {
		log.Printf("[gateway] blocked bot request: %q", req.ua)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return false
	}
	if IsBrowser(req.ua) {
		writeBrowserPage(w)
		return false
	}
	return true
}

// conversion is the output side shared by the flows.
type conversion struct {
	nodes        string
	callbackPath string
	converter    string
	template     string
	title        string
	header       http.Header
}

// deliver negotiates the format and converts. It returns nil after writing
// an error response itself.
func (h *Handler) deliver(w http.ResponseWriter, req *request, c conversion) *convert.Payload {
	query := req.r.URL.Query()
	f := format.Resolve(format.Input{
		Target:      query.Get("target"),
		Flags:       format.FlagsFromQuery(query),
		UserAgent:   req.ua,
		HasTemplate: c.template != "",
	})
	if req.callback {
		f = format.Base64
	}
	needsConverter := f != format.Base64 && !(f == format.Clash && c.template == "")
	if needsConverter && strings.TrimSpace(c.converter) == "" {
		http.Error(w, "Subconverter backend is not configured.", http.StatusInternalServerError)
		return nil
	}
	base := h.requestBase(req.r)
	if needsConverter {
		// The callback URL carries the callback token to a third party.
		cb, ok := h.callbackBase(req.r)
		if !ok {
			log.Printf("[gateway] %s conversion refused: public URL is not configured", f)
			http.Error(w, "Public URL is not configured.", http.StatusInternalServerError)
			return nil
		}
		base = cb
	}

	header := c.header
	if header == nil {
		header = make(http.Header)
	}
	setProfileHeaders(header, c.title)

	return h.Indirector.Convert(req.r.Context(), convert.Request{
		Nodes:        c.nodes,
		Format:       f,
		Query:        query,
		BaseURL:      base,
		CallbackPath: c.callbackPath,
		Converter:    c.converter,
		Template:     c.template,
		FileName:     c.title,
		UserAgent:    req.ua,
		Header:       header,
	})
}

// members returns the enabled remote sources and manual literals of group
// in stored order.
func members(sources []model.Source, group *model.Group) (remote []model.Source, manual []string) {
	subIDs := toSet(group.SourceIDs)
	nodeIDs := toSet(group.ManualNodeIDs)
	for _, src := range sources {
		if !src.Enabled {
			continue
		}
		if src.IsRemote() {
			if _, ok := subIDs[src.ID]; ok {
				remote = append(remote, src)
			}
		} else if _, ok := nodeIDs[src.ID]; ok {
			manual = append(manual, src.URL)
		}
	}
	return remote, manual
}

// allEnabled returns every enabled source split into remote and manual.
func allEnabled(sources []model.Source) (remote []model.Source, manual []string) {
	for _, src := range sources {
		if !src.Enabled {
			continue
		}
		if src.IsRemote() {
			remote = append(remote, src)
		} else {
			manual = append(manual, src.URL)
		}
	}
	return remote, manual
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func (h *Handler) internalError(w http.ResponseWriter, op string, err error) {
	log.Printf("[gateway] %s: %v", op, err)
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

func (h *Handler) locate(req *request) geoip.Location {
	if h.Locator == nil {
		return geoip.Location{}
	}
	return h.Locator.Lookup(req.r.Context(), req.ip, req.r.Header)
}

func (h *Handler) send(msg notify.Message) {
	if h.Notifier != nil {
		h.Notifier.Send(msg)
	}
}
