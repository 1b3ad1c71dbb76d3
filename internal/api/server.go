package api

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/Resinat/Subgate/internal/service"
)

// Server wraps the HTTP server and mux for the admin API and the public
// subscription routes.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a new server wired with all routes.
// gateway may be nil to serve the admin API alone.
func NewServer(
	port int,
	adminToken string,
	cp *service.ControlPlaneService,
	gateway http.Handler,
	apiMaxBodyBytes int64,
) *Server {
	return NewServerWithAddress("", port, adminToken, cp, gateway, apiMaxBodyBytes)
}

// NewServerWithAddress creates a new server with an explicit listen address.
func NewServerWithAddress(
	listenAddress string,
	port int,
	adminToken string,
	cp *service.ControlPlaneService,
	gateway http.Handler,
	apiMaxBodyBytes int64,
) *Server {
	mux := http.NewServeMux()

	// Public (no auth)
	mux.Handle("GET /healthz", HandleHealthz())

	// Authenticated routes
	authed := http.NewServeMux()
	authed.Handle("GET /api/v1/system/info", HandleSystemInfo(cp))
	authed.Handle("GET /api/v1/policy/presets", HandleListPresets(cp))

	// Settings.
	authed.Handle("GET /api/v1/settings", HandleGetSettings(cp))
	authed.Handle("PUT /api/v1/settings", HandleReplaceSettings(cp))
	authed.Handle("PATCH /api/v1/settings", HandlePatchSettings(cp))

	// Sources and groups.
	authed.Handle("GET /api/v1/sources", HandleListSources(cp))
	authed.Handle("PUT /api/v1/sources", HandleReplaceSources(cp))
	authed.Handle("GET /api/v1/groups", HandleListGroups(cp))
	authed.Handle("PUT /api/v1/groups", HandleReplaceGroups(cp))
	authed.Handle("POST /api/v1/groups/{id}/grants:batch", HandleIssueGrants(cp))

	// Grants.
	authed.Handle("GET /api/v1/grants/{token}", HandleGetGrant(cp))
	authed.Handle("PATCH /api/v1/grants/{token}", HandlePatchGrant(cp))
	authed.Handle("DELETE /api/v1/grants/{token}", HandleDeleteGrant(cp))
	authed.Handle("GET /api/v1/grants/{token}/policy", HandleGetGrantPolicy(cp))
	authed.Handle("POST /api/v1/grants/{token}/actions/unsuspend", HandleUnsuspendGrant(cp))

	// Refresh.
	authed.Handle("GET /api/v1/refresh/status", HandleRefreshStatus(cp))
	authed.Handle("POST /api/v1/refresh/actions/run-now", HandleRefreshNow(cp))

	// GeoIP.
	authed.Handle("GET /api/v1/geoip/lookup", HandleGeoIPLookup(cp))
	authed.Handle("POST /api/v1/geoip/lookup", HandleGeoIPLookupPost(cp))

	limitedAuthed := RequestBodyLimitMiddleware(apiMaxBodyBytes, authed)
	mux.Handle("/api/", AuthMiddleware(adminToken, limitedAuthed))

	if gateway != nil {
		mux.Handle("/", readOnly(gateway))
	}

	srv := &http.Server{
		Addr:    net.JoinHostPort(listenAddress, strconv.Itoa(port)),
		Handler: mux,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
	}
}

// readOnly admits GET and HEAD. A method-qualified "GET /" pattern would
// conflict with "/api/".
func readOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
