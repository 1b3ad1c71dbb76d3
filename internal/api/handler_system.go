package api

import (
	"net/http"

	"github.com/Resinat/Subgate/internal/service"
)

// HandleSystemInfo returns a handler for GET /api/v1/system/info.
func HandleSystemInfo(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, cp.GetSystemInfo())
	}
}

// HandleListPresets returns a handler for GET /api/v1/policy/presets.
func HandleListPresets(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, cp.ListPresets())
	}
}

// HandleRefreshStatus returns a handler for GET /api/v1/refresh/status.
func HandleRefreshStatus(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, cp.GetRefreshStatus())
	}
}

// HandleRefreshNow returns a handler for POST /api/v1/refresh/actions/run-now.
func HandleRefreshNow(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := cp.RunRefreshNow(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, report)
	}
}
