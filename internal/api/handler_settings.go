package api

import (
	"net/http"

	"github.com/Resinat/Subgate/internal/model"
	"github.com/Resinat/Subgate/internal/service"
)

// HandleGetSettings returns a handler for GET /api/v1/settings.
func HandleGetSettings(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		settings, err := cp.GetSettings(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, settings)
	}
}

// HandleReplaceSettings returns a handler for PUT /api/v1/settings.
func HandleReplaceSettings(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var settings model.Settings
		if !decodeBodyOrWriteInvalid(w, r, &settings) {
			return
		}
		saved, err := cp.ReplaceSettings(r.Context(), settings)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, saved)
	}
}

// HandlePatchSettings returns a handler for PATCH /api/v1/settings.
// The body is a JSON merge patch.
func HandlePatchSettings(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := readRawBodyOrWriteInvalid(w, r)
		if !ok {
			return
		}
		saved, err := cp.PatchSettings(r.Context(), body)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, saved)
	}
}
