package api

import (
	"net/http"

	"github.com/Resinat/Subgate/internal/model"
	"github.com/Resinat/Subgate/internal/service"
)

// HandleListSources returns a handler for GET /api/v1/sources.
func HandleListSources(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sources, err := cp.ListSources(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"items": sources})
	}
}

// HandleReplaceSources returns a handler for PUT /api/v1/sources.
func HandleReplaceSources(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Items []model.Source `json:"items"`
		}
		if !decodeBodyOrWriteInvalid(w, r, &body) {
			return
		}
		saved, err := cp.ReplaceSources(r.Context(), body.Items)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"items": saved})
	}
}

// HandleListGroups returns a handler for GET /api/v1/groups.
func HandleListGroups(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		groups, err := cp.ListGroups(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"items": groups})
	}
}

// HandleReplaceGroups returns a handler for PUT /api/v1/groups.
func HandleReplaceGroups(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Items []model.Group `json:"items"`
		}
		if !decodeBodyOrWriteInvalid(w, r, &body) {
			return
		}
		saved, err := cp.ReplaceGroups(r.Context(), body.Items)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"items": saved})
	}
}
