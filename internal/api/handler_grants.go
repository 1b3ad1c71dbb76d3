package api

import (
	"net/http"

	"github.com/Resinat/Subgate/internal/service"
)

// HandleGetGrant returns a handler for GET /api/v1/grants/{token}.
func HandleGetGrant(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g, err := cp.GetGrant(r.Context(), PathParam(r, "token"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, g)
	}
}

// HandlePatchGrant returns a handler for PATCH /api/v1/grants/{token}.
func HandlePatchGrant(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := readRawBodyOrWriteInvalid(w, r)
		if !ok {
			return
		}
		g, err := cp.PatchGrant(r.Context(), PathParam(r, "token"), body)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, g)
	}
}

// HandleDeleteGrant returns a handler for DELETE /api/v1/grants/{token}.
func HandleDeleteGrant(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cp.DeleteGrant(r.Context(), PathParam(r, "token")); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleUnsuspendGrant returns a handler for
// POST /api/v1/grants/{token}/actions/unsuspend.
func HandleUnsuspendGrant(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g, err := cp.UnsuspendGrant(r.Context(), PathParam(r, "token"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, g)
	}
}

// HandleGetGrantPolicy returns a handler for GET /api/v1/grants/{token}/policy.
func HandleGetGrantPolicy(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eff, err := cp.GetGrantPolicy(r.Context(), PathParam(r, "token"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, eff)
	}
}

// HandleIssueGrants returns a handler for POST /api/v1/groups/{id}/grants:batch.
func HandleIssueGrants(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req service.IssueGrantsRequest
		if !decodeBodyOrWriteInvalid(w, r, &req) {
			return
		}
		grants, err := cp.IssueGrants(r.Context(), PathParam(r, "id"), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, map[string]any{"items": grants})
	}
}
