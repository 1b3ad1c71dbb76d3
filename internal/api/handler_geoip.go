package api

import (
	"fmt"
	"net/http"

	"github.com/Resinat/Subgate/internal/geoip"
	"github.com/Resinat/Subgate/internal/service"
)

// HandleGeoIPLookup returns a handler for GET /api/v1/geoip/lookup?ip=.
func HandleGeoIPLookup(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := r.URL.Query().Get("ip")
		if ip == "" {
			writeInvalidArgument(w, "ip: is required")
			return
		}
		loc, err := cp.LookupIP(r.Context(), ip)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, lookupResult{IP: ip, Location: loc})
	}
}

type lookupResult struct {
	IP string `json:"ip"`
	geoip.Location
}

// HandleGeoIPLookupPost returns a handler for POST /api/v1/geoip/lookup (batch).
func HandleGeoIPLookupPost(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			IPs []string `json:"ips"`
		}
		if !decodeBodyOrWriteInvalid(w, r, &body) {
			return
		}
		if len(body.IPs) == 0 {
			writeInvalidArgument(w, "ips: must not be empty")
			return
		}

		results := make([]lookupResult, 0, len(body.IPs))
		for i, ip := range body.IPs {
			loc, err := cp.LookupIP(r.Context(), ip)
			if err != nil {
				writeInvalidArgument(w, fmt.Sprintf("ips[%d]: invalid IP address", i))
				return
			}
			results = append(results, lookupResult{IP: ip, Location: loc})
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"results": results,
		})
	}
}
