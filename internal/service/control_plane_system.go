package service

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"github.com/Resinat/Subgate/internal/geoip"
	"github.com/Resinat/Subgate/internal/policy"
	"github.com/Resinat/Subgate/internal/state"
)

// ControlPlaneService provides all admin operations.
// Handlers call its methods; business logic lives here, not in handlers.
type ControlPlaneService struct {
	Repo        *state.Repo
	Policies    *policy.Resolver
	GeoIP       Locator
	Refresh     *RefreshJob
	Info        SystemInfo
	TokenLength int              // default length of issued grant tokens
	Now         func() time.Time // defaults to time.Now
}

func (s *ControlPlaneService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// GetSystemInfo returns build and runtime information.
func (s *ControlPlaneService) GetSystemInfo() SystemInfo {
	return s.Info
}

// PresetsResponse lists the global policy and every preset resolved over it.
type PresetsResponse struct {
	Global  policy.Effective            `json:"global"`
	Presets map[string]policy.Effective `json:"presets"`
}

// ListPresets returns the resolved policy presets.
func (s *ControlPlaneService) ListPresets() PresetsResponse {
	return PresetsResponse{
		Global:  s.Policies.Global(),
		Presets: s.Policies.Presets(),
	}
}

// LookupIP performs a geolocation lookup.
func (s *ControlPlaneService) LookupIP(ctx context.Context, ipStr string) (geoip.Location, error) {
	ip, err := netip.ParseAddr(ipStr)
	if err != nil {
		return geoip.Location{}, invalidArg("ip: invalid IP address")
	}
	if s.GeoIP == nil {
		return geoip.Location{}, nil
	}
	return s.GeoIP.Lookup(ctx, ip.Unmap(), nil), nil
}

// RefreshStatus describes the refresh schedule.
type RefreshStatus struct {
	NextRun string `json:"next_run,omitempty"`
}

// GetRefreshStatus returns the next scheduled refresh.
func (s *ControlPlaneService) GetRefreshStatus() RefreshStatus {
	var st RefreshStatus
	if s.Refresh != nil {
		if t := s.Refresh.NextRun(); !t.IsZero() {
			st.NextRun = t.UTC().Format(time.RFC3339Nano)
		}
	}
	return st
}

// RunRefreshNow runs a source refresh immediately (blocks).
func (s *ControlPlaneService) RunRefreshNow(ctx context.Context) (RefreshReport, error) {
	if s.Refresh == nil {
		return RefreshReport{}, internal("refresh job is not configured", nil)
	}
	report, err := s.Refresh.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return report, internal("refresh interrupted", err)
		}
		return report, internal("refresh failed", err)
	}
	return report, nil
}
