// Package service holds the admin operations that API handlers call and the
// scheduled source refresh job. Concrete stores and resolvers are wired in
// main.
package service

import (
	"context"
	"net/http"
	"net/netip"
	"time"

	"github.com/Resinat/Subgate/internal/geoip"
	"github.com/Resinat/Subgate/internal/notify"
)

// SystemInfo contains version and runtime information.
type SystemInfo struct {
	Version   string    `json:"version"`
	GitCommit string    `json:"git_commit"`
	BuildTime string    `json:"build_time"`
	StartedAt time.Time `json:"started_at"`
	Store     string    `json:"store"`
	Providers []string  `json:"geo_providers"`
}

// Locator resolves the approximate location of a client address.
type Locator interface {
	Lookup(ctx context.Context, ip netip.Addr, header http.Header) geoip.Location
}

// Deliverer sends a notification synchronously and reports whether any
// sink accepted it.
type Deliverer interface {
	Deliver(ctx context.Context, msg notify.Message) bool
}
