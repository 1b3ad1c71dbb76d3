// Package policy resolves the effective abuse policy for a grant from the
// global defaults, a named preset, group overrides and grant overrides.
package policy

import (
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/Resinat/Subgate/internal/config"
	"github.com/Resinat/Subgate/internal/model"
)

// DefaultRateLimit applies when no rate limit is configured for the current
// device count.
const DefaultRateLimit = 999

// Effective is a fully resolved policy.
type Effective struct {
	MaxDevices                int             `json:"max_devices"`
	MaxCities                 int             `json:"max_cities"`
	CityCheckStartIndex       int             `json:"city_check_start_index"`
	RateLimits                map[int]int     `json:"rate_limits"`
	SuspendEnabled            bool            `json:"suspend_enabled"`
	SuspendDuration           config.Duration `json:"suspend_duration"`
	RateLimitAbuseThreshold   int             `json:"rate_limit_abuse_threshold"`
	GeneralFailureThreshold   int             `json:"general_failure_threshold"`
	SuspendRequiresMaxDevices bool            `json:"suspend_requires_max_devices"`
}

// DefaultGlobal returns the built-in global policy.
func DefaultGlobal() Effective {
	return Effective{
		MaxDevices:              4,
		MaxCities:               5,
		CityCheckStartIndex:     2,
		RateLimits:              map[int]int{1: 3, 2: 5, 3: 7, 4: 9},
		SuspendEnabled:          true,
		SuspendDuration:         config.Duration(7 * 24 * time.Hour),
		RateLimitAbuseThreshold: 10,
		GeneralFailureThreshold: 5,
	}
}

// Clone returns a copy that shares no map with e.
func (e Effective) Clone() Effective {
	e.RateLimits = maps.Clone(e.RateLimits)
	return e
}

// RateLimit returns the daily request limit for deviceCount devices.
func (e Effective) RateLimit(deviceCount int) int {
	if v, ok := e.RateLimits[deviceCount]; ok {
		return v
	}
	return DefaultRateLimit
}

// Apply overlays o onto e. Rate limits merge per device count; keys that are
// not integers are ignored.
func (e Effective) Apply(o *model.PolicyOverride) Effective {
	out := e.Clone()
	if o == nil {
		return out
	}
	if o.MaxDevices != nil {
		out.MaxDevices = *o.MaxDevices
	}
	if o.MaxCities != nil {
		out.MaxCities = *o.MaxCities
	}
	if o.CityCheckStartIndex != nil {
		out.CityCheckStartIndex = *o.CityCheckStartIndex
	}
	if len(o.RateLimits) > 0 {
		if out.RateLimits == nil {
			out.RateLimits = make(map[int]int, len(o.RateLimits))
		}
		for k, v := range o.RateLimits {
			n, err := strconv.Atoi(strings.TrimSpace(k))
			if err != nil {
				continue
			}
			out.RateLimits[n] = v
		}
	}
	if o.SuspendEnabled != nil {
		out.SuspendEnabled = *o.SuspendEnabled
	}
	if o.SuspendDurationHours != nil {
		out.SuspendDuration = config.Duration(suspendHours(*o.SuspendDurationHours))
	}
	if o.RateLimitAbuseThreshold != nil {
		out.RateLimitAbuseThreshold = *o.RateLimitAbuseThreshold
	}
	if o.GeneralFailureThreshold != nil {
		out.GeneralFailureThreshold = *o.GeneralFailureThreshold
	}
	if o.SuspendRequiresMaxDevices != nil {
		out.SuspendRequiresMaxDevices = *o.SuspendRequiresMaxDevices
	}
	return out
}

// Clamp raises every numeric field to its minimum.
func (e Effective) Clamp() Effective {
	out := e.Clone()
	out.MaxDevices = max(out.MaxDevices, 1)
	out.MaxCities = max(out.MaxCities, 1)
	out.CityCheckStartIndex = max(out.CityCheckStartIndex, 0)
	out.SuspendDuration = max(out.SuspendDuration, 0)
	out.RateLimitAbuseThreshold = max(out.RateLimitAbuseThreshold, 1)
	out.GeneralFailureThreshold = max(out.GeneralFailureThreshold, 1)
	for k, v := range out.RateLimits {
		if v < 1 {
			out.RateLimits[k] = 1
		}
	}
	return out
}

// MaxSuspendDuration bounds configured suspension lengths.
const MaxSuspendDuration = 10 * 365 * 24 * time.Hour

// suspendHours converts hours to a duration, saturating at
// MaxSuspendDuration. Negative and NaN inputs become zero.
func suspendHours(hours float64) time.Duration {
	switch {
	case math.IsNaN(hours) || hours <= 0:
		return 0
	case hours >= MaxSuspendDuration.Hours():
		return MaxSuspendDuration
	}
	return time.Duration(hours * float64(time.Hour))
}

// Resolver folds policy layers.
type Resolver struct {
	global  Effective
	presets map[string]model.PolicyOverride
}

// NewResolver creates a Resolver. presets are layered over the built-in
// presets by name.
func NewResolver(global Effective, presets map[string]model.PolicyOverride) *Resolver {
	merged := BuiltinPresets()
	for name, p := range presets {
		merged[strings.ToLower(name)] = p
	}
	return &Resolver{global: global.Clamp(), presets: merged}
}

// Global returns the clamped global policy.
func (r *Resolver) Global() Effective {
	return r.global.Clone()
}

// Preset looks up a preset by name, case-insensitively.
func (r *Resolver) Preset(name string) (model.PolicyOverride, bool) {
	p, ok := r.presets[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// PresetNames returns the known preset names, sorted.
func (r *Resolver) PresetNames() []string {
	return slices.Sorted(maps.Keys(r.presets))
}

// Presets returns every preset resolved over the global policy.
func (r *Resolver) Presets() map[string]Effective {
	out := make(map[string]Effective, len(r.presets))
	for name, p := range r.presets {
		out[name] = r.global.Apply(&p).Clamp()
	}
	return out
}

// Resolve returns the effective policy for grant in group. Either may be nil.
// Layers apply in order: global, group preset, group overrides, grant
// overrides. Unknown preset keys are skipped.
func (r *Resolver) Resolve(group *model.Group, grant *model.AccessGrant) Effective {
	var layers []*model.PolicyOverride
	if group != nil {
		if p, ok := r.Preset(group.PolicyKey); ok {
			layers = append(layers, &p)
		}
		layers = append(layers, group.PolicyOverrides)
	}
	if grant != nil {
		layers = append(layers, grant.PolicyOverrides)
	}

	eff := r.global
	for _, layer := range layers {
		eff = eff.Apply(layer)
	}
	return eff.Clamp()
}
