// Package model defines domain structs shared across the persistence layer.
package model

import (
	"strings"
	"time"
)

// Source is a subscription source: a remote feed URL or an inline node literal.
type Source struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	URL          string       `json:"url"`
	Enabled      bool         `json:"enabled"`
	ExcludeRules string       `json:"exclude_rules,omitempty"`
	Traffic      *TrafficInfo `json:"traffic,omitempty"`
	NodeCount    int          `json:"node_count,omitempty"`

	// Refresh notification bookkeeping.
	LastNotifiedExpire  time.Time `json:"last_notified_expire,omitzero"`
	LastNotifiedTraffic time.Time `json:"last_notified_traffic,omitzero"`
}

// IsRemote reports whether the source is fetched over HTTP(S).
func (s Source) IsRemote() bool {
	return strings.HasPrefix(s.URL, "http://") || strings.HasPrefix(s.URL, "https://")
}

// TrafficInfo mirrors the subscription-userinfo header. Expire is a unix
// timestamp in seconds; zero means unknown.
type TrafficInfo struct {
	Upload   int64 `json:"upload"`
	Download int64 `json:"download"`
	Total    int64 `json:"total"`
	Expire   int64 `json:"expire,omitempty"`
}

// Used returns upload + download.
func (t TrafficInfo) Used() int64 {
	return t.Upload + t.Download
}

// Remaining returns total - used, floored at zero.
func (t TrafficInfo) Remaining() int64 {
	if r := t.Total - t.Used(); r > 0 {
		return r
	}
	return 0
}

// PrefixPolicy controls display-name prefixing. Nil fields inherit from the
// next layer (group -> settings -> default).
type PrefixPolicy struct {
	ManualEnabled  *bool  `json:"manual_enabled,omitempty"`
	SourcesEnabled *bool  `json:"sources_enabled,omitempty"`
	ManualPrefix   string `json:"manual_prefix,omitempty"`
}

// Group ("profile") bundles sources and manual nodes behind one share link.
type Group struct {
	ID                  string          `json:"id"`
	CustomID            string          `json:"custom_id,omitempty"`
	Name                string          `json:"name"`
	Enabled             bool            `json:"enabled"`
	SourceIDs           []string        `json:"source_ids"`
	ManualNodeIDs       []string        `json:"manual_node_ids"`
	Prefix              *PrefixPolicy   `json:"prefix,omitempty"`
	Converter           string          `json:"converter,omitempty"`
	ConverterTemplate   string          `json:"converter_template,omitempty"`
	PolicyKey           string          `json:"policy_key,omitempty"`
	PolicyOverrides     *PolicyOverride `json:"policy_overrides,omitempty"`
	ExpiresAt           time.Time       `json:"expires_at,omitzero"`
	TotalBandwidthLabel string          `json:"total_bandwidth_label,omitempty"`
}

// MatchesRef reports whether ref names this group by ID or custom ID.
func (g Group) MatchesRef(ref string) bool {
	if ref == "" {
		return false
	}
	return g.ID == ref || (g.CustomID != "" && g.CustomID == ref)
}

// PolicyOverride is a partial policy layer. Nil fields and absent rate-limit
// keys leave the lower layer untouched.
type PolicyOverride struct {
	MaxDevices                *int           `json:"max_devices,omitempty" mapstructure:"max_devices"`
	MaxCities                 *int           `json:"max_cities,omitempty" mapstructure:"max_cities"`
	CityCheckStartIndex       *int           `json:"city_check_start_index,omitempty" mapstructure:"city_check_start_index"`
	RateLimits                map[string]int `json:"rate_limits,omitempty" mapstructure:"rate_limits"`
	SuspendEnabled            *bool          `json:"suspend_enabled,omitempty" mapstructure:"suspend_enabled"`
	SuspendDurationHours      *float64       `json:"suspend_duration_hours,omitempty" mapstructure:"suspend_duration_hours"`
	RateLimitAbuseThreshold   *int           `json:"rate_limit_abuse_threshold,omitempty" mapstructure:"rate_limit_abuse_threshold"`
	GeneralFailureThreshold   *int           `json:"general_failure_threshold,omitempty" mapstructure:"general_failure_threshold"`
	SuspendRequiresMaxDevices *bool          `json:"suspend_requires_max_devices,omitempty" mapstructure:"suspend_requires_max_devices"`
}

// GrantStatus is the lifecycle state of an AccessGrant.
type GrantStatus string

const (
	GrantPending   GrantStatus = "pending"
	GrantActivated GrantStatus = "activated"
)

// AccessGrant is one issued, token-bearing right to fetch a group's
// converted subscription.
type AccessGrant struct {
	Token           string                   `json:"token"`
	GroupID         string                   `json:"group_id"`
	Status          GrantStatus              `json:"status"`
	CreatedAt       time.Time                `json:"created_at"`
	ActivatedAt     time.Time                `json:"activated_at,omitzero"`
	ExpiresAt       time.Time                `json:"expires_at,omitzero"`
	DurationMs      int64                    `json:"duration_ms"`
	Devices         map[string]*DeviceRecord `json:"devices"`
	Stats           RequestStats             `json:"stats"`
	Suspend         *SuspendRecord           `json:"suspend,omitempty"`
	PolicyOverrides *PolicyOverride          `json:"policy_overrides,omitempty"`
	Remark          string                   `json:"remark,omitempty"`
}

// Activate moves a pending grant to activated, fixing ExpiresAt from the
// configured duration. Activated grants are left unchanged.
func (g *AccessGrant) Activate(now time.Time) bool {
	if g.Status == GrantActivated {
		return false
	}
	g.Status = GrantActivated
	g.ActivatedAt = now
	g.ExpiresAt = now.Add(time.Duration(g.DurationMs) * time.Millisecond)
	return true
}

// Expired reports whether an activated grant is past its expiry.
func (g *AccessGrant) Expired(now time.Time) bool {
	return g.Status == GrantActivated && !now.Before(g.ExpiresAt)
}

// DeviceRecord tracks one client fingerprint on a grant.
type DeviceRecord struct {
	DeviceID     string                 `json:"device_id"`
	UserAgent    string                 `json:"user_agent"`
	FirstSeen    time.Time              `json:"first_seen"`
	LastSeen     time.Time              `json:"last_seen"`
	RequestCount int64                  `json:"request_count"`
	Cities       map[string]*CityRecord `json:"cities"`
}

// CityRecord tracks one city observed for a device.
type CityRecord struct {
	City       string    `json:"city"`
	SourceIP   string    `json:"source_ip"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	VisitCount int64     `json:"visit_count"`
}

// RequestStats holds per-grant counters. DailyDate is a YYYY-MM-DD key in
// the service's reference time zone.
type RequestStats struct {
	TotalRequests     int64     `json:"total_requests"`
	LastRequestAt     time.Time `json:"last_request_at,omitzero"`
	DailyCount        int       `json:"daily_count"`
	DailyDate         string    `json:"daily_date,omitempty"`
	FailedAttempts    int       `json:"failed_attempts"`
	RateLimitAttempts int       `json:"rate_limit_attempts"`
}

// SuspendRecord marks a grant as temporarily suspended.
type SuspendRecord struct {
	RaisedAt    time.Time `json:"raised_at"`
	Until       time.Time `json:"until"`
	Reason      string    `json:"reason"`
	Detail      string    `json:"detail,omitempty"`
	DeviceCount int       `json:"device_count"`
	DailyCount  int       `json:"daily_count"`
}

// Settings are the persisted operator settings.
type Settings struct {
	FileName               string       `json:"file_name"`
	MasterToken            string       `json:"master_token"`
	ShareToken             string       `json:"share_token"`
	Converter              string       `json:"converter"`
	ConverterTemplate      string       `json:"converter_template,omitempty"`
	PrependSourceName      *bool        `json:"prepend_source_name,omitempty"`
	Prefix                 PrefixPolicy `json:"prefix"`
	NotifyThresholdDays    int          `json:"notify_threshold_days"`
	NotifyThresholdPercent int          `json:"notify_threshold_percent"`
	TelegramBotToken       string       `json:"telegram_bot_token,omitempty"`
	TelegramChatID         string       `json:"telegram_chat_id,omitempty"`
	NotifyOnAccess         bool         `json:"notify_on_access"`
}

// DefaultSettings returns settings used when none are stored.
func DefaultSettings() Settings {
	return Settings{
		FileName:               "Subgate",
		MasterToken:            "auto",
		ShareToken:             "share",
		Converter:              "url.v1.mk",
		NotifyThresholdDays:    3,
		NotifyThresholdPercent: 90,
	}
}

// Clone returns a deep copy of the grant.
func (g AccessGrant) Clone() AccessGrant {
	out := g
	if g.Devices != nil {
		out.Devices = make(map[string]*DeviceRecord, len(g.Devices))
		for id, d := range g.Devices {
			if d == nil {
				continue
			}
			dev := *d
			if d.Cities != nil {
				dev.Cities = make(map[string]*CityRecord, len(d.Cities))
				for name, c := range d.Cities {
					if c == nil {
						continue
					}
					city := *c
					dev.Cities[name] = &city
				}
			}
			out.Devices[id] = &dev
		}
	}
	if g.Suspend != nil {
		s := *g.Suspend
		out.Suspend = &s
	}
	out.PolicyOverrides = g.PolicyOverrides.Clone()
	return out
}

// Clone returns a deep copy of the override, or nil.
func (o *PolicyOverride) Clone() *PolicyOverride {
	if o == nil {
		return nil
	}
	out := *o
	out.MaxDevices = clonePtr(o.MaxDevices)
	out.MaxCities = clonePtr(o.MaxCities)
	out.CityCheckStartIndex = clonePtr(o.CityCheckStartIndex)
	out.SuspendEnabled = clonePtr(o.SuspendEnabled)
	out.SuspendDurationHours = clonePtr(o.SuspendDurationHours)
	out.RateLimitAbuseThreshold = clonePtr(o.RateLimitAbuseThreshold)
	out.GeneralFailureThreshold = clonePtr(o.GeneralFailureThreshold)
	out.SuspendRequiresMaxDevices = clonePtr(o.SuspendRequiresMaxDevices)
	if o.RateLimits != nil {
		out.RateLimits = make(map[string]int, len(o.RateLimits))
		for k, v := range o.RateLimits {
			out.RateLimits[k] = v
		}
	}
	return &out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
