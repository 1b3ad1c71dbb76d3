// Package antishare implements the per-grant abuse-policy engine: device and
// city limits, daily rate limits and temporary suspension.
package antishare

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/Resinat/Subgate/internal/model"
	"github.com/Resinat/Subgate/internal/policy"
)

// Reason is a denial reason code.
type Reason string

const (
	ReasonSuspended        Reason = "suspended"
	ReasonDeviceLimit      Reason = "device_limit"
	ReasonCityLimit        Reason = "city_limit_exceeded"
	ReasonNewDeviceNewCity Reason = "new_device_new_city"
	ReasonRateLimit        Reason = "rate_limit"
)

// Suspension reasons recorded when accumulated counters cross their
// thresholds on an otherwise admissible request.
const (
	TriggerRateLimitAbuse   = "rate_limit_abuse"
	TriggerRepeatedFailures = "repeated_failures"
)

// EscalationPrefix marks suspensions raised directly by a failed device or
// city check; the denial reason follows the prefix.
const EscalationPrefix = "escalated:"

const (
	dayKeyLayout = "2006-01-02"
	decayDivisor = 2
)

// DefaultZone is the reference zone for daily counters.
var DefaultZone = time.FixedZone("UTC+8", 8*60*60)

// DeviceID fingerprints a client by its User-Agent.
func DeviceID(userAgent string) string {
	return fmt.Sprintf("%016x", xxh3.HashString(userAgent))
}

// DayKey returns the calendar day of t in zone.
func DayKey(t time.Time, zone *time.Location) string {
	if zone == nil {
		zone = DefaultZone
	}
	return t.In(zone).Format(dayKeyLayout)
}

// Event is one access attempt.
type Event struct {
	Now       time.Time
	DeviceID  string
	UserAgent string
	// City is the resolved city; empty when unknown.
	City string
	IP   string
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Allowed bool
	Reason  Reason

	DeviceCount   int
	MaxDevices    int
	DailyCount    int
	RateLimit     int
	AccountCities []string
	SuspendUntil  time.Time
	SuspendReason string

	NewDevice        bool
	CityExpanded     bool
	SuspensionRaised bool
	SuspensionLifted bool
}

// Engine evaluates access events. The zero value uses DefaultZone.
type Engine struct {
	Zone *time.Location
}

// NewEngine returns an Engine using zone for day keys.
func NewEngine(zone *time.Location) Engine {
	return Engine{Zone: zone}
}

// Evaluate decides ev against grant under pol. grant is not modified; the
// returned grant carries every counter, device and suspension change,
// including those made on denial.
func (e Engine) Evaluate(grant model.AccessGrant, pol policy.Effective, ev Event) (Decision, model.AccessGrant) {
	g := grant.Clone()
	if g.Devices == nil {
		g.Devices = make(map[string]*model.DeviceRecord)
	}
	e.rollDay(&g.Stats, ev.Now)

	d := Decision{MaxDevices: pol.MaxDevices}

	if g.Suspend != nil {
		g.Suspend.Until = g.Suspend.RaisedAt.Add(pol.SuspendDuration.Std())
		if ev.Now.Before(g.Suspend.Until) {
			d.Reason = ReasonSuspended
			d.SuspendUntil = g.Suspend.Until
			d.SuspendReason = g.Suspend.Reason
			return e.finish(d, &g, pol), g
		}
		g.Suspend = nil
		g.Stats.FailedAttempts = min(g.Stats.FailedAttempts, pol.GeneralFailureThreshold/decayDivisor)
		g.Stats.RateLimitAttempts = min(g.Stats.RateLimitAttempts, pol.RateLimitAbuseThreshold/decayDivisor)
		d.SuspensionLifted = true
	}

	_, known := g.Devices[ev.DeviceID]
	d.NewDevice = !known
	deviceCount := len(g.Devices)

	if !known && deviceCount >= pol.MaxDevices {
		detail := fmt.Sprintf("new device rejected at %d/%d devices", deviceCount, pol.MaxDevices)
		return e.fail(d, &g, pol, ev.Now, ReasonDeviceLimit, detail), g
	}

	cities := accountCities(&g)
	cityNew := ev.City != "" && !cities[ev.City]

	if cityNew && len(cities) >= pol.MaxCities {
		detail := fmt.Sprintf("city %q rejected at %d/%d cities", ev.City, len(cities), pol.MaxCities)
		return e.fail(d, &g, pol, ev.Now, ReasonCityLimit, detail), g
	}

	potentialDevices := deviceCount
	if !known {
		potentialDevices++
	}
	if cityNew && len(cities) > 0 {
		if !known && potentialDevices > pol.CityCheckStartIndex {
			detail := fmt.Sprintf("new device from new city %q", ev.City)
			return e.fail(d, &g, pol, ev.Now, ReasonNewDeviceNewCity, detail), g
		}
		d.CityExpanded = known
	}

	if !known {
		g.Devices[ev.DeviceID] = &model.DeviceRecord{
			DeviceID:  ev.DeviceID,
			UserAgent: ev.UserAgent,
			FirstSeen: ev.Now,
			LastSeen:  ev.Now,
			Cities:    make(map[string]*model.CityRecord),
		}
	}
	deviceCount = len(g.Devices)

	if pol.SuspendEnabled && atMaxIfRequired(pol, deviceCount) {
		trigger := ""
		switch {
		case g.Stats.RateLimitAttempts >= pol.RateLimitAbuseThreshold:
			trigger = TriggerRateLimitAbuse
		case g.Stats.FailedAttempts >= pol.GeneralFailureThreshold:
			trigger = TriggerRepeatedFailures
		}
		if trigger != "" {
			detail := fmt.Sprintf("failed=%d rate_limited=%d", g.Stats.FailedAttempts, g.Stats.RateLimitAttempts)
			raiseSuspension(&g, pol, ev.Now, trigger, detail)
			d.SuspensionRaised = true
			d.Reason = ReasonSuspended
			d.SuspendUntil = g.Suspend.Until
			d.SuspendReason = trigger
			return e.finish(d, &g, pol), g
		}
	}

	limit := pol.RateLimit(deviceCount)
	if g.Stats.DailyCount >= limit {
		g.Stats.RateLimitAttempts++
		d.Reason = ReasonRateLimit
		return e.finish(d, &g, pol), g
	}

	dev := g.Devices[ev.DeviceID]
	dev.LastSeen = ev.Now
	dev.RequestCount++
	if ev.UserAgent != "" {
		dev.UserAgent = ev.UserAgent
	}
	if ev.City != "" {
		if dev.Cities == nil {
			dev.Cities = make(map[string]*model.CityRecord)
		}
		rec, ok := dev.Cities[ev.City]
		if !ok {
			rec = &model.CityRecord{City: ev.City, SourceIP: ev.IP, FirstSeen: ev.Now}
			dev.Cities[ev.City] = rec
		}
		rec.LastSeen = ev.Now
		rec.VisitCount++
	}
	g.Stats.DailyCount++
	g.Stats.TotalRequests++
	g.Stats.LastRequestAt = ev.Now

	d.Allowed = true
	return e.finish(d, &g, pol), g
}

// fail records a failed attempt for a step that gates new devices or cities
// and escalates to suspension once the failure threshold is reached.
func (e Engine) fail(d Decision, g *model.AccessGrant, pol policy.Effective, now time.Time, reason Reason, detail string) Decision {
	g.Stats.FailedAttempts++
	d.Reason = reason
	if pol.SuspendEnabled && g.Stats.FailedAttempts >= pol.GeneralFailureThreshold {
		raiseSuspension(g, pol, now, EscalationPrefix+string(reason), detail)
		d.Reason = ReasonSuspended
		d.SuspensionRaised = true
		d.SuspendUntil = g.Suspend.Until
		d.SuspendReason = g.Suspend.Reason
	}
	return e.finish(d, g, pol)
}

func (e Engine) finish(d Decision, g *model.AccessGrant, pol policy.Effective) Decision {
	d.DeviceCount = len(g.Devices)
	d.DailyCount = g.Stats.DailyCount
	d.RateLimit = pol.RateLimit(max(d.DeviceCount, 1))
	d.AccountCities = slices.Sorted(maps.Keys(accountCities(g)))
	return d
}

func (e Engine) rollDay(stats *model.RequestStats, now time.Time) {
	today := DayKey(now, e.Zone)
	if stats.DailyDate == today {
		return
	}
	stats.DailyDate = today
	stats.DailyCount = 0
	stats.FailedAttempts = 0
	stats.RateLimitAttempts = 0
}

func atMaxIfRequired(pol policy.Effective, deviceCount int) bool {
	return !pol.SuspendRequiresMaxDevices || deviceCount >= pol.MaxDevices
}

func raiseSuspension(g *model.AccessGrant, pol policy.Effective, now time.Time, reason, detail string) {
	g.Suspend = &model.SuspendRecord{
		RaisedAt:    now,
		Until:       now.Add(pol.SuspendDuration.Std()),
		Reason:      reason,
		Detail:      detail,
		DeviceCount: len(g.Devices),
		DailyCount:  g.Stats.DailyCount,
	}
}

// accountCities is the union of cities across every device on the grant.
func accountCities(g *model.AccessGrant) map[string]bool {
	set := make(map[string]bool)
	for _, dev := range g.Devices {
		for city := range dev.Cities {
			set[city] = true
		}
	}
	return set
}
