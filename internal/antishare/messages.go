package antishare

import (
	"fmt"
	"time"
)

const contactLabel = "Contact the administrator if this is unexpected"

// Labels returns the user-facing lines rendered as placeholder nodes for a
// denied decision. Times are formatted in zone.
func Labels(d Decision, zone *time.Location) []string {
	if zone == nil {
		zone = DefaultZone
	}
	switch d.Reason {
	case ReasonSuspended:
		return []string{
			"Subscription suspended",
			"Resumes at " + d.SuspendUntil.In(zone).Format("2006-01-02 15:04"),
			contactLabel,
		}
	case ReasonDeviceLimit:
		return []string{
			fmt.Sprintf("Device limit reached (%d/%d)", d.DeviceCount, d.MaxDevices),
			"This device is not authorized",
			contactLabel,
		}
	case ReasonCityLimit:
		return []string{
			fmt.Sprintf("Location limit reached (%d cities)", len(d.AccountCities)),
			"Access from this location is not allowed",
			contactLabel,
		}
	case ReasonNewDeviceNewCity:
		return []string{
			"New device from a new location",
			"Access denied for account safety",
			contactLabel,
		}
	case ReasonRateLimit:
		return []string{
			fmt.Sprintf("Daily request limit reached (%d/%d)", d.DailyCount, d.RateLimit),
			"Try again tomorrow",
		}
	}
	return []string{"Access denied"}
}
