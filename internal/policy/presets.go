package policy

import "github.com/Resinat/Subgate/internal/model"

// Built-in preset names.
const (
	PresetStrict   = "strict"
	PresetStandard = "standard"
	PresetRelaxed  = "relaxed"
)

// BuiltinPresets returns a fresh copy of the built-in presets.
func BuiltinPresets() map[string]model.PolicyOverride {
	return map[string]model.PolicyOverride{
		PresetStrict: {
			MaxDevices:              ptr(2),
			MaxCities:               ptr(2),
			CityCheckStartIndex:     ptr(1),
			RateLimits:              map[string]int{"1": 3, "2": 4},
			SuspendEnabled:          ptr(true),
			SuspendDurationHours:    ptr(14 * 24.0),
			RateLimitAbuseThreshold: ptr(5),
			GeneralFailureThreshold: ptr(3),
		},
		PresetStandard: {},
		PresetRelaxed: {
			MaxDevices:                ptr(8),
			MaxCities:                 ptr(10),
			CityCheckStartIndex:       ptr(4),
			RateLimits:                map[string]int{"5": 11, "6": 13, "7": 15, "8": 17},
			SuspendDurationHours:      ptr(24.0),
			RateLimitAbuseThreshold:   ptr(20),
			GeneralFailureThreshold:   ptr(10),
			SuspendRequiresMaxDevices: ptr(true),
		},
	}
}

func ptr[T any](v T) *T { return &v }
