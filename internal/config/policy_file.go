package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/Resinat/Subgate/internal/model"
)

// PolicyFile is the on-disk abuse policy: a partial override of the built-in
// global policy plus named presets. Any format viper understands works; the
// format follows the file extension.
//
//	global:
//	  max_devices: 3
//	  rate_limits: {"1": 5, "2": 8}
//	presets:
//	  family:
//	    max_devices: 6
//	    suspend_duration_hours: 24
type PolicyFile struct {
	Global  model.PolicyOverride            `mapstructure:"global"`
	Presets map[string]model.PolicyOverride `mapstructure:"presets"`
}

// LoadPolicyFile reads the policy file at path. An empty path yields an
// empty PolicyFile.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	pf := &PolicyFile{}
	if strings.TrimSpace(path) == "" {
		return pf, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read policy file %s: %w", path, err)
	}
	if err := v.Unmarshal(pf); err != nil {
		return nil, fmt.Errorf("config: decode policy file %s: %w", path, err)
	}

	var errs []string
	validateOverride("global", &pf.Global, &errs)
	for name, preset := range pf.Presets {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, "presets: empty preset name")
			continue
		}
		validateOverride("presets."+name, &preset, &errs)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("config: policy file %s invalid:\n  %s", path, strings.Join(errs, "\n  "))
	}
	return pf, nil
}

func validateOverride(scope string, o *model.PolicyOverride, errs *[]string) {
	if o.MaxDevices != nil {
		validatePositive(scope+".max_devices", *o.MaxDevices, errs)
	}
	if o.MaxCities != nil {
		validatePositive(scope+".max_cities", *o.MaxCities, errs)
	}
	if o.CityCheckStartIndex != nil && *o.CityCheckStartIndex < 0 {
		*errs = append(*errs, fmt.Sprintf("%s.city_check_start_index: must not be negative, got %d", scope, *o.CityCheckStartIndex))
	}
	if o.SuspendDurationHours != nil && *o.SuspendDurationHours < 0 {
		*errs = append(*errs, fmt.Sprintf("%s.suspend_duration_hours: must not be negative, got %g", scope, *o.SuspendDurationHours))
	}
	for k, v := range o.RateLimits {
		validatePositive(scope+".rate_limits."+k, v, errs)
	}
}

// ValidateOverride checks one override layer outside a policy file, such as
// a group's or grant's overrides.
func ValidateOverride(scope string, o *model.PolicyOverride) error {
	if o == nil {
		return nil
	}
	var errs []string
	validateOverride(scope, o, &errs)
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
