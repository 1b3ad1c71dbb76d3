package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Resinat/Subgate/internal/model"
)

// ------------------------------------------------------------------
// Settings
// ------------------------------------------------------------------

// settingsPatchAllowedFields is the set of JSON field names that can be patched.
var settingsPatchAllowedFields = map[string]bool{
	"file_name":                true,
	"master_token":             true,
	"share_token":              true,
	"converter":                true,
	"converter_template":       true,
	"prepend_source_name":      true,
	"prefix":                   true,
	"notify_threshold_days":    true,
	"notify_threshold_percent": true,
	"telegram_bot_token":       true,
	"telegram_chat_id":         true,
	"notify_on_access":         true,
}

// Path segments the public router claims for itself.
var reservedTokens = map[string]bool{"api": true, "healthz": true, "sub": true}

// GetSettings returns the stored settings.
func (s *ControlPlaneService) GetSettings(ctx context.Context) (model.Settings, error) {
	settings, err := s.Repo.Settings(ctx)
	if err != nil {
		return model.Settings{}, internal("load settings", err)
	}
	return settings, nil
}

// ReplaceSettings validates and stores settings as a whole.
func (s *ControlPlaneService) ReplaceSettings(ctx context.Context, settings model.Settings) (model.Settings, error) {
	normalizeSettings(&settings)
	if verr := validateSettings(settings); verr != nil {
		return model.Settings{}, verr
	}
	if err := s.Repo.PutSettings(ctx, settings); err != nil {
		return model.Settings{}, internal("persist settings", err)
	}
	return settings, nil
}

// PatchSettings applies a constrained partial update to the stored settings.
func (s *ControlPlaneService) PatchSettings(ctx context.Context, patchJSON json.RawMessage) (model.Settings, error) {
	patch, verr := parseMergePatch(patchJSON)
	if verr != nil {
		return model.Settings{}, verr
	}
	if verr := patch.validateFields(settingsPatchAllowedFields, func(key string) string {
		return fmt.Sprintf("unknown or read-only field: %q", key)
	}); verr != nil {
		return model.Settings{}, verr
	}

	current, err := s.GetSettings(ctx)
	if err != nil {
		return model.Settings{}, err
	}
	dec := json.NewDecoder(bytes.NewReader(patchJSON))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&current); err != nil {
		return model.Settings{}, invalidArg("validation failed: " + err.Error())
	}
	return s.ReplaceSettings(ctx, current)
}

func normalizeSettings(settings *model.Settings) {
	settings.FileName = strings.TrimSpace(settings.FileName)
	settings.MasterToken = strings.TrimSpace(settings.MasterToken)
	settings.ShareToken = strings.TrimSpace(settings.ShareToken)
	settings.Converter = strings.TrimSpace(settings.Converter)
	settings.ConverterTemplate = strings.TrimSpace(settings.ConverterTemplate)
	settings.TelegramBotToken = strings.TrimSpace(settings.TelegramBotToken)
	settings.TelegramChatID = strings.TrimSpace(settings.TelegramChatID)
	if settings.FileName == "" {
		settings.FileName = model.DefaultSettings().FileName
	}
}

func validateSettings(settings model.Settings) *ServiceError {
	if verr := validatePathToken("share_token", settings.ShareToken); verr != nil {
		return verr
	}
	if verr := validatePathToken("master_token", settings.MasterToken); verr != nil {
		return verr
	}
	if settings.MasterToken == settings.ShareToken {
		return invalidArg("master_token: must differ from share_token")
	}
	if strings.Contains(settings.Converter, "://") {
		if _, verr := parseHTTPAbsoluteURL("converter", settings.Converter); verr != nil {
			return verr
		}
	}
	if settings.ConverterTemplate != "" {
		if _, verr := parseHTTPAbsoluteURL("converter_template", settings.ConverterTemplate); verr != nil {
			return verr
		}
	}
	if settings.NotifyThresholdDays < 0 {
		return invalidArg("notify_threshold_days: must not be negative")
	}
	if settings.NotifyThresholdPercent < 0 || settings.NotifyThresholdPercent > 100 {
		return invalidArg("notify_threshold_percent: must be 0-100")
	}
	return nil
}

func validatePathToken(field, value string) *ServiceError {
	switch {
	case value == "":
		return invalidArg(field + ": must be non-empty")
	case strings.ContainsAny(value, "/?#% "):
		return invalidArg(field + ": must be a single path segment")
	case reservedTokens[strings.ToLower(value)]:
		return invalidArg(fmt.Sprintf("%s: %q is reserved", field, value))
	}
	return nil
}
