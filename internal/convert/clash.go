package convert

import (
	"log"
	"net/http"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Resinat/Subgate/internal/format"
)

const clashProviderName = "subscription"

type clashConfig struct {
	MixedPort      int                      `yaml:"mixed-port"`
	AllowLAN       bool                     `yaml:"allow-lan"`
	Mode           string                   `yaml:"mode"`
	LogLevel       string                   `yaml:"log-level"`
	ProxyProviders map[string]clashProvider `yaml:"proxy-providers"`
	ProxyGroups    []clashGroup             `yaml:"proxy-groups"`
	Rules          []string                 `yaml:"rules"`
}

type clashProvider struct {
	Type        string           `yaml:"type"`
	URL         string           `yaml:"url"`
	Interval    int              `yaml:"interval"`
	Path        string           `yaml:"path"`
	HealthCheck clashHealthCheck `yaml:"health-check"`
}

type clashHealthCheck struct {
	Enable   bool   `yaml:"enable"`
	URL      string `yaml:"url"`
	Interval int    `yaml:"interval"`
}

type clashGroup struct {
	Name     string   `yaml:"name"`
	Type     string   `yaml:"type"`
	Use      []string `yaml:"use,omitempty"`
	Proxies  []string `yaml:"proxies,omitempty"`
	URL      string   `yaml:"url,omitempty"`
	Interval int      `yaml:"interval,omitempty"`
}

// MinimalClashConfig renders a rule-mode Clash config whose only proxies
// come from a provider pointing back at providerURL.
func MinimalClashConfig(providerURL string) ([]byte, error) {
	cfg := clashConfig{
		MixedPort: 7890,
		Mode:      "rule",
		LogLevel:  "info",
		ProxyProviders: map[string]clashProvider{
			clashProviderName: {
				Type:     "http",
				URL:      providerURL,
				Interval: 3600,
				Path:     "./providers/" + clashProviderName + ".yaml",
				HealthCheck: clashHealthCheck{
					Enable:   true,
					URL:      "http://www.gstatic.com/generate_204",
					Interval: 300,
				},
			},
		},
		ProxyGroups: []clashGroup{
			{Name: "PROXY", Type: "select", Proxies: []string{"AUTO", "DIRECT"}, Use: []string{clashProviderName}},
			{
				Name:     "AUTO",
				Type:     "url-test",
				Use:      []string{clashProviderName},
				URL:      "http://www.gstatic.com/generate_204",
				Interval: 300,
			},
		},
		Rules: []string{"MATCH,PROXY"},
	}
	return yaml.Marshal(cfg)
}

func (ix *Indirector) minimalClash(req Request) *Payload {
	providerURL := strings.TrimRight(req.BaseURL, "/") + req.CallbackPath + "?target=" + string(format.Base64)
	body, err := MinimalClashConfig(providerURL)
	if err != nil {
		log.Printf("[convert] render minimal clash config: %v", err)
		return errorPayload(http.StatusInternalServerError, "failed to render clash config")
	}
	header := make(http.Header)
	applyCommonHeaders(header, req)
	header.Set("Content-Type", "text/yaml; charset=utf-8")
	return &Payload{Status: http.StatusOK, Header: header, Body: body}
}
