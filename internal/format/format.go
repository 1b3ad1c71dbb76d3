// Package format resolves which client configuration format a subscription
// request should be answered with.
package format

import "strings"

// Format is an output format understood by the external converter.
type Format string

const (
	Base64  Format = "base64"
	Clash   Format = "clash"
	SingBox Format = "singbox"
	Surge   Format = "surge"
	Loon    Format = "loon"
	QuanX   Format = "quanx"
)

// Default is the universal format every client can import.
const Default = Base64

// flagOrder is the precedence of bare query flags such as "?clash".
var flagOrder = []string{"clash", "singbox", "surge", "loon", "base64", "v2ray", "trojan"}

// aliases maps request spellings onto converter targets.
var aliases = map[string]Format{
	"v2ray":  Base64,
	"trojan": Base64,
}

type uaRule struct {
	keyword string
	format  Format
}

// uaTable is matched in order against the lowercased User-Agent. Clash
// forks come before the plain "clash" keyword.
var uaTable = []uaRule{
	{"flyclash", Clash},
	{"mihomo", Clash},
	{"clash.meta", Clash},
	{"clash-verge", Clash},
	{"meta", Clash},
	{"stash", Clash},
	{"nekoray", Clash},
	{"sing-box", SingBox},
	{"shadowrocket", Base64},
	{"v2rayn", Base64},
	{"v2rayng", Base64},
	{"surge", Surge},
	{"loon", Loon},
	{"quantumult%20x", QuanX},
	{"quantumult", QuanX},
	{"clash", Clash},
}

// Input carries the request signals used for negotiation.
type Input struct {
	// Target is the explicit "target" query parameter.
	Target string
	// Flags are the bare query parameter names present on the request.
	Flags       map[string]bool
	UserAgent   string
	HasTemplate bool
}

// Resolve picks the output format: explicit target, then the first flag in
// flagOrder, then the User-Agent table, then Default. Surge and Loon need a
// converter template and fall back to Default without one; Clash keeps its
// format and is served a built-in minimal config instead.
func Resolve(in Input) Format {
	return downgrade(pick(in), in.HasTemplate)
}

func pick(in Input) Format {
	if t := strings.ToLower(strings.TrimSpace(in.Target)); t != "" {
		return normalize(t)
	}
	for _, flag := range flagOrder {
		if in.Flags[flag] {
			return normalize(flag)
		}
	}
	ua := strings.ToLower(in.UserAgent)
	for _, rule := range uaTable {
		if strings.Contains(ua, rule.keyword) {
			return rule.format
		}
	}
	return Default
}

func normalize(name string) Format {
	if f, ok := aliases[name]; ok {
		return f
	}
	return Format(name)
}

func downgrade(f Format, hasTemplate bool) Format {
	if hasTemplate {
		return f
	}
	switch f {
	case Surge, Loon:
		return Default
	}
	return f
}

// NeedsTemplate reports whether the converter should receive the
// configured template for f.
func NeedsTemplate(f Format) bool {
	switch f {
	case Clash, Surge, Loon:
		return true
	}
	return false
}

// FlagsFromQuery collects bare flag names from a parsed query.
func FlagsFromQuery(query map[string][]string) map[string]bool {
	flags := make(map[string]bool, len(flagOrder))
	for _, name := range flagOrder {
		if _, ok := query[name]; ok {
			flags[name] = true
		}
	}
	return flags
}
