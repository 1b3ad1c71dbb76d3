// Package nodeuri recognizes proxy node URIs and edits their display names.
package nodeuri

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strings"
)

// protocols is the closed set of node schemes recognized in subscription text.
var protocols = map[string]struct{}{
	"ss":        {},
	"ssr":       {},
	"vmess":     {},
	"vless":     {},
	"trojan":    {},
	"hysteria":  {},
	"hysteria2": {},
	"hy":        {},
	"hy2":       {},
	"tuic":      {},
	"anytls":    {},
	"socks5":    {},
}

// Info is the classification of one subscription line.
type Info struct {
	Protocol string
	IsNode   bool
}

// Classify reports whether line is a node URI and, if so, its lowercase scheme.
func Classify(line string) Info {
	line = strings.TrimSpace(line)
	idx := strings.Index(line, "://")
	if idx <= 0 {
		return Info{}
	}
	scheme := strings.ToLower(line[:idx])
	if _, ok := protocols[scheme]; !ok {
		return Info{}
	}
	return Info{Protocol: scheme, IsNode: true}
}

// IsNode is shorthand for Classify(line).IsNode.
func IsNode(line string) bool {
	return Classify(line).IsNode
}

// Rewrite sets the node display name to "<prefix> - <name>". Names that
// already start with prefix are left alone, so Rewrite is idempotent.
func Rewrite(uri, prefix string) string {
	if prefix == "" {
		return uri
	}
	if Classify(uri).Protocol == "vmess" {
		if out, ok := rewriteVmess(uri, prefix); ok {
			return out
		}
	}
	return rewriteFragment(uri, prefix)
}

func rewriteFragment(uri, prefix string) string {
	hash := strings.LastIndexByte(uri, '#')
	if hash < 0 {
		return uri + "#" + EscapeName(prefix)
	}
	name := decodeFragment(uri[hash+1:])
	if strings.HasPrefix(name, prefix) {
		return uri
	}
	return uri[:hash+1] + EscapeName(prefix+" - "+name)
}

func rewriteVmess(uri, prefix string) (string, bool) {
	doc, ok := decodeVmess(uri)
	if !ok {
		return "", false
	}
	ps, _ := doc["ps"].(string)
	if strings.HasPrefix(ps, prefix) {
		return uri, true
	}
	doc["ps"] = prefix + " - " + ps

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return "", false
	}
	payload := bytes.TrimRight(buf.Bytes(), "\n")
	return uri[:len("vmess://")] + base64.StdEncoding.EncodeToString(payload), true
}

// decodeVmess decodes the base64 JSON document of a vmess:// URI.
func decodeVmess(uri string) (map[string]any, bool) {
	if len(uri) < len("vmess://") {
		return nil, false
	}
	raw, ok := DecodeBase64(uri[len("vmess://"):])
	if !ok {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil || doc == nil {
		return nil, false
	}
	return doc, true
}

// DisplayName extracts the decoded display name. ok is false when the name
// is present but cannot be decoded.
func DisplayName(uri string) (name string, ok bool) {
	if hash := strings.LastIndexByte(uri, '#'); hash >= 0 {
		decoded, err := url.PathUnescape(uri[hash+1:])
		if err != nil {
			return "", false
		}
		return decoded, true
	}
	if Classify(uri).Protocol == "vmess" {
		doc, ok := decodeVmess(uri)
		if !ok {
			return "", false
		}
		ps, _ := doc["ps"].(string)
		return ps, true
	}
	return "", true
}

// Normalize decodes a percent-encoded credential segment of an ss:// URI
// in place. Other URIs are returned unchanged.
func Normalize(uri string) string {
	if Classify(uri).Protocol != "ss" {
		return uri
	}
	head := uri[:len("ss://")]
	rest := uri[len("ss://"):]
	at := strings.IndexByte(rest, '@')
	if at < 0 {
		return uri
	}
	cred := rest[:at]
	if !strings.Contains(cred, "%") {
		return uri
	}
	decoded, err := url.PathUnescape(cred)
	if err != nil {
		return uri
	}
	return head + decoded + rest[at:]
}

func decodeFragment(fragment string) string {
	decoded, err := url.PathUnescape(fragment)
	if err != nil {
		return fragment
	}
	return decoded
}
