package nodeuri

import (
	"encoding/base64"
	"strings"
)

const upperHex = "0123456789ABCDEF"

// EscapeName percent-encodes s leaving only A-Z a-z 0-9 and -_.!~*'() as is,
// which is what clients expect in a URI fragment.
func EscapeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperHex[c>>4])
		b.WriteByte(upperHex[c&0x0f])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', '!', '~', '*', '\'', '(', ')':
		return true
	}
	return false
}

// DecodeBase64 decodes standard or URL-safe base64 with optional padding.
func DecodeBase64(input string) ([]byte, bool) {
	s := strings.TrimSpace(input)
	if s == "" {
		return nil, false
	}
	s = strings.TrimRight(s, "=")
	if decoded, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return decoded, true
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return decoded, true
	}
	return nil, false
}

// Placeholder builds a non-functional trojan node whose only purpose is to
// show label in the client's node list.
func Placeholder(label string) string {
	return "trojan://00000000-0000-0000-0000-000000000000@127.0.0.1:443#" + EscapeName(label)
}
