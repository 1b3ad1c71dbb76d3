package netutil

import (
	"net/http"
	"net/netip"
	"strings"

	M "github.com/sagernet/sing/common/metadata"
)

// DefaultClientIPHeaders are consulted in order before RemoteAddr.
var DefaultClientIPHeaders = []string{"CF-Connecting-IP", "X-Real-IP", "X-Forwarded-For"}

// ClientAddr returns the client address of r. The first header in headers
// that carries a parseable IP wins; X-Forwarded-For style lists use their
// first element. Falls back to RemoteAddr, then to the zero Addr.
func ClientAddr(r *http.Request, headers []string) netip.Addr {
	for _, name := range headers {
		v := strings.TrimSpace(r.Header.Get(name))
		if v == "" {
			continue
		}
		if comma := strings.IndexByte(v, ','); comma >= 0 {
			v = strings.TrimSpace(v[:comma])
		}
		if addr, err := netip.ParseAddr(v); err == nil {
			return addr.Unmap()
		}
	}
	sa := M.ParseSocksaddr(r.RemoteAddr)
	if sa.IsIP() {
		return sa.Addr.Unmap()
	}
	if addr, err := netip.ParseAddr(r.RemoteAddr); err == nil {
		return addr.Unmap()
	}
	return netip.Addr{}
}
