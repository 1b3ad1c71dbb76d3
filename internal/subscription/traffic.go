package subscription

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/Resinat/Subgate/internal/model"
)

// UserInfoHeader is the response header carrying traffic accounting.
const UserInfoHeader = "Subscription-Userinfo"

// ParseUserInfo parses "upload=1; download=2; total=3; expire=4". It
// reports false when no recognized field is present.
func ParseUserInfo(value string) (model.TrafficInfo, bool) {
	var info model.TrafficInfo
	found := false
	for _, part := range strings.Split(value, ";") {
		key, raw, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		n, ok := parseCounter(raw)
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "upload":
			info.Upload = n
		case "download":
			info.Download = n
		case "total":
			info.Total = n
		case "expire":
			info.Expire = n
		default:
			continue
		}
		found = true
	}
	return info, found
}

// FormatUserInfo renders t in subscription-userinfo form.
func FormatUserInfo(t model.TrafficInfo) string {
	s := fmt.Sprintf("upload=%d; download=%d; total=%d", t.Upload, t.Download, t.Total)
	if t.Expire > 0 {
		s += fmt.Sprintf("; expire=%d", t.Expire)
	}
	return s
}

// SumTraffic adds up traffic across sources. Expire is the earliest
// non-zero expiry.
func SumTraffic(sources []model.Source) (model.TrafficInfo, bool) {
	var sum model.TrafficInfo
	found := false
	for _, src := range sources {
		if src.Traffic == nil {
			continue
		}
		found = true
		sum.Upload += src.Traffic.Upload
		sum.Download += src.Traffic.Download
		sum.Total += src.Traffic.Total
		if e := src.Traffic.Expire; e > 0 && (sum.Expire == 0 || e < sum.Expire) {
			sum.Expire = e
		}
	}
	return sum, found
}

func parseCounter(raw string) (int64, bool) {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n, true
	}
	// Some providers emit floats or exponent notation.
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int64(f), true
}
