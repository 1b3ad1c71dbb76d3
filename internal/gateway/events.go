package gateway

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Resinat/Subgate/internal/antishare"
	"github.com/Resinat/Subgate/internal/geoip"
	"github.com/Resinat/Subgate/internal/model"
	"github.com/Resinat/Subgate/internal/notify"
)

func addrString(req *request) string {
	if !req.ip.IsValid() {
		return ""
	}
	return req.ip.String()
}

func (h *Handler) grantMessage(event, title string, req *request, group *model.Group, g *model.AccessGrant, loc geoip.Location) notify.Message {
	return notify.Message{Event: event, Title: title, Time: req.now}.
		With("Token", g.Token).
		With("Group", firstNonEmpty(group.Name, group.ID)).
		With("Client", req.ua).
		With("IP", addrString(req)).
		With("City", loc.City).
		With("Country", loc.Country).
		With("Remark", g.Remark)
}

// notifyDecision emits the notifications implied by one evaluation.
func (h *Handler) notifyDecision(req *request, group *model.Group, g *model.AccessGrant, loc geoip.Location, d antishare.Decision) {
	if d.SuspensionLifted {
		h.send(h.grantMessage(notify.EventUnsuspended, "Suspension lifted", req, group, g, loc))
	}
	if d.SuspensionRaised {
		h.send(h.grantMessage(notify.EventSuspended, "Grant suspended", req, group, g, loc).
			With("Reason", d.SuspendReason).
			With("Until", d.SuspendUntil.In(h.Zone).Format("2006-01-02 15:04")))
		return
	}
	if !d.Allowed {
		h.send(h.grantMessage(notify.EventDenied, "Access denied", req, group, g, loc).
			With("Reason", string(d.Reason)).
			With("Devices", fmt.Sprintf("%d/%d", d.DeviceCount, d.MaxDevices)).
			With("Daily", fmt.Sprintf("%d/%d", d.DailyCount, d.RateLimit)))
		return
	}
	if d.NewDevice {
		h.send(h.grantMessage(notify.EventNewDevice, "New device", req, group, g, loc).
			With("Devices", fmt.Sprintf("%d/%d", d.DeviceCount, d.MaxDevices)))
	}
	if d.CityExpanded {
		h.send(h.grantMessage(notify.EventCityExpanded, "New city for grant", req, group, g, loc).
			With("Cities", strings.Join(d.AccountCities, ", ")))
	}
	if req.settings.NotifyOnAccess {
		h.send(h.grantMessage(notify.EventAccess, "Subscription accessed", req, group, g, loc).
			With("Requests", strconv.FormatInt(g.Stats.TotalRequests, 10)).
			With("Expires", g.ExpiresAt.In(h.Zone).Format("2006-01-02 15:04")))
	}
}
