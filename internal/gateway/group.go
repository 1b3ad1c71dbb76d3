package gateway

import (
	"errors"
	"net/http"

	"github.com/dustin/go-humanize"

	"github.com/Resinat/Subgate/internal/model"
	"github.com/Resinat/Subgate/internal/nodeuri"
	"github.com/Resinat/Subgate/internal/notify"
	"github.com/Resinat/Subgate/internal/state"
	"github.com/Resinat/Subgate/internal/subscription"
)

// TrafficNodeLabel prefixes the synthetic traffic summary node.
const TrafficNodeLabel = "Traffic remaining ≫ "

func (h *Handler) serveGroup(w http.ResponseWriter, req *request, shareToken, groupRef string) {
	ctx := req.r.Context()
	if !h.screen(w, req) {
		return
	}
	if shareToken != req.settings.ShareToken {
		writePlaceholders(w, invalidLabels, nil)
		return
	}
	group, err := h.Repo.FindGroup(ctx, groupRef)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			writePlaceholders(w, invalidLabels, nil)
			return
		}
		h.internalError(w, "load group", err)
		return
	}
	if !group.Enabled {
		writePlaceholders(w, invalidLabels, nil)
		return
	}

	expired := !group.ExpiresAt.IsZero() && req.now.After(group.ExpiresAt)
	if !req.callback && req.settings.NotifyOnAccess {
		msg := h.accessMessage(req, "Group subscription accessed").With("Group", group.Name)
		if !group.ExpiresAt.IsZero() {
			msg = msg.With("Expires", group.ExpiresAt.In(h.Zone).Format("2006-01-02 15:04"))
		}
		h.send(msg)
	}

	c := conversion{
		callbackPath: "/" + shareToken + "/" + groupRef,
		converter:    firstNonEmpty(group.Converter, req.settings.Converter),
		template:     firstNonEmpty(group.ConverterTemplate, req.settings.ConverterTemplate),
		title:        firstNonEmpty(group.Name, req.settings.FileName),
		header:       http.Header{},
	}

	if expired {
		c.nodes = PlaceholderList(groupExpiredLabels)
	} else {
		sources, err := h.Repo.Sources(ctx)
		if err != nil {
			h.internalError(w, "load sources", err)
			return
		}
		remote, manual := members(sources, group)
		aggReq := subscription.Request{
			Manual: manual,
			Remote: remote,
			Prefix: subscription.ResolvePrefix(group.Prefix, req.settings),
		}
		if traffic, ok := subscription.SumTraffic(remote); ok {
			c.header.Set(subscription.UserInfoHeader, subscription.FormatUserInfo(traffic))
			if node := TrafficNode(remote); node != "" {
				aggReq.Synthetic = []string{node}
			}
		}
		c.nodes = h.Aggregator.Aggregate(ctx, aggReq)
	}

	if payload := h.deliver(w, req, c); payload != nil {
		payload.Write(w)
	}
}

func (h *Handler) serveMaster(w http.ResponseWriter, req *request, token string) {
	ctx := req.r.Context()
	if !h.screen(w, req) {
		return
	}
	if token == "" || token != req.settings.MasterToken {
		writePlaceholders(w, invalidLabels, nil)
		return
	}
	sources, err := h.Repo.Sources(ctx)
	if err != nil {
		h.internalError(w, "load sources", err)
		return
	}
	if !req.callback && req.settings.NotifyOnAccess {
		h.send(h.accessMessage(req, "Master subscription accessed"))
	}

	remote, manual := allEnabled(sources)
	nodes := h.Aggregator.Aggregate(ctx, subscription.Request{
		Manual: manual,
		Remote: remote,
		Prefix: subscription.ResolvePrefix(nil, req.settings),
	})
	c := conversion{
		nodes:        nodes,
		callbackPath: "/" + token,
		converter:    req.settings.Converter,
		template:     req.settings.ConverterTemplate,
		title:        req.settings.FileName,
		header:       http.Header{},
	}
	if traffic, ok := subscription.SumTraffic(remote); ok {
		c.header.Set(subscription.UserInfoHeader, subscription.FormatUserInfo(traffic))
	}
	if payload := h.deliver(w, req, c); payload != nil {
		payload.Write(w)
	}
}

// TrafficNode returns the synthetic node announcing the remaining traffic
// of sources with a known total, or "" when nothing remains.
func TrafficNode(sources []model.Source) string {
	var remaining int64
	for _, src := range sources {
		if src.Enabled && src.Traffic != nil && src.Traffic.Total > 0 {
			remaining += src.Traffic.Remaining()
		}
	}
	if remaining <= 0 {
		return ""
	}
	return nodeuri.Placeholder(TrafficNodeLabel + humanize.IBytes(uint64(remaining)))
}

func (h *Handler) accessMessage(req *request, title string) notify.Message {
	loc := h.locate(req)
	return notify.Message{Event: notify.EventAccess, Title: title, Time: req.now}.
		With("Host", req.r.Host).
		With("Client", req.ua).
		With("IP", addrString(req)).
		With("City", loc.City).
		With("Country", loc.Country)
}
