package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/Resinat/Subgate/internal/antishare"
	"github.com/Resinat/Subgate/internal/geoip"
	"github.com/Resinat/Subgate/internal/model"
	"github.com/Resinat/Subgate/internal/notify"
	"github.com/Resinat/Subgate/internal/state"
	"github.com/Resinat/Subgate/internal/subscription"
)

func (h *Handler) serveGrant(w http.ResponseWriter, req *request, shareToken, groupRef, token string) {
	ctx := req.r.Context()
	if shareToken != req.settings.ShareToken {
		writePlaceholders(w, invalidLabels, nil)
		return
	}

	// Unknown tokens are answered before taking the per-token lock.
	if _, err := h.Repo.GetGrant(ctx, token); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			writePlaceholders(w, invalidLabels, nil)
			return
		}
		h.internalError(w, "load grant", err)
		return
	}

	if req.callback {
		h.serveGrantCallback(w, req, groupRef, token)
		return
	}
	if !h.screen(w, req) {
		return
	}

	unlock := h.Repo.LockGrant(token)
	defer unlock()

	grant, err := h.Repo.GetGrant(ctx, token)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			writePlaceholders(w, invalidLabels, nil)
			return
		}
		h.internalError(w, "load grant", err)
		return
	}
	group, ok := h.grantGroup(w, req, groupRef, grant)
	if !ok {
		return
	}

	activated := grant.Activate(req.now)
	if grant.Status == model.GrantActivated && grant.ExpiresAt.IsZero() {
		h.internalError(w, "grant "+token, errors.New("activated grant without expiry"))
		return
	}
	if activated {
		log.Printf("[gateway] grant %s activated, expires %s", token, grant.ExpiresAt.Format("2006-01-02 15:04"))
	}

	if grant.Expired(req.now) {
		if activated {
			h.putGrant(ctx, token, grant)
		}
		extra := http.Header{}
		extra.Set(subscription.UserInfoHeader, subscription.FormatUserInfo(model.TrafficInfo{Expire: grant.ExpiresAt.Unix()}))
		writePlaceholders(w, grantExpiredLabels(token), extra)
		return
	}

	loc := h.locate(req)
	pol := h.Policies.Resolve(group, grant)
	decision, next := h.Engine.Evaluate(*grant, pol, antishare.Event{
		Now:       req.now,
		DeviceID:  antishare.DeviceID(req.ua),
		UserAgent: req.ua,
		City:      loc.City,
		IP:        addrString(req),
	})

	if !decision.Allowed {
		log.Printf("[gateway] grant %s denied: %s", token, decision.Reason)
		if h.putGrant(ctx, token, &next) {
			h.notifyActivation(req, group, &next, loc, activated)
			h.notifyDecision(req, group, &next, loc, decision)
		}
		writePlaceholders(w, antishare.Labels(decision, h.Zone), nil)
		return
	}

	sources, err := h.Repo.Sources(ctx)
	if err != nil {
		h.internalError(w, "load sources", err)
		return
	}
	remote, manual := members(sources, group)
	nodes := h.Aggregator.Aggregate(ctx, subscription.Request{
		Manual: manual,
		Remote: remote,
		Prefix: subscription.ResolvePrefix(group.Prefix, req.settings),
	})

	header := http.Header{}
	traffic, _ := subscription.SumTraffic(remote)
	traffic.Expire = grant.ExpiresAt.Unix()
	header.Set(subscription.UserInfoHeader, subscription.FormatUserInfo(traffic))

	payload := h.deliver(w, req, conversion{
		nodes:        nodes,
		callbackPath: fmt.Sprintf("/%s/%s/%s", shareToken, groupRef, token),
		converter:    firstNonEmpty(group.Converter, req.settings.Converter),
		template:     firstNonEmpty(group.ConverterTemplate, req.settings.ConverterTemplate),
		title:        firstNonEmpty(group.Name, req.settings.FileName),
		header:       header,
	})

	// Admission state is saved only once the client has a subscription, and
	// notifications describe only what was saved.
	switch {
	case payload != nil && payload.OK():
		if h.putGrant(ctx, token, &next) {
			h.notifyActivation(req, group, &next, loc, activated)
			h.notifyDecision(req, group, &next, loc, decision)
		}
	case activated:
		if h.putGrant(ctx, token, grant) {
			h.notifyActivation(req, group, grant, loc, true)
		}
	case payload != nil:
		log.Printf("[gateway] grant %s: conversion returned %d, state not saved", token, payload.Status)
	}
	if payload != nil {
		payload.Write(w)
	}
}

func (h *Handler) notifyActivation(req *request, group *model.Group, g *model.AccessGrant, loc geoip.Location, activated bool) {
	if !activated {
		return
	}
	h.send(h.grantMessage(notify.EventActivated, "Subscription activated", req, group, g, loc).
		With("Expires", g.ExpiresAt.In(h.Zone).Format("2006-01-02 15:04")))
}

// serveGrantCallback answers the converter's fetch of the node list.
func (h *Handler) serveGrantCallback(w http.ResponseWriter, req *request, groupRef, token string) {
	ctx := req.r.Context()
	grant, err := h.Repo.GetGrant(ctx, token)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			writePlaceholders(w, invalidLabels, nil)
			return
		}
		h.internalError(w, "load grant", err)
		return
	}
	group, ok := h.grantGroup(w, req, groupRef, grant)
	if !ok {
		return
	}
	sources, err := h.Repo.Sources(ctx)
	if err != nil {
		h.internalError(w, "load sources", err)
		return
	}
	remote, manual := members(sources, group)
	nodes := h.Aggregator.Aggregate(ctx, subscription.Request{
		Manual: manual,
		Remote: remote,
		Prefix: subscription.ResolvePrefix(group.Prefix, req.settings),
	})
	if payload := h.deliver(w, req, conversion{nodes: nodes}); payload != nil {
		payload.Write(w)
	}
}

// grantGroup resolves groupRef and checks it is enabled and owns grant.
func (h *Handler) grantGroup(w http.ResponseWriter, req *request, groupRef string, grant *model.AccessGrant) (*model.Group, bool) {
	group, err := h.Repo.FindGroup(req.r.Context(), groupRef)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			writePlaceholders(w, invalidLabels, nil)
			return nil, false
		}
		h.internalError(w, "load group", err)
		return nil, false
	}
	if !group.Enabled || !group.MatchesRef(grant.GroupID) {
		writePlaceholders(w, invalidLabels, nil)
		return nil, false
	}
	return group, true
}

// putGrant persists g, logging failures. The write outlives ctx
// cancellation.
func (h *Handler) putGrant(ctx context.Context, token string, g *model.AccessGrant) bool {
	if err := h.Repo.PutGrant(context.WithoutCancel(ctx), g); err != nil {
		log.Printf("[gateway] save grant %s: %v", token, err)
		return false
	}
	return true
}
