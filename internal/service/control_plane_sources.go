package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Resinat/Subgate/internal/config"
	"github.com/Resinat/Subgate/internal/model"
	"github.com/Resinat/Subgate/internal/nodeuri"
	"github.com/Resinat/Subgate/internal/state"
)

// ------------------------------------------------------------------
// Sources
// ------------------------------------------------------------------

// ListSources returns all sources.
func (s *ControlPlaneService) ListSources(ctx context.Context) ([]model.Source, error) {
	sources, err := s.Repo.Sources(ctx)
	if err != nil {
		return nil, internal("load sources", err)
	}
	if sources == nil {
		sources = []model.Source{}
	}
	return sources, nil
}

// ReplaceSources validates and stores the full source list. Sources without
// an ID get a new one. Refresh results of a source whose ID and URL are
// unchanged carry over when the incoming entry omits them.
func (s *ControlPlaneService) ReplaceSources(ctx context.Context, incoming []model.Source) ([]model.Source, error) {
	seen := make(map[string]bool, len(incoming))
	for i := range incoming {
		src := &incoming[i]
		src.ID = strings.TrimSpace(src.ID)
		src.Name = strings.TrimSpace(src.Name)
		src.URL = strings.TrimSpace(src.URL)
		if src.ID == "" {
			src.ID = uuid.NewString()
		}
		if seen[src.ID] {
			return nil, invalidArg(fmt.Sprintf("sources[%d].id: duplicate %q", i, src.ID))
		}
		seen[src.ID] = true
		if verr := validateSource(i, *src); verr != nil {
			return nil, verr
		}
	}

	err := s.Repo.UpdateSources(ctx, func(current []model.Source) ([]model.Source, error) {
		prev := make(map[string]model.Source, len(current))
		for _, src := range current {
			prev[src.ID] = src
		}
		for i := range incoming {
			old, ok := prev[incoming[i].ID]
			if !ok || old.URL != incoming[i].URL {
				continue
			}
			carryRefreshState(&incoming[i], old)
		}
		return incoming, nil
	})
	if err != nil {
		return nil, internal("persist sources", err)
	}
	return incoming, nil
}

func validateSource(i int, src model.Source) *ServiceError {
	field := fmt.Sprintf("sources[%d].url", i)
	switch {
	case src.URL == "":
		return invalidArg(field + ": is required")
	case src.IsRemote():
		if _, verr := parseHTTPAbsoluteURL(field, src.URL); verr != nil {
			return verr
		}
	case !nodeuri.IsNode(src.URL):
		return invalidArg(field + ": must be an http/https URL or a node URI")
	}
	return nil
}

func carryRefreshState(dst *model.Source, old model.Source) {
	if dst.Traffic == nil {
		dst.Traffic = old.Traffic
	}
	if dst.NodeCount == 0 {
		dst.NodeCount = old.NodeCount
	}
	if dst.LastNotifiedExpire.IsZero() {
		dst.LastNotifiedExpire = old.LastNotifiedExpire
	}
	if dst.LastNotifiedTraffic.IsZero() {
		dst.LastNotifiedTraffic = old.LastNotifiedTraffic
	}
}

// ------------------------------------------------------------------
// Groups
// ------------------------------------------------------------------

// ListGroups returns all groups.
func (s *ControlPlaneService) ListGroups(ctx context.Context) ([]model.Group, error) {
	groups, err := s.Repo.Groups(ctx)
	if err != nil {
		return nil, internal("load groups", err)
	}
	if groups == nil {
		groups = []model.Group{}
	}
	return groups, nil
}

// ReplaceGroups validates and stores the full group list. Member IDs must
// name existing sources.
func (s *ControlPlaneService) ReplaceGroups(ctx context.Context, groups []model.Group) ([]model.Group, error) {
	sources, err := s.Repo.Sources(ctx)
	if err != nil {
		return nil, internal("load sources", err)
	}
	known := make(map[string]bool, len(sources))
	for _, src := range sources {
		known[src.ID] = true
	}

	refs := make(map[string]int, 2*len(groups))
	claim := func(ref string, i int) *ServiceError {
		if j, ok := refs[ref]; ok && j != i {
			return invalidArg(fmt.Sprintf("groups[%d]: id or custom_id %q already used by groups[%d]", i, ref, j))
		}
		refs[ref] = i
		return nil
	}

	for i := range groups {
		g := &groups[i]
		g.ID = strings.TrimSpace(g.ID)
		g.CustomID = strings.TrimSpace(g.CustomID)
		g.Name = strings.TrimSpace(g.Name)
		g.PolicyKey = strings.TrimSpace(g.PolicyKey)
		if g.ID == "" {
			g.ID = uuid.NewString()
		}
		if g.Name == "" {
			return nil, invalidArg(fmt.Sprintf("groups[%d].name: is required", i))
		}
		if verr := claim(g.ID, i); verr != nil {
			return nil, verr
		}
		if g.CustomID != "" {
			if verr := validatePathToken(fmt.Sprintf("groups[%d].custom_id", i), g.CustomID); verr != nil {
				return nil, verr
			}
			if verr := claim(g.CustomID, i); verr != nil {
				return nil, verr
			}
		}
		if g.SourceIDs == nil {
			g.SourceIDs = []string{}
		}
		if g.ManualNodeIDs == nil {
			g.ManualNodeIDs = []string{}
		}
		for _, id := range append(append([]string(nil), g.SourceIDs...), g.ManualNodeIDs...) {
			if !known[id] {
				return nil, invalidArg(fmt.Sprintf("groups[%d]: unknown source %q", i, id))
			}
		}
		if g.PolicyKey != "" {
			if _, ok := s.Policies.Preset(g.PolicyKey); !ok {
				return nil, invalidArg(fmt.Sprintf("groups[%d].policy_key: unknown preset %q", i, g.PolicyKey))
			}
		}
		if err := config.ValidateOverride(fmt.Sprintf("groups[%d].policy_overrides", i), g.PolicyOverrides); err != nil {
			return nil, invalidArg(err.Error())
		}
		if strings.Contains(g.Converter, "://") {
			if _, verr := parseHTTPAbsoluteURL(fmt.Sprintf("groups[%d].converter", i), g.Converter); verr != nil {
				return nil, verr
			}
		}
		if g.ConverterTemplate != "" {
			if _, verr := parseHTTPAbsoluteURL(fmt.Sprintf("groups[%d].converter_template", i), g.ConverterTemplate); verr != nil {
				return nil, verr
			}
		}
	}

	if err := s.Repo.PutGroups(ctx, groups); err != nil {
		return nil, internal("persist groups", err)
	}
	return groups, nil
}

func (s *ControlPlaneService) findGroup(ctx context.Context, ref string) (*model.Group, error) {
	group, err := s.Repo.FindGroup(ctx, ref)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, notFound("group not found")
		}
		return nil, internal("load group", err)
	}
	return group, nil
}
