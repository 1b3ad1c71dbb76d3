package service

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/Resinat/Subgate/internal/config"
	"github.com/Resinat/Subgate/internal/model"
	"github.com/Resinat/Subgate/internal/policy"
	"github.com/Resinat/Subgate/internal/state"
)

// ------------------------------------------------------------------
// Grants
// ------------------------------------------------------------------

const (
	DefaultTokenLength = 4
	MaxTokenLength     = 64
	MaxBatchSize       = 1000

	tokenAlphabet    = "abcdefghijklmnopqrstuvwxyz0123456789"
	maxTokenAttempts = 16
)

var grantPatchAllowedFields = map[string]bool{
	"remark":   true,
	"duration": true,
	"group_id": true,
}

// GrantResponse is a stored grant plus fields derived from it.
type GrantResponse struct {
	model.AccessGrant
	DeviceCount int      `json:"device_count"`
	Cities      []string `json:"cities"`
	Suspended   bool     `json:"suspended"`
	Expired     bool     `json:"expired"`
}

func (s *ControlPlaneService) grantToResponse(g *model.AccessGrant) *GrantResponse {
	now := s.now()
	resp := &GrantResponse{
		AccessGrant: *g,
		DeviceCount: len(g.Devices),
		Cities:      []string{},
		Suspended:   g.Suspend != nil && now.Before(g.Suspend.Until),
		Expired:     g.Expired(now),
	}
	seen := make(map[string]bool)
	for _, d := range g.Devices {
		if d == nil {
			continue
		}
		for city := range d.Cities {
			if !seen[city] {
				seen[city] = true
				resp.Cities = append(resp.Cities, city)
			}
		}
	}
	slices.Sort(resp.Cities)
	return resp
}

func (s *ControlPlaneService) loadGrant(ctx context.Context, token string) (*model.AccessGrant, error) {
	g, err := s.Repo.GetGrant(ctx, token)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, notFound("grant not found")
		}
		return nil, internal("load grant", err)
	}
	return g, nil
}

// GetGrant returns one grant by token.
func (s *ControlPlaneService) GetGrant(ctx context.Context, token string) (*GrantResponse, error) {
	g, err := s.loadGrant(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.grantToResponse(g), nil
}

// DeleteGrant removes a grant.
func (s *ControlPlaneService) DeleteGrant(ctx context.Context, token string) error {
	if _, err := s.loadGrant(ctx, token); err != nil {
		return err
	}
	unlock := s.Repo.LockGrant(token)
	defer unlock()
	if err := s.Repo.DeleteGrant(ctx, token); err != nil {
		return internal("delete grant", err)
	}
	return nil
}

// UnsuspendGrant lifts a suspension and clears the failure counters.
func (s *ControlPlaneService) UnsuspendGrant(ctx context.Context, token string) (*GrantResponse, error) {
	if _, err := s.loadGrant(ctx, token); err != nil {
		return nil, err
	}
	unlock := s.Repo.LockGrant(token)
	defer unlock()
	g, err := s.loadGrant(ctx, token)
	if err != nil {
		return nil, err
	}
	g.Suspend = nil
	g.Stats.FailedAttempts = 0
	g.Stats.RateLimitAttempts = 0
	if err := s.Repo.PutGrant(ctx, g); err != nil {
		return nil, internal("persist grant", err)
	}
	return s.grantToResponse(g), nil
}

// PatchGrant updates the remark, group or duration of a grant. The duration
// of an activated grant is fixed.
func (s *ControlPlaneService) PatchGrant(ctx context.Context, token string, patchJSON json.RawMessage) (*GrantResponse, error) {
	patch, verr := parseMergePatch(patchJSON)
	if verr != nil {
		return nil, verr
	}
	if verr := patch.validateFields(grantPatchAllowedFields, func(key string) string {
		return fmt.Sprintf("unknown field: %q", key)
	}); verr != nil {
		return nil, verr
	}
	remark, setRemark, verr := patch.optionalString("remark")
	if verr != nil {
		return nil, verr
	}
	groupRef, setGroup, verr := patch.optionalNonEmptyString("group_id")
	if verr != nil {
		return nil, verr
	}
	duration, setDuration, verr := patch.optionalDurationString("duration")
	if verr != nil {
		return nil, verr
	}
	if setDuration && duration <= 0 {
		return nil, invalidArg("duration: must be positive")
	}

	var groupID string
	if setGroup {
		group, err := s.findGroup(ctx, groupRef)
		if err != nil {
			return nil, err
		}
		groupID = group.ID
	}

	if _, err := s.loadGrant(ctx, token); err != nil {
		return nil, err
	}
	unlock := s.Repo.LockGrant(token)
	defer unlock()
	g, err := s.loadGrant(ctx, token)
	if err != nil {
		return nil, err
	}
	if setDuration {
		if g.Status == model.GrantActivated {
			return nil, conflict("duration: grant is already activated")
		}
		g.DurationMs = duration.Milliseconds()
	}
	if setRemark {
		g.Remark = strings.TrimSpace(remark)
	}
	if setGroup {
		g.GroupID = groupID
	}
	if err := s.Repo.PutGrant(ctx, g); err != nil {
		return nil, internal("persist grant", err)
	}
	return s.grantToResponse(g), nil
}

// GetGrantPolicy returns the effective policy of a grant. A grant whose
// group no longer exists resolves against the global policy.
func (s *ControlPlaneService) GetGrantPolicy(ctx context.Context, token string) (policy.Effective, error) {
	g, err := s.loadGrant(ctx, token)
	if err != nil {
		return policy.Effective{}, err
	}
	group, err := s.Repo.FindGroup(ctx, g.GroupID)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return policy.Effective{}, internal("load group", err)
	}
	return s.Policies.Resolve(group, g), nil
}

// IssueGrantsRequest holds batch issuance parameters.
type IssueGrantsRequest struct {
	Count           int                   `json:"count"`
	Duration        config.Duration       `json:"duration"`
	TokenLength     int                   `json:"token_length,omitempty"`
	Remark          string                `json:"remark,omitempty"`
	PolicyOverrides *model.PolicyOverride `json:"policy_overrides,omitempty"`
}

// IssueGrants creates Count pending grants for a group. Tokens are random
// lowercase alphanumeric strings; a colliding token is redrawn.
func (s *ControlPlaneService) IssueGrants(ctx context.Context, groupRef string, req IssueGrantsRequest) ([]model.AccessGrant, error) {
	if req.Count < 1 || req.Count > MaxBatchSize {
		return nil, invalidArg(fmt.Sprintf("count: must be 1-%d", MaxBatchSize))
	}
	if req.Duration.Std() <= 0 {
		return nil, invalidArg("duration: must be positive")
	}
	length := req.TokenLength
	if length == 0 {
		length = s.TokenLength
	}
	if length == 0 {
		length = DefaultTokenLength
	}
	if length < DefaultTokenLength || length > MaxTokenLength {
		return nil, invalidArg(fmt.Sprintf("token_length: must be %d-%d", DefaultTokenLength, MaxTokenLength))
	}
	if err := config.ValidateOverride("policy_overrides", req.PolicyOverrides); err != nil {
		return nil, invalidArg(err.Error())
	}
	group, err := s.findGroup(ctx, groupRef)
	if err != nil {
		return nil, err
	}

	now := s.now()
	out := make([]model.AccessGrant, 0, req.Count)
	for range req.Count {
		g := model.AccessGrant{
			GroupID:         group.ID,
			Status:          model.GrantPending,
			CreatedAt:       now,
			DurationMs:      req.Duration.Std().Milliseconds(),
			Devices:         map[string]*model.DeviceRecord{},
			PolicyOverrides: req.PolicyOverrides.Clone(),
			Remark:          strings.TrimSpace(req.Remark),
		}
		if err := s.createWithFreshToken(ctx, &g, length); err != nil {
			return out, err
		}
		out = append(out, g)
	}
	return out, nil
}

func (s *ControlPlaneService) createWithFreshToken(ctx context.Context, g *model.AccessGrant, length int) error {
	for range maxTokenAttempts {
		token, err := newToken(length)
		if err != nil {
			return internal("generate token", err)
		}
		g.Token = token
		err = s.Repo.CreateGrant(ctx, g)
		if err == nil {
			return nil
		}
		if !errors.Is(err, state.ErrConflict) {
			return internal("persist grant", err)
		}
	}
	return conflict(fmt.Sprintf("no unused token of length %d found; use a longer token_length", length))
}

// newToken draws n characters uniformly from tokenAlphabet.
func newToken(n int) (string, error) {
	const limit = 256 - 256%len(tokenAlphabet)
	out := make([]byte, 0, n)
	buf := make([]byte, n*2)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, tokenAlphabet[int(b)%len(tokenAlphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

