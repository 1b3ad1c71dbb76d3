package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/Resinat/Subgate/internal/model"
)

// Keys used in the Store.
const (
	keyGroups      = "groups"
	keySources     = "sources"
	keySettings    = "settings"
	grantKeyPrefix = "grant:"
)

// GrantKey returns the store key of a grant.
func GrantKey(token string) string {
	return grantKeyPrefix + token
}

// Repo is typed access to the persisted entities.
type Repo struct {
	store Store
	locks *xsync.Map[string, *sync.Mutex]

	sourcesMu sync.Mutex
}

// NewRepo creates a Repo over store.
func NewRepo(store Store) *Repo {
	return &Repo{
		store: store,
		locks: xsync.NewMap[string, *sync.Mutex](),
	}
}

// LockGrant serializes read-modify-write cycles on one grant token. The
// returned function releases the lock. Callers should only lock tokens of
// grants known to exist; lock entries are never evicted.
func (r *Repo) LockGrant(token string) func() {
	mu, _ := r.locks.LoadOrCompute(token, func() (*sync.Mutex, bool) {
		return &sync.Mutex{}, false
	})
	mu.Lock()
	return mu.Unlock
}

// --- grants ---

// GetGrant returns ErrNotFound when no grant has token.
func (r *Repo) GetGrant(ctx context.Context, token string) (*model.AccessGrant, error) {
	var g model.AccessGrant
	if err := r.getJSON(ctx, GrantKey(token), &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// PutGrant writes g unconditionally.
func (r *Repo) PutGrant(ctx context.Context, g *model.AccessGrant) error {
	return r.putJSON(ctx, GrantKey(g.Token), g)
}

// CreateGrant writes g only if its token is unused, returning ErrConflict
// otherwise.
func (r *Repo) CreateGrant(ctx context.Context, g *model.AccessGrant) error {
	unlock := r.LockGrant(g.Token)
	defer unlock()

	_, err := r.store.Get(ctx, GrantKey(g.Token))
	switch {
	case err == nil:
		return ErrConflict
	case !errors.Is(err, ErrNotFound):
		return err
	}
	return r.PutGrant(ctx, g)
}

func (r *Repo) DeleteGrant(ctx context.Context, token string) error {
	return r.store.Delete(ctx, GrantKey(token))
}

// --- groups, sources, settings ---

// Groups returns all groups; an absent key yields an empty list.
func (r *Repo) Groups(ctx context.Context) ([]model.Group, error) {
	var groups []model.Group
	if err := r.getJSON(ctx, keyGroups, &groups); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return groups, nil
}

func (r *Repo) PutGroups(ctx context.Context, groups []model.Group) error {
	return r.putJSON(ctx, keyGroups, groups)
}

// FindGroup returns the group whose ID or custom ID is ref.
func (r *Repo) FindGroup(ctx context.Context, ref string) (*model.Group, error) {
	groups, err := r.Groups(ctx)
	if err != nil {
		return nil, err
	}
	for i := range groups {
		if groups[i].MatchesRef(ref) {
			return &groups[i], nil
		}
	}
	return nil, ErrNotFound
}

// Sources returns all sources; an absent key yields an empty list.
func (r *Repo) Sources(ctx context.Context) ([]model.Source, error) {
	var sources []model.Source
	if err := r.getJSON(ctx, keySources, &sources); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return sources, nil
}

func (r *Repo) PutSources(ctx context.Context, sources []model.Source) error {
	r.sourcesMu.Lock()
	defer r.sourcesMu.Unlock()
	return r.putJSON(ctx, keySources, sources)
}

// UpdateSources applies fn to the stored sources and writes the result.
// Concurrent updates through the same Repo are serialized. An error from fn
// aborts the write.
func (r *Repo) UpdateSources(ctx context.Context, fn func([]model.Source) ([]model.Source, error)) error {
	r.sourcesMu.Lock()
	defer r.sourcesMu.Unlock()
	sources, err := r.Sources(ctx)
	if err != nil {
		return err
	}
	next, err := fn(sources)
	if err != nil {
		return err
	}
	return r.putJSON(ctx, keySources, next)
}

// Settings returns stored settings, or model.DefaultSettings when none are
// stored. Stored values are decoded over the defaults.
func (r *Repo) Settings(ctx context.Context) (model.Settings, error) {
	s := model.DefaultSettings()
	if err := r.getJSON(ctx, keySettings, &s); err != nil && !errors.Is(err, ErrNotFound) {
		return model.Settings{}, err
	}
	return s, nil
}

func (r *Repo) PutSettings(ctx context.Context, s model.Settings) error {
	return r.putJSON(ctx, keySettings, s)
}

func (r *Repo) getJSON(ctx context.Context, key string, v any) error {
	data, err := r.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("state: unmarshal %s: %w", key, err)
	}
	return nil
}

func (r *Repo) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("state: marshal %s: %w", key, err)
	}
	return r.store.Put(ctx, key, data)
}
