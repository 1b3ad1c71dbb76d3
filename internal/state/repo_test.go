package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Resinat/Subgate/internal/model"
)

func TestRepo_GrantRoundTrip(t *testing.T) {
	repo := NewRepo(newTestSQLiteStore(t))
	ctx := context.Background()

	if _, err := repo.GetGrant(ctx, "abcd"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get missing: got %v, want ErrNotFound", err)
	}

	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	g := &model.AccessGrant{
		Token:      "abcd",
		GroupID:    "g1",
		Status:     model.GrantPending,
		CreatedAt:  now,
		DurationMs: int64(30 * 24 * time.Hour / time.Millisecond),
		Devices: map[string]*model.DeviceRecord{
			"d1": {DeviceID: "d1", Cities: map[string]*model.CityRecord{"Tokyo": {City: "Tokyo", VisitCount: 2}}},
		},
		Suspend: &model.SuspendRecord{Reason: "repeated_failures", Until: now.Add(time.Hour)},
	}
	if err := repo.PutGrant(ctx, g); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := repo.GetGrant(ctx, "abcd")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.GroupID != "g1" || got.Status != model.GrantPending || !got.CreatedAt.Equal(now) {
		t.Fatalf("got %+v", got)
	}
	if got.Devices["d1"].Cities["Tokyo"].VisitCount != 2 {
		t.Fatalf("nested device state lost: %+v", got.Devices["d1"])
	}
	if got.Suspend == nil || got.Suspend.Reason != "repeated_failures" {
		t.Fatalf("suspend: got %+v", got.Suspend)
	}

	if err := repo.DeleteGrant(ctx, "abcd"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.GetGrant(ctx, "abcd"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after delete: got %v, want ErrNotFound", err)
	}
}

func TestRepo_CreateGrantConflict(t *testing.T) {
	repo := NewRepo(NewMemoryStore())
	ctx := context.Background()

	if err := repo.CreateGrant(ctx, &model.AccessGrant{Token: "x1y2"}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := repo.CreateGrant(ctx, &model.AccessGrant{Token: "x1y2"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("second create: got %v, want ErrConflict", err)
	}
}

func TestRepo_LockGrantSerializes(t *testing.T) {
	repo := NewRepo(NewMemoryStore())
	ctx := context.Background()
	if err := repo.PutGrant(ctx, &model.AccessGrant{Token: "lock"}); err != nil {
		t.Fatal(err)
	}

	const workers = 20
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := repo.LockGrant("lock")
			defer unlock()
			g, err := repo.GetGrant(ctx, "lock")
			if err != nil {
				t.Error(err)
				return
			}
			g.Stats.TotalRequests++
			if err := repo.PutGrant(ctx, g); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	g, err := repo.GetGrant(ctx, "lock")
	if err != nil {
		t.Fatal(err)
	}
	if g.Stats.TotalRequests != workers {
		t.Fatalf("lost updates: got %d, want %d", g.Stats.TotalRequests, workers)
	}
}

func TestRepo_GroupsAndSources(t *testing.T) {
	repo := NewRepo(NewMemoryStore())
	ctx := context.Background()

	groups, err := repo.Groups(ctx)
	if err != nil || len(groups) != 0 {
		t.Fatalf("empty groups: got %v, %v", groups, err)
	}

	if err := repo.PutGroups(ctx, []model.Group{
		{ID: "g1", Name: "One"},
		{ID: "g2", CustomID: "vip", Name: "Two"},
	}); err != nil {
		t.Fatal(err)
	}
	g, err := repo.FindGroup(ctx, "vip")
	if err != nil {
		t.Fatalf("find by custom id: %v", err)
	}
	if g.ID != "g2" {
		t.Fatalf("got %q, want g2", g.ID)
	}
	if _, err := repo.FindGroup(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("find missing: got %v, want ErrNotFound", err)
	}

	if err := repo.PutSources(ctx, []model.Source{{ID: "s1", URL: "https://example.com/sub"}}); err != nil {
		t.Fatal(err)
	}
	sources, err := repo.Sources(ctx)
	if err != nil || len(sources) != 1 || !sources[0].IsRemote() {
		t.Fatalf("sources: got %v, %v", sources, err)
	}
}

func TestRepo_UpdateSources(t *testing.T) {
	repo := NewRepo(NewMemoryStore())
	ctx := context.Background()
	if err := repo.PutSources(ctx, []model.Source{{ID: "s1", NodeCount: 1}}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.UpdateSources(ctx, func(sources []model.Source) ([]model.Source, error) {
				sources[0].NodeCount++
				return sources, nil
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	errAbort := errors.New("abort")
	err := repo.UpdateSources(ctx, func(sources []model.Source) ([]model.Source, error) {
		return nil, errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("got %v, want abort", err)
	}
	sources, err := repo.Sources(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 1 || sources[0].NodeCount != 11 {
		t.Fatalf("got %+v, want node count 11", sources)
	}
}

func TestRepo_SettingsDefaults(t *testing.T) {
	repo := NewRepo(NewMemoryStore())
	ctx := context.Background()

	s, err := repo.Settings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s != model.DefaultSettings() {
		t.Fatalf("got %+v, want defaults", s)
	}

	// Partial stored settings are decoded over the defaults.
	if err := repo.store.Put(ctx, keySettings, []byte(`{"file_name":"Mine"}`)); err != nil {
		t.Fatal(err)
	}
	s, err = repo.Settings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.FileName != "Mine" || s.ShareToken != model.DefaultSettings().ShareToken {
		t.Fatalf("got %+v", s)
	}
}

func TestRepo_CorruptValue(t *testing.T) {
	repo := NewRepo(NewMemoryStore())
	ctx := context.Background()
	_ = repo.store.Put(ctx, GrantKey("bad"), []byte("{"))
	if _, err := repo.GetGrant(ctx, "bad"); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want decode error", err)
	}
}
