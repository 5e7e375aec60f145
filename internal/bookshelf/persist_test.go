package bookshelf

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"libris/pkg/domain"
)

func newTestPersister(t *testing.T) *GormPersister {
	t.Helper()
	p, err := NewGormPersister(filepath.Join(t.TempDir(), "snapshots.db"))
	if err != nil {
		t.Fatalf("open persister: %v", err)
	}
	return p
}

func persistedSnapshot() Snapshot {
	snap := emptySnapshot()
	snap.ShelfMap["b1"] = domain.ShelfReading
	snap.FavoritesMap["b1"] = true
	snap.Reading = []domain.Book{{ID: "b1", VolumeInfo: domain.VolumeInfo{Title: "Dune"}}}
	snap.Favorites = []domain.Book{{ID: "b1", VolumeInfo: domain.VolumeInfo{Title: "Dune"}}}
	snap.TotalCounts = domain.TotalCounts{Favorites: 1, Reading: 1}
	snap.LastUpdated = time.Now().UTC().Truncate(time.Second)
	snap.Initialized = true
	return snap
}

func TestGormPersisterRoundTrip(t *testing.T) {
	p := newTestPersister(t)
	ctx := context.Background()

	if _, ok, err := p.Load(ctx); err != nil || ok {
		t.Fatalf("fresh db: ok=%t err=%v", ok, err)
	}

	want := persistedSnapshot()
	want.Loading = true
	want.Error = "transient"
	want.AuthError = true
	if err := p.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, ok, err := p.Load(ctx)
	if err != nil || !ok {
		t.Fatalf("load: ok=%t err=%v", ok, err)
	}
	if got.ShelfMap["b1"] != domain.ShelfReading || !got.FavoritesMap["b1"] {
		t.Fatalf("maps not restored: %+v", got)
	}
	if len(got.Reading) != 1 || got.Reading[0].VolumeInfo.Title != "Dune" {
		t.Fatalf("arrays not restored: %+v", got.Reading)
	}
	if got.TotalCounts != want.TotalCounts || !got.Initialized || !got.LastUpdated.Equal(want.LastUpdated) {
		t.Fatalf("metadata not restored: %+v", got)
	}
	if got.Loading || got.Error != "" || got.AuthError {
		t.Fatalf("transient flags leaked into persistence: %+v", got)
	}
}

func TestGormPersisterSaveUpserts(t *testing.T) {
	p := newTestPersister(t)
	ctx := context.Background()

	first := persistedSnapshot()
	if err := p.Save(ctx, first); err != nil {
		t.Fatalf("save: %v", err)
	}
	second := persistedSnapshot()
	second.ShelfMap["b2"] = domain.ShelfWillRead
	if err := p.Save(ctx, second); err != nil {
		t.Fatalf("second save: %v", err)
	}

	got, ok, err := p.Load(ctx)
	if err != nil || !ok {
		t.Fatalf("load: ok=%t err=%v", ok, err)
	}
	if len(got.ShelfMap) != 2 || got.ShelfMap["b2"] != domain.ShelfWillRead {
		t.Fatalf("second save did not replace the record: %+v", got.ShelfMap)
	}
}

func TestGormPersisterForUserIsolation(t *testing.T) {
	p := newTestPersister(t)
	ctx := context.Background()

	alice := p.ForUser("alice")
	bob := p.ForUser("bob")

	snap := persistedSnapshot()
	if err := alice.Save(ctx, snap); err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, ok, err := bob.Load(ctx); err != nil || ok {
		t.Fatalf("bob must not see alice's snapshot: ok=%t err=%v", ok, err)
	}
	if _, ok, err := alice.Load(ctx); err != nil || !ok {
		t.Fatalf("alice's snapshot missing: ok=%t err=%v", ok, err)
	}

	if err := alice.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := alice.Load(ctx); ok {
		t.Fatalf("clear left alice's snapshot behind")
	}
}

func TestGormPersisterLoadDefaultsEmptyCollections(t *testing.T) {
	p := newTestPersister(t)
	ctx := context.Background()

	if err := p.Save(ctx, Snapshot{Initialized: true}); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := p.Load(ctx)
	if err != nil || !ok {
		t.Fatalf("load: ok=%t err=%v", ok, err)
	}
	if got.ShelfMap == nil || got.FavoritesMap == nil || got.Favorites == nil {
		t.Fatalf("nil collections must come back allocated: %+v", got)
	}
}
