package bookshelf

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"libris/pkg/domain"
)

// StorageKey is the fixed namespace the snapshot persists under.
const StorageKey = "bookshelf-storage"

// Persister stores the snapshot across reloads. The store zeroes transient
// flags (loading, error, authError) before Save, so implementations only
// ever see durable state.
type Persister interface {
	Load(ctx context.Context) (Snapshot, bool, error)
	Save(ctx context.Context, snap Snapshot) error
	Clear(ctx context.Context) error
}

// persistedState is the durable subset of a Snapshot.
type persistedState struct {
	ShelfMap     map[string]domain.ShelfCategory `json:"bookshelfMap"`
	FavoritesMap map[string]bool                 `json:"favoritesMap"`
	Favorites    []domain.Book                   `json:"favorites"`
	WantToRead   []domain.Book                   `json:"wantToRead"`
	Reading      []domain.Book                   `json:"reading"`
	Finished     []domain.Book                   `json:"finished"`
	TotalCounts  domain.TotalCounts              `json:"totalCounts"`
	LastUpdated  time.Time                       `json:"lastUpdated"`
	Initialized  bool                            `json:"isInitialized"`
}

type snapshotRecord struct {
	Key       string         `gorm:"primaryKey;size:64"`
	State     datatypes.JSON `gorm:"not null"`
	UpdatedAt time.Time
}

func (snapshotRecord) TableName() string { return "bookshelf_snapshots" }

// GormPersister keeps the snapshot in a local SQLite database.
type GormPersister struct {
	db  *gorm.DB
	key string
}

// NewGormPersister opens (and migrates) the snapshot database at path.
func NewGormPersister(path string) (*GormPersister, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	if err := db.AutoMigrate(&snapshotRecord{}); err != nil {
		return nil, fmt.Errorf("migrate snapshot db: %w", err)
	}
	return &GormPersister{db: db, key: StorageKey}, nil
}

// ForUser returns a view of the persister scoped to one user's snapshot,
// sharing the underlying database.
func (p *GormPersister) ForUser(userID string) *GormPersister {
	return &GormPersister{db: p.db, key: StorageKey + ":" + userID}
}

// Load restores the persisted snapshot, if any. Transient flags come back
// zeroed.
func (p *GormPersister) Load(ctx context.Context) (Snapshot, bool, error) {
	var rec snapshotRecord
	err := p.db.WithContext(ctx).First(&rec, "key = ?", p.key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	var state persistedState
	if err := json.Unmarshal(rec.State, &state); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	snap := emptySnapshot()
	if state.ShelfMap != nil {
		snap.ShelfMap = state.ShelfMap
	}
	if state.FavoritesMap != nil {
		snap.FavoritesMap = state.FavoritesMap
	}
	if state.Favorites != nil {
		snap.Favorites = state.Favorites
	}
	if state.WantToRead != nil {
		snap.WantToRead = state.WantToRead
	}
	if state.Reading != nil {
		snap.Reading = state.Reading
	}
	if state.Finished != nil {
		snap.Finished = state.Finished
	}
	snap.TotalCounts = state.TotalCounts
	snap.LastUpdated = state.LastUpdated
	snap.Initialized = state.Initialized
	return snap, true, nil
}

// Save upserts the durable subset of snap under StorageKey.
func (p *GormPersister) Save(ctx context.Context, snap Snapshot) error {
	state := persistedState{
		ShelfMap:     snap.ShelfMap,
		FavoritesMap: snap.FavoritesMap,
		Favorites:    snap.Favorites,
		WantToRead:   snap.WantToRead,
		Reading:      snap.Reading,
		Finished:     snap.Finished,
		TotalCounts:  snap.TotalCounts,
		LastUpdated:  snap.LastUpdated,
		Initialized:  snap.Initialized,
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	rec := snapshotRecord{Key: p.key, State: data, UpdatedAt: time.Now().UTC()}
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		UpdateAll: true,
	}).Create(&rec).Error
}

// Clear removes the persisted snapshot.
func (p *GormPersister) Clear(ctx context.Context) error {
	return p.db.WithContext(ctx).Delete(&snapshotRecord{}, "key = ?", p.key).Error
}
