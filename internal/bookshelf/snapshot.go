package bookshelf

import (
	"maps"
	"slices"
	"time"

	"libris/pkg/domain"
)

// Snapshot is the store's complete state at an instant: the authoritative
// ID maps, the materialized per-shelf arrays used for display, the
// provider-declared totals, freshness and lifecycle flags.
//
// Invariants maintained by the store:
//   - a book ID appears in at most one of the three reading-progress shelves
//     (map and arrays agree);
//   - favorite status is independent of shelf membership;
//   - the maps, arrays and totals are rebuilt together, never hand-edited.
type Snapshot struct {
	ShelfMap     map[string]domain.ShelfCategory `json:"bookshelfMap"`
	FavoritesMap map[string]bool                 `json:"favoritesMap"`
	Favorites    []domain.Book                   `json:"favorites"`
	WantToRead   []domain.Book                   `json:"wantToRead"`
	Reading      []domain.Book                   `json:"reading"`
	Finished     []domain.Book                   `json:"finished"`
	TotalCounts  domain.TotalCounts              `json:"totalCounts"`
	LastUpdated  time.Time                       `json:"lastUpdated"`
	Initialized  bool                            `json:"isInitialized"`

	// Transient flags, never persisted.
	Loading   bool   `json:"loading"`
	Error     string `json:"error,omitempty"`
	AuthError bool   `json:"authError"`
}

func emptySnapshot() Snapshot {
	return Snapshot{
		ShelfMap:     make(map[string]domain.ShelfCategory),
		FavoritesMap: make(map[string]bool),
		Favorites:    []domain.Book{},
		WantToRead:   []domain.Book{},
		Reading:      []domain.Book{},
		Finished:     []domain.Book{},
	}
}

// clone copies the snapshot deeply enough that readers cannot mutate the
// store's maps or arrays through it.
func (s Snapshot) clone() Snapshot {
	out := s
	out.ShelfMap = maps.Clone(s.ShelfMap)
	out.FavoritesMap = maps.Clone(s.FavoritesMap)
	out.Favorites = slices.Clone(s.Favorites)
	out.WantToRead = slices.Clone(s.WantToRead)
	out.Reading = slices.Clone(s.Reading)
	out.Finished = slices.Clone(s.Finished)
	return out
}
