// Package bookshelf reconciles the remote per-user library against a single
// local optimistic snapshot. It is the sole mutator of that snapshot:
// consumers read it synchronously and issue mutations that confirm against
// the provider, roll back on failure, and keep the listing caches patched.
package bookshelf

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"libris/internal/dedup"
	"libris/internal/librarian"
	"libris/pkg/domain"
)

const (
	// StaleAfter is how long a snapshot stays trusted before the next
	// consumer access triggers a full refresh.
	StaleAfter = 30 * time.Minute

	// refreshKey collapses concurrent full refreshes into one round trip.
	refreshKey = "refresh-all-bookshelves"
	refreshTTL = 3 * time.Second

	// shelfRefreshQuiet coalesces rapid single-shelf refresh triggers from
	// multiple mounting consumers into one execution.
	shelfRefreshQuiet = 1500 * time.Millisecond

	// singleShelfLimit bounds how many volumes a single-shelf refresh
	// materializes for display.
	singleShelfLimit = 20
)

// Library is the remote surface the store needs from the librarian client.
type Library interface {
	CheckAccess(ctx context.Context) error
	ListAllShelves(ctx context.Context) (librarian.AllShelves, error)
	ListShelf(ctx context.Context, category domain.ShelfCategory, opts librarian.ListOptions) ([]domain.Book, error)
	AddVolume(ctx context.Context, bookID string, category domain.ShelfCategory) error
	RemoveVolume(ctx context.Context, bookID string, category domain.ShelfCategory) error
}

// CachePatcher receives shelf/favorite override updates after every
// successful mutation so cached listings stay consistent.
type CachePatcher interface {
	PatchBookStatus(bookID string, category domain.ShelfCategory, favorite bool)
}

// MutateOptions tunes a single mutation call.
type MutateOptions struct {
	// LocalOnly skips the remote call; composite flows that issue their own
	// remote operation use it to drive the busy flag without duplicating
	// network traffic.
	LocalOnly bool
	// BookData supplies display metadata for a book the store has not seen,
	// so the materialized arrays need no placeholder stub.
	BookData *domain.Book
}

// Store is the single source of truth for shelf membership and favorites.
// One instance exists per application session, held by the composition root.
type Store struct {
	library  Library
	caches   CachePatcher
	persist  Persister
	inflight *dedup.Group[librarian.AllShelves]
	now      func() time.Time
	stale    time.Duration

	mu   sync.Mutex
	snap Snapshot

	subMu   sync.Mutex
	subs    map[int]func(Snapshot)
	nextSub int

	timerMu     sync.Mutex
	shelfTimers map[domain.ShelfCategory]*time.Timer
}

// Options configures optional store collaborators.
type Options struct {
	Caches     CachePatcher
	Persister  Persister
	StaleAfter time.Duration
	Now        func() time.Time
}

// NewStore builds a store, restoring the persisted snapshot when one exists.
func NewStore(library Library, opts Options) *Store {
	s := &Store{
		library:     library,
		caches:      opts.Caches,
		persist:     opts.Persister,
		inflight:    dedup.NewGroup[librarian.AllShelves](),
		now:         opts.Now,
		stale:       opts.StaleAfter,
		snap:        emptySnapshot(),
		subs:        make(map[int]func(Snapshot)),
		shelfTimers: make(map[domain.ShelfCategory]*time.Timer),
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.stale <= 0 {
		s.stale = StaleAfter
	}
	if s.persist != nil {
		if restored, ok, err := s.persist.Load(context.Background()); err != nil {
			slog.Warn("bookshelf snapshot restore failed", "err", err)
		} else if ok {
			s.snap = restored
		}
	}
	return s
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.clone()
}

// IsOnShelf reports the reading-progress shelf currently holding bookID.
func (s *Store) IsOnShelf(bookID string) (domain.ShelfCategory, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cat, ok := s.snap.ShelfMap[bookID]
	if !ok || !cat.IsReadingShelf() {
		return "", false
	}
	return cat, true
}

// IsFavorite reports whether bookID is favorited.
func (s *Store) IsFavorite(bookID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.FavoritesMap[bookID]
}

// NeedsRefresh reports whether the snapshot is uninitialized or stale.
func (s *Store) NeedsRefresh() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.snap.Initialized || s.snap.LastUpdated.IsZero() {
		return true
	}
	return s.now().Sub(s.snap.LastUpdated) > s.stale
}

// EnsureFresh refreshes the snapshot when NeedsRefresh reports so.
// Consumer-facing initializers call this on mount.
func (s *Store) EnsureFresh(ctx context.Context) error {
	if !s.NeedsRefresh() {
		return nil
	}
	return s.RefreshAll(ctx)
}

// RefreshAll wholesale-replaces the snapshot from the provider. Concurrent
// calls collapse onto one network round trip; on failure the prior snapshot
// is left untouched (stale data beats no data) and only the flags change.
func (s *Store) RefreshAll(ctx context.Context) error {
	s.update(func(snap *Snapshot) {
		snap.Loading = true
		snap.Error = ""
		snap.AuthError = false
	})

	result, err := s.inflight.Do(refreshKey, refreshTTL, func() (librarian.AllShelves, error) {
		if err := s.library.CheckAccess(ctx); err != nil {
			if librarian.IsAuth(err) {
				return librarian.AllShelves{}, err
			}
			// The access probe exists to produce one clear auth signal
			// instead of four parallel failures; a probe that cannot
			// confirm access is treated as a credential problem.
			return librarian.AllShelves{}, &librarian.AuthError{Message: err.Error()}
		}
		return s.library.ListAllShelves(ctx)
	})
	if err != nil {
		s.setFailure(err)
		return err
	}

	s.update(func(snap *Snapshot) {
		shelfMap := make(map[string]domain.ShelfCategory)
		favMap := make(map[string]bool)
		for _, b := range result.Favorites {
			favMap[b.ID] = true
		}
		// Fixed processing order; if the provider reports a book on more
		// than one progress shelf, the last assignment wins.
		progress := map[domain.ShelfCategory][]domain.Book{
			domain.ShelfWillRead: result.WantToRead,
			domain.ShelfReading:  result.Reading,
			domain.ShelfHaveRead: result.Finished,
		}
		for _, category := range domain.ReadingShelves {
			for _, b := range progress[category] {
				shelfMap[b.ID] = category
			}
		}
		snap.ShelfMap = shelfMap
		snap.FavoritesMap = favMap
		snap.Favorites = result.Favorites
		snap.WantToRead = result.WantToRead
		snap.Reading = result.Reading
		snap.Finished = result.Finished
		snap.TotalCounts = result.TotalCounts
		snap.LastUpdated = s.now()
		snap.Loading = false
		snap.Error = ""
		snap.AuthError = false
		snap.Initialized = true
	})
	s.save()
	return nil
}

// AddToShelf moves a book onto a reading-progress shelf, enforcing shelf
// exclusivity: any current progress shelf is remotely removed before the add.
// Local state is patched only after both remote calls confirm, so a partial
// failure cannot leave an inconsistent optimistic state.
func (s *Store) AddToShelf(ctx context.Context, bookID string, category domain.ShelfCategory, opts MutateOptions) error {
	if !category.IsReadingShelf() {
		return fmt.Errorf("invalid bookshelf category %q", category)
	}
	current, onShelf := s.IsOnShelf(bookID)
	favorite := s.IsFavorite(bookID)

	s.update(func(snap *Snapshot) {
		snap.Loading = !opts.LocalOnly
		snap.Error = ""
		snap.AuthError = false
	})
	if opts.LocalOnly {
		s.finishMutation(true)
		return nil
	}

	var opErr error
	if onShelf {
		opErr = s.library.RemoveVolume(ctx, bookID, current)
	}
	if opErr == nil {
		opErr = s.library.AddVolume(ctx, bookID, category)
	}
	if opErr != nil {
		s.setFailure(classify(opErr, "failed to add book to shelf, please try again"))
		s.finishMutation(true)
		return opErr
	}

	s.applyLocal(bookID, category, favorite, opts.BookData)
	s.finishMutation(true)
	return nil
}

// RemoveFromShelf takes a book off its current reading-progress shelf.
// Removing an unshelved book is a no-op, not an error.
func (s *Store) RemoveFromShelf(ctx context.Context, bookID string, opts MutateOptions) error {
	if !opts.LocalOnly {
		s.update(func(snap *Snapshot) {
			snap.Loading = true
			snap.Error = ""
			snap.AuthError = false
		})
	}

	current, onShelf := s.IsOnShelf(bookID)
	favorite := s.IsFavorite(bookID)
	if !onShelf {
		if !opts.LocalOnly {
			s.update(func(snap *Snapshot) { snap.Loading = false })
		}
		return nil
	}
	if opts.LocalOnly {
		return nil
	}

	if err := s.library.RemoveVolume(ctx, bookID, current); err != nil {
		s.setFailure(classify(err, "failed to remove from bookshelf"))
		s.update(func(snap *Snapshot) { snap.Loading = false })
		return err
	}

	s.applyLocal(bookID, "", favorite, nil)
	s.update(func(snap *Snapshot) { snap.Loading = false })
	return nil
}

// ToggleFavorite flips favorite status optimistically before the remote
// call; a single remote operation cannot partially fail across shelves, so
// the risk profile differs from AddToShelf. On failure the flip is reverted
// exactly and the error is returned for the caller to surface.
func (s *Store) ToggleFavorite(ctx context.Context, bookID string, opts MutateOptions) error {
	if !opts.LocalOnly {
		s.update(func(snap *Snapshot) {
			snap.Loading = true
			snap.Error = ""
			snap.AuthError = false
		})
	}

	wasFavorite := s.IsFavorite(bookID)
	current, _ := s.IsOnShelf(bookID)

	s.applyLocal(bookID, current, !wasFavorite, opts.BookData)
	if opts.LocalOnly {
		return nil
	}

	var err error
	if !wasFavorite {
		err = s.library.AddVolume(ctx, bookID, domain.ShelfFavorites)
	} else {
		err = s.library.RemoveVolume(ctx, bookID, domain.ShelfFavorites)
	}
	if err != nil {
		// Exact revert of the optimistic flip.
		nowFavorite := s.IsFavorite(bookID)
		nowShelf, _ := s.IsOnShelf(bookID)
		s.applyLocal(bookID, nowShelf, !nowFavorite, nil)
		s.setFailure(classify(err, "failed to update favorites"))
		s.finishMutation(true)
		return err
	}

	s.finishMutation(true)
	return nil
}

// ClearError dismisses the soft error message and the auth flag.
func (s *Store) ClearError() {
	s.update(func(snap *Snapshot) {
		snap.Error = ""
		snap.AuthError = false
	})
}

// ClearAuthError dismisses only the hard auth flag.
func (s *Store) ClearAuthError() {
	s.update(func(snap *Snapshot) { snap.AuthError = false })
}

// ClearStore resets the snapshot to its empty initial form and wipes the
// persisted copy. Listing caches and in-flight registrations are not
// touched; the sign-out flow clears caches itself and registrations expire
// via their TTL.
func (s *Store) ClearStore() {
	s.update(func(snap *Snapshot) { *snap = emptySnapshot() })
	if s.persist != nil {
		if err := s.persist.Clear(context.Background()); err != nil {
			slog.Warn("bookshelf snapshot clear failed", "err", err)
		}
	}
}

// Subscribe registers fn to be called synchronously with a snapshot copy
// after every change. The returned function unsubscribes.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// RefreshShelfSoon schedules a single-shelf refresh, coalescing repeated
// triggers within the quiet window into one execution.
func (s *Store) RefreshShelfSoon(category domain.ShelfCategory) {
	if !category.Valid() {
		return
	}
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if t, ok := s.shelfTimers[category]; ok {
		t.Reset(shelfRefreshQuiet)
		return
	}
	s.shelfTimers[category] = time.AfterFunc(shelfRefreshQuiet, func() {
		s.timerMu.Lock()
		delete(s.shelfTimers, category)
		s.timerMu.Unlock()
		if err := s.refreshShelf(context.Background(), category); err != nil {
			slog.Warn("shelf refresh failed", "category", category, "err", err)
		}
	})
}

// refreshShelf replaces one materialized array and its count. The ID maps
// are left alone; a later full refresh reconciles them.
func (s *Store) refreshShelf(ctx context.Context, category domain.ShelfCategory) error {
	books, err := s.library.ListShelf(ctx, category, librarian.ListOptions{Limit: singleShelfLimit})
	if err != nil {
		return err
	}
	s.update(func(snap *Snapshot) {
		switch category {
		case domain.ShelfFavorites:
			snap.Favorites = books
			snap.TotalCounts.Favorites = len(books)
		case domain.ShelfWillRead:
			snap.WantToRead = books
			snap.TotalCounts.WantToRead = len(books)
		case domain.ShelfReading:
			snap.Reading = books
			snap.TotalCounts.Reading = len(books)
		case domain.ShelfHaveRead:
			snap.Finished = books
			snap.TotalCounts.Finished = len(books)
		}
	})
	return nil
}

// applyLocal is the only place array/map consistency is established. It
// locates the fullest known representation of the book, removes the ID from
// every progress array, reinserts it per the new membership, rebuilds the
// maps and counts from the resulting arrays, and propagates the same
// (category, favorite) tuple to the listing caches. A pure removal (no shelf,
// not favorite) needs no representation and always proceeds.
func (s *Store) applyLocal(bookID string, newCategory domain.ShelfCategory, favorite bool, bookData *domain.Book) {
	s.mu.Lock()
	snap := &s.snap

	theBook := findBook(shelfArray(snap, snap.ShelfMap[bookID]), bookID)
	if theBook == nil && (favorite || snap.FavoritesMap[bookID]) {
		theBook = findBook(snap.Favorites, bookID)
	}
	if theBook == nil && bookData != nil {
		theBook = bookData
	}
	if theBook == nil && (newCategory != "" || favorite) {
		theBook = &domain.Book{
			ID:         bookID,
			VolumeInfo: domain.VolumeInfo{Title: "Loading...", Authors: []string{}},
		}
	}
	var book domain.Book
	if theBook != nil {
		book = *theBook
	}

	delete(snap.ShelfMap, bookID)
	if newCategory != "" && newCategory.IsReadingShelf() {
		snap.ShelfMap[bookID] = newCategory
	}

	snap.WantToRead = withoutBook(snap.WantToRead, bookID)
	snap.Reading = withoutBook(snap.Reading, bookID)
	snap.Finished = withoutBook(snap.Finished, bookID)
	switch newCategory {
	case domain.ShelfWillRead:
		snap.WantToRead = prepend(snap.WantToRead, book)
	case domain.ShelfReading:
		snap.Reading = prepend(snap.Reading, book)
	case domain.ShelfHaveRead:
		snap.Finished = prepend(snap.Finished, book)
	}

	snap.Favorites = withoutBook(snap.Favorites, bookID)
	if favorite {
		snap.FavoritesMap[bookID] = true
		snap.Favorites = prepend(snap.Favorites, book)
	} else {
		delete(snap.FavoritesMap, bookID)
	}

	snap.TotalCounts = domain.TotalCounts{
		Favorites:  len(snap.Favorites),
		WantToRead: len(snap.WantToRead),
		Reading:    len(snap.Reading),
		Finished:   len(snap.Finished),
	}
	s.mu.Unlock()

	if s.caches != nil {
		s.caches.PatchBookStatus(bookID, newCategory, favorite)
	}
	s.save()
	s.notify()
}

// setFailure records a classified failure in the snapshot flags.
func (s *Store) setFailure(err error) {
	s.update(func(snap *Snapshot) {
		snap.Loading = false
		snap.Error = err.Error()
		snap.AuthError = librarian.IsAuth(err)
	})
}

// finishMutation clears the busy flag and optionally stamps freshness.
func (s *Store) finishMutation(stamp bool) {
	s.update(func(snap *Snapshot) {
		snap.Loading = false
		if stamp {
			snap.LastUpdated = s.now()
		}
	})
}

// update mutates the snapshot under the lock, then notifies subscribers.
func (s *Store) update(fn func(*Snapshot)) {
	s.mu.Lock()
	fn(&s.snap)
	s.mu.Unlock()
	s.notify()
}

func (s *Store) notify() {
	s.subMu.Lock()
	fns := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	if len(fns) == 0 {
		return
	}
	snap := s.Snapshot()
	for _, fn := range fns {
		fn(snap)
	}
}

// save persists the durable subset of the snapshot best-effort; failures are
// soft. Transient flags are zeroed here so every Persister implementation
// receives only durable state.
func (s *Store) save() {
	if s.persist == nil {
		return
	}
	snap := s.Snapshot()
	snap.Loading = false
	snap.Error = ""
	snap.AuthError = false
	if err := s.persist.Save(context.Background(), snap); err != nil {
		slog.Warn("bookshelf snapshot persist failed", "err", err)
	}
}

// classify wraps non-auth failures with a user-facing message while keeping
// auth failures intact for the hard flag.
func classify(err error, softMessage string) error {
	if librarian.IsAuth(err) {
		return err
	}
	return &librarian.RemoteError{Message: softMessage}
}

func shelfArray(snap *Snapshot, category domain.ShelfCategory) []domain.Book {
	switch category {
	case domain.ShelfWillRead:
		return snap.WantToRead
	case domain.ShelfReading:
		return snap.Reading
	case domain.ShelfHaveRead:
		return snap.Finished
	default:
		return nil
	}
}

func findBook(books []domain.Book, bookID string) *domain.Book {
	for i := range books {
		if books[i].ID == bookID {
			return &books[i]
		}
	}
	return nil
}

func withoutBook(books []domain.Book, bookID string) []domain.Book {
	out := make([]domain.Book, 0, len(books))
	for _, b := range books {
		if b.ID != bookID {
			out = append(out, b)
		}
	}
	return out
}

func prepend(books []domain.Book, book domain.Book) []domain.Book {
	return append([]domain.Book{book}, books...)
}
