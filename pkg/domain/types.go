package domain

// ShelfCategory identifies a bucket in the user's remote library.
// WILL_READ, READING and HAVE_READ are mutually exclusive reading-progress
// shelves; FAVORITES is orthogonal and may overlap any of them.
type ShelfCategory string

const (
	ShelfWillRead  ShelfCategory = "WILL_READ"
	ShelfReading   ShelfCategory = "READING"
	ShelfHaveRead  ShelfCategory = "HAVE_READ"
	ShelfFavorites ShelfCategory = "FAVORITES"
)

// ShelfIDs maps categories to the provider's fixed numeric shelf IDs.
// The provider reserves other IDs (purchased, reviewed, ...) that this
// application does not manage.
var ShelfIDs = map[ShelfCategory]int{
	ShelfFavorites: 0,
	ShelfWillRead:  2,
	ShelfReading:   3,
	ShelfHaveRead:  4,
}

// ReadingShelves lists the mutually exclusive progress shelves in the order
// refresh processing resolves provider-side conflicts (last write wins).
var ReadingShelves = []ShelfCategory{ShelfWillRead, ShelfReading, ShelfHaveRead}

// IsReadingShelf reports whether c is one of the exclusive progress shelves.
func (c ShelfCategory) IsReadingShelf() bool {
	return c == ShelfWillRead || c == ShelfReading || c == ShelfHaveRead
}

// Valid reports whether c names a shelf this application manages.
func (c ShelfCategory) Valid() bool {
	_, ok := ShelfIDs[c]
	return ok
}

// ImageLinks carries cover image URLs by size.
type ImageLinks struct {
	Thumbnail      string `json:"thumbnail,omitempty"`
	SmallThumbnail string `json:"smallThumbnail,omitempty"`
}

// VolumeInfo is the provider-supplied display metadata for a book.
// Immutable from this system's point of view once fetched.
type VolumeInfo struct {
	Title         string     `json:"title"`
	Authors       []string   `json:"authors,omitempty"`
	Description   string     `json:"description,omitempty"`
	ImageLinks    ImageLinks `json:"imageLinks,omitempty"`
	PublishedDate string     `json:"publishedDate,omitempty"`
	Categories    []string   `json:"categories,omitempty"`
}

// Book is a catalog volume. Shelf and Favorite are locally attached display
// overrides so a book carried through a listing cache can self-report its
// membership; the bookshelf store's maps stay authoritative.
type Book struct {
	ID         string        `json:"id"`
	VolumeInfo VolumeInfo    `json:"volumeInfo"`
	Shelf      ShelfCategory `json:"_shelf,omitempty"`
	Favorite   bool          `json:"_favorite,omitempty"`
}

// TotalCounts records the provider-declared volume count per shelf. Counts
// may exceed the materialized array lengths when a shelf is only partially
// paged in.
type TotalCounts struct {
	Favorites  int `json:"favorites"`
	WantToRead int `json:"wantToRead"`
	Reading    int `json:"reading"`
	Finished   int `json:"finished"`
}
