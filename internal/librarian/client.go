package librarian

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"libris/pkg/domain"
)

// pageSize is the provider's maximum volumes-per-page.
const pageSize = 40

// TokenSource supplies a fresh provider bearer token for the current session.
type TokenSource interface {
	ProviderToken(ctx context.Context) (string, error)
}

// CallTracker counts outbound provider calls for quota awareness.
type CallTracker interface {
	Track(ctx context.Context)
}

// Client calls the library provider's per-user shelf endpoints over HTTP.
// It never retries; 401/403 responses are uniformly classified as AuthError
// so callers can distinguish dead credentials from transient failures.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	tracker    CallTracker
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithCallTracker wires a quota tracker counting every outbound call.
func WithCallTracker(t CallTracker) Option {
	return func(c *Client) { c.tracker = t }
}

// New constructs a library provider client.
func New(baseURL string, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		tokens:     tokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AllShelves is the combined result of listing the four managed shelves.
type AllShelves struct {
	Favorites   []domain.Book      `json:"favorites"`
	WantToRead  []domain.Book      `json:"wantToRead"`
	Reading     []domain.Book      `json:"reading"`
	Finished    []domain.Book      `json:"finished"`
	TotalCounts domain.TotalCounts `json:"totalCounts"`
}

// ListOptions bounds a single-shelf listing.
type ListOptions struct {
	Limit  int
	Offset int
}

type shelfMetadata struct {
	Items []struct {
		ID          int `json:"id"`
		VolumeCount int `json:"volumeCount"`
	} `json:"items"`
}

type volumesPage struct {
	Items      []domain.Book `json:"items"`
	TotalItems int           `json:"totalItems"`
}

// Credential obtains a fresh bearer token for the provider on behalf of the
// current session.
func (c *Client) Credential(ctx context.Context) (string, error) {
	return c.tokens.ProviderToken(ctx)
}

// CheckAccess probes whether a usable credential exists and the provider is
// reachable, without fetching shelf contents. Used before a full refresh to
// fail fast with a clear signal instead of four parallel 401s.
func (c *Client) CheckAccess(ctx context.Context) error {
	token, err := c.Credential(ctx)
	if err != nil {
		return err
	}
	var meta shelfMetadata
	return c.do(ctx, http.MethodGet, c.baseURL+"/mylibrary/bookshelves", token, &meta)
}

// ListShelf fetches one shelf's declared count, then pages through its
// volumes until opts.Limit is satisfied or the shelf is exhausted. A page
// shorter than requested is treated as terminal.
func (c *Client) ListShelf(ctx context.Context, category domain.ShelfCategory, opts ListOptions) ([]domain.Book, error) {
	shelfID, ok := domain.ShelfIDs[category]
	if !ok {
		return nil, fmt.Errorf("unknown shelf category %q", category)
	}
	token, err := c.Credential(ctx)
	if err != nil {
		return nil, err
	}
	total, err := c.shelfCount(ctx, token, shelfID)
	if err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit <= 0 || limit > total-opts.Offset {
		limit = total - opts.Offset
	}
	if limit <= 0 {
		return []domain.Book{}, nil
	}
	return c.shelfBooks(ctx, token, shelfID, opts.Offset, limit)
}

// ListAllShelves fetches the four shelves' declared counts once, then lists
// the shelves concurrently and returns the combined arrays and totals.
func (c *Client) ListAllShelves(ctx context.Context) (AllShelves, error) {
	token, err := c.Credential(ctx)
	if err != nil {
		return AllShelves{}, err
	}
	var meta shelfMetadata
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/mylibrary/bookshelves", token, &meta); err != nil {
		return AllShelves{}, err
	}
	counts := domain.TotalCounts{}
	for _, shelf := range meta.Items {
		switch shelf.ID {
		case domain.ShelfIDs[domain.ShelfFavorites]:
			counts.Favorites = shelf.VolumeCount
		case domain.ShelfIDs[domain.ShelfWillRead]:
			counts.WantToRead = shelf.VolumeCount
		case domain.ShelfIDs[domain.ShelfReading]:
			counts.Reading = shelf.VolumeCount
		case domain.ShelfIDs[domain.ShelfHaveRead]:
			counts.Finished = shelf.VolumeCount
		}
	}

	result := AllShelves{TotalCounts: counts}
	g, gctx := errgroup.WithContext(ctx)
	fetch := func(category domain.ShelfCategory, total int, dst *[]domain.Book) {
		g.Go(func() error {
			books, err := c.shelfBooks(gctx, token, domain.ShelfIDs[category], 0, total)
			if err != nil {
				return err
			}
			*dst = books
			return nil
		})
	}
	fetch(domain.ShelfFavorites, counts.Favorites, &result.Favorites)
	fetch(domain.ShelfWillRead, counts.WantToRead, &result.WantToRead)
	fetch(domain.ShelfReading, counts.Reading, &result.Reading)
	fetch(domain.ShelfHaveRead, counts.Finished, &result.Finished)
	if err := g.Wait(); err != nil {
		return AllShelves{}, err
	}
	return result, nil
}

// AddVolume puts a volume on the given shelf.
func (c *Client) AddVolume(ctx context.Context, bookID string, category domain.ShelfCategory) error {
	return c.mutateVolume(ctx, "addVolume", bookID, category)
}

// RemoveVolume takes a volume off the given shelf.
func (c *Client) RemoveVolume(ctx context.Context, bookID string, category domain.ShelfCategory) error {
	return c.mutateVolume(ctx, "removeVolume", bookID, category)
}

func (c *Client) mutateVolume(ctx context.Context, action, bookID string, category domain.ShelfCategory) error {
	shelfID, ok := domain.ShelfIDs[category]
	if !ok {
		return fmt.Errorf("unknown shelf category %q", category)
	}
	token, err := c.Credential(ctx)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/mylibrary/bookshelves/%d/%s?volumeId=%s", c.baseURL, shelfID, action, bookID)
	return c.do(ctx, http.MethodPost, url, token, nil)
}

func (c *Client) shelfCount(ctx context.Context, token string, shelfID int) (int, error) {
	var info struct {
		VolumeCount int `json:"volumeCount"`
	}
	url := fmt.Sprintf("%s/mylibrary/bookshelves/%d", c.baseURL, shelfID)
	if err := c.do(ctx, http.MethodGet, url, token, &info); err != nil {
		return 0, err
	}
	return info.VolumeCount, nil
}

func (c *Client) shelfBooks(ctx context.Context, token string, shelfID, startIndex, total int) ([]domain.Book, error) {
	books := make([]domain.Book, 0, total)
	for len(books) < total {
		fetchCount := min(pageSize, total-len(books))
		url := fmt.Sprintf("%s/mylibrary/bookshelves/%d/volumes?startIndex=%d&maxResults=%d",
			c.baseURL, shelfID, startIndex, fetchCount)
		var page volumesPage
		if err := c.do(ctx, http.MethodGet, url, token, &page); err != nil {
			return nil, err
		}
		if len(page.Items) == 0 {
			break
		}
		books = append(books, page.Items...)
		startIndex += len(page.Items)
		// Short page means the shelf ended before the declared count.
		if len(page.Items) < fetchCount {
			break
		}
	}
	return books, nil
}

// do performs one tracked provider call. 401 and 403 always become
// AuthError regardless of which operation triggered them; other non-2xx
// responses become RemoteError with the HTTP status attached.
func (c *Client) do(ctx context.Context, method, url, token string, out any) error {
	if c.tracker != nil {
		c.tracker.Track(ctx)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return &RemoteError{Message: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RemoteError{Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &AuthError{Message: fmt.Sprintf("library provider authentication failed (%d)", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error.Message
		if msg == "" {
			msg = resp.Status
		}
		return &RemoteError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &RemoteError{Message: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}
