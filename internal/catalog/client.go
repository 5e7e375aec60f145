// Package catalog queries the public books catalog (search, discovery,
// volume details) with an API key. Listing pages land in the cross-cutting
// caches so shelf mutations can patch their display overrides.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"libris/internal/librarian"
	"libris/internal/listingcache"
	"libris/pkg/domain"
)

// searchPageAttempts caps how many pages one search scans for unique items.
const searchPageAttempts = 5

// Client is a catalog API client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	caches     *listingcache.Caches
	tracker    librarian.CallTracker

	mu   sync.Mutex
	seen map[string]map[string]struct{} // query -> volume IDs already returned
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithCallTracker wires a quota tracker.
func WithCallTracker(t librarian.CallTracker) Option {
	return func(c *Client) { c.tracker = t }
}

// New constructs a catalog client writing through the given caches.
func New(baseURL, apiKey string, caches *listingcache.Caches, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		caches:     caches,
		seen:       make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DiscoverParams filter a discovery listing.
type DiscoverParams struct {
	StartIndex int
	MaxResults int
	Subject    string // e.g. "fiction", "science", "history"
	OrderBy    string // "relevance" or "newest"
	PrintType  string // "all", "books" or "magazines"
}

func (p *DiscoverParams) normalize() {
	if p.MaxResults <= 0 {
		p.MaxResults = 10
	}
	if p.Subject == "" {
		p.Subject = "fiction"
	}
	if p.OrderBy == "" {
		p.OrderBy = "relevance"
	}
	if p.PrintType == "" {
		p.PrintType = "all"
	}
}

// Discover fetches a page of subject-filtered volumes, serving from the
// discover cache when the same parameters were requested recently.
func (c *Client) Discover(ctx context.Context, params DiscoverParams) (listingcache.Listing, error) {
	params.normalize()
	key := listingcache.Key(map[string]string{
		"subject": params.Subject,
		"order":   params.OrderBy,
		"print":   params.PrintType,
		"start":   strconv.Itoa(params.StartIndex),
		"max":     strconv.Itoa(params.MaxResults),
	})
	if cached, ok := c.caches.Discover.Get(key); ok {
		return cached, nil
	}

	// Magazines need a broader term; subject search returns nothing for them.
	query := "subject:" + params.Subject
	if params.PrintType == "magazines" {
		query = params.Subject + " magazine"
	}
	values := url.Values{}
	values.Set("q", query)
	values.Set("orderBy", params.OrderBy)
	values.Set("printType", params.PrintType)
	values.Set("startIndex", strconv.Itoa(params.StartIndex))
	values.Set("maxResults", strconv.Itoa(params.MaxResults))

	var page volumesResponse
	if err := c.get(ctx, "/volumes", values, &page); err != nil {
		return listingcache.Listing{}, err
	}
	listing := listingcache.Listing{
		Items:      page.Items,
		TotalItems: page.TotalItems,
		HasMore:    params.StartIndex+len(page.Items) < page.TotalItems,
	}
	c.caches.Discover.Put(key, listing)
	return listing, nil
}

// Search returns up to maxResults volumes matching query, skipping IDs
// already returned for the same query so infinite-scroll pages stay unique.
// reset discards the query's seen-ID memory (used for a fresh search).
func (c *Client) Search(ctx context.Context, query string, startIndex, maxResults int, reset bool) (listingcache.Listing, error) {
	if maxResults <= 0 {
		maxResults = 10
	}
	safeQuery := strings.TrimSpace(query)
	if safeQuery == "" {
		safeQuery = "books"
	}
	seenKey := strings.ToLower(safeQuery)

	cacheKey := listingcache.Key(map[string]string{
		"q":     seenKey,
		"start": strconv.Itoa(startIndex),
		"max":   strconv.Itoa(maxResults),
	})
	if !reset {
		if cached, ok := c.caches.Search.Get(cacheKey); ok {
			return cached, nil
		}
	}

	c.mu.Lock()
	if reset || startIndex == 0 || c.seen[seenKey] == nil {
		c.seen[seenKey] = make(map[string]struct{})
	}
	seen := c.seen[seenKey]
	c.mu.Unlock()

	// Single bare terms match better as a title-prefix query.
	queryParam := safeQuery
	if len(strings.Fields(safeQuery)) == 1 && !strings.Contains(safeQuery, "*") {
		queryParam = fmt.Sprintf("intitle:%s OR %s*", safeQuery, safeQuery)
	}

	unique := make([]domain.Book, 0, maxResults)
	currentIndex := startIndex
	totalItems := 0
	for attempt := 0; attempt < searchPageAttempts && len(unique) < maxResults; attempt++ {
		values := url.Values{}
		values.Set("q", queryParam)
		values.Set("startIndex", strconv.Itoa(currentIndex))
		values.Set("maxResults", strconv.Itoa(maxResults*2))

		var page volumesResponse
		if err := c.get(ctx, "/volumes", values, &page); err != nil {
			return listingcache.Listing{}, err
		}
		totalItems = page.TotalItems
		if len(page.Items) == 0 {
			break
		}
		c.mu.Lock()
		for _, item := range page.Items {
			if _, dup := seen[item.ID]; !dup && len(unique) < maxResults {
				unique = append(unique, item)
				seen[item.ID] = struct{}{}
			}
		}
		c.mu.Unlock()
		currentIndex += len(page.Items)
		if len(unique) >= maxResults || currentIndex >= totalItems {
			break
		}
	}

	listing := listingcache.Listing{
		Items:      unique,
		TotalItems: totalItems,
		HasMore:    currentIndex < totalItems && len(unique) == maxResults,
	}
	c.caches.Search.Put(cacheKey, listing)
	return listing, nil
}

// BookDetails fetches one volume's full metadata.
func (c *Client) BookDetails(ctx context.Context, bookID string) (domain.Book, error) {
	var book domain.Book
	if err := c.get(ctx, "/volumes/"+url.PathEscape(bookID), url.Values{}, &book); err != nil {
		return domain.Book{}, err
	}
	return book, nil
}

type volumesResponse struct {
	Items      []domain.Book `json:"items"`
	TotalItems int           `json:"totalItems"`
}

func (c *Client) get(ctx context.Context, path string, values url.Values, out any) error {
	if c.apiKey == "" {
		return fmt.Errorf("catalog API key is not configured")
	}
	if c.tracker != nil {
		c.tracker.Track(ctx)
	}
	values.Set("key", c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+values.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("catalog request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("catalog request failed: %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
