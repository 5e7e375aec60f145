package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"libris/internal/listingcache"
	"libris/pkg/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	caches := listingcache.NewCaches(time.Minute)
	return New(srv.URL, "test-key", caches), srv
}

func TestDiscoverCachesPages(t *testing.T) {
	requests := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("api key missing from request")
		}
		if got := r.URL.Query().Get("q"); got != "subject:fiction" {
			t.Errorf("q = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items":      []domain.Book{{ID: "b1"}},
			"totalItems": 41,
		})
	})

	first, err := c.Discover(context.Background(), DiscoverParams{})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if !first.HasMore || first.TotalItems != 41 || len(first.Items) != 1 {
		t.Fatalf("listing = %+v", first)
	}

	if _, err := c.Discover(context.Background(), DiscoverParams{}); err != nil {
		t.Fatalf("second discover: %v", err)
	}
	if requests != 1 {
		t.Fatalf("repeated discover should be served from cache, requests = %d", requests)
	}
}

func TestDiscoverMagazinesBroadensQuery(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got != "science magazine" {
			t.Errorf("q = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"items": []domain.Book{}, "totalItems": 0})
	})
	if _, err := c.Discover(context.Background(), DiscoverParams{Subject: "science", PrintType: "magazines"}); err != nil {
		t.Fatalf("discover: %v", err)
	}
}

func TestSearchSkipsSeenIDsAcrossPages(t *testing.T) {
	pages := [][]domain.Book{
		{{ID: "a"}, {ID: "b"}},
		{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}},
	}
	call := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		page := pages[call]
		if call < len(pages)-1 {
			call++
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"items": page, "totalItems": 40})
	})

	first, err := c.Search(context.Background(), "golang books", 0, 2, false)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(first.Items) != 2 || first.Items[0].ID != "a" || first.Items[1].ID != "b" {
		t.Fatalf("first page = %+v", first.Items)
	}

	second, err := c.Search(context.Background(), "golang books", 2, 2, false)
	if err != nil {
		t.Fatalf("second search: %v", err)
	}
	if len(second.Items) != 2 || second.Items[0].ID != "c" || second.Items[1].ID != "d" {
		t.Fatalf("second page should skip already-returned ids, got %+v", second.Items)
	}
}

func TestSearchResetForgetsSeenIDs(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items":      []domain.Book{{ID: "a"}},
			"totalItems": 1,
		})
	})

	if _, err := c.Search(context.Background(), "golang books", 0, 5, false); err != nil {
		t.Fatalf("search: %v", err)
	}
	fresh, err := c.Search(context.Background(), "golang books", 0, 5, true)
	if err != nil {
		t.Fatalf("reset search: %v", err)
	}
	if len(fresh.Items) != 1 || fresh.Items[0].ID != "a" {
		t.Fatalf("reset search should return previously seen ids, got %+v", fresh.Items)
	}
}

func TestSearchSingleTermUsesTitleQuery(t *testing.T) {
	var query string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query().Get("q")
		_ = json.NewEncoder(w).Encode(map[string]any{"items": []domain.Book{}, "totalItems": 0})
	})
	if _, err := c.Search(context.Background(), "dune", 0, 5, false); err != nil {
		t.Fatalf("search: %v", err)
	}
	if !strings.Contains(query, "intitle:dune") {
		t.Fatalf("single terms should use a title query, got %q", query)
	}
}

func TestBookDetails(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/volumes/vol-1" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(domain.Book{ID: "vol-1", VolumeInfo: domain.VolumeInfo{Title: "Dune"}})
	})

	book, err := c.BookDetails(context.Background(), "vol-1")
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	if book.ID != "vol-1" || book.VolumeInfo.Title != "Dune" {
		t.Fatalf("book = %+v", book)
	}
}

func TestMissingAPIKeyFails(t *testing.T) {
	caches := listingcache.NewCaches(time.Minute)
	c := New("http://unused.invalid", "", caches)
	if _, err := c.BookDetails(context.Background(), "vol-1"); err == nil {
		t.Fatalf("missing api key must fail before calling the provider")
	}
}

func TestSearchUpstreamFailure(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	if _, err := c.Search(context.Background(), "golang books", 0, 5, false); err == nil {
		t.Fatalf("upstream failure must surface")
	}
}
