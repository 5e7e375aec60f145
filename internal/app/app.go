// Package app is the composition root: it builds the shared collaborators
// (identity client, catalog client, listing caches, quota tracker, snapshot
// persistence, assistant) and hands out per-user library sessions.
package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"libris/internal/assistant"
	"libris/internal/bookshelf"
	"libris/internal/catalog"
	"libris/internal/identity"
	"libris/internal/librarian"
	"libris/internal/listingcache"
	"libris/internal/quota"
	"libris/pkg/ai"
)

const (
	defaultOAuthProvider   = "google"
	defaultQuotaDailyLimit = 1000
	snapshotDBFile         = "libris.db"
)

// Config holds runtime configuration for the core application.
type Config struct {
	IdentityBaseURL string
	IdentityAPIKey  string
	LibraryBaseURL  string
	OAuthProvider   string
	CatalogBaseURL  string
	CatalogAPIKey   string

	OpenRouterAPIKey  string
	OpenRouterModel   string
	OpenRouterReferer string
	OpenRouterTitle   string

	RedisAddr       string
	RedisPassword   string
	QuotaDailyLimit int

	DataDir string

	// Generator overrides the OpenRouter client; tests inject fakes here.
	Generator ai.ChatGenerator
	// Persister overrides the SQLite snapshot store.
	Persister *bookshelf.GormPersister
}

// Session is one user's view of the application: the bookshelf store bound
// to their identity session.
type Session struct {
	UserID string
	Store  *bookshelf.Store
	tokens *identity.TokenSource
}

// App wires shared collaborators and owns the session registry.
type App struct {
	identity   *identity.Client
	provider   string
	libraryURL string
	caches     *listingcache.Caches
	catalog    *catalog.Client
	assistant  *assistant.Assistant
	tracker    *quota.Tracker
	persist    *bookshelf.GormPersister

	mu       sync.Mutex
	sessions map[string]*Session
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.IdentityBaseURL == "" {
		return nil, fmt.Errorf("identity base URL required")
	}
	if cfg.LibraryBaseURL == "" {
		return nil, fmt.Errorf("library base URL required")
	}
	provider := strings.TrimSpace(cfg.OAuthProvider)
	if provider == "" {
		provider = defaultOAuthProvider
	}

	var tracker *quota.Tracker
	if cfg.RedisAddr != "" {
		limit := cfg.QuotaDailyLimit
		if limit <= 0 {
			limit = defaultQuotaDailyLimit
		}
		t, err := quota.NewTracker(cfg.RedisAddr, cfg.RedisPassword, "libris:quota:catalog", limit)
		if err != nil {
			return nil, fmt.Errorf("init quota tracker: %w", err)
		}
		tracker = t
	}

	persist := cfg.Persister
	if persist == nil {
		dataDir := cfg.DataDir
		if dataDir == "" {
			dataDir = "data"
		}
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		p, err := bookshelf.NewGormPersister(filepath.Join(dataDir, snapshotDBFile))
		if err != nil {
			return nil, fmt.Errorf("init snapshot store: %w", err)
		}
		persist = p
	}

	caches := listingcache.NewCaches(listingcache.DefaultTTL)
	catalogOpts := []catalog.Option{}
	if tracker != nil {
		catalogOpts = append(catalogOpts, catalog.WithCallTracker(tracker))
	}

	a := &App{
		identity:   identity.New(cfg.IdentityBaseURL, cfg.IdentityAPIKey),
		provider:   provider,
		libraryURL: cfg.LibraryBaseURL,
		caches:     caches,
		catalog:    catalog.New(cfg.CatalogBaseURL, cfg.CatalogAPIKey, caches, catalogOpts...),
		tracker:    tracker,
		persist:    persist,
		sessions:   make(map[string]*Session),
	}

	generator := cfg.Generator
	if generator == nil && cfg.OpenRouterAPIKey != "" {
		or, err := ai.NewOpenRouterClient("", cfg.OpenRouterAPIKey, cfg.OpenRouterModel, cfg.OpenRouterReferer, cfg.OpenRouterTitle)
		if err != nil {
			return nil, fmt.Errorf("init openrouter client: %w", err)
		}
		generator = or
	}
	if generator != nil {
		a.assistant = assistant.New(generator)
	}

	return a, nil
}

// Session returns the library session for userID, creating it on first use.
// The session token is refreshed on every call because identity providers
// rotate session JWTs between requests.
func (a *App) Session(userID, sessionToken string) *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	if sess, ok := a.sessions[userID]; ok {
		sess.tokens.SetSessionToken(sessionToken)
		return sess
	}
	tokens := a.identity.TokenSourceFor(sessionToken, a.provider)
	opts := []librarian.Option{}
	if a.tracker != nil {
		opts = append(opts, librarian.WithCallTracker(a.tracker))
	}
	lib := librarian.New(a.libraryURL, tokens, opts...)
	store := bookshelf.NewStore(lib, bookshelf.Options{
		Caches:    a.caches,
		Persister: a.persist.ForUser(userID),
	})
	sess := &Session{UserID: userID, Store: store, tokens: tokens}
	a.sessions[userID] = sess
	return sess
}

// SignOut resets the user's snapshot, wipes its persisted copy and drops the
// cached listings, which may contain the user's shelf overrides.
func (a *App) SignOut(userID string) {
	a.mu.Lock()
	sess, ok := a.sessions[userID]
	if ok {
		delete(a.sessions, userID)
	}
	a.mu.Unlock()
	if ok {
		sess.Store.ClearStore()
	}
	a.caches.ClearAll()
}

// Catalog returns the shared public catalog client.
func (a *App) Catalog() *catalog.Client { return a.catalog }

// Assistant returns the LLM assistant, or nil when no provider is configured.
func (a *App) Assistant() *assistant.Assistant { return a.assistant }

// Caches returns the shared listing caches.
func (a *App) Caches() *listingcache.Caches { return a.caches }
