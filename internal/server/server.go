// Package server exposes the HTTP API: library snapshot and mutations,
// catalog discovery and search, and the assistant endpoints.
package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"libris/internal/app"
	"libris/internal/bookshelf"
	"libris/internal/catalog"
	"libris/internal/librarian"
	"libris/internal/ratelimit"
	"libris/internal/usertoken"
	"libris/internal/util"
	"libris/pkg/ai"
	"libris/pkg/domain"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	TokenVerifier *usertoken.Verifier

	RedisAddr                   string
	RedisPassword               string
	AssistantRateLimitPerMinute int

	TrustedProxyCIDRs []string
}

// Server exposes HTTP endpoints for the backend.
type Server struct {
	app              *app.App
	tokenVerifier    *usertoken.Verifier
	mux              *http.ServeMux
	assistantLimiter *ratelimit.Limiter
	trustedProxies   *util.TrustedProxies
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	assistantLimit := cfg.AssistantRateLimitPerMinute
	if assistantLimit <= 0 {
		assistantLimit = 10
	}
	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		l, err := ratelimit.New(cfg.RedisAddr, cfg.RedisPassword, "libris:ratelimit:assistant", assistantLimit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init assistant limiter: %w", err)
		}
		limiter = l
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return nil, fmt.Errorf("parse trusted proxies: %w", err)
	}
	s := &Server{
		app:              cfg.App,
		tokenVerifier:    cfg.TokenVerifier,
		mux:              http.NewServeMux(),
		assistantLimiter: limiter,
		trustedProxies:   trusted,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler with the middleware chain applied.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(
		util.WithRequestLog("libris",
			util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// library (auth required)
	s.mux.Handle("/api/library", s.authenticated(s.handleLibrary))
	s.mux.Handle("/api/library/refresh", s.authenticated(s.handleRefresh))
	s.mux.Handle("/api/library/books/", s.authenticated(s.handleLibraryBook))
	s.mux.Handle("/api/library/signout", s.authenticated(s.handleSignOut))

	// public catalog
	s.mux.HandleFunc("/api/discover", s.handleDiscover)
	s.mux.HandleFunc("/api/search", s.handleSearch)
	s.mux.HandleFunc("/api/books/", s.handleBookDetails)

	// assistant (auth required)
	s.mux.Handle("/api/booktalk", s.authenticated(s.handleBookTalk))
	s.mux.Handle("/api/bookblend", s.authenticated(s.handleBookBlend))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sessionHandler func(http.ResponseWriter, *http.Request, *app.Session)

// authenticated verifies the bearer session token and resolves the caller's
// library session. The raw token travels with the session so provider-token
// exchanges stay current.
func (s *Server) authenticated(next sessionHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		subject, err := s.tokenVerifier.VerifySubject(token)
		if err != nil {
			slog.Warn("session token rejected", "path", r.URL.Path, "err", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, s.app.Session(subject, token))
	})
}

// library handlers

func (s *Server) handleLibrary(w http.ResponseWriter, r *http.Request, sess *app.Session) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if err := sess.Store.EnsureFresh(r.Context()); err != nil {
		writeLibraryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Store.Snapshot())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, sess *app.Session) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := sess.Store.RefreshAll(r.Context()); err != nil {
		writeLibraryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Store.Snapshot())
}

type shelfRequest struct {
	Shelf string       `json:"shelf"`
	Book  *domain.Book `json:"book,omitempty"`
}

// /api/library/books/{id}/shelf or /api/library/books/{id}/favorite
func (s *Server) handleLibraryBook(w http.ResponseWriter, r *http.Request, sess *app.Session) {
	path := strings.TrimPrefix(r.URL.Path, "/api/library/books/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	bookID := parts[0]

	switch parts[1] {
	case "shelf":
		s.handleShelf(w, r, sess, bookID)
	case "favorite":
		s.handleFavorite(w, r, sess, bookID)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleShelf(w http.ResponseWriter, r *http.Request, sess *app.Session, bookID string) {
	switch r.Method {
	case http.MethodPost:
		var req shelfRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		category := domain.ShelfCategory(strings.ToUpper(strings.TrimSpace(req.Shelf)))
		if !category.IsReadingShelf() {
			writeError(w, http.StatusBadRequest, "shelf must be one of WILL_READ, READING, HAVE_READ")
			return
		}
		if err := sess.Store.AddToShelf(r.Context(), bookID, category, mutateOptions(req.Book)); err != nil {
			writeLibraryError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess.Store.Snapshot())
	case http.MethodDelete:
		if err := sess.Store.RemoveFromShelf(r.Context(), bookID, mutateOptions(nil)); err != nil {
			writeLibraryError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess.Store.Snapshot())
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleFavorite(w http.ResponseWriter, r *http.Request, sess *app.Session, bookID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req shelfRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := sess.Store.ToggleFavorite(r.Context(), bookID, mutateOptions(req.Book)); err != nil {
		writeLibraryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Store.Snapshot())
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request, sess *app.Session) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	s.app.SignOut(sess.UserID)
	w.WriteHeader(http.StatusNoContent)
}

// catalog handlers

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	listing, err := s.app.Catalog().Discover(r.Context(), catalogDiscoverParams(q))
	if err != nil {
		writeError(w, http.StatusBadGateway, "catalog unavailable")
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	query := strings.TrimSpace(q.Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	startIndex := intParam(q.Get("startIndex"), 0)
	maxResults := intParam(q.Get("maxResults"), 10)
	reset := q.Get("reset") == "true"
	listing, err := s.app.Catalog().Search(r.Context(), query, startIndex, maxResults, reset)
	if err != nil {
		writeError(w, http.StatusBadGateway, "catalog unavailable")
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

// /api/books/{id}
func (s *Server) handleBookDetails(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/books/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	book, err := s.app.Catalog().BookDetails(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusBadGateway, "catalog unavailable")
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// assistant handlers

type bookTalkRequest struct {
	Book     domain.Book  `json:"book"`
	Messages []ai.Message `json:"messages"`
}

func (s *Server) handleBookTalk(w http.ResponseWriter, r *http.Request, sess *app.Session) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowAssistant(w, r, sess) {
		return
	}
	var req bookTalkRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	reply, err := s.app.Assistant().BookTalk(r.Context(), req.Book, req.Messages)
	if err != nil {
		writeAssistantError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

type bookBlendRequest struct {
	Books []domain.Book `json:"books"`
}

func (s *Server) handleBookBlend(w http.ResponseWriter, r *http.Request, sess *app.Session) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowAssistant(w, r, sess) {
		return
	}
	var req bookBlendRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	recs, err := s.app.Assistant().BookBlend(r.Context(), req.Books)
	if err != nil {
		writeAssistantError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recommendations": recs})
}

// allowAssistant gates the LLM endpoints: configured provider plus per-user
// rate limit.
func (s *Server) allowAssistant(w http.ResponseWriter, r *http.Request, sess *app.Session) bool {
	if s.app.Assistant() == nil {
		writeError(w, http.StatusServiceUnavailable, "assistant is not configured")
		return false
	}
	if s.assistantLimiter == nil {
		return true
	}
	key := sess.UserID + "|" + util.ClientIP(r, s.trustedProxies)
	if s.assistantLimiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, "too many assistant requests")
	return false
}

// helpers

func mutateOptions(book *domain.Book) bookshelf.MutateOptions {
	return bookshelf.MutateOptions{BookData: book}
}

func catalogDiscoverParams(q url.Values) catalog.DiscoverParams {
	get := func(key string) string {
		if vs := q[key]; len(vs) > 0 {
			return vs[0]
		}
		return ""
	}
	return catalog.DiscoverParams{
		StartIndex: intParam(get("startIndex"), 0),
		MaxResults: intParam(get("maxResults"), 0),
		Subject:    get("subject"),
		OrderBy:    get("orderBy"),
		PrintType:  get("printType"),
	}
}

func intParam(raw string, fallback int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeLibraryError maps store failures onto HTTP statuses: credential
// problems are 401 so clients trigger their re-auth flow, provider problems
// are 502.
func writeLibraryError(w http.ResponseWriter, err error) {
	if librarian.IsAuth(err) {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeError(w, http.StatusBadGateway, err.Error())
}

func writeAssistantError(w http.ResponseWriter, err error) {
	msg := err.Error()
	if strings.Contains(msg, "required") || strings.Contains(msg, "invalid") || strings.Contains(msg, "between") {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	writeError(w, http.StatusBadGateway, "assistant request failed")
}
