package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"libris/internal/librarian"
)

// Client calls the identity provider's session and token-exchange endpoints.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New constructs an identity provider client.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// TokenSource binds a client to one session so the librarian client can
// request fresh provider tokens without knowing about sessions. The session
// token is replaceable because sessions rotate their JWT between requests.
type TokenSource struct {
	client   *Client
	provider string

	mu           sync.Mutex
	sessionToken string
}

// TokenSourceFor returns a librarian.TokenSource exchanging the given
// session for provider tokens.
func (c *Client) TokenSourceFor(sessionToken, provider string) *TokenSource {
	return &TokenSource{client: c, sessionToken: sessionToken, provider: provider}
}

// SetSessionToken replaces the session token used for future exchanges.
func (s *TokenSource) SetSessionToken(token string) {
	s.mu.Lock()
	s.sessionToken = token
	s.mu.Unlock()
}

// ProviderToken implements librarian.TokenSource.
func (s *TokenSource) ProviderToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	token := s.sessionToken
	s.mu.Unlock()
	return s.client.ExchangeProviderToken(ctx, token, s.provider)
}

var _ librarian.TokenSource = (*TokenSource)(nil)

// CurrentUser resolves the session to a user ID. Returns AuthError when no
// valid session exists.
func (c *Client) CurrentUser(ctx context.Context, sessionToken string) (string, error) {
	var resp struct {
		UserID string `json:"userId"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/sessions/me", sessionToken, &resp); err != nil {
		return "", err
	}
	if resp.UserID == "" {
		return "", &librarian.AuthError{Message: "user not authenticated"}
	}
	return resp.UserID, nil
}

// ExchangeProviderToken obtains a fresh OAuth access token for the named
// external provider on behalf of the session's user. A missing or revoked
// linked credential is an AuthError: the UI contract is to force re-auth.
func (c *Client) ExchangeProviderToken(ctx context.Context, sessionToken, provider string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	path := fmt.Sprintf("/v1/sessions/me/oauth/%s/token", provider)
	if err := c.doJSON(ctx, http.MethodGet, path, sessionToken, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Token) == "" {
		return "", &librarian.AuthError{Message: fmt.Sprintf("no %s OAuth token available; please reconnect your account", provider)}
	}
	return resp.Token, nil
}

func (c *Client) doJSON(ctx context.Context, method, path, sessionToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+sessionToken)
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &librarian.AuthError{Message: fmt.Sprintf("identity provider unreachable: %v", err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound {
		return &librarian.AuthError{Message: "session invalid or credential not linked; please sign in again"}
	}
	if resp.StatusCode >= 400 {
		return &librarian.RemoteError{Status: resp.StatusCode, Message: resp.Status}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
