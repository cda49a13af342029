// Package oauthmgr drives the OAuth2 authorization-code exchange that
// obtains a long-lived refresh token for the YouTube Data/Live Streaming
// API, backing the /oauth/* endpoints: build an oauth2.Config once from
// configuration and exchange the code on callback.
package oauthmgr

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// TokenStore persists the exchanged refresh token. A real deployment
// would back this with a small encrypted file or secret manager entry;
// tests use an in-memory implementation.
type TokenStore interface {
	Save(ctx context.Context, token *oauth2.Token) error
	Load(ctx context.Context) (*oauth2.Token, error)
	Clear(ctx context.Context) error
}

// Manager owns the oauth2.Config and the current token.
type Manager struct {
	cfg   *oauth2.Config
	store TokenStore

	mu    sync.Mutex
	state string
}

// New builds a Manager for YouTube's force-ssl scope.
func New(clientID, clientSecret, redirectURL string, store TokenStore) *Manager {
	return &Manager{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     google.Endpoint,
			Scopes: []string{
				"https://www.googleapis.com/auth/youtube",
				"https://www.googleapis.com/auth/youtube.force-ssl",
			},
		},
		store: store,
	}
}

// AuthCodeURL generates a fresh CSRF state token and returns the URL to
// send the operator's browser to.
func (m *Manager) AuthCodeURL() (string, error) {
	state, err := randomState()
	if err != nil {
		return "", fmt.Errorf("oauthmgr: generating state: %w", err)
	}

	m.mu.Lock()
	m.state = state
	m.mu.Unlock()

	return m.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// Callback validates state and exchanges code for a token, persisting it
// via the TokenStore.
func (m *Manager) Callback(ctx context.Context, state, code string) error {
	m.mu.Lock()
	expected := m.state
	m.state = ""
	m.mu.Unlock()

	if expected == "" || state != expected {
		return fmt.Errorf("oauthmgr: state mismatch")
	}

	token, err := m.cfg.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("oauthmgr: exchanging code: %w", err)
	}

	return m.store.Save(ctx, token)
}

// ExchangeCode exchanges an authorization code obtained outside the
// /oauth/callback browser redirect (e.g. supplied directly by an
// operator tool via POST /oauth/token) without a CSRF state check, and
// persists the resulting token.
func (m *Manager) ExchangeCode(ctx context.Context, code string) error {
	token, err := m.cfg.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("oauthmgr: exchanging code: %w", err)
	}
	return m.store.Save(ctx, token)
}

// HasToken reports whether a refresh token is currently stored.
func (m *Manager) HasToken(ctx context.Context) bool {
	_, err := m.store.Load(ctx)
	return err == nil
}

// Clear removes the stored token; subsequent broadcast calls fail with
// YOUTUBE_SETUP_FAILED until a new token is supplied.
func (m *Manager) Clear(ctx context.Context) error {
	return m.store.Clear(ctx)
}

// TokenSource returns an oauth2.TokenSource backed by the stored
// refresh token, transparently refreshing the access token as needed.
// Used to build the YouTube API client.
func (m *Manager) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	token, err := m.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("oauthmgr: loading stored token: %w", err)
	}
	return m.cfg.TokenSource(ctx, token), nil
}

func randomState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// MemoryTokenStore is an in-memory TokenStore; its token does not
// survive a restart. cmd/orchestrator uses it in every mode, and tests
// use it too.
type MemoryTokenStore struct {
	mu    sync.Mutex
	token *oauth2.Token
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{}
}

func (s *MemoryTokenStore) Save(_ context.Context, token *oauth2.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return nil
}

func (s *MemoryTokenStore) Load(_ context.Context) (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == nil {
		return nil, fmt.Errorf("oauthmgr: no token stored, complete the /oauth/auth-url flow first")
	}
	return s.token, nil
}

func (s *MemoryTokenStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = nil
	return nil
}
