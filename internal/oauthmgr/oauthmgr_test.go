package oauthmgr

import (
	"context"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func TestAuthCodeURLIncludesState(t *testing.T) {
	m := New("client-id", "client-secret", "https://orchestrator.example/oauth/callback", NewMemoryTokenStore())
	url, err := m.AuthCodeURL()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if url == "" {
		t.Fatal("expected a non-empty authorization url")
	}
	if m.state == "" {
		t.Fatal("expected state to be recorded for the follow-up callback")
	}
}

func TestCallbackRejectsMismatchedState(t *testing.T) {
	m := New("client-id", "client-secret", "https://orchestrator.example/oauth/callback", NewMemoryTokenStore())
	if _, err := m.AuthCodeURL(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.Callback(context.Background(), "wrong-state", "some-code"); err == nil {
		t.Fatal("expected a state mismatch error")
	}
}

func TestCallbackRejectsWithNoPriorAuthCodeURL(t *testing.T) {
	m := New("client-id", "client-secret", "https://orchestrator.example/oauth/callback", NewMemoryTokenStore())
	if err := m.Callback(context.Background(), "any-state", "some-code"); err == nil {
		t.Fatal("expected an error when no auth flow was started")
	}
}

func TestHasTokenReflectsStore(t *testing.T) {
	store := NewMemoryTokenStore()
	m := New("client-id", "client-secret", "redirect", store)

	if m.HasToken(context.Background()) {
		t.Fatal("expected no token before any exchange")
	}
}

func TestClearRemovesStoredToken(t *testing.T) {
	store := NewMemoryTokenStore()
	if err := store.Save(context.Background(), &oauth2.Token{AccessToken: "access"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.Clear(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.Load(context.Background()); err == nil {
		t.Fatal("expected load to fail with no token stored")
	}
}

func TestMemoryTokenStoreRoundTrip(t *testing.T) {
	store := NewMemoryTokenStore()
	tok := &oauth2.Token{AccessToken: "access", RefreshToken: "refresh", Expiry: time.Now().Add(time.Hour)}
	if err := store.Save(context.Background(), tok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != tok {
		t.Fatal("expected the saved token to be returned unchanged")
	}

	if err := store.Clear(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.Load(context.Background()); err == nil {
		t.Fatal("expected load to fail after clear")
	}
}
