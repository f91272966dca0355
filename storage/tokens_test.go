package storage

import (
	"errors"
	"testing"
	"time"

	"homereach/models"
)

func TestTokenBundleLifecycle(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.LoadTokens("alice@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before save, got %v", err)
	}

	expiry := time.UnixMilli(nowUnixMilli() + 60_000)
	bundle := models.TokenBundle{
		AccessToken:       "access-1",
		AccessTokenExpiry: expiry,
		RefreshToken:      "refresh-1",
	}
	if err := store.SaveTokens("Alice@Example.com ", bundle); err != nil {
		t.Fatalf("SaveTokens failed: %v", err)
	}

	loaded, err := store.LoadTokens("alice@example.com")
	if err != nil {
		t.Fatalf("LoadTokens failed: %v", err)
	}
	if loaded.AccessToken != "access-1" || loaded.RefreshToken != "refresh-1" {
		t.Fatalf("unexpected tokens: %+v", loaded)
	}
	if !loaded.AccessTokenExpiry.Equal(expiry) {
		t.Fatalf("expected access expiry %v, got %v", expiry, loaded.AccessTokenExpiry)
	}
	if !loaded.RefreshTokenExpiry.IsZero() {
		t.Fatalf("expected zero refresh expiry, got %v", loaded.RefreshTokenExpiry)
	}

	bundle.AccessToken = "access-2"
	bundle.RefreshTokenExpiry = expiry.Add(time.Hour)
	if err := store.SaveTokens("alice@example.com", bundle); err != nil {
		t.Fatalf("SaveTokens overwrite failed: %v", err)
	}
	loaded, err = store.LoadTokens("alice@example.com")
	if err != nil {
		t.Fatalf("LoadTokens after overwrite failed: %v", err)
	}
	if loaded.AccessToken != "access-2" {
		t.Fatalf("expected overwritten access token, got %q", loaded.AccessToken)
	}
	if !loaded.RefreshTokenExpiry.Equal(expiry.Add(time.Hour)) {
		t.Fatalf("unexpected refresh expiry %v", loaded.RefreshTokenExpiry)
	}

	if err := store.ClearTokens("alice@example.com"); err != nil {
		t.Fatalf("ClearTokens failed: %v", err)
	}
	if _, err := store.LoadTokens("alice@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after clear, got %v", err)
	}
	if err := store.ClearTokens("alice@example.com"); err != nil {
		t.Fatalf("expected clearing a missing bundle to succeed, got %v", err)
	}
}

func TestSaveTokensValidation(t *testing.T) {
	store := newTestStore(t)

	if err := store.SaveTokens(" ", models.TokenBundle{AccessToken: "a"}); err == nil {
		t.Fatalf("expected error for empty email")
	}
	if err := store.SaveTokens("bob@example.com", models.TokenBundle{}); err == nil {
		t.Fatalf("expected error for empty access token")
	}
}
