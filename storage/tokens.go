package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"homereach/models"
)

func normalizeEmail(email string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(email))
	if key == "" {
		return "", errors.New("user email is required")
	}
	return key, nil
}

// SaveTokens upserts the token bundle for a user.
func (s *Store) SaveTokens(email string, bundle models.TokenBundle) error {
	key, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	if bundle.AccessToken == "" {
		return errors.New("access_token is required")
	}

	_, err = s.db.Exec(
		`INSERT INTO token_bundles (
			user_email,
			access_token,
			access_token_expiry,
			refresh_token,
			refresh_token_expiry,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_email) DO UPDATE SET
			access_token = excluded.access_token,
			access_token_expiry = excluded.access_token_expiry,
			refresh_token = excluded.refresh_token,
			refresh_token_expiry = excluded.refresh_token_expiry,
			updated_at = excluded.updated_at`,
		key,
		bundle.AccessToken,
		bundle.AccessTokenExpiry.UnixMilli(),
		bundle.RefreshToken,
		nullTime(bundle.RefreshTokenExpiry),
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save tokens for %q: %w", key, err)
	}
	return nil
}

// LoadTokens returns the stored bundle, or ErrNotFound.
func (s *Store) LoadTokens(email string) (models.TokenBundle, error) {
	key, err := normalizeEmail(email)
	if err != nil {
		return models.TokenBundle{}, err
	}

	var (
		bundle        models.TokenBundle
		accessExpiry  int64
		refreshExpiry sql.NullInt64
	)
	err = s.db.QueryRow(
		`SELECT access_token, access_token_expiry, refresh_token, refresh_token_expiry
		FROM token_bundles
		WHERE user_email = ?`,
		key,
	).Scan(&bundle.AccessToken, &accessExpiry, &bundle.RefreshToken, &refreshExpiry)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.TokenBundle{}, ErrNotFound
		}
		return models.TokenBundle{}, fmt.Errorf("load tokens for %q: %w", key, err)
	}

	bundle.AccessTokenExpiry = time.UnixMilli(accessExpiry)
	bundle.RefreshTokenExpiry = timeFromNull(refreshExpiry)
	return bundle, nil
}

// ClearTokens removes the stored bundle. Clearing a missing bundle is not an error.
func (s *Store) ClearTokens(email string) error {
	key, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(`DELETE FROM token_bundles WHERE user_email = ?`, key); err != nil {
		return fmt.Errorf("clear tokens for %q: %w", key, err)
	}
	return nil
}
