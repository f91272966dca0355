package models

import "time"

// TokenBundle is the access/refresh token pair stored per user email.
type TokenBundle struct {
	AccessToken        string    `json:"access_token"`
	AccessTokenExpiry  time.Time `json:"access_token_expiry"`
	RefreshToken       string    `json:"refresh_token"`
	RefreshTokenExpiry time.Time `json:"refresh_token_expiry"`
}

// AccessExpired reports whether the access token is unusable at now.
func (b TokenBundle) AccessExpired(now time.Time) bool {
	return b.AccessToken == "" || !now.Before(b.AccessTokenExpiry)
}

// RefreshExpired reports whether the refresh token is unusable at now.
// A zero expiry means the server did not declare one.
func (b TokenBundle) RefreshExpired(now time.Time) bool {
	if b.RefreshToken == "" {
		return true
	}
	return !b.RefreshTokenExpiry.IsZero() && !now.Before(b.RefreshTokenExpiry)
}
