package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthenticationFailed means the credentials or code were wrong.
	ErrAuthenticationFailed = errors.New("remote: authentication failed")
	// ErrCodeExpired means the verification code was expired or invalidated
	// by the server. The caller should offer to resend it.
	ErrCodeExpired = errors.New("remote: verification code expired")
	// ErrUnauthorized means the stored tokens are unusable and the user must
	// sign in again.
	ErrUnauthorized = errors.New("remote: unauthorized")
	// ErrServerUnreachable covers transport failures and timeouts.
	ErrServerUnreachable = errors.New("remote: server unreachable")
	// ErrServer covers unexpected statuses and malformed responses.
	ErrServer = errors.New("remote: server error")
	// ErrNoIdentityForReference means a code was validated for a reference
	// whose originating email is no longer known.
	ErrNoIdentityForReference = errors.New("remote: no identity for reference")
)

// StatusError carries the HTTP status behind a classified failure.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: status %d: %v: %s", e.Op, e.StatusCode, e.Err, e.Body)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}
