package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every adapter. Use errors.Is to check.
var (
	ErrAuthConfig  = errors.New("storage: authentication not configured")
	ErrAuthRefresh = errors.New("storage: token refresh rejected")
	ErrAuthExpired = errors.New("storage: access token expired")
	ErrNotFound    = errors.New("storage: not found")
	ErrUnsupported = errors.New("storage: operation not supported")
	ErrConflict    = errors.New("storage: conflict")
	ErrProtocol    = errors.New("storage: unexpected provider response")
)

const maxErrorBody = 512

// ProviderError wraps a sentinel with the HTTP status and a truncated copy of
// the response body for diagnostics.
type ProviderError struct {
	Provider   string
	Op         string
	StatusCode int
	Body       string
	Err        error // sentinel, for errors.Is()
}

// NewProviderError truncates body to 512 bytes. A nil sentinel becomes
// ErrProtocol.
func NewProviderError(provider, op string, status int, body []byte, sentinel error) *ProviderError {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	if sentinel == nil {
		sentinel = ErrProtocol
	}
	return &ProviderError{
		Provider:   provider,
		Op:         op,
		StatusCode: status,
		Body:       string(body),
		Err:        sentinel,
	}
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s: %v: %s", e.Provider, e.Op, e.Err, e.Body)
	}
	return fmt.Sprintf("%s: %s: HTTP %d: %s", e.Provider, e.Op, e.StatusCode, e.Body)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Unsupported returns ErrUnsupported annotated with the provider and operation.
func Unsupported(provider, op string) error {
	return fmt.Errorf("%s: %s: %w", provider, op, ErrUnsupported)
}

// NotFound returns ErrNotFound annotated with the missing key.
func NotFound(provider, key string) error {
	return fmt.Errorf("%s: %q: %w", provider, key, ErrNotFound)
}

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
