// Package oauth implements the token lifecycle shared by the OAuth2 based
// adapters: ensure a usable access token, refresh through the provider or a
// relay, retry once on expiry, and report what changed.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"clouddav/internal/storage"
)

// Keys in the config and saving records.
const (
	KeyAccessToken  = "access_token"
	KeyExpiresAt    = "expires_at"
	KeyRefreshToken = "refresh_token"
	KeyClientID     = "client_id"
	KeyClientSecret = "client_secret"
	KeyRelayURL     = "refresh_relay_url"
)

// ExpiryMargin is how long before expiry a cached token is refreshed.
const ExpiryMargin = 5 * time.Minute

// Token is the result of one refresh exchange.
type Token struct {
	AccessToken  string
	RefreshToken string    // empty when the provider did not rotate it
	Expiry       time.Time // zero when unknown
	ExpiresIn    int64     // seconds, used when Expiry is zero
}

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*Token, error)
}

// Options configures a Manager.
type Options struct {
	Provider string
	// TrackExpiry enables the expires_at check. Providers without it refresh
	// only when no token is cached or after a rejected call.
	TrackExpiry bool
	// Refresher performs the provider exchange. Ignored when the config
	// carries refresh_relay_url.
	Refresher Refresher
	// Relay overrides the relay refresher (tests).
	Relay  Refresher
	Logger *slog.Logger
	Now    func() time.Time
}

// Manager owns an adapter's working copies of config and saving.
type Manager struct {
	mu          sync.Mutex
	provider    string
	config      storage.Settings
	saving      storage.Settings
	configDirty bool
	savingDirty bool
	trackExpiry bool
	refresher   Refresher
	logger      *slog.Logger
	now         func() time.Time
}

// NewManager copies config and saving; the caller's maps are never mutated.
func NewManager(config, saving storage.Settings, opts Options) *Manager {
	m := &Manager{
		provider:    opts.Provider,
		config:      config.Clone(),
		saving:      saving.Clone(),
		trackExpiry: opts.TrackExpiry,
		refresher:   opts.Refresher,
		logger:      opts.Logger,
		now:         opts.Now,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if relay := m.config.String(KeyRelayURL); relay != "" {
		if opts.Relay != nil {
			m.refresher = opts.Relay
		} else {
			m.refresher = &RelayRefresher{URL: relay}
		}
	}
	return m
}

// Config returns a copy of the working config.
func (m *Manager) Config() storage.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config.Clone()
}

// SavingString reads one value from the working saving record.
func (m *Manager) SavingString(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saving.String(key)
}

// SetSaving stores a derived value (drive id, account tier) and marks the
// saving record dirty when the value changed.
func (m *Manager) SetSaving(key string, v any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.saving[key]; ok && old == v {
		return
	}
	m.saving[key] = v
	m.savingDirty = true
}

// Current returns the cached access token without refreshing.
func (m *Manager) Current() string {
	return m.SavingString(KeyAccessToken)
}

// AccessToken returns a usable token, refreshing when none is cached or,
// for expiry-tracking providers, when it expires within ExpiryMargin.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok := m.saving.String(KeyAccessToken)
	if tok != "" && !m.expiringLocked() {
		return tok, nil
	}
	return m.refreshLocked(ctx)
}

// Refresh forces a refresh exchange.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshLocked(ctx)
}

func (m *Manager) expiringLocked() bool {
	if !m.trackExpiry {
		return false
	}
	exp := m.saving.Int64(KeyExpiresAt, 0)
	return exp == 0 || !m.now().Add(ExpiryMargin).Before(time.Unix(exp, 0))
}

func (m *Manager) refreshLocked(ctx context.Context) (string, error) {
	rt := m.config.String(KeyRefreshToken)
	if rt == "" {
		return "", fmt.Errorf("%s: missing refresh_token: %w", m.provider, storage.ErrAuthConfig)
	}
	if m.config.String(KeyRelayURL) == "" {
		if m.config.String(KeyClientID) == "" || m.config.String(KeyClientSecret) == "" {
			return "", fmt.Errorf("%s: missing client_id or client_secret: %w", m.provider, storage.ErrAuthConfig)
		}
	}
	if m.refresher == nil {
		return "", fmt.Errorf("%s: no token refresher: %w", m.provider, storage.ErrAuthConfig)
	}

	tok, err := m.refresher.Refresh(ctx, rt)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%s: refresh token: %w", m.provider, ctx.Err())
		}
		if errors.Is(err, storage.ErrAuthConfig) {
			return "", err
		}
		return "", fmt.Errorf("%s: %w: %w", m.provider, storage.ErrAuthRefresh, err)
	}
	if tok == nil || tok.AccessToken == "" {
		return "", fmt.Errorf("%s: empty access token: %w", m.provider, storage.ErrAuthRefresh)
	}

	m.saving[KeyAccessToken] = tok.AccessToken
	if m.trackExpiry {
		switch {
		case !tok.Expiry.IsZero():
			m.saving[KeyExpiresAt] = tok.Expiry.Unix()
		case tok.ExpiresIn > 0:
			m.saving[KeyExpiresAt] = m.now().Add(time.Duration(tok.ExpiresIn) * time.Second).Unix()
		}
	}
	m.savingDirty = true

	rotated := tok.RefreshToken != "" && tok.RefreshToken != rt
	if rotated {
		m.config[KeyRefreshToken] = tok.RefreshToken
		m.configDirty = true
	}

	m.logger.Debug("access token refreshed",
		slog.String("provider", m.provider),
		slog.Bool("refresh_token_rotated", rotated),
	)
	return tok.AccessToken, nil
}

// Do runs fn with a valid token. If fn fails with storage.ErrAuthExpired the
// token is refreshed and fn is replayed exactly once.
func (m *Manager) Do(ctx context.Context, fn func(token string) error) error {
	_, err := Call(ctx, m, func(token string) (struct{}, error) {
		return struct{}{}, fn(token)
	})
	return err
}

// Call is Do for functions returning a value.
func Call[T any](ctx context.Context, m *Manager, fn func(token string) (T, error)) (T, error) {
	var zero T
	tok, err := m.AccessToken(ctx)
	if err != nil {
		return zero, err
	}

	v, err := fn(tok)
	if !errors.Is(err, storage.ErrAuthExpired) {
		return v, err
	}

	m.logger.Info("access token rejected, refreshing", slog.String("provider", m.provider))
	tok, err = m.Refresh(ctx)
	if err != nil {
		return zero, err
	}
	return fn(tok)
}

// TakeDelta returns full copies of the records changed since the last call.
func (m *Manager) TakeDelta() storage.StateDelta {
	m.mu.Lock()
	defer m.mu.Unlock()

	var d storage.StateDelta
	if m.configDirty {
		d.Config = m.config.Clone()
		m.configDirty = false
	}
	if m.savingDirty {
		d.Saving = m.saving.Clone()
		m.savingDirty = false
	}
	return d
}

// CachedSource is an oauth2.TokenSource over the cached token. It never
// refreshes; callers wrap requests in Do so the cache is fresh.
func (m *Manager) CachedSource() oauth2.TokenSource {
	return cachedSource{m: m}
}

type cachedSource struct {
	m *Manager
}

func (s cachedSource) Token() (*oauth2.Token, error) {
	tok := s.m.Current()
	if tok == "" {
		return nil, fmt.Errorf("%s: no access token: %w", s.m.provider, storage.ErrAuthExpired)
	}
	return &oauth2.Token{AccessToken: tok, TokenType: "Bearer"}, nil
}
