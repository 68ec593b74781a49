package streamlabs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/teamcovey/worldflight-edge/internal/config"
	"github.com/teamcovey/worldflight-edge/internal/kvstore"
	"github.com/teamcovey/worldflight-edge/internal/logging"
)

// Manager owns the OAuth credential lifecycle: starting and completing the
// authorization handshake, loading a usable token, refreshing it, and
// disconnecting. The store may be nil, in which case only the fallback
// access token path works.
type Manager struct {
	cfg    *config.Provider
	store  kvstore.Store
	svc    *Service
	logger *log.Entry
}

// NewManager wires the lifecycle manager.
func NewManager(cfg *config.Provider, store kvstore.Store, svc *Service) *Manager {
	return &Manager{
		cfg:    cfg,
		store:  store,
		svc:    svc,
		logger: log.WithField("component", "streamlabs"),
	}
}

// stateEnvelope is the stored value of a one-shot OAuth state entry.
type stateEnvelope struct {
	CreatedAt time.Time `json:"createdAt"`
}

// RedirectURI returns the configured redirect URI, or the conventional
// {origin}/streamlabs/callback when none is configured.
func (m *Manager) RedirectURI(origin string) string {
	cfg := m.cfg.Snapshot()
	if cfg.Streamlabs.RedirectURI != "" {
		return cfg.Streamlabs.RedirectURI
	}
	return origin + "/streamlabs/callback"
}

// ConfiguredRedirectURI returns the explicitly configured redirect URI, or
// empty when the origin-derived default is in use.
func (m *Manager) ConfiguredRedirectURI() string {
	return m.cfg.Snapshot().Streamlabs.RedirectURI
}

// ExpectedUsername returns the normalized expected account username.
func (m *Manager) ExpectedUsername() string {
	return NormalizeUsername(m.cfg.Snapshot().Streamlabs.ExpectedUsername)
}

// HasStore reports whether a credential store is configured.
func (m *Manager) HasStore() bool {
	return m.store != nil
}

// BeginAuthorization issues a fresh state token, persists it with a short
// TTL, and returns the provider authorization URL to redirect to.
func (m *Manager) BeginAuthorization(ctx context.Context, origin string) (string, error) {
	cfg := m.cfg.Snapshot()
	if m.store == nil {
		return "", &ConfigError{Reason: "credential store is not configured; set redis-url before using /streamlabs/connect"}
	}
	if cfg.Streamlabs.ClientID == "" {
		return "", &ConfigError{Reason: "STREAMLABS_CLIENT_ID is not configured"}
	}

	state, err := newStateToken()
	if err != nil {
		return "", err
	}
	envelope, err := json.Marshal(stateEnvelope{CreatedAt: time.Now().UTC()})
	if err != nil {
		return "", err
	}
	if err := m.store.Put(ctx, statePrefix+state, string(envelope), stateTTL); err != nil {
		return "", err
	}

	m.logger.Info("authorization flow started")
	return m.svc.AuthorizationURL(cfg.Streamlabs.ClientID, m.RedirectURI(origin), cfg.Streamlabs.Scopes, state), nil
}

// CompleteAuthorization validates the callback, exchanges the code, verifies
// the connected account and persists the resulting token record.
func (m *Manager) CompleteAuthorization(ctx context.Context, code, state, origin string) (*TokenRecord, error) {
	if m.store == nil {
		return nil, &ConfigError{Reason: "credential store is not configured"}
	}
	if code == "" || state == "" {
		return nil, &BadRequestError{Reason: "missing code or state in callback URL"}
	}

	// Consume the state entry in one step; a replayed callback finds nothing.
	if _, err := m.store.GetDel(ctx, statePrefix+state); err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, ErrInvalidState
		}
		return nil, err
	}

	cfg := m.cfg.Snapshot()
	if cfg.Streamlabs.ClientID == "" || cfg.Streamlabs.ClientSecret == "" {
		return nil, &ConfigError{Reason: "STREAMLABS_CLIENT_ID and STREAMLABS_CLIENT_SECRET must be configured"}
	}

	payload, err := m.svc.ExchangeCode(ctx, code, m.RedirectURI(origin), cfg.Streamlabs.ClientID, cfg.Streamlabs.ClientSecret)
	if err != nil {
		return nil, err
	}

	accessToken := SanitizeToken(payload.AccessToken)
	refreshToken := SanitizeToken(payload.RefreshToken)
	if accessToken == "" {
		return nil, &UpstreamError{Status: http.StatusBadGateway, Message: "token exchange succeeded but no usable access token was returned"}
	}

	profile, err := m.svc.FetchProfile(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	candidates := ExtractUsernames(profile)
	expected := NormalizeUsername(cfg.Streamlabs.ExpectedUsername)
	verified := false
	accountUsername := ""
	if len(candidates) > 0 {
		accountUsername = candidates[0]
	}
	if expected != "" && len(candidates) > 0 {
		for _, candidate := range candidates {
			if candidate == expected {
				accountUsername = expected
				verified = true
				break
			}
		}
		if !verified {
			return nil, &AccountMismatchError{Expected: expected, Actual: accountUsername}
		}
	}

	now := time.Now().UTC()
	scope := payload.Scope
	if scope == "" {
		scope = cfg.Streamlabs.Scopes
	}
	record := &TokenRecord{
		AccessToken:     accessToken,
		RefreshToken:    refreshToken,
		ExpiresAt:       expiresAtFrom(payload.ExpiresIn, now),
		Scope:           scope,
		TokenType:       payload.TokenType,
		AccountUsername: accountUsername,
		AccountVerified: verified,
		ConnectedAt:     now,
		UpdatedAt:       now,
		Source:          TokenSourceStore,
	}
	if err := m.persist(ctx, record); err != nil {
		return nil, err
	}

	m.logger.WithFields(log.Fields{
		"account_username": record.AccountUsername,
		"account_verified": record.AccountVerified,
		"has_refresh":      record.RefreshToken != "",
	}).Info("streamlabs account connected")
	return record, nil
}

// LoadToken returns the current token record: the stored record when one is
// usable, else a synthetic record wrapping the configured fallback access
// token. A nil record with nil error means the service is not connected.
func (m *Manager) LoadToken(ctx context.Context) (*TokenRecord, error) {
	if m.store != nil {
		raw, err := m.store.Get(ctx, tokenKey)
		switch {
		case err == nil:
			var record TokenRecord
			// Malformed stored data is treated as absent, not fatal.
			if jsonErr := json.Unmarshal([]byte(raw), &record); jsonErr == nil {
				record.AccessToken = SanitizeToken(record.AccessToken)
				record.RefreshToken = SanitizeToken(record.RefreshToken)
				record.AccountUsername = NormalizeUsername(record.AccountUsername)
				if record.AccessToken != "" {
					record.Source = TokenSourceStore
					return &record, nil
				}
			} else {
				m.logger.WithError(jsonErr).Warn("ignoring malformed stored token record")
			}
		case errors.Is(err, kvstore.ErrNotFound):
			// fall through to the fallback token
		default:
			return nil, err
		}
	}

	if fallback := SanitizeToken(m.cfg.Snapshot().Streamlabs.FallbackAccessToken); fallback != "" {
		return &TokenRecord{AccessToken: fallback, Source: TokenSourceFallback}, nil
	}
	return nil, nil
}

// CanRefresh reports whether the one refresh-and-retry attempt is possible
// for the given record.
func (m *Manager) CanRefresh(record *TokenRecord) bool {
	if record == nil || record.RefreshToken == "" || m.store == nil {
		return false
	}
	cfg := m.cfg.Snapshot()
	return cfg.Streamlabs.ClientID != "" && cfg.Streamlabs.ClientSecret != ""
}

// Refresh exchanges the refresh token for a new token set and persists the
// updated record. Refreshing without a store is disallowed: an unpersisted
// rotation would invalidate the stored refresh token and force re-auth loops.
func (m *Manager) Refresh(ctx context.Context, record *TokenRecord) (*TokenRecord, error) {
	if m.store == nil {
		return nil, &ConfigError{Reason: "credential store is required to persist a refreshed token"}
	}
	if record == nil || record.RefreshToken == "" {
		return nil, &ConfigError{Reason: "no refresh token available"}
	}
	cfg := m.cfg.Snapshot()
	if cfg.Streamlabs.ClientID == "" || cfg.Streamlabs.ClientSecret == "" {
		return nil, &ConfigError{Reason: "client credentials are required to refresh"}
	}

	payload, err := m.svc.RefreshToken(ctx, record.RefreshToken, cfg.Streamlabs.ClientID, cfg.Streamlabs.ClientSecret)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	updated := &TokenRecord{
		AccessToken:     SanitizeToken(payload.AccessToken),
		RefreshToken:    SanitizeToken(payload.RefreshToken),
		ExpiresAt:       expiresAtFrom(payload.ExpiresIn, now),
		Scope:           payload.Scope,
		TokenType:       payload.TokenType,
		AccountUsername: record.AccountUsername,
		AccountVerified: record.AccountVerified,
		ConnectedAt:     record.ConnectedAt,
		UpdatedAt:       now,
		Source:          TokenSourceStore,
	}
	// The provider may omit rotated values; keep the previous ones.
	if updated.AccessToken == "" {
		updated.AccessToken = record.AccessToken
	}
	if updated.RefreshToken == "" {
		updated.RefreshToken = record.RefreshToken
	}
	if updated.Scope == "" {
		updated.Scope = record.Scope
	}
	if updated.TokenType == "" {
		updated.TokenType = record.TokenType
	}
	if updated.ConnectedAt.IsZero() {
		updated.ConnectedAt = now
	}

	if err := m.persist(ctx, updated); err != nil {
		return nil, err
	}
	m.logger.WithField("access_token", logging.MaskToken(updated.AccessToken)).Info("access token refreshed")
	return updated, nil
}

// Disconnect removes the stored token record. Removing an absent record is
// not an error.
func (m *Manager) Disconnect(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.Delete(ctx, tokenKey); err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		return err
	}
	m.logger.Info("stored streamlabs token removed")
	return nil
}

func (m *Manager) persist(ctx context.Context, record *TokenRecord) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return m.store.Put(ctx, tokenKey, string(encoded), 0)
}
