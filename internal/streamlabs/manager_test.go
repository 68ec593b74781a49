package streamlabs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/teamcovey/worldflight-edge/internal/config"
	"github.com/teamcovey/worldflight-edge/internal/kvstore"
)

func testProvider(streamlabs config.Streamlabs) *config.Provider {
	return config.NewProvider("", &config.Config{Streamlabs: streamlabs})
}

// providerStub fakes the token and user endpoints behind a Service.
type providerStub struct {
	tokenResponse map[string]interface{}
	userResponse  map[string]interface{}
	tokenCalls    int
	userCalls     int
}

func (p *providerStub) start(t *testing.T) (*httptest.Server, *Service) {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			p.tokenCalls++
			_ = json.NewEncoder(w).Encode(p.tokenResponse)
		case "/user":
			p.userCalls++
			_ = json.NewEncoder(w).Encode(p.userResponse)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(ts.Close)
	svc := NewService()
	svc.SetAPIBase(ts.URL)
	return ts, svc
}

func seedState(t *testing.T, store kvstore.Store) string {
	t.Helper()
	envelope, _ := json.Marshal(stateEnvelope{CreatedAt: time.Now().UTC()})
	if err := store.Put(context.Background(), statePrefix+"state-1", string(envelope), stateTTL); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	return "state-1"
}

func TestBeginAuthorization(t *testing.T) {
	store := kvstore.NewMemoryStore()
	mgr := NewManager(testProvider(config.Streamlabs{
		ClientID:    "client-1",
		RedirectURI: "https://edge.example/streamlabs/callback",
		Scopes:      "donations.read",
	}), store, NewService())

	authURL, err := mgr.BeginAuthorization(context.Background(), "https://edge.example")
	if err != nil {
		t.Fatalf("BeginAuthorization: %v", err)
	}
	parsed, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	query := parsed.Query()
	if query.Get("client_id") != "client-1" {
		t.Errorf("client_id = %q", query.Get("client_id"))
	}
	if query.Get("redirect_uri") != "https://edge.example/streamlabs/callback" {
		t.Errorf("redirect_uri = %q", query.Get("redirect_uri"))
	}
	state := query.Get("state")
	if state == "" {
		t.Fatal("auth url carries no state")
	}
	if _, err := store.Get(context.Background(), statePrefix+state); err != nil {
		t.Errorf("state was not persisted: %v", err)
	}
}

func TestBeginAuthorizationRequiresStore(t *testing.T) {
	mgr := NewManager(testProvider(config.Streamlabs{ClientID: "client-1"}), nil, NewService())
	_, err := mgr.BeginAuthorization(context.Background(), "https://edge.example")
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want *ConfigError", err)
	}
}

func TestCompleteAuthorization(t *testing.T) {
	stub := &providerStub{
		tokenResponse: map[string]interface{}{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
			"expires_in":    3600,
			"token_type":    "Bearer",
		},
		userResponse: map[string]interface{}{
			"streamlabs": map[string]interface{}{"username": "TeamCovey"},
		},
	}
	_, svc := stub.start(t)
	store := kvstore.NewMemoryStore()
	mgr := NewManager(testProvider(config.Streamlabs{
		ClientID:         "client-1",
		ClientSecret:     "secret-1",
		Scopes:           "donations.read",
		ExpectedUsername: "teamcovey",
	}), store, svc)
	state := seedState(t, store)

	record, err := mgr.CompleteAuthorization(context.Background(), "code-1", state, "https://edge.example")
	if err != nil {
		t.Fatalf("CompleteAuthorization: %v", err)
	}
	if record.AccessToken != "access-1" || record.RefreshToken != "refresh-1" {
		t.Errorf("record tokens = %q/%q", record.AccessToken, record.RefreshToken)
	}
	if record.AccountUsername != "teamcovey" || !record.AccountVerified {
		t.Errorf("account = %q verified=%v, want teamcovey verified", record.AccountUsername, record.AccountVerified)
	}
	if record.ExpiresAt == nil {
		t.Error("ExpiresAt should be set from expires_in")
	}

	raw, err := store.Get(context.Background(), tokenKey)
	if err != nil {
		t.Fatalf("token record was not persisted: %v", err)
	}
	var stored TokenRecord
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		t.Fatalf("stored record is not JSON: %v", err)
	}
	if stored.AccessToken != "access-1" {
		t.Errorf("stored access token = %q", stored.AccessToken)
	}

	// State is one-shot; replaying the callback must fail without touching
	// the provider again.
	before := stub.tokenCalls
	if _, err := mgr.CompleteAuthorization(context.Background(), "code-1", state, "https://edge.example"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("replayed callback error = %v, want ErrInvalidState", err)
	}
	if stub.tokenCalls != before {
		t.Error("replayed callback must not reach the token endpoint")
	}
}

func TestCompleteAuthorizationUnknownState(t *testing.T) {
	stub := &providerStub{tokenResponse: map[string]interface{}{"access_token": "x"}}
	_, svc := stub.start(t)
	store := kvstore.NewMemoryStore()
	mgr := NewManager(testProvider(config.Streamlabs{
		ClientID:     "client-1",
		ClientSecret: "secret-1",
	}), store, svc)

	_, err := mgr.CompleteAuthorization(context.Background(), "code-1", "never-issued", "https://edge.example")
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("error = %v, want ErrInvalidState", err)
	}
	if stub.tokenCalls != 0 {
		t.Error("unknown state must not reach the token endpoint")
	}
}

func TestCompleteAuthorizationMissingParams(t *testing.T) {
	store := kvstore.NewMemoryStore()
	mgr := NewManager(testProvider(config.Streamlabs{ClientID: "client-1", ClientSecret: "secret-1"}), store, NewService())
	_, err := mgr.CompleteAuthorization(context.Background(), "", "", "https://edge.example")
	var badReq *BadRequestError
	if !errors.As(err, &badReq) {
		t.Fatalf("error = %v, want *BadRequestError", err)
	}
}

func TestCompleteAuthorizationAccountMismatch(t *testing.T) {
	stub := &providerStub{
		tokenResponse: map[string]interface{}{"access_token": "access-1"},
		userResponse: map[string]interface{}{
			"streamlabs": map[string]interface{}{"username": "someone-else"},
		},
	}
	_, svc := stub.start(t)
	store := kvstore.NewMemoryStore()
	mgr := NewManager(testProvider(config.Streamlabs{
		ClientID:         "client-1",
		ClientSecret:     "secret-1",
		ExpectedUsername: "teamcovey",
	}), store, svc)
	state := seedState(t, store)

	_, err := mgr.CompleteAuthorization(context.Background(), "code-1", state, "https://edge.example")
	var mismatch *AccountMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("error = %v, want *AccountMismatchError", err)
	}
	if mismatch.Expected != "teamcovey" || mismatch.Actual != "someone-else" {
		t.Errorf("mismatch = %+v", mismatch)
	}
	if _, err := store.Get(context.Background(), tokenKey); !errors.Is(err, kvstore.ErrNotFound) {
		t.Error("a mismatched token must not be persisted")
	}
}

func TestLoadTokenFallback(t *testing.T) {
	store := kvstore.NewMemoryStore()
	mgr := NewManager(testProvider(config.Streamlabs{
		FallbackAccessToken: "  fallback-token\n",
	}), store, NewService())

	record, err := mgr.LoadToken(context.Background())
	if err != nil {
		t.Fatalf("LoadToken: %v", err)
	}
	if record == nil || record.AccessToken != "fallback-token" {
		t.Fatalf("record = %+v, want sanitized fallback token", record)
	}
	if record.Source != TokenSourceFallback {
		t.Errorf("Source = %q, want %q", record.Source, TokenSourceFallback)
	}
}

func TestLoadTokenNotConnected(t *testing.T) {
	mgr := NewManager(testProvider(config.Streamlabs{}), kvstore.NewMemoryStore(), NewService())
	record, err := mgr.LoadToken(context.Background())
	if err != nil || record != nil {
		t.Fatalf("LoadToken = (%+v, %v), want (nil, nil)", record, err)
	}
}

func TestLoadTokenMalformedFallsBack(t *testing.T) {
	store := kvstore.NewMemoryStore()
	if err := store.Put(context.Background(), tokenKey, "{not json", 0); err != nil {
		t.Fatal(err)
	}
	mgr := NewManager(testProvider(config.Streamlabs{
		FallbackAccessToken: "fallback-token",
	}), store, NewService())

	record, err := mgr.LoadToken(context.Background())
	if err != nil {
		t.Fatalf("LoadToken: %v", err)
	}
	if record == nil || record.Source != TokenSourceFallback {
		t.Fatalf("record = %+v, want fallback record", record)
	}
}

func TestLoadTokenStored(t *testing.T) {
	store := kvstore.NewMemoryStore()
	stored, _ := json.Marshal(TokenRecord{AccessToken: "access-1", RefreshToken: "refresh-1", AccountUsername: "@TeamCovey"})
	if err := store.Put(context.Background(), tokenKey, string(stored), 0); err != nil {
		t.Fatal(err)
	}
	mgr := NewManager(testProvider(config.Streamlabs{}), store, NewService())

	record, err := mgr.LoadToken(context.Background())
	if err != nil {
		t.Fatalf("LoadToken: %v", err)
	}
	if record.Source != TokenSourceStore {
		t.Errorf("Source = %q, want %q", record.Source, TokenSourceStore)
	}
	if record.AccountUsername != "teamcovey" {
		t.Errorf("AccountUsername = %q, want normalized", record.AccountUsername)
	}
}

func TestRefreshKeepsOmittedValues(t *testing.T) {
	stub := &providerStub{
		// Rotated access token only; everything else omitted.
		tokenResponse: map[string]interface{}{"access_token": "access-2"},
	}
	_, svc := stub.start(t)
	store := kvstore.NewMemoryStore()
	mgr := NewManager(testProvider(config.Streamlabs{
		ClientID:     "client-1",
		ClientSecret: "secret-1",
	}), store, svc)

	connectedAt := time.Now().Add(-time.Hour).UTC()
	previous := &TokenRecord{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		Scope:        "donations.read",
		TokenType:    "Bearer",
		ConnectedAt:  connectedAt,
		Source:       TokenSourceStore,
	}
	if !mgr.CanRefresh(previous) {
		t.Fatal("CanRefresh should hold with refresh token, store and credentials")
	}

	updated, err := mgr.Refresh(context.Background(), previous)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if updated.AccessToken != "access-2" {
		t.Errorf("AccessToken = %q, want rotated value", updated.AccessToken)
	}
	if updated.RefreshToken != "refresh-1" || updated.Scope != "donations.read" || updated.TokenType != "Bearer" {
		t.Errorf("omitted fields were not carried over: %+v", updated)
	}
	if !updated.ConnectedAt.Equal(connectedAt) {
		t.Errorf("ConnectedAt = %v, want original %v", updated.ConnectedAt, connectedAt)
	}
	if _, err := store.Get(context.Background(), tokenKey); err != nil {
		t.Errorf("refreshed record was not persisted: %v", err)
	}
}

func TestRefreshRequiresStore(t *testing.T) {
	mgr := NewManager(testProvider(config.Streamlabs{
		ClientID:     "client-1",
		ClientSecret: "secret-1",
	}), nil, NewService())
	record := &TokenRecord{AccessToken: "a", RefreshToken: "r"}
	if mgr.CanRefresh(record) {
		t.Error("CanRefresh must be false without a store")
	}
	if _, err := mgr.Refresh(context.Background(), record); err == nil {
		t.Error("Refresh without a store must fail")
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	store := kvstore.NewMemoryStore()
	if err := store.Put(context.Background(), tokenKey, "{}", 0); err != nil {
		t.Fatal(err)
	}
	mgr := NewManager(testProvider(config.Streamlabs{}), store, NewService())

	if err := mgr.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := mgr.Disconnect(context.Background()); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	if _, err := store.Get(context.Background(), tokenKey); !errors.Is(err, kvstore.ErrNotFound) {
		t.Error("token record should be gone")
	}
}
