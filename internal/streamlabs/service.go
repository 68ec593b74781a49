package streamlabs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	// DefaultAPIBase is the Streamlabs v2 API root.
	DefaultAPIBase = "https://streamlabs.com/api/v2.0"

	authorizePath = "/authorize"
	tokenPath     = "/token"
	donationsPath = "/donations"
	userPath      = "/user"

	// defaultUpstreamTimeout bounds every provider call. Expiry surfaces as
	// a 504-class UpstreamError instead of hanging the caller.
	defaultUpstreamTimeout = 15 * time.Second

	// errorBodyPreview caps how much of a non-JSON error body is echoed back.
	errorBodyPreview = 220
)

// Service is the HTTP client for the Streamlabs API: authorization URL
// construction, token exchange and refresh, profile fetch, and donation
// listing pages.
type Service struct {
	apiBase    string
	httpClient *http.Client
	timeout    time.Duration
}

// NewService creates a Service against the production API.
func NewService() *Service {
	return &Service{
		apiBase:    DefaultAPIBase,
		httpClient: &http.Client{},
		timeout:    defaultUpstreamTimeout,
	}
}

// SetAPIBase overrides the API root (useful for tests).
func (s *Service) SetAPIBase(base string) {
	if base != "" {
		s.apiBase = strings.TrimRight(base, "/")
	}
}

// SetHTTPClient sets a custom HTTP client (useful for testing or proxy
// support).
func (s *Service) SetHTTPClient(client *http.Client) {
	if client != nil {
		s.httpClient = client
	}
}

// SetTimeout overrides the per-call upstream deadline (useful for tests).
func (s *Service) SetTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// tokenPayload is the parsed body of a token endpoint response.
type tokenPayload struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	Scope        string
	TokenType    string
}

// AuthorizationURL builds the provider authorization redirect target.
func (s *Service) AuthorizationURL(clientID, redirectURI, scopes, state string) string {
	params := url.Values{}
	params.Set("client_id", clientID)
	params.Set("redirect_uri", redirectURI)
	params.Set("response_type", "code")
	params.Set("scope", scopes)
	params.Set("state", state)
	return s.apiBase + authorizePath + "?" + params.Encode()
}

// ExchangeCode trades an authorization code for tokens
// (grant_type=authorization_code).
func (s *Service) ExchangeCode(ctx context.Context, code, redirectURI, clientID, clientSecret string) (*tokenPayload, error) {
	body := []byte(`{}`)
	body, _ = sjson.SetBytes(body, "grant_type", "authorization_code")
	body, _ = sjson.SetBytes(body, "client_id", clientID)
	body, _ = sjson.SetBytes(body, "client_secret", clientSecret)
	body, _ = sjson.SetBytes(body, "redirect_uri", redirectURI)
	body, _ = sjson.SetBytes(body, "code", code)
	return s.requestToken(ctx, body)
}

// RefreshToken trades a refresh token for a new token set
// (grant_type=refresh_token).
func (s *Service) RefreshToken(ctx context.Context, refreshToken, clientID, clientSecret string) (*tokenPayload, error) {
	body := []byte(`{}`)
	body, _ = sjson.SetBytes(body, "grant_type", "refresh_token")
	body, _ = sjson.SetBytes(body, "client_id", clientID)
	body, _ = sjson.SetBytes(body, "client_secret", clientSecret)
	body, _ = sjson.SetBytes(body, "refresh_token", refreshToken)
	return s.requestToken(ctx, body)
}

func (s *Service) requestToken(ctx context.Context, body []byte) (*tokenPayload, error) {
	respBody, err := s.do(ctx, http.MethodPost, s.apiBase+tokenPath, "", body)
	if err != nil {
		return nil, err
	}

	parsed := gjson.ParseBytes(respBody)
	payload := &tokenPayload{
		AccessToken:  parsed.Get("access_token").String(),
		RefreshToken: parsed.Get("refresh_token").String(),
		ExpiresIn:    parsed.Get("expires_in").Int(),
		Scope:        strings.TrimSpace(parsed.Get("scope").String()),
		TokenType:    strings.TrimSpace(parsed.Get("token_type").String()),
	}
	return payload, nil
}

// FetchProfile returns the raw authenticated profile payload.
func (s *Service) FetchProfile(ctx context.Context, accessToken string) ([]byte, error) {
	return s.do(ctx, http.MethodGet, s.apiBase+userPath, accessToken, nil)
}

// FetchDonationsPage returns one raw page of the donations listing, older
// than the before cursor when one is given.
func (s *Service) FetchDonationsPage(ctx context.Context, accessToken, before string, limit int) ([]byte, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	if before != "" {
		params.Set("before", before)
	}
	return s.do(ctx, http.MethodGet, s.apiBase+donationsPath+"?"+params.Encode(), accessToken, nil)
}

// do performs one bounded provider call. Non-2xx responses and timeouts are
// translated into UpstreamError.
func (s *Service) do(ctx context.Context, method, rawURL, accessToken string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create streamlabs request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &UpstreamError{Status: http.StatusGatewayTimeout, Message: "Streamlabs API request timed out"}
		}
		return nil, &UpstreamError{Status: http.StatusBadGateway, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UpstreamError{Status: http.StatusBadGateway, Message: "failed to read streamlabs response: " + err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, parseUpstreamError(resp.StatusCode, respBody)
	}
	return respBody, nil
}

// parseUpstreamError extracts a best-effort message from a failed provider
// response: known JSON error fields first, then a body-text prefix, then a
// status-dependent default.
func parseUpstreamError(status int, body []byte) *UpstreamError {
	detail := ""
	text := strings.TrimSpace(string(body))
	if text != "" {
		if parsed := gjson.Parse(text); parsed.IsObject() {
			for _, field := range []string{"error_description", "message", "error"} {
				if value := parsed.Get(field); value.Exists() && value.String() != "" {
					detail = strings.TrimSpace(value.String())
					break
				}
			}
		}
		if detail == "" {
			if len(text) > errorBodyPreview {
				text = text[:errorBodyPreview]
			}
			detail = strings.TrimSpace(text)
		}
	}

	if detail == "" {
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			detail = "Unauthorized. Token may be invalid, expired, or missing required scopes."
		} else {
			detail = "Upstream request failed."
		}
	}

	return &UpstreamError{Status: status, Message: fmt.Sprintf("Streamlabs returned %d: %s", status, detail)}
}
