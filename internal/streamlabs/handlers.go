package streamlabs

import (
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/teamcovey/worldflight-edge/internal/kvstore"
	"github.com/teamcovey/worldflight-edge/internal/logging"
	"github.com/teamcovey/worldflight-edge/internal/respcache"
)

// cacheTTL is how long a successful total response stays fresh.
const cacheTTL = 120 * time.Second

const jsonContentType = "application/json; charset=utf-8"

// Handler serves the streamlabs HTTP surface.
type Handler struct {
	manager    *Manager
	aggregator *Aggregator
	cache      *respcache.Cache
	logger     *log.Entry
}

// NewHandler creates the handler with all dependencies.
func NewHandler(manager *Manager, aggregator *Aggregator, cache *respcache.Cache) *Handler {
	return &Handler{
		manager:    manager,
		aggregator: aggregator,
		cache:      cache,
		logger:     log.WithField("component", "streamlabs"),
	}
}

// requestOrigin reconstructs the scheme://host origin of the inbound request,
// honoring the proxy's forwarded protocol.
func requestOrigin(c *gin.Context) string {
	scheme := c.GetHeader("X-Forwarded-Proto")
	if scheme == "" {
		if c.Request.TLS != nil {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}
	return scheme + "://" + c.Request.Host
}

// HandleConnect handles GET /streamlabs/connect: starts the authorization
// flow and redirects to the provider.
func (h *Handler) HandleConnect(c *gin.Context) {
	authURL, err := h.manager.BeginAuthorization(c.Request.Context(), requestOrigin(c))
	if err != nil {
		h.logger.WithError(err).Warn("connect failed")
		c.JSON(jsonStatusFor(err), gin.H{
			"error":   "connect_failed",
			"message": logging.Redact(err.Error()),
		})
		return
	}
	c.Redirect(http.StatusFound, authURL)
}

// HandleCallback handles GET /streamlabs/callback: completes the
// authorization flow and renders an HTML result page.
func (h *Handler) HandleCallback(c *gin.Context) {
	if errText := strings.TrimSpace(c.Query("error")); errText != "" {
		description := strings.TrimSpace(c.Query("error_description"))
		if description == "" {
			description = "No description provided."
		}
		h.renderPage(c, http.StatusBadRequest, resultPageData{
			Title: "Streamlabs OAuth declined",
			Paragraphs: []template.HTML{
				para("Authorization returned: <strong>%s</strong>", errText),
				para("%s", description),
			},
		})
		return
	}

	code := strings.TrimSpace(c.Query("code"))
	state := strings.TrimSpace(c.Query("state"))
	record, err := h.manager.CompleteAuthorization(c.Request.Context(), code, state, requestOrigin(c))
	if err != nil {
		h.renderCallbackError(c, err)
		return
	}

	account := record.AccountUsername
	if account == "" {
		account = h.manager.ExpectedUsername()
	}
	if account == "" {
		account = "unknown"
	}
	paragraphs := []template.HTML{
		para("Connection saved successfully."),
		para("Account: <strong>%s</strong>", account),
	}
	if expected := h.manager.ExpectedUsername(); expected != "" && !record.AccountVerified {
		paragraphs = append(paragraphs, para(
			"<em>Warning:</em> account username could not be strongly verified from profile payload. Expected <code>%s</code>.",
			expected,
		))
	}
	h.renderPage(c, http.StatusOK, resultPageData{
		Title:      "Streamlabs connected",
		Paragraphs: paragraphs,
		ShowLinks:  true,
	})
}

func (h *Handler) renderCallbackError(c *gin.Context, err error) {
	h.logger.WithError(err).Warn("callback failed")

	var (
		badReq   *BadRequestError
		cfgErr   *ConfigError
		upErr    *UpstreamError
		mismatch *AccountMismatchError
	)
	switch {
	case errors.As(err, &badReq):
		h.renderPage(c, http.StatusBadRequest, resultPageData{
			Title:      "Streamlabs OAuth failed",
			Paragraphs: []template.HTML{para("Missing <code>code</code> or <code>state</code> in callback URL.")},
		})
	case errors.Is(err, ErrInvalidState):
		h.renderPage(c, http.StatusBadRequest, resultPageData{
			Title: "Streamlabs OAuth failed",
			Paragraphs: []template.HTML{
				template.HTML(`Invalid or expired OAuth state. Start again from <a href="/streamlabs/connect">/streamlabs/connect</a>.`),
			},
		})
	case errors.As(err, &mismatch):
		h.renderPage(c, http.StatusForbidden, resultPageData{
			Title: "Wrong Streamlabs account",
			Paragraphs: []template.HTML{
				para("Connected account <strong>%s</strong> does not match expected <strong>%s</strong>.", mismatch.Actual, mismatch.Expected),
				para("Sign in as the expected account and connect again."),
			},
		})
	case errors.As(err, &cfgErr):
		h.renderPage(c, http.StatusServiceUnavailable, resultPageData{
			Title:      "Streamlabs OAuth failed",
			Paragraphs: []template.HTML{para("%s", cfgErr.Reason)},
		})
	case errors.Is(err, kvstore.ErrUnavailable):
		h.renderPage(c, http.StatusServiceUnavailable, resultPageData{
			Title:      "Streamlabs OAuth failed",
			Paragraphs: []template.HTML{para("Credential store is unavailable. Try again shortly.")},
		})
	case errors.As(err, &upErr):
		h.renderPage(c, http.StatusBadGateway, resultPageData{
			Title:      "Streamlabs OAuth failed",
			Paragraphs: []template.HTML{para("Token exchange failed: %s", logging.Redact(upErr.Message))},
		})
	default:
		h.renderPage(c, http.StatusBadGateway, resultPageData{
			Title:      "Streamlabs OAuth failed",
			Paragraphs: []template.HTML{para("Unexpected error: %s", logging.Redact(err.Error()))},
		})
	}
}

// HandleDisconnect handles GET/POST /streamlabs/disconnect.
func (h *Handler) HandleDisconnect(c *gin.Context) {
	if err := h.manager.Disconnect(c.Request.Context()); err != nil {
		h.logger.WithError(err).Warn("disconnect failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": "credential store is unavailable",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":      true,
		"message": "Stored Streamlabs token removed.",
	})
}

// HandleStatus handles GET /api/streamlabs/status: a connection snapshot
// that never exposes the raw token.
func (h *Handler) HandleStatus(c *gin.Context) {
	record, err := h.manager.LoadToken(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Warn("status: token load failed")
		h.noStoreJSON(c, http.StatusServiceUnavailable, gin.H{
			"error":   "Store unavailable",
			"message": "credential store is unavailable",
		})
		return
	}

	status := gin.H{
		"connected":        record != nil && record.AccessToken != "",
		"tokenSource":      nil,
		"expectedUsername": h.manager.ExpectedUsername(),
		"accountUsername":  nil,
		"hasRefreshToken":  record != nil && record.RefreshToken != "",
		"expiresAt":        nil,
		"connectedAt":      nil,
		"redirectUri":      nil,
		"hasStore":         h.manager.HasStore(),
	}
	if record != nil {
		status["tokenSource"] = record.Source
		if record.AccountUsername != "" {
			status["accountUsername"] = record.AccountUsername
		}
		if record.ExpiresAt != nil {
			status["expiresAt"] = record.ExpiresAt
		}
		if !record.ConnectedAt.IsZero() {
			status["connectedAt"] = record.ConnectedAt
		}
	}
	if configured := h.manager.ConfiguredRedirectURI(); configured != "" {
		status["redirectUri"] = configured
	}
	c.JSON(http.StatusOK, status)
}

// HandleTotal handles GET /api/streamlabs/total: cache lookup, token load,
// aggregation with a single refresh-and-retry on a 401, cache store.
func (h *Handler) HandleTotal(c *gin.Context) {
	// Query string is deliberately excluded from the key so client params
	// cannot fragment the cache.
	cacheKey := c.Request.URL.Path
	if entry, ok := h.cache.Lookup(cacheKey); ok {
		c.Header("Cache-Control", cacheControlValue())
		c.Data(entry.Status, entry.ContentType, entry.Body)
		return
	}

	ctx := c.Request.Context()
	record, err := h.manager.LoadToken(ctx)
	if err != nil {
		h.noStoreJSON(c, http.StatusServiceUnavailable, gin.H{
			"error":   "Store unavailable",
			"message": "credential store is unavailable",
		})
		return
	}
	if record == nil {
		h.noStoreJSON(c, http.StatusServiceUnavailable, gin.H{
			"error":   "Not connected",
			"message": "No Streamlabs token available. Visit /streamlabs/connect to authorize and store one.",
		})
		return
	}

	summary, err := h.aggregator.FetchSummary(ctx, record.AccessToken)
	if err != nil {
		var upErr *UpstreamError
		if errors.As(err, &upErr) && upErr.Unauthorized() && h.manager.CanRefresh(record) {
			h.logger.Info("access token rejected, attempting one refresh")
			refreshed, refreshErr := h.manager.Refresh(ctx, record)
			if refreshErr != nil {
				err = refreshErr
			} else {
				record = refreshed
				summary, err = h.aggregator.FetchSummary(ctx, refreshed.AccessToken)
			}
		}
	}
	if err != nil {
		h.renderTotalError(c, err)
		return
	}

	if record.AccountUsername != "" {
		summary.AccountUsername = record.AccountUsername
	}
	body, err := json.Marshal(summary)
	if err != nil {
		h.noStoreJSON(c, http.StatusInternalServerError, gin.H{
			"error":   "Failed to encode summary",
			"message": err.Error(),
		})
		return
	}

	c.Header("Cache-Control", cacheControlValue())
	c.Data(http.StatusOK, jsonContentType, body)

	// Cache write happens off the request path; the caller never waits on it.
	entry := respcache.Entry{Status: http.StatusOK, ContentType: jsonContentType, Body: body}
	go h.cache.Store(cacheKey, entry, cacheTTL)
}

func (h *Handler) renderTotalError(c *gin.Context, err error) {
	h.logger.WithError(err).Warn("total fetch failed")

	var (
		upErr  *UpstreamError
		cfgErr *ConfigError
	)
	switch {
	case errors.As(err, &upErr):
		h.noStoreJSON(c, http.StatusBadGateway, gin.H{
			"error":          "Streamlabs API error",
			"upstreamStatus": upErr.Status,
			"message":        logging.Redact(upErr.Message),
		})
	case errors.As(err, &cfgErr):
		h.noStoreJSON(c, http.StatusServiceUnavailable, gin.H{
			"error":   "Not configured",
			"message": cfgErr.Reason,
		})
	case errors.Is(err, kvstore.ErrUnavailable):
		h.noStoreJSON(c, http.StatusServiceUnavailable, gin.H{
			"error":   "Store unavailable",
			"message": "credential store is unavailable",
		})
	default:
		h.noStoreJSON(c, http.StatusBadGateway, gin.H{
			"error":   "Failed to fetch Streamlabs totals",
			"message": logging.Redact(err.Error()),
		})
	}
}

func (h *Handler) noStoreJSON(c *gin.Context, status int, body gin.H) {
	c.Header("Cache-Control", "no-store")
	c.JSON(status, body)
}

func (h *Handler) renderPage(c *gin.Context, status int, data resultPageData) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(status)
	if err := renderResultPage(c.Writer, data); err != nil {
		h.logger.WithError(err).Error("failed to render result page")
	}
}

func cacheControlValue() string {
	return "public, max-age=" + strconv.Itoa(int(cacheTTL.Seconds()))
}

// jsonStatusFor maps the error taxonomy onto HTTP statuses for JSON replies.
func jsonStatusFor(err error) int {
	var (
		badReq   *BadRequestError
		cfgErr   *ConfigError
		upErr    *UpstreamError
		mismatch *AccountMismatchError
	)
	switch {
	case errors.As(err, &badReq), errors.Is(err, ErrInvalidState):
		return http.StatusBadRequest
	case errors.As(err, &mismatch):
		return http.StatusForbidden
	case errors.As(err, &cfgErr), errors.Is(err, kvstore.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &upErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
