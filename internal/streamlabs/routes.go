package streamlabs

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/teamcovey/worldflight-edge/internal/config"
	"github.com/teamcovey/worldflight-edge/internal/kvstore"
	"github.com/teamcovey/worldflight-edge/internal/respcache"
)

// Module bundles the streamlabs services and handlers.
type Module struct {
	handler    *Handler
	manager    *Manager
	aggregator *Aggregator
	svc        *Service
	cache      *respcache.Cache
	store      kvstore.Store
}

// NewModule wires all streamlabs dependencies. store may be nil; the module
// then runs in fallback-token-only mode.
func NewModule(cfg *config.Provider, store kvstore.Store) *Module {
	svc := NewService()
	manager := NewManager(cfg, store, svc)
	aggregator := NewAggregator(svc)
	cache := respcache.New()
	handler := NewHandler(manager, aggregator, cache)

	if store == nil {
		log.Warn("no credential store configured; streamlabs connect/refresh disabled, fallback token only")
	}
	return &Module{
		handler:    handler,
		manager:    manager,
		aggregator: aggregator,
		svc:        svc,
		cache:      cache,
		store:      store,
	}
}

// StartCleanup sweeps expired response-cache entries, plus expired store
// entries when the store supports it, every interval until ctx is cancelled.
func (m *Module) StartCleanup(ctx context.Context, interval time.Duration) {
	sweeper, _ := m.store.(interface{ Cleanup() })
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.cache.Cleanup()
				if sweeper != nil {
					sweeper.Cleanup()
				}
			}
		}
	}()
}

// Service exposes the provider client, mainly so tests can point it at a
// stub server.
func (m *Module) Service() *Service {
	return m.svc
}

// RegisterRoutes mounts the streamlabs HTTP surface on the engine.
func (m *Module) RegisterRoutes(engine *gin.Engine) {
	engine.Any("/api/streamlabs/total", methodGate(m.handler.HandleTotal, http.MethodGet))
	engine.Any("/api/streamlabs/status", methodGate(m.handler.HandleStatus, http.MethodGet))
	engine.Any("/streamlabs/connect", methodGate(m.handler.HandleConnect, http.MethodGet))
	engine.Any("/streamlabs/callback", methodGate(m.handler.HandleCallback, http.MethodGet))
	engine.Any("/streamlabs/disconnect", methodGate(m.handler.HandleDisconnect, http.MethodGet, http.MethodPost))
	log.Info("streamlabs routes registered")
}

// methodGate rejects disallowed verbs with a 405 carrying an Allow header.
func methodGate(next gin.HandlerFunc, allowed ...string) gin.HandlerFunc {
	allowHeader := strings.Join(allowed, ", ")
	return func(c *gin.Context) {
		for _, method := range allowed {
			if c.Request.Method == method {
				next(c)
				return
			}
		}
		c.Header("Allow", allowHeader)
		c.AbortWithStatusJSON(http.StatusMethodNotAllowed, gin.H{"error": "Method not allowed"})
	}
}
