// Package api is the JSON control surface for the sync engine.
package api

import (
	"log/slog"
	"net/http"

	"github.com/strmsync/strmsync/internal/api/middleware"
	"github.com/strmsync/strmsync/internal/cache"
	"github.com/strmsync/strmsync/internal/cleanup"
	"github.com/strmsync/strmsync/internal/emby"
	"github.com/strmsync/strmsync/internal/qos"
	"github.com/strmsync/strmsync/internal/scanner"
)

// RouterDeps bundles all dependencies needed by the HTTP router.
type RouterDeps struct {
	Scanner  *scanner.Service
	Limiter  *qos.Limiter
	Cache    *cache.Service
	Cleanup  *cleanup.Service
	Emby     *emby.Client // nil when the integration is disabled
	Logger   *slog.Logger
	BasePath string
}

// Router sets up all HTTP routes for the application.
type Router struct {
	scanner  *scanner.Service
	limiter  *qos.Limiter
	cache    *cache.Service
	cleanup  *cleanup.Service
	emby     *emby.Client
	logger   *slog.Logger
	basePath string
}

// NewRouter creates a Router with all routes configured.
func NewRouter(deps RouterDeps) *Router {
	return &Router{
		scanner:  deps.Scanner,
		limiter:  deps.Limiter,
		cache:    deps.Cache,
		cleanup:  deps.Cleanup,
		emby:     deps.Emby,
		logger:   deps.Logger,
		basePath: deps.BasePath,
	}
}

// Handler returns the fully configured HTTP handler with middleware applied.
func (r *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	bp := r.basePath

	mux.HandleFunc("GET "+bp+"/api/v1/health", r.handleHealth)

	mux.HandleFunc("POST "+bp+"/api/v1/scan", r.handleScanRun)
	mux.HandleFunc("POST "+bp+"/api/v1/scan/cancel", r.handleScanCancel)
	mux.HandleFunc("GET "+bp+"/api/v1/scan/progress", r.handleScanProgress)
	mux.HandleFunc("GET "+bp+"/api/v1/scan/history", r.handleScanHistory)
	mux.HandleFunc("GET "+bp+"/api/v1/scan/last", r.handleScanLast)

	mux.HandleFunc("GET "+bp+"/api/v1/qos", r.handleQoSStats)
	mux.HandleFunc("PUT "+bp+"/api/v1/qos", r.handleQoSUpdate)

	mux.HandleFunc("GET "+bp+"/api/v1/cache/stats", r.handleCacheStats)
	mux.HandleFunc("POST "+bp+"/api/v1/cleanup", r.handleCleanup)
	mux.HandleFunc("GET "+bp+"/api/v1/emby/test", r.handleEmbyTest)

	return middleware.Logging(r.logger)(mux)
}
