package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/strmsync/strmsync/internal/version"
)

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// handleScanRun starts a scan in the background.
// POST /api/v1/scan {"folder": "...", "force": false}
// An empty folder scans every configured source folder in order.
func (r *Router) handleScanRun(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Folder string `json:"folder"`
		Force  bool   `json:"force"`
	}
	if req.Body != nil && req.ContentLength != 0 {
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	if r.scanner.IsRunning() {
		writeError(w, http.StatusConflict, "a scan is already running")
		return
	}

	// The run outlives the request; the engine itself enforces the
	// single-scan invariant if two starts race past the check above.
	go func() {
		ctx := context.Background()
		var err error
		if body.Folder == "" {
			_, err = r.scanner.ScanAll(ctx, body.Force)
		} else {
			_, err = r.scanner.Scan(ctx, body.Folder, body.Force)
		}
		if err != nil {
			r.logger.Error("background scan failed to start", "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "started",
		"folder": body.Folder,
		"force":  body.Force,
	})
}

// handleScanCancel requests cooperative cancellation.
// POST /api/v1/scan/cancel
func (r *Router) handleScanCancel(w http.ResponseWriter, req *http.Request) {
	running := r.scanner.IsRunning()
	r.scanner.Cancel()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "cancellation requested",
		"was_running": running,
	})
}

// handleScanProgress returns a snapshot of the current or most recent scan.
// GET /api/v1/scan/progress
func (r *Router) handleScanProgress(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.scanner.Progress())
}

// handleScanHistory returns recent scan runs, newest first.
// GET /api/v1/scan/history?limit=20
func (r *Router) handleScanHistory(w http.ResponseWriter, req *http.Request) {
	limit := 20
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	runs, err := r.scanner.History(req.Context(), limit)
	if err != nil {
		r.logger.Error("listing scan history", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

// handleScanLast returns the most recent completed run.
// GET /api/v1/scan/last?folder=/media
func (r *Router) handleScanLast(w http.ResponseWriter, req *http.Request) {
	run, err := r.scanner.LastCompleted(req.Context(), req.URL.Query().Get("folder"))
	if err != nil {
		r.logger.Error("getting last completed scan", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "no completed scan")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleQoSStats returns current limiter activity and configuration.
// GET /api/v1/qos
func (r *Router) handleQoSStats(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.limiter.Stats())
}

// handleQoSUpdate applies new limits without restarting.
// PUT /api/v1/qos {"qps": 5, "max_concurrent": 3, "interval_ms": 200}
// Omitted fields keep their current value.
func (r *Router) handleQoSUpdate(w http.ResponseWriter, req *http.Request) {
	var body struct {
		QPS           *float64 `json:"qps"`
		MaxConcurrent *int     `json:"max_concurrent"`
		IntervalMs    *int     `json:"interval_ms"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.QPS != nil && *body.QPS <= 0 {
		writeError(w, http.StatusBadRequest, "qps must be positive")
		return
	}
	if body.MaxConcurrent != nil && *body.MaxConcurrent < 1 {
		writeError(w, http.StatusBadRequest, "max_concurrent must be at least 1")
		return
	}
	if body.IntervalMs != nil && *body.IntervalMs < 0 {
		writeError(w, http.StatusBadRequest, "interval_ms must not be negative")
		return
	}

	r.limiter.UpdateLimits(body.QPS, body.MaxConcurrent, body.IntervalMs)
	writeJSON(w, http.StatusOK, r.limiter.Stats())
}

// handleCacheStats returns summary totals over the change cache.
// GET /api/v1/cache/stats
func (r *Router) handleCacheStats(w http.ResponseWriter, req *http.Request) {
	stats, err := r.cache.Stats(req.Context())
	if err != nil {
		r.logger.Error("computing cache stats", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleCleanup sweeps the output tree for state the cache no longer backs.
// POST /api/v1/cleanup {"dry_run": true}
// An omitted body previews only; deletions must be requested explicitly.
func (r *Router) handleCleanup(w http.ResponseWriter, req *http.Request) {
	body := struct {
		DryRun bool `json:"dry_run"`
	}{DryRun: true}
	if req.Body != nil && req.ContentLength != 0 {
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	report, err := r.cleanup.Run(req.Context(), body.DryRun)
	if err != nil {
		r.logger.Error("cleanup sweep failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleEmbyTest verifies connectivity to the configured media server.
// GET /api/v1/emby/test
func (r *Router) handleEmbyTest(w http.ResponseWriter, req *http.Request) {
	if r.emby == nil {
		writeError(w, http.StatusServiceUnavailable, "emby integration not configured")
		return
	}
	info, err := r.emby.TestConnection(req.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encode error", http.StatusInternalServerError)
	}
}
