package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/bivex/pgupkeep/src/analyzer"
	"github.com/bivex/pgupkeep/src/db"
	"github.com/bivex/pgupkeep/src/guard"
	"github.com/bivex/pgupkeep/src/models"
	"github.com/bivex/pgupkeep/src/monitor"
	"github.com/bivex/pgupkeep/src/optimizer"
	"github.com/bivex/pgupkeep/src/upholder"
)

// Handler handles API requests
type Handler struct {
	pool      *db.Pool
	upholder  *upholder.Upholder
	optimizer *optimizer.Optimizer
	guard     *guard.Guard
	cache     *monitor.CacheMonitor
	queries   *analyzer.QueryAnalyzer
	indexes   *analyzer.IndexAuditor
	log       *logrus.Logger
}

// NewHandler creates a new API handler
func NewHandler(
	pool *db.Pool,
	uph *upholder.Upholder,
	opt *optimizer.Optimizer,
	g *guard.Guard,
	cache *monitor.CacheMonitor,
	queries *analyzer.QueryAnalyzer,
	indexes *analyzer.IndexAuditor,
	log *logrus.Logger,
) *Handler {
	return &Handler{
		pool:      pool,
		upholder:  uph,
		optimizer: opt,
		guard:     g,
		cache:     cache,
		queries:   queries,
		indexes:   indexes,
		log:       log,
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	// Health check
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	r.HandleFunc("/ready", h.ReadinessCheck).Methods("GET")

	// Upholder endpoints
	r.HandleFunc("/api/v1/status", h.GetStatus).Methods("GET")
	r.HandleFunc("/api/v1/dashboard", h.GetDashboard).Methods("GET")
	r.HandleFunc("/api/v1/audit", h.RunAudit).Methods("POST")
	r.HandleFunc("/api/v1/recommendations", h.GetRecommendations).Methods("GET")

	// Pool endpoints
	r.HandleFunc("/api/v1/pool/status", h.GetPoolStatus).Methods("GET")
	r.HandleFunc("/api/v1/pool/suggestions", h.GetPoolSuggestions).Methods("GET")

	// Cache endpoints
	r.HandleFunc("/api/v1/cache/metrics", h.GetCacheMetrics).Methods("GET")
	r.HandleFunc("/api/v1/cache/recommendations", h.GetCacheRecommendations).Methods("GET")

	// Query analysis endpoints
	r.HandleFunc("/api/v1/queries/slow", h.GetSlowQueries).Methods("GET")
	r.HandleFunc("/api/v1/queries/issues", h.GetQueryIssues).Methods("GET")

	// Index audit endpoints
	r.HandleFunc("/api/v1/indexes/audit", h.GetIndexAudit).Methods("GET")
}

// HealthCheck returns the health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]string{
		"status": "ok",
	}
	h.respondJSON(w, http.StatusOK, response)
}

// ReadinessCheck checks if the database is reachable
func (h *Handler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.pool.Ping(r.Context()); err != nil {
		h.respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

// GetStatus returns the orchestrator lifecycle state
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.upholder.Status())
}

// GetDashboard returns the combined performance dashboard
func (h *Handler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.upholder.Dashboard(r.Context()))
}

// RunAudit triggers a full audit cycle synchronously
func (h *Handler) RunAudit(w http.ResponseWriter, r *http.Request) {
	report := h.upholder.RunFullAudit(r.Context())
	h.respondJSON(w, http.StatusOK, report)
}

// GetRecommendations returns the combined tuning advice from every component
func (h *Handler) GetRecommendations(w http.ResponseWriter, r *http.Request) {
	suggestions, err := h.guard.OptimizationSuggestions(r.Context())
	if err != nil && err != guard.ErrStatusTimeout {
		h.log.Warnf("Pool suggestions unavailable: %v", err)
	}

	response := struct {
		Pool            []models.OptimizationRecommendation `json:"pool"`
		PoolSuggestions []models.PoolSuggestion             `json:"pool_suggestions"`
		Cache           models.CacheRecommendations         `json:"cache"`
	}{
		Pool:            h.optimizer.Recommendations(),
		PoolSuggestions: suggestions,
		Cache:           h.cache.Recommendations(r.Context()),
	}

	h.respondJSON(w, http.StatusOK, response)
}

// GetPoolStatus returns the bounded pool status check
func (h *Handler) GetPoolStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.guard.Status(r.Context())
	if err != nil && err != guard.ErrStatusTimeout {
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, status)
}

// GetPoolSuggestions returns pool tuning suggestions
func (h *Handler) GetPoolSuggestions(w http.ResponseWriter, r *http.Request) {
	suggestions, err := h.guard.OptimizationSuggestions(r.Context())
	if err != nil && err != guard.ErrStatusTimeout {
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, suggestions)
}

// GetCacheMetrics returns the current cache snapshot
func (h *Handler) GetCacheMetrics(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.cache.CurrentMetrics(r.Context()))
}

// GetCacheRecommendations returns the cache tuning bundle
func (h *Handler) GetCacheRecommendations(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.cache.Recommendations(r.Context()))
}

// GetSlowQueries returns the top statements by mean execution time.
// The limit query parameter caps the result count, defaulting to 10.
func (h *Handler) GetSlowQueries(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	slow, err := h.queries.TopSlow(r.Context(), limit)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, slow)
}

// GetQueryIssues returns the full query analysis dashboard
func (h *Handler) GetQueryIssues(w http.ResponseWriter, r *http.Request) {
	dashboard, err := h.queries.Dashboard(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, dashboard)
}

// GetIndexAudit runs a read-only index audit over all user tables
func (h *Handler) GetIndexAudit(w http.ResponseWriter, r *http.Request) {
	results, err := h.indexes.AuditAll(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, results)
}

// respondJSON sends a JSON response
func (h *Handler) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Errorf("Failed to encode JSON response: %v", err)
	}
}

// respondError sends an error response
func (h *Handler) respondError(w http.ResponseWriter, statusCode int, message string) {
	response := map[string]string{
		"error": message,
	}
	h.respondJSON(w, statusCode, response)
}
