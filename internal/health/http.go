package health

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPHandler provides HTTP endpoints for health checks
type HTTPHandler struct {
	manager *Manager
	logger  *zap.Logger
}

// NewHTTPHandler creates a new HTTP handler for health checks
func NewHTTPHandler(manager *Manager, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{manager: manager, logger: logger}
}

// RegisterRoutes registers health check endpoints with an HTTP mux.
// /health/ready and /health/live back the ingress endpoint's own
// readiness: a load balancer should stop sending new connections once
// /health/ready reports not-ready, even while existing streams drain.
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/health/ready", h.handleReadiness)
	mux.HandleFunc("/health/live", h.handleLiveness)
	mux.HandleFunc("/health/detailed", h.handleDetailedHealth)
}

func statusCodeFor(status CheckStatus) int {
	if status == StatusUnhealthy || status == StatusUnknown {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	overall := h.manager.GetOverallHealth(r.Context())
	h.writeJSON(w, statusCodeFor(overall.Status), map[string]interface{}{
		"status":    overall.Status.String(),
		"message":   overall.Message,
		"timestamp": overall.Timestamp.Unix(),
		"duration":  overall.Duration.String(),
		"degraded":  overall.Degraded,
		"ready":     overall.Ready,
		"live":      overall.Live,
	})
}

func (h *HTTPHandler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ready := h.manager.IsReady(r.Context())
	code := http.StatusOK
	status := "ready"
	if !ready {
		code = http.StatusServiceUnavailable
		status = "not ready"
	}
	h.writeJSON(w, code, map[string]interface{}{"status": status, "ready": ready, "timestamp": time.Now().Unix()})
}

func (h *HTTPHandler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	alive := h.manager.IsLive(r.Context())
	code := http.StatusOK
	status := "alive"
	if !alive {
		code = http.StatusServiceUnavailable
		status = "not alive"
	}
	h.writeJSON(w, code, map[string]interface{}{"status": status, "live": alive, "timestamp": time.Now().Unix()})
}

// handleDetailedHealth returns detailed health information. With
// ?cached=true it reports the last results from the background loop
// instead of running every checker inline, for a dashboard polling
// frequently than the lifecycle's own health interval.
func (h *HTTPHandler) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	var detailed DetailedHealth
	if r.URL.Query().Get("cached") == "true" {
		components := h.manager.GetLastResults()
		summary := HealthSummary{Total: len(components)}
		for _, result := range components {
			tallyResult(&summary, result)
		}
		detailed = DetailedHealth{
			Overall:    calculateOverallStatus(components, summary),
			Components: components,
			Summary:    summary,
			Timestamp:  time.Now(),
		}
	} else {
		detailed = h.manager.GetDetailedHealth(r.Context())
	}

	h.writeJSON(w, statusCodeFor(detailed.Overall.Status), detailed)
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode health response", zap.Error(err))
	}
}
