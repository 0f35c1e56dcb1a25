// Package server exposes the gateway's HTTP surface: the AI request
// endpoints, liveness and readiness probes, and the admin API.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dskow/ai-gateway/internal/ai"
	"github.com/dskow/ai-gateway/internal/breaker"
	"github.com/dskow/ai-gateway/internal/rollout"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

// Routing headers. X-User-Key overrides the client IP as the sticky
// bucketing key; X-User-Group selects group-targeted rollouts.
const (
	headerUserKey   = "X-User-Key"
	headerUserGroup = "X-User-Group"
)

// Handler serves the public gateway endpoints.
type Handler struct {
	mgr      *rollout.Manager
	clientIP func(*http.Request) string
	logger   *slog.Logger
}

// New creates the public Handler. clientIP resolves the caller address
// used as the default routing key; it must honor trusted proxies.
func New(mgr *rollout.Manager, clientIP func(*http.Request) string, logger *slog.Logger) *Handler {
	return &Handler{mgr: mgr, clientIP: clientIP, logger: logger}
}

// RegisterRoutes adds the AI endpoints to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/ai/chat", h.chat)
	mux.HandleFunc("/v1/ai/models", h.models)
	mux.HandleFunc("/v1/health", h.health)
}

// RegisterProbes adds the liveness and readiness probes. These are meant
// to bypass the middleware stack.
func (h *Handler) RegisterProbes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.liveness)
	mux.HandleFunc("/readyz", h.readiness)
}

func (h *Handler) routingKeys(r *http.Request) (userKey, userGroup string) {
	userKey = strings.TrimSpace(r.Header.Get(headerUserKey))
	if userKey == "" {
		userKey = h.clientIP(r)
	}
	return userKey, strings.TrimSpace(r.Header.Get(headerUserGroup))
}

func (h *Handler) chat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req ai.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		msg := "invalid JSON body"
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			msg = "request body too large"
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   msg,
			"code":    "GATEWAY_BAD_REQUEST",
		})
		return
	}
	io.Copy(io.Discard, r.Body) //nolint:errcheck

	if strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "message is required",
			"code":    "GATEWAY_BAD_REQUEST",
		})
		return
	}

	userKey, userGroup := h.routingKeys(r)
	resp, failure := h.mgr.Chat(r.Context(), req, userKey, userGroup)
	if failure != nil {
		writeJSON(w, failure.HTTPStatus, failure)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) models(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	userKey, userGroup := h.routingKeys(r)
	resp, failure := h.mgr.Models(r.Context(), userKey, userGroup)
	if failure != nil {
		writeJSON(w, failure.HTTPStatus, failure)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	userKey, userGroup := h.routingKeys(r)
	resp, failure := h.mgr.Health(r.Context(), userKey, userGroup)
	if failure != nil {
		writeJSON(w, failure.HTTPStatus, failure)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody) //nolint:errcheck
}

// readiness reports instance breaker states. The gateway stays ready
// while at least one instance is not open, since degraded traffic can
// still be served.
func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	statuses, _ := h.mgr.Snapshot()

	instances := make(map[string]string, len(statuses))
	allOpen := len(statuses) > 0
	for _, st := range statuses {
		instances[st.Name] = st.Breaker.State
		if st.Breaker.State != breaker.StateOpen.String() {
			allOpen = false
		}
	}

	status := "ready"
	httpStatus := http.StatusOK
	if allOpen {
		status = "not ready"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    status,
		"instances": instances,
	})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{
		"success": false,
		"error":   "Method Not Allowed",
		"code":    "GATEWAY_METHOD_NOT_ALLOWED",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
