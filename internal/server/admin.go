package server

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/dskow/ai-gateway/internal/config"
	"github.com/dskow/ai-gateway/internal/rollout"
	"github.com/dskow/ai-gateway/internal/token"
)

// Admin provides runtime inspection and rollout control. All endpoints
// require both an allowlisted client IP and a valid bearer token.
type Admin struct {
	mgr         *rollout.Manager
	cfgSource   ConfigProvider
	tokens      *token.Manager
	allowedNets []*net.IPNet
	clientIP    func(*http.Request) string
	logger      *slog.Logger
}

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// NewAdmin creates the admin Handler. The allowlist CIDRs must be
// pre-validated (config validation ensures this).
func NewAdmin(
	mgr *rollout.Manager,
	cfgSource ConfigProvider,
	tokens *token.Manager,
	allowlist []string,
	clientIP func(*http.Request) string,
	logger *slog.Logger,
) *Admin {
	nets := make([]*net.IPNet, 0, len(allowlist))
	for _, cidr := range allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Admin{
		mgr:         mgr,
		cfgSource:   cfgSource,
		tokens:      tokens,
		allowedNets: nets,
		clientIP:    clientIP,
		logger:      logger,
	}
}

// RegisterRoutes adds admin routes to the given mux.
func (a *Admin) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/rollout", a.guard(a.rolloutHandler))
	mux.HandleFunc("/admin/instances", a.guard(a.instancesHandler))
	mux.HandleFunc("/admin/config", a.guard(a.configHandler))
}

// guard wraps a handler with IP allowlist and bearer token checks.
func (a *Admin) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := a.clientIP(r)
		if !a.isAllowed(ip) {
			a.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error": "Forbidden",
			})
			return
		}

		auth := r.Header.Get("Authorization")
		tokenStr, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || a.tokens.Validate(strings.TrimSpace(tokenStr)) != nil {
			a.logger.Warn("admin token rejected", "client_ip", ip, "path", r.URL.Path)
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Unauthorized",
			})
			return
		}

		next(w, r)
	}
}

func (a *Admin) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range a.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// rolloutUpdate is the PUT /admin/rollout request body. Percentage is a
// pointer so an absent field keeps the current value.
type rolloutUpdate struct {
	Strategy   string   `json:"strategy"`
	Percentage *int     `json:"percentage"`
	UserGroups []string `json:"user_groups"`
}

func (a *Admin) rolloutHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, a.mgr.Rollout())

	case http.MethodPut:
		var upd rolloutUpdate
		if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid JSON body",
			})
			return
		}
		if err := a.mgr.Update(upd.Strategy, upd.Percentage, upd.UserGroups); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
			return
		}
		a.logger.Info("rollout updated",
			"client_ip", a.clientIP(r),
			"strategy", upd.Strategy,
		)
		writeJSON(w, http.StatusOK, a.mgr.Rollout())

	default:
		writeMethodNotAllowed(w)
	}
}

func (a *Admin) instancesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	statuses, totals := a.mgr.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"instances": statuses,
		"totals":    totals,
	})
}

func (a *Admin) configHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	// Token.Secret is excluded from JSON serialization by its struct tag.
	writeJSON(w, http.StatusOK, a.cfgSource.Current())
}
