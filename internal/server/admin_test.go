package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dskow/ai-gateway/internal/config"
	"github.com/dskow/ai-gateway/internal/metrics"
	"github.com/dskow/ai-gateway/internal/rollout"
	"github.com/dskow/ai-gateway/internal/token"
)

type staticConfig struct {
	cfg *config.Config
}

func (s staticConfig) Current() *config.Config { return s.cfg }

func newTestAdmin(t *testing.T) (*Admin, *token.Manager) {
	t.Helper()
	blue := &stubCaller{name: "blue"}
	green := &stubCaller{name: "green"}

	mgr, err := rollout.New(
		[]rollout.Instance{
			{Name: "blue", BaseURL: "http://localhost:3001", Weight: 90},
			{Name: "green", BaseURL: "http://localhost:3002", Weight: 10},
		},
		map[string]rollout.Caller{"blue": blue, "green": green},
		rollout.Config{Strategy: "blue"},
		metrics.NewRecorder([]string{"blue", "green"}),
		slog.Default(),
	)
	if err != nil {
		t.Fatalf("rollout.New: %v", err)
	}

	tokens, err := token.NewManager(token.Config{
		Secret:   "admin-test-secret-key-32-chars!!!!!",
		Issuer:   "ai-gateway",
		Audience: "ai-inference",
		TTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("token.NewManager: %v", err)
	}

	cfg := &config.Config{}
	cfg.Token.Secret = "admin-test-secret-key-32-chars!!!!!"
	admin := NewAdmin(mgr, staticConfig{cfg}, tokens, []string{"127.0.0.1/32"}, peerIP, slog.Default())
	return admin, tokens
}

func adminRequest(t *testing.T, a *Admin, tokens *token.Manager, method, path, body, remoteAddr string, withToken bool) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	a.RegisterRoutes(mux)

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.RemoteAddr = remoteAddr
	if withToken {
		tok, err := tokens.Token()
		if err != nil {
			t.Fatalf("Token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestAdminDeniesNonAllowlistedIP(t *testing.T) {
	a, tokens := newTestAdmin(t)

	rec := adminRequest(t, a, tokens, http.MethodGet, "/admin/rollout", "", "203.0.113.10:4321", true)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestAdminRequiresBearerToken(t *testing.T) {
	a, tokens := newTestAdmin(t)

	rec := adminRequest(t, a, tokens, http.MethodGet, "/admin/rollout", "", "127.0.0.1:4321", false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAdminRejectsGarbageToken(t *testing.T) {
	a, _ := newTestAdmin(t)

	mux := http.NewServeMux()
	a.RegisterRoutes(mux)
	req := httptest.NewRequest(http.MethodGet, "/admin/rollout", nil)
	req.RemoteAddr = "127.0.0.1:4321"
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAdminGetRollout(t *testing.T) {
	a, tokens := newTestAdmin(t)

	rec := adminRequest(t, a, tokens, http.MethodGet, "/admin/rollout", "", "127.0.0.1:4321", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var cfg rollout.Config
	if err := json.Unmarshal(rec.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if cfg.Strategy != "blue" {
		t.Fatalf("strategy = %q", cfg.Strategy)
	}
}

func TestAdminPutRollout(t *testing.T) {
	a, tokens := newTestAdmin(t)

	body := `{"strategy":"gradual","percentage":25,"user_groups":["beta"]}`
	rec := adminRequest(t, a, tokens, http.MethodPut, "/admin/rollout", body, "127.0.0.1:4321", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var cfg rollout.Config
	if err := json.Unmarshal(rec.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if cfg.Strategy != "gradual" || cfg.Percentage != 25 {
		t.Fatalf("config = %+v", cfg)
	}
}

func TestAdminPutRolloutRejectsInvalid(t *testing.T) {
	a, tokens := newTestAdmin(t)

	cases := []string{
		`{"strategy":"random"}`,
		`{"strategy":"gradual","percentage":200}`,
		`{not json`,
	}
	for _, body := range cases {
		rec := adminRequest(t, a, tokens, http.MethodPut, "/admin/rollout", body, "127.0.0.1:4321", true)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestAdminInstances(t *testing.T) {
	a, tokens := newTestAdmin(t)

	rec := adminRequest(t, a, tokens, http.MethodGet, "/admin/instances", "", "127.0.0.1:4321", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Instances []rollout.InstanceStatus `json:"instances"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(body.Instances) != 2 {
		t.Fatalf("instances = %+v", body.Instances)
	}
}

func TestAdminConfigRedactsSecret(t *testing.T) {
	a, tokens := newTestAdmin(t)

	rec := adminRequest(t, a, tokens, http.MethodGet, "/admin/config", "", "127.0.0.1:4321", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "admin-test-secret") {
		t.Fatal("token secret leaked through the admin config endpoint")
	}
}
