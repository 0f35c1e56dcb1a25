// Package token manages the short-lived service-to-service JWT used to
// authenticate outbound calls to inference instances, and validates inbound
// service tokens on the admin surface.
package token

import (
	"fmt"
	"sync"
	"time"

	"github.com/dskow/ai-gateway/internal/metrics"
	"github.com/golang-jwt/jwt/v5"
)

// maxRefreshLead caps how far before expiry a token is proactively
// regenerated. The effective window is min(10s, ttl/3) so short-lived
// tokens still refresh early enough to survive skewed clocks.
const maxRefreshLead = 10 * time.Second

// Config holds the signing parameters for service tokens.
type Config struct {
	Secret   string
	Issuer   string
	Audience string
	Subject  string
	TTL      time.Duration
}

// Manager mints and caches an HS256 service token, regenerating it when the
// lease is absent or inside its refresh window. Safe for concurrent use.
type Manager struct {
	mu sync.Mutex

	secret   []byte
	issuer   string
	audience string
	subject  string
	ttl      time.Duration

	cached string
	expiry time.Time

	now func() time.Time
}

// NewManager creates a Manager. The secret must be non-empty; token
// generation is on the hot path for every outbound call and must not be
// able to fail for configuration reasons at request time.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("token secret is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	return &Manager{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		subject:  cfg.Subject,
		ttl:      cfg.TTL,
		now:      time.Now,
	}, nil
}

// Token returns a valid service token, minting a fresh one only when the
// cached lease is missing or has entered its refresh window. Generation
// failures are returned to the caller; they are not retried here.
func (m *Manager) Token() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.cached != "" && now.Before(m.expiry.Add(-m.refreshLead())) {
		return m.cached, nil
	}

	expiry := now.Add(m.ttl)
	claims := jwt.MapClaims{
		"iss": m.issuer,
		"aud": m.audience,
		"sub": m.subject,
		"iat": now.Unix(),
		"exp": expiry.Unix(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues("error").Inc()
		return "", fmt.Errorf("signing service token: %w", err)
	}

	m.cached = signed
	m.expiry = expiry
	metrics.TokenRefreshes.WithLabelValues("ok").Inc()
	return signed, nil
}

// refreshLead returns min(10s, ttl/3): how far before true expiry the lease
// is considered stale.
func (m *Manager) refreshLead() time.Duration {
	lead := m.ttl / 3
	if lead > maxRefreshLead {
		lead = maxRefreshLead
	}
	return lead
}

// Validate checks an inbound service token: HS256 signature, issuer,
// audience, and a required expiry claim. Used by the admin endpoints.
func (m *Manager) Validate(tokenStr string) error {
	_, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(m.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return fmt.Errorf("invalid service token: %w", err)
	}
	return nil
}
