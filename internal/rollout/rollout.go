// Package rollout owns the set of named inference instances, selects which
// instance serves a given request, and delegates execution to a per-instance
// service client with a single bounded fallback hop to the primary on
// connection failure.
package rollout

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/ai-gateway/internal/ai"
	"github.com/dskow/ai-gateway/internal/breaker"
	"github.com/dskow/ai-gateway/internal/gatewayerr"
	"github.com/dskow/ai-gateway/internal/metrics"
)

// Rollout strategies. The blue, green, and canary strategies force the
// instance of the same name; gradual splits traffic by sticky user-key
// hashing; user-groups routes configured groups to the secondary instance.
const (
	StrategyBlue       = "blue"
	StrategyGreen      = "green"
	StrategyCanary     = "canary"
	StrategyGradual    = "gradual"
	StrategyUserGroups = "user-groups"
)

// PrimaryInstance is the designated fallback target. Exactly one configured
// instance must carry this name.
const PrimaryInstance = "blue"

// ValidStrategy reports whether s is a known rollout strategy.
func ValidStrategy(s string) bool {
	switch s {
	case StrategyBlue, StrategyGreen, StrategyCanary, StrategyGradual, StrategyUserGroups:
		return true
	}
	return false
}

// Instance is the identity of one upstream deployment. Immutable after
// configuration load.
type Instance struct {
	Name    string `json:"name"`
	BaseURL string `json:"base_url"`
	Version string `json:"version"`
	Weight  int    `json:"weight"`
}

// Config is the mutable rollout configuration, read on every selection and
// replaced atomically by Update.
type Config struct {
	Strategy   string   `json:"strategy"`
	Percentage int      `json:"percentage"`
	UserGroups []string `json:"user_groups"`
}

// Caller is the per-instance call path. Implemented by *client.Client;
// an interface so tests can substitute fakes.
type Caller interface {
	Name() string
	Version() string
	BreakerSnapshot() breaker.Snapshot
	Chat(ctx context.Context, req ai.ChatRequest) (ai.ChatResponse, error)
	Models(ctx context.Context) (ai.ModelsResponse, error)
	Health(ctx context.Context) (ai.HealthResponse, error)
}

// Failure is the structured routing failure returned to callers as data.
// No raw error crosses the gateway boundary.
type Failure struct {
	Success   bool            `json:"success"`
	Error     string          `json:"error"`
	Code      string          `json:"code"`
	Instance  string          `json:"instance"`
	Operation string          `json:"operation"`
	Details   *FailureDetails `json:"details,omitempty"`

	// HTTPStatus is the status the HTTP surface reports; not serialized.
	HTTPStatus int `json:"-"`
}

// FailureDetails enumerates both failures when the fallback hop to the
// primary also failed.
type FailureDetails struct {
	Primary  string `json:"primary"`
	Fallback string `json:"fallback"`
}

// Manager routes requests across instances. Selection state (strategy,
// percentage, groups) is guarded by a mutex and swapped atomically so a
// reader never observes a torn update.
type Manager struct {
	mu         sync.RWMutex
	strategy   string
	percentage int
	groups     map[string]struct{}

	instances []Instance
	clients   map[string]Caller
	secondary string
	recorder  *metrics.Recorder
	logger    *slog.Logger
}

// New creates a Manager. instances must include the primary ("blue");
// clients must hold one Caller per instance.
func New(instances []Instance, clients map[string]Caller, cfg Config, recorder *metrics.Recorder, logger *slog.Logger) (*Manager, error) {
	if _, ok := clients[PrimaryInstance]; !ok {
		return nil, fmt.Errorf("primary instance %q is not configured", PrimaryInstance)
	}
	for _, inst := range instances {
		if _, ok := clients[inst.Name]; !ok {
			return nil, fmt.Errorf("no client for instance %q", inst.Name)
		}
	}
	if !ValidStrategy(cfg.Strategy) {
		return nil, fmt.Errorf("unknown rollout strategy %q", cfg.Strategy)
	}

	m := &Manager{
		strategy:   cfg.Strategy,
		percentage: cfg.Percentage,
		groups:     groupSet(cfg.UserGroups),
		instances:  instances,
		clients:    clients,
		secondary:  pickSecondary(instances),
		recorder:   recorder,
		logger:     logger,
	}
	return m, nil
}

// pickSecondary returns the highest-weight non-primary instance, or the
// primary when no other instance is configured.
func pickSecondary(instances []Instance) string {
	best := PrimaryInstance
	bestWeight := -1
	for _, inst := range instances {
		if inst.Name == PrimaryInstance {
			continue
		}
		if inst.Weight > bestWeight {
			best = inst.Name
			bestWeight = inst.Weight
		}
	}
	return best
}

func groupSet(groups []string) map[string]struct{} {
	set := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		set[g] = struct{}{}
	}
	return set
}

// SelectInstance returns the instance name that should serve a request for
// the given user key and group under the current rollout configuration.
func (m *Manager) SelectInstance(userKey, userGroup string) string {
	m.mu.RLock()
	strategy := m.strategy
	percentage := m.percentage
	_, inGroup := m.groups[userGroup]
	m.mu.RUnlock()

	switch strategy {
	case StrategyBlue, StrategyGreen, StrategyCanary:
		if _, ok := m.clients[strategy]; ok {
			return strategy
		}
		return PrimaryInstance
	case StrategyGradual:
		if int(bucket(userKey)) <= percentage {
			return m.secondary
		}
		return PrimaryInstance
	case StrategyUserGroups:
		if inGroup && userGroup != "" {
			return m.secondary
		}
		return PrimaryInstance
	default:
		return PrimaryInstance
	}
}

// bucket maps a user key into [0,100) with FNV-1a. The same key always maps
// to the same bucket, giving users a sticky rollout exposure.
func bucket(userKey string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(userKey)) //nolint:errcheck
	return h.Sum32() % 100
}

// Update atomically replaces the rollout configuration. A nil percentage or
// userGroups keeps the current value. Takes effect on the next selection;
// in-flight requests are unaffected.
func (m *Manager) Update(strategy string, percentage *int, userGroups []string) error {
	if !ValidStrategy(strategy) {
		return fmt.Errorf("unknown rollout strategy %q", strategy)
	}
	if percentage != nil && (*percentage < 0 || *percentage > 100) {
		return fmt.Errorf("percentage must be between 0 and 100, got %d", *percentage)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategy = strategy
	if percentage != nil {
		m.percentage = *percentage
	}
	if userGroups != nil {
		m.groups = groupSet(userGroups)
	}

	m.logger.Info("rollout configuration updated",
		"strategy", m.strategy,
		"percentage", m.percentage,
		"user_groups", len(m.groups),
	)
	return nil
}

// Rollout returns a copy of the current rollout configuration.
func (m *Manager) Rollout() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	groups := make([]string, 0, len(m.groups))
	for g := range m.groups {
		groups = append(groups, g)
	}
	return Config{Strategy: m.strategy, Percentage: m.percentage, UserGroups: groups}
}

// Chat routes a chat request.
func (m *Manager) Chat(ctx context.Context, req ai.ChatRequest, userKey, userGroup string) (ai.ChatResponse, *Failure) {
	return route(m, ctx, "chat", userKey, userGroup, func(ctx context.Context, c Caller) (ai.ChatResponse, error) {
		return c.Chat(ctx, req)
	})
}

// Models routes a model catalog request.
func (m *Manager) Models(ctx context.Context, userKey, userGroup string) (ai.ModelsResponse, *Failure) {
	return route(m, ctx, "models", userKey, userGroup, func(ctx context.Context, c Caller) (ai.ModelsResponse, error) {
		return c.Models(ctx)
	})
}

// Health routes a health probe.
func (m *Manager) Health(ctx context.Context, userKey, userGroup string) (ai.HealthResponse, *Failure) {
	return route(m, ctx, "health", userKey, userGroup, func(ctx context.Context, c Caller) (ai.HealthResponse, error) {
		return c.Health(ctx)
	})
}

// route dispatches to the selected instance and applies the bounded
// fallback-to-primary hop: a connection-level failure on a non-primary
// instance is retried exactly once against the primary. If that also fails
// the Failure enumerates both errors. Routing failures are returned as
// data, never raised.
func route[T any](m *Manager, ctx context.Context, op, userKey, userGroup string, call func(context.Context, Caller) (T, error)) (T, *Failure) {
	var zero T

	selected := m.SelectInstance(userKey, userGroup)
	v, err := dispatch(m, ctx, op, selected, call)
	if err == nil {
		return v, nil
	}

	if gatewayerr.ClassOf(err) == gatewayerr.ClassConnection && selected != PrimaryInstance {
		metrics.PrimaryFallbacks.WithLabelValues(selected, op).Inc()
		m.logger.Warn("connection failure, rerouting to primary",
			"instance", selected,
			"operation", op,
			"error", err,
		)

		v2, err2 := dispatch(m, ctx, op, PrimaryInstance, call)
		if err2 == nil {
			return v2, nil
		}
		class := gatewayerr.ClassOf(err2)
		return zero, &Failure{
			Error:      "all instances failed",
			Code:       class.Code(),
			Instance:   PrimaryInstance,
			Operation:  op,
			Details:    &FailureDetails{Primary: err.Error(), Fallback: err2.Error()},
			HTTPStatus: class.HTTPStatus(),
		}
	}

	class := gatewayerr.ClassOf(err)
	return zero, &Failure{
		Error:      err.Error(),
		Code:       class.Code(),
		Instance:   selected,
		Operation:  op,
		HTTPStatus: class.HTTPStatus(),
	}
}

// dispatch runs one call against one instance, recording request, latency,
// and error metrics.
func dispatch[T any](m *Manager, ctx context.Context, op, name string, call func(context.Context, Caller) (T, error)) (T, error) {
	c := m.clients[name]
	m.recorder.RecordRequest(name)

	start := time.Now()
	v, err := call(ctx, c)
	latency := time.Since(start)

	m.recorder.RecordResult(name, latency, err != nil)

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.UpstreamRequests.WithLabelValues(name, op, outcome).Inc()
	metrics.UpstreamDuration.WithLabelValues(name, op).Observe(latency.Seconds())

	return v, err
}

// InstanceStatus is the admin view of one instance.
type InstanceStatus struct {
	Name    string                   `json:"name"`
	BaseURL string                   `json:"base_url"`
	Version string                   `json:"version"`
	Weight  int                      `json:"weight"`
	Breaker breaker.Snapshot         `json:"circuit_breaker"`
	Metrics metrics.InstanceSnapshot `json:"metrics"`
}

// Snapshot returns per-instance status plus process-wide totals for the
// admin API.
func (m *Manager) Snapshot() ([]InstanceStatus, metrics.InstanceSnapshot) {
	perInstance, totals := m.recorder.Snapshot()

	statuses := make([]InstanceStatus, 0, len(m.instances))
	for _, inst := range m.instances {
		statuses = append(statuses, InstanceStatus{
			Name:    inst.Name,
			BaseURL: inst.BaseURL,
			Version: inst.Version,
			Weight:  inst.Weight,
			Breaker: m.clients[inst.Name].BreakerSnapshot(),
			Metrics: perInstance[inst.Name],
		})
	}
	return statuses, totals
}
