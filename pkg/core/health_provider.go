package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fe1fan/raven/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// HealthRegistry runs named checkers. Results are cached per component so
// a busy /healthz does not hammer the KV backend or remote providers, and
// each check is bounded by a timeout so one hung provider cannot stall the
// report.
type HealthRegistry struct {
	mu       sync.RWMutex
	checkers map[string]HealthChecker
	cache    map[string]HealthResult
	cacheTTL time.Duration
	timeout  time.Duration
	now      func() time.Time
}

// HealthOption configures a HealthRegistry.
type HealthOption func(*HealthRegistry)

// WithCheckTimeout bounds every check. The default is two seconds.
func WithCheckTimeout(d time.Duration) HealthOption {
	return func(r *HealthRegistry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewHealthRegistry caches results for cacheTTL. Zero means ten seconds,
// a negative value disables caching.
func NewHealthRegistry(cacheTTL time.Duration, opts ...HealthOption) *HealthRegistry {
	if cacheTTL == 0 {
		cacheTTL = 10 * time.Second
	}
	r := &HealthRegistry{
		checkers: make(map[string]HealthChecker),
		cache:    make(map[string]HealthResult),
		cacheTTL: cacheTTL,
		timeout:  2 * time.Second,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterChecker adds or replaces the checker of a component.
func (r *HealthRegistry) RegisterChecker(name string, checker HealthChecker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[name] = checker
	delete(r.cache, name)
}

// Names lists the registered components in order.
func (r *HealthRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.checkers))
	for name := range r.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check runs the checker of one component.
func (r *HealthRegistry) Check(ctx context.Context, name string) (HealthResult, error) {
	r.mu.RLock()
	checker, ok := r.checkers[name]
	r.mu.RUnlock()
	if !ok {
		return HealthResult{}, errors.New(errors.CodeNotFound,
			fmt.Sprintf("no health checker named %q", name), nil)
	}
	return r.run(ctx, name, checker), nil
}

// CheckAll runs every checker concurrently and returns the results sorted
// by component with the worst status as the overall one.
func (r *HealthRegistry) CheckAll(ctx context.Context) ([]HealthResult, HealthStatus) {
	names := r.Names()
	results := make([]HealthResult, len(names))

	r.mu.RLock()
	checkers := make([]HealthChecker, len(names))
	for i, name := range names {
		checkers[i] = r.checkers[name]
	}
	r.mu.RUnlock()

	var g errgroup.Group
	for i := range names {
		g.Go(func() error {
			results[i] = r.run(ctx, names[i], checkers[i])
			return nil
		})
	}
	_ = g.Wait()

	overall := HealthHealthy
	for _, res := range results {
		overall = worse(overall, res.Status)
	}
	return results, overall
}

func (r *HealthRegistry) run(ctx context.Context, name string, checker HealthChecker) HealthResult {
	if r.cacheTTL > 0 {
		r.mu.RLock()
		cached, ok := r.cache[name]
		r.mu.RUnlock()
		if ok && r.now().Sub(cached.LastCheck) < r.cacheTTL {
			return cached
		}
	}

	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	done := make(chan HealthResult, 1)
	go func() { done <- checker.Check(cctx) }()

	var result HealthResult
	select {
	case result = <-done:
	case <-cctx.Done():
		result = HealthResult{Status: HealthUnhealthy, Error: fmt.Errorf("check did not finish: %w", cctx.Err())}
	}
	result.Component = name
	if result.Status == "" {
		result.Status = HealthHealthy
	}
	if result.LastCheck.IsZero() {
		result.LastCheck = r.now()
	}
	if result.Error != nil && result.Message == "" {
		result.Message = result.Error.Error()
	}

	if r.cacheTTL > 0 {
		r.mu.Lock()
		r.cache[name] = result
		r.mu.Unlock()
	}
	return result
}
