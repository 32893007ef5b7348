package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bivex/pgupkeep/src/models"
)

// ErrStatusTimeout is returned when the underlying pool-status call did
// not complete within the guard's deadline. Callers still receive a
// degraded fallback status alongside it.
var ErrStatusTimeout = errors.New("pool status lookup timed out")

// StatusFunc is the underlying, potentially-blocking pool-status call.
type StatusFunc func(ctx context.Context) (models.PoolStatus, error)

// DefaultCacheTTL is how long a successful status result is served
// without re-invoking the underlying call.
const DefaultCacheTTL = 5 * time.Second

// DefaultTimeout bounds the underlying status call.
const DefaultTimeout = 3 * time.Second

// Guard wraps pool-status retrieval with a hard timeout and a
// stale-cache fallback. The underlying pool call has been observed to
// hang; the guard must never block its caller past the deadline.
type Guard struct {
	fetch   StatusFunc
	log     *logrus.Logger
	ttl     time.Duration
	timeout time.Duration

	mu        sync.Mutex
	cached    *models.PoolStatus
	cachedAt  time.Time
	fetchedAt time.Time // start time of the fetch that produced the cache
}

// New creates a Guard around the given status call with default TTL and timeout.
func New(fetch StatusFunc, log *logrus.Logger) *Guard {
	return &Guard{
		fetch:   fetch,
		log:     log,
		ttl:     DefaultCacheTTL,
		timeout: DefaultTimeout,
	}
}

// WithTimeout overrides the hard deadline for underlying calls.
func (g *Guard) WithTimeout(d time.Duration) *Guard {
	g.timeout = d
	return g
}

// WithCacheTTL overrides how long cached results stay fresh.
func (g *Guard) WithCacheTTL(d time.Duration) *Guard {
	g.ttl = d
	return g
}

type fetchResult struct {
	status models.PoolStatus
	err    error
}

// Status returns the pool status, serving a fresh cache entry when one
// exists, and otherwise running the underlying call on its own goroutine
// under the guard's deadline. On timeout it returns a degraded fallback
// together with ErrStatusTimeout; the in-flight worker is left to finish
// and refresh the cache on its own without corrupting newer entries.
func (g *Guard) Status(ctx context.Context) (models.PoolStatus, error) {
	g.mu.Lock()
	if g.cached != nil && time.Since(g.cachedAt) < g.ttl {
		cached := *g.cached
		g.mu.Unlock()
		return cached, nil
	}
	g.mu.Unlock()

	startedAt := time.Now()
	resultCh := make(chan fetchResult, 1)

	// The worker gets its own context so a caller timeout does not cancel
	// it mid-flight; a late completion still refreshes the cache.
	workerCtx, cancel := context.WithTimeout(context.Background(), 4*g.timeout)
	go func() {
		defer cancel()
		status, err := g.fetch(workerCtx)
		if err == nil {
			g.store(status, startedAt)
		}
		resultCh <- fetchResult{status: status, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			g.log.Warnf("Pool status lookup failed: %v", res.err)
			return g.degraded(fmt.Sprintf("status lookup failed: %v", res.err)), nil
		}
		return res.status, nil
	case <-time.After(g.timeout):
		g.log.Warnf("Pool status lookup exceeded %s, serving degraded fallback", g.timeout)
		return g.degraded(fmt.Sprintf("status lookup exceeded %s", g.timeout)), ErrStatusTimeout
	case <-ctx.Done():
		return g.degraded("caller context cancelled"), ctx.Err()
	}
}

// store caches a successful result unless a newer fetch already did.
func (g *Guard) store(status models.PoolStatus, startedAt time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if startedAt.Before(g.fetchedAt) {
		return
	}
	g.cached = &status
	g.cachedAt = time.Now()
	g.fetchedAt = startedAt
}

// degraded builds the fallback status, carrying the last known good
// numbers marked stale, or zeros when none exist.
func (g *Guard) degraded(reason string) models.PoolStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	status := models.PoolStatus{
		State:     models.PoolStatusDegraded,
		Reason:    reason,
		Stale:     true,
		CheckedAt: time.Now(),
	}
	if g.cached != nil {
		status.Stats = g.cached.Stats
		status.UtilizationRate = g.cached.UtilizationRate
	}
	return status
}

// OptimizationSuggestions derives simple utilization-based pool-sizing
// hints from the guarded status, under the same timeout discipline.
func (g *Guard) OptimizationSuggestions(ctx context.Context) ([]models.PoolSuggestion, error) {
	status, err := g.Status(ctx)
	if err != nil && !errors.Is(err, ErrStatusTimeout) {
		return nil, err
	}

	suggestions := make([]models.PoolSuggestion, 0, 2)

	if status.Stale {
		suggestions = append(suggestions, models.PoolSuggestion{
			Action:  models.ActionMaintain,
			Message: "pool status is stale; investigate pool responsiveness before resizing",
		})
		return suggestions, err
	}

	switch {
	case status.UtilizationRate >= 80:
		suggestions = append(suggestions, models.PoolSuggestion{
			Action:  models.ActionIncreaseMax,
			Message: fmt.Sprintf("utilization at %.1f%%; consider increasing pool size", status.UtilizationRate),
		})
	case status.UtilizationRate <= 20 && status.Stats.MaxConnections > 10:
		suggestions = append(suggestions, models.PoolSuggestion{
			Action:  models.ActionDecreaseMax,
			Message: fmt.Sprintf("utilization at %.1f%%; pool is oversized", status.UtilizationRate),
		})
	}

	if status.Stats.ConnectionErrs > 0 {
		suggestions = append(suggestions, models.PoolSuggestion{
			Action:  models.ActionMaintain,
			Message: fmt.Sprintf("%d connection errors recorded; investigate before changing pool size", status.Stats.ConnectionErrs),
		})
	}

	return suggestions, nil
}

// StatusFromStats adapts a stats source into a StatusFunc.
func StatusFromStats(source interface {
	Stats() (models.PoolStats, error)
}) StatusFunc {
	return func(ctx context.Context) (models.PoolStatus, error) {
		stats, err := source.Stats()
		if err != nil {
			return models.PoolStatus{}, err
		}
		status := models.PoolStatus{
			State:     models.PoolStatusHealthy,
			Stats:     stats,
			CheckedAt: time.Now(),
		}
		if stats.MaxConnections > 0 {
			status.UtilizationRate = float64(stats.UsedConnections) / float64(stats.MaxConnections) * 100
		}
		return status, nil
	}
}
