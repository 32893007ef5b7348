package guard

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bivex/pgupkeep/src/models"
)

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func healthyStatus(used, max int) models.PoolStatus {
	return models.PoolStatus{
		State:           models.PoolStatusHealthy,
		Stats:           models.PoolStats{UsedConnections: used, MaxConnections: max},
		UtilizationRate: float64(used) / float64(max) * 100,
		CheckedAt:       time.Now(),
	}
}

func TestStatusServesCacheWithinTTL(t *testing.T) {
	var calls int32
	fetch := func(ctx context.Context) (models.PoolStatus, error) {
		atomic.AddInt32(&calls, 1)
		return healthyStatus(10, 20), nil
	}

	g := New(fetch, quietLog())

	first, err := g.Status(context.Background())
	require.NoError(t, err)
	second, err := g.Status(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, first.Stats, second.Stats)
	assert.Equal(t, models.PoolStatusHealthy, second.State)
}

func TestStatusRefetchesAfterTTL(t *testing.T) {
	var calls int32
	fetch := func(ctx context.Context) (models.PoolStatus, error) {
		atomic.AddInt32(&calls, 1)
		return healthyStatus(10, 20), nil
	}

	g := New(fetch, quietLog()).WithCacheTTL(10 * time.Millisecond)

	_, err := g.Status(context.Background())
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = g.Status(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestStatusTimeoutReturnsDegraded(t *testing.T) {
	fetch := func(ctx context.Context) (models.PoolStatus, error) {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
		return models.PoolStatus{}, ctx.Err()
	}

	g := New(fetch, quietLog()).WithTimeout(20 * time.Millisecond)

	status, err := g.Status(context.Background())

	assert.ErrorIs(t, err, ErrStatusTimeout)
	assert.Equal(t, models.PoolStatusDegraded, status.State)
	assert.True(t, status.Stale)
}

func TestStatusTimeoutCarriesLastGoodStats(t *testing.T) {
	var hang int32
	fetch := func(ctx context.Context) (models.PoolStatus, error) {
		if atomic.LoadInt32(&hang) == 1 {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			return models.PoolStatus{}, ctx.Err()
		}
		return healthyStatus(15, 20), nil
	}

	g := New(fetch, quietLog()).
		WithTimeout(20 * time.Millisecond).
		WithCacheTTL(time.Nanosecond)

	_, err := g.Status(context.Background())
	require.NoError(t, err)

	atomic.StoreInt32(&hang, 1)
	time.Sleep(time.Millisecond)

	status, err := g.Status(context.Background())

	assert.ErrorIs(t, err, ErrStatusTimeout)
	assert.True(t, status.Stale)
	assert.Equal(t, 15, status.Stats.UsedConnections)
	assert.Equal(t, 75.0, status.UtilizationRate)
}

func TestStatusFetchErrorReturnsDegradedWithoutError(t *testing.T) {
	fetch := func(ctx context.Context) (models.PoolStatus, error) {
		return models.PoolStatus{}, errors.New("pool closed")
	}

	g := New(fetch, quietLog())

	status, err := g.Status(context.Background())

	require.NoError(t, err)
	assert.Equal(t, models.PoolStatusDegraded, status.State)
	assert.True(t, status.Stale)
	assert.Contains(t, status.Reason, "pool closed")
}

func TestLateWorkerDoesNotOverwriteNewerCache(t *testing.T) {
	g := New(nil, quietLog())

	newer := time.Now()
	g.store(healthyStatus(10, 20), newer)

	stale := healthyStatus(1, 20)
	g.store(stale, newer.Add(-time.Second))

	status, err := g.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, status.Stats.UsedConnections)
}

func TestOptimizationSuggestionsHighUtilization(t *testing.T) {
	fetch := func(ctx context.Context) (models.PoolStatus, error) {
		return healthyStatus(18, 20), nil
	}

	g := New(fetch, quietLog())

	suggestions, err := g.OptimizationSuggestions(context.Background())
	require.NoError(t, err)
	require.Len(t, suggestions, 1)
	assert.Equal(t, models.ActionIncreaseMax, suggestions[0].Action)
}

func TestOptimizationSuggestionsStaleAdvisesMaintain(t *testing.T) {
	fetch := func(ctx context.Context) (models.PoolStatus, error) {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
		return models.PoolStatus{}, ctx.Err()
	}

	g := New(fetch, quietLog()).WithTimeout(20 * time.Millisecond)

	suggestions, err := g.OptimizationSuggestions(context.Background())

	assert.ErrorIs(t, err, ErrStatusTimeout)
	require.Len(t, suggestions, 1)
	assert.Equal(t, models.ActionMaintain, suggestions[0].Action)
}

func TestStatusFromStats(t *testing.T) {
	fetch := StatusFromStats(stubStats{models.PoolStats{UsedConnections: 8, MaxConnections: 10}})

	status, err := fetch(context.Background())

	require.NoError(t, err)
	assert.Equal(t, models.PoolStatusHealthy, status.State)
	assert.Equal(t, 80.0, status.UtilizationRate)
}

type stubStats struct {
	stats models.PoolStats
}

func (s stubStats) Stats() (models.PoolStats, error) {
	return s.stats, nil
}
