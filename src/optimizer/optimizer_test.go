package optimizer

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bivex/pgupkeep/src/models"
)

type fakeStats struct {
	stats models.PoolStats
	err   error
	calls int
}

func (f *fakeStats) Stats() (models.PoolStats, error) {
	f.calls++
	return f.stats, f.err
}

func newTestOptimizer(stats *fakeStats) *Optimizer {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return New(stats, log, time.Minute, time.Hour)
}

func TestCurrentMetricsZeroSnapshotOnError(t *testing.T) {
	o := newTestOptimizer(&fakeStats{err: errors.New("pool gone")})

	m := o.CurrentMetrics()

	assert.False(t, m.Timestamp.IsZero())
	assert.Equal(t, 0, m.MaxConnections)
	assert.Equal(t, 0.0, m.UtilizationRate)
}

func TestRecommendationsScaleUpAtSaturation(t *testing.T) {
	o := newTestOptimizer(&fakeStats{stats: models.PoolStats{
		MinConnections:  5,
		MaxConnections:  100,
		UsedConnections: 96,
	}})

	recs := o.Recommendations()

	require.NotEmpty(t, recs)
	assert.Equal(t, models.ActionScaleUp, recs[0].Action)
	assert.Equal(t, 95.0, recs[0].Confidence)
	assert.Equal(t, 150, recs[0].RecommendedValue)
}

func TestRecommendationsRespectCeiling(t *testing.T) {
	o := newTestOptimizer(&fakeStats{stats: models.PoolStats{
		MaxConnections:  180,
		UsedConnections: 175,
	}})

	recs := o.Recommendations()

	require.NotEmpty(t, recs)
	assert.LessOrEqual(t, recs[0].RecommendedValue, 200)
}

func TestRecommendationsIncreaseMaxUnderPressure(t *testing.T) {
	o := newTestOptimizer(&fakeStats{stats: models.PoolStats{
		MaxConnections:  100,
		UsedConnections: 87,
	}})

	recs := o.Recommendations()

	require.NotEmpty(t, recs)
	assert.Equal(t, models.ActionIncreaseMax, recs[0].Action)
	assert.Equal(t, 85.0, recs[0].Confidence)
}

func TestRecommendationsDecreaseOversizedPool(t *testing.T) {
	o := newTestOptimizer(&fakeStats{stats: models.PoolStats{
		MaxConnections:  100,
		UsedConnections: 20,
	}})

	recs := o.Recommendations()

	require.NotEmpty(t, recs)
	assert.Equal(t, models.ActionDecreaseMax, recs[0].Action)
	assert.Equal(t, 70.0, recs[0].Confidence)
	assert.Equal(t, 75, recs[0].RecommendedValue)
}

func TestRecommendationsNoShrinkForSmallPool(t *testing.T) {
	o := newTestOptimizer(&fakeStats{stats: models.PoolStats{
		MaxConnections:  20,
		UsedConnections: 4,
	}})

	for _, rec := range o.Recommendations() {
		assert.NotEqual(t, models.ActionDecreaseMax, rec.Action)
	}
}

func TestRecommendationsMaintainOnConnectionErrors(t *testing.T) {
	o := newTestOptimizer(&fakeStats{stats: models.PoolStats{
		MaxConnections:  20,
		UsedConnections: 14,
		ConnectionErrs:  25,
	}})

	recs := o.Recommendations()

	require.NotEmpty(t, recs)
	found := false
	for _, rec := range recs {
		if rec.Action == models.ActionMaintain {
			found = true
			assert.Equal(t, 90.0, rec.Confidence)
			assert.Equal(t, models.RiskHigh, rec.Risk)
		}
	}
	assert.True(t, found)
}

func TestAnalyzeLoadPatternsRequiresSamples(t *testing.T) {
	o := newTestOptimizer(&fakeStats{})

	_, err := o.AnalyzeLoadPatterns()

	assert.Error(t, err)
}

func TestAnalyzeLoadPatterns(t *testing.T) {
	o := newTestOptimizer(&fakeStats{})

	peak := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	low := time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)

	for i := 0; i < 8; i++ {
		o.RecordMetrics(models.PoolMetrics{
			Timestamp:       peak.Add(time.Duration(i) * time.Minute),
			MinConnections:  10,
			MaxConnections:  50,
			UtilizationRate: 90,
		})
	}
	for i := 0; i < 7; i++ {
		o.RecordMetrics(models.PoolMetrics{
			Timestamp:       low.Add(time.Duration(i) * time.Minute),
			MinConnections:  10,
			MaxConnections:  50,
			UtilizationRate: 10,
		})
	}

	pattern, err := o.AnalyzeLoadPatterns()
	require.NoError(t, err)

	assert.Contains(t, pattern.PeakHours, 14)
	assert.Contains(t, pattern.LowHours, 3)
	// 50 * 90/70 = 64, grown toward the ideal band at peak.
	assert.Equal(t, 64, pattern.RecommendedMaxConn)
	// 10 * 0.7 = 7, shrunk because the quiet hours idle below 30%.
	assert.Equal(t, 7, pattern.RecommendedMinConn)
	assert.Equal(t, 1, pattern.ScalingEvents)
}

func TestAnalyzeLoadPatternsMinFloor(t *testing.T) {
	o := newTestOptimizer(&fakeStats{})

	low := time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
	for i := 0; i < 12; i++ {
		o.RecordMetrics(models.PoolMetrics{
			Timestamp:       low.Add(time.Duration(i) * time.Minute),
			MinConnections:  2,
			MaxConnections:  50,
			UtilizationRate: 5,
		})
	}

	pattern, err := o.AnalyzeLoadPatterns()
	require.NoError(t, err)

	assert.Equal(t, 2, pattern.RecommendedMinConn)
}

func TestHistoryEviction(t *testing.T) {
	o := newTestOptimizer(&fakeStats{})

	for i := 0; i < historyCapacity+5; i++ {
		o.RecordMetrics(models.PoolMetrics{Timestamp: time.Now()})
	}

	assert.Len(t, o.History(), historyCapacity)
}

func TestApplyOptimizationDryRun(t *testing.T) {
	o := newTestOptimizer(&fakeStats{})
	rec := models.OptimizationRecommendation{
		Action:           models.ActionIncreaseMax,
		CurrentValue:     20,
		RecommendedValue: 25,
	}

	assert.NoError(t, o.ApplyOptimization(rec, true))
	assert.Error(t, o.ApplyOptimization(rec, false))
}

func TestNotifyCooldown(t *testing.T) {
	o := newTestOptimizer(&fakeStats{stats: models.PoolStats{
		MaxConnections:  100,
		UsedConnections: 96,
	}})

	var fired int
	o.AddHandler(func(models.OptimizationRecommendation) { fired++ })

	recs := o.Recommendations()
	o.notify(recs)
	o.notify(recs)

	assert.Equal(t, 1, fired)
}
