package optimizer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bivex/pgupkeep/src/db"
	"github.com/bivex/pgupkeep/src/models"
)

const (
	// historyCapacity bounds the rolling window to 24h of minute samples.
	historyCapacity = 1440

	// minSamplesForAnalysis is the minimum history before load patterns
	// can be derived.
	minSamplesForAnalysis = 10

	// maxConnCeiling is the hard upper bound any recommendation may reach.
	maxConnCeiling = 200

	// minConnFloor is the hard lower bound for recommended minimums.
	minConnFloor = 2

	peakHourThreshold = 70.0
	lowHourThreshold  = 40.0

	// notifyConfidence is the minimum confidence for handler notification.
	notifyConfidence = 80.0

	// reanalysisPeriod is how often the full pattern analysis reruns.
	reanalysisPeriod = 7 * 24 * time.Hour
)

// Handler receives high-confidence recommendations from the background loop.
type Handler func(models.OptimizationRecommendation)

// Optimizer samples pool statistics, scores efficiency, detects load
// patterns over a rolling window and emits scaling recommendations.
type Optimizer struct {
	stats          db.StatsSource
	log            *logrus.Logger
	sampleInterval time.Duration
	cooldown       time.Duration
	errorThreshold int64

	mu           sync.RWMutex
	history      []models.PoolMetrics
	pattern      *models.PoolLoadPattern
	handlers     []Handler
	lastNotify   time.Time
	lastAnalysis time.Time
}

// New creates an Optimizer over the given stats source.
func New(stats db.StatsSource, log *logrus.Logger, sampleInterval, cooldown time.Duration) *Optimizer {
	return &Optimizer{
		stats:          stats,
		log:            log,
		sampleInterval: sampleInterval,
		cooldown:       cooldown,
		errorThreshold: 10,
		history:        make([]models.PoolMetrics, 0, historyCapacity),
	}
}

// AddHandler registers a recommendation handler invoked by the loop.
func (o *Optimizer) AddHandler(h Handler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers = append(o.handlers, h)
}

// CurrentMetrics reads the pool statistics and derives a snapshot.
// A failed read yields a zero-valued snapshot: monitoring must never
// crash the caller.
func (o *Optimizer) CurrentMetrics() models.PoolMetrics {
	stats, err := o.stats.Stats()
	if err != nil {
		o.log.Warnf("Failed to read pool stats: %v", err)
		return models.PoolMetrics{Timestamp: time.Now()}
	}
	return models.NewPoolMetrics(stats)
}

// Sample records one metrics snapshot into the rolling history.
func (o *Optimizer) Sample() models.PoolMetrics {
	m := o.CurrentMetrics()

	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.history) >= historyCapacity {
		o.history = o.history[1:]
	}
	o.history = append(o.history, m)
	return m
}

// RecordMetrics appends an externally built snapshot to the history.
func (o *Optimizer) RecordMetrics(m models.PoolMetrics) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.history) >= historyCapacity {
		o.history = o.history[1:]
	}
	o.history = append(o.history, m)
}

// History returns a copy of the rolling metrics window.
func (o *Optimizer) History() []models.PoolMetrics {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]models.PoolMetrics, len(o.history))
	copy(out, o.history)
	return out
}

// AnalyzeLoadPatterns groups the history by hour of day, classifies peak
// and low hours and derives new recommended pool bounds. Requires at
// least ten samples.
func (o *Optimizer) AnalyzeLoadPatterns() (*models.PoolLoadPattern, error) {
	history := o.History()
	if len(history) < minSamplesForAnalysis {
		return nil, fmt.Errorf("need at least %d samples for pattern analysis, have %d", minSamplesForAnalysis, len(history))
	}

	byHour := make(map[int][]float64)
	for _, m := range history {
		hour := m.Timestamp.Hour()
		byHour[hour] = append(byHour[hour], m.UtilizationRate)
	}

	latest := history[len(history)-1]

	pattern := &models.PoolLoadPattern{
		RecommendedMinConn: latest.MinConnections,
		RecommendedMaxConn: latest.MaxConnections,
		AnalyzedAt:         time.Now(),
	}

	peakUtil := 0.0
	lowUtil := 100.0
	for hour, samples := range byHour {
		avg := mean(samples)
		if avg >= peakHourThreshold {
			pattern.PeakHours = append(pattern.PeakHours, hour)
			if avg > peakUtil {
				peakUtil = avg
			}
		}
		if avg <= lowHourThreshold {
			pattern.LowHours = append(pattern.LowHours, hour)
			if avg < lowUtil {
				lowUtil = avg
			}
		}
	}
	sort.Ints(pattern.PeakHours)
	sort.Ints(pattern.LowHours)

	// Grow the maximum proportionally toward peak demand, aiming for the
	// middle of the ideal 60-80% utilization band at peak.
	if len(pattern.PeakHours) > 0 && latest.MaxConnections > 0 {
		recommended := int(float64(latest.MaxConnections) * peakUtil / 70.0)
		if recommended > maxConnCeiling {
			recommended = maxConnCeiling
		}
		if recommended > pattern.RecommendedMaxConn {
			pattern.RecommendedMaxConn = recommended
		}
	}

	// Shrink the minimum by 30% when the quietest hours sit below 30%.
	if len(pattern.LowHours) > 0 && lowUtil < 30 {
		recommended := int(float64(latest.MinConnections) * 0.7)
		if recommended < minConnFloor {
			recommended = minConnFloor
		}
		pattern.RecommendedMinConn = recommended
	}

	o.mu.Lock()
	if o.pattern == nil ||
		o.pattern.RecommendedMinConn != pattern.RecommendedMinConn ||
		o.pattern.RecommendedMaxConn != pattern.RecommendedMaxConn {
		pattern.ScalingEvents = 1
		if o.pattern != nil {
			pattern.ScalingEvents = o.pattern.ScalingEvents + 1
		}
	} else {
		pattern.ScalingEvents = o.pattern.ScalingEvents
	}
	o.pattern = pattern
	o.lastAnalysis = time.Now()
	o.mu.Unlock()

	o.log.Infof("Load pattern analyzed: %d peak hours, %d low hours, recommended min=%d max=%d",
		len(pattern.PeakHours), len(pattern.LowHours), pattern.RecommendedMinConn, pattern.RecommendedMaxConn)

	return pattern, nil
}

// LoadPattern returns the last derived pattern, if any.
func (o *Optimizer) LoadPattern() *models.PoolLoadPattern {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.pattern == nil {
		return nil
	}
	p := *o.pattern
	return &p
}

// Recommendations evaluates the latest snapshot against the threshold
// ladder and returns zero or more fresh recommendations.
func (o *Optimizer) Recommendations() []models.OptimizationRecommendation {
	m := o.CurrentMetrics()
	return o.evaluate(m)
}

func (o *Optimizer) evaluate(m models.PoolMetrics) []models.OptimizationRecommendation {
	recs := make([]models.OptimizationRecommendation, 0, 2)
	now := time.Now()

	switch {
	case m.UtilizationRate >= 95:
		recommended := m.MaxConnections + m.MaxConnections/2
		if recommended > maxConnCeiling {
			recommended = maxConnCeiling
		}
		recs = append(recs, models.OptimizationRecommendation{
			Action:           models.ActionScaleUp,
			Reason:           fmt.Sprintf("pool utilization at %.1f%%, connection exhaustion imminent", m.UtilizationRate),
			CurrentValue:     m.MaxConnections,
			RecommendedValue: recommended,
			Confidence:       95,
			ExpectedImpact:   "prevents connection exhaustion and request queuing",
			Risk:             models.RiskLow,
			Complexity:       models.ComplexityMedium,
			CreatedAt:        now,
		})
	case m.UtilizationRate >= 85:
		recommended := m.MaxConnections + m.MaxConnections/4
		if recommended > maxConnCeiling {
			recommended = maxConnCeiling
		}
		recs = append(recs, models.OptimizationRecommendation{
			Action:           models.ActionIncreaseMax,
			Reason:           fmt.Sprintf("pool utilization at %.1f%%, sustained pressure on maximum", m.UtilizationRate),
			CurrentValue:     m.MaxConnections,
			RecommendedValue: recommended,
			Confidence:       85,
			ExpectedImpact:   "restores headroom during load spikes",
			Risk:             models.RiskLow,
			Complexity:       models.ComplexityMedium,
			CreatedAt:        now,
		})
	case m.UtilizationRate <= 30 && m.MaxConnections > 20:
		recommended := m.MaxConnections * 3 / 4
		if recommended < 20 {
			recommended = 20
		}
		recs = append(recs, models.OptimizationRecommendation{
			Action:           models.ActionDecreaseMax,
			Reason:           fmt.Sprintf("pool utilization at %.1f%%, pool is oversized", m.UtilizationRate),
			CurrentValue:     m.MaxConnections,
			RecommendedValue: recommended,
			Confidence:       70,
			ExpectedImpact:   "frees database server memory and backend slots",
			Risk:             models.RiskMedium,
			Complexity:       models.ComplexityMedium,
			CreatedAt:        now,
		})
	}

	if m.EfficiencyScore < 60 {
		if rec := o.patternRecommendation(m, now); rec != nil {
			recs = append(recs, *rec)
		}
	}

	if m.ConnectionErrs > o.errorThreshold {
		recs = append(recs, models.OptimizationRecommendation{
			Action:           models.ActionMaintain,
			Reason:           fmt.Sprintf("%d connection errors recorded; investigate root cause before resizing", m.ConnectionErrs),
			CurrentValue:     m.MaxConnections,
			RecommendedValue: m.MaxConnections,
			Confidence:       90,
			ExpectedImpact:   "avoids masking a connectivity problem with a pool change",
			Risk:             models.RiskHigh,
			Complexity:       models.ComplexityHard,
			CreatedAt:        now,
		})
	}

	return recs
}

// patternRecommendation defers a poor-efficiency snapshot to the
// load-pattern-derived bounds when available.
func (o *Optimizer) patternRecommendation(m models.PoolMetrics, now time.Time) *models.OptimizationRecommendation {
	pattern := o.LoadPattern()
	if pattern == nil {
		return nil
	}

	if pattern.RecommendedMaxConn != m.MaxConnections {
		action := models.ActionIncreaseMax
		if pattern.RecommendedMaxConn < m.MaxConnections {
			action = models.ActionDecreaseMax
		}
		return &models.OptimizationRecommendation{
			Action:           action,
			Reason:           fmt.Sprintf("efficiency score %.0f; load pattern suggests max=%d", m.EfficiencyScore, pattern.RecommendedMaxConn),
			CurrentValue:     m.MaxConnections,
			RecommendedValue: pattern.RecommendedMaxConn,
			Confidence:       80,
			ExpectedImpact:   "aligns pool bounds with observed daily load",
			Risk:             models.RiskMedium,
			Complexity:       models.ComplexityMedium,
			CreatedAt:        now,
		}
	}

	if pattern.RecommendedMinConn != m.MinConnections {
		action := models.ActionIncreaseMin
		if pattern.RecommendedMinConn < m.MinConnections {
			action = models.ActionDecreaseMin
		}
		return &models.OptimizationRecommendation{
			Action:           action,
			Reason:           fmt.Sprintf("efficiency score %.0f; load pattern suggests min=%d", m.EfficiencyScore, pattern.RecommendedMinConn),
			CurrentValue:     m.MinConnections,
			RecommendedValue: pattern.RecommendedMinConn,
			Confidence:       75,
			ExpectedImpact:   "matches idle capacity to the quiet hours",
			Risk:             models.RiskLow,
			Complexity:       models.ComplexityMedium,
			CreatedAt:        now,
		}
	}

	return nil
}

// ApplyOptimization applies a recommendation. Live pool resizing is not
// supported here: pgx pools are sized at construction, so a live apply
// reports failure with an explicit manual-action message instead of
// silently doing nothing.
func (o *Optimizer) ApplyOptimization(rec models.OptimizationRecommendation, dryRun bool) error {
	if dryRun {
		o.log.Infof("[dry-run] would apply %s: %d -> %d (%s)",
			rec.Action, rec.CurrentValue, rec.RecommendedValue, rec.Reason)
		return nil
	}
	return fmt.Errorf("pool resizing requires pool recreation: manual action required to apply %s (%d -> %d)",
		rec.Action, rec.CurrentValue, rec.RecommendedValue)
}

// Run is the background sampling loop. Every interval it samples the
// pool, checks alert conditions, notifies handlers about high-confidence
// recommendations under the cooldown, and periodically reruns the full
// pattern analysis. A single failed iteration never terminates the loop.
func (o *Optimizer) Run(ctx context.Context) {
	ticker := time.NewTicker(o.sampleInterval)
	defer ticker.Stop()

	o.log.Info("Pool optimizer loop started")

	for {
		select {
		case <-ctx.Done():
			o.log.Info("Pool optimizer loop stopped")
			return
		case <-ticker.C:
			o.iterate()
		}
	}
}

func (o *Optimizer) iterate() {
	defer func() {
		if r := recover(); r != nil {
			o.log.Errorf("Pool optimizer iteration panicked: %v", r)
		}
	}()

	m := o.Sample()
	o.checkAlerts(m)

	recs := o.evaluate(m)
	o.notify(recs)

	o.mu.RLock()
	due := time.Since(o.lastAnalysis) >= reanalysisPeriod
	o.mu.RUnlock()
	if due {
		if _, err := o.AnalyzeLoadPatterns(); err != nil {
			o.log.Debugf("Pattern analysis skipped: %v", err)
		}
	}
}

func (o *Optimizer) checkAlerts(m models.PoolMetrics) {
	if m.UtilizationRate >= 90 {
		o.log.Warnf("Pool utilization at %.1f%% (%d/%d connections)",
			m.UtilizationRate, m.UsedConnections, m.MaxConnections)
	}
	if m.ConnectionErrs > o.errorThreshold {
		o.log.Warnf("Pool has recorded %d connection errors", m.ConnectionErrs)
	}
}

// notify dispatches high-confidence recommendations, at most once per cooldown.
func (o *Optimizer) notify(recs []models.OptimizationRecommendation) {
	o.mu.Lock()
	if time.Since(o.lastNotify) < o.cooldown {
		o.mu.Unlock()
		return
	}
	handlers := make([]Handler, len(o.handlers))
	copy(handlers, o.handlers)

	notified := false
	for _, rec := range recs {
		if rec.Confidence < notifyConfidence {
			continue
		}
		notified = true
	}
	if notified {
		o.lastNotify = time.Now()
	}
	o.mu.Unlock()

	if !notified {
		return
	}
	for _, rec := range recs {
		if rec.Confidence < notifyConfidence {
			continue
		}
		for _, h := range handlers {
			h(rec)
		}
	}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
