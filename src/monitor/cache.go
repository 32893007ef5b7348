package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bivex/pgupkeep/src/db"
	"github.com/bivex/pgupkeep/src/models"
)

const (
	metricsHistoryCap = 1000
	alertHistoryCap   = 100
)

// Thresholds define when cache metrics raise alerts.
type Thresholds struct {
	MinHeapHitRatio  float64
	MinIndexHitRatio float64
	MaxBufferUsage   float64
	MaxTempFiles     int64
}

// DefaultThresholds returns the documented alerting defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinHeapHitRatio:  95,
		MinIndexHitRatio: 90,
		MaxBufferUsage:   90,
		MaxTempFiles:     100,
	}
}

// ThresholdsFor returns the defaults with the heap hit-ratio minimum
// taken from configuration.
func ThresholdsFor(minHeapHitRatio float64) Thresholds {
	t := DefaultThresholds()
	t.MinHeapHitRatio = minHeapHitRatio
	return t
}

// SlowQuerySource supplies the slowest statements for recommendation text.
type SlowQuerySource interface {
	TopSlow(ctx context.Context, n int) ([]models.QueryPerformanceMetrics, error)
}

// AlertHandler receives cache alerts from the background loop.
type AlertHandler func(models.CacheAlert)

// CacheMonitor samples buffer-cache statistics and raises structured,
// severity-tagged alerts with remediation text.
type CacheMonitor struct {
	db          db.Database
	log         *logrus.Logger
	interval    time.Duration
	thresholds  Thresholds
	slowQueries SlowQuerySource
	alertsOn    bool

	mu           sync.RWMutex
	history      []models.CacheMetrics
	alertHistory []models.CacheAlert
	handlers     []AlertHandler

	tempMu        sync.Mutex
	tempSeen      bool
	prevTempFiles int64
	prevTempBytes int64
}

// NewCacheMonitor creates a CacheMonitor with default thresholds.
func NewCacheMonitor(database db.Database, log *logrus.Logger, interval time.Duration, alertsOn bool) *CacheMonitor {
	return &CacheMonitor{
		db:         database,
		log:        log,
		interval:   interval,
		thresholds: DefaultThresholds(),
		alertsOn:   alertsOn,
	}
}

// WithThresholds overrides the alerting thresholds.
func (cm *CacheMonitor) WithThresholds(t Thresholds) *CacheMonitor {
	cm.thresholds = t
	return cm
}

// WithSlowQuerySource wires in the statement analyzer for
// query-derived recommendation text.
func (cm *CacheMonitor) WithSlowQuerySource(s SlowQuerySource) *CacheMonitor {
	cm.slowQueries = s
	return cm
}

// AddAlertHandler registers a handler invoked by the background loop.
func (cm *CacheMonitor) AddAlertHandler(h AlertHandler) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.handlers = append(cm.handlers, h)
}

// CurrentMetrics aggregates heap/index hit ratios, buffer usage and
// temp-file statistics. Each sub-collection degrades to zero on error;
// the snapshot itself is always returned.
func (cm *CacheMonitor) CurrentMetrics(ctx context.Context) models.CacheMetrics {
	m := models.CacheMetrics{Timestamp: time.Now()}

	if err := cm.collectHitRatios(ctx, &m); err != nil {
		cm.log.Warnf("Failed to collect cache hit ratios: %v", err)
	}
	if err := cm.collectBufferUsage(ctx, &m); err != nil {
		cm.log.Debugf("Failed to collect buffer usage: %v", err)
	}
	if err := cm.collectTempStats(ctx, &m); err != nil {
		cm.log.Warnf("Failed to collect temp file stats: %v", err)
	} else {
		cm.trackTempDelta(&m)
	}

	return m
}

// trackTempDelta derives the per-sample temp-file growth from the
// cumulative pg_stat_database counters. The first sample establishes
// the baseline; a counter going backwards means a stats reset and the
// new total becomes the delta.
func (cm *CacheMonitor) trackTempDelta(m *models.CacheMetrics) {
	cm.tempMu.Lock()
	defer cm.tempMu.Unlock()

	if cm.tempSeen {
		m.TempFilesDelta = m.TempFiles - cm.prevTempFiles
		m.TempBytesDelta = m.TempBytes - cm.prevTempBytes
		if m.TempFilesDelta < 0 || m.TempBytesDelta < 0 {
			m.TempFilesDelta = m.TempFiles
			m.TempBytesDelta = m.TempBytes
		}
	}
	cm.prevTempFiles = m.TempFiles
	cm.prevTempBytes = m.TempBytes
	cm.tempSeen = true
}

func (cm *CacheMonitor) collectHitRatios(ctx context.Context, m *models.CacheMetrics) error {
	query := `
		SELECT
			COALESCE(sum(heap_blks_hit) * 100.0 / NULLIF(sum(heap_blks_hit) + sum(heap_blks_read), 0), 0) AS heap_hit_ratio,
			COALESCE(sum(idx_blks_hit) * 100.0 / NULLIF(sum(idx_blks_hit) + sum(idx_blks_read), 0), 0) AS index_hit_ratio
		FROM pg_statio_user_tables
	`
	return cm.db.QueryRow(ctx, query).Scan(&m.HeapHitRatio, &m.IndexHitRatio)
}

// collectBufferUsage needs the pg_buffercache extension; absence is
// expected and leaves the ratio at zero.
func (cm *CacheMonitor) collectBufferUsage(ctx context.Context, m *models.CacheMetrics) error {
	var available bool
	check := `SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'pg_buffercache')`
	if err := cm.db.QueryRow(ctx, check).Scan(&available); err != nil {
		return err
	}
	if !available {
		return nil
	}

	query := `
		SELECT COALESCE(
			count(*) FILTER (WHERE relfilenode IS NOT NULL) * 100.0 / NULLIF(count(*), 0), 0)
		FROM pg_buffercache
	`
	return cm.db.QueryRow(ctx, query).Scan(&m.BufferUsageRatio)
}

func (cm *CacheMonitor) collectTempStats(ctx context.Context, m *models.CacheMetrics) error {
	query := `
		SELECT COALESCE(sum(temp_files), 0), COALESCE(sum(temp_bytes), 0)
		FROM pg_stat_database
		WHERE datname = current_database()
	`
	return cm.db.QueryRow(ctx, query).Scan(&m.TempFiles, &m.TempBytes)
}

// CheckAlerts compares a snapshot against the thresholds and returns
// zero or more alerts, each with concrete remediation suggestions.
func (cm *CacheMonitor) CheckAlerts(m models.CacheMetrics) []models.CacheAlert {
	alerts := make([]models.CacheAlert, 0, 4)
	now := time.Now()

	if m.HeapHitRatio < cm.thresholds.MinHeapHitRatio {
		alerts = append(alerts, models.CacheAlert{
			Type:     models.CacheAlertLowHeapHit,
			Severity: severityBelow(m.HeapHitRatio, cm.thresholds.MinHeapHitRatio, cm.thresholds.MinHeapHitRatio-5, cm.thresholds.MinHeapHitRatio-10),
			Message:  fmt.Sprintf("heap hit ratio at %.1f%%, below the %.1f%% minimum", m.HeapHitRatio, cm.thresholds.MinHeapHitRatio),
			Suggestions: []string{
				"increase shared_buffers to keep hot heap pages in memory",
				"review recently added queries for full-table reads",
				"run VACUUM ANALYZE so the planner avoids unnecessary heap fetches",
				"consider more RAM if the working set exceeds available memory",
			},
			Timestamp: now,
			Metrics:   m,
		})
	}

	if m.IndexHitRatio < cm.thresholds.MinIndexHitRatio {
		alerts = append(alerts, models.CacheAlert{
			Type:     models.CacheAlertLowIndexHit,
			Severity: severityBelow(m.IndexHitRatio, cm.thresholds.MinIndexHitRatio, cm.thresholds.MinIndexHitRatio-5, cm.thresholds.MinIndexHitRatio-10),
			Message:  fmt.Sprintf("index hit ratio at %.1f%%, below the %.1f%% minimum", m.IndexHitRatio, cm.thresholds.MinIndexHitRatio),
			Suggestions: []string{
				"rebuild bloated indexes with REINDEX CONCURRENTLY",
				"drop unused indexes competing for buffer space",
				"increase shared_buffers so index pages stay cached",
			},
			Timestamp: now,
			Metrics:   m,
		})
	}

	if m.BufferUsageRatio > cm.thresholds.MaxBufferUsage {
		alerts = append(alerts, models.CacheAlert{
			Type:     models.CacheAlertHighBuffers,
			Severity: severityAbove(m.BufferUsageRatio, cm.thresholds.MaxBufferUsage, cm.thresholds.MaxBufferUsage+5, cm.thresholds.MaxBufferUsage+8),
			Message:  fmt.Sprintf("shared buffers %.1f%% occupied, above the %.1f%% ceiling", m.BufferUsageRatio, cm.thresholds.MaxBufferUsage),
			Suggestions: []string{
				"increase shared_buffers if the host has spare memory",
				"identify tables dominating buffer usage via pg_buffercache",
				"partition very large hot tables to shrink the working set",
			},
			Timestamp: now,
			Metrics:   m,
		})
	}

	if m.TempFilesDelta > cm.thresholds.MaxTempFiles {
		alerts = append(alerts, models.CacheAlert{
			Type:     models.CacheAlertHighTempFile,
			Severity: severityAbove(float64(m.TempFilesDelta), float64(cm.thresholds.MaxTempFiles), float64(cm.thresholds.MaxTempFiles)*5, float64(cm.thresholds.MaxTempFiles)*10),
			Message:  fmt.Sprintf("%d temp files written (%d bytes) since the last sample, sorts and hashes are spilling to disk", m.TempFilesDelta, m.TempBytesDelta),
			Suggestions: []string{
				"increase work_mem for sessions running large sorts",
				"add indexes supporting common ORDER BY clauses",
				"rewrite queries that hash or sort very large intermediate sets",
				"check log_temp_files output to find the offending statements",
			},
			Timestamp: now,
			Metrics:   m,
		})
	}

	return alerts
}

// Recommendations builds the structured optimization bundle, including
// query-level advice derived from the slowest statements when a slow
// query source is wired in.
func (cm *CacheMonitor) Recommendations(ctx context.Context) models.CacheRecommendations {
	m := cm.CurrentMetrics(ctx)

	recs := models.CacheRecommendations{GeneratedAt: time.Now()}

	if m.HeapHitRatio < cm.thresholds.MinHeapHitRatio {
		recs.ImmediateActions = append(recs.ImmediateActions,
			fmt.Sprintf("heap hit ratio %.1f%%: run VACUUM ANALYZE on the busiest tables", m.HeapHitRatio))
		change := "increase shared_buffers (typically 25% of system memory)"
		if current, ok := cm.currentSetting(ctx, "shared_buffers"); ok {
			change = fmt.Sprintf("increase shared_buffers from the current %s (typically 25%% of system memory)", current)
		}
		recs.ConfigurationChanges = append(recs.ConfigurationChanges, change)
	}
	if m.IndexHitRatio < cm.thresholds.MinIndexHitRatio {
		recs.ImmediateActions = append(recs.ImmediateActions,
			fmt.Sprintf("index hit ratio %.1f%%: rebuild the most-read bloated indexes", m.IndexHitRatio))
	}
	if m.TempFilesDelta > cm.thresholds.MaxTempFiles {
		recs.ConfigurationChanges = append(recs.ConfigurationChanges,
			"raise work_mem; current workload spills sorts to disk")
	}

	recs.MonitoringSuggestions = append(recs.MonitoringSuggestions,
		"enable log_temp_files to attribute disk spills to statements",
		"track pg_statio_user_tables deltas rather than cumulative totals",
	)

	if cm.slowQueries != nil {
		slow, err := cm.slowQueries.TopSlow(ctx, 5)
		if err != nil {
			cm.log.Warnf("Failed to fetch slow statements for recommendations: %v", err)
		}
		for _, qm := range slow {
			recs.QueryOptimizations = append(recs.QueryOptimizations,
				fmt.Sprintf("statement %s: mean %.1fms over %d calls, cache hit %.1f%%",
					qm.QueryID, qm.MeanTimeMs, qm.Calls, qm.CacheHitRatio))
		}
	}

	return recs
}

// currentSetting reads one server setting with its unit attached.
func (cm *CacheMonitor) currentSetting(ctx context.Context, name string) (string, bool) {
	var value string
	query := `SELECT setting || COALESCE(' ' || unit, '') FROM pg_settings WHERE name = $1`
	if err := cm.db.QueryRow(ctx, query, name).Scan(&value); err != nil {
		cm.log.Debugf("Failed to read setting %s: %v", name, err)
		return "", false
	}
	return value, true
}

// History returns a snapshot of the capped metrics history.
func (cm *CacheMonitor) History() []models.CacheMetrics {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]models.CacheMetrics, len(cm.history))
	copy(out, cm.history)
	return out
}

// AlertHistory returns a snapshot of the capped alert history.
func (cm *CacheMonitor) AlertHistory() []models.CacheAlert {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]models.CacheAlert, len(cm.alertHistory))
	copy(out, cm.alertHistory)
	return out
}

// Run is the background sampling loop.
func (cm *CacheMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	cm.log.Info("Cache monitor loop started")

	for {
		select {
		case <-ctx.Done():
			cm.log.Info("Cache monitor loop stopped")
			return
		case <-ticker.C:
			cm.iterate(ctx)
		}
	}
}

func (cm *CacheMonitor) iterate(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			cm.log.Errorf("Cache monitor iteration panicked: %v", r)
		}
	}()

	m := cm.CurrentMetrics(ctx)
	alerts := cm.CheckAlerts(m)

	cm.mu.Lock()
	if len(cm.history) >= metricsHistoryCap {
		cm.history = cm.history[1:]
	}
	cm.history = append(cm.history, m)

	for _, a := range alerts {
		if len(cm.alertHistory) >= alertHistoryCap {
			cm.alertHistory = cm.alertHistory[1:]
		}
		cm.alertHistory = append(cm.alertHistory, a)
	}
	handlers := make([]AlertHandler, len(cm.handlers))
	copy(handlers, cm.handlers)
	cm.mu.Unlock()

	if !cm.alertsOn {
		return
	}
	for _, a := range alerts {
		for _, h := range handlers {
			h(a)
		}
	}
}

// severityBelow grades values that should stay above a minimum.
func severityBelow(value, warning, high, critical float64) models.Severity {
	switch {
	case value <= critical:
		return models.SeverityCritical
	case value <= high:
		return models.SeverityHigh
	case value <= warning:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// severityAbove grades values that should stay below a maximum.
func severityAbove(value, warning, high, critical float64) models.Severity {
	switch {
	case value >= critical:
		return models.SeverityCritical
	case value >= high:
		return models.SeverityHigh
	case value >= warning:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}
