package upholder

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bivex/pgupkeep/src/analyzer"
	"github.com/bivex/pgupkeep/src/config"
	"github.com/bivex/pgupkeep/src/db"
	"github.com/bivex/pgupkeep/src/guard"
	"github.com/bivex/pgupkeep/src/models"
	"github.com/bivex/pgupkeep/src/monitor"
	"github.com/bivex/pgupkeep/src/optimizer"
)

const (
	// stopJoinTimeout bounds how long Stop waits for loops to exit.
	stopJoinTimeout = 10 * time.Second

	// schedulerPoll is how often the scheduler checks for due work.
	schedulerPoll = time.Minute

	// baselineRetry is the delay between baseline capture attempts.
	baselineRetry = 30 * time.Second
)

// ReportHandler receives the report of every completed full audit.
type ReportHandler func(models.UpholderReport)

// AlertHandler receives de-duplicated alert notifications.
type AlertHandler func(alertType, message string)

// Upholder coordinates the pool optimizer, the status guard, the cache
// monitor, the query analyzer and the index auditor: it schedules audit
// cycles, merges findings into reports, applies gated remediation and
// tracks improvement against a fixed baseline.
type Upholder struct {
	log *logrus.Logger
	cfg config.UpholderConfig

	optimizer *optimizer.Optimizer
	guard     *guard.Guard
	cache     *monitor.CacheMonitor
	queries   *analyzer.QueryAnalyzer
	indexes   *analyzer.IndexAuditor
	database  db.Database

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	baselineMu sync.Mutex
	baseline   *models.PerformanceBaseline

	cooldownMu  sync.Mutex
	lastAlerted map[string]time.Time

	handlerMu      sync.Mutex
	reportHandlers []ReportHandler
	alertHandlers  []AlertHandler

	stateMu        sync.Mutex
	lastAudit      *time.Time
	auditCount     int
	nextFullAudit  time.Time
	nextIndexAudit time.Time
	nextBulkCheck  time.Time
}

// New wires an Upholder over already-constructed components. The hosting
// process owns construction; there is no package-level singleton.
func New(
	cfg config.UpholderConfig,
	opt *optimizer.Optimizer,
	g *guard.Guard,
	cache *monitor.CacheMonitor,
	queries *analyzer.QueryAnalyzer,
	indexes *analyzer.IndexAuditor,
	database db.Database,
	log *logrus.Logger,
) *Upholder {
	return &Upholder{
		log:         log,
		cfg:         cfg,
		optimizer:   opt,
		guard:       g,
		cache:       cache,
		queries:     queries,
		indexes:     indexes,
		database:    database,
		lastAlerted: make(map[string]time.Time),
	}
}

// AddReportHandler registers a handler for completed audit reports.
func (u *Upholder) AddReportHandler(h ReportHandler) {
	u.handlerMu.Lock()
	defer u.handlerMu.Unlock()
	u.reportHandlers = append(u.reportHandlers, h)
}

// AddAlertHandler registers a handler for cooldown-filtered alerts.
func (u *Upholder) AddAlertHandler(h AlertHandler) {
	u.handlerMu.Lock()
	defer u.handlerMu.Unlock()
	u.alertHandlers = append(u.alertHandlers, h)
}

// Start transitions the orchestrator to running: component loops and the
// scheduler are launched and the baseline capture kicks off
// asynchronously. Starting twice is a no-op.
func (u *Upholder) Start() {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.running {
		u.log.Info("Upholder already running")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	u.cancel = cancel
	u.running = true

	now := time.Now()
	u.stateMu.Lock()
	u.nextFullAudit = now.Add(u.cfg.QueryAnalysisInterval())
	u.nextIndexAudit = now.Add(u.cfg.IndexAuditInterval())
	u.nextBulkCheck = now.Add(u.cfg.BulkOptimizationInterval())
	u.stateMu.Unlock()

	u.wg.Add(3)
	go func() {
		defer u.wg.Done()
		u.optimizer.Run(ctx)
	}()
	go func() {
		defer u.wg.Done()
		u.cache.Run(ctx)
	}()
	go func() {
		defer u.wg.Done()
		u.schedulerLoop(ctx)
	}()

	go u.captureBaseline(ctx)

	u.log.Info("Upholder started")
}

// Stop signals every loop to halt and joins them with a bounded timeout.
// Stopping twice is a no-op.
func (u *Upholder) Stop() {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.running {
		u.log.Info("Upholder already stopped")
		return
	}

	u.cancel()

	done := make(chan struct{})
	go func() {
		u.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(stopJoinTimeout):
		u.log.Warnf("Background loops did not exit within %s", stopJoinTimeout)
	}

	u.running = false
	u.log.Info("Upholder stopped")
}

// schedulerLoop polls for due scheduled work once per minute. Individual
// task failures never terminate the loop.
func (u *Upholder) schedulerLoop(ctx context.Context) {
	ticker := time.NewTicker(schedulerPoll)
	defer ticker.Stop()

	u.log.Info("Upholder scheduler started")

	for {
		select {
		case <-ctx.Done():
			u.log.Info("Upholder scheduler stopped")
			return
		case <-ticker.C:
			u.runDueTasks(ctx)
		}
	}
}

func (u *Upholder) runDueTasks(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			u.log.Errorf("Scheduled task panicked: %v", r)
		}
	}()

	now := time.Now()

	u.stateMu.Lock()
	fullDue := now.After(u.nextFullAudit)
	indexDue := now.After(u.nextIndexAudit)
	bulkDue := now.After(u.nextBulkCheck)
	if indexDue {
		u.nextIndexAudit = now.Add(u.cfg.IndexAuditInterval())
	}
	if bulkDue {
		u.nextBulkCheck = now.Add(u.cfg.BulkOptimizationInterval())
	}
	u.stateMu.Unlock()

	if fullDue {
		u.RunFullAudit(ctx)
	}
	if indexDue {
		u.runIndexAudit(ctx)
	}
	if bulkDue {
		u.runBulkOptimizationCheck()
	}
}

func (u *Upholder) runIndexAudit(ctx context.Context) {
	results, err := u.indexes.AuditAll(ctx)
	if err != nil {
		u.log.Errorf("Scheduled index audit failed: %v", err)
		return
	}
	for _, result := range results {
		for _, rec := range result.MissingIndexes {
			if rec.Priority.AtLeast(models.SeverityHigh) {
				u.notifyAlert("index_audit", rec.Reason)
			}
		}
	}
	u.log.Infof("Scheduled index audit completed over %d tables", len(results))
}

// runBulkOptimizationCheck is the lightweight periodic check: it only
// surfaces high-confidence pool recommendations, applying nothing.
func (u *Upholder) runBulkOptimizationCheck() {
	recs := u.optimizer.Recommendations()
	for _, rec := range recs {
		if rec.Confidence >= 80 {
			u.notifyAlert("pool_optimization", rec.Reason)
		}
	}
}

// captureBaseline retries until the first successful sample, then keeps
// the baseline fixed for the process lifetime.
func (u *Upholder) captureBaseline(ctx context.Context) {
	for {
		if u.tryCaptureBaseline(ctx) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(baselineRetry):
		}
	}
}

func (u *Upholder) tryCaptureBaseline(ctx context.Context) bool {
	u.baselineMu.Lock()
	captured := u.baseline != nil
	u.baselineMu.Unlock()
	if captured {
		return true
	}

	metrics := u.cache.CurrentMetrics(ctx)
	if metrics.HeapHitRatio == 0 && metrics.IndexHitRatio == 0 {
		return false
	}

	issues, err := u.queries.AnalyzeSlowQueries(ctx, u.cfg.SlowQueryThresholdMs, u.cfg.SlowQueryMinCalls)
	if err != nil {
		u.log.Warnf("Baseline slow-query count unavailable: %v", err)
	}

	baseline := &models.PerformanceBaseline{
		HeapHitRatio:   metrics.HeapHitRatio,
		IndexHitRatio:  metrics.IndexHitRatio,
		SlowQueryCount: len(issues),
		CapturedAt:     time.Now(),
	}

	u.baselineMu.Lock()
	if u.baseline == nil {
		u.baseline = baseline
	}
	u.baselineMu.Unlock()

	u.log.Infof("Performance baseline captured: heap=%.1f%% index=%.1f%% slow_queries=%d",
		baseline.HeapHitRatio, baseline.IndexHitRatio, baseline.SlowQueryCount)
	return true
}

// Baseline returns the fixed baseline, or nil before first capture.
func (u *Upholder) Baseline() *models.PerformanceBaseline {
	u.baselineMu.Lock()
	defer u.baselineMu.Unlock()
	if u.baseline == nil {
		return nil
	}
	b := *u.baseline
	return &b
}

// RunFullAudit synchronously runs every analyzer, merges the findings
// into one report, applies gated remediation and notifies handlers. Any
// step failure becomes an audit-error alert; the report is always produced.
func (u *Upholder) RunFullAudit(ctx context.Context) models.UpholderReport {
	start := time.Now()

	report := models.UpholderReport{
		Timestamp:         start,
		ImprovementDeltas: make(map[string]float64),
	}

	var queryDash models.QueryDashboard
	var cacheMetrics models.CacheMetrics

	u.auditStep(&report, "query dashboard", func() error {
		var err error
		queryDash, err = u.queries.Dashboard(ctx)
		return err
	})

	u.auditStep(&report, "slow query analysis", func() error {
		issues, err := u.queries.AnalyzeSlowQueries(ctx, u.cfg.SlowQueryThresholdMs, u.cfg.SlowQueryMinCalls)
		if err != nil {
			return err
		}
		report.QueryIssues = issues
		return nil
	})

	u.auditStep(&report, "index audit", func() error {
		audits, err := u.indexes.AuditAll(ctx)
		if err != nil {
			return err
		}
		report.IndexAudits = audits
		return nil
	})

	u.auditStep(&report, "cache metrics", func() error {
		cacheMetrics = u.cache.CurrentMetrics(ctx)
		for _, alert := range u.cache.CheckAlerts(cacheMetrics) {
			dispatched := u.notifyAlert(string(alert.Type), alert.Message)
			report.Alerts = append(report.Alerts, models.ReportAlert{
				Type:       string(alert.Type),
				Severity:   alert.Severity,
				Message:    alert.Message,
				Suppressed: !dispatched,
				Timestamp:  alert.Timestamp,
			})
		}
		return nil
	})

	u.auditStep(&report, "pool status", func() error {
		if _, err := u.guard.Status(ctx); err != nil && err != guard.ErrStatusTimeout {
			return err
		}
		suggestions, err := u.guard.OptimizationSuggestions(ctx)
		if err != nil && err != guard.ErrStatusTimeout {
			return err
		}
		report.PoolSuggestions = suggestions
		return nil
	})

	u.auditStep(&report, "pool recommendations", func() error {
		report.Recommendations = u.optimizer.Recommendations()
		return nil
	})

	if u.cfg.AutoDeleteUnusedIndexes {
		u.auditStep(&report, "unused index deletion", func() error {
			for _, audit := range report.IndexAudits {
				results := u.indexes.DeleteUnusedIndexes(ctx, audit.UnusedIndexes, u.cfg.DryRunMode)
				for _, res := range results {
					report.AppliedOptimizations = append(report.AppliedOptimizations, res)
					if res.Applied {
						report.DeletedIndexes = append(report.DeletedIndexes, res.SQL)
					}
				}
			}
			return nil
		})
	}

	if u.cfg.AutoApplySafeOptimizations && !u.cfg.DryRunMode {
		u.auditStep(&report, "safe optimization apply", func() error {
			report.AppliedOptimizations = append(report.AppliedOptimizations,
				u.applySafeOptimizations(ctx, queryDash.Plan)...)
			return nil
		})
	}

	u.computeImprovementDeltas(&report, cacheMetrics)

	report.Duration = time.Since(start)
	report.NextRun = time.Now().Add(u.cfg.QueryAnalysisInterval())

	now := time.Now()
	u.stateMu.Lock()
	u.lastAudit = &now
	u.auditCount++
	u.nextFullAudit = report.NextRun
	u.stateMu.Unlock()

	u.handlerMu.Lock()
	handlers := make([]ReportHandler, len(u.reportHandlers))
	copy(handlers, u.reportHandlers)
	u.handlerMu.Unlock()
	for _, h := range handlers {
		h(report)
	}

	u.log.Infof("Full audit completed in %s: %d issues, %d alerts, %d recommendations",
		report.Duration, len(report.QueryIssues), len(report.Alerts), len(report.Recommendations))

	return report
}

// auditStep runs one audit stage, converting errors and panics into
// audit-error alerts so a failing stage never prevents report emission.
func (u *Upholder) auditStep(report *models.UpholderReport, name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			u.recordAuditError(report, name, fmt.Sprintf("panic: %v", r))
		}
	}()
	if err := fn(); err != nil {
		u.recordAuditError(report, name, err.Error())
	}
}

func (u *Upholder) recordAuditError(report *models.UpholderReport, name, detail string) {
	msg := fmt.Sprintf("audit step %q failed: %s", name, detail)
	u.log.Errorf("%s", msg)
	dispatched := u.notifyAlert("audit_error", msg)
	report.Alerts = append(report.Alerts, models.ReportAlert{
		Type:       "audit_error",
		Severity:   models.SeverityHigh,
		Message:    msg,
		Suppressed: !dispatched,
		Timestamp:  time.Now(),
	})
}

// applySafeOptimizations executes only the plan actions graded both
// low severity and easy complexity, one transaction each.
func (u *Upholder) applySafeOptimizations(ctx context.Context, plan []models.PlanAction) []models.ApplyResult {
	var results []models.ApplyResult
	for _, action := range plan {
		if action.Severity != models.SeverityLow || action.Complexity != models.ComplexityEasy {
			continue
		}

		tx, err := u.database.Begin(ctx)
		if err != nil {
			results = append(results, models.ApplyResult{SQL: action.SQL, Error: err.Error()})
			continue
		}
		if _, err := tx.Exec(ctx, action.SQL); err != nil {
			_ = tx.Rollback(ctx)
			u.log.Errorf("Safe optimization failed, rolled back: %v", err)
			results = append(results, models.ApplyResult{SQL: action.SQL, Error: err.Error()})
			continue
		}
		if err := tx.Commit(ctx); err != nil {
			results = append(results, models.ApplyResult{SQL: action.SQL, Error: err.Error()})
			continue
		}

		u.log.Infof("Applied safe optimization: %s", action.SQL)
		results = append(results, models.ApplyResult{SQL: action.SQL, Applied: true})
	}
	return results
}

// computeImprovementDeltas compares the current cycle against the fixed
// baseline captured at start.
func (u *Upholder) computeImprovementDeltas(report *models.UpholderReport, cacheMetrics models.CacheMetrics) {
	baseline := u.Baseline()
	if baseline == nil {
		return
	}
	report.ImprovementDeltas["heap_hit_ratio_delta"] = cacheMetrics.HeapHitRatio - baseline.HeapHitRatio
	report.ImprovementDeltas["index_hit_ratio_delta"] = cacheMetrics.IndexHitRatio - baseline.IndexHitRatio
	report.ImprovementDeltas["slow_query_count_delta"] = float64(len(report.QueryIssues) - baseline.SlowQueryCount)
}

// notifyAlert dispatches an alert to the registered handlers unless the
// same message fired within the cooldown window. It reports whether the
// handlers were invoked.
func (u *Upholder) notifyAlert(alertType, message string) bool {
	if !u.cfg.EnableAlerts {
		return false
	}

	sum := md5.Sum([]byte(message))
	key := hex.EncodeToString(sum[:])
	now := time.Now()

	u.cooldownMu.Lock()
	if last, ok := u.lastAlerted[key]; ok && now.Sub(last) < u.cfg.AlertCooldown() {
		u.cooldownMu.Unlock()
		return false
	}
	u.lastAlerted[key] = now
	u.cooldownMu.Unlock()

	u.handlerMu.Lock()
	handlers := make([]AlertHandler, len(u.alertHandlers))
	copy(handlers, u.alertHandlers)
	u.handlerMu.Unlock()

	for _, h := range handlers {
		h(alertType, message)
	}
	return true
}

// Status reports the orchestrator lifecycle state.
func (u *Upholder) Status() models.UpholderStatus {
	u.mu.Lock()
	running := u.running
	u.mu.Unlock()

	u.stateMu.Lock()
	defer u.stateMu.Unlock()

	status := models.UpholderStatus{
		Running:          running,
		BaselineCaptured: u.Baseline() != nil,
		LastAuditAt:      u.lastAudit,
		AuditsCompleted:  u.auditCount,
	}
	if running {
		next := u.nextFullAudit
		status.NextAuditAt = &next
	}
	return status
}

// Dashboard assembles the combined view. Each sub-report failure is
// embedded as an error string; the structure is always well-formed.
func (u *Upholder) Dashboard(ctx context.Context) models.Dashboard {
	dashboard := models.Dashboard{
		Status:      u.Status(),
		Baseline:    u.Baseline(),
		GeneratedAt: time.Now(),
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				dashboard.CacheError = fmt.Sprintf("panic: %v", r)
			}
		}()
		metrics := u.cache.CurrentMetrics(ctx)
		dashboard.Cache = &metrics
	}()

	func() {
		defer func() {
			if r := recover(); r != nil {
				dashboard.QueryError = fmt.Sprintf("panic: %v", r)
			}
		}()
		queryDash, err := u.queries.Dashboard(ctx)
		if err != nil {
			dashboard.QueryError = err.Error()
			return
		}
		dashboard.Query = &queryDash
	}()

	func() {
		defer func() {
			if r := recover(); r != nil {
				dashboard.PoolError = fmt.Sprintf("panic: %v", r)
			}
		}()
		status, err := u.guard.Status(ctx)
		if err != nil && err != guard.ErrStatusTimeout {
			dashboard.PoolError = err.Error()
			return
		}
		if err == guard.ErrStatusTimeout {
			dashboard.PoolError = err.Error()
		}
		dashboard.Pool = &status
	}()

	return dashboard
}
