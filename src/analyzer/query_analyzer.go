package analyzer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"github.com/sirupsen/logrus"

	"github.com/bivex/pgupkeep/src/db"
	"github.com/bivex/pgupkeep/src/models"
)

const statementFetchLimit = 500

// QueryAnalyzer extracts aggregated per-statement metrics from
// pg_stat_statements, classifies statements and surfaces concrete
// performance issues. Absence of the extension degrades to empty
// results, never an error.
type QueryAnalyzer struct {
	db              db.Database
	log             *logrus.Logger
	slowThresholdMs float64
	minCalls        int

	colsMu       sync.Mutex
	colsResolved bool
	cols         statementColumns
}

// statementColumns records which timing-column naming the running
// PostgreSQL version exposes. pg_stat_statements renamed total_time to
// total_exec_time in PostgreSQL 13.
type statementColumns struct {
	execSuffix  bool // total_exec_time et al. vs total_time
	hasPlanning bool
	hasWAL      bool
	hasJIT      bool
}

// NewQueryAnalyzer creates a QueryAnalyzer over the given database.
func NewQueryAnalyzer(database db.Database, log *logrus.Logger, slowThresholdMs float64, minCalls int) *QueryAnalyzer {
	return &QueryAnalyzer{
		db:              database,
		log:             log,
		slowThresholdMs: slowThresholdMs,
		minCalls:        minCalls,
	}
}

// extensionAvailable reports whether pg_stat_statements is installed.
func (qa *QueryAnalyzer) extensionAvailable(ctx context.Context) bool {
	var available bool
	query := `SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'pg_stat_statements')`
	if err := qa.db.QueryRow(ctx, query).Scan(&available); err != nil {
		qa.log.Debugf("Extension check failed: %v", err)
		return false
	}
	return available
}

// resolveColumns introspects the view's column set so the fetch adapts
// to whichever naming the server version uses. Only a successful
// introspection is cached; failures are retried on the next call.
func (qa *QueryAnalyzer) resolveColumns(ctx context.Context) (statementColumns, error) {
	qa.colsMu.Lock()
	defer qa.colsMu.Unlock()

	if qa.colsResolved {
		return qa.cols, nil
	}

	rows, err := qa.db.Query(ctx, `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_name = 'pg_stat_statements'
	`)
	if err != nil {
		return statementColumns{}, fmt.Errorf("failed to introspect pg_stat_statements columns: %w", err)
	}
	defer rows.Close()

	names := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return statementColumns{}, err
		}
		names[name] = true
	}
	if err := rows.Err(); err != nil {
		return statementColumns{}, err
	}

	qa.cols = statementColumns{
		execSuffix:  names["total_exec_time"],
		hasPlanning: names["total_plan_time"],
		hasWAL:      names["wal_bytes"],
		hasJIT:      names["jit_functions"],
	}
	qa.colsResolved = true
	return qa.cols, nil
}

// StatementMetrics fetches the cumulative statement statistics and
// derives the classification fields. A missing extension yields an
// empty slice without error.
func (qa *QueryAnalyzer) StatementMetrics(ctx context.Context) ([]models.QueryPerformanceMetrics, error) {
	if !qa.extensionAvailable(ctx) {
		qa.log.Debug("pg_stat_statements not installed; statement analysis skipped")
		return nil, nil
	}

	cols, err := qa.resolveColumns(ctx)
	if err != nil {
		qa.log.Warnf("Column introspection failed, statement analysis skipped: %v", err)
		return nil, nil
	}

	suffix := "time"
	if cols.execSuffix {
		suffix = "exec_time"
	}

	selectCols := fmt.Sprintf(`
		queryid::text, query, calls,
		total_%[1]s, mean_%[1]s, min_%[1]s, max_%[1]s, stddev_%[1]s,
		rows, shared_blks_hit, shared_blks_read, temp_blks_read, temp_blks_written`, suffix)
	if cols.hasPlanning {
		selectCols += ", total_plan_time"
	}
	if cols.hasWAL {
		selectCols += ", wal_bytes"
	}
	if cols.hasJIT {
		selectCols += ", jit_functions"
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM pg_stat_statements
		WHERE calls >= $1
		ORDER BY mean_%s DESC
		LIMIT %d
	`, selectCols, suffix, statementFetchLimit)

	rows, err := qa.db.Query(ctx, query, qa.minCalls)
	if err != nil {
		qa.log.Warnf("Statement statistics fetch failed: %v", err)
		return nil, nil
	}
	defer rows.Close()

	var metrics []models.QueryPerformanceMetrics
	for rows.Next() {
		var qm models.QueryPerformanceMetrics
		dest := []any{
			&qm.QueryID, &qm.Query, &qm.Calls,
			&qm.TotalTimeMs, &qm.MeanTimeMs, &qm.MinTimeMs, &qm.MaxTimeMs, &qm.StddevTimeMs,
			&qm.Rows, &qm.SharedBlksHit, &qm.SharedBlksRead, &qm.TempBlksRead, &qm.TempBlksWritten,
		}
		if cols.hasPlanning {
			dest = append(dest, &qm.PlanningTimeMs)
		}
		if cols.hasWAL {
			dest = append(dest, &qm.WALBytes)
		}
		if cols.hasJIT {
			dest = append(dest, &qm.JITFunctions)
		}
		if err := rows.Scan(dest...); err != nil {
			qa.log.Warnf("Failed to scan statement row: %v", err)
			continue
		}
		Enrich(&qm)
		metrics = append(metrics, qm)
	}
	if err := rows.Err(); err != nil {
		qa.log.Warnf("Statement statistics iteration failed: %v", err)
	}

	return metrics, nil
}

// Enrich fills the derived fields of a statement metrics row.
func Enrich(qm *models.QueryPerformanceMetrics) {
	qm.CacheHitRatio = CacheHitRatio(qm.SharedBlksHit, qm.SharedBlksRead)
	if qm.Calls > 0 {
		qm.RowsPerCall = float64(qm.Rows) / float64(qm.Calls)
	}
	qm.IsRead, qm.IsWrite, qm.IsDML = ClassifyStatement(qm.Query)
	qm.Tables = ExtractTables(qm.Query)
	qm.EstimatedTier = EstimateComplexity(qm.Query)
	qm.CollectedAt = time.Now()

	// A parser fingerprint identifies the statement stably across stats
	// resets; fall back to the raw queryid when parsing fails.
	if fp, err := pg_query.Fingerprint(qm.Query); err == nil {
		qm.QueryID = fp
	}
}

// TopSlow returns the n statements with the highest mean time.
func (qa *QueryAnalyzer) TopSlow(ctx context.Context, n int) ([]models.QueryPerformanceMetrics, error) {
	metrics, err := qa.StatementMetrics(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(metrics, func(i, j int) bool { return metrics[i].MeanTimeMs > metrics[j].MeanTimeMs })
	if len(metrics) > n {
		metrics = metrics[:n]
	}
	return metrics, nil
}

// AnalyzeSlowQueries runs the detector battery over every statement at
// or above the time/call thresholds and returns the single most severe
// issue per statement.
func (qa *QueryAnalyzer) AnalyzeSlowQueries(ctx context.Context, minAvgTimeMs float64, minCalls int) ([]models.QueryIssue, error) {
	metrics, err := qa.StatementMetrics(ctx)
	if err != nil {
		return nil, err
	}

	indexDefs := qa.indexDefinitions(ctx)

	var issues []models.QueryIssue
	for _, qm := range metrics {
		if qm.MeanTimeMs < minAvgTimeMs || qm.Calls < int64(minCalls) {
			continue
		}
		if issue := qa.MostSevereIssue(qm, indexDefs); issue != nil {
			issues = append(issues, *issue)
		}
	}

	sort.Slice(issues, func(i, j int) bool { return issues[i].Severity.Rank() > issues[j].Severity.Rank() })
	return issues, nil
}

// MostSevereIssue returns the highest-ranked finding for one statement,
// or nil when the detectors find nothing.
func (qa *QueryAnalyzer) MostSevereIssue(qm models.QueryPerformanceMetrics, indexDefs map[string][]string) *models.QueryIssue {
	issues := qa.DetectIssues(qm, indexDefs)
	if len(issues) == 0 {
		return nil
	}
	best := issues[0]
	for _, issue := range issues[1:] {
		if issue.Severity.Rank() > best.Severity.Rank() {
			best = issue
		}
	}
	return &best
}

// DetectIssues runs every heuristic detector over one statement.
func (qa *QueryAnalyzer) DetectIssues(qm models.QueryPerformanceMetrics, indexDefs map[string][]string) []models.QueryIssue {
	var issues []models.QueryIssue

	if issue := qa.detectSequentialScan(qm); issue != nil {
		issues = append(issues, *issue)
	}
	issues = append(issues, qa.detectMissingIndexes(qm, indexDefs)...)
	issues = append(issues, detectInefficientPatterns(qm)...)
	if issue := detectTempUsage(qm); issue != nil {
		issues = append(issues, *issue)
	}

	return issues
}

// detectSequentialScan flags statements whose WHERE shape tends to
// defeat indexes and whose cache ratio confirms heavy block reads.
func (qa *QueryAnalyzer) detectSequentialScan(qm models.QueryPerformanceMetrics) *models.QueryIssue {
	if !matchesSeqScanPattern(qm.Query) || qm.CacheHitRatio >= 50 {
		return nil
	}

	severity := models.SeverityMedium
	if qm.CacheHitRatio < 25 {
		severity = models.SeverityHigh
	}
	if qm.CacheHitRatio < 25 && qm.MeanTimeMs >= qa.slowThresholdMs*5 {
		severity = models.SeverityCritical
	}

	return &models.QueryIssue{
		Type:       models.IssueSequentialScan,
		Severity:   severity,
		Complexity: models.ComplexityMedium,
		Description: fmt.Sprintf("low cache hit ratio (%.1f%%) with a sequential-scan-prone WHERE clause over %d calls",
			qm.CacheHitRatio, qm.Calls),
		Suggestion: "rewrite OR/NOT/leading-wildcard predicates or add a covering index",
		Metrics:    qm,
	}
}

// detectMissingIndexes compares referenced WHERE/JOIN/ORDER BY columns
// against existing index definitions for each referenced table.
func (qa *QueryAnalyzer) detectMissingIndexes(qm models.QueryPerformanceMetrics, indexDefs map[string][]string) []models.QueryIssue {
	usage := ExtractColumnUsage(qm.Query)
	candidates := append(append(append([]string{}, usage.Where...), usage.Join...), usage.OrderBy...)
	if len(candidates) == 0 {
		return nil
	}

	var issues []models.QueryIssue
	for _, table := range qm.Tables {
		defs := indexDefs[table]
		var uncovered []string
		for _, col := range candidates {
			if !coveredByIndex(col, defs) {
				uncovered = appendUnique(uncovered, col)
			}
		}
		if len(uncovered) == 0 {
			continue
		}

		severity := models.SeverityHigh
		if qm.MeanTimeMs >= qa.slowThresholdMs*5 {
			severity = models.SeverityCritical
		}

		issues = append(issues, models.QueryIssue{
			Type:       models.IssueMissingIndex,
			Severity:   severity,
			Complexity: models.ComplexityMedium,
			Description: fmt.Sprintf("columns %s on table %s are filtered or joined without index coverage",
				strings.Join(uncovered, ", "), table),
			Suggestion: fmt.Sprintf("create an index on %s (%s)", table, strings.Join(uncovered, ", ")),
			Table:      table,
			Columns:    uncovered,
			Metrics:    qm,
		})
	}
	return issues
}

func detectInefficientPatterns(qm models.QueryPerformanceMetrics) []models.QueryIssue {
	var issues []models.QueryIssue

	if selectStarRe.MatchString(qm.Query) {
		issues = append(issues, models.QueryIssue{
			Type:        models.IssueInefficient,
			Severity:    models.SeverityLow,
			Complexity:  models.ComplexityEasy,
			Description: "SELECT * fetches every column regardless of need",
			Suggestion:  "select only the columns the caller consumes",
			Metrics:     qm,
		})
	}
	if distinctRe.MatchString(qm.Query) {
		issues = append(issues, models.QueryIssue{
			Type:        models.IssueInefficient,
			Severity:    models.SeverityLow,
			Complexity:  models.ComplexityEasy,
			Description: "DISTINCT forces a sort or hash over the full result",
			Suggestion:  "verify the duplicates are real; prefer EXISTS or better join conditions",
			Metrics:     qm,
		})
	}
	if limitRe.MatchString(qm.Query) && !orderPresence.MatchString(qm.Query) {
		issues = append(issues, models.QueryIssue{
			Type:        models.IssueInefficient,
			Severity:    models.SeverityMedium,
			Complexity:  models.ComplexityEasy,
			Description: "LIMIT without ORDER BY returns nondeterministic rows",
			Suggestion:  "add an ORDER BY so the limited result is stable",
			Metrics:     qm,
		})
	}
	if joins := len(joinRe.FindAllString(qm.Query, -1)); joins > 4 {
		issues = append(issues, models.QueryIssue{
			Type:        models.IssueInefficient,
			Severity:    models.SeverityMedium,
			Complexity:  models.ComplexityMedium,
			Description: fmt.Sprintf("%d joins in one statement strain the planner", joins),
			Suggestion:  "split the statement or materialize intermediate results",
			Metrics:     qm,
		})
	}

	return issues
}

func detectTempUsage(qm models.QueryPerformanceMetrics) *models.QueryIssue {
	if qm.TempBlksWritten <= 1000 {
		return nil
	}
	severity := models.SeverityMedium
	if qm.TempBlksWritten > 10000 {
		severity = models.SeverityHigh
	}
	return &models.QueryIssue{
		Type:       models.IssueHighTempUsage,
		Severity:   severity,
		Complexity: models.ComplexityMedium,
		Description: fmt.Sprintf("statement wrote %d temp blocks; sorts or hashes exceed work_mem",
			qm.TempBlksWritten),
		Suggestion: "raise work_mem for this workload or add an index supporting the sort",
		Metrics:    qm,
	}
}

// OptimizationPlan converts high and critical missing-index issues into
// executable CREATE INDEX actions with matching rollbacks, deduplicated
// by (action, SQL).
func OptimizationPlan(issues []models.QueryIssue) []models.PlanAction {
	seen := make(map[string]bool)
	var plan []models.PlanAction

	for _, issue := range issues {
		if issue.Type != models.IssueMissingIndex || !issue.Severity.AtLeast(models.SeverityHigh) {
			continue
		}
		if issue.Table == "" || len(issue.Columns) == 0 {
			continue
		}

		name := fmt.Sprintf("idx_%s_%s", issue.Table, strings.Join(issue.Columns, "_"))
		sql := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			name, issue.Table, strings.Join(issue.Columns, ", "))

		key := string(models.PlanCreateIndex) + "|" + sql
		if seen[key] {
			continue
		}
		seen[key] = true

		plan = append(plan, models.PlanAction{
			Type:        models.PlanCreateIndex,
			SQL:         sql,
			RollbackSQL: fmt.Sprintf("DROP INDEX IF EXISTS %s", name),
			Reason:      issue.Description,
			Severity:    issue.Severity,
			Complexity:  issue.Complexity,
		})
	}

	return plan
}

// Dashboard aggregates issue counts, the top slowest statements and the
// generated plan into one presentation structure.
func (qa *QueryAnalyzer) Dashboard(ctx context.Context) (models.QueryDashboard, error) {
	metrics, err := qa.StatementMetrics(ctx)
	if err != nil {
		return models.QueryDashboard{}, err
	}

	issues, err := qa.AnalyzeSlowQueries(ctx, qa.slowThresholdMs, qa.minCalls)
	if err != nil {
		return models.QueryDashboard{}, err
	}

	dashboard := models.QueryDashboard{
		StatementCount:   len(metrics),
		IssuesByType:     make(map[models.QueryIssueType]int),
		IssuesBySeverity: make(map[models.Severity]int),
		Issues:           issues,
		Plan:             OptimizationPlan(issues),
		GeneratedAt:      time.Now(),
	}

	for _, issue := range issues {
		dashboard.IssuesByType[issue.Type]++
		dashboard.IssuesBySeverity[issue.Severity]++
	}

	sort.Slice(metrics, func(i, j int) bool { return metrics[i].MeanTimeMs > metrics[j].MeanTimeMs })
	if len(metrics) > 10 {
		metrics = metrics[:10]
	}
	dashboard.SlowestQueries = metrics

	return dashboard, nil
}

// indexDefinitions maps table name to the definition text of its
// indexes; failures degrade to an empty map.
func (qa *QueryAnalyzer) indexDefinitions(ctx context.Context) map[string][]string {
	defs := make(map[string][]string)

	rows, err := qa.db.Query(ctx, `
		SELECT tablename, indexdef
		FROM pg_indexes
		WHERE schemaname NOT IN ('pg_catalog', 'information_schema')
	`)
	if err != nil {
		qa.log.Warnf("Index definition fetch failed: %v", err)
		return defs
	}
	defer rows.Close()

	for rows.Next() {
		var table, def string
		if err := rows.Scan(&table, &def); err != nil {
			continue
		}
		table = strings.ToLower(table)
		defs[table] = append(defs[table], def)
	}
	if err := rows.Err(); err != nil {
		qa.log.Warnf("Index definition iteration failed: %v", err)
	}

	return defs
}
