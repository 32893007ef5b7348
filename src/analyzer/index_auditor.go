package analyzer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bivex/pgupkeep/src/db"
	"github.com/bivex/pgupkeep/src/models"
)

const (
	// bloatWriteThreshold is the table mutation count past which indexes
	// are flagged as bloated when no maintenance has run.
	bloatWriteThreshold = 10000

	// usageWeightCap bounds how much one hot statement can contribute to
	// a column's observed usage count.
	usageWeightCap = 3

	// usageMinCalls filters statements too rare to justify an index.
	usageMinCalls = 10
)

// StatementSource supplies aggregated statement metrics for usage inference.
type StatementSource interface {
	StatementMetrics(ctx context.Context) ([]models.QueryPerformanceMetrics, error)
}

// IndexAuditor compares observed query column usage per table against
// the table's existing indexes and flags missing, unused and bloated ones.
type IndexAuditor struct {
	db            db.Database
	log           *logrus.Logger
	stmts         StatementSource
	unusedAgeDays int
	maxSizeMB     int
}

// NewIndexAuditor creates an IndexAuditor with the given deletion-safety thresholds.
func NewIndexAuditor(database db.Database, log *logrus.Logger, stmts StatementSource, unusedAgeDays, maxSizeMB int) *IndexAuditor {
	return &IndexAuditor{
		db:            database,
		log:           log,
		stmts:         stmts,
		unusedAgeDays: unusedAgeDays,
		maxSizeMB:     maxSizeMB,
	}
}

// UserTables lists the tables visible in pg_stat_user_tables.
func (ia *IndexAuditor) UserTables(ctx context.Context) ([]string, error) {
	rows, err := ia.db.Query(ctx, `
		SELECT relname
		FROM pg_stat_user_tables
		ORDER BY seq_scan + COALESCE(idx_scan, 0) DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list user tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, strings.ToLower(name))
	}
	return tables, rows.Err()
}

// AuditAll audits every user table, skipping tables that fail individually.
func (ia *IndexAuditor) AuditAll(ctx context.Context) ([]models.IndexAuditResult, error) {
	tables, err := ia.UserTables(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]models.IndexAuditResult, 0, len(tables))
	for _, table := range tables {
		result, err := ia.AuditTableIndexes(ctx, table)
		if err != nil {
			ia.log.Warnf("Index audit failed for table %s: %v", table, err)
			continue
		}
		results = append(results, result)
	}
	return results, nil
}

// AuditTableIndexes performs the per-table comparison of observed
// column usage against existing index definitions.
func (ia *IndexAuditor) AuditTableIndexes(ctx context.Context, table string) (models.IndexAuditResult, error) {
	result := models.IndexAuditResult{
		Table:     table,
		AuditedAt: time.Now(),
	}

	existing, err := ia.existingIndexes(ctx, table)
	if err != nil {
		return result, fmt.Errorf("failed to fetch indexes for %s: %w", table, err)
	}
	result.ExistingIndexes = existing

	statements, err := ia.statementsReferencing(ctx, table)
	if err != nil {
		ia.log.Warnf("Statement fetch for table %s failed: %v", table, err)
	}

	usage := InferColumnUsage(statements, table)
	result.MissingIndexes = MissingIndexRecommendations(table, usage, existing)
	result.UnusedIndexes = ia.unusedIndexes(ctx, existing)
	result.BloatedIndexes = ia.bloatedIndexes(ctx, table, existing)
	result.Recommendations = summarize(result)

	return result, nil
}

func (ia *IndexAuditor) existingIndexes(ctx context.Context, table string) ([]models.IndexInfo, error) {
	rows, err := ia.db.Query(ctx, `
		SELECT
			s.indexrelname,
			s.relname,
			pg_get_indexdef(s.indexrelid),
			pg_relation_size(s.indexrelid),
			COALESCE(s.idx_scan, 0),
			i.indisunique,
			i.indisprimary
		FROM pg_stat_user_indexes s
		JOIN pg_index i ON i.indexrelid = s.indexrelid
		WHERE s.relname = $1
	`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var indexes []models.IndexInfo
	for rows.Next() {
		var idx models.IndexInfo
		if err := rows.Scan(&idx.Name, &idx.Table, &idx.Definition, &idx.SizeBytes, &idx.Scans, &idx.IsUnique, &idx.IsPrimary); err != nil {
			return nil, err
		}
		indexes = append(indexes, idx)
	}
	return indexes, rows.Err()
}

// statementsReferencing filters the statement statistics down to those
// touching the table.
func (ia *IndexAuditor) statementsReferencing(ctx context.Context, table string) ([]models.QueryPerformanceMetrics, error) {
	if ia.stmts == nil {
		return nil, nil
	}
	all, err := ia.stmts.StatementMetrics(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.QueryPerformanceMetrics
	for _, qm := range all {
		for _, t := range qm.Tables {
			if t == table {
				out = append(out, qm)
				break
			}
		}
	}
	return out, nil
}

// InferColumnUsage counts how often each column appears in WHERE, JOIN,
// ORDER BY or GROUP BY clauses of high-frequency statements against the
// table. Contributions are weighted by call count, capped per statement
// so one hot query cannot dominate.
func InferColumnUsage(statements []models.QueryPerformanceMetrics, table string) map[string]int {
	usage := make(map[string]int)
	for _, qm := range statements {
		if qm.Calls < usageMinCalls {
			continue
		}
		weight := 1 + int(qm.Calls/1000)
		if weight > usageWeightCap {
			weight = usageWeightCap
		}
		cols := ExtractColumnUsage(qm.Query)
		for _, col := range cols.All() {
			usage[col] += weight
		}
	}
	return usage
}

// MissingIndexRecommendations returns recommendations for used columns
// not covered by any existing index, prioritized by usage frequency.
func MissingIndexRecommendations(table string, usage map[string]int, existing []models.IndexInfo) []models.IndexRecommendation {
	defs := make([]string, 0, len(existing))
	for _, idx := range existing {
		defs = append(defs, idx.Definition)
	}

	cols := make([]string, 0, len(usage))
	for col := range usage {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var recs []models.IndexRecommendation
	for _, col := range cols {
		if coveredByIndex(col, defs) {
			continue
		}

		priority := models.SeverityLow
		switch {
		case usage[col] >= 3:
			priority = models.SeverityHigh
		case usage[col] == 2:
			priority = models.SeverityMedium
		}

		recs = append(recs, models.IndexRecommendation{
			Table:    table,
			Columns:  []string{col},
			Kind:     "btree",
			Reason:   fmt.Sprintf("column %s appears in %d weighted query patterns without index coverage", col, usage[col]),
			Priority: priority,
			DDL:      fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)", table, col, table, col),
		})
	}
	return recs
}

// unusedIndexes flags indexes with zero recorded scans. When statistics
// were last reset bounds how long the index has provably been idle.
func (ia *IndexAuditor) unusedIndexes(ctx context.Context, existing []models.IndexInfo) []models.UnusedIndex {
	var statsReset *time.Time
	err := ia.db.QueryRow(ctx, `
		SELECT stats_reset FROM pg_stat_database WHERE datname = current_database()
	`).Scan(&statsReset)
	if err != nil {
		ia.log.Debugf("Failed to fetch stats reset time: %v", err)
	}

	var unused []models.UnusedIndex
	for _, idx := range existing {
		if idx.Scans > 0 {
			continue
		}
		unused = append(unused, models.UnusedIndex{
			Index:     idx,
			SizeBytes: idx.SizeBytes,
			LastUsed:  statsReset,
		})
	}
	return unused
}

// bloatedIndexes flags every index of a table whose mutation counters
// exceed the threshold with no vacuum since.
func (ia *IndexAuditor) bloatedIndexes(ctx context.Context, table string, existing []models.IndexInfo) []models.BloatedIndex {
	var writes int64
	var lastVacuum, lastAutovacuum *time.Time
	err := ia.db.QueryRow(ctx, `
		SELECT
			COALESCE(n_tup_ins + n_tup_upd + n_tup_del, 0),
			last_vacuum,
			last_autovacuum
		FROM pg_stat_user_tables
		WHERE relname = $1
	`, table).Scan(&writes, &lastVacuum, &lastAutovacuum)
	if err != nil {
		ia.log.Debugf("Failed to fetch mutation counters for %s: %v", table, err)
		return nil
	}

	if writes <= bloatWriteThreshold {
		return nil
	}
	if lastVacuum != nil || lastAutovacuum != nil {
		return nil
	}

	bloated := make([]models.BloatedIndex, 0, len(existing))
	for _, idx := range existing {
		bloated = append(bloated, models.BloatedIndex{
			Index:      idx,
			TupleWrite: writes,
			LastVacuum: lastVacuum,
		})
	}
	return bloated
}

func summarize(result models.IndexAuditResult) []string {
	var lines []string
	if n := len(result.MissingIndexes); n > 0 {
		lines = append(lines, fmt.Sprintf("%d column(s) on %s are queried without index coverage", n, result.Table))
	}
	if n := len(result.UnusedIndexes); n > 0 {
		lines = append(lines, fmt.Sprintf("%d index(es) on %s have never been scanned", n, result.Table))
	}
	if n := len(result.BloatedIndexes); n > 0 {
		lines = append(lines, fmt.Sprintf("%s has %d index(es) on a heavily mutated table with no vacuum recorded", result.Table, n))
	}
	if len(lines) == 0 {
		lines = append(lines, fmt.Sprintf("indexes on %s look healthy", result.Table))
	}
	return lines
}

// ApplyRecommendations executes high and critical priority DDL. Each
// statement runs in its own transaction so one failure cannot abort the
// batch; dry-run mode only describes the action.
func (ia *IndexAuditor) ApplyRecommendations(ctx context.Context, recs []models.IndexRecommendation, dryRun bool) []models.ApplyResult {
	results := make([]models.ApplyResult, 0, len(recs))

	for _, rec := range recs {
		if !rec.Priority.AtLeast(models.SeverityHigh) {
			continue
		}

		if dryRun {
			ia.log.Infof("[dry-run] would execute: %s", rec.DDL)
			results = append(results, models.ApplyResult{SQL: rec.DDL, Applied: false, DryRun: true})
			continue
		}

		if err := ia.execInTx(ctx, rec.DDL); err != nil {
			ia.log.Errorf("Failed to apply %q: %v", rec.DDL, err)
			results = append(results, models.ApplyResult{SQL: rec.DDL, Applied: false, Error: err.Error()})
			continue
		}

		ia.log.Infof("Applied: %s", rec.DDL)
		results = append(results, models.ApplyResult{SQL: rec.DDL, Applied: true})
	}

	return results
}

// EligibleForDeletion applies the multi-guard safety check for automatic
// index deletion: known idle age at or above the threshold, size at or
// below the cap, and never a primary or unique index.
func EligibleForDeletion(idx models.UnusedIndex, minAgeDays, maxSizeMB int, now time.Time) (bool, string) {
	if idx.Index.IsPrimary {
		return false, "primary key indexes are never deleted automatically"
	}
	if idx.Index.IsUnique {
		return false, "unique indexes are never deleted automatically"
	}
	if idx.LastUsed == nil {
		return false, "idle age unknown; refusing automatic deletion"
	}
	ageDays := int(now.Sub(*idx.LastUsed).Hours() / 24)
	if ageDays < minAgeDays {
		return false, fmt.Sprintf("idle for %d day(s), below the %d-day threshold", ageDays, minAgeDays)
	}
	if idx.SizeBytes > int64(maxSizeMB)*1024*1024 {
		return false, fmt.Sprintf("size %d bytes exceeds the %dMB cap", idx.SizeBytes, maxSizeMB)
	}
	return true, ""
}

// DeleteUnusedIndexes drops the unused indexes that pass every safety
// gate. Dry-run mode logs the would-be drops and deletes nothing.
func (ia *IndexAuditor) DeleteUnusedIndexes(ctx context.Context, unused []models.UnusedIndex, dryRun bool) []models.ApplyResult {
	now := time.Now()
	results := make([]models.ApplyResult, 0, len(unused))

	for _, idx := range unused {
		ok, reason := EligibleForDeletion(idx, ia.unusedAgeDays, ia.maxSizeMB, now)
		if !ok {
			ia.log.Debugf("Skipping deletion of %s: %s", idx.Index.Name, reason)
			continue
		}

		sql := fmt.Sprintf("DROP INDEX IF EXISTS %s", idx.Index.Name)

		if dryRun {
			ia.log.Infof("[dry-run] would execute: %s", sql)
			results = append(results, models.ApplyResult{SQL: sql, Applied: false, DryRun: true})
			continue
		}

		if err := ia.execInTx(ctx, sql); err != nil {
			ia.log.Errorf("Failed to drop index %s: %v", idx.Index.Name, err)
			results = append(results, models.ApplyResult{SQL: sql, Applied: false, Error: err.Error()})
			continue
		}

		ia.log.Infof("Dropped unused index %s", idx.Index.Name)
		results = append(results, models.ApplyResult{SQL: sql, Applied: true})
	}

	return results
}

// execInTx runs one DDL statement inside its own transaction.
func (ia *IndexAuditor) execInTx(ctx context.Context, sql string) error {
	tx, err := ia.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if _, err := tx.Exec(ctx, sql); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			ia.log.Warnf("Rollback failed: %v", rbErr)
		}
		return fmt.Errorf("failed to execute %q: %w", sql, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}
