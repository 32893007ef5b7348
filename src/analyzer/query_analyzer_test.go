package analyzer

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bivex/pgupkeep/src/models"
)

func newTestAnalyzer() *QueryAnalyzer {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewQueryAnalyzer(nil, log, 1000, 10)
}

// flakyDB fails the first N Query calls, then serves a single-column
// result set with the given values.
type flakyDB struct {
	failures int
	calls    int
	values   []string
}

func (f *flakyDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("connection refused")
	}
	return &stringRows{values: f.values}, nil
}

func (f *flakyDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return nil
}

func (f *flakyDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errors.New("not supported")
}

func (f *flakyDB) Begin(ctx context.Context) (pgx.Tx, error) {
	return nil, errors.New("not supported")
}

type stringRows struct {
	values []string
	idx    int
}

func (r *stringRows) Close()                                       {}
func (r *stringRows) Err() error                                   { return nil }
func (r *stringRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *stringRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *stringRows) Values() ([]any, error)                       { return nil, nil }
func (r *stringRows) RawValues() [][]byte                          { return nil }
func (r *stringRows) Conn() *pgx.Conn                              { return nil }

func (r *stringRows) Next() bool {
	r.idx++
	return r.idx <= len(r.values)
}

func (r *stringRows) Scan(dest ...any) error {
	*(dest[0].(*string)) = r.values[r.idx-1]
	return nil
}

func TestResolveColumnsRetriesAfterTransientFailure(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	database := &flakyDB{failures: 1, values: []string{"total_exec_time", "total_plan_time", "calls"}}
	qa := NewQueryAnalyzer(database, log, 1000, 10)

	_, err := qa.resolveColumns(context.Background())
	require.Error(t, err)

	cols, err := qa.resolveColumns(context.Background())
	require.NoError(t, err)
	assert.True(t, cols.execSuffix)
	assert.True(t, cols.hasPlanning)
	assert.False(t, cols.hasWAL)
	assert.False(t, cols.hasJIT)

	// The successful result is cached.
	before := database.calls
	_, err = qa.resolveColumns(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, database.calls)
}

func slowStatement(query string, hit, read int64) models.QueryPerformanceMetrics {
	return models.QueryPerformanceMetrics{
		QueryID:        "stmt-1",
		Query:          query,
		Calls:          500,
		MeanTimeMs:     1500,
		SharedBlksHit:  hit,
		SharedBlksRead: read,
		CacheHitRatio:  CacheHitRatio(hit, read),
		Tables:         ExtractTables(query),
	}
}

func TestDetectSequentialScan(t *testing.T) {
	qa := newTestAnalyzer()

	qm := slowStatement("SELECT * FROM orders WHERE status = 'a' OR status = 'b'", 10, 90)

	issue := qa.detectSequentialScan(qm)

	require.NotNil(t, issue)
	assert.Equal(t, models.IssueSequentialScan, issue.Type)
	assert.Equal(t, models.SeverityHigh, issue.Severity)
}

func TestDetectSequentialScanRequiresBothSignals(t *testing.T) {
	qa := newTestAnalyzer()

	// Scan-prone shape but warm cache: not flagged.
	warm := slowStatement("SELECT * FROM orders WHERE a = 1 OR b = 2", 90, 10)
	assert.Nil(t, qa.detectSequentialScan(warm))

	// Cold cache but index-friendly shape: not flagged.
	cold := slowStatement("SELECT * FROM orders WHERE id = $1", 10, 90)
	assert.Nil(t, qa.detectSequentialScan(cold))
}

func TestDetectSequentialScanCriticalWhenVerySlow(t *testing.T) {
	qa := newTestAnalyzer()

	qm := slowStatement("SELECT * FROM orders WHERE a = 1 OR b = 2", 10, 90)
	qm.MeanTimeMs = 6000 // five times the 1000ms threshold

	issue := qa.detectSequentialScan(qm)

	require.NotNil(t, issue)
	assert.Equal(t, models.SeverityCritical, issue.Severity)
}

func TestDetectMissingIndexes(t *testing.T) {
	qa := newTestAnalyzer()

	qm := slowStatement("SELECT * FROM orders WHERE customer_id = $1 ORDER BY created_at", 50, 50)
	indexDefs := map[string][]string{
		"orders": {"CREATE UNIQUE INDEX orders_pkey ON orders (id)"},
	}

	issues := qa.detectMissingIndexes(qm, indexDefs)

	require.Len(t, issues, 1)
	assert.Equal(t, models.IssueMissingIndex, issues[0].Type)
	assert.Equal(t, models.SeverityHigh, issues[0].Severity)
	assert.Equal(t, "orders", issues[0].Table)
	assert.ElementsMatch(t, []string{"customer_id", "created_at"}, issues[0].Columns)
}

func TestDetectMissingIndexesCoveredColumns(t *testing.T) {
	qa := newTestAnalyzer()

	qm := slowStatement("SELECT * FROM orders WHERE customer_id = $1", 50, 50)
	indexDefs := map[string][]string{
		"orders": {"CREATE INDEX idx_orders_customer_id ON orders (customer_id)"},
	}

	assert.Empty(t, qa.detectMissingIndexes(qm, indexDefs))
}

func TestDetectInefficientPatterns(t *testing.T) {
	selectStar := slowStatement("SELECT * FROM users", 50, 50)
	issues := detectInefficientPatterns(selectStar)
	require.Len(t, issues, 1)
	assert.Equal(t, models.SeverityLow, issues[0].Severity)
	assert.Equal(t, models.ComplexityEasy, issues[0].Complexity)

	limitNoOrder := slowStatement("SELECT id FROM users LIMIT 10", 50, 50)
	issues = detectInefficientPatterns(limitNoOrder)
	require.Len(t, issues, 1)
	assert.Equal(t, models.SeverityMedium, issues[0].Severity)

	ordered := slowStatement("SELECT id FROM users ORDER BY id LIMIT 10", 50, 50)
	assert.Empty(t, detectInefficientPatterns(ordered))
}

func TestDetectTempUsage(t *testing.T) {
	low := slowStatement("SELECT 1", 50, 50)
	low.TempBlksWritten = 500
	assert.Nil(t, detectTempUsage(low))

	medium := slowStatement("SELECT 1", 50, 50)
	medium.TempBlksWritten = 5000
	issue := detectTempUsage(medium)
	require.NotNil(t, issue)
	assert.Equal(t, models.SeverityMedium, issue.Severity)

	high := slowStatement("SELECT 1", 50, 50)
	high.TempBlksWritten = 50000
	issue = detectTempUsage(high)
	require.NotNil(t, issue)
	assert.Equal(t, models.SeverityHigh, issue.Severity)
}

func TestMostSevereIssuePicksHighestRank(t *testing.T) {
	qa := newTestAnalyzer()

	// SELECT * (low) plus an uncovered WHERE column (high).
	qm := slowStatement("SELECT * FROM orders WHERE customer_id = $1", 50, 50)

	issue := qa.MostSevereIssue(qm, map[string][]string{})

	require.NotNil(t, issue)
	assert.Equal(t, models.IssueMissingIndex, issue.Type)
	assert.Equal(t, models.SeverityHigh, issue.Severity)
}

func TestOptimizationPlan(t *testing.T) {
	issues := []models.QueryIssue{
		{
			Type:     models.IssueMissingIndex,
			Severity: models.SeverityHigh,
			Table:    "orders",
			Columns:  []string{"customer_id"},
		},
		{
			// Duplicate of the first, from another statement.
			Type:     models.IssueMissingIndex,
			Severity: models.SeverityCritical,
			Table:    "orders",
			Columns:  []string{"customer_id"},
		},
		{
			// Below the severity bar.
			Type:     models.IssueMissingIndex,
			Severity: models.SeverityMedium,
			Table:    "users",
			Columns:  []string{"email"},
		},
		{
			// Wrong type.
			Type:     models.IssueInefficient,
			Severity: models.SeverityHigh,
		},
	}

	plan := OptimizationPlan(issues)

	require.Len(t, plan, 1)
	assert.Equal(t, "CREATE INDEX IF NOT EXISTS idx_orders_customer_id ON orders (customer_id)", plan[0].SQL)
	assert.Equal(t, "DROP INDEX IF EXISTS idx_orders_customer_id", plan[0].RollbackSQL)
}

func TestEnrichDerivesFields(t *testing.T) {
	qm := models.QueryPerformanceMetrics{
		Query:          "SELECT * FROM users WHERE email = $1",
		Calls:          100,
		Rows:           400,
		SharedBlksHit:  10,
		SharedBlksRead: 90,
	}

	Enrich(&qm)

	assert.Equal(t, 4.0, qm.RowsPerCall)
	assert.Equal(t, 10.0, qm.CacheHitRatio)
	assert.True(t, qm.IsRead)
	assert.False(t, qm.IsWrite)
	assert.Equal(t, []string{"users"}, qm.Tables)
	assert.Equal(t, models.ComplexityVeryLow, qm.EstimatedTier)
	assert.NotEmpty(t, qm.QueryID)
}
