package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bivex/pgupkeep/src/models"
)

func TestExtractTables(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{
			"simple select",
			"SELECT id FROM users WHERE email = $1",
			[]string{"users"},
		},
		{
			"join",
			"SELECT u.id FROM users u JOIN orders o ON u.id = o.user_id",
			[]string{"users", "orders"},
		},
		{
			"schema qualified",
			"SELECT * FROM public.accounts",
			[]string{"accounts"},
		},
		{
			"insert",
			"INSERT INTO audit_log (entry) VALUES ($1)",
			[]string{"audit_log"},
		},
		{
			"update",
			"UPDATE sessions SET expires_at = $1 WHERE token = $2",
			[]string{"sessions"},
		},
		{
			"deduplicated",
			"SELECT * FROM users UNION SELECT * FROM users",
			[]string{"users"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractTables(tt.query))
		})
	}
}

func TestExtractColumnUsage(t *testing.T) {
	usage := ExtractColumnUsage(
		"SELECT u.id FROM users u JOIN orders o ON u.id = o.user_id " +
			"WHERE u.email = $1 AND o.status = 'open' " +
			"GROUP BY o.status ORDER BY o.created_at LIMIT 10")

	assert.ElementsMatch(t, []string{"email", "status"}, usage.Where)
	assert.ElementsMatch(t, []string{"id", "user_id"}, usage.Join)
	assert.Equal(t, []string{"created_at"}, usage.OrderBy)
	assert.Equal(t, []string{"status"}, usage.GroupBy)
}

func TestExtractColumnUsageIgnoresLiteralsAndPlaceholders(t *testing.T) {
	usage := ExtractColumnUsage("SELECT * FROM t WHERE $1 = name AND 5 < age")

	for _, col := range usage.Where {
		assert.NotEqual(t, "$1", col)
		assert.NotEqual(t, "5", col)
	}
}

func TestColumnUsageAll(t *testing.T) {
	usage := ColumnUsage{
		Where:   []string{"email", "status"},
		Join:    []string{"user_id", "status"},
		OrderBy: []string{"created_at"},
	}

	assert.Equal(t, []string{"created_at", "email", "status", "user_id"}, usage.All())
}

func TestClassifyStatement(t *testing.T) {
	tests := []struct {
		query   string
		isRead  bool
		isWrite bool
		isDML   bool
	}{
		{"SELECT 1", true, false, false},
		{"  select * from t", true, false, false},
		{"WITH cte AS (SELECT 1) SELECT * FROM cte", true, false, false},
		{"WITH moved AS (DELETE FROM a RETURNING *) INSERT INTO b SELECT * FROM moved", true, true, true},
		{"INSERT INTO t VALUES (1)", false, true, true},
		{"UPDATE t SET a = 1", false, true, true},
		{"DELETE FROM t", false, true, true},
		{"COPY t FROM stdin", false, true, false},
	}

	for _, tt := range tests {
		isRead, isWrite, isDML := ClassifyStatement(tt.query)
		assert.Equal(t, tt.isRead, isRead, "isRead for %q", tt.query)
		assert.Equal(t, tt.isWrite, isWrite, "isWrite for %q", tt.query)
		assert.Equal(t, tt.isDML, isDML, "isDML for %q", tt.query)
	}
}

func TestEstimateComplexity(t *testing.T) {
	tests := []struct {
		query string
		want  models.ComplexityTier
	}{
		{"SELECT id FROM users", models.ComplexityVeryLow},
		{"SELECT * FROM a JOIN b ON a.id = b.a_id", models.ComplexityLowTier},
		{"SELECT * FROM a JOIN b ON a.id = b.a_id GROUP BY a.id", models.ComplexityMediumTier},
		{"WITH x AS (SELECT 1) SELECT * FROM a JOIN b ON a.id=b.id JOIN c ON b.id=c.id", models.ComplexityHighTier},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, EstimateComplexity(tt.query), "query %q", tt.query)
	}
}

func TestCacheHitRatio(t *testing.T) {
	assert.Equal(t, 10.0, CacheHitRatio(10, 90))
	assert.Equal(t, 100.0, CacheHitRatio(50, 0))
	assert.Equal(t, 0.0, CacheHitRatio(0, 0))
}

func TestMatchesSeqScanPattern(t *testing.T) {
	assert.True(t, matchesSeqScanPattern("SELECT * FROM t WHERE a = 1 OR b = 2"))
	assert.True(t, matchesSeqScanPattern("SELECT * FROM t WHERE name LIKE '%smith'"))
	assert.True(t, matchesSeqScanPattern("SELECT * FROM t WHERE id IN (1,2,3)"))
	assert.False(t, matchesSeqScanPattern("SELECT * FROM t WHERE id = $1"))
}

func TestCoveredByIndex(t *testing.T) {
	defs := []string{"CREATE INDEX idx_users_email ON users (email)"}

	assert.True(t, coveredByIndex("email", defs))
	assert.False(t, coveredByIndex("created_at", defs))
	assert.False(t, coveredByIndex("email", nil))
}
