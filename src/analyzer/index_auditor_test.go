package analyzer

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bivex/pgupkeep/src/models"
)

func TestInferColumnUsage(t *testing.T) {
	statements := []models.QueryPerformanceMetrics{
		{
			Query: "SELECT * FROM orders WHERE customer_id = $1",
			Calls: 100,
		},
		{
			Query: "SELECT * FROM orders WHERE customer_id = $1 ORDER BY created_at",
			Calls: 5000,
		},
		{
			// Below the call threshold, ignored.
			Query: "SELECT * FROM orders WHERE rare_column = $1",
			Calls: 5,
		},
	}

	usage := InferColumnUsage(statements, "orders")

	// 1 from the first statement + capped 3 from the hot one.
	assert.Equal(t, 4, usage["customer_id"])
	assert.Equal(t, 3, usage["created_at"])
	assert.NotContains(t, usage, "rare_column")
}

func TestInferColumnUsageWeightCap(t *testing.T) {
	statements := []models.QueryPerformanceMetrics{
		{Query: "SELECT * FROM t WHERE a = $1", Calls: 1000000},
	}

	usage := InferColumnUsage(statements, "t")

	assert.Equal(t, 3, usage["a"])
}

func TestMissingIndexRecommendations(t *testing.T) {
	usage := map[string]int{
		"customer_id": 4,
		"status":      2,
		"note":        1,
		"id":          5,
	}
	existing := []models.IndexInfo{
		{Name: "orders_pkey", Definition: "CREATE UNIQUE INDEX orders_pkey ON orders (id)"},
	}

	recs := MissingIndexRecommendations("orders", usage, existing)

	require.Len(t, recs, 3)

	byColumn := make(map[string]models.IndexRecommendation, len(recs))
	for _, rec := range recs {
		require.Len(t, rec.Columns, 1)
		byColumn[rec.Columns[0]] = rec
	}

	assert.Equal(t, models.SeverityHigh, byColumn["customer_id"].Priority)
	assert.Equal(t, models.SeverityMedium, byColumn["status"].Priority)
	assert.Equal(t, models.SeverityLow, byColumn["note"].Priority)
	assert.Equal(t, "CREATE INDEX IF NOT EXISTS idx_orders_customer_id ON orders (customer_id)",
		byColumn["customer_id"].DDL)
	assert.NotContains(t, byColumn, "id")
}

func TestEligibleForDeletionGates(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	old := now.AddDate(0, 0, -60)
	recent := now.AddDate(0, 0, -10)

	tests := []struct {
		name string
		idx  models.UnusedIndex
		want bool
	}{
		{
			"deletable",
			models.UnusedIndex{
				Index:     models.IndexInfo{Name: "idx_a"},
				SizeBytes: 10 * 1024 * 1024,
				LastUsed:  &old,
			},
			true,
		},
		{
			"primary key refused",
			models.UnusedIndex{
				Index:    models.IndexInfo{Name: "t_pkey", IsPrimary: true},
				LastUsed: &old,
			},
			false,
		},
		{
			"unique refused",
			models.UnusedIndex{
				Index:    models.IndexInfo{Name: "idx_u", IsUnique: true},
				LastUsed: &old,
			},
			false,
		},
		{
			"unknown idle age refused",
			models.UnusedIndex{
				Index: models.IndexInfo{Name: "idx_b"},
			},
			false,
		},
		{
			"too recently used",
			models.UnusedIndex{
				Index:    models.IndexInfo{Name: "idx_c"},
				LastUsed: &recent,
			},
			false,
		},
		{
			"too large",
			models.UnusedIndex{
				Index:     models.IndexInfo{Name: "idx_d"},
				SizeBytes: 500 * 1024 * 1024,
				LastUsed:  &old,
			},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := EligibleForDeletion(tt.idx, 30, 100, now)
			assert.Equal(t, tt.want, ok)
			if !tt.want {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestDeleteUnusedIndexesDryRun(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	ia := NewIndexAuditor(nil, log, nil, 30, 100)

	old := time.Now().AddDate(0, 0, -60)
	unused := []models.UnusedIndex{
		{
			Index:     models.IndexInfo{Name: "idx_stale"},
			SizeBytes: 1024,
			LastUsed:  &old,
		},
		{
			// Refused every time, never reaches the executor.
			Index:    models.IndexInfo{Name: "t_pkey", IsPrimary: true},
			LastUsed: &old,
		},
	}

	results := ia.DeleteUnusedIndexes(context.Background(), unused, true)

	require.Len(t, results, 1)
	assert.True(t, results[0].DryRun)
	assert.False(t, results[0].Applied)
	assert.Equal(t, "DROP INDEX IF EXISTS idx_stale", results[0].SQL)
}
