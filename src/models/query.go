package models

import "time"

// ComplexityTier is a coarse estimate of statement complexity derived
// from keyword inspection, not from a query plan.
type ComplexityTier string

const (
	ComplexityVeryLow    ComplexityTier = "very_low"
	ComplexityLowTier    ComplexityTier = "low"
	ComplexityMediumTier ComplexityTier = "medium"
	ComplexityHighTier   ComplexityTier = "high"
)

// QueryPerformanceMetrics is one aggregated row of cumulative statement
// statistics, enriched with derived classification fields.
type QueryPerformanceMetrics struct {
	QueryID           string         `json:"query_id"`
	Query             string         `json:"query"`
	Calls             int64          `json:"calls"`
	TotalTimeMs       float64        `json:"total_time_ms"`
	MeanTimeMs        float64        `json:"mean_time_ms"`
	MinTimeMs         float64        `json:"min_time_ms"`
	MaxTimeMs         float64        `json:"max_time_ms"`
	StddevTimeMs      float64        `json:"stddev_time_ms"`
	Rows              int64          `json:"rows"`
	RowsPerCall       float64        `json:"rows_per_call"`
	SharedBlksHit     int64          `json:"shared_blks_hit"`
	SharedBlksRead    int64          `json:"shared_blks_read"`
	CacheHitRatio     float64        `json:"cache_hit_ratio"`
	TempBlksRead      int64          `json:"temp_blks_read"`
	TempBlksWritten   int64          `json:"temp_blks_written"`
	PlanningTimeMs    *float64       `json:"planning_time_ms,omitempty"`
	WALBytes          *int64         `json:"wal_bytes,omitempty"`
	JITFunctions      *int64         `json:"jit_functions,omitempty"`
	IsRead            bool           `json:"is_read"`
	IsWrite           bool           `json:"is_write"`
	IsDML             bool           `json:"is_dml"`
	Tables            []string       `json:"tables"`
	EstimatedTier     ComplexityTier `json:"estimated_complexity"`
	CollectedAt       time.Time      `json:"collected_at"`
}

// QueryIssueType enumerates the heuristic detectors.
type QueryIssueType string

const (
	IssueSequentialScan QueryIssueType = "sequential_scan_pattern"
	IssueMissingIndex   QueryIssueType = "missing_index"
	IssueInefficient    QueryIssueType = "inefficient_pattern"
	IssueHighTempUsage  QueryIssueType = "high_temp_usage"
)

// QueryIssue is the single most severe finding for one statement.
type QueryIssue struct {
	Type        QueryIssueType          `json:"type"`
	Severity    Severity                `json:"severity"`
	Complexity  Complexity              `json:"complexity"`
	Description string                  `json:"description"`
	Suggestion  string                  `json:"suggestion"`
	Table       string                  `json:"table,omitempty"`
	Columns     []string                `json:"columns,omitempty"`
	Metrics     QueryPerformanceMetrics `json:"metrics"`
}

// PlanActionType enumerates concrete remediation statements.
type PlanActionType string

const (
	PlanCreateIndex PlanActionType = "create_index"
)

// PlanAction is one executable remediation with its rollback.
type PlanAction struct {
	Type        PlanActionType `json:"type"`
	SQL         string         `json:"sql"`
	RollbackSQL string         `json:"rollback_sql"`
	Reason      string         `json:"reason"`
	Severity    Severity       `json:"severity"`
	Complexity  Complexity     `json:"complexity"`
}

// QueryDashboard aggregates the analyzer's findings for presentation.
type QueryDashboard struct {
	StatementCount   int                        `json:"statement_count"`
	IssuesByType     map[QueryIssueType]int     `json:"issues_by_type"`
	IssuesBySeverity map[Severity]int           `json:"issues_by_severity"`
	SlowestQueries   []QueryPerformanceMetrics  `json:"slowest_queries"`
	Issues           []QueryIssue               `json:"issues"`
	Plan             []PlanAction               `json:"optimization_plan"`
	GeneratedAt      time.Time                  `json:"generated_at"`
}
