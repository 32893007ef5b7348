package models

import "time"

// PerformanceBaseline is captured once on the first successful sample
// after start and retained for the process lifetime.
type PerformanceBaseline struct {
	HeapHitRatio   float64   `json:"heap_hit_ratio"`
	IndexHitRatio  float64   `json:"index_hit_ratio"`
	SlowQueryCount int       `json:"slow_query_count"`
	CapturedAt     time.Time `json:"captured_at"`
}

// ReportAlert is one alert line in an upholder report.
type ReportAlert struct {
	Type       string    `json:"type"`
	Severity   Severity  `json:"severity"`
	Message    string    `json:"message"`
	Suppressed bool      `json:"suppressed"` // true when inside the cooldown window
	Timestamp  time.Time `json:"timestamp"`
}

// UpholderReport is the merged outcome of one full audit cycle.
type UpholderReport struct {
	Timestamp            time.Time                    `json:"timestamp"`
	Duration             time.Duration                `json:"duration"`
	AppliedOptimizations []ApplyResult                `json:"applied_optimizations"`
	Alerts               []ReportAlert                `json:"alerts"`
	Recommendations      []OptimizationRecommendation `json:"recommendations"`
	PoolSuggestions      []PoolSuggestion             `json:"pool_suggestions"`
	QueryIssues          []QueryIssue                 `json:"query_issues"`
	IndexAudits          []IndexAuditResult           `json:"index_audits"`
	ImprovementDeltas    map[string]float64           `json:"improvement_deltas"`
	DeletedIndexes       []string                     `json:"deleted_indexes"`
	NextRun              time.Time                    `json:"next_run"`
}

// UpholderStatus reflects the orchestrator lifecycle for status endpoints.
type UpholderStatus struct {
	Running          bool       `json:"running"`
	BaselineCaptured bool       `json:"baseline_captured"`
	LastAuditAt      *time.Time `json:"last_audit_at,omitempty"`
	NextAuditAt      *time.Time `json:"next_audit_at,omitempty"`
	AuditsCompleted  int        `json:"audits_completed"`
}

// Dashboard is the combined view assembled by the orchestrator. Failed
// sub-reports are represented by their error string, never by an absent
// or half-populated structure.
type Dashboard struct {
	Status      UpholderStatus        `json:"status"`
	Cache       *CacheMetrics         `json:"cache,omitempty"`
	CacheError  string                `json:"cache_error,omitempty"`
	Query       *QueryDashboard       `json:"query,omitempty"`
	QueryError  string                `json:"query_error,omitempty"`
	Pool        *PoolStatus           `json:"pool,omitempty"`
	PoolError   string                `json:"pool_error,omitempty"`
	Baseline    *PerformanceBaseline  `json:"baseline,omitempty"`
	GeneratedAt time.Time             `json:"generated_at"`
}
