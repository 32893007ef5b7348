package models

import "time"

// PoolStats is the snapshot the subsystem consumes from the hosting
// application's connection pool. AvgQueryTimeMs holds whatever latency
// figure the pool can provide; pools that do not time statements may
// substitute a proxy such as mean connection-acquire latency.
type PoolStats struct {
	MinConnections  int     `json:"min_connections"`
	MaxConnections  int     `json:"max_connections"`
	UsedConnections int     `json:"used_connections"`
	AvailableConns  int     `json:"available_connections"`
	ConnectionErrs  int64   `json:"connection_errors"`
	AvgQueryTimeMs  float64 `json:"avg_query_time_ms"`
}

// PoolMetrics is an immutable per-sample snapshot of pool health.
type PoolMetrics struct {
	Timestamp       time.Time `json:"timestamp"`
	UsedConnections int       `json:"used_connections"`
	AvailableConns  int       `json:"available_connections"`
	MinConnections  int       `json:"min_connections"`
	MaxConnections  int       `json:"max_connections"`
	ConnectionErrs  int64     `json:"connection_errors"`
	AvgQueryTimeMs  float64   `json:"avg_query_time_ms"`
	UtilizationRate float64   `json:"utilization_rate"`
	EfficiencyScore float64   `json:"efficiency_score"`
}

// NewPoolMetrics builds a snapshot from raw pool statistics, deriving
// the utilization rate and efficiency score.
func NewPoolMetrics(stats PoolStats) PoolMetrics {
	m := PoolMetrics{
		Timestamp:       time.Now(),
		UsedConnections: stats.UsedConnections,
		AvailableConns:  stats.AvailableConns,
		MinConnections:  stats.MinConnections,
		MaxConnections:  stats.MaxConnections,
		ConnectionErrs:  stats.ConnectionErrs,
		AvgQueryTimeMs:  stats.AvgQueryTimeMs,
	}
	if stats.MaxConnections > 0 {
		m.UtilizationRate = float64(stats.UsedConnections) / float64(stats.MaxConnections) * 100
	}
	m.EfficiencyScore = EfficiencyScore(m.UtilizationRate)
	return m
}

// EfficiencyScore maps a utilization percentage to a fixed efficiency band.
// The 60-80% band is considered ideal; both starvation and saturation score low.
func EfficiencyScore(utilization float64) float64 {
	switch {
	case utilization >= 60 && utilization <= 80:
		return 100
	case utilization >= 40 && utilization < 60:
		return 85
	case utilization > 80 && utilization <= 90:
		return 70
	case utilization >= 30 && utilization < 40:
		return 60
	case utilization > 90 && utilization <= 95:
		return 40
	default:
		return 20
	}
}

// PoolLoadPattern captures hour-of-day load behaviour derived from the
// rolling metrics history. It is recomputed wholesale, never merged.
type PoolLoadPattern struct {
	PeakHours          []int     `json:"peak_hours"`
	LowHours           []int     `json:"low_hours"`
	RecommendedMinConn int       `json:"recommended_min_conn"`
	RecommendedMaxConn int       `json:"recommended_max_conn"`
	ScalingEvents      int       `json:"scaling_events"`
	AnalyzedAt         time.Time `json:"analyzed_at"`
}

// OptimizationAction enumerates the pool scaling actions the optimizer may recommend.
type OptimizationAction string

const (
	ActionIncreaseMax OptimizationAction = "increase_max_connections"
	ActionDecreaseMax OptimizationAction = "decrease_max_connections"
	ActionIncreaseMin OptimizationAction = "increase_min_connections"
	ActionDecreaseMin OptimizationAction = "decrease_min_connections"
	ActionScaleUp     OptimizationAction = "scale_up"
	ActionScaleDown   OptimizationAction = "scale_down"
	ActionMaintain    OptimizationAction = "maintain"
)

// RiskLevel grades how dangerous applying a recommendation is.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Complexity grades how much work applying a recommendation takes.
type Complexity string

const (
	ComplexityEasy   Complexity = "easy"
	ComplexityMedium Complexity = "medium"
	ComplexityHard   Complexity = "hard"
)

// OptimizationRecommendation is a single ranked, confidence-scored
// pool-scaling recommendation. Produced fresh on every evaluation.
type OptimizationRecommendation struct {
	Action           OptimizationAction `json:"action"`
	Reason           string             `json:"reason"`
	CurrentValue     int                `json:"current_value"`
	RecommendedValue int                `json:"recommended_value"`
	Confidence       float64            `json:"confidence"`
	ExpectedImpact   string             `json:"expected_impact"`
	Risk             RiskLevel          `json:"risk"`
	Complexity       Complexity         `json:"complexity"`
	CreatedAt        time.Time          `json:"created_at"`
}

// PoolStatusState describes whether a guarded status lookup succeeded.
type PoolStatusState string

const (
	PoolStatusHealthy  PoolStatusState = "healthy"
	PoolStatusDegraded PoolStatusState = "degraded"
)

// PoolStatus is the guarded view of the pool returned by the status guard.
// When Stale is true the numeric fields carry the last known good values
// (or zeros if none exist) rather than a live reading.
type PoolStatus struct {
	State           PoolStatusState `json:"state"`
	Reason          string          `json:"reason,omitempty"`
	Stats           PoolStats       `json:"stats"`
	UtilizationRate float64         `json:"utilization_rate"`
	Stale           bool            `json:"stale"`
	CheckedAt       time.Time       `json:"checked_at"`
}

// PoolSuggestion is a lightweight pool-sizing hint derived from guarded status.
type PoolSuggestion struct {
	Action  OptimizationAction `json:"action"`
	Message string             `json:"message"`
}
