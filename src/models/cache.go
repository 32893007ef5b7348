package models

import "time"

// CacheMetrics is a per-sample snapshot of buffer-cache efficiency.
// TempFiles and TempBytes carry the cumulative totals from
// pg_stat_database; the delta fields hold the growth since the previous
// sample and are zero on the first one.
type CacheMetrics struct {
	HeapHitRatio     float64   `json:"heap_hit_ratio"`
	IndexHitRatio    float64   `json:"index_hit_ratio"`
	BufferUsageRatio float64   `json:"buffer_usage_ratio"`
	TempFiles        int64     `json:"temp_files"`
	TempBytes        int64     `json:"temp_bytes"`
	TempFilesDelta   int64     `json:"temp_files_delta"`
	TempBytesDelta   int64     `json:"temp_bytes_delta"`
	Timestamp        time.Time `json:"timestamp"`
}

// CacheAlertType enumerates the cache conditions the monitor alerts on.
type CacheAlertType string

const (
	CacheAlertLowHeapHit   CacheAlertType = "low_heap_hit_ratio"
	CacheAlertLowIndexHit  CacheAlertType = "low_index_hit_ratio"
	CacheAlertHighBuffers  CacheAlertType = "high_buffer_usage"
	CacheAlertHighTempFile CacheAlertType = "high_temp_file_usage"
)

// CacheAlert is a threshold violation with remediation guidance.
type CacheAlert struct {
	Type        CacheAlertType `json:"type"`
	Severity    Severity       `json:"severity"`
	Message     string         `json:"message"`
	Suggestions []string       `json:"suggestions"`
	Timestamp   time.Time      `json:"timestamp"`
	Metrics     CacheMetrics   `json:"metrics"`
}

// CacheRecommendations bundles the monitor's structured advice.
type CacheRecommendations struct {
	ImmediateActions      []string  `json:"immediate_actions"`
	ConfigurationChanges  []string  `json:"configuration_changes"`
	MonitoringSuggestions []string  `json:"monitoring_suggestions"`
	QueryOptimizations    []string  `json:"query_optimizations"`
	GeneratedAt           time.Time `json:"generated_at"`
}
