package models

import "time"

// IndexInfo describes one existing index on an audited table.
type IndexInfo struct {
	Name       string `json:"name"`
	Table      string `json:"table"`
	Definition string `json:"definition"`
	SizeBytes  int64  `json:"size_bytes"`
	Scans      int64  `json:"scans"`
	IsUnique   bool   `json:"is_unique"`
	IsPrimary  bool   `json:"is_primary"`
}

// IndexRecommendation proposes a new index for observed column usage.
type IndexRecommendation struct {
	Table    string   `json:"table"`
	Columns  []string `json:"columns"`
	Kind     string   `json:"kind"` // btree unless usage suggests otherwise
	Reason   string   `json:"reason"`
	Priority Severity `json:"priority"`
	DDL      string   `json:"ddl"`
}

// UnusedIndex is an index with no recorded scans.
type UnusedIndex struct {
	Index     IndexInfo  `json:"index"`
	SizeBytes int64      `json:"size_bytes"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
}

// BloatedIndex flags an index on a heavily mutated, unmaintained table.
type BloatedIndex struct {
	Index      IndexInfo `json:"index"`
	TupleWrite int64     `json:"tuple_writes"`
	LastVacuum *time.Time `json:"last_vacuum,omitempty"`
}

// IndexAuditResult is the per-table audit outcome.
type IndexAuditResult struct {
	Table           string                `json:"table"`
	ExistingIndexes []IndexInfo           `json:"existing_indexes"`
	MissingIndexes  []IndexRecommendation `json:"missing_indexes"`
	UnusedIndexes   []UnusedIndex         `json:"unused_indexes"`
	BloatedIndexes  []BloatedIndex        `json:"bloated_indexes"`
	Recommendations []string              `json:"recommendations"`
	AuditedAt       time.Time             `json:"audited_at"`
}

// ApplyResult records the outcome of executing one remediation statement.
type ApplyResult struct {
	SQL     string `json:"sql"`
	Applied bool   `json:"applied"`
	DryRun  bool   `json:"dry_run"`
	Error   string `json:"error,omitempty"`
}
