package analyzer

import (
	"regexp"
	"sort"
	"strings"

	"github.com/bivex/pgupkeep/src/models"
)

// The extraction in this file is deliberately heuristic: lightweight
// pattern matching over statement text, not SQL parsing. It is
// best-effort and non-authoritative; a statement it cannot make sense of
// simply contributes nothing to the analysis.

var (
	tableRe   = regexp.MustCompile(`(?i)\b(?:from|join|into|update)\s+([a-zA-Z_][a-zA-Z0-9_.]*)`)
	whereRe   = regexp.MustCompile(`(?i)\bwhere\s+(.*?)(?:\bgroup\s+by\b|\border\s+by\b|\blimit\b|\breturning\b|;|$)`)
	condColRe = regexp.MustCompile(`(?i)([a-zA-Z_][a-zA-Z0-9_.]*)\s*(?:=|<>|!=|<=|>=|<|>|\blike\b|\bilike\b|\bin\b|\bis\b|\bbetween\b)`)
	joinOnRe  = regexp.MustCompile(`(?i)\bon\s+([a-zA-Z_][a-zA-Z0-9_.]*)\s*=\s*([a-zA-Z_][a-zA-Z0-9_.]*)`)
	orderByRe = regexp.MustCompile(`(?i)\border\s+by\s+([a-zA-Z0-9_.,\s]+?)(?:\blimit\b|\boffset\b|;|$)`)
	groupByRe = regexp.MustCompile(`(?i)\bgroup\s+by\s+([a-zA-Z0-9_.,\s]+?)(?:\bhaving\b|\border\s+by\b|\blimit\b|;|$)`)

	seqScanPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bwhere\b.*\bor\b`),
		regexp.MustCompile(`(?i)\bwhere\b.*\bnot\b`),
		regexp.MustCompile(`(?i)\b(?:like|ilike)\s+'%`),
		regexp.MustCompile(`(?i)\bwhere\b.*\bin\s*\(`),
	}

	selectStarRe  = regexp.MustCompile(`(?i)\bselect\s+\*`)
	distinctRe    = regexp.MustCompile(`(?i)\bselect\s+distinct\b`)
	limitRe       = regexp.MustCompile(`(?i)\blimit\b`)
	orderPresence = regexp.MustCompile(`(?i)\border\s+by\b`)
	joinRe        = regexp.MustCompile(`(?i)\bjoin\b`)
)

// sqlKeywords are tokens the column extractor must never treat as columns.
var sqlKeywords = map[string]bool{
	"select": true, "from": true, "where": true, "and": true, "or": true,
	"not": true, "in": true, "is": true, "null": true, "like": true,
	"ilike": true, "between": true, "exists": true, "case": true,
	"when": true, "then": true, "else": true, "end": true, "true": true,
	"false": true, "asc": true, "desc": true, "nulls": true, "first": true,
	"last": true, "on": true, "join": true, "inner": true, "left": true,
	"right": true, "full": true, "outer": true, "using": true,
}

// ExtractTables returns the table names a statement references,
// deduplicated and lowercased, schema prefixes stripped.
func ExtractTables(query string) []string {
	matches := tableRe.FindAllStringSubmatch(query, -1)
	seen := make(map[string]bool)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		name := strings.ToLower(m[1])
		if i := strings.LastIndex(name, "."); i >= 0 {
			name = name[i+1:]
		}
		if name == "" || sqlKeywords[name] || seen[name] {
			continue
		}
		seen[name] = true
		tables = append(tables, name)
	}
	return tables
}

// ColumnUsage groups the columns a statement touches by clause.
type ColumnUsage struct {
	Where   []string
	Join    []string
	OrderBy []string
	GroupBy []string
}

// All returns every referenced column once, sorted.
func (u ColumnUsage) All() []string {
	seen := make(map[string]bool)
	var out []string
	for _, group := range [][]string{u.Where, u.Join, u.OrderBy, u.GroupBy} {
		for _, c := range group {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	sort.Strings(out)
	return out
}

// ExtractColumnUsage pulls WHERE/JOIN/ORDER BY/GROUP BY column names out
// of a statement via pattern matching.
func ExtractColumnUsage(query string) ColumnUsage {
	var usage ColumnUsage

	if m := whereRe.FindStringSubmatch(query); m != nil {
		for _, cond := range condColRe.FindAllStringSubmatch(m[1], -1) {
			if col := cleanColumn(cond[1]); col != "" {
				usage.Where = appendUnique(usage.Where, col)
			}
		}
	}

	for _, m := range joinOnRe.FindAllStringSubmatch(query, -1) {
		for _, side := range []string{m[1], m[2]} {
			if col := cleanColumn(side); col != "" {
				usage.Join = appendUnique(usage.Join, col)
			}
		}
	}

	if m := orderByRe.FindStringSubmatch(query); m != nil {
		usage.OrderBy = splitColumnList(m[1])
	}
	if m := groupByRe.FindStringSubmatch(query); m != nil {
		usage.GroupBy = splitColumnList(m[1])
	}

	return usage
}

func splitColumnList(list string) []string {
	var out []string
	for _, part := range strings.Split(list, ",") {
		token := strings.Fields(strings.TrimSpace(part))
		if len(token) == 0 {
			continue
		}
		if col := cleanColumn(token[0]); col != "" {
			out = appendUnique(out, col)
		}
	}
	return out
}

// cleanColumn strips table qualifiers and rejects keywords, literals and
// placeholders.
func cleanColumn(raw string) string {
	col := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.LastIndex(col, "."); i >= 0 {
		col = col[i+1:]
	}
	if col == "" || sqlKeywords[col] || strings.HasPrefix(col, "$") {
		return ""
	}
	if col[0] >= '0' && col[0] <= '9' {
		return ""
	}
	return col
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// ClassifyStatement flags a statement as read, write and/or DML based on
// its leading keyword.
func ClassifyStatement(query string) (isRead, isWrite, isDML bool) {
	trimmed := strings.ToLower(strings.TrimSpace(query))
	switch {
	case strings.HasPrefix(trimmed, "select"), strings.HasPrefix(trimmed, "with"):
		isRead = true
		// WITH can front a writing CTE; check for a DML keyword inside.
		if strings.HasPrefix(trimmed, "with") &&
			(strings.Contains(trimmed, "insert ") || strings.Contains(trimmed, "update ") || strings.Contains(trimmed, "delete ")) {
			isWrite = true
			isDML = true
		}
	case strings.HasPrefix(trimmed, "insert"), strings.HasPrefix(trimmed, "update"), strings.HasPrefix(trimmed, "delete"):
		isWrite = true
		isDML = true
	case strings.HasPrefix(trimmed, "copy"):
		isWrite = true
	}
	return isRead, isWrite, isDML
}

// EstimateComplexity assigns a coarse tier from keyword presence.
func EstimateComplexity(query string) models.ComplexityTier {
	lower := strings.ToLower(query)
	score := 0
	if strings.Contains(lower, "join") {
		score += strings.Count(lower, "join")
	}
	if strings.Contains(lower, "group by") {
		score++
	}
	if strings.Contains(lower, "with ") || strings.HasPrefix(strings.TrimSpace(lower), "with") {
		score += 2
	}
	if strings.Contains(lower, "union") {
		score += 2
	}

	switch {
	case score == 0:
		return models.ComplexityVeryLow
	case score <= 1:
		return models.ComplexityLowTier
	case score <= 3:
		return models.ComplexityMediumTier
	default:
		return models.ComplexityHighTier
	}
}

// CacheHitRatio derives the shared-block cache ratio as a percentage.
func CacheHitRatio(hit, read int64) float64 {
	total := hit + read
	if total == 0 {
		return 0
	}
	return float64(hit) * 100 / float64(total)
}

// matchesSeqScanPattern reports whether the statement text contains a
// WHERE-clause shape that tends to defeat index usage.
func matchesSeqScanPattern(query string) bool {
	for _, re := range seqScanPatterns {
		if re.MatchString(query) {
			return true
		}
	}
	return false
}

// coveredByIndex reports whether any existing index definition mentions
// the column. Definition matching is textual, consistent with the
// heuristic nature of the whole analysis.
func coveredByIndex(column string, indexDefs []string) bool {
	for _, def := range indexDefs {
		if strings.Contains(strings.ToLower(def), column) {
			return true
		}
	}
	return false
}
