package sqlgen

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mongreldb/mongrel/internal/expr"
)

// ClauseBuilder compiles whole find-style clauses: the filter document to
// a WHERE fragment, the sort specification to an ORDER BY clause, and the
// skip/limit pair to a LIMIT clause.
type ClauseBuilder struct {
	Ops  *OperatorTranslator
	Expr *ExprTranslator
}

// NewClauseBuilder wires a builder over one shared accessor so computed
// column overrides apply to both filter fields and $expr references.
func NewClauseBuilder(d Dialect) *ClauseBuilder {
	access := NewFieldAccessor(d)
	return &ClauseBuilder{
		Ops:  &OperatorTranslator{Access: access},
		Expr: &ExprTranslator{Access: access},
	}
}

// TranslateMatch compiles a filter document to a boolean WHERE fragment.
// Map keys are processed in sorted order so the same filter always emits
// the same SQL text. An empty filter matches everything.
func (b *ClauseBuilder) TranslateMatch(filter map[string]any) (Fragment, error) {
	if containsTextOperator(filter) {
		return Fragment{}, unsupportedf("$text requires the full-text index path")
	}
	return b.translateFilter(filter)
}

func (b *ClauseBuilder) translateFilter(filter map[string]any) (Fragment, error) {
	if len(filter) == 0 {
		return Fragment{SQL: "1", Bool: true}, nil
	}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	var params []any
	for _, key := range keys {
		f, err := b.translateClause(key, filter[key])
		if err != nil {
			return Fragment{}, err
		}
		parts = append(parts, "("+f.SQL+")")
		params = append(params, f.Params...)
	}
	return Fragment{SQL: strings.Join(parts, " AND "), Params: params, Bool: true}, nil
}

func (b *ClauseBuilder) translateClause(key string, raw any) (Fragment, error) {
	switch key {
	case "$and", "$or", "$nor":
		branches, ok := raw.([]any)
		if !ok || len(branches) == 0 {
			return Fragment{}, unsupportedf("%s requires a non-empty array", key)
		}
		join := " AND "
		if key != "$and" {
			join = " OR "
		}
		var parts []string
		var params []any
		for _, branch := range branches {
			sub, ok := branch.(map[string]any)
			if !ok {
				return Fragment{}, unsupportedf("%s branch must be a document", key)
			}
			f, err := b.translateFilter(sub)
			if err != nil {
				return Fragment{}, err
			}
			parts = append(parts, "("+f.SQL+")")
			params = append(params, f.Params...)
		}
		sql := "(" + strings.Join(parts, join) + ")"
		if key == "$nor" {
			sql = "(NOT " + sql + ")"
		}
		return Fragment{SQL: sql, Params: params, Bool: true}, nil

	case "$expr":
		parsed, err := expr.Parse(raw)
		if err != nil {
			return Fragment{}, unsupportedf("$expr: %v", err)
		}
		f, err := b.Expr.Translate(parsed)
		if err != nil {
			return Fragment{}, err
		}
		if !f.Bool {
			// Truthiness of an arbitrary value is interpreter territory.
			return Fragment{}, unsupportedf("$expr must be a boolean expression")
		}
		return f, nil

	case "$comment":
		return Fragment{SQL: "1", Bool: true}, nil
	}

	if strings.HasPrefix(key, "$") {
		return Fragment{}, unsupportedf("query operator %s", key)
	}
	return b.Ops.Field(key, raw)
}

// containsTextOperator walks the filter tree for $text. Its presence
// anywhere rejects the whole query, there is no partial translation of a
// text search.
func containsTextOperator(node any) bool {
	switch n := node.(type) {
	case map[string]any:
		for k, v := range n {
			if k == "$text" {
				return true
			}
			if containsTextOperator(v) {
				return true
			}
		}
	case []any:
		for _, elem := range n {
			if containsTextOperator(elem) {
				return true
			}
		}
	}
	return false
}

// SortKey is one resolved sort term.
type SortKey struct {
	Path       string
	Descending bool
}

// ParseSortSpec accepts the {field: direction} document form and, for
// callers needing more than one key reliably, an array of single-key
// documents. Map keys iterate in sorted order, so a multi-key map is
// deterministic but may not reflect authoring order; the array form is
// exact.
func ParseSortSpec(raw any) ([]SortKey, error) {
	switch spec := raw.(type) {
	case map[string]any:
		keys := make([]string, 0, len(spec))
		for k := range spec {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]SortKey, 0, len(keys))
		for _, k := range keys {
			key, err := sortKey(k, spec[k])
			if err != nil {
				return nil, err
			}
			out = append(out, key)
		}
		return out, nil
	case []any:
		var out []SortKey
		for _, elem := range spec {
			m, ok := elem.(map[string]any)
			if !ok || len(m) != 1 {
				return nil, unsupportedf("sort array elements must be single-key documents")
			}
			for k, v := range m {
				key, err := sortKey(k, v)
				if err != nil {
					return nil, err
				}
				out = append(out, key)
			}
		}
		if len(out) == 0 {
			return nil, unsupportedf("empty sort specification")
		}
		return out, nil
	default:
		return nil, unsupportedf("sort specification must be a document")
	}
}

func sortKey(path string, dir any) (SortKey, error) {
	n, err := filterInt(dir)
	if err != nil || (n != 1 && n != -1) {
		return SortKey{}, unsupportedf("sort direction for %q must be 1 or -1", path)
	}
	return SortKey{Path: path, Descending: n == -1}, nil
}

// TranslateSort compiles sort keys to an ORDER BY clause. The id tiebreak
// keeps result order stable across otherwise equal documents. Ascending
// order places null and missing first and descending places them last,
// which is the engine's default NULL placement.
func (b *ClauseBuilder) TranslateSort(keys []SortKey) (string, error) {
	var terms []string
	for _, key := range keys {
		access, err := b.Ops.Access.Access(key.Path)
		if err != nil {
			return "", err
		}
		dir := "ASC"
		if key.Descending {
			dir = "DESC"
		}
		terms = append(terms, fmt.Sprintf("(%s) %s", access, dir))
	}
	terms = append(terms, b.Ops.Access.IDColumn+" ASC")
	return "ORDER BY " + strings.Join(terms, ", "), nil
}

// TranslateSkipLimit compiles the skip/limit pair. A skip without a limit
// needs the negative-limit form, OFFSET alone is not valid SQL.
func TranslateSkipLimit(skip, limit int64) string {
	switch {
	case limit > 0 && skip > 0:
		return fmt.Sprintf("LIMIT %d OFFSET %d", limit, skip)
	case limit > 0:
		return fmt.Sprintf("LIMIT %d", limit)
	case skip > 0:
		return fmt.Sprintf("LIMIT -1 OFFSET %d", skip)
	default:
		return ""
	}
}
