package sqlgen

import (
	"fmt"
	"strings"

	"github.com/mongreldb/mongrel/internal/expr"
)

// FieldAccessor maps document field paths to SQL access expressions.
//
// The reserved name "_id" maps to the dedicated identity column; every
// other path is parsed into a JSON path and wrapped in the dialect's
// extract function. Field paths are embedded in the SQL text as literal
// JSON paths (they cannot be parameterized), so every key segment must be
// identifier-safe; anything else is refused rather than risked.
type FieldAccessor struct {
	Dialect Dialect

	// DataColumn is the JSON document column, "data" unless rebound
	// (the temporary-table tier rebinds it per flattened column).
	DataColumn string

	// IDColumn is the row identity column.
	IDColumn string

	// Computed overrides paths whose value is a SQL expression rather
	// than a stored field; the pipeline compiler records computed fields
	// here so later stages reference their SQL directly.
	Computed map[string]string
}

// NewFieldAccessor returns an accessor over the standard id/data columns.
func NewFieldAccessor(d Dialect) *FieldAccessor {
	return &FieldAccessor{Dialect: d, DataColumn: "data", IDColumn: "id"}
}

// Access returns the SQL expression reading a field path.
func (a *FieldAccessor) Access(path string) (string, error) {
	if sql, ok := a.Computed[path]; ok {
		return sql, nil
	}
	if path == "_id" {
		return a.IDColumn, nil
	}
	jsonPath, err := JSONPath(path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s(%s, '%s')", a.Dialect.Fn("extract"), a.DataColumn, jsonPath), nil
}

// TypeOf returns the SQL expression yielding the json_type of a field
// path: the JSON type name, 'null' for an explicit null, or SQL NULL when
// the path is absent. Used for $exists and type probes.
func (a *FieldAccessor) TypeOf(path string) (string, error) {
	if _, ok := a.Computed[path]; ok {
		// A computed or flattened column has no reliable json_type.
		return "", unsupportedf("type probe on computed field %q", path)
	}
	jsonPath, err := JSONPath(path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("json_type(%s, '%s')", a.DataColumn, jsonPath), nil
}

// Each returns the SQL table-valued expression iterating a field path's
// array elements.
func (a *FieldAccessor) Each(path string) (string, error) {
	if sql, ok := a.Computed[path]; ok {
		return fmt.Sprintf("json_each(%s)", sql), nil
	}
	jsonPath, err := JSONPath(path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("json_each(%s, '%s')", a.DataColumn, jsonPath), nil
}

// ArrayLength returns the SQL expression for a field path's array length.
func (a *FieldAccessor) ArrayLength(path string) (string, error) {
	if sql, ok := a.Computed[path]; ok {
		return fmt.Sprintf("json_array_length(%s)", sql), nil
	}
	jsonPath, err := JSONPath(path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("json_array_length(%s, '%s')", a.DataColumn, jsonPath), nil
}

// JSONPath converts a dotted/bracketed field path into a SQLite JSON path
// ("a.b[0]" -> "$.a.b[0]"). Key segments must be identifier-safe.
func JSONPath(path string) (string, error) {
	segs, err := expr.ParsePath(path)
	if err != nil {
		return "", unsupportedf("field path %q", path)
	}
	var b strings.Builder
	b.WriteByte('$')
	for _, seg := range segs {
		if seg.IsIndex {
			fmt.Fprintf(&b, "[%d]", seg.Index)
			continue
		}
		if !identifierSafe(seg.Key) {
			return "", unsupportedf("field path segment %q is not identifier-safe", seg.Key)
		}
		b.WriteByte('.')
		b.WriteString(seg.Key)
	}
	return b.String(), nil
}

// identifierSafe reports whether a key can be embedded in a SQL string
// literal without escaping concerns: letters, digits and underscores,
// not starting with a digit.
func identifierSafe(key string) bool {
	if key == "" {
		return false
	}
	for i, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// SanitizeColumn flattens a field path into a safe SQL column name for the
// temporary-table tier: dots and brackets become underscores, with an f_
// prefix when the result would not start with a letter.
func SanitizeColumn(path string) string {
	var b strings.Builder
	for _, r := range path {
		switch r {
		case '.', '[', ']':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	name := b.String()
	if name == "" || !(name[0] >= 'a' && name[0] <= 'z' || name[0] >= 'A' && name[0] <= 'Z') {
		name = "f_" + name
	}
	return name
}
