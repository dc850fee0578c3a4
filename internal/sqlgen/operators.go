package sqlgen

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mongreldb/mongrel/internal/document"
)

// OperatorTranslator compiles single-field filter conditions, the
// {field: value} and {field: {$op: value}} forms of a find filter.
//
// Every produced fragment is boolean and never NULL, so conditions can be
// combined with AND/OR/NOT without three-valued surprises. Comparisons
// other than equality carry a type guard: the engine would happily order
// text above numbers, which the document comparison rules do not.
type OperatorTranslator struct {
	Access *FieldAccessor
}

// NewOperatorTranslator returns a translator over the standard accessor.
func NewOperatorTranslator(d Dialect) *OperatorTranslator {
	return &OperatorTranslator{Access: NewFieldAccessor(d)}
}

// Field compiles one field condition. cond is either an operator document
// or a direct equality value.
func (ot *OperatorTranslator) Field(path string, cond any) (Fragment, error) {
	if doc, ok := cond.(map[string]any); ok && isOperatorDoc(doc) {
		keys := make([]string, 0, len(doc))
		for k := range doc {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var parts []string
		var params []any
		for _, opName := range keys {
			f, err := ot.fieldOp(path, opName, doc[opName])
			if err != nil {
				return Fragment{}, err
			}
			parts = append(parts, "("+f.SQL+")")
			params = append(params, f.Params...)
		}
		return Fragment{SQL: strings.Join(parts, " AND "), Params: params, Bool: true}, nil
	}

	v, err := document.FromNative(cond)
	if err != nil {
		return Fragment{}, unsupportedf("filter value for %q: %v", path, err)
	}
	return ot.equality(path, v)
}

func isOperatorDoc(doc map[string]any) bool {
	for k := range doc {
		return strings.HasPrefix(k, "$")
	}
	return false
}

// scalarParam converts a filter value to a bind parameter matching how
// json_extract surfaces the same value.
func scalarParam(v document.Value) (any, error) {
	switch val := v.(type) {
	case document.Bool:
		if val {
			return int64(1), nil
		}
		return int64(0), nil
	case document.Int:
		return int64(val), nil
	case document.Double:
		return float64(val), nil
	case document.String:
		return string(val), nil
	default:
		return nil, unsupportedf("filter value of type %T", v)
	}
}

// equality implements the document equality match: null matches both an
// explicit null and a missing field, and a scalar matches an array that
// contains it.
func (ot *OperatorTranslator) equality(path string, v document.Value) (Fragment, error) {
	access, err := ot.Access.Access(path)
	if err != nil {
		return Fragment{}, err
	}

	if _, isNull := v.(document.Null); isNull {
		return Fragment{SQL: fmt.Sprintf("((%s) IS NULL)", access), Bool: true}, nil
	}

	param, err := scalarParam(v)
	if err != nil {
		return Fragment{}, err
	}

	typeSQL, err := ot.Access.TypeOf(path)
	if err != nil {
		// Computed columns hold scalars; plain comparison suffices.
		return Fragment{
			SQL:    fmt.Sprintf("((%s) IS ?)", access),
			Params: []any{param},
			Bool:   true,
		}, nil
	}
	eachSQL, err := ot.Access.Each(path)
	if err != nil {
		return Fragment{}, err
	}
	sql := fmt.Sprintf(
		"(CASE WHEN (%s) IS 'array'"+
			" THEN EXISTS (SELECT 1 FROM %s AS je WHERE je.value IS ?)"+
			" ELSE ((%s) IS ?) END)",
		typeSQL, eachSQL, access)
	return Fragment{SQL: sql, Params: []any{param, param}, Bool: true}, nil
}

// typeGuard yields the json_type membership test bracketing a comparison
// to the operand's type class.
func (ot *OperatorTranslator) typeGuard(path string, v document.Value) (string, error) {
	typeSQL, err := ot.Access.TypeOf(path)
	if err != nil {
		return "", err
	}
	switch v.(type) {
	case document.Int, document.Double:
		return fmt.Sprintf("((%s) IN ('integer', 'real'))", typeSQL), nil
	case document.String:
		return fmt.Sprintf("((%s) IS 'text')", typeSQL), nil
	default:
		return "", unsupportedf("range comparison against %T", v)
	}
}

func (ot *OperatorTranslator) fieldOp(path, opName string, raw any) (Fragment, error) {
	switch opName {
	case "$eq", "$ne":
		v, err := document.FromNative(raw)
		if err != nil {
			return Fragment{}, unsupportedf("%s value: %v", opName, err)
		}
		f, err := ot.equality(path, v)
		if err != nil {
			return Fragment{}, err
		}
		if opName == "$ne" {
			f.SQL = "(NOT " + f.SQL + ")"
		}
		return f, nil

	case "$gt", "$gte", "$lt", "$lte":
		v, err := document.FromNative(raw)
		if err != nil {
			return Fragment{}, unsupportedf("%s value: %v", opName, err)
		}
		guard, err := ot.typeGuard(path, v)
		if err != nil {
			return Fragment{}, err
		}
		param, err := scalarParam(v)
		if err != nil {
			return Fragment{}, err
		}
		access, err := ot.Access.Access(path)
		if err != nil {
			return Fragment{}, err
		}
		rel := map[string]string{"$gt": ">", "$gte": ">=", "$lt": "<", "$lte": "<="}[opName]
		return Fragment{
			SQL:    fmt.Sprintf("(%s AND ((%s) %s ?))", guard, access, rel),
			Params: []any{param},
			Bool:   true,
		}, nil

	case "$in", "$nin":
		list, ok := raw.([]any)
		if !ok {
			return Fragment{}, unsupportedf("%s requires an array", opName)
		}
		var parts []string
		var params []any
		for _, elem := range list {
			v, err := document.FromNative(elem)
			if err != nil {
				return Fragment{}, unsupportedf("%s element: %v", opName, err)
			}
			f, err := ot.equality(path, v)
			if err != nil {
				return Fragment{}, err
			}
			parts = append(parts, f.SQL)
			params = append(params, f.Params...)
		}
		var sql string
		if len(parts) == 0 {
			sql = "0"
		} else {
			sql = "(" + strings.Join(parts, " OR ") + ")"
		}
		if opName == "$nin" {
			sql = "(NOT " + sql + ")"
		}
		return Fragment{SQL: sql, Params: params, Bool: true}, nil

	case "$exists":
		typeSQL, err := ot.Access.TypeOf(path)
		if err != nil {
			return Fragment{}, err
		}
		want, _ := raw.(bool)
		if want {
			return Fragment{SQL: fmt.Sprintf("((%s) IS NOT NULL)", typeSQL), Bool: true}, nil
		}
		return Fragment{SQL: fmt.Sprintf("((%s) IS NULL)", typeSQL), Bool: true}, nil

	case "$mod":
		args, ok := raw.([]any)
		if !ok || len(args) != 2 {
			return Fragment{}, unsupportedf("$mod requires [divisor, remainder]")
		}
		divisor, err := filterInt(args[0])
		if err != nil || divisor == 0 {
			return Fragment{}, unsupportedf("$mod divisor must be a non-zero integer")
		}
		remainder, err := filterInt(args[1])
		if err != nil {
			return Fragment{}, unsupportedf("$mod remainder must be an integer")
		}
		typeSQL, err := ot.Access.TypeOf(path)
		if err != nil {
			return Fragment{}, err
		}
		access, err := ot.Access.Access(path)
		if err != nil {
			return Fragment{}, err
		}
		return Fragment{
			SQL: fmt.Sprintf("(((%s) IN ('integer', 'real')) AND ((CAST((%s) AS INTEGER) %% ?) IS ?))",
				typeSQL, access),
			Params: []any{divisor, remainder},
			Bool:   true,
		}, nil

	case "$size":
		n, err := filterInt(raw)
		if err != nil || n < 0 {
			return Fragment{}, unsupportedf("$size requires a non-negative integer")
		}
		typeSQL, err := ot.Access.TypeOf(path)
		if err != nil {
			return Fragment{}, err
		}
		lenSQL, err := ot.Access.ArrayLength(path)
		if err != nil {
			return Fragment{}, err
		}
		return Fragment{
			SQL:    fmt.Sprintf("(((%s) IS 'array') AND ((%s) IS ?))", typeSQL, lenSQL),
			Params: []any{n},
			Bool:   true,
		}, nil

	case "$not":
		inner, ok := raw.(map[string]any)
		if !ok || !isOperatorDoc(inner) {
			return Fragment{}, unsupportedf("$not requires an operator document")
		}
		f, err := ot.Field(path, inner)
		if err != nil {
			return Fragment{}, err
		}
		return Fragment{SQL: "(NOT (" + f.SQL + "))", Params: f.Params, Bool: true}, nil

	case "$regex", "$options":
		// Per-element matching inside arrays has no clean SQL shape.
		return Fragment{}, unsupportedf("field operator %s", opName)
	}

	return Fragment{}, unsupportedf("field operator %s", opName)
}

func filterInt(raw any) (int64, error) {
	v, err := document.FromNative(raw)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case document.Int:
		return int64(n), nil
	case document.Double:
		if float64(n) == float64(int64(n)) {
			return int64(n), nil
		}
	}
	return 0, fmt.Errorf("not an integer")
}
