package sqlgen

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mongreldb/mongrel/internal/document"
	"github.com/mongreldb/mongrel/internal/expr"
	"github.com/mongreldb/mongrel/internal/interp"
)

// Fragment is one translated SQL expression plus its bound parameters.
//
// Bool marks fragments guaranteed to yield 0/1 (never NULL); JSON marks
// fragments yielding JSON text, which need a json() wrap when embedded as
// a value in json_set and friends. All values are parameterized, never
// interpolated; the only text embedded literally is validated JSON paths.
type Fragment struct {
	SQL    string
	Params []any
	Bool   bool
	JSON   bool
}

// ExprTranslator compiles parsed expressions to SQL fragments. Tier 1.
//
// Every function either returns a fragment whose execution reproduces the
// interpreter's result for the same document, or ErrUnsupported. It never
// emits approximate SQL: an operator whose SQL semantics would diverge
// from the interpreter is refused instead.
type ExprTranslator struct {
	Access *FieldAccessor

	// RootColumn gives $$ROOT a SQL home when the pipeline compiler has
	// arranged for the original document to be carried alongside the
	// evolving one. Empty means $$ROOT is untranslatable here.
	RootColumn string
}

// NewExprTranslator returns a translator over the standard accessor.
func NewExprTranslator(d Dialect) *ExprTranslator {
	return &ExprTranslator{Access: NewFieldAccessor(d)}
}

// Translate compiles an expression to a SQL fragment or ErrUnsupported.
func (t *ExprTranslator) Translate(e expr.Expression) (Fragment, error) {
	switch node := e.(type) {
	case expr.FieldRef:
		return t.translateRef(node)
	case expr.Literal:
		return t.translateLiteral(node.Value)
	case expr.ObjectExpr:
		return t.translateObjectExpr(node)
	case expr.ArrayExpr:
		return t.translateArrayExpr(node)
	case expr.Operator:
		return t.translateOperator(node)
	default:
		return Fragment{}, unsupportedf("expression node %T", e)
	}
}

func (t *ExprTranslator) translateRef(ref expr.FieldRef) (Fragment, error) {
	if ref.IsVar() {
		switch ref.Path {
		case expr.RootVar:
			if t.RootColumn == "" {
				return Fragment{}, unsupportedf("$$ROOT outside a pipeline")
			}
			return Fragment{SQL: t.RootColumn, JSON: true}, nil
		case expr.CurrentVar:
			return Fragment{SQL: t.Access.DataColumn, JSON: true}, nil
		default:
			// $$REMOVE and let-bindings have no SQL rendering.
			return Fragment{}, unsupportedf("variable %s", ref.Path)
		}
	}
	sql, err := t.Access.Access(ref.Path)
	if err != nil {
		return Fragment{}, err
	}
	return Fragment{SQL: sql}, nil
}

func (t *ExprTranslator) translateLiteral(v document.Value) (Fragment, error) {
	switch val := v.(type) {
	case document.Null:
		return Fragment{SQL: "NULL"}, nil
	case document.Bool:
		// JSON booleans extract as 0/1 integers; literals follow suit.
		if val {
			return Fragment{SQL: "?", Params: []any{int64(1)}, Bool: true}, nil
		}
		return Fragment{SQL: "?", Params: []any{int64(0)}, Bool: true}, nil
	case document.Int:
		return Fragment{SQL: "?", Params: []any{int64(val)}}, nil
	case document.Double:
		return Fragment{SQL: "?", Params: []any{float64(val)}}, nil
	case document.String:
		return Fragment{SQL: "?", Params: []any{string(val)}}, nil
	case document.DateTime:
		return Fragment{SQL: "?", Params: []any{val.Time().Format("2006-01-02T15:04:05.999Z07:00")}}, nil
	case document.Array, document.Object:
		text, err := document.Marshal(val)
		if err != nil {
			return Fragment{}, unsupportedf("literal: %v", err)
		}
		return Fragment{SQL: "json(?)", Params: []any{string(text)}, JSON: true}, nil
	default:
		return Fragment{}, unsupportedf("literal of type %T", v)
	}
}

func (t *ExprTranslator) translateObjectExpr(node expr.ObjectExpr) (Fragment, error) {
	keys := make([]string, 0, len(node.Fields))
	for k := range node.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	var params []any
	for _, k := range keys {
		sub, err := t.Translate(node.Fields[k])
		if err != nil {
			return Fragment{}, err
		}
		parts = append(parts, "?, "+t.asJSONValue(sub))
		params = append(params, k)
		params = append(params, sub.Params...)
	}
	return Fragment{
		SQL:    "json_object(" + strings.Join(parts, ", ") + ")",
		Params: params,
		JSON:   true,
	}, nil
}

func (t *ExprTranslator) translateArrayExpr(node expr.ArrayExpr) (Fragment, error) {
	var parts []string
	var params []any
	for _, elem := range node.Elems {
		sub, err := t.Translate(elem)
		if err != nil {
			return Fragment{}, err
		}
		parts = append(parts, t.asJSONValue(sub))
		params = append(params, sub.Params...)
	}
	return Fragment{
		SQL:    "json_array(" + strings.Join(parts, ", ") + ")",
		Params: params,
		JSON:   true,
	}, nil
}

// asJSONValue renders a fragment for embedding as a JSON function value
// argument: JSON fragments get a json() wrap so they nest as structure
// rather than as an escaped string, boolean fragments become true/false.
func (t *ExprTranslator) asJSONValue(f Fragment) string {
	if f.JSON {
		return "json(" + f.SQL + ")"
	}
	if f.Bool {
		return "json(CASE WHEN " + f.SQL + " THEN 'true' ELSE 'false' END)"
	}
	return f.SQL
}

// AsJSONValue is asJSONValue for callers outside the translator (the
// pipeline stage builders embedding fragments into json_set).
func (t *ExprTranslator) AsJSONValue(f Fragment) string {
	return t.asJSONValue(f)
}

func (t *ExprTranslator) translateOperator(op expr.Operator) (Fragment, error) {
	family, known := expr.Lookup(op.Name)
	if !known {
		return Fragment{}, unsupportedf("unknown operator %s", op.Name)
	}
	switch family {
	case expr.FamilyComparison:
		return t.translateComparison(op)
	case expr.FamilyLogical:
		return t.translateLogical(op)
	case expr.FamilyArithmetic:
		return t.translateArithmetic(op)
	case expr.FamilyConditional:
		return t.translateConditional(op)
	case expr.FamilyArray:
		return t.translateArray(op)
	case expr.FamilyString:
		return t.translateString(op)
	case expr.FamilyMath:
		return t.translateMath(op)
	case expr.FamilyDate:
		return t.translateDate(op)
	case expr.FamilyObject:
		return t.translateObject(op)
	case expr.FamilyConversion:
		return t.translateConversion(op)
	default:
		return Fragment{}, unsupportedf("operator family of %s", op.Name)
	}
}

func (t *ExprTranslator) operands(op expr.Operator) ([]Fragment, error) {
	out := make([]Fragment, len(op.Args))
	for i, arg := range op.Args {
		f, err := t.Translate(arg)
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}

// cmpSQL builds the ordering CASE yielding -1/0/1 for two fragments.
// NULL (null or missing) orders before every value, matching the
// interpreter's cross-type ordering; non-NULL scalars fall through to the
// engine's comparison, whose storage-class ordering (numbers before text)
// agrees with the document ordering for the scalar types.
func cmpSQL(a, b Fragment) Fragment {
	sql := fmt.Sprintf(
		"CASE WHEN (%[1]s) IS NULL AND (%[2]s) IS NULL THEN 0"+
			" WHEN (%[1]s) IS NULL THEN -1"+
			" WHEN (%[2]s) IS NULL THEN 1"+
			" WHEN (%[1]s) < (%[2]s) THEN -1"+
			" WHEN (%[1]s) > (%[2]s) THEN 1"+
			" ELSE 0 END",
		a.SQL, b.SQL)
	var params []any
	// Parameter order follows the textual order of the fragment
	// references above: a b a b a b a b.
	for i := 0; i < 4; i++ {
		params = append(params, a.Params...)
		params = append(params, b.Params...)
	}
	return Fragment{SQL: sql, Params: params}
}

func (t *ExprTranslator) translateComparison(op expr.Operator) (Fragment, error) {
	args, err := t.operands(op)
	if err != nil {
		return Fragment{}, err
	}
	a, b := args[0], args[1]

	switch op.Name {
	case "$eq", "$ne":
		// IS / IS NOT are null-safe and always yield 0/1.
		sqlOp := "IS"
		if op.Name == "$ne" {
			sqlOp = "IS NOT"
		}
		return Fragment{
			SQL:    fmt.Sprintf("((%s) %s (%s))", a.SQL, sqlOp, b.SQL),
			Params: append(append([]any{}, a.Params...), b.Params...),
			Bool:   true,
		}, nil
	case "$cmp":
		return cmpSQL(a, b), nil
	default:
		cmp := cmpSQL(a, b)
		var rel string
		switch op.Name {
		case "$gt":
			rel = "> 0"
		case "$gte":
			rel = ">= 0"
		case "$lt":
			rel = "< 0"
		case "$lte":
			rel = "<= 0"
		}
		return Fragment{
			SQL:    fmt.Sprintf("((%s) %s)", cmp.SQL, rel),
			Params: cmp.Params,
			Bool:   true,
		}, nil
	}
}

// boolOperand coerces a fragment to SQL boolean context. Only fragments
// already known to be boolean are accepted: general value truthiness
// (non-empty strings are true, and so on) has no faithful SQL rendering.
func boolOperand(f Fragment) (string, error) {
	if !f.Bool {
		return "", unsupportedf("operand is not a boolean expression")
	}
	return f.SQL, nil
}

func (t *ExprTranslator) translateLogical(op expr.Operator) (Fragment, error) {
	args, err := t.operands(op)
	if err != nil {
		return Fragment{}, err
	}

	if op.Name == "$not" {
		cond, err := boolOperand(args[0])
		if err != nil {
			return Fragment{}, err
		}
		return Fragment{
			SQL:    fmt.Sprintf("(NOT (%s))", cond),
			Params: args[0].Params,
			Bool:   true,
		}, nil
	}

	join := " AND "
	if op.Name == "$or" || op.Name == "$nor" {
		join = " OR "
	}
	var parts []string
	var params []any
	for _, a := range args {
		cond, err := boolOperand(a)
		if err != nil {
			return Fragment{}, err
		}
		parts = append(parts, "("+cond+")")
		params = append(params, a.Params...)
	}
	sql := "(" + strings.Join(parts, join) + ")"
	if op.Name == "$nor" {
		sql = "(NOT " + sql + ")"
	}
	return Fragment{SQL: sql, Params: params, Bool: true}, nil
}

func (t *ExprTranslator) translateArithmetic(op expr.Operator) (Fragment, error) {
	args, err := t.operands(op)
	if err != nil {
		return Fragment{}, err
	}

	switch op.Name {
	case "$add", "$subtract", "$multiply":
		sqlOp := map[string]string{"$add": " + ", "$subtract": " - ", "$multiply": " * "}[op.Name]
		var parts []string
		var params []any
		for _, a := range args {
			parts = append(parts, "("+a.SQL+")")
			params = append(params, a.Params...)
		}
		return Fragment{SQL: "(" + strings.Join(parts, sqlOp) + ")", Params: params}, nil

	case "$divide", "$mod":
		a, b := args[0], args[1]
		var core string
		var coreParams []any
		if op.Name == "$divide" {
			// MongoDB division is always floating-point.
			core = fmt.Sprintf("CAST((%s) AS REAL) / (%s)", a.SQL, b.SQL)
			coreParams = append(coreParams, a.Params...)
			coreParams = append(coreParams, b.Params...)
		} else {
			// Truncated modulo. SQLite's % casts both operands to
			// INTEGER, which loses fractional remainders; a - trunc(a/b)*b
			// stays integral for integer operands and real otherwise.
			core = fmt.Sprintf("((%[1]s) - CAST((%[1]s) / (%[2]s) AS INTEGER) * (%[2]s))", a.SQL, b.SQL)
			coreParams = append(coreParams, a.Params...)
			coreParams = append(coreParams, a.Params...)
			coreParams = append(coreParams, b.Params...)
			coreParams = append(coreParams, b.Params...)
		}
		sql := fmt.Sprintf("(CASE WHEN (%[1]s) IS NULL OR (%[1]s) = 0 THEN NULL ELSE %[2]s END)", b.SQL, core)
		var params []any
		params = append(params, b.Params...)
		params = append(params, b.Params...)
		params = append(params, coreParams...)
		return Fragment{SQL: sql, Params: params}, nil
	}
	return Fragment{}, unsupportedf("arithmetic operator %s", op.Name)
}

func (t *ExprTranslator) translateConditional(op expr.Operator) (Fragment, error) {
	switch op.Name {
	case "$cond":
		condF, err := t.Translate(op.Named["if"])
		if err != nil {
			return Fragment{}, err
		}
		cond, err := boolOperand(condF)
		if err != nil {
			return Fragment{}, err
		}
		thenF, err := t.Translate(op.Named["then"])
		if err != nil {
			return Fragment{}, err
		}
		elseSQL, elseParams, elseJSON := "NULL", []any(nil), true
		if elseExpr, ok := op.Named["else"]; ok {
			elseF, err := t.Translate(elseExpr)
			if err != nil {
				return Fragment{}, err
			}
			elseSQL, elseParams, elseJSON = elseF.SQL, elseF.Params, elseF.JSON
		}
		var params []any
		params = append(params, condF.Params...)
		params = append(params, thenF.Params...)
		params = append(params, elseParams...)
		out := Fragment{
			SQL:    fmt.Sprintf("(CASE WHEN %s THEN (%s) ELSE (%s) END)", cond, thenF.SQL, elseSQL),
			Params: params,
		}
		// A CASE strips the JSON subtype, so structural branches need the
		// result re-parsed when embedded. Only safe when both branches
		// yield JSON text.
		if thenF.JSON && elseJSON {
			out.JSON = true
		}
		return out, nil

	case "$ifNull":
		var parts []string
		var params []any
		for _, arg := range op.Args {
			f, err := t.Translate(arg)
			if err != nil {
				return Fragment{}, err
			}
			parts = append(parts, "("+f.SQL+")")
			params = append(params, f.Params...)
		}
		return Fragment{SQL: "COALESCE(" + strings.Join(parts, ", ") + ")", Params: params}, nil

	case "$switch":
		// Without a default the interpreter raises on fall-through; a
		// CASE would silently yield NULL instead, so refuse.
		def, ok := op.Named["default"]
		if !ok {
			return Fragment{}, unsupportedf("$switch without default")
		}
		var b strings.Builder
		var params []any
		b.WriteString("(CASE")
		for i := 0; i+1 < len(op.Args); i += 2 {
			caseF, err := t.Translate(op.Args[i])
			if err != nil {
				return Fragment{}, err
			}
			cond, err := boolOperand(caseF)
			if err != nil {
				return Fragment{}, err
			}
			thenF, err := t.Translate(op.Args[i+1])
			if err != nil {
				return Fragment{}, err
			}
			fmt.Fprintf(&b, " WHEN %s THEN (%s)", cond, thenF.SQL)
			params = append(params, caseF.Params...)
			params = append(params, thenF.Params...)
		}
		defF, err := t.Translate(def)
		if err != nil {
			return Fragment{}, err
		}
		fmt.Fprintf(&b, " ELSE (%s) END)", defF.SQL)
		params = append(params, defF.Params...)
		return Fragment{SQL: b.String(), Params: params}, nil
	}
	return Fragment{}, unsupportedf("conditional operator %s", op.Name)
}

// jsonOperand renders an operand expected to hold JSON structure (an
// array or object): field paths via json_each-compatible access, literal
// structures via json(?), other JSON-producing fragments as themselves.
func (t *ExprTranslator) eachOperand(e expr.Expression) (string, []any, error) {
	if ref, ok := e.(expr.FieldRef); ok && !ref.IsVar() {
		sql, err := t.Access.Each(ref.Path)
		return sql, nil, err
	}
	f, err := t.Translate(e)
	if err != nil {
		return "", nil, err
	}
	if !f.JSON {
		return "", nil, unsupportedf("operand is not an array expression")
	}
	return "json_each(" + f.SQL + ")", f.Params, nil
}

func (t *ExprTranslator) translateArray(op expr.Operator) (Fragment, error) {
	switch op.Name {
	case "$size":
		// json_array_length yields 0 for non-arrays; gate on the JSON
		// type so those come out NULL instead.
		if ref, ok := op.Args[0].(expr.FieldRef); ok && !ref.IsVar() {
			lenSQL, err := t.Access.ArrayLength(ref.Path)
			if err != nil {
				return Fragment{}, err
			}
			typeSQL, err := t.Access.TypeOf(ref.Path)
			if err != nil {
				return Fragment{}, err
			}
			return Fragment{SQL: fmt.Sprintf("(CASE WHEN (%s) IS 'array' THEN %s END)", typeSQL, lenSQL)}, nil
		}
		f, err := t.Translate(op.Args[0])
		if err != nil {
			return Fragment{}, err
		}
		if !f.JSON {
			return Fragment{}, unsupportedf("$size of non-array expression")
		}
		var params []any
		params = append(params, f.Params...)
		params = append(params, f.Params...)
		return Fragment{
			SQL:    fmt.Sprintf("(CASE WHEN json_type(%s) IS 'array' THEN json_array_length(%s) END)", f.SQL, f.SQL),
			Params: params,
		}, nil

	case "$in":
		elemF, err := t.Translate(op.Args[0])
		if err != nil {
			return Fragment{}, err
		}
		eachSQL, eachParams, err := t.eachOperand(op.Args[1])
		if err != nil {
			return Fragment{}, err
		}
		var params []any
		params = append(params, eachParams...)
		params = append(params, elemF.Params...)
		return Fragment{
			SQL:    fmt.Sprintf("EXISTS (SELECT 1 FROM %s AS je WHERE je.value IS (%s))", eachSQL, elemF.SQL),
			Params: params,
			Bool:   true,
		}, nil

	case "$isArray":
		if ref, ok := op.Args[0].(expr.FieldRef); ok && !ref.IsVar() {
			sql, err := t.Access.TypeOf(ref.Path)
			if err != nil {
				return Fragment{}, err
			}
			return Fragment{SQL: "((" + sql + ") IS 'array')", Bool: true}, nil
		}
		f, err := t.Translate(op.Args[0])
		if err != nil {
			return Fragment{}, err
		}
		if !f.JSON {
			return Fragment{}, unsupportedf("$isArray of scalar expression")
		}
		return Fragment{SQL: "(json_type(" + f.SQL + ") IS 'array')", Params: f.Params, Bool: true}, nil

	case "$arrayElemAt":
		ref, refOK := op.Args[0].(expr.FieldRef)
		lit, litOK := op.Args[1].(expr.Literal)
		if !refOK || ref.IsVar() || !litOK {
			return Fragment{}, unsupportedf("$arrayElemAt needs a field path and literal index")
		}
		idx, ok := lit.Value.(document.Int)
		if !ok || idx < 0 {
			return Fragment{}, unsupportedf("$arrayElemAt index must be a non-negative integer")
		}
		sql, err := t.Access.Access(fmt.Sprintf("%s[%d]", ref.Path, int64(idx)))
		if err != nil {
			return Fragment{}, err
		}
		return Fragment{SQL: sql}, nil

	case "$sum", "$avg", "$min", "$max":
		if len(op.Args) != 1 {
			return Fragment{}, unsupportedf("%s over multiple operands", op.Name)
		}
		eachSQL, eachParams, err := t.eachOperand(op.Args[0])
		if err != nil {
			return Fragment{}, err
		}
		switch op.Name {
		case "$sum":
			// Non-numeric elements are ignored; an empty input sums to 0.
			return Fragment{
				SQL:    fmt.Sprintf("(SELECT COALESCE(SUM(je.value), 0) FROM %s AS je WHERE je.type IN ('integer', 'real'))", eachSQL),
				Params: eachParams,
			}, nil
		case "$avg":
			return Fragment{
				SQL:    fmt.Sprintf("(SELECT AVG(je.value) FROM %s AS je WHERE je.type IN ('integer', 'real'))", eachSQL),
				Params: eachParams,
			}, nil
		case "$min":
			// Unlike sum/avg, min/max consider every non-null element.
			return Fragment{
				SQL:    fmt.Sprintf("(SELECT MIN(je.value) FROM %s AS je)", eachSQL),
				Params: eachParams,
			}, nil
		default:
			return Fragment{
				SQL:    fmt.Sprintf("(SELECT MAX(je.value) FROM %s AS je)", eachSQL),
				Params: eachParams,
			}, nil
		}
	}

	// $filter/$map/$reduce/$concatArrays are interpreter-only.
	return Fragment{}, unsupportedf("array operator %s", op.Name)
}

func (t *ExprTranslator) translateString(op expr.Operator) (Fragment, error) {
	switch op.Name {
	case "$concat":
		args, err := t.operands(op)
		if err != nil {
			return Fragment{}, err
		}
		var parts []string
		var params []any
		for _, a := range args {
			parts = append(parts, "("+a.SQL+")")
			params = append(params, a.Params...)
		}
		return Fragment{SQL: "(" + strings.Join(parts, " || ") + ")", Params: params}, nil

	case "$toLower", "$toUpper":
		f, err := t.Translate(op.Args[0])
		if err != nil {
			return Fragment{}, err
		}
		fn := "lower"
		if op.Name == "$toUpper" {
			fn = "upper"
		}
		// Null input folds to the empty string, as the interpreter does.
		return Fragment{SQL: fmt.Sprintf("COALESCE(%s(%s), '')", fn, f.SQL), Params: f.Params}, nil

	case "$strLenCP":
		f, err := t.Translate(op.Args[0])
		if err != nil {
			return Fragment{}, err
		}
		return Fragment{SQL: "length(" + f.SQL + ")", Params: f.Params}, nil

	case "$substrCP":
		args, err := t.operands(op)
		if err != nil {
			return Fragment{}, err
		}
		// The document operator is 0-based; substr is 1-based.
		var params []any
		params = append(params, args[0].Params...)
		params = append(params, args[1].Params...)
		params = append(params, args[2].Params...)
		return Fragment{
			SQL:    fmt.Sprintf("COALESCE(substr((%s), (%s) + 1, (%s)), '')", args[0].SQL, args[1].SQL, args[2].SQL),
			Params: params,
		}, nil

	case "$trim", "$ltrim", "$rtrim":
		// Only explicit trim characters translate; the default unicode
		// whitespace set has no SQL equivalent.
		charsExpr, ok := op.Named["chars"]
		if !ok {
			return Fragment{}, unsupportedf("%s without explicit chars", op.Name)
		}
		inF, err := t.Translate(op.Named["input"])
		if err != nil {
			return Fragment{}, err
		}
		charsF, err := t.Translate(charsExpr)
		if err != nil {
			return Fragment{}, err
		}
		fn := map[string]string{"$trim": "trim", "$ltrim": "ltrim", "$rtrim": "rtrim"}[op.Name]
		var params []any
		params = append(params, inF.Params...)
		params = append(params, charsF.Params...)
		return Fragment{
			SQL:    fmt.Sprintf("%s((%s), (%s))", fn, inF.SQL, charsF.SQL),
			Params: params,
		}, nil

	case "$replaceAll":
		var frags [3]Fragment
		for i, key := range []string{"input", "find", "replacement"} {
			f, err := t.Translate(op.Named[key])
			if err != nil {
				return Fragment{}, err
			}
			frags[i] = f
		}
		var params []any
		for _, f := range frags {
			params = append(params, f.Params...)
		}
		return Fragment{
			SQL:    fmt.Sprintf("replace((%s), (%s), (%s))", frags[0].SQL, frags[1].SQL, frags[2].SQL),
			Params: params,
		}, nil

	case "$regexMatch":
		return t.translateRegexMatch(op)
	}

	// $split, $replaceOne, $regexFind, $regexFindAll are interpreter-only.
	return Fragment{}, unsupportedf("string operator %s", op.Name)
}

// translateRegexMatch compiles $regexMatch with a literal pattern through
// the engine's regexp extension. The options fold into the pattern as Go
// inline flags, so the registered regexp function and the interpreter
// compile the identical pattern.
func (t *ExprTranslator) translateRegexMatch(op expr.Operator) (Fragment, error) {
	pattern, ok := literalString(op.Named["regex"])
	if !ok {
		return Fragment{}, unsupportedf("$regexMatch pattern must be a literal")
	}
	options := ""
	if optExpr, present := op.Named["options"]; present {
		options, ok = literalString(optExpr)
		if !ok {
			return Fragment{}, unsupportedf("$regexMatch options must be a literal")
		}
	}
	if _, err := interp.CompileRegex(pattern, options); err != nil {
		return Fragment{}, unsupportedf("$regexMatch pattern: %v", err)
	}
	folded := pattern
	var flags string
	for _, o := range options {
		if o == 'i' || o == 'm' || o == 's' {
			flags += string(o)
		}
	}
	if flags != "" {
		folded = "(?" + flags + ")" + pattern
	}

	inF, err := t.Translate(op.Named["input"])
	if err != nil {
		return Fragment{}, err
	}
	params := append(append([]any{}, inF.Params...), folded)
	return Fragment{
		SQL:    fmt.Sprintf("COALESCE((%s) REGEXP ?, 0)", inF.SQL),
		Params: params,
		Bool:   true,
	}, nil
}

func literalString(e expr.Expression) (string, bool) {
	lit, ok := e.(expr.Literal)
	if !ok {
		return "", false
	}
	s, ok := lit.Value.(document.String)
	return string(s), ok
}

func (t *ExprTranslator) translateMath(op expr.Operator) (Fragment, error) {
	args, err := t.operands(op)
	if err != nil {
		return Fragment{}, err
	}
	x := args[0]

	switch op.Name {
	case "$abs":
		return Fragment{SQL: "abs(" + x.SQL + ")", Params: x.Params}, nil
	case "$ceil", "$floor", "$exp":
		fn := map[string]string{"$ceil": "ceil", "$floor": "floor", "$exp": "exp"}[op.Name]
		return Fragment{SQL: fmt.Sprintf("%s(%s)", fn, x.SQL), Params: x.Params}, nil
	case "$sqrt":
		// Negative input yields null rather than an error.
		sql := fmt.Sprintf("(CASE WHEN (%[1]s) < 0 THEN NULL ELSE sqrt(%[1]s) END)", x.SQL)
		return Fragment{SQL: sql, Params: append(append([]any{}, x.Params...), x.Params...)}, nil
	case "$ln", "$log10", "$log2":
		fn := map[string]string{"$ln": "ln", "$log10": "log10", "$log2": "log2"}[op.Name]
		sql := fmt.Sprintf("(CASE WHEN (%[1]s) <= 0 THEN NULL ELSE %[2]s(%[1]s) END)", x.SQL, fn)
		return Fragment{SQL: sql, Params: append(append([]any{}, x.Params...), x.Params...)}, nil
	case "$pow":
		y := args[1]
		var params []any
		params = append(params, x.Params...)
		params = append(params, y.Params...)
		return Fragment{SQL: fmt.Sprintf("pow((%s), (%s))", x.SQL, y.SQL), Params: params}, nil
	case "$trunc":
		if len(args) > 1 {
			return Fragment{}, unsupportedf("$trunc with explicit place")
		}
		return Fragment{SQL: "trunc(" + x.SQL + ")", Params: x.Params}, nil
	case "$round":
		if len(args) == 1 {
			return Fragment{SQL: "round(" + x.SQL + ")", Params: x.Params}, nil
		}
		p := args[1]
		var params []any
		params = append(params, x.Params...)
		params = append(params, p.Params...)
		return Fragment{SQL: fmt.Sprintf("round((%s), (%s))", x.SQL, p.SQL), Params: params}, nil
	}
	return Fragment{}, unsupportedf("math operator %s", op.Name)
}

// dateOperand renders an operand usable by strftime. Field paths read the
// {"$date": ...} wrapper when present, falling back to the plain value for
// ISO strings stored directly.
func (t *ExprTranslator) dateOperand(e expr.Expression) (string, []any, error) {
	if ref, ok := e.(expr.FieldRef); ok && !ref.IsVar() {
		if _, computed := t.Access.Computed[ref.Path]; !computed {
			jsonPath, err := JSONPath(ref.Path)
			if err != nil {
				return "", nil, err
			}
			extract := t.Access.Dialect.Fn("extract")
			sql := fmt.Sprintf(`COALESCE(%[1]s(%[2]s, '%[3]s."$date"'), %[1]s(%[2]s, '%[3]s'))`,
				extract, t.Access.DataColumn, jsonPath)
			return sql, nil, nil
		}
	}
	f, err := t.Translate(e)
	if err != nil {
		return "", nil, err
	}
	return f.SQL, f.Params, nil
}

func (t *ExprTranslator) translateDate(op expr.Operator) (Fragment, error) {
	var format string
	switch op.Name {
	case "$year":
		format = "%Y"
	case "$month":
		format = "%m"
	case "$dayOfMonth":
		format = "%d"
	case "$hour":
		format = "%H"
	case "$minute":
		format = "%M"
	case "$second":
		format = "%S"
	case "$dayOfYear":
		format = "%j"
	case "$week":
		format = "%U"
	case "$isoWeek":
		format = "%V"
	case "$isoWeekYear":
		format = "%G"
	case "$dayOfWeek":
		x, params, err := t.dateOperand(op.Args[0])
		if err != nil {
			return Fragment{}, err
		}
		// strftime %w is 0-based from Sunday; the operator is 1-based.
		return Fragment{
			SQL:    fmt.Sprintf("(CAST(strftime('%%w', %s) AS INTEGER) + 1)", x),
			Params: params,
		}, nil
	case "$millisecond":
		x, params, err := t.dateOperand(op.Args[0])
		if err != nil {
			return Fragment{}, err
		}
		return Fragment{
			SQL:    fmt.Sprintf("(CAST(strftime('%%f', %s) * 1000 AS INTEGER) %% 1000)", x),
			Params: params,
		}, nil
	default:
		// $dateAdd/$dateSubtract/$dateDiff are interpreter-only.
		return Fragment{}, unsupportedf("date operator %s", op.Name)
	}

	x, params, err := t.dateOperand(op.Args[0])
	if err != nil {
		return Fragment{}, err
	}
	return Fragment{
		SQL:    fmt.Sprintf("CAST(strftime('%s', %s) AS INTEGER)", format, x),
		Params: params,
	}, nil
}

func (t *ExprTranslator) translateObject(op expr.Operator) (Fragment, error) {
	switch op.Name {
	case "$mergeObjects":
		args, err := t.operands(op)
		if err != nil {
			return Fragment{}, err
		}
		var sql string
		var params []any
		patch := t.Access.Dialect.Fn("patch")
		for i, a := range args {
			operand := t.asJSONValue(a)
			if !a.JSON {
				// Field paths extract object text, which json() accepts.
				operand = "json(" + a.SQL + ")"
			}
			if i == 0 {
				sql = operand
			} else {
				sql = fmt.Sprintf("%s(%s, %s)", patch, sql, operand)
			}
			params = append(params, a.Params...)
		}
		return Fragment{SQL: sql, Params: params, JSON: true}, nil

	case "$getField", "$setField":
		// Field names embed as a literal path segment, never a
		// parameter, so only identifier-safe names are accepted.
		name, ok := literalString(op.Named["field"])
		if !ok || !identifierSafe(name) {
			return Fragment{}, unsupportedf("%s field name must be a literal identifier", op.Name)
		}

		inputExpr, hasInput := op.Named["input"]
		var inSQL string
		var inParams []any
		if hasInput {
			f, err := t.Translate(inputExpr)
			if err != nil {
				return Fragment{}, err
			}
			if !f.JSON {
				inSQL = "json(" + f.SQL + ")"
			} else {
				inSQL = f.SQL
			}
			inParams = f.Params
		} else {
			inSQL = t.Access.DataColumn
		}

		if op.Name == "$getField" {
			return Fragment{
				SQL:    fmt.Sprintf(`%s(%s, '$."%s"')`, t.Access.Dialect.Fn("extract"), inSQL, name),
				Params: inParams,
			}, nil
		}

		valF, err := t.Translate(op.Named["value"])
		if err != nil {
			return Fragment{}, err
		}
		var params []any
		params = append(params, inParams...)
		params = append(params, valF.Params...)
		return Fragment{
			SQL:    fmt.Sprintf(`%s(%s, '$."%s"', %s)`, t.Access.Dialect.Fn("set"), inSQL, name, t.asJSONValue(valF)),
			Params: params,
			JSON:   true,
		}, nil
	}
	return Fragment{}, unsupportedf("object operator %s", op.Name)
}

func (t *ExprTranslator) translateConversion(op expr.Operator) (Fragment, error) {
	switch op.Name {
	case "$type":
		ref, ok := op.Args[0].(expr.FieldRef)
		if !ok || ref.IsVar() {
			return Fragment{}, unsupportedf("$type of a computed expression")
		}
		typeSQL, err := t.Access.TypeOf(ref.Path)
		if err != nil {
			return Fragment{}, err
		}
		sql := fmt.Sprintf("(CASE COALESCE(%s, 'null')"+
			" WHEN 'integer' THEN 'int'"+
			" WHEN 'real' THEN 'double'"+
			" WHEN 'text' THEN 'string'"+
			" WHEN 'true' THEN 'bool'"+
			" WHEN 'false' THEN 'bool'"+
			" ELSE COALESCE(%s, 'null') END)", typeSQL, typeSQL)
		return Fragment{SQL: sql}, nil
	}

	// The interpreter raises on operands it cannot convert, where CAST
	// silently coerces (CAST('abc' AS INTEGER) is 0). Conversions other
	// than $type stay interpreter-only.
	return Fragment{}, unsupportedf("conversion operator %s", op.Name)
}
