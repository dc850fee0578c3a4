package sqlgen

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongreldb/mongrel/internal/expr"
)

func parseExpr(t *testing.T, src string) expr.Expression {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(src))
	dec.UseNumber()
	var raw any
	require.NoError(t, dec.Decode(&raw))
	e, err := expr.Parse(raw)
	require.NoError(t, err)
	return e
}

func translate(t *testing.T, src string) Fragment {
	t.Helper()
	f, err := NewExprTranslator(JSON).Translate(parseExpr(t, src))
	require.NoError(t, err)
	return f
}

func refuses(t *testing.T, src string) {
	t.Helper()
	_, err := NewExprTranslator(JSON).Translate(parseExpr(t, src))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupported), "want ErrUnsupported, got %v", err)
}

func TestTranslate_FieldAndLiteral(t *testing.T) {
	f := translate(t, `"$a.b"`)
	assert.Equal(t, "json_extract(data, '$.a.b')", f.SQL)
	assert.Empty(t, f.Params)

	f = translate(t, `5`)
	assert.Equal(t, "?", f.SQL)
	assert.Equal(t, []any{int64(5)}, f.Params)

	f = translate(t, `"text"`)
	assert.Equal(t, []any{"text"}, f.Params)

	f = translate(t, `true`)
	assert.Equal(t, []any{int64(1)}, f.Params)
	assert.True(t, f.Bool)

	f = translate(t, `null`)
	assert.Equal(t, "NULL", f.SQL)

	// Structured literals bind as JSON text.
	f = translate(t, `{"$literal": [1, 2]}`)
	assert.Equal(t, "json(?)", f.SQL)
	assert.Equal(t, []any{"[1,2]"}, f.Params)
	assert.True(t, f.JSON)
}

func TestTranslate_Comparison(t *testing.T) {
	// Scenario: {"$gt": ["$a", 5]} compiles to a field access compared
	// with the parameter 5.
	f := translate(t, `{"$gt": ["$a", 5]}`)
	assert.True(t, f.Bool)
	assert.Contains(t, f.SQL, "json_extract(data, '$.a')")
	assert.Contains(t, f.SQL, "> 0")
	// The ordering CASE references each operand four times.
	assert.Equal(t, []any{int64(5), int64(5), int64(5), int64(5)}, f.Params)
}

func TestTranslate_EqualityIsNullSafe(t *testing.T) {
	f := translate(t, `{"$eq": ["$a", 5]}`)
	assert.Equal(t, "((json_extract(data, '$.a')) IS (?))", f.SQL)
	assert.Equal(t, []any{int64(5)}, f.Params)
	assert.True(t, f.Bool)

	f = translate(t, `{"$ne": ["$a", 5]}`)
	assert.Equal(t, "((json_extract(data, '$.a')) IS NOT (?))", f.SQL)
}

func TestTranslate_Logical(t *testing.T) {
	f := translate(t, `{"$and": [{"$gt": ["$a", 1]}, {"$lt": ["$b", 2]}]}`)
	assert.True(t, f.Bool)
	assert.Contains(t, f.SQL, " AND ")
	assert.Len(t, f.Params, 8)

	f = translate(t, `{"$nor": [{"$eq": ["$a", 1]}]}`)
	assert.True(t, strings.HasPrefix(f.SQL, "(NOT "))

	// Logical operands must already be boolean; raw field truthiness is
	// interpreter-only.
	refuses(t, `{"$and": ["$a", "$b"]}`)
	refuses(t, `{"$not": ["$a"]}`)
}

func TestTranslate_Arithmetic(t *testing.T) {
	f := translate(t, `{"$add": ["$a", 3]}`)
	assert.Equal(t, "((json_extract(data, '$.a')) + (?))", f.SQL)
	assert.Equal(t, []any{int64(3)}, f.Params)

	f = translate(t, `{"$multiply": ["$a", "$b", 2]}`)
	assert.Contains(t, f.SQL, " * ")
}

func TestTranslate_DivideGuardsZero(t *testing.T) {
	f := translate(t, `{"$divide": ["$a", "$b"]}`)
	assert.Contains(t, f.SQL, "IS NULL OR")
	assert.Contains(t, f.SQL, "= 0 THEN NULL")
	assert.Contains(t, f.SQL, "CAST((json_extract(data, '$.a')) AS REAL)")

	// Parameter order mirrors the textual operand order: b b a b.
	f = translate(t, `{"$divide": [10, 4]}`)
	assert.Equal(t, []any{int64(4), int64(4), int64(10), int64(4)}, f.Params)

}

func TestTranslate_ModKeepsFractions(t *testing.T) {
	// 5.5 mod 2 is 1.5; SQLite's % would give 1.
	f := translate(t, `{"$mod": ["$a", 3]}`)
	assert.NotContains(t, f.SQL, "%")
	assert.Contains(t, f.SQL, "CAST((json_extract(data, '$.a')) / (?) AS INTEGER)")
	assert.Equal(t, []any{int64(3), int64(3), int64(3), int64(3)}, f.Params)
}

func TestTranslate_Cond(t *testing.T) {
	f := translate(t, `{"$cond": {"if": {"$gt": ["$a", 0]}, "then": "pos", "else": "neg"}}`)
	assert.True(t, strings.HasPrefix(f.SQL, "(CASE WHEN "))
	assert.False(t, f.JSON, "scalar branches stay scalar")

	// The condition must be boolean.
	refuses(t, `{"$cond": {"if": "$a", "then": 1, "else": 2}}`)
}

func TestTranslate_SwitchRequiresDefault(t *testing.T) {
	f := translate(t, `{"$switch": {
		"branches": [{"case": {"$gt": ["$a", 0]}, "then": "pos"}],
		"default": "other"
	}}`)
	assert.Contains(t, f.SQL, "WHEN")
	assert.Contains(t, f.SQL, "ELSE")

	// Without a default the interpreter raises on fall-through; SQL
	// would yield NULL, so translation is refused.
	refuses(t, `{"$switch": {"branches": [{"case": {"$gt": ["$a", 0]}, "then": 1}]}}`)
}

func TestTranslate_IfNull(t *testing.T) {
	f := translate(t, `{"$ifNull": ["$a", 0]}`)
	assert.Equal(t, "COALESCE((json_extract(data, '$.a')), (?))", f.SQL)
	assert.Equal(t, []any{int64(0)}, f.Params)
}

func TestTranslate_ArrayOps(t *testing.T) {
	f := translate(t, `{"$size": "$xs"}`)
	assert.Equal(t, "(CASE WHEN (json_type(data, '$.xs')) IS 'array' THEN json_array_length(data, '$.xs') END)", f.SQL)

	f = translate(t, `{"$in": [2, "$xs"]}`)
	assert.Contains(t, f.SQL, "EXISTS (SELECT 1 FROM json_each(data, '$.xs')")
	assert.True(t, f.Bool)

	f = translate(t, `{"$isArray": "$xs"}`)
	assert.Contains(t, f.SQL, "IS 'array'")

	f = translate(t, `{"$arrayElemAt": ["$xs", 1]}`)
	assert.Equal(t, "json_extract(data, '$.xs[1]')", f.SQL)

	f = translate(t, `{"$sum": "$xs"}`)
	assert.Contains(t, f.SQL, "COALESCE(SUM(je.value), 0)")
	assert.Contains(t, f.SQL, "WHERE je.type IN ('integer', 'real')")

	// min/max consider strings too, so the numeric filter stays off.
	f = translate(t, `{"$max": "$xs"}`)
	assert.Equal(t, "(SELECT MAX(je.value) FROM json_each(data, '$.xs') AS je)", f.SQL)

	f = translate(t, `{"$min": "$xs"}`)
	assert.NotContains(t, f.SQL, "je.type")

	// Higher-order array operators are interpreter-only.
	refuses(t, `{"$filter": {"input": "$xs", "cond": true}}`)
	refuses(t, `{"$map": {"input": "$xs", "in": 1}}`)
	refuses(t, `{"$concatArrays": ["$xs", "$ys"]}`)
}

func TestTranslate_StringOps(t *testing.T) {
	f := translate(t, `{"$concat": ["$s", "!"]}`)
	assert.Contains(t, f.SQL, " || ")

	f = translate(t, `{"$toLower": "$s"}`)
	assert.Equal(t, "COALESCE(lower(json_extract(data, '$.s')), '')", f.SQL)

	f = translate(t, `{"$substrCP": ["$s", 1, 3]}`)
	assert.Contains(t, f.SQL, "substr(")
	assert.Contains(t, f.SQL, "+ 1")

	f = translate(t, `{"$trim": {"input": "$s", "chars": "-"}}`)
	assert.Contains(t, f.SQL, "trim(")

	// Default whitespace trimming has no SQL equivalent.
	refuses(t, `{"$trim": {"input": "$s"}}`)
	refuses(t, `{"$split": ["$s", ","]}`)
	refuses(t, `{"$replaceOne": {"input": "$s", "find": "a", "replacement": "b"}}`)
}

func TestTranslate_RegexMatch(t *testing.T) {
	f := translate(t, `{"$regexMatch": {"input": "$s", "regex": "^he", "options": "i"}}`)
	assert.Contains(t, f.SQL, "REGEXP ?")
	assert.True(t, f.Bool)
	// Options fold into the bound pattern as inline flags.
	assert.Equal(t, []any{"(?i)^he"}, f.Params)

	// Dynamic patterns and invalid patterns refuse translation.
	refuses(t, `{"$regexMatch": {"input": "$s", "regex": "$p"}}`)
	refuses(t, `{"$regexMatch": {"input": "$s", "regex": "("}}`)
}

func TestTranslate_MathGuards(t *testing.T) {
	f := translate(t, `{"$sqrt": "$a"}`)
	assert.Contains(t, f.SQL, "< 0 THEN NULL ELSE sqrt")

	f = translate(t, `{"$ln": "$a"}`)
	assert.Contains(t, f.SQL, "<= 0 THEN NULL ELSE ln")

	f = translate(t, `{"$log2": "$a"}`)
	assert.Contains(t, f.SQL, "log2")

	f = translate(t, `{"$pow": ["$a", 2]}`)
	assert.Equal(t, "pow((json_extract(data, '$.a')), (?))", f.SQL)
}

func TestTranslate_DateOps(t *testing.T) {
	f := translate(t, `{"$year": "$d"}`)
	// Field operands read the {"$date": ...} wrapper with a plain-value
	// fallback for ISO strings stored directly.
	assert.Contains(t, f.SQL, `'$.d."$date"'`)
	assert.Contains(t, f.SQL, "strftime('%Y'")

	f = translate(t, `{"$dayOfWeek": "$d"}`)
	assert.Contains(t, f.SQL, "+ 1")

	refuses(t, `{"$dateAdd": {"startDate": "$d", "unit": "day", "amount": 1}}`)
}

func TestTranslate_ObjectOps(t *testing.T) {
	f := translate(t, `{"$mergeObjects": ["$a", "$b"]}`)
	assert.Contains(t, f.SQL, "json_patch(")
	assert.True(t, f.JSON)

	f = translate(t, `{"$getField": {"field": "price", "input": "$item"}}`)
	assert.Contains(t, f.SQL, `'$."price"'`)

	f = translate(t, `{"$setField": {"field": "w", "input": "$a", "value": 7}}`)
	assert.Contains(t, f.SQL, "json_set(")
	assert.True(t, f.JSON)

	// Field names embed literally, so non-identifier names refuse.
	refuses(t, `{"$getField": {"field": "a'b", "input": "$x"}}`)
}

func TestTranslate_Conversion(t *testing.T) {
	f := translate(t, `{"$type": "$a"}`)
	assert.Contains(t, f.SQL, "json_type(data, '$.a')")
	assert.Contains(t, f.SQL, "WHEN 'integer' THEN 'int'")

	// CAST('abc' AS INTEGER) is 0 where the interpreter raises, so every
	// conversion besides $type refuses.
	refuses(t, `{"$toInt": "$a"}`)
	refuses(t, `{"$toLong": "$a"}`)
	refuses(t, `{"$toDouble": "$a"}`)
	refuses(t, `{"$toString": "$a"}`)
	refuses(t, `{"$toBool": "$a"}`)
}

func TestTranslate_ObjectAndArrayConstructors(t *testing.T) {
	f := translate(t, `{"total": {"$add": ["$a", 1]}}`)
	assert.True(t, strings.HasPrefix(f.SQL, "json_object("))
	assert.True(t, f.JSON)
	// The field name binds as a parameter ahead of the value's params.
	assert.Equal(t, "total", f.Params[0])

	f = translate(t, `["$a", 1]`)
	assert.True(t, strings.HasPrefix(f.SQL, "json_array("))
	assert.True(t, f.JSON)
}

func TestTranslate_BooleanEmbedsAsJSONBool(t *testing.T) {
	f := translate(t, `{"ok": {"$gt": ["$a", 0]}}`)
	// Boolean fragments render as JSON true/false, never 0/1, when
	// embedded as object values.
	assert.Contains(t, f.SQL, "THEN 'true' ELSE 'false'")
}

func TestTranslate_Root(t *testing.T) {
	// Outside a pipeline $$ROOT has no SQL home.
	refuses(t, `{"$eq": ["$$ROOT", "$a"]}`)

	tr := NewExprTranslator(JSON)
	tr.RootColumn = "root_data"
	f, err := tr.Translate(parseExpr(t, `"$$ROOT"`))
	require.NoError(t, err)
	assert.Equal(t, "root_data", f.SQL)
	assert.True(t, f.JSON)
}

func TestTranslate_JSONDialectPrefix(t *testing.T) {
	f, err := NewExprTranslator(JSONB).Translate(parseExpr(t, `"$a"`))
	require.NoError(t, err)
	assert.Equal(t, "jsonb_extract(data, '$.a')", f.SQL)
}
