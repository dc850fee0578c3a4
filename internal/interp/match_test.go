package interp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongreldb/mongrel/internal/document"
)

func matchFilter(t *testing.T, doc document.Value, filterSrc string) bool {
	t.Helper()
	filter, ok := rawExpr(t, filterSrc).(map[string]any)
	require.True(t, ok, "filter must be an object")
	got, err := Match(doc, filter)
	require.NoError(t, err)
	return got
}

func TestMatch_Equality(t *testing.T) {
	doc := document.Object{
		"name": document.String("ada"),
		"age":  document.Int(36),
		"tags": document.Array{document.String("a"), document.String("b")},
		"nil":  document.Null{},
	}

	assert.True(t, matchFilter(t, doc, `{"name": "ada"}`))
	assert.False(t, matchFilter(t, doc, `{"name": "bob"}`))
	assert.True(t, matchFilter(t, doc, `{"age": 36.0}`))

	// Equality against an array matches contained elements.
	assert.True(t, matchFilter(t, doc, `{"tags": "a"}`))
	assert.False(t, matchFilter(t, doc, `{"tags": "z"}`))

	// null matches both explicit null and missing fields.
	assert.True(t, matchFilter(t, doc, `{"nil": null}`))
	assert.True(t, matchFilter(t, doc, `{"ghost": null}`))
	assert.False(t, matchFilter(t, doc, `{"ghost": 1}`))

	// Empty filter matches everything.
	assert.True(t, matchFilter(t, doc, `{}`))
}

func TestMatch_StorageEncodedValues(t *testing.T) {
	when, err := time.Parse(time.RFC3339, "2020-01-02T00:00:00Z")
	require.NoError(t, err)
	doc := document.Object{
		"when": document.DateTime(when),
		"blob": document.Binary("hi"),
	}

	// {"$date"}/{"$binary"} are equality values, not operator documents.
	assert.True(t, matchFilter(t, doc, `{"when": {"$date": "2020-01-02T00:00:00Z"}}`))
	assert.False(t, matchFilter(t, doc, `{"when": {"$date": "2021-01-02T00:00:00Z"}}`))
	assert.True(t, matchFilter(t, doc, `{"blob": {"$binary": "aGk="}}`))
	assert.False(t, matchFilter(t, doc, `{"blob": {"$binary": "bm8="}}`))

	// Range operators take them as comparison operands.
	assert.True(t, matchFilter(t, doc, `{"when": {"$gt": {"$date": "2019-01-01T00:00:00Z"}}}`))
	assert.False(t, matchFilter(t, doc, `{"when": {"$lt": {"$date": "2019-01-01T00:00:00Z"}}}`))
}

func TestMatch_ComparisonOps(t *testing.T) {
	doc := document.Object{"age": document.Int(36), "name": document.String("ada")}

	assert.True(t, matchFilter(t, doc, `{"age": {"$gt": 30}}`))
	assert.True(t, matchFilter(t, doc, `{"age": {"$gte": 36, "$lte": 40}}`))
	assert.False(t, matchFilter(t, doc, `{"age": {"$lt": 36}}`))
	assert.True(t, matchFilter(t, doc, `{"age": {"$ne": 40}}`))

	// Ordering operators bracket by type: a number never orders against
	// a string field.
	assert.False(t, matchFilter(t, doc, `{"name": {"$gt": 5}}`))
	// And missing fields never satisfy an ordering comparison.
	assert.False(t, matchFilter(t, doc, `{"ghost": {"$lt": 100}}`))
}

func TestMatch_InNin(t *testing.T) {
	doc := document.Object{"n": document.Int(2), "tags": document.Array{document.String("x")}}

	assert.True(t, matchFilter(t, doc, `{"n": {"$in": [1, 2, 3]}}`))
	assert.False(t, matchFilter(t, doc, `{"n": {"$in": [4, 5]}}`))
	assert.True(t, matchFilter(t, doc, `{"n": {"$nin": [4, 5]}}`))
	assert.True(t, matchFilter(t, doc, `{"tags": {"$in": ["x", "y"]}}`))
	// null in the list matches missing fields.
	assert.True(t, matchFilter(t, doc, `{"ghost": {"$in": [null, 1]}}`))
}

func TestMatch_ExistsSizeMod(t *testing.T) {
	doc := document.Object{
		"n":    document.Int(10),
		"tags": document.Array{document.String("a"), document.String("b")},
	}

	assert.True(t, matchFilter(t, doc, `{"n": {"$exists": true}}`))
	assert.True(t, matchFilter(t, doc, `{"ghost": {"$exists": false}}`))
	assert.True(t, matchFilter(t, doc, `{"tags": {"$size": 2}}`))
	assert.False(t, matchFilter(t, doc, `{"tags": {"$size": 3}}`))
	assert.False(t, matchFilter(t, doc, `{"n": {"$size": 1}}`))
	assert.True(t, matchFilter(t, doc, `{"n": {"$mod": [4, 2]}}`))
	assert.False(t, matchFilter(t, doc, `{"n": {"$mod": [4, 1]}}`))
}

func TestMatch_Regex(t *testing.T) {
	doc := document.Object{"s": document.String("hello world")}

	assert.True(t, matchFilter(t, doc, `{"s": {"$regex": "^hel"}}`))
	assert.False(t, matchFilter(t, doc, `{"s": {"$regex": "^world"}}`))

	filter := rawExpr(t, `{"s": {"$regex": "("}}`).(map[string]any)
	_, err := Match(doc, filter)
	assert.Error(t, err)
}

func TestMatch_LogicalClauses(t *testing.T) {
	doc := document.Object{"a": document.Int(1), "b": document.Int(2)}

	assert.True(t, matchFilter(t, doc, `{"$and": [{"a": 1}, {"b": 2}]}`))
	assert.False(t, matchFilter(t, doc, `{"$and": [{"a": 1}, {"b": 3}]}`))
	assert.True(t, matchFilter(t, doc, `{"$or": [{"a": 9}, {"b": 2}]}`))
	assert.True(t, matchFilter(t, doc, `{"$nor": [{"a": 9}, {"b": 9}]}`))
	assert.False(t, matchFilter(t, doc, `{"$nor": [{"a": 1}]}`))

	// Nested logical clauses.
	assert.True(t, matchFilter(t, doc, `{"$or": [{"$and": [{"a": 1}, {"b": 2}]}, {"a": 99}]}`))
}

func TestMatch_FieldNot(t *testing.T) {
	doc := document.Object{"n": document.Int(5)}

	assert.True(t, matchFilter(t, doc, `{"n": {"$not": {"$gt": 10}}}`))
	assert.False(t, matchFilter(t, doc, `{"n": {"$not": {"$gt": 1}}}`))
}

func TestMatch_Expr(t *testing.T) {
	doc := document.Object{"a": document.Int(3), "b": document.Int(2)}

	assert.True(t, matchFilter(t, doc, `{"$expr": {"$gt": ["$a", "$b"]}}`))
	assert.False(t, matchFilter(t, doc, `{"$expr": {"$lt": ["$a", "$b"]}}`))
}

func TestMatch_DottedPaths(t *testing.T) {
	doc := document.Object{
		"a": document.Object{"b": document.Int(7)},
		"xs": document.Array{
			document.Object{"v": document.Int(1)},
			document.Object{"v": document.Int(5)},
		},
	}

	assert.True(t, matchFilter(t, doc, `{"a.b": 7}`))
	assert.False(t, matchFilter(t, doc, `{"a.b": 8}`))
	// A dotted path through an array matches any element.
	assert.True(t, matchFilter(t, doc, `{"xs.v": 5}`))
	assert.True(t, matchFilter(t, doc, `{"xs.v": {"$gt": 4}}`))
}

func TestMatch_TextRejected(t *testing.T) {
	filter := rawExpr(t, `{"$text": {"$search": "x"}}`).(map[string]any)
	_, err := Match(document.Object{}, filter)
	assert.Error(t, err)
}
