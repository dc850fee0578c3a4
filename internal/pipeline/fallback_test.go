package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongreldb/mongrel/internal/document"
)

func docsFromJSON(t *testing.T, srcs ...string) []document.Value {
	t.Helper()
	docs := make([]document.Value, 0, len(srcs))
	for _, src := range srcs {
		doc, err := document.Unmarshal([]byte(src))
		require.NoError(t, err)
		docs = append(docs, doc)
	}
	return docs
}

func runPipeline(t *testing.T, docs []document.Value, src string) []document.Value {
	t.Helper()
	out, err := RunFallback(docs, parsePipeline(t, src))
	require.NoError(t, err)
	return out
}

func canonical(t *testing.T, v document.Value) string {
	t.Helper()
	b, err := document.MarshalCanonical(v)
	require.NoError(t, err)
	return string(b)
}

func assertDocs(t *testing.T, got []document.Value, want ...string) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		wantDoc, err := document.Unmarshal([]byte(want[i]))
		require.NoError(t, err)
		assert.Equal(t, canonical(t, wantDoc), canonical(t, got[i]), "document %d", i)
	}
}

func TestRunFallback_Match(t *testing.T) {
	docs := docsFromJSON(t,
		`{"_id": 1, "status": "active", "n": 5}`,
		`{"_id": 2, "status": "archived", "n": 9}`,
		`{"_id": 3, "status": "active", "n": 1}`,
	)
	out := runPipeline(t, docs, `[{"$match": {"status": "active", "n": {"$gt": 2}}}]`)
	assertDocs(t, out, `{"_id": 1, "status": "active", "n": 5}`)
}

func TestRunFallback_ProjectInclusion(t *testing.T) {
	docs := docsFromJSON(t, `{"_id": 1, "name": "ada", "age": 36, "secret": "x"}`)
	out := runPipeline(t, docs, `[{"$project": {"name": 1, "older": {"$add": ["$age", 1]}}}]`)
	assertDocs(t, out, `{"_id": 1, "name": "ada", "older": 37}`)
}

func TestRunFallback_ProjectExclusion(t *testing.T) {
	docs := docsFromJSON(t, `{"_id": 1, "name": "ada", "secret": "x"}`)
	out := runPipeline(t, docs, `[{"$project": {"secret": 0}}]`)
	assertDocs(t, out, `{"_id": 1, "name": "ada"}`)
}

func TestRunFallback_ProjectSuppressID(t *testing.T) {
	docs := docsFromJSON(t, `{"_id": 1, "name": "ada"}`)
	out := runPipeline(t, docs, `[{"$project": {"_id": 0, "name": 1}}]`)
	assertDocs(t, out, `{"name": "ada"}`)

	// _id: 0 alone is an exclusion projection.
	out = runPipeline(t, docs, `[{"$project": {"_id": 0}}]`)
	assertDocs(t, out, `{"name": "ada"}`)
}

func TestRunFallback_ProjectNestedTarget(t *testing.T) {
	docs := docsFromJSON(t, `{"_id": 1, "a": {"b": 2, "c": 3}}`)
	out := runPipeline(t, docs, `[{"$project": {"a.b": 1}}]`)
	assertDocs(t, out, `{"_id": 1, "a": {"b": 2}}`)
}

func TestRunFallback_ProjectMissingFieldIsNull(t *testing.T) {
	// An included field absent from the document projects as an explicit
	// null, same as the SQL path's json_extract.
	docs := docsFromJSON(t, `{"_id": 1, "name": "ada"}`)
	out := runPipeline(t, docs, `[{"$project": {"name": 1, "ghost": 1}}]`)
	assertDocs(t, out, `{"_id": 1, "name": "ada", "ghost": null}`)
}

func TestRunFallback_AddFields(t *testing.T) {
	docs := docsFromJSON(t, `{"_id": 1, "price": 4, "qty": 3, "tmp": true}`)
	out := runPipeline(t, docs, `[{"$addFields": {
		"total": {"$multiply": ["$price", "$qty"]},
		"tmp": "$$REMOVE"
	}}]`)
	assertDocs(t, out, `{"_id": 1, "price": 4, "qty": 3, "total": 12}`)
}

func TestRunFallback_AddFieldsDoesNotMutateInput(t *testing.T) {
	docs := docsFromJSON(t, `{"_id": 1, "a": 1}`)
	_ = runPipeline(t, docs, `[{"$addFields": {"b": 2}}]`)
	assertDocs(t, docs, `{"_id": 1, "a": 1}`)
}

func TestRunFallback_Group(t *testing.T) {
	docs := docsFromJSON(t,
		`{"_id": 1, "dept": "eng", "pay": 10}`,
		`{"_id": 2, "dept": "ops", "pay": 7}`,
		`{"_id": 3, "dept": "eng", "pay": 20}`,
	)
	out := runPipeline(t, docs, `[{"$group": {
		"_id": "$dept",
		"total": {"$sum": "$pay"},
		"hi": {"$max": "$pay"},
		"lo": {"$min": "$pay"},
		"mean": {"$avg": "$pay"},
		"n": {"$count": {}}
	}}]`)
	// Groups come out in first-seen order.
	assertDocs(t, out,
		`{"_id": "eng", "total": 30, "hi": 20, "lo": 10, "mean": 15.0, "n": 2}`,
		`{"_id": "ops", "total": 7, "hi": 7, "lo": 7, "mean": 7.0, "n": 1}`,
	)
}

func TestRunFallback_GroupSkipsNonNumericSums(t *testing.T) {
	docs := docsFromJSON(t,
		`{"_id": 1, "v": 5}`,
		`{"_id": 2, "v": "text"}`,
		`{"_id": 3}`,
	)
	out := runPipeline(t, docs, `[{"$group": {"_id": null, "s": {"$sum": "$v"}, "m": {"$avg": "$v"}}}]`)
	assertDocs(t, out, `{"_id": null, "s": 5, "m": 5.0}`)
}

func TestRunFallback_GroupEmptyAccumulatorDefaults(t *testing.T) {
	docs := docsFromJSON(t, `{"_id": 1}`)
	out := runPipeline(t, docs, `[{"$group": {
		"_id": null,
		"s": {"$sum": "$missing"},
		"m": {"$avg": "$missing"},
		"lo": {"$min": "$missing"},
		"all": {"$push": "$present"}
	}}]`)
	require.Len(t, out, 1)
	obj := out[0].(document.Object)
	assert.Equal(t, document.Int(0), obj["s"])
	assert.Equal(t, document.Null{}, obj["m"])
	assert.Equal(t, document.Null{}, obj["lo"])
	assert.Equal(t, document.Array{document.Null{}}, obj["all"])
}

func TestRunFallback_GroupFirstLastAddToSet(t *testing.T) {
	docs := docsFromJSON(t,
		`{"_id": 1, "tag": "a"}`,
		`{"_id": 2, "tag": "b"}`,
		`{"_id": 3, "tag": "a"}`,
	)
	out := runPipeline(t, docs, `[{"$group": {
		"_id": null,
		"first": {"$first": "$tag"},
		"last": {"$last": "$tag"},
		"tags": {"$addToSet": "$tag"}
	}}]`)
	assertDocs(t, out, `{"_id": null, "first": "a", "last": "a", "tags": ["a", "b"]}`)
}

func TestRunFallback_Sort(t *testing.T) {
	docs := docsFromJSON(t,
		`{"_id": 1, "age": 30, "name": "bo"}`,
		`{"_id": 2, "name": "al"}`,
		`{"_id": 3, "age": 30, "name": "al"}`,
		`{"_id": 4, "age": 25, "name": "cy"}`,
	)
	out := runPipeline(t, docs, `[{"$sort": {"age": -1, "name": 1}}]`)
	// Missing age sorts as null, below every number.
	assertDocs(t, out,
		`{"_id": 3, "age": 30, "name": "al"}`,
		`{"_id": 1, "age": 30, "name": "bo"}`,
		`{"_id": 4, "age": 25, "name": "cy"}`,
		`{"_id": 2, "name": "al"}`,
	)
}

func TestRunFallback_SkipLimit(t *testing.T) {
	docs := docsFromJSON(t, `{"_id": 1}`, `{"_id": 2}`, `{"_id": 3}`)

	out := runPipeline(t, docs, `[{"$skip": 1}, {"$limit": 1}]`)
	assertDocs(t, out, `{"_id": 2}`)

	out = runPipeline(t, docs, `[{"$skip": 5}]`)
	assert.Empty(t, out)

	out = runPipeline(t, docs, `[{"$limit": 10}]`)
	assert.Len(t, out, 3)
}

func TestRunFallback_Count(t *testing.T) {
	docs := docsFromJSON(t, `{"_id": 1}`, `{"_id": 2}`)
	out := runPipeline(t, docs, `[{"$count": "n"}]`)
	assertDocs(t, out, `{"n": 2}`)

	// Empty input produces no count document at all.
	out = runPipeline(t, nil, `[{"$count": "n"}]`)
	assert.Empty(t, out)
}

func TestRunFallback_Unwind(t *testing.T) {
	docs := docsFromJSON(t,
		`{"_id": 1, "tags": ["a", "b"]}`,
		`{"_id": 2, "tags": []}`,
		`{"_id": 3}`,
		`{"_id": 4, "tags": "solo"}`,
	)
	out := runPipeline(t, docs, `[{"$unwind": "$tags"}]`)
	assertDocs(t, out,
		`{"_id": 1, "tags": "a"}`,
		`{"_id": 1, "tags": "b"}`,
		`{"_id": 4, "tags": "solo"}`,
	)
}

func TestRunFallback_UnwindPreserveAndIndex(t *testing.T) {
	docs := docsFromJSON(t,
		`{"_id": 1, "tags": ["a", "b"]}`,
		`{"_id": 2, "tags": []}`,
		`{"_id": 3}`,
	)
	out := runPipeline(t, docs, `[{"$unwind": {
		"path": "$tags",
		"preserveNullAndEmptyArrays": true,
		"includeArrayIndex": "i"
	}}]`)
	assertDocs(t, out,
		`{"_id": 1, "tags": "a", "i": 0}`,
		`{"_id": 1, "tags": "b", "i": 1}`,
		`{"_id": 2, "i": null}`,
		`{"_id": 3, "i": null}`,
	)
}

func TestRunFallback_Facet(t *testing.T) {
	docs := docsFromJSON(t,
		`{"_id": 1, "score": 10}`,
		`{"_id": 2, "score": 30}`,
		`{"_id": 3, "score": 20}`,
	)
	out := runPipeline(t, docs, `[{"$facet": {
		"top": [{"$sort": {"score": -1}}, {"$limit": 1}],
		"stats": [{"$count": "n"}]
	}}]`)
	assertDocs(t, out, `{"stats": [{"n": 3}], "top": [{"_id": 2, "score": 30}]}`)
}

func TestRunFallback_UnsupportedStageErrors(t *testing.T) {
	docs := docsFromJSON(t, `{"_id": 1}`)
	_, err := RunFallback(docs, parsePipeline(t, `[{"$limit": 1}, {"$lookup": {"from": "x"}}]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage 1 ($lookup)")
	assert.Contains(t, err.Error(), "not implemented")
}

func TestRunFallback_StageErrorNamesStage(t *testing.T) {
	docs := docsFromJSON(t, `{"_id": 1, "kind": "zzz"}`)
	_, err := RunFallback(docs, parsePipeline(t, `[{"$addFields": {"x": {"$switch": {"branches": [
		{"case": {"$eq": ["$kind", "a"]}, "then": 1}
	]}}}}]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage 0 ($addFields)")
}
