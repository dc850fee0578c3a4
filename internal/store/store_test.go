package store

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongreldb/mongrel/internal/document"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedCollection(t *testing.T, st *Store, name string, docs ...string) *Collection {
	t.Helper()
	col, err := st.Collection(name)
	require.NoError(t, err)
	parsed := make([]document.Value, 0, len(docs))
	for _, src := range docs {
		doc, err := document.Unmarshal([]byte(src))
		require.NoError(t, err)
		parsed = append(parsed, doc)
	}
	if len(parsed) > 0 {
		_, err = col.InsertMany(context.Background(), parsed)
		require.NoError(t, err)
	}
	return col
}

func filterDoc(t *testing.T, src string) map[string]any {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(src))
	dec.UseNumber()
	var m map[string]any
	require.NoError(t, dec.Decode(&m))
	return m
}

func docIDs(docs []document.Value) []int64 {
	ids := make([]int64, 0, len(docs))
	for _, doc := range docs {
		if obj, ok := doc.(document.Object); ok {
			if id, ok := obj["_id"].(document.Int); ok {
				ids = append(ids, int64(id))
			}
		}
	}
	return ids
}

func TestOpen(t *testing.T) {
	st := openTestStore(t)
	require.NotNil(t, st.DB())
	assert.Contains(t, []string{"json", "jsonb"}, st.Dialect().Name())
}

func TestOpen_BadPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/db.sqlite")
	require.Error(t, err)
}

func TestRegisteredFunctions(t *testing.T) {
	st := openTestStore(t)

	var f float64
	require.NoError(t, st.DB().QueryRow("SELECT sqrt(9)").Scan(&f))
	assert.Equal(t, 3.0, f)
	require.NoError(t, st.DB().QueryRow("SELECT pow(2, 10)").Scan(&f))
	assert.Equal(t, 1024.0, f)
	require.NoError(t, st.DB().QueryRow("SELECT log2(8)").Scan(&f))
	assert.Equal(t, 3.0, f)

	var n int
	require.NoError(t, st.DB().QueryRow("SELECT 'hello' REGEXP '^h'").Scan(&n))
	assert.Equal(t, 1, n)
	require.NoError(t, st.DB().QueryRow("SELECT 'hello' REGEXP '^x'").Scan(&n))
	assert.Equal(t, 0, n)
}

func TestProbeCapability(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	assert.True(t, st.ProbeCapability(ctx, "regexp"))
	assert.False(t, st.ProbeCapability(ctx, "holographic_storage"))
	assert.Equal(t, st.Dialect().Binary(), st.ProbeCapability(ctx, "jsonb"))
}

func TestCollection_NameValidation(t *testing.T) {
	st := openTestStore(t)

	col, err := st.Collection("users_2")
	require.NoError(t, err)
	assert.Equal(t, "users_2", col.Name())
	assert.Equal(t, "col_users_2", col.Table())

	for _, bad := range []string{"", "1users", "bad-name", "a.b", `x"y`} {
		_, err := st.Collection(bad)
		assert.Error(t, err, bad)
	}
}

func TestInsertMany_AssignsIDs(t *testing.T) {
	st := openTestStore(t)
	col, err := st.Collection("users")
	require.NoError(t, err)

	ids, err := col.InsertMany(context.Background(), []document.Value{
		document.Object{"name": document.String("ada")},
		document.Object{"name": document.String("bo")},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids)
}

func TestInsertMany_ExplicitID(t *testing.T) {
	st := openTestStore(t)
	col, err := st.Collection("users")
	require.NoError(t, err)
	ctx := context.Background()

	ids, err := col.InsertMany(ctx, []document.Value{
		document.Object{"_id": document.Int(42), "name": document.String("ada")},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{42}, ids)

	// _id lives in the id column only, never inside the stored JSON.
	var data string
	require.NoError(t, st.DB().QueryRow(`SELECT data FROM "col_users" WHERE id = 42`).Scan(&data))
	assert.NotContains(t, data, "_id")

	// The next auto-assigned id continues past the explicit one.
	ids, err = col.InsertMany(ctx, []document.Value{
		document.Object{"name": document.String("bo")},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{43}, ids)

	docs, _, err := col.Find(ctx, FindQuery{Filter: map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, []int64{42, 43}, docIDs(docs))
}

func TestInsertMany_Rejections(t *testing.T) {
	st := openTestStore(t)
	col, err := st.Collection("users")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = col.InsertMany(ctx, []document.Value{document.Int(5)})
	assert.Error(t, err)

	_, err = col.InsertMany(ctx, []document.Value{
		document.Object{"_id": document.String("abc")},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "_id must be an integer")
}

func TestInsertMany_AllOrNothing(t *testing.T) {
	st := openTestStore(t)
	col, err := st.Collection("users")
	require.NoError(t, err)
	ctx := context.Background()

	// The second document fails, so the first must not persist.
	_, err = col.InsertMany(ctx, []document.Value{
		document.Object{"name": document.String("ada")},
		document.Object{"_id": document.String("bad")},
	})
	require.Error(t, err)

	docs, _, err := col.Find(ctx, FindQuery{Filter: map[string]any{}})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestFind_SQLPath(t *testing.T) {
	st := openTestStore(t)
	col := seedCollection(t, st, "users",
		`{"name": "ada", "age": 36}`,
		`{"name": "bo", "age": 22}`,
		`{"name": "cy", "age": 41}`,
	)

	docs, explain, err := col.Find(context.Background(), FindQuery{
		Filter: filterDoc(t, `{"age": {"$gte": 30}}`),
		Sort:   filterDoc(t, `{"age": -1}`),
	})
	require.NoError(t, err)
	require.True(t, explain.UsedSQL)
	assert.Contains(t, explain.SQL, "ORDER BY")
	assert.Equal(t, []int64{3, 1}, docIDs(docs))
}

func TestFind_SkipLimit(t *testing.T) {
	st := openTestStore(t)
	col := seedCollection(t, st, "nums",
		`{"n": 1}`, `{"n": 2}`, `{"n": 3}`, `{"n": 4}`,
	)

	docs, _, err := col.Find(context.Background(), FindQuery{
		Filter: map[string]any{},
		Skip:   1,
		Limit:  2,
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, docIDs(docs))
}

func TestFind_RegexFallsBack(t *testing.T) {
	st := openTestStore(t)
	col := seedCollection(t, st, "users",
		`{"name": "ada"}`,
		`{"name": "bo"}`,
	)

	docs, explain, err := col.Find(context.Background(), FindQuery{
		Filter: filterDoc(t, `{"name": {"$regex": "^a"}}`),
	})
	require.NoError(t, err)
	assert.False(t, explain.UsedSQL)
	assert.NotEmpty(t, explain.Reason)
	assert.Equal(t, []int64{1}, docIDs(docs))
}

func TestFind_KillSwitch(t *testing.T) {
	st := openTestStore(t)
	col := seedCollection(t, st, "users",
		`{"name": "ada", "age": 36}`,
		`{"name": "bo", "age": 22}`,
	)
	q := FindQuery{Filter: filterDoc(t, `{"age": {"$gt": 30}}`)}
	ctx := context.Background()

	docs, explain, err := col.Find(ctx, q)
	require.NoError(t, err)
	assert.True(t, explain.UsedSQL)

	st.SetSQLDisabled(true)
	fbDocs, fbExplain, err := col.Find(ctx, q)
	require.NoError(t, err)
	assert.False(t, fbExplain.UsedSQL)
	assert.Equal(t, "sql disabled", fbExplain.Reason)
	assert.Equal(t, docIDs(docs), docIDs(fbDocs))
}

func TestFind_ExprFilter(t *testing.T) {
	st := openTestStore(t)
	col := seedCollection(t, st, "orders",
		`{"price": 5, "qty": 10}`,
		`{"price": 3, "qty": 1}`,
	)

	docs, explain, err := col.Find(context.Background(), FindQuery{
		Filter: filterDoc(t, `{"$expr": {"$gt": [{"$multiply": ["$price", "$qty"]}, 20]}}`),
	})
	require.NoError(t, err)
	assert.True(t, explain.UsedSQL)
	assert.Equal(t, []int64{1}, docIDs(docs))
}

func TestFind_TextSearchRejected(t *testing.T) {
	st := openTestStore(t)
	col := seedCollection(t, st, "users", `{"name": "ada"}`)

	_, _, err := col.Find(context.Background(), FindQuery{
		Filter: filterDoc(t, `{"$text": {"$search": "ada"}}`),
	})
	require.Error(t, err)
}

func TestAggregate_RoundTrip(t *testing.T) {
	st := openTestStore(t)
	col := seedCollection(t, st, "sales",
		`{"region": "east", "amount": 10}`,
		`{"region": "west", "amount": 5}`,
		`{"region": "east", "amount": 20}`,
	)

	pipelineRaw := []any{
		filterDoc(t, `{"$group": {"_id": "$region", "total": {"$sum": "$amount"}}}`),
		filterDoc(t, `{"$sort": {"_id": 1}}`),
	}

	docs, explain, err := col.Aggregate(context.Background(), pipelineRaw)
	require.NoError(t, err)
	require.True(t, explain.UsedSQL)
	require.Len(t, docs, 2)

	east := docs[0].(document.Object)
	assert.Equal(t, document.String("east"), east["_id"])
	assert.Equal(t, document.Int(30), east["total"])

	// The interpreter path returns the same groups.
	st.SetSQLDisabled(true)
	fbDocs, fbExplain, err := col.Aggregate(context.Background(), pipelineRaw)
	require.NoError(t, err)
	assert.False(t, fbExplain.UsedSQL)
	require.Len(t, fbDocs, 2)
	for i := range docs {
		want, err := document.MarshalCanonical(docs[i])
		require.NoError(t, err)
		got, err := document.MarshalCanonical(fbDocs[i])
		require.NoError(t, err)
		assert.Equal(t, string(want), string(got))
	}
}

func TestExplainAggregate(t *testing.T) {
	st := openTestStore(t)
	col := seedCollection(t, st, "sales", `{"n": 1}`)

	plan, err := col.ExplainAggregate([]any{filterDoc(t, `{"$limit": 1}`)})
	require.NoError(t, err)
	assert.True(t, plan.UsedSQL)
	assert.Contains(t, plan.SQL, "WITH s0 AS")

	plan, err = col.ExplainAggregate([]any{filterDoc(t, `{"$lookup": {"from": "x"}}`)})
	require.NoError(t, err)
	assert.False(t, plan.UsedSQL)

	_, err = col.ExplainAggregate([]any{"not a stage"})
	assert.Error(t, err)
}
