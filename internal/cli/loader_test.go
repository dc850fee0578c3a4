package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDecodeJSONValue(t *testing.T) {
	v, err := DecodeJSONValue([]byte(`{"age": {"$gt": 21}}`))
	require.NoError(t, err)
	m := v.(map[string]any)
	inner := m["age"].(map[string]any)
	// Numbers survive as json.Number, not float64.
	assert.Equal(t, json.Number("21"), inner["$gt"])

	_, err = DecodeJSONValue([]byte(`{"a": 1} {"b": 2}`))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = DecodeJSONValue([]byte(`{invalid`))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestLoadQueryValue_JSON(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "filter.json", `{"status": "active"}`)

	v, err := LoadQueryValue(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": "active"}, v)
}

func TestLoadQueryValue_CUE(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "pipeline.cue", `
[
	{"$match": {status: "active", n: {"$gte": 2}}},
	{"$limit": 5},
]
`)

	v, err := LoadQueryValue(path)
	require.NoError(t, err)
	stages, err := PipelineStages(v)
	require.NoError(t, err)
	require.Len(t, stages, 2)

	match := stages[0].(map[string]any)["$match"].(map[string]any)
	assert.Equal(t, "active", match["status"])
	// CUE values arrive in the same shape JSON input does.
	n := match["n"].(map[string]any)
	assert.Equal(t, json.Number("2"), n["$gte"])
}

func TestLoadQueryValue_CUEErrors(t *testing.T) {
	dir := t.TempDir()

	broken := writeFile(t, dir, "broken.cue", `{status: "act`)
	_, err := LoadQueryValue(broken)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	// An unresolved constraint is not a concrete value.
	abstract := writeFile(t, dir, "abstract.cue", `{n: int}`)
	_, err = LoadQueryValue(abstract)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not concrete")
}

func TestLoadQueryValue_Missing(t *testing.T) {
	_, err := LoadQueryValue(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file not found")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestParseInlineOrFile(t *testing.T) {
	v, err := ParseInlineOrFile(`{"a": 1}`)
	require.NoError(t, err)
	assert.IsType(t, map[string]any{}, v)

	dir := t.TempDir()
	path := writeFile(t, dir, "q.json", `[{"$limit": 1}]`)
	v, err = ParseInlineOrFile("@" + path)
	require.NoError(t, err)
	assert.IsType(t, []any{}, v)
}

func TestShapeCoercions(t *testing.T) {
	stages, err := PipelineStages([]any{map[string]any{"$limit": 1}})
	require.NoError(t, err)
	assert.Len(t, stages, 1)

	_, err = PipelineStages(map[string]any{})
	assert.Error(t, err)

	filter, err := FilterDocument(map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Len(t, filter, 1)

	_, err = FilterDocument([]any{})
	assert.Error(t, err)
}
