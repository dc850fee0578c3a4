package conformance

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarios(t *testing.T) {
	scenarios, err := LoadDir("testdata/scenarios")
	require.NoError(t, err)
	require.NotEmpty(t, scenarios)

	for _, scenario := range scenarios {
		t.Run(scenario.Name, func(t *testing.T) {
			result, err := Run(scenario)
			require.NoError(t, err)
			for _, failure := range result.Failures {
				t.Error(failure)
			}
		})
	}
}

func writeScenario(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeScenario(t, dir, "ok.yaml", `
name: minimal
documents:
  - {a: 1}
expressions:
  - name: truthy
    expr: {"$gt": ["$a", 0]}
    want_ids: [1]
`)
	scenario, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "minimal", scenario.Name)
	assert.Equal(t, "", scenario.Collection)
	require.Len(t, scenario.Expressions, 1)
	assert.Equal(t, []int64{1}, scenario.Expressions[0].WantIDs)
}

func TestLoad_Validation(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	noName := writeScenario(t, dir, "no_name.yaml", "documents:\n  - {a: 1}\n")
	_, err = Load(noName)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name is required")

	noDocs := writeScenario(t, dir, "no_docs.yaml", "name: empty\n")
	_, err = Load(noDocs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs documents")

	// Unknown fields are schema typos, not extensions.
	typo := writeScenario(t, dir, "typo.yaml", `
name: typo
documents:
  - {a: 1}
expresions:
  - name: x
    expr: 1
`)
	_, err = Load(typo)
	assert.Error(t, err)
}

func TestRun_ReportsMismatch(t *testing.T) {
	dir := t.TempDir()
	path := writeScenario(t, dir, "bad.yaml", `
name: bad_expectation
documents:
  - {a: 1}
  - {a: 5}
expressions:
  - name: wrong_ids
    expr: {"$gt": ["$a", 3]}
    want_ids: [1]
`)
	scenario, err := Load(path)
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	require.Len(t, result.Failures, 1)
	assert.Contains(t, result.Failures[0], "wrong_ids")
}
