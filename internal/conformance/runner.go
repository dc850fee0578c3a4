package conformance

import (
	"context"
	"fmt"

	"github.com/mongreldb/mongrel/internal/document"
	"github.com/mongreldb/mongrel/internal/evaluator"
	"github.com/mongreldb/mongrel/internal/store"
)

// Result collects the failures of one scenario run. An empty Failures
// slice means the scenario passed.
type Result struct {
	Scenario string
	Failures []string
}

func (r *Result) failf(caseName, format string, args ...any) {
	r.Failures = append(r.Failures, fmt.Sprintf("%s: %s", caseName, fmt.Sprintf(format, args...)))
}

// Run executes a scenario in a fresh in-memory database.
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	name := scenario.Collection
	if name == "" {
		name = "docs"
	}
	col, err := st.Collection(name)
	if err != nil {
		return nil, err
	}

	docs := make([]document.Value, 0, len(scenario.Documents))
	for i, raw := range scenario.Documents {
		doc, err := document.FromNative(normalizeYAML(raw))
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		docs = append(docs, doc)
	}
	ctx := context.Background()
	if _, err := col.InsertMany(ctx, docs); err != nil {
		return nil, fmt.Errorf("insert: %w", err)
	}

	result := &Result{Scenario: scenario.Name}
	runExpressions(ctx, st, col, scenario, result)
	runQueries(ctx, st, col, scenario, result)
	runPipelines(ctx, st, col, scenario, result)
	return result, nil
}

func runExpressions(ctx context.Context, st *store.Store, col *store.Collection, scenario *Scenario, result *Result) {
	ev := evaluator.New(st.DB(), st.Dialect())
	for _, c := range scenario.Expressions {
		exprRaw := normalizeYAML(c.Expr)

		routed, err := ev.Evaluate(ctx, col.Table(), exprRaw, 0, false)
		if err != nil {
			result.failf(c.Name, "routed evaluation: %v", err)
			continue
		}
		forced, err := ev.Evaluate(ctx, col.Table(), exprRaw, 0, true)
		if err != nil {
			result.failf(c.Name, "forced fallback: %v", err)
			continue
		}

		routedIDs, err := predicateIDs(ctx, st, col.Table(), routed)
		if err != nil {
			result.failf(c.Name, "execute routed predicate: %v", err)
			continue
		}
		forcedIDs, err := predicateIDs(ctx, st, col.Table(), forced)
		if err != nil {
			result.failf(c.Name, "execute forced predicate: %v", err)
			continue
		}

		if !equalIDs(routedIDs, forcedIDs) {
			result.failf(c.Name, "tier mismatch: %s tier selected %v, interpreter selected %v",
				routed.Tier, routedIDs, forcedIDs)
		}
		if c.WantIDs != nil && !equalIDs(routedIDs, c.WantIDs) {
			result.failf(c.Name, "selected %v, want %v", routedIDs, c.WantIDs)
		}
		if c.WantTier != "" && routed.Tier.String() != c.WantTier {
			result.failf(c.Name, "routed to %s tier (score %d), want %s", routed.Tier, routed.Score, c.WantTier)
		}
	}
}

func predicateIDs(ctx context.Context, st *store.Store, table string, pred evaluator.Predicate) ([]int64, error) {
	query := fmt.Sprintf("SELECT id FROM %q WHERE COALESCE((%s), 0) ORDER BY id", table, pred.Fragment.SQL)
	rows, err := st.DB().QueryContext(ctx, query, pred.Fragment.Params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func runQueries(ctx context.Context, st *store.Store, col *store.Collection, scenario *Scenario, result *Result) {
	for _, c := range scenario.Queries {
		q := store.FindQuery{
			Filter: normalizeYAML(c.Filter).(map[string]any),
			Skip:   c.Skip,
			Limit:  c.Limit,
		}
		if c.Sort != nil {
			q.Sort = normalizeYAML(c.Sort)
		}

		st.SetSQLDisabled(false)
		sqlDocs, _, err := col.Find(ctx, q)
		if err != nil {
			result.failf(c.Name, "find (sql): %v", err)
			continue
		}
		st.SetSQLDisabled(true)
		fbDocs, _, err := col.Find(ctx, q)
		st.SetSQLDisabled(false)
		if err != nil {
			result.failf(c.Name, "find (fallback): %v", err)
			continue
		}

		if msg := diffDocs(sqlDocs, fbDocs); msg != "" {
			result.failf(c.Name, "sql and fallback disagree: %s", msg)
		}
		if c.WantIDs != nil && !equalIDs(docIDs(sqlDocs), c.WantIDs) {
			result.failf(c.Name, "selected %v, want %v", docIDs(sqlDocs), c.WantIDs)
		}
	}
}

func runPipelines(ctx context.Context, st *store.Store, col *store.Collection, scenario *Scenario, result *Result) {
	for _, c := range scenario.Pipelines {
		raw := normalizeYAML(c.Pipeline).([]any)

		st.SetSQLDisabled(false)
		sqlDocs, explain, err := col.Aggregate(ctx, raw)
		if err != nil {
			result.failf(c.Name, "aggregate (sql): %v", err)
			continue
		}
		st.SetSQLDisabled(true)
		fbDocs, _, err := col.Aggregate(ctx, raw)
		st.SetSQLDisabled(false)
		if err != nil {
			result.failf(c.Name, "aggregate (fallback): %v", err)
			continue
		}

		if msg := diffDocs(sqlDocs, fbDocs); msg != "" {
			result.failf(c.Name, "sql and fallback disagree: %s", msg)
		}
		if c.WantSQL != nil && explain.UsedSQL != *c.WantSQL {
			reason := explain.Reason
			if reason == "" {
				reason = "compiled"
			}
			result.failf(c.Name, "used_sql=%v (reason %q), want %v", explain.UsedSQL, reason, *c.WantSQL)
		}
		if c.Want != nil {
			want := make([]document.Value, 0, len(c.Want))
			ok := true
			for i, w := range c.Want {
				doc, err := document.FromNative(normalizeYAML(w))
				if err != nil {
					result.failf(c.Name, "want document %d: %v", i, err)
					ok = false
					break
				}
				want = append(want, doc)
			}
			if ok {
				if msg := diffDocs(sqlDocs, want); msg != "" {
					result.failf(c.Name, "result mismatch: %s", msg)
				}
			}
		}
	}
}

func docIDs(docs []document.Value) []int64 {
	ids := []int64{}
	for _, doc := range docs {
		if obj, ok := doc.(document.Object); ok {
			if id, ok := obj["_id"].(document.Int); ok {
				ids = append(ids, int64(id))
			}
		}
	}
	return ids
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// diffDocs compares two document lists by canonical encoding, returning
// an empty string when equal.
func diffDocs(got, want []document.Value) string {
	if len(got) != len(want) {
		return fmt.Sprintf("%d documents vs %d", len(got), len(want))
	}
	for i := range got {
		g, err := document.MarshalCanonical(got[i])
		if err != nil {
			return fmt.Sprintf("document %d: %v", i, err)
		}
		w, err := document.MarshalCanonical(want[i])
		if err != nil {
			return fmt.Sprintf("document %d: %v", i, err)
		}
		if string(g) != string(w) {
			return fmt.Sprintf("document %d: %s != %s", i, g, w)
		}
	}
	return ""
}

// normalizeYAML converts yaml.v3 decoding artifacts (map[any]any keys)
// into the JSON-shaped any tree the rest of the engine expects.
func normalizeYAML(v any) any {
	switch node := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, sub := range node {
			out[k] = normalizeYAML(sub)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(node))
		for k, sub := range node {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(sub)
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, sub := range node {
			out[i] = normalizeYAML(sub)
		}
		return out
	default:
		return v
	}
}
