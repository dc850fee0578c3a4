package pipeline

import (
	"fmt"
	"sort"

	"github.com/mongreldb/mongrel/internal/document"
	"github.com/mongreldb/mongrel/internal/expr"
	"github.com/mongreldb/mongrel/internal/interp"
)

// RunFallback executes a pipeline over materialized documents. It covers
// every parsed stage, including the ones the SQL compiler declines, so a
// pipeline that fails compilation still runs here with the same results
// for the shared subset.
func RunFallback(docs []document.Value, stages []Stage) ([]document.Value, error) {
	current := docs
	for i, st := range stages {
		next, err := runStage(current, st)
		if err != nil {
			return nil, fmt.Errorf("stage %d (%s): %w", i, st.Name(), err)
		}
		current = next
	}
	return current, nil
}

func runStage(docs []document.Value, st Stage) ([]document.Value, error) {
	switch s := st.(type) {
	case MatchStage:
		return runMatch(docs, s)
	case ProjectStage:
		return runProject(docs, s)
	case AddFieldsStage:
		return runAddFields(docs, s)
	case GroupStage:
		return runGroup(docs, s)
	case SortStage:
		return runSort(docs, s), nil
	case SkipStage:
		if s.N >= int64(len(docs)) {
			return nil, nil
		}
		return docs[s.N:], nil
	case LimitStage:
		if s.N < int64(len(docs)) {
			return docs[:s.N], nil
		}
		return docs, nil
	case CountStage:
		if len(docs) == 0 {
			return nil, nil
		}
		return []document.Value{document.Object{s.Field: document.Int(len(docs))}}, nil
	case UnwindStage:
		return runUnwind(docs, s)
	case FacetStage:
		return runFacet(docs, s)
	case UnsupportedStage:
		return nil, fmt.Errorf("stage %s is not implemented", s.StageName)
	default:
		return nil, fmt.Errorf("stage %T is not implemented", st)
	}
}

func runMatch(docs []document.Value, st MatchStage) ([]document.Value, error) {
	var out []document.Value
	for _, doc := range docs {
		ok, err := interp.Match(doc, st.Filter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

// fieldPlan is one pre-parsed projection or computed field.
type fieldPlan struct {
	name   string
	segs   []expr.Segment
	remove bool
	e      expr.Expression
}

func planFields(spec map[string]any, keys []string, inclusionFlagsAsRefs bool) ([]fieldPlan, error) {
	plans := make([]fieldPlan, 0, len(keys))
	for _, k := range keys {
		if k == "_id" {
			continue
		}
		segs, err := expr.ParsePath(k)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		raw := spec[k]
		if s, ok := raw.(string); ok && s == expr.RemoveVar {
			plans = append(plans, fieldPlan{name: k, segs: segs, remove: true})
			continue
		}
		if incl, isFlag := projectFlag(raw); isFlag {
			if !inclusionFlagsAsRefs {
				// Exclusion entries carry no expression.
				plans = append(plans, fieldPlan{name: k, segs: segs, remove: !incl})
				continue
			}
			raw = "$" + k
		}
		parsed, err := expr.Parse(raw)
		if err != nil {
			return nil, err
		}
		plans = append(plans, fieldPlan{name: k, segs: segs, e: parsed})
	}
	return plans, nil
}

func runProject(docs []document.Value, st ProjectStage) ([]document.Value, error) {
	keys := sortedKeys(st.Spec)

	inclusion, exclusion := false, false
	includeID := true
	for _, k := range keys {
		incl, isFlag := projectFlag(st.Spec[k])
		if k == "_id" {
			if isFlag && !incl {
				includeID = false
			}
			continue
		}
		if isFlag && !incl {
			exclusion = true
		} else {
			inclusion = true
		}
	}
	if inclusion && exclusion {
		return nil, fmt.Errorf("cannot mix inclusion and exclusion")
	}

	if exclusion || (!inclusion && !includeID) {
		plans, err := planFields(st.Spec, keys, false)
		if err != nil {
			return nil, err
		}
		out := make([]document.Value, 0, len(docs))
		for _, doc := range docs {
			obj, ok := doc.(document.Object)
			if !ok {
				out = append(out, doc)
				continue
			}
			result := cloneObject(obj)
			for _, plan := range plans {
				result = removePath(result, plan.segs)
			}
			if !includeID {
				delete(result, "_id")
			}
			out = append(out, result)
		}
		return out, nil
	}

	plans, err := planFields(st.Spec, keys, true)
	if err != nil {
		return nil, err
	}
	out := make([]document.Value, 0, len(docs))
	for _, doc := range docs {
		result := document.Object{}
		if includeID {
			if obj, ok := doc.(document.Object); ok {
				if id, present := obj["_id"]; present {
					result["_id"] = id
				}
			}
		}
		for _, plan := range plans {
			if plan.remove {
				continue
			}
			v, err := interp.Evaluate(plan.e, doc)
			if err != nil {
				return nil, err
			}
			if v == nil {
				continue
			}
			result = setPath(result, plan.segs, v)
		}
		out = append(out, result)
	}
	return out, nil
}

func runAddFields(docs []document.Value, st AddFieldsStage) ([]document.Value, error) {
	plans, err := planFields(st.Spec, sortedKeys(st.Spec), true)
	if err != nil {
		return nil, err
	}
	out := make([]document.Value, 0, len(docs))
	for _, doc := range docs {
		obj, ok := doc.(document.Object)
		if !ok {
			return nil, fmt.Errorf("document is not an object")
		}
		result := cloneObject(obj)
		for _, plan := range plans {
			if plan.remove {
				result = removePath(result, plan.segs)
				continue
			}
			v, err := interp.Evaluate(plan.e, doc)
			if err != nil {
				return nil, err
			}
			if v == nil {
				result = removePath(result, plan.segs)
				continue
			}
			result = setPath(result, plan.segs, v)
		}
		out = append(out, result)
	}
	return out, nil
}

// groupState accumulates one output group.
type groupState struct {
	key    document.Value
	counts map[string]int64
	sums   map[string]document.Value
	mins   map[string]document.Value
	maxs   map[string]document.Value
	firsts map[string]document.Value
	lasts  map[string]document.Value
	pushes map[string]document.Array
	sets   map[string]document.Array
	seen   map[string]map[string]bool
}

func newGroupState(key document.Value) *groupState {
	return &groupState{
		key:    key,
		counts: map[string]int64{},
		sums:   map[string]document.Value{},
		mins:   map[string]document.Value{},
		maxs:   map[string]document.Value{},
		firsts: map[string]document.Value{},
		lasts:  map[string]document.Value{},
		pushes: map[string]document.Array{},
		sets:   map[string]document.Array{},
		seen:   map[string]map[string]bool{},
	}
}

func runGroup(docs []document.Value, st GroupStage) ([]document.Value, error) {
	keyExpr, err := expr.Parse(st.IDExpr)
	if err != nil {
		return nil, err
	}
	accExprs := make(map[string]expr.Expression, len(st.Accums))
	for _, acc := range st.Accums {
		if acc.Op == "$count" {
			continue
		}
		parsed, err := expr.Parse(acc.Arg)
		if err != nil {
			return nil, fmt.Errorf("accumulator %s: %w", acc.Field, err)
		}
		accExprs[acc.Field] = parsed
	}

	var order []string
	groups := map[string]*groupState{}
	for _, doc := range docs {
		key, err := interp.Evaluate(keyExpr, doc)
		if err != nil {
			return nil, err
		}
		if key == nil {
			key = document.Null{}
		}
		gk, err := canonicalKey(key)
		if err != nil {
			return nil, err
		}
		g, ok := groups[gk]
		if !ok {
			g = newGroupState(key)
			groups[gk] = g
			order = append(order, gk)
		}
		for _, acc := range st.Accums {
			if err := accumulate(g, acc, accExprs[acc.Field], doc); err != nil {
				return nil, err
			}
		}
	}

	out := make([]document.Value, 0, len(order))
	for _, gk := range order {
		g := groups[gk]
		result := document.Object{"_id": g.key}
		for _, acc := range st.Accums {
			result[acc.Field] = finishAccumulator(g, acc)
		}
		out = append(out, result)
	}
	return out, nil
}

func accumulate(g *groupState, acc Accumulator, e expr.Expression, doc document.Value) error {
	if acc.Op == "$count" {
		g.counts[acc.Field]++
		return nil
	}
	v, err := interp.Evaluate(e, doc)
	if err != nil {
		return err
	}
	if v == nil {
		v = document.Null{}
	}

	switch acc.Op {
	case "$sum":
		if document.IsNumeric(v) {
			g.sums[acc.Field] = addNumeric(g.sums[acc.Field], v)
		}
	case "$avg":
		if document.IsNumeric(v) {
			g.sums[acc.Field] = addNumeric(g.sums[acc.Field], v)
			g.counts[acc.Field]++
		}
	case "$min":
		if !isNullish(v) {
			cur, ok := g.mins[acc.Field]
			if !ok || document.Compare(v, cur) < 0 {
				g.mins[acc.Field] = v
			}
		}
	case "$max":
		if !isNullish(v) {
			cur, ok := g.maxs[acc.Field]
			if !ok || document.Compare(v, cur) > 0 {
				g.maxs[acc.Field] = v
			}
		}
	case "$first":
		if _, ok := g.firsts[acc.Field]; !ok {
			g.firsts[acc.Field] = v
		}
	case "$last":
		g.lasts[acc.Field] = v
	case "$push":
		g.pushes[acc.Field] = append(g.pushes[acc.Field], v)
	case "$addToSet":
		key, err := canonicalKey(v)
		if err != nil {
			return err
		}
		if g.seen[acc.Field] == nil {
			g.seen[acc.Field] = map[string]bool{}
		}
		if !g.seen[acc.Field][key] {
			g.seen[acc.Field][key] = true
			g.sets[acc.Field] = append(g.sets[acc.Field], v)
		}
	}
	return nil
}

func finishAccumulator(g *groupState, acc Accumulator) document.Value {
	switch acc.Op {
	case "$count":
		return document.Int(g.counts[acc.Field])
	case "$sum":
		if v, ok := g.sums[acc.Field]; ok {
			return v
		}
		return document.Int(0)
	case "$avg":
		n := g.counts[acc.Field]
		if n == 0 {
			return document.Null{}
		}
		total, _ := document.AsFloat(g.sums[acc.Field])
		return document.Double(total / float64(n))
	case "$min":
		if v, ok := g.mins[acc.Field]; ok {
			return v
		}
		return document.Null{}
	case "$max":
		if v, ok := g.maxs[acc.Field]; ok {
			return v
		}
		return document.Null{}
	case "$first":
		return g.firsts[acc.Field]
	case "$last":
		return g.lasts[acc.Field]
	case "$push":
		if g.pushes[acc.Field] == nil {
			return document.Array{}
		}
		return g.pushes[acc.Field]
	case "$addToSet":
		if g.sets[acc.Field] == nil {
			return document.Array{}
		}
		return g.sets[acc.Field]
	}
	return document.Null{}
}

func addNumeric(acc, v document.Value) document.Value {
	if acc == nil {
		acc = document.Int(0)
	}
	ai, aIsInt := acc.(document.Int)
	vi, vIsInt := v.(document.Int)
	if aIsInt && vIsInt {
		return document.Int(int64(ai) + int64(vi))
	}
	af, _ := document.AsFloat(acc)
	vf, _ := document.AsFloat(v)
	return document.Double(af + vf)
}

func isNullish(v document.Value) bool {
	_, ok := v.(document.Null)
	return ok
}

func canonicalKey(v document.Value) (string, error) {
	b, err := document.MarshalCanonical(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func runSort(docs []document.Value, st SortStage) []document.Value {
	out := make([]document.Value, len(docs))
	copy(out, docs)
	sort.SliceStable(out, func(i, j int) bool {
		for _, key := range st.Keys {
			a := resolveOrNull(out[i], key.Path)
			b := resolveOrNull(out[j], key.Path)
			cmp := document.Compare(a, b)
			if cmp == 0 {
				continue
			}
			if key.Descending {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
	return out
}

func resolveOrNull(doc document.Value, path string) document.Value {
	segs, err := expr.ParsePath(path)
	if err != nil {
		return document.Null{}
	}
	v, ok := interp.Resolve(doc, segs)
	if !ok || v == nil {
		return document.Null{}
	}
	return v
}

func runUnwind(docs []document.Value, st UnwindStage) ([]document.Value, error) {
	segs, err := expr.ParsePath(st.Path)
	if err != nil {
		return nil, fmt.Errorf("path %q: %w", st.Path, err)
	}
	var idxSegs []expr.Segment
	if st.IncludeArrayIndex != "" {
		idxSegs, err = expr.ParsePath(st.IncludeArrayIndex)
		if err != nil {
			return nil, fmt.Errorf("includeArrayIndex %q: %w", st.IncludeArrayIndex, err)
		}
	}

	var out []document.Value
	for _, doc := range docs {
		obj, ok := doc.(document.Object)
		if !ok {
			continue
		}
		v, present := interp.Resolve(obj, segs)

		arr, isArray := v.(document.Array)
		switch {
		case !present || v == nil || isNullish(v):
			if st.PreserveEmpty {
				out = append(out, withIndex(cloneObject(obj), idxSegs, document.Null{}))
			}
		case isArray && len(arr) == 0:
			if st.PreserveEmpty {
				result := removePath(cloneObject(obj), segs)
				out = append(out, withIndex(result, idxSegs, document.Null{}))
			}
		case isArray:
			for i, elem := range arr {
				result := setPath(cloneObject(obj), segs, elem)
				out = append(out, withIndex(result, idxSegs, document.Int(i)))
			}
		default:
			// A non-array value unwinds to itself.
			out = append(out, withIndex(cloneObject(obj), idxSegs, document.Null{}))
		}
	}
	return out, nil
}

func withIndex(obj document.Object, idxSegs []expr.Segment, idx document.Value) document.Object {
	if idxSegs == nil {
		return obj
	}
	return setPath(obj, idxSegs, idx)
}

func runFacet(docs []document.Value, st FacetStage) ([]document.Value, error) {
	result := document.Object{}
	for _, field := range st.Fields {
		sub, err := RunFallback(docs, field.Stages)
		if err != nil {
			return nil, fmt.Errorf("facet %q: %w", field.Name, err)
		}
		arr := make(document.Array, len(sub))
		copy(arr, sub)
		result[field.Name] = arr
	}
	return []document.Value{result}, nil
}

// cloneObject copies the top level of an object. Nested values are never
// mutated in place, so sharing them is safe; setPath and removePath clone
// the spine they rewrite.
func cloneObject(o document.Object) document.Object {
	out := make(document.Object, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

// setPath writes v at a key path, creating intermediate objects. Array
// index segments are not valid write targets.
func setPath(obj document.Object, segs []expr.Segment, v document.Value) document.Object {
	if len(segs) == 0 || segs[0].IsIndex {
		return obj
	}
	out := cloneObject(obj)
	key := segs[0].Key
	if len(segs) == 1 {
		out[key] = v
		return out
	}
	child, ok := out[key].(document.Object)
	if !ok {
		child = document.Object{}
	}
	out[key] = setPath(child, segs[1:], v)
	return out
}

// removePath deletes a key path if present.
func removePath(obj document.Object, segs []expr.Segment) document.Object {
	if len(segs) == 0 || segs[0].IsIndex {
		return obj
	}
	key := segs[0].Key
	if _, present := obj[key]; !present {
		return obj
	}
	out := cloneObject(obj)
	if len(segs) == 1 {
		delete(out, key)
		return out
	}
	if child, ok := out[key].(document.Object); ok {
		out[key] = removePath(child, segs[1:])
	}
	return out
}
