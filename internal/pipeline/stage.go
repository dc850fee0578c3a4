// Package pipeline compiles aggregation pipelines into a single chained
// CTE query, with an in-memory stage runner covering everything the SQL
// compiler declines.
package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mongreldb/mongrel/internal/sqlgen"
)

// Stage is one parsed pipeline stage. The sealed set keeps the compiler
// and the fallback runner in lockstep: a stage variant either has both a
// SQL builder and a runner, or a runner alone.
type Stage interface {
	stage()
	Name() string
}

type MatchStage struct{ Filter map[string]any }

type ProjectStage struct{ Spec map[string]any }

type AddFieldsStage struct{ Spec map[string]any }

type GroupStage struct {
	IDExpr any
	Accums []Accumulator
}

// Accumulator is one output field of a $group stage.
type Accumulator struct {
	Field string
	Op    string
	Arg   any
}

type SortStage struct{ Keys []sqlgen.SortKey }

type SkipStage struct{ N int64 }

type LimitStage struct{ N int64 }

type CountStage struct{ Field string }

type UnwindStage struct {
	Path              string
	PreserveEmpty     bool
	IncludeArrayIndex string
}

type FacetStage struct {
	// Order preserved from parse so output field order is stable.
	Fields []FacetField
}

type FacetField struct {
	Name   string
	Stages []Stage
}

// UnsupportedStage is a recognized stage name this engine does not
// implement in any tier. Parsing keeps it so explain output can name it;
// executing it errors.
type UnsupportedStage struct{ StageName string }

func (MatchStage) stage()       {}
func (ProjectStage) stage()     {}
func (AddFieldsStage) stage()   {}
func (GroupStage) stage()       {}
func (SortStage) stage()        {}
func (SkipStage) stage()        {}
func (LimitStage) stage()       {}
func (CountStage) stage()       {}
func (UnwindStage) stage()      {}
func (FacetStage) stage()       {}
func (UnsupportedStage) stage() {}

func (MatchStage) Name() string       { return "$match" }
func (ProjectStage) Name() string     { return "$project" }
func (AddFieldsStage) Name() string   { return "$addFields" }
func (GroupStage) Name() string       { return "$group" }
func (SortStage) Name() string        { return "$sort" }
func (SkipStage) Name() string        { return "$skip" }
func (LimitStage) Name() string       { return "$limit" }
func (CountStage) Name() string       { return "$count" }
func (UnwindStage) Name() string      { return "$unwind" }
func (FacetStage) Name() string       { return "$facet" }
func (s UnsupportedStage) Name() string { return s.StageName }

// neverStages are the stage names we recognize but do not implement.
var neverStages = map[string]bool{
	"$lookup":          true,
	"$graphLookup":     true,
	"$merge":           true,
	"$out":             true,
	"$replaceRoot":     true,
	"$replaceWith":     true,
	"$setWindowFields": true,
	"$unionWith":       true,
}

var groupAccumulators = map[string]bool{
	"$sum": true, "$avg": true, "$min": true, "$max": true,
	"$count": true, "$push": true, "$first": true, "$last": true,
	"$addToSet": true,
}

// Parse validates a raw pipeline into stages. Structural problems (a
// stage that is not a single-key document, a malformed argument) are hard
// errors; unimplemented and unrecognized stage names parse into
// UnsupportedStage so the caller can report them by name.
func Parse(raw []any) ([]Stage, error) {
	stages := make([]Stage, 0, len(raw))
	for i, elem := range raw {
		doc, ok := elem.(map[string]any)
		if !ok || len(doc) != 1 {
			return nil, fmt.Errorf("stage %d: each stage must be a single-operator document", i)
		}
		var name string
		var arg any
		for k, v := range doc {
			name, arg = k, v
		}
		stage, err := parseStage(name, arg)
		if err != nil {
			return nil, fmt.Errorf("stage %d (%s): %w", i, name, err)
		}
		stages = append(stages, stage)
	}
	return stages, nil
}

func parseStage(name string, arg any) (Stage, error) {
	if neverStages[name] {
		return UnsupportedStage{StageName: name}, nil
	}
	switch name {
	case "$match":
		filter, ok := arg.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("argument must be a document")
		}
		return MatchStage{Filter: filter}, nil

	case "$project":
		spec, ok := arg.(map[string]any)
		if !ok || len(spec) == 0 {
			return nil, fmt.Errorf("argument must be a non-empty document")
		}
		return ProjectStage{Spec: spec}, nil

	case "$addFields", "$set":
		spec, ok := arg.(map[string]any)
		if !ok || len(spec) == 0 {
			return nil, fmt.Errorf("argument must be a non-empty document")
		}
		return AddFieldsStage{Spec: spec}, nil

	case "$group":
		return parseGroup(arg)

	case "$sort":
		keys, err := sqlgen.ParseSortSpec(arg)
		if err != nil {
			return nil, err
		}
		return SortStage{Keys: keys}, nil

	case "$skip", "$limit":
		n, err := stageInt(arg)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("argument must be a non-negative integer")
		}
		if name == "$skip" {
			return SkipStage{N: n}, nil
		}
		return LimitStage{N: n}, nil

	case "$count":
		field, ok := arg.(string)
		if !ok || field == "" || strings.HasPrefix(field, "$") || strings.Contains(field, ".") {
			return nil, fmt.Errorf("argument must be a plain field name")
		}
		return CountStage{Field: field}, nil

	case "$unwind":
		return parseUnwind(arg)

	case "$facet":
		return parseFacet(arg)
	}
	// Unrecognized names parse like the known-unimplemented set, so the
	// gate and the explain output report them uniformly.
	return UnsupportedStage{StageName: name}, nil
}

func parseGroup(arg any) (Stage, error) {
	spec, ok := arg.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("argument must be a document")
	}
	idExpr, ok := spec["_id"]
	if !ok {
		return nil, fmt.Errorf("_id is required")
	}

	fields := make([]string, 0, len(spec))
	for k := range spec {
		if k != "_id" {
			fields = append(fields, k)
		}
	}
	sort.Strings(fields)

	accums := make([]Accumulator, 0, len(fields))
	for _, field := range fields {
		if strings.Contains(field, ".") {
			return nil, fmt.Errorf("accumulator field %q must be a top-level name", field)
		}
		doc, ok := spec[field].(map[string]any)
		if !ok || len(doc) != 1 {
			return nil, fmt.Errorf("accumulator for %q must be a single-operator document", field)
		}
		for op, accArg := range doc {
			if !groupAccumulators[op] {
				return nil, fmt.Errorf("unknown accumulator %s", op)
			}
			accums = append(accums, Accumulator{Field: field, Op: op, Arg: accArg})
		}
	}
	return GroupStage{IDExpr: idExpr, Accums: accums}, nil
}

func parseUnwind(arg any) (Stage, error) {
	switch a := arg.(type) {
	case string:
		if !strings.HasPrefix(a, "$") {
			return nil, fmt.Errorf("path must start with $")
		}
		return UnwindStage{Path: strings.TrimPrefix(a, "$")}, nil
	case map[string]any:
		pathRaw, ok := a["path"].(string)
		if !ok || !strings.HasPrefix(pathRaw, "$") {
			return nil, fmt.Errorf("path must start with $")
		}
		st := UnwindStage{Path: strings.TrimPrefix(pathRaw, "$")}
		if v, ok := a["preserveNullAndEmptyArrays"].(bool); ok {
			st.PreserveEmpty = v
		}
		if v, ok := a["includeArrayIndex"].(string); ok {
			st.IncludeArrayIndex = v
		}
		return st, nil
	}
	return nil, fmt.Errorf("argument must be a path or options document")
}

func parseFacet(arg any) (Stage, error) {
	spec, ok := arg.(map[string]any)
	if !ok || len(spec) == 0 {
		return nil, fmt.Errorf("argument must be a non-empty document")
	}
	names := make([]string, 0, len(spec))
	for k := range spec {
		names = append(names, k)
	}
	sort.Strings(names)

	st := FacetStage{}
	for _, fieldName := range names {
		sub, ok := spec[fieldName].([]any)
		if !ok {
			return nil, fmt.Errorf("facet %q must be a pipeline array", fieldName)
		}
		stages, err := Parse(sub)
		if err != nil {
			return nil, fmt.Errorf("facet %q: %w", fieldName, err)
		}
		for _, s := range stages {
			if _, nested := s.(FacetStage); nested {
				return nil, fmt.Errorf("facet %q: nested $facet", fieldName)
			}
		}
		st.Fields = append(st.Fields, FacetField{Name: fieldName, Stages: stages})
	}
	return st, nil
}

func stageInt(raw any) (int64, error) {
	switch n := raw.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n == float64(int64(n)) {
			return int64(n), nil
		}
	case interface{ Int64() (int64, error) }:
		return n.Int64()
	}
	return 0, fmt.Errorf("not an integer")
}
