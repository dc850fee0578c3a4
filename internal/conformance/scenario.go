// Package conformance runs scenario files proving the SQL tiers and the
// interpreter agree document-for-document on the same inputs.
package conformance

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Scenario is one conformance scenario: a fixed document set plus cases
// exercised against it. Every case runs twice, once with SQL translation
// enabled and once forced through the interpreter, and the two result
// sets must match exactly.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description,omitempty"`

	// Collection names the collection documents are inserted into.
	// Defaults to "docs".
	Collection string `yaml:"collection,omitempty"`

	// Documents seed the collection, in insertion order. Row ids are
	// assigned 1..n.
	Documents []map[string]any `yaml:"documents"`

	// Expressions are predicate expressions routed through the tiered
	// evaluator.
	Expressions []ExpressionCase `yaml:"expressions,omitempty"`

	// Queries are find-style queries.
	Queries []QueryCase `yaml:"queries,omitempty"`

	// Pipelines are aggregation pipelines.
	Pipelines []PipelineCase `yaml:"pipelines,omitempty"`
}

// ExpressionCase evaluates a boolean expression as a row predicate.
type ExpressionCase struct {
	Name string `yaml:"name"`
	Expr any    `yaml:"expr"`

	// WantIDs are the row ids the predicate must select, in order.
	// Omitted means only tier agreement is checked.
	WantIDs []int64 `yaml:"want_ids,omitempty"`

	// WantTier pins the tier the router must choose (direct, flattened,
	// fallback). Empty means any.
	WantTier string `yaml:"want_tier,omitempty"`
}

// QueryCase runs a find query.
type QueryCase struct {
	Name    string         `yaml:"name"`
	Filter  map[string]any `yaml:"filter"`
	Sort    any            `yaml:"sort,omitempty"`
	Skip    int64          `yaml:"skip,omitempty"`
	Limit   int64          `yaml:"limit,omitempty"`
	WantIDs []int64        `yaml:"want_ids,omitempty"`
}

// PipelineCase runs an aggregation pipeline.
type PipelineCase struct {
	Name     string `yaml:"name"`
	Pipeline []any  `yaml:"pipeline"`

	// Want, when present, is the expected document list.
	Want []map[string]any `yaml:"want,omitempty"`

	// WantSQL pins whether the SQL path must serve this pipeline.
	WantSQL *bool `yaml:"want_sql,omitempty"`
}

// Load reads and parses one scenario file. Unknown fields are rejected
// so schema typos fail fast instead of silently validating nothing.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if scenario.Name == "" {
		return nil, fmt.Errorf("%s: scenario name is required", filepath.Base(path))
	}
	if len(scenario.Documents) == 0 {
		return nil, fmt.Errorf("%s: scenario needs documents", filepath.Base(path))
	}
	return &scenario, nil
}

// LoadDir loads every .yaml scenario under dir, sorted by file name.
func LoadDir(dir string) ([]*Scenario, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if ext := filepath.Ext(entry.Name()); ext == ".yaml" || ext == ".yml" {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(paths)

	scenarios := make([]*Scenario, 0, len(paths))
	for _, path := range paths {
		s, err := Load(path)
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}
