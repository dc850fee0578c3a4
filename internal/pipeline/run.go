package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mongreldb/mongrel/internal/document"
	"github.com/mongreldb/mongrel/internal/evaluator"
	"github.com/mongreldb/mongrel/internal/sqlgen"
)

// Runner executes aggregation pipelines against one collection table,
// preferring the compiled SQL path and falling back to the in-memory
// stages when compilation declines.
//
// Runner is not safe for concurrent use; connections are single-caller
// resources here, as everywhere in this engine.
type Runner struct {
	DB       evaluator.Executor
	Compiler *Compiler
	Logger   *slog.Logger

	// SQLDisabled is the pipeline-level kill switch; when set every
	// aggregation runs the fallback path.
	SQLDisabled bool
}

// Explain reports how a pipeline was (or would be) executed.
type Explain struct {
	UsedSQL bool
	SQL     string
	Params  []any
	Reason  string
}

// NewRunner returns a runner over db using the given JSON dialect.
func NewRunner(db evaluator.Executor, d sqlgen.Dialect, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{DB: db, Compiler: &Compiler{Dialect: d}, Logger: logger}
}

// Aggregate parses and executes a raw pipeline over table.
func (r *Runner) Aggregate(ctx context.Context, table string, raw []any) ([]document.Value, *Explain, error) {
	stages, err := Parse(raw)
	if err != nil {
		return nil, nil, err
	}
	return r.Run(ctx, table, stages)
}

// Run executes parsed stages over table.
func (r *Runner) Run(ctx context.Context, table string, stages []Stage) ([]document.Value, *Explain, error) {
	if CanOptimize(stages, r.SQLDisabled) {
		compiled, err := r.Compiler.Compile(table, stages)
		if err == nil {
			docs, execErr := r.runCompiled(ctx, compiled)
			if execErr != nil {
				return nil, nil, execErr
			}
			r.Logger.Debug("pipeline executed", "path", "sql", "stages", len(stages), "results", len(docs))
			return docs, &Explain{UsedSQL: true, SQL: compiled.SQL, Params: compiled.Params}, nil
		}
		if !errors.Is(err, sqlgen.ErrUnsupported) {
			return nil, nil, err
		}
		return r.runFallbackPath(ctx, table, stages, err.Error())
	}

	reason := "gate declined"
	if r.SQLDisabled {
		reason = "sql disabled"
	}
	return r.runFallbackPath(ctx, table, stages, reason)
}

// ExplainOnly reports the execution plan without running the pipeline.
func (r *Runner) ExplainOnly(table string, stages []Stage) *Explain {
	if !CanOptimize(stages, r.SQLDisabled) {
		reason := "gate declined"
		if r.SQLDisabled {
			reason = "sql disabled"
		}
		return &Explain{Reason: reason}
	}
	compiled, err := r.Compiler.Compile(table, stages)
	if err != nil {
		return &Explain{Reason: err.Error()}
	}
	return &Explain{UsedSQL: true, SQL: compiled.SQL, Params: compiled.Params}
}

func (r *Runner) runCompiled(ctx context.Context, compiled *Compiled) ([]document.Value, error) {
	rows, err := r.DB.QueryContext(ctx, compiled.SQL, compiled.Params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []document.Value
	for rows.Next() {
		var id int64
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		doc, err := document.Unmarshal(data)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", id, err)
		}
		if !compiled.IDInData && compiled.IncludeID {
			if obj, ok := doc.(document.Object); ok {
				obj["_id"] = document.Int(id)
			}
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (r *Runner) runFallbackPath(ctx context.Context, table string, stages []Stage, reason string) ([]document.Value, *Explain, error) {
	docs, err := LoadDocuments(ctx, r.DB, table)
	if err != nil {
		return nil, nil, err
	}
	result, err := RunFallback(docs, stages)
	if err != nil {
		return nil, nil, err
	}
	r.Logger.Debug("pipeline executed", "path", "fallback", "reason", reason, "stages", len(stages), "results", len(result))
	return result, &Explain{Reason: reason}, nil
}

// LoadDocuments materializes a whole collection in id order, folding the
// identity column back into each document.
func LoadDocuments(ctx context.Context, db evaluator.Executor, table string) ([]document.Value, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT id, data FROM %q ORDER BY id", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []document.Value
	for rows.Next() {
		var id int64
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		doc, err := document.Unmarshal(data)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", id, err)
		}
		if obj, ok := doc.(document.Object); ok {
			obj["_id"] = document.Int(id)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}
