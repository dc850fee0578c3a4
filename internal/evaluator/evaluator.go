// Package evaluator routes expressions to the cheapest strategy that can
// answer them faithfully: direct SQL compilation, a flattened temporary
// table, or the in-memory interpreter.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mongreldb/mongrel/internal/document"
	"github.com/mongreldb/mongrel/internal/expr"
	"github.com/mongreldb/mongrel/internal/interp"
	"github.com/mongreldb/mongrel/internal/sqlgen"
)

// Evaluator turns boolean expressions over a collection into row
// predicates. It owns the tier decision; callers only see the resulting
// fragment and which tier produced it.
type Evaluator struct {
	db      Executor
	dialect sqlgen.Dialect
	logger  *slog.Logger

	mu         sync.Mutex
	sqlDisable bool
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Evaluator) { e.logger = l }
}

// New returns an evaluator over db using the given JSON dialect.
func New(db Executor, d sqlgen.Dialect, opts ...Option) *Evaluator {
	e := &Evaluator{db: db, dialect: d, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetSQLDisabled toggles the kill switch. While disabled every expression
// runs through the interpreter, regardless of score.
func (e *Evaluator) SetSQLDisabled(disabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sqlDisable = disabled
}

// SQLDisabled reports the kill switch state.
func (e *Evaluator) SQLDisabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sqlDisable
}

// Predicate is a compiled boolean over collection rows, ready to embed in
// a WHERE clause. Tier records how it was produced.
type Predicate struct {
	Fragment sqlgen.Fragment
	Tier     Tier
	Score    int
}

// Predicate compiles raw (an aggregation-style expression) into a row
// predicate for table. Malformed expressions error; expressions the SQL
// tiers cannot express are answered by the interpreter instead, so a
// valid expression always yields a predicate.
//
// The two non-direct tiers execute eagerly: the returned fragment is then
// a plain id list, and no temporary state outlives this call.
func (e *Evaluator) Predicate(ctx context.Context, table string, raw any) (Predicate, error) {
	return e.Evaluate(ctx, table, raw, 0, false)
}

// Evaluate is the full tier contract: tier pins a minimum tier (0 means
// route by score, TierFallback and above skips SQL entirely) and force
// skips SQL regardless, the hook conformance tests use to prove the
// interpreter agrees with the SQL tiers.
func (e *Evaluator) Evaluate(ctx context.Context, table string, raw any, tier Tier, force bool) (Predicate, error) {
	parsed, err := expr.Parse(raw)
	if err != nil {
		return Predicate{}, err
	}

	score := Score(parsed)
	if force || tier >= TierFallback || e.SQLDisabled() {
		e.logger.Debug("sql tiers skipped", "table", table, "score", score, "forced", force)
		return e.fallback(ctx, table, parsed, score)
	}

	if score < DirectMin && tier <= TierDirect {
		frag, err := e.direct(parsed)
		if err == nil {
			e.logger.Debug("predicate compiled", "tier", TierDirect.String(), "score", score)
			return Predicate{Fragment: frag, Tier: TierDirect, Score: score}, nil
		}
		if !errors.Is(err, sqlgen.ErrUnsupported) {
			return Predicate{}, err
		}
		e.logger.Debug("direct translation refused", "reason", err)
		return e.fallback(ctx, table, parsed, score)
	}

	if score <= FlattenMax || tier == TierFlatten {
		pred, err := e.flatten(ctx, table, parsed, score)
		if err == nil {
			return pred, nil
		}
		if !errors.Is(err, sqlgen.ErrUnsupported) {
			return Predicate{}, err
		}
		e.logger.Debug("flattened translation refused", "reason", err)
	}

	return e.fallback(ctx, table, parsed, score)
}

// direct is tier one: the expression compiles to a fragment evaluated in
// place by the host query.
func (e *Evaluator) direct(parsed expr.Expression) (sqlgen.Fragment, error) {
	tr := sqlgen.NewExprTranslator(e.dialect)
	frag, err := tr.Translate(parsed)
	if err != nil {
		return sqlgen.Fragment{}, err
	}
	if !frag.Bool {
		return sqlgen.Fragment{}, fmt.Errorf("%w: predicate is not a boolean expression", sqlgen.ErrUnsupported)
	}
	return frag, nil
}

// flatten is tier two: referenced paths are extracted once into a
// temporary table, the fragment runs there, and only the surviving ids
// come back. The temporary table is gone before this returns.
func (e *Evaluator) flatten(ctx context.Context, table string, parsed expr.Expression, score int) (Predicate, error) {
	paths := expr.FieldPaths(parsed)
	if len(paths) == 0 {
		// Nothing to flatten; the direct tier already declined.
		return Predicate{}, fmt.Errorf("%w: no field paths to flatten", sqlgen.ErrUnsupported)
	}

	ft, err := createFlatTable(ctx, e.db, e.dialect, table, paths)
	if err != nil {
		return Predicate{}, err
	}
	defer func() {
		if dropErr := ft.drop(ctx, e.db); dropErr != nil {
			e.logger.Warn("drop temp table", "table", ft.name, "error", dropErr)
		}
	}()

	tr := sqlgen.NewExprTranslator(e.dialect)
	tr.Access.Computed = ft.computed
	frag, err := tr.Translate(parsed)
	if err != nil {
		return Predicate{}, err
	}
	if !frag.Bool {
		return Predicate{}, fmt.Errorf("%w: predicate is not a boolean expression", sqlgen.ErrUnsupported)
	}

	ids, err := ft.matchingIDs(ctx, e.db, frag)
	if err != nil {
		return Predicate{}, err
	}
	e.logger.Debug("predicate compiled", "tier", TierFlatten.String(), "score", score, "matched", len(ids))
	return Predicate{Fragment: idListFragment("id", ids), Tier: TierFlatten, Score: score}, nil
}

// fallback is tier three: every document is loaded and the interpreter
// decides membership. Evaluation errors abort the whole predicate rather
// than silently dropping rows.
func (e *Evaluator) fallback(ctx context.Context, table string, parsed expr.Expression, score int) (Predicate, error) {
	rows, err := e.db.QueryContext(ctx, fmt.Sprintf("SELECT id, data FROM %q ORDER BY id", table))
	if err != nil {
		return Predicate{}, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return Predicate{}, err
		}
		doc, err := document.Unmarshal(data)
		if err != nil {
			return Predicate{}, fmt.Errorf("row %d: %w", id, err)
		}
		v, err := interp.Evaluate(parsed, doc)
		if err != nil {
			return Predicate{}, fmt.Errorf("row %d: %w", id, err)
		}
		if v != nil && document.IsTruthy(v) {
			ids = append(ids, id)
		}
	}
	if err := rows.Err(); err != nil {
		return Predicate{}, err
	}
	e.logger.Debug("predicate compiled", "tier", TierFallback.String(), "score", score, "matched", len(ids))
	return Predicate{Fragment: idListFragment("id", ids), Tier: TierFallback, Score: score}, nil
}
