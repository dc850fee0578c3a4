package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mongreldb/mongrel/internal/document"
	"github.com/mongreldb/mongrel/internal/evaluator"
	"github.com/mongreldb/mongrel/internal/pipeline"
	"github.com/mongreldb/mongrel/internal/sqlgen"
)

// Collection is one document collection backed by an (id, data) table.
type Collection struct {
	store  *Store
	name   string
	table  string
	logger *slog.Logger
}

// Collection opens (creating if needed) the named collection.
func (s *Store) Collection(name string) (*Collection, error) {
	if !collectionNameOK(name) {
		return nil, fmt.Errorf("invalid collection name %q", name)
	}
	table := "col_" + name
	schema := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %q (id INTEGER PRIMARY KEY AUTOINCREMENT, data TEXT NOT NULL)",
		table)
	if _, err := s.db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create collection %s: %w", name, err)
	}
	return &Collection{store: s, name: name, table: table, logger: slog.Default()}, nil
}

func collectionNameOK(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// Table returns the backing table name.
func (c *Collection) Table() string { return c.table }

// InsertMany stores documents and returns their assigned ids. An _id
// field inside a document must be an integer and becomes the row id;
// otherwise the engine assigns one. The _id never lives inside the
// stored JSON; it is folded back in on every read.
func (c *Collection) InsertMany(ctx context.Context, docs []document.Value) ([]int64, error) {
	tx, err := c.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ids := make([]int64, 0, len(docs))
	for i, doc := range docs {
		obj, ok := doc.(document.Object)
		if !ok {
			return nil, fmt.Errorf("document %d: not an object", i)
		}
		var explicitID *int64
		if raw, present := obj["_id"]; present {
			id, ok := raw.(document.Int)
			if !ok {
				return nil, fmt.Errorf("document %d: _id must be an integer", i)
			}
			v := int64(id)
			explicitID = &v
			trimmed := make(document.Object, len(obj))
			for k, val := range obj {
				if k != "_id" {
					trimmed[k] = val
				}
			}
			obj = trimmed
		}
		data, err := document.Marshal(obj)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}

		var res interface{ LastInsertId() (int64, error) }
		if explicitID != nil {
			res, err = tx.ExecContext(ctx,
				fmt.Sprintf("INSERT INTO %q (id, data) VALUES (?, ?)", c.table), *explicitID, string(data))
		} else {
			res, err = tx.ExecContext(ctx,
				fmt.Sprintf("INSERT INTO %q (data) VALUES (?)", c.table), string(data))
		}
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// FindQuery is a find-style query specification.
type FindQuery struct {
	Filter map[string]any
	Sort   any
	Skip   int64
	Limit  int64
}

// Find runs a find-style query. The filter, sort and pagination compile
// to a single SQL statement when the translator supports them; a $expr
// filter routes through the tiered evaluator; anything unsupported runs
// the whole query through the interpreter with identical results.
func (c *Collection) Find(ctx context.Context, q FindQuery) ([]document.Value, *pipeline.Explain, error) {
	if c.store.SQLDisabled() {
		return c.findFallback(ctx, q, "sql disabled")
	}
	docs, explain, err := c.findSQL(ctx, q)
	if err == nil {
		return docs, explain, nil
	}
	if !errors.Is(err, sqlgen.ErrUnsupported) {
		return nil, nil, err
	}
	return c.findFallback(ctx, q, err.Error())
}

func (c *Collection) findSQL(ctx context.Context, q FindQuery) ([]document.Value, *pipeline.Explain, error) {
	dialect := c.store.dialect
	cb := sqlgen.NewClauseBuilder(dialect)

	var conds []string
	var params []any

	filter := q.Filter
	if exprRaw, hasExpr := filter["$expr"]; hasExpr {
		ev := evaluator.New(c.store.db, dialect, evaluator.WithLogger(c.logger))
		pred, err := ev.Predicate(ctx, c.table, exprRaw)
		if err != nil {
			return nil, nil, err
		}
		conds = append(conds, "("+pred.Fragment.SQL+")")
		params = append(params, pred.Fragment.Params...)

		rest := make(map[string]any, len(filter))
		for k, v := range filter {
			if k != "$expr" {
				rest[k] = v
			}
		}
		filter = rest
	}

	frag, err := cb.TranslateMatch(filter)
	if err != nil {
		return nil, nil, err
	}
	conds = append(conds, "("+frag.SQL+")")
	params = append(params, frag.Params...)

	orderBy := "ORDER BY id ASC"
	if q.Sort != nil {
		keys, err := sqlgen.ParseSortSpec(q.Sort)
		if err != nil {
			return nil, nil, err
		}
		orderBy, err = cb.TranslateSort(keys)
		if err != nil {
			return nil, nil, err
		}
	}

	query := fmt.Sprintf("SELECT id, data FROM %q WHERE %s %s",
		c.table, strings.Join(conds, " AND "), orderBy)
	if clause := sqlgen.TranslateSkipLimit(q.Skip, q.Limit); clause != "" {
		query += " " + clause
	}

	docs, err := c.scanDocuments(ctx, query, params)
	if err != nil {
		return nil, nil, err
	}
	return docs, &pipeline.Explain{UsedSQL: true, SQL: query, Params: params}, nil
}

func (c *Collection) scanDocuments(ctx context.Context, query string, params []any) ([]document.Value, error) {
	rows, err := c.store.db.QueryContext(ctx, query, params...)
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
		if obj, ok := doc.(document.Object); ok {
			obj["_id"] = document.Int(id)
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// findFallback expresses the find query as pipeline stages and runs them
// in memory, so both paths share one set of semantics.
func (c *Collection) findFallback(ctx context.Context, q FindQuery, reason string) ([]document.Value, *pipeline.Explain, error) {
	docs, err := pipeline.LoadDocuments(ctx, c.store.db, c.table)
	if err != nil {
		return nil, nil, err
	}

	var stages []pipeline.Stage
	if len(q.Filter) > 0 {
		stages = append(stages, pipeline.MatchStage{Filter: q.Filter})
	}
	if q.Sort != nil {
		keys, err := sqlgen.ParseSortSpec(q.Sort)
		if err != nil {
			return nil, nil, err
		}
		stages = append(stages, pipeline.SortStage{Keys: keys})
	}
	if q.Skip > 0 {
		stages = append(stages, pipeline.SkipStage{N: q.Skip})
	}
	if q.Limit > 0 {
		stages = append(stages, pipeline.LimitStage{N: q.Limit})
	}

	result, err := pipeline.RunFallback(docs, stages)
	if err != nil {
		return nil, nil, err
	}
	c.logger.Debug("find executed", "path", "fallback", "reason", reason, "results", len(result))
	return result, &pipeline.Explain{Reason: reason}, nil
}

// Aggregate runs an aggregation pipeline over the collection.
func (c *Collection) Aggregate(ctx context.Context, rawPipeline []any) ([]document.Value, *pipeline.Explain, error) {
	runner := pipeline.NewRunner(c.store.db, c.store.dialect, c.logger)
	runner.SQLDisabled = c.store.SQLDisabled()
	return runner.Aggregate(ctx, c.table, rawPipeline)
}

// ExplainAggregate reports the plan for a pipeline without executing it.
func (c *Collection) ExplainAggregate(rawPipeline []any) (*pipeline.Explain, error) {
	stages, err := pipeline.Parse(rawPipeline)
	if err != nil {
		return nil, err
	}
	runner := pipeline.NewRunner(c.store.db, c.store.dialect, c.logger)
	runner.SQLDisabled = c.store.SQLDisabled()
	return runner.ExplainOnly(c.table, stages), nil
}
