package evaluator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/mongreldb/mongrel/internal/sqlgen"
)

// Executor is the slice of database/sql the evaluator needs. *sql.DB,
// *sql.Tx and *sql.Conn all satisfy it.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// flatTable is one temporary table holding the source rows with the
// expression's field paths pre-extracted into plain columns.
type flatTable struct {
	name     string
	computed map[string]string
}

// newFlatTableName returns a collision-free temp table identifier. UUID
// hex keeps it safe to embed without quoting games.
func newFlatTableName() string {
	return "flat_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// createFlatTable materializes the referenced paths of srcTable into a
// temporary table. The original document column rides along so operators
// that need the whole document still work against the flattened rows.
func createFlatTable(ctx context.Context, db Executor, d sqlgen.Dialect, srcTable string, paths []string) (*flatTable, error) {
	ft := &flatTable{
		name:     newFlatTableName(),
		computed: make(map[string]string, len(paths)),
	}

	cols := []string{"id", "data"}
	for _, path := range paths {
		if path == "_id" {
			ft.computed[path] = "id"
			continue
		}
		jsonPath, err := sqlgen.JSONPath(path)
		if err != nil {
			return nil, err
		}
		col := sqlgen.SanitizeColumn(path)
		cols = append(cols, fmt.Sprintf("%s(data, '%s') AS %q", d.Fn("extract"), jsonPath, col))
		ft.computed[path] = fmt.Sprintf("%q", col)
	}

	stmt := fmt.Sprintf("CREATE TEMP TABLE %q AS SELECT %s FROM %q",
		ft.name, strings.Join(cols, ", "), srcTable)
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return nil, fmt.Errorf("flatten %s: %w", srcTable, err)
	}
	idx := fmt.Sprintf("CREATE INDEX temp.%q ON %q (id)", "idx_"+ft.name, ft.name)
	if _, err := db.ExecContext(ctx, idx); err != nil {
		dropErr := fmt.Errorf("index %s: %w", ft.name, err)
		if _, e2 := db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS temp.%q", ft.name)); e2 != nil {
			return nil, errors.Join(dropErr, e2)
		}
		return nil, dropErr
	}
	return ft, nil
}

func (ft *flatTable) drop(ctx context.Context, db Executor) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS temp.%q", ft.name))
	return err
}

// matchingIDs runs a boolean fragment against the flat table and collects
// the row ids it selects.
func (ft *flatTable) matchingIDs(ctx context.Context, db Executor, pred sqlgen.Fragment) ([]int64, error) {
	query := fmt.Sprintf("SELECT id FROM temp.%q WHERE COALESCE((%s), 0) ORDER BY id", ft.name, pred.SQL)
	rows, err := db.QueryContext(ctx, query, pred.Params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// idListFragment renders a resolved id set back into a predicate usable
// in the original query. An empty set matches nothing.
func idListFragment(idColumn string, ids []int64) sqlgen.Fragment {
	if len(ids) == 0 {
		return sqlgen.Fragment{SQL: "0", Bool: true}
	}
	marks := make([]string, len(ids))
	params := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		params[i] = id
	}
	return sqlgen.Fragment{
		SQL:    fmt.Sprintf("%s IN (%s)", idColumn, strings.Join(marks, ", ")),
		Params: params,
		Bool:   true,
	}
}
