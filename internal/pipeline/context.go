package pipeline

import (
	"strings"

	"github.com/mongreldb/mongrel/internal/sqlgen"
)

// Context is the per-compilation state threaded stage to stage. It is
// created once per Compile call and never shared across compilations;
// $facet-style branching clones it instead.
type Context struct {
	dialect sqlgen.Dialect

	// Computed maps field names to the SQL expression producing them, so
	// later stages reference a computed field directly instead of
	// re-deriving it from the raw document.
	Computed map[string]string

	// Removed holds fields a projection dropped; reading one yields SQL
	// NULL without touching the document.
	Removed map[string]bool

	// HasRoot keeps the original document carried through every CTE so
	// $$ROOT stays answerable after rewriting stages. Decided once up
	// front by a pre-scan, not reactively, so every CTE has a uniform
	// column shape.
	HasRoot bool

	// StageIndex is the index of the stage being compiled.
	StageIndex int

	// hasOrder means an ord column from the latest $sort is present and
	// must be threaded through to the final SELECT.
	hasOrder bool

	// idInData is set once a stage rewrote the document to carry its own
	// _id (projection seeding, $group, $count); the id column then only
	// stabilizes ordering.
	idInData bool

	// includeID is cleared by a projection excluding _id; the output
	// documents then carry no identity field at all.
	includeID bool
}

func newContext(d sqlgen.Dialect, hasRoot bool) *Context {
	return &Context{
		dialect:   d,
		Computed:  make(map[string]string),
		Removed:   make(map[string]bool),
		HasRoot:   hasRoot,
		includeID: true,
	}
}

// Clone copies the context for a branching stage.
func (c *Context) Clone() *Context {
	out := *c
	out.Computed = make(map[string]string, len(c.Computed))
	for k, v := range c.Computed {
		out.Computed[k] = v
	}
	out.Removed = make(map[string]bool, len(c.Removed))
	for k, v := range c.Removed {
		out.Removed[k] = v
	}
	return &out
}

// resetDocument clears field state after a stage rewrote the document
// wholesale.
func (c *Context) resetDocument() {
	c.Computed = make(map[string]string)
	c.Removed = make(map[string]bool)
}

// accessor returns a field accessor matching the current row shape.
func (c *Context) accessor() *sqlgen.FieldAccessor {
	a := sqlgen.NewFieldAccessor(c.dialect)
	if len(c.Computed) > 0 || len(c.Removed) > 0 || c.idInData {
		a.Computed = make(map[string]string, len(c.Computed)+len(c.Removed)+1)
		for k, v := range c.Computed {
			a.Computed[k] = v
		}
		for k := range c.Removed {
			a.Computed[k] = "NULL"
		}
		if c.idInData {
			a.Computed["_id"] = `json_extract(data, '$."_id"')`
		}
	}
	return a
}

// exprTranslator returns a translator bound to the current row shape,
// including the $$ROOT column when carried.
func (c *Context) exprTranslator() *sqlgen.ExprTranslator {
	tr := &sqlgen.ExprTranslator{Access: c.accessor()}
	if c.HasRoot {
		tr.RootColumn = "root_data"
	}
	return tr
}

// clauseBuilder returns a find-style clause builder over the same row
// shape, sharing one accessor with the expression translator.
func (c *Context) clauseBuilder() *sqlgen.ClauseBuilder {
	tr := c.exprTranslator()
	return &sqlgen.ClauseBuilder{
		Ops:  &sqlgen.OperatorTranslator{Access: tr.Access},
		Expr: tr,
	}
}

// passthrough lists the columns a non-rewriting stage forwards unchanged.
func (c *Context) passthrough() string {
	cols := []string{"id", "data"}
	if c.HasRoot {
		cols = append(cols, "root_data")
	}
	if c.hasOrder {
		cols = append(cols, "ord")
	}
	return strings.Join(cols, ", ")
}

// orderColumn is what the final SELECT and any LIMIT stage order by.
func (c *Context) orderColumn() string {
	if c.hasOrder {
		return "ord"
	}
	return "id"
}
