package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mongreldb/mongrel/internal/document"
	"github.com/mongreldb/mongrel/internal/expr"
	"github.com/mongreldb/mongrel/internal/sqlgen"
)

// MaxStages is the gate's ceiling; longer pipelines never attempt SQL.
const MaxStages = 50

// forbiddenOps are expression operators no SQL tier handles; their
// presence anywhere in a pipeline fails the gate up front.
var forbiddenOps = map[string]bool{
	"$let":         true,
	"$objectToArray": true,
	"$function":    true,
	"$accumulator": true,
	"$script":      true,
}

// Compiler turns a parsed pipeline into one SQL statement, one CTE per
// stage. A stage the SQL mapping cannot express makes the whole Compile
// return ErrUnsupported; there is no partial compilation.
type Compiler struct {
	Dialect sqlgen.Dialect
}

// Compiled is a ready-to-run pipeline statement. Rows come back as
// (id, data); IDInData reports whether data already carries its _id field
// and IncludeID whether the caller should fold the id column in when it
// does not.
type Compiled struct {
	SQL       string
	Params    []any
	IDInData  bool
	IncludeID bool
}

// CanOptimize is the pure gate: it reports whether a pipeline is even a
// candidate for SQL compilation, without compiling anything. False when
// the kill switch is set, a stage is unimplemented, a forbidden operator
// appears anywhere, or the pipeline is oversized.
func CanOptimize(stages []Stage, sqlDisabled bool) bool {
	if sqlDisabled || len(stages) > MaxStages {
		return false
	}
	for _, st := range stages {
		if _, ok := st.(UnsupportedStage); ok {
			return false
		}
		if hasForbiddenOp(st) {
			return false
		}
	}
	return true
}

func hasForbiddenOp(st Stage) bool {
	found := false
	scanStage(st, func(key string, _ string) {
		if forbiddenOps[key] {
			found = true
		}
	})
	return found
}

func usesRoot(stages []Stage) bool {
	found := false
	for _, st := range stages {
		scanStage(st, func(_ string, s string) {
			if strings.HasPrefix(s, "$$ROOT") {
				found = true
			}
		})
	}
	return found
}

// scanStage walks a stage's raw payloads reporting every map key and
// string value. Cheap and side-effect-free; both gate checks ride on it.
func scanStage(st Stage, visit func(key, str string)) {
	switch s := st.(type) {
	case MatchStage:
		scanTree(s.Filter, visit)
	case ProjectStage:
		scanTree(s.Spec, visit)
	case AddFieldsStage:
		scanTree(s.Spec, visit)
	case GroupStage:
		scanTree(s.IDExpr, visit)
		for _, acc := range s.Accums {
			scanTree(acc.Arg, visit)
		}
	case FacetStage:
		for _, field := range s.Fields {
			for _, sub := range field.Stages {
				scanStage(sub, visit)
			}
		}
	}
}

func scanTree(v any, visit func(key, str string)) {
	switch node := v.(type) {
	case map[string]any:
		for k, sub := range node {
			visit(k, "")
			scanTree(sub, visit)
		}
	case []any:
		for _, sub := range node {
			scanTree(sub, visit)
		}
	case string:
		visit("", node)
	}
}

// Compile builds the chained-CTE statement for a pipeline over table.
// ErrUnsupported means the caller should run the interpreter instead;
// any other error is structural and should surface.
func (c *Compiler) Compile(table string, stages []Stage) (*Compiled, error) {
	if len(stages) > MaxStages {
		return nil, unsupportedf("pipeline exceeds %d stages", MaxStages)
	}

	hasRoot := usesRoot(stages)
	if hasRoot {
		for _, st := range stages {
			switch st.(type) {
			case GroupStage, CountStage:
				// The original document cannot survive regrouping.
				return nil, unsupportedf("$$ROOT across %s", st.Name())
			}
		}
	}

	ctx := newContext(c.Dialect, hasRoot)

	base := fmt.Sprintf("SELECT id, data FROM %q", table)
	if hasRoot {
		base = fmt.Sprintf("SELECT id, data, data AS root_data FROM %q", table)
	}
	ctes := []string{"s0 AS (" + base + ")"}
	var params []any
	prev := "s0"

	for i, st := range stages {
		ctx.StageIndex = i
		body, stageParams, err := c.buildStage(ctx, st, prev)
		if err != nil {
			return nil, err
		}
		name := fmt.Sprintf("s%d", i+1)
		ctes = append(ctes, fmt.Sprintf("%s AS (%s)", name, body))
		params = append(params, stageParams...)
		prev = name
	}

	dataOut := "data"
	if c.Dialect.Binary() {
		dataOut = "json(data) AS data"
	}
	final := fmt.Sprintf("SELECT id, %s FROM %s ORDER BY %s ASC", dataOut, prev, ctx.orderColumn())

	return &Compiled{
		SQL:       "WITH " + strings.Join(ctes, ",\n     ") + "\n" + final,
		Params:    params,
		IDInData:  ctx.idInData,
		IncludeID: ctx.includeID,
	}, nil
}

func (c *Compiler) buildStage(ctx *Context, st Stage, prev string) (string, []any, error) {
	switch s := st.(type) {
	case MatchStage:
		return c.buildMatch(ctx, s, prev)
	case ProjectStage:
		return c.buildProject(ctx, s, prev)
	case AddFieldsStage:
		return c.buildAddFields(ctx, s, prev)
	case GroupStage:
		return c.buildGroup(ctx, s, prev)
	case SortStage:
		return c.buildSort(ctx, s, prev)
	case SkipStage:
		return fmt.Sprintf("SELECT %s FROM %s ORDER BY %s ASC LIMIT -1 OFFSET %d",
			ctx.passthrough(), prev, ctx.orderColumn(), s.N), nil, nil
	case LimitStage:
		return fmt.Sprintf("SELECT %s FROM %s ORDER BY %s ASC LIMIT %d",
			ctx.passthrough(), prev, ctx.orderColumn(), s.N), nil, nil
	case CountStage:
		return c.buildCount(ctx, s, prev)
	case UnwindStage, FacetStage:
		// Gate-recognized names whose SQL builders are not implemented.
		return "", nil, unsupportedf("stage %s", st.Name())
	case UnsupportedStage:
		return "", nil, unsupportedf("stage %s", s.StageName)
	default:
		return "", nil, unsupportedf("stage %T", st)
	}
}

func (c *Compiler) buildMatch(ctx *Context, st MatchStage, prev string) (string, []any, error) {
	frag, err := ctx.clauseBuilder().TranslateMatch(st.Filter)
	if err != nil {
		return "", nil, err
	}
	body := fmt.Sprintf("SELECT %s FROM %s WHERE %s", ctx.passthrough(), prev, frag.SQL)
	return body, frag.Params, nil
}

// projectFlag classifies a projection value as an include/exclude flag.
// Any numeric value is a flag; zero excludes, everything else includes.
func projectFlag(v any) (include, isFlag bool) {
	switch f := v.(type) {
	case bool:
		return f, true
	case int:
		return f != 0, true
	case int64:
		return f != 0, true
	case float64:
		return f != 0, true
	case interface{ Float64() (float64, error) }:
		// json.Number
		n, err := f.Float64()
		if err == nil {
			return n != 0, true
		}
	}
	return false, false
}

func (c *Compiler) buildProject(ctx *Context, st ProjectStage, prev string) (string, []any, error) {
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
		switch {
		case isFlag && !incl:
			exclusion = true
		default:
			// Flags of 1 and computed expressions both mean inclusion.
			inclusion = true
		}
	}
	if inclusion && exclusion {
		return "", nil, fmt.Errorf("$project cannot mix inclusion and exclusion")
	}

	if exclusion || (!inclusion && !includeID) {
		return c.buildExclusionProject(ctx, st, prev, keys, includeID)
	}
	return c.buildInclusionProject(ctx, st, prev, keys, includeID)
}

func (c *Compiler) buildExclusionProject(ctx *Context, st ProjectStage, prev string, keys []string, includeID bool) (string, []any, error) {
	var paths []string
	for _, k := range keys {
		if k == "_id" {
			continue
		}
		jsonPath, err := sqlgen.JSONPath(k)
		if err != nil {
			return "", nil, err
		}
		paths = append(paths, "'"+jsonPath+"'")
		ctx.Removed[k] = true
		delete(ctx.Computed, k)
	}
	if !includeID && ctx.idInData {
		paths = append(paths, `'$."_id"'`)
	}

	data := "data"
	if len(paths) > 0 {
		data = fmt.Sprintf("json_remove(data, %s)", strings.Join(paths, ", "))
	}
	if !includeID {
		ctx.includeID = false
		ctx.idInData = false
	}
	body := selectWithData(ctx, data, prev)
	return body, nil, nil
}

func (c *Compiler) buildInclusionProject(ctx *Context, st ProjectStage, prev string, keys []string, includeID bool) (string, []any, error) {
	var acc string
	switch {
	case !includeID:
		acc = "json_object()"
	case ctx.idInData:
		acc = `json_object('_id', json_extract(data, '$."_id"'))`
	default:
		acc = "json_object('_id', id)"
	}

	tr := ctx.exprTranslator()
	var params []any
	computed := make(map[string]bool)
	for _, k := range keys {
		if k == "_id" {
			continue
		}
		if !identifierOK(k) {
			return "", nil, unsupportedf("projection target %q", k)
		}
		raw := st.Spec[k]
		if s, ok := raw.(string); ok && s == expr.RemoveVar {
			continue
		}
		if incl, isFlag := projectFlag(raw); isFlag && incl {
			raw = "$" + k
		}
		parsed, err := expr.Parse(raw)
		if err != nil {
			// Invalid expressions fall back so the interpreter raises.
			return "", nil, unsupportedf("projection %q: %v", k, err)
		}
		frag, err := tr.Translate(parsed)
		if err != nil {
			return "", nil, err
		}
		acc = fmt.Sprintf(`json_set(%s, '$."%s"', %s)`, acc, k, tr.AsJSONValue(frag))
		params = append(params, frag.Params...)
		computed[k] = true
	}

	ctx.resetDocument()
	for k := range computed {
		ctx.Computed[k] = fmt.Sprintf(`json_extract(data, '$."%s"')`, k)
	}
	ctx.idInData = includeID
	ctx.includeID = includeID
	body := selectWithData(ctx, acc, prev)
	return body, params, nil
}

func (c *Compiler) buildAddFields(ctx *Context, st AddFieldsStage, prev string) (string, []any, error) {
	tr := ctx.exprTranslator()
	acc := "data"
	var params []any
	var removals []string

	for _, k := range sortedKeys(st.Spec) {
		if !identifierOK(k) || k == "_id" {
			return "", nil, unsupportedf("field target %q", k)
		}
		raw := st.Spec[k]
		if s, ok := raw.(string); ok && s == expr.RemoveVar {
			removals = append(removals, fmt.Sprintf(`'$."%s"'`, k))
			ctx.Removed[k] = true
			delete(ctx.Computed, k)
			continue
		}
		parsed, err := expr.Parse(raw)
		if err != nil {
			return "", nil, unsupportedf("field %q: %v", k, err)
		}
		frag, err := tr.Translate(parsed)
		if err != nil {
			return "", nil, err
		}
		acc = fmt.Sprintf(`json_set(%s, '$."%s"', %s)`, acc, k, tr.AsJSONValue(frag))
		params = append(params, frag.Params...)
		ctx.Computed[k] = fmt.Sprintf(`json_extract(data, '$."%s"')`, k)
		delete(ctx.Removed, k)
	}
	if len(removals) > 0 {
		acc = fmt.Sprintf("json_remove(%s, %s)", acc, strings.Join(removals, ", "))
	}
	body := selectWithData(ctx, acc, prev)
	return body, params, nil
}

func (c *Compiler) buildGroup(ctx *Context, st GroupStage, prev string) (string, []any, error) {
	tr := ctx.exprTranslator()

	keyParsed, err := expr.Parse(st.IDExpr)
	if err != nil {
		return "", nil, unsupportedf("group _id: %v", err)
	}
	keyF, err := tr.Translate(keyParsed)
	if err != nil {
		return "", nil, err
	}

	pairs := []string{"'_id', " + tr.AsJSONValue(keyF)}
	var params []any
	params = append(params, keyF.Params...)

	for _, acc := range st.Accums {
		sql, accParams, err := c.buildAccumulator(tr, acc)
		if err != nil {
			return "", nil, err
		}
		pairs = append(pairs, fmt.Sprintf("'%s', %s", acc.Field, sql))
		params = append(params, accParams...)
	}
	// The grouping key repeats in GROUP BY, so its parameters do too.
	params = append(params, keyF.Params...)

	body := fmt.Sprintf("SELECT MIN(id) AS id, json_object(%s) AS data FROM %s GROUP BY %s",
		strings.Join(pairs, ", "), prev, keyF.SQL)

	ctx.resetDocument()
	ctx.idInData = true
	ctx.hasOrder = false
	return body, params, nil
}

func (c *Compiler) buildAccumulator(tr *sqlgen.ExprTranslator, acc Accumulator) (string, []any, error) {
	if !identifierOK(acc.Field) {
		return "", nil, unsupportedf("accumulator field %q", acc.Field)
	}
	switch acc.Op {
	case "$count":
		return "COUNT(*)", nil, nil
	case "$first", "$last", "$addToSet":
		// These need ordering or set semantics SQL aggregates do not
		// express here.
		return "", nil, unsupportedf("accumulator %s", acc.Op)
	}

	parsed, err := expr.Parse(acc.Arg)
	if err != nil {
		return "", nil, unsupportedf("accumulator %s: %v", acc.Op, err)
	}
	frag, err := tr.Translate(parsed)
	if err != nil {
		return "", nil, err
	}
	switch acc.Op {
	case "$sum":
		sql, params := numericOnly(tr, parsed, frag)
		return fmt.Sprintf("COALESCE(SUM(%s), 0)", sql), params, nil
	case "$avg":
		sql, params := numericOnly(tr, parsed, frag)
		return fmt.Sprintf("AVG(%s)", sql), params, nil
	case "$min":
		return fmt.Sprintf("MIN(%s)", frag.SQL), frag.Params, nil
	case "$max":
		return fmt.Sprintf("MAX(%s)", frag.SQL), frag.Params, nil
	case "$push":
		return fmt.Sprintf("json_group_array(%s)", tr.AsJSONValue(frag)), frag.Params, nil
	}
	return "", nil, unsupportedf("accumulator %s", acc.Op)
}

// numericOnly wraps a sum/avg operand so non-numeric values are ignored
// rather than coerced; SUM over a TEXT '5' would otherwise add 5 where
// the in-memory runner skips it.
func numericOnly(tr *sqlgen.ExprTranslator, parsed expr.Expression, frag sqlgen.Fragment) (string, []any) {
	if lit, ok := parsed.(expr.Literal); ok && document.IsNumeric(lit.Value) {
		return frag.SQL, frag.Params
	}
	if ref, ok := parsed.(expr.FieldRef); ok && !ref.IsVar() {
		if typeSQL, err := tr.Access.TypeOf(ref.Path); err == nil {
			return fmt.Sprintf("(CASE WHEN (%s) IN ('integer', 'real') THEN %s END)", typeSQL, frag.SQL), frag.Params
		}
	}
	var params []any
	params = append(params, frag.Params...)
	params = append(params, frag.Params...)
	return fmt.Sprintf("(CASE WHEN typeof(%s) IN ('integer', 'real') THEN %s END)", frag.SQL, frag.SQL), params
}

func (c *Compiler) buildSort(ctx *Context, st SortStage, prev string) (string, []any, error) {
	access := ctx.accessor()
	var terms []string
	for _, key := range st.Keys {
		sql, err := access.Access(key.Path)
		if err != nil {
			return "", nil, err
		}
		dir := "ASC"
		if key.Descending {
			dir = "DESC"
		}
		terms = append(terms, fmt.Sprintf("(%s) %s", sql, dir))
	}
	terms = append(terms, "id ASC")

	cols := []string{"id", "data"}
	if ctx.HasRoot {
		cols = append(cols, "root_data")
	}
	body := fmt.Sprintf("SELECT %s, ROW_NUMBER() OVER (ORDER BY %s) AS ord FROM %s",
		strings.Join(cols, ", "), strings.Join(terms, ", "), prev)
	ctx.hasOrder = true
	return body, nil, nil
}

func (c *Compiler) buildCount(ctx *Context, st CountStage, prev string) (string, []any, error) {
	if !identifierOK(st.Field) {
		return "", nil, unsupportedf("count field %q", st.Field)
	}
	// HAVING drops the row entirely on empty input instead of counting 0.
	body := fmt.Sprintf("SELECT 1 AS id, json_object('%s', COUNT(*)) AS data FROM %s HAVING COUNT(*) > 0", st.Field, prev)
	ctx.resetDocument()
	ctx.idInData = true
	ctx.includeID = false
	ctx.hasOrder = false
	return body, nil, nil
}

// selectWithData emits a stage body replacing the data column while
// forwarding the rest of the row shape.
func selectWithData(ctx *Context, dataSQL, prev string) string {
	cols := []string{"id", dataSQL + " AS data"}
	if ctx.HasRoot {
		cols = append(cols, "root_data")
	}
	if ctx.hasOrder {
		cols = append(cols, "ord")
	}
	return fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), prev)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
