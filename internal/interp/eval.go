// Package interp is the interpreter tier: a tree-walking evaluator over
// materialized documents. It is always available, has no SQL dependency,
// and serves as the correctness oracle for the SQL-generating tiers.
package interp

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mongreldb/mongrel/internal/document"
	"github.com/mongreldb/mongrel/internal/expr"
)

// EvalError reports a value-level evaluation failure: a well-formed
// expression applied to a document it cannot legally operate on (for
// example a date extractor on a non-date). These surface loudly; they
// indicate caller or data bugs, never translation gaps.
type EvalError struct {
	Op      string
	Message string
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("evaluate %s: %s", e.Op, e.Message)
}

func evalErrf(op, format string, args ...any) *EvalError {
	return &EvalError{Op: op, Message: fmt.Sprintf(format, args...)}
}

// env carries the evaluation scope: the original document, the document as
// transformed so far, and let-style variable bindings.
type env struct {
	root    document.Value
	current document.Value
	vars    map[string]document.Value
}

func (e env) bind(name string, v document.Value) env {
	vars := make(map[string]document.Value, len(e.vars)+1)
	for k, val := range e.vars {
		vars[k] = val
	}
	vars[name] = v
	return env{root: e.root, current: e.current, vars: vars}
}

// Evaluate evaluates a parsed expression against a document.
//
// Missing fields evaluate to Null. $$REMOVE evaluates to a nil Value,
// which document-construction contexts interpret as "omit this field";
// every operator treats it as Null.
func Evaluate(e expr.Expression, doc document.Value) (document.Value, error) {
	return eval(e, env{root: doc, current: doc})
}

// EvaluateRaw parses and evaluates a dynamic expression tree. Structural
// errors from parsing propagate unchanged.
func EvaluateRaw(raw any, doc document.Value) (document.Value, error) {
	parsed, err := expr.Parse(raw)
	if err != nil {
		return nil, err
	}
	return Evaluate(parsed, doc)
}

func eval(e expr.Expression, scope env) (document.Value, error) {
	switch node := e.(type) {
	case expr.Literal:
		return node.Value, nil

	case expr.FieldRef:
		return evalRef(node, scope)

	case expr.ObjectExpr:
		out := make(document.Object, len(node.Fields))
		for k, sub := range node.Fields {
			v, err := eval(sub, scope)
			if err != nil {
				return nil, err
			}
			if v == nil { // $$REMOVE: omit the field
				continue
			}
			out[k] = v
		}
		return out, nil

	case expr.ArrayExpr:
		out := make(document.Array, len(node.Elems))
		for i, sub := range node.Elems {
			v, err := eval(sub, scope)
			if err != nil {
				return nil, err
			}
			out[i] = norm(v)
		}
		return out, nil

	case expr.Operator:
		return evalOperator(node, scope)

	default:
		return nil, evalErrf("?", "unknown expression node %T", e)
	}
}

func evalRef(ref expr.FieldRef, scope env) (document.Value, error) {
	if ref.IsVar() {
		switch ref.Path {
		case expr.RootVar:
			return scope.root, nil
		case expr.CurrentVar:
			return scope.current, nil
		case expr.RemoveVar:
			return nil, nil
		default:
			name := ref.Path[2:]
			if v, ok := scope.vars[name]; ok {
				return v, nil
			}
			return nil, evalErrf(ref.Path, "variable not in scope")
		}
	}

	segs, err := expr.ParsePath(ref.Path)
	if err != nil {
		return nil, evalErrf("$"+ref.Path, "%v", err)
	}
	v, found := Resolve(scope.current, segs)
	if !found {
		return document.Null{}, nil
	}
	return v, nil
}

// Resolve navigates a document along parsed path segments. A key segment
// applied to an array fans out over object elements, producing the array
// of their values, matching aggregation field-path semantics.
func Resolve(v document.Value, segs []expr.Segment) (document.Value, bool) {
	cur := v
	for i, seg := range segs {
		switch node := cur.(type) {
		case document.Object:
			if seg.IsIndex {
				return nil, false
			}
			next, ok := node[seg.Key]
			if !ok {
				return nil, false
			}
			cur = next
		case document.Array:
			if seg.IsIndex {
				if seg.Index >= len(node) {
					return nil, false
				}
				cur = node[seg.Index]
				continue
			}
			var out document.Array
			for _, elem := range node {
				if sub, ok := Resolve(elem, segs[i:]); ok {
					out = append(out, sub)
				}
			}
			if len(out) == 0 {
				return nil, false
			}
			return out, true
		default:
			return nil, false
		}
	}
	return cur, true
}

// norm maps the nil $$REMOVE sentinel to Null for operator operands.
func norm(v document.Value) document.Value {
	if v == nil {
		return document.Null{}
	}
	return v
}

func isNull(v document.Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(document.Null)
	return ok
}

func evalOperator(op expr.Operator, scope env) (document.Value, error) {
	family, known := expr.Lookup(op.Name)
	if !known {
		// Parse normally rejects these; guard against hand-built trees.
		return nil, &expr.StructuralError{Code: expr.ErrCodeUnknownOperator, Op: op.Name, Message: "operator not recognized"}
	}

	switch family {
	case expr.FamilyComparison:
		return evalComparison(op, scope)
	case expr.FamilyLogical:
		return evalLogical(op, scope)
	case expr.FamilyArithmetic:
		return evalArithmetic(op, scope)
	case expr.FamilyConditional:
		return evalConditional(op, scope)
	case expr.FamilyArray:
		return evalArray(op, scope)
	case expr.FamilyString:
		return evalString(op, scope)
	case expr.FamilyMath:
		return evalMath(op, scope)
	case expr.FamilyDate:
		return evalDate(op, scope)
	case expr.FamilyObject:
		return evalObject(op, scope)
	case expr.FamilyConversion:
		return evalConversion(op, scope)
	default:
		return nil, evalErrf(op.Name, "unhandled operator family")
	}
}

func evalArgs(op expr.Operator, scope env) ([]document.Value, error) {
	out := make([]document.Value, len(op.Args))
	for i, arg := range op.Args {
		v, err := eval(arg, scope)
		if err != nil {
			return nil, err
		}
		out[i] = norm(v)
	}
	return out, nil
}

func evalComparison(op expr.Operator, scope env) (document.Value, error) {
	args, err := evalArgs(op, scope)
	if err != nil {
		return nil, err
	}
	c := document.Compare(args[0], args[1])
	switch op.Name {
	case "$eq":
		return document.Bool(c == 0), nil
	case "$ne":
		return document.Bool(c != 0), nil
	case "$gt":
		return document.Bool(c > 0), nil
	case "$gte":
		return document.Bool(c >= 0), nil
	case "$lt":
		return document.Bool(c < 0), nil
	case "$lte":
		return document.Bool(c <= 0), nil
	case "$cmp":
		return document.Int(c), nil
	}
	return nil, evalErrf(op.Name, "unhandled comparison")
}

func evalLogical(op expr.Operator, scope env) (document.Value, error) {
	switch op.Name {
	case "$and":
		for _, arg := range op.Args {
			v, err := eval(arg, scope)
			if err != nil {
				return nil, err
			}
			if !document.IsTruthy(norm(v)) {
				return document.Bool(false), nil
			}
		}
		return document.Bool(true), nil
	case "$or", "$nor":
		any := false
		for _, arg := range op.Args {
			v, err := eval(arg, scope)
			if err != nil {
				return nil, err
			}
			if document.IsTruthy(norm(v)) {
				any = true
				break
			}
		}
		if op.Name == "$nor" {
			return document.Bool(!any), nil
		}
		return document.Bool(any), nil
	case "$not":
		v, err := eval(op.Args[0], scope)
		if err != nil {
			return nil, err
		}
		return document.Bool(!document.IsTruthy(norm(v))), nil
	}
	return nil, evalErrf(op.Name, "unhandled logical operator")
}

func evalArithmetic(op expr.Operator, scope env) (document.Value, error) {
	args, err := evalArgs(op, scope)
	if err != nil {
		return nil, err
	}
	for _, a := range args {
		if isNull(a) {
			return document.Null{}, nil
		}
		if !document.IsNumeric(a) {
			return nil, evalErrf(op.Name, "non-numeric operand %T", a)
		}
	}

	switch op.Name {
	case "$add":
		return numericFold(args, func(a, b int64) int64 { return a + b }, func(a, b float64) float64 { return a + b }), nil
	case "$multiply":
		return numericFold(args, func(a, b int64) int64 { return a * b }, func(a, b float64) float64 { return a * b }), nil
	case "$subtract":
		return numericFold(args, func(a, b int64) int64 { return a - b }, func(a, b float64) float64 { return a - b }), nil
	case "$divide":
		bf, _ := document.AsFloat(args[1])
		if bf == 0 {
			return document.Null{}, nil
		}
		af, _ := document.AsFloat(args[0])
		return document.Double(af / bf), nil
	case "$mod":
		if ai, aok := args[0].(document.Int); aok {
			if bi, bok := args[1].(document.Int); bok {
				if bi == 0 {
					return document.Null{}, nil
				}
				return document.Int(int64(ai) % int64(bi)), nil
			}
		}
		af, _ := document.AsFloat(args[0])
		bf, _ := document.AsFloat(args[1])
		if bf == 0 {
			return document.Null{}, nil
		}
		return document.Double(math.Mod(af, bf)), nil
	}
	return nil, evalErrf(op.Name, "unhandled arithmetic operator")
}

// numericFold folds numeric args left to right, staying integral until a
// Double appears.
func numericFold(args []document.Value, fi func(a, b int64) int64, ff func(a, b float64) float64) document.Value {
	allInt := true
	for _, a := range args {
		if _, ok := a.(document.Int); !ok {
			allInt = false
			break
		}
	}
	if allInt {
		acc := int64(args[0].(document.Int))
		for _, a := range args[1:] {
			acc = fi(acc, int64(a.(document.Int)))
		}
		return document.Int(acc)
	}
	acc, _ := document.AsFloat(args[0])
	for _, a := range args[1:] {
		f, _ := document.AsFloat(a)
		acc = ff(acc, f)
	}
	return document.Double(acc)
}

func evalConditional(op expr.Operator, scope env) (document.Value, error) {
	switch op.Name {
	case "$cond":
		condVal, err := eval(op.Named["if"], scope)
		if err != nil {
			return nil, err
		}
		if document.IsTruthy(norm(condVal)) {
			return eval(op.Named["then"], scope)
		}
		if elseExpr, ok := op.Named["else"]; ok {
			return eval(elseExpr, scope)
		}
		return document.Null{}, nil

	case "$ifNull":
		for _, arg := range op.Args[:len(op.Args)-1] {
			v, err := eval(arg, scope)
			if err != nil {
				return nil, err
			}
			if !isNull(v) {
				return v, nil
			}
		}
		return eval(op.Args[len(op.Args)-1], scope)

	case "$switch":
		for i := 0; i+1 < len(op.Args); i += 2 {
			caseVal, err := eval(op.Args[i], scope)
			if err != nil {
				return nil, err
			}
			if document.IsTruthy(norm(caseVal)) {
				return eval(op.Args[i+1], scope)
			}
		}
		if def, ok := op.Named["default"]; ok {
			return eval(def, scope)
		}
		return nil, evalErrf(op.Name, "no branch matched and no default given")
	}
	return nil, evalErrf(op.Name, "unhandled conditional operator")
}

func evalArray(op expr.Operator, scope env) (document.Value, error) {
	switch op.Name {
	case "$size":
		v, err := eval(op.Args[0], scope)
		if err != nil {
			return nil, err
		}
		arr, ok := norm(v).(document.Array)
		if !ok {
			return nil, evalErrf(op.Name, "operand is not an array")
		}
		return document.Int(len(arr)), nil

	case "$in":
		args, err := evalArgs(op, scope)
		if err != nil {
			return nil, err
		}
		arr, ok := args[1].(document.Array)
		if !ok {
			return nil, evalErrf(op.Name, "second operand is not an array")
		}
		for _, elem := range arr {
			if document.Equal(args[0], elem) {
				return document.Bool(true), nil
			}
		}
		return document.Bool(false), nil

	case "$isArray":
		v, err := eval(op.Args[0], scope)
		if err != nil {
			return nil, err
		}
		_, ok := norm(v).(document.Array)
		return document.Bool(ok), nil

	case "$arrayElemAt":
		args, err := evalArgs(op, scope)
		if err != nil {
			return nil, err
		}
		arr, ok := args[0].(document.Array)
		if !ok {
			if isNull(args[0]) {
				return document.Null{}, nil
			}
			return nil, evalErrf(op.Name, "first operand is not an array")
		}
		idxF, ok := document.AsFloat(args[1])
		if !ok {
			return nil, evalErrf(op.Name, "index is not numeric")
		}
		idx := int(idxF)
		if idx < 0 {
			idx += len(arr)
		}
		if idx < 0 || idx >= len(arr) {
			return document.Null{}, nil
		}
		return arr[idx], nil

	case "$concatArrays":
		args, err := evalArgs(op, scope)
		if err != nil {
			return nil, err
		}
		var out document.Array
		for _, a := range args {
			if isNull(a) {
				return document.Null{}, nil
			}
			arr, ok := a.(document.Array)
			if !ok {
				return nil, evalErrf(op.Name, "operand is not an array")
			}
			out = append(out, arr...)
		}
		return out, nil

	case "$sum", "$avg", "$min", "$max":
		return evalArrayAggregate(op, scope)

	case "$filter":
		return evalFilter(op, scope)
	case "$map":
		return evalMap(op, scope)
	case "$reduce":
		return evalReduce(op, scope)
	}
	return nil, evalErrf(op.Name, "unhandled array operator")
}

// evalArrayAggregate handles $sum/$avg/$min/$max in expression position:
// a single array operand aggregates its elements, multiple operands
// aggregate the operands themselves.
func evalArrayAggregate(op expr.Operator, scope env) (document.Value, error) {
	args, err := evalArgs(op, scope)
	if err != nil {
		return nil, err
	}
	elems := args
	if len(args) == 1 {
		if arr, ok := args[0].(document.Array); ok {
			elems = arr
		}
	}

	switch op.Name {
	case "$sum":
		acc := document.Value(document.Int(0))
		for _, e := range elems {
			if !document.IsNumeric(e) {
				continue // non-numeric elements are ignored
			}
			acc = numericFold([]document.Value{acc, e},
				func(a, b int64) int64 { return a + b },
				func(a, b float64) float64 { return a + b })
		}
		return acc, nil
	case "$avg":
		var sum float64
		var n int
		for _, e := range elems {
			if f, ok := document.AsFloat(e); ok {
				sum += f
				n++
			}
		}
		if n == 0 {
			return document.Null{}, nil
		}
		return document.Double(sum / float64(n)), nil
	case "$min", "$max":
		var best document.Value
		for _, e := range elems {
			if isNull(e) {
				continue
			}
			if best == nil {
				best = e
				continue
			}
			c := document.Compare(e, best)
			if (op.Name == "$min" && c < 0) || (op.Name == "$max" && c > 0) {
				best = e
			}
		}
		if best == nil {
			return document.Null{}, nil
		}
		return best, nil
	}
	return nil, evalErrf(op.Name, "unhandled aggregate")
}

func bindingName(op expr.Operator, fallback string) (string, error) {
	asExpr, ok := op.Named["as"]
	if !ok {
		return fallback, nil
	}
	lit, ok := asExpr.(expr.Literal)
	if !ok {
		return "", evalErrf(op.Name, "as must be a constant string")
	}
	s, ok := lit.Value.(document.String)
	if !ok {
		return "", evalErrf(op.Name, "as must be a string")
	}
	return string(s), nil
}

func inputArray(op expr.Operator, scope env) (document.Array, bool, error) {
	v, err := eval(op.Named["input"], scope)
	if err != nil {
		return nil, false, err
	}
	if isNull(v) {
		return nil, true, nil
	}
	arr, ok := norm(v).(document.Array)
	if !ok {
		return nil, false, evalErrf(op.Name, "input is not an array")
	}
	return arr, false, nil
}

func evalFilter(op expr.Operator, scope env) (document.Value, error) {
	arr, null, err := inputArray(op, scope)
	if err != nil || null {
		return document.Null{}, err
	}
	name, err := bindingName(op, "this")
	if err != nil {
		return nil, err
	}
	out := document.Array{}
	for _, elem := range arr {
		keep, err := eval(op.Named["cond"], scope.bind(name, elem))
		if err != nil {
			return nil, err
		}
		if document.IsTruthy(norm(keep)) {
			out = append(out, elem)
		}
	}
	return out, nil
}

func evalMap(op expr.Operator, scope env) (document.Value, error) {
	arr, null, err := inputArray(op, scope)
	if err != nil || null {
		return document.Null{}, err
	}
	name, err := bindingName(op, "this")
	if err != nil {
		return nil, err
	}
	out := make(document.Array, len(arr))
	for i, elem := range arr {
		v, err := eval(op.Named["in"], scope.bind(name, elem))
		if err != nil {
			return nil, err
		}
		out[i] = norm(v)
	}
	return out, nil
}

func evalReduce(op expr.Operator, scope env) (document.Value, error) {
	arr, null, err := inputArray(op, scope)
	if err != nil || null {
		return document.Null{}, err
	}
	acc, err := eval(op.Named["initialValue"], scope)
	if err != nil {
		return nil, err
	}
	acc = norm(acc)
	for _, elem := range arr {
		acc, err = eval(op.Named["in"], scope.bind("value", acc).bind("this", elem))
		if err != nil {
			return nil, err
		}
		acc = norm(acc)
	}
	return acc, nil
}

func stringOperand(op expr.Operator, v document.Value) (string, bool, error) {
	switch s := v.(type) {
	case document.Null:
		return "", true, nil
	case document.String:
		return string(s), false, nil
	default:
		return "", false, evalErrf(op.Name, "operand is not a string (%T)", v)
	}
}

func evalString(op expr.Operator, scope env) (document.Value, error) {
	switch op.Name {
	case "$concat":
		args, err := evalArgs(op, scope)
		if err != nil {
			return nil, err
		}
		var b strings.Builder
		for _, a := range args {
			s, null, err := stringOperand(op, a)
			if err != nil {
				return nil, err
			}
			if null {
				return document.Null{}, nil
			}
			b.WriteString(s)
		}
		return document.String(b.String()), nil

	case "$toLower", "$toUpper":
		args, err := evalArgs(op, scope)
		if err != nil {
			return nil, err
		}
		s, null, err := stringOperand(op, args[0])
		if err != nil {
			return nil, err
		}
		if null {
			return document.String(""), nil
		}
		if op.Name == "$toLower" {
			return document.String(strings.ToLower(s)), nil
		}
		return document.String(strings.ToUpper(s)), nil

	case "$strLenCP":
		args, err := evalArgs(op, scope)
		if err != nil {
			return nil, err
		}
		s, null, err := stringOperand(op, args[0])
		if err != nil {
			return nil, err
		}
		if null {
			return nil, evalErrf(op.Name, "operand is null")
		}
		return document.Int(utf8.RuneCountInString(s)), nil

	case "$substrCP":
		args, err := evalArgs(op, scope)
		if err != nil {
			return nil, err
		}
		s, null, err := stringOperand(op, args[0])
		if err != nil {
			return nil, err
		}
		if null {
			return document.String(""), nil
		}
		startF, ok1 := document.AsFloat(args[1])
		countF, ok2 := document.AsFloat(args[2])
		if !ok1 || !ok2 {
			return nil, evalErrf(op.Name, "start and count must be numeric")
		}
		runes := []rune(s)
		start, count := int(startF), int(countF)
		if start < 0 || start >= len(runes) || count <= 0 {
			return document.String(""), nil
		}
		end := start + count
		if end > len(runes) {
			end = len(runes)
		}
		return document.String(string(runes[start:end])), nil

	case "$trim", "$ltrim", "$rtrim":
		return evalTrim(op, scope)

	case "$split":
		args, err := evalArgs(op, scope)
		if err != nil {
			return nil, err
		}
		s, null, err := stringOperand(op, args[0])
		if err != nil {
			return nil, err
		}
		if null {
			return document.Null{}, nil
		}
		sep, sepNull, err := stringOperand(op, args[1])
		if err != nil {
			return nil, err
		}
		if sepNull || sep == "" {
			return nil, evalErrf(op.Name, "delimiter must be a non-empty string")
		}
		parts := strings.Split(s, sep)
		out := make(document.Array, len(parts))
		for i, p := range parts {
			out[i] = document.String(p)
		}
		return out, nil

	case "$replaceOne", "$replaceAll":
		return evalReplace(op, scope)

	case "$regexMatch", "$regexFind", "$regexFindAll":
		return evalRegex(op, scope)
	}
	return nil, evalErrf(op.Name, "unhandled string operator")
}

func evalTrim(op expr.Operator, scope env) (document.Value, error) {
	in, err := eval(op.Named["input"], scope)
	if err != nil {
		return nil, err
	}
	s, null, err := stringOperand(op, norm(in))
	if err != nil {
		return nil, err
	}
	if null {
		return document.Null{}, nil
	}

	cutset := " \t\n\r\v\f"
	if charsExpr, ok := op.Named["chars"]; ok {
		cv, err := eval(charsExpr, scope)
		if err != nil {
			return nil, err
		}
		cs, csNull, err := stringOperand(op, norm(cv))
		if err != nil {
			return nil, err
		}
		if !csNull {
			cutset = cs
		}
	}

	switch op.Name {
	case "$trim":
		return document.String(strings.Trim(s, cutset)), nil
	case "$ltrim":
		return document.String(strings.TrimLeft(s, cutset)), nil
	default:
		return document.String(strings.TrimRight(s, cutset)), nil
	}
}

func evalReplace(op expr.Operator, scope env) (document.Value, error) {
	var vals [3]string
	for i, key := range []string{"input", "find", "replacement"} {
		v, err := eval(op.Named[key], scope)
		if err != nil {
			return nil, err
		}
		s, null, err := stringOperand(op, norm(v))
		if err != nil {
			return nil, err
		}
		if null {
			return document.Null{}, nil
		}
		vals[i] = s
	}
	if op.Name == "$replaceOne" {
		return document.String(strings.Replace(vals[0], vals[1], vals[2], 1)), nil
	}
	return document.String(strings.ReplaceAll(vals[0], vals[1], vals[2])), nil
}

// CompileRegex compiles a MongoDB-style pattern and option string into a Go
// regexp. Shared with the SQL tier's registered regexp function so both
// paths match identically.
func CompileRegex(pattern, options string) (*regexp.Regexp, error) {
	var flags string
	for _, o := range options {
		switch o {
		case 'i', 'm', 's':
			flags += string(o)
		case 'x':
			// extended mode has no direct Go equivalent; whitespace is
			// stripped from the pattern instead
			pattern = strings.Join(strings.Fields(pattern), "")
		default:
			return nil, fmt.Errorf("unsupported regex option %q", string(o))
		}
	}
	if flags != "" {
		pattern = "(?" + flags + ")" + pattern
	}
	return regexp.Compile(pattern)
}

func evalRegex(op expr.Operator, scope env) (document.Value, error) {
	in, err := eval(op.Named["input"], scope)
	if err != nil {
		return nil, err
	}
	s, null, err := stringOperand(op, norm(in))
	if err != nil {
		return nil, err
	}

	patV, err := eval(op.Named["regex"], scope)
	if err != nil {
		return nil, err
	}
	pattern, patNull, err := stringOperand(op, norm(patV))
	if err != nil || patNull {
		if err == nil {
			err = evalErrf(op.Name, "regex must be a string")
		}
		return nil, err
	}

	options := ""
	if optExpr, ok := op.Named["options"]; ok {
		ov, err := eval(optExpr, scope)
		if err != nil {
			return nil, err
		}
		os, _, err := stringOperand(op, norm(ov))
		if err != nil {
			return nil, err
		}
		options = os
	}

	re, err := CompileRegex(pattern, options)
	if err != nil {
		return nil, evalErrf(op.Name, "bad pattern: %v", err)
	}

	switch op.Name {
	case "$regexMatch":
		if null {
			return document.Bool(false), nil
		}
		return document.Bool(re.MatchString(s)), nil
	case "$regexFind":
		if null {
			return document.Null{}, nil
		}
		loc := re.FindStringIndex(s)
		if loc == nil {
			return document.Null{}, nil
		}
		return matchDoc(s, loc), nil
	default: // $regexFindAll
		if null {
			return document.Array{}, nil
		}
		locs := re.FindAllStringIndex(s, -1)
		out := make(document.Array, len(locs))
		for i, loc := range locs {
			out[i] = matchDoc(s, loc)
		}
		return out, nil
	}
}

func matchDoc(s string, loc []int) document.Object {
	return document.Object{
		"match": document.String(s[loc[0]:loc[1]]),
		"idx":   document.Int(utf8.RuneCountInString(s[:loc[0]])),
	}
}

func evalMath(op expr.Operator, scope env) (document.Value, error) {
	args, err := evalArgs(op, scope)
	if err != nil {
		return nil, err
	}
	for _, a := range args {
		if isNull(a) {
			return document.Null{}, nil
		}
		if !document.IsNumeric(a) {
			return nil, evalErrf(op.Name, "non-numeric operand %T", a)
		}
	}
	x, _ := document.AsFloat(args[0])

	switch op.Name {
	case "$abs":
		if i, ok := args[0].(document.Int); ok {
			if i < 0 {
				return document.Int(-i), nil
			}
			return i, nil
		}
		return document.Double(math.Abs(x)), nil
	case "$ceil":
		if i, ok := args[0].(document.Int); ok {
			return i, nil
		}
		return document.Double(math.Ceil(x)), nil
	case "$floor":
		if i, ok := args[0].(document.Int); ok {
			return i, nil
		}
		return document.Double(math.Floor(x)), nil
	case "$round", "$trunc":
		place := 0
		if len(args) == 2 {
			pf, ok := document.AsFloat(args[1])
			if !ok {
				return nil, evalErrf(op.Name, "place must be numeric")
			}
			place = int(pf)
		}
		if i, ok := args[0].(document.Int); ok && place >= 0 {
			return i, nil
		}
		shift := math.Pow(10, float64(place))
		if op.Name == "$trunc" {
			return document.Double(math.Trunc(x*shift) / shift), nil
		}
		// Round half to even, matching the reference implementation.
		return document.Double(math.RoundToEven(x*shift) / shift), nil
	case "$pow":
		y, _ := document.AsFloat(args[1])
		r := math.Pow(x, y)
		_, aInt := args[0].(document.Int)
		_, bInt := args[1].(document.Int)
		if aInt && bInt && y >= 0 && r == math.Trunc(r) && math.Abs(r) < 1e15 {
			return document.Int(int64(r)), nil
		}
		return document.Double(r), nil
	case "$sqrt":
		if x < 0 {
			return document.Null{}, nil
		}
		return document.Double(math.Sqrt(x)), nil
	case "$exp":
		return document.Double(math.Exp(x)), nil
	case "$ln":
		if x <= 0 {
			return document.Null{}, nil
		}
		return document.Double(math.Log(x)), nil
	case "$log10":
		if x <= 0 {
			return document.Null{}, nil
		}
		return document.Double(math.Log10(x)), nil
	case "$log2":
		if x <= 0 {
			return document.Null{}, nil
		}
		return document.Double(math.Log2(x)), nil
	}
	return nil, evalErrf(op.Name, "unhandled math operator")
}

// AsTime coerces a value into a time for the date operators: DateTime
// values directly, strings via RFC 3339 / ISO 8601 parsing. Anything else
// is a strict type error.
func AsTime(op string, v document.Value) (time.Time, error) {
	switch val := v.(type) {
	case document.DateTime:
		return val.Time(), nil
	case document.String:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, string(val)); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, evalErrf(op, "cannot parse %q as a date", string(val))
	default:
		return time.Time{}, evalErrf(op, "operand is not a date (%T)", v)
	}
}

func evalDate(op expr.Operator, scope env) (document.Value, error) {
	switch op.Name {
	case "$dateAdd", "$dateSubtract", "$dateDiff":
		return evalDateArith(op, scope)
	}

	args, err := evalArgs(op, scope)
	if err != nil {
		return nil, err
	}
	if isNull(args[0]) {
		return document.Null{}, nil
	}
	t, err := AsTime(op.Name, args[0])
	if err != nil {
		return nil, err
	}

	switch op.Name {
	case "$year":
		return document.Int(t.Year()), nil
	case "$month":
		return document.Int(int(t.Month())), nil
	case "$dayOfMonth":
		return document.Int(t.Day()), nil
	case "$hour":
		return document.Int(t.Hour()), nil
	case "$minute":
		return document.Int(t.Minute()), nil
	case "$second":
		return document.Int(t.Second()), nil
	case "$millisecond":
		return document.Int(t.Nanosecond() / 1e6), nil
	case "$dayOfWeek":
		return document.Int(int(t.Weekday()) + 1), nil
	case "$dayOfYear":
		return document.Int(t.YearDay()), nil
	case "$week":
		// Week of year with Sunday as the first day; days before the
		// first Sunday fall in week 0 (strftime %U).
		return document.Int((t.YearDay() + 6 - int(t.Weekday())) / 7), nil
	case "$isoWeek":
		_, w := t.ISOWeek()
		return document.Int(w), nil
	case "$isoWeekYear":
		y, _ := t.ISOWeek()
		return document.Int(y), nil
	}
	return nil, evalErrf(op.Name, "unhandled date operator")
}

var dateUnits = map[string]time.Duration{
	"millisecond": time.Millisecond,
	"second":      time.Second,
	"minute":      time.Minute,
	"hour":        time.Hour,
	"day":         24 * time.Hour,
	"week":        7 * 24 * time.Hour,
}

func evalDateArith(op expr.Operator, scope env) (document.Value, error) {
	startV, err := eval(op.Named["startDate"], scope)
	if err != nil {
		return nil, err
	}
	if isNull(norm(startV)) {
		return document.Null{}, nil
	}
	start, err := AsTime(op.Name, norm(startV))
	if err != nil {
		return nil, err
	}

	unitV, err := eval(op.Named["unit"], scope)
	if err != nil {
		return nil, err
	}
	unit, ok := norm(unitV).(document.String)
	if !ok {
		return nil, evalErrf(op.Name, "unit must be a string")
	}

	if op.Name == "$dateDiff" {
		endV, err := eval(op.Named["endDate"], scope)
		if err != nil {
			return nil, err
		}
		if isNull(norm(endV)) {
			return document.Null{}, nil
		}
		end, err := AsTime(op.Name, norm(endV))
		if err != nil {
			return nil, err
		}
		return dateDiff(op.Name, start, end, string(unit))
	}

	amountV, err := eval(op.Named["amount"], scope)
	if err != nil {
		return nil, err
	}
	amountF, ok := document.AsFloat(norm(amountV))
	if !ok {
		return nil, evalErrf(op.Name, "amount must be numeric")
	}
	amount := int(amountF)
	if op.Name == "$dateSubtract" {
		amount = -amount
	}

	switch string(unit) {
	case "year":
		return document.DateTime(start.AddDate(amount, 0, 0)), nil
	case "quarter":
		return document.DateTime(start.AddDate(0, 3*amount, 0)), nil
	case "month":
		return document.DateTime(start.AddDate(0, amount, 0)), nil
	default:
		d, ok := dateUnits[string(unit)]
		if !ok {
			return nil, evalErrf(op.Name, "unknown unit %q", unit)
		}
		return document.DateTime(start.Add(time.Duration(amount) * d)), nil
	}
}

// dateDiff counts unit boundaries crossed between start and end.
func dateDiff(op string, start, end time.Time, unit string) (document.Value, error) {
	switch unit {
	case "year":
		return document.Int(end.Year() - start.Year()), nil
	case "quarter":
		sq := (end.Year()*12+int(end.Month())-1)/3 - (start.Year()*12+int(start.Month())-1)/3
		return document.Int(sq), nil
	case "month":
		return document.Int((end.Year()-start.Year())*12 + int(end.Month()) - int(start.Month())), nil
	case "week":
		// Weeks start on Sunday; truncate both endpoints to their week.
		ts := start.AddDate(0, 0, -int(start.Weekday())).Truncate(24 * time.Hour)
		te := end.AddDate(0, 0, -int(end.Weekday())).Truncate(24 * time.Hour)
		return document.Int(int(te.Sub(ts) / (7 * 24 * time.Hour))), nil
	case "day", "hour", "minute", "second", "millisecond":
		d := dateUnits[unit]
		return document.Int(int64(end.Truncate(d).Sub(start.Truncate(d)) / d)), nil
	default:
		return nil, evalErrf(op, "unknown unit %q", unit)
	}
}

func evalObject(op expr.Operator, scope env) (document.Value, error) {
	switch op.Name {
	case "$mergeObjects":
		args, err := evalArgs(op, scope)
		if err != nil {
			return nil, err
		}
		out := document.Object{}
		for _, a := range args {
			if isNull(a) {
				continue
			}
			obj, ok := a.(document.Object)
			if !ok {
				return nil, evalErrf(op.Name, "operand is not a document (%T)", a)
			}
			for k, v := range obj {
				out[k] = v
			}
		}
		return out, nil

	case "$getField":
		fieldName, err := fieldNameOperand(op, scope)
		if err != nil {
			return nil, err
		}
		input := document.Value(scope.current)
		if inExpr, ok := op.Named["input"]; ok {
			v, err := eval(inExpr, scope)
			if err != nil {
				return nil, err
			}
			input = norm(v)
		}
		obj, ok := input.(document.Object)
		if !ok {
			return document.Null{}, nil
		}
		v, ok := obj[fieldName]
		if !ok {
			return document.Null{}, nil
		}
		return v, nil

	case "$setField":
		fieldName, err := fieldNameOperand(op, scope)
		if err != nil {
			return nil, err
		}
		inV, err := eval(op.Named["input"], scope)
		if err != nil {
			return nil, err
		}
		obj, ok := norm(inV).(document.Object)
		if !ok {
			if isNull(norm(inV)) {
				return document.Null{}, nil
			}
			return nil, evalErrf(op.Name, "input is not a document")
		}
		valV, err := eval(op.Named["value"], scope)
		if err != nil {
			return nil, err
		}
		out := make(document.Object, len(obj)+1)
		for k, v := range obj {
			out[k] = v
		}
		if valV == nil { // $$REMOVE
			delete(out, fieldName)
		} else {
			out[fieldName] = valV
		}
		return out, nil
	}
	return nil, evalErrf(op.Name, "unhandled object operator")
}

func fieldNameOperand(op expr.Operator, scope env) (string, error) {
	lit, ok := op.Named["field"].(expr.Literal)
	if !ok {
		return "", evalErrf(op.Name, "field must be a constant string")
	}
	s, ok := lit.Value.(document.String)
	if !ok {
		return "", evalErrf(op.Name, "field must be a string")
	}
	return string(s), nil
}

func evalConversion(op expr.Operator, scope env) (document.Value, error) {
	args, err := evalArgs(op, scope)
	if err != nil {
		return nil, err
	}
	v := args[0]

	switch op.Name {
	case "$type":
		return document.String(TypeName(v)), nil
	case "$toBool":
		switch val := v.(type) {
		case document.Null:
			return document.Null{}, nil
		case document.Bool:
			return val, nil
		case document.Int:
			return document.Bool(val != 0), nil
		case document.Double:
			return document.Bool(val != 0), nil
		default:
			return nil, evalErrf(op.Name, "cannot convert %T to bool", v)
		}
	case "$toInt", "$toLong":
		switch val := v.(type) {
		case document.Null:
			return document.Null{}, nil
		case document.Bool:
			if val {
				return document.Int(1), nil
			}
			return document.Int(0), nil
		case document.Int:
			return val, nil
		case document.Double:
			return document.Int(int64(math.Trunc(float64(val)))), nil
		case document.String:
			n, err := strconv.ParseInt(strings.TrimSpace(string(val)), 10, 64)
			if err != nil {
				return nil, evalErrf(op.Name, "cannot parse %q as int", string(val))
			}
			return document.Int(n), nil
		default:
			return nil, evalErrf(op.Name, "cannot convert %T to int", v)
		}
	case "$toDouble":
		switch val := v.(type) {
		case document.Null:
			return document.Null{}, nil
		case document.Bool:
			if val {
				return document.Double(1), nil
			}
			return document.Double(0), nil
		case document.Int:
			return document.Double(val), nil
		case document.Double:
			return val, nil
		case document.String:
			f, err := strconv.ParseFloat(strings.TrimSpace(string(val)), 64)
			if err != nil {
				return nil, evalErrf(op.Name, "cannot parse %q as double", string(val))
			}
			return document.Double(f), nil
		default:
			return nil, evalErrf(op.Name, "cannot convert %T to double", v)
		}
	case "$toString":
		switch val := v.(type) {
		case document.Null:
			return document.Null{}, nil
		case document.String:
			return val, nil
		case document.Bool:
			if val {
				return document.String("true"), nil
			}
			return document.String("false"), nil
		case document.Int:
			return document.String(strconv.FormatInt(int64(val), 10)), nil
		case document.Double:
			return document.String(strconv.FormatFloat(float64(val), 'g', -1, 64)), nil
		case document.DateTime:
			return document.String(val.Time().Format(time.RFC3339Nano)), nil
		default:
			return nil, evalErrf(op.Name, "cannot convert %T to string", v)
		}
	}
	return nil, evalErrf(op.Name, "unhandled conversion operator")
}

// TypeName returns the query-language name for a value's type.
func TypeName(v document.Value) string {
	switch v.(type) {
	case nil, document.Null:
		return "null"
	case document.Bool:
		return "bool"
	case document.Int:
		return "int"
	case document.Double:
		return "double"
	case document.String:
		return "string"
	case document.Array:
		return "array"
	case document.Object:
		return "object"
	case document.Binary:
		return "binData"
	case document.DateTime:
		return "date"
	default:
		return "unknown"
	}
}
