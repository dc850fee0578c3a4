package expr

import (
	"github.com/mongreldb/mongrel/internal/document"
)

// Parse converts a dynamically-typed query tree (decoded JSON: maps, slices
// and scalars) into an Expression.
//
// Parsing rules:
//   - "$path" strings become FieldRef nodes; "$$"-prefixed strings must
//     name a reserved variable
//   - a map with exactly one $-operator key becomes an Operator node; a
//     map holding an operator key next to anything else is malformed
//   - maps and slices without operator keys become Literal values when
//     every leaf is constant, ObjectExpr/ArrayExpr otherwise
//
// All shape problems are reported as *StructuralError. This makes the
// "one operator key per node" rule a parse-time invariant: the evaluators
// never see a multi-key operator node.
func Parse(v any) (Expression, error) {
	switch val := v.(type) {
	case string:
		if len(val) > 0 && val[0] == '$' {
			return parseRef(val)
		}
		return Literal{Value: document.String(val)}, nil

	case map[string]any:
		return parseMap(val)

	case []any:
		return parseList(val)

	default:
		lit, err := document.FromNative(v)
		if err != nil {
			return nil, structuralf(ErrCodeMalformedNode, "", "not a valid expression leaf: %v", err)
		}
		return Literal{Value: lit}, nil
	}
}

// parseRef parses a $-prefixed string into a FieldRef.
func parseRef(s string) (Expression, error) {
	if len(s) > 1 && s[1] == '$' {
		// $$ROOT/$$CURRENT/$$REMOVE plus let-style bindings ($$this,
		// $$value, $filter/$map "as" names). Whether a binding is in
		// scope is an evaluation-time question, not a shape question.
		if len(s) == 2 {
			return nil, structuralf(ErrCodeMalformedNode, "", "empty variable reference")
		}
		return FieldRef{Path: s}, nil
	}
	if s == "$" {
		return nil, structuralf(ErrCodeMalformedNode, "", "empty field reference")
	}
	return FieldRef{Path: s[1:]}, nil
}

func parseMap(m map[string]any) (Expression, error) {
	// The {"$date"}/{"$binary"} storage encodings are values, never
	// operator nodes.
	if len(m) == 1 {
		for k := range m {
			if k == "$date" || k == "$binary" {
				lit, err := document.FromNative(m)
				if err != nil {
					return nil, structuralf(ErrCodeMalformedNode, k, "bad %s encoding: %v", k, err)
				}
				return Literal{Value: lit}, nil
			}
		}
	}

	var opKey string
	for k := range m {
		if IsOperatorName(k) {
			if opKey != "" || len(m) > 1 {
				return nil, structuralf(ErrCodeMalformedNode, k,
					"operator node must have exactly one key, got %d", len(m))
			}
			opKey = k
		}
	}

	if opKey != "" {
		return parseOperator(opKey, m[opKey])
	}

	// Plain document: a constant Literal when every field is constant,
	// an ObjectExpr otherwise.
	if lit, err := document.FromNative(m); err == nil {
		if _, hasRefs := findRef(m); !hasRefs {
			return Literal{Value: lit}, nil
		}
	}

	fields := make(map[string]Expression, len(m))
	for k, raw := range m {
		sub, err := Parse(raw)
		if err != nil {
			return nil, err
		}
		fields[k] = sub
	}
	return ObjectExpr{Fields: fields}, nil
}

func parseList(l []any) (Expression, error) {
	elems := make([]Expression, len(l))
	allLiteral := true
	for i, raw := range l {
		sub, err := Parse(raw)
		if err != nil {
			return nil, err
		}
		elems[i] = sub
		if _, ok := sub.(Literal); !ok {
			allLiteral = false
		}
	}
	if allLiteral {
		arr := make(document.Array, len(elems))
		for i, e := range elems {
			arr[i] = e.(Literal).Value
		}
		return Literal{Value: arr}, nil
	}
	return ArrayExpr{Elems: elems}, nil
}

// findRef reports whether the tree contains a $-prefixed string anywhere,
// which forces expression (rather than constant) interpretation.
func findRef(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		if len(val) > 0 && val[0] == '$' {
			return val, true
		}
	case map[string]any:
		for _, sub := range val {
			if s, ok := findRef(sub); ok {
				return s, true
			}
		}
	case []any:
		for _, sub := range val {
			if s, ok := findRef(sub); ok {
				return s, true
			}
		}
	}
	return "", false
}

func parseOperator(name string, operand any) (Expression, error) {
	// $literal escapes expression interpretation entirely.
	if name == "$literal" {
		lit, err := document.FromNative(operand)
		if err != nil {
			return nil, structuralf(ErrCodeMalformedNode, name, "bad literal: %v", err)
		}
		return Literal{Value: lit}, nil
	}

	info, known := operators[name]
	if !known {
		return nil, structuralf(ErrCodeUnknownOperator, name, "operator not recognized")
	}

	// Map-form operand.
	if m, ok := operand.(map[string]any); ok && info.mapForm {
		return parseMapOperand(name, info, m)
	}
	if info.mapForm && info.minArgs == 0 {
		// Map-only operators ($trim, $switch, $regexMatch, ...) accept no
		// other shape. $getField additionally allows its string shorthand.
		if name == "$getField" {
			if s, ok := operand.(string); ok {
				return Operator{Name: name, Named: map[string]Expression{
					"field": Literal{Value: document.String(s)},
				}}, nil
			}
		}
		return nil, structuralf(ErrCodeMissingKey, name, "operand must be a document")
	}

	// List-form operand; a bare operand counts as a one-element list.
	var raw []any
	if l, ok := operand.([]any); ok {
		raw = l
	} else {
		raw = []any{operand}
	}

	if len(raw) < info.minArgs || (info.maxArgs >= 0 && len(raw) > info.maxArgs) {
		return nil, structuralf(ErrCodeWrongArity, name,
			"expected %d..%d operands, got %d", info.minArgs, info.maxArgs, len(raw))
	}

	args := make([]Expression, len(raw))
	for i, sub := range raw {
		parsed, err := Parse(sub)
		if err != nil {
			return nil, err
		}
		args[i] = parsed
	}

	// Array-form $cond normalizes to the named form so downstream code
	// handles one shape.
	if name == "$cond" {
		return Operator{Name: name, Named: map[string]Expression{
			"if": args[0], "then": args[1], "else": args[2],
		}}, nil
	}

	return Operator{Name: name, Args: args}, nil
}

// parseMapOperand parses map-form operands, validating required and
// allowed keys against the operator table.
func parseMapOperand(name string, info opInfo, m map[string]any) (Expression, error) {
	allowed := make(map[string]bool, len(info.required)+len(info.optional))
	for _, k := range info.required {
		allowed[k] = true
	}
	for _, k := range info.optional {
		allowed[k] = true
	}

	for _, k := range info.required {
		if _, ok := m[k]; !ok {
			return nil, structuralf(ErrCodeMissingKey, name, "missing required key %q", k)
		}
	}
	for k := range m {
		if !allowed[k] {
			return nil, structuralf(ErrCodeMalformedNode, name, "unexpected key %q", k)
		}
	}

	// $switch branches are a list of {case, then} documents; they flatten
	// into Args as alternating case/then pairs, with the optional default
	// staying in Named.
	if name == "$switch" {
		return parseSwitch(m)
	}

	named := make(map[string]Expression, len(m))
	for k, raw := range m {
		sub, err := Parse(raw)
		if err != nil {
			return nil, err
		}
		named[k] = sub
	}
	return Operator{Name: name, Named: named}, nil
}

func parseSwitch(m map[string]any) (Expression, error) {
	rawBranches, ok := m["branches"].([]any)
	if !ok || len(rawBranches) == 0 {
		return nil, structuralf(ErrCodeMalformedNode, "$switch", "branches must be a non-empty array")
	}

	op := Operator{Name: "$switch", Named: map[string]Expression{}}
	for i, rawBranch := range rawBranches {
		branch, ok := rawBranch.(map[string]any)
		if !ok {
			return nil, structuralf(ErrCodeMalformedNode, "$switch", "branch %d is not a document", i)
		}
		caseRaw, hasCase := branch["case"]
		thenRaw, hasThen := branch["then"]
		if !hasCase || !hasThen || len(branch) != 2 {
			return nil, structuralf(ErrCodeMissingKey, "$switch", "branch %d needs exactly case and then", i)
		}
		caseExpr, err := Parse(caseRaw)
		if err != nil {
			return nil, err
		}
		thenExpr, err := Parse(thenRaw)
		if err != nil {
			return nil, err
		}
		op.Args = append(op.Args, caseExpr, thenExpr)
	}

	if rawDefault, ok := m["default"]; ok {
		def, err := Parse(rawDefault)
		if err != nil {
			return nil, err
		}
		op.Named["default"] = def
	}
	return op, nil
}
