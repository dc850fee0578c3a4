package interp

import (
	"encoding/json"

	"github.com/mongreldb/mongrel/internal/document"
	"github.com/mongreldb/mongrel/internal/expr"
)

// Match evaluates a find-style filter document against a document. It is
// the interpreter mirror of the SQL clause builder and supports everything
// the translator supports plus the operators the translator refuses
// ($regex among them).
func Match(doc document.Value, filter map[string]any) (bool, error) {
	for key, cond := range filter {
		var (
			ok  bool
			err error
		)
		switch key {
		case "$and":
			ok, err = matchAll(doc, key, cond)
		case "$or":
			ok, err = matchAny(doc, key, cond)
		case "$nor":
			ok, err = matchAny(doc, key, cond)
			ok = !ok
		case "$not":
			sub, isMap := cond.(map[string]any)
			if !isMap {
				return false, evalErrf(key, "operand must be a document")
			}
			ok, err = Match(doc, sub)
			ok = !ok
		case "$expr":
			var v document.Value
			v, err = EvaluateRaw(cond, doc)
			ok = err == nil && document.IsTruthy(norm(v))
		case "$text":
			return false, evalErrf(key, "full-text search is not handled by the matcher")
		default:
			if expr.IsOperatorName(key) {
				// A bare top-level operator expression, same treatment
				// as $expr.
				var v document.Value
				v, err = EvaluateRaw(map[string]any{key: cond}, doc)
				ok = err == nil && document.IsTruthy(norm(v))
			} else {
				ok, err = matchField(doc, key, cond)
			}
		}
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func asFilterList(op string, cond any) ([]map[string]any, error) {
	list, ok := cond.([]any)
	if !ok || len(list) == 0 {
		return nil, evalErrf(op, "operand must be a non-empty array")
	}
	out := make([]map[string]any, len(list))
	for i, raw := range list {
		sub, ok := raw.(map[string]any)
		if !ok {
			return nil, evalErrf(op, "element %d is not a document", i)
		}
		out[i] = sub
	}
	return out, nil
}

func matchAll(doc document.Value, op string, cond any) (bool, error) {
	subs, err := asFilterList(op, cond)
	if err != nil {
		return false, err
	}
	for _, sub := range subs {
		ok, err := Match(doc, sub)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchAny(doc document.Value, op string, cond any) (bool, error) {
	subs, err := asFilterList(op, cond)
	if err != nil {
		return false, err
	}
	for _, sub := range subs {
		ok, err := Match(doc, sub)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// matchField applies one field's condition: either an operator document
// ({$gt: 5, $lt: 9}) or a direct equality value.
func matchField(doc document.Value, field string, cond any) (bool, error) {
	segs, err := expr.ParsePath(field)
	if err != nil {
		return false, evalErrf(field, "%v", err)
	}
	fieldVal, found := Resolve(doc, segs)

	if condDoc, ok := cond.(map[string]any); ok && hasOperatorKey(condDoc) && !isStorageValue(condDoc) {
		for opName, rawArg := range condDoc {
			ok, err := matchFieldOp(fieldVal, found, opName, rawArg)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	}

	want, err := document.FromNative(cond)
	if err != nil {
		return false, evalErrf(field, "bad comparison value: %v", err)
	}
	return equalityMatch(fieldVal, found, want), nil
}

func hasOperatorKey(m map[string]any) bool {
	for k := range m {
		if expr.IsOperatorName(k) {
			return true
		}
	}
	return false
}

// isStorageValue recognizes the {"$date"}/{"$binary"} encodings, which
// are comparison values rather than operator documents.
func isStorageValue(m map[string]any) bool {
	if len(m) != 1 {
		return false
	}
	for k := range m {
		if k == "$date" || k == "$binary" {
			return true
		}
	}
	return false
}

// equalityMatch implements find equality: null matches missing, and a
// scalar matches an array that contains it.
func equalityMatch(fieldVal document.Value, found bool, want document.Value) bool {
	if isNull(want) {
		return !found || isNull(fieldVal)
	}
	if !found {
		return false
	}
	if document.Equal(fieldVal, want) {
		return true
	}
	if arr, ok := fieldVal.(document.Array); ok {
		for _, elem := range arr {
			if document.Equal(elem, want) {
				return true
			}
		}
	}
	return false
}

func matchFieldOp(fieldVal document.Value, found bool, opName string, rawArg any) (bool, error) {
	switch opName {
	case "$exists":
		wantExists := true
		if b, ok := rawArg.(bool); ok {
			wantExists = b
		}
		return found == wantExists, nil

	case "$eq", "$ne", "$gt", "$gte", "$lt", "$lte":
		want, err := document.FromNative(rawArg)
		if err != nil {
			return false, evalErrf(opName, "bad comparison value: %v", err)
		}
		return compareMatch(fieldVal, found, opName, want), nil

	case "$in", "$nin":
		list, ok := rawArg.([]any)
		if !ok {
			return false, evalErrf(opName, "operand must be an array")
		}
		hit := false
		for _, raw := range list {
			want, err := document.FromNative(raw)
			if err != nil {
				return false, evalErrf(opName, "bad element: %v", err)
			}
			if equalityMatch(fieldVal, found, want) {
				hit = true
				break
			}
		}
		if opName == "$nin" {
			return !hit, nil
		}
		return hit, nil

	case "$mod":
		list, ok := rawArg.([]any)
		if !ok || len(list) != 2 {
			return false, evalErrf(opName, "operand must be [divisor, remainder]")
		}
		div, ok1 := toInt64(list[0])
		rem, ok2 := toInt64(list[1])
		if !ok1 || !ok2 || div == 0 {
			return false, evalErrf(opName, "divisor and remainder must be integers, divisor non-zero")
		}
		f, ok := document.AsFloat(norm(fieldVal))
		if !found || !ok {
			return false, nil
		}
		return int64(f)%div == rem, nil

	case "$size":
		n, ok := toInt64(rawArg)
		if !ok {
			return false, evalErrf(opName, "operand must be an integer")
		}
		arr, isArr := fieldVal.(document.Array)
		return found && isArr && int64(len(arr)) == n, nil

	case "$regex":
		pattern, ok := rawArg.(string)
		if !ok {
			return false, evalErrf(opName, "pattern must be a string")
		}
		re, err := CompileRegex(pattern, "")
		if err != nil {
			return false, evalErrf(opName, "bad pattern: %v", err)
		}
		s, isStr := fieldVal.(document.String)
		return found && isStr && re.MatchString(string(s)), nil

	case "$not":
		sub, ok := rawArg.(map[string]any)
		if !ok {
			return false, evalErrf(opName, "operand must be an operator document")
		}
		for innerOp, innerArg := range sub {
			hit, err := matchFieldOp(fieldVal, found, innerOp, innerArg)
			if err != nil {
				return false, err
			}
			if hit {
				return false, nil
			}
		}
		return true, nil

	default:
		return false, evalErrf(opName, "unsupported query operator")
	}
}

// compareMatch applies an ordering comparison with type bracketing:
// ordering operators only match values of the same type class, so 5 < "x"
// is no match rather than a cross-type truth.
func compareMatch(fieldVal document.Value, found bool, opName string, want document.Value) bool {
	if opName == "$eq" {
		return equalityMatch(fieldVal, found, want)
	}
	if opName == "$ne" {
		return !equalityMatch(fieldVal, found, want)
	}
	if !found || isNull(fieldVal) {
		return false
	}
	candidates := document.Array{fieldVal}
	if arr, ok := fieldVal.(document.Array); ok {
		candidates = append(candidates, arr...)
	}
	for _, cand := range candidates {
		if !sameTypeClass(cand, want) {
			continue
		}
		c := document.Compare(cand, want)
		switch opName {
		case "$gt":
			if c > 0 {
				return true
			}
		case "$gte":
			if c >= 0 {
				return true
			}
		case "$lt":
			if c < 0 {
				return true
			}
		case "$lte":
			if c <= 0 {
				return true
			}
		}
	}
	return false
}

func sameTypeClass(a, b document.Value) bool {
	return TypeName(a) == TypeName(b) ||
		(document.IsNumeric(a) && document.IsNumeric(b))
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
	}
	return 0, false
}
