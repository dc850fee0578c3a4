package expr

import "sort"

// FieldPaths returns every document field path referenced anywhere in the
// expression, sorted and deduplicated. Reserved $$-variables are not field
// paths and are excluded.
func FieldPaths(e Expression) []string {
	seen := map[string]bool{}
	collectPaths(e, seen)

	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func collectPaths(e Expression, seen map[string]bool) {
	switch node := e.(type) {
	case FieldRef:
		if !node.IsVar() {
			seen[node.Path] = true
		}
	case Operator:
		for _, arg := range node.Args {
			collectPaths(arg, seen)
		}
		for _, arg := range node.Named {
			collectPaths(arg, seen)
		}
	case ObjectExpr:
		for _, sub := range node.Fields {
			collectPaths(sub, seen)
		}
	case ArrayExpr:
		for _, sub := range node.Elems {
			collectPaths(sub, seen)
		}
	}
}

// UsesRoot reports whether the expression references $$ROOT anywhere.
func UsesRoot(e Expression) bool {
	found := false
	walk(e, func(node Expression) {
		if ref, ok := node.(FieldRef); ok && ref.Path == RootVar {
			found = true
		}
	})
	return found
}

// walk visits every node of the expression tree in preorder.
func walk(e Expression, visit func(Expression)) {
	visit(e)
	switch node := e.(type) {
	case Operator:
		for _, arg := range node.Args {
			walk(arg, visit)
		}
		for _, arg := range node.Named {
			walk(arg, visit)
		}
	case ObjectExpr:
		for _, sub := range node.Fields {
			walk(sub, visit)
		}
	case ArrayExpr:
		for _, sub := range node.Elems {
			walk(sub, visit)
		}
	}
}
