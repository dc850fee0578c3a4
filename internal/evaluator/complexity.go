package evaluator

import "github.com/mongreldb/mongrel/internal/expr"

// Tier selection thresholds over the complexity score. Expressions
// scoring under DirectMin compile straight into the host query; those
// above FlattenMax skip SQL generation entirely and go to the in-memory
// evaluator; the band between routes through a flattened temporary table.
const (
	DirectMin  = 2
	FlattenMax = 10
)

// Tier identifies which evaluation strategy handled an expression.
type Tier int

const (
	TierDirect Tier = iota + 1
	TierFlatten
	TierFallback
)

func (t Tier) String() string {
	switch t {
	case TierDirect:
		return "direct"
	case TierFlatten:
		return "flattened"
	case TierFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Score estimates how expensive an expression is to push into SQL. Each
// operator costs a base point plus a family surcharge; field references
// and literals are free.
func Score(e expr.Expression) int {
	switch node := e.(type) {
	case expr.Operator:
		score := 1 + familyCost(node.Name)
		for _, arg := range node.Args {
			score += Score(arg)
		}
		for _, arg := range node.Named {
			score += Score(arg)
		}
		return score
	case expr.ObjectExpr:
		score := 0
		for _, f := range node.Fields {
			score += Score(f)
		}
		return score
	case expr.ArrayExpr:
		score := 0
		for _, elem := range node.Elems {
			score += Score(elem)
		}
		return score
	default:
		return 0
	}
}

func familyCost(name string) int {
	family, ok := expr.Lookup(name)
	if !ok {
		return 0
	}
	switch family {
	case expr.FamilyArithmetic, expr.FamilyMath, expr.FamilyString:
		return 1
	case expr.FamilyConditional:
		return 2
	case expr.FamilyArray:
		return 2
	default:
		return 0
	}
}
