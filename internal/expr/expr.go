package expr

import (
	"github.com/mongreldb/mongrel/internal/document"
)

// Expression represents a node of a parsed aggregation expression.
//
// This is a sealed interface - only types in this package implement it.
// The marker method pattern prevents external implementations and enables
// exhaustive type switches in the interpreter and the SQL translators.
//
// Expression types:
//   - FieldRef: a dotted/bracketed path into the current document, or one
//     of the reserved variables $$ROOT, $$CURRENT, $$REMOVE
//   - Literal: a constant document value
//   - Operator: a named operator applied to operands
//   - ObjectExpr: document construction, each field an expression
//   - ArrayExpr: array construction, each element an expression
//
// ObjectExpr and ArrayExpr realize document/array literals with embedded
// expressions ({"x": "$a"}) inside the closed sum; a plain map or array
// whose leaves are all constants parses to Literal instead.
type Expression interface {
	exprNode() // Marker method - seals interface to this package
}

// Reserved aggregation variables.
const (
	RootVar    = "$$ROOT"
	CurrentVar = "$$CURRENT"
	RemoveVar  = "$$REMOVE"
)

// FieldRef references a field of the current document by path
// (e.g. "a.b[0].c"), or a reserved variable when Path is one of the
// $$-prefixed constants.
type FieldRef struct {
	Path string
}

func (FieldRef) exprNode() {}

// IsVar reports whether the reference is a reserved $$-variable.
func (f FieldRef) IsVar() bool {
	return len(f.Path) >= 2 && f.Path[0] == '$' && f.Path[1] == '$'
}

// Literal holds a constant value.
type Literal struct {
	Value document.Value
}

func (Literal) exprNode() {}

// Operator applies a named operator to operands. Positional operands live
// in Args; map-form operands (e.g. $cond's if/then/else, $trim's
// input/chars) live in Named. Exactly one of the two forms is populated
// for most operators, per the operator table.
type Operator struct {
	Name  string
	Args  []Expression
	Named map[string]Expression
}

func (Operator) exprNode() {}

// ObjectExpr constructs a document from per-field expressions.
type ObjectExpr struct {
	Fields map[string]Expression
}

func (ObjectExpr) exprNode() {}

// ArrayExpr constructs an array from element expressions.
type ArrayExpr struct {
	Elems []Expression
}

func (ArrayExpr) exprNode() {}

// Family groups operators by behavior. The SQL translators and the
// interpreter dispatch per family, keeping the two implementations aligned.
type Family int

const (
	FamilyComparison Family = iota
	FamilyLogical
	FamilyArithmetic
	FamilyConditional
	FamilyArray
	FamilyString
	FamilyMath
	FamilyDate
	FamilyObject
	FamilyConversion
)

// opInfo describes one operator: its family and the operand shapes it
// accepts. minArgs/maxArgs constrain list-form operands; maxArgs -1 means
// unbounded. required lists mandatory keys of map-form operands; optional
// lists the allowed extras.
type opInfo struct {
	family   Family
	minArgs  int
	maxArgs  int
	mapForm  bool
	required []string
	optional []string
}

// operators is the closed operator table. An operator absent from this
// table is unknown: a structural error in the interpreter and the
// untranslatable signal in the SQL tiers.
var operators = map[string]opInfo{
	// Comparison
	"$eq":  {family: FamilyComparison, minArgs: 2, maxArgs: 2},
	"$ne":  {family: FamilyComparison, minArgs: 2, maxArgs: 2},
	"$gt":  {family: FamilyComparison, minArgs: 2, maxArgs: 2},
	"$gte": {family: FamilyComparison, minArgs: 2, maxArgs: 2},
	"$lt":  {family: FamilyComparison, minArgs: 2, maxArgs: 2},
	"$lte": {family: FamilyComparison, minArgs: 2, maxArgs: 2},
	"$cmp": {family: FamilyComparison, minArgs: 2, maxArgs: 2},

	// Logical
	"$and": {family: FamilyLogical, minArgs: 1, maxArgs: -1},
	"$or":  {family: FamilyLogical, minArgs: 1, maxArgs: -1},
	"$nor": {family: FamilyLogical, minArgs: 1, maxArgs: -1},
	"$not": {family: FamilyLogical, minArgs: 1, maxArgs: 1},

	// Arithmetic
	"$add":      {family: FamilyArithmetic, minArgs: 1, maxArgs: -1},
	"$subtract": {family: FamilyArithmetic, minArgs: 2, maxArgs: 2},
	"$multiply": {family: FamilyArithmetic, minArgs: 1, maxArgs: -1},
	"$divide":   {family: FamilyArithmetic, minArgs: 2, maxArgs: 2},
	"$mod":      {family: FamilyArithmetic, minArgs: 2, maxArgs: 2},

	// Conditional
	"$cond":   {family: FamilyConditional, minArgs: 3, maxArgs: 3, mapForm: true, required: []string{"if", "then"}, optional: []string{"else"}},
	"$ifNull": {family: FamilyConditional, minArgs: 2, maxArgs: -1},
	"$switch": {family: FamilyConditional, mapForm: true, required: []string{"branches"}, optional: []string{"default"}},

	// Array
	"$size":         {family: FamilyArray, minArgs: 1, maxArgs: 1},
	"$in":           {family: FamilyArray, minArgs: 2, maxArgs: 2},
	"$isArray":      {family: FamilyArray, minArgs: 1, maxArgs: 1},
	"$arrayElemAt":  {family: FamilyArray, minArgs: 2, maxArgs: 2},
	"$concatArrays": {family: FamilyArray, minArgs: 1, maxArgs: -1},
	"$sum":          {family: FamilyArray, minArgs: 1, maxArgs: -1},
	"$avg":          {family: FamilyArray, minArgs: 1, maxArgs: -1},
	"$min":          {family: FamilyArray, minArgs: 1, maxArgs: -1},
	"$max":          {family: FamilyArray, minArgs: 1, maxArgs: -1},
	"$filter":       {family: FamilyArray, mapForm: true, required: []string{"input", "cond"}, optional: []string{"as"}},
	"$map":          {family: FamilyArray, mapForm: true, required: []string{"input", "in"}, optional: []string{"as"}},
	"$reduce":       {family: FamilyArray, mapForm: true, required: []string{"input", "initialValue", "in"}},

	// String
	"$concat":      {family: FamilyString, minArgs: 1, maxArgs: -1},
	"$toLower":     {family: FamilyString, minArgs: 1, maxArgs: 1},
	"$toUpper":     {family: FamilyString, minArgs: 1, maxArgs: 1},
	"$strLenCP":    {family: FamilyString, minArgs: 1, maxArgs: 1},
	"$substrCP":    {family: FamilyString, minArgs: 3, maxArgs: 3},
	"$trim":        {family: FamilyString, mapForm: true, required: []string{"input"}, optional: []string{"chars"}},
	"$ltrim":       {family: FamilyString, mapForm: true, required: []string{"input"}, optional: []string{"chars"}},
	"$rtrim":       {family: FamilyString, mapForm: true, required: []string{"input"}, optional: []string{"chars"}},
	"$split":       {family: FamilyString, minArgs: 2, maxArgs: 2},
	"$replaceOne":  {family: FamilyString, mapForm: true, required: []string{"input", "find", "replacement"}},
	"$replaceAll":  {family: FamilyString, mapForm: true, required: []string{"input", "find", "replacement"}},
	"$regexMatch":  {family: FamilyString, mapForm: true, required: []string{"input", "regex"}, optional: []string{"options"}},
	"$regexFind":   {family: FamilyString, mapForm: true, required: []string{"input", "regex"}, optional: []string{"options"}},
	"$regexFindAll": {family: FamilyString, mapForm: true, required: []string{"input", "regex"}, optional: []string{"options"}},

	// Math
	"$abs":   {family: FamilyMath, minArgs: 1, maxArgs: 1},
	"$ceil":  {family: FamilyMath, minArgs: 1, maxArgs: 1},
	"$floor": {family: FamilyMath, minArgs: 1, maxArgs: 1},
	"$round": {family: FamilyMath, minArgs: 1, maxArgs: 2},
	"$trunc": {family: FamilyMath, minArgs: 1, maxArgs: 2},
	"$pow":   {family: FamilyMath, minArgs: 2, maxArgs: 2},
	"$sqrt":  {family: FamilyMath, minArgs: 1, maxArgs: 1},
	"$exp":   {family: FamilyMath, minArgs: 1, maxArgs: 1},
	"$ln":    {family: FamilyMath, minArgs: 1, maxArgs: 1},
	"$log10": {family: FamilyMath, minArgs: 1, maxArgs: 1},
	// $log2 is a non-standard extension kept for backward compatibility
	// with existing callers.
	"$log2": {family: FamilyMath, minArgs: 1, maxArgs: 1},

	// Date
	"$year":         {family: FamilyDate, minArgs: 1, maxArgs: 1},
	"$month":        {family: FamilyDate, minArgs: 1, maxArgs: 1},
	"$dayOfMonth":   {family: FamilyDate, minArgs: 1, maxArgs: 1},
	"$hour":         {family: FamilyDate, minArgs: 1, maxArgs: 1},
	"$minute":       {family: FamilyDate, minArgs: 1, maxArgs: 1},
	"$second":       {family: FamilyDate, minArgs: 1, maxArgs: 1},
	"$millisecond":  {family: FamilyDate, minArgs: 1, maxArgs: 1},
	"$dayOfWeek":    {family: FamilyDate, minArgs: 1, maxArgs: 1},
	"$dayOfYear":    {family: FamilyDate, minArgs: 1, maxArgs: 1},
	"$week":         {family: FamilyDate, minArgs: 1, maxArgs: 1},
	"$isoWeek":      {family: FamilyDate, minArgs: 1, maxArgs: 1},
	"$isoWeekYear":  {family: FamilyDate, minArgs: 1, maxArgs: 1},
	"$dateAdd":      {family: FamilyDate, mapForm: true, required: []string{"startDate", "unit", "amount"}},
	"$dateSubtract": {family: FamilyDate, mapForm: true, required: []string{"startDate", "unit", "amount"}},
	"$dateDiff":     {family: FamilyDate, mapForm: true, required: []string{"startDate", "endDate", "unit"}},

	// Object
	"$mergeObjects": {family: FamilyObject, minArgs: 1, maxArgs: -1},
	"$getField":     {family: FamilyObject, mapForm: true, required: []string{"field"}, optional: []string{"input"}},
	"$setField":     {family: FamilyObject, mapForm: true, required: []string{"field", "input", "value"}},

	// Type conversion
	"$type":     {family: FamilyConversion, minArgs: 1, maxArgs: 1},
	"$toBool":   {family: FamilyConversion, minArgs: 1, maxArgs: 1},
	"$toInt":    {family: FamilyConversion, minArgs: 1, maxArgs: 1},
	"$toLong":   {family: FamilyConversion, minArgs: 1, maxArgs: 1},
	"$toDouble": {family: FamilyConversion, minArgs: 1, maxArgs: 1},
	"$toString": {family: FamilyConversion, minArgs: 1, maxArgs: 1},
}

// Lookup returns the operator table entry for name.
func Lookup(name string) (family Family, known bool) {
	info, ok := operators[name]
	return info.family, ok
}

// IsOperatorName reports whether s looks like an operator key ($-prefixed,
// not a $$-variable).
func IsOperatorName(s string) bool {
	return len(s) > 1 && s[0] == '$' && s[1] != '$'
}
