package expr

import (
	"errors"
	"fmt"
)

// StructuralError reports a malformed expression shape.
//
// Structural problems include:
//   - Unknown operator: the node names an operator this system has never
//     heard of
//   - Wrong arity: an operator received the wrong number of operands
//   - Missing key: a map-form operator is missing a required sub-key
//   - Malformed node: a node shape that is not a valid expression at all
//     (for example an operator map with more than one key)
//
// Structural errors indicate a caller or data bug. The interpreter raises
// them loudly; the SQL tiers convert them into the untranslatable signal.
type StructuralError struct {
	// Code identifies the error category.
	Code StructuralErrorCode

	// Op is the operator name involved, if any.
	Op string

	// Message is a human-readable description.
	Message string
}

// StructuralErrorCode categorizes structural errors.
type StructuralErrorCode string

const (
	// ErrCodeUnknownOperator indicates an operator name outside the table.
	ErrCodeUnknownOperator StructuralErrorCode = "UNKNOWN_OPERATOR"

	// ErrCodeWrongArity indicates a wrong operand count.
	ErrCodeWrongArity StructuralErrorCode = "WRONG_ARITY"

	// ErrCodeMissingKey indicates a map-form operator missing a required key.
	ErrCodeMissingKey StructuralErrorCode = "MISSING_KEY"

	// ErrCodeMalformedNode indicates a node that is not a valid expression.
	ErrCodeMalformedNode StructuralErrorCode = "MALFORMED_NODE"
)

// Error implements the error interface.
func (e *StructuralError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Op, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsStructural reports whether err is (or wraps) a StructuralError.
func IsStructural(err error) bool {
	var se *StructuralError
	return errors.As(err, &se)
}

func structuralf(code StructuralErrorCode, op, format string, args ...any) *StructuralError {
	return &StructuralError{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}
