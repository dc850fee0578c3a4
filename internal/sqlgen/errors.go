package sqlgen

import (
	"errors"
	"fmt"
)

// ErrUnsupported is the typed "no SQL" outcome: the expression or query is
// well formed, but this tier cannot express its semantics in SQL. Callers
// check it with errors.Is and fall back to the interpreter.
//
// Structural errors from expression parsing are converted to this signal
// at the translation entry points: translation failure is never fatal.
var ErrUnsupported = errors.New("no SQL translation")

// unsupportedf wraps ErrUnsupported with context for diagnostics.
func unsupportedf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrUnsupported)...)
}
