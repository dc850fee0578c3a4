package pipeline

import (
	"fmt"

	"github.com/mongreldb/mongrel/internal/sqlgen"
)

// unsupportedf wraps sqlgen.ErrUnsupported so callers distinguish "run
// the interpreter instead" from real failures with one errors.Is check
// across both packages.
func unsupportedf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{sqlgen.ErrUnsupported}, args...)...)
}

// identifierOK limits names embedded literally in generated SQL, same
// rule as JSON path key segments.
func identifierOK(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
