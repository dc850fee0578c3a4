package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// LoadQueryValue reads a filter, pipeline or document file and returns its
// decoded native form. Files ending in .cue are evaluated as CUE; everything
// else is parsed as JSON. JSON numbers are kept as json.Number so integer
// literals survive the trip into the document model.
func LoadQueryValue(path string) (any, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, &ExitError{Code: ExitCommandError, Message: fmt.Sprintf("file not found: %s", path)}
	}
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "reading "+path, err)
	}
	if filepath.Ext(path) == ".cue" {
		return decodeCUE(path, data)
	}
	return DecodeJSONValue(data)
}

// ParseInlineOrFile interprets an argument that is either an inline JSON
// value or, when prefixed with "@", a path to a JSON/CUE file.
func ParseInlineOrFile(arg string) (any, error) {
	if strings.HasPrefix(arg, "@") {
		return LoadQueryValue(arg[1:])
	}
	return DecodeJSONValue([]byte(arg))
}

// DecodeJSONValue parses a single JSON value, preserving numbers.
func DecodeJSONValue(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, WrapExitError(ExitCommandError, "parsing JSON", err)
	}
	// Trailing content means the input was not a single value.
	if dec.More() {
		return nil, NewExitError(ExitCommandError, "trailing data after JSON value")
	}
	return v, nil
}

// decodeCUE evaluates a standalone CUE file and converts the result to the
// same native shape the JSON decoder produces.
func decodeCUE(path string, data []byte) (any, error) {
	ctx := cuecontext.New()
	val := ctx.CompileBytes(data, cue.Filename(path))
	if err := val.Err(); err != nil {
		return nil, WrapExitError(ExitCommandError, "compiling CUE", err)
	}
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, WrapExitError(ExitCommandError, "CUE value is not concrete", err)
	}
	// Round-trip through JSON so CUE structs and lists arrive as
	// map[string]any / []any with json.Number leaves, matching JSON input.
	encoded, err := json.Marshal(val)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "encoding CUE value", err)
	}
	return DecodeJSONValue(encoded)
}

// PipelineStages coerces a loaded value into the []any shape the
// aggregation parser expects.
func PipelineStages(v any) ([]any, error) {
	stages, ok := v.([]any)
	if !ok {
		return nil, NewExitError(ExitCommandError, "pipeline must be a JSON array of stages")
	}
	return stages, nil
}

// FilterDocument coerces a loaded value into a filter document.
func FilterDocument(v any) (map[string]any, error) {
	filter, ok := v.(map[string]any)
	if !ok {
		return nil, NewExitError(ExitCommandError, "filter must be a JSON object")
	}
	return filter, nil
}
