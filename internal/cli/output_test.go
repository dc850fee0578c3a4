package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Success(map[string]any{"inserted": 3})
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
	assert.Nil(t, resp.Error)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Error(ErrCodeBadQuery, "unknown operator $frobnicate", nil)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeBadQuery, resp.Error.Code)
	assert.Equal(t, "unknown operator $frobnicate", resp.Error.Message)
}

func TestOutputFormatter_JSONErrorWithDetails(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	details := map[string]string{"file": "query.cue"}
	err := formatter.Error(ErrCodeLoadFailed, "compiling CUE", details)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	err := formatter.Success("inserted 3 documents")
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "inserted 3 documents")
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	err := formatter.Error(ErrCodeStoreFailed, "database is locked", nil)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Error [E005]: database is locked")
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:    "json",
		Writer:    out,
		ErrWriter: errOut,
		Verbose:   true,
	}

	formatter.VerboseLog("plan: %s", "sql")
	assert.Empty(t, out.String(), "diagnostics must not corrupt JSON output")
	assert.Contains(t, errOut.String(), "plan: sql")

	formatter.Verbose = false
	errOut.Reset()
	formatter.VerboseLog("plan: %s", "fallback")
	assert.Empty(t, errOut.String())
}

func TestOutputFormatter_GetErrWriter(t *testing.T) {
	out := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: out}
	assert.Equal(t, out, formatter.GetErrWriter().(*bytes.Buffer))

	errOut := &bytes.Buffer{}
	formatter.ErrWriter = errOut
	assert.Equal(t, errOut, formatter.GetErrWriter().(*bytes.Buffer))
}

func TestExitError(t *testing.T) {
	plain := NewExitError(ExitCommandError, "file not found")
	assert.Equal(t, "file not found", plain.Error())
	assert.Equal(t, ExitCommandError, GetExitCode(plain))

	inner := errors.New("disk gone")
	wrapped := WrapExitError(ExitFailure, "query failed", inner)
	assert.Equal(t, "query failed: disk gone", wrapped.Error())
	assert.Equal(t, ExitFailure, GetExitCode(wrapped))
	assert.True(t, errors.Is(wrapped, inner))

	// Wrapping an ExitError deeper keeps its code reachable.
	outer := fmt.Errorf("context: %w", plain)
	assert.Equal(t, ExitCommandError, GetExitCode(outer))

	assert.Equal(t, ExitFailure, GetExitCode(errors.New("anonymous")))
}
