package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/mongreldb/mongrel/internal/document"
	"github.com/mongreldb/mongrel/internal/store"
	"github.com/spf13/cobra"
)

// openStore opens the database named by the global --db flag and applies
// the global kill switch. The caller owns the returned store.
func openStore(opts *RootOptions) (*store.Store, error) {
	if opts.Database == "" {
		return nil, NewExitError(ExitCommandError, "--db is required")
	}

	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))

	st, err := store.Open(opts.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	st.SetSQLDisabled(opts.NoSQL)
	return st, nil
}

// formatter builds an OutputFormatter bound to the command's writers.
func formatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// printDocuments writes query results. Text mode emits one canonical JSON
// document per line; JSON mode wraps them in the standard response envelope.
func printDocuments(f *OutputFormatter, docs []document.Value) error {
	if f.Format == "json" {
		raw := make([]json.RawMessage, 0, len(docs))
		for _, doc := range docs {
			b, err := document.MarshalCanonical(doc)
			if err != nil {
				return err
			}
			raw = append(raw, json.RawMessage(b))
		}
		return f.Success(raw)
	}
	for _, doc := range docs {
		b, err := document.MarshalCanonical(doc)
		if err != nil {
			return err
		}
		fmt.Fprintln(f.Writer, string(b))
	}
	return nil
}
