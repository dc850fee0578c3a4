package cli

import (
	"fmt"

	"github.com/mongreldb/mongrel/internal/document"
	"github.com/spf13/cobra"
)

// InsertOptions holds flags for the insert command.
type InsertOptions struct {
	*RootOptions
}

// NewInsertCommand creates the insert command.
func NewInsertCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InsertOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "insert <collection> <docs-file>",
		Short: "Insert documents into a collection",
		Long: `Insert documents from a JSON or CUE file into a collection.

The file must contain a JSON array of documents (or a CUE list). A document
with an integer "_id" keeps that id; otherwise ids are assigned by the
database.

Example:
  mongrel insert --db ./data.db users ./users.json
  mongrel insert --db ./data.db events ./events.cue`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInsert(opts, args[0], args[1], cmd)
		},
	}

	return cmd
}

func runInsert(opts *InsertOptions, collection, docsFile string, cmd *cobra.Command) error {
	f := formatter(opts.RootOptions, cmd)

	raw, err := LoadQueryValue(docsFile)
	if err != nil {
		return err
	}
	items, ok := raw.([]any)
	if !ok {
		return NewExitError(ExitCommandError, "documents file must contain a JSON array")
	}

	docs := make([]document.Value, 0, len(items))
	for i, item := range items {
		doc, err := document.FromNative(item)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("document %d", i), err)
		}
		docs = append(docs, doc)
	}

	st, err := openStore(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	col, err := st.Collection(collection)
	if err != nil {
		return WrapExitError(ExitCommandError, "opening collection", err)
	}
	ids, err := col.InsertMany(cmd.Context(), docs)
	if err != nil {
		return WrapExitError(ExitFailure, "insert failed", err)
	}

	f.VerboseLog("inserted %d documents into %s", len(ids), collection)
	if f.Format == "json" {
		return f.Success(map[string]any{"inserted": len(ids), "ids": ids})
	}
	fmt.Fprintf(f.Writer, "inserted %d documents\n", len(ids))
	return nil
}
