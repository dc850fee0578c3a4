package cli

import (
	"github.com/mongreldb/mongrel/internal/store"
	"github.com/spf13/cobra"
)

// FindOptions holds flags for the find command.
type FindOptions struct {
	*RootOptions
	Filter string
	Sort   string
	Skip   int64
	Limit  int64
}

// NewFindCommand creates the find command.
func NewFindCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FindOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "find <collection>",
		Short: "Run a find-style query",
		Long: `Run a find-style query against a collection.

The filter and sort are inline JSON, or "@path" to load a JSON/CUE file.
Supported filters compile to a single SQL statement; anything the
translator cannot express runs through the interpreter with the same
results.

Example:
  mongrel find --db ./data.db users --filter '{"age": {"$gte": 21}}'
  mongrel find --db ./data.db users --filter @query.cue --sort '{"age": -1}' --limit 10`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFind(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Filter, "filter", "{}", "filter document (inline JSON or @file)")
	cmd.Flags().StringVar(&opts.Sort, "sort", "", "sort specification (inline JSON or @file)")
	cmd.Flags().Int64Var(&opts.Skip, "skip", 0, "number of documents to skip")
	cmd.Flags().Int64Var(&opts.Limit, "limit", 0, "maximum number of documents to return (0 = no limit)")

	return cmd
}

func runFind(opts *FindOptions, collection string, cmd *cobra.Command) error {
	f := formatter(opts.RootOptions, cmd)

	filterRaw, err := ParseInlineOrFile(opts.Filter)
	if err != nil {
		return err
	}
	filter, err := FilterDocument(filterRaw)
	if err != nil {
		return err
	}

	var sort any
	if opts.Sort != "" {
		sort, err = ParseInlineOrFile(opts.Sort)
		if err != nil {
			return err
		}
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

	docs, explain, err := col.Find(cmd.Context(), store.FindQuery{
		Filter: filter,
		Sort:   sort,
		Skip:   opts.Skip,
		Limit:  opts.Limit,
	})
	if err != nil {
		return WrapExitError(ExitFailure, "query failed", err)
	}

	if explain != nil {
		if explain.UsedSQL {
			f.VerboseLog("path=sql sql=%s params=%v", explain.SQL, explain.Params)
		} else {
			f.VerboseLog("path=fallback reason=%s", explain.Reason)
		}
	}
	return printDocuments(f, docs)
}
