package cli

import (
	"github.com/spf13/cobra"
)

// AggregateOptions holds flags for the aggregate command.
type AggregateOptions struct {
	*RootOptions
}

// NewAggregateCommand creates the aggregate command.
func NewAggregateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AggregateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "aggregate <collection> <pipeline>",
		Short: "Run an aggregation pipeline",
		Long: `Run an aggregation pipeline against a collection.

The pipeline is inline JSON, or "@path" to load a JSON/CUE file holding an
array of stages. Pipelines made of supported stages compile to one chained
CTE statement; anything else runs through the interpreter with the same
results.

Example:
  mongrel aggregate --db ./data.db sales '[{"$group": {"_id": "$region", "total": {"$sum": "$amount"}}}]'
  mongrel aggregate --db ./data.db sales @pipeline.cue`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAggregate(opts, args[0], args[1], cmd)
		},
	}

	return cmd
}

func runAggregate(opts *AggregateOptions, collection, pipelineArg string, cmd *cobra.Command) error {
	f := formatter(opts.RootOptions, cmd)

	raw, err := ParseInlineOrFile(pipelineArg)
	if err != nil {
		return err
	}
	stages, err := PipelineStages(raw)
	if err != nil {
		return err
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

	docs, explain, err := col.Aggregate(cmd.Context(), stages)
	if err != nil {
		return WrapExitError(ExitFailure, "pipeline failed", err)
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
