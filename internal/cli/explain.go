package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// ExplainOptions holds flags for the explain command.
type ExplainOptions struct {
	*RootOptions
}

// NewExplainCommand creates the explain command.
func NewExplainCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExplainOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "explain <collection> <pipeline>",
		Short: "Show the execution plan for a pipeline",
		Long: `Show how an aggregation pipeline would execute, without running it.

Reports whether the pipeline compiles to SQL, the generated statement and
parameters when it does, and the reason for interpreter fallback when it
does not.

Example:
  mongrel explain --db ./data.db sales @pipeline.json
  mongrel explain --db ./data.db sales '[{"$lookup": {}}]'`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExplain(opts, args[0], args[1], cmd)
		},
	}

	return cmd
}

func runExplain(opts *ExplainOptions, collection, pipelineArg string, cmd *cobra.Command) error {
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

	explain, err := col.ExplainAggregate(stages)
	if err != nil {
		return WrapExitError(ExitFailure, "invalid pipeline", err)
	}

	if f.Format == "json" {
		return f.Success(map[string]any{
			"used_sql": explain.UsedSQL,
			"sql":      explain.SQL,
			"params":   explain.Params,
			"reason":   explain.Reason,
		})
	}
	if explain.UsedSQL {
		fmt.Fprintln(f.Writer, "plan: sql")
		fmt.Fprintln(f.Writer, explain.SQL)
		if len(explain.Params) > 0 {
			fmt.Fprintf(f.Writer, "params: %v\n", explain.Params)
		}
		return nil
	}
	fmt.Fprintln(f.Writer, "plan: interpreter")
	fmt.Fprintf(f.Writer, "reason: %s\n", explain.Reason)
	return nil
}
