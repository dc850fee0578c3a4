package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// ProbeOptions holds flags for the probe command.
type ProbeOptions struct {
	*RootOptions
}

// NewProbeCommand creates the probe command.
func NewProbeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProbeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Report database capabilities",
		Long: `Probe the database for optional capabilities.

Reports the JSON storage dialect (json or jsonb) and whether the REGEXP
operator is available on this connection.

Example:
  mongrel probe --db ./data.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(opts, cmd)
		},
	}

	return cmd
}

func runProbe(opts *ProbeOptions, cmd *cobra.Command) error {
	f := formatter(opts.RootOptions, cmd)

	st, err := openStore(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	caps := map[string]any{
		"dialect": st.Dialect().Name(),
		"jsonb":   st.ProbeCapability(ctx, "jsonb"),
		"regexp":  st.ProbeCapability(ctx, "regexp"),
	}

	if f.Format == "json" {
		return f.Success(caps)
	}
	fmt.Fprintf(f.Writer, "dialect: %s\n", caps["dialect"])
	fmt.Fprintf(f.Writer, "jsonb:   %v\n", caps["jsonb"])
	fmt.Fprintf(f.Writer, "regexp:  %v\n", caps["regexp"])
	return nil
}
