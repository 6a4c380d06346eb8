package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coedit-dev/coedit/internal/store"
)

// LogOptions holds flags for the log command.
type LogOptions struct {
	*RootOptions
	DB    string
	Since uint64
}

// NewLogCommand creates the log command, which dumps a document's operation
// log.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "log <document-id>",
		Short: "Dump a document's operation log",
		Long: `Print every logged operation for a document, in revision order.

Example:
  coedit log notes --db ./coedit.db
  coedit log notes --db ./coedit.db --since 40 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLog(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DB, "db", "", "path to SQLite database (required)")
	cmd.Flags().Uint64Var(&opts.Since, "since", 0, "only show operations after this revision")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

// logRow is the JSON shape of one printed log entry.
type logRow struct {
	Revision   uint64 `json:"revision"`
	ClientID   string `json:"clientId"`
	Components string `json:"components"`
}

func runLog(opts *LogOptions, docID string, cmd *cobra.Command) error {
	st, err := store.Open(opts.DB)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ops, err := st.OperationsAfter(cmd.Context(), docID, opts.Since)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read operation log", err)
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	if opts.Format == "json" {
		rows := make([]logRow, len(ops))
		for i, op := range ops {
			rows[i] = logRow{Revision: op.Revision, ClientID: op.ClientID, Components: op.Op.String()}
		}
		return out.Success(rows)
	}

	if len(ops) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No operations.")
		return nil
	}
	for _, op := range ops {
		fmt.Fprintf(cmd.OutOrStdout(), "r%-8d %-16s %s\n", op.Revision, op.ClientID, op.Op.String())
	}
	return nil
}
