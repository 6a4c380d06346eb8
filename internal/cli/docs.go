package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/coedit-dev/coedit/internal/store"
)

// DocsOptions holds flags for the docs command.
type DocsOptions struct {
	*RootOptions
	DB string
}

// NewDocsCommand creates the docs command, which inspects stored documents.
func NewDocsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DocsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "docs",
		Short: "List stored documents and their log state",
		Long: `List every document in the database with its snapshot revision,
head revision, and the number of logged operations.

Example:
  coedit docs --db ./coedit.db
  coedit docs --db ./coedit.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDocs(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DB, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runDocs(opts *DocsOptions, cmd *cobra.Command) error {
	st, err := store.Open(opts.DB)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	stats, err := st.Stats(cmd.Context())
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read document stats", err)
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	if opts.Format == "json" {
		return out.Success(stats)
	}

	if len(stats) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No documents.")
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-32s %12s %12s %12s\n", "DOCUMENT", "HEAD", "SNAPSHOT", "LOGGED OPS")
	for _, d := range stats {
		fmt.Fprintf(&b, "%-32s %12d %12d %12d\n",
			d.ID, d.HeadRevision, d.SnapshotRevision, d.LoggedOperations)
	}
	fmt.Fprint(cmd.OutOrStdout(), b.String())
	return nil
}
