package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewAuditCommand creates the "audit" cobra command.
func NewAuditCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent audit log entries",
		Long: `Audit prints the most recent entries from the append-only audit log,
newest first. Only entries flushed to the durable sink are shown.

Examples:
  voxmill audit
  voxmill audit --limit 100 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				printErr(err)
				return err
			}
			defer app.Close()

			entries, err := app.AuditRecent(cmd.Context(), limit)
			if err != nil {
				printErr(err)
				return err
			}

			return emit(entries, func() {
				for _, e := range entries {
					fmt.Printf("%6d  %s  %-9s  %-30s  %s  %s\n",
						e.SequenceID, e.TimestampUTC.Format("2006-01-02T15:04:05Z"),
						e.Operation, e.Resource, e.Outcome, e.Detail)
				}
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries to show")
	return cmd
}
