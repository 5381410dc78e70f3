package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var transfersLimit int

func newTransfersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transfers",
		Short: "Show the transfer journal",
		Long: `Show the most recent uploads and downloads handled by this node, including
skipped, rejected and failed requests.`,
		Example: `  lansync transfers
  lansync transfers --limit 200`,
		Args: cobra.NoArgs,
		RunE: transfersRun,
	}

	cmd.Flags().IntVar(&transfersLimit, "limit", 50, "number of entries to show (0 for all)")

	return cmd
}

func transfersRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}
	if transfersLimit < 0 {
		return fmt.Errorf("--limit must not be negative")
	}

	records, err := globalStore.ListTransfers(transfersLimit)
	if err != nil {
		return fmt.Errorf("listing transfers: %w", err)
	}
	if len(records) == 0 {
		fmt.Println("No transfers recorded.")
		return nil
	}

	fmt.Printf("%-16s %-9s %-11s %10s %-32s %s\n", "When", "Direction", "Outcome", "Size", "File", "Remote")
	fmt.Println(strings.Repeat("-", 100))
	for _, t := range records {
		fmt.Printf("%-16s %-9s %-11s %10s %-32s %s\n",
			humanize.Time(t.CreatedAt),
			t.Direction,
			t.Outcome,
			humanize.Bytes(uint64(t.Size)),
			truncate(t.Filename, 32),
			orDash(t.Remote),
		)
	}
	return nil
}
