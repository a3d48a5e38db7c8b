package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coyaSONG/tab/audit"
)

func newVerifyJournalCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-journal <path>",
		Short: "walk an audit journal's hash chain and report the first tampered record, if any",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			result, err := audit.VerifyChain(f)
			if err != nil {
				return fmt.Errorf("reading journal: %w", err)
			}

			if result.Valid {
				fmt.Fprintf(cmd.OutOrStdout(), "ok: %d records, chain intact\n", result.RecordCount)
				return nil
			}

			fmt.Fprintf(cmd.OutOrStdout(), "tampered at record %d of %d: %s\n", result.TamperedAt, result.RecordCount, result.TamperReason)
			os.Exit(1)
			return nil
		},
	}
}
