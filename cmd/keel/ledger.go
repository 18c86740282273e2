package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/keel-sh/keel/internal/consent"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the consent ledger",
}

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(newLedgerExportCmd())
}

func newLedgerExportCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:     "export",
		Short:   "Export the consent ledger as JSON",
		Example: `  keel ledger export --output consent.json`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openState()
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.ConsentEntries(cmd.Context())
			if err != nil {
				return err
			}

			redactor, err := consent.NewRedactor()
			if err != nil {
				return err
			}
			data, err := consent.ExportEntries(entries, redactor)
			if err != nil {
				return err
			}

			if output == "" {
				fmt.Println(string(data))
				return nil
			}
			if err := os.WriteFile(output, data, 0o600); err != nil {
				return err
			}
			fmt.Printf("Wrote %d entries to %s\n", len(entries), output)
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "output file path (default: stdout)")
	return cmd
}
