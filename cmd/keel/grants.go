package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/keel-sh/keel/internal/capability"
	"github.com/keel-sh/keel/internal/consent"
	"github.com/keel-sh/keel/internal/state"
)

// cliAgentID marks ledger entries produced by direct CLI commands
// rather than an agent run.
const cliAgentID = "cli"

var grantsCmd = &cobra.Command{
	Use:   "grants",
	Short: "Inspect and manage capability grants",
}

func init() {
	rootCmd.AddCommand(grantsCmd)
	grantsCmd.AddCommand(newGrantsListCmd())
	grantsCmd.AddCommand(newGrantsGrantCmd())
	grantsCmd.AddCommand(newGrantsRevokeCmd())
}

func durableLedger(store *state.Store) *consent.Ledger {
	return consent.NewLedger().WithSink(state.NewConsentSink(store))
}

func newGrantsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Short:   "List active capability grants",
		Example: `  keel grants list`,
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			manager, _, err := newCapabilityManager()
			if err != nil {
				return err
			}

			grants := manager.ActiveGrants()
			if len(grants) == 0 {
				fmt.Println("No active grants.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "CAPABILITY\tGRANTED\tEXPIRES")
			for _, g := range grants {
				expires := "never"
				if g.ExpiresAt != nil {
					expires = g.ExpiresAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n",
					g.Capability.String(), g.GrantedAt.Format(time.RFC3339), expires)
			}
			return w.Flush()
		},
	}
}

func newGrantsGrantCmd() *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "grant <scope.action>",
		Short: "Grant a capability",
		Example: `  keel grants grant files.read
  keel grants grant net.fetch --duration 1h`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			c, err := capability.Parse(args[0])
			if err != nil {
				return err
			}

			manager, fs, err := newCapabilityManager()
			if err != nil {
				return err
			}

			var d *time.Duration
			if duration > 0 {
				d = &duration
			}
			manager.Grant(c, d)
			if err := saveGrants(manager, fs); err != nil {
				return err
			}

			store, err := openState()
			if err != nil {
				return err
			}
			defer store.Close()
			durableLedger(store).LogGrant(cliAgentID, c.String(), d)

			fmt.Printf("Granted %s\n", c.String())
			return nil
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 0, "time-bound the grant (e.g. 30m, 1h); 0 means no expiry")
	return cmd
}

func newGrantsRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "revoke <scope.action>",
		Short:   "Revoke a capability",
		Example: `  keel grants revoke files.read`,
		Args:    cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			c, err := capability.Parse(args[0])
			if err != nil {
				return err
			}

			manager, fs, err := newCapabilityManager()
			if err != nil {
				return err
			}
			if err := manager.Revoke(c); err != nil {
				return err
			}
			if err := saveGrants(manager, fs); err != nil {
				return err
			}

			store, err := openState()
			if err != nil {
				return err
			}
			defer store.Close()
			durableLedger(store).LogRevoke(cliAgentID, c.String())

			fmt.Printf("Revoked %s\n", c.String())
			return nil
		},
	}
}

func saveGrants(manager *capability.Manager, fs *capability.FileStore) error {
	grants := manager.ActiveGrants()
	caps := make([]capability.Capability, 0, len(grants))
	for _, g := range grants {
		caps = append(caps, g.Capability)
	}
	return fs.Save(caps)
}
