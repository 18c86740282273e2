package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/keel-sh/keel/internal/registry"
	"github.com/keel-sh/keel/internal/state"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Inspect and manage installed agents",
}

func init() {
	rootCmd.AddCommand(agentsCmd)
	agentsCmd.AddCommand(newAgentsListCmd())
	agentsCmd.AddCommand(newAgentsDiscoverCmd())
	agentsCmd.AddCommand(newAgentsEnableCmd(true))
	agentsCmd.AddCommand(newAgentsEnableCmd(false))
	agentsCmd.AddCommand(newAgentsWatchCmd())
}

// disabledKey is the kv marker for agents the user switched off.
func disabledKey(name string) string {
	return "agents/disabled/" + name
}

// discoverAgents builds a registry from the agents directory and applies
// persisted enable/disable state.
func discoverAgents(cmd *cobra.Command, store *state.Store) (*registry.Registry, error) {
	dir, err := agentsDir()
	if err != nil {
		return nil, err
	}

	reg := registry.New()
	if err := reg.Discover(cmd.Context(), dir); err != nil {
		return nil, err
	}
	for _, info := range reg.List() {
		if _, err := store.Get(cmd.Context(), disabledKey(info.Manifest.Name)); err == nil {
			if err := reg.SetEnabled(info.Manifest.Name, false); err != nil {
				return nil, err
			}
		}
	}
	return reg, nil
}

func newAgentsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Short:   "List installed agents",
		Example: `  keel agents list`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openState()
			if err != nil {
				return err
			}
			defer store.Close()

			reg, err := discoverAgents(cmd, store)
			if err != nil {
				return err
			}
			agents := reg.List()
			if len(agents) == 0 {
				fmt.Println("No agents installed.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "NAME\tVERSION\tSANDBOX\tENABLED\tCAPABILITIES")
			for _, info := range agents {
				m := info.Manifest
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n",
					m.Name, m.Version, m.Sandbox, info.Enabled, strings.Join(m.Capabilities, ","))
			}
			return w.Flush()
		},
	}
}

func newAgentsDiscoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "discover",
		Short:   "Scan the agents directory for manifests",
		Example: `  keel agents discover`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openState()
			if err != nil {
				return err
			}
			defer store.Close()

			reg, err := discoverAgents(cmd, store)
			if err != nil {
				return err
			}
			dir, _ := agentsDir()
			fmt.Printf("Discovered %d agent(s) in %s\n", len(reg.List()), dir)
			return nil
		},
	}
}

func newAgentsWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "watch",
		Short:   "Watch the agents directory and print registry changes",
		Example: `  keel agents watch`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openState()
			if err != nil {
				return err
			}
			defer store.Close()

			reg, err := discoverAgents(cmd, store)
			if err != nil {
				return err
			}
			dir, err := agentsDir()
			if err != nil {
				return err
			}

			watcher, err := registry.NewWatcher(reg, dir)
			if err != nil {
				return err
			}
			defer watcher.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Printf("Watching %s for agent changes (ctrl-c to stop)\n", dir)
			watcher.Run(ctx)
			return nil
		},
	}
}

func newAgentsEnableCmd(enable bool) *cobra.Command {
	use, short := "enable <name>", "Enable an agent"
	if !enable {
		use, short = "disable <name>", "Disable an agent"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			store, err := openState()
			if err != nil {
				return err
			}
			defer store.Close()

			reg, err := discoverAgents(cmd, store)
			if err != nil {
				return err
			}
			if _, ok := reg.Get(name); !ok {
				return fmt.Errorf("unknown agent %q", name)
			}

			if enable {
				if err := store.Delete(cmd.Context(), disabledKey(name)); err != nil {
					return err
				}
				fmt.Printf("Agent %q enabled\n", name)
				return nil
			}
			if err := store.Set(cmd.Context(), disabledKey(name), "1"); err != nil {
				return err
			}
			fmt.Printf("Agent %q disabled\n", name)
			return nil
		},
	}
}
