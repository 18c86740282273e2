package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/keel-sh/keel/internal/consent"
	"github.com/keel-sh/keel/internal/event"
	"github.com/keel-sh/keel/internal/runtime"
)

func init() {
	rootCmd.AddCommand(newRunCmd())
}

func newRunCmd() *cobra.Command {
	var input string
	var jsonOut bool

	cmd := &cobra.Command{
		Use:     "run <agent>",
		Short:   "Run an agent through the consent gate",
		Example: `  keel run summarizer --input "summarize ~/notes"`,
		Args:    cobra.ExactArgs(1),
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
			info, ok := reg.Get(name)
			if !ok {
				return fmt.Errorf("unknown agent %q", name)
			}
			if !info.Enabled {
				return fmt.Errorf("agent %q is disabled", name)
			}

			manager, fs, err := newCapabilityManager()
			if err != nil {
				return err
			}
			policy, err := loadPolicy()
			if err != nil {
				return err
			}

			issuer := runtime.NewTicketIssuer(manager, 0)
			wasmHost, err := runtime.NewWasmHost(cmd.Context(), issuer)
			if err != nil {
				return err
			}
			defer wasmHost.Close(cmd.Context())

			opts := []runtime.Option{
				runtime.WithGrantStore(fs),
				runtime.WithStateStore(store),
			}
			if policy != nil {
				opts = append(opts, runtime.WithPolicy(policy))
			}
			rt := runtime.New(
				manager,
				durableLedger(store),
				consent.NewTerminalPrompter(),
				issuer,
				wasmHost,
				runtime.NewNativeRunner(issuer),
				opts...,
			)

			events, err := rt.Execute(cmd.Context(), info.Manifest, info.BaseDir, input)
			if err != nil {
				return err
			}
			return renderEvents(events, jsonOut)
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "input prompt passed to the agent")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print raw event JSON, one per line")
	return cmd
}

func renderEvents(events []event.Event, jsonOut bool) error {
	var failed bool
	for _, ev := range events {
		if jsonOut {
			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			continue
		}

		switch payload := ev.Payload.(type) {
		case event.Output:
			os.Stdout.Write(payload.Data)
			if payload.Complete {
				fmt.Println()
			}
		case event.Artifact:
			fmt.Printf("[artifact] %s (%s) at %s\n", payload.ID, payload.Kind, payload.Path)
		case event.ConsentGrant:
			fmt.Printf("[consent] granted %s\n", payload.Capability)
		case event.Error:
			failed = true
			fmt.Fprintf(os.Stderr, "[error] %s: %s\n", payload.Code, payload.Message)
		}
	}
	if failed {
		return fmt.Errorf("run finished with errors")
	}
	return nil
}
