package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/keel-sh/keel/internal/oauth"
	"github.com/keel-sh/keel/internal/state"
)

var oauthCmd = &cobra.Command{
	Use:   "oauth",
	Short: "Obtain and manage brokered OAuth tokens",
}

func init() {
	rootCmd.AddCommand(oauthCmd)
	oauthCmd.AddCommand(newOAuthLoginCmd())
	oauthCmd.AddCommand(newOAuthListCmd())
	oauthCmd.AddCommand(newOAuthRevokeCmd())
}

func handleKey(id string) string {
	return "oauth/handles/" + id
}

func newBroker(cmd *cobra.Command, store *state.Store) (*oauth.Broker, error) {
	v, err := openVault(cmd, store)
	if err != nil {
		return nil, err
	}

	broker := oauth.NewBroker(v, durableLedger(store))
	if id := viper.GetString("oauth.github.client_id"); id != "" {
		broker.RegisterProvider(oauth.GitHubProvider(id))
	}
	if id := viper.GetString("oauth.google.client_id"); id != "" {
		broker.RegisterProvider(oauth.GoogleProvider(id))
	}
	return broker, nil
}

func newOAuthLoginCmd() *cobra.Command {
	var provider, flow string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Obtain a token from a provider",
		Example: `  keel oauth login --provider github
  keel oauth login --provider google --flow pkce`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openState()
			if err != nil {
				return err
			}
			defer store.Close()

			broker, err := newBroker(cmd, store)
			if err != nil {
				return err
			}

			var handle oauth.TokenHandle
			switch flow {
			case "device":
				handle, err = broker.RequestTokenDeviceCode(cmd.Context(), provider, nil,
					func(da oauth.DeviceAuthorization) {
						fmt.Printf("Visit %s and enter code: %s\n", da.VerificationURI, da.UserCode)
					})
			case "pkce":
				handle, err = broker.RequestTokenPKCE(cmd.Context(), provider, nil,
					func(authURL string) (string, error) {
						fmt.Printf("Open the following URL and authorize:\n\n  %s\n\nPaste the code: ", authURL)
						reader := bufio.NewReader(os.Stdin)
						code, err := reader.ReadString('\n')
						if err != nil {
							return "", err
						}
						return strings.TrimSpace(code), nil
					})
			default:
				return fmt.Errorf("unknown flow %q (want device or pkce)", flow)
			}
			if err != nil {
				return err
			}

			// Persist the handle so later commands can refer to it.
			raw, err := json.Marshal(handle)
			if err != nil {
				return err
			}
			if err := store.Set(cmd.Context(), handleKey(handle.ID.String()), string(raw)); err != nil {
				return err
			}
			fmt.Printf("Logged in to %s, handle %s\n", provider, handle.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "github", "provider name (github, google)")
	cmd.Flags().StringVar(&flow, "flow", "device", "authorization flow (device, pkce)")
	return cmd
}

func newOAuthListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored token handles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openState()
			if err != nil {
				return err
			}
			defer store.Close()

			keys, err := store.Keys(cmd.Context())
			if err != nil {
				return err
			}
			found := false
			for _, key := range keys {
				if !strings.HasPrefix(key, "oauth/handles/") {
					continue
				}
				raw, err := store.Get(cmd.Context(), key)
				if err != nil {
					return err
				}
				var handle oauth.TokenHandle
				if err := json.Unmarshal([]byte(raw), &handle); err != nil {
					return err
				}
				fmt.Printf("%s  %s  %s\n", handle.ID, handle.Provider, strings.Join(handle.Scopes, ","))
				found = true
			}
			if !found {
				fmt.Println("No token handles stored.")
			}
			return nil
		},
	}
}

func newOAuthRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "revoke <handle-id>",
		Short:   "Revoke a token and remove it from the vault",
		Example: `  keel oauth revoke 6b3f...`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openState()
			if err != nil {
				return err
			}
			defer store.Close()

			raw, err := store.Get(cmd.Context(), handleKey(args[0]))
			if err != nil {
				return fmt.Errorf("unknown handle %q: %w", args[0], err)
			}
			var handle oauth.TokenHandle
			if err := json.Unmarshal([]byte(raw), &handle); err != nil {
				return err
			}

			broker, err := newBroker(cmd, store)
			if err != nil {
				return err
			}
			if err := broker.Revoke(cmd.Context(), handle); err != nil {
				return err
			}
			if err := store.Delete(cmd.Context(), handleKey(args[0])); err != nil {
				return err
			}
			fmt.Printf("Revoked %s\n", handle.ID)
			return nil
		},
	}
}
