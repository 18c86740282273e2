package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/keel-sh/keel/internal/apperrors"
)

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Manage the secret vault",
}

func init() {
	rootCmd.AddCommand(vaultCmd)
	vaultCmd.AddCommand(newVaultStoreCmd())
	vaultCmd.AddCommand(newVaultFetchCmd())
	vaultCmd.AddCommand(newVaultDeleteCmd())
	vaultCmd.AddCommand(newVaultLockCmd(true))
	vaultCmd.AddCommand(newVaultLockCmd(false))
	vaultCmd.AddCommand(newVaultRotateCmd())
}

// readSecret takes the secret from stdin when piped, otherwise prompts
// with hidden input. Secrets never travel through argv.
func readSecret() (string, error) {
	info, err := os.Stdin.Stat()
	if err == nil && (info.Mode()&os.ModeCharDevice) == 0 {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", err
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}

	var secret string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Secret value").
			EchoMode(huh.EchoModePassword).
			Value(&secret),
	))
	if err := form.Run(); err != nil {
		return "", err
	}
	return secret, nil
}

func newVaultStoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "store <label>",
		Short:   "Store a secret under a label",
		Example: `  echo -n "$TOKEN" | keel vault store github-token`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openState()
			if err != nil {
				return err
			}
			defer store.Close()

			v, err := openVault(cmd, store)
			if err != nil {
				return err
			}

			secret, err := readSecret()
			if err != nil {
				return err
			}
			if err := v.Store(args[0], []byte(secret)); err != nil {
				return err
			}
			fmt.Printf("Stored %q\n", args[0])
			return nil
		},
	}
}

func newVaultFetchCmd() *cobra.Command {
	var reveal bool

	cmd := &cobra.Command{
		Use:     "fetch <label>",
		Short:   "Check a secret, or print it with --reveal",
		Example: `  keel vault fetch github-token --reveal`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openState()
			if err != nil {
				return err
			}
			defer store.Close()

			v, err := openVault(cmd, store)
			if err != nil {
				return err
			}

			secret, err := v.Fetch(args[0])
			if err != nil {
				return err
			}
			if reveal {
				fmt.Println(string(secret))
				return nil
			}
			fmt.Printf("%q is present (%d bytes)\n", args[0], len(secret))
			return nil
		},
	}
	cmd.Flags().BoolVar(&reveal, "reveal", false, "print the secret value")
	return cmd
}

func newVaultDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <label>",
		Short: "Delete a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openState()
			if err != nil {
				return err
			}
			defer store.Close()

			v, err := openVault(cmd, store)
			if err != nil {
				return err
			}
			if err := v.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted %q\n", args[0])
			return nil
		},
	}
}

func newVaultLockCmd(lock bool) *cobra.Command {
	use, short := "lock", "Lock the vault"
	if !lock {
		use, short = "unlock", "Unlock the vault"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openState()
			if err != nil {
				return err
			}
			defer store.Close()

			if lock {
				if err := store.Set(cmd.Context(), lockStateKey, "1"); err != nil {
					return err
				}
				fmt.Println("Vault locked")
				return nil
			}
			if err := store.Delete(cmd.Context(), lockStateKey); err != nil {
				return err
			}
			fmt.Println("Vault unlocked")
			return nil
		},
	}
}

func newVaultRotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Rotate the vault encryption keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openState()
			if err != nil {
				return err
			}
			defer store.Close()

			v, err := openVault(cmd, store)
			if err != nil {
				return err
			}
			if err := v.RotateKeys(); err != nil {
				if errors.Is(err, apperrors.ErrLocked) {
					return fmt.Errorf("vault is locked; run 'keel vault unlock' first")
				}
				return err
			}
			fmt.Println("Keys rotated")
			return nil
		},
	}
}
