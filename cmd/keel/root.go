package main

import (
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	_ "modernc.org/sqlite"

	"github.com/keel-sh/keel/internal/capability"
	"github.com/keel-sh/keel/internal/consent"
	"github.com/keel-sh/keel/internal/state"
	"github.com/keel-sh/keel/internal/vault"
)

var (
	cfgFile string
	verbose bool
)

// rootCmd is the application entry point.
var rootCmd = &cobra.Command{
	Use:   "keel",
	Short: "Capability and consent control plane for local agents",
	Long: `Keel runs local agents behind an explicit consent gate. Agents declare
the capabilities they need in a manifest; keel resolves each request
through policy or an interactive prompt, records every decision in an
append-only ledger, and keeps credentials in a lockable vault that
agents can never read directly.`,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		setupLogging()
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.keel.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
}

// initConfig loads configuration from the config file and environment.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			slog.Error("failed to find home directory", "error", err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".keel")
	}

	viper.SetEnvPrefix("KEEL")
	viper.AutomaticEnv()

	viper.SetDefault("vault.backend", "keychain")

	if err := viper.ReadInConfig(); err == nil {
		slog.Debug("using config file", "file", viper.ConfigFileUsed())
	}
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	// Using TextHandler for CLI friendliness
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
}

// keelDir returns the data directory, creating it if needed.
func keelDir() (string, error) {
	if dir := viper.GetString("data_dir"); dir != "" {
		return dir, os.MkdirAll(dir, 0o755)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".keel")
	return dir, os.MkdirAll(dir, 0o755)
}

func agentsDir() (string, error) {
	if dir := viper.GetString("agents_dir"); dir != "" {
		return dir, nil
	}
	dir, err := keelDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "agents"), nil
}

func openState() (*state.Store, error) {
	path := viper.GetString("state_db")
	if path == "" {
		dir, err := keelDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "state.db")
	}
	return state.Open(path)
}

func openSQLite(path string) (*sql.DB, error) {
	return sql.Open("sqlite", path)
}

// lockStateKey marks the vault locked across CLI invocations.
const lockStateKey = "vault/locked"

// openVault builds the configured vault backend and restores the
// persisted lock state.
func openVault(cmd *cobra.Command, store *state.Store) (*vault.Vault, error) {
	var backend vault.Backend
	switch name := viper.GetString("vault.backend"); name {
	case "memory":
		backend = vault.NewMemoryBackend()
	case "sqlite":
		path := viper.GetString("vault.path")
		if path == "" {
			dir, err := keelDir()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(dir, "vault.db")
		}
		db, err := openSQLite(path)
		if err != nil {
			return nil, err
		}
		backend, err = vault.NewSQLiteBackend(db, viper.GetString("vault.passphrase"))
		if err != nil {
			return nil, err
		}
	default:
		backend = vault.NewKeychainBackend(viper.GetString("vault.service"))
	}

	v := vault.New(backend)
	if _, err := store.Get(cmd.Context(), lockStateKey); err == nil {
		v.Lock()
	}
	return v, nil
}

// newCapabilityManager loads persisted grants from the grants file.
func newCapabilityManager() (*capability.Manager, *capability.FileStore, error) {
	path := viper.GetString("grants_file")
	if path == "" {
		dir, err := keelDir()
		if err != nil {
			return nil, nil, err
		}
		path = filepath.Join(dir, "grants.yaml")
	}

	fs := capability.NewFileStore(path)
	caps, err := fs.Load()
	if err != nil {
		return nil, nil, err
	}

	manager := capability.NewManager()
	for _, c := range caps {
		manager.Grant(c, nil)
	}
	return manager, fs, nil
}

// loadPolicy reads the consent policy file; a missing file means no
// auto-decisions and every new request prompts.
func loadPolicy() (*consent.Policy, error) {
	path := viper.GetString("policy_file")
	if path == "" {
		dir, err := keelDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "policy.yaml")
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var file struct {
		Rules []consent.Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	return consent.NewPolicy(file.Rules)
}
