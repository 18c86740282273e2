package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keel-sh/keel/internal/version"
)

// versionCmd implements the version command.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of keel",
	Run: func(_ *cobra.Command, _ []string) {
		info := version.Get()
		fmt.Printf("keel version %s (%s) built %s %s %s\n",
			info.Version, info.Commit, info.BuildDate, info.GoVersion, info.Platform)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
