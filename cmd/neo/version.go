package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version and Build identify the binary; release builds override both via
// -ldflags "-X main.Version=... -X main.Build=...".
var (
	Version = "0.3.0"
	Build   = "dev"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and build",
	Run: func(cmd *cobra.Command, args []string) {
		if jsonOutput {
			_ = printJSON(map[string]string{"version": Version, "build": Build})
			return
		}
		fmt.Printf("neo version %s (%s)\n", Version, Build)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
