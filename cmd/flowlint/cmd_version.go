package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Overridden at release time via -ldflags "-X main.version=...".
var (
	version = "0.3.0-dev"
	commit  = ""
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the flowlint version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("flowlint %s", version)
		if commit != "" {
			fmt.Printf(" (%s)", commit)
		}
		fmt.Printf(" %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}
