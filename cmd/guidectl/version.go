package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("guidectl %s\n", rootCmd.Version)
		fmt.Printf("  Go: %s\n", runtime.Version())
	},
}
