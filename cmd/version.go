package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the netsteer version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("netsteer %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
