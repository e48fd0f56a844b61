package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/testisf/Discord-bot-verify/barracks"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(
			cmd.OutOrStdout(),
			"version=%s commit=%s built: %s",
			barracks.Version,
			barracks.CommitSHA,
			barracks.BuildTime,
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(versionCmd)
}
