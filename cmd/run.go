package cmd

import (
	"log"

	"github.com/spf13/cobra"
	"github.com/testisf/Discord-bot-verify/barracks"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the bot, the admin/health API and (optionally) the webhook server",
	Run: func(cmd *cobra.Command, _ []string) {
		b, err := barracks.New(cfg)
		if err != nil {
			log.Fatalf("error creating bot: %s", err.Error())
		}
		if err = b.Run(cmd.Context()); err != nil {
			log.Fatalf("error running bot: %s", err.Error())
		}
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
}
