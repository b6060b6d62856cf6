package cmd

import (
	"log"

	"github.com/deosun-bot/deosun/deosun"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the bot and (optionally) the admin API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := deosun.New(cfg)
			if err != nil {
				log.Fatalf("error creating deosun: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running deosun: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
