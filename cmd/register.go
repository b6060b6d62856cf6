package cmd

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/deosun-bot/deosun/deosun"
	"github.com/spf13/cobra"
)

var registerCmd = &cobra.Command{
	Use:          "register",
	Short:        "Overwrite the guild's slash commands without starting the bot",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		bot, err := deosun.New(cfg)
		if err != nil {
			return fmt.Errorf("error creating deosun: %w", err)
		}
		if err = bot.ValidateConfig(); err != nil {
			return err
		}

		cmds, err := bot.RegisterSlashCommands(discordgo.WithContext(cmd.Context()))
		if err != nil {
			return fmt.Errorf("error registering commands: %w", err)
		}

		out := cmd.OutOrStdout()
		for _, c := range cmds {
			fmt.Fprintf(out, "registered /%s (%s)\n", c.Name, c.ID)
		}
		fmt.Fprintf(out, "%d commands registered to guild %s\n", len(cmds), cfg.Discord.GuildID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(registerCmd)
}
