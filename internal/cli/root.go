package cli

import (
	"github.com/spf13/cobra"
)

var (
	serverURL  string
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "chanfix",
	Short: "Channel recovery service for IRC networks",
	Long: "Chanfix watches who holds channel operator status over time and, when a channel\n" +
		"loses all of its operators, gives ops back to the users with the longest track record.",
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "chanfix server URL (default $CHANFIX_URL or http://127.0.0.1:37778)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $CHANFIX_CONFIG or ~/.chanfix/chanfix.toml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(fixCmd)
	rootCmd.AddCommand(markCmd)
	rootCmd.AddCommand(nofixCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(scoresCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(importCmd)
}
