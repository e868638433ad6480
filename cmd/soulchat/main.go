// Command soulchat runs the anonymous group chat server and its operator
// tooling.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"soulchat/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

// loadConfig resolves configuration as file > environment > defaults.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	return config.LoadConfigWithPrecedence(o.configPath)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	serveCmd := newServeCmd(opts)

	rootCmd := &cobra.Command{
		Use:           "soulchat",
		Short:         "Anonymous small-group chat with crisis intervention",
		Long:          "soulchat places anonymous participants into groups of seven, classifies every message and switches a scope into crisis mode when a participant signals distress.",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE:          serveCmd.RunE,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file (overrides "+config.ConfigFileEnv+")")

	rootCmd.AddCommand(
		serveCmd,
		newClassifyCmd(opts),
		newTokenCmd(opts),
	)
	return rootCmd
}
