package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"soulchat/internal/classifier"
)

func newClassifyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "classify <text>...",
		Short: "Print the category the configured lexicon assigns to text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			lexicon := classifier.DefaultLexicon()
			if cfg.Chat.LexiconPath != "" {
				if lexicon, err = classifier.LoadLexicon(cfg.Chat.LexiconPath); err != nil {
					return err
				}
			}

			category := classifier.New(lexicon).Classify(strings.Join(args, " "))
			_, err = fmt.Fprintln(cmd.OutOrStdout(), category)
			return err
		},
	}
}
