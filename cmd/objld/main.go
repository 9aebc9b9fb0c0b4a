package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	config *config
	logger *slog.Logger
}

func main() {
	opts := &rootOptions{}

	configPath := ""
	verbose := false

	root := &cobra.Command{
		Use:   "objld",
		Short: "Load and inspect relocatable ELF objects at runtime",
		Long: `objld loads unlinked ELF object files (.o) into executable memory the way
a dynamic loader would: sections are placed into an arena, relocations are
resolved against the object itself and against symbols already present in
this process, and the resulting addresses can be inspected.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}

			opts.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(opts.logger)

			config, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			opts.config = config

			return nil
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		newSectionsCommand(opts),
		newSymbolsCommand(opts),
		newDisasmCommand(opts),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
