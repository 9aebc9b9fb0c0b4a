package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"github.com/tobermory/objld/internal/loader"
)

func newSymbolsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "symbols FILE",
		Short: "Load an object and print its resolved symbol addresses",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			resolve, err := opts.config.resolver()
			if err != nil {
				return err
			}

			handle, err := loader.Open(args[0], loader.Options{
				Logger:   opts.logger,
				Resolver: resolve,
				MinAlign: opts.config.Alignment,
			})
			if err != nil {
				return fmt.Errorf("failed to load '%s': %w", args[0], err)
			}
			defer func() {
				if err := handle.Close(); err != nil {
					opts.logger.Warn("failed to close handle",
						"error", err,
					)
				}
			}()

			symbols := handle.Symbols()
			sort.Slice(symbols, func(i, j int) bool {
				return symbols[i].Addr < symbols[j].Addr
			})

			for _, symbol := range symbols {
				fmt.Printf("%#016x %6d %s\n", symbol.Addr, symbol.Size, symbol.Name)
			}

			return nil
		},
	}
}
