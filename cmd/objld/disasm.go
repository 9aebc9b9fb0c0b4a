package main

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/tobermory/objld/internal/loader"
	"golang.org/x/arch/x86/x86asm"
)

var errSymbolNotFound = errors.New("symbol not found in loaded object")

func newDisasmCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "disasm FILE SYMBOL",
		Short: "Load an object and disassemble a function as it will execute",
		Long: `Loads the object into executable memory, applies all relocations, then
disassembles the named function straight from the arena, so calls rewritten
to point at trampolines or GOT slots are shown with their final targets.`,
		Args: cobra.ExactArgs(2),
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
				_ = handle.Close()
			}()

			var symbol *loader.Symbol
			for _, candidate := range handle.Symbols() {
				if candidate.Name == args[1] {
					symbol = &candidate
					break
				}
			}

			if symbol == nil {
				return fmt.Errorf("%w: %s", errSymbolNotFound, args[1])
			}

			size := symbol.Size
			if size == 0 {
				// Assemblers may omit sizes; show a window instead
				size = 64
			}

			code, err := handle.Read(symbol.Addr, size)
			if err != nil {
				return fmt.Errorf("failed to read function body: %w", err)
			}

			mode := 64
			if runtime.GOARCH == "386" {
				mode = 32
			}

			for pc := 0; pc < len(code); {
				inst, err := x86asm.Decode(code[pc:], mode)
				if err != nil {
					fmt.Printf("%#016x: ?? % x\n", uint64(symbol.Addr)+uint64(pc), code[pc])
					pc++
					continue
				}

				fmt.Printf("%#016x: %s\n", uint64(symbol.Addr)+uint64(pc), x86asm.GNUSyntax(inst, uint64(symbol.Addr)+uint64(pc), nil))
				pc += inst.Len
			}

			return nil
		},
	}
}
