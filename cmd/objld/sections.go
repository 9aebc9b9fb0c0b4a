package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tobermory/objld/internal/loader"
	"github.com/tobermory/objld/internal/objfile"
	"golang.org/x/sync/errgroup"
)

func newSectionsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sections FILE...",
		Short: "Print the placement plan for one or more objects",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			type report struct {
				path  string
				plans []loader.SectionPlan
				total uint64
			}

			reports := make([]*report, len(args))

			eg := &errgroup.Group{}
			eg.SetLimit(opts.config.Parallelism)

			for i, path := range args {
				i, path := i, path
				eg.Go(func() error {
					data, err := os.ReadFile(path)
					if err != nil {
						return fmt.Errorf("failed to read '%s': %w", path, err)
					}

					f, err := objfile.New(data)
					if err != nil {
						return fmt.Errorf("failed to parse '%s': %w", path, err)
					}

					plans, total := loader.PlanSections(f, opts.config.Alignment)
					reports[i] = &report{path: path, plans: plans, total: total}

					return nil
				})
			}

			if err := eg.Wait(); err != nil {
				return err
			}

			for _, report := range reports {
				fmt.Printf("%s: %d bytes placed\n", report.path, report.total)

				for _, plan := range report.plans {
					fmt.Printf("  [%2d] %-24s %-12s flags=%-24s size=%-#8x align=%-4d offset=%#x\n",
						plan.Index, plan.Name, plan.Type, plan.Flags, plan.Size, plan.Align, plan.Offset)
				}
			}

			return nil
		},
	}
}
