package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/spidercrawl/internal/definition"
)

// newValidateCmd creates the 'validate' subcommand, which compiles a
// definition file without crawling.
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <definition>",
		Short: "Checks a definition file and lists its spiders",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := definition.Load(args[0])
			if err != nil {
				return fmt.Errorf("load definition: %w", err)
			}
			out := cmd.OutOrStdout()
			for _, spec := range def.Specs {
				spider := spec.Spider
				maxLevel := "unbounded"
				if spider.Bounded() {
					maxLevel = strconv.Itoa(spider.MaxLevel())
				}
				if _, err := fmt.Fprintf(out, "%s\tstart_urls=%d\tmax_level=%s\tscrapers=%d\n",
					spider.ID(), len(spider.StartJobs()), maxLevel, len(spec.Scrapers)); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
