package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"vidanon/internal/pipeline/detectors"
	"vidanon/internal/staging"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List detection models and their cached resources",
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog := detectors.DefaultCatalog()
		fetcher := staging.NewFetcher(cfg.Models.CacheDir, cfg.Models.BaseURL, nil)

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tKIND\tDEFAULT\tRESOURCES")
		for _, spec := range catalog {
			var resources []string
			for _, res := range spec.Resources() {
				mark := "missing"
				if fetcher.Cached(res.Name) {
					mark = "cached"
				}
				resources = append(resources, res.Name+" ("+mark+")")
			}
			fmt.Fprintf(tw, "%s\t%s\t%v\t%s\n", spec.Name, spec.Kind, cfg.Pipeline.Toggles[spec.Name], strings.Join(resources, ", "))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		logger.Printf("cache: %s", fetcher.CacheDir())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}
