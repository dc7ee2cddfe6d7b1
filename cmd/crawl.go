package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/techevents-crawler/internal/jobs"
)

type crawlOptions struct {
	query     string
	city      string
	platforms []string
	maxItems  int
}

// newCrawlCmd runs one scraping job in the foreground and prints the
// finished job as JSON.
func newCrawlCmd() *cobra.Command {
	opts := &crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawls the event platforms once for a query",
		Long: `Creates a scraping job and runs it without going through the queue.
Platforms are tried in order and the job stops after the first one that
saves events.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.query, "query", "q", "", "search keywords (required)")
	cmd.Flags().StringVar(&opts.city, "city", "", "city to search in")
	cmd.Flags().StringSliceVar(&opts.platforms, "platform", nil, "platforms in priority order (luma, eventbrite)")
	cmd.Flags().IntVar(&opts.maxItems, "max-items", 0, "records to request per platform")
	return cmd
}

func runCrawl(cmd *cobra.Command, opts *crawlOptions) error {
	if opts.query == "" {
		return errors.New("--query is required")
	}
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	job, err := appInstance.Crawl(cmd.Context(), jobs.Spec{
		Query:     opts.query,
		City:      opts.city,
		Platforms: opts.platforms,
		MaxItems:  opts.maxItems,
	})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(job); err != nil {
		return fmt.Errorf("print job: %w", err)
	}
	return nil
}
