package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/renderinc/research-reports/internal/lock"
	"github.com/renderinc/research-reports/internal/report"
	"github.com/renderinc/research-reports/internal/sync"
)

func newSyncCmd() *cobra.Command {
	var (
		begin, end string
		days       int
		categories []string
		wf         workerFlags
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Fetch, enrich and store reports for a date range",
		Example: `  research-reports sync
  research-reports sync --days 7 --category macro --category strategy
  research-reports sync --begin 2025-01-01 --end 2025-01-31 --update-existing`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			cats := a.cfg.Sync.Categories
			if len(categories) > 0 {
				cats = categories
			}
			parsed := make([]report.Category, 0, len(cats))
			for _, c := range cats {
				pc, err := report.ParseCategory(c)
				if err != nil {
					return err
				}
				parsed = append(parsed, pc)
			}

			win, err := resolveWindow(begin, end, days, a.cfg.Sync.LookbackDays)
			if err != nil {
				return err
			}

			worker, err := a.newWorker(wf)
			if err != nil {
				return err
			}

			locker, closeLock, err := lock.FromConfig(ctx, a.cfg.Redis)
			if err != nil {
				return err
			}
			defer closeLock()
			release, err := locker.Acquire(ctx)
			if err != nil {
				return err
			}
			defer release()

			summary, err := worker.RunSync(ctx, parsed, win)
			if err != nil {
				return err
			}
			printSummary("Sync", summary)

			if len(summary.Categories) > 0 && len(summary.FailedCategories) == len(summary.Categories) {
				return fmt.Errorf("every category failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&begin, "begin", "", "First day, YYYY-MM-DD")
	cmd.Flags().StringVar(&end, "end", "", "Last day, YYYY-MM-DD (default today, UTC+8)")
	cmd.Flags().IntVar(&days, "days", 0, "Days back from --end when --begin is unset (default from config)")
	cmd.Flags().StringSliceVar(&categories, "category", nil, "Categories to sync: strategy, macro, industry, stock")
	cmd.Flags().IntVar(&wf.concurrency, "concurrency", 0, "Records processed at once (default from config)")
	cmd.Flags().BoolVar(&wf.updateExisting, "update-existing", false, "Overwrite reports that are already stored")
	return cmd
}

// resolveWindow fills missing bounds: end defaults to today in UTC+8 and
// begin to days before end.
func resolveWindow(begin, end string, days, lookback int) (sync.Window, error) {
	if days <= 0 {
		days = lookback
	}
	if end == "" {
		end = sync.LastDays(time.Now(), 0).End.Format(time.DateOnly)
	}
	if begin == "" {
		e, err := time.Parse(time.DateOnly, end)
		if err != nil {
			return sync.Window{}, fmt.Errorf("invalid end date %q: %w", end, err)
		}
		begin = e.AddDate(0, 0, -days).Format(time.DateOnly)
	}
	return sync.ParseWindow(begin, end)
}

func newReplayCmd() *cobra.Command {
	var (
		skipIfExists bool
		wf           workerFlags
	)
	cmd := &cobra.Command{
		Use:   "replay [failure-log...]",
		Short: "Retry the records of failure logs without refetching lists",
		Long: `Replay reruns the enrich, normalize and persist steps for every record
kept in a failure log. With no arguments every original sync-errors-*.json in
the failure log directory is replayed. Records that fail again are written to
a -retry- log next to the source.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			skip := a.cfg.Sync.SkipExisting
			if cmd.Flags().Changed("skip-if-exists") {
				skip = skipIfExists
			}

			worker, err := a.newWorker(wf)
			if err != nil {
				return err
			}

			if len(args) == 0 {
				summaries, err := worker.ReplayPending(ctx, a.cfg.Sync.FailureLogDir, skip)
				if err != nil {
					return err
				}
				if len(summaries) == 0 {
					fmt.Printf("No failure logs in %s\n", a.cfg.Sync.FailureLogDir)
				}
				for _, s := range summaries {
					printSummary("Replay", s)
				}
				return nil
			}

			for _, path := range args {
				s, err := worker.ReplayFile(ctx, path, skip)
				if err != nil {
					return err
				}
				printSummary("Replay "+path, s)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipIfExists, "skip-if-exists", true, "Skip records stored since the failure (default from config)")
	cmd.Flags().IntVar(&wf.concurrency, "concurrency", 0, "Records processed at once (default from config)")
	return cmd
}

func printSummary(title string, s *sync.Summary) {
	fmt.Println()
	fmt.Printf("=== %s Complete ===\n", title)
	for _, c := range s.Categories {
		fmt.Printf("%-9s %-8s fetched=%d inserted=%d updated=%d skipped=%d errors=%d",
			c.Category, c.Status, c.Fetched, c.Inserted, c.Updated, c.Skipped, c.Errors)
		if c.Error != "" {
			fmt.Printf(" (%s)", c.Error)
		}
		fmt.Println()
	}
	fmt.Printf("Fetched:   %d\n", s.TotalFetched)
	fmt.Printf("Inserted:  %d\n", s.TotalInserted)
	fmt.Printf("Updated:   %d\n", s.TotalUpdated)
	fmt.Printf("Skipped:   %d\n", s.TotalSkipped)
	fmt.Printf("Errors:    %d\n", s.TotalErrors)
	fmt.Printf("Duration:  %v\n", s.Duration.Round(time.Millisecond))
	if s.Cancelled {
		fmt.Println("Run was cancelled before finishing")
	}
	if s.FailureLog != "" {
		fmt.Printf("Failures written to %s\n", s.FailureLog)
	}
}
