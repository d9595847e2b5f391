package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/renderinc/research-reports/internal/export"
	"github.com/renderinc/research-reports/internal/report"
	"github.com/renderinc/research-reports/internal/storage"
)

func newSearchCmd() *cobra.Command {
	var (
		category string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Keyword search over stored reports",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.idx == nil {
				return fmt.Errorf("no search index configured")
			}

			var c report.Category
			if category != "" {
				if c, err = report.ParseCategory(category); err != nil {
					return err
				}
			}

			results, err := a.idx.Search(strings.Join(args, " "), c, limit)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Println("No results found")
				return nil
			}

			fmt.Printf("\nFound %d results:\n\n", len(results))
			for i, r := range results {
				fmt.Printf("%d. %s\n", i+1, r.Title)
				fmt.Printf("   %s | %s | %s | id %d\n", r.Date, r.Category, r.Org, r.ID)
				fmt.Printf("   Score: %.3f\n", r.Score)
				if snippets := r.Fragments["Summary"]; len(snippets) > 0 {
					fmt.Printf("   Preview: %s\n", snippets[0])
				}
				fmt.Println()
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "Limit to one category")
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum results")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show store and index counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			dbCount, err := a.store.Count(ctx)
			if err != nil {
				return fmt.Errorf("count reports: %w", err)
			}
			counts, err := a.store.CategoryCounts(ctx)
			if err != nil {
				return fmt.Errorf("count categories: %w", err)
			}

			fmt.Println("=== Report Statistics ===")
			fmt.Printf("Reports in database: %d\n", dbCount)
			for _, c := range counts {
				fmt.Printf("  %-9s %d\n", c.Category, c.Count)
			}
			if a.idx != nil {
				indexCount, err := a.idx.Count()
				if err != nil {
					return fmt.Errorf("count index: %w", err)
				}
				fmt.Printf("Reports in index:    %d\n", indexCount)
			}
			return nil
		},
	}
}

func newReindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the keyword index from the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.idx == nil {
				return fmt.Errorf("no search index configured")
			}

			fmt.Println("Rebuilding keyword search index...")
			start := time.Now()
			n, err := a.idx.Rebuild(ctx, a.store)
			if err != nil {
				return fmt.Errorf("rebuild index: %w", err)
			}
			fmt.Printf("✓ Indexed %d reports in %v\n", n, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}

func newGetReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get-report <id>",
		Short: "Print one stored report as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid report id %q", args[0])
			}

			a, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			r, err := a.store.Get(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("get report: %w", err)
			}
			if r == nil {
				return fmt.Errorf("report not found: %d", id)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			enc.SetEscapeHTML(false)
			return enc.Encode(r)
		},
	}
}

func newExportCmd() *cobra.Command {
	var (
		out, category, org, keyword, begin, end string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write stored reports to an Excel workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			f := storage.Filter{Org: org, Keyword: keyword, PageSize: storage.MaxPageSize}
			if category != "" {
				c, err := report.ParseCategory(category)
				if err != nil {
					return err
				}
				f.Category = c
			}
			for _, b := range []struct {
				raw string
				dst **time.Time
			}{{begin, &f.StartDate}, {end, &f.EndDate}} {
				if b.raw == "" {
					continue
				}
				t, err := time.Parse(time.DateOnly, b.raw)
				if err != nil {
					return fmt.Errorf("invalid date %q: %w", b.raw, err)
				}
				*b.dst = &t
			}

			a, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			var rows []*report.Report
			for f.Page = 1; ; f.Page++ {
				page, err := a.store.List(ctx, f)
				if err != nil {
					return fmt.Errorf("list reports: %w", err)
				}
				rows = append(rows, page.Items...)
				if f.Page >= page.TotalPages {
					break
				}
			}

			if err := export.Save(out, rows); err != nil {
				return err
			}
			fmt.Printf("✓ Wrote %d reports to %s\n", len(rows), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "reports.xlsx", "Output file")
	cmd.Flags().StringVar(&category, "category", "", "Limit to one category")
	cmd.Flags().StringVar(&org, "org", "", "Organization substring")
	cmd.Flags().StringVar(&keyword, "keyword", "", "Title or summary substring")
	cmd.Flags().StringVar(&begin, "begin", "", "First day, YYYY-MM-DD")
	cmd.Flags().StringVar(&end, "end", "", "Last day, YYYY-MM-DD")
	return cmd
}
