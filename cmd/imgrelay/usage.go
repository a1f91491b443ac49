package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/imgrelay/imgrelay/adapters/sqlite"
	"github.com/imgrelay/imgrelay/config"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "View per-site usage statistics",
	Long: `View per-site usage statistics from the billing database.

Examples:
  imgrelay usage totals
  imgrelay usage pending --site=example.com`,
}

var usageTotalsCmd = &cobra.Command{
	Use:   "totals",
	Short: "Show flushed billing totals per site",
	RunE:  runUsageTotals,
}

var usagePendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Show unflushed counters for a site",
	RunE:  runUsagePending,
}

var usageSiteID string

func init() {
	rootCmd.AddCommand(usageCmd)

	usageCmd.AddCommand(usageTotalsCmd)
	usageCmd.AddCommand(usagePendingCmd)

	usagePendingCmd.Flags().StringVar(&usageSiteID, "site", "", "site domain")
}

func openDatabase() (*sqlite.DB, error) {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	db, err := sqlite.Open(cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

func runUsageTotals(cmd *cobra.Command, args []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	sink := sqlite.NewBillingSink(db)
	totals, err := sink.Totals(context.Background())
	if err != nil {
		return fmt.Errorf("read totals: %w", err)
	}

	if len(totals) == 0 {
		fmt.Println("No usage flushed yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SITE\tREQUESTS\tHITS\tMISSES")
	for _, t := range totals {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", t.SiteID, t.Requests, t.CacheHits, t.CacheMisses)
	}
	return w.Flush()
}

func runUsagePending(cmd *cobra.Command, args []string) error {
	if usageSiteID == "" {
		return fmt.Errorf("--site is required")
	}

	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	store := sqlite.NewCounterStore(db)
	ctx := context.Background()

	c, err := store.Get(ctx, usageSiteID)
	if err != nil {
		return fmt.Errorf("no counters for %s: %w", usageSiteID, err)
	}

	fmt.Printf("Site: %s\n", c.SiteID)
	fmt.Printf("  Requests (unflushed): %d\n", c.Requests)
	fmt.Printf("  Cache hits:           %d\n", c.CacheHits)
	fmt.Printf("  Cache misses:         %d\n", c.CacheMisses)
	if c.ConsecutiveFlushFailures > 0 {
		fmt.Printf("  Flush failures:       %d\n", c.ConsecutiveFlushFailures)
	}
	if next, err := store.GetSchedule(ctx, usageSiteID); err == nil {
		fmt.Printf("  Next flush:           %s\n", next.Format("2006-01-02 15:04:05 MST"))
	}
	return nil
}
