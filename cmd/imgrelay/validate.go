package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/imgrelay/imgrelay/adapters/sqlite"
	"github.com/imgrelay/imgrelay/config"
	"github.com/imgrelay/imgrelay/pkg/bytefmt"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration before deployment",
	Long: `Validate the imgrelay configuration file.

Checks:
  - YAML syntax is valid
  - Required fields are present and within bounds
  - Database is writable (optional)

Examples:
  imgrelay validate
  imgrelay validate --config /etc/imgrelay/config.yaml`,
	RunE: runValidate,
}

var validateCheckDatabase bool

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateCheckDatabase, "check-database", false, "check if database is writable")
}

func runValidate(cmd *cobra.Command, args []string) error {
	fmt.Printf("Validating %s...\n\n", cfgFile)

	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		fmt.Printf("  %s Config file exists\n", crossMark)
		return fmt.Errorf("config file not found: %s", cfgFile)
	}
	fmt.Printf("  %s Config file exists\n", checkMark)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Printf("  %s Config syntax valid\n", crossMark)
		return fmt.Errorf("config error: %w", err)
	}
	fmt.Printf("  %s Config syntax valid\n", checkMark)

	fmt.Printf("  %s Listen: %s:%d\n", checkMark, cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  %s Cache store: %s\n", checkMark, cfg.Cache.Path)
	fmt.Printf("  %s Database: %s\n", checkMark, cfg.Database.DSN)
	fmt.Printf("  %s Allowed origins: %s\n", checkMark, cfg.Origin.AllowedOrigins)
	fmt.Printf("  %s Max image size: %s\n", checkMark, bytefmt.Format(cfg.Origin.MaxBytes))
	if cfg.Usage.BillingEnabled {
		fmt.Printf("  %s Billing flush: every %s\n", checkMark, cfg.Usage.FlushInterval)
	} else {
		fmt.Printf("  %s Billing flush: disabled\n", checkMark)
	}

	if validateCheckDatabase {
		if err := checkDatabaseWritable(cfg.Database.DSN); err != nil {
			fmt.Printf("  %s Database writable\n", crossMark)
			fmt.Printf("      Error: %v\n", err)
		} else {
			fmt.Printf("  %s Database writable\n", checkMark)
		}
	}

	fmt.Println()
	fmt.Println("Configuration is valid.")
	return nil
}

func checkDatabaseWritable(dsn string) error {
	db, err := sqlite.Open(dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Migrate()
}

const (
	checkMark = "\033[32m✓\033[0m"
	crossMark = "\033[31m✗\033[0m"
)
