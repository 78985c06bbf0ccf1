package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/textgate/textgate/adapters/sqlite"
	"github.com/textgate/textgate/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration before deployment",
	Long: `Validate the TextGate configuration file.

Checks:
  - YAML syntax is valid
  - Required fields are present and consistent
  - Database is writable (optional)

Examples:
  textgate validate
  textgate validate --config /etc/textgate/config.yaml`,
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

	fmt.Printf("  %s Database: %s\n", checkMark, cfg.Database.DSN)
	fmt.Printf("  %s Free daily limit: %d\n", checkMark, cfg.Quota.FreeDailyLimit)
	fmt.Printf("  %s Suspicion window: %ds (block threshold %d)\n", checkMark, cfg.Suspicion.WindowSecs, cfg.Suspicion.BlockThreshold)
	fmt.Printf("  %s Probe interval: %ds\n", checkMark, cfg.Fallback.ProbeIntervalSecs)
	if cfg.Remote.URL != "" {
		fmt.Printf("  %s Remote provider: %s\n", checkMark, cfg.Remote.URL)
	} else {
		fmt.Printf("  %s Remote provider unset; local rewrite only\n", checkMark)
	}
	fmt.Printf("  %s Hot-reloadable without restart: %s\n", checkMark, strings.Join(config.ReloadableFields(), ", "))

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
	return nil
}

const (
	checkMark = "\033[32m✓\033[0m"
	crossMark = "\033[31m✗\033[0m"
)
