package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/textgate/textgate/bootstrap"
	"github.com/textgate/textgate/config"
)

var (
	hotReload bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the admission server",
	Long: `Start the TextGate server.

The server will:
  - Load configuration from textgate.yaml (or --config)
  - Or load configuration from environment variables
  - Open the SQLite store and run migrations
  - Serve POST /improve and GET /usage with quota and abuse enforcement

Environment variables (for container deployments):
  FREE_DAILY_LIMIT            - Free-tier daily call quota (default: 5)
  SUSPICION_WINDOW_SECONDS    - Abuse scoring window (default: 900)
  SUSPICION_BLOCK_THRESHOLD   - Violations tolerated before blocking (default: 5)
  PROBE_INTERVAL_SECONDS      - Circuit recovery probe interval (default: 300)
  REMOTE_CALL_TIMEOUT_MS      - Remote provider call timeout (default: 30000)
  TEXTGATE_REMOTE_URL         - Remote provider base URL
  TEXTGATE_DATABASE_DSN       - Database path (default: textgate.db)
  TEXTGATE_SERVER_PORT        - Server port (default: 8080)
  TEXTGATE_LOG_LEVEL          - Log level: debug, info, warn, error

Examples:
  textgate serve
  textgate serve --config /etc/textgate/config.yaml
  textgate serve --hot-reload=false

  # Container (env vars only):
  TEXTGATE_REMOTE_URL=https://api.example.com textgate serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&hotReload, "hot-reload", true, "enable hot reload of configuration")
}

func runServe(cmd *cobra.Command, args []string) error {
	hasConfigFile := false
	if _, err := os.Stat(cfgFile); err == nil {
		hasConfigFile = true
	}

	hasEnvConfig := config.HasEnvConfig()

	if !hasConfigFile && !hasEnvConfig {
		fmt.Println("No configuration found; starting with defaults.")
		fmt.Printf("Create %s or set TEXTGATE_* environment variables to customize.\n", cfgFile)
		fmt.Println()
	}

	var app *bootstrap.App
	var err error

	if hasConfigFile && hotReload {
		// Hot reload only works with a config file
		app, err = bootstrap.NewWithHotReload(cfgFile)
	} else {
		cfg, loadErr := config.LoadWithFallback(cfgFile)
		if loadErr != nil {
			return fmt.Errorf("error loading config: %w", loadErr)
		}
		app, err = bootstrap.New(cfg)
	}

	if err != nil {
		return fmt.Errorf("error initializing: %w", err)
	}

	// Run (blocks until shutdown)
	return app.Run()
}
