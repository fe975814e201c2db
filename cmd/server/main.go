/*
main.go - Application entry point

PURPOSE:
  The quarry ledger CLI. Serves the HTTP API and answers one-off balance
  and payroll questions against the same SQLite database.

COMMANDS:
  serve      Start the HTTP server (graceful shutdown on SIGINT/SIGTERM)
  balance    Print the derived balance of a counter-party as JSON
  payroll    Print the payroll result of an employee as JSON

CONFIGURATION:
  LEDGER_* environment variables (see config/config.go), optionally from a
  .env file. --db and --addr override LEDGER_DB_PATH and LEDGER_ADDR.

EXAMPLES:
  ./server serve --addr :3000
  ./server balance --kind crusher --id cru-1
  ./server payroll --id emp-1 --db ./data/ledger.db

SEE ALSO:
  - api/server.go: Router configuration
  - engine/engine.go: Operations
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/warp/quarry-ledger/config"
	"github.com/warp/quarry-ledger/engine"
	"github.com/warp/quarry-ledger/store/sqlite"
)

var rootCmd = &cobra.Command{
	Use:           "server",
	Short:         "Ledger and payroll reconciliation engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("db", "", "SQLite database path (overrides LEDGER_DB_PATH, \":memory:\" for a throwaway database)")
	rootCmd.PersistentFlags().String("env-file", "", "Load variables from this file instead of .env")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app is what every command needs: configuration, a logger and an engine
// over the configured database.
type app struct {
	cfg   *config.Config
	log   *logrus.Logger
	store *sqlite.Store
}

func setup(cmd *cobra.Command) (*app, error) {
	var files []string
	if f, _ := cmd.Flags().GetString("env-file"); f != "" {
		files = append(files, f)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return nil, err
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.DBPath = db
	}

	log := config.NewLogger(cfg, os.Stderr)
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.DBPath, err)
	}
	return &app{cfg: cfg, log: log, store: store}, nil
}

func (a *app) engine(opts ...engine.Option) *engine.Engine {
	return engine.New(a.store, append([]engine.Option{engine.WithLogger(a.log)}, opts...)...)
}
