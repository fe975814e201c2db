package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/quarry-ledger/api"
	"github.com/warp/quarry-ledger/engine"
)

const shutdownTimeout = 30 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address (overrides LEDGER_ADDR)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the HTTP API. On SIGINT or SIGTERM the server stops accepting
connections, waits up to 30s for active requests, then closes the database.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.store.Close()
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		a.cfg.Addr = addr
	}

	var metrics *api.Metrics
	opts := []engine.Option{}
	if a.cfg.Metrics {
		metrics = api.NewMetrics()
		opts = append(opts, engine.WithMetrics(engine.NewMetrics(metrics.Registerer())))
	}
	handler := api.NewHandler(a.engine(opts...), a.log)
	router := api.NewRouter(handler, api.RouterOptions{CORSOrigins: a.cfg.CORSOrigins, Metrics: metrics})

	server := &http.Server{
		Addr:         a.cfg.Addr,
		Handler:      router,
		ReadTimeout:  a.cfg.ReadTimeout,
		WriteTimeout: a.cfg.WriteTimeout,
		IdleTimeout:  a.cfg.IdleTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		a.log.WithField("addr", a.cfg.Addr).WithField("db", a.cfg.DBPath).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		return err
	case <-quit:
	}

	a.log.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return err
	}
	a.log.Info("server stopped")
	return nil
}
