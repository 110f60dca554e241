package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/keepsake/api"
	"github.com/jmcleod/keepsake/app"
	"github.com/jmcleod/keepsake/internal/metrics"
)

var addr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the persistence API over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := cfg.Logger(os.Stderr)
		slog.SetDefault(logger)

		recorder := metrics.New()
		a, err := app.New(cfg, app.WithLogger(logger), app.WithMetrics(recorder))
		if err != nil {
			return err
		}
		defer a.Close()
		a.Start()

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			if !a.Store.Available(r.Context()) {
				http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte("OK"))
		})
		r.Handle("/metrics", recorder.Handler())
		r.Mount("/api/v1", api.New(a, api.WithLogger(logger)).Router())

		server := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner(cmd.OutOrStdout())
		logger.Info("starting server", "addr", cfg.Server.Addr, "data_dir", cfg.DataDir, "ephemeral", cfg.Ephemeral)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("shutting down", "signal", sig.String())
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return a.Shutdown(ctx)
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&addr, "addr", "", "Address to listen on (default from config, :8080)")
}
