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
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/libresign/certledger/api"
	"github.com/libresign/certledger/crl"
	"github.com/libresign/certledger/internal/config"
	"github.com/libresign/certledger/ledger"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the certificate ledger and CRL distribution server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

		store, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		signer, err := loadSigner(cfg)
		if err != nil {
			return err
		}
		scope, err := activeScope(cfg)
		if err != nil {
			return err
		}

		l := ledger.New(store, ledger.WithLogger(logger))
		builder := crl.NewBuilder(store, signer, crl.Config{
			ActiveScope:    scope,
			ValidityWindow: cfg.CRL.ValidityWindow,
		}, crl.WithLogger(logger))
		a := api.New(l, builder, api.WithLogger(logger))

		r := chi.NewRouter()
		r.Use(chimiddleware.Logger)
		r.Use(chimiddleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		r.Mount("/", a.Router())

		server := &http.Server{
			Addr:              cfg.Listen,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		sweepCtx, stopSweep := context.WithCancel(cmd.Context())
		defer stopSweep()
		if cfg.Retention.Interval > 0 {
			go runSweeper(sweepCtx, l, cfg.Retention, logger)
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

		printBanner()
		logger.Info("server started",
			"listen", cfg.Listen,
			"backend", cfg.Storage.Backend,
			"instance_id", scope.InstanceID,
			"generation", scope.Generation,
			"engine", string(scope.Engine))

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
			return nil
		case err := <-done:
			return err
		}
	},
}

// runSweeper periodically deletes certificates that expired before the
// retention window.
func runSweeper(ctx context.Context, l *ledger.Ledger, cfg config.RetentionConfig, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			before := time.Now().Add(-cfg.Window)
			if _, err := l.CleanupExpired(ctx, before); err != nil {
				logger.Error("retention sweep failed", "error", err)
			}
		}
	}
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
