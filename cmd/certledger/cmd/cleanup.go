package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/libresign/certledger/internal/config"
	"github.com/libresign/certledger/ledger"
)

var cleanupBefore string

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete certificates that expired before the retention window",
	Long: `Runs one retention sweep and exits. Only certificates whose
validity end predates the cutoff are deleted; revocation history inside the
window and non-expiring certificates are never touched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		before := time.Now().Add(-cfg.Retention.Window)
		if cleanupBefore != "" {
			before, err = time.Parse(time.RFC3339, cleanupBefore)
			if err != nil {
				return fmt.Errorf("invalid --before value: %w", err)
			}
		}

		store, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
		l := ledger.New(store, ledger.WithLogger(logger))

		deleted, err := l.CleanupExpired(cmd.Context(), before)
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %d expired certificate(s) older than %s\n", deleted, before.UTC().Format(time.RFC3339))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().StringVar(&cleanupBefore, "before", "", "Override the cutoff (RFC 3339 timestamp)")
}
