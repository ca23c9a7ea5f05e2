package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "certledger",
	Short: "CertLedger is a certificate lifecycle and revocation service",
	Long: `CertLedger tracks certificates issued by the internal CAs, records
revocations with RFC 5280 reason codes and serves a signed CRL so that
relying parties can verify signatures even after a certificate expires.`,
	Version: Version,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to config file (default ./config.yaml)")
}
