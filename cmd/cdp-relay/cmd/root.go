// Package cmd implements the cdp-relay command-line surface.
package cmd

import (
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	envFile string
	verbose bool
)

// SetupRootCmd configures the root command with its subcommands and
// global flags.
func SetupRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cdp-relay",
		Short: "CDP relay server",
		Long: `cdp-relay brokers Chrome DevTools Protocol traffic between Playwright
clients and a single browser extension holding a live chrome.debugger
attachment.`,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: platform data directory)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load overrides from")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	rootCmd.AddCommand(ServeCmd())
	rootCmd.AddCommand(DoctorCmd())

	return rootCmd
}
