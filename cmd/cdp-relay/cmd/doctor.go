package cmd

import (
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"
	"github.com/zalando/go-keyring"

	"github.com/cdprelay/relay/internal/config"
	"github.com/cdprelay/relay/internal/defaults"
)

// DoctorCmd builds the `doctor` subcommand: checks the pieces a relay
// launch depends on and reports what's wrong before `serve` does.
func DoctorCmd() *cobra.Command {
	var fix bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check relay health and diagnose issues",
		Long: `Run diagnostics on the cdp-relay installation.

Checks:
  - Data directory and embedded config
  - Config file parseability
  - OS keychain availability for token signing
  - Whether the configured port is free

Examples:
  cdp-relay doctor        # run all diagnostics
  cdp-relay doctor --fix  # attempt to fix issues`,
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(fix)
		},
	}

	cmd.Flags().BoolVar(&fix, "fix", false, "attempt to fix detected issues")

	return cmd
}

type checkResult struct {
	name    string
	status  string // "ok", "warn", "error"
	message string
}

func runDoctor(fix bool) {
	fmt.Println("cdp-relay doctor")
	fmt.Println("================")
	fmt.Println()

	var results []checkResult
	results = append(results, checkDataDir()...)
	results = append(results, checkConfigFile()...)
	results = append(results, checkKeychain()...)
	results = append(results, checkPort()...)

	fmt.Println()
	okCount, warnCount, errorCount := 0, 0, 0
	for _, r := range results {
		switch r.status {
		case "ok":
			fmt.Printf("[ok]   %s: %s\n", r.name, r.message)
			okCount++
		case "warn":
			fmt.Printf("[warn] %s: %s\n", r.name, r.message)
			warnCount++
		case "error":
			fmt.Printf("[err]  %s: %s\n", r.name, r.message)
			errorCount++
		}
	}

	fmt.Println()
	fmt.Printf("Summary: %d passed", okCount)
	if warnCount > 0 {
		fmt.Printf(", %d warnings", warnCount)
	}
	if errorCount > 0 {
		fmt.Printf(", %d errors", errorCount)
	}
	fmt.Println()

	if errorCount > 0 && fix {
		fmt.Println()
		fmt.Println("Attempting fixes...")
		runFixes(results)
	}

	if errorCount > 0 {
		os.Exit(1)
	}
}

func checkDataDir() []checkResult {
	dir, err := defaults.EnsureDataDir()
	if err != nil {
		return []checkResult{{name: "Data Directory", status: "error", message: err.Error()}}
	}
	return []checkResult{{name: "Data Directory", status: "ok", message: dir}}
}

func checkConfigFile() []checkResult {
	dir, err := defaults.DataDir()
	if err != nil {
		return []checkResult{{name: "Config File", status: "error", message: err.Error()}}
	}
	path := dir + "/config.yaml"
	if _, err := config.Load(path, ""); err != nil {
		return []checkResult{{name: "Config File", status: "error", message: err.Error()}}
	}
	return []checkResult{{name: "Config File", status: "ok", message: path}}
}

func checkKeychain() []checkResult {
	// authtoken.NewManager falls back to an in-memory secret instead of
	// failing when the keychain is unusable, so probe the keychain itself.
	if _, err := keyring.Get("cdp-relay", "signing-secret"); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return []checkResult{{name: "OS Keychain", status: "warn", message: "unavailable, tokens will not survive --replace: " + err.Error()}}
	}
	return []checkResult{{name: "OS Keychain", status: "ok", message: "keychain reachable for the signing secret"}}
}

func checkPort() []checkResult {
	cfg := config.Default()
	if dir, err := defaults.DataDir(); err == nil {
		if loaded, err := config.Load(dir+"/config.yaml", ""); err == nil {
			cfg = loaded
		}
	}
	ln, err := net.Listen("tcp", cfg.Listen.Addr())
	if err != nil {
		return []checkResult{{name: "Port", status: "warn", message: fmt.Sprintf("%s already in use (relay may already be running)", cfg.Listen.Addr())}}
	}
	ln.Close()
	return []checkResult{{name: "Port", status: "ok", message: cfg.Listen.Addr() + " is free"}}
}

func runFixes(results []checkResult) {
	for _, r := range results {
		if r.status != "error" {
			continue
		}
		if r.name == "Data Directory" {
			if _, err := defaults.EnsureDataDir(); err != nil {
				fmt.Printf("  could not create data directory: %v\n", err)
			} else {
				fmt.Println("  created data directory")
			}
		}
	}
}
