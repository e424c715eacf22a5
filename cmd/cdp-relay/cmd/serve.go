package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cdprelay/relay/internal/authtoken"
	"github.com/cdprelay/relay/internal/config"
	"github.com/cdprelay/relay/internal/defaults"
	"github.com/cdprelay/relay/internal/logging"
	"github.com/cdprelay/relay/internal/relay"
)

// ServeCmd builds the `serve` subcommand: --host, --port, --token,
// --replace.
func ServeCmd() *cobra.Command {
	var (
		host    string
		port    int
		token   string
		replace bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(host, port, token, replace)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "bind host (default: from config, 127.0.0.1)")
	cmd.Flags().IntVar(&port, "port", 0, "bind port (default: from config, 19988)")
	cmd.Flags().StringVar(&token, "token", "", "static bearer token (default: CDP_RELAY_TOKEN, else mint one signed with a keychain-persisted secret)")
	cmd.Flags().BoolVar(&replace, "replace", false, "terminate a prior running instance before starting")

	return cmd
}

func runServe(host string, port int, token string, replace bool) error {
	if verbose {
		logging.Enable()
	}

	dataDir, err := defaults.EnsureDataDir()
	if err != nil {
		return fmt.Errorf("initializing data directory: %w", err)
	}

	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = dataDir + "/config.yaml"
	}
	cfg, err := config.Load(cfgPath, envFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if host != "" {
		cfg.Listen.Host = host
	}
	if port != 0 {
		cfg.Listen.Port = port
	}

	if replace {
		if prevPID := defaults.ReadInstanceLock(); prevPID != 0 {
			fmt.Printf("replacing prior instance (pid %d)\n", prevPID)
			_ = terminatePrior(prevPID)
		}
	} else if prevPID := defaults.ReadInstanceLock(); prevPID != 0 && processAlive(prevPID) {
		return fmt.Errorf("cdp-relay already running (pid %d); pass --replace to take over", prevPID)
	}
	if err := defaults.WriteInstanceLock(); err != nil {
		logging.Warnf("could not write instance lock: %v", err)
	}
	defer defaults.RemoveInstanceLock()

	if token == "" {
		token = cfg.Auth.StaticToken
	}

	var verifier relay.TokenVerifier
	if token != "" {
		verifier = staticToken(token)
		fmt.Printf("using supplied token\n")
	} else {
		mgr, err := authtoken.NewManager()
		if err != nil {
			return fmt.Errorf("initializing auth tokens: %w", err)
		}
		issued, err := mgr.Issue(cfg.Auth.GetTokenTTL())
		if err != nil {
			return fmt.Errorf("minting token: %w", err)
		}
		verifier = mgr
		fmt.Printf("token: %s\n", issued)
	}

	srv := relay.NewServer(relay.ServerConfig{
		RequireAuthOverLoopback: cfg.Auth.RequireOverLoopback,
		QueueMode:               cfg.Extension.Mode(),
		GraceInterval:           cfg.Extension.GetGraceInterval(),
		FinalChunkTimeout:       cfg.Recording.GetFinalChunkTimeout(),
	}, verifier)

	manager := relay.NewProcessManager(srv, cfg.Listen.Addr())
	errCh, err := manager.Start()
	if err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	fmt.Printf("cdp-relay listening on %s\n", cfg.Listen.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		err := config.Watch(ctx, cfgPath, envFile, func(reloaded config.Config) {
			srv.ApplyQueueMode(reloaded.Extension.Mode(), reloaded.Extension.GetGraceInterval())
		})
		if err != nil {
			logging.Warnf("config watch disabled: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		fmt.Printf("\nreceived signal %v, shutting down...\n", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()
	return manager.Stop(shutdownCtx)
}

type staticToken string

func (t staticToken) Verify(candidate string) bool { return candidate != "" && string(t) == candidate }

// processAlive reports whether pid names a live process, without
// actually signaling it.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// terminatePrior asks a prior relay instance to shut down and gives it
// a moment to release its listener before the new one binds.
func terminatePrior(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return err
	}
	for i := 0; i < 20; i++ {
		if !processAlive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}
