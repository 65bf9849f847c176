// npapi is the cloud API: OAuth login, 2FA, per-router authorisation, and
// orchestration of router commands through the commands-server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/netpilot-net/netpilot/pkg/audit"
	"github.com/netpilot-net/netpilot/pkg/authdb"
	"github.com/netpilot-net/netpilot/pkg/authdb/store"
	"github.com/netpilot-net/netpilot/pkg/authdb/twofa"
	"github.com/netpilot-net/netpilot/pkg/commands"
	"github.com/netpilot-net/netpilot/pkg/config"
	"github.com/netpilot-net/netpilot/pkg/util"
	"github.com/netpilot-net/netpilot/pkg/version"
)

func main() {
	var (
		configPath  string
		verboseFlag bool
	)

	rootCmd := &cobra.Command{
		Use:           "npapi",
		Short:         "NetPilot cloud API",
		Long:          "The user-facing API. Owns all persistent user data and is the only\nclient of the commands-server.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if verboseFlag {
				util.SetLogLevel("debug")
			}
			return run(configPath)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("npapi %s\n", version.Info())
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadAPI(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL())
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	twofaSvc, err := twofa.NewService(db, []byte(cfg.TOTPEncryptionKey), "NetPilot")
	if err != nil {
		return err
	}

	if cfg.AuditLog != "" {
		auditLog, err := audit.NewFileLogger(cfg.AuditLog, audit.RotationConfig{
			MaxSize:    50 << 20,
			MaxBackups: 5,
		})
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		defer auditLog.Close()
		audit.SetDefaultLogger(auditLog)
	}

	disp := authdb.NewDispatcher(db, commands.NewClient(cfg.CommandsServerURL), cfg.CommandTimeout)
	handler := authdb.NewServer(authdb.Config{
		PublicURL:          cfg.PublicURL,
		GoogleClientID:     cfg.GoogleClientID,
		GoogleClientSecret: cfg.GoogleClientSecret,
		SecretKey:          cfg.SecretKey,
		SessionTTL:         cfg.SessionTTL,
	}, db, twofaSvc, disp)

	log := util.WithComponent("npapi")
	log.Infof("serving on %s, commands-server at %s", cfg.ListenAddr, cfg.CommandsServerURL)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info("shut down")
	return nil
}
