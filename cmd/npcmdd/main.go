// npcmdd is the commands-server: it holds the mirrored session table and
// the SSH connection pool, and executes router operations through the
// reverse tunnels.
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

	"github.com/netpilot-net/netpilot/pkg/commands"
	"github.com/netpilot-net/netpilot/pkg/config"
	"github.com/netpilot-net/netpilot/pkg/portmgr"
	"github.com/netpilot-net/netpilot/pkg/router"
	"github.com/netpilot-net/netpilot/pkg/util"
	"github.com/netpilot-net/netpilot/pkg/version"
)

const (
	sshDialTimeout = 10 * time.Second
	reapInterval   = time.Minute
)

func main() {
	var (
		configPath  string
		verboseFlag bool
	)

	rootCmd := &cobra.Command{
		Use:           "npcmdd",
		Short:         "NetPilot commands-server",
		Long:          "Executes router operations over the reverse SSH tunnels on behalf of\nthe cloud API. Holds no authoritative data; its session table and\nconnection pool can be discarded at any time.",
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
			fmt.Printf("npcmdd %s\n", version.Info())
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadCommands(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ports := portmgr.NewClient(cfg.PortManagerURL, cfg.PortMgrToken)
	dialer := func(ctx context.Context, port int) (router.Runner, error) {
		conn, err := router.Dial(fmt.Sprintf("127.0.0.1:%d", port),
			cfg.RouterUser, cfg.RouterPassword, sshDialTimeout)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}

	table := commands.NewSessionTable(cfg.SessionIdleTTL)
	go table.RunReaper(ctx, reapInterval)

	pool := commands.NewPool(table, ports, dialer)
	dispatcher := commands.NewDispatcher(pool, cfg.CommandTimeout, cfg.ScanTimeout)

	log := util.WithComponent("npcmdd")
	log.Infof("serving on %s, port manager at %s", cfg.ListenAddr, cfg.PortManagerURL)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: commands.NewServer(table, dispatcher),
	}
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
