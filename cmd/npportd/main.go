// npportd is the port manager daemon: the single authority mapping a
// routerId to a tunnel port on the VM.
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

	"github.com/netpilot-net/netpilot/pkg/config"
	"github.com/netpilot-net/netpilot/pkg/portmgr"
	"github.com/netpilot-net/netpilot/pkg/util"
	"github.com/netpilot-net/netpilot/pkg/version"
)

func main() {
	var (
		configPath  string
		verboseFlag bool
	)

	rootCmd := &cobra.Command{
		Use:           "npportd",
		Short:         "NetPilot port manager",
		Long:          "Allocates one tunnel port per router in a fixed range and persists\nthe leases so routers keep their port across restarts.",
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
			fmt.Printf("npportd %s\n", version.Info())
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadPortManager(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store portmgr.Store
	if cfg.RedisAddr != "" {
		store, err = portmgr.NewRedisStore(ctx, cfg.RedisAddr)
	} else {
		store, err = portmgr.NewFileStore(cfg.StorePath)
	}
	if err != nil {
		return fmt.Errorf("opening lease store: %w", err)
	}
	defer store.Close()

	alloc, err := portmgr.NewAllocator(ctx, cfg.RangeMin, cfg.RangeMax, store)
	if err != nil {
		return fmt.Errorf("rebuilding allocator: %w", err)
	}

	log := util.WithComponent("npportd")
	log.Infof("serving range [%d,%d] on %s, %d ports free",
		cfg.RangeMin, cfg.RangeMax, cfg.ListenAddr, alloc.FreeCount())

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: portmgr.NewServer(alloc, cfg.Token),
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
