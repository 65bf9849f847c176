// npagent runs on the administrator's LAN. It derives the router identity,
// leases a tunnel port from the port manager, and installs the tunnel
// supervisor on the router.
package main

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/netpilot-net/netpilot/pkg/agent"
	"github.com/netpilot-net/netpilot/pkg/config"
	"github.com/netpilot-net/netpilot/pkg/portmgr"
	"github.com/netpilot-net/netpilot/pkg/util"
	"github.com/netpilot-net/netpilot/pkg/version"
)

var (
	configPath  string
	verboseFlag bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "npagent",
		Short: "NetPilot tunnel agent",
		Long: `Npagent manages the reverse tunnel from an OpenWrt router to the cloud VM.

  npagent connect       # lease a port, install and start the tunnel
  npagent status        # show tunnel state
  npagent disconnect    # stop the tunnel, keep the port lease
  npagent reset         # remove the tunnel and release the lease`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(
		newConnectCmd(),
		newStatusCmd(),
		newDisconnectCmd(),
		newResetCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("npagent %s\n", version.Info())
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildAgent loads configuration and prompts for any password not supplied
// by file or environment. Prompts go to the terminal, never into state.
func buildAgent() (*agent.Agent, error) {
	if verboseFlag {
		util.SetLogLevel("debug")
	}
	cfg, err := config.LoadAgent(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.RouterPassword == "" {
		cfg.RouterPassword, err = promptPassword(fmt.Sprintf("Password for %s@%s: ", cfg.RouterUser, cfg.RouterAddr))
		if err != nil {
			return nil, err
		}
	}
	if cfg.CloudPassword == "" && cfg.CloudVMHost != "" {
		cfg.CloudPassword, err = promptPassword(fmt.Sprintf("Password for %s@%s: ", cfg.CloudUser, cfg.CloudVMHost))
		if err != nil {
			return nil, err
		}
	}
	ports := portmgr.NewClient(cfg.PortManagerURL, cfg.PortMgrToken)
	return agent.New(cfg, ports, nil), nil
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(raw), nil
}

func newConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Establish the reverse tunnel",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildAgent()
			if err != nil {
				return err
			}
			status, err := a.Connect(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("router %s connected on port %d\n", status.RouterID, status.Port)
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show tunnel state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildAgent()
			if err != nil {
				return err
			}
			status, err := a.Status(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("state:  %s\n", status.State)
			if status.RouterID != "" {
				fmt.Printf("router: %s\n", status.RouterID)
				fmt.Printf("port:   %d\n", status.Port)
				fmt.Printf("vm:     %s\n", status.VMHost)
			}
			return nil
		},
	}
}

func newDisconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Stop the tunnel, keeping the port lease",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildAgent()
			if err != nil {
				return err
			}
			if err := a.Disconnect(context.Background()); err != nil {
				return err
			}
			fmt.Println("tunnel stopped")
			return nil
		},
	}
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Remove the tunnel and release the port lease",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildAgent()
			if err != nil {
				return err
			}
			if err := a.Reset(context.Background()); err != nil {
				return err
			}
			fmt.Println("agent reset")
			return nil
		},
	}
}
