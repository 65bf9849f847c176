// Package router talks to an OpenWrt router over SSH: a password-auth client
// with per-call sessions, command builders for the enforcement rules the
// commands-server ships, and parsers for the line-oriented output the router
// produces.
package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/netpilot-net/netpilot/pkg/util"
)

// Runner executes shell commands on a router. Satisfied by *Client and by
// fakes in tests.
type Runner interface {
	Run(ctx context.Context, cmd string) (string, error)
	Close() error
}

// Client is an SSH connection to one router. Sessions are created per call;
// the underlying connection is reused until Close.
type Client struct {
	addr string
	ssh  *ssh.Client
}

// Dial connects with password auth. Routers live on private tunnels or LANs,
// host keys are not verified.
func Dial(addr, user, password string, timeout time.Duration) (*Client, error) {
	config := &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", util.ErrTunnelDown, addr, err)
	}
	return &Client{addr: addr, ssh: client}, nil
}

// Run executes cmd in a fresh session and returns stdout. A non-zero exit
// becomes a CommandError carrying the exit code and stderr. Cancelling ctx
// tears the session down, which aborts the remote command.
func (c *Client) Run(ctx context.Context, cmd string) (string, error) {
	session, err := c.ssh.NewSession()
	if err != nil {
		return "", fmt.Errorf("%w: opening session on %s: %v", util.ErrTunnelDown, c.addr, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		// Closing the session unblocks session.Run.
		session.Close()
		<-done
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %s on %s", util.ErrTimeout, firstWord(cmd), c.addr)
		}
		return "", ctx.Err()
	case err := <-done:
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				return stdout.String(), util.NewCommandError(cmd, exitErr.ExitStatus(), stderr.String())
			}
			return stdout.String(), fmt.Errorf("%w: running %q on %s: %v",
				util.ErrTunnelDown, firstWord(cmd), c.addr, err)
		}
		return stdout.String(), nil
	}
}

// Close shuts the SSH connection down.
func (c *Client) Close() error {
	return c.ssh.Close()
}

// Addr returns the dialed address.
func (c *Client) Addr() string {
	return c.addr
}

func firstWord(cmd string) string {
	for i := 0; i < len(cmd); i++ {
		if cmd[i] == ' ' {
			return cmd[:i]
		}
	}
	return cmd
}
