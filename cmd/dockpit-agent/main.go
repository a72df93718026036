package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"dockpit/internal/agent"
	"dockpit/internal/logging"
	"dockpit/internal/state/paths"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type agentFlags struct {
	controlAddr      string
	cachePath        string
	logLevel         string
	bindHost         string
	reconnectDelay   time.Duration
	pingInterval     time.Duration
	heartbeatTimeout time.Duration
}

func newRootCmd() *cobra.Command {
	defaults := agent.DefaultConfig()
	var flags agentFlags

	cmd := &cobra.Command{
		Use:           "dockpit-agent <server-url>",
		Short:         "Forward a dockpit project's container ports to this machine",
		Version:       version,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx, args[0], flags)
		},
	}

	cmd.Flags().StringVar(&flags.controlAddr, "control-addr", agent.DefaultControlAddr, "loopback address for the browser control surface")
	cmd.Flags().StringVar(&flags.cachePath, "cache", paths.TunnelCacheFile(), "path of the per-project port cache")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "info", "log level: debug|info|warn|error")
	cmd.Flags().StringVar(&flags.bindHost, "bind-host", defaults.BindHost, "address local tunnel listeners bind to")
	cmd.Flags().DurationVar(&flags.reconnectDelay, "reconnect-delay", defaults.ReconnectDelay, "delay before reconnecting after the link drops")
	cmd.Flags().DurationVar(&flags.pingInterval, "ping-interval", defaults.PingInterval, "keepalive ping interval")
	cmd.Flags().DurationVar(&flags.heartbeatTimeout, "heartbeat-timeout", defaults.HeartbeatTimeout, "close tunnels after this long without coordinator traffic")
	return cmd
}

func run(ctx context.Context, serverURL string, flags agentFlags) error {
	level, err := logging.ParseLevel(flags.logLevel)
	if err != nil {
		return err
	}
	logger := logging.New(os.Stderr, level)

	hub := agent.NewHub()
	a, err := agent.New(agent.Config{
		ServerURL:        serverURL,
		ReconnectDelay:   flags.reconnectDelay,
		PingInterval:     flags.pingInterval,
		HeartbeatTimeout: flags.heartbeatTimeout,
		BindHost:         flags.bindHost,
	},
		agent.WithLogger(logger),
		agent.WithCache(agent.LoadCache(flags.cachePath)),
		agent.WithStateObserver(hub.Publish),
	)
	if err != nil {
		return fmt.Errorf("configure agent: %w", err)
	}
	control := agent.NewControlServer(a, hub, agent.WithControlLogger(logger))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Run(gctx)
	})
	g.Go(func() error {
		// The agent can stop itself (POST /stop, agent:shutdown); take the
		// control server down with it.
		serveCtx, stop := context.WithCancel(gctx)
		defer stop()
		go func() {
			select {
			case <-a.Done():
				stop()
			case <-serveCtx.Done():
			}
		}()
		return control.Serve(serveCtx, flags.controlAddr)
	})
	return g.Wait()
}
