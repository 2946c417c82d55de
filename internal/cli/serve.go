package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/soyeahso/calldesk/internal/gateway"
)

func newServeCmd() *cobra.Command {
	var (
		port   int
		bind   string
		memory bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Answer calls: serve the voice webhooks and the call monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logCloser, err := loadConfig()
			if err != nil {
				return err
			}
			defer logCloser.Close()

			if port != 0 {
				cfg.Server.Port = port
			}
			if bind != "" {
				cfg.Server.Bind = bind
			}

			// Block until SIGINT/SIGTERM
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, cfg, memory)
			if err != nil {
				return err
			}
			defer rt.Close()

			srv := gateway.New(cfg, rt.controller, rt.calls, log,
				gateway.WithHooks(rt.hooks),
				gateway.WithBusinesses(rt.businesses),
				gateway.WithPlugins(rt.plugins),
			)
			return srv.Start(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override server port")
	cmd.Flags().StringVar(&bind, "bind", "", "override bind mode (loopback, lan, custom)")
	cmd.Flags().BoolVar(&memory, "memory", false, "keep calls in memory instead of the configured store")

	return cmd
}
