package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/raskyld/contained"
	"github.com/raskyld/contained/internal/config"
	"github.com/raskyld/contained/pkg/runtime"
	"github.com/spf13/cobra"
)

func nodeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a peer of the subnet",
	}
	cmd.AddCommand(nodeStartCmd(a))
	return cmd
}

func nodeStartCmd(a *app) *cobra.Command {
	var (
		listen string
		peers  []string
		role   string
		subnet string
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a node and join the subnet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if cmd.Flags().Changed("listen") {
				cfg.Listen = listen
			}
			if cmd.Flags().Changed("peers") {
				cfg.Peers = peers
			}
			if cmd.Flags().Changed("role") {
				cfg.Role = role
			}
			if cmd.Flags().Changed("subnet") {
				cfg.Subnet = subnet
			}
			if err := cfg.Validate(); err != nil {
				return &exitError{code: exitUsage, err: err}
			}

			opts, err := nodeOptions(a, cfg)
			if err != nil {
				return err
			}
			opts = append(opts, contained.WithRuntime(
				runtime.WithMaxExecutors(cfg.Runtime.MaxExecutors),
				runtime.WithBacklog(cfg.Runtime.Backlog),
				runtime.WithLimits(runtime.Budgets{
					Steps:  cfg.Runtime.MaxSteps,
					Memory: cfg.Runtime.MaxMemory,
				}),
			))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			node, err := contained.Create(opts...)
			if err != nil {
				return err
			}
			defer node.Shutdown()

			if err := node.JoinSubnet(); err != nil {
				return err
			}

			self := node.Self()
			fmt.Fprintln(cmd.OutOrStdout(), field("peer", AccentStyle.Render(self.ID.String())))
			fmt.Fprintln(cmd.OutOrStdout(), field("listen", self.Addr))
			fmt.Fprintln(cmd.OutOrStdout(), field("role", self.Role.String()))

			go logEvents(ctx, node)
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Address to listen on (default $CONTAINED_LISTEN or 0.0.0.0:6174)")
	cmd.Flags().StringSliceVar(&peers, "peers", nil, "Addresses of peers to join")
	cmd.Flags().StringVar(&role, "role", "", "full or light")
	cmd.Flags().StringVar(&subnet, "subnet", "", "Subnet to join")
	return cmd
}

// nodeOptions turns the configuration into node options.
func nodeOptions(a *app, cfg config.Config) ([]contained.Option, error) {
	host, port, err := cfg.ListenAddr()
	if err != nil {
		return nil, &exitError{code: exitUsage, err: err}
	}
	role, err := contained.ParseRole(cfg.Role)
	if err != nil {
		return nil, &exitError{code: exitUsage, err: err}
	}
	return []contained.Option{
		contained.WithLog(a.log),
		contained.WithDataDir(cfg.DataDir),
		contained.WithListenOn(host, port),
		contained.WithRole(role),
		contained.WithSubnet(cfg.Subnet),
		contained.WithNeighbours(cfg.Peers),
		contained.WithKeepAlive(cfg.KeepAlive),
		contained.WithTimings(cfg.StaleAfter, cfg.EvictAfter, cfg.DeliveryTimeout, cfg.Retention),
	}, nil
}

func logEvents(ctx context.Context, node *contained.Node) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-node.Events():
			if !ok {
				return
			}
			switch ev := ev.(type) {
			case contained.Relocated:
				fmt.Println(WarnStyle.Render("relocated"), ev.ID, ev.From.Short(), "->", ev.To.Short())
			case contained.Undeliverable:
				fmt.Println(ErrorStyle.Render("undeliverable"), ev.ID, ev.Origin.Short())
			}
		}
	}
}
