package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stepbus/stepbus/internal/api"
	"github.com/stepbus/stepbus/internal/parser"
	"github.com/stepbus/stepbus/internal/scenario"
	"github.com/stepbus/stepbus/internal/wsclient"
	"github.com/stepbus/stepbus/pkg/core"
)

type simulateOptions struct {
	via    string
	file   string
	endian string
	speed  float64
	loops  int
	url    string
}

func newSimulateCmd() *cobra.Command {
	opts := simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Play a driving scenario against a running server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSimulate(ctx, cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.via, "via", "http", "transport: http or ws")
	cmd.Flags().StringVar(&opts.file, "file", "", "YAML scenario; the built-in drive when empty")
	cmd.Flags().StringVar(&opts.endian, "endian", "both", "little, big or both")
	cmd.Flags().Float64Var(&opts.speed, "speed", 0, "duration multiplier between steps; 0 sends immediately")
	cmd.Flags().IntVar(&opts.loops, "loops", 1, "number of runs")
	cmd.Flags().StringVar(&opts.url, "url", "", "server base URL (default server.url)")
	return cmd
}

// parseOrders expands the --endian flag.
func parseOrders(s string) ([]core.ByteOrder, error) {
	if strings.EqualFold(s, "both") {
		return []core.ByteOrder{core.LittleEndian, core.BigEndian}, nil
	}
	order, err := core.ParseByteOrder(s)
	if err != nil {
		return nil, err
	}
	return []core.ByteOrder{order}, nil
}

func runSimulate(ctx context.Context, cmd *cobra.Command, opts simulateOptions) error {
	outs, err := setupLogging(appName+".simulate", false)
	if err != nil {
		return err
	}
	defer outs.Close()

	orders, err := parseOrders(opts.endian)
	if err != nil {
		return err
	}

	sc := scenario.Builtin()
	if opts.file != "" {
		sc, err = scenario.LoadFile(opts.file, parser.NewParser(Logger, orders[0]))
		if err != nil {
			return err
		}
	}

	baseURL := opts.url
	if baseURL == "" {
		baseURL = viper.GetString("server.url")
	}

	var sender scenario.Sender
	switch opts.via {
	case "http":
		client := api.New(baseURL)
		if err := client.Healthcheck(ctx); err != nil {
			return fmt.Errorf("server %s not reachable: %w", baseURL, err)
		}
		sender = client
	case "ws":
		client := wsclient.New(baseURL, Logger)
		defer client.Close()
		sender = client
	default:
		return fmt.Errorf("unknown transport %q, want http or ws", opts.via)
	}

	notices, err := scenario.NewPlayer(sender, Logger).Play(ctx, sc, scenario.Options{
		Orders: orders,
		Speed:  opts.speed,
		Loops:  opts.loops,
	})
	out := cmd.OutOrStdout()
	for _, n := range notices {
		fmt.Fprintf(out, "%-6d %-6s %s\n", n.OrderKey, n.ByteOrder, n.StepName)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "sent %d steps via %s\n", len(notices), opts.via)
	return nil
}
