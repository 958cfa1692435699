package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stepbus/stepbus/internal/broker"
	"github.com/stepbus/stepbus/internal/config"
	"github.com/stepbus/stepbus/internal/dispatcher"
	"github.com/stepbus/stepbus/internal/hub"
	"github.com/stepbus/stepbus/internal/influx"
	"github.com/stepbus/stepbus/internal/logging"
	"github.com/stepbus/stepbus/internal/monitor"
	"github.com/stepbus/stepbus/internal/parser"
	"github.com/stepbus/stepbus/internal/reconstruct"
	"github.com/stepbus/stepbus/internal/server"
	"github.com/stepbus/stepbus/internal/worker"
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, WebSocket and SSE server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("addr") {
				viper.Set("server.addr", addr)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	return cmd
}

func runServe(ctx context.Context) error {
	outs, err := setupLogging(appName, true)
	if err != nil {
		return err
	}
	defer outs.Close()

	Logger.Info("Starting up", "version", BuildVersion, "commit", BuildCommit)

	order, err := config.GetByteOrder()
	if err != nil {
		return err
	}

	backend, err := openStorage(SlogManager, outs.zerolog)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			Logger.Error("Failed to close storage backend", "error", err)
		}
	}()

	brokerCfg := config.GetBrokerConfig()
	stepBroker := broker.New(brokerCfg, Logger)
	defer stepBroker.Close()

	stepHub := hub.New(viper.GetInt("hub.bufferSize"), Logger)
	defer stepHub.Close()

	eventDispatcher, err := dispatcher.New(logging.NewKVLogger(outs.zerolog, "dispatcher"))
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}
	defer eventDispatcher.Close()

	deps := reconstruct.Dependencies{
		Backend:      backend,
		Publisher:    stepBroker,
		Hub:          stepHub,
		LogManager:   SlogManager,
		NoticeQueue:  brokerCfg.Queue,
		DefaultOrder: order,
		RecentSteps:  viper.GetInt("storage.recentSteps"),
	}

	influxManager := connectInflux(ctx, outs)
	if influxManager != nil {
		deps.Sink = influxManager
		defer func() {
			if err := influxManager.Close(); err != nil {
				Logger.Error("Failed to close InfluxDB", "error", err)
			}
		}()
	}

	service := reconstruct.New(deps)

	workers := worker.NewManager(worker.Dependencies{
		Parser:     parser.NewParser(Logger, order),
		Service:    service,
		LogManager: SlogManager,
	})
	workers.RegisterHandlers(eventDispatcher)
	Logger.Info("Worker handlers registered with dispatcher")

	consumeCtx, stopConsume := context.WithCancel(ctx)
	defer stopConsume()
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		err := stepBroker.Consume(consumeCtx, brokerCfg.Queue, brokerCfg.ConsumerTag, worker.NoticeHandler(eventDispatcher))
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, broker.ErrClosed) {
			Logger.Error("Notice consumer stopped", "queue", brokerCfg.Queue, "error", err)
		}
	}()
	waitConsuming(ctx, stepBroker, brokerCfg.Queue)

	monDeps := monitor.Dependencies{
		Backend:      backend,
		Service:      service,
		Hub:          stepHub,
		BrokerMode:   stepBroker.Mode(),
		QueueLengths: queueLengths(eventDispatcher, stepBroker, brokerCfg.Queue),
		LogManager:   SlogManager,
		StatusFile:   viper.GetString("monitor.statusFile"),
	}
	if influxManager != nil {
		monDeps.Influx = influxManager
	}
	statusMonitor := monitor.NewService(monDeps)
	if err := statusMonitor.Start(viper.GetDuration("monitor.interval")); err != nil {
		Logger.Warn("Status monitor not started", "error", err)
	}
	defer statusMonitor.Stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := server.New(server.Dependencies{
		Service:    service,
		Dispatcher: eventDispatcher,
		Hub:        stepHub,
		Status:     statusMonitor,
		Registry:   registry,
		LogManager: SlogManager,
	})

	err = srv.ListenAndServe(ctx, viper.GetString("server.addr"))

	Logger.Info("Shutting down")
	stopConsume()
	<-consumerDone
	return err
}

// connectInflux returns nil when the sink is disabled or unusable.
func connectInflux(ctx context.Context, outs *logOutputs) *influx.Manager {
	cfg := config.GetInfluxConfig()
	if !cfg.Enabled {
		return nil
	}
	backupPath := filepath.Join(viper.GetString("logsDir"),
		fmt.Sprintf("influx_backup_%s.lp.gz", SessionStartTime.Format("20060102_150405")))

	m := influx.NewManager(cfg, outs.zerolog, backupPath)
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := m.Connect(connectCtx); err != nil {
		Logger.Error("InfluxDB sink disabled", "error", err)
		return nil
	}
	return m
}

// waitConsuming gives the local broker's consumer a moment to register so
// notices published right after startup are not discarded.
func waitConsuming(ctx context.Context, b broker.Broker, queue string) {
	local, ok := b.(*broker.LocalBroker)
	if !ok {
		return
	}
	deadline := time.Now().Add(time.Second)
	for !local.Consuming(queue) && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// queueLengths merges dispatcher queue depths with the local broker's
// notice backlog.
func queueLengths(d *dispatcher.Dispatcher, b broker.Broker, queue string) func() map[string]int {
	return func() map[string]int {
		out := d.QueueLengths()
		if local, ok := b.(*broker.LocalBroker); ok {
			out["broker:"+queue] = local.Depth(queue)
		}
		return out
	}
}
