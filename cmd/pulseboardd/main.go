// Copyright 2026 The Pulseboard Authors
// SPDX-License-Identifier: Apache-2.0

// pulseboardd is the Pulseboard daemon: it loads pipeline plans,
// serves the WebSocket streaming endpoint and the REST control API,
// and executes runs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/pulseboard-io/pulseboard/hub"
	"github.com/pulseboard-io/pulseboard/lib/clock"
	"github.com/pulseboard-io/pulseboard/lib/config"
	"github.com/pulseboard-io/pulseboard/pipeline"
	"github.com/pulseboard-io/pulseboard/runstore"
	"github.com/pulseboard-io/pulseboard/server"
	"github.com/pulseboard-io/pulseboard/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pulseboardd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	pflag.StringVar(&configPath, "config", "pulseboard.yaml", "path to the daemon configuration file")
	pflag.Parse()

	configuration, err := config.Load(configPath)
	if err != nil {
		return err
	}
	level, err := configuration.ParsedLogLevel()
	if err != nil {
		return err
	}
	pingInterval, err := configuration.ParsedPingInterval()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	plans, err := pipeline.LoadPlanDirectory(configuration.PlanDirectory)
	if err != nil {
		return err
	}
	if len(plans) == 0 {
		logger.Warn("no plans loaded; runs cannot be started",
			"plan_directory", configuration.PlanDirectory,
		)
	}
	for name, plan := range plans {
		logger.Info("plan loaded",
			"plan", name,
			"stages", len(plan.Stages),
			"improve", plan.Improve != nil,
		)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()
	factory := wire.NewFactory(clk)

	connectionHub := hub.New(hub.Config{
		Factory:        factory,
		Clock:          clk,
		PingInterval:   pingInterval,
		DebugBroadcast: configuration.DebugBroadcast,
		Logger:         logger,
	})

	var records *runstore.Store
	if configuration.RecordDirectory != "" {
		records, err = runstore.New(configuration.RecordDirectory)
		if err != nil {
			return err
		}
	}

	orchestrator := pipeline.New(pipeline.Config{
		Factory:     factory,
		Sink:        connectionHub,
		Coordinator: pipeline.NewCoordinator(clk),
		Clock:       clk,
		Store:       storeOrNil(records),
		Logger:      logger,
	})

	apiServer := server.New(server.Config{
		Hub:          connectionHub,
		Orchestrator: orchestrator,
		Plans:        plans,
		Factory:      factory,
		Clock:        clk,
		Records:      records,
		BaseContext:  ctx,
		Logger:       logger,
	})

	httpServer := server.NewHTTPServer(server.HTTPServerConfig{
		Address: configuration.Listen,
		Handler: apiServer.Handler(),
		Logger:  logger,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		connectionHub.Run(ctx)
	}()

	err = httpServer.Serve(ctx)

	// The hub closes every remaining connection on context
	// cancellation; wait for that before reporting shutdown.
	wg.Wait()
	if err != nil {
		return err
	}
	logger.Info("pulseboardd stopped")
	return nil
}

// storeOrNil keeps the orchestrator's optional-store contract: a nil
// *runstore.Store must become a nil interface, not a typed nil.
func storeOrNil(records *runstore.Store) pipeline.RunStore {
	if records == nil {
		return nil
	}
	return records
}
