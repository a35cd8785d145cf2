// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Example Majordomo worker
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/destiny/mdp"
	"github.com/destiny/mdp/majordomo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

func main() {
	// A protocol violation surfaces here with the offending frames in its message.
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// flag name -> config key
var flagKeys = map[string]string{
	"broker":                "broker_endpoint",
	"service":               "service_name",
	"heartbeat-interval-ms": "heartbeat_interval_ms",
	"heartbeat-liveness":    "heartbeat_liveness",
	"reconnect-delay-ms":    "reconnect_delay_ms",
	"identity":              "identity",
	"log-level":             "log_level",
}

func newRootCommand() *cobra.Command {
	return newCommand(viper.New())
}

func newCommand(v *viper.Viper) *cobra.Command {
	v.SetEnvPrefix("MDP")
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:          "mdp-worker [service]",
		Short:        "Echo worker for a Majordomo broker",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v, args)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringP("config", "c", "", "TOML configuration file")
	flags.StringP("broker", "b", "", "broker endpoint, e.g. tcp://127.0.0.1:5555")
	flags.StringP("service", "s", "", "service name to register")
	flags.Int("heartbeat-interval-ms", 0, "heartbeat interval in milliseconds")
	flags.Int("heartbeat-liveness", 0, "missed heartbeats tolerated before reconnecting")
	flags.Int("reconnect-delay-ms", 0, "delay before reconnecting in milliseconds")
	flags.String("identity", "", "socket identity (default: random per connection)")
	flags.String("log-level", "", "error, warn, info, debug or trace")

	cobra.CheckErr(v.BindPFlag("config", flags.Lookup("config")))
	for name, key := range flagKeys {
		cobra.CheckErr(v.BindPFlag(key, flags.Lookup(name)))
	}
	return cmd
}

// loadConfig layers flags and MDP_* environment variables over the
// optional configuration file.
func loadConfig(v *viper.Viper, args []string) (mdp.Config, error) {
	cfg := mdp.DefaultConfig()
	if path := v.GetString("config"); path != "" {
		var err error
		if cfg, err = mdp.ReadConfig(path); err != nil {
			return mdp.Config{}, err
		}
	}

	if v.IsSet("broker_endpoint") {
		cfg.BrokerEndpoint = v.GetString("broker_endpoint")
	}
	if v.IsSet("service_name") {
		cfg.ServiceName = v.GetString("service_name")
	}
	if len(args) == 1 {
		cfg.ServiceName = args[0]
	}
	if v.IsSet("heartbeat_interval_ms") {
		cfg.HeartbeatIntervalMs = v.GetInt("heartbeat_interval_ms")
	}
	if v.IsSet("heartbeat_liveness") {
		cfg.HeartbeatLiveness = v.GetInt("heartbeat_liveness")
	}
	if v.IsSet("reconnect_delay_ms") {
		cfg.ReconnectDelayMs = v.GetInt("reconnect_delay_ms")
	}
	if v.IsSet("identity") {
		cfg.Identity = v.GetString("identity")
	}
	if v.IsSet("log_level") {
		cfg.LogLevel = v.GetString("log_level")
	}
	if cfg.BrokerEndpoint == "" {
		cfg.BrokerEndpoint = "tcp://127.0.0.1:5555"
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, cfg mdp.Config) error {
	opts, err := majordomo.WorkerOptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	log := opts.Logger

	service := majordomo.ServiceName(cfg.ServiceName)
	worker, err := majordomo.NewWorker(service, cfg.BrokerEndpoint, opts)
	if err != nil {
		return fmt.Errorf("could not create worker: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Majordomo worker started for service: %s", service)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer worker.Destroy()
		return worker.Serve(gctx, func(_ context.Context, request [][]byte) ([][]byte, error) {
			log.Debug("Processing request: %s", majordomo.FormatFrames(request))
			return request, nil
		})
	})
	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				logStats(log, worker.Stats())
			case <-gctx.Done():
				return nil
			}
		}
	})

	err = g.Wait()
	log.Info("Worker stopped")
	return err
}

func logStats(log *mdp.Logger, stats majordomo.Stats) {
	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		log.Warn("could not encode worker stats: %v", err)
		return
	}
	log.Info("Worker stats:\n%s", out)
}
