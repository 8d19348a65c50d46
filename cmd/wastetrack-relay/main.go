// Command wastetrack-relay accepts collector location reports and pushes
// them to admin and resident dashboards.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"wastetrack/internal/config"
	"wastetrack/internal/logging"
	"wastetrack/internal/relay"
	"wastetrack/internal/supervisor"
)

func main() {
	configPath := flag.String("config", os.Getenv(config.ConfigPathEnvVar), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wastetrack-relay: %v\n", err)
		os.Exit(1)
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		logging.Fatal().Err(err).Msg("relay stopped")
	}
	logging.Info().Msg("relay shut down")
}

func run(ctx context.Context, cfg *config.Config) error {
	tree := supervisor.NewTree("wastetrack-relay", logging.NewSlog(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Relay.ShutdownTimeout,
	})

	opts := relay.Options{
		StaleThreshold: cfg.Relay.StaleThreshold,
		SweepInterval:  cfg.Relay.SweepInterval,
	}

	var fanout *relay.NATSFanout
	if cfg.Relay.NATS.Enabled {
		url := cfg.Relay.NATS.URL
		if cfg.Relay.NATS.Embedded {
			ns, err := relay.StartEmbeddedNATS(cfg.Relay.NATS.Port)
			if err != nil {
				return fmt.Errorf("start embedded nats: %w", err)
			}
			tree.AddDataService(ns)
			url = ns.ClientURL()
			logging.Info().Str("url", url).Msg("embedded NATS started")
		}
		f, err := relay.NewNATSFanout(url, cfg.Relay.NATS.Subject)
		if err != nil {
			return fmt.Errorf("connect fanout: %w", err)
		}
		fanout = f
		opts.Fanout = f
		tree.AddMessagingService(supervisor.Closer{Name: "nats-fanout", Close: f.Close})
	}

	r := relay.New(opts)
	tree.AddDataService(r.Sweeper())
	if fanout != nil {
		tree.AddMessagingService(relay.NewFanoutReceiver(r, fanout))
	}

	handler := r.Router(relay.RouterOptions{
		CORSOrigins:    cfg.Relay.CORSOrigins,
		PublishRate:    cfg.Relay.PublishRate,
		PublishWindow:  cfg.Relay.PublishWindow,
		StreamInterval: cfg.Relay.StreamInterval,
	})
	tree.AddAPIService(relay.NewServer(cfg.Relay.Addr, handler, r.Hub(), cfg.Relay.ShutdownTimeout))

	logging.Info().
		Str("addr", cfg.Relay.Addr).
		Bool("nats", cfg.Relay.NATS.Enabled).
		Msg("relay starting")
	err := tree.Serve(ctx)
	reportUnstopped(tree)
	return err
}

func reportUnstopped(tree *supervisor.Tree) {
	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("service failed to stop")
	}
}
