// Command wastetrack-observer follows collectors the way the admin or
// resident dashboard does and prints the table whenever it changes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"wastetrack/internal/bus"
	"wastetrack/internal/config"
	"wastetrack/internal/dashboard"
	"wastetrack/internal/geo"
	"wastetrack/internal/logging"
	"wastetrack/internal/notify"
	"wastetrack/internal/observer"
	"wastetrack/internal/proximity"
	"wastetrack/internal/supervisor"
	"wastetrack/internal/transport"
)

func main() {
	configPath := flag.String("config", os.Getenv(config.ConfigPathEnvVar), "path to config file")
	role := flag.String("role", "", "dashboard role: admin or resident (overrides config)")
	selfTrack := flag.String("self-track", "", "track file to read the resident's own position from")
	find := flag.Bool("find", false, "query collectors near the resident once at startup")
	protobuf := flag.Bool("protobuf", false, "fetch snapshots as GTFS-RT")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wastetrack-observer: %v\n", err)
		os.Exit(1)
	}
	if *role != "" {
		if *role != transport.RoleAdmin && *role != transport.RoleResident {
			fmt.Fprintf(os.Stderr, "wastetrack-observer: unknown role %q\n", *role)
			os.Exit(2)
		}
		cfg.Observer.Role = *role
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, flags{selfTrack: *selfTrack, find: *find, protobuf: *protobuf}); err != nil && !errors.Is(err, context.Canceled) {
		logging.Fatal().Err(err).Msg("observer stopped")
	}
}

type flags struct {
	selfTrack string
	find      bool
	protobuf  bool
}

func run(ctx context.Context, cfg *config.Config, fl flags) error {
	oc := cfg.Observer

	client := transport.NewClient(cfg.API.BaseURL, cfg.API.Token, cfg.API.Timeout)
	client.PreferProtobuf = fl.protobuf
	conns := transport.NewConnManager(client, "")
	defer conns.CloseAll()

	b := bus.New()
	defer func() { _ = b.Close() }()

	notifier := proximity.New(notify.NewLogToaster(), notify.NewLogNotifier(notify.PermissionDefault), oc.NearbyRadius, oc.NearbyCooldown)
	notifier.SetSelf(geo.Point{Latitude: oc.SelfLatitude, Longitude: oc.SelfLongitude})
	notifier.SetEnabled(oc.NotifyNearby)
	defer notifier.Wait()
	if fl.selfTrack != "" {
		device, err := geo.LoadTrack(fl.selfTrack)
		if err != nil {
			return err
		}
		if err := notifier.RefreshSelf(ctx, geo.NewSampler(device)); err != nil {
			logging.Warn().Err(err).Msg("keeping configured resident position")
		}
	}

	obs := observer.New(client, conns, b, notifier, observer.Options{
		Role:            oc.Role,
		PollInterval:    oc.EffectivePollInterval(),
		SweepInterval:   oc.SweepInterval,
		StaleThreshold:  oc.StaleThreshold,
		FindRadius:      oc.FindRadius,
		RefetchInterval: oc.RefetchInterval,
	})

	tree := supervisor.NewTree("wastetrack-observer", logging.NewSlog(), supervisor.TreeConfig{})
	tree.AddMessagingService(obs)
	tree.AddAPIService(supervisor.Func{Name: "dashboard", Run: func(ctx context.Context) error {
		return dashboard.Watch(ctx, b, obs.Registry(), oc.Role, os.Stdout)
	}})
	if fl.find {
		self, _ := notifier.Self()
		tree.AddAPIService(supervisor.Func{Name: "find-nearby", Once: true, Run: func(ctx context.Context) error {
			ids, err := obs.FindNearby(ctx, self)
			if err != nil {
				return err
			}
			logging.Info().Strs("collectors", ids).Float64("radius_m", oc.FindRadius).Msg("nearby collectors")
			return nil
		}})
	}

	logging.Info().
		Str("role", oc.Role).
		Str("api", cfg.API.BaseURL).
		Bool("notify_nearby", oc.NotifyNearby).
		Msg("observer starting")
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
