// Command wastetrack-collector shares a collector's position with the relay
// until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wastetrack/internal/config"
	"wastetrack/internal/geo"
	"wastetrack/internal/logging"
	"wastetrack/internal/notify"
	"wastetrack/internal/sharing"
	"wastetrack/internal/store"
	"wastetrack/internal/transport"
)

func main() {
	configPath := flag.String("config", os.Getenv(config.ConfigPathEnvVar), "path to config file")
	collectorID := flag.String("id", "", "collector id (overrides config)")
	lat := flag.Float64("lat", 13.4549, "fixed latitude when no track file is configured")
	lng := flag.Float64("lng", -16.5790, "fixed longitude when no track file is configured")
	reset := flag.Bool("reset", false, "forget a sharing session left on by a previous run")
	stopSharing := flag.Bool("stop", false, "end sharing left on by a previous run, report offline, and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wastetrack-collector: %v\n", err)
		os.Exit(1)
	}
	if *collectorID != "" {
		cfg.Sharing.CollectorID = *collectorID
	}
	if cfg.Sharing.CollectorID == "" {
		fmt.Fprintln(os.Stderr, "wastetrack-collector: a collector id is required (-id or sharing.collector_id)")
		os.Exit(2)
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, options{
		fallback: geo.Point{Latitude: *lat, Longitude: *lng},
		reset:    *reset,
		stop:     *stopSharing,
	}); err != nil {
		logging.Fatal().Err(err).Msg("collector stopped")
	}
}

func openDevice(cfg config.SharingConfig, fallback geo.Point) (geo.Device, error) {
	if cfg.TrackFile == "" {
		return &geo.FixedDevice{Point: fallback}, nil
	}
	return geo.LoadTrack(cfg.TrackFile)
}

type options struct {
	fallback geo.Point
	reset    bool
	stop     bool
}

func run(ctx context.Context, cfg *config.Config, opts options) error {
	sc := cfg.Sharing
	log := logging.Component("collector")

	device, err := openDevice(sc, opts.fallback)
	if err != nil {
		return err
	}
	sampler := geo.NewSampler(device)

	st, err := store.Open(sc.StateDir)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	if opts.reset {
		if err := st.Clear(ctx, store.KeySharing); err != nil {
			return err
		}
	}

	client := transport.NewClient(cfg.API.BaseURL, cfg.API.Token, cfg.API.Timeout)
	conns := transport.NewConnManager(client, sc.CollectorID)
	defer conns.CloseAll()

	publisher := transport.NewPublisher(client, conns, sc.CollectorID, sampler, sc.Interval)
	session := sharing.New(sc.CollectorID, sampler, publisher, conns, st, notify.NewLogToaster())

	if opts.stop {
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return session.Stop(stopCtx)
	}

	restored, err := session.Restore(ctx)
	if err != nil {
		return err
	}
	if !restored {
		if err := session.Start(ctx); err != nil {
			if errors.Is(err, sharing.ErrAlreadySharing) {
				log.Warn().Msg("sharing already active")
			} else {
				return err
			}
		}
	}
	log.Info().
		Str("collector_id", sc.CollectorID).
		Bool("restored", restored).
		Dur("interval", sc.Interval).
		Msg("sharing location")

	select {
	case <-ctx.Done():
	case <-session.Ended():
		log.Warn().Msg("sharing ended by the device")
		return nil
	}

	// Exiting is not stopping: sharing resumes on the next start. Use -stop
	// to end it.
	session.Detach()
	return nil
}
