// Package config loads wastetrack configuration.
//
// Values are layered, later layers winning:
//
//  1. defaults from defaultConfig()
//  2. a YAML file (the -config flag, WASTETRACK_CONFIG, or ./wastetrack.yaml)
//  3. WASTETRACK_* environment variables
//
// A .env.local file, when present, is loaded into the environment first.
package config

import (
	"time"
)

// Config is the root configuration for every wastetrack binary.
type Config struct {
	Log      LogConfig      `koanf:"log"`
	API      APIConfig      `koanf:"api"`
	Observer ObserverConfig `koanf:"observer"`
	Sharing  SharingConfig  `koanf:"sharing"`
	Relay    RelayConfig    `koanf:"relay"`
}

// LogConfig selects log level and format.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// APIConfig points clients at the relay.
type APIConfig struct {
	BaseURL string        `koanf:"base_url" validate:"required,url"`
	Token   string        `koanf:"token"`
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
}

// ObserverConfig configures an admin or resident dashboard.
type ObserverConfig struct {
	Role            string        `koanf:"role" validate:"oneof=admin resident"`
	PollInterval    time.Duration `koanf:"poll_interval" validate:"gte=0"`
	SweepInterval   time.Duration `koanf:"sweep_interval" validate:"gt=0"`
	StaleThreshold  time.Duration `koanf:"stale_threshold" validate:"gt=0"`
	NotifyNearby    bool          `koanf:"notify_nearby"`
	NearbyRadius    float64       `koanf:"nearby_radius" validate:"gt=0"`
	NearbyCooldown  time.Duration `koanf:"nearby_cooldown" validate:"gte=0"`
	FindRadius      float64       `koanf:"find_radius" validate:"gt=0"`
	SelfLatitude    float64       `koanf:"self_latitude" validate:"gte=-90,lte=90"`
	SelfLongitude   float64       `koanf:"self_longitude" validate:"gte=-180,lte=180"`
	RefetchInterval time.Duration `koanf:"refetch_interval" validate:"gt=0"`
}

// SharingConfig configures the collector side.
type SharingConfig struct {
	CollectorID string        `koanf:"collector_id"`
	Interval    time.Duration `koanf:"interval" validate:"gt=0"`
	StateDir    string        `koanf:"state_dir" validate:"required"`
	TrackFile   string        `koanf:"track_file"`
}

// RelayConfig configures the reference relay server.
type RelayConfig struct {
	Addr            string        `koanf:"addr" validate:"required,hostname_port"`
	StaleThreshold  time.Duration `koanf:"stale_threshold" validate:"gt=0"`
	SweepInterval   time.Duration `koanf:"sweep_interval" validate:"gt=0"`
	StreamInterval  time.Duration `koanf:"stream_interval" validate:"gt=0"`
	PublishRate     int           `koanf:"publish_rate" validate:"gte=0"`
	PublishWindow   time.Duration `koanf:"publish_window" validate:"gt=0"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	NATS            NATSConfig    `koanf:"nats"`
}

// NATSConfig enables fan-out between relay instances.
type NATSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	URL      string `koanf:"url" validate:"omitempty,url"`
	Embedded bool   `koanf:"embedded"`
	Port     int    `koanf:"port" validate:"gte=-1,lte=65535"`
	Subject  string `koanf:"subject" validate:"required"`
}

func defaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		API: APIConfig{
			BaseURL: "http://127.0.0.1:5000/api",
			Timeout: 10 * time.Second,
		},
		Observer: ObserverConfig{
			Role:            "resident",
			PollInterval:    0,
			SweepInterval:   5 * time.Second,
			StaleThreshold:  60 * time.Second,
			NotifyNearby:    false,
			NearbyRadius:    500,
			NearbyCooldown:  5 * time.Minute,
			FindRadius:      1000,
			SelfLatitude:    13.4549,
			SelfLongitude:   -16.5790,
			RefetchInterval: 2 * time.Second,
		},
		Sharing: SharingConfig{
			Interval: 10 * time.Second,
			StateDir: "./data/collector-state",
		},
		Relay: RelayConfig{
			Addr:            "0.0.0.0:5000",
			StaleThreshold:  5 * time.Minute,
			SweepInterval:   15 * time.Second,
			StreamInterval:  2 * time.Second,
			PublishRate:     120,
			PublishWindow:   time.Minute,
			ShutdownTimeout: 10 * time.Second,
			NATS: NATSConfig{
				Enabled:  false,
				URL:      "nats://127.0.0.1:4222",
				Embedded: false,
				Port:     4222,
				Subject:  "wastetrack.collectors",
			},
		},
	}
}

// EffectivePollInterval returns the fallback poll interval. Zero means the
// role default: admin dashboards poll every 4s, residents every 5s.
func (c *ObserverConfig) EffectivePollInterval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	if c.Role == "admin" {
		return 4 * time.Second
	}
	return 5 * time.Second
}
