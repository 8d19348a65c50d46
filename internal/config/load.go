package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "WASTETRACK_"

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = EnvPrefix + "CONFIG"

// DefaultConfigPaths are searched in order when no path is given.
var DefaultConfigPaths = []string{
	"wastetrack.yaml",
	"wastetrack.yml",
	"/etc/wastetrack/config.yaml",
}

// DotEnvFiles are loaded into the process environment before anything else.
// Variables already set in the environment are not overridden.
var DotEnvFiles = []string{".env.local", ".env"}

var validate = validator.New()

// Load builds the configuration. path may be empty.
func Load(path string) (*Config, error) {
	for _, f := range DotEnvFiles {
		if _, err := os.Stat(f); err == nil {
			if err := godotenv.Load(f); err != nil {
				return nil, fmt.Errorf("load %s: %w", f, err)
			}
		}
	}

	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := splitLists(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate runs tag validation and the cross-field checks tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	var errs []error
	if c.Relay.NATS.Enabled && !c.Relay.NATS.Embedded && c.Relay.NATS.URL == "" {
		errs = append(errs, errors.New("relay.nats.url is required unless relay.nats.embedded is set"))
	}
	if c.Observer.StaleThreshold <= c.Observer.SweepInterval {
		errs = append(errs, fmt.Errorf("observer.stale_threshold (%s) must exceed observer.sweep_interval (%s)",
			c.Observer.StaleThreshold, c.Observer.SweepInterval))
	}
	return errors.Join(errs...)
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envKeys maps WASTETRACK_* suffixes onto koanf paths. Unknown variables are
// ignored.
var envKeys = map[string]string{
	"log_level":  "log.level",
	"log_format": "log.format",

	"api_url":     "api.base_url",
	"api_token":   "api.token",
	"api_timeout": "api.timeout",

	"role":                      "observer.role",
	"observer_role":             "observer.role",
	"observer_poll_interval":    "observer.poll_interval",
	"observer_sweep_interval":   "observer.sweep_interval",
	"observer_stale_threshold":  "observer.stale_threshold",
	"observer_notify_nearby":    "observer.notify_nearby",
	"observer_nearby_radius":    "observer.nearby_radius",
	"observer_nearby_cooldown":  "observer.nearby_cooldown",
	"observer_find_radius":      "observer.find_radius",
	"observer_self_latitude":    "observer.self_latitude",
	"observer_self_longitude":   "observer.self_longitude",
	"observer_refetch_interval": "observer.refetch_interval",

	"collector_id":      "sharing.collector_id",
	"sharing_interval":  "sharing.interval",
	"sharing_state_dir": "sharing.state_dir",
	"sharing_track":     "sharing.track_file",

	"relay_addr":             "relay.addr",
	"relay_stale_threshold":  "relay.stale_threshold",
	"relay_sweep_interval":   "relay.sweep_interval",
	"relay_stream_interval":  "relay.stream_interval",
	"relay_publish_rate":     "relay.publish_rate",
	"relay_publish_window":   "relay.publish_window",
	"relay_cors_origins":     "relay.cors_origins",
	"relay_shutdown_timeout": "relay.shutdown_timeout",
	"nats_enabled":           "relay.nats.enabled",
	"nats_url":               "relay.nats.url",
	"nats_embedded":          "relay.nats.embedded",
	"nats_port":              "relay.nats.port",
	"nats_subject":           "relay.nats.subject",
}

func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return envKeys[key]
}

var listPaths = []string{"relay.cors_origins"}

// splitLists turns comma separated env values into slices.
func splitLists(k *koanf.Koanf) error {
	for _, path := range listPaths {
		s, ok := k.Get(path).(string)
		if !ok || s == "" {
			continue
		}
		var out []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if err := k.Set(path, out); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}
