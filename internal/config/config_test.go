package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolate moves the test into an empty directory so no stray wastetrack.yaml
// or .env.local is picked up.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv(ConfigPathEnvVar, "")
	return dir
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Observer.Role != "resident" {
		t.Errorf("Role = %q, want resident", cfg.Observer.Role)
	}
	if cfg.Observer.SweepInterval != 5*time.Second {
		t.Errorf("SweepInterval = %v, want 5s", cfg.Observer.SweepInterval)
	}
	if cfg.Observer.StaleThreshold != 60*time.Second {
		t.Errorf("StaleThreshold = %v, want 60s", cfg.Observer.StaleThreshold)
	}
	if cfg.Sharing.Interval != 10*time.Second {
		t.Errorf("Sharing.Interval = %v, want 10s", cfg.Sharing.Interval)
	}
	if cfg.Relay.NATS.Subject != "wastetrack.collectors" {
		t.Errorf("NATS.Subject = %q", cfg.Relay.NATS.Subject)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "custom.yaml")
	yaml := strings.Join([]string{
		"observer:",
		"  role: admin",
		"  nearby_radius: 250",
		"relay:",
		"  addr: 127.0.0.1:6000",
	}, "\n")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("WASTETRACK_RELAY_ADDR", "127.0.0.1:7000")
	t.Setenv("WASTETRACK_SHARING_INTERVAL", "3s")
	t.Setenv("WASTETRACK_RELAY_CORS_ORIGINS", "http://a.test, http://b.test")
	t.Setenv("WASTETRACK_NOT_A_KEY", "ignored")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Observer.Role != "admin" {
		t.Errorf("Role = %q, want admin", cfg.Observer.Role)
	}
	if cfg.Observer.NearbyRadius != 250 {
		t.Errorf("NearbyRadius = %v, want 250", cfg.Observer.NearbyRadius)
	}
	if cfg.Relay.Addr != "127.0.0.1:7000" {
		t.Errorf("Addr = %q, env should win over file", cfg.Relay.Addr)
	}
	if cfg.Sharing.Interval != 3*time.Second {
		t.Errorf("Sharing.Interval = %v, want 3s", cfg.Sharing.Interval)
	}
	if len(cfg.Relay.CORSOrigins) != 2 || cfg.Relay.CORSOrigins[1] != "http://b.test" {
		t.Errorf("CORSOrigins = %v", cfg.Relay.CORSOrigins)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"bad role", func(c *Config) { c.Observer.Role = "driver" }, true},
		{"bad base url", func(c *Config) { c.API.BaseURL = "not a url" }, true},
		{"nats without url", func(c *Config) {
			c.Relay.NATS.Enabled = true
			c.Relay.NATS.URL = ""
		}, true},
		{"embedded nats without url", func(c *Config) {
			c.Relay.NATS.Enabled = true
			c.Relay.NATS.Embedded = true
			c.Relay.NATS.URL = ""
		}, false},
		{"stale below sweep", func(c *Config) { c.Observer.StaleThreshold = time.Second }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEffectivePollInterval(t *testing.T) {
	c := ObserverConfig{Role: "admin"}
	if got := c.EffectivePollInterval(); got != 4*time.Second {
		t.Errorf("admin = %v, want 4s", got)
	}
	c.Role = "resident"
	if got := c.EffectivePollInterval(); got != 5*time.Second {
		t.Errorf("resident = %v, want 5s", got)
	}
	c.PollInterval = time.Second
	if got := c.EffectivePollInterval(); got != time.Second {
		t.Errorf("explicit = %v, want 1s", got)
	}
}
