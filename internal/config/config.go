// Package config loads the daemon-level static configuration: the socket
// path the producer connects to, the connection backoff schedule, and the
// guardrail poll interval (spec.md §4.1, §4.10 — distilled as fixed
// constants there, loaded here from a small YAML-backed config struct over
// its defaults). producer.WithDaemonConfig applies only the backoff fields
// and AndroidStartupDelay; SocketPath and GuardrailPollInterval are loaded
// but nothing reads them, and the guardrail polls every 1000ms regardless.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DaemonConfig is the producer daemon's static configuration.
type DaemonConfig struct {
	SocketPath string `yaml:"socket_path"`

	ConnectInitialBackoff time.Duration `yaml:"connect_initial_backoff"`
	ConnectMaxBackoff     time.Duration `yaml:"connect_max_backoff"`

	GuardrailPollInterval time.Duration `yaml:"guardrail_poll_interval"`

	// AndroidStartupDelay is the fixed grace period spec.md §4.6
	// describes for platforms needing it before the first descriptor
	// lookup; zero on Linux.
	AndroidStartupDelay time.Duration `yaml:"android_startup_delay"`
}

// Default returns the constants spec.md §4.1/§4.2/§4.6/§4.10 specifies
// literally: 100ms initial backoff, 30s cap, 1000ms guardrail poll, 50ms
// Android startup delay.
func Default() DaemonConfig {
	return DaemonConfig{
		SocketPath:            "/run/tracedperf/producer.sock",
		ConnectInitialBackoff: 100 * time.Millisecond,
		ConnectMaxBackoff:     30 * time.Second,
		GuardrailPollInterval: 1000 * time.Millisecond,
		AndroidStartupDelay:   50 * time.Millisecond,
	}
}

// Load reads a YAML DaemonConfig from path, applying Default() for any
// zero-valued field left unset.
func Load(path string) (DaemonConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DaemonConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return DaemonConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
