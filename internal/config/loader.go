package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TokenEnvVar is the environment variable consulted for the session token
// when session.token is empty in the YAML document.
const TokenEnvVar = "PARLANCE_TOKEN"

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default], resolves
// the token environment fallback, and validates the result. Useful in tests
// where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if cfg.Session.Token == "" {
		cfg.Session.Token = os.Getenv(TokenEnvVar)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Session
	if cfg.Session.URL == "" {
		errs = append(errs, errors.New("session.url is required"))
	} else if u, err := url.Parse(cfg.Session.URL); err != nil {
		errs = append(errs, fmt.Errorf("session.url %q is not a valid URL: %w", cfg.Session.URL, err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("session.url scheme %q is invalid; valid values: ws, wss", u.Scheme))
	}
	if cfg.Session.Token == "" {
		errs = append(errs, fmt.Errorf("session.token is required (set it in the config file or via %s)", TokenEnvVar))
	}

	// Connection
	if cfg.Connection.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("connection.heartbeat_interval must be positive"))
	} else if cfg.Connection.HeartbeatInterval.Std() < time.Second {
		slog.Warn("connection.heartbeat_interval is below one second; expect noticeable ping traffic",
			"heartbeat_interval", cfg.Connection.HeartbeatInterval.Std())
	}
	if cfg.Connection.ReadyTimeout <= 0 {
		errs = append(errs, errors.New("connection.ready_timeout must be positive"))
	}
	if cfg.Connection.MaxReconnectAttempts < 1 {
		errs = append(errs, errors.New("connection.max_reconnect_attempts must be at least 1"))
	}
	if cfg.Connection.ReconnectBackoff <= 0 {
		errs = append(errs, errors.New("connection.reconnect_backoff must be positive"))
	}

	// Audio
	if !cfg.Audio.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("audio.backend %q is invalid; valid values: portaudio, malgo", cfg.Audio.Backend))
	}
	if cfg.Audio.RoutePollInterval <= 0 {
		errs = append(errs, errors.New("audio.route_poll_interval must be positive"))
	}
	if cfg.Audio.RouteDebounce <= 0 {
		errs = append(errs, errors.New("audio.route_debounce must be positive"))
	}

	// Gate
	if cfg.Gate.Tail <= 0 {
		errs = append(errs, errors.New("gate.tail must be positive"))
	}
	if cfg.Gate.BargeInRMS <= 0 || cfg.Gate.BargeInRMS > 1 {
		errs = append(errs, fmt.Errorf("gate.barge_in_rms %.3f is out of range (0, 1]", cfg.Gate.BargeInRMS))
	} else if cfg.Gate.BargeInRMS > 0.5 {
		slog.Warn("gate.barge_in_rms is unusually high; barge-in may be hard to trigger",
			"barge_in_rms", cfg.Gate.BargeInRMS)
	}

	// Client
	if cfg.Client.LogLevel != "" && !cfg.Client.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("client.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Client.LogLevel))
	}

	return errors.Join(errs...)
}
