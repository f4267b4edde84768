// Package config provides the configuration schema, loader, and audio backend
// registry for the Parlance voice client.
package config

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/parlancehq/parlance/internal/gate"
	"github.com/parlancehq/parlance/pkg/audio"
	"github.com/parlancehq/parlance/pkg/client"
)

// LogLevel controls log verbosity for the Parlance client.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Backend selects the platform audio library used for capture and playout.
type Backend string

const (
	// BackendPortAudio opens duplex streams through PortAudio.
	BackendPortAudio Backend = "portaudio"

	// BackendMalgo opens duplex streams through miniaudio via the malgo
	// bindings.
	BackendMalgo Backend = "malgo"
)

// IsValid reports whether b is a recognised audio backend.
func (b Backend) IsValid() bool {
	return b == BackendPortAudio || b == BackendMalgo
}

// Duration wraps time.Duration so YAML values can be written as
// human-readable strings such as "500ms" or "15s".
type Duration time.Duration

// UnmarshalYAML implements [yaml.Unmarshaler].
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return errors.New("duration must be a scalar such as \"500ms\"")
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a standard [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for Parlance.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Session    SessionConfig    `yaml:"session"`
	Connection ConnectionConfig `yaml:"connection"`
	Audio      AudioConfig      `yaml:"audio"`
	Gate       GateConfig       `yaml:"gate"`
	Client     ClientConfig     `yaml:"client"`
}

// SessionConfig identifies the conversation endpoint and credentials.
type SessionConfig struct {
	// URL is the websocket endpoint of the voice backend
	// (e.g., "wss://voice.example.net/v1/stream"). The scheme must be ws or wss.
	URL string `yaml:"url"`

	// Token authenticates the session. When empty, the loader falls back to
	// the PARLANCE_TOKEN environment variable.
	Token string `yaml:"token"`

	// ContextID optionally resumes an existing conversation context.
	ContextID string `yaml:"context_id"`
}

// ConnectionConfig tunes the websocket connection lifecycle.
type ConnectionConfig struct {
	// HeartbeatInterval is the cadence of application-level pings.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`

	// ReadyTimeout bounds the wait for the backend's ready event after the
	// transport opens. Expiry is not an error; the session proceeds.
	ReadyTimeout Duration `yaml:"ready_timeout"`

	// MaxReconnectAttempts caps automatic recovery after a dropped connection.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	// ReconnectBackoff is the base delay of the exponential recovery
	// schedule: attempt k waits backoff << (k-1).
	ReconnectBackoff Duration `yaml:"reconnect_backoff"`
}

// AudioConfig selects the audio backend and stream behaviour.
type AudioConfig struct {
	// Backend selects the platform audio library.
	Backend Backend `yaml:"backend"`

	// InputDevice selects the capture device by substring match against the
	// backend's device names. Empty selects the system default.
	InputDevice string `yaml:"input_device"`

	// OutputDevice selects the playout device. Empty selects the default.
	OutputDevice string `yaml:"output_device"`

	// EchoCancellation requests hardware echo cancellation where the
	// platform exposes it.
	EchoCancellation bool `yaml:"echo_cancellation"`

	// NoiseSuppression requests hardware noise suppression where available.
	NoiseSuppression bool `yaml:"noise_suppression"`

	// AutoGain requests automatic gain control where available.
	AutoGain bool `yaml:"auto_gain"`

	// RoutePollInterval is how often the route monitor samples the host's
	// audio route.
	RoutePollInterval Duration `yaml:"route_poll_interval"`

	// RouteDebounce is the settle period after a detected route change
	// before the stream is reconfigured.
	RouteDebounce Duration `yaml:"route_debounce"`
}

// GateConfig tunes the playback gate that keeps assistant audio out of the
// uplink.
type GateConfig struct {
	// Tail extends capture suppression past the end of scheduled playout.
	Tail Duration `yaml:"tail"`

	// BargeInRMS is the capture level, in (0, 1], at which user speech
	// overrides an open suppression window.
	BargeInRMS float64 `yaml:"barge_in_rms"`
}

// ClientConfig holds logging and debug-surface settings.
type ClientConfig struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// DebugAddr, when set, serves /metrics, /healthz and /readyz on the
	// given TCP address (e.g., "127.0.0.1:9190").
	DebugAddr string `yaml:"debug_addr"`

	// WatchConfig enables live reload of the hot-tunable subset: gate
	// tuning and log level.
	WatchConfig bool `yaml:"watch_config"`
}

// Default returns a [Config] carrying the values that apply when a field is
// absent from the YAML document. The loader decodes on top of it, so the
// document only needs to state what differs.
func Default() *Config {
	return &Config{
		Connection: ConnectionConfig{
			HeartbeatInterval:    Duration(client.DefaultHeartbeatInterval),
			ReadyTimeout:         Duration(client.DefaultReadyTimeout),
			MaxReconnectAttempts: client.DefaultMaxReconnectAttempts,
			ReconnectBackoff:     Duration(client.DefaultBackoffBase),
		},
		Audio: AudioConfig{
			Backend:           BackendPortAudio,
			EchoCancellation:  true,
			NoiseSuppression:  true,
			AutoGain:          true,
			RoutePollInterval: Duration(audio.DefaultRoutePollInterval),
			RouteDebounce:     Duration(audio.DefaultRouteDebounce),
		},
		Gate: GateConfig{
			Tail:       Duration(gate.DefaultTail),
			BargeInRMS: gate.DefaultBargeInRMS,
		},
		Client: ClientConfig{
			LogLevel: LogInfo,
		},
	}
}
