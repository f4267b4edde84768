package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// (endpoint, credentials, audio backend, devices) requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// GateChanged covers both the suppression tail and the barge-in
	// threshold, which the session applies together.
	GateChanged bool
	NewGate     GateConfig
}

// Any reports whether the diff contains at least one applicable change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.GateChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Client.LogLevel != new.Client.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Client.LogLevel
	}

	if old.Gate != new.Gate {
		d.GateChanged = true
		d.NewGate = new.Gate
	}

	return d
}
