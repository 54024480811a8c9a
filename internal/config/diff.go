package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; capture format,
// upstream and archive changes require a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SensitivityChanged is true when the detection profiles, voice focus
	// default or silence suppression changed. The running engine is retuned
	// in place.
	SensitivityChanged bool
	NewSensitivity     SensitivityConfig

	// RelayChanged is true when the relay encoding or buffering changed.
	// Applies to clients connecting after the reload.
	RelayChanged bool
	NewRelay     RelayConfig
}

// Empty reports whether the diff carries no applicable change.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SensitivityChanged && !d.RelayChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Sensitivity != new.Sensitivity {
		d.SensitivityChanged = true
		d.NewSensitivity = new.Sensitivity
	}

	if old.Relay != new.Relay {
		d.RelayChanged = true
		d.NewRelay = new.Relay
	}

	return d
}
