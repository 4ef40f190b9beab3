package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// BreakerChanged is true when the enhancer circuit breaker thresholds
	// changed. New breakers pick up the values; open breakers are untouched.
	BreakerChanged bool

	// PresenceTTLChanged is true when the listener presence TTL changed.
	PresenceTTLChanged bool
}

// Changed reports whether the diff contains any hot-reloadable change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.BreakerChanged || d.PresenceTTLChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart: log level,
// breaker thresholds, and the presence TTL. Everything else (listen address,
// queue sizes, backends) requires a restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Engine.BreakerMaxFailures != new.Engine.BreakerMaxFailures ||
		old.Engine.BreakerResetTimeout != new.Engine.BreakerResetTimeout {
		d.BreakerChanged = true
	}

	if old.Presence.TTL != new.Presence.TTL {
		d.PresenceTTLChanged = true
	}

	return d
}
