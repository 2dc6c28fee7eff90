package config

// WorkerConfig describes the executable the cluster launches for every
// job phase.
type WorkerConfig struct {
	Executable string `mapstructure:"executable"`
}

// LoggingConfig selects the slog handler. Level is one of debug, info, warn
// or error; Format is "text" or "json", anything else falls back to json.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
