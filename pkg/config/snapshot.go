package config

import "time"

// Snapshot is one successfully loaded configuration.
type Snapshot struct {
	Generation int64
	LoadedAt   time.Time
	Config     *Config
}
