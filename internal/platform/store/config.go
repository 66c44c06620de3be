package store

import "time"

// Config aggregates backend configuration
type Config struct {
	AppName string

	DB DBConfig
}

// DBConfig configures the embedded sqlite database
type DBConfig struct {
	Enabled bool
	Path    string

	// BusyTimeout bounds how long a writer waits on a locked database
	BusyTimeout time.Duration

	// MaxConns caps the database/sql pool
	MaxConns int

	LogSQL      bool
	SlowQueryMs int
}
