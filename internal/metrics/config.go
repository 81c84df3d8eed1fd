package metrics

import (
	"path/filepath"
	"time"

	"codeberg.org/mutker/gasmeterd/internal/errors"
)

const (
	// File system permissions and paths
	defaultDirPerm       = 0o755
	defaultDBPath        = "/var/lib/gasmeterd/history.db"
	defaultBatchSize     = 10
	defaultFlushInterval = 5 * time.Minute
)

type Config struct {
	DBPath        string
	BackupDir     string
	BatchSize     int
	FlushInterval time.Duration
	Enabled       bool
}

func DefaultConfig() Config {
	return Config{
		DBPath:        defaultDBPath,
		BatchSize:     defaultBatchSize,
		FlushInterval: defaultFlushInterval,
		Enabled:       false, // Disabled by default
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	// Only validate storage settings if history is enabled
	if !c.Enabled {
		return nil
	}
	if c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BatchSize < 0 {
		return errFactory.WithData(ErrInvalidConfig, "history_batch_size")
	}
	if c.FlushInterval < 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, "history_flush_interval")
	}

	return nil
}

func (c Config) backupDir() string {
	if c.BackupDir != "" {
		return c.BackupDir
	}

	return filepath.Join(filepath.Dir(c.DBPath), "backups")
}
