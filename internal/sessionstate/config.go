package sessionstate

import (
	"time"

	"github.com/dreamware/hasession/internal/logger"
)

const (
	// DefaultPartition is the replication group used when none is configured.
	DefaultPartition = "/HASessionState/Default"
	// DefaultIdleTimeout is how long an untouched record survives.
	DefaultIdleTimeout = 30 * time.Minute
)

// Config controls a Store.
type Config struct {
	// Partition names the replication group and the state-transfer topic.
	Partition string
	// IdleTimeout is the age past which PurgeIdle and Snapshot drop records.
	IdleTimeout time.Duration
	// PurgeInterval schedules PurgeIdle in the background. Zero disables it.
	PurgeInterval time.Duration
	// StrictReplication returns broadcast failures to the caller of a
	// mutation. The local change is kept either way.
	StrictReplication bool
	// Logger defaults to logger.DefaultLogger.
	Logger logger.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// FillDefaults sets every unset field to its default.
func (c *Config) FillDefaults() {
	if c.Partition == "" {
		c.Partition = DefaultPartition
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.PurgeInterval < 0 {
		c.PurgeInterval = 0
	}
	c.Logger = logger.OrDefault(c.Logger)
	if c.Now == nil {
		c.Now = time.Now
	}
}
