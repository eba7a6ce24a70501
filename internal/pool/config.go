package pool

import (
	"fmt"
	"time"
)

// Config bounds a Manager. It is fixed for the manager's lifetime.
type Config struct {
	// MaxConnectionsPerTarget caps the entries kept per target identity.
	MaxConnectionsPerTarget int `json:"max_connections_per_target"`
	// BorrowTimeout bounds the wait for the table lock in Borrow. Zero
	// waits until the caller's context ends.
	BorrowTimeout time.Duration `json:"borrow_timeout"`
	// ReuseTimeout is how long a borrowed connection may be held before a
	// sweep force-releases it.
	ReuseTimeout time.Duration `json:"reuse_timeout"`
	// CloseTimeout is how long a released connection may sit idle before a
	// sweep closes it.
	CloseTimeout time.Duration `json:"close_timeout"`
	SweepPeriod  time.Duration `json:"sweep_period"`
	AutoInspect  bool          `json:"auto_inspect"`
	// ConnectTimeout bounds establishing a new connection.
	ConnectTimeout time.Duration `json:"connect_timeout"`
}

const (
	DefaultMaxConnectionsPerTarget = 8
	DefaultBorrowTimeout           = 10 * time.Second
	DefaultReuseTimeout            = time.Hour
	DefaultCloseTimeout            = 10 * time.Minute
	DefaultSweepPeriod             = time.Minute
	DefaultConnectTimeout          = 5 * time.Second
)

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		MaxConnectionsPerTarget: DefaultMaxConnectionsPerTarget,
		BorrowTimeout:           DefaultBorrowTimeout,
		ReuseTimeout:            DefaultReuseTimeout,
		CloseTimeout:            DefaultCloseTimeout,
		SweepPeriod:             DefaultSweepPeriod,
		AutoInspect:             true,
		ConnectTimeout:          DefaultConnectTimeout,
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.MaxConnectionsPerTarget < 1 {
		return fmt.Errorf("max connections per target must be at least 1, got %d", c.MaxConnectionsPerTarget)
	}
	if c.BorrowTimeout < 0 {
		return fmt.Errorf("borrow timeout must not be negative, got %s", c.BorrowTimeout)
	}
	if c.ReuseTimeout <= 0 {
		return fmt.Errorf("reuse timeout must be positive, got %s", c.ReuseTimeout)
	}
	if c.CloseTimeout <= 0 {
		return fmt.Errorf("close timeout must be positive, got %s", c.CloseTimeout)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive, got %s", c.ConnectTimeout)
	}
	if c.AutoInspect && c.SweepPeriod <= 0 {
		return fmt.Errorf("sweep period must be positive when auto inspect is enabled, got %s", c.SweepPeriod)
	}
	return nil
}
