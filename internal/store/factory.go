package store

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Driver identifiers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Dependencies captures external handles required by certain drivers.
// Clock is the lease manager's clock; the redis driver derives key TTLs
// from it.
type Dependencies struct {
	SQLiteDB *gorm.DB
	Clock    func() time.Time
}

// New creates a lease store based on the provided configuration.
func New(cfg Config, deps Dependencies) (Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverMemory
	}

	switch driver {
	case DriverMemory:
		return NewMemory(), nil
	case DriverSQLite:
		db := deps.SQLiteDB
		if db == nil {
			if cfg.SQLite == nil || cfg.SQLite.DSN == "" {
				return nil, fmt.Errorf("sqlite driver requires database handle or dsn")
			}
			opened, err := OpenSQLite(cfg.SQLite.DSN)
			if err != nil {
				return nil, err
			}
			db = opened
		}
		return NewSQLite(db)
	case DriverRedis:
		return NewRedis(cfg.Redis, deps.Clock)
	default:
		return nil, fmt.Errorf("unsupported lease store driver: %s", driver)
	}
}
