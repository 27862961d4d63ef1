package store

import (
	"context"
	"time"
)

// Record is the persisted form of a port lease.
type Record struct {
	MacID      string    `json:"macid"`
	Port       int       `json:"port"`
	Minutes    int       `json:"minutes"`
	CutoffTime time.Time `json:"cutoff_time"`
}

// Store persists the lease table so it survives restarts. Implementations
// do not enforce lease semantics; the lease manager owns those and calls the
// store from inside its critical section.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Delete(ctx context.Context, macID string) error
	List(ctx context.Context) ([]Record, error)
	Driver() string
	Close(ctx context.Context) error
}

// Config describes the store selection parameters.
type Config struct {
	Driver string
	SQLite *SQLiteConfig
	Redis  *RedisConfig
}

// SQLiteConfig provides the database location.
type SQLiteConfig struct {
	DSN string
}

// RedisConfig captures connection options.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
}
