package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// PortLease is the sqlite row for one lease.
type PortLease struct {
	MacID      string    `gorm:"column:mac_id;primaryKey;size:128"`
	Port       int       `gorm:"column:port;uniqueIndex;not null"`
	Minutes    int       `gorm:"column:minutes;not null"`
	CutoffTime time.Time `gorm:"column:cutoff_time;index;not null"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

func (PortLease) TableName() string {
	return "port_leases"
}

type sqliteStore struct {
	db *gorm.DB
}

// OpenSQLite opens a gorm handle on the sqlite database at dsn.
func OpenSQLite(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	return db, nil
}

// NewSQLite builds a SQLite-backed lease store and migrates its table.
func NewSQLite(db *gorm.DB) (Store, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlite store requires database handle")
	}
	if err := db.AutoMigrate(&PortLease{}); err != nil {
		return nil, fmt.Errorf("migrate port_leases: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

// Save replaces any row holding the same macid or the same port, so a stale
// row left by a failed delete can never block the unique port index.
func (s *sqliteStore) Save(ctx context.Context, rec Record) error {
	if rec.MacID == "" {
		return fmt.Errorf("macid required")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("mac_id = ? OR port = ?", rec.MacID, rec.Port).Delete(&PortLease{}).Error; err != nil {
			return err
		}
		row := &PortLease{
			MacID:      rec.MacID,
			Port:       rec.Port,
			Minutes:    rec.Minutes,
			CutoffTime: rec.CutoffTime.UTC(),
		}
		return tx.Create(row).Error
	})
}

func (s *sqliteStore) Delete(ctx context.Context, macID string) error {
	return s.db.WithContext(ctx).Where("mac_id = ?", macID).Delete(&PortLease{}).Error
}

func (s *sqliteStore) List(ctx context.Context) ([]Record, error) {
	var rows []PortLease
	if err := s.db.WithContext(ctx).Order("mac_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, Record{
			MacID:      row.MacID,
			Port:       row.Port,
			Minutes:    row.Minutes,
			CutoffTime: row.CutoffTime.UTC(),
		})
	}
	return out, nil
}

func (s *sqliteStore) Driver() string {
	return DriverSQLite
}

func (s *sqliteStore) Close(context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
