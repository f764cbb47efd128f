// Package buffer implements the Buffer (C6): a durable FIFO for
// serialized observations backed by SQLite in WAL mode via GORM,
// offering transactional enqueue/dequeue/delete with at-least-once
// delivery semantics for the Uplink Publisher.
package buffer

import (
	"context"
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Record is one buffered payload. ID is assigned by the database and is
// strictly increasing in insertion order (spec.md §3's ordering
// invariant).
type Record struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	Topic     string `gorm:"not null;index:idx_topic"`
	Payload   []byte `gorm:"not null"`
	CreatedAt int64  `gorm:"not null;index:idx_created_at"`
}

func (Record) TableName() string { return "telemetry_queue" }

// Buffer wraps a single GORM/SQLite connection. Safe for concurrent use
// from multiple goroutines: GORM serializes access through the
// underlying *sql.DB connection pool, and SQLite's WAL journal permits
// concurrent readers alongside a single writer.
type Buffer struct {
	db *gorm.DB
}

// Open opens (creating if necessary) the SQLite file at path, sets WAL
// journaling and NORMAL synchronous mode per spec.md §4.6, and migrates
// the telemetry_queue schema.
func Open(path string) (*Buffer, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("buffer: open %s: %w", path, err)
	}

	if err := db.Exec("PRAGMA journal_mode = WAL").Error; err != nil {
		return nil, fmt.Errorf("buffer: set WAL mode: %w", err)
	}
	if err := db.Exec("PRAGMA synchronous = NORMAL").Error; err != nil {
		return nil, fmt.Errorf("buffer: set synchronous mode: %w", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("buffer: migrate schema: %w", err)
	}
	return &Buffer{db: db}, nil
}

// Close releases the underlying connection pool.
func (b *Buffer) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Enqueue inserts one record and returns its assigned monotonic id. The
// insert is a single atomic statement with respect to concurrent
// Dequeue calls.
func (b *Buffer) Enqueue(ctx context.Context, topic string, payload []byte, createdAtMillis int64) (uint64, error) {
	rec := Record{Topic: topic, Payload: payload, CreatedAt: createdAtMillis}
	if err := b.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return 0, fmt.Errorf("buffer: enqueue: %w", err)
	}
	return rec.ID, nil
}

// Dequeue returns up to limit records with the lowest id, without
// removing them. Callers must call Delete after a successful publish.
func (b *Buffer) Dequeue(ctx context.Context, limit int) ([]Record, error) {
	var recs []Record
	err := b.db.WithContext(ctx).Order("id ASC").Limit(limit).Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("buffer: dequeue: %w", err)
	}
	return recs, nil
}

// Delete removes the named records in a single transaction. A no-op for
// an empty id set.
func (b *Buffer) Delete(ctx context.Context, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Where("id IN ?", ids).Delete(&Record{}).Error
	})
	if err != nil {
		return fmt.Errorf("buffer: delete: %w", err)
	}
	return nil
}

// Size returns the total number of rows currently buffered.
func (b *Buffer) Size(ctx context.Context) (int64, error) {
	var count int64
	if err := b.db.WithContext(ctx).Model(&Record{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("buffer: size: %w", err)
	}
	return count, nil
}
