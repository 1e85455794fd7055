package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// checkpointRecord is the table row. The full checkpoint rides in Payload
// as JSON; ID and Timestamp are broken out for ordering and retention
// queries.
type checkpointRecord struct {
	ID        string `gorm:"primaryKey;size:64"`
	Type      string `gorm:"size:32;index"`
	Timestamp time.Time
	Payload   []byte
}

func (checkpointRecord) TableName() string {
	return "checkpoints"
}

// SQLiteStore persists checkpoints in a single SQLite database file.
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens (creating if absent) the database at path and
// migrates the checkpoints table.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         gormlogger.Discard,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db %s: %w", path, err)
	}
	if err := db.AutoMigrate(&checkpointRecord{}); err != nil {
		return nil, fmt.Errorf("migrate checkpoint table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint %s: %w", cp.ID, err)
	}

	record := checkpointRecord{
		ID:        cp.ID,
		Type:      cp.Type,
		Timestamp: cp.Timestamp,
		Payload:   data,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, cp.ID)
		}
		var exists int64
		s.db.WithContext(ctx).Model(&checkpointRecord{}).Where("id = ?", cp.ID).Count(&exists)
		if exists > 0 {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, cp.ID)
		}
		return fmt.Errorf("insert checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*Checkpoint, error) {
	var record checkpointRecord
	err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("query checkpoint %s: %w", id, err)
	}
	return decodeRecord(&record)
}

// LoadLatest implements Store.
func (s *SQLiteStore) LoadLatest(ctx context.Context) (*Checkpoint, error) {
	var record checkpointRecord
	err := s.db.WithContext(ctx).Order("id DESC").First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query latest checkpoint: %w", err)
	}
	return decodeRecord(&record)
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&checkpointRecord{}).
		Order("id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return ids, nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Delete(&checkpointRecord{}, "id = ?", id).Error
	if err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	return nil
}

func decodeRecord(record *checkpointRecord) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(record.Payload, &cp); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, record.ID, err)
	}
	return &cp, nil
}
