// storage_gorm.go: SQLite-backed plugin storage for the storage host functions
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// pluginKV is one stored value. Values are kept as JSON text.
type pluginKV struct {
	PluginID  string `gorm:"primaryKey;size:128"`
	Key       string `gorm:"column:storage_key;primaryKey;size:512"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}

func (pluginKV) TableName() string { return "plugin_storage" }

// GormStorage stores plugin key/values in a SQL database through gorm.
type GormStorage struct {
	db *gorm.DB
}

// OpenSQLiteStorage opens (or creates) a SQLite database at path. Use
// ":memory:" for an ephemeral store.
func OpenSQLiteStorage(path string) (*GormStorage, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, NewHostServiceError("storage_open", err)
	}
	return NewGormStorage(db)
}

// NewGormStorage wraps an existing connection and migrates the schema.
func NewGormStorage(db *gorm.DB) (*GormStorage, error) {
	if err := db.AutoMigrate(&pluginKV{}); err != nil {
		return nil, NewHostServiceError("storage_migrate", err)
	}
	return &GormStorage{db: db}, nil
}

func (s *GormStorage) Get(ctx context.Context, pluginID, key string) (Value, bool, error) {
	var row pluginKV
	err := s.db.WithContext(ctx).
		Where("plugin_id = ? AND storage_key = ?", pluginID, key).
		Take(&row).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, NewHostServiceError("storage_get", err)
	}
	v, err := decodeValue([]byte(row.Value))
	if err != nil {
		return nil, false, NewHostServiceError("storage_decode", err)
	}
	return v, true, nil
}

func (s *GormStorage) Set(ctx context.Context, pluginID, key string, value Value) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return NewHostServiceError("storage_encode", err)
	}
	row := pluginKV{PluginID: pluginID, Key: key, Value: string(encoded), UpdatedAt: time.Now()}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "plugin_id"}, {Name: "storage_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return NewHostServiceError("storage_set", err)
	}
	return nil
}

func (s *GormStorage) Delete(ctx context.Context, pluginID, key string) error {
	err := s.db.WithContext(ctx).
		Where("plugin_id = ? AND storage_key = ?", pluginID, key).
		Delete(&pluginKV{}).Error
	if err != nil {
		return NewHostServiceError("storage_delete", err)
	}
	return nil
}

// Keys lists the keys stored for pluginID, for diagnostics.
func (s *GormStorage) Keys(ctx context.Context, pluginID string) ([]string, error) {
	var keys []string
	err := s.db.WithContext(ctx).Model(&pluginKV{}).
		Where("plugin_id = ?", pluginID).
		Order("storage_key").
		Pluck("storage_key", &keys).Error
	if err != nil {
		return nil, NewHostServiceError("storage_keys", err)
	}
	return keys, nil
}

// Close releases the underlying connection pool.
func (s *GormStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
