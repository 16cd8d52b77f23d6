package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

// BunDB wraps a Bun database instance for type-safe queries.
type BunDB struct {
	*bun.DB
}

// NewBunDB wraps an existing *sql.DB with Bun's type-safe query builder.
func NewBunDB(sqlDB *sql.DB) *BunDB {
	return &BunDB{DB: bun.NewDB(sqlDB, sqlitedialect.New())}
}

// GetSchemaInfo retrieves a schema_info value by key.
func (db *BunDB) GetSchemaInfo(ctx context.Context, key string) (string, error) {
	var info SchemaInfoModel
	err := db.NewSelect().
		Model(&info).
		Where("key = ?", key).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return info.Value, nil
}

// GetRecord returns the stored record for key, or nil when absent.
func (db *BunDB) GetRecord(ctx context.Context, key FileKey) ([]byte, error) {
	var rec AttrRecordModel
	err := db.NewSelect().
		Model(&rec).
		Where("dev = ?", int64(key.Dev)).
		Where("ino = ?", int64(key.Ino)).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec.Data, nil
}

// UpsertRecord stores data for key.
func (db *BunDB) UpsertRecord(ctx context.Context, key FileKey, data []byte) error {
	_, err := db.NewInsert().
		Model(&AttrRecordModel{
			Dev:       int64(key.Dev),
			Ino:       int64(key.Ino),
			Data:      data,
			UpdatedAt: time.Now().Unix(),
		}).
		On("CONFLICT (dev, ino) DO UPDATE").
		Set("data = EXCLUDED.data").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

// CountRecords returns the number of stored records.
func (db *BunDB) CountRecords(ctx context.Context) (int, error) {
	return db.NewSelect().Model((*AttrRecordModel)(nil)).Count(ctx)
}
