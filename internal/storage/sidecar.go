package storage

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"

	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"

	"driveforest/internal/util"
)

// SidecarStore keeps records in a sqlite database keyed by (device, inode),
// for filesystems without user extended attributes.
type SidecarStore struct {
	db    *sql.DB
	bunDB *BunDB
}

// OpenSidecar opens the sidecar database at path, creating it if needed.
func OpenSidecar(path string) (*SidecarStore, error) {
	_, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr)

	db, err := sql.Open("libsql", BuildDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := execStatements(db, sidecarSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	if err := execStatements(db, initSidecar, SchemaVersion); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize sidecar: %w", err)
	}

	bunDB := NewBunDB(db)
	fileType, err := bunDB.GetSchemaInfo(context.Background(), "type")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read schema info: %w", err)
	}
	if fileType != "sidecar" {
		db.Close()
		return nil, fmt.Errorf("not a sidecar file (type=%s)", fileType)
	}
	if fresh {
		log.Infof("[Sidecar] Created %s", path)
	}

	return &SidecarStore{db: db, bunDB: bunDB}, nil
}

// BunDB returns the Bun wrapper for direct queries.
func (s *SidecarStore) BunDB() *BunDB {
	return s.bunDB
}

func (s *SidecarStore) Get(path string, fi fs.FileInfo) ([]byte, error) {
	key, ok := KeyOf(fi)
	if !ok {
		return nil, fmt.Errorf("no inode for %s", path)
	}
	ctx := context.Background()
	return util.RetryWithResult(ctx, func() ([]byte, error) {
		return s.bunDB.GetRecord(ctx, key)
	}, util.AttrRetryOptions(ctx)...)
}

func (s *SidecarStore) Set(path string, fi fs.FileInfo, data []byte) error {
	key, ok := KeyOf(fi)
	if !ok {
		return fmt.Errorf("no inode for %s", path)
	}
	ctx := context.Background()
	return util.Retry(ctx, func() error {
		return s.bunDB.UpsertRecord(ctx, key, data)
	}, util.AttrRetryOptions(ctx)...)
}

// Close closes the database connection
func (s *SidecarStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
