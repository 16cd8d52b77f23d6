package storage

import "github.com/uptrace/bun"

// SchemaInfoModel represents the schema_info table
type SchemaInfoModel struct {
	bun.BaseModel `bun:"table:schema_info"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}

// AttrRecordModel represents the attr_records table. Device and inode are
// stored as their two's-complement int64 images.
type AttrRecordModel struct {
	bun.BaseModel `bun:"table:attr_records"`

	Dev       int64  `bun:"dev,pk"`
	Ino       int64  `bun:"ino,pk"`
	Data      []byte `bun:"data,notnull"`
	UpdatedAt int64  `bun:"updated_at,notnull"` // Unix timestamp
}
