package meta

import (
	"io/fs"

	"github.com/google/uuid"
)

// Kind is the object kind a record may describe.
type Kind uint8

const (
	KindFile Kind = iota + 1
	KindDirectory
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	default:
		return "unknown"
	}
}

// Xstat is a fresh, validated snapshot of one object.
type Xstat struct {
	ID          uuid.UUID
	Kind        Kind
	Name        string
	Fingerprint int64 // mtime, integer milliseconds
	Size        int64 // files only
	TypeClass   string
	Hash        Digest // zero unless trusted for Fingerprint
}

// HasHash reports whether the snapshot carries a trusted hash.
func (x Xstat) HasHash() bool {
	return !x.Hash.IsZero()
}

// IsDir reports whether the snapshot is a directory.
func (x Xstat) IsDir() bool {
	return x.Kind == KindDirectory
}

// Fingerprint returns the drift fingerprint of fi: its mtime in milliseconds.
func Fingerprint(fi fs.FileInfo) int64 {
	return fi.ModTime().UnixMilli()
}
