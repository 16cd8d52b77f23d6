// Copyright 2024 DriveForest Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage persists the encoded per-object attribute record.
//
// The record travels with the object: in an extended attribute when the
// filesystem supports user xattrs, otherwise in a sqlite sidecar keyed by
// (device, inode). Both survive renames within a filesystem.
package storage

import (
	"fmt"
	"io/fs"
)

// Backend names accepted by Open.
const (
	BackendXattr  = "xattr"
	BackendSqlite = "sqlite"
	BackendMemory = "memory"
)

// DefaultAttrName is the extended attribute holding the record.
const DefaultAttrName = "user.driveforest"

// AttrStore reads and writes the opaque record of one filesystem object.
// Get returns (nil, nil) when the object carries no record.
type AttrStore interface {
	Get(path string, fi fs.FileInfo) ([]byte, error)
	Set(path string, fi fs.FileInfo, data []byte) error
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend  string
	AttrName string // xattr backend
	// SidecarDB is the sqlite database of the sqlite backend. For the
	// xattr backend it holds the records of objects that reject xattrs;
	// empty keeps those in memory.
	SidecarDB string
}

// Open creates the store selected by opts.
func Open(opts Options) (AttrStore, error) {
	switch opts.Backend {
	case "", BackendXattr:
		name := opts.AttrName
		if name == "" {
			name = DefaultAttrName
		}
		var aside AttrStore = NewMemStore()
		if opts.SidecarDB != "" {
			sc, err := OpenSidecar(opts.SidecarDB)
			if err != nil {
				return nil, err
			}
			aside = sc
		}
		return NewFallbackStore(NewXattrStore(name), aside), nil
	case BackendSqlite:
		return OpenSidecar(opts.SidecarDB)
	case BackendMemory:
		return NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unknown attribute backend: %q", opts.Backend)
	}
}
