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

// Package meta reads, repairs and commits the persisted attribute record of
// files and directories.
package meta

import (
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"driveforest/internal/common"
	"driveforest/internal/storage"
)

const lockStripes = 64

// Layer is the only code that touches persisted records. Every read
// validates and repairs; writes happen only when something changed.
type Layer struct {
	store storage.AttrStore
	sniff Sniffer
	locks [lockStripes]sync.Mutex
}

// Option configures a Layer.
type Option func(*Layer)

// WithSniffer replaces the content type detector.
func WithSniffer(s Sniffer) Option {
	return func(l *Layer) { l.sniff = s }
}

// NewLayer returns a Layer persisting records in store.
func NewLayer(store storage.AttrStore, opts ...Option) *Layer {
	l := &Layer{store: store, sniff: SniffMagic}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store returns the backing attribute store.
func (l *Layer) Store() storage.AttrStore {
	return l.store
}

// lock serializes read-modify-write cycles on one path within this process,
// so two concurrent first reads cannot mint two identities.
func (l *Layer) lock(path string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(path))
	m := &l.locks[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}

// ReadEntry returns a validated snapshot of path, repairing its record.
// Objects that are neither regular files nor directories return
// common.ErrNotDirFile.
func (l *Layer) ReadEntry(path string) (Xstat, error) {
	unlock := l.lock(path)
	defer unlock()
	x, _, _, err := l.readLocked(path)
	return x, err
}

// CommitHash persists digest for path if the object still has identity id
// and fingerprint fp. Otherwise it returns a *ConflictError.
func (l *Layer) CommitHash(path string, id uuid.UUID, digest Digest, fp int64) (Xstat, error) {
	unlock := l.lock(path)
	defer unlock()

	x, rec, fi, err := l.readLocked(path)
	if err != nil {
		return Xstat{}, err
	}
	if x.Kind != KindFile {
		return Xstat{}, fmt.Errorf("commit hash %s: %w", path, common.ErrNotFile)
	}
	if x.ID != id {
		return Xstat{}, &ConflictError{Path: path, Reason: common.ErrInstanceMismatch, Want: id.String(), Got: x.ID.String()}
	}
	if x.Fingerprint != fp {
		return Xstat{}, &ConflictError{
			Path:   path,
			Reason: common.ErrTimestampMismatch,
			Want:   strconv.FormatInt(fp, 10),
			Got:    strconv.FormatInt(x.Fingerprint, 10),
		}
	}
	if rec.Hash == digest {
		return x, nil
	}

	rec.Hash = digest
	rec.Fingerprint = fp
	rec.HasTS = true
	if err := l.write(path, fi, rec); err != nil {
		return Xstat{}, err
	}
	x.Hash = digest
	log.Debugf("[Meta] Committed hash %s for %s", digest.Short(), path)
	return x, nil
}

// ForceIdentity stamps id on path unconditionally.
func (l *Layer) ForceIdentity(path string, id uuid.UUID) (Xstat, error) {
	if id == uuid.Nil {
		return Xstat{}, fmt.Errorf("force identity %s: %w: nil identity", path, common.ErrInvariant)
	}
	unlock := l.lock(path)
	defer unlock()

	x, rec, fi, err := l.readLocked(path)
	if err != nil {
		return Xstat{}, err
	}
	if x.ID == id {
		return x, nil
	}
	rec.ID = id
	if err := l.write(path, fi, rec); err != nil {
		return Xstat{}, err
	}
	log.Debugf("[Meta] Restamped %s: %s -> %s", path, x.ID, id)
	x.ID = id
	return x, nil
}

func (l *Layer) readLocked(path string) (Xstat, *Record, fs.FileInfo, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return Xstat{}, nil, nil, err
	}

	var kind Kind
	switch {
	case fi.Mode().IsRegular():
		kind = KindFile
	case fi.IsDir():
		kind = KindDirectory
	default:
		return Xstat{}, nil, nil, fmt.Errorf("%s: %w", path, common.ErrNotDirFile)
	}
	fp := Fingerprint(fi)

	data, err := l.store.Get(path, fi)
	if err != nil {
		return Xstat{}, nil, nil, err
	}

	rec, dirty := l.validate(path, kind, fp, data)
	if dirty {
		if err := l.write(path, fi, rec); err != nil {
			return Xstat{}, nil, nil, err
		}
	}

	x := Xstat{
		ID:          rec.ID,
		Kind:        kind,
		Name:        filepath.Base(path),
		Fingerprint: fp,
		TypeClass:   rec.TypeClass,
	}
	if kind == KindFile {
		x.Size = fi.Size()
		x.Hash = rec.Hash
	}
	return x, rec, fi, nil
}

// validate turns whatever is stored into a record consistent with the
// object's kind and fingerprint. dirty reports that it must be re-persisted.
func (l *Layer) validate(path string, kind Kind, fp int64, data []byte) (rec *Record, dirty bool) {
	if data != nil {
		decoded, err := DecodeRecord(data)
		if err != nil {
			log.Debugf("[Meta] Discarding record of %s: %v", path, err)
			dirty = true
		} else {
			rec = decoded
			if len(rec.Leftovers) > 0 {
				log.Debugf("[Meta] Dropping fields %v of %s", rec.Leftovers, path)
				rec.Leftovers = nil
				dirty = true
			}
		}
	}
	if rec == nil {
		rec = &Record{}
		dirty = true
	}

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
		dirty = true
	}

	switch kind {
	case KindDirectory:
		if !rec.Hash.IsZero() || rec.HasTS || rec.TypeClass != "" {
			rec.Hash = Digest{}
			rec.HasTS = false
			rec.Fingerprint = 0
			rec.TypeClass = ""
			dirty = true
		}
	case KindFile:
		if !rec.HasTS || rec.Fingerprint != fp {
			rec.Hash = Digest{}
			rec.TypeClass = l.sniffOrEmpty(path)
			rec.Fingerprint = fp
			rec.HasTS = true
			dirty = true
		} else if rec.TypeClass == "" {
			if tc := l.sniffOrEmpty(path); tc != "" {
				rec.TypeClass = tc
				dirty = true
			}
		}
	}
	return rec, dirty
}

func (l *Layer) sniffOrEmpty(path string) string {
	tc, err := l.sniff(path)
	if err != nil {
		log.Debugf("[Meta] Type detection failed for %s: %v", path, err)
		return ""
	}
	return tc
}

func (l *Layer) write(path string, fi fs.FileInfo, rec *Record) error {
	data, err := rec.Encode()
	if err != nil {
		return fmt.Errorf("encode record for %s: %w", path, err)
	}
	if err := l.store.Set(path, fi, data); err != nil {
		return err
	}
	return nil
}
