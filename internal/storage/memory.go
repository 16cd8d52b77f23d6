package storage

import (
	"fmt"
	"io/fs"
	"sync"
)

// MemStore keeps records in memory keyed by (device, inode). It behaves like
// the persistent backends across renames and is used by tests.
type MemStore struct {
	mu      sync.Mutex
	records map[FileKey][]byte
	reads   int
	writes  int
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[FileKey][]byte)}
}

func (s *MemStore) Get(path string, fi fs.FileInfo) ([]byte, error) {
	key, ok := KeyOf(fi)
	if !ok {
		return nil, fmt.Errorf("no inode for %s", path)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	data, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

func (s *MemStore) Set(path string, fi fs.FileInfo, data []byte) error {
	key, ok := KeyOf(fi)
	if !ok {
		return fmt.Errorf("no inode for %s", path)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	s.records[key] = append([]byte(nil), data...)
	return nil
}

func (s *MemStore) Close() error { return nil }

// Writes returns the number of Set calls so far.
func (s *MemStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Reads returns the number of Get calls so far.
func (s *MemStore) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// Len returns the number of stored records.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
