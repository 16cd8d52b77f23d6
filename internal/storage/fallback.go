package storage

import (
	"errors"
	"io/fs"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// Rejected reports whether a store refused a record for reasons tied to
// the object or its filesystem rather than to the store itself: no write
// permission, a read-only mount, or no support for user xattrs.
func Rejected(err error) bool {
	return errors.Is(err, syscall.EACCES) ||
		errors.Is(err, syscall.EPERM) ||
		errors.Is(err, syscall.EROFS) ||
		errors.Is(err, syscall.ENOTSUP) ||
		errors.Is(err, syscall.EOPNOTSUPP)
}

// FallbackStore writes through to primary and keeps the record in
// secondary for objects primary rejects. Once an object's record lives in
// secondary it stays there, so its identity is stable across reads.
type FallbackStore struct {
	primary   AttrStore
	secondary AttrStore
}

// NewFallbackStore composes primary with secondary, which should key by
// (device, inode) so records survive renames like xattrs do.
func NewFallbackStore(primary, secondary AttrStore) *FallbackStore {
	return &FallbackStore{primary: primary, secondary: secondary}
}

func (s *FallbackStore) Get(path string, fi fs.FileInfo) ([]byte, error) {
	data, err := s.secondary.Get(path, fi)
	if err != nil || data != nil {
		return data, err
	}
	data, err = s.primary.Get(path, fi)
	if err != nil && Rejected(err) {
		return nil, nil
	}
	return data, err
}

func (s *FallbackStore) Set(path string, fi fs.FileInfo, data []byte) error {
	held, err := s.secondary.Get(path, fi)
	if err != nil {
		return err
	}
	if held == nil {
		err := s.primary.Set(path, fi, data)
		if err == nil || !Rejected(err) {
			return err
		}
		log.Debugf("[Store] %s rejected the record, keeping it aside: %v", path, err)
	}
	return s.secondary.Set(path, fi, data)
}

func (s *FallbackStore) Close() error {
	return errors.Join(s.primary.Close(), s.secondary.Close())
}
