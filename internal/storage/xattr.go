package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/pkg/xattr"

	"driveforest/internal/util"
)

// XattrStore keeps the record in a user extended attribute.
type XattrStore struct {
	name string
}

// NewXattrStore returns a store using the given attribute name.
func NewXattrStore(name string) *XattrStore {
	return &XattrStore{name: name}
}

// Name returns the attribute name.
func (s *XattrStore) Name() string {
	return s.name
}

func (s *XattrStore) Get(path string, _ fs.FileInfo) ([]byte, error) {
	data, err := xattr.Get(path, s.name)
	if err != nil {
		if errors.Is(err, xattr.ENOATTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", s.name, err)
	}
	return data, nil
}

func (s *XattrStore) Set(path string, _ fs.FileInfo, data []byte) error {
	ctx := context.Background()
	err := util.Retry(ctx, func() error {
		return xattr.Set(path, s.name, data)
	}, util.AttrRetryOptions(ctx)...)
	if err != nil {
		return fmt.Errorf("write %s: %w", s.name, err)
	}
	return nil
}

func (s *XattrStore) Close() error { return nil }

// Supported reports whether dir accepts user extended attributes.
func (s *XattrStore) Supported(dir string) bool {
	if !xattr.XATTR_SUPPORTED {
		return false
	}
	if _, err := xattr.List(dir); err != nil {
		return false
	}
	probe := s.name + ".probe"
	if err := xattr.Set(dir, probe, []byte{1}); err != nil {
		return false
	}
	_ = xattr.Remove(dir, probe)
	return true
}
