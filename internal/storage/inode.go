package storage

import (
	"io/fs"
	"syscall"
)

// FileKey identifies an object on a mounted filesystem independent of its
// path. Inode numbers may be reused after deletion; callers validate the
// record they get back.
type FileKey struct {
	Dev uint64
	Ino uint64
}

// KeyOf extracts the (device, inode) pair from a stat result.
func KeyOf(fi fs.FileInfo) (FileKey, bool) {
	if fi == nil {
		return FileKey{}, false
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok || st == nil {
		return FileKey{}, false
	}
	return FileKey{Dev: uint64(st.Dev), Ino: uint64(st.Ino)}, true
}
