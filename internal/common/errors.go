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

package common

import (
	"context"
	"errors"
	"io/fs"
	"syscall"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrNotDir     = errors.New("not a directory")
	ErrNotFile    = errors.New("not a regular file")
	ErrNotDirFile = errors.New("neither a directory nor a regular file")

	// Races with writers outside our control. Expected, never bugs.
	ErrInstanceChanged   = errors.New("instance changed")
	ErrInstanceMismatch  = errors.New("instance mismatch")
	ErrTimestampMismatch = errors.New("timestamp mismatch")
	ErrTornRead          = errors.New("directory changed during enumeration")

	ErrCancelled = errors.New("cancelled")
	ErrProcess   = errors.New("external process failed")
	ErrInvariant = errors.New("invariant violation")
)

// IsVanished reports whether err means the object is no longer on disk.
// ENOTDIR counts: an ancestor was replaced by a file.
func IsVanished(err error) bool {
	return errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, syscall.ENOTDIR) ||
		errors.Is(err, ErrNotFound)
}

// IsCancelled reports whether err came from an aborted job or probe.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsTransient reports whether err is a filesystem race that is recovered by
// retrying or re-probing and never surfaced to callers.
func IsTransient(err error) bool {
	return errors.Is(err, ErrInstanceChanged) ||
		errors.Is(err, ErrInstanceMismatch) ||
		errors.Is(err, ErrTimestampMismatch) ||
		errors.Is(err, ErrTornRead) ||
		IsVanished(err)
}

// IsStructural reports whether err means the on-disk kind no longer matches
// the mirrored node.
func IsStructural(err error) bool {
	return errors.Is(err, ErrNotDir) ||
		errors.Is(err, ErrNotFile) ||
		errors.Is(err, ErrNotDirFile)
}
