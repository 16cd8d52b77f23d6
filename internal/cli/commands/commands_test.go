package commands

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driveforest/internal/analyze"
	"driveforest/internal/daemon"
	"driveforest/internal/meta"
	"driveforest/internal/storage"
)

func TestAddRemoveDrive(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	photos := filepath.Join(base, "photos")
	music := filepath.Join(base, "music")
	require.NoError(t, os.MkdirAll(filepath.Join(photos, "2024"), 0o755))
	require.NoError(t, os.MkdirAll(music, 0o755))
	file := filepath.Join(base, "notes.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	settings := &daemon.GlobalSettings{}

	ds, err := addDrive(settings, "photos", photos, "")
	require.NoError(t, err)
	assert.Equal(t, photos, ds.Path)

	_, err = addDrive(settings, "music", music, "6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	require.NoError(t, err)
	require.Len(t, settings.Drives, 2)

	tests := []struct {
		name    string
		drive   string
		path    string
		id      string
		wantErr string
	}{
		{"duplicate name", "photos", base, "", "already exists"},
		{"nested in drive", "y2024", filepath.Join(photos, "2024"), "", "overlaps"},
		{"contains drive", "all", base, "", "overlaps"},
		{"not a directory", "notes", file, "", "not a directory"},
		{"missing", "gone", filepath.Join(base, "gone"), "", "no such file"},
		{"bad id", "other", t.TempDir(), "nope", "invalid --id"},
	}
	for _, tt := range tests {
		_, err := addDrive(settings, tt.drive, tt.path, tt.id)
		require.Error(t, err, tt.name)
		assert.Contains(t, err.Error(), tt.wantErr, tt.name)
	}
	assert.Len(t, settings.Drives, 2, "failed adds leave settings untouched")

	require.NoError(t, removeDrive(settings, "photos"))
	require.Len(t, settings.Drives, 1)
	assert.Equal(t, "music", settings.Drives[0].Name)
	assert.Error(t, removeDrive(settings, "photos"))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestRepairTree(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "alpha")
	writeFile(t, filepath.Join(root, "sub", "b.txt"), "beta")
	writeFile(t, filepath.Join(root, "sub", "deep", "c.txt"), "gamma")
	require.NoError(t, os.Symlink("a.txt", filepath.Join(root, "link")))

	store := storage.NewMemStore()
	layer := meta.NewLayer(store)
	var out bytes.Buffer

	stats, err := repairTree(context.Background(), layer, root, repairOptions{Hasher: analyze.SHA256Hasher{}}, &out)
	require.NoError(t, err, out.String())
	assert.Equal(t, int64(3), stats.Directories.Load())
	assert.Equal(t, int64(3), stats.Files.Load())
	assert.Equal(t, int64(len("alpha")+len("beta")+len("gamma")), stats.Bytes.Load())
	assert.Equal(t, int64(1), stats.Skipped.Load(), "symlinks carry no record")
	assert.Equal(t, int64(3), stats.Hashed.Load())
	assert.Zero(t, stats.Errors.Load())
	assert.Equal(t, 6, store.Len())

	x, err := layer.ReadEntry(filepath.Join(root, "sub", "deep", "c.txt"))
	require.NoError(t, err)
	assert.Equal(t, meta.Digest(sha256.Sum256([]byte("gamma"))), x.Hash)

	// A second run finds nothing to hash.
	stats, err = repairTree(context.Background(), layer, root, repairOptions{Hasher: analyze.SHA256Hasher{}}, &out)
	require.NoError(t, err)
	assert.Zero(t, stats.Hashed.Load())
}

func TestRepairTree_Duplicates(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	orig := filepath.Join(root, "orig.jpg")
	dup := filepath.Join(root, "copy", "orig.jpg")
	writeFile(t, orig, "pixels")
	writeFile(t, dup, "pixels")

	store := storage.NewMemStore()
	layer := meta.NewLayer(store)

	// Simulate a copy that preserved the record.
	x, err := layer.ReadEntry(orig)
	require.NoError(t, err)
	fiOrig, err := os.Stat(orig)
	require.NoError(t, err)
	record, err := store.Get(orig, fiOrig)
	require.NoError(t, err)
	fiDup, err := os.Stat(dup)
	require.NoError(t, err)
	require.NoError(t, store.Set(dup, fiDup, record))

	var out bytes.Buffer
	stats, err := repairTree(context.Background(), layer, root, repairOptions{}, &out)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Duplicates.Load())
	assert.Zero(t, stats.Restamped.Load())
	assert.Contains(t, out.String(), "duplicate identity "+x.ID.String())

	out.Reset()
	stats, err = repairTree(context.Background(), layer, root, repairOptions{Restamp: true}, &out)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Restamped.Load())

	a, err := layer.ReadEntry(orig)
	require.NoError(t, err)
	b, err := layer.ReadEntry(dup)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestRepairTree_ManyCopiesAllRestamped(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store := storage.NewMemStore()
	layer := meta.NewLayer(store)

	orig := filepath.Join(root, "orig.raw")
	writeFile(t, orig, "frames")
	_, err := layer.ReadEntry(orig)
	require.NoError(t, err)
	fi, err := os.Stat(orig)
	require.NoError(t, err)
	record, err := store.Get(orig, fi)
	require.NoError(t, err)

	const copies = 24
	paths := []string{orig}
	for i := range copies {
		p := filepath.Join(root, fmt.Sprintf("d%02d", i), "orig.raw")
		writeFile(t, p, "frames")
		fi, err := os.Stat(p)
		require.NoError(t, err)
		require.NoError(t, store.Set(p, fi, record))
		paths = append(paths, p)
	}

	var out bytes.Buffer
	stats, err := repairTree(context.Background(), layer, root, repairOptions{Restamp: true}, &out)
	require.NoError(t, err)
	assert.Equal(t, int64(copies), stats.Duplicates.Load())
	assert.Equal(t, int64(copies), stats.Restamped.Load())

	ids := make(map[uuid.UUID]string, len(paths))
	for _, p := range paths {
		x, err := layer.ReadEntry(p)
		require.NoError(t, err)
		if other, ok := ids[x.ID]; ok {
			t.Fatalf("%s and %s share identity %s", p, other, x.ID)
		}
		ids[x.ID] = p
	}
}

func TestRepairTree_NotADirectory(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "f")
	writeFile(t, file, "x")
	_, err := repairTree(context.Background(), meta.NewLayer(storage.NewMemStore()), file, repairOptions{}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestPrintEntry(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	printEntry(&buf, daemon.EntryInfo{
		ID:          "id-1",
		Path:        "/srv/media/clip.mp4",
		Drive:       "media",
		Kind:        "file",
		Fingerprint: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).UnixMilli(),
		Size:        3 * 1000 * 1000,
		TypeClass:   "video/mp4",
		Metadata:    &analyze.Metadata{Width: 1920, Height: 1080, Duration: 61.4},
	})
	text := buf.String()
	assert.Contains(t, text, "/srv/media/clip.mp4")
	assert.Contains(t, text, "3.0 MB")
	assert.Contains(t, text, "(pending)")
	assert.Contains(t, text, "1920x1080")
	assert.Contains(t, text, "1m1s")

	buf.Reset()
	printEntry(&buf, daemon.EntryInfo{ID: "id-2", Kind: "directory", Children: 4})
	assert.Contains(t, buf.String(), "Children:    4")
	assert.NotContains(t, buf.String(), "Size")
}
