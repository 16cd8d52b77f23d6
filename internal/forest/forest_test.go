package forest

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driveforest/internal/common"
	"driveforest/internal/meta"
	"driveforest/internal/notify"
	"driveforest/internal/storage"
)

func TestForest_NewFilesHashedAndIndexed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.write("abc", baseTime, "a.txt")
	h.write("abc", baseTime, "sub", "b.txt")
	h.write("other", baseTime, "sub", "c.txt")
	events := collect(t, h.f)

	root := h.addDrive()
	assert.Equal(t, meta.KindDirectory, root.Kind)
	assert.Equal(t, "media", root.Drive)

	matches := h.f.FindByContentHash(digestOf("abc"))
	require.Len(t, matches, 2)
	assert.Equal(t, h.path("a.txt"), matches[0].Path)
	assert.Equal(t, h.path("sub", "b.txt"), matches[1].Path)

	c := h.lookup("sub", "c.txt")
	assert.Equal(t, digestOf("other"), c.Hash)
	assert.Equal(t, int64(5), c.Size)
	assert.Equal(t, baseTime.UnixMilli(), c.Fingerprint)

	byID, ok := h.f.FindByIdentity(c.ID)
	require.True(t, ok)
	assert.Equal(t, c, byID)

	p, ok := h.f.PathOf(c.ID)
	require.True(t, ok)
	assert.Equal(t, h.path("sub", "c.txt"), p)

	// The hash is persisted for the object.
	x, err := h.layer.ReadEntry(h.path("sub", "c.txt"))
	require.NoError(t, err)
	assert.Equal(t, c.ID, x.ID)
	assert.Equal(t, digestOf("other"), x.Hash)

	h.g.Eventually(func() int { return len(events.ofKind(notify.HashAvailable)) }).Should(Equal(3))
	// A parent is announced before its children.
	var order []uuid.UUID
	for _, ev := range events.ofKind(notify.Attached) {
		order = append(order, ev.ID)
	}
	sub := h.lookup("sub")
	assert.Less(t, indexOf(order, sub.ID), indexOf(order, c.ID))

	stats := h.f.Stats()
	assert.Equal(t, 1, stats.Drives)
	assert.Equal(t, 2, stats.Directories)
	assert.Equal(t, 3, stats.Files)
	assert.Equal(t, 3, stats.Hashed)
	assert.Equal(t, 2, stats.UniqueHashes)
	assert.Equal(t, int64(11), stats.Bytes)
}

func indexOf(ids []uuid.UUID, id uuid.UUID) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

func TestForest_ChildOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	for _, name := range []string{"file10", "File2", "file1", "b", "Apple", "apple"} {
		h.write("x", baseTime, name)
	}
	root := h.addDrive()

	// Lowercase sorts before uppercase at equal letters; digits compare by value.
	assert.Equal(t, []string{"apple", "Apple", "b", "file1", "File2", "file10"}, h.childNames(root.ID))
}

func TestForest_MergeConvergence(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.write("keep", baseTime, "keep.txt")
	h.write("gone", baseTime, "gone.txt")
	h.write("renamed", baseTime, "old-name.txt")
	root := h.addDrive()

	gone := h.lookup("gone.txt")
	renamed := h.lookup("old-name.txt")

	// Create before deleting so no inode is recycled under the memory store.
	h.write("fresh", baseTime, "fresh.txt")
	h.mkdir("newdir")
	require.NoError(t, os.Remove(h.path("gone.txt")))
	require.NoError(t, os.Rename(h.path("old-name.txt"), h.path("new-name.txt")))
	h.rescan()

	assert.Equal(t, []string{"fresh.txt", "keep.txt", "new-name.txt", "newdir"}, h.childNames(root.ID))

	_, ok := h.f.FindByIdentity(gone.ID)
	assert.False(t, ok)
	assert.Empty(t, h.f.FindByContentHash(digestOf("gone")))

	after := h.lookup("new-name.txt")
	assert.Equal(t, renamed.ID, after.ID, "rename keeps identity")
	assert.Equal(t, digestOf("renamed"), after.Hash)

	// Converged: another forced pass changes nothing.
	before := h.f.Stats()
	h.rescan()
	assert.Equal(t, before, h.f.Stats())
	assert.Equal(t, []string{"fresh.txt", "keep.txt", "new-name.txt", "newdir"}, h.childNames(root.ID))
}

func TestForest_ContentChange(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.write("v1", baseTime, "doc.txt")
	h.addDrive()
	before := h.lookup("doc.txt")
	require.Equal(t, digestOf("v1"), before.Hash)
	events := collect(t, h.f)

	h.write("v2", baseTime.Add(time.Minute), "doc.txt")
	h.rescan()

	after := h.lookup("doc.txt")
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, digestOf("v2"), after.Hash)
	assert.Empty(t, h.f.FindByContentHash(digestOf("v1")))
	require.Len(t, h.f.FindByContentHash(digestOf("v2")), 1)

	h.g.Eventually(func() int { return len(events.ofKind(notify.HashAvailable)) }).Should(Equal(1))
	removed := events.ofKind(notify.HashRemoved)
	require.Len(t, removed, 1)
	assert.Equal(t, digestOf("v1"), removed[0].Hash)
}

func TestForest_DetachCascades(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.write("1", baseTime, "tree", "a", "one.txt")
	h.write("2", baseTime, "tree", "a", "b", "two.txt")
	h.write("3", baseTime, "tree", "three.txt")
	h.write("4", baseTime, "keep.txt")
	h.addDrive()

	tree := h.lookup("tree")
	a := h.lookup("tree", "a")
	b := h.lookup("tree", "a", "b")
	two := h.lookup("tree", "a", "b", "two.txt")
	events := collect(t, h.f)

	require.NoError(t, os.RemoveAll(h.path("tree")))
	h.rescan()

	for _, id := range []uuid.UUID{tree.ID, a.ID, b.ID, two.ID} {
		_, ok := h.f.FindByIdentity(id)
		assert.False(t, ok)
	}
	assert.Empty(t, h.f.FindByContentHash(digestOf("2")))
	assert.Len(t, h.f.FindByContentHash(digestOf("4")), 1)

	var detached []uuid.UUID
	for _, ev := range events.ofKind(notify.Detaching) {
		detached = append(detached, ev.ID)
	}
	require.Len(t, detached, 6)
	// Pre-order: every directory before its descendants.
	assert.Equal(t, tree.ID, detached[0])
	assert.Less(t, indexOf(detached, a.ID), indexOf(detached, b.ID))
	assert.Less(t, indexOf(detached, b.ID), indexOf(detached, two.ID))

	stats := h.f.Stats()
	assert.Equal(t, 1, stats.Directories)
	assert.Equal(t, 1, stats.Files)
}

func TestForest_Move(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.write("payload", baseTime, "from", "f.bin")
	h.mkdir("to")
	h.addDrive()

	before := h.lookup("from", "f.bin")
	to := h.lookup("to")
	events := collect(t, h.f)

	require.NoError(t, os.Rename(h.path("from", "f.bin"), h.path("to", "g.bin")))
	// The destination sees the identity while it is still mirrored at the
	// source, which makes this a move rather than a destroy and create.
	require.NoError(t, h.f.RequestProbe(to.ID, true))
	h.waitIdle()
	h.rescan()

	after := h.lookup("to", "g.bin")
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, to.ID, after.Parent)
	assert.Equal(t, before.Hash, after.Hash)
	assert.Empty(t, h.childNames(h.lookup("from").ID))

	moved := events.ofKind(notify.Moved)
	require.NotEmpty(t, moved)
	assert.Equal(t, before.ID, moved[0].ID)
	assert.Empty(t, events.ofKind(notify.Detaching), "a move is not a destroy")
}

func TestForest_CopyWithRecordIsRestamped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	src := h.write("same", baseTime, "orig.txt")
	h.addDrive()
	orig := h.lookup("orig.txt")

	// Copy the file and carry its record along, as cp -a does with xattrs.
	dst := h.write("same", baseTime, "copy.txt")
	h.copyRecord(src, dst)

	h.rescan()

	kept := h.lookup("orig.txt")
	cp := h.lookup("copy.txt")
	assert.Equal(t, orig.ID, kept.ID)
	assert.NotEqual(t, orig.ID, cp.ID)
	assert.Len(t, h.f.FindByContentHash(digestOf("same")), 2)

	x, err := h.layer.ReadEntry(dst)
	require.NoError(t, err)
	assert.Equal(t, cp.ID, x.ID, "restamp is persisted")
}

// copyRecord gives dst the stored record of src.
func (h *harness) copyRecord(src, dst string) {
	h.t.Helper()
	srcFi, err := os.Stat(src)
	require.NoError(h.t, err)
	data, err := h.store.Get(src, srcFi)
	require.NoError(h.t, err)
	dstFi, err := os.Stat(dst)
	require.NoError(h.t, err)
	require.NoError(h.t, h.store.Set(dst, dstFi, data))
}

func TestForest_CopyAttachedDuringMergeIsNotMoved(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	src := h.write("same", baseTime, "a", "f.txt")
	h.mkdir("b")
	h.addDrive()
	orig := h.lookup("a", "f.txt")
	a := h.lookup("a")
	b := h.lookup("b")

	dst := h.write("same", baseTime, "b", "f.txt")
	h.copyRecord(src, dst)
	x, err := h.layer.ReadEntry(dst)
	require.NoError(t, err)
	require.Equal(t, orig.ID, x.ID)
	bx, err := h.layer.ReadEntry(h.path("b"))
	require.NoError(t, err)

	// A listing of b taken while a's copy was not yet mirrored: its
	// identity was never checked against a, so it must not be relocated.
	h.f.mu.Lock()
	h.f.merge(h.f.nodes[b.ID], bx.Fingerprint, []meta.Xstat{x}, nil)
	var parent uuid.UUID
	if n, ok := h.f.nodes[orig.ID]; ok {
		parent = n.parent
	}
	h.f.mu.Unlock()
	assert.Equal(t, a.ID, parent)

	h.waitIdle()
	kept := h.lookup("a", "f.txt")
	cp := h.lookup("b", "f.txt")
	assert.Equal(t, orig.ID, kept.ID)
	assert.Equal(t, a.ID, kept.Parent)
	assert.NotEqual(t, orig.ID, cp.ID)
	assert.Equal(t, b.ID, cp.Parent)
}

func TestForest_AncestorReplacedByFile(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.write("x", baseTime, "a", "b", "f.txt")
	h.addDrive()
	nested := h.lookup("a", "b")

	require.NoError(t, os.RemoveAll(h.path("a")))
	h.write("now a file", baseTime.Add(time.Hour), "a")

	// Reading a/b now fails with ENOTDIR, which sends the probe upwards.
	require.NoError(t, h.f.RequestProbe(nested.ID, true))
	h.waitIdle()

	assert.Equal(t, meta.KindFile, h.lookup("a").Kind)
	_, ok := h.f.Lookup(h.path("a", "b"))
	assert.False(t, ok)
}

// readOnlyStore rejects every record write with EACCES.
type readOnlyStore struct{ storage.AttrStore }

func (readOnlyStore) Set(path string, _ fs.FileInfo, _ []byte) error {
	return &fs.PathError{Op: "setxattr", Path: path, Err: syscall.EACCES}
}

func TestForest_UnwritableObjectsAreMirrored(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "album"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "album", "photo.jpg"), []byte("jpeg"), 0o444))

	store := storage.NewFallbackStore(readOnlyStore{storage.NewMemStore()}, storage.NewMemStore())
	f := New(meta.NewLayer(store), Config{Debounce: 10 * time.Millisecond})
	t.Cleanup(f.Close)
	g := NewWithT(t)
	_, err := f.AddDrive("media", root, uuid.Nil)
	require.NoError(t, err)
	g.Eventually(f.Idle, 10*time.Second, 5*time.Millisecond).Should(BeTrue())

	photo, ok := f.Lookup(filepath.Join(root, "album", "photo.jpg"))
	require.True(t, ok, "file without a writable record is mirrored")
	assert.Equal(t, digestOf("jpeg"), photo.Hash)

	// Identities stay put across a full rescan.
	f.Rescan(true)
	g.Eventually(f.Idle, 10*time.Second, 5*time.Millisecond).Should(BeTrue())
	again, ok := f.Lookup(filepath.Join(root, "album", "photo.jpg"))
	require.True(t, ok)
	assert.Equal(t, photo.ID, again.ID)
}

func TestForest_KindChange(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.write("x", baseTime, "thing", "inner.txt")
	h.addDrive()
	dir := h.lookup("thing")

	require.NoError(t, os.RemoveAll(h.path("thing")))
	h.write("now a file", baseTime, "thing")
	h.rescan()

	file := h.lookup("thing")
	assert.Equal(t, meta.KindFile, file.Kind)
	assert.Equal(t, digestOf("now a file"), file.Hash)
	if file.ID != dir.ID {
		_, ok := h.f.FindByIdentity(dir.ID)
		assert.False(t, ok)
	}
}

func TestForest_Exclude(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{
		Exclude: func(drive, rel string, isDir bool) bool {
			return strings.HasSuffix(rel, ".tmp") || (isDir && rel == "cache")
		},
	})
	h.write("x", baseTime, "keep.txt")
	h.write("x", baseTime, "skip.tmp")
	h.write("x", baseTime, "cache", "blob")
	h.write("x", baseTime, "nested", "deep.tmp")
	root := h.addDrive()

	assert.Equal(t, []string{"keep.txt", "nested"}, h.childNames(root.ID))
	assert.Empty(t, h.childNames(h.lookup("nested").ID))
}

func TestForest_Lookup(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.write("x", baseTime, "a", "b", "c.txt")
	root := h.addDrive()

	e, ok := h.f.Lookup(h.root)
	require.True(t, ok)
	assert.Equal(t, root.ID, e.ID)

	e = h.lookup("a", "b", "c.txt")
	assert.Equal(t, "c.txt", e.Name)

	_, ok = h.f.Lookup(h.path("a", "missing"))
	assert.False(t, ok)
	_, ok = h.f.Lookup(t.TempDir())
	assert.False(t, ok)
}

func TestForest_AddDrive(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.mkdir("inner")
	h.addDrive()

	_, err := h.f.AddDrive("media", t.TempDir(), uuid.Nil)
	require.ErrorIs(t, err, ErrDriveExists, "duplicate name")

	_, err = h.f.AddDrive("nested", h.path("inner"), uuid.Nil)
	require.ErrorIs(t, err, ErrDriveExists, "inside an existing drive")

	file := h.write("x", baseTime, "file")
	_, err = h.f.AddDrive("file", file, uuid.Nil)
	require.ErrorIs(t, err, common.ErrNotDir)

	_, err = h.f.AddDrive("missing", filepath.Join(t.TempDir(), "nope"), uuid.Nil)
	require.Error(t, err)
	assert.True(t, common.IsVanished(err))

	// A configured identity is stamped onto the root.
	id := uuid.New()
	other := t.TempDir()
	e, err := h.f.AddDrive("backup", other, id)
	require.NoError(t, err)
	assert.Equal(t, id, e.ID)
	x, err := h.layer.ReadEntry(other)
	require.NoError(t, err)
	assert.Equal(t, id, x.ID)

	drives := h.f.Drives()
	require.Len(t, drives, 2)
	assert.Equal(t, "backup", drives[0].Drive)
	assert.Equal(t, "media", drives[1].Drive)

	require.NoError(t, h.f.RemoveDrive("backup"))
	_, ok := h.f.FindByIdentity(id)
	assert.False(t, ok)
	require.ErrorIs(t, h.f.RemoveDrive("backup"), common.ErrNotFound)
}

func TestForest_DriveLost(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.root = filepath.Join(t.TempDir(), "drive")
	h.mkdir()
	root := h.addDrive()
	events := collect(t, h.f)

	require.NoError(t, os.RemoveAll(h.root))
	require.NoError(t, h.f.RequestProbe(root.ID, true))
	h.waitIdle()

	h.g.Eventually(func() int { return len(events.ofKind(notify.DriveLost)) }).Should(Equal(1))
	lost := events.ofKind(notify.DriveLost)[0]
	assert.Equal(t, root.ID, lost.ID)
	assert.True(t, common.IsVanished(lost.Err))
}

func TestForest_RequestProbe(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.write("x", baseTime, "f.txt")
	h.addDrive()
	f := h.lookup("f.txt")

	// A file forwards to its parent.
	h.write("y", baseTime, "g.txt")
	require.NoError(t, h.f.RequestProbe(f.ID, true))
	h.waitIdle()
	h.lookup("g.txt")

	require.ErrorIs(t, h.f.RequestProbe(uuid.New(), false), common.ErrNotFound)
}

func TestForest_InvariantViolations(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.write("x", baseTime, "f.txt")
	root := h.addDrive()

	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	rootNode := h.f.nodes[root.ID]
	fileNode := h.f.nodes[h.f.nodes[root.ID].children[0]]

	assertInvariantPanic(t, func() { h.f.attach(fileNode, rootNode) })
	assertInvariantPanic(t, func() { h.f.attach(&node{id: fileNode.id, kind: meta.KindFile}, rootNode) })
	assertInvariantPanic(t, func() { h.f.merge(fileNode, 0, nil, nil) })
	assertInvariantPanic(t, func() { h.f.destroy(&node{id: uuid.New()}) })
}

func assertInvariantPanic(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected panic")
		err, ok := r.(error)
		require.True(t, ok, "panic value %v is not an error", r)
		assert.ErrorIs(t, err, common.ErrInvariant)
	}()
	fn()
}

func TestForest_Close(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	for i := range 20 {
		h.write(strings.Repeat("x", i), baseTime, "d", "f"+string(rune('a'+i)))
	}
	_, err := h.f.AddDrive("media", h.root, uuid.Nil)
	require.NoError(t, err)

	// Closing mid-reconciliation stops everything.
	h.f.Close()
	assert.True(t, h.f.Idle())
	h.f.Rescan(true)
	h.g.Consistently(h.f.Idle, 50*time.Millisecond).Should(BeTrue())
}
