package forest

import (
	"crypto/sha256"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/require"

	"driveforest/internal/meta"
	"driveforest/internal/notify"
	"driveforest/internal/storage"
)

var baseTime = time.UnixMilli(1_700_000_000_000)

// countingStore records Get calls per path and can hold one Get.
type countingStore struct {
	storage.AttrStore
	mu   sync.Mutex
	gets map[string]int

	held    string
	reached chan struct{}
	release chan struct{}
}

func newCountingStore() *countingStore {
	return &countingStore{AttrStore: storage.NewMemStore(), gets: make(map[string]int)}
}

func (s *countingStore) Get(path string, fi fs.FileInfo) ([]byte, error) {
	s.mu.Lock()
	s.gets[path]++
	var reached, release chan struct{}
	if s.held != "" && s.held == path {
		s.held = ""
		reached, release = s.reached, s.release
	}
	s.mu.Unlock()

	if reached != nil {
		close(reached)
		<-release
	}
	return s.AttrStore.Get(path, fi)
}

// hold blocks the next Get of path until release is called. reached is
// closed once that Get is waiting.
func (s *countingStore) hold(path string) (reached <-chan struct{}, release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held = path
	s.reached = make(chan struct{})
	s.release = make(chan struct{})
	ch := s.release
	var once sync.Once
	return s.reached, func() { once.Do(func() { close(ch) }) }
}

func (s *countingStore) getsOf(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets[path]
}

type harness struct {
	t     *testing.T
	g     *WithT
	f     *Forest
	layer *meta.Layer
	store *countingStore
	root  string
	drive Entry
}

func newHarness(t *testing.T, cfg Config, opts ...meta.Option) *harness {
	t.Helper()
	if cfg.Debounce == 0 {
		cfg.Debounce = 10 * time.Millisecond
	}
	store := newCountingStore()
	layer := meta.NewLayer(store, opts...)
	f := New(layer, cfg)
	t.Cleanup(f.Close)
	return &harness{t: t, g: NewWithT(t), f: f, layer: layer, store: store, root: t.TempDir()}
}

func (h *harness) addDrive() Entry {
	h.t.Helper()
	e, err := h.f.AddDrive("media", h.root, uuid.Nil)
	require.NoError(h.t, err)
	h.drive = e
	h.waitIdle()
	return e
}

func (h *harness) waitIdle() {
	h.t.Helper()
	h.g.Eventually(h.f.Idle, 10*time.Second, 5*time.Millisecond).Should(BeTrue())
}

// rescan forces every directory to be enumerated and waits for quiescence.
func (h *harness) rescan() {
	h.t.Helper()
	h.f.Rescan(true)
	h.waitIdle()
}

func (h *harness) path(rel ...string) string {
	return filepath.Join(append([]string{h.root}, rel...)...)
}

func (h *harness) mkdir(rel ...string) string {
	h.t.Helper()
	p := h.path(rel...)
	require.NoError(h.t, os.MkdirAll(p, 0o755))
	return p
}

// write stores content with an explicit mtime so every write moves the
// fingerprint.
func (h *harness) write(content string, mtime time.Time, rel ...string) string {
	h.t.Helper()
	p := h.path(rel...)
	require.NoError(h.t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(h.t, os.WriteFile(p, []byte(content), 0o644))
	require.NoError(h.t, os.Chtimes(p, mtime, mtime))
	return p
}

func (h *harness) lookup(rel ...string) Entry {
	h.t.Helper()
	e, ok := h.f.Lookup(h.path(rel...))
	require.True(h.t, ok, "%v not mirrored", rel)
	return e
}

func (h *harness) childNames(id uuid.UUID) []string {
	h.t.Helper()
	children, err := h.f.Children(id)
	require.NoError(h.t, err)
	names := make([]string, 0, len(children))
	for _, c := range children {
		names = append(names, c.Name)
	}
	return names
}

func digestOf(content string) meta.Digest {
	return meta.Digest(sha256.Sum256([]byte(content)))
}

// collect drains a subscription in the background.
type collector struct {
	mu     sync.Mutex
	events []notify.Event
}

func collect(t *testing.T, f *Forest) *collector {
	c := &collector{}
	sub := f.Subscribe()
	t.Cleanup(sub.Close)
	go func() {
		for ev := range sub.C() {
			c.mu.Lock()
			c.events = append(c.events, ev)
			c.mu.Unlock()
		}
	}()
	return c
}

func (c *collector) ofKind(kind notify.Kind) []notify.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []notify.Event
	for _, ev := range c.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (c *collector) all() []notify.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notify.Event(nil), c.events...)
}
