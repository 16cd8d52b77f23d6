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

// Package forest keeps an in-memory mirror of one or more drive trees and
// reconciles it with the filesystem by polling directories.
//
// All tree state is guarded by a single mutex. Filesystem IO and content
// analysis run outside it; their results are applied only after
// revalidation under the lock.
package forest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"driveforest/internal/analyze"
	"driveforest/internal/common"
	"driveforest/internal/meta"
	"driveforest/internal/notify"
	"driveforest/internal/worker"
)

// ErrDriveExists is returned when adding a drive whose name or root
// identity is already mirrored.
var ErrDriveExists = errors.New("drive already exists")

// Forest owns every mirrored tree, the identity and content hash indices,
// and the hash and identify pools.
type Forest struct {
	cfg   Config
	layer *meta.Layer
	bus   *notify.Bus

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	ioSem  *semaphore.Weighted

	hashPool     *worker.Pool[uuid.UUID]
	identifyPool *worker.Pool[uuid.UUID]

	mu         sync.Mutex
	closed     bool
	nodes      map[uuid.UUID]*node
	byHash     map[meta.Digest]map[uuid.UUID]struct{}
	drives     map[string]uuid.UUID
	busyProbes int
	order      *nameOrder
}

// New creates an empty forest persisting records through layer.
func New(layer *meta.Layer, cfg Config) *Forest {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	f := &Forest{
		cfg:    cfg,
		layer:  layer,
		bus:    notify.NewBus(),
		ctx:    ctx,
		cancel: cancel,
		ioSem:  semaphore.NewWeighted(int64(cfg.ProbeConcurrency)),
		nodes:  make(map[uuid.UUID]*node),
		byHash: make(map[meta.Digest]map[uuid.UUID]struct{}),
		drives: make(map[string]uuid.UUID),
		order:  newNameOrder(cfg.Locale),
	}
	f.hashPool = worker.New("HashPool", cfg.HashConcurrency, f.runHash)
	f.identifyPool = worker.New("IdentifyPool", cfg.IdentifyConcurrency, f.runIdentify)
	return f
}

// Layer returns the metadata layer the forest persists through.
func (f *Forest) Layer() *meta.Layer {
	return f.layer
}

// Subscribe returns a subscription to tree change events.
func (f *Forest) Subscribe() *notify.Subscription {
	return f.bus.Subscribe()
}

// AddDrive mirrors the directory at path under name. A non-nil id is
// stamped onto the directory first, so a drive keeps its identity across
// restarts even when its record was lost.
func (f *Forest) AddDrive(name, path string, id uuid.UUID) (Entry, error) {
	if name == "" {
		return Entry{}, fmt.Errorf("drive name must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return Entry{}, err
	}

	x, err := f.layer.ReadEntry(abs)
	if err != nil {
		return Entry{}, fmt.Errorf("drive %s: %w", name, err)
	}
	if x.Kind != meta.KindDirectory {
		return Entry{}, fmt.Errorf("drive %s: %s: %w", name, abs, common.ErrNotDir)
	}
	if id != uuid.Nil && x.ID != id {
		if x, err = f.layer.ForceIdentity(abs, id); err != nil {
			return Entry{}, fmt.Errorf("drive %s: %w", name, err)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return Entry{}, fmt.Errorf("forest closed")
	}
	if _, ok := f.drives[name]; ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrDriveExists, name)
	}
	if other, ok := f.nodes[x.ID]; ok {
		return Entry{}, fmt.Errorf("%w: %s is already mirrored at %s", ErrDriveExists, abs, f.pathOf(other))
	}
	for drive, rootID := range f.drives {
		root := f.nodes[rootID].root
		if common.IsWithin(abs, root) || common.IsWithin(root, abs) {
			return Entry{}, fmt.Errorf("%w: %s overlaps drive %s", ErrDriveExists, abs, drive)
		}
	}

	n := newNode(x)
	n.drive = name
	n.root = abs
	f.attach(n, nil)
	f.drives[name] = n.id
	log.Infof("[Forest] Added drive %s at %s (%s)", name, abs, n.id)
	return f.entryOf(n), nil
}

// RemoveDrive stops mirroring the named drive.
func (f *Forest) RemoveDrive(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	id, ok := f.drives[name]
	if !ok {
		return fmt.Errorf("drive %s: %w", name, common.ErrNotFound)
	}
	f.destroy(f.nodes[id])
	delete(f.drives, name)
	log.Infof("[Forest] Removed drive %s", name)
	return nil
}

// Drives returns the drive roots ordered by name.
func (f *Forest) Drives() []Entry {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Entry, 0, len(f.drives))
	for _, id := range f.drives {
		out = append(out, f.entryOf(f.nodes[id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Drive < out[j].Drive })
	return out
}

// FindByIdentity returns the node with identity id.
func (f *Forest) FindByIdentity(id uuid.UUID) (Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, ok := f.nodes[id]
	if !ok {
		return Entry{}, false
	}
	return f.entryOf(n), true
}

// FindByContentHash returns the files whose trusted hash is d.
func (f *Forest) FindByContentHash(d meta.Digest) []Entry {
	f.mu.Lock()
	defer f.mu.Unlock()

	set := f.byHash[d]
	if len(set) == 0 {
		return nil
	}
	out := make([]Entry, 0, len(set))
	for id := range set {
		out = append(out, f.entryOf(f.nodes[id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Children returns the children of directory id in name order.
func (f *Forest) Children(id uuid.UUID) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, ok := f.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, common.ErrNotFound)
	}
	if !n.isDir() {
		return nil, fmt.Errorf("%s: %w", id, common.ErrNotDir)
	}
	out := make([]Entry, 0, len(n.children))
	for _, cid := range n.children {
		out = append(out, f.entryOf(f.nodes[cid]))
	}
	return out, nil
}

// PathOf returns the absolute path of id as currently mirrored.
func (f *Forest) PathOf(id uuid.UUID) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, ok := f.nodes[id]
	if !ok {
		return "", false
	}
	return f.pathOf(n), true
}

// Lookup resolves an absolute path inside a drive to its mirrored node.
func (f *Forest) Lookup(path string) (Entry, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Entry{}, false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, rootID := range f.drives {
		root := f.nodes[rootID]
		parts, ok := common.RelComponents(root.root, abs)
		if !ok {
			continue
		}
		n := root
		for _, part := range parts {
			n = f.childByName(n, part)
			if n == nil {
				return Entry{}, false
			}
		}
		return f.entryOf(n), true
	}
	return Entry{}, false
}

// RequestProbe schedules a probe of directory id, or of the parent of
// file id. force enumerates even when the directory looks unchanged.
func (f *Forest) RequestProbe(id uuid.UUID, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, ok := f.nodes[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, common.ErrNotFound)
	}
	if n.isFile() {
		n = f.nodes[n.parent]
	}
	f.requestProbe(n, force)
	return nil
}

// Rescan requests a probe of every directory and returns how many were
// requested. Directory mtimes do not move on in-place file edits, so a
// forced rescan is the only way to notice those.
func (f *Forest) Rescan(force bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	count := 0
	for _, n := range f.nodes {
		if n.isDir() {
			f.requestProbe(n, force)
			count++
		}
	}
	return count
}

// Idle reports whether every probe is idle and both pools are empty.
func (f *Forest) Idle() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busyProbes == 0 && f.hashPool.Idle() && f.identifyPool.Idle()
}

// Stats is a point-in-time summary.
type Stats struct {
	Drives          int
	Directories     int
	Files           int
	Hashed          int
	UniqueHashes    int
	Bytes           int64
	BusyProbes      int
	HashRunning     int
	HashPending     int
	IdentifyRunning int
	IdentifyPending int
}

// Stats returns counters over the whole forest.
func (f *Forest) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := Stats{
		Drives:       len(f.drives),
		UniqueHashes: len(f.byHash),
		BusyProbes:   f.busyProbes,
	}
	for _, n := range f.nodes {
		if n.isDir() {
			s.Directories++
			continue
		}
		s.Files++
		s.Bytes += n.size
		if !n.hash.IsZero() {
			s.Hashed++
		}
	}
	s.HashRunning, s.HashPending = f.hashPool.Len()
	s.IdentifyRunning, s.IdentifyPending = f.identifyPool.Len()
	return s
}

// Close stops all probes and jobs and waits for them to exit.
func (f *Forest) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()

	f.cancel()
	f.hashPool.Close()
	f.identifyPool.Close()
	f.wg.Wait()
	f.bus.Close()
}

// Entry is a copy of one node's state.
type Entry struct {
	ID          uuid.UUID
	Parent      uuid.UUID
	Kind        meta.Kind
	Name        string
	Path        string
	Drive       string
	Fingerprint int64
	Size        int64
	Hash        meta.Digest
	TypeClass   string
	Metadata    *analyze.Metadata
	Children    int
}

func (f *Forest) entryOf(n *node) Entry {
	e := Entry{
		ID:          n.id,
		Parent:      n.parent,
		Kind:        n.kind,
		Name:        n.name,
		Path:        f.pathOf(n),
		Drive:       f.driveOf(n).drive,
		Fingerprint: n.fingerprint,
		Size:        n.size,
		Hash:        n.hash,
		TypeClass:   n.typeClass,
		Metadata:    n.metadata,
		Children:    len(n.children),
	}
	return e
}

// components returns the drive root of n and the names leading from it to n.
func (f *Forest) components(n *node) (*node, []string) {
	var parts []string
	for !n.isRoot() {
		parts = append(parts, n.name)
		n = f.nodes[n.parent]
	}
	slices.Reverse(parts)
	return n, parts
}

func (f *Forest) pathOf(n *node) string {
	root, parts := f.components(n)
	return filepath.Join(append([]string{root.root}, parts...)...)
}

// relOf returns the slash separated path of n below its drive root.
func (f *Forest) relOf(n *node) string {
	_, parts := f.components(n)
	return strings.Join(parts, "/")
}

func (f *Forest) driveOf(n *node) *node {
	root, _ := f.components(n)
	return root
}

func (f *Forest) childByName(dir *node, name string) *node {
	for _, cid := range dir.children {
		if c := f.nodes[cid]; c.name == name {
			return c
		}
	}
	return nil
}

// isAncestorOrSelf reports whether a is n or one of its ancestors.
func (f *Forest) isAncestorOrSelf(a, n *node) bool {
	for {
		if a == n {
			return true
		}
		if n.isRoot() {
			return false
		}
		n = f.nodes[n.parent]
	}
}
