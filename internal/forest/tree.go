package forest

import (
	"fmt"
	"slices"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"driveforest/internal/common"
	"driveforest/internal/meta"
	"driveforest/internal/notify"
)

// Every function in this file runs with f.mu held.

func invariant(format string, args ...any) error {
	return fmt.Errorf("%w: %s", common.ErrInvariant, fmt.Sprintf(format, args...))
}

func (f *Forest) publish(kind notify.Kind, n *node, err error) {
	f.bus.Publish(notify.Event{
		Kind:     kind,
		ID:       n.id,
		Parent:   n.parent,
		Name:     n.name,
		NodeKind: n.kind,
		Hash:     n.hash,
		Metadata: n.metadata,
		Err:      err,
	})
}

// attach links n below parent (nil for a drive root), indexes it and starts
// its first unit of work: a probe for directories, a hash job for files
// without a trusted hash.
func (f *Forest) attach(n *node, parent *node) {
	if n.attached {
		panic(invariant("attach of attached node %s", n.id))
	}
	if _, ok := f.nodes[n.id]; ok {
		panic(invariant("identity %s is already attached", n.id))
	}

	n.parent = uuid.Nil
	if parent != nil {
		if !parent.isDir() {
			panic(invariant("attach %s below non-directory %s", n.id, parent.id))
		}
		n.parent = parent.id
	}
	f.nodes[n.id] = n
	if parent != nil {
		f.insertChild(parent, n.id, n.name)
	}
	n.attached = true
	f.publish(notify.Attached, n, nil)

	if n.isDir() {
		f.requestProbe(n, false)
	}
}

// destroy detaches n from its parent and tears down its subtree pre-order:
// every node announces Detaching before its children do.
func (f *Forest) destroy(n *node) {
	if !n.attached {
		panic(invariant("detach of unattached node %s", n.id))
	}
	if !n.isRoot() {
		if parent, ok := f.nodes[n.parent]; !ok || !removeChild(parent, n.id) {
			panic(invariant("node %s missing from parent %s", n.id, n.parent))
		}
	}
	f.teardown(n)
}

func (f *Forest) teardown(n *node) {
	f.publish(notify.Detaching, n, nil)

	if n.isDir() {
		f.stopProbe(n)
		children := n.children
		n.children = nil
		for _, cid := range children {
			f.teardown(f.nodes[cid])
		}
	} else {
		f.hashPool.Abort(n.id)
		f.identifyPool.Abort(n.id)
		f.unindexHash(n)
	}

	delete(f.nodes, n.id)
	n.attached = false
	log.Tracef("[Tree] Detached %s %s", n.kind, n.id)
}

// reparent moves n below dir, keeping its identity, subtree and pool jobs.
func (f *Forest) reparent(n, dir *node) {
	if n.isRoot() {
		panic(invariant("reparent of drive root %s", n.id))
	}
	if old, ok := f.nodes[n.parent]; ok {
		removeChild(old, n.id)
	}
	n.parent = dir.id
	f.insertChild(dir, n.id, n.name)
}

func (f *Forest) rename(n *node, name string) {
	if n.isRoot() {
		n.name = name
		return
	}
	parent := f.nodes[n.parent]
	removeChild(parent, n.id)
	n.name = name
	f.insertChild(parent, n.id, n.name)
}

func (f *Forest) indexHash(n *node) {
	set, ok := f.byHash[n.hash]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		f.byHash[n.hash] = set
	}
	set[n.id] = struct{}{}
}

func (f *Forest) unindexHash(n *node) {
	if n.hash.IsZero() {
		return
	}
	set := f.byHash[n.hash]
	delete(set, n.id)
	if len(set) == 0 {
		delete(f.byHash, n.hash)
	}
}

// setHash installs a trusted hash on file n and announces it.
func (f *Forest) setHash(n *node, d meta.Digest) {
	if n.hash == d {
		return
	}
	f.unindexHash(n)
	n.hash = d
	f.indexHash(n)
	f.publish(notify.HashAvailable, n, nil)
	f.maybeIdentify(n)
}

// clearHash drops n's hash and its index entry.
func (f *Forest) clearHash(n *node) {
	if n.hash.IsZero() {
		return
	}
	old := n.hash
	f.unindexHash(n)
	n.hash = meta.Digest{}
	f.bus.Publish(notify.Event{
		Kind:     notify.HashRemoved,
		ID:       n.id,
		Parent:   n.parent,
		Name:     n.name,
		NodeKind: n.kind,
		Hash:     old,
	})
}

func (f *Forest) submitHash(n *node) {
	if n.hashFailures >= f.cfg.MaxHashFailures {
		return
	}
	f.hashPool.Submit(n.id)
}

func (f *Forest) maybeIdentify(n *node) {
	if n.metadata != nil || n.identifyFailures >= f.cfg.MaxIdentifyFailures {
		return
	}
	if !slices.Contains(f.cfg.IdentifyClasses, meta.TopLevel(n.typeClass)) {
		return
	}
	f.identifyPool.Submit(n.id)
}
