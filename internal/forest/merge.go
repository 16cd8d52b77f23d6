package forest

import (
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"driveforest/internal/meta"
	"driveforest/internal/notify"
)

// merge reconciles dir's children with a fresh, name-sorted listing and
// then records fp as the directory's fingerprint. An identity live
// elsewhere is relocated only when moves says its old location gave it
// up; otherwise dir is probed again so the copy can be restamped. Called
// with f.mu held.
func (f *Forest) merge(dir *node, fp int64, xs []meta.Xstat, moves map[uuid.UUID]struct{}) {
	if !dir.isDir() {
		panic(invariant("merge on non-directory %s", dir.id))
	}

	found := make(map[uuid.UUID]meta.Xstat, len(xs))
	for _, x := range xs {
		found[x.ID] = x
	}

	var updated, destroyed, moved, created, deferred int
	for _, cid := range append([]uuid.UUID(nil), dir.children...) {
		c := f.nodes[cid]
		x, ok := found[cid]
		if ok && x.Kind == c.kind {
			f.update(c, x)
			delete(found, cid)
			updated++
			continue
		}
		f.destroy(c)
		destroyed++
	}

	for _, x := range xs {
		if _, ok := found[x.ID]; !ok {
			continue
		}
		delete(found, x.ID)

		if other, ok := f.nodes[x.ID]; ok {
			_, vetted := moves[x.ID]
			switch {
			case !vetted:
				// Attached by another merge after this listing was vetted.
				log.Debugf("[Merge] Deferring %s in %s: identity %s appeared elsewhere", x.Name, f.pathOf(dir), x.ID)
				deferred++
				continue
			case f.isAncestorOrSelf(other, dir) || other.isRoot():
				// A copy of an ancestor whose restamp failed. Leave it for a
				// later probe rather than tear down the tree being merged.
				log.Warnf("[Merge] Skipping %s in %s: identity %s belongs to an ancestor", x.Name, f.pathOf(dir), x.ID)
				continue
			case other.kind == x.Kind:
				f.move(other, dir, x)
				moved++
				continue
			default:
				f.destroy(other)
				destroyed++
			}
		}
		f.create(dir, x)
		created++
	}

	dir.fingerprint = fp
	if deferred > 0 {
		f.requestProbe(dir, true)
	}
	if updated+destroyed+moved+created > 0 {
		log.Debugf("[Merge] %s: %d kept, %d created, %d moved, %d destroyed",
			f.pathOf(dir), updated, created, moved, destroyed)
	}
}

func (f *Forest) create(dir *node, x meta.Xstat) {
	n := newNode(x)
	f.attach(n, dir)
	if n.isFile() {
		if x.HasHash() {
			f.setHash(n, x.Hash)
		} else {
			f.submitHash(n)
		}
	}
}

func (f *Forest) move(n, dir *node, x meta.Xstat) {
	from := n.parent
	n.name = x.Name
	f.reparent(n, dir)
	f.bus.Publish(notify.Event{
		Kind:     notify.Moved,
		ID:       n.id,
		Parent:   dir.id,
		Name:     n.name,
		NodeKind: n.kind,
		Hash:     n.hash,
	})
	log.Debugf("[Merge] Moved %s from %s to %s", n.id, from, dir.id)
	f.update(n, x)
}

// update applies a fresh snapshot to an existing node.
func (f *Forest) update(n *node, x meta.Xstat) {
	if n.name != x.Name {
		f.rename(n, x.Name)
		f.publish(notify.Moved, n, nil)
	}

	if n.isDir() {
		// n.fingerprint is what n's own last merge saw; the probe updates it.
		if x.Fingerprint != n.fingerprint {
			f.requestProbe(n, false)
		}
		return
	}

	switch {
	case x.Fingerprint != n.fingerprint:
		n.fingerprint = x.Fingerprint
		n.size = x.Size
		n.typeClass = x.TypeClass
		n.metadata = nil
		n.hashFailures = 0
		n.identifyFailures = 0
		f.identifyPool.Abort(n.id)
		if x.HasHash() {
			f.setHash(n, x.Hash)
		} else {
			f.clearHash(n)
			f.submitHash(n)
		}
	case n.hash.IsZero() && x.HasHash():
		// Committed by a job that finished before this node caught up.
		f.setHash(n, x.Hash)
	}
}
