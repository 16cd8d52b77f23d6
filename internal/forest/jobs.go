package forest

import (
	"context"
	"errors"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"driveforest/internal/common"
	"driveforest/internal/notify"
)

// jobTarget returns the current path of file id, or false when the file is
// no longer mirrored.
func (f *Forest) jobTarget(id uuid.UUID) (string, *node, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[id]
	if !ok || !n.isFile() {
		return "", nil, false
	}
	return f.pathOf(n), n, true
}

// runHash computes and commits the hash of one file. The result reaches the
// tree only if the node is still the object that was hashed.
func (f *Forest) runHash(ctx context.Context, id uuid.UUID) bool {
	path, n, ok := f.jobTarget(id)
	if !ok {
		return false
	}

	x, err := f.layer.ReadEntry(path)
	if err != nil {
		return f.hashFailed(ctx, n, path, err)
	}
	if x.ID != id {
		return f.hashFailed(ctx, n, path, common.ErrInstanceMismatch)
	}

	digest := x.Hash
	if digest.IsZero() {
		if digest, err = f.cfg.Hasher.Hash(ctx, path); err != nil {
			return f.hashFailed(ctx, n, path, err)
		}
	}
	if ctx.Err() != nil {
		return false
	}

	committed, err := f.layer.CommitHash(path, id, digest, x.Fingerprint)
	if err != nil {
		return f.hashFailed(ctx, n, path, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if ctx.Err() != nil || !n.attached {
		return false
	}
	n.hashFailures = 0
	if n.fingerprint == committed.Fingerprint {
		f.setHash(n, digest)
		log.Debugf("[HashPool] %s %s", digest.Short(), path)
		return false
	}
	// The file changed after its parent last looked. The hash is persisted
	// for the new content; the parent's next merge picks it up.
	f.requestProbe(f.nodes[n.parent], true)
	return false
}

// hashFailed classifies a hash job error and reports whether to requeue.
func (f *Forest) hashFailed(ctx context.Context, n *node, path string, err error) bool {
	if ctx.Err() != nil || common.IsCancelled(err) {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !n.attached {
		return false
	}

	switch {
	case common.IsVanished(err), common.IsStructural(err), errors.Is(err, common.ErrInstanceMismatch):
		if f.pathOf(n) != path {
			// Moved while the job ran.
			return true
		}
		log.Debugf("[HashPool] %s: %v", path, err)
		f.requestProbe(f.nodes[n.parent], true)
		return false

	case errors.Is(err, common.ErrTimestampMismatch):
		f.requestProbe(f.nodes[n.parent], true)
	}

	n.hashFailures++
	if n.hashFailures >= f.cfg.MaxHashFailures {
		log.Warnf("[HashPool] Giving up on %s after %d failures: %v", path, n.hashFailures, err)
		return false
	}
	log.Debugf("[HashPool] Retrying %s (%d/%d): %v", path, n.hashFailures, f.cfg.MaxHashFailures, err)
	return true
}

// runIdentify extracts metadata for one hashed file. Results are kept in
// memory and discarded if the file changed meanwhile.
func (f *Forest) runIdentify(ctx context.Context, id uuid.UUID) bool {
	f.mu.Lock()
	n, ok := f.nodes[id]
	if !ok || !n.isFile() {
		f.mu.Unlock()
		return false
	}
	path := f.pathOf(n)
	fp := n.fingerprint
	typeClass := n.typeClass
	f.mu.Unlock()

	md, err := f.cfg.Identifier.Identify(ctx, path, typeClass)
	if ctx.Err() != nil || common.IsCancelled(err) {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !n.attached || n.fingerprint != fp {
		return false
	}
	if err != nil {
		if common.IsVanished(err) || common.IsStructural(err) {
			if f.pathOf(n) != path {
				return true
			}
			f.requestProbe(f.nodes[n.parent], true)
			return false
		}
		n.identifyFailures++
		if n.identifyFailures >= f.cfg.MaxIdentifyFailures {
			log.Warnf("[IdentifyPool] Giving up on %s after %d failures: %v", path, n.identifyFailures, err)
			return false
		}
		return true
	}

	n.metadata = md
	n.identifyFailures = 0
	f.publish(notify.MetadataAvailable, n, nil)
	return false
}

