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

package forest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"driveforest/internal/common"
	"driveforest/internal/meta"
	"driveforest/internal/notify"
)

// requestProbe coalesces probe requests for dir. Called with f.mu held.
func (f *Forest) requestProbe(dir *node, force bool) {
	if !dir.isDir() {
		panic(invariant("probe requested on non-directory %s", dir.id))
	}
	if f.closed || !dir.attached {
		return
	}

	ps := dir.probe
	if ps.phase != phaseIdle {
		ps.again = true
		ps.force = ps.force || force
		return
	}

	ctx, cancel := context.WithCancel(f.ctx)
	ps.phase = phaseScheduled
	ps.force = force
	ps.again = false
	ps.cancel = cancel
	f.busyProbes++
	f.wg.Add(1)
	go f.runProbe(ctx, dir)
}

// stopProbe cancels dir's probe goroutine. Called with f.mu held.
func (f *Forest) stopProbe(dir *node) {
	ps := dir.probe
	if ps.phase == phaseIdle {
		return
	}
	ps.cancel()
	ps.cancel = nil
	ps.phase = phaseIdle
	ps.again = false
	f.busyProbes--
}

// probeTarget is what a probe needs from the tree, captured under the lock.
type probeTarget struct {
	id     uuid.UUID
	path   string
	drive  string
	rel    string
	known  int64
	probed bool
	force  bool
}

type probeResult struct {
	changed     bool
	fingerprint int64
	entries     []meta.Xstat
	// moves holds identities found live elsewhere whose old location no
	// longer carries them.
	moves map[uuid.UUID]struct{}
}

// runProbe is the single goroutine serving dir's probe requests. It exits
// when no further probe was requested, or when dir is detached.
func (f *Forest) runProbe(ctx context.Context, dir *node) {
	defer f.wg.Done()

	for {
		f.mu.Lock()
		if !f.probeLive(ctx, dir) {
			f.mu.Unlock()
			return
		}
		ps := dir.probe
		delay := f.cfg.Debounce
		if !ps.probed || (ps.torn > 0 && ps.torn <= f.cfg.TornRetryLimit) {
			delay = 0
		}
		f.mu.Unlock()

		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				f.mu.Lock()
				f.finishProbe(dir)
				f.mu.Unlock()
				return
			}
		}

		f.mu.Lock()
		if !f.probeLive(ctx, dir) {
			f.mu.Unlock()
			return
		}
		ps.phase = phaseRunning
		target := probeTarget{
			id:     dir.id,
			path:   f.pathOf(dir),
			drive:  f.driveOf(dir).drive,
			rel:    f.relOf(dir),
			known:  dir.fingerprint,
			probed: ps.probed,
			force:  ps.force,
		}
		ps.force = false
		ps.again = false
		f.mu.Unlock()

		res, err := f.probeIO(ctx, target)

		f.mu.Lock()
		if !f.probeLive(ctx, dir) {
			f.mu.Unlock()
			return
		}
		f.applyProbe(dir, target, res, err)
		if ps.again {
			ps.phase = phaseScheduled
			f.mu.Unlock()
			continue
		}
		f.finishProbe(dir)
		f.mu.Unlock()
		return
	}
}

// probeLive reports whether the goroutine still owns dir's probe. When the
// forest is closing it releases the probe. Called with f.mu held.
func (f *Forest) probeLive(ctx context.Context, dir *node) bool {
	if !dir.attached || dir.probe.phase == phaseIdle {
		// stopProbe already released the state.
		return false
	}
	if ctx.Err() != nil {
		f.finishProbe(dir)
		return false
	}
	return true
}

func (f *Forest) finishProbe(dir *node) {
	ps := dir.probe
	if ps.phase == phaseIdle {
		return
	}
	ps.phase = phaseIdle
	ps.again = false
	if ps.cancel != nil {
		ps.cancel()
		ps.cancel = nil
	}
	f.busyProbes--
}

func (f *Forest) applyProbe(dir *node, t probeTarget, res probeResult, err error) {
	ps := dir.probe
	switch {
	case err == nil:
		ps.probed = true
		ps.torn = 0
		if res.changed {
			f.merge(dir, res.fingerprint, res.entries, res.moves)
		}

	case errors.Is(err, common.ErrTornRead):
		ps.torn++
		ps.again = true
		ps.force = ps.force || t.force
		if ps.torn == f.cfg.TornRetryLimit+1 {
			log.Warnf("[Probe] %s keeps changing, backing off", t.path)
		}

	case common.IsCancelled(err):

	case common.IsVanished(err), common.IsStructural(err), errors.Is(err, common.ErrInstanceChanged):
		f.escalate(dir, err)

	default:
		log.Warnf("[Probe] %s: %v", t.path, err)
	}
}

// escalate handles a directory that is gone or replaced: its parent is
// asked to re-read, a drive root reports the loss.
func (f *Forest) escalate(dir *node, err error) {
	if dir.isRoot() {
		log.Errorf("[Probe] Drive %s lost: %v", dir.drive, err)
		f.publish(notify.DriveLost, dir, err)
		return
	}
	log.Debugf("[Probe] %s: %v, re-probing parent", dir.id, err)
	if common.IsStructural(err) {
		f.publish(notify.Structural, dir, err)
	}
	f.requestProbe(f.nodes[dir.parent], true)
}

// probeIO reads the directory, enumerates it and reads it again. A listing
// is returned only when both reads agree on the fingerprint.
func (f *Forest) probeIO(ctx context.Context, t probeTarget) (probeResult, error) {
	if err := f.ioSem.Acquire(ctx, 1); err != nil {
		return probeResult{}, fmt.Errorf("probe %s: %w", t.path, common.ErrCancelled)
	}
	defer f.ioSem.Release(1)

	x1, err := f.checkDir(t)
	if err != nil {
		return probeResult{}, err
	}
	if t.probed && !t.force && x1.Fingerprint == t.known {
		return probeResult{}, nil
	}

	xs, err := f.enumerate(ctx, t)
	if err != nil {
		return probeResult{}, err
	}
	xs, moves := f.resolveDuplicates(t, xs)

	x2, err := f.checkDir(t)
	if err != nil {
		return probeResult{}, err
	}
	if x2.Fingerprint != x1.Fingerprint {
		return probeResult{}, fmt.Errorf("%s: %w", t.path, common.ErrTornRead)
	}
	return probeResult{changed: true, fingerprint: x1.Fingerprint, entries: xs, moves: moves}, nil
}

func (f *Forest) checkDir(t probeTarget) (meta.Xstat, error) {
	x, err := f.layer.ReadEntry(t.path)
	if err != nil {
		return meta.Xstat{}, err
	}
	if x.Kind != meta.KindDirectory {
		return meta.Xstat{}, fmt.Errorf("%s: %w", t.path, common.ErrNotDir)
	}
	if x.ID != t.id {
		return meta.Xstat{}, fmt.Errorf("%s: %w", t.path, common.ErrInstanceChanged)
	}
	return x, nil
}

// enumerate reads every child concurrently. Children that vanish, fail or
// are excluded are left out; the result is sorted by name.
func (f *Forest) enumerate(ctx context.Context, t probeTarget) ([]meta.Xstat, error) {
	ents, err := os.ReadDir(t.path)
	if err != nil {
		return nil, err
	}

	results := make([]*meta.Xstat, len(ents))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.StatConcurrency)
	for i, e := range ents {
		if !e.IsDir() && !e.Type().IsRegular() {
			continue
		}
		if f.cfg.Exclude != nil && f.cfg.Exclude(t.drive, path.Join(t.rel, e.Name()), e.IsDir()) {
			continue
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			x, err := f.layer.ReadEntry(filepath.Join(t.path, e.Name()))
			if err != nil {
				log.Tracef("[Probe] Dropping %s/%s: %v", t.path, e.Name(), err)
				return nil
			}
			results[i] = &x
			return nil
		})
	}
	if err := g.Wait(); err != nil || ctx.Err() != nil {
		return nil, fmt.Errorf("enumerate %s: %w", t.path, common.ErrCancelled)
	}

	xs := make([]meta.Xstat, 0, len(ents))
	for _, x := range results {
		if x != nil {
			xs = append(xs, *x)
		}
	}
	newNameOrder(f.cfg.Locale).sortXstats(xs)
	return xs, nil
}

// resolveDuplicates restamps entries whose identity is still held by
// another live object, which happens when a copy carries its source's
// record. An identity whose old location no longer holds it is a move and
// is returned in moves; merge relocates only those.
func (f *Forest) resolveDuplicates(t probeTarget, xs []meta.Xstat) ([]meta.Xstat, map[uuid.UUID]struct{}) {
	type elsewhere struct {
		idx  int
		path string
	}
	var restamp []int
	var check []elsewhere

	f.mu.Lock()
	seen := make(map[uuid.UUID]int, len(xs))
	for i, x := range xs {
		if j, dup := seen[x.ID]; dup {
			// Two entries of this listing share an identity. The one already
			// mirrored under this name keeps it.
			if c, ok := f.nodes[x.ID]; ok && c.parent == t.id && c.name == x.Name {
				restamp = append(restamp, j)
				seen[x.ID] = i
			} else {
				restamp = append(restamp, i)
			}
			continue
		}
		seen[x.ID] = i
		if c, ok := f.nodes[x.ID]; ok && c.parent != t.id {
			check = append(check, elsewhere{idx: i, path: f.pathOf(c)})
		}
	}
	f.mu.Unlock()

	moves := make(map[uuid.UUID]struct{}, len(check))
	for _, c := range check {
		x := xs[c.idx]
		if c.path != filepath.Join(t.path, x.Name) {
			other, err := f.layer.ReadEntry(c.path)
			if err == nil && other.ID == x.ID {
				restamp = append(restamp, c.idx)
				continue
			}
		}
		moves[x.ID] = struct{}{}
	}
	if len(restamp) == 0 {
		return xs, moves
	}

	drop := make(map[int]bool)
	for _, i := range restamp {
		p := filepath.Join(t.path, xs[i].Name)
		x, err := f.layer.ForceIdentity(p, uuid.New())
		if err != nil {
			log.Debugf("[Probe] Restamp of %s failed: %v", p, err)
			drop[i] = true
			continue
		}
		log.Infof("[Probe] %s duplicated identity %s, restamped as %s", p, xs[i].ID, x.ID)
		xs[i] = x
	}
	if len(drop) == 0 {
		return xs, moves
	}
	out := xs[:0]
	for i, x := range xs {
		if !drop[i] {
			out = append(out, x)
		}
	}
	return out, moves
}
