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

// Package worker provides a bounded, deduplicating job pool keyed by an
// arbitrary comparable value.
package worker

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// RunFunc processes one key. Returning true puts the key back at the tail
// of the pending queue.
type RunFunc[K comparable] func(ctx context.Context, key K) (requeue bool)

type running struct {
	cancel   context.CancelFunc
	aborted  bool
	resubmit bool
}

// Pool runs at most limit jobs at once. A key is either pending, running or
// absent: submitting a key that is already pending or running is a no-op.
type Pool[K comparable] struct {
	name  string
	limit int
	run   RunFunc[K]

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending []K
	queued  map[K]struct{}
	running map[K]*running
	closed  bool
	wg      sync.WaitGroup
}

// New creates a pool. limit below 1 is treated as 1.
func New[K comparable](name string, limit int, run RunFunc[K]) *Pool[K] {
	if limit < 1 {
		limit = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool[K]{
		name:    name,
		limit:   limit,
		run:     run,
		ctx:     ctx,
		cancel:  cancel,
		queued:  make(map[K]struct{}),
		running: make(map[K]*running),
	}
}

// Submit schedules key. It reports whether the key was newly accepted.
func (p *Pool[K]) Submit(key K) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	if r, ok := p.running[key]; ok {
		if r.aborted && !r.resubmit {
			r.resubmit = true
			return true
		}
		return false
	}
	if _, ok := p.queued[key]; ok {
		return false
	}
	p.pending = append(p.pending, key)
	p.queued[key] = struct{}{}
	p.drainLocked()
	return true
}

// Abort removes a pending key or cancels a running one. The cancelled job's
// requeue request is ignored.
func (p *Pool[K]) Abort(key K) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.queued[key]; ok {
		delete(p.queued, key)
		for i, k := range p.pending {
			if k == key {
				p.pending = append(p.pending[:i], p.pending[i+1:]...)
				break
			}
		}
		return true
	}
	if r, ok := p.running[key]; ok {
		r.aborted = true
		r.resubmit = false
		r.cancel()
		return true
	}
	return false
}

// Close cancels running jobs, drops pending ones and waits for the workers.
func (p *Pool[K]) Close() {
	p.mu.Lock()
	p.closed = true
	p.pending = nil
	p.queued = make(map[K]struct{})
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

// Len returns the number of running and pending keys.
func (p *Pool[K]) Len() (running, pending int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running), len(p.pending)
}

// Idle reports whether nothing is running or pending.
func (p *Pool[K]) Idle() bool {
	r, q := p.Len()
	return r == 0 && q == 0
}

// Has reports whether key is pending or running.
func (p *Pool[K]) Has(key K) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.running[key]; ok {
		return true
	}
	_, ok := p.queued[key]
	return ok
}

func (p *Pool[K]) drainLocked() {
	for len(p.running) < p.limit && len(p.pending) > 0 {
		key := p.pending[0]
		p.pending = p.pending[1:]
		delete(p.queued, key)

		ctx, cancel := context.WithCancel(p.ctx)
		r := &running{cancel: cancel}
		p.running[key] = r
		p.wg.Add(1)
		go p.execute(ctx, key, r)
	}
}

func (p *Pool[K]) execute(ctx context.Context, key K, r *running) {
	defer p.wg.Done()

	requeue := p.run(ctx, key)
	r.cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.running, key)
	switch {
	case p.closed:
	case r.aborted && r.resubmit, !r.aborted && requeue:
		if _, ok := p.queued[key]; !ok {
			log.Tracef("[%s] Requeue %v", p.name, key)
			p.pending = append(p.pending, key)
			p.queued[key] = struct{}{}
		}
	}
	p.drainLocked()
}
