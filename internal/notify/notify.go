// Package notify fans out tree change events to subscribers without ever
// blocking the publisher.
package notify

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"driveforest/internal/analyze"
	"driveforest/internal/meta"
)

// Kind enumerates event types.
type Kind int

const (
	Attached Kind = iota + 1
	Detaching
	Moved
	HashAvailable
	HashRemoved
	MetadataAvailable
	Structural
	DriveLost
)

var kindNames = map[Kind]string{
	Attached:          "attached",
	Detaching:         "detaching",
	Moved:             "moved",
	HashAvailable:     "hash-available",
	HashRemoved:       "hash-removed",
	MetadataAvailable: "metadata-available",
	Structural:        "structural",
	DriveLost:         "drive-lost",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Event describes one change. Seq increases by one per published event, so
// subscribers observe events in the order the tree changed.
type Event struct {
	Seq      uint64
	Kind     Kind
	ID       uuid.UUID
	Parent   uuid.UUID
	Name     string
	NodeKind meta.Kind
	Hash     meta.Digest
	Metadata *analyze.Metadata
	Err      error
}

func (e Event) String() string {
	s := fmt.Sprintf("#%d %s %s %q", e.Seq, e.Kind, e.ID, e.Name)
	if !e.Hash.IsZero() {
		s += " " + e.Hash.Short()
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Bus delivers every published event to every subscriber.
type Bus struct {
	mu     sync.Mutex
	seq    uint64
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Publish stamps ev with the next sequence number and queues it for every
// subscriber. It never blocks on a slow subscriber.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.seq++
	ev.Seq = b.seq
	for s := range b.subs {
		s.push(ev)
	}
}

// Subscribe registers a new subscriber.
func (b *Bus) Subscribe() *Subscription {
	s := &Subscription{
		bus:    b,
		wake:   make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.stopOnce.Do(func() { close(s.done) })
		close(s.out)
		close(s.exited)
		return s
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.loop()
	return s
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for s := range subs {
		s.stop()
	}
}

// Subscription is an unbounded queue drained into C.
type Subscription struct {
	bus *Bus

	mu    sync.Mutex
	queue []Event

	wake     chan struct{}
	out      chan Event
	done     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
}

// C delivers events in publication order. It is closed when the
// subscription ends.
func (s *Subscription) C() <-chan Event {
	return s.out
}

// Close unsubscribes. Queued events are discarded.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.stop()
}

func (s *Subscription) stop() {
	s.stopOnce.Do(func() { close(s.done) })
	<-s.exited
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) loop() {
	defer close(s.exited)
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
