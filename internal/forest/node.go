package forest

import (
	"context"

	"github.com/google/uuid"

	"driveforest/internal/analyze"
	"driveforest/internal/meta"
)

type probePhase uint8

const (
	phaseIdle probePhase = iota
	phaseScheduled
	phaseRunning
)

func (p probePhase) String() string {
	switch p {
	case phaseScheduled:
		return "scheduled"
	case phaseRunning:
		return "running"
	default:
		return "idle"
	}
}

// probeState is owned by the forest lock. At most one probe goroutine
// exists per directory: it is started on Idle -> Scheduled and is the only
// code that moves the phase back to Idle.
type probeState struct {
	phase  probePhase
	again  bool
	force  bool
	probed bool // at least one successful probe
	torn   int  // consecutive torn reads
	cancel context.CancelFunc
}

// node is one mirrored object. Nodes reference each other by identity;
// the forest arena owns them.
type node struct {
	id          uuid.UUID
	kind        meta.Kind
	name        string
	fingerprint int64
	parent      uuid.UUID // uuid.Nil on drive roots
	attached    bool

	// drive roots
	drive string
	root  string

	// directories
	children []uuid.UUID
	probe    *probeState

	// files
	size             int64
	hash             meta.Digest
	typeClass        string
	metadata         *analyze.Metadata
	hashFailures     int
	identifyFailures int
}

func (n *node) isDir() bool  { return n.kind == meta.KindDirectory }
func (n *node) isFile() bool { return n.kind == meta.KindFile }
func (n *node) isRoot() bool { return n.parent == uuid.Nil }

func newNode(x meta.Xstat) *node {
	n := &node{
		id:          x.ID,
		kind:        x.Kind,
		name:        x.Name,
		fingerprint: x.Fingerprint,
	}
	if n.isDir() {
		n.probe = &probeState{}
	} else {
		n.size = x.Size
		n.typeClass = x.TypeClass
	}
	return n
}
