package broker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawrun/pkg/protocol"
)

// RunState is the lifecycle state of a run.
type RunState string

const (
	StateQueued    RunState = "queued"
	StateRunning   RunState = "running"
	StateCompleted RunState = "completed"
	StateFailed    RunState = "failed"
	StateCancelled RunState = "cancelled"
)

// RunParams are the immutable creation parameters of a run.
type RunParams struct {
	SessionID            string
	WorkspaceID          string
	UserRequest          string
	CoordinatorAgentID   string
	StartCandidateOffset int

	// Channel origin, set for channel-dispatched runs so the reply can be
	// routed back. Empty for interactive SSE runs.
	ChannelID string
	ChatID    string
	ThreadID  string
}

// Snapshot is a point-in-time view of a run's lifecycle.
type Snapshot struct {
	State    RunState `json:"state"`
	Terminal bool     `json:"terminal"`
	LastSeq  uint64   `json:"lastSeq"`
}

// subscriberBuffer is the per-subscriber channel capacity. Dispatch never
// blocks: when a subscriber falls this far behind, further events are
// dropped for it (the client recovers by resubscribing from its cursor).
const subscriberBuffer = 256

type subscriber struct {
	id   uint64
	ch   chan protocol.Envelope
	stop chan struct{}
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.stop) })
}

// runEntry is the broker-owned mutable state of one run. All mutation is
// serialized by mu; the broker's map lock is never held while an entry lock
// is taken.
type runEntry struct {
	mu sync.Mutex

	id        string
	params    RunParams
	state     RunState
	terminal  bool
	started   bool
	nextSeq   uint64
	createdAt time.Time
	updatedAt time.Time

	ring      []protocol.Envelope
	maxEvents int

	subs      map[uint64]*subscriber
	nextSubID uint64
}

func newRunEntry(id string, params RunParams, maxEvents int) *runEntry {
	now := time.Now().UTC()
	return &runEntry{
		id:        id,
		params:    params,
		state:     StateQueued,
		nextSeq:   1,
		createdAt: now,
		updatedAt: now,
		maxEvents: maxEvents,
		subs:      make(map[uint64]*subscriber),
	}
}

// admit assigns the next seq, applies lifecycle transitions, appends to the
// ring and dispatches to subscribers. Returns false when the run is already
// terminal (the event is dropped). Caller must hold e.mu.
func (e *runEntry) admit(event protocol.RunEvent) bool {
	if e.terminal {
		return false
	}

	env := protocol.Envelope{
		Seq:       e.nextSeq,
		EmittedAt: time.Now().UTC(),
		Event:     event,
	}
	e.nextSeq++
	e.updatedAt = env.EmittedAt

	switch event.Kind() {
	case protocol.KindError:
		if e.state != StateCancelled {
			e.state = StateFailed
		}
	case protocol.KindDone:
		if e.state == StateQueued || e.state == StateRunning {
			e.state = StateCompleted
		}
		e.terminal = true
	}

	e.ring = append(e.ring, env)
	if len(e.ring) > e.maxEvents {
		e.ring = e.ring[len(e.ring)-e.maxEvents:]
	}

	for _, sub := range e.subs {
		select {
		case sub.ch <- env:
		default:
			slog.Warn("broker.subscriber_dropped_event",
				"run", e.id, "subscriber", sub.id, "seq", env.Seq)
		}
	}
	return true
}

// snapshot returns the current lifecycle view. Caller must hold e.mu.
func (e *runEntry) snapshotLocked() Snapshot {
	return Snapshot{State: e.state, Terminal: e.terminal, LastSeq: e.nextSeq - 1}
}

// replayAfter returns the buffered envelopes with seq > cursor, plus whether
// the ring has already discarded events the cursor would have covered.
// Caller must hold e.mu.
func (e *runEntry) replayAfter(cursor uint64) (events []protocol.Envelope, truncated bool) {
	if len(e.ring) > 0 && cursor+1 < e.ring[0].Seq {
		truncated = true
	}
	for _, env := range e.ring {
		if env.Seq > cursor {
			events = append(events, env)
		}
	}
	return events, truncated
}

// sweepable reports whether the entry is eligible for background removal.
// Caller must hold e.mu.
func (e *runEntry) sweepable(cutoff time.Time) bool {
	if !e.updatedAt.Before(cutoff) {
		return false
	}
	if !e.terminal && e.started {
		return false
	}
	return len(e.subs) == 0
}
