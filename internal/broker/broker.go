// Package broker owns the in-memory run state: creation with idempotent
// retries, the per-run monotonic event log, subscriber fan-out with
// replay-from-cursor, cancellation, and background cleanup. Run rows in the
// persistence service are the canonical record; entries here are transient
// mirrors for streaming.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawrun/internal/config"
	"github.com/nextlevelbuilder/clawrun/pkg/protocol"
)

var (
	// ErrRunNotFound is returned by Subscribe for unknown run ids.
	ErrRunNotFound = errors.New("run not found")

	// ErrIdempotencyConflict is returned when an idempotency key is reused
	// with a different request fingerprint inside its TTL window.
	ErrIdempotencyConflict = errors.New("idempotency key reused with different request")
)

// EmitFunc delivers one decorated event to a subscriber. Implementations
// must not block; the broker already buffers per subscriber.
type EmitFunc func(protocol.Envelope)

// StarterFunc is the background worker body installed by StartRun.
// Returning an error (or panicking) makes the broker admit a synthetic
// error+done pair so subscribers always observe termination.
type StarterFunc func(ctx context.Context, runID string, params RunParams, emit func(protocol.RunEvent)) error

// Subscription is the result of a successful Subscribe.
type Subscription struct {
	Snapshot    Snapshot
	Replayed    int
	Truncated   bool // cursor predates the oldest buffered event
	Unsubscribe func()
}

// Broker owns the run entry map and the idempotency table.
type Broker struct {
	cfg config.BrokerConfig

	mu   sync.Mutex // guards runs; never held across I/O or entry locks
	runs map[string]*runEntry

	idem *idempotencyTable

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a broker and starts its background sweeper.
func New(cfg config.BrokerConfig) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		cfg:    cfg,
		runs:   make(map[string]*runEntry),
		idem:   newIdempotencyTable(cfg.IdempotencyTTL),
		ctx:    ctx,
		cancel: cancel,
	}
	b.wg.Add(1)
	go b.sweepLoop()
	return b
}

// Close stops the sweeper and the background context shared by workers.
func (b *Broker) Close() {
	b.cancel()
	b.wg.Wait()
}

// CreateRuntimeRun registers a new queued run, deduplicating by idempotency
// key. createFn persists the canonical run row and returns its id; it is
// only invoked for fresh requests, and a failure there propagates without
// registering anything.
func (b *Broker) CreateRuntimeRun(ctx context.Context, params RunParams, idempotencyKey, fingerprint string, createFn func(context.Context) (string, error)) (runID string, deduplicated bool, err error) {
	var idemKey string
	if idempotencyKey != "" {
		idemKey = params.WorkspaceID + ":" + idempotencyKey
		if cached, ok := b.idem.lookup(idemKey); ok {
			if cached.fingerprint != fingerprint {
				return "", false, ErrIdempotencyConflict
			}
			return cached.runID, true, nil
		}
	}

	runID, err = createFn(ctx)
	if err != nil {
		return "", false, fmt.Errorf("create run: %w", err)
	}

	entry := newRunEntry(runID, params, b.cfg.MaxEventsPerRun)
	b.mu.Lock()
	b.runs[runID] = entry
	b.mu.Unlock()

	if idemKey != "" {
		b.idem.store(idemKey, fingerprint, runID)
	}

	slog.Info("broker.run_created", "run", runID, "workspace", params.WorkspaceID, "session", params.SessionID)
	return runID, false, nil
}

// StartRun installs the background worker for a queued run, exactly once per
// entry. The worker's panics and errors are materialized as error+done.
func (b *Broker) StartRun(runID string, starter StarterFunc) error {
	entry := b.lookup(runID)
	if entry == nil {
		return ErrRunNotFound
	}

	entry.mu.Lock()
	if entry.started {
		entry.mu.Unlock()
		return fmt.Errorf("run %s already started", runID)
	}
	entry.started = true
	entry.state = StateRunning
	entry.updatedAt = time.Now().UTC()
	params := entry.params
	entry.mu.Unlock()

	emit := func(ev protocol.RunEvent) { b.Emit(runID, ev) }

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		err := b.runStarter(starter, runID, params, emit)
		if err != nil {
			slog.Warn("broker.run_worker_failed", "run", runID, "error", err)
			b.Emit(runID, protocol.Error{Message: err.Error()})
		}
		b.Emit(runID, protocol.Done{})
	}()
	return nil
}

// runStarter invokes the worker body, converting panics into errors so the
// terminal pair is always admitted.
func (b *Broker) runStarter(starter StarterFunc, runID string, params RunParams, emit func(protocol.RunEvent)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("run worker panic: %v", r)
		}
	}()
	return starter(b.ctx, runID, params, emit)
}

// Emit admits one event into the run's log and dispatches it to subscribers.
// It is a no-op for unknown runs and for terminal runs.
func (b *Broker) Emit(runID string, event protocol.RunEvent) {
	entry := b.lookup(runID)
	if entry == nil {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.admit(event)
}

// Cancel forces a run into the cancelled state, admitting a synthetic
// error+done pair. Returns false when the run is unknown or already
// terminal (normal termination won the race).
func (b *Broker) Cancel(runID, reason string) bool {
	entry := b.lookup(runID)
	if entry == nil {
		return false
	}
	if reason == "" {
		reason = "Run cancelled by user"
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.terminal {
		return false
	}
	entry.state = StateCancelled
	entry.admit(protocol.Error{Message: reason})
	entry.admit(protocol.Done{})
	slog.Info("broker.run_cancelled", "run", runID, "reason", reason)
	return true
}

// Subscribe replays buffered events with seq > cursor in order, then
// registers the emitter for live delivery. Attaching to a terminal run
// still replays the buffered tail; the caller detects terminal from the
// snapshot and closes.
func (b *Broker) Subscribe(runID string, emit EmitFunc, cursor uint64) (*Subscription, error) {
	entry := b.lookup(runID)
	if entry == nil {
		return nil, ErrRunNotFound
	}

	entry.mu.Lock()
	replay, truncated := entry.replayAfter(cursor)
	sub := &subscriber{
		id:   entry.nextSubID,
		ch:   make(chan protocol.Envelope, len(replay)+subscriberBuffer),
		stop: make(chan struct{}),
	}
	entry.nextSubID++
	for _, env := range replay {
		sub.ch <- env
	}
	entry.subs[sub.id] = sub
	snap := entry.snapshotLocked()
	entry.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case env := <-sub.ch:
				emit(env)
			case <-sub.stop:
				return
			case <-b.ctx.Done():
				return
			}
		}
	}()

	unsubscribe := func() {
		entry.mu.Lock()
		delete(entry.subs, sub.id)
		entry.mu.Unlock()
		sub.close()
	}

	return &Subscription{
		Snapshot:    snap,
		Replayed:    len(replay),
		Truncated:   truncated,
		Unsubscribe: unsubscribe,
	}, nil
}

// GetSnapshot returns the lifecycle view of a run, or nil when unknown.
func (b *Broker) GetSnapshot(runID string) *Snapshot {
	entry := b.lookup(runID)
	if entry == nil {
		return nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	snap := entry.snapshotLocked()
	return &snap
}

// Params returns the creation parameters of a run, or false when unknown.
func (b *Broker) Params(runID string) (RunParams, bool) {
	entry := b.lookup(runID)
	if entry == nil {
		return RunParams{}, false
	}
	return entry.params, true
}

func (b *Broker) lookup(runID string) *runEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runs[runID]
}

// sweepLoop periodically expires idempotency entries and removes inactive
// run entries past the retention window.
func (b *Broker) sweepLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.sweep(time.Now().UTC())
		}
	}
}

// sweep runs one cleanup pass. Exposed to tests via the clock argument.
func (b *Broker) sweep(now time.Time) {
	expired := b.idem.expire(now)
	cutoff := now.Add(-b.cfg.RunRetention)

	b.mu.Lock()
	candidates := make([]*runEntry, 0, len(b.runs))
	for _, entry := range b.runs {
		candidates = append(candidates, entry)
	}
	b.mu.Unlock()

	removed := 0
	for _, entry := range candidates {
		entry.mu.Lock()
		ok := entry.sweepable(cutoff)
		entry.mu.Unlock()
		if !ok {
			continue
		}
		b.mu.Lock()
		delete(b.runs, entry.id)
		b.mu.Unlock()
		removed++
		slog.Debug("broker.run_swept", "run", entry.id)
	}

	if removed > 0 || expired > 0 {
		slog.Debug("broker.sweep", "runs_removed", removed, "idempotency_expired", expired)
	}
}
