// Package indexer is the Indexing Supervisor (spec.md §4.2): the loop that
// dials the chain adapter, advances the state engine block by block, and
// retries with capped exponential backoff on failure.
//
// Grounded on original_source/blockstackd.py's `get_index_range` /
// `index_blockchain` loop: fresh client handle per iteration, a backoff
// formula of `wait = min(wait*2 + random()*wait, 60)`, an "indexing" flag
// set for the duration of a sync pass, and a confirmations lag so the
// indexer never processes a block the chain might still reorg away.
package indexer

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/blockstack/blockstackd-go/atlas"
	"github.com/blockstack/blockstackd-go/chainclient"
	"github.com/blockstack/blockstackd-go/common"
	blocklog "github.com/blockstack/blockstackd-go/log"
	"github.com/blockstack/blockstackd-go/stateengine"
)

var logger = blocklog.NewModuleLogger(blocklog.ModuleIndexer)

var blocksIndexedCounter = common.Counter("indexer/blocks_indexed")

const (
	// NumConfirmations is the reorg-safety lag: the supervisor only syncs
	// up to (chain tip - NumConfirmations).
	NumConfirmations = 6

	// ReindexFrequency is how often, once caught up, the supervisor polls
	// for new blocks.
	ReindexFrequency = 60 * time.Second

	maxBackoff = 60 * time.Second
)

// Dialer opens a fresh chain adapter connection; the supervisor calls this
// once per sync iteration rather than holding one connection open, so a
// stuck or disconnected node only stalls a single iteration.
type Dialer func() (chainclient.Adapter, error)

// CrashMarker persists an "indexing in progress" flag (spec.md §4.6), set
// and cleared around every sync pass. A flag left on disk after an unclean
// exit shows the process stopped mid-sync; the lifecycle supervisor removes
// it at the next startup without reading it.
type CrashMarker interface {
	MarkIndexingStarted() error
	MarkIndexingStopped() error
}

// Supervisor drives one Engine from one Dialer.
type Supervisor struct {
	dial   Dialer
	engine *stateengine.Engine
	atlas  *atlas.Subsystem
	marker CrashMarker

	running  int32 // atomic bool
	indexing int32 // atomic bool
}

func New(dial Dialer, engine *stateengine.Engine, atl *atlas.Subsystem) *Supervisor {
	return &Supervisor{dial: dial, engine: engine, atlas: atl}
}

// SetCrashMarker wires the lifecycle supervisor's persisted indexing flag.
// Optional: a nil marker just skips the persistence step.
func (s *Supervisor) SetCrashMarker(m CrashMarker) { s.marker = m }

// IsRunning reports whether Run's loop is currently active.
func (s *Supervisor) IsRunning() bool { return atomic.LoadInt32(&s.running) != 0 }

// IsIndexing reports whether a sync pass is in progress (getinfo's
// "indexing" field).
func (s *Supervisor) IsIndexing() bool { return atomic.LoadInt32(&s.indexing) != 0 }

// Stop requests the loop exit at its next poll (spec.md §4.6: shutdown only
// clears the running flag, it never force-kills the loop mid-block).
func (s *Supervisor) Stop() { atomic.StoreInt32(&s.running, 0) }

// Run is the supervisor's main loop. It blocks until ctx is cancelled or
// Stop is called; callers run it in its own goroutine.
func (s *Supervisor) Run(ctx context.Context) {
	atomic.StoreInt32(&s.running, 1)
	wait := time.Second

	for s.IsRunning() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := s.syncPass(ctx)
		if err != nil {
			if fe, ok := err.(*fatalSyncError); ok {
				// spec.md §4.2 step 8 / §7: an error out of the state engine's
				// replay means the Name DB can no longer be trusted to be in
				// order — this must abort the process, not retry, since
				// retrying would silently skip the failed block and corrupt
				// every record replayed after it.
				logger.Crit("state engine replay failed, aborting", "err", fe.err.Error())
				return
			}
			logger.Warn("sync pass failed, backing off", "wait", wait.String(), "err", err.Error())
			if !sleepRunning(ctx, s, wait) {
				return
			}
			wait = nextBackoff(wait)
			continue
		}
		wait = time.Second

		if n == 0 {
			// Caught up: poll at REINDEX_FREQUENCY, checking the running
			// flag once a second so Stop() takes effect promptly.
			if !sleepPollingRunning(ctx, s, ReindexFrequency) {
				return
			}
		}
	}
}

// nextBackoff doubles wait and adds jitter up to the current value, capped
// at maxBackoff — the original's `min(wait*2 + random()*wait, 60)`.
func nextBackoff(wait time.Duration) time.Duration {
	jitter := time.Duration(rand.Int63n(int64(wait) + 1))
	next := wait*2 + jitter
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}

func sleepRunning(ctx context.Context, s *Supervisor, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return s.IsRunning()
	}
}

// sleepPollingRunning sleeps up to d, checking once a second whether the
// running flag was cleared, so Stop() is responsive even during the long
// between-blocks poll interval.
func sleepPollingRunning(ctx context.Context, s *Supervisor, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if !s.IsRunning() {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
	}
	return s.IsRunning()
}

// syncPass dials a fresh adapter, advances the engine as far as
// confirmations allow, and triggers an Atlas catch-up. Returns the number
// of blocks advanced.
func (s *Supervisor) syncPass(ctx context.Context) (int, error) {
	adapter, err := s.dial()
	if err != nil {
		return 0, err
	}
	defer adapter.Close()

	atomic.StoreInt32(&s.indexing, 1)
	defer atomic.StoreInt32(&s.indexing, 0)
	if s.marker != nil {
		if err := s.marker.MarkIndexingStarted(); err != nil {
			logger.Warn("failed to persist indexing flag", "err", err.Error())
		}
		defer func() {
			if err := s.marker.MarkIndexingStopped(); err != nil {
				logger.Warn("failed to clear indexing flag", "err", err.Error())
			}
		}()
	}

	_, tip, err := adapter.IndexRange(ctx)
	if err != nil || tip == nil {
		if err == nil {
			err = errBadIndexRange
		}
		return 0, err
	}

	effectiveTip := *tip - NumConfirmations
	advanced := 0
	for next := s.engine.LastBlock() + 1; next <= effectiveTip; next++ {
		select {
		case <-ctx.Done():
			return advanced, nil
		default:
		}
		if _, err := s.engine.Sync(ctx, adapter, next); err != nil {
			return advanced, &fatalSyncError{err: err}
		}
		advanced++
		blocksIndexedCounter.Inc(1)
	}

	if advanced > 0 && s.atlas != nil {
		s.atlas.TriggerCatchup()
	}
	return advanced, nil
}

var errBadIndexRange = &indexRangeError{}

type indexRangeError struct{}

func (*indexRangeError) Error() string { return "indexer: chain adapter returned no tip height" }

// fatalSyncError marks an error as unrecoverable: the state engine failed to
// replay a block onto the Name DB. Unlike a dial/index-range failure, this
// must never be retried — Run treats it as a signal to abort the process.
type fatalSyncError struct{ err error }

func (e *fatalSyncError) Error() string { return e.err.Error() }
func (e *fatalSyncError) Unwrap() error { return e.err }
