// Package ingestor is the top-level supervisor: it drives the Event
// Source, feeds the Batcher, triggers the Reducer on every successfully
// paired block, publishes the result through the Fan-out, and owns the
// heartbeat and snapshot-polling timers. Grounded on the teacher's
// main.go task-lifecycle shape (start goroutines, select on a signal
// channel, cancel context, wait with a shutdown timeout) generalized
// from a fixed set of exchange readers to the three cooperative tasks
// of spec §5.
package ingestor

import (
	"context"
	"errors"
	"time"

	"marketfeed/book"
	"marketfeed/fanout"
	"marketfeed/ingest"
	"marketfeed/internal/metrics"
	"marketfeed/logger"
	"marketfeed/reduce"
)

// Exit codes, per spec §6.
const (
	ExitClean                 = 0
	ExitHeartbeatOrChannel    = 1
	ExitDivergenceOrInvariant = 2
)

// Supervisor is the Ingestor task plus its Snapshot task, wired to one
// Reducer and one Fan-out over a shared multi-book container.
type Supervisor struct {
	source  ingest.EventSource
	batcher *ingest.Batcher
	reducer *reduce.Reducer
	fan     *fanout.Fanout
	log     *logger.Log

	idleTimeout      time.Duration
	snapshotInterval time.Duration
}

// New constructs a Supervisor whose Reducer publishes the default
// top-100 L2 depth. seedBlock is the block number the authoritative
// seed snapshot was taken at; the Batcher only accepts records for
// blocks after it.
func New(source ingest.EventSource, seedBlock book.Block, backlogCapacity int, books *book.Books, fan *fanout.Fanout, log *logger.Log, idleTimeout, snapshotInterval time.Duration) *Supervisor {
	return NewWithLimits(source, seedBlock, backlogCapacity, books, fan, log, idleTimeout, snapshotInterval, 0)
}

// NewWithLimits constructs a Supervisor whose Reducer caps published L2
// depth at maxLevelsPerSide, per spec §4.1's n_levels invariant.
// maxLevelsPerSide <= 0 falls back to the default of 100.
func NewWithLimits(source ingest.EventSource, seedBlock book.Block, backlogCapacity int, books *book.Books, fan *fanout.Fanout, log *logger.Log, idleTimeout, snapshotInterval time.Duration, maxLevelsPerSide int) *Supervisor {
	return &Supervisor{
		source:           source,
		batcher:          ingest.NewBatcher(seedBlock, backlogCapacity),
		reducer:          reduce.NewReducerWithLimit(books, maxLevelsPerSide),
		fan:              fan,
		log:              log,
		idleTimeout:      idleTimeout,
		snapshotInterval: snapshotInterval,
	}
}

type sourceResult struct {
	ev  ingest.SourceEvent
	err error
}

// Run drives the core until a fatal condition or ctx cancellation.
// The returned int is the process exit code per spec §6.
func (s *Supervisor) Run(ctx context.Context) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan sourceResult, 1)
	go s.readLoop(ctx, events)

	snapshots := make(chan ingest.Snapshot, 1)
	go s.snapshotLoop(ctx, snapshots)

	idle := time.NewTimer(s.idleTimeout)
	defer idle.Stop()

	var pendingSnap *ingest.Snapshot

	for {
		select {
		case <-ctx.Done():
			return ExitClean

		case snap := <-snapshots:
			snapCopy := snap
			pendingSnap = &snapCopy

		case res, ok := <-events:
			if !ok {
				return ExitClean
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.idleTimeout)

			if res.err != nil {
				if errors.Is(res.err, ingest.ErrParse) {
					s.log.WithComponent("ingestor").WithError(res.err).Warn("dropping malformed record")
					continue
				}
				if ctx.Err() != nil {
					return ExitClean
				}
				s.log.WithComponent("ingestor").WithError(res.err).Error("event source failed")
				return ExitHeartbeatOrChannel
			}

			if code, fatal := s.handleEvent(res.ev, &pendingSnap); fatal {
				return code
			}

		case <-idle.C:
			s.log.WithComponent("ingestor").WithError(ErrHeartbeatExpired).Error("no record received within idle timeout")
			return ExitHeartbeatOrChannel
		}
	}
}

func (s *Supervisor) readLoop(ctx context.Context, out chan<- sourceResult) {
	defer close(out)
	for {
		ev, err := s.source.Next(ctx)
		select {
		case out <- sourceResult{ev, err}:
		case <-ctx.Done():
			return
		}
		if err != nil && ctx.Err() != nil {
			return
		}
	}
}

func (s *Supervisor) snapshotLoop(ctx context.Context, out chan<- ingest.Snapshot) {
	ticker := time.NewTicker(s.snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			snap, err := s.source.FetchSnapshot(fetchCtx)
			cancel()
			if err != nil {
				// SourceTransient: retried on next tick, never fatal by
				// itself.
				s.log.WithComponent("snapshot").WithError(err).Warn("snapshot fetch failed, will retry")
				continue
			}
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
		}
	}
}

// handleEvent feeds one decoded SourceEvent into the Batcher and drains
// every block that becomes ready as a result, applying each to the
// Reducer and publishing through the Fan-out.
func (s *Supervisor) handleEvent(ev ingest.SourceEvent, pendingSnap **ingest.Snapshot) (exitCode int, fatal bool) {
	var err error
	switch ev.Kind {
	case ingest.EventStatus:
		err = s.batcher.IngestStatus(ev.Block, ev.Status)
	case ingest.EventDiff:
		err = s.batcher.IngestDiff(ev.Block, ev.Diff)
	case ingest.EventFill:
		// Fill records require no cross-stream pairing (spec §4.2); they
		// are folded into the status stream as a Filled status so the
		// already-paired batch carries every fill alongside its diffs.
		err = s.batcher.IngestStatus(ev.Block, ingest.Status{
			Kind: ingest.StatusFilled, Coin: ev.Fill.Coin, Oid: ev.Fill.MakerOid,
			TakerOid: ev.Fill.TakerOid, Side: ev.Fill.Side, Px: ev.Fill.Px, Sz: ev.Fill.Sz, Ts: ev.Fill.Ts,
		})
	case ingest.EventBlockMarker:
		if ev.Marker == ingest.StreamStatus {
			err = s.batcher.MarkStatusEnd(ev.Block)
		} else {
			err = s.batcher.MarkDiffEnd(ev.Block)
		}
	case ingest.EventSnapshot:
		snapCopy := ev.Snapshot
		*pendingSnap = &snapCopy
	}
	if err != nil {
		s.log.WithComponent("ingestor").WithError(err).Error("batcher rejected record, stream has diverged")
		return ExitDivergenceOrInvariant, true
	}

	for {
		blk, statuses, diffs, ok := s.batcher.TryPop()
		if !ok {
			return 0, false
		}

		var snap *ingest.Snapshot
		if *pendingSnap != nil && (*pendingSnap).Block == blk {
			snap = *pendingSnap
			*pendingSnap = nil
		}

		res, err := s.reducer.ApplyBlock(blk, statuses, diffs, snap)
		if err != nil {
			s.log.WithComponent("ingestor").WithError(err).Error("block application failed")
			return ExitDivergenceOrInvariant, true
		}
		s.fan.Publish(res)

		metrics.Record(s.log, "ingestor", "block_applied", uint64(blk), "counter", nil)
		metrics.Record(s.log, "ingestor", "batcher_pending", s.batcher.Pending(), "gauge", nil)
	}
}
