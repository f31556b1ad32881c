package ingestor

import (
	"context"
	"sync"
	"testing"
	"time"

	"marketfeed/book"
	"marketfeed/fanout"
	"marketfeed/ingest"
	"marketfeed/logger"
)

// fakeSource replays a fixed sequence of events, then blocks until ctx is
// cancelled (simulating an idle live tail).
type fakeSource struct {
	mu     sync.Mutex
	events []ingest.SourceEvent
	i      int
}

func (f *fakeSource) Next(ctx context.Context) (ingest.SourceEvent, error) {
	f.mu.Lock()
	if f.i < len(f.events) {
		ev := f.events[f.i]
		f.i++
		f.mu.Unlock()
		return ev, nil
	}
	f.mu.Unlock()

	<-ctx.Done()
	return ingest.SourceEvent{}, ctx.Err()
}

func (f *fakeSource) FetchSnapshot(ctx context.Context) (ingest.Snapshot, error) {
	<-ctx.Done()
	return ingest.Snapshot{}, ctx.Err()
}

func marker(block book.Block, stream ingest.StreamKind) ingest.SourceEvent {
	return ingest.SourceEvent{Kind: ingest.EventBlockMarker, Block: block, Marker: stream}
}

func TestSupervisorAppliesBlocksAndPublishes(t *testing.T) {
	src := &fakeSource{events: []ingest.SourceEvent{
		{Kind: ingest.EventDiff, Block: 1, Diff: ingest.Diff{Kind: ingest.DiffAdd, Coin: "ETH", Oid: 1, Side: book.Bid, Px: book.MustPx("10"), Sz: book.MustSz("1")}},
		marker(1, ingest.StreamDiff),
		marker(1, ingest.StreamStatus),
	}}

	books := book.NewBooks()
	fan := fanout.New(books, logger.GetLogger())
	client := fanout.NewClient("c1", 8)
	fan.Register(client)
	fan.HandleRequest(client, []byte(`{"method":"subscribe","subscription":{"type":"l2Book","coin":"ETH"}}`))
	<-client.Out() // drain the subscribe ack

	sup := New(src, 0, 64, books, fan, logger.GetLogger(), 200*time.Millisecond, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	code := sup.Run(ctx)
	if code != ExitClean {
		t.Fatalf("expected clean exit from context cancellation, got %d", code)
	}

	select {
	case frame := <-client.Out():
		if len(frame) == 0 {
			t.Fatal("expected a non-empty L2 frame")
		}
	default:
		t.Fatal("expected an L2 frame to have been published")
	}
}

func TestSupervisorHeartbeatExpires(t *testing.T) {
	src := &fakeSource{}
	books := book.NewBooks()
	fan := fanout.New(books, logger.GetLogger())
	sup := New(src, 0, 64, books, fan, logger.GetLogger(), 20*time.Millisecond, time.Hour)

	code := sup.Run(context.Background())
	if code != ExitHeartbeatOrChannel {
		t.Fatalf("expected heartbeat exit code, got %d", code)
	}
}

func TestSupervisorFatalOnUnknownOid(t *testing.T) {
	src := &fakeSource{events: []ingest.SourceEvent{
		{Kind: ingest.EventDiff, Block: 1, Diff: ingest.Diff{Kind: ingest.DiffRemove, Coin: "ETH", Oid: 999}},
		marker(1, ingest.StreamDiff),
		marker(1, ingest.StreamStatus),
	}}
	books := book.NewBooks()
	fan := fanout.New(books, logger.GetLogger())
	sup := New(src, 0, 64, books, fan, logger.GetLogger(), time.Hour, time.Hour)

	code := sup.Run(context.Background())
	if code != ExitDivergenceOrInvariant {
		t.Fatalf("expected invariant-violation exit code, got %d", code)
	}
}
