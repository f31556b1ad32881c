package ingest

import (
	"context"

	"marketfeed/book"
)

// SourceEventKind discriminates the variants of SourceEvent.
type SourceEventKind int

const (
	EventStatus SourceEventKind = iota
	EventDiff
	EventFill
	EventBlockMarker
	EventSnapshot
)

// StreamKind distinguishes which of the two block-paired streams a
// BlockMarker closes.
type StreamKind int

const (
	StreamStatus StreamKind = iota
	StreamDiff
)

// SourceEvent is the single decoded unit yielded by an EventSource. Only
// the fields relevant to Kind are populated.
type SourceEvent struct {
	Kind SourceEventKind

	Block book.Block // EventBlockMarker, and the block a Status/Diff belongs to
	Coin  book.Coin

	Status Status
	Diff   Diff
	Fill   Fill

	Marker StreamKind // EventBlockMarker only

	Snapshot Snapshot // EventSnapshot only
}

// EventSource is the external collaborator the core depends on but does
// not implement: a time-ordered sequence of status/fill/diff records with
// block-boundary markers, plus on-demand authoritative snapshots. The
// on-disk or on-wire byte format is deliberately unspecified here; see
// FileSource for one concrete realization.
type EventSource interface {
	// Next blocks until the next decoded record is available, or ctx is
	// cancelled.
	Next(ctx context.Context) (SourceEvent, error)
	// FetchSnapshot polls for the current authoritative snapshot.
	FetchSnapshot(ctx context.Context) (Snapshot, error)
}
