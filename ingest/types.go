// Package ingest buffers order-status and raw-diff records by block
// number and releases them to the Reducer only once a block is fully
// paired — the Batcher of the pipeline.
package ingest

import "marketfeed/book"

// DiffKind identifies a raw book-diff record's operation.
type DiffKind int

const (
	DiffAdd DiffKind = iota
	DiffRemove
	DiffResize
)

// Diff is one primitive book mutation sourced authoritatively from the
// node.
type Diff struct {
	Kind DiffKind
	Coin book.Coin
	Oid  book.Oid
	Side book.Side // meaningful for DiffAdd only
	Px   book.Px   // meaningful for DiffAdd only
	Sz   book.Sz   // meaningful for DiffAdd and DiffResize
	Ts   book.Ts   // meaningful for DiffAdd only
}

// StatusKind identifies an order-lifecycle event.
type StatusKind int

const (
	StatusOpen StatusKind = iota
	StatusModify
	StatusCancel
	StatusReject
	StatusFilled
)

// Status is an order-lifecycle event used to derive fills and to
// corroborate diffs. Fields beyond Kind/Coin/Oid are populated according
// to Kind; StatusFilled populates TakerOid/Side/Px/Sz/Ts to derive a
// trade message.
type Status struct {
	Kind     StatusKind
	Coin     book.Coin
	Oid      book.Oid // maker oid
	TakerOid book.Oid // StatusFilled only
	Side     book.Side
	Px       book.Px
	Sz       book.Sz
	Ts       book.Ts
}

// Fill is a matched trade between a maker (resting) and taker (incoming)
// order. The ingestor feeds fills into the batcher's status stream as
// Filled statuses, so they are released together with their block.
type Fill struct {
	Coin     book.Coin
	MakerOid book.Oid
	TakerOid book.Oid
	Side     book.Side // taker side
	Px       book.Px
	Sz       book.Sz
	Ts       book.Ts
}

// Snapshot is the full set of live orders per coin at a given block, the
// equivalence oracle for the reducer's cross-check.
type Snapshot struct {
	Block    book.Block
	PerCoin  map[book.Coin][]book.Order
}
