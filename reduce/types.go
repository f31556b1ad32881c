// Package reduce implements the block reducer: applies one paired block
// to the Book Engine, derives the internal messages routed to the
// Fan-out, and cross-checks against an authoritative snapshot.
package reduce

import "marketfeed/book"

// L4Event is one order-level book mutation, in the exact shape the wire
// protocol's l4Book events array expects. Only the fields relevant to
// Kind are set; the others are nil so they are omitted from the wire
// frame.
type L4Event struct {
	Kind string     `json:"kind"` // "add" | "cancel" | "resize"
	Oid  book.Oid   `json:"oid"`
	Side *book.Side `json:"side,omitempty"`
	Px   *book.Px   `json:"px,omitempty"`
	Sz   *book.Sz   `json:"sz,omitempty"`
	Ts   *book.Ts   `json:"ts,omitempty"`
}

// Trade is a matched fill derived from a StatusFilled status record.
type Trade struct {
	Coin     book.Coin
	Side     book.Side // taker side
	Px       book.Px
	Sz       book.Sz
	Ts       book.Ts
	MakerOid book.Oid
	TakerOid book.Oid
	Hash     string
	Tid      string
}

// L2Snapshot is the aggregated top-of-book view for one coin at one
// block.
type L2Snapshot struct {
	Coin  book.Coin
	Block book.Block
	Ts    book.Ts
	Bids  []book.Level
	Asks  []book.Level
}

// TradesMsg carries every fill derived for one coin at one block.
type TradesMsg struct {
	Coin  book.Coin
	Block book.Block
	Fills []Trade
}

// L4UpdateMsg carries every order-level event derived for one coin at one
// block, in diff-stream order.
type L4UpdateMsg struct {
	Coin   book.Coin
	Block  book.Block
	Events []L4Event
}

// Result is everything one ApplyBlock call produced, grouped by message
// type. Within a coin, publish order is L4Update, Trades, L2Snapshot per
// spec; cross-coin ordering is unspecified, so callers may range over
// each slice independently.
type Result struct {
	L4     []L4UpdateMsg
	Trades []TradesMsg
	L2     []L2Snapshot
}
