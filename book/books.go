package book

import "sync"

// Books is the multi-book container: Coin -> OrderBook, created lazily on
// first appearance, guarded by one exclusive mutex. The reducer holds it
// for the duration of one block application; fan-out holds it briefly for
// single-read L2 re-aggregation.
type Books struct {
	mu            sync.Mutex
	tables        map[Coin]*OrderBook
	arenaCapacity int
}

// NewBooks constructs an empty multi-book container whose books' arenas
// grow from empty.
func NewBooks() *Books {
	return NewBooksWithCapacity(0)
}

// NewBooksWithCapacity constructs an empty multi-book container that
// pre-sizes every lazily-created book's arena to capacity order slots.
func NewBooksWithCapacity(capacity int) *Books {
	return &Books{tables: make(map[Coin]*OrderBook), arenaCapacity: capacity}
}

// With runs fn with exclusive access to the book for coin, creating it if
// absent. This is the only sanctioned way to reach into a book from
// outside the package.
func (b *Books) With(coin Coin, fn func(*OrderBook)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ob, ok := b.tables[coin]
	if !ok {
		ob = NewOrderBookWithCapacity(coin, b.arenaCapacity)
		b.tables[coin] = ob
	}
	fn(ob)
}

// Coins returns the set of instruments with a book, in no particular
// order.
func (b *Books) Coins() []Coin {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Coin, 0, len(b.tables))
	for c := range b.tables {
		out = append(out, c)
	}
	return out
}
