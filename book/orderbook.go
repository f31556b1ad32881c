package book

import "fmt"

type orderRef struct {
	side Side
	h    handle
}

// OrderBook is the per-instrument mirror of a venue's live orders. All
// operations complete in bounded time without blocking; the exclusive
// borrow discipline (who may call these methods when) is enforced by the
// caller, not by this type — see the multi-book container in books.go.
type OrderBook struct {
	coin  Coin
	bids  *priceTree // best = max price
	asks  *priceTree // best = min price
	arena *arena
	index map[Oid]orderRef
}

// NewOrderBook constructs an empty book for coin whose arena grows from
// empty.
func NewOrderBook(coin Coin) *OrderBook {
	return NewOrderBookWithCapacity(coin, 0)
}

// NewOrderBookWithCapacity constructs an empty book for coin whose arena
// pre-allocates capacity order slots, avoiding reallocation churn once
// the book reaches its expected depth.
func NewOrderBookWithCapacity(coin Coin, capacity int) *OrderBook {
	return &OrderBook{
		coin:  coin,
		bids:  newPriceTree(),
		asks:  newPriceTree(),
		arena: newArena(capacity),
		index: make(map[Oid]orderRef),
	}
}

func (b *OrderBook) Coin() Coin { return b.coin }

func (b *OrderBook) treeFor(side Side) *priceTree {
	if side == Bid {
		return b.bids
	}
	return b.asks
}

// Add inserts order at the back of its price bucket's queue.
func (b *OrderBook) Add(o Order) error {
	if o.Px.d.Sign() <= 0 {
		return fmt.Errorf("%w: oid=%d coin=%s", ErrInvalidPrice, o.Oid, o.Coin)
	}
	if o.Sz.d.Sign() < 0 {
		return fmt.Errorf("%w: oid=%d coin=%s", ErrInvalidSize, o.Oid, o.Coin)
	}
	if _, exists := b.index[o.Oid]; exists {
		return fmt.Errorf("%w: oid=%d coin=%s", ErrDuplicateOid, o.Oid, o.Coin)
	}

	level := b.treeFor(o.Side).getOrCreate(o.Px)
	h := b.arena.alloc(o)
	level.pushBack(b.arena, h)
	b.index[o.Oid] = orderRef{side: o.Side, h: h}
	return nil
}

// Cancel removes the order identified by oid and returns its previous
// state.
func (b *OrderBook) Cancel(oid Oid) (Order, error) {
	ref, ok := b.index[oid]
	if !ok {
		return Order{}, fmt.Errorf("%w: oid=%d", ErrUnknownOid, oid)
	}
	node := b.arena.get(ref.h)
	prev := node.order
	tree := b.treeFor(ref.side)
	level := tree.find(prev.Px)
	level.remove(b.arena, ref.h)
	b.arena.release(ref.h)
	delete(b.index, oid)
	if level.empty() {
		tree.deleteAt(prev.Px)
	}
	return prev, nil
}

// ModifySize changes the order's size in place without changing its queue
// position. new_sz=0 is equivalent to Cancel.
func (b *OrderBook) ModifySize(oid Oid, newSz Sz) (oldSz, resultSz Sz, err error) {
	ref, ok := b.index[oid]
	if !ok {
		return Sz{}, Sz{}, fmt.Errorf("%w: oid=%d", ErrUnknownOid, oid)
	}
	if newSz.d.Sign() < 0 {
		return Sz{}, Sz{}, fmt.Errorf("%w: oid=%d", ErrInvalidSize, oid)
	}

	node := b.arena.get(ref.h)
	old := node.order.Sz

	if newSz.IsZero() {
		if _, cerr := b.Cancel(oid); cerr != nil {
			return old, Sz{}, cerr
		}
		return old, Sz{}, nil
	}

	level := b.treeFor(ref.side).find(node.order.Px)
	level.resize(old, newSz)
	node.order.Sz = newSz
	return old, newSz, nil
}

// MatchFill decrements the maker order's size by sz, removing it if it
// reaches zero. found is false if oid is not currently live (e.g. a diff
// already removed it earlier in the same block); the book is left
// untouched in that case.
func (b *OrderBook) MatchFill(oid Oid, sz Sz) (found bool, remaining Sz, err error) {
	ref, ok := b.index[oid]
	if !ok {
		return false, Sz{}, nil
	}
	node := b.arena.get(ref.h)
	newSz := node.order.Sz.Sub(sz)
	if newSz.d.Sign() < 0 {
		return false, Sz{}, fmt.Errorf("%w: oid=%d fill %s exceeds resting size %s", ErrInvalidSize, oid, sz.String(), node.order.Sz.String())
	}
	_, resultSz, err := b.ModifySize(oid, newSz)
	if err != nil {
		return false, Sz{}, err
	}
	return true, resultSz, nil
}

// TopN returns up to n best price levels, aggregated per agg. Levels
// merge on shared aggregated price; the walk stops at the first level
// whose aggregated price would start an (n+1)th bucket, so the nth
// bucket includes every level that rounds into it.
func (b *OrderBook) TopN(side Side, n int, agg Aggregation) []Level {
	if n <= 0 {
		return []Level{}
	}

	tree := b.treeFor(side)
	walk := tree.walkAscending
	if side == Bid {
		walk = tree.walkDescending
	}

	levels := make([]Level, 0, n)
	walk(func(pl *priceLevel) bool {
		key := agg.round(pl.px, side)
		if len(levels) > 0 && levels[len(levels)-1].Px.Equal(key) {
			last := &levels[len(levels)-1]
			last.Sz = last.Sz.Add(pl.totalSz)
			last.Count += pl.count
			return true
		}
		if len(levels) == n {
			return false
		}
		levels = append(levels, Level{Px: key, Sz: pl.totalSz, Count: pl.count})
		return true
	})
	return levels
}

// IterOrders visits live orders on side in price-time (best-first) order,
// stopping early if fn returns false.
func (b *OrderBook) IterOrders(side Side, fn func(Order) bool) {
	tree := b.treeFor(side)
	walk := tree.walkAscending
	if side == Bid {
		walk = tree.walkDescending
	}
	walk(func(pl *priceLevel) bool {
		for h := pl.head; h != handleNil; h = b.arena.get(h).next {
			if !fn(b.arena.get(h).order) {
				return false
			}
		}
		return true
	})
}

// Snapshot returns every live order, for equivalence comparison against
// an authoritative snapshot. Order is unspecified.
func (b *OrderBook) Snapshot() []Order {
	out := make([]Order, 0, len(b.index))
	for _, ref := range b.index {
		out = append(out, b.arena.get(ref.h).order)
	}
	return out
}

// Len reports the number of live orders.
func (b *OrderBook) Len() int { return len(b.index) }
