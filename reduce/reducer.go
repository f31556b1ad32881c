package reduce

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"marketfeed/book"
	"marketfeed/ingest"
	"marketfeed/logger"
)

// defaultTopNLevels is the aggregated L2 depth published for every
// touched coin when no narrower MaxLevelsPerSide bound is configured.
const defaultTopNLevels = 100

// Reducer applies one paired block to a multi-book container and derives
// the internal messages routed to the Fan-out. Grounded on the
// consume-one-raw-unit / produce-normalized-messages / log-a-structured-
// entry-per-step shape of a stream flattener, specialized to spec §4.3's
// exact six-step algorithm.
type Reducer struct {
	books      *book.Books
	topNLevels int
}

// NewReducer constructs a Reducer over the given multi-book container
// that publishes the default top-100 L2 depth.
func NewReducer(books *book.Books) *Reducer {
	return NewReducerWithLimit(books, defaultTopNLevels)
}

// NewReducerWithLimit constructs a Reducer that publishes up to
// topNLevels aggregated L2 levels per side, per spec §4.1's n_levels
// invariant. topNLevels <= 0 falls back to the default of 100.
func NewReducerWithLimit(books *book.Books, topNLevels int) *Reducer {
	if topNLevels <= 0 {
		topNLevels = defaultTopNLevels
	}
	return &Reducer{books: books, topNLevels: topNLevels}
}

// ApplyBlock runs the six-step algorithm of spec §4.3 for one paired
// block. snap is nil unless an authoritative snapshot happens to be
// available for this exact block. Any error is fatal to the whole core:
// diffs already applied before the failing one remain applied, matching
// the "any in-block fault is process-fatal" policy (no staged rollback).
func (r *Reducer) ApplyBlock(blk book.Block, statuses []ingest.Status, diffs []ingest.Diff, snap *ingest.Snapshot) (Result, error) {
	start := time.Now()
	perCoinL4 := make(map[book.Coin][]L4Event)
	touched := make(map[book.Coin]struct{})
	lastTs := make(map[book.Coin]book.Ts)

	// Step 1 + 2: apply diffs in recorded order, deriving L4 events as we go.
	for _, d := range diffs {
		ev, err := r.applyDiff(d)
		if err != nil {
			return Result{}, fmt.Errorf("reduce: block %d coin %s: %w", blk, d.Coin, err)
		}
		perCoinL4[d.Coin] = append(perCoinL4[d.Coin], ev)
		touched[d.Coin] = struct{}{}
		if d.Ts != 0 {
			lastTs[d.Coin] = d.Ts
		}
	}

	// Step 3: derive fills from Filled statuses. The book is never
	// touched here — it is already consistent with the diffs by
	// construction, per spec.
	perCoinTrades := make(map[book.Coin][]Trade)
	for _, s := range statuses {
		if s.Kind != ingest.StatusFilled {
			continue
		}
		trade := Trade{
			Coin: s.Coin, Side: s.Side, Px: s.Px, Sz: s.Sz, Ts: s.Ts,
			MakerOid: s.Oid, TakerOid: s.TakerOid,
			Hash: uuid.NewString(), Tid: uuid.NewString(),
		}
		perCoinTrades[s.Coin] = append(perCoinTrades[s.Coin], trade)
		touched[s.Coin] = struct{}{}
		if s.Ts != 0 {
			lastTs[s.Coin] = s.Ts
		}
	}

	result := Result{}
	for coin, events := range perCoinL4 {
		result.L4 = append(result.L4, L4UpdateMsg{Coin: coin, Block: blk, Events: events})
	}
	for coin, fills := range perCoinTrades {
		result.Trades = append(result.Trades, TradesMsg{Coin: coin, Block: blk, Fills: fills})
		logger.IncrementTradesEmitted(string(coin), len(fills))
	}

	// Step 4: aggregated L2 top-100 for every touched coin.
	for coin := range touched {
		var bids, asks []book.Level
		r.books.With(coin, func(ob *book.OrderBook) {
			bids = ob.TopN(book.Bid, r.topNLevels, book.Raw())
			asks = ob.TopN(book.Ask, r.topNLevels, book.Raw())
		})
		result.L2 = append(result.L2, L2Snapshot{Coin: coin, Block: blk, Ts: lastTs[coin], Bids: bids, Asks: asks})
	}

	// Step 5: cross-check against the authoritative snapshot, if paired
	// with this block.
	if snap != nil {
		if err := r.crossCheck(*snap); err != nil {
			return Result{}, err
		}
	}

	latency := time.Since(start)
	for coin := range touched {
		logger.IncrementBlockApplied(string(coin), latency)
	}

	return result, nil
}

func (r *Reducer) applyDiff(d ingest.Diff) (L4Event, error) {
	var ev L4Event
	var applyErr error
	r.books.With(d.Coin, func(ob *book.OrderBook) {
		switch d.Kind {
		case ingest.DiffAdd:
			order := book.Order{Oid: d.Oid, Coin: d.Coin, Side: d.Side, Px: d.Px, Sz: d.Sz, Ts: d.Ts}
			if err := ob.Add(order); err != nil {
				applyErr = err
				return
			}
			side, px, sz, ts := d.Side, d.Px, d.Sz, d.Ts
			ev = L4Event{Kind: "add", Oid: d.Oid, Side: &side, Px: &px, Sz: &sz, Ts: &ts}

		case ingest.DiffRemove:
			if _, err := ob.Cancel(d.Oid); err != nil {
				applyErr = err
				return
			}
			ev = L4Event{Kind: "cancel", Oid: d.Oid}

		case ingest.DiffResize:
			if _, _, err := ob.ModifySize(d.Oid, d.Sz); err != nil {
				applyErr = err
				return
			}
			sz := d.Sz
			ev = L4Event{Kind: "resize", Oid: d.Oid, Sz: &sz}
		}
	})
	return ev, applyErr
}

// crossCheck compares every coin the engine holds live orders for
// against the authoritative snapshot, not just the coins the snapshot
// happens to list: a coin missing from snap.PerCoin is treated as an
// empty authoritative set, so an engine that still carries orders for a
// coin the snapshot silently dropped is caught as a divergence too.
func (r *Reducer) crossCheck(snap ingest.Snapshot) error {
	coins := make(map[book.Coin]struct{}, len(snap.PerCoin))
	for coin := range snap.PerCoin {
		coins[coin] = struct{}{}
	}
	for _, coin := range r.books.Coins() {
		coins[coin] = struct{}{}
	}

	for coin := range coins {
		authoritative := snap.PerCoin[coin]

		var engineOrders []book.Order
		r.books.With(coin, func(ob *book.OrderBook) {
			engineOrders = ob.Snapshot()
		})

		type key struct {
			oid  book.Oid
			side book.Side
			px   string
			sz   string
		}
		engineSet := make(map[key]int, len(engineOrders))
		for _, o := range engineOrders {
			engineSet[key{o.Oid, o.Side, o.Px.String(), o.Sz.String()}]++
		}
		authSet := make(map[key]int, len(authoritative))
		for _, o := range authoritative {
			authSet[key{o.Oid, o.Side, o.Px.String(), o.Sz.String()}]++
		}

		for k, n := range authSet {
			if engineSet[k] != n {
				logger.IncrementDivergence(string(coin))
				return fmt.Errorf("%w: coin=%s oid=%d missing from engine (authoritative has %d, engine has %d)",
					ErrSnapshotDivergence, coin, k.oid, n, engineSet[k])
			}
		}
		for k, n := range engineSet {
			if authSet[k] != n {
				logger.IncrementDivergence(string(coin))
				return fmt.Errorf("%w: coin=%s oid=%d present in engine but not in authoritative snapshot", ErrSnapshotDivergence, coin, k.oid)
			}
		}
	}
	return nil
}
