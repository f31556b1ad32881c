package fanout

import (
	"fmt"
	"sync"

	"marketfeed/book"
	"marketfeed/internal/metrics"
	"marketfeed/logger"
	"marketfeed/reduce"
)

// Fanout routes Reducer output to subscribed clients and owns the
// client registry. One Fanout instance serves every connected client;
// per-client state lives in Client.
type Fanout struct {
	books       *book.Books
	log         *logger.Log
	maxL2Levels int

	mu      sync.RWMutex
	clients map[string]*Client
}

// New constructs a Fanout bound to the multi-book container used for L2
// re-aggregation and L4 initial snapshots, capping L2 subscriptions at
// the protocol default of 100 levels per side.
func New(books *book.Books, log *logger.Log) *Fanout {
	return NewWithLimits(books, log, DefaultMaxL2Levels)
}

// NewWithLimits constructs a Fanout that clamps every L2Book
// subscription's requested depth to maxL2Levels, per spec §4.1's
// n_levels invariant. maxL2Levels <= 0 falls back to the protocol
// default of 100.
func NewWithLimits(books *book.Books, log *logger.Log, maxL2Levels int) *Fanout {
	if maxL2Levels <= 0 {
		maxL2Levels = DefaultMaxL2Levels
	}
	return &Fanout{books: books, log: log, maxL2Levels: maxL2Levels, clients: make(map[string]*Client)}
}

// Register adds a client to the broadcast set.
func (f *Fanout) Register(c *Client) {
	f.mu.Lock()
	f.clients[c.ID] = c
	active := len(f.clients)
	f.mu.Unlock()
	logger.SetClientCounts(int64(active), 0)
}

// Unregister removes and closes a client with ReasonNormal. Safe to call
// more than once.
func (f *Fanout) Unregister(id string) {
	f.disconnect(id, ReasonNormal)
}

// UnregisterWithReason removes and closes a client, recording why —
// e.g. the transport detected something other than a clean
// client-initiated close. A no-op if the client was already
// disconnected, in which case the original reason is kept.
func (f *Fanout) UnregisterWithReason(id string, reason DisconnectReason) {
	f.disconnect(id, reason)
}

func (f *Fanout) disconnect(id string, reason DisconnectReason) {
	f.mu.Lock()
	c, ok := f.clients[id]
	if ok {
		delete(f.clients, id)
	}
	active := len(f.clients)
	f.mu.Unlock()
	if !ok {
		return
	}
	c.close(reason)
	logger.SetClientCounts(int64(active), 1)
	if reason == ReasonLagged {
		logger.IncrementBacklogDropped()
	}
}

// HandleRequest applies one decoded subscribe/unsubscribe request to a
// client, enqueuing the resulting ack (and, for a fresh L4Book
// subscribe, the initial snapshot) on the client's outgoing queue — the
// same queue Publish delivers through, and the only queue the
// transport's single writer goroutine drains. A subscription is only
// activated after its initial snapshot has actually been enqueued, so a
// concurrent Publish can never observe Active and deliver a diff ahead
// of the snapshot it depends on.
func (f *Fanout) HandleRequest(c *Client, raw []byte) {
	sub, isSubscribe, err := ParseClientRequest(raw)
	if err != nil {
		f.send(c, EncodeRejection("subscribe", sub, err))
		return
	}

	if !isSubscribe {
		c.unsubscribe(sub.Kind, string(sub.Coin))
		f.send(c, EncodeAck(sub))
		return
	}

	if sub.Kind == KindL2Book && sub.NLevels > f.maxL2Levels {
		sub.NLevels = f.maxL2Levels
	}

	state, err := c.subscribe(sub)
	if err != nil {
		f.send(c, EncodeRejection("subscribe", sub, err))
		return
	}
	if state == StateActive {
		// Duplicate subscribe on an Active subscription: no-op success.
		f.send(c, EncodeAck(sub))
		return
	}

	switch sub.Kind {
	case KindTrades:
		// No snapshot needed; enqueue the ack, then mark Active.
		f.send(c, EncodeAck(sub))
		c.activate(sub.key())

	case KindL2Book:
		// The first L2Snapshot message itself is the initial state; stay
		// Pending until the reducer's next publish for this coin, then
		// Publish activates it once the snapshot has been enqueued.
		f.send(c, EncodeAck(sub))

	case KindL4Book:
		var (
			orders []book.Order
			ts     book.Ts
		)
		f.books.With(sub.Coin, func(ob *book.OrderBook) {
			orders = ob.Snapshot()
		})
		f.send(c, EncodeAck(sub))
		f.send(c, encodeL4Snapshot(sub.Coin, ts, orders))
		c.activate(sub.key())

	default:
		f.send(c, EncodeAck(sub))
	}
}

// Publish fans one Reducer Result out to every registered client,
// preserving the per-(coin,block) ordering L4Update, Trades, L2Snapshot
// required by spec §5. Clients whose queue is full are disconnected
// per the backpressure policy; clients are never selectively skipped
// within a message.
func (f *Fanout) Publish(res reduce.Result) {
	for _, msg := range res.L4 {
		f.publishL4(msg)
	}
	for _, msg := range res.Trades {
		f.publishTrades(msg)
	}
	for _, snap := range res.L2 {
		f.publishL2(snap)
	}
}

func (f *Fanout) snapshotClients() []*Client {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*Client, 0, len(f.clients))
	for _, c := range f.clients {
		out = append(out, c)
	}
	return out
}

func (f *Fanout) publishL4(msg reduce.L4UpdateMsg) {
	frame := EncodeL4(msg, false, 0)
	for _, c := range f.snapshotClients() {
		for _, e := range c.matching(KindL4Book, string(msg.Coin)) {
			if e.state != StateActive {
				continue
			}
			f.send(c, frame)
		}
	}
}

func (f *Fanout) publishTrades(msg reduce.TradesMsg) {
	frame := EncodeTrades(msg)
	for _, c := range f.snapshotClients() {
		for _, e := range c.matching(KindTrades, string(msg.Coin)) {
			if e.state != StateActive {
				continue
			}
			f.send(c, frame)
		}
	}
}

func (f *Fanout) publishL2(snap reduce.L2Snapshot) {
	for _, c := range f.snapshotClients() {
		for _, e := range c.matching(KindL2Book, string(snap.Coin)) {
			frame := f.renderL2(snap, e.sub)
			f.send(c, frame)
			if e.state == StatePending {
				c.activate(e.sub.key())
			}
		}
	}
}

// renderL2 returns the raw top-100 snapshot as-is when the subscription
// asks for the default view, and re-aggregates from the live book
// otherwise, per spec §4.4's routing rule.
func (f *Fanout) renderL2(snap reduce.L2Snapshot, sub Subscription) []byte {
	if sub.NLevels >= len(snap.Bids) && sub.NLevels >= len(snap.Asks) && sub.Agg == book.Raw() {
		return EncodeL2(snap)
	}

	var bids, asks []book.Level
	f.books.With(snap.Coin, func(ob *book.OrderBook) {
		bids = ob.TopN(book.Bid, sub.NLevels, sub.Agg)
		asks = ob.TopN(book.Ask, sub.NLevels, sub.Agg)
	})
	return EncodeL2(reduce.L2Snapshot{Coin: snap.Coin, Block: snap.Block, Ts: snap.Ts, Bids: bids, Asks: asks})
}

// send enqueues frame on c's outgoing queue and disconnects c on
// overflow. Never called with the fanout lock held.
func (f *Fanout) send(c *Client, frame []byte) {
	if c.enqueue(frame) {
		return
	}
	f.log.WithComponent("fanout").WithFields(logger.Fields{"client": c.ID}).
		Warn(fmt.Sprintf("%v: disconnecting slow client", ErrClientLagged))
	metrics.Record(f.log, "fanout", "client_disconnected_lagged", 1, "counter", logger.Fields{"client": c.ID})
	f.disconnect(c.ID, ReasonLagged)
}
