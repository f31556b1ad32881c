package fanout

import (
	"fmt"
	"sync"

	"marketfeed/book"
)

// ClientState is a subscription's position in the per-subscription state
// machine of spec §4.4: Absent → Pending(needs snapshot) → Active →
// Absent.
type ClientState int

const (
	StateAbsent ClientState = iota
	StatePending
	StateActive
)

type subEntry struct {
	state ClientState
	sub   Subscription
}

// DisconnectReason records why a client's outgoing queue was closed, so
// the transport can report a close code that reflects the actual cause
// instead of one fixed value.
type DisconnectReason int

const (
	ReasonNormal DisconnectReason = iota
	ReasonLagged
	ReasonInvalidFrame
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonLagged:
		return "lagged"
	case ReasonInvalidFrame:
		return "invalid_frame"
	default:
		return "normal"
	}
}

// Client is one connected client's subscription set and bounded outgoing
// queue. Frames are opaque []byte: the fanout package serializes to JSON
// before enqueuing so a full queue never blocks on encoding. Every write
// to the client's connection is expected to happen from a single writer
// goroutine draining Out(); acks, initial snapshots, and broadcasts all
// flow through the same queue so that goroutine is the only writer.
type Client struct {
	ID string

	mu   sync.Mutex
	subs map[subKey]*subEntry

	out     chan []byte
	closed  bool
	reason  DisconnectReason
	maxSubs int
}

// NewClient constructs a Client with a bounded outgoing queue of the
// given depth and no cap on concurrent subscriptions.
func NewClient(id string, queueSize int) *Client {
	return NewClientWithLimits(id, queueSize, 0)
}

// NewClientWithLimits constructs a Client with a bounded outgoing queue
// and a cap on concurrent (kind,coin) subscriptions. maxSubs <= 0 means
// unlimited, per spec §4.4.
func NewClientWithLimits(id string, queueSize, maxSubs int) *Client {
	return &Client{
		ID:      id,
		subs:    make(map[subKey]*subEntry),
		out:     make(chan []byte, queueSize),
		maxSubs: maxSubs,
	}
}

// Out returns the channel the client's write task drains.
func (c *Client) Out() <-chan []byte {
	return c.out
}

// enqueue attempts a non-blocking send. A full queue means the client is
// lagging; the caller is responsible for disconnecting per the
// backpressure-via-disconnect policy — this method never selectively
// drops and retries, it reports the failure once.
func (c *Client) enqueue(frame []byte) bool {
	select {
	case c.out <- frame:
		return true
	default:
		return false
	}
}

// subscribe adds sub in Pending state, or is a no-op if the subscription
// is already Active. Returns the resulting state, or ErrTooManySubscriptions
// if adding a new (kind,coin) slot would exceed the client's subscription
// cap.
func (c *Client) subscribe(sub Subscription) (ClientState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := sub.key()
	entry, ok := c.subs[k]
	if ok && entry.state == StateActive {
		return StateActive, nil
	}
	if !ok && c.maxSubs > 0 && len(c.subs) >= c.maxSubs {
		return StateAbsent, fmt.Errorf("%w: client has %d subscriptions, limit %d", ErrTooManySubscriptions, len(c.subs), c.maxSubs)
	}
	c.subs[k] = &subEntry{state: StatePending, sub: sub}
	return StatePending, nil
}

// unsubscribe transitions a subscription to Absent. A no-op if it was
// already Absent.
func (c *Client) unsubscribe(kind SubscriptionKind, coin string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, subKey{kind, book.Coin(coin)})
}

// activate transitions a Pending subscription to Active, e.g. once its
// initial snapshot has been sent.
func (c *Client) activate(k subKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.subs[k]; ok {
		e.state = StateActive
	}
}

// matching returns a snapshot of every entry whose key matches (kind,
// coin), regardless of state — callers decide what to do with Pending
// vs Active.
func (c *Client) matching(kind SubscriptionKind, coin string) []subEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []subEntry
	for k, e := range c.subs {
		if k.kind == kind && string(k.coin) == coin {
			out = append(out, *e)
		}
	}
	return out
}

// close marks the client closed and closes its outgoing queue so its
// write task observes end-of-stream. Safe to call more than once; only
// the first call's reason is recorded.
func (c *Client) close(reason DisconnectReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.reason = reason
	close(c.out)
}

// Reason reports why the client's outgoing queue was closed. Only
// meaningful once Out() has been drained to closure.
func (c *Client) Reason() DisconnectReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}
