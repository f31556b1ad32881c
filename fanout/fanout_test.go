package fanout

import (
	"encoding/json"
	"testing"

	"marketfeed/book"
	"marketfeed/logger"
	"marketfeed/reduce"
)

func newTestFanout() (*Fanout, *book.Books) {
	books := book.NewBooks()
	return New(books, logger.GetLogger()), books
}

func TestParseClientRequestValid(t *testing.T) {
	raw := []byte(`{"method":"subscribe","subscription":{"type":"l2Book","coin":"ETH","n_levels":20,"n_sig_figs":4,"mantissa":1}}`)
	sub, isSubscribe, err := ParseClientRequest(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !isSubscribe || sub.Kind != KindL2Book || sub.Coin != "ETH" || sub.NLevels != 20 {
		t.Fatalf("unexpected subscription: %+v isSubscribe=%v", sub, isSubscribe)
	}
}

func TestParseClientRequestRejectsBadNLevels(t *testing.T) {
	raw := []byte(`{"method":"subscribe","subscription":{"type":"l2Book","coin":"ETH","n_levels":0}}`)
	_, _, err := ParseClientRequest(raw)
	if err == nil {
		t.Fatal("expected rejection for n_levels=0")
	}
}

func TestParseClientRequestMantissaRequiresSigFigs(t *testing.T) {
	raw := []byte(`{"method":"subscribe","subscription":{"type":"l2Book","coin":"ETH","mantissa":5}}`)
	_, _, err := ParseClientRequest(raw)
	if err == nil {
		t.Fatal("expected rejection for mantissa without n_sig_figs")
	}
}

// drainOne reads exactly one already-enqueued frame from c.Out(),
// failing the test if none is available.
func drainOne(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case frame := <-c.Out():
		return frame
	default:
		t.Fatal("expected a frame to have been enqueued")
		return nil
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	f, _ := newTestFanout()
	c := NewClient("c1", 8)
	f.Register(c)

	f.HandleRequest(c, []byte(`{"method":"subscribe","subscription":{"type":"trades","coin":"BTC"}}`))
	ack := drainOne(t, c)

	var ackFrame struct {
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(ack, &ackFrame); err != nil || ackFrame.Channel != "subscriptionResponse" {
		t.Fatalf("expected subscriptionResponse ack, got %s", ack)
	}
	select {
	case extra := <-c.Out():
		t.Fatalf("expected no initial snapshot for a trades subscription, got %s", extra)
	default:
	}

	// duplicate subscribe on Active is a no-op success.
	f.HandleRequest(c, []byte(`{"method":"subscribe","subscription":{"type":"trades","coin":"BTC"}}`))
	drainOne(t, c)

	// unsubscribe on Absent is a no-op success.
	f.HandleRequest(c, []byte(`{"method":"unsubscribe","subscription":{"type":"trades","coin":"ETH"}}`))
	drainOne(t, c)
}

func TestL4SubscribeSendsInitialSnapshot(t *testing.T) {
	f, books := newTestFanout()
	books.With("ETH", func(ob *book.OrderBook) {
		if err := ob.Add(book.Order{Oid: 1, Coin: "ETH", Side: book.Bid, Px: book.MustPx("10"), Sz: book.MustSz("1")}); err != nil {
			t.Fatal(err)
		}
	})

	c := NewClient("c1", 8)
	f.Register(c)
	f.HandleRequest(c, []byte(`{"method":"subscribe","subscription":{"type":"l4Book","coin":"ETH"}}`))

	drainOne(t, c) // ack
	initial := drainOne(t, c)

	var frame struct {
		Channel string `json:"channel"`
		Data    struct {
			IsSnapshot bool `json:"isSnapshot"`
			Events     []struct {
				Oid book.Oid `json:"oid"`
			} `json:"events"`
		} `json:"data"`
	}
	if err := json.Unmarshal(initial, &frame); err != nil {
		t.Fatal(err)
	}
	if !frame.Data.IsSnapshot || len(frame.Data.Events) != 1 || frame.Data.Events[0].Oid != 1 {
		t.Fatalf("unexpected snapshot frame: %+v", frame)
	}

	entries := c.matching(KindL4Book, "ETH")
	if len(entries) != 1 || entries[0].state != StateActive {
		t.Fatalf("expected L4 subscription active only after its snapshot was enqueued, got %+v", entries)
	}
}

func TestPublishBackpressureDisconnects(t *testing.T) {
	f, _ := newTestFanout()
	c := NewClient("c1", 1)
	f.Register(c)
	f.HandleRequest(c, []byte(`{"method":"subscribe","subscription":{"type":"trades","coin":"BTC"}}`))
	drainOne(t, c) // ack, frees the single queue slot for the test below

	// Fill the queue beyond capacity: first publish succeeds, second
	// overflows and disconnects the client.
	msg := reduce.TradesMsg{Coin: "BTC", Block: 1, Fills: []reduce.Trade{{Coin: "BTC", Sz: book.MustSz("1"), Px: book.MustPx("1")}}}
	f.publishTrades(msg)
	f.publishTrades(msg)

	f.mu.RLock()
	_, stillRegistered := f.clients["c1"]
	f.mu.RUnlock()
	if stillRegistered {
		t.Fatal("expected client to be disconnected after queue overflow")
	}
}

func TestSubscribeRejectsPastLimit(t *testing.T) {
	f, _ := newTestFanout()
	c := NewClientWithLimits("c1", 8, 1)
	f.Register(c)

	f.HandleRequest(c, []byte(`{"method":"subscribe","subscription":{"type":"trades","coin":"BTC"}}`))
	drainOne(t, c) // ack, at the limit now

	f.HandleRequest(c, []byte(`{"method":"subscribe","subscription":{"type":"trades","coin":"ETH"}}`))
	rejection := drainOne(t, c)

	var frame struct {
		Channel string `json:"channel"`
		Data    struct {
			Reason string `json:"reason"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rejection, &frame); err != nil || frame.Channel != "error" {
		t.Fatalf("expected rejection frame, got %s", rejection)
	}
	if entries := c.matching(KindTrades, "ETH"); len(entries) != 0 {
		t.Fatalf("expected the over-limit subscription to stay Absent, got %+v", entries)
	}
}

func TestHandleRequestClampsL2LevelsToConfiguredMax(t *testing.T) {
	books := book.NewBooks()
	f := NewWithLimits(books, logger.GetLogger(), 5)
	c := NewClient("c1", 8)
	f.Register(c)

	f.HandleRequest(c, []byte(`{"method":"subscribe","subscription":{"type":"l2Book","coin":"ETH","n_levels":50}}`))
	drainOne(t, c) // ack

	entries := c.matching(KindL2Book, "ETH")
	if len(entries) != 1 || entries[0].sub.NLevels != 5 {
		t.Fatalf("expected n_levels clamped to 5, got %+v", entries)
	}
}

func TestPublishL2ActivatesPendingSubscription(t *testing.T) {
	f, _ := newTestFanout()
	c := NewClient("c1", 8)
	f.Register(c)
	f.HandleRequest(c, []byte(`{"method":"subscribe","subscription":{"type":"l2Book","coin":"ETH"}}`))
	drainOne(t, c) // ack

	entries := c.matching(KindL2Book, "ETH")
	if len(entries) != 1 || entries[0].state != StatePending {
		t.Fatalf("expected pending L2 subscription, got %+v", entries)
	}

	f.publishL2(reduce.L2Snapshot{Coin: "ETH", Block: 1, Bids: []book.Level{{Px: book.MustPx("10"), Sz: book.MustSz("1"), Count: 1}}})

	entries = c.matching(KindL2Book, "ETH")
	if len(entries) != 1 || entries[0].state != StateActive {
		t.Fatalf("expected L2 subscription active after first snapshot, got %+v", entries)
	}
	select {
	case <-c.Out():
	default:
		t.Fatal("expected an L2 frame to have been enqueued")
	}
}
