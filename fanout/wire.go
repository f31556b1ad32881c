package fanout

import (
	"encoding/json"
	"fmt"

	"marketfeed/book"
	"marketfeed/reduce"
)

// clientRequest is the shape of an incoming subscribe/unsubscribe frame.
type clientRequest struct {
	Method       string             `json:"method"`
	Subscription subscriptionWire   `json:"subscription"`
}

type subscriptionWire struct {
	Type      string `json:"type"`
	Coin      string `json:"coin"`
	NLevels   *int   `json:"n_levels,omitempty"`
	NSigFigs  *int   `json:"n_sig_figs,omitempty"`
	Mantissa  *int   `json:"mantissa,omitempty"`
}

// ParseClientRequest decodes one client frame and resolves it to a
// validated Subscription. The returned bool is true for "subscribe",
// false for "unsubscribe".
func ParseClientRequest(raw []byte) (Subscription, bool, error) {
	var req clientRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return Subscription{}, false, fmt.Errorf("%w: malformed frame: %v", ErrSubscriptionInvalid, err)
	}

	var kind SubscriptionKind
	switch req.Subscription.Type {
	case "trades":
		kind = KindTrades
	case "l2Book":
		kind = KindL2Book
	case "l4Book":
		kind = KindL4Book
	default:
		return Subscription{}, false, fmt.Errorf("%w: unknown subscription type %q", ErrSubscriptionInvalid, req.Subscription.Type)
	}

	sub := Subscription{Kind: kind, Coin: book.Coin(req.Subscription.Coin), NLevels: DefaultL2Levels, Agg: book.Raw()}

	if kind == KindL2Book {
		if req.Subscription.NLevels != nil {
			sub.NLevels = *req.Subscription.NLevels
		}
		if req.Subscription.Mantissa != nil && req.Subscription.NSigFigs == nil {
			return Subscription{}, false, fmt.Errorf("%w: mantissa requires n_sig_figs", ErrSubscriptionInvalid)
		}
		if req.Subscription.NSigFigs != nil {
			mantissa := 1
			if req.Subscription.Mantissa != nil {
				mantissa = *req.Subscription.Mantissa
			}
			agg, err := book.SigFigs(int32(*req.Subscription.NSigFigs), int64(mantissa))
			if err != nil {
				return Subscription{}, false, fmt.Errorf("%w: %v", ErrSubscriptionInvalid, err)
			}
			sub.Agg = agg
		}
	}

	if err := validateSubscription(sub); err != nil {
		return Subscription{}, false, err
	}

	var isSubscribe bool
	switch req.Method {
	case "subscribe":
		isSubscribe = true
	case "unsubscribe":
		isSubscribe = false
	default:
		return Subscription{}, false, fmt.Errorf("%w: unknown method %q", ErrSubscriptionInvalid, req.Method)
	}
	return sub, isSubscribe, nil
}

func toSubscriptionWire(sub Subscription) subscriptionWire {
	w := subscriptionWire{Type: sub.Kind.String(), Coin: string(sub.Coin)}
	if sub.Kind == KindL2Book {
		n := sub.NLevels
		w.NLevels = &n
	}
	return w
}

type ackFrame struct {
	Channel string           `json:"channel"`
	Data    subscriptionWire `json:"data"`
}

// EncodeAck builds the subscriptionResponse acknowledgement frame.
func EncodeAck(sub Subscription) []byte {
	b, _ := json.Marshal(ackFrame{Channel: "subscriptionResponse", Data: toSubscriptionWire(sub)})
	return b
}

type rejectionData struct {
	Method       string           `json:"method"`
	Subscription subscriptionWire `json:"subscription"`
	Reason       string           `json:"reason"`
}

type rejectionFrame struct {
	Channel string        `json:"channel"`
	Data    rejectionData `json:"data"`
}

// EncodeRejection builds the rejection frame for an invalid subscribe
// request, per spec §6's "rejection frame with reason".
func EncodeRejection(method string, sub Subscription, reason error) []byte {
	b, _ := json.Marshal(rejectionFrame{
		Channel: "error",
		Data:    rejectionData{Method: method, Subscription: toSubscriptionWire(sub), Reason: reason.Error()},
	})
	return b
}

type l2Data struct {
	Coin   string           `json:"coin"`
	Time   book.Ts          `json:"time"`
	Levels [2][]book.Level  `json:"levels"` // [bids, asks]
}

type l2Frame struct {
	Channel string `json:"channel"`
	Data    l2Data `json:"data"`
}

// EncodeL2 builds the l2Book data frame for one snapshot.
func EncodeL2(snap reduce.L2Snapshot) []byte {
	b, _ := json.Marshal(l2Frame{
		Channel: "l2Book",
		Data:    l2Data{Coin: string(snap.Coin), Time: snap.Ts, Levels: [2][]book.Level{snap.Bids, snap.Asks}},
	})
	return b
}

type tradeWire struct {
	Coin string    `json:"coin"`
	Side book.Side `json:"side"`
	Px   book.Px   `json:"px"`
	Sz   book.Sz   `json:"sz"`
	Time book.Ts   `json:"time"`
	Hash string    `json:"hash"`
	Tid  string    `json:"tid"`
}

type tradesFrame struct {
	Channel string      `json:"channel"`
	Data    []tradeWire `json:"data"`
}

// EncodeTrades builds the trades data frame for one block's fills.
func EncodeTrades(msg reduce.TradesMsg) []byte {
	wire := make([]tradeWire, 0, len(msg.Fills))
	for _, f := range msg.Fills {
		wire = append(wire, tradeWire{Coin: string(f.Coin), Side: f.Side, Px: f.Px, Sz: f.Sz, Time: f.Ts, Hash: f.Hash, Tid: f.Tid})
	}
	b, _ := json.Marshal(tradesFrame{Channel: "trades", Data: wire})
	return b
}

type l4EventWire struct {
	Kind string     `json:"kind"`
	Oid  book.Oid   `json:"oid"`
	Side *book.Side `json:"side,omitempty"`
	Px   *book.Px   `json:"px,omitempty"`
	Sz   *book.Sz   `json:"sz,omitempty"`
	Ts   *book.Ts   `json:"ts,omitempty"`
}

type l4Data struct {
	Coin       string        `json:"coin"`
	IsSnapshot bool          `json:"isSnapshot"`
	Time       book.Ts       `json:"time"`
	Events     []l4EventWire `json:"events"`
}

type l4Frame struct {
	Channel string `json:"channel"`
	Data    l4Data `json:"data"`
}

// EncodeL4 builds the l4Book data frame for a block's order-level events.
func EncodeL4(msg reduce.L4UpdateMsg, isSnapshot bool, ts book.Ts) []byte {
	events := make([]l4EventWire, 0, len(msg.Events))
	for _, e := range msg.Events {
		events = append(events, l4EventWire{Kind: e.Kind, Oid: e.Oid, Side: e.Side, Px: e.Px, Sz: e.Sz, Ts: e.Ts})
	}
	b, _ := json.Marshal(l4Frame{Channel: "l4Book", Data: l4Data{Coin: string(msg.Coin), IsSnapshot: isSnapshot, Time: ts, Events: events}})
	return b
}

// encodeL4Snapshot builds the initial full l4Book snapshot sent when a
// subscription transitions Pending → Active, expressed as one synthetic
// "add" event per live order.
func encodeL4Snapshot(coin book.Coin, ts book.Ts, orders []book.Order) []byte {
	events := make([]l4EventWire, 0, len(orders))
	for _, o := range orders {
		side, px, sz, oTs := o.Side, o.Px, o.Sz, o.Ts
		events = append(events, l4EventWire{Kind: "add", Oid: o.Oid, Side: &side, Px: &px, Sz: &sz, Ts: &oTs})
	}
	b, _ := json.Marshal(l4Frame{Channel: "l4Book", Data: l4Data{Coin: string(coin), IsSnapshot: true, Time: ts, Events: events}})
	return b
}
