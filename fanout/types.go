// Package fanout routes internal messages produced by the Reducer to
// subscribed clients, applying per-client filtering, L2 re-aggregation,
// and the backpressure-via-disconnect policy. Grounded on the teacher's
// internal/channel/fobs bounded-channel-with-drop-stats shape, generalized
// from one fixed downstream consumer to an arbitrary, dynamically
// subscribing client set.
package fanout

import (
	"fmt"

	"marketfeed/book"
)

// SubscriptionKind is the channel a client subscribes to.
type SubscriptionKind int

const (
	KindTrades SubscriptionKind = iota
	KindL2Book
	KindL4Book
)

func (k SubscriptionKind) String() string {
	switch k {
	case KindTrades:
		return "trades"
	case KindL2Book:
		return "l2Book"
	case KindL4Book:
		return "l4Book"
	default:
		return "unknown"
	}
}

// DefaultL2Levels is the n_levels applied when a subscribe request omits
// it.
const DefaultL2Levels = 20

// DefaultMaxL2Levels is the operator-configured L2 depth cap applied
// when no narrower book.MaxLevelsPerSide bound is configured, matching
// the protocol-level n_levels ceiling of validateSubscription.
const DefaultMaxL2Levels = 100

// Subscription is one client's declared interest in a (kind, coin[,
// options]) tuple, per spec §4.4.
type Subscription struct {
	Kind    SubscriptionKind
	Coin    book.Coin
	NLevels int
	Agg     book.Aggregation
}

// subKey identifies a subscription slot within a client's subscription
// set; a client holds at most one subscription per (kind, coin).
type subKey struct {
	kind SubscriptionKind
	coin book.Coin
}

func (s Subscription) key() subKey { return subKey{s.kind(), s.Coin} }

func (s Subscription) kind() SubscriptionKind { return s.Kind }

// validateSubscription checks that coin is set and, for L2 subscriptions,
// that n_levels ∈ [1,100]. n_sig_figs and mantissa are not checked here;
// ParseClientRequest and book.SigFigs validate them. Non-L2
// subscriptions carry no aggregation options.
func validateSubscription(sub Subscription) error {
	if sub.Coin == "" {
		return fmt.Errorf("%w: coin is required", ErrSubscriptionInvalid)
	}
	if sub.Kind != KindL2Book {
		return nil
	}
	if sub.NLevels < 1 || sub.NLevels > 100 {
		return fmt.Errorf("%w: n_levels %d out of range [1,100]", ErrSubscriptionInvalid, sub.NLevels)
	}
	return nil
}
