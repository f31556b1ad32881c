package book

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Aggregation is the price-rounding policy used by top_n.
type Aggregation struct {
	raw      bool
	sigFigs  int32 // k in {2,3,4,5}
	mantissa int64 // in {1,2,5}
}

// Raw is the identity aggregation: true prices, one level per raw price.
func Raw() Aggregation { return Aggregation{raw: true} }

// SigFigs rounds each price to k significant figures and snaps to the
// nearest multiple of mantissa * 10^(exponent-k+1), per spec: bids round
// down, asks round up, so quoted levels never look more aggressive than
// reality.
func SigFigs(k int32, mantissa int64) (Aggregation, error) {
	if k < 2 || k > 5 {
		return Aggregation{}, fmt.Errorf("book: n_sig_figs %d out of range [2,5]", k)
	}
	switch mantissa {
	case 1, 2, 5:
	default:
		return Aggregation{}, fmt.Errorf("book: mantissa %d must be one of {1,2,5}", mantissa)
	}
	return Aggregation{sigFigs: k, mantissa: mantissa}, nil
}

// round maps a raw price to its aggregated bucket key for the given side.
// Bids round toward zero (down); asks round away from zero (up).
func (a Aggregation) round(px Px, side Side) Px {
	if a.raw {
		return px
	}

	d := px.d
	exp := int32(math.Floor(math.Log10(mustFloat(d))))
	step := int32(a.sigFigs) - 1 - exp // number of decimal places retained before mantissa snapping
	scale := decimal.New(1, -step)     // 10^(-step); step may be negative for large prices

	var scaled decimal.Decimal
	if side == Bid {
		scaled = d.Div(scale).Truncate(0) // toward zero, i.e. down for positive prices
	} else {
		scaled = divRoundUp(d, scale)
	}
	rounded := scaled.Mul(scale)

	if a.mantissa != 1 {
		unit := scale.Mul(decimal.NewFromInt(a.mantissa))
		q := rounded.Div(unit)
		if side == Bid {
			q = q.Truncate(0)
		} else {
			q = ceilDecimal(q)
		}
		rounded = q.Mul(unit)
	}

	out, err := PxFromDecimal(rounded)
	if err != nil {
		// Rounding cannot make a positive price non-positive except in
		// pathological underflow; fall back to the raw price rather than
		// propagate an aggregation artifact as a book error.
		return px
	}
	return out
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// divRoundUp computes ceil(a/b) for positive a, b using decimal exact
// arithmetic (no float roundoff at the boundary).
func divRoundUp(a, b decimal.Decimal) decimal.Decimal {
	q := a.DivRound(b, 0)
	if q.Mul(b).LessThan(a) {
		q = q.Add(decimal.NewFromInt(1))
	}
	return q
}

func ceilDecimal(d decimal.Decimal) decimal.Decimal {
	t := d.Truncate(0)
	if t.LessThan(d) {
		return t.Add(decimal.NewFromInt(1))
	}
	return t
}
