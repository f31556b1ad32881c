// Package book implements the per-instrument order book engine: the
// in-memory structure that mirrors a venue's live orders with O(1)
// cancellation, and the primitive value types shared by the rest of the
// pipeline.
package book

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Coin identifies a perpetual-futures instrument.
type Coin string

// Oid is a 64-bit order identifier, globally unique within a run.
type Oid uint64

// Block is a monotonic, non-negative sequence number for venue state
// advancement.
type Block uint64

// Ts is a millisecond timestamp.
type Ts int64

// Side is one leg of the book.
type Side int8

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	if s == Bid {
		return "B"
	}
	return "A"
}

// MarshalJSON renders Side in the wire protocol's single-letter form.
func (s Side) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses the wire protocol's single-letter Side.
func (s *Side) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw {
	case "B":
		*s = Bid
	case "A":
		*s = Ask
	default:
		return fmt.Errorf("book: invalid side %q", raw)
	}
	return nil
}

// Px is a fixed-point price, strictly positive for any order resting in a
// book. The venue defines the decimal scale; Px itself just carries
// whatever precision it was constructed with.
type Px struct {
	d decimal.Decimal
}

// NewPx parses a decimal price string. Returns InvalidPrice if the value
// is not strictly positive.
func NewPx(s string) (Px, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Px{}, fmt.Errorf("book: parse price %q: %w", s, err)
	}
	return PxFromDecimal(d)
}

// PxFromDecimal wraps an already-parsed decimal as a Px, validating sign.
func PxFromDecimal(d decimal.Decimal) (Px, error) {
	if d.Sign() <= 0 {
		return Px{}, fmt.Errorf("%w: price %s is not positive", ErrInvalidPrice, d.String())
	}
	return Px{d: d}, nil
}

// MustPx parses a price and panics on error; for tests and constant seed
// data only.
func MustPx(s string) Px {
	p, err := NewPx(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Px) Decimal() decimal.Decimal { return p.d }
func (p Px) String() string           { return p.d.String() }
func (p Px) Cmp(o Px) int             { return p.d.Cmp(o.d) }
func (p Px) Equal(o Px) bool          { return p.d.Equal(o.d) }

func (p Px) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.d.String())
}

func (p *Px) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("book: parse price %q: %w", raw, err)
	}
	p.d = d
	return nil
}

// Sz is a fixed-point size; zero-valued Sz means depleted / not live.
type Sz struct {
	d decimal.Decimal
}

// NewSz parses a decimal size string. Returns InvalidSize if negative.
func NewSz(s string) (Sz, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Sz{}, fmt.Errorf("book: parse size %q: %w", s, err)
	}
	return SzFromDecimal(d)
}

// SzFromDecimal wraps an already-parsed decimal as a Sz, validating sign.
func SzFromDecimal(d decimal.Decimal) (Sz, error) {
	if d.Sign() < 0 {
		return Sz{}, fmt.Errorf("%w: size %s is negative", ErrInvalidSize, d.String())
	}
	return Sz{d: d}, nil
}

// MustSz parses a size and panics on error; for tests and constant seed
// data only.
func MustSz(s string) Sz {
	z, err := NewSz(s)
	if err != nil {
		panic(err)
	}
	return z
}

func (z Sz) Decimal() decimal.Decimal { return z.d }
func (z Sz) String() string           { return z.d.String() }
func (z Sz) IsZero() bool             { return z.d.IsZero() }
func (z Sz) Add(o Sz) Sz              { return Sz{d: z.d.Add(o.d)} }
func (z Sz) Sub(o Sz) Sz              { return Sz{d: z.d.Sub(o.d)} }

func (z Sz) MarshalJSON() ([]byte, error) {
	return json.Marshal(z.d.String())
}

func (z *Sz) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("book: parse size %q: %w", raw, err)
	}
	z.d = d
	return nil
}

// Order is one resting order. Meta carries opaque client-provided
// metadata untouched by the engine.
type Order struct {
	Oid  Oid
	Coin Coin
	Side Side
	Px   Px
	Sz   Sz
	Ts   Ts
	Meta json.RawMessage
}

// Live reports whether the order currently has non-zero size. An order
// removed from the book always reports false once its Sz has been zeroed.
func (o Order) Live() bool { return !o.Sz.IsZero() }

// Level is a derived, aggregated view of one price point; never stored
// primarily, always recomputed from live orders.
type Level struct {
	Px    Px  `json:"px"`
	Sz    Sz  `json:"sz"`
	Count int `json:"n"`
}
