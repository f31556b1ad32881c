package book

import "testing"

func TestNewBooksWithCapacityPreSizesArenas(t *testing.T) {
	books := NewBooksWithCapacity(64)

	var arenaCap int
	books.With("ETH", func(ob *OrderBook) {
		arenaCap = cap(ob.arena.nodes)
	})
	if arenaCap != 64 {
		t.Fatalf("expected lazily-created book's arena to pre-size to 64, got %d", arenaCap)
	}
}

func TestNewBooksGrowsFromEmpty(t *testing.T) {
	books := NewBooks()

	var arenaCap int
	books.With("ETH", func(ob *OrderBook) {
		arenaCap = cap(ob.arena.nodes)
	})
	if arenaCap != 0 {
		t.Fatalf("expected default NewBooks arena to start empty, got capacity %d", arenaCap)
	}
}

func TestBooksCoins(t *testing.T) {
	books := NewBooks()
	books.With("ETH", func(ob *OrderBook) {})
	books.With("BTC", func(ob *OrderBook) {})

	coins := books.Coins()
	if len(coins) != 2 {
		t.Fatalf("expected 2 coins, got %v", coins)
	}
}
