package lpmath

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
)

func TestTickToPriceMonotonic(t *testing.T) {
	ticks := []int32{-887272, -500000, -1000, -101, -100, -1, 0, 1, 100, 101, 1000, 500000, 887272}
	for i := 1; i < len(ticks); i++ {
		lower := TickToPrice(ticks[i-1])
		upper := TickToPrice(ticks[i])
		if !lower.LessThan(upper) {
			t.Fatalf("price not increasing: tick %d=%s, tick %d=%s", ticks[i-1], lower, ticks[i], upper)
		}
	}

	for tick := int32(-50); tick < 50; tick++ {
		if tickPrice(tick).Cmp(tickPrice(tick+1)) >= 0 {
			t.Fatalf("price not increasing at tick %d", tick)
		}
	}
}

func TestTickToPriceKnownValues(t *testing.T) {
	if !TickToPrice(0).Equal(decimal.NewFromInt(1)) {
		t.Fatalf("tick 0 price: %s", TickToPrice(0))
	}
	assertClose(t, TickToPrice(1), "1.0001", "1e-30")
	assertClose(t, TickToPrice(-1), "0.999900009999000099990000999900009999", "1e-30")
}

func TestSqrtPriceX96ToPriceReference(t *testing.T) {
	sqrtPrice, _ := new(big.Int).SetString("1829744519839346793014845", 10)
	got := SqrtPriceX96ToPrice(sqrtPrice)
	assertClose(t, got, "0.000000000533361597281150498986684227365749527", "1e-9")
	assertClose(t, got, "0.000000000533361597281150498986684227365749527", "1e-35")

	q96 := new(big.Int).Lsh(big.NewInt(1), 96)
	if !SqrtPriceX96ToPrice(q96).Equal(decimal.NewFromInt(1)) {
		t.Fatalf("2^96 should map to price 1, got %s", SqrtPriceX96ToPrice(q96))
	}
}

func TestSqrtPriceX96ToPriceLargeInput(t *testing.T) {
	q192 := new(big.Int).Lsh(big.NewInt(1), 192)
	got := SqrtPriceX96ToPrice(q192)
	want := decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), 192), 0)
	diff := got.Sub(want).Abs().Div(want)
	if diff.GreaterThan(decimal.RequireFromString("1e-18")) {
		t.Fatalf("relative error too large: got %s want %s", got, want)
	}
}

func TestSqrtPriceX96ToPriceZero(t *testing.T) {
	if !SqrtPriceX96ToPrice(nil).IsZero() {
		t.Fatalf("nil input should be zero")
	}
	if !SqrtPriceX96ToPrice(big.NewInt(0)).IsZero() {
		t.Fatalf("zero input should be zero")
	}
}

func assertClose(t *testing.T, got decimal.Decimal, want string, tol string) {
	t.Helper()
	w := decimal.RequireFromString(want)
	if got.Sub(w).Abs().GreaterThan(decimal.RequireFromString(tol)) {
		t.Fatalf("value mismatch: got %s want %s (tol %s)", got, want, tol)
	}
}
