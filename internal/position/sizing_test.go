package position

import (
	"context"
	"errors"
	"math"
	"testing"

	"tradegate/internal/exchange"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestCalculatePositionSize(t *testing.T) {
	t.Run("fixed amount", func(t *testing.T) {
		m, _, store, _ := newTestManager(t)
		if err := store.Set("sizing.fixed_amount", 250.0); err != nil {
			t.Fatal(err)
		}
		qty, err := m.CalculatePositionSize(context.Background(), "BTCUSDT", 100)
		if err != nil {
			t.Fatal(err)
		}
		if !almostEqual(qty, 2.5) {
			t.Errorf("qty = %v, want 2.5", qty)
		}
	})

	t.Run("fixed percent of available balance", func(t *testing.T) {
		m, _, store, _ := newTestManager(t)
		if err := store.Set("sizing.method", SizingFixedPercent); err != nil {
			t.Fatal(err)
		}
		// 5% от 1000 = 50 USDT по цене 100
		qty, err := m.CalculatePositionSize(context.Background(), "BTCUSDT", 100)
		if err != nil {
			t.Fatal(err)
		}
		if !almostEqual(qty, 0.5) {
			t.Errorf("qty = %v, want 0.5", qty)
		}
	})

	t.Run("clamped to min notional", func(t *testing.T) {
		m, _, store, _ := newTestManager(t)
		if err := store.Set("sizing.fixed_amount", 1.0); err != nil {
			t.Fatal(err)
		}
		// Нотионал 1 < min 10 - поднимается до 10
		qty, err := m.CalculatePositionSize(context.Background(), "BTCUSDT", 100)
		if err != nil {
			t.Fatal(err)
		}
		if !almostEqual(qty, 0.1) {
			t.Errorf("qty = %v, want 0.1", qty)
		}
	})

	t.Run("clamped to max notional", func(t *testing.T) {
		m, _, store, _ := newTestManager(t)
		if err := store.Set("sizing.fixed_amount", 50000.0); err != nil {
			t.Fatal(err)
		}
		// Нотионал 50000 > max 10000 - урезается
		qty, err := m.CalculatePositionSize(context.Background(), "BTCUSDT", 100)
		if err != nil {
			t.Fatal(err)
		}
		if !almostEqual(qty, 100) {
			t.Errorf("qty = %v, want 100", qty)
		}
	})

	t.Run("below instrument minimum", func(t *testing.T) {
		m, gw, _, _ := newTestManager(t)
		gw.SetInstrument(&exchange.Instrument{
			Symbol: "BTCUSDT", MinOrderQty: 2, MaxOrderQty: 1000, QtyStep: 0.001,
		})
		// 100 USDT @ 100 = 1 < min 2 - минимум с запасом 10%
		qty, err := m.CalculatePositionSize(context.Background(), "BTCUSDT", 100)
		if err != nil {
			t.Fatal(err)
		}
		if !almostEqual(qty, 2.2) {
			t.Errorf("qty = %v, want 2.2", qty)
		}
	})

	t.Run("above half of instrument maximum", func(t *testing.T) {
		m, gw, _, _ := newTestManager(t)
		gw.SetInstrument(&exchange.Instrument{
			Symbol: "BTCUSDT", MinOrderQty: 0.001, MaxOrderQty: 1, QtyStep: 0.001,
		})
		// 1 > 0.5 * max - урезается до 10% максимума
		qty, err := m.CalculatePositionSize(context.Background(), "BTCUSDT", 100)
		if err != nil {
			t.Fatal(err)
		}
		if !almostEqual(qty, 0.1) {
			t.Errorf("qty = %v, want 0.1", qty)
		}
	})

	t.Run("zero price is a do-not-trade sentinel", func(t *testing.T) {
		m, _, _, _ := newTestManager(t)
		qty, err := m.CalculatePositionSize(context.Background(), "BTCUSDT", 0)
		if err != nil {
			t.Fatal(err)
		}
		if qty != 0 {
			t.Errorf("qty = %v, want 0", qty)
		}
	})

	t.Run("balance failure for percent sizing", func(t *testing.T) {
		m, gw, store, _ := newTestManager(t)
		if err := store.Set("sizing.method", SizingFixedPercent); err != nil {
			t.Fatal(err)
		}
		gw.FailWith("balance", errors.New("down"))
		if _, err := m.CalculatePositionSize(context.Background(), "BTCUSDT", 100); err == nil {
			t.Error("expected balance error")
		}
	})

	t.Run("unknown method falls back to fixed amount", func(t *testing.T) {
		m, _, store, _ := newTestManager(t)
		if err := store.Set("sizing.method", "martingale"); err != nil {
			t.Fatal(err)
		}
		qty, err := m.CalculatePositionSize(context.Background(), "BTCUSDT", 100)
		if err != nil {
			t.Fatal(err)
		}
		if !almostEqual(qty, 1) {
			t.Errorf("qty = %v, want 1", qty)
		}
	})
}
