package position

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradegate/internal/exchange"
	"tradegate/internal/risk"
	"tradegate/pkg/utils"
)

type fixedClock struct {
	t time.Time
}

func (c *fixedClock) now() time.Time { return c.t }

func (c *fixedClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testLogger() *utils.Logger {
	return utils.InitLogger(utils.LogConfig{Level: "error", Format: "console"})
}

// collectedClose запоминает обновления реализованного pnl
type collectedClose struct {
	updates []risk.TradeUpdate
}

func (c *collectedClose) cb(_ context.Context, upd risk.TradeUpdate) {
	c.updates = append(c.updates, upd)
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *exchange.Paper, *risk.Store, *fixedClock) {
	t.Helper()
	gw := exchange.NewPaper(1000)
	gw.SetPrice("BTCUSDT", 100)
	store := risk.NewStore(nil, testLogger())
	// Детерминированный размер: 100 USDT по цене 100 = 1 контракт
	if err := store.Set("sizing.method", SizingFixedAmount); err != nil {
		t.Fatal(err)
	}
	clock := &fixedClock{t: time.Date(2024, 3, 6, 12, 0, 0, 0, time.UTC)}

	opts = append([]Option{WithClock(clock.now)}, opts...)
	return NewManager(gw, store, testLogger(), opts...), gw, store, clock
}

func TestOpenPosition(t *testing.T) {
	t.Run("opens long", func(t *testing.T) {
		m, _, _, _ := newTestManager(t)
		opened, err := m.OpenPosition(context.Background(), "BTCUSDT", exchange.SideLong, Signal{Strategy: "scalp"})
		if err != nil || !opened {
			t.Fatalf("opened=%v err=%v", opened, err)
		}

		rec, ok := m.Get("BTCUSDT")
		if !ok {
			t.Fatal("record missing after open")
		}
		if rec.Side != exchange.SideLong || rec.Size != 1 || rec.EntryPrice != 100 {
			t.Errorf("record = %+v", rec)
		}
		if rec.Strategy != "scalp" {
			t.Errorf("strategy = %q", rec.Strategy)
		}
		if rec.OrderID == "" {
			t.Error("order id not recorded")
		}
	})

	t.Run("same side is a no-op", func(t *testing.T) {
		m, _, _, _ := newTestManager(t)
		if _, err := m.OpenPosition(context.Background(), "BTCUSDT", exchange.SideLong, Signal{}); err != nil {
			t.Fatal(err)
		}
		opened, err := m.OpenPosition(context.Background(), "BTCUSDT", exchange.SideLong, Signal{})
		if err != nil {
			t.Fatalf("no-op must not error: %v", err)
		}
		if opened {
			t.Error("second same-side open must be a no-op")
		}
		if m.Count() != 1 {
			t.Errorf("count = %d, want 1", m.Count())
		}
	})

	t.Run("reversal closes opposite first", func(t *testing.T) {
		closes := &collectedClose{}
		m, _, _, _ := newTestManager(t, WithCloseCallback(closes.cb))
		if _, err := m.OpenPosition(context.Background(), "BTCUSDT", exchange.SideLong, Signal{}); err != nil {
			t.Fatal(err)
		}

		opened, err := m.OpenPosition(context.Background(), "BTCUSDT", exchange.SideShort, Signal{})
		if err != nil || !opened {
			t.Fatalf("opened=%v err=%v", opened, err)
		}

		rec, _ := m.Get("BTCUSDT")
		if rec.Side != exchange.SideShort {
			t.Errorf("side after reversal = %q, want short", rec.Side)
		}
		if m.Count() != 1 {
			t.Errorf("count = %d, want 1", m.Count())
		}
		// Разворотное закрытие фиксирует pnl
		if len(closes.updates) != 1 {
			t.Errorf("close callback calls = %d, want 1", len(closes.updates))
		}
	})

	t.Run("concurrent position cap", func(t *testing.T) {
		m, gw, store, _ := newTestManager(t)
		gw.SetPrice("ETHUSDT", 50)
		if err := store.Set("position.max_concurrent_positions", 1); err != nil {
			t.Fatal(err)
		}

		if _, err := m.OpenPosition(context.Background(), "BTCUSDT", exchange.SideLong, Signal{}); err != nil {
			t.Fatal(err)
		}
		opened, err := m.OpenPosition(context.Background(), "ETHUSDT", exchange.SideLong, Signal{})
		if err != nil {
			t.Fatalf("cap skip must not error: %v", err)
		}
		if opened {
			t.Error("open above the cap must be skipped")
		}
	})

	t.Run("gateway failure", func(t *testing.T) {
		m, gw, _, _ := newTestManager(t)
		gw.FailWith("order", errors.New("down"))
		opened, err := m.OpenPosition(context.Background(), "BTCUSDT", exchange.SideLong, Signal{})
		if err == nil {
			t.Error("expected error from gateway")
		}
		if opened || m.Count() != 0 {
			t.Error("no record must appear on order failure")
		}
	})

	t.Run("invalid side", func(t *testing.T) {
		m, _, _, _ := newTestManager(t)
		if _, err := m.OpenPosition(context.Background(), "BTCUSDT", "sideways", Signal{}); err == nil {
			t.Error("expected error for invalid side")
		}
	})
}

func TestClosePosition(t *testing.T) {
	t.Run("realizes pnl", func(t *testing.T) {
		closes := &collectedClose{}
		m, gw, _, _ := newTestManager(t, WithCloseCallback(closes.cb))
		if _, err := m.OpenPosition(context.Background(), "BTCUSDT", exchange.SideLong, Signal{}); err != nil {
			t.Fatal(err)
		}

		gw.SetPrice("BTCUSDT", 110)
		closed, err := m.ClosePosition(context.Background(), "BTCUSDT", "signal")
		if err != nil || !closed {
			t.Fatalf("closed=%v err=%v", closed, err)
		}
		if m.Count() != 0 {
			t.Errorf("count = %d after close", m.Count())
		}

		if len(closes.updates) != 1 {
			t.Fatalf("close callback calls = %d", len(closes.updates))
		}
		upd := closes.updates[0]
		// long 1 @ 100, выход по 110: +10%
		if upd.Pnl != 10 {
			t.Errorf("pnl = %v, want 10", upd.Pnl)
		}
		if upd.Symbol != "BTCUSDT" || upd.Quantity != 1 {
			t.Errorf("update = %+v", upd)
		}
	})

	t.Run("realizes loss", func(t *testing.T) {
		closes := &collectedClose{}
		m, gw, _, _ := newTestManager(t, WithCloseCallback(closes.cb))
		if _, err := m.OpenPosition(context.Background(), "BTCUSDT", exchange.SideLong, Signal{}); err != nil {
			t.Fatal(err)
		}

		gw.SetPrice("BTCUSDT", 90)
		closed, err := m.ClosePosition(context.Background(), "BTCUSDT", "signal")
		if err != nil || !closed {
			t.Fatalf("closed=%v err=%v", closed, err)
		}
		if m.Count() != 0 {
			t.Errorf("count = %d after losing close", m.Count())
		}
		// long 1 @ 100, выход по 90: -10%
		if len(closes.updates) != 1 || closes.updates[0].Pnl != -10 {
			t.Errorf("close updates = %+v", closes.updates)
		}
	})

	t.Run("unknown symbol", func(t *testing.T) {
		m, _, _, _ := newTestManager(t)
		closed, err := m.ClosePosition(context.Background(), "DOGEUSDT", "signal")
		if err != nil {
			t.Fatalf("unknown close must not error: %v", err)
		}
		if closed {
			t.Error("nothing to close")
		}
	})

	t.Run("short pnl sign", func(t *testing.T) {
		closes := &collectedClose{}
		m, gw, _, _ := newTestManager(t, WithCloseCallback(closes.cb))
		if _, err := m.OpenPosition(context.Background(), "BTCUSDT", exchange.SideShort, Signal{}); err != nil {
			t.Fatal(err)
		}

		gw.SetPrice("BTCUSDT", 90)
		if _, err := m.ClosePosition(context.Background(), "BTCUSDT", "signal"); err != nil {
			t.Fatal(err)
		}
		// short 1 @ 100, выход по 90: +10%
		if closes.updates[0].Pnl != 10 {
			t.Errorf("short pnl = %v, want 10", closes.updates[0].Pnl)
		}
	})
}

func TestUpdatePositionsEmergencyStopLoss(t *testing.T) {
	closes := &collectedClose{}
	m, gw, _, _ := newTestManager(t, WithCloseCallback(closes.cb))
	if _, err := m.OpenPosition(context.Background(), "BTCUSDT", exchange.SideLong, Signal{}); err != nil {
		t.Fatal(err)
	}

	// -15% - ещё не авария
	gw.SetPrice("BTCUSDT", 85)
	if err := m.UpdatePositions(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.Count() != 1 {
		t.Fatal("position closed above the emergency threshold")
	}
	rec, _ := m.Get("BTCUSDT")
	if rec.PnlPercentage != -15 {
		t.Errorf("pnl pct = %v, want -15", rec.PnlPercentage)
	}

	// -21% - аварийное закрытие
	gw.SetPrice("BTCUSDT", 79)
	if err := m.UpdatePositions(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.Count() != 0 {
		t.Error("position must be force-closed below -20%")
	}
	if len(closes.updates) != 1 || closes.updates[0].Pnl != -21 {
		t.Errorf("close updates = %+v", closes.updates)
	}
}

func TestUpdatePositionsMaxHold(t *testing.T) {
	m, _, store, clock := newTestManager(t)
	if err := store.Set("strategies.scalp.max_hold_minutes", 30); err != nil {
		t.Fatal(err)
	}
	if _, err := m.OpenPosition(context.Background(), "BTCUSDT", exchange.SideLong, Signal{Strategy: "scalp"}); err != nil {
		t.Fatal(err)
	}

	clock.advance(20 * time.Minute)
	if err := m.UpdatePositions(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.Count() != 1 {
		t.Fatal("closed before max hold time")
	}

	clock.advance(15 * time.Minute)
	if err := m.UpdatePositions(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.Count() != 0 {
		t.Error("position must be closed after max hold time")
	}
}

func TestUpdatePositionsNoHoldLimitByDefault(t *testing.T) {
	m, _, _, clock := newTestManager(t)
	if _, err := m.OpenPosition(context.Background(), "BTCUSDT", exchange.SideLong, Signal{Strategy: "scalp"}); err != nil {
		t.Fatal(err)
	}

	clock.advance(48 * time.Hour)
	if err := m.UpdatePositions(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.Count() != 1 {
		t.Error("position without a hold limit must stay open")
	}
}

func TestSyncAdoptsUnknownPosition(t *testing.T) {
	m, gw, _, _ := newTestManager(t)
	gw.SetPrice("ETHUSDT", 50)

	// Позиция открыта мимо менеджера (другим инстансом, вручную)
	if _, err := gw.PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol: "ETHUSDT", Side: exchange.SideBuy, Type: exchange.OrderTypeMarket, Quantity: 2,
	}); err != nil {
		t.Fatal(err)
	}

	if err := m.UpdatePositions(context.Background()); err != nil {
		t.Fatal(err)
	}

	rec, ok := m.Get("ETHUSDT")
	if !ok {
		t.Fatal("unknown position not adopted")
	}
	if rec.Strategy != "unknown" {
		t.Errorf("strategy = %q, want unknown", rec.Strategy)
	}
	if rec.Side != exchange.SideLong || rec.Size != 2 || rec.EntryPrice != 50 {
		t.Errorf("adopted record = %+v", rec)
	}
}

func TestSyncDropsVanishedPosition(t *testing.T) {
	m, gw, _, _ := newTestManager(t)
	if _, err := m.OpenPosition(context.Background(), "BTCUSDT", exchange.SideLong, Signal{}); err != nil {
		t.Fatal(err)
	}

	// Позиция закрыта на бирже мимо менеджера
	if _, err := gw.PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: exchange.SideSell, Type: exchange.OrderTypeMarket,
		Quantity: 1, ReduceOnly: true,
	}); err != nil {
		t.Fatal(err)
	}
	balance, _ := gw.GetBalance(context.Background())

	if err := m.UpdatePositions(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.Count() != 0 {
		t.Error("vanished position must be dropped")
	}

	// Локальное удаление не размещает ордеров - баланс не изменился
	after, _ := gw.GetBalance(context.Background())
	if after.Wallet != balance.Wallet {
		t.Errorf("wallet changed during reconciliation: %v -> %v", balance.Wallet, after.Wallet)
	}
}

func TestSyncRepeatedRunsAreIdempotent(t *testing.T) {
	m, gw, _, clock := newTestManager(t)
	gw.SetPrice("ETHUSDT", 50)

	// Одна позиция своя, вторая подхватывается при первой сверке
	if _, err := m.OpenPosition(context.Background(), "BTCUSDT", exchange.SideLong, Signal{}); err != nil {
		t.Fatal(err)
	}
	if _, err := gw.PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol: "ETHUSDT", Side: exchange.SideBuy, Type: exchange.OrderTypeMarket, Quantity: 2,
	}); err != nil {
		t.Fatal(err)
	}

	if err := m.UpdatePositions(context.Background()); err != nil {
		t.Fatal(err)
	}
	adopted, ok := m.Get("ETHUSDT")
	if !ok {
		t.Fatal("unknown position not adopted on first pass")
	}
	adoptedAt := adopted.OpenTime

	// Без изменений на бирже повторная сверка ничего не трогает
	clock.advance(5 * time.Minute)
	if err := m.UpdatePositions(context.Background()); err != nil {
		t.Fatal(err)
	}

	if m.Count() != 2 {
		t.Fatalf("count = %d after repeated sync, want 2", m.Count())
	}
	again, _ := m.Get("ETHUSDT")
	if !again.OpenTime.Equal(adoptedAt) {
		t.Errorf("open time changed on repeated sync: %v -> %v", adoptedAt, again.OpenTime)
	}
	if again.Side != exchange.SideLong || again.Size != 2 {
		t.Errorf("adopted record mutated: %+v", again)
	}
}

func TestSyncGatewayFailure(t *testing.T) {
	m, gw, _, _ := newTestManager(t)
	if _, err := m.OpenPosition(context.Background(), "BTCUSDT", exchange.SideLong, Signal{}); err != nil {
		t.Fatal(err)
	}

	gw.FailWith("positions", errors.New("down"))
	if err := m.UpdatePositions(context.Background()); err == nil {
		t.Error("expected reconciliation error")
	}
	// Локальное состояние не тронуто
	if m.Count() != 1 {
		t.Error("local records must survive a failed reconciliation")
	}
}

func TestGetPositionsSummary(t *testing.T) {
	m, gw, _, _ := newTestManager(t)
	gw.SetPrice("ETHUSDT", 50)
	if _, err := m.OpenPosition(context.Background(), "BTCUSDT", exchange.SideLong, Signal{}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.OpenPosition(context.Background(), "ETHUSDT", exchange.SideLong, Signal{}); err != nil {
		t.Fatal(err)
	}

	gw.SetPrice("BTCUSDT", 110) // +10 на нотионале 100
	gw.SetPrice("ETHUSDT", 45)  // -10 на нотионале 100
	if err := m.UpdatePositions(context.Background()); err != nil {
		t.Fatal(err)
	}

	s := m.GetPositionsSummary()
	if s.TotalPositions != 2 {
		t.Errorf("total positions = %d", s.TotalPositions)
	}
	if s.TotalPnl != 0 {
		t.Errorf("total pnl = %v, want 0", s.TotalPnl)
	}
	if s.TotalPnlPct != 0 {
		t.Errorf("total pnl pct = %v, want 0", s.TotalPnlPct)
	}
}

func TestCloseAll(t *testing.T) {
	m, gw, _, _ := newTestManager(t)
	gw.SetPrice("ETHUSDT", 50)
	if _, err := m.OpenPosition(context.Background(), "BTCUSDT", exchange.SideLong, Signal{}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.OpenPosition(context.Background(), "ETHUSDT", exchange.SideShort, Signal{}); err != nil {
		t.Fatal(err)
	}

	m.CloseAll(context.Background(), "shutdown")
	if m.Count() != 0 {
		t.Errorf("count = %d after CloseAll", m.Count())
	}
	positions, _ := gw.GetPositions(context.Background())
	if len(positions) != 0 {
		t.Errorf("exchange still has %d positions", len(positions))
	}
}
