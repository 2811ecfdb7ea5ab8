package risk

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"tradegate/internal/exchange"
)

// fixedClock - управляемый источник времени для проверки ресетов
type fixedClock struct {
	t time.Time
}

func (c *fixedClock) now() time.Time { return c.t }

func (c *fixedClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager(t *testing.T, opts ...Option) (*Manager, *exchange.Paper, *fixedClock) {
	t.Helper()
	gw := exchange.NewPaper(1000)
	// Среда, 12:00 UTC - вдали от границ окон
	clock := &fixedClock{t: time.Date(2024, 3, 6, 12, 0, 0, 0, time.UTC)}

	opts = append([]Option{WithClock(clock.now)}, opts...)
	m := NewManager(gw, NewStore(nil, testLogger()), testLogger(), opts...)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	return m, gw, clock
}

func TestInitialize(t *testing.T) {
	t.Run("from wallet balance", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		snap := m.Snapshot()
		if snap.DailyStartBalance != 1000 || snap.WeeklyStartBalance != 1000 {
			t.Errorf("start balances = %v / %v, want 1000", snap.DailyStartBalance, snap.WeeklyStartBalance)
		}
		if !snap.TradingAllowed {
			t.Error("trading must be allowed after init")
		}
	})

	t.Run("explicit capital overrides wallet", func(t *testing.T) {
		m, _, _ := newTestManager(t, WithInitialCapital(5000))
		if got := m.Snapshot().DailyStartBalance; got != 5000 {
			t.Errorf("start balance = %v, want 5000", got)
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		m, gw, _ := newTestManager(t)
		gw.SetPrice("BTCUSDT", 100)
		if err := m.Initialize(context.Background()); err != nil {
			t.Fatalf("second Initialize failed: %v", err)
		}
		if got := m.Snapshot().DailyStartBalance; got != 1000 {
			t.Errorf("start balance changed on re-init: %v", got)
		}
	})

	t.Run("gateway down is an error", func(t *testing.T) {
		gw := exchange.NewPaper(1000)
		gw.FailWith("balance", errors.New("down"))
		m := NewManager(gw, NewStore(nil, testLogger()), testLogger())
		if err := m.Initialize(context.Background()); err == nil {
			t.Error("expected error when balance is unavailable")
		}
		if ok, _ := m.CheckTradePermission(context.Background(), 1, 1); ok {
			t.Error("uninitialized manager must deny trades")
		}
	})
}

func TestCheckTradePermissionAllows(t *testing.T) {
	m, _, _ := newTestManager(t)
	ok, reason := m.CheckTradePermission(context.Background(), 5, 1)
	if !ok {
		t.Fatalf("expected allowed, got denied: %s", reason)
	}
	if reason != "OK" {
		t.Errorf("reason = %q, want OK", reason)
	}
}

func TestDailyLossLimit(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.UpdateAfterTrade(context.Background(), TradeUpdate{Symbol: "BTCUSDT", Pnl: -300})

	ok, reason := m.CheckTradePermission(context.Background(), 5, 1)
	if ok {
		t.Fatal("expected denial after daily loss limit")
	}
	if !strings.Contains(reason, "daily loss limit") {
		t.Errorf("reason = %q", reason)
	}

	snap := m.Snapshot()
	if snap.TradingAllowed {
		t.Error("hard_stop must halt trading")
	}
	if snap.HaltCategory != HaltDaily {
		t.Errorf("halt category = %q, want daily", snap.HaltCategory)
	}
}

func TestDailyDrawdownFromHighWaterMark(t *testing.T) {
	m, _, _ := newTestManager(t)

	// Подъём до 1100, затем спад до 1010: просадка от пика 8.18% > 8%,
	// хотя от стартового баланса счёт в плюсе
	m.UpdateAfterTrade(context.Background(), TradeUpdate{Pnl: 100})
	m.UpdateAfterTrade(context.Background(), TradeUpdate{Pnl: -90})

	ok, reason := m.CheckTradePermission(context.Background(), 5, 1)
	if ok {
		t.Fatal("expected drawdown denial")
	}
	if !strings.Contains(reason, "daily drawdown") {
		t.Errorf("reason = %q", reason)
	}
}

func TestDailyTradeCountLimit(t *testing.T) {
	m, _, _ := newTestManager(t)
	if err := m.SetRiskParameter("daily.max_trades", "2"); err != nil {
		t.Fatal(err)
	}
	m.UpdateAfterTrade(context.Background(), TradeUpdate{Pnl: 1})
	m.UpdateAfterTrade(context.Background(), TradeUpdate{Pnl: 1})

	ok, reason := m.CheckTradePermission(context.Background(), 5, 1)
	if ok {
		t.Fatal("expected trade count denial")
	}
	if !strings.Contains(reason, "daily trade limit") {
		t.Errorf("reason = %q", reason)
	}
}

func TestWeeklyLossLimit(t *testing.T) {
	m, _, clock := newTestManager(t)
	// Недельный лимит ниже дневного, чтобы дневная проверка не сработала первой
	if err := m.SetRiskParameter("weekly.max_abs_loss", "100"); err != nil {
		t.Fatal(err)
	}
	if err := m.SetRiskParameter("daily.max_drawdown_pct", "50"); err != nil {
		t.Fatal(err)
	}
	m.UpdateAfterTrade(context.Background(), TradeUpdate{Pnl: -60})

	// Дневной ручной ресет обнуляет дневное окно, недельный pnl остаётся
	m.ResetDailyCounters(context.Background())
	clock.advance(time.Hour)
	m.UpdateAfterTrade(context.Background(), TradeUpdate{Pnl: -60})

	ok, reason := m.CheckTradePermission(context.Background(), 5, 1)
	if ok {
		t.Fatal("expected weekly loss denial")
	}
	if !strings.Contains(reason, "weekly loss limit") {
		t.Errorf("reason = %q", reason)
	}
	if got := m.Snapshot().HaltCategory; got != HaltWeekly {
		t.Errorf("halt category = %q, want weekly", got)
	}
}

func TestPositionChecks(t *testing.T) {
	tests := []struct {
		name          string
		positionValue float64
		leverage      int
		openPositions int
		wantReason    string
	}{
		{"leverage above limit", 5, 11, 0, "leverage too high"},
		{"risk pct above limit", 50, 1, 0, "position risk too high"},
		{"too many positions", 5, 1, 3, "max concurrent positions"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _ := newTestManager(t)
			m.SetCurrentPositions(tt.openPositions)

			ok, reason := m.CheckTradePermission(context.Background(), tt.positionValue, tt.leverage)
			if ok {
				t.Fatal("expected denial")
			}
			if !strings.Contains(reason, tt.wantReason) {
				t.Errorf("reason = %q, want substring %q", reason, tt.wantReason)
			}
			if got := m.Snapshot().HaltCategory; got != HaltPosition {
				t.Errorf("halt category = %q, want position", got)
			}
		})
	}
}

func TestHardStopDisabled(t *testing.T) {
	m, _, _ := newTestManager(t)
	if err := m.SetRiskParameter("circuit_breaker.hard_stop", "false"); err != nil {
		t.Fatal(err)
	}
	m.UpdateAfterTrade(context.Background(), TradeUpdate{Pnl: -300})

	ok, _ := m.CheckTradePermission(context.Background(), 5, 1)
	if ok {
		t.Fatal("check must still deny the trade")
	}
	// Без hard_stop торговля не останавливается насовсем
	if !m.Snapshot().TradingAllowed {
		t.Error("trading must not be halted with hard_stop disabled")
	}
}

func TestDisabledSkipsAllChecks(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.UpdateAfterTrade(context.Background(), TradeUpdate{Pnl: -900})
	if err := m.Disable(); err != nil {
		t.Fatal(err)
	}

	ok, reason := m.CheckTradePermission(context.Background(), 1e9, 100)
	if !ok {
		t.Fatalf("disabled risk management must allow: %s", reason)
	}
	if reason != "risk management disabled" {
		t.Errorf("reason = %q", reason)
	}
}

func TestUpdateAfterTradeBalances(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.UpdateAfterTrade(context.Background(), TradeUpdate{Pnl: 50})
	m.UpdateAfterTrade(context.Background(), TradeUpdate{Pnl: -20})

	snap := m.Snapshot()
	if snap.DailyPnl != 30 || snap.WeeklyPnl != 30 {
		t.Errorf("pnl = %v / %v, want 30", snap.DailyPnl, snap.WeeklyPnl)
	}
	if snap.DailyCurrentBalance != 1030 {
		t.Errorf("current balance = %v, want start + pnl = 1030", snap.DailyCurrentBalance)
	}
	if snap.DailyHighWaterMark != 1050 {
		t.Errorf("hwm = %v, want 1050", snap.DailyHighWaterMark)
	}
	if snap.DailyTradesCount != 2 {
		t.Errorf("trades = %v, want 2", snap.DailyTradesCount)
	}
}

func TestWeeklyTradesCounter(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.UpdateAfterTrade(context.Background(), TradeUpdate{Pnl: 10})
	m.UpdateAfterTrade(context.Background(), TradeUpdate{Pnl: -5})
	m.UpdateAfterTrade(context.Background(), TradeUpdate{Pnl: 3})

	snap := m.Snapshot()
	if snap.WeeklyTradesCount != 3 {
		t.Fatalf("weekly trades = %d, want 3", snap.WeeklyTradesCount)
	}

	st := m.GetRiskStatus(context.Background())
	if st.Weekly.TradesCount != 3 {
		t.Errorf("status weekly trades = %d, want 3", st.Weekly.TradesCount)
	}

	// Дневной сброс обнуляет только дневной счётчик
	m.ResetDailyCounters(context.Background())
	snap = m.Snapshot()
	if snap.DailyTradesCount != 0 {
		t.Errorf("daily trades after daily reset = %d", snap.DailyTradesCount)
	}
	if snap.WeeklyTradesCount != 3 {
		t.Errorf("weekly trades after daily reset = %d, want 3", snap.WeeklyTradesCount)
	}

	m.ResetWeeklyCounters(context.Background())
	if snap = m.Snapshot(); snap.WeeklyTradesCount != 0 {
		t.Errorf("weekly trades after weekly reset = %d", snap.WeeklyTradesCount)
	}
}

func TestScheduledDailyReset(t *testing.T) {
	m, _, clock := newTestManager(t)
	m.UpdateAfterTrade(context.Background(), TradeUpdate{Pnl: -100})

	// Тот же календарный день - ресета нет
	clock.advance(2 * time.Hour)
	m.CheckTradePermission(context.Background(), 1, 1)
	if got := m.Snapshot().DailyPnl; got != -100 {
		t.Fatalf("reset fired within the same day, pnl = %v", got)
	}

	// Следующие сутки после 00:00 UTC
	clock.advance(13 * time.Hour)
	m.CheckTradePermission(context.Background(), 1, 1)
	snap := m.Snapshot()
	if snap.DailyPnl != 0 || snap.DailyTradesCount != 0 {
		t.Errorf("daily window not reset: pnl=%v trades=%v", snap.DailyPnl, snap.DailyTradesCount)
	}
	// Перебазирование берёт кошельковый баланс с биржи
	if snap.DailyStartBalance != 1000 {
		t.Errorf("rebased start balance = %v, want 1000", snap.DailyStartBalance)
	}
	// Недельное окно не тронуто
	if snap.WeeklyPnl != -100 {
		t.Errorf("weekly pnl = %v, want -100", snap.WeeklyPnl)
	}

	// Повторная проверка в тот же день ресет не повторяет
	m.UpdateAfterTrade(context.Background(), TradeUpdate{Pnl: -10})
	clock.advance(time.Hour)
	m.CheckTradePermission(context.Background(), 1, 1)
	if got := m.Snapshot().DailyPnl; got != -10 {
		t.Errorf("reset fired twice in one day, pnl = %v", got)
	}
}

func TestScheduledDailyResetCustomTime(t *testing.T) {
	m, _, clock := newTestManager(t)
	if err := m.SetRiskParameter("daily.reset_time_utc", "21:00"); err != nil {
		t.Fatal(err)
	}
	m.UpdateAfterTrade(context.Background(), TradeUpdate{Pnl: -50})

	// Следующий день, но до 21:00 - ресета нет
	clock.advance(24 * time.Hour) // ср 12:00 -> чт 12:00
	m.CheckTradePermission(context.Background(), 1, 1)
	if got := m.Snapshot().DailyPnl; got != -50 {
		t.Fatalf("reset fired before configured time, pnl = %v", got)
	}

	clock.advance(10 * time.Hour) // чт 22:00
	m.CheckTradePermission(context.Background(), 1, 1)
	if got := m.Snapshot().DailyPnl; got != 0 {
		t.Errorf("daily window not reset after 21:00, pnl = %v", got)
	}
}

func TestScheduledWeeklyReset(t *testing.T) {
	m, _, clock := newTestManager(t)
	m.UpdateAfterTrade(context.Background(), TradeUpdate{Pnl: -100})

	// Понедельник следующей недели (ср + 5 дней), прошло >= 7 суток? Нет:
	// с инициализации прошло 5 дней - ресет не срабатывает
	clock.advance(5 * 24 * time.Hour)
	m.CheckTradePermission(context.Background(), 1, 1)
	if got := m.Snapshot().WeeklyPnl; got != -100 {
		t.Fatalf("weekly reset fired early, pnl = %v", got)
	}

	// Понедельник ещё через неделю: 12 дней с инициализации
	clock.advance(7 * 24 * time.Hour)
	m.CheckTradePermission(context.Background(), 1, 1)
	snap := m.Snapshot()
	if snap.WeeklyPnl != 0 {
		t.Errorf("weekly window not reset, pnl = %v", snap.WeeklyPnl)
	}
	if snap.WeeklyStartBalance != 1000 {
		t.Errorf("rebased weekly start = %v, want 1000", snap.WeeklyStartBalance)
	}
}

func TestDailyResetClearsOnlyDailyHalt(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.SetCurrentPositions(3)
	// Позиционный halt
	if ok, _ := m.CheckTradePermission(context.Background(), 1, 1); ok {
		t.Fatal("expected position halt")
	}

	m.ResetDailyCounters(context.Background())
	snap := m.Snapshot()
	if snap.TradingAllowed {
		t.Error("daily reset must not clear a position-category halt")
	}
	if snap.HaltCategory != HaltPosition {
		t.Errorf("halt category = %q, want position", snap.HaltCategory)
	}
}

func TestWeeklyResetDoesNotClearDailyHalt(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.UpdateAfterTrade(context.Background(), TradeUpdate{Pnl: -300})
	if ok, _ := m.CheckTradePermission(context.Background(), 1, 1); ok {
		t.Fatal("expected daily halt")
	}

	m.ResetWeeklyCounters(context.Background())
	if m.Snapshot().TradingAllowed {
		t.Error("weekly reset must not clear a daily-category halt")
	}

	// Свой ресет остановку снимает
	m.ResetDailyCounters(context.Background())
	if !m.Snapshot().TradingAllowed {
		t.Error("daily reset must clear a daily-category halt")
	}
}

func TestManualResume(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.SetCurrentPositions(3)
	if ok, _ := m.CheckTradePermission(context.Background(), 1, 1); ok {
		t.Fatal("expected halt")
	}

	m.Resume()
	m.SetCurrentPositions(0)
	if ok, reason := m.CheckTradePermission(context.Background(), 1, 1); !ok {
		t.Errorf("expected allowed after manual resume: %s", reason)
	}
}

func TestRebaseFallsBackToLocalBalance(t *testing.T) {
	m, gw, _ := newTestManager(t)
	m.UpdateAfterTrade(context.Background(), TradeUpdate{Pnl: -100})

	gw.FailWith("balance", errors.New("down"))
	m.ResetDailyCounters(context.Background())

	// Биржа недоступна - ресет перебазируется на локальный баланс
	if got := m.Snapshot().DailyStartBalance; got != 900 {
		t.Errorf("start balance = %v, want local 900", got)
	}
}

func TestSetRiskParameterCoercion(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		raw     string
		wantErr bool
		check   func(s *Store) bool
	}{
		{"float by _loss suffix", "daily.max_abs_loss", "450.5", false,
			func(s *Store) bool { v, _ := lookup(s.doc, "daily.max_abs_loss"); return v == 450.5 }},
		{"int by _trades suffix", "daily.max_trades", "30", false,
			func(s *Store) bool { v, _ := lookup(s.doc, "daily.max_trades"); return v == 30 }},
		{"int by _leverage suffix", "position.max_leverage", "5", false,
			func(s *Store) bool { v, _ := lookup(s.doc, "position.max_leverage"); return v == 5 }},
		{"bool enabled", "enabled", "false", false,
			func(s *Store) bool { v, _ := lookup(s.doc, "enabled"); return v == false }},
		{"bool hard_stop", "circuit_breaker.hard_stop", "true", false,
			func(s *Store) bool { v, _ := lookup(s.doc, "circuit_breaker.hard_stop"); return v == true }},
		{"valid reset time", "daily.reset_time_utc", "14:30", false,
			func(s *Store) bool { v, _ := lookup(s.doc, "daily.reset_time_utc"); return v == "14:30" }},
		{"weekday normalized to upper", "weekly.reset_dow_utc", "friday", false,
			func(s *Store) bool { v, _ := lookup(s.doc, "weekly.reset_dow_utc"); return v == "FRIDAY" }},
		{"invalid reset time", "daily.reset_time_utc", "25:99", true, nil},
		{"invalid weekday", "weekly.reset_dow_utc", "SOMEDAY", true, nil},
		{"non-numeric for float field", "daily.max_abs_loss", "lots", true, nil},
		{"non-integer for int field", "daily.max_trades", "3.5", true, nil},
		{"unknown field", "daily.mystery_knob", "1", true, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _ := newTestManager(t)
			err := m.SetRiskParameter(tt.path, tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Error("expected coercion error")
				}
				return
			}
			if err != nil {
				t.Fatalf("SetRiskParameter failed: %v", err)
			}
			if tt.check != nil && !tt.check(m.store) {
				t.Error("stored value has wrong type or value")
			}
		})
	}
}

func TestGetRiskStatus(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.UpdateAfterTrade(context.Background(), TradeUpdate{Symbol: "BTCUSDT", Pnl: -150})

	st := m.GetRiskStatus(context.Background())
	if !st.Enabled || !st.TradingAllowed {
		t.Errorf("enabled=%v allowed=%v, want true/true", st.Enabled, st.TradingAllowed)
	}
	if st.Daily.Pnl != -150 {
		t.Errorf("daily pnl = %v", st.Daily.Pnl)
	}
	if st.Daily.LossUsedPct != 50 {
		t.Errorf("daily loss used = %v%%, want 50%%", st.Daily.LossUsedPct)
	}
	if st.Daily.TradesUsedPct != 2 {
		t.Errorf("trades used = %v%%, want 2%%", st.Daily.TradesUsedPct)
	}
	if st.Weekly.LossUsedPct != 15 {
		t.Errorf("weekly loss used = %v%%, want 15%%", st.Weekly.LossUsedPct)
	}
	if st.Positions.Max != 3 {
		t.Errorf("positions max = %v", st.Positions.Max)
	}
	if st.Limits == nil {
		t.Error("limits document missing from status")
	}
}

func TestDrawdownPct(t *testing.T) {
	tests := []struct {
		name    string
		hwm     float64
		current float64
		want    float64
	}{
		{"no drawdown at peak", 1000, 1000, 0},
		{"above peak", 1000, 1100, 0},
		{"ten percent", 1000, 900, 10},
		{"zero hwm", 0, 100, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := drawdownPct(tt.hwm, tt.current); got != tt.want {
				t.Errorf("drawdownPct(%v, %v) = %v, want %v", tt.hwm, tt.current, got, tt.want)
			}
		})
	}
}
