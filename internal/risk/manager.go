package risk

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"tradegate/internal/exchange"
	"tradegate/internal/models"
	"tradegate/internal/telemetry"
	"tradegate/pkg/utils"

	"go.uber.org/zap"
)

// ============================================================
// Категории остановки торговли
// ============================================================

// HaltCategory - источник остановки торговли
//
// Каждый halt помечен категорией окна или проверки, которая его вызвала.
// Сброс окна снимает только остановки своей категории: недельный сброс
// никогда не возобновляет торговлю, остановленную дневным лимитом.
type HaltCategory string

const (
	HaltNone           HaltCategory = ""
	HaltDaily          HaltCategory = "daily"
	HaltWeekly         HaltCategory = "weekly"
	HaltPosition       HaltCategory = "position"
	HaltCircuitBreaker HaltCategory = "circuit_breaker"
)

// Metrics - накопленные риск-метрики торговых окон
type Metrics struct {
	DailyPnl            float64
	DailyTradesCount    int
	DailyStartBalance   float64
	DailyCurrentBalance float64
	DailyHighWaterMark  float64

	WeeklyPnl           float64
	WeeklyTradesCount   int
	WeeklyStartBalance  float64
	WeeklyHighWaterMark float64

	CurrentPositions int

	TradingAllowed bool
	HaltReason     string
	HaltCategory   HaltCategory

	LastTradeTime   time.Time
	LastDailyReset  time.Time
	LastWeeklyReset time.Time
}

// TradeUpdate - результат завершённой (закрытой) сделки
type TradeUpdate struct {
	Symbol   string
	Side     string
	Quantity float64
	Price    float64
	Pnl      float64
}

// ============================================================
// Менеджер рисков
// ============================================================

// Manager отвечает за разрешение/запрет торговли
//
// Все проверки и мутации метрик выполняются под одним мьютексом:
// решение о допуске сделки принимается на консистентном снимке
// всех окон сразу.
type Manager struct {
	mu sync.Mutex

	gateway exchange.Gateway
	store   *Store
	log     *utils.Logger
	notifCh chan<- *models.Notification

	initialCapital float64
	initialized    bool
	metrics        Metrics

	now func() time.Time
}

// Option настраивает менеджер рисков при создании
type Option func(*Manager)

// WithInitialCapital задаёт стартовый капитал вместо запроса баланса с биржи
func WithInitialCapital(capital float64) Option {
	return func(m *Manager) { m.initialCapital = capital }
}

// WithNotifications подключает канал уведомлений оператора
func WithNotifications(ch chan<- *models.Notification) Option {
	return func(m *Manager) { m.notifCh = ch }
}

// WithClock подменяет источник времени (для тестов)
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager создаёт менеджер рисков
func NewManager(gateway exchange.Gateway, store *Store, log *utils.Logger, opts ...Option) *Manager {
	if log == nil {
		log = utils.L()
	}
	m := &Manager{
		gateway: gateway,
		store:   store,
		log:     log.WithComponent("risk_manager"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize загружает стартовые балансы и включает торговлю
//
// Идемпотентна: повторный вызов ничего не меняет. Если стартовый капитал
// не задан явно, берётся кошельковый баланс с биржи; недоступность
// биржи в этот момент - ошибка, без валидного стартового баланса
// проверки просадки не имеют смысла.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}

	capital := m.initialCapital
	if capital <= 0 {
		balance, err := m.gateway.GetBalance(ctx)
		if err != nil {
			telemetry.RecordGatewayError("balance")
			return fmt.Errorf("failed to fetch initial balance: %w", err)
		}
		capital = balance.Wallet
	}
	if capital <= 0 {
		return fmt.Errorf("initial capital must be positive, got %.2f", capital)
	}

	now := m.now().UTC()
	m.metrics = Metrics{
		DailyStartBalance:   capital,
		DailyCurrentBalance: capital,
		DailyHighWaterMark:  capital,
		WeeklyStartBalance:  capital,
		WeeklyHighWaterMark: capital,
		TradingAllowed:      true,
		LastDailyReset:      now,
		LastWeeklyReset:     now,
	}
	m.initialized = true

	telemetry.TradingAllowed.Set(1)
	telemetry.GatewayBalance.Set(capital)
	m.log.Info("risk manager initialized",
		zap.Float64("initial_capital", capital),
		zap.String("gateway", m.gateway.GetName()))
	return nil
}

// CheckTradePermission проверяет, допустима ли сделка
//
// positionValue - нотиональная стоимость будущей позиции в валюте счёта,
// leverage - запрошенное плечо. Возвращает (allowed, reason); при запрете
// reason называет сработавший лимит. Первая же провалившаяся проверка
// останавливает торговлю (при hard_stop) и завершает перебор.
func (m *Manager) CheckTradePermission(ctx context.Context, positionValue float64, leverage int) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		telemetry.RecordPermission(false)
		return false, "risk manager not initialized"
	}

	if !m.store.GetBool("enabled", true) {
		telemetry.RecordPermission(true)
		return true, "risk management disabled"
	}

	m.checkScheduledResetsLocked(ctx)

	if !m.metrics.TradingAllowed {
		telemetry.RecordPermission(false)
		return false, "trading halted: " + m.metrics.HaltReason
	}

	checks := []struct {
		category HaltCategory
		run      func() (bool, string)
	}{
		{HaltDaily, m.checkDailyLocked},
		{HaltWeekly, m.checkWeeklyLocked},
		{HaltPosition, func() (bool, string) { return m.checkPositionLocked(positionValue, leverage) }},
	}

	for _, c := range checks {
		ok, reason := c.run()
		if !ok {
			m.haltLocked(c.category, reason)
			telemetry.RecordPermission(false)
			return false, reason
		}
	}

	telemetry.RecordPermission(true)
	return true, "OK"
}

// checkDailyLocked проверяет лимиты дневного окна
func (m *Manager) checkDailyLocked() (bool, string) {
	maxLoss := m.store.GetFloat("daily.max_abs_loss", 300)
	if m.metrics.DailyPnl < 0 && -m.metrics.DailyPnl >= maxLoss {
		return false, fmt.Sprintf("daily loss limit reached: %.2f >= %.2f", -m.metrics.DailyPnl, maxLoss)
	}

	maxDD := m.store.GetFloat("daily.max_drawdown_pct", 8)
	dd := drawdownPct(m.metrics.DailyHighWaterMark, m.metrics.DailyCurrentBalance)
	if dd >= maxDD {
		return false, fmt.Sprintf("daily drawdown limit reached: %.2f%% >= %.2f%%", dd, maxDD)
	}

	maxTrades := m.store.GetInt("daily.max_trades", 50)
	if m.metrics.DailyTradesCount >= maxTrades {
		return false, fmt.Sprintf("daily trade limit reached: %d >= %d", m.metrics.DailyTradesCount, maxTrades)
	}
	return true, ""
}

// checkWeeklyLocked проверяет лимиты недельного окна
func (m *Manager) checkWeeklyLocked() (bool, string) {
	maxLoss := m.store.GetFloat("weekly.max_abs_loss", 1000)
	if m.metrics.WeeklyPnl < 0 && -m.metrics.WeeklyPnl >= maxLoss {
		return false, fmt.Sprintf("weekly loss limit reached: %.2f >= %.2f", -m.metrics.WeeklyPnl, maxLoss)
	}

	maxDD := m.store.GetFloat("weekly.max_drawdown_pct", 20)
	dd := drawdownPct(m.metrics.WeeklyHighWaterMark, m.weeklyCurrentBalanceLocked())
	if dd >= maxDD {
		return false, fmt.Sprintf("weekly drawdown limit reached: %.2f%% >= %.2f%%", dd, maxDD)
	}
	return true, ""
}

// checkPositionLocked проверяет лимиты на уровне отдельной позиции
func (m *Manager) checkPositionLocked(positionValue float64, leverage int) (bool, string) {
	maxPositions := m.store.GetInt("position.max_concurrent_positions", 3)
	if m.metrics.CurrentPositions >= maxPositions {
		return false, fmt.Sprintf("max concurrent positions reached: %d >= %d", m.metrics.CurrentPositions, maxPositions)
	}

	maxLeverage := m.store.GetInt("position.max_leverage", 10)
	if leverage > maxLeverage {
		return false, fmt.Sprintf("leverage too high: %d > %d", leverage, maxLeverage)
	}

	maxRiskPct := m.store.GetFloat("position.max_risk_pct", 1.0)
	if m.metrics.DailyCurrentBalance > 0 {
		riskPct := positionValue / m.metrics.DailyCurrentBalance * 100
		if riskPct > maxRiskPct {
			return false, fmt.Sprintf("position risk too high: %.2f%% > %.2f%%", riskPct, maxRiskPct)
		}
	}
	return true, ""
}

// haltLocked останавливает торговлю (при включённом hard_stop)
func (m *Manager) haltLocked(category HaltCategory, reason string) {
	if !m.store.GetBool("circuit_breaker.hard_stop", true) {
		m.log.Warn("risk limit breached but hard_stop disabled",
			zap.String("category", string(category)), zap.String("reason", reason))
		return
	}

	m.metrics.TradingAllowed = false
	m.metrics.HaltReason = reason
	m.metrics.HaltCategory = category

	telemetry.RecordHalt(string(category))
	m.log.Error("trading halted",
		zap.String("category", string(category)), zap.String("reason", reason))

	m.notifyLocked(models.NotificationTypeHalt, models.SeverityError,
		"", fmt.Sprintf("Trading halted (%s): %s", category, reason), nil)
}

// resumeLocked возобновляет торговлю
func (m *Manager) resumeLocked(why string) {
	m.metrics.TradingAllowed = true
	m.metrics.HaltReason = ""
	m.metrics.HaltCategory = HaltNone

	telemetry.RecordResume()
	m.log.Info("trading resumed", zap.String("trigger", why))
}

// Resume вручную снимает остановку торговли независимо от категории
func (m *Manager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.metrics.TradingAllowed {
		return
	}
	m.resumeLocked("manual")
	m.notifyLocked(models.NotificationTypeReset, models.SeverityInfo,
		"", "Trading resumed manually", nil)
}

// UpdateAfterTrade фиксирует результат закрытой сделки в метриках
//
// Текущие балансы окон выводятся из стартового баланса и суммарного
// реализованного pnl; число открытых позиций обновляется запросом к бирже
// (ошибка запроса не мешает учёту pnl).
func (m *Manager) UpdateAfterTrade(ctx context.Context, upd TradeUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		m.log.Warn("trade update before initialization ignored", zap.String("symbol", upd.Symbol))
		return
	}

	m.metrics.DailyPnl += upd.Pnl
	m.metrics.WeeklyPnl += upd.Pnl
	m.metrics.DailyTradesCount++
	m.metrics.WeeklyTradesCount++
	m.metrics.LastTradeTime = m.now().UTC()

	m.metrics.DailyCurrentBalance = m.metrics.DailyStartBalance + m.metrics.DailyPnl
	if m.metrics.DailyCurrentBalance > m.metrics.DailyHighWaterMark {
		m.metrics.DailyHighWaterMark = m.metrics.DailyCurrentBalance
	}
	weekly := m.weeklyCurrentBalanceLocked()
	if weekly > m.metrics.WeeklyHighWaterMark {
		m.metrics.WeeklyHighWaterMark = weekly
	}

	if positions, err := m.gateway.GetPositions(ctx); err != nil {
		telemetry.RecordGatewayError("positions")
		m.log.Warn("failed to refresh open position count", zap.Error(err))
	} else {
		m.metrics.CurrentPositions = len(positions)
	}

	telemetry.UpdateWindow("daily", m.metrics.DailyPnl,
		drawdownPct(m.metrics.DailyHighWaterMark, m.metrics.DailyCurrentBalance))
	telemetry.UpdateWindow("weekly", m.metrics.WeeklyPnl,
		drawdownPct(m.metrics.WeeklyHighWaterMark, weekly))
	telemetry.GatewayBalance.Set(m.metrics.DailyCurrentBalance)

	m.log.Info("trade recorded",
		zap.String("symbol", upd.Symbol),
		zap.Float64("pnl", upd.Pnl),
		zap.Float64("daily_pnl", m.metrics.DailyPnl),
		zap.Int("daily_trades", m.metrics.DailyTradesCount))
}

// SetCurrentPositions обновляет счётчик открытых позиций
func (m *Manager) SetCurrentPositions(n int) {
	m.mu.Lock()
	m.metrics.CurrentPositions = n
	m.mu.Unlock()
}

// weeklyCurrentBalanceLocked - текущий баланс недельного окна
func (m *Manager) weeklyCurrentBalanceLocked() float64 {
	return m.metrics.WeeklyStartBalance + m.metrics.WeeklyPnl
}

// ============================================================
// Сбросы торговых окон
// ============================================================

// checkScheduledResetsLocked выполняет плановые сбросы, если их время пришло
//
// Дневной сброс срабатывает не чаще раза в календарные сутки UTC после
// настроенного времени; недельный - в настроенный день недели, не раньше
// чем через 7 суток после предыдущего.
func (m *Manager) checkScheduledResetsLocked(ctx context.Context) {
	now := m.now().UTC()

	resetAt, err := parseResetTime(m.store.GetString("daily.reset_time_utc", "00:00"))
	if err != nil {
		m.log.Warn("invalid daily.reset_time_utc, using 00:00", zap.Error(err))
		resetAt = 0
	}
	todayReset := now.Truncate(24 * time.Hour).Add(resetAt)
	if !now.Before(todayReset) && calendarDay(m.metrics.LastDailyReset) != calendarDay(now) {
		m.performDailyResetLocked(ctx, "scheduled")
	}

	dow, err := parseWeekday(m.store.GetString("weekly.reset_dow_utc", "MONDAY"))
	if err != nil {
		m.log.Warn("invalid weekly.reset_dow_utc, using MONDAY", zap.Error(err))
		dow = time.Monday
	}
	if now.Weekday() == dow && now.Sub(m.metrics.LastWeeklyReset) >= 7*24*time.Hour {
		m.performWeeklyResetLocked(ctx, "scheduled")
	}
}

// performDailyResetLocked перебазирует дневное окно на текущий баланс
func (m *Manager) performDailyResetLocked(ctx context.Context, trigger string) {
	balance := m.rebaseBalanceLocked(ctx)

	m.metrics.DailyPnl = 0
	m.metrics.DailyTradesCount = 0
	m.metrics.DailyStartBalance = balance
	m.metrics.DailyCurrentBalance = balance
	m.metrics.DailyHighWaterMark = balance
	m.metrics.LastDailyReset = m.now().UTC()

	if !m.metrics.TradingAllowed && m.metrics.HaltCategory == HaltDaily {
		m.resumeLocked("daily_reset")
	}

	telemetry.WindowResets.WithLabelValues("daily", trigger).Inc()
	telemetry.UpdateWindow("daily", 0, 0)
	m.log.Info("daily risk window reset",
		zap.String("trigger", trigger), zap.Float64("start_balance", balance))

	m.notifyLocked(models.NotificationTypeReset, models.SeverityInfo,
		"", fmt.Sprintf("Daily risk window reset (%s), start balance %.2f", trigger, balance), nil)
}

// performWeeklyResetLocked перебазирует недельное окно на текущий баланс
func (m *Manager) performWeeklyResetLocked(ctx context.Context, trigger string) {
	balance := m.rebaseBalanceLocked(ctx)

	m.metrics.WeeklyPnl = 0
	m.metrics.WeeklyTradesCount = 0
	m.metrics.WeeklyStartBalance = balance
	m.metrics.WeeklyHighWaterMark = balance
	m.metrics.LastWeeklyReset = m.now().UTC()

	if !m.metrics.TradingAllowed && m.metrics.HaltCategory == HaltWeekly {
		m.resumeLocked("weekly_reset")
	}

	telemetry.WindowResets.WithLabelValues("weekly", trigger).Inc()
	telemetry.UpdateWindow("weekly", 0, 0)
	m.log.Info("weekly risk window reset",
		zap.String("trigger", trigger), zap.Float64("start_balance", balance))

	m.notifyLocked(models.NotificationTypeReset, models.SeverityInfo,
		"", fmt.Sprintf("Weekly risk window reset (%s), start balance %.2f", trigger, balance), nil)
}

// rebaseBalanceLocked возвращает баланс для перебазирования окна
//
// Предпочитается кошельковый баланс с биржи; при её недоступности
// берётся локально вычисленный текущий баланс - сброс не откладывается.
func (m *Manager) rebaseBalanceLocked(ctx context.Context) float64 {
	balance, err := m.gateway.GetBalance(ctx)
	if err != nil {
		telemetry.RecordGatewayError("balance")
		m.log.Warn("failed to fetch balance for window reset, using local balance", zap.Error(err))
		return m.metrics.DailyCurrentBalance
	}
	return balance.Wallet
}

// ResetDailyCounters вручную сбрасывает дневное окно
func (m *Manager) ResetDailyCounters(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.performDailyResetLocked(ctx, "manual")
}

// ResetWeeklyCounters вручную сбрасывает недельное окно
func (m *Manager) ResetWeeklyCounters(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.performWeeklyResetLocked(ctx, "manual")
}

// ============================================================
// Управление и параметры
// ============================================================

// Enable включает риск-менеджмент
func (m *Manager) Enable() error {
	m.log.Info("risk management enabled")
	return m.store.Set("enabled", true)
}

// Disable выключает риск-менеджмент (все проверки пропускаются)
func (m *Manager) Disable() error {
	m.log.Warn("risk management disabled, all trades will be allowed")
	return m.store.Set("enabled", false)
}

// SetRiskParameter изменяет параметр лимитов по dotted path
//
// Сырое строковое значение приводится к типу по конвенции имени поля:
// проценты/потери/суммы - float, счётчики/плечо/минуты - int,
// enabled/hard_stop/persist_* - bool; время и день недели сброса
// валидируются как строки.
func (m *Manager) SetRiskParameter(path, raw string) error {
	value, err := coerceParameter(path, raw)
	if err != nil {
		return err
	}
	return m.store.Set(path, value)
}

// coerceParameter приводит строковое значение параметра к целевому типу
func coerceParameter(path, raw string) (interface{}, error) {
	parts := strings.Split(path, ".")
	field := parts[len(parts)-1]

	switch {
	case field == "reset_time_utc":
		if _, err := parseResetTime(raw); err != nil {
			return nil, err
		}
		return raw, nil

	case field == "reset_dow_utc":
		if _, err := parseWeekday(raw); err != nil {
			return nil, err
		}
		return strings.ToUpper(raw), nil

	case field == "enabled" || field == "hard_stop" || strings.HasPrefix(field, "persist_"):
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("parameter %s expects a boolean: %w", path, err)
		}
		return b, nil

	case strings.HasSuffix(field, "_trades") || strings.HasSuffix(field, "_leverage") ||
		strings.HasSuffix(field, "_positions") || strings.HasSuffix(field, "_minutes"):
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("parameter %s expects an integer: %w", path, err)
		}
		return n, nil

	case strings.HasSuffix(field, "_pct") || strings.HasSuffix(field, "_loss") ||
		strings.HasSuffix(field, "_amount") || strings.HasSuffix(field, "_percent") ||
		strings.HasSuffix(field, "_size"):
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("parameter %s expects a number: %w", path, err)
		}
		return f, nil

	case field == "method" || field == "currency":
		return raw, nil

	default:
		return nil, fmt.Errorf("unknown parameter %s", path)
	}
}

// ============================================================
// Статус
// ============================================================

// WindowStatus - состояние одного торгового окна
type WindowStatus struct {
	Pnl            float64 `json:"pnl"`
	StartBalance   float64 `json:"start_balance"`
	CurrentBalance float64 `json:"current_balance"`
	HighWaterMark  float64 `json:"high_water_mark"`
	DrawdownPct    float64 `json:"drawdown_pct"`
	MaxAbsLoss     float64 `json:"max_abs_loss"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	LossUsedPct    float64 `json:"loss_used_pct"`
	TradesCount    int     `json:"trades_count,omitempty"`
	MaxTrades      int     `json:"max_trades,omitempty"`
	TradesUsedPct  float64 `json:"trades_used_pct,omitempty"`
	LastReset      string  `json:"last_reset"`
}

// Status - полный снимок состояния риск-менеджера
type Status struct {
	Enabled        bool                   `json:"enabled"`
	TradingAllowed bool                   `json:"trading_allowed"`
	HaltReason     string                 `json:"halt_reason,omitempty"`
	HaltCategory   string                 `json:"halt_category,omitempty"`
	Daily          WindowStatus           `json:"daily"`
	Weekly         WindowStatus           `json:"weekly"`
	Positions      PositionStatus         `json:"positions"`
	LastTradeTime  string                 `json:"last_trade_time,omitempty"`
	Limits         map[string]interface{} `json:"limits"`
}

// PositionStatus - позиционная часть статуса
type PositionStatus struct {
	Current int `json:"current"`
	Max     int `json:"max"`
}

// GetRiskStatus возвращает снимок состояния со степенью выработки лимитов
//
// Плановые сбросы проверяются и здесь: статус, запрошенный после времени
// сброса, уже отражает новое окно.
func (m *Manager) GetRiskStatus(ctx context.Context) *Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		m.checkScheduledResetsLocked(ctx)
	}

	dailyMaxLoss := m.store.GetFloat("daily.max_abs_loss", 300)
	weeklyMaxLoss := m.store.GetFloat("weekly.max_abs_loss", 1000)
	maxTrades := m.store.GetInt("daily.max_trades", 50)
	weeklyBalance := m.weeklyCurrentBalanceLocked()

	st := &Status{
		Enabled:        m.store.GetBool("enabled", true),
		TradingAllowed: m.metrics.TradingAllowed,
		HaltReason:     m.metrics.HaltReason,
		HaltCategory:   string(m.metrics.HaltCategory),
		Daily: WindowStatus{
			Pnl:            m.metrics.DailyPnl,
			StartBalance:   m.metrics.DailyStartBalance,
			CurrentBalance: m.metrics.DailyCurrentBalance,
			HighWaterMark:  m.metrics.DailyHighWaterMark,
			DrawdownPct:    drawdownPct(m.metrics.DailyHighWaterMark, m.metrics.DailyCurrentBalance),
			MaxAbsLoss:     dailyMaxLoss,
			MaxDrawdownPct: m.store.GetFloat("daily.max_drawdown_pct", 8),
			LossUsedPct:    usagePct(-m.metrics.DailyPnl, dailyMaxLoss),
			TradesCount:    m.metrics.DailyTradesCount,
			MaxTrades:      maxTrades,
			TradesUsedPct:  usagePct(float64(m.metrics.DailyTradesCount), float64(maxTrades)),
			LastReset:      formatTime(m.metrics.LastDailyReset),
		},
		Weekly: WindowStatus{
			Pnl:            m.metrics.WeeklyPnl,
			StartBalance:   m.metrics.WeeklyStartBalance,
			CurrentBalance: weeklyBalance,
			HighWaterMark:  m.metrics.WeeklyHighWaterMark,
			DrawdownPct:    drawdownPct(m.metrics.WeeklyHighWaterMark, weeklyBalance),
			MaxAbsLoss:     weeklyMaxLoss,
			MaxDrawdownPct: m.store.GetFloat("weekly.max_drawdown_pct", 20),
			LossUsedPct:    usagePct(-m.metrics.WeeklyPnl, weeklyMaxLoss),
			TradesCount:    m.metrics.WeeklyTradesCount,
			LastReset:      formatTime(m.metrics.LastWeeklyReset),
		},
		Positions: PositionStatus{
			Current: m.metrics.CurrentPositions,
			Max:     m.store.GetInt("position.max_concurrent_positions", 3),
		},
		LastTradeTime: formatTime(m.metrics.LastTradeTime),
		Limits:        m.store.Document(),
	}
	return st
}

// Snapshot возвращает копию накопленных метрик (для тестов и движка)
func (m *Manager) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

// notifyLocked отправляет уведомление без блокировки горутины
func (m *Manager) notifyLocked(typ, severity, symbol, message string, meta map[string]interface{}) {
	if m.notifCh == nil {
		return
	}
	notif := &models.Notification{
		Timestamp: m.now().UTC(),
		Type:      typ,
		Severity:  severity,
		Symbol:    symbol,
		Message:   message,
		Meta:      meta,
	}
	if !models.TryEnqueueNotification(m.notifCh, notif) {
		telemetry.RecordBufferOverflow("notifications")
		m.log.Warn("notification channel full, dropping", zap.String("type", typ))
	}
}

// ============================================================
// Вспомогательные функции
// ============================================================

// drawdownPct - просадка от high-water mark в процентах
func drawdownPct(hwm, current float64) float64 {
	if hwm <= 0 || current >= hwm {
		return 0
	}
	return (hwm - current) / hwm * 100
}

// usagePct - степень выработки лимита в процентах, [0, 100+]
func usagePct(used, limit float64) float64 {
	if limit <= 0 || used <= 0 {
		return 0
	}
	return used / limit * 100
}

// parseResetTime разбирает время сброса "HH:MM" в смещение от полуночи
func parseResetTime(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid reset time %q, expected HH:MM: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// parseWeekday разбирает имя дня недели (MONDAY, tuesday, ...)
func parseWeekday(s string) (time.Weekday, error) {
	days := map[string]time.Weekday{
		"SUNDAY": time.Sunday, "MONDAY": time.Monday, "TUESDAY": time.Tuesday,
		"WEDNESDAY": time.Wednesday, "THURSDAY": time.Thursday,
		"FRIDAY": time.Friday, "SATURDAY": time.Saturday,
	}
	if d, ok := days[strings.ToUpper(strings.TrimSpace(s))]; ok {
		return d, nil
	}
	return 0, fmt.Errorf("invalid weekday %q", s)
}

// calendarDay - дата UTC без времени, для сравнения календарных суток
func calendarDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// formatTime форматирует время для статуса; нулевое время - пустая строка
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
