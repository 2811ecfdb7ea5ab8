package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradegate/internal/exchange"
	"tradegate/internal/models"
	"tradegate/internal/risk"
	"tradegate/internal/telemetry"
	"tradegate/pkg/retry"
	"tradegate/pkg/utils"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// emergencyStopLossPct - порог аварийного закрытия позиции
const emergencyStopLossPct = -20.0

// Record - локальная запись об открытой позиции
type Record struct {
	Symbol        string                 `json:"symbol"`
	Side          string                 `json:"side"` // long | short
	Size          float64                `json:"size"`
	EntryPrice    float64                `json:"entry_price"`
	CurrentPrice  float64                `json:"current_price"`
	Pnl           float64                `json:"pnl"`
	PnlPercentage float64                `json:"pnl_percentage"`
	OpenTime      time.Time              `json:"open_time"`
	Strategy      string                 `json:"strategy"`
	OrderID       string                 `json:"order_id,omitempty"`
	Meta          map[string]interface{} `json:"meta,omitempty"`
}

// Age возвращает время жизни позиции
func (r *Record) Age(now time.Time) time.Duration {
	return now.Sub(r.OpenTime)
}

// Signal - метаданные сигнала, породившего позицию
type Signal struct {
	Strategy string
	Meta     map[string]interface{}
}

// CloseCallback вызывается после каждого закрытия позиции с реализованным pnl
type CloseCallback func(ctx context.Context, upd risk.TradeUpdate)

// Summary - сводка по открытым позициям
type Summary struct {
	TotalPositions int      `json:"total_positions"`
	TotalPnl       float64  `json:"total_pnl"`
	TotalPnlPct    float64  `json:"total_pnl_pct"` // взвешено по нотионалу
	Positions      []Record `json:"positions"`
}

// ============================================================
// Менеджер позиций
// ============================================================

// Manager ведёт локальную карту открытых позиций
//
// Вся карта защищена одним мьютексом: открытие, закрытие, переоценка и
// сверка с биржей видят консистентный набор позиций целиком.
type Manager struct {
	mu sync.Mutex

	gateway exchange.Gateway
	store   *risk.Store
	log     *utils.Logger
	notifCh chan<- *models.Notification
	onClose CloseCallback

	positions map[string]*Record

	now func() time.Time
}

// Option настраивает менеджер позиций при создании
type Option func(*Manager)

// WithNotifications подключает канал уведомлений оператора
func WithNotifications(ch chan<- *models.Notification) Option {
	return func(m *Manager) { m.notifCh = ch }
}

// WithCloseCallback регистрирует обработчик реализованного pnl
func WithCloseCallback(cb CloseCallback) Option {
	return func(m *Manager) { m.onClose = cb }
}

// WithClock подменяет источник времени (для тестов)
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager создаёт менеджер позиций
func NewManager(gateway exchange.Gateway, store *risk.Store, log *utils.Logger, opts ...Option) *Manager {
	if log == nil {
		log = utils.L()
	}
	m := &Manager{
		gateway:   gateway,
		store:     store,
		log:       log.WithComponent("position_manager"),
		positions: make(map[string]*Record),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OpenPosition открывает позицию по сигналу
//
// Возвращает (true, nil) при успешном открытии; (false, nil) когда
// открытие штатно не состоялось (лимит позиций, та же сторона уже
// открыта, нулевой размер); ошибку - при отказе биржи.
//
// Противоположная открытая позиция по этому же символу сначала
// закрывается разворотным закрытием, без уведомления о pnl.
func (m *Manager) OpenPosition(ctx context.Context, symbol, side string, sig Signal) (bool, error) {
	if side != exchange.SideLong && side != exchange.SideShort {
		return false, fmt.Errorf("invalid position side %q", side)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	maxPositions := m.store.GetInt("position.max_concurrent_positions", 3)
	if len(m.positions) >= maxPositions {
		m.log.Warn("max concurrent positions reached, signal skipped",
			zap.String("symbol", symbol), zap.Int("open", len(m.positions)))
		return false, nil
	}

	if existing, ok := m.positions[symbol]; ok {
		if existing.Side == side {
			m.log.Info("position already open in the same direction, signal is a no-op",
				zap.String("symbol", symbol), zap.String("side", side))
			return false, nil
		}
		// Разворот: молча закрываем противоположную позицию
		m.log.Info("reversal signal, closing opposite position first",
			zap.String("symbol", symbol),
			zap.String("open_side", existing.Side), zap.String("new_side", side))
		if _, err := m.closeLocked(ctx, symbol, "reversal", models.NotificationTypeClose, true); err != nil {
			return false, fmt.Errorf("failed to close opposite position for reversal: %w", err)
		}
	}

	ticker, err := m.gateway.GetTicker(ctx, symbol)
	if err != nil {
		telemetry.RecordGatewayError("ticker")
		return false, fmt.Errorf("failed to fetch ticker for %s: %w", symbol, err)
	}
	price := ticker.LastPrice

	qty, err := m.CalculatePositionSize(ctx, symbol, price)
	if err != nil {
		return false, err
	}
	qty = m.gateway.RoundQuantity(symbol, qty)
	if qty <= 0 {
		m.log.Warn("calculated position size is zero, signal skipped", zap.String("symbol", symbol))
		return false, nil
	}

	orderSide := exchange.SideBuy
	if side == exchange.SideShort {
		orderSide = exchange.SideSell
	}
	req := exchange.OrderRequest{
		Symbol:   symbol,
		Side:     orderSide,
		Type:     exchange.OrderTypeMarket,
		Quantity: qty,
		ClientID: ulid.Make().String(),
	}

	started := m.now()
	order, err := m.gateway.PlaceOrder(ctx, req)
	telemetry.OrderLatency.WithLabelValues(orderSide).Observe(float64(time.Since(started).Milliseconds()))
	if err != nil {
		telemetry.RecordGatewayError("order")
		return false, fmt.Errorf("failed to place open order for %s: %w", symbol, err)
	}

	entryPrice := order.AvgFillPrice
	if entryPrice <= 0 {
		entryPrice = price
	}

	// Запись появляется только после подтверждения ордера биржей
	m.positions[symbol] = &Record{
		Symbol:       symbol,
		Side:         side,
		Size:         order.FilledQty,
		EntryPrice:   entryPrice,
		CurrentPrice: entryPrice,
		OpenTime:     m.now().UTC(),
		Strategy:     sig.Strategy,
		OrderID:      order.ID,
		Meta:         sig.Meta,
	}

	telemetry.RecordTrade(symbol, "open", 0)
	telemetry.OpenPositions.Set(float64(len(m.positions)))
	m.log.Info("position opened",
		zap.String("symbol", symbol),
		zap.String("side", side),
		zap.Float64("size", order.FilledQty),
		zap.Float64("entry_price", entryPrice),
		zap.String("strategy", sig.Strategy))

	m.notify(models.NotificationTypeOpen, models.SeverityInfo, symbol,
		fmt.Sprintf("Opened %s %s, size %.6f @ %.4f", side, symbol, order.FilledQty, entryPrice),
		map[string]interface{}{"strategy": sig.Strategy})
	return true, nil
}

// ClosePosition закрывает позицию по символу
//
// Возвращает (false, nil), если позиции нет.
func (m *Manager) ClosePosition(ctx context.Context, symbol, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked(ctx, symbol, reason, models.NotificationTypeClose, false)
}

// closeLocked выполняет закрытие позиции под уже взятым мьютексом
//
// Ордер reduce-only: даже при рассинхронизации состояния он не может
// открыть позицию в противоположную сторону. Запись удаляется и pnl
// фиксируется только после подтверждения ордера.
func (m *Manager) closeLocked(ctx context.Context, symbol, reason, notifType string, silent bool) (bool, error) {
	rec, ok := m.positions[symbol]
	if !ok {
		m.log.Warn("close requested for unknown position", zap.String("symbol", symbol))
		return false, nil
	}

	req := exchange.OrderRequest{
		Symbol:     symbol,
		Side:       exchange.CloseSide(rec.Side),
		Type:       exchange.OrderTypeMarket,
		Quantity:   rec.Size,
		ReduceOnly: true,
		ClientID:   ulid.Make().String(),
	}

	started := m.now()
	err := retry.Do(ctx, func() error {
		_, err := m.gateway.PlaceOrder(ctx, req)
		return err
	}, retry.AggressiveConfig())
	telemetry.OrderLatency.WithLabelValues(req.Side).Observe(float64(time.Since(started).Milliseconds()))
	if err != nil {
		telemetry.RecordGatewayError("order")
		return false, fmt.Errorf("failed to place close order for %s: %w", symbol, err)
	}

	// Итоговый pnl по живой цене; при недоступности тикера берётся
	// последняя известная переоценка
	exitPrice := rec.CurrentPrice
	if ticker, terr := m.gateway.GetTicker(ctx, symbol); terr == nil {
		exitPrice = ticker.LastPrice
	} else {
		telemetry.RecordGatewayError("ticker")
		m.log.Warn("failed to fetch ticker for final pnl, using last mark",
			zap.String("symbol", symbol), zap.Error(terr))
	}

	pnlPct := pnlPercent(rec.Side, rec.EntryPrice, exitPrice)
	pnl := rec.Size * rec.EntryPrice * pnlPct / 100

	delete(m.positions, symbol)
	telemetry.RecordTrade(symbol, "close", pnl)
	telemetry.OpenPositions.Set(float64(len(m.positions)))

	m.log.Info("position closed",
		zap.String("symbol", symbol),
		zap.String("side", rec.Side),
		zap.String("reason", reason),
		zap.Float64("pnl", pnl),
		zap.Float64("pnl_pct", pnlPct))

	if !silent {
		severity := models.SeverityInfo
		if notifType == models.NotificationTypeEmergency {
			severity = models.SeverityError
		}
		m.notify(notifType, severity, symbol,
			fmt.Sprintf("Closed %s %s (%s), pnl %.2f (%.2f%%)", rec.Side, symbol, reason, pnl, pnlPct),
			map[string]interface{}{"strategy": rec.Strategy, "reason": reason})
	}

	if m.onClose != nil {
		m.onClose(ctx, risk.TradeUpdate{
			Symbol:   symbol,
			Side:     rec.Side,
			Quantity: rec.Size,
			Price:    exitPrice,
			Pnl:      pnl,
		})
	}
	return true, nil
}

// UpdatePositions сверяет карту с биржей и переоценивает открытые позиции
//
// Позиции, исчезнувшие на бирже, удаляются без размещения ордеров;
// неизвестные позиции с биржи принимаются под управление. Затем каждая
// позиция переоценивается по текущей цене, и срабатывают аварийные
// закрытия: стоп-лосс и превышение максимального времени удержания.
func (m *Manager) UpdatePositions(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.syncWithExchangeLocked(ctx); err != nil {
		return err
	}

	for symbol, rec := range m.positions {
		ticker, err := m.gateway.GetTicker(ctx, symbol)
		if err != nil {
			telemetry.RecordGatewayError("ticker")
			m.log.Warn("failed to refresh price", zap.String("symbol", symbol), zap.Error(err))
			continue
		}

		rec.CurrentPrice = ticker.LastPrice
		rec.PnlPercentage = pnlPercent(rec.Side, rec.EntryPrice, rec.CurrentPrice)
		rec.Pnl = rec.Size * rec.EntryPrice * rec.PnlPercentage / 100

		if rec.PnlPercentage < emergencyStopLossPct {
			m.log.Error("emergency stop loss triggered",
				zap.String("symbol", symbol), zap.Float64("pnl_pct", rec.PnlPercentage))
			telemetry.RecordEmergencyClose(symbol, "stop_loss")
			if _, err := m.closeLocked(ctx, symbol, "emergency stop loss",
				models.NotificationTypeEmergency, false); err != nil {
				m.log.Error("emergency close failed", zap.String("symbol", symbol), zap.Error(err))
			}
			continue
		}

		if maxHold := m.maxHoldFor(rec.Strategy); maxHold > 0 && rec.Age(m.now().UTC()) > maxHold {
			m.log.Warn("max hold time exceeded",
				zap.String("symbol", symbol),
				zap.Duration("age", rec.Age(m.now().UTC())),
				zap.Duration("max_hold", maxHold))
			telemetry.RecordEmergencyClose(symbol, "max_hold")
			if _, err := m.closeLocked(ctx, symbol, "max hold time exceeded",
				models.NotificationTypeMaxHold, false); err != nil {
				m.log.Error("max hold close failed", zap.String("symbol", symbol), zap.Error(err))
			}
		}
	}
	return nil
}

// syncWithExchangeLocked приводит локальную карту к состоянию биржи
func (m *Manager) syncWithExchangeLocked(ctx context.Context) error {
	exPositions, err := m.gateway.GetPositions(ctx)
	if err != nil {
		telemetry.RecordGatewayError("positions")
		return fmt.Errorf("failed to fetch positions for reconciliation: %w", err)
	}

	onExchange := make(map[string]*exchange.Position, len(exPositions))
	for _, p := range exPositions {
		if p.Size != 0 {
			onExchange[p.Symbol] = p
		}
	}

	// Позиции, которых на бирже больше нет, закрыты не нами
	// (ликвидация, ручное закрытие) - ордера не размещаем
	for symbol := range m.positions {
		if _, ok := onExchange[symbol]; !ok {
			delete(m.positions, symbol)
			telemetry.RecordReconcile("dropped")
			m.log.Warn("position vanished on exchange, dropping local record",
				zap.String("symbol", symbol))
			m.notify(models.NotificationTypeReconcile, models.SeverityWarn, symbol,
				fmt.Sprintf("Position %s no longer exists on the exchange, local record dropped", symbol), nil)
		}
	}

	// Неизвестные позиции с биржи берём под управление
	for symbol, p := range onExchange {
		if _, ok := m.positions[symbol]; ok {
			continue
		}
		m.positions[symbol] = &Record{
			Symbol:       symbol,
			Side:         p.Side,
			Size:         p.Size,
			EntryPrice:   p.EntryPrice,
			CurrentPrice: p.MarkPrice,
			OpenTime:     m.now().UTC(),
			Strategy:     "unknown",
		}
		telemetry.RecordReconcile("adopted")
		m.log.Warn("unknown position found on exchange, adopting",
			zap.String("symbol", symbol),
			zap.String("side", p.Side), zap.Float64("size", p.Size))
		m.notify(models.NotificationTypeReconcile, models.SeverityWarn, symbol,
			fmt.Sprintf("Adopted untracked %s position %s, size %.6f", p.Side, symbol, p.Size), nil)
	}

	telemetry.OpenPositions.Set(float64(len(m.positions)))
	return nil
}

// maxHoldFor возвращает максимальное время удержания для стратегии (0 = без лимита)
func (m *Manager) maxHoldFor(strategy string) time.Duration {
	if strategy == "" {
		return 0
	}
	v, ok := m.store.Lookup("strategies." + strategy + ".max_hold_minutes")
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return time.Duration(n) * time.Minute
	case float64:
		return time.Duration(n) * time.Minute
	default:
		return 0
	}
}

// Count возвращает число открытых позиций
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.positions)
}

// Get возвращает копию записи позиции по символу
func (m *Manager) Get(symbol string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.positions[symbol]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// GetPositionsSummary возвращает сводку по открытым позициям
func (m *Manager) GetPositionsSummary() *Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &Summary{Positions: make([]Record, 0, len(m.positions))}
	var totalNotional float64
	for _, rec := range m.positions {
		s.Positions = append(s.Positions, *rec)
		s.TotalPnl += rec.Pnl
		totalNotional += rec.Size * rec.EntryPrice
	}
	s.TotalPositions = len(s.Positions)
	if totalNotional > 0 {
		s.TotalPnlPct = s.TotalPnl / totalNotional * 100
	}
	return s
}

// CloseAll принудительно закрывает все открытые позиции (останов сервиса)
func (m *Manager) CloseAll(ctx context.Context, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for symbol := range m.positions {
		if _, err := m.closeLocked(ctx, symbol, reason, models.NotificationTypeClose, false); err != nil {
			m.log.Error("failed to close position on shutdown",
				zap.String("symbol", symbol), zap.Error(err))
		}
	}
}

// notify отправляет уведомление без блокировки горутины
func (m *Manager) notify(typ, severity, symbol, message string, meta map[string]interface{}) {
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

// pnlPercent - процентный pnl позиции с учётом направления
func pnlPercent(side string, entry, current float64) float64 {
	if entry <= 0 {
		return 0
	}
	if side == exchange.SideShort {
		return (entry - current) / entry * 100
	}
	return (current - entry) / entry * 100
}
