package engine

import (
	"context"
	"sync"
	"time"

	"tradegate/internal/config"
	"tradegate/internal/exchange"
	"tradegate/internal/position"
	"tradegate/internal/risk"
	"tradegate/internal/telemetry"
	"tradegate/pkg/utils"

	"go.uber.org/zap"
)

// Действия торговых сигналов
const (
	ActionOpen  = "open"
	ActionClose = "close"
)

// Signal - входящий торговый сигнал
//
// Источники сигналов (стратегии, внешние системы) живут за пределами
// движка и просто кладут сигналы в очередь через Submit.
type Signal struct {
	Action   string                 `json:"action"` // open | close
	Symbol   string                 `json:"symbol"`
	Side     string                 `json:"side"` // long | short (для open)
	Strategy string                 `json:"strategy"`
	Leverage int                    `json:"leverage,omitempty"` // 0 = из конфигурации
	Meta     map[string]interface{} `json:"meta,omitempty"`
}

// Broadcaster рассылает снимки статуса подписчикам
type Broadcaster interface {
	BroadcastStatus(v interface{})
}

// StatusPayload - периодический снимок состояния для подписчиков
type StatusPayload struct {
	Timestamp time.Time         `json:"timestamp"`
	Risk      *risk.Status      `json:"risk"`
	Positions *position.Summary `json:"positions"`
}

// ============================================================
// Торговый движок
// ============================================================

// Engine - цикл обработки сигналов поверх риск-гейта
//
// Каждый open-сигнал проходит через CheckTradePermission до размещения
// ордера; закрытия фиксируются в риск-метриках через callback менеджера
// позиций.
type Engine struct {
	cfg     config.EngineConfig
	gateway exchange.Gateway
	riskMgr *risk.Manager
	posMgr  *position.Manager
	log     *utils.Logger

	broadcaster Broadcaster

	signals chan Signal
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// Option настраивает движок при создании
type Option func(*Engine)

// WithBroadcaster подключает рассылку статуса (websocket hub)
func WithBroadcaster(b Broadcaster) Option {
	return func(e *Engine) { e.broadcaster = b }
}

// New создаёт торговый движок
func New(cfg config.EngineConfig, gateway exchange.Gateway, riskMgr *risk.Manager,
	posMgr *position.Manager, log *utils.Logger, opts ...Option) *Engine {

	if log == nil {
		log = utils.L()
	}
	e := &Engine{
		cfg:     cfg,
		gateway: gateway,
		riskMgr: riskMgr,
		posMgr:  posMgr,
		log:     log.WithComponent("engine"),
		signals: make(chan Signal, cfg.SignalBuffer),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit кладёт сигнал в очередь без блокировки
//
// Возвращает false при переполненной очереди - сигнал отброшен.
func (e *Engine) Submit(sig Signal) bool {
	select {
	case e.signals <- sig:
		return true
	default:
		telemetry.RecordBufferOverflow("signals")
		e.log.Warn("signal queue full, dropping signal",
			zap.String("symbol", sig.Symbol), zap.String("action", sig.Action))
		return false
	}
}

// Start инициализирует риск-менеджер и запускает цикл обработки
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	if err := e.riskMgr.Initialize(ctx); err != nil {
		return err
	}

	e.started = true
	e.wg.Add(1)
	go e.run(ctx)

	e.log.Info("trading engine started",
		zap.Duration("position_update_freq", e.cfg.PositionUpdateFreq),
		zap.Duration("status_update_freq", e.cfg.StatusUpdateFreq))
	return nil
}

// Stop останавливает цикл обработки и дожидается его завершения
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.mu.Unlock()

	close(e.stopCh)
	e.wg.Wait()
	e.log.Info("trading engine stopped")
}

// run - основной цикл: сигналы и периодические задачи
func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	positionTicker := time.NewTicker(e.cfg.PositionUpdateFreq)
	defer positionTicker.Stop()
	statusTicker := time.NewTicker(e.cfg.StatusUpdateFreq)
	defer statusTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return

		case sig := <-e.signals:
			e.handleSignal(ctx, sig)

		case <-positionTicker.C:
			if err := e.posMgr.UpdatePositions(ctx); err != nil {
				e.log.Warn("position update failed", zap.Error(err))
			}
			e.riskMgr.SetCurrentPositions(e.posMgr.Count())

		case <-statusTicker.C:
			e.broadcastStatus(ctx)
		}
	}
}

// handleSignal обрабатывает один торговый сигнал
func (e *Engine) handleSignal(ctx context.Context, sig Signal) {
	switch sig.Action {
	case ActionClose:
		if _, err := e.posMgr.ClosePosition(ctx, sig.Symbol, "signal"); err != nil {
			e.log.Error("close signal failed", zap.String("symbol", sig.Symbol), zap.Error(err))
		}
		return

	case ActionOpen, "":
		// open - действие по умолчанию
	default:
		e.log.Warn("unknown signal action, ignoring",
			zap.String("action", sig.Action), zap.String("symbol", sig.Symbol))
		return
	}

	ticker, err := e.gateway.GetTicker(ctx, sig.Symbol)
	if err != nil {
		telemetry.RecordGatewayError("ticker")
		e.log.Error("failed to price signal", zap.String("symbol", sig.Symbol), zap.Error(err))
		return
	}

	qty, err := e.posMgr.CalculatePositionSize(ctx, sig.Symbol, ticker.LastPrice)
	if err != nil {
		e.log.Error("failed to size signal", zap.String("symbol", sig.Symbol), zap.Error(err))
		return
	}
	if qty <= 0 {
		return
	}
	notional := qty * ticker.LastPrice

	leverage := sig.Leverage
	if leverage <= 0 {
		leverage = e.cfg.DefaultLeverage
	}

	allowed, reason := e.riskMgr.CheckTradePermission(ctx, notional, leverage)
	if !allowed {
		e.log.Warn("signal rejected by risk gate",
			zap.String("symbol", sig.Symbol),
			zap.String("side", sig.Side),
			zap.String("reason", reason))
		return
	}

	opened, err := e.posMgr.OpenPosition(ctx, sig.Symbol, sig.Side,
		position.Signal{Strategy: sig.Strategy, Meta: sig.Meta})
	if err != nil {
		e.log.Error("failed to open position",
			zap.String("symbol", sig.Symbol), zap.Error(err))
		return
	}
	if opened {
		e.riskMgr.SetCurrentPositions(e.posMgr.Count())
	}
}

// broadcastStatus собирает и рассылает снимок состояния
//
// GetRiskStatus прогоняет плановые сбросы окон, поэтому вызывается на
// каждом тике статуса и без подписчиков.
func (e *Engine) broadcastStatus(ctx context.Context) {
	st := e.riskMgr.GetRiskStatus(ctx)
	if e.broadcaster == nil {
		return
	}
	e.broadcaster.BroadcastStatus(&StatusPayload{
		Timestamp: time.Now().UTC(),
		Risk:      st,
		Positions: e.posMgr.GetPositionsSummary(),
	})
}
