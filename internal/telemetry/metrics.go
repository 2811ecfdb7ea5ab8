package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики торгового ядра
// ============================================================
//
// Использование:
// - Grafana дашборды для визуализации лимитов и PNL
// - Alertmanager для алертов на остановку торговли
// - /metrics endpoint в cmd/server

// ============ Метрики риск-гейта ============

// PermissionChecks - результаты проверок разрешения на сделку
var PermissionChecks = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradegate",
		Subsystem: "risk",
		Name:      "permission_checks_total",
		Help:      "Total number of trade permission checks",
	},
	[]string{"result"}, // allowed, denied
)

// HaltsTriggered - срабатывания circuit breaker по категориям
var HaltsTriggered = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradegate",
		Subsystem: "risk",
		Name:      "halts_triggered_total",
		Help:      "Number of trading halts by category",
	},
	[]string{"category"}, // daily, weekly, position, circuit_breaker
)

// TradingAllowed - текущее состояние гейта (1 = торговля разрешена)
var TradingAllowed = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "tradegate",
		Subsystem: "risk",
		Name:      "trading_allowed",
		Help:      "Whether trading is currently allowed (1=yes, 0=halted)",
	},
)

// WindowPnl - PNL текущего окна
var WindowPnl = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "tradegate",
		Subsystem: "risk",
		Name:      "window_pnl_usdt",
		Help:      "Realized PnL of the current window in USDT",
	},
	[]string{"window"}, // daily, weekly
)

// WindowDrawdown - просадка текущего окна от high-water mark
var WindowDrawdown = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "tradegate",
		Subsystem: "risk",
		Name:      "window_drawdown_pct",
		Help:      "Drawdown from the window high-water mark in percent",
	},
	[]string{"window"},
)

// WindowResets - выполненные ресеты окон
var WindowResets = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradegate",
		Subsystem: "risk",
		Name:      "window_resets_total",
		Help:      "Number of performed window resets",
	},
	[]string{"window", "trigger"}, // trigger: scheduled, manual
)

// ============ Метрики позиций ============

// TradesTotal - сделки по результату
var TradesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradegate",
		Subsystem: "position",
		Name:      "trades_total",
		Help:      "Total number of trades",
	},
	[]string{"symbol", "action"}, // action: open, close, reverse
)

// RealizedPnl - суммарный реализованный PNL. Gauge: убыточные
// закрытия уменьшают значение
var RealizedPnl = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "tradegate",
		Subsystem: "position",
		Name:      "realized_pnl_usdt",
		Help:      "Cumulative realized PnL in USDT (losses decrease the value)",
	},
)

// OpenPositions - текущее количество открытых позиций
var OpenPositions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "tradegate",
		Subsystem: "position",
		Name:      "open_positions",
		Help:      "Current number of locally tracked open positions",
	},
)

// EmergencyCloses - принудительные закрытия
var EmergencyCloses = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradegate",
		Subsystem: "position",
		Name:      "emergency_closes_total",
		Help:      "Number of forced position closes",
	},
	[]string{"symbol", "reason"}, // reason: stop_loss, max_hold
)

// ReconcileChanges - изменения при сверке с биржей
var ReconcileChanges = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradegate",
		Subsystem: "position",
		Name:      "reconcile_changes_total",
		Help:      "Positions adopted from or dropped against the exchange state",
	},
	[]string{"kind"}, // adopted, dropped
)

// OrderLatency - время исполнения ордера на шлюзе
var OrderLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "tradegate",
		Subsystem: "position",
		Name:      "order_latency_ms",
		Help:      "Time to execute an order through the gateway in milliseconds",
		Buckets:   []float64{50, 100, 200, 300, 500, 1000, 2000, 5000},
	},
	[]string{"side"},
)

// ============ Метрики окружения ============

// GatewayBalance - баланс кошелька на шлюзе
var GatewayBalance = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "tradegate",
		Subsystem: "gateway",
		Name:      "balance_usdt",
		Help:      "Gateway wallet balance in USDT",
	},
)

// GatewayErrors - ошибки вызовов шлюза
var GatewayErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradegate",
		Subsystem: "gateway",
		Name:      "errors_total",
		Help:      "Number of failed gateway calls",
	},
	[]string{"op"},
)

// BufferOverflows - переполнения буферов каналов (уведомления, ws feed)
var BufferOverflows = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradegate",
		Subsystem: "runtime",
		Name:      "buffer_overflows_total",
		Help:      "Number of channel buffer overflows (events dropped)",
	},
	[]string{"buffer"},
)

// ============ Вспомогательные функции ============

// RecordPermission записывает результат проверки разрешения
func RecordPermission(allowed bool) {
	if allowed {
		PermissionChecks.WithLabelValues("allowed").Inc()
	} else {
		PermissionChecks.WithLabelValues("denied").Inc()
	}
}

// RecordHalt записывает срабатывание circuit breaker
func RecordHalt(category string) {
	HaltsTriggered.WithLabelValues(category).Inc()
	TradingAllowed.Set(0)
}

// RecordResume сообщает о возобновлении торговли
func RecordResume() {
	TradingAllowed.Set(1)
}

// RecordTrade записывает сделку
func RecordTrade(symbol, action string, pnl float64) {
	TradesTotal.WithLabelValues(symbol, action).Inc()
	if action == "close" && pnl != 0 {
		RealizedPnl.Add(pnl)
	}
}

// RecordEmergencyClose записывает принудительное закрытие
func RecordEmergencyClose(symbol, reason string) {
	EmergencyCloses.WithLabelValues(symbol, reason).Inc()
}

// RecordReconcile записывает изменение при сверке
func RecordReconcile(kind string) {
	ReconcileChanges.WithLabelValues(kind).Inc()
}

// RecordGatewayError записывает ошибку вызова шлюза
func RecordGatewayError(op string) {
	GatewayErrors.WithLabelValues(op).Inc()
}

// RecordBufferOverflow записывает переполнение буфера
func RecordBufferOverflow(bufferName string) {
	BufferOverflows.WithLabelValues(bufferName).Inc()
}

// UpdateWindow обновляет gauge'и окна
func UpdateWindow(window string, pnl, drawdownPct float64) {
	WindowPnl.WithLabelValues(window).Set(pnl)
	WindowDrawdown.WithLabelValues(window).Set(drawdownPct)
}
