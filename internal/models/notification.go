package models

import "time"

// Notification представляет уведомление о событии движка
//
// Движок только пишет уведомления в канал; доставка оператору
// (чат-бот, веб-интерфейс) - внешний слой.
type Notification struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Severity  string                 `json:"severity"` // info, warn, error
	Symbol    string                 `json:"symbol,omitempty"`
	Message   string                 `json:"message"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

// Типы уведомлений
const (
	NotificationTypeOpen      = "OPEN"       // открытие позиции
	NotificationTypeClose     = "CLOSE"      // закрытие позиции с итоговым PNL
	NotificationTypeEmergency = "EMERGENCY"  // принудительное закрытие по стоп-лоссу
	NotificationTypeMaxHold   = "MAX_HOLD"   // закрытие по максимальному времени удержания
	NotificationTypeHalt      = "HALT"       // остановка торговли circuit breaker'ом
	NotificationTypeReset     = "RESET"      // ресет дневного/недельного окна
	NotificationTypeReconcile = "RECONCILE"  // расхождение при сверке с биржей
	NotificationTypeError     = "ERROR"      // ошибка API/ордера
)

// Уровни важности
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// TryEnqueueNotification отправляет уведомление в канал без блокировки.
// Возвращает false, если канал переполнен (уведомление отброшено).
func TryEnqueueNotification(ch chan<- *Notification, notif *Notification) bool {
	if ch == nil || notif == nil {
		return false
	}

	select {
	case ch <- notif:
		return true
	default:
		return false
	}
}
