package wsfeed

import (
	"context"
	"sync"

	"tradegate/internal/models"
	"tradegate/internal/telemetry"
	"tradegate/pkg/utils"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var feedJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Типы сообщений фида
const (
	MessageTypeStatus       = "status"
	MessageTypeNotification = "notification"
)

// StatusMessage - периодический снимок риск-метрик и позиций
type StatusMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// NotificationMessage - событие жизненного цикла позиции или гейта
type NotificationMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub управляет активными WebSocket подписчиками статуса
//
// Подписчики получают периодические status-сообщения и события
// (открытия, закрытия, остановки торговли). Медленный подписчик не
// тормозит остальных: при переполнении его буфера соединение
// отбрасывается.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	log *utils.Logger
	mu  sync.RWMutex
}

// NewHub создает hub статус-фида
func NewHub(log *utils.Logger) *Hub {
	if log == nil {
		log = utils.L()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		log:        log.WithComponent("wsfeed"),
	}
}

// Run запускает главный цикл hub'а
//
// Должен запускаться в отдельной горутине: go hub.Run(ctx)
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Info("feed client connected", zap.Int("total", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Info("feed client disconnected", zap.Int("total", total))

		case message := <-h.broadcast:
			// Список копируется под коротким RLock, отправка идёт без него
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			var toRemove []*Client
			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					toRemove = append(toRemove, client)
				}
			}

			if len(toRemove) > 0 {
				h.mu.Lock()
				for _, client := range toRemove {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
				}
				h.mu.Unlock()
				telemetry.RecordBufferOverflow("wsfeed")
				h.log.Warn("removed slow feed clients", zap.Int("removed", len(toRemove)))
			}
		}
	}
}

// closeAll закрывает все соединения при останове
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}

// Broadcast сериализует и рассылает сообщение всем подписчикам
func (h *Hub) Broadcast(message interface{}) {
	data, err := feedJSON.Marshal(message)
	if err != nil {
		h.log.Error("failed to marshal feed message", zap.Error(err))
		return
	}

	select {
	case h.broadcast <- data:
	default:
		telemetry.RecordBufferOverflow("wsfeed_broadcast")
		h.log.Warn("feed broadcast queue full, dropping message")
	}
}

// BroadcastStatus рассылает снимок состояния (реализует engine.Broadcaster)
func (h *Hub) BroadcastStatus(v interface{}) {
	h.Broadcast(&StatusMessage{Type: MessageTypeStatus, Data: v})
}

// BroadcastNotification рассылает событие жизненного цикла
func (h *Hub) BroadcastNotification(notif *models.Notification) {
	h.Broadcast(&NotificationMessage{Type: MessageTypeNotification, Data: notif})
}

// PumpNotifications пересылает уведомления из канала подписчикам фида
//
// Запускается в отдельной горутине и завершается по ctx
func (h *Hub) PumpNotifications(ctx context.Context, ch <-chan *models.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case notif, ok := <-ch:
			if !ok {
				return
			}
			h.BroadcastNotification(notif)
		}
	}
}

// ClientCount возвращает число подключенных подписчиков
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
