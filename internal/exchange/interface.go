package exchange

import (
	"context"
	"time"
)

// Gateway определяет унифицированный интерфейс шлюза биржи
//
// Конкретные REST/stream клиенты живут за пределами движка; ядро видит
// только этот набор операций и фиксированные value-типы ответов.
type Gateway interface {
	// GetName возвращает имя биржи
	GetName() string

	// GetBalance получает баланс фьючерсного аккаунта в валюте маржи
	GetBalance(ctx context.Context) (*Balance, error)

	// GetTicker получает текущую цену актива
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)

	// GetPositions получает список открытых позиций
	GetPositions(ctx context.Context) ([]*Position, error)

	// GetInstrumentInfo получает торговые ограничения инструмента
	GetInstrumentInfo(ctx context.Context, symbol string) (*Instrument, error)

	// PlaceOrder размещает ордер; nil Order без ошибки не бывает
	PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error)

	// RoundQuantity округляет количество до валидного для биржи шага лота
	RoundQuantity(symbol string, qty float64) float64
}

// Balance - баланс фьючерсного аккаунта
type Balance struct {
	Wallet        float64 `json:"wallet"`         // баланс кошелька
	Available     float64 `json:"available"`      // доступно для новых позиций
	Used          float64 `json:"used"`           // занято маржой
	UnrealizedPnl float64 `json:"unrealized_pnl"` // нереализованный PNL
}

// Ticker содержит информацию о текущей цене
type Ticker struct {
	Symbol    string    `json:"symbol"`
	BidPrice  float64   `json:"bid_price"`
	AskPrice  float64   `json:"ask_price"`
	LastPrice float64   `json:"last_price"`
	Timestamp time.Time `json:"timestamp"`
}

// Position представляет открытую позицию на бирже
type Position struct {
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`        // "long" или "short"
	Size          float64   `json:"size"`        // размер в базовой валюте
	EntryPrice    float64   `json:"entry_price"` // средняя цена входа
	MarkPrice     float64   `json:"mark_price"`
	Leverage      int       `json:"leverage"`
	UnrealizedPnl float64   `json:"unrealized_pnl"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Instrument содержит торговые ограничения инструмента
type Instrument struct {
	Symbol      string  `json:"symbol"`
	MinOrderQty float64 `json:"min_order_qty"` // минимальный размер ордера
	MaxOrderQty float64 `json:"max_order_qty"` // максимальный размер ордера
	QtyStep     float64 `json:"qty_step"`      // шаг изменения количества (lot size)
}

// OrderRequest - параметры размещаемого ордера
type OrderRequest struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"` // "buy" или "sell"
	Type       string  `json:"type"` // "market" или "limit"
	Quantity   float64 `json:"quantity"`
	ReduceOnly bool    `json:"reduce_only"`
	ClientID   string  `json:"client_id,omitempty"` // клиентский id (ULID)
}

// Order представляет ответ биржи на размещение ордера
type Order struct {
	ID           string    `json:"id"`
	ClientID     string    `json:"client_id,omitempty"`
	Symbol       string    `json:"symbol"`
	Side         string    `json:"side"`
	Type         string    `json:"type"`
	Quantity     float64   `json:"quantity"`
	FilledQty    float64   `json:"filled_qty"`
	AvgFillPrice float64   `json:"avg_fill_price"`
	Status       string    `json:"status"` // "filled", "partial", "cancelled", "rejected"
	CreatedAt    time.Time `json:"created_at"`
}

// GatewayError представляет ошибку от шлюза биржи
type GatewayError struct {
	Gateway  string
	Code     string
	Message  string
	Original error
}

func (e *GatewayError) Error() string {
	return e.Gateway + ": " + e.Message
}

// Unwrap возвращает оригинальную ошибку для errors.Is() и errors.As()
func (e *GatewayError) Unwrap() error {
	return e.Original
}

// Side constants for orders (используются при размещении ордеров)
const (
	SideBuy  = "buy"  // покупка (открытие long или закрытие short)
	SideSell = "sell" // продажа (открытие short или закрытие long)
)

// Side constants for positions (направление позиции)
const (
	SideLong  = "long"
	SideShort = "short"
)

// Order type constants
const (
	OrderTypeMarket = "market"
	OrderTypeLimit  = "limit"
)

// Order status constants
const (
	OrderStatusFilled    = "filled"
	OrderStatusPartial   = "partial"
	OrderStatusCancelled = "cancelled"
	OrderStatusRejected  = "rejected"
)

// CloseSide возвращает сторону ордера, закрывающего позицию данного направления
func CloseSide(positionSide string) string {
	if positionSide == SideLong {
		return SideSell
	}
	return SideBuy
}

// OpenSide возвращает направление позиции, открываемой ордером данной стороны
func OpenSide(orderSide string) string {
	if orderSide == SideBuy {
		return SideLong
	}
	return SideShort
}
