package exchange

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// Paper - внутрипроцессный симулятор биржи
//
// Назначение:
// - dry-run режим сервера без реального шлюза
// - детерминированные интеграционные тесты движка
//
// Поведение:
// - рыночные ордера исполняются мгновенно по последней цене
// - позиции неттятся: противоположный ордер сначала уменьшает размер
// - reduce-only ордер никогда не открывает новую позицию
// - реализованный PNL зачисляется в баланс кошелька при закрытии
type Paper struct {
	mu sync.Mutex

	balance     float64
	prices      map[string]float64
	instruments map[string]*Instrument
	positions   map[string]*paperPosition

	orderSeq int64

	// Инъекция ошибок для тестов (ключ - имя операции)
	errs map[string]error
}

type paperPosition struct {
	side       string
	size       float64
	entryPrice float64
	openedAt   time.Time
}

// NewPaper создаёт симулятор с заданным стартовым балансом
func NewPaper(initialBalance float64) *Paper {
	return &Paper{
		balance:     initialBalance,
		prices:      make(map[string]float64),
		instruments: make(map[string]*Instrument),
		positions:   make(map[string]*paperPosition),
		errs:        make(map[string]error),
	}
}

// GetName возвращает имя биржи
func (p *Paper) GetName() string { return "paper" }

// SetPrice устанавливает текущую цену символа
func (p *Paper) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	p.prices[symbol] = price
	p.mu.Unlock()
}

// SetInstrument задаёт лимиты инструмента
func (p *Paper) SetInstrument(inst *Instrument) {
	p.mu.Lock()
	p.instruments[inst.Symbol] = inst
	p.mu.Unlock()
}

// FailWith заставляет операцию op возвращать err (nil = сбросить)
//
// Операции: balance, ticker, positions, instrument, order
func (p *Paper) FailWith(op string, err error) {
	p.mu.Lock()
	if err == nil {
		delete(p.errs, op)
	} else {
		p.errs[op] = err
	}
	p.mu.Unlock()
}

// GetBalance возвращает баланс аккаунта симулятора
func (p *Paper) GetBalance(ctx context.Context) (*Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.errs["balance"]; err != nil {
		return nil, &GatewayError{Gateway: "paper", Message: "balance failed", Original: err}
	}

	var used, unrealized float64
	for sym, pos := range p.positions {
		used += pos.size * pos.entryPrice
		if price, ok := p.prices[sym]; ok {
			if pos.side == SideLong {
				unrealized += (price - pos.entryPrice) * pos.size
			} else {
				unrealized += (pos.entryPrice - price) * pos.size
			}
		}
	}

	return &Balance{
		Wallet:        p.balance,
		Available:     p.balance - used,
		Used:          used,
		UnrealizedPnl: unrealized,
	}, nil
}

// GetTicker возвращает текущую цену символа
func (p *Paper) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.errs["ticker"]; err != nil {
		return nil, &GatewayError{Gateway: "paper", Message: "ticker failed", Original: err}
	}

	price, ok := p.prices[symbol]
	if !ok {
		return nil, &GatewayError{Gateway: "paper", Message: fmt.Sprintf("no price for %s", symbol)}
	}

	return &Ticker{
		Symbol:    symbol,
		BidPrice:  price,
		AskPrice:  price,
		LastPrice: price,
		Timestamp: time.Now(),
	}, nil
}

// GetPositions возвращает открытые позиции (size > 0)
func (p *Paper) GetPositions(ctx context.Context) ([]*Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.errs["positions"]; err != nil {
		return nil, &GatewayError{Gateway: "paper", Message: "positions failed", Original: err}
	}

	out := make([]*Position, 0, len(p.positions))
	for sym, pos := range p.positions {
		price := p.prices[sym]
		var pnl float64
		if pos.side == SideLong {
			pnl = (price - pos.entryPrice) * pos.size
		} else {
			pnl = (pos.entryPrice - price) * pos.size
		}
		out = append(out, &Position{
			Symbol:        sym,
			Side:          pos.side,
			Size:          pos.size,
			EntryPrice:    pos.entryPrice,
			MarkPrice:     price,
			Leverage:      1,
			UnrealizedPnl: pnl,
			UpdatedAt:     time.Now(),
		})
	}
	return out, nil
}

// GetInstrumentInfo возвращает лимиты инструмента (дефолтные, если не заданы)
func (p *Paper) GetInstrumentInfo(ctx context.Context, symbol string) (*Instrument, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.errs["instrument"]; err != nil {
		return nil, &GatewayError{Gateway: "paper", Message: "instrument failed", Original: err}
	}

	if inst, ok := p.instruments[symbol]; ok {
		return inst, nil
	}
	return &Instrument{
		Symbol:      symbol,
		MinOrderQty: 0.001,
		MaxOrderQty: 1000,
		QtyStep:     0.001,
	}, nil
}

// PlaceOrder исполняет рыночный ордер по текущей цене
func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.errs["order"]; err != nil {
		return nil, &GatewayError{Gateway: "paper", Message: "order failed", Original: err}
	}

	price, ok := p.prices[req.Symbol]
	if !ok {
		return nil, &GatewayError{Gateway: "paper", Message: fmt.Sprintf("no price for %s", req.Symbol)}
	}
	if req.Quantity <= 0 {
		return nil, &GatewayError{Gateway: "paper", Message: "quantity must be positive"}
	}

	orderSide := OpenSide(req.Side)
	pos := p.positions[req.Symbol]

	switch {
	case pos == nil:
		if req.ReduceOnly {
			return nil, &GatewayError{Gateway: "paper", Message: "reduce-only order without position"}
		}
		p.positions[req.Symbol] = &paperPosition{
			side:       orderSide,
			size:       req.Quantity,
			entryPrice: price,
			openedAt:   time.Now(),
		}

	case pos.side == orderSide:
		if req.ReduceOnly {
			return nil, &GatewayError{Gateway: "paper", Message: "reduce-only order on same side"}
		}
		// усреднение
		total := pos.size + req.Quantity
		pos.entryPrice = (pos.entryPrice*pos.size + price*req.Quantity) / total
		pos.size = total

	default:
		// противоположная сторона - уменьшаем/закрываем
		closed := math.Min(pos.size, req.Quantity)
		var pnl float64
		if pos.side == SideLong {
			pnl = (price - pos.entryPrice) * closed
		} else {
			pnl = (pos.entryPrice - price) * closed
		}
		p.balance += pnl
		pos.size -= closed

		if pos.size <= 0 {
			delete(p.positions, req.Symbol)
			remainder := req.Quantity - closed
			if remainder > 0 && !req.ReduceOnly {
				// переворот остатком
				p.positions[req.Symbol] = &paperPosition{
					side:       orderSide,
					size:       remainder,
					entryPrice: price,
					openedAt:   time.Now(),
				}
			}
		}
	}

	p.orderSeq++
	return &Order{
		ID:           fmt.Sprintf("paper-%d", p.orderSeq),
		ClientID:     req.ClientID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Type:         OrderTypeMarket,
		Quantity:     req.Quantity,
		FilledQty:    req.Quantity,
		AvgFillPrice: price,
		Status:       OrderStatusFilled,
		CreatedAt:    time.Now(),
	}, nil
}

// RoundQuantity округляет количество вниз до шага лота инструмента
func (p *Paper) RoundQuantity(symbol string, qty float64) float64 {
	p.mu.Lock()
	step := 0.001
	if inst, ok := p.instruments[symbol]; ok && inst.QtyStep > 0 {
		step = inst.QtyStep
	}
	p.mu.Unlock()

	if qty <= 0 {
		return 0
	}
	return math.Floor(qty/step) * step
}
