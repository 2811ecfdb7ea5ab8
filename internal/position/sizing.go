package position

import (
	"context"
	"fmt"

	"tradegate/internal/telemetry"

	"go.uber.org/zap"
)

// Методы расчёта размера позиции
const (
	SizingFixedAmount  = "fixed_amount"  // фиксированная сумма в валюте счёта
	SizingFixedPercent = "fixed_percent" // процент от доступного баланса
	SizingAdaptive     = "adaptive"      // адаптивный (пока эквивалент 5% баланса)
)

// CalculatePositionSize вычисляет количество базовой валюты для новой позиции
//
// Нотиональная стоимость определяется методом из конфигурации sizing,
// зажимается в [min_position_size, max_position_size] и переводится в
// количество по текущей цене. Затем результат подгоняется под ограничения
// инструмента: ниже биржевого минимума - минимум с запасом 10%, больше
// половины биржевого максимума - урезается до 10% максимума.
//
// Возвращает 0 как сигнал "не торговать" (например, цена не положительна).
func (m *Manager) CalculatePositionSize(ctx context.Context, symbol string, price float64) (float64, error) {
	if price <= 0 {
		m.log.Warn("cannot size position without a positive price", zap.String("symbol", symbol))
		return 0, nil
	}

	notional, err := m.targetNotional(ctx)
	if err != nil {
		return 0, err
	}

	minNotional := m.store.GetFloat("sizing.min_position_size", 10)
	maxNotional := m.store.GetFloat("sizing.max_position_size", 10000)
	if notional < minNotional {
		notional = minNotional
	}
	if notional > maxNotional {
		notional = maxNotional
	}

	qty := notional / price

	inst, err := m.gateway.GetInstrumentInfo(ctx, symbol)
	if err != nil {
		telemetry.RecordGatewayError("instrument")
		return 0, fmt.Errorf("failed to fetch instrument info for %s: %w", symbol, err)
	}

	if inst.MinOrderQty > 0 && qty < inst.MinOrderQty {
		adjusted := inst.MinOrderQty * 1.1
		m.log.Warn("position size below instrument minimum, bumping",
			zap.String("symbol", symbol),
			zap.Float64("qty", qty),
			zap.Float64("min_order_qty", inst.MinOrderQty),
			zap.Float64("adjusted", adjusted))
		qty = adjusted
	}
	if inst.MaxOrderQty > 0 && qty > inst.MaxOrderQty*0.5 {
		adjusted := inst.MaxOrderQty * 0.1
		m.log.Warn("position size suspiciously large, capping",
			zap.String("symbol", symbol),
			zap.Float64("qty", qty),
			zap.Float64("max_order_qty", inst.MaxOrderQty),
			zap.Float64("adjusted", adjusted))
		qty = adjusted
	}

	return qty, nil
}

// targetNotional - целевая нотиональная стоимость позиции по методу sizing
func (m *Manager) targetNotional(ctx context.Context) (float64, error) {
	method := m.store.GetString("sizing.method", SizingFixedPercent)

	switch method {
	case SizingFixedAmount:
		return m.store.GetFloat("sizing.fixed_amount", 100), nil

	case SizingFixedPercent:
		balance, err := m.gateway.GetBalance(ctx)
		if err != nil {
			telemetry.RecordGatewayError("balance")
			return 0, fmt.Errorf("failed to fetch balance for sizing: %w", err)
		}
		pct := m.store.GetFloat("sizing.fixed_percent", 5)
		return balance.Available * pct / 100, nil

	case SizingAdaptive:
		// TODO: учитывать волатильность инструмента, когда появится её источник
		balance, err := m.gateway.GetBalance(ctx)
		if err != nil {
			telemetry.RecordGatewayError("balance")
			return 0, fmt.Errorf("failed to fetch balance for sizing: %w", err)
		}
		return balance.Available * 5 / 100, nil

	default:
		m.log.Warn("unknown sizing method, falling back to fixed_amount", zap.String("method", method))
		return m.store.GetFloat("sizing.fixed_amount", 100), nil
	}
}
