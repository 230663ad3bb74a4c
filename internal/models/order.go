package models

import (
	"errors"
	"fmt"
	"time"

	"execution/pkg/utils"
)

// Стороны ордера
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Типы ордеров
const (
	TypeMarket          = "market"
	TypeLimit           = "limit"
	TypeStopLoss        = "stop_loss"
	TypeStopLossLimit   = "stop_loss_limit"
	TypeTakeProfit      = "take_profit"
	TypeTakeProfitLimit = "take_profit_limit"
)

// Статусы ордера (см. state machine в internal/engine)
const (
	StatusPending         = "pending"          // создан, площадка ещё не подтвердила
	StatusSubmitted       = "submitted"        // площадка приняла
	StatusPartiallyFilled = "partially_filled" // частичное исполнение
	StatusFilled          = "filled"           // терминальный
	StatusCancelled       = "cancelled"        // терминальный
	StatusRejected        = "rejected"         // терминальный
	StatusExpired         = "expired"          // терминальный
)

// IsTerminalStatus возвращает true для статусов, после которых ордер
// не принимает обновлений
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Ошибки валидации intent
var (
	ErrEmptyVenue       = errors.New("venue cannot be empty")
	ErrInvalidSide      = errors.New("side must be buy or sell")
	ErrInvalidOrderType = errors.New("unknown order type")
	ErrPriceRequired    = errors.New("price is required for non-market order types")
	ErrStopRequired     = errors.New("stop price is required for stop order types")
)

// OrderIntent - запрос вызывающей стороны на размещение ордера.
// Эфемерный: потребляется за один вызов Submit.
type OrderIntent struct {
	Symbol   string  `json:"symbol"`
	Venue    string  `json:"venue"`
	Side     string  `json:"side"`
	Type     string  `json:"type"`
	Quantity float64 `json:"quantity"`

	Price     float64 `json:"price,omitempty"`
	StopPrice float64 `json:"stop_price,omitempty"`

	// Leverage > 0 запрашивает установку плеча перед размещением
	// (для площадок, связывающих плечо с ордером)
	Leverage float64 `json:"leverage,omitempty"`

	// ClientOrderID - клиентский ключ идемпотентности; пустой = сгенерирует движок
	ClientOrderID string `json:"client_order_id,omitempty"`

	StrategyTag string            `json:"strategy_tag,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Validate проверяет инварианты intent: quantity > 0, цена для нерыночных
// типов, непустые symbol и venue
func (i *OrderIntent) Validate() error {
	if err := utils.ValidateSymbol(i.Symbol); err != nil {
		return err
	}
	if i.Venue == "" {
		return ErrEmptyVenue
	}
	if i.Side != SideBuy && i.Side != SideSell {
		return fmt.Errorf("%w: %q", ErrInvalidSide, i.Side)
	}
	if err := utils.ValidateQuantity(i.Quantity); err != nil {
		return err
	}

	switch i.Type {
	case TypeMarket:
		// Цена не требуется
	case TypeLimit, TypeStopLossLimit, TypeTakeProfitLimit:
		if err := utils.ValidatePrice(i.Price); err != nil {
			return ErrPriceRequired
		}
	case TypeStopLoss, TypeTakeProfit:
		if err := utils.ValidatePrice(i.StopPrice); err != nil {
			return ErrStopRequired
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidOrderType, i.Type)
	}

	// Stop-limit типы требуют и стоп-цену
	if i.Type == TypeStopLossLimit || i.Type == TypeTakeProfitLimit {
		if err := utils.ValidatePrice(i.StopPrice); err != nil {
			return ErrStopRequired
		}
	}

	return nil
}

// Order - каноническая запись об ордере после размещения.
// Создаётся один раз движком исполнения и мутируется только им
// в ответ на подтверждения/исполнения площадки.
type Order struct {
	ID             int64      `json:"id" db:"id"`
	IdempotencyKey string     `json:"idempotency_key" db:"idempotency_key"`
	VenueOrderID   string     `json:"venue_order_id,omitempty" db:"venue_order_id"`
	Venue          string     `json:"venue" db:"venue"`
	Symbol         string     `json:"symbol" db:"symbol"`
	Side           string     `json:"side" db:"side"`
	Type           string     `json:"type" db:"type"`
	Quantity       float64    `json:"quantity" db:"quantity"`
	FilledQuantity float64    `json:"filled_quantity" db:"filled_quantity"`
	Price          float64    `json:"price,omitempty" db:"price"`
	AvgFillPrice   float64    `json:"avg_fill_price,omitempty" db:"avg_fill_price"`
	Status         string     `json:"status" db:"status"`
	StrategyTag    string     `json:"strategy_tag,omitempty" db:"strategy_tag"`
	RejectReason   string     `json:"reject_reason,omitempty" db:"reject_reason"`
	Acknowledged   bool       `json:"acknowledged" db:"acknowledged"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
	SubmittedAt    *time.Time `json:"submitted_at,omitempty" db:"submitted_at"`
	ClosedAt       *time.Time `json:"closed_at,omitempty" db:"closed_at"`
}

// IsTerminal возвращает true если ордер достиг терминального статуса
func (o *Order) IsTerminal() bool {
	return IsTerminalStatus(o.Status)
}
