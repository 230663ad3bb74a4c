package venue

import (
	"context"
	"fmt"
	"time"

	"execution/internal/models"
)

// Connector определяет унифицированный контракт для работы с любой
// торговой площадкой (криптобиржа, брокер акций).
//
// Адаптеры различаются только wire-трансляцией (формат символов, схема
// подписи, маппинг полей); семантика операций у всех одинаковая:
//
//   - Connect идемпотентен: повторный вызов на подключённом адаптере -
//     no-op с успехом
//   - Все остальные операции до успешного Connect возвращают typed
//     ошибку FaultNotConnected (ошибка вызывающей стороны, не retryable)
//   - GetCurrentPrice и GetBalance - advisory чтения: при отключённом
//     адаптере молча возвращают нулевое значение без ошибки
//   - PlaceOrder обязан передать ключ идемпотентности площадке, если та
//     поддерживает собственную дедупликацию (defense in depth)
type Connector interface {
	// Connect устанавливает сессию с площадкой
	Connect(ctx context.Context, creds Credentials) error

	// Disconnect закрывает сессию и освобождает ресурсы
	Disconnect() error

	// Name возвращает имя площадки
	Name() string

	// GetBalance возвращает доступный баланс счёта (USD/USDT).
	// Advisory: 0 без ошибки если не подключено.
	GetBalance(ctx context.Context) (float64, error)

	// GetPositions возвращает открытые позиции
	GetPositions(ctx context.Context) ([]*models.Position, error)

	// PlaceOrder размещает ордер; req.IdempotencyKey уже заполнен движком
	PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*PlaceOrderResult, error)

	// CancelOrder отменяет ордер по venue-assigned id
	CancelOrder(ctx context.Context, symbol, venueOrderID string) error

	// GetOrderStatus возвращает текущее состояние ордера на площадке
	GetOrderStatus(ctx context.Context, symbol, venueOrderID string) (*OrderStatus, error)

	// GetCurrentPrice возвращает последнюю цену символа.
	// Advisory: 0 без ошибки если не подключено.
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)

	// SetLeverage устанавливает плечо и режим маржи для символа
	SetLeverage(ctx context.Context, symbol string, leverage float64, marginMode string) error

	// GetLeverageInfo возвращает текущее плечо и максимум площадки
	GetLeverageInfo(ctx context.Context, symbol string) (*models.LeverageInfo, error)

	// GetMarginHealthRatio возвращает долю маржи, оставшуюся до
	// принудительной ликвидации (1.0 = полный запас, 0.0 = ликвидация)
	GetMarginHealthRatio(ctx context.Context) (float64, error)
}

// ClientOrderLookup - дополнительная возможность адаптера: поиск ордера
// по клиентскому ключу (тому, что PlaceOrder передал площадке как client
// order id). Позволяет выяснить судьбу ордера, от размещения которого не
// пришёл ответ и venue id неизвестен. Все встроенные адаптеры её
// реализуют.
type ClientOrderLookup interface {
	GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*OrderStatus, error)
}

// Credentials - учётные данные для подключения к площадке
type Credentials struct {
	APIKey     string
	SecretKey  string
	Passphrase string // только для площадок, которые его требуют
	UseTestnet bool
}

// PlaceOrderRequest - параметры размещения ордера на площадке
type PlaceOrderRequest struct {
	Symbol    string
	Side      string // models.SideBuy / models.SideSell
	Type      string // models.TypeMarket и т.д.
	Quantity  float64
	Price     float64 // для limit типов
	StopPrice float64 // для stop типов

	// IdempotencyKey передаётся площадке как client order id
	IdempotencyKey string
}

// PlaceOrderResult - нормализованный ответ площадки на размещение
type PlaceOrderResult struct {
	VenueOrderID   string
	Status         string // статус из models
	FilledQuantity float64
	AvgFillPrice   float64
	SubmittedAt    time.Time
}

// OrderStatus - состояние ордера при опросе
type OrderStatus struct {
	VenueOrderID   string
	Status         string
	FilledQuantity float64
	AvgFillPrice   float64
	RejectReason   string
}

// Session - состояние сессии с площадкой (для /venues endpoint)
type Session struct {
	Venue           string    `json:"venue"`
	Connected       bool      `json:"connected"`
	LastHealthCheck time.Time `json:"last_health_check"`
}

// FaultKind - плоская классификация сбоев площадки.
// Движок принимает решение retry/surface по этому полю, а не по
// каталогу типов ошибок.
type FaultKind int

const (
	FaultUnknown FaultKind = iota

	// FaultTransient - таймаут, 5xx, обрыв соединения: retry с backoff
	FaultTransient

	// FaultRateLimited - площадка просит замедлиться (429):
	// ровно один повтор после RetryAfter
	FaultRateLimited

	// Фатальные: не повторяются никогда
	FaultAuth                // неверные ключи, истёкшая сессия
	FaultBadRequest          // malformed запрос
	FaultInsufficientBalance // недостаточно средств
	FaultInvalidLeverage     // площадка отклонила плечо
	FaultOrderRejected       // risk engine площадки отклонил ордер
	FaultNotConnected        // вызов до Connect: ошибка вызывающей стороны
)

func (k FaultKind) String() string {
	switch k {
	case FaultTransient:
		return "transient"
	case FaultRateLimited:
		return "rate_limited"
	case FaultAuth:
		return "auth"
	case FaultBadRequest:
		return "bad_request"
	case FaultInsufficientBalance:
		return "insufficient_balance"
	case FaultInvalidLeverage:
		return "invalid_leverage"
	case FaultOrderRejected:
		return "order_rejected"
	case FaultNotConnected:
		return "not_connected"
	default:
		return "unknown"
	}
}

// Error - типизированная ошибка площадки.
// Message хранит дословную причину площадки: пользовательские сообщения
// об отказах обязаны включать её рядом с интерпретацией движка.
type Error struct {
	Venue   string
	Kind    FaultKind
	Code    string // код площадки, если есть
	Message string // дословный текст площадки

	// RetryAfter - окно, запрошенное площадкой при FaultRateLimited
	RetryAfter time.Duration

	Original error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s [%s/%s]: %s", e.Venue, e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Venue, e.Kind, e.Message)
}

// Unwrap возвращает оригинальную ошибку для errors.Is/As
func (e *Error) Unwrap() error {
	return e.Original
}

// Retryable реализует контракт retry.RetryableError
func (e *Error) Retryable() bool {
	return e.Kind == FaultTransient
}

// NewNotConnected - стандартная ошибка вызова до Connect
func NewNotConnected(venueName string) *Error {
	return &Error{
		Venue:   venueName,
		Kind:    FaultNotConnected,
		Message: "not connected: call Connect first",
	}
}
