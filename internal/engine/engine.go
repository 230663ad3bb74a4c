package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"execution/internal/models"
	"execution/internal/repository"
	"execution/internal/venue"
	"execution/pkg/ratelimit"
	"execution/pkg/utils"
)

// OrderStore - контракт хранилища ордеров (реализуется repository)
type OrderStore interface {
	Create(order *models.Order) error
	GetByID(id int64) (*models.Order, error)
	GetByKey(key string) (*models.Order, error)
	GetRecent(limit int) ([]*models.Order, error)
	GetActive() ([]*models.Order, error)
	UpdateFromVenue(id int64, venueOrderID, status string, filledQty, avgPrice float64, submittedAt *time.Time) error
	MarkRejected(id int64, reason string) error
	Acknowledge(id int64) error
	ReclaimRejected(key string) (*models.Order, error)
}

// ConnectorProvider выдаёт подключённые адаптеры и их rate limiter'ы
// (реализуется service.VenueService)
type ConnectorProvider interface {
	// Connector возвращает подключённый адаптер площадки или ошибку
	// FaultNotConnected
	Connector(venueName string) (venue.Connector, error)

	// Limiter возвращает rate limiter площадки
	Limiter(venueName string) (*ratelimit.Limiter, error)
}

// Engine - оркестратор исполнения: принимает намерение, резервирует
// ключ идемпотентности, проверяет плечо, проводит вызов площадки через
// rate limiter и политику повторов, фиксирует исход.
type Engine struct {
	store      OrderStore
	venues     ConnectorProvider
	guard      *Guard
	resilience *Resilience
	leverage   *LeverageValidator
}

func New(store OrderStore, venues ConnectorProvider, leverage *LeverageValidator) *Engine {
	e := &Engine{
		store:      store,
		venues:     venues,
		guard:      NewGuard(store),
		resilience: NewResilience(),
		leverage:   leverage,
	}
	e.resilience.SetRetryCallback(func(venueName string, kind venue.FaultKind) {
		metricVenueRetries.WithLabelValues(venueName, kind.String()).Inc()
	})
	return e
}

// admit проводит запрос через rate limiter площадки, замеряя ожидание
func admit(ctx context.Context, limiter *ratelimit.Limiter, resourceKey string) error {
	start := time.Now()
	err := limiter.Admit(ctx, resourceKey)
	metricRateLimitWait.WithLabelValues(limiter.Venue()).Observe(time.Since(start).Seconds())
	return err
}

// Submit исполняет намерение с at-most-once гарантией.
//
// Возвращает (order, created):
//   - created=true: ордер отправлен на площадку в этом вызове
//   - created=false: ключ уже занят, возвращён существующий результат
//     без обращения к площадке
//
// При фатальном отказе площадки ордер фиксируется как rejected с
// дословной причиной, ошибка поднимается вызывающей стороне. При
// исчерпании transient повторов исход неизвестен: ордер остаётся
// pending до выяснения опросом, повторная отправка не выполняется.
func (e *Engine) Submit(ctx context.Context, intent *models.OrderIntent) (*models.Order, bool, error) {
	if err := intent.Validate(); err != nil {
		return nil, false, err
	}
	if !venue.IsSupported(intent.Venue) {
		return nil, false, fmt.Errorf("unsupported venue: %s", intent.Venue)
	}
	if intent.Leverage > 0 {
		if err := e.leverage.Validate(intent.Venue, intent.Leverage); err != nil {
			metricLeverageRejected.WithLabelValues(intent.Venue).Inc()
			return nil, false, err
		}
	}

	order, created, err := e.guard.Reserve(intent)
	if err != nil {
		return nil, false, err
	}
	if !created {
		metricDedupHits.WithLabelValues(intent.Venue).Inc()
		utils.L().Sugar().Infow("duplicate submission deduplicated",
			"idempotency_key", order.IdempotencyKey, "order_id", order.ID, "status", order.Status)
		return order, false, nil
	}

	metricOrdersInflight.Inc()
	defer metricOrdersInflight.Dec()

	if err := e.dispatch(ctx, intent, order); err != nil {
		return order, true, err
	}
	return order, true, nil
}

// dispatch выполняет фактическую отправку зарезервированного ордера
func (e *Engine) dispatch(ctx context.Context, intent *models.OrderIntent, order *models.Order) error {
	log := utils.L().Sugar()

	conn, err := e.venues.Connector(intent.Venue)
	if err != nil {
		// Площадка не подключена: фиксируем отказ, ключ освобождается
		// через acknowledgement
		e.reject(order, err.Error())
		return err
	}

	limiter, err := e.venues.Limiter(intent.Venue)
	if err != nil {
		e.reject(order, err.Error())
		return err
	}

	if intent.Leverage > 0 {
		if err := admit(ctx, limiter, "leverage:"+intent.Symbol); err != nil {
			return err
		}
		err = e.resilience.Run(ctx, intent.Venue, func(ctx context.Context) error {
			return conn.SetLeverage(ctx, intent.Symbol, intent.Leverage, models.MarginModeCross)
		})
		if err != nil {
			return e.recordFailure(order, err)
		}
	}

	if err := admit(ctx, limiter, "order:"+intent.Symbol); err != nil {
		return err
	}

	start := time.Now()
	result, err := RunWithResult(ctx, e.resilience, intent.Venue, func(ctx context.Context) (*venue.PlaceOrderResult, error) {
		return conn.PlaceOrder(ctx, &venue.PlaceOrderRequest{
			Symbol:         intent.Symbol,
			Side:           intent.Side,
			Type:           intent.Type,
			Quantity:       intent.Quantity,
			Price:          intent.Price,
			StopPrice:      intent.StopPrice,
			IdempotencyKey: order.IdempotencyKey,
		})
	})
	metricVenueCallDuration.WithLabelValues(intent.Venue, "place_order").Observe(time.Since(start).Seconds())

	if err != nil {
		return e.recordFailure(order, err)
	}

	status := result.Status
	if status == "" {
		status = models.StatusSubmitted
	}
	if terr := ApplyTransition(order, status); terr != nil {
		return terr
	}

	submittedAt := result.SubmittedAt
	if err := e.store.UpdateFromVenue(order.ID, result.VenueOrderID, status,
		result.FilledQuantity, result.AvgFillPrice, &submittedAt); err != nil {
		return err
	}

	order.VenueOrderID = result.VenueOrderID
	order.Status = status
	order.FilledQuantity = result.FilledQuantity
	order.AvgFillPrice = result.AvgFillPrice
	order.SubmittedAt = &submittedAt

	metricOrdersSubmitted.WithLabelValues(intent.Venue, status).Inc()
	log.Infow("order submitted",
		"order_id", order.ID, "venue", intent.Venue, "symbol", intent.Symbol,
		"venue_order_id", result.VenueOrderID, "status", status)

	return nil
}

// recordFailure фиксирует исход неудачного вызова площадки.
// Фатальный отказ -> rejected с дословной причиной; transient
// исчерпание -> ордер остаётся pending (исход на площадке неизвестен).
func (e *Engine) recordFailure(order *models.Order, callErr error) error {
	kind := classify(callErr)
	switch kind {
	case venue.FaultTransient, venue.FaultRateLimited:
		utils.L().Sugar().Errorw("venue call exhausted retries, order outcome unknown",
			"order_id", order.ID, "venue", order.Venue, "error", callErr)
		metricOrdersSubmitted.WithLabelValues(order.Venue, "unknown").Inc()
	default:
		e.reject(order, callErr.Error())
	}
	return callErr
}

func (e *Engine) reject(order *models.Order, reason string) {
	if err := e.store.MarkRejected(order.ID, reason); err != nil {
		utils.L().Sugar().Errorw("failed to persist rejection",
			"order_id", order.ID, "error", err)
		return
	}
	order.Status = models.StatusRejected
	order.RejectReason = reason
	metricOrdersSubmitted.WithLabelValues(order.Venue, models.StatusRejected).Inc()
}

// GetOrder возвращает ордер по ID. Нетерминальный ордер с venue id
// перед возвратом сверяется с площадкой: вызывающая сторона после
// таймаута выясняет фактический исход здесь, а не повторной отправкой.
func (e *Engine) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	order, err := e.store.GetByID(id)
	if err != nil {
		return nil, err
	}
	if err := e.syncOrder(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// GetOrderByKey возвращает ордер по ключу идемпотентности
func (e *Engine) GetOrderByKey(ctx context.Context, key string) (*models.Order, error) {
	order, err := e.store.GetByKey(key)
	if err != nil {
		return nil, err
	}
	if err := e.syncOrder(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// ListRecent возвращает последние ордера
func (e *Engine) ListRecent(limit int) ([]*models.Order, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return e.store.GetRecent(limit)
}

// Cancel отменяет ордер. Нетерминальный ордер без venue id (pending)
// отменяется локально; остальные через площадку.
func (e *Engine) Cancel(ctx context.Context, id int64) (*models.Order, error) {
	order, err := e.store.GetByID(id)
	if err != nil {
		return nil, err
	}
	if order.IsTerminal() {
		return order, repository.ErrTerminalState
	}

	if order.VenueOrderID == "" {
		if err := e.store.UpdateFromVenue(order.ID, "", models.StatusCancelled,
			order.FilledQuantity, order.AvgFillPrice, nil); err != nil {
			return order, err
		}
		order.Status = models.StatusCancelled
		return order, nil
	}

	conn, err := e.venues.Connector(order.Venue)
	if err != nil {
		return order, err
	}
	limiter, err := e.venues.Limiter(order.Venue)
	if err != nil {
		return order, err
	}
	if err := admit(ctx, limiter, "cancel:"+order.Symbol); err != nil {
		return order, err
	}

	start := time.Now()
	err = e.resilience.Run(ctx, order.Venue, func(ctx context.Context) error {
		return conn.CancelOrder(ctx, order.Symbol, order.VenueOrderID)
	})
	metricVenueCallDuration.WithLabelValues(order.Venue, "cancel_order").Observe(time.Since(start).Seconds())
	if err != nil {
		return order, err
	}

	if err := e.store.UpdateFromVenue(order.ID, order.VenueOrderID, models.StatusCancelled,
		order.FilledQuantity, order.AvgFillPrice, nil); err != nil {
		// Гонка с исполнением: ордер успел стать filled
		if errors.Is(err, repository.ErrTerminalState) {
			return e.store.GetByID(id)
		}
		return order, err
	}
	order.Status = models.StatusCancelled
	return order, nil
}

// AcknowledgeRejected подтверждает отклонённый ордер, освобождая его
// ключ идемпотентности для повторного использования
func (e *Engine) AcknowledgeRejected(id int64) (*models.Order, error) {
	if err := e.store.Acknowledge(id); err != nil {
		return nil, err
	}
	return e.store.GetByID(id)
}

// ValidateLeverage - dry-run проверка без обращения к площадке
func (e *Engine) ValidateLeverage(venueName string, leverage float64) LeverageReport {
	report := e.leverage.Check(venueName, leverage)
	if !report.Valid {
		metricLeverageRejected.WithLabelValues(venueName).Inc()
	}
	return report
}

// SetLeverage проверяет плечо политикой и применяет его на площадке
func (e *Engine) SetLeverage(ctx context.Context, venueName, symbol string, leverage float64, marginMode string) (*models.LeverageInfo, error) {
	if err := ValidateMarginMode(marginMode); err != nil {
		return nil, err
	}
	if err := e.leverage.Validate(venueName, leverage); err != nil {
		metricLeverageRejected.WithLabelValues(venueName).Inc()
		return nil, err
	}

	conn, err := e.venues.Connector(venueName)
	if err != nil {
		return nil, err
	}
	limiter, err := e.venues.Limiter(venueName)
	if err != nil {
		return nil, err
	}
	if err := admit(ctx, limiter, "leverage:"+symbol); err != nil {
		return nil, err
	}

	if marginMode == "" {
		marginMode = models.MarginModeCross
	}

	start := time.Now()
	err = e.resilience.Run(ctx, venueName, func(ctx context.Context) error {
		return conn.SetLeverage(ctx, symbol, leverage, marginMode)
	})
	metricVenueCallDuration.WithLabelValues(venueName, "set_leverage").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	info, err := conn.GetLeverageInfo(ctx, symbol)
	if err != nil {
		// Установка прошла, чтение не критично
		return &models.LeverageInfo{Symbol: symbol, Leverage: leverage, MarginMode: marginMode}, nil
	}
	return info, nil
}

// syncOrder сверяет нетерминальный ордер со статусом на площадке и
// применяет переход. Ордер без venue id (исход размещения неизвестен
// после исчерпания повторов) ищется по ключу идемпотентности, если
// адаптер поддерживает такой поиск. Сбои опроса логируются и не
// поднимаются: запись в базе остаётся источником истины до следующей
// сверки. Ошибка возвращается только при отмене контекста.
func (e *Engine) syncOrder(ctx context.Context, order *models.Order) error {
	if order.IsTerminal() {
		return nil
	}

	conn, err := e.venues.Connector(order.Venue)
	if err != nil {
		return nil
	}
	limiter, err := e.venues.Limiter(order.Venue)
	if err != nil {
		return nil
	}

	lookup, hasLookup := conn.(venue.ClientOrderLookup)
	if order.VenueOrderID == "" && !hasLookup {
		return nil
	}

	if err := admit(ctx, limiter, "status:"+order.Symbol); err != nil {
		return err
	}

	log := utils.L().Sugar()
	var status *venue.OrderStatus
	if order.VenueOrderID == "" {
		status, err = lookup.GetOrderByClientID(ctx, order.Symbol, order.IdempotencyKey)
	} else {
		status, err = conn.GetOrderStatus(ctx, order.Symbol, order.VenueOrderID)
	}
	if err != nil {
		log.Warnw("status poll failed",
			"order_id", order.ID, "venue", order.Venue, "error", err)
		return nil
	}

	venueOrderID := order.VenueOrderID
	if venueOrderID == "" {
		venueOrderID = status.VenueOrderID
		log.Infow("unknown-outcome order resolved by idempotency key",
			"order_id", order.ID, "venue", order.Venue,
			"venue_order_id", venueOrderID, "status", status.Status)
	} else if status.Status == order.Status && status.FilledQuantity == order.FilledQuantity {
		return nil
	}
	if terr := ApplyTransition(order, status.Status); terr != nil {
		return nil
	}

	if status.Status == models.StatusRejected {
		e.reject(order, status.RejectReason)
		return nil
	}
	if err := e.store.UpdateFromVenue(order.ID, venueOrderID, status.Status,
		status.FilledQuantity, status.AvgFillPrice, nil); err != nil {
		log.Warnw("status update failed", "order_id", order.ID, "error", err)
		return nil
	}
	order.VenueOrderID = venueOrderID
	order.Status = status.Status
	order.FilledQuantity = status.FilledQuantity
	order.AvgFillPrice = status.AvgFillPrice
	return nil
}

// SyncActive опрашивает площадки по активным ордерам и применяет
// переходы статусов. Терминальные записи не трогаются, недопустимые
// переходы логируются и пропускаются.
func (e *Engine) SyncActive(ctx context.Context) error {
	orders, err := e.store.GetActive()
	if err != nil {
		return err
	}

	for _, order := range orders {
		if err := e.syncOrder(ctx, order); err != nil {
			return err
		}
	}

	return nil
}

// StartPolling запускает фоновый опрос активных ордеров до отмены ctx
func (e *Engine) StartPolling(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.SyncActive(ctx); err != nil && ctx.Err() == nil {
					utils.L().Sugar().Warnw("active order sync failed", "error", err)
				}
			}
		}
	}()
}
