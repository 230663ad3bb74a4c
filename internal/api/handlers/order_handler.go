package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"execution/internal/models"
)

// Executor - контракт движка исполнения для HTTP слоя
type Executor interface {
	Submit(ctx context.Context, intent *models.OrderIntent) (*models.Order, bool, error)
	Cancel(ctx context.Context, id int64) (*models.Order, error)
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByKey(ctx context.Context, key string) (*models.Order, error)
	ListRecent(limit int) ([]*models.Order, error)
	AcknowledgeRejected(id int64) (*models.Order, error)
}

// OrderHandler обрабатывает запросы жизненного цикла ордеров:
// отправка с идемпотентностью, отмена, чтение, подтверждение отказов
type OrderHandler struct {
	engine Executor
}

func NewOrderHandler(engine Executor) *OrderHandler {
	return &OrderHandler{engine: engine}
}

// SubmitOrder размещает ордер
// POST /api/v1/orders
//
// 201 - ордер отправлен этим запросом
// 200 - дубликат: возвращён результат ранее принятого ордера
func (h *OrderHandler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var intent models.OrderIntent
	if err := json.NewDecoder(r.Body).Decode(&intent); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, created, err := h.engine.Submit(r.Context(), &intent)
	if err != nil {
		// Отклонённый ордер отдаём вместе с ошибкой: клиенту нужны и
		// запись, и причина
		if order != nil {
			respondJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"error": err.Error(),
				"order": order,
			})
			return
		}
		respondDomainError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, order)
}

// GetOrders возвращает последние ордера
// GET /api/v1/orders?limit=N
func (h *OrderHandler) GetOrders(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	orders, err := h.engine.ListRecent(limit)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if orders == nil {
		orders = []*models.Order{}
	}
	respondJSON(w, http.StatusOK, orders)
}

// GetOrder возвращает ордер по ID или по ключу идемпотентности
// GET /api/v1/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	ref := mux.Vars(r)["id"]

	var order *models.Order
	var err error
	if id, parseErr := strconv.ParseInt(ref, 10, 64); parseErr == nil {
		order, err = h.engine.GetOrder(r.Context(), id)
	} else {
		order, err = h.engine.GetOrderByKey(r.Context(), ref)
	}
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

// CancelOrder отменяет ордер
// DELETE /api/v1/orders/{id}
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	order, err := h.engine.Cancel(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

// AcknowledgeOrder подтверждает отклонённый ордер, освобождая его ключ
// идемпотентности для повторной отправки
// POST /api/v1/orders/{id}/ack
func (h *OrderHandler) AcknowledgeOrder(w http.ResponseWriter, r *http.Request) {
	id, err := orderID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	order, err := h.engine.AcknowledgeRejected(id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

func orderID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}
