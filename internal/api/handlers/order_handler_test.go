package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	"execution/internal/models"
	"execution/internal/repository"
	"execution/internal/venue"
)

func orderRouter(h *OrderHandler) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/orders", h.SubmitOrder).Methods("POST")
	r.HandleFunc("/api/v1/orders", h.GetOrders).Methods("GET")
	r.HandleFunc("/api/v1/orders/{id}", h.GetOrder).Methods("GET")
	r.HandleFunc("/api/v1/orders/{id}", h.CancelOrder).Methods("DELETE")
	r.HandleFunc("/api/v1/orders/{id}/ack", h.AcknowledgeOrder).Methods("POST")
	return r
}

func submitBody(t *testing.T) *bytes.Buffer {
	t.Helper()
	body, err := json.Marshal(models.OrderIntent{
		Symbol: "BTCUSDT", Venue: "bybit", Side: "buy", Type: "market", Quantity: 0.5,
	})
	if err != nil {
		t.Fatal(err)
	}
	return bytes.NewBuffer(body)
}

// Создание нового ордера отвечает 201, дубликат - 200 с той же записью
func TestSubmitOrderStatusCodes(t *testing.T) {
	created := true
	h := NewOrderHandler(&mockExecutor{
		submitFn: func(ctx context.Context, intent *models.OrderIntent) (*models.Order, bool, error) {
			return &models.Order{ID: 5, IdempotencyKey: "ord_1_aa", Status: models.StatusSubmitted}, created, nil
		},
	})
	router := orderRouter(h)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/orders", submitBody(t)))
	if rec.Code != http.StatusCreated {
		t.Errorf("created: status = %d, want 201", rec.Code)
	}

	created = false
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/orders", submitBody(t)))
	if rec.Code != http.StatusOK {
		t.Errorf("duplicate: status = %d, want 200", rec.Code)
	}

	var order models.Order
	if err := json.Unmarshal(rec.Body.Bytes(), &order); err != nil {
		t.Fatal(err)
	}
	if order.ID != 5 {
		t.Errorf("order ID = %d", order.ID)
	}
}

// Отклонённый площадкой ордер: 422 с записью и дословной причиной
func TestSubmitOrderVenueRejection(t *testing.T) {
	h := NewOrderHandler(&mockExecutor{
		submitFn: func(ctx context.Context, intent *models.OrderIntent) (*models.Order, bool, error) {
			order := &models.Order{ID: 6, Status: models.StatusRejected, RejectReason: "ab not enough for new order"}
			return order, true, &venue.Error{
				Venue: "bybit", Kind: venue.FaultInsufficientBalance,
				Message: "ab not enough for new order",
			}
		},
	})

	rec := httptest.NewRecorder()
	orderRouter(h).ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/orders", submitBody(t)))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}

	var resp struct {
		Error string        `json:"error"`
		Order *models.Order `json:"order"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Order == nil || resp.Order.RejectReason != "ab not enough for new order" {
		t.Errorf("response must carry the rejected order with verbatim reason: %+v", resp)
	}
}

func TestSubmitOrderBadBody(t *testing.T) {
	h := NewOrderHandler(&mockExecutor{})
	rec := httptest.NewRecorder()
	orderRouter(h).ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/orders", bytes.NewBufferString("{broken")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestGetOrderByIDAndByKey(t *testing.T) {
	h := NewOrderHandler(&mockExecutor{
		getFn: func(ctx context.Context, id int64) (*models.Order, error) {
			return &models.Order{ID: id}, nil
		},
		byKeyFn: func(ctx context.Context, key string) (*models.Order, error) {
			return &models.Order{ID: 9, IdempotencyKey: key}, nil
		},
	})
	router := orderRouter(h)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/orders/7", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("by id: status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/orders/ord_1_deadbeef", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("by key: status = %d", rec.Code)
	}

	var order models.Order
	_ = json.Unmarshal(rec.Body.Bytes(), &order)
	if order.IdempotencyKey != "ord_1_deadbeef" {
		t.Errorf("key lookup returned %+v", order)
	}
}

func TestGetOrderNotFound(t *testing.T) {
	h := NewOrderHandler(&mockExecutor{})
	rec := httptest.NewRecorder()
	orderRouter(h).ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/orders/404", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestCancelTerminalOrderConflict(t *testing.T) {
	h := NewOrderHandler(&mockExecutor{
		cancelFn: func(ctx context.Context, id int64) (*models.Order, error) {
			return nil, repository.ErrTerminalState
		},
	})
	rec := httptest.NewRecorder()
	orderRouter(h).ServeHTTP(rec, httptest.NewRequest("DELETE", "/api/v1/orders/7", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestAcknowledgeOrder(t *testing.T) {
	h := NewOrderHandler(&mockExecutor{
		ackFn: func(id int64) (*models.Order, error) {
			return &models.Order{ID: id, Status: models.StatusRejected, Acknowledged: true}, nil
		},
	})
	rec := httptest.NewRecorder()
	orderRouter(h).ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/orders/7/ack", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}

	var order models.Order
	_ = json.Unmarshal(rec.Body.Bytes(), &order)
	if !order.Acknowledged {
		t.Error("response must reflect acknowledgement")
	}
}

func TestAcknowledgeNonRejectedConflict(t *testing.T) {
	h := NewOrderHandler(&mockExecutor{})
	rec := httptest.NewRecorder()
	orderRouter(h).ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/orders/7/ack", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestGetOrdersEmptyListIsArray(t *testing.T) {
	h := NewOrderHandler(&mockExecutor{})
	rec := httptest.NewRecorder()
	orderRouter(h).ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/orders", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := rec.Body.String(); body != "[]\n" {
		t.Errorf("empty list must serialize as [], got %q", body)
	}
}

func TestGetOrdersBadLimit(t *testing.T) {
	h := NewOrderHandler(&mockExecutor{})
	rec := httptest.NewRecorder()
	orderRouter(h).ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/orders?limit=-1", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
