package venue

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"execution/internal/models"
)

const (
	alpacaBaseURL      = "https://api.alpaca.markets"
	alpacaPaperBaseURL = "https://paper-api.alpaca.markets"
	alpacaDataBaseURL  = "https://data.alpaca.markets"
)

// Alpaca реализует Connector для рынка акций США.
//
// Особенности площадки: подпись не нужна (ключи в заголовках), настройка
// плеча на стороне площадки отсутствует. SetLeverage принимает плечо
// до границы reg-T маржи (2x) и отклоняет остальное typed ошибкой.
type Alpaca struct {
	baseURL   string
	dataURL   string
	apiKey    string
	secretKey string

	httpClient *http.Client

	mu        sync.RWMutex
	connected bool
	leverage  map[string]float64 // принятое локально плечо по символам
}

func NewAlpaca() *Alpaca {
	return &Alpaca{
		baseURL:    alpacaBaseURL,
		dataURL:    alpacaDataBaseURL,
		httpClient: SharedHTTPClient(),
		leverage:   make(map[string]float64),
	}
}

func (a *Alpaca) Name() string {
	return "alpaca"
}

func (a *Alpaca) Connect(ctx context.Context, creds Credentials) error {
	a.mu.Lock()
	if a.connected {
		a.mu.Unlock()
		return nil
	}
	a.apiKey = creds.APIKey
	a.secretKey = creds.SecretKey
	if creds.UseTestnet {
		a.baseURL = alpacaPaperBaseURL
	}
	a.mu.Unlock()

	if _, err := a.doRequest(ctx, http.MethodGet, a.baseURL+"/v2/account", nil); err != nil {
		return err
	}

	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	return nil
}

func (a *Alpaca) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	return nil
}

func (a *Alpaca) isConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

// doRequest: аутентификация заголовками APCA-API-KEY-ID / SECRET-KEY
func (a *Alpaca) doRequest(ctx context.Context, method, fullURL string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, &Error{Venue: "alpaca", Kind: FaultBadRequest, Message: err.Error(), Original: err}
	}
	req.Header.Set("APCA-API-KEY-ID", a.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", a.secretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Venue: "alpaca", Kind: FaultTransient, Message: err.Error(), Original: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Venue: "alpaca", Kind: FaultTransient, Message: err.Error(), Original: err}
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(respBody, &apiErr)

		kind, retryAfter := classifyHTTP(resp)
		if kind == FaultUnknown {
			kind = alpacaFaultKind(resp.StatusCode, apiErr.Message)
		}
		return nil, &Error{
			Venue:      "alpaca",
			Kind:       kind,
			Code:       strconv.Itoa(resp.StatusCode),
			Message:    apiErr.Message,
			RetryAfter: retryAfter,
		}
	}

	return respBody, nil
}

func alpacaFaultKind(statusCode int, message string) FaultKind {
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		if strings.Contains(strings.ToLower(message), "buying power") {
			return FaultInsufficientBalance
		}
		return FaultAuth
	case http.StatusUnprocessableEntity:
		return FaultOrderRejected
	case http.StatusBadRequest, http.StatusNotFound:
		return FaultBadRequest
	default:
		return FaultOrderRejected
	}
}

func (a *Alpaca) GetBalance(ctx context.Context) (float64, error) {
	if !a.isConnected() {
		return 0, nil
	}

	body, err := a.doRequest(ctx, http.MethodGet, a.baseURL+"/v2/account", nil)
	if err != nil {
		return 0, err
	}

	var resp struct {
		BuyingPower string `json:"buying_power"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, &Error{Venue: "alpaca", Kind: FaultTransient, Message: "malformed account response", Original: err}
	}

	balance, _ := strconv.ParseFloat(resp.BuyingPower, 64)
	return balance, nil
}

func (a *Alpaca) GetPositions(ctx context.Context) ([]*models.Position, error) {
	if !a.isConnected() {
		return nil, NewNotConnected("alpaca")
	}

	body, err := a.doRequest(ctx, http.MethodGet, a.baseURL+"/v2/positions", nil)
	if err != nil {
		return nil, err
	}

	var raw []struct {
		Symbol        string `json:"symbol"`
		Qty           string `json:"qty"`
		AvgEntryPrice string `json:"avg_entry_price"`
		CurrentPrice  string `json:"current_price"`
		UnrealizedPl  string `json:"unrealized_pl"`
		CostBasis     string `json:"cost_basis"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &Error{Venue: "alpaca", Kind: FaultTransient, Message: "malformed positions response", Original: err}
	}

	positions := make([]*models.Position, 0, len(raw))
	for _, p := range raw {
		qty, _ := strconv.ParseFloat(p.Qty, 64)
		if qty == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(p.AvgEntryPrice, 64)
		mark, _ := strconv.ParseFloat(p.CurrentPrice, 64)
		pnl, _ := strconv.ParseFloat(p.UnrealizedPl, 64)
		cost, _ := strconv.ParseFloat(p.CostBasis, 64)

		positions = append(positions, &models.Position{
			Symbol:        p.Symbol,
			Venue:         "alpaca",
			Quantity:      qty,
			EntryPrice:    entry,
			MarkPrice:     mark,
			UnrealizedPnl: pnl,
			Leverage:      1,
			MarginUsed:    cost,
			UpdatedAt:     time.Now(),
		})
	}
	return positions, nil
}

func (a *Alpaca) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*PlaceOrderResult, error) {
	if !a.isConnected() {
		return nil, NewNotConnected("alpaca")
	}

	payload := map[string]interface{}{
		"symbol":        req.Symbol,
		"side":          strings.ToLower(req.Side),
		"qty":           strconv.FormatFloat(req.Quantity, 'f', -1, 64),
		"time_in_force": "day",
	}

	orderType := alpacaOrderType(req.Type)
	payload["type"] = orderType
	switch orderType {
	case "limit":
		payload["limit_price"] = strconv.FormatFloat(req.Price, 'f', -1, 64)
	case "stop":
		payload["stop_price"] = strconv.FormatFloat(req.StopPrice, 'f', -1, 64)
	case "stop_limit":
		payload["limit_price"] = strconv.FormatFloat(req.Price, 'f', -1, 64)
		payload["stop_price"] = strconv.FormatFloat(req.StopPrice, 'f', -1, 64)
	}
	if req.IdempotencyKey != "" {
		payload["client_order_id"] = req.IdempotencyKey
	}

	jsonBytes, _ := json.Marshal(payload)
	body, err := a.doRequest(ctx, http.MethodPost, a.baseURL+"/v2/orders", strings.NewReader(string(jsonBytes)))
	if err != nil {
		return nil, err
	}

	var resp struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Venue: "alpaca", Kind: FaultTransient, Message: "malformed order response", Original: err}
	}

	return &PlaceOrderResult{
		VenueOrderID: resp.ID,
		Status:       alpacaStatus(resp.Status),
		SubmittedAt:  time.Now(),
	}, nil
}

func (a *Alpaca) CancelOrder(ctx context.Context, symbol, venueOrderID string) error {
	if !a.isConnected() {
		return NewNotConnected("alpaca")
	}

	_, err := a.doRequest(ctx, http.MethodDelete, a.baseURL+"/v2/orders/"+venueOrderID, nil)
	return err
}

func (a *Alpaca) GetOrderStatus(ctx context.Context, symbol, venueOrderID string) (*OrderStatus, error) {
	if !a.isConnected() {
		return nil, NewNotConnected("alpaca")
	}
	return a.orderStatus(ctx, a.baseURL+"/v2/orders/"+url.PathEscape(venueOrderID))
}

// GetOrderByClientID ищет ордер по client_order_id (ключу идемпотентности)
func (a *Alpaca) GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*OrderStatus, error) {
	if !a.isConnected() {
		return nil, NewNotConnected("alpaca")
	}
	return a.orderStatus(ctx,
		a.baseURL+"/v2/orders:by_client_order_id?client_order_id="+url.QueryEscape(clientOrderID))
}

func (a *Alpaca) orderStatus(ctx context.Context, fullURL string) (*OrderStatus, error) {
	body, err := a.doRequest(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		ID             string `json:"id"`
		Status         string `json:"status"`
		FilledQty      string `json:"filled_qty"`
		FilledAvgPrice string `json:"filled_avg_price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Venue: "alpaca", Kind: FaultTransient, Message: "malformed order response", Original: err}
	}

	filled, _ := strconv.ParseFloat(resp.FilledQty, 64)
	avg, _ := strconv.ParseFloat(resp.FilledAvgPrice, 64)

	return &OrderStatus{
		VenueOrderID:   resp.ID,
		Status:         alpacaStatus(resp.Status),
		FilledQuantity: filled,
		AvgFillPrice:   avg,
	}, nil
}

func (a *Alpaca) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	if !a.isConnected() {
		return 0, nil
	}

	endpoint := fmt.Sprintf("%s/v2/stocks/%s/trades/latest", a.dataURL, url.PathEscape(symbol))
	body, err := a.doRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}

	var resp struct {
		Trade struct {
			Price float64 `json:"p"`
		} `json:"trade"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, nil
	}
	return resp.Trade.Price, nil
}

// SetLeverage: у площадки нет настройки плеча. Принимаем значения в
// пределах reg-T маржи (до 2x), остальное отклоняем typed ошибкой,
// чтобы движок отдал её как фатальную.
func (a *Alpaca) SetLeverage(ctx context.Context, symbol string, leverage float64, marginMode string) error {
	if !a.isConnected() {
		return NewNotConnected("alpaca")
	}
	if leverage > 2 {
		return &Error{
			Venue:   "alpaca",
			Kind:    FaultInvalidLeverage,
			Message: fmt.Sprintf("equities margin is capped at 2x, requested %gx", leverage),
		}
	}

	a.mu.Lock()
	a.leverage[symbol] = leverage
	a.mu.Unlock()
	return nil
}

func (a *Alpaca) GetLeverageInfo(ctx context.Context, symbol string) (*models.LeverageInfo, error) {
	if !a.isConnected() {
		return nil, NewNotConnected("alpaca")
	}

	a.mu.RLock()
	lev, ok := a.leverage[symbol]
	a.mu.RUnlock()
	if !ok {
		lev = 1
	}

	return &models.LeverageInfo{
		Symbol:      symbol,
		Leverage:    lev,
		MaxLeverage: 2,
		MarginMode:  models.MarginModeCross,
	}, nil
}

// GetMarginHealthRatio считает запас из maintenance margin счёта
func (a *Alpaca) GetMarginHealthRatio(ctx context.Context) (float64, error) {
	if !a.isConnected() {
		return 0, NewNotConnected("alpaca")
	}

	body, err := a.doRequest(ctx, http.MethodGet, a.baseURL+"/v2/account", nil)
	if err != nil {
		return 0, err
	}

	var resp struct {
		Equity            string `json:"equity"`
		MaintenanceMargin string `json:"maintenance_margin"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, &Error{Venue: "alpaca", Kind: FaultTransient, Message: "malformed account response", Original: err}
	}

	equity, _ := strconv.ParseFloat(resp.Equity, 64)
	maintenance, _ := strconv.ParseFloat(resp.MaintenanceMargin, 64)
	if equity <= 0 {
		return 1, nil
	}

	health := 1 - maintenance/equity
	if health < 0 {
		health = 0
	}
	return health, nil
}

func alpacaOrderType(orderType string) string {
	switch orderType {
	case models.TypeLimit:
		return "limit"
	case models.TypeStopLoss, models.TypeTakeProfit:
		return "stop"
	case models.TypeStopLossLimit, models.TypeTakeProfitLimit:
		return "stop_limit"
	default:
		return "market"
	}
}

func alpacaStatus(s string) string {
	switch s {
	case "new", "accepted", "pending_new", "accepted_for_bidding":
		return models.StatusSubmitted
	case "partially_filled":
		return models.StatusPartiallyFilled
	case "filled":
		return models.StatusFilled
	case "canceled", "pending_cancel", "done_for_day":
		return models.StatusCancelled
	case "rejected", "stopped", "suspended":
		return models.StatusRejected
	case "expired":
		return models.StatusExpired
	default:
		return models.StatusPending
	}
}
