package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"execution/internal/models"
)

// Быстрый JSON для разбора ответов площадки на горячем пути
var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	bybitBaseURL        = "https://api.bybit.com"
	bybitTestnetBaseURL = "https://api-testnet.bybit.com"
	bybitWSPublic       = "wss://stream.bybit.com/v5/public/linear"
	bybitRecvWindow     = "5000"
)

// Bybit реализует Connector для деривативов Bybit (категория linear, USDT)
type Bybit struct {
	baseURL   string
	apiKey    string
	secretKey string

	httpClient *http.Client

	// Кэш последних цен из WebSocket потока
	prices *PriceStream

	mu        sync.RWMutex
	connected bool
}

// NewBybit создаёт адаптер Bybit.
// Использует общий HTTP клиент с connection pooling.
func NewBybit() *Bybit {
	return &Bybit{
		baseURL:    bybitBaseURL,
		httpClient: SharedHTTPClient(),
	}
}

func (b *Bybit) Name() string {
	return "bybit"
}

// Connect проверяет ключи запросом информации о счёте.
// Идемпотентен: повторный вызов на подключённом адаптере - no-op.
func (b *Bybit) Connect(ctx context.Context, creds Credentials) error {
	b.mu.Lock()
	if b.connected {
		b.mu.Unlock()
		return nil
	}
	b.apiKey = creds.APIKey
	b.secretKey = creds.SecretKey
	if creds.UseTestnet {
		b.baseURL = bybitTestnetBaseURL
	}
	b.mu.Unlock()

	// Тестовый подписанный запрос: валидирует ключи
	if _, err := b.doRequest(ctx, http.MethodGet, "/v5/account/wallet-balance",
		map[string]string{"accountType": "UNIFIED"}, true); err != nil {
		return err
	}

	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()

	// Поток цен не критичен: при сбое цены берутся по REST
	b.prices = NewPriceStream("bybit", bybitWSPublic, DefaultPriceStreamConfig())
	_ = b.prices.Start()

	return nil
}

func (b *Bybit) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil
	}
	b.connected = false
	if b.prices != nil {
		b.prices.Close()
		b.prices = nil
	}
	return nil
}

func (b *Bybit) isConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// sign создаёт подпись запроса для Bybit API v5
func (b *Bybit) sign(timestamp, payload string) string {
	message := timestamp + b.apiKey + bybitRecvWindow + payload
	h := hmac.New(sha256.New, []byte(b.secretKey))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

// doRequest выполняет запрос к API и классифицирует ошибки в venue.Error
func (b *Bybit) doRequest(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	var reqBody, reqURL string

	if method == http.MethodGet {
		query := url.Values{}
		for k, v := range params {
			query.Set(k, v)
		}
		reqBody = query.Encode()
		reqURL = b.baseURL + endpoint
		if reqBody != "" {
			reqURL += "?" + reqBody
		}
	} else {
		reqURL = b.baseURL + endpoint
		if len(params) > 0 {
			jsonBytes, _ := json.Marshal(params)
			reqBody = string(jsonBytes)
		}
	}

	var bodyReader io.Reader
	if method != http.MethodGet {
		bodyReader = strings.NewReader(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, &Error{Venue: "bybit", Kind: FaultBadRequest, Message: err.Error(), Original: err}
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		signature := b.sign(timestamp, reqBody)
		req.Header.Set("X-BAPI-API-KEY", b.apiKey)
		req.Header.Set("X-BAPI-SIGN", signature)
		req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
		req.Header.Set("X-BAPI-RECV-WINDOW", bybitRecvWindow)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		// Сетевые сбои и таймауты - transient
		return nil, &Error{Venue: "bybit", Kind: FaultTransient, Message: err.Error(), Original: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Venue: "bybit", Kind: FaultTransient, Message: err.Error(), Original: err}
	}

	if kind, retryAfter := classifyHTTP(resp); kind != FaultUnknown {
		return nil, &Error{
			Venue:      "bybit",
			Kind:       kind,
			Code:       strconv.Itoa(resp.StatusCode),
			Message:    http.StatusText(resp.StatusCode),
			RetryAfter: retryAfter,
		}
	}

	var baseResp struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	if err := json.Unmarshal(body, &baseResp); err != nil {
		return nil, &Error{Venue: "bybit", Kind: FaultTransient, Message: "malformed response", Original: err}
	}

	if baseResp.RetCode != 0 {
		return nil, &Error{
			Venue:   "bybit",
			Kind:    bybitFaultKind(baseResp.RetCode),
			Code:    strconv.Itoa(baseResp.RetCode),
			Message: baseResp.RetMsg,
		}
	}

	return body, nil
}

// bybitFaultKind отображает retCode в плоскую классификацию сбоев
func bybitFaultKind(retCode int) FaultKind {
	switch retCode {
	case 10002: // request not in recv window
		return FaultTransient
	case 10003, 10004, 10005, 33004: // invalid key / signature / permissions / expired
		return FaultAuth
	case 10006, 10018: // rate limit
		return FaultRateLimited
	case 110007, 110012, 110045: // insufficient balance variants
		return FaultInsufficientBalance
	case 110013, 110044: // leverage invalid / exceeds risk limit
		return FaultInvalidLeverage
	case 110017, 110071, 30037: // rejected by risk engine / reduce-only violation
		return FaultOrderRejected
	case 10001: // params error
		return FaultBadRequest
	default:
		return FaultOrderRejected
	}
}

// classifyHTTP классифицирует транспортный уровень: 429 и 5xx
func classifyHTTP(resp *http.Response) (FaultKind, time.Duration) {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := time.Second
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return FaultRateLimited, retryAfter
	case resp.StatusCode >= 500:
		return FaultTransient, 0
	}
	return FaultUnknown, 0
}

// GetBalance возвращает доступный баланс UNIFIED счёта в USDT.
// Advisory: при отключённом адаптере молча возвращает 0.
func (b *Bybit) GetBalance(ctx context.Context) (float64, error) {
	if !b.isConnected() {
		return 0, nil
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/account/wallet-balance",
		map[string]string{"accountType": "UNIFIED"}, true)
	if err != nil {
		return 0, err
	}

	var resp struct {
		Result struct {
			List []struct {
				TotalAvailableBalance string `json:"totalAvailableBalance"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, &Error{Venue: "bybit", Kind: FaultTransient, Message: "malformed balance response", Original: err}
	}
	if len(resp.Result.List) == 0 {
		return 0, nil
	}

	balance, _ := strconv.ParseFloat(resp.Result.List[0].TotalAvailableBalance, 64)
	return balance, nil
}

func (b *Bybit) GetPositions(ctx context.Context) ([]*models.Position, error) {
	if !b.isConnected() {
		return nil, NewNotConnected("bybit")
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/position/list",
		map[string]string{"category": "linear", "settleCoin": "USDT"}, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Symbol        string `json:"symbol"`
				Side          string `json:"side"`
				Size          string `json:"size"`
				AvgPrice      string `json:"avgPrice"`
				MarkPrice     string `json:"markPrice"`
				UnrealisedPnl string `json:"unrealisedPnl"`
				Leverage      string `json:"leverage"`
				PositionIM    string `json:"positionIM"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Venue: "bybit", Kind: FaultTransient, Message: "malformed positions response", Original: err}
	}

	positions := make([]*models.Position, 0, len(resp.Result.List))
	for _, p := range resp.Result.List {
		size, _ := strconv.ParseFloat(p.Size, 64)
		if size == 0 {
			continue
		}
		// Знак количества: отрицательное = short
		if strings.EqualFold(p.Side, "Sell") {
			size = -size
		}
		entry, _ := strconv.ParseFloat(p.AvgPrice, 64)
		mark, _ := strconv.ParseFloat(p.MarkPrice, 64)
		pnl, _ := strconv.ParseFloat(p.UnrealisedPnl, 64)
		lev, _ := strconv.ParseFloat(p.Leverage, 64)
		margin, _ := strconv.ParseFloat(p.PositionIM, 64)

		positions = append(positions, &models.Position{
			Symbol:        p.Symbol,
			Venue:         "bybit",
			Quantity:      size,
			EntryPrice:    entry,
			MarkPrice:     mark,
			UnrealizedPnl: pnl,
			Leverage:      lev,
			MarginUsed:    margin,
			UpdatedAt:     time.Now(),
		})
	}

	return positions, nil
}

func (b *Bybit) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*PlaceOrderResult, error) {
	if !b.isConnected() {
		return nil, NewNotConnected("bybit")
	}

	params := map[string]string{
		"category": "linear",
		"symbol":   req.Symbol,
		"side":     bybitSide(req.Side),
		"qty":      strconv.FormatFloat(req.Quantity, 'f', -1, 64),
	}

	orderType, trigger := bybitOrderType(req.Type)
	params["orderType"] = orderType
	if req.Price > 0 {
		params["price"] = strconv.FormatFloat(req.Price, 'f', -1, 64)
	}
	if trigger && req.StopPrice > 0 {
		params["triggerPrice"] = strconv.FormatFloat(req.StopPrice, 'f', -1, 64)
	}
	// Ключ идемпотентности движка - нативный client order id площадки
	if req.IdempotencyKey != "" {
		params["orderLinkId"] = req.IdempotencyKey
	}

	body, err := b.doRequest(ctx, http.MethodPost, "/v5/order/create", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			OrderID string `json:"orderId"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Venue: "bybit", Kind: FaultTransient, Message: "malformed order response", Original: err}
	}

	return &PlaceOrderResult{
		VenueOrderID: resp.Result.OrderID,
		Status:       models.StatusSubmitted,
		SubmittedAt:  time.Now(),
	}, nil
}

func (b *Bybit) CancelOrder(ctx context.Context, symbol, venueOrderID string) error {
	if !b.isConnected() {
		return NewNotConnected("bybit")
	}

	_, err := b.doRequest(ctx, http.MethodPost, "/v5/order/cancel", map[string]string{
		"category": "linear",
		"symbol":   symbol,
		"orderId":  venueOrderID,
	}, true)
	return err
}

func (b *Bybit) GetOrderStatus(ctx context.Context, symbol, venueOrderID string) (*OrderStatus, error) {
	return b.orderStatus(ctx, symbol, "orderId", venueOrderID)
}

// GetOrderByClientID ищет ордер по orderLinkId (ключу идемпотентности)
func (b *Bybit) GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*OrderStatus, error) {
	return b.orderStatus(ctx, symbol, "orderLinkId", clientOrderID)
}

func (b *Bybit) orderStatus(ctx context.Context, symbol, idParam, id string) (*OrderStatus, error) {
	if !b.isConnected() {
		return nil, NewNotConnected("bybit")
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/order/realtime", map[string]string{
		"category": "linear",
		"symbol":   symbol,
		idParam:    id,
	}, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				OrderID     string `json:"orderId"`
				OrderStatus string `json:"orderStatus"`
				CumExecQty  string `json:"cumExecQty"`
				AvgPrice    string `json:"avgPrice"`
				RejectRsn   string `json:"rejectReason"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Venue: "bybit", Kind: FaultTransient, Message: "malformed status response", Original: err}
	}
	if len(resp.Result.List) == 0 {
		return nil, &Error{Venue: "bybit", Kind: FaultBadRequest, Message: "order not found: " + id}
	}

	o := resp.Result.List[0]
	filled, _ := strconv.ParseFloat(o.CumExecQty, 64)
	avg, _ := strconv.ParseFloat(o.AvgPrice, 64)

	return &OrderStatus{
		VenueOrderID:   o.OrderID,
		Status:         bybitStatus(o.OrderStatus),
		FilledQuantity: filled,
		AvgFillPrice:   avg,
		RejectReason:   o.RejectRsn,
	}, nil
}

// GetCurrentPrice: сначала кэш WebSocket потока, затем REST.
// Advisory: при отключённом адаптере молча возвращает 0.
func (b *Bybit) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	if !b.isConnected() {
		return 0, nil
	}

	b.mu.RLock()
	stream := b.prices
	b.mu.RUnlock()
	if stream != nil {
		if price, ok := stream.LastPrice(symbol); ok {
			return price, nil
		}
		// Подписываемся, чтобы следующие запросы шли из кэша
		_ = stream.Subscribe(symbol)
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/market/tickers",
		map[string]string{"category": "linear", "symbol": symbol}, false)
	if err != nil {
		return 0, err
	}

	var resp struct {
		Result struct {
			List []struct {
				LastPrice string `json:"lastPrice"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Result.List) == 0 {
		return 0, nil
	}

	price, _ := strconv.ParseFloat(resp.Result.List[0].LastPrice, 64)
	return price, nil
}

func (b *Bybit) SetLeverage(ctx context.Context, symbol string, leverage float64, marginMode string) error {
	if !b.isConnected() {
		return NewNotConnected("bybit")
	}

	lev := strconv.FormatFloat(leverage, 'f', -1, 64)
	_, err := b.doRequest(ctx, http.MethodPost, "/v5/position/set-leverage", map[string]string{
		"category":     "linear",
		"symbol":       symbol,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}, true)

	// 110043 = leverage not modified: уже установлено, считаем успехом
	if err != nil {
		var verr *Error
		if errors.As(err, &verr) && verr.Code == "110043" {
			return nil
		}
		return err
	}
	return nil
}

func (b *Bybit) GetLeverageInfo(ctx context.Context, symbol string) (*models.LeverageInfo, error) {
	if !b.isConnected() {
		return nil, NewNotConnected("bybit")
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/position/list",
		map[string]string{"category": "linear", "symbol": symbol}, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Leverage  string `json:"leverage"`
				TradeMode int    `json:"tradeMode"` // 0 = cross, 1 = isolated
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Venue: "bybit", Kind: FaultTransient, Message: "malformed leverage response", Original: err}
	}

	info := &models.LeverageInfo{
		Symbol:      symbol,
		Leverage:    1,
		MaxLeverage: 100, // документированный максимум для linear перпетуалов
		MarginMode:  models.MarginModeCross,
	}
	if len(resp.Result.List) > 0 {
		p := resp.Result.List[0]
		if lev, err := strconv.ParseFloat(p.Leverage, 64); err == nil && lev > 0 {
			info.Leverage = lev
		}
		if p.TradeMode == 1 {
			info.MarginMode = models.MarginModeIsolated
		}
	}
	return info, nil
}

func (b *Bybit) GetMarginHealthRatio(ctx context.Context) (float64, error) {
	if !b.isConnected() {
		return 0, NewNotConnected("bybit")
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/account/wallet-balance",
		map[string]string{"accountType": "UNIFIED"}, true)
	if err != nil {
		return 0, err
	}

	var resp struct {
		Result struct {
			List []struct {
				TotalMarginBalance     string `json:"totalMarginBalance"`
				TotalMaintenanceMargin string `json:"totalMaintenanceMargin"`
				AccountMMRate          string `json:"accountMMRate"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Result.List) == 0 {
		return 0, &Error{Venue: "bybit", Kind: FaultTransient, Message: "malformed margin response", Original: err}
	}

	a := resp.Result.List[0]
	marginBalance, _ := strconv.ParseFloat(a.TotalMarginBalance, 64)
	maintenance, _ := strconv.ParseFloat(a.TotalMaintenanceMargin, 64)
	if marginBalance <= 0 {
		return 1, nil // нет позиций - полный запас
	}

	health := 1 - maintenance/marginBalance
	if health < 0 {
		health = 0
	}
	return health, nil
}

// bybitSide: внутренняя сторона -> формат площадки
func bybitSide(side string) string {
	if side == models.SideSell {
		return "Sell"
	}
	return "Buy"
}

// bybitOrderType: внутренний тип -> (orderType площадки, нужен ли trigger)
func bybitOrderType(orderType string) (string, bool) {
	switch orderType {
	case models.TypeLimit, models.TypeStopLossLimit, models.TypeTakeProfitLimit:
		return "Limit", orderType != models.TypeLimit
	case models.TypeStopLoss, models.TypeTakeProfit:
		return "Market", true
	default:
		return "Market", false
	}
}

// bybitStatus: статус площадки -> внутренний статус
func bybitStatus(s string) string {
	switch s {
	case "New", "Untriggered", "Triggered":
		return models.StatusSubmitted
	case "PartiallyFilled":
		return models.StatusPartiallyFilled
	case "Filled":
		return models.StatusFilled
	case "Cancelled", "PartiallyFilledCanceled":
		return models.StatusCancelled
	case "Rejected":
		return models.StatusRejected
	case "Deactivated", "Expired":
		return models.StatusExpired
	default:
		return models.StatusPending
	}
}
