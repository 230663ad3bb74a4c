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

	"execution/internal/models"
)

const (
	binanceBaseURL        = "https://fapi.binance.com"
	binanceTestnetBaseURL = "https://testnet.binancefuture.com"
	binanceRecvWindow     = "5000"
)

// Binance реализует Connector для USDT-M фьючерсов Binance
type Binance struct {
	baseURL   string
	apiKey    string
	secretKey string

	httpClient *http.Client

	mu        sync.RWMutex
	connected bool
}

func NewBinance() *Binance {
	return &Binance{
		baseURL:    binanceBaseURL,
		httpClient: SharedHTTPClient(),
	}
}

func (b *Binance) Name() string {
	return "binance"
}

func (b *Binance) Connect(ctx context.Context, creds Credentials) error {
	b.mu.Lock()
	if b.connected {
		b.mu.Unlock()
		return nil
	}
	b.apiKey = creds.APIKey
	b.secretKey = creds.SecretKey
	if creds.UseTestnet {
		b.baseURL = binanceTestnetBaseURL
	}
	b.mu.Unlock()

	if _, err := b.doRequest(ctx, http.MethodGet, "/fapi/v2/balance", nil, true); err != nil {
		return err
	}

	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	return nil
}

func (b *Binance) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	return nil
}

func (b *Binance) isConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// doRequest подписывает запрос HMAC-SHA256 по query string.
// У Binance подпись идёт отдельным параметром signature.
func (b *Binance) doRequest(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}

	if signed {
		query.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		query.Set("recvWindow", binanceRecvWindow)

		h := hmac.New(sha256.New, []byte(b.secretKey))
		h.Write([]byte(query.Encode()))
		query.Set("signature", hex.EncodeToString(h.Sum(nil)))
	}

	reqURL := b.baseURL + endpoint
	var bodyReader io.Reader
	if method == http.MethodGet || method == http.MethodDelete {
		if encoded := query.Encode(); encoded != "" {
			reqURL += "?" + encoded
		}
	} else {
		bodyReader = strings.NewReader(query.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, &Error{Venue: "binance", Kind: FaultBadRequest, Message: err.Error(), Original: err}
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", b.apiKey)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Venue: "binance", Kind: FaultTransient, Message: err.Error(), Original: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Venue: "binance", Kind: FaultTransient, Message: err.Error(), Original: err}
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		_ = json.Unmarshal(body, &apiErr)

		kind, retryAfter := classifyHTTP(resp)
		if kind == FaultUnknown {
			kind = binanceFaultKind(resp.StatusCode, apiErr.Code)
		}
		return nil, &Error{
			Venue:      "binance",
			Kind:       kind,
			Code:       strconv.Itoa(apiErr.Code),
			Message:    apiErr.Msg,
			RetryAfter: retryAfter,
		}
	}

	return body, nil
}

// binanceFaultKind классифицирует коды ошибок фьючерсного API
func binanceFaultKind(statusCode, apiCode int) FaultKind {
	switch apiCode {
	case -1003: // too many requests
		return FaultRateLimited
	case -1021: // timestamp outside recv window
		return FaultTransient
	case -2014, -2015, -1022: // bad api key / invalid signature
		return FaultAuth
	case -2019: // margin insufficient
		return FaultInsufficientBalance
	case -4028, -4161: // invalid leverage / leverage reduction blocked
		return FaultInvalidLeverage
	case -2021, -2022, -4131: // order rejected variants
		return FaultOrderRejected
	case -1100, -1102, -1104, -1111, -1121: // param errors, bad symbol, bad precision
		return FaultBadRequest
	}

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return FaultAuth
	case http.StatusBadRequest:
		return FaultBadRequest
	default:
		return FaultOrderRejected
	}
}

func (b *Binance) GetBalance(ctx context.Context) (float64, error) {
	if !b.isConnected() {
		return 0, nil
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/fapi/v2/balance", nil, true)
	if err != nil {
		return 0, err
	}

	var balances []struct {
		Asset            string `json:"asset"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &balances); err != nil {
		return 0, &Error{Venue: "binance", Kind: FaultTransient, Message: "malformed balance response", Original: err}
	}

	for _, bal := range balances {
		if bal.Asset == "USDT" {
			available, _ := strconv.ParseFloat(bal.AvailableBalance, 64)
			return available, nil
		}
	}
	return 0, nil
}

func (b *Binance) GetPositions(ctx context.Context) ([]*models.Position, error) {
	if !b.isConnected() {
		return nil, NewNotConnected("binance")
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil, true)
	if err != nil {
		return nil, err
	}

	var raw []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
		Leverage         string `json:"leverage"`
		IsolatedMargin   string `json:"isolatedMargin"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &Error{Venue: "binance", Kind: FaultTransient, Message: "malformed positions response", Original: err}
	}

	positions := make([]*models.Position, 0, len(raw))
	for _, p := range raw {
		qty, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if qty == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		mark, _ := strconv.ParseFloat(p.MarkPrice, 64)
		pnl, _ := strconv.ParseFloat(p.UnRealizedProfit, 64)
		lev, _ := strconv.ParseFloat(p.Leverage, 64)
		margin, _ := strconv.ParseFloat(p.IsolatedMargin, 64)

		positions = append(positions, &models.Position{
			Symbol:        p.Symbol,
			Venue:         "binance",
			Quantity:      qty,
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

func (b *Binance) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*PlaceOrderResult, error) {
	if !b.isConnected() {
		return nil, NewNotConnected("binance")
	}

	params := map[string]string{
		"symbol":   req.Symbol,
		"side":     strings.ToUpper(req.Side),
		"quantity": strconv.FormatFloat(req.Quantity, 'f', -1, 64),
	}

	orderType := binanceOrderType(req.Type)
	params["type"] = orderType
	switch orderType {
	case "LIMIT":
		params["price"] = strconv.FormatFloat(req.Price, 'f', -1, 64)
		params["timeInForce"] = "GTC"
	case "STOP", "TAKE_PROFIT":
		params["price"] = strconv.FormatFloat(req.Price, 'f', -1, 64)
		params["stopPrice"] = strconv.FormatFloat(req.StopPrice, 'f', -1, 64)
		params["timeInForce"] = "GTC"
	case "STOP_MARKET", "TAKE_PROFIT_MARKET":
		params["stopPrice"] = strconv.FormatFloat(req.StopPrice, 'f', -1, 64)
	}
	if req.IdempotencyKey != "" {
		params["newClientOrderId"] = req.IdempotencyKey
	}

	body, err := b.doRequest(ctx, http.MethodPost, "/fapi/v1/order", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		OrderID     int64  `json:"orderId"`
		Status      string `json:"status"`
		ExecutedQty string `json:"executedQty"`
		AvgPrice    string `json:"avgPrice"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Venue: "binance", Kind: FaultTransient, Message: "malformed order response", Original: err}
	}

	filled, _ := strconv.ParseFloat(resp.ExecutedQty, 64)
	avg, _ := strconv.ParseFloat(resp.AvgPrice, 64)

	return &PlaceOrderResult{
		VenueOrderID:   strconv.FormatInt(resp.OrderID, 10),
		Status:         binanceStatus(resp.Status),
		FilledQuantity: filled,
		AvgFillPrice:   avg,
		SubmittedAt:    time.Now(),
	}, nil
}

func (b *Binance) CancelOrder(ctx context.Context, symbol, venueOrderID string) error {
	if !b.isConnected() {
		return NewNotConnected("binance")
	}

	_, err := b.doRequest(ctx, http.MethodDelete, "/fapi/v1/order", map[string]string{
		"symbol":  symbol,
		"orderId": venueOrderID,
	}, true)
	return err
}

func (b *Binance) GetOrderStatus(ctx context.Context, symbol, venueOrderID string) (*OrderStatus, error) {
	return b.orderStatus(ctx, symbol, "orderId", venueOrderID)
}

// GetOrderByClientID ищет ордер по origClientOrderId (ключу идемпотентности)
func (b *Binance) GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*OrderStatus, error) {
	return b.orderStatus(ctx, symbol, "origClientOrderId", clientOrderID)
}

func (b *Binance) orderStatus(ctx context.Context, symbol, idParam, id string) (*OrderStatus, error) {
	if !b.isConnected() {
		return nil, NewNotConnected("binance")
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/fapi/v1/order", map[string]string{
		"symbol": symbol,
		idParam:  id,
	}, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		OrderID     int64  `json:"orderId"`
		Status      string `json:"status"`
		ExecutedQty string `json:"executedQty"`
		AvgPrice    string `json:"avgPrice"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Venue: "binance", Kind: FaultTransient, Message: "malformed status response", Original: err}
	}

	filled, _ := strconv.ParseFloat(resp.ExecutedQty, 64)
	avg, _ := strconv.ParseFloat(resp.AvgPrice, 64)

	return &OrderStatus{
		VenueOrderID:   strconv.FormatInt(resp.OrderID, 10),
		Status:         binanceStatus(resp.Status),
		FilledQuantity: filled,
		AvgFillPrice:   avg,
	}, nil
}

func (b *Binance) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	if !b.isConnected() {
		return 0, nil
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/fapi/v1/ticker/price",
		map[string]string{"symbol": symbol}, false)
	if err != nil {
		return 0, err
	}

	var resp struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, nil
	}

	price, _ := strconv.ParseFloat(resp.Price, 64)
	return price, nil
}

func (b *Binance) SetLeverage(ctx context.Context, symbol string, leverage float64, marginMode string) error {
	if !b.isConnected() {
		return NewNotConnected("binance")
	}

	// Binance принимает плечо только целым числом
	_, err := b.doRequest(ctx, http.MethodPost, "/fapi/v1/leverage", map[string]string{
		"symbol":   symbol,
		"leverage": strconv.Itoa(int(leverage)),
	}, true)
	if err != nil {
		return err
	}

	// Режим маржи настраивается отдельным endpoint.
	// -4046 = no need to change margin type: уже установлен.
	_, err = b.doRequest(ctx, http.MethodPost, "/fapi/v1/marginType", map[string]string{
		"symbol":     symbol,
		"marginType": binanceMarginType(marginMode),
	}, true)
	if err != nil {
		var verr *Error
		if errors.As(err, &verr) && verr.Code == "-4046" {
			return nil
		}
		return err
	}
	return nil
}

func (b *Binance) GetLeverageInfo(ctx context.Context, symbol string) (*models.LeverageInfo, error) {
	if !b.isConnected() {
		return nil, NewNotConnected("binance")
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk",
		map[string]string{"symbol": symbol}, true)
	if err != nil {
		return nil, err
	}

	var raw []struct {
		Leverage    string `json:"leverage"`
		MarginType  string `json:"marginType"`
		MaxNotional string `json:"maxNotionalValue"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &Error{Venue: "binance", Kind: FaultTransient, Message: "malformed leverage response", Original: err}
	}

	info := &models.LeverageInfo{
		Symbol:      symbol,
		Leverage:    1,
		MaxLeverage: 125, // документированный максимум USDT-M
		MarginMode:  models.MarginModeCross,
	}
	if len(raw) > 0 {
		if lev, err := strconv.ParseFloat(raw[0].Leverage, 64); err == nil && lev > 0 {
			info.Leverage = lev
		}
		if strings.EqualFold(raw[0].MarginType, "isolated") {
			info.MarginMode = models.MarginModeIsolated
		}
	}
	return info, nil
}

func (b *Binance) GetMarginHealthRatio(ctx context.Context) (float64, error) {
	if !b.isConnected() {
		return 0, NewNotConnected("binance")
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/fapi/v2/account", nil, true)
	if err != nil {
		return 0, err
	}

	var resp struct {
		TotalMarginBalance string `json:"totalMarginBalance"`
		TotalMaintMargin   string `json:"totalMaintMargin"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, &Error{Venue: "binance", Kind: FaultTransient, Message: "malformed account response", Original: err}
	}

	marginBalance, _ := strconv.ParseFloat(resp.TotalMarginBalance, 64)
	maintenance, _ := strconv.ParseFloat(resp.TotalMaintMargin, 64)
	if marginBalance <= 0 {
		return 1, nil
	}

	health := 1 - maintenance/marginBalance
	if health < 0 {
		health = 0
	}
	return health, nil
}

func binanceOrderType(orderType string) string {
	switch orderType {
	case models.TypeLimit:
		return "LIMIT"
	case models.TypeStopLoss:
		return "STOP_MARKET"
	case models.TypeStopLossLimit:
		return "STOP"
	case models.TypeTakeProfit:
		return "TAKE_PROFIT_MARKET"
	case models.TypeTakeProfitLimit:
		return "TAKE_PROFIT"
	default:
		return "MARKET"
	}
}

func binanceMarginType(marginMode string) string {
	if marginMode == models.MarginModeIsolated {
		return "ISOLATED"
	}
	return "CROSSED"
}

func binanceStatus(s string) string {
	switch s {
	case "NEW":
		return models.StatusSubmitted
	case "PARTIALLY_FILLED":
		return models.StatusPartiallyFilled
	case "FILLED":
		return models.StatusFilled
	case "CANCELED":
		return models.StatusCancelled
	case "REJECTED":
		return models.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return models.StatusExpired
	default:
		return models.StatusPending
	}
}
