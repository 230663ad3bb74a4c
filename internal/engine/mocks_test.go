package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"execution/internal/models"
	"execution/internal/repository"
	"execution/internal/venue"
	"execution/pkg/ratelimit"
)

// memStore - in-memory реализация OrderStore с той же семантикой
// уникальности и терминальности, что у PostgreSQL репозитория
type memStore struct {
	mu    sync.Mutex
	seq   int64
	byID  map[int64]*models.Order
	byKey map[string]int64
}

func newMemStore() *memStore {
	return &memStore{
		byID:  make(map[int64]*models.Order),
		byKey: make(map[string]int64),
	}
}

func copyOrder(o *models.Order) *models.Order {
	c := *o
	return &c
}

func (s *memStore) Create(order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byKey[order.IdempotencyKey]; exists {
		return repository.ErrDuplicateKey
	}

	s.seq++
	order.ID = s.seq
	now := time.Now()
	order.CreatedAt = now
	order.UpdatedAt = now
	if order.Status == "" {
		order.Status = models.StatusPending
	}

	s.byID[order.ID] = copyOrder(order)
	s.byKey[order.IdempotencyKey] = order.ID
	return nil
}

func (s *memStore) GetByID(id int64) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.byID[id]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	return copyOrder(o), nil
}

func (s *memStore) GetByKey(key string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	return copyOrder(s.byID[id]), nil
}

func (s *memStore) GetRecent(limit int) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Order
	for id := s.seq; id > 0 && len(out) < limit; id-- {
		if o, ok := s.byID[id]; ok {
			out = append(out, copyOrder(o))
		}
	}
	return out, nil
}

func (s *memStore) GetActive() ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Order
	for id := int64(1); id <= s.seq; id++ {
		if o, ok := s.byID[id]; ok && !o.IsTerminal() {
			out = append(out, copyOrder(o))
		}
	}
	return out, nil
}

func (s *memStore) UpdateFromVenue(id int64, venueOrderID, status string, filledQty, avgPrice float64, submittedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.byID[id]
	if !ok {
		return repository.ErrOrderNotFound
	}
	if o.IsTerminal() {
		return repository.ErrTerminalState
	}
	o.VenueOrderID = venueOrderID
	o.Status = status
	o.FilledQuantity = filledQty
	o.AvgFillPrice = avgPrice
	if submittedAt != nil {
		o.SubmittedAt = submittedAt
	}
	o.UpdatedAt = time.Now()
	return nil
}

func (s *memStore) MarkRejected(id int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.byID[id]
	if !ok {
		return repository.ErrOrderNotFound
	}
	if o.IsTerminal() {
		return repository.ErrTerminalState
	}
	o.Status = models.StatusRejected
	o.RejectReason = reason
	o.UpdatedAt = time.Now()
	return nil
}

func (s *memStore) Acknowledge(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.byID[id]
	if !ok {
		return repository.ErrOrderNotFound
	}
	if o.Status != models.StatusRejected {
		return repository.ErrNotReclaimable
	}
	o.Acknowledged = true
	return nil
}

func (s *memStore) ReclaimRejected(key string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	o := s.byID[id]
	if o.Status != models.StatusRejected || !o.Acknowledged {
		return nil, repository.ErrNotReclaimable
	}
	o.Status = models.StatusPending
	o.Acknowledged = false
	o.VenueOrderID = ""
	o.RejectReason = ""
	o.FilledQuantity = 0
	o.AvgFillPrice = 0
	return copyOrder(o), nil
}

// mockConnector - управляемый адаптер площадки
type mockConnector struct {
	name string

	placeCalls  int64
	cancelCalls int64

	placeFn    func(ctx context.Context, req *venue.PlaceOrderRequest) (*venue.PlaceOrderResult, error)
	cancelFn   func(ctx context.Context, symbol, venueOrderID string) error
	statusFn   func(ctx context.Context, symbol, venueOrderID string) (*venue.OrderStatus, error)
	byClientFn func(ctx context.Context, symbol, clientOrderID string) (*venue.OrderStatus, error)
	levFn      func(ctx context.Context, symbol string, leverage float64, marginMode string) error

	mu         sync.Mutex
	placedKeys []string
}

func newMockConnector(name string) *mockConnector {
	return &mockConnector{name: name}
}

func (m *mockConnector) Connect(ctx context.Context, creds venue.Credentials) error { return nil }
func (m *mockConnector) Disconnect() error                                          { return nil }
func (m *mockConnector) Name() string                                               { return m.name }

func (m *mockConnector) GetBalance(ctx context.Context) (float64, error) { return 10000, nil }

func (m *mockConnector) GetPositions(ctx context.Context) ([]*models.Position, error) {
	return nil, nil
}

func (m *mockConnector) PlaceOrder(ctx context.Context, req *venue.PlaceOrderRequest) (*venue.PlaceOrderResult, error) {
	atomic.AddInt64(&m.placeCalls, 1)
	m.mu.Lock()
	m.placedKeys = append(m.placedKeys, req.IdempotencyKey)
	m.mu.Unlock()

	if m.placeFn != nil {
		return m.placeFn(ctx, req)
	}
	return &venue.PlaceOrderResult{
		VenueOrderID: "venue-1",
		Status:       models.StatusSubmitted,
		SubmittedAt:  time.Now(),
	}, nil
}

func (m *mockConnector) CancelOrder(ctx context.Context, symbol, venueOrderID string) error {
	atomic.AddInt64(&m.cancelCalls, 1)
	if m.cancelFn != nil {
		return m.cancelFn(ctx, symbol, venueOrderID)
	}
	return nil
}

func (m *mockConnector) GetOrderStatus(ctx context.Context, symbol, venueOrderID string) (*venue.OrderStatus, error) {
	if m.statusFn != nil {
		return m.statusFn(ctx, symbol, venueOrderID)
	}
	return &venue.OrderStatus{VenueOrderID: venueOrderID, Status: models.StatusSubmitted}, nil
}

func (m *mockConnector) GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*venue.OrderStatus, error) {
	if m.byClientFn != nil {
		return m.byClientFn(ctx, symbol, clientOrderID)
	}
	return nil, &venue.Error{Venue: m.name, Kind: venue.FaultBadRequest, Message: "order not found: " + clientOrderID}
}

func (m *mockConnector) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return 50000, nil
}

func (m *mockConnector) SetLeverage(ctx context.Context, symbol string, leverage float64, marginMode string) error {
	if m.levFn != nil {
		return m.levFn(ctx, symbol, leverage, marginMode)
	}
	return nil
}

func (m *mockConnector) GetLeverageInfo(ctx context.Context, symbol string) (*models.LeverageInfo, error) {
	return &models.LeverageInfo{Symbol: symbol, Leverage: 1, MaxLeverage: 100, MarginMode: models.MarginModeCross}, nil
}

func (m *mockConnector) GetMarginHealthRatio(ctx context.Context) (float64, error) { return 1, nil }

// mockProvider отдаёт mock адаптеры и limiter'ы без задержек
type mockProvider struct {
	mu         sync.Mutex
	connectors map[string]venue.Connector
	limiters   map[string]*ratelimit.Limiter
}

func newMockProvider() *mockProvider {
	return &mockProvider{
		connectors: make(map[string]venue.Connector),
		limiters:   make(map[string]*ratelimit.Limiter),
	}
}

func (p *mockProvider) add(name string, conn venue.Connector) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectors[name] = conn
	p.limiters[name] = ratelimit.New(name, ratelimit.Preset{MaxConcurrent: 100, MinInterval: 0})
}

func (p *mockProvider) Connector(venueName string) (venue.Connector, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.connectors[venueName]
	if !ok {
		return nil, venue.NewNotConnected(venueName)
	}
	return conn, nil
}

func (p *mockProvider) Limiter(venueName string) (*ratelimit.Limiter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[venueName]
	if !ok {
		return nil, venue.NewNotConnected(venueName)
	}
	return l, nil
}

// newTestEngine собирает движок на mock инфраструктуре
func newTestEngine() (*Engine, *memStore, *mockConnector) {
	store := newMemStore()
	conn := newMockConnector("bybit")
	provider := newMockProvider()
	provider.add("bybit", conn)

	e := New(store, provider, NewLeverageValidator(10, nil))
	// Без реального сна между повторами
	e.resilience.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return e, store, conn
}
