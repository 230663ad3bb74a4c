package service

import (
	"context"
	"sync"

	"execution/internal/models"
	"execution/internal/repository"
	"execution/internal/venue"
)

// memAccounts - in-memory AccountStore
type memAccounts struct {
	mu       sync.Mutex
	seq      int64
	accounts map[string]*models.VenueAccount
}

func newMemAccounts() *memAccounts {
	return &memAccounts{accounts: make(map[string]*models.VenueAccount)}
}

func (m *memAccounts) Upsert(account *models.VenueAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.accounts[account.Venue]; ok {
		account.ID = existing.ID
	} else {
		m.seq++
		account.ID = m.seq
	}
	c := *account
	m.accounts[account.Venue] = &c
	return nil
}

func (m *memAccounts) GetByVenue(venueName string) (*models.VenueAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[venueName]
	if !ok {
		return nil, repository.ErrVenueAccountNotFound
	}
	c := *a
	return &c, nil
}

func (m *memAccounts) GetAll() ([]*models.VenueAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.VenueAccount
	for _, a := range m.accounts {
		c := *a
		out = append(out, &c)
	}
	return out, nil
}

func (m *memAccounts) SetConnected(venueName string, connected bool, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[venueName]
	if !ok {
		return repository.ErrVenueAccountNotFound
	}
	a.Connected = connected
	a.LastError = lastError
	return nil
}

func (m *memAccounts) Delete(venueName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[venueName]; !ok {
		return repository.ErrVenueAccountNotFound
	}
	delete(m.accounts, venueName)
	return nil
}

// stubConnector - адаптер с управляемым исходом Connect
type stubConnector struct {
	name       string
	connectErr error

	mu           sync.Mutex
	connectCalls int
	lastCreds    venue.Credentials
	disconnected bool
}

func (c *stubConnector) Connect(ctx context.Context, creds venue.Credentials) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectCalls++
	c.lastCreds = creds
	return c.connectErr
}

func (c *stubConnector) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

func (c *stubConnector) Name() string { return c.name }

func (c *stubConnector) GetBalance(ctx context.Context) (float64, error) { return 1234.5, nil }

func (c *stubConnector) GetPositions(ctx context.Context) ([]*models.Position, error) {
	return []*models.Position{{Symbol: "BTCUSDT", Venue: c.name, Quantity: 1}}, nil
}

func (c *stubConnector) PlaceOrder(ctx context.Context, req *venue.PlaceOrderRequest) (*venue.PlaceOrderResult, error) {
	return &venue.PlaceOrderResult{VenueOrderID: "stub-1"}, nil
}

func (c *stubConnector) CancelOrder(ctx context.Context, symbol, venueOrderID string) error {
	return nil
}

func (c *stubConnector) GetOrderStatus(ctx context.Context, symbol, venueOrderID string) (*venue.OrderStatus, error) {
	return &venue.OrderStatus{VenueOrderID: venueOrderID}, nil
}

func (c *stubConnector) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return 50000, nil
}

func (c *stubConnector) SetLeverage(ctx context.Context, symbol string, leverage float64, marginMode string) error {
	return nil
}

func (c *stubConnector) GetLeverageInfo(ctx context.Context, symbol string) (*models.LeverageInfo, error) {
	return &models.LeverageInfo{Symbol: symbol, Leverage: 1}, nil
}

func (c *stubConnector) GetMarginHealthRatio(ctx context.Context) (float64, error) {
	return 0.9, nil
}
