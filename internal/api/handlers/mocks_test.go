package handlers

import (
	"context"
	"errors"

	"execution/internal/engine"
	"execution/internal/models"
	"execution/internal/repository"
	"execution/internal/service"
	"execution/internal/venue"
	"execution/pkg/ratelimit"
)

// mockExecutor - управляемый Executor для тестов handlers
type mockExecutor struct {
	submitFn func(ctx context.Context, intent *models.OrderIntent) (*models.Order, bool, error)
	cancelFn func(ctx context.Context, id int64) (*models.Order, error)
	getFn    func(ctx context.Context, id int64) (*models.Order, error)
	byKeyFn  func(ctx context.Context, key string) (*models.Order, error)
	listFn   func(limit int) ([]*models.Order, error)
	ackFn    func(id int64) (*models.Order, error)
}

func (m *mockExecutor) Submit(ctx context.Context, intent *models.OrderIntent) (*models.Order, bool, error) {
	if m.submitFn != nil {
		return m.submitFn(ctx, intent)
	}
	return &models.Order{ID: 1, Status: models.StatusSubmitted}, true, nil
}

func (m *mockExecutor) Cancel(ctx context.Context, id int64) (*models.Order, error) {
	if m.cancelFn != nil {
		return m.cancelFn(ctx, id)
	}
	return &models.Order{ID: id, Status: models.StatusCancelled}, nil
}

func (m *mockExecutor) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	if m.getFn != nil {
		return m.getFn(ctx, id)
	}
	return nil, repository.ErrOrderNotFound
}

func (m *mockExecutor) GetOrderByKey(ctx context.Context, key string) (*models.Order, error) {
	if m.byKeyFn != nil {
		return m.byKeyFn(ctx, key)
	}
	return nil, repository.ErrOrderNotFound
}

func (m *mockExecutor) ListRecent(limit int) ([]*models.Order, error) {
	if m.listFn != nil {
		return m.listFn(limit)
	}
	return nil, nil
}

func (m *mockExecutor) AcknowledgeRejected(id int64) (*models.Order, error) {
	if m.ackFn != nil {
		return m.ackFn(id)
	}
	return nil, repository.ErrNotReclaimable
}

// mockLeverage - управляемый LeverageManager
type mockLeverage struct {
	validator *engine.LeverageValidator
	setFn     func(ctx context.Context, venueName, symbol string, leverage float64, marginMode string) (*models.LeverageInfo, error)
}

func newMockLeverage() *mockLeverage {
	return &mockLeverage{validator: engine.NewLeverageValidator(10, nil)}
}

func (m *mockLeverage) ValidateLeverage(venueName string, leverage float64) engine.LeverageReport {
	return m.validator.Check(venueName, leverage)
}

func (m *mockLeverage) SetLeverage(ctx context.Context, venueName, symbol string, leverage float64, marginMode string) (*models.LeverageInfo, error) {
	if m.setFn != nil {
		return m.setFn(ctx, venueName, symbol, leverage, marginMode)
	}
	if err := m.validator.Validate(venueName, leverage); err != nil {
		return nil, err
	}
	return &models.LeverageInfo{Symbol: symbol, Leverage: leverage, MarginMode: marginMode}, nil
}

// mockVenues - управляемый VenueManager
type mockVenues struct {
	sessions   []venue.Session
	connectFn  func(ctx context.Context, req *service.ConnectRequest) error
	balanceFn  func(ctx context.Context, venueName string) (float64, error)
	priceFn    func(ctx context.Context, venueName, symbol string) (float64, error)
	disconnect func(venueName string) error
}

var _ service.VenueManager = (*mockVenues)(nil)

func (m *mockVenues) Connect(ctx context.Context, req *service.ConnectRequest) error {
	if m.connectFn != nil {
		return m.connectFn(ctx, req)
	}
	return nil
}

func (m *mockVenues) Disconnect(venueName string) error {
	if m.disconnect != nil {
		return m.disconnect(venueName)
	}
	return nil
}

func (m *mockVenues) Forget(venueName string) error { return nil }

func (m *mockVenues) Sessions() []venue.Session { return m.sessions }

func (m *mockVenues) Connector(venueName string) (venue.Connector, error) {
	return nil, venue.NewNotConnected(venueName)
}

func (m *mockVenues) Limiter(venueName string) (*ratelimit.Limiter, error) {
	return nil, venue.NewNotConnected(venueName)
}

func (m *mockVenues) Balance(ctx context.Context, venueName string) (float64, error) {
	if m.balanceFn != nil {
		return m.balanceFn(ctx, venueName)
	}
	return 0, errors.New("not configured")
}

func (m *mockVenues) Positions(ctx context.Context, venueName string) ([]*models.Position, error) {
	return []*models.Position{}, nil
}

func (m *mockVenues) Price(ctx context.Context, venueName, symbol string) (float64, error) {
	if m.priceFn != nil {
		return m.priceFn(ctx, venueName, symbol)
	}
	return 0, venue.NewNotConnected(venueName)
}

func (m *mockVenues) MarginHealth(ctx context.Context, venueName string) (float64, error) {
	return 1, nil
}
