// Package service - сервисный слой: управление сессиями площадок и
// учётными данными поверх репозиториев и адаптеров.
package service

import (
	"context"

	"execution/internal/models"
	"execution/internal/venue"
	"execution/pkg/ratelimit"
)

// AccountStore - контракт хранилища учётных данных площадок
type AccountStore interface {
	Upsert(account *models.VenueAccount) error
	GetByVenue(venueName string) (*models.VenueAccount, error)
	GetAll() ([]*models.VenueAccount, error)
	SetConnected(venueName string, connected bool, lastError string) error
	Delete(venueName string) error
}

// VenueManager - контракт сервиса площадок для HTTP слоя
type VenueManager interface {
	// Connect проверяет учётные данные пробным вызовом площадки,
	// сохраняет их зашифрованными и регистрирует сессию
	Connect(ctx context.Context, req *ConnectRequest) error

	// Disconnect закрывает сессию; сохранённые данные остаются
	Disconnect(venueName string) error

	// Forget закрывает сессию и удаляет сохранённые данные
	Forget(venueName string) error

	// Sessions возвращает состояние всех поддерживаемых площадок
	Sessions() []venue.Session

	// Connector и Limiter реализуют engine.ConnectorProvider
	Connector(venueName string) (venue.Connector, error)
	Limiter(venueName string) (*ratelimit.Limiter, error)

	// Рыночные чтения через подключённую сессию
	Balance(ctx context.Context, venueName string) (float64, error)
	Positions(ctx context.Context, venueName string) ([]*models.Position, error)
	Price(ctx context.Context, venueName, symbol string) (float64, error)
	MarginHealth(ctx context.Context, venueName string) (float64, error)
}

// ConnectRequest - учётные данные для подключения площадки
type ConnectRequest struct {
	Venue      string `json:"venue"`
	APIKey     string `json:"api_key"`
	SecretKey  string `json:"secret_key"`
	Passphrase string `json:"passphrase,omitempty"`
	UseTestnet bool   `json:"use_testnet"`
}
