package models

import "time"

// Режимы маржи
const (
	MarginModeCross    = "cross"
	MarginModeIsolated = "isolated"
)

// LeverageInfo - состояние плеча для символа на площадке.
// Read-mostly: обновляется по запросу.
type LeverageInfo struct {
	Symbol      string  `json:"symbol"`
	Leverage    float64 `json:"leverage"`
	MaxLeverage float64 `json:"max_leverage"` // максимум, заявленный площадкой
	MarginMode  string  `json:"margin_mode"`
}

// Position - открытая позиция на площадке.
// Знак Quantity: положительное = long, отрицательное = short.
// Обновляется только опросом площадки, движок её локально не мутирует.
type Position struct {
	Symbol        string    `json:"symbol"`
	Venue         string    `json:"venue"`
	Quantity      float64   `json:"quantity"`
	EntryPrice    float64   `json:"entry_price"`
	MarkPrice     float64   `json:"mark_price"`
	UnrealizedPnl float64   `json:"unrealized_pnl"`
	Leverage      float64   `json:"leverage"`
	MarginUsed    float64   `json:"margin_used"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// VenueAccount - сохранённые учётные данные площадки.
// API ключи хранятся зашифрованными (AES-256-GCM).
type VenueAccount struct {
	ID         int64     `json:"id" db:"id"`
	Venue      string    `json:"venue" db:"venue"`
	APIKey     string    `json:"-" db:"api_key"`
	SecretKey  string    `json:"-" db:"secret_key"`
	Passphrase string    `json:"-" db:"passphrase"`
	Connected  bool      `json:"connected" db:"connected"`
	UseTestnet bool      `json:"use_testnet" db:"use_testnet"`
	LastError  string    `json:"last_error,omitempty" db:"last_error"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}
