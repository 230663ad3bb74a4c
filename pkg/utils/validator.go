package utils

import (
	"errors"
	"fmt"
	"regexp"
)

// Ошибки валидации входных данных
var (
	ErrEmptySymbol     = errors.New("symbol cannot be empty")
	ErrInvalidSymbol   = errors.New("symbol must be uppercase alphanumeric (e.g. BTCUSDT, AAPL)")
	ErrInvalidQuantity = errors.New("quantity must be positive")
	ErrInvalidPrice    = errors.New("price must be positive")
)

// Символ: заглавные буквы и цифры, 1-20 символов (BTCUSDT, AAPL, BRK.B без точки)
var symbolRe = regexp.MustCompile(`^[A-Z0-9]{1,20}$`)

// ValidateSymbol проверяет формат торгового символа
func ValidateSymbol(symbol string) error {
	if symbol == "" {
		return ErrEmptySymbol
	}
	if !symbolRe.MatchString(symbol) {
		return fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return nil
}

// ValidateQuantity проверяет количество (строго положительное)
func ValidateQuantity(qty float64) error {
	if qty <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidQuantity, qty)
	}
	return nil
}

// ValidatePrice проверяет цену (строго положительная)
func ValidatePrice(price float64) error {
	if price <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidPrice, price)
	}
	return nil
}
