package venue

import "fmt"

// Список поддерживаемых площадок. Порядок стабилен для API ответов.
var supportedVenues = []string{"bybit", "binance", "alpaca"}

// NewConnector создаёт адаптер по имени площадки
func NewConnector(venueName string) (Connector, error) {
	switch venueName {
	case "bybit":
		return NewBybit(), nil
	case "binance":
		return NewBinance(), nil
	case "alpaca":
		return NewAlpaca(), nil
	default:
		return nil, fmt.Errorf("unsupported venue: %s", venueName)
	}
}

// IsSupported проверяет имя площадки без создания адаптера
func IsSupported(venueName string) bool {
	for _, v := range supportedVenues {
		if v == venueName {
			return true
		}
	}
	return false
}

// SupportedVenues возвращает копию списка поддерживаемых площадок
func SupportedVenues() []string {
	out := make([]string, len(supportedVenues))
	copy(out, supportedVenues)
	return out
}
