package engine

import (
	"fmt"

	"execution/internal/models"
)

// DefaultMaxLeverage - потолок плеча по умолчанию, когда для площадки
// не задана собственная политика
const DefaultMaxLeverage = 10.0

// LeverageValidator проверяет запрошенное плечо до любого обращения к
// площадке. Площадка может разрешать 100x; защитный потолок политики
// намеренно ниже.
type LeverageValidator struct {
	defaultMax float64
	perVenue   map[string]float64
}

// NewLeverageValidator создаёт валидатор с потолком политики.
// perVenue переопределяет потолок для отдельных площадок (nil допустим).
func NewLeverageValidator(defaultMax float64, perVenue map[string]float64) *LeverageValidator {
	if defaultMax <= 0 {
		defaultMax = DefaultMaxLeverage
	}
	limits := make(map[string]float64, len(perVenue))
	for v, max := range perVenue {
		if max > 0 {
			limits[v] = max
		}
	}
	return &LeverageValidator{defaultMax: defaultMax, perVenue: limits}
}

// MaxFor возвращает потолок политики для площадки
func (v *LeverageValidator) MaxFor(venueName string) float64 {
	if max, ok := v.perVenue[venueName]; ok {
		return max
	}
	return v.defaultMax
}

// LiquidationDropPercent - процент неблагоприятного движения цены, при
// котором позиция с данным плечом ликвидируется: 100 / leverage.
// 10x -> 10%, 75x -> ~1.3%.
func LiquidationDropPercent(leverage float64) float64 {
	if leverage <= 0 {
		return 0
	}
	return 100 / leverage
}

// LeverageReport - результат проверки без побочных эффектов (dry-run)
type LeverageReport struct {
	Venue                  string  `json:"venue"`
	Leverage               float64 `json:"leverage"`
	MaxAllowed             float64 `json:"max_allowed"`
	Valid                  bool    `json:"valid"`
	LiquidationDropPercent float64 `json:"liquidation_drop_percent,omitempty"`
	Reason                 string  `json:"reason,omitempty"`
}

// LeverageError - отклонённое плечо; текст объясняет и правило, и
// расстояние до ликвидации, чтобы отказ был actionable
type LeverageError struct {
	Leverage   float64
	MaxAllowed float64
	Reason     string
}

func (e *LeverageError) Error() string {
	return e.Reason
}

// Check выполняет проверку и возвращает отчёт (для dry-run endpoint)
func (v *LeverageValidator) Check(venueName string, leverage float64) LeverageReport {
	report := LeverageReport{
		Venue:      venueName,
		Leverage:   leverage,
		MaxAllowed: v.MaxFor(venueName),
	}

	switch {
	case leverage <= 0:
		report.Reason = fmt.Sprintf("leverage %gx is not positive", leverage)
	case leverage < 1:
		report.Reason = fmt.Sprintf("leverage %gx is below 1x minimum", leverage)
	case leverage > report.MaxAllowed:
		report.LiquidationDropPercent = LiquidationDropPercent(leverage)
		report.Reason = fmt.Sprintf(
			"leverage %gx exceeds maximum safe limit of %gx; liquidation at ~%.1f%% adverse move",
			leverage, report.MaxAllowed, report.LiquidationDropPercent)
	default:
		report.Valid = true
		report.LiquidationDropPercent = LiquidationDropPercent(leverage)
	}

	return report
}

// Validate возвращает typed ошибку при недопустимом плече
func (v *LeverageValidator) Validate(venueName string, leverage float64) error {
	report := v.Check(venueName, leverage)
	if report.Valid {
		return nil
	}
	return &LeverageError{
		Leverage:   leverage,
		MaxAllowed: report.MaxAllowed,
		Reason:     report.Reason,
	}
}

// ValidateMarginMode проверяет режим маржи
func ValidateMarginMode(mode string) error {
	switch mode {
	case "", models.MarginModeCross, models.MarginModeIsolated:
		return nil
	default:
		return fmt.Errorf("unknown margin mode: %s", mode)
	}
}
