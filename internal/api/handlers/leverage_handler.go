package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"execution/internal/engine"
	"execution/internal/models"
	"execution/pkg/utils"
)

// LeverageManager - операции движка над плечом
type LeverageManager interface {
	ValidateLeverage(venueName string, leverage float64) engine.LeverageReport
	SetLeverage(ctx context.Context, venueName, symbol string, leverage float64, marginMode string) (*models.LeverageInfo, error)
}

// LeverageHandler обрабатывает установку и проверку плеча
type LeverageHandler struct {
	engine LeverageManager
}

func NewLeverageHandler(engine LeverageManager) *LeverageHandler {
	return &LeverageHandler{engine: engine}
}

// leverageRequest - тело запросов плеча
type leverageRequest struct {
	Venue      string  `json:"venue"`
	Symbol     string  `json:"symbol"`
	Leverage   float64 `json:"leverage"`
	MarginMode string  `json:"margin_mode,omitempty"`
}

// SetLeverage применяет плечо на площадке после проверки политикой
// POST /api/v1/leverage
func (h *LeverageHandler) SetLeverage(w http.ResponseWriter, r *http.Request) {
	var req leverageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := utils.ValidateSymbol(req.Symbol); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	info, err := h.engine.SetLeverage(r.Context(), req.Venue, req.Symbol, req.Leverage, req.MarginMode)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

// ValidateLeverage - dry-run проверка без обращения к площадке
// POST /api/v1/leverage/validate
//
// Всегда 200: результат проверки в теле, в том числе отрицательный
func (h *LeverageHandler) ValidateLeverage(w http.ResponseWriter, r *http.Request) {
	var req leverageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	report := h.engine.ValidateLeverage(req.Venue, req.Leverage)
	respondJSON(w, http.StatusOK, report)
}
