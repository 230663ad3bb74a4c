package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"execution/internal/service"
	"execution/pkg/utils"
)

// VenueHandler обрабатывает управление площадками: подключение,
// отключение, рыночные чтения
type VenueHandler struct {
	venues service.VenueManager
}

func NewVenueHandler(venues service.VenueManager) *VenueHandler {
	return &VenueHandler{venues: venues}
}

// GetVenues возвращает состояние всех поддерживаемых площадок
// GET /api/v1/venues
func (h *VenueHandler) GetVenues(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.venues.Sessions())
}

// ConnectVenue подключает площадку с пробной проверкой учётных данных
// POST /api/v1/venues/{name}/connect
func (h *VenueHandler) ConnectVenue(w http.ResponseWriter, r *http.Request) {
	var req service.ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Venue = mux.Vars(r)["name"]

	if err := h.venues.Connect(r.Context(), &req); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, SuccessResponse{Message: "venue connected"})
}

// DisconnectVenue отключает площадку, сохраняя учётные данные
// DELETE /api/v1/venues/{name}/connect
func (h *VenueHandler) DisconnectVenue(w http.ResponseWriter, r *http.Request) {
	if err := h.venues.Disconnect(mux.Vars(r)["name"]); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, SuccessResponse{Message: "venue disconnected"})
}

// GetVenueBalance возвращает доступный баланс площадки
// GET /api/v1/venues/{name}/balance
func (h *VenueHandler) GetVenueBalance(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	balance, err := h.venues.Balance(r.Context(), name)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"venue":   name,
		"balance": balance,
	})
}

// GetVenuePositions возвращает открытые позиции площадки
// GET /api/v1/venues/{name}/positions
func (h *VenueHandler) GetVenuePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.venues.Positions(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, positions)
}

// GetVenuePrice возвращает последнюю цену символа
// GET /api/v1/venues/{name}/price?symbol=BTCUSDT
func (h *VenueHandler) GetVenuePrice(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if err := utils.ValidateSymbol(symbol); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	name := mux.Vars(r)["name"]
	price, err := h.venues.Price(r.Context(), name, symbol)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"venue":  name,
		"symbol": symbol,
		"price":  price,
	})
}

// GetVenueMarginHealth возвращает запас маржи до ликвидации
// GET /api/v1/venues/{name}/margin-health
func (h *VenueHandler) GetVenueMarginHealth(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	health, err := h.venues.MarginHealth(r.Context(), name)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"venue":               name,
		"margin_health_ratio": health,
	})
}
