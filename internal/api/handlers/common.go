// Package handlers - HTTP handlers REST API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"execution/internal/engine"
	"execution/internal/repository"
	"execution/internal/venue"
)

// ErrorResponse стандартный формат ответа об ошибке для всех API endpoints
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse стандартный формат успешного ответа
type SuccessResponse struct {
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}

// respondDomainError отображает доменные ошибки в HTTP статусы.
// Текст ошибки отдаётся дословно: причины отказов площадки обязаны
// доходить до клиента.
func respondDomainError(w http.ResponseWriter, err error) {
	var verr *venue.Error
	if errors.As(err, &verr) {
		respondJSON(w, statusForFault(verr.Kind), ErrorResponse{
			Error: verr.Error(),
			Code:  verr.Kind.String(),
		})
		return
	}

	var lerr *engine.LeverageError
	if errors.As(err, &lerr) {
		respondJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error: lerr.Error(),
			Code:  "invalid_leverage",
		})
		return
	}

	switch {
	case errors.Is(err, repository.ErrOrderNotFound),
		errors.Is(err, repository.ErrVenueAccountNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, repository.ErrTerminalState),
		errors.Is(err, repository.ErrNotReclaimable):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusBadRequest, err.Error())
	}
}

func statusForFault(kind venue.FaultKind) int {
	switch kind {
	case venue.FaultNotConnected:
		return http.StatusConflict
	case venue.FaultAuth:
		return http.StatusUnauthorized
	case venue.FaultRateLimited:
		return http.StatusTooManyRequests
	case venue.FaultBadRequest:
		return http.StatusBadRequest
	case venue.FaultInsufficientBalance, venue.FaultInvalidLeverage, venue.FaultOrderRejected:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}
