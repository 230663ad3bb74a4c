// Package engine - оркестрация исполнения ордеров: идемпотентность,
// устойчивость к сбоям площадок, контроль плеча и жизненный цикл ордера.
package engine

import (
	"fmt"

	"execution/internal/models"
	"execution/pkg/utils"
)

// validTransitions - допустимые переходы статусов ордера.
// Терминальные статусы отсутствуют в map: из них переходов нет.
var validTransitions = map[string][]string{
	models.StatusPending: {
		models.StatusSubmitted,
		// Синхронный ack размещения: market ордер может вернуться из
		// PlaceOrder уже исполненным (или истёкшим), минуя submitted
		models.StatusPartiallyFilled,
		models.StatusFilled,
		models.StatusExpired,
		models.StatusRejected,
		models.StatusCancelled,
	},
	models.StatusSubmitted: {
		models.StatusPartiallyFilled,
		models.StatusFilled,
		models.StatusCancelled,
		models.StatusRejected,
		models.StatusExpired,
	},
	models.StatusPartiallyFilled: {
		models.StatusPartiallyFilled, // рост filled_quantity
		models.StatusFilled,
		models.StatusCancelled,
		models.StatusExpired,
	},
}

// CanTransition проверяет допустимость перехода статуса.
// Повтор одинакового нетерминального статуса допустим (идемпотентный
// ответ площадки при опросе).
func CanTransition(from, to string) bool {
	if models.IsTerminalStatus(from) {
		return false
	}
	if from == to {
		return true
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TransitionError - недопустимый переход статуса
type TransitionError struct {
	OrderID int64
	From    string
	To      string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order %d: invalid transition %s -> %s", e.OrderID, e.From, e.To)
}

// ApplyTransition валидирует переход перед записью в хранилище.
// Недопустимый переход от площадки (out-of-order ответ опроса) не
// является фатальным: логируется как аномалия и пропускается.
func ApplyTransition(order *models.Order, newStatus string) error {
	if CanTransition(order.Status, newStatus) {
		return nil
	}

	err := &TransitionError{OrderID: order.ID, From: order.Status, To: newStatus}
	utils.L().Sugar().Warnw("anomalous status transition skipped",
		"order_id", order.ID,
		"from", order.Status,
		"to", newStatus,
	)
	return err
}
