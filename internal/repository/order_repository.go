// Package repository - слой доступа к PostgreSQL.
package repository

import (
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"execution/internal/models"
)

// Ошибки репозитория ордеров
var (
	ErrOrderNotFound = errors.New("order not found")

	// ErrDuplicateKey - нарушение UNIQUE(idempotency_key).
	// База данных является границей корректности дедупликации: кэш в
	// памяти лишь оптимизация, при конкурентной вставке одного ключа
	// ровно один committer выигрывает.
	ErrDuplicateKey = errors.New("idempotency key already exists")

	// ErrTerminalState - попытка мутации ордера в терминальном статусе
	ErrTerminalState = errors.New("order is in terminal state")

	// ErrNotReclaimable - ключ нельзя переиспользовать: ордер не
	// отклонён или отказ ещё не подтверждён вызывающей стороной
	ErrNotReclaimable = errors.New("order is not an acknowledged rejection")
)

const pqUniqueViolation = "23505"

const orderColumns = `id, idempotency_key, venue_order_id, venue, symbol, side, type,
		quantity, filled_quantity, price, avg_fill_price, status, strategy_tag,
		reject_reason, acknowledged, created_at, updated_at, submitted_at, closed_at`

// OrderRepository - работа с таблицей orders
type OrderRepository struct {
	db *sql.DB
}

// NewOrderRepository создает новый экземпляр репозитория
func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create вставляет placeholder ордера в статусе pending.
// При конкурентной вставке того же ключа проигравший получает
// ErrDuplicateKey и обязан перечитать выигравшую запись.
func (r *OrderRepository) Create(order *models.Order) error {
	query := `
		INSERT INTO orders (idempotency_key, venue, symbol, side, type, quantity,
			price, status, strategy_tag, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		RETURNING id`

	now := time.Now()
	order.CreatedAt = now
	order.UpdatedAt = now
	if order.Status == "" {
		order.Status = models.StatusPending
	}

	err := r.db.QueryRow(
		query,
		order.IdempotencyKey,
		order.Venue,
		order.Symbol,
		order.Side,
		order.Type,
		order.Quantity,
		order.Price,
		order.Status,
		order.StrategyTag,
		now,
	).Scan(&order.ID)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
			return ErrDuplicateKey
		}
		return err
	}

	return nil
}

// GetByID возвращает ордер по ID
func (r *OrderRepository) GetByID(id int64) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	return r.queryOne(query, id)
}

// GetByKey возвращает ордер по ключу идемпотентности
func (r *OrderRepository) GetByKey(key string) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE idempotency_key = $1`
	return r.queryOne(query, key)
}

// GetRecent возвращает последние N ордеров
func (r *OrderRepository) GetRecent(limit int) ([]*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders ORDER BY created_at DESC LIMIT $1`
	return r.queryMany(query, limit)
}

// GetByStatus возвращает ордера с определенным статусом
func (r *OrderRepository) GetByStatus(status string) ([]*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE status = $1 ORDER BY created_at DESC`
	return r.queryMany(query, status)
}

// GetActive возвращает ордера в нетерминальных статусах (для опроса площадок)
func (r *OrderRepository) GetActive() ([]*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE status NOT IN ($1, $2, $3, $4)
		ORDER BY created_at ASC`
	return r.queryMany(query,
		models.StatusFilled, models.StatusCancelled, models.StatusRejected, models.StatusExpired)
}

// UpdateFromVenue записывает ответ площадки в ордер.
// Терминальные записи не мутируются: immutability обеспечивается
// условием WHERE, а не только state machine движка.
func (r *OrderRepository) UpdateFromVenue(id int64, venueOrderID, status string, filledQty, avgPrice float64, submittedAt *time.Time) error {
	query := `
		UPDATE orders
		SET venue_order_id = $1, status = $2, filled_quantity = $3,
			avg_fill_price = $4, submitted_at = COALESCE($5, submitted_at),
			updated_at = $6,
			closed_at = CASE WHEN $2 IN ('filled', 'cancelled', 'rejected', 'expired') THEN $6 ELSE closed_at END
		WHERE id = $7 AND status NOT IN ('filled', 'cancelled', 'rejected', 'expired')`

	result, err := r.db.Exec(query, venueOrderID, status, filledQty, avgPrice, submittedAt, time.Now(), id)
	if err != nil {
		return err
	}

	return r.explainZeroRows(result, id)
}

// MarkRejected переводит ордер в rejected с дословной причиной площадки
func (r *OrderRepository) MarkRejected(id int64, reason string) error {
	query := `
		UPDATE orders
		SET status = $1, reject_reason = $2, updated_at = $3, closed_at = $3
		WHERE id = $4 AND status NOT IN ('filled', 'cancelled', 'rejected', 'expired')`

	result, err := r.db.Exec(query, models.StatusRejected, reason, time.Now(), id)
	if err != nil {
		return err
	}

	return r.explainZeroRows(result, id)
}

// Acknowledge подтверждает отклонённый ордер.
// Только после подтверждения его ключ можно переиспользовать.
func (r *OrderRepository) Acknowledge(id int64) error {
	query := `
		UPDATE orders
		SET acknowledged = TRUE, updated_at = $1
		WHERE id = $2 AND status = $3`

	result, err := r.db.Exec(query, time.Now(), id, models.StatusRejected)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		if _, err := r.GetByID(id); err != nil {
			return err
		}
		return ErrNotReclaimable
	}

	return nil
}

// ReclaimRejected сбрасывает подтверждённый отклонённый ордер обратно в
// pending для повторной отправки с тем же ключом. Условный UPDATE
// гарантирует, что неподтверждённый отказ ключ не освобождает.
func (r *OrderRepository) ReclaimRejected(key string) (*models.Order, error) {
	query := `
		UPDATE orders
		SET status = $1, acknowledged = FALSE, venue_order_id = '',
			reject_reason = '', filled_quantity = 0, avg_fill_price = 0,
			updated_at = $2, closed_at = NULL
		WHERE idempotency_key = $3 AND status = $4 AND acknowledged = TRUE
		RETURNING ` + orderColumns

	row := r.db.QueryRow(query, models.StatusPending, time.Now(), key, models.StatusRejected)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotReclaimable
		}
		return nil, err
	}

	return order, nil
}

// Count возвращает общее количество ордеров
func (r *OrderRepository) Count() (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM orders`).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// CountByStatus возвращает количество ордеров с определенным статусом
func (r *OrderRepository) CountByStatus(status string) (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM orders WHERE status = $1`, status).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// explainZeroRows различает "нет такого ордера" и "ордер терминален"
func (r *OrderRepository) explainZeroRows(result sql.Result, id int64) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected > 0 {
		return nil
	}

	existing, err := r.GetByID(id)
	if err != nil {
		return err
	}
	if existing.IsTerminal() {
		return ErrTerminalState
	}
	return ErrOrderNotFound
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	order := &models.Order{}
	err := row.Scan(
		&order.ID,
		&order.IdempotencyKey,
		&order.VenueOrderID,
		&order.Venue,
		&order.Symbol,
		&order.Side,
		&order.Type,
		&order.Quantity,
		&order.FilledQuantity,
		&order.Price,
		&order.AvgFillPrice,
		&order.Status,
		&order.StrategyTag,
		&order.RejectReason,
		&order.Acknowledged,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.SubmittedAt,
		&order.ClosedAt,
	)
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (r *OrderRepository) queryOne(query string, args ...interface{}) (*models.Order, error) {
	order, err := scanOrder(r.db.QueryRow(query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return order, nil
}

func (r *OrderRepository) queryMany(query string, args ...interface{}) ([]*models.Order, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return orders, nil
}
