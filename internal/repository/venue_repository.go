package repository

import (
	"database/sql"
	"errors"
	"time"

	"execution/internal/models"
)

// Ошибки репозитория площадок
var (
	ErrVenueAccountNotFound = errors.New("venue account not found")
)

const venueAccountColumns = `id, venue, api_key, secret_key, passphrase,
		connected, use_testnet, last_error, created_at, updated_at`

// VenueAccountRepository - работа с таблицей venue_accounts.
// Ключи хранятся зашифрованными: шифрует и расшифровывает сервисный
// слой, репозиторий видит только ciphertext.
type VenueAccountRepository struct {
	db *sql.DB
}

// NewVenueAccountRepository создает новый экземпляр репозитория
func NewVenueAccountRepository(db *sql.DB) *VenueAccountRepository {
	return &VenueAccountRepository{db: db}
}

// Upsert сохраняет учётные данные площадки (одна запись на площадку)
func (r *VenueAccountRepository) Upsert(account *models.VenueAccount) error {
	query := `
		INSERT INTO venue_accounts (venue, api_key, secret_key, passphrase, connected, use_testnet, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (venue) DO UPDATE
		SET api_key = EXCLUDED.api_key,
			secret_key = EXCLUDED.secret_key,
			passphrase = EXCLUDED.passphrase,
			connected = EXCLUDED.connected,
			use_testnet = EXCLUDED.use_testnet,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at`

	now := time.Now()
	account.UpdatedAt = now

	return r.db.QueryRow(
		query,
		account.Venue,
		account.APIKey,
		account.SecretKey,
		account.Passphrase,
		account.Connected,
		account.UseTestnet,
		account.LastError,
		now,
	).Scan(&account.ID, &account.CreatedAt)
}

// GetByVenue возвращает учётные данные площадки
func (r *VenueAccountRepository) GetByVenue(venueName string) (*models.VenueAccount, error) {
	query := `SELECT ` + venueAccountColumns + ` FROM venue_accounts WHERE venue = $1`

	account := &models.VenueAccount{}
	err := r.db.QueryRow(query, venueName).Scan(
		&account.ID,
		&account.Venue,
		&account.APIKey,
		&account.SecretKey,
		&account.Passphrase,
		&account.Connected,
		&account.UseTestnet,
		&account.LastError,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrVenueAccountNotFound
		}
		return nil, err
	}

	return account, nil
}

// GetAll возвращает все сохранённые площадки
func (r *VenueAccountRepository) GetAll() ([]*models.VenueAccount, error) {
	query := `SELECT ` + venueAccountColumns + ` FROM venue_accounts ORDER BY venue`

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*models.VenueAccount
	for rows.Next() {
		account := &models.VenueAccount{}
		err := rows.Scan(
			&account.ID,
			&account.Venue,
			&account.APIKey,
			&account.SecretKey,
			&account.Passphrase,
			&account.Connected,
			&account.UseTestnet,
			&account.LastError,
			&account.CreatedAt,
			&account.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return accounts, nil
}

// SetConnected обновляет флаг подключения и последнюю ошибку
func (r *VenueAccountRepository) SetConnected(venueName string, connected bool, lastError string) error {
	query := `
		UPDATE venue_accounts
		SET connected = $1, last_error = $2, updated_at = $3
		WHERE venue = $4`

	result, err := r.db.Exec(query, connected, lastError, time.Now(), venueName)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrVenueAccountNotFound
	}

	return nil
}

// Delete удаляет учётные данные площадки
func (r *VenueAccountRepository) Delete(venueName string) error {
	result, err := r.db.Exec(`DELETE FROM venue_accounts WHERE venue = $1`, venueName)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrVenueAccountNotFound
	}

	return nil
}
