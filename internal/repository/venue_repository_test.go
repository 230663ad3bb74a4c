package repository

import (
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"execution/internal/models"
)

func venueAccountRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "venue", "api_key", "secret_key", "passphrase",
		"connected", "use_testnet", "last_error", "created_at", "updated_at",
	})
}

func TestVenueAccountUpsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	repo := NewVenueAccountRepository(db)
	now := time.Now()

	mock.ExpectQuery(`INSERT INTO venue_accounts`).
		WithArgs("bybit", "enc-key", "enc-secret", "", true, false, "", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(1), now))

	account := &models.VenueAccount{
		Venue:     "bybit",
		APIKey:    "enc-key",
		SecretKey: "enc-secret",
		Connected: true,
	}
	if err := repo.Upsert(account); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if account.ID != 1 {
		t.Errorf("ID = %d, want 1", account.ID)
	}
}

func TestVenueAccountGetByVenue(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	repo := NewVenueAccountRepository(db)
	now := time.Now()

	mock.ExpectQuery(`SELECT (.+) FROM venue_accounts WHERE venue`).
		WithArgs("binance").
		WillReturnRows(venueAccountRows().AddRow(
			int64(2), "binance", "enc-key", "enc-secret", "", true, true, "", now, now,
		))

	account, err := repo.GetByVenue("binance")
	if err != nil {
		t.Fatalf("GetByVenue: %v", err)
	}
	if account.Venue != "binance" || !account.UseTestnet {
		t.Errorf("account = %+v", account)
	}
}

func TestVenueAccountGetByVenueNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	repo := NewVenueAccountRepository(db)

	mock.ExpectQuery(`SELECT (.+) FROM venue_accounts WHERE venue`).
		WithArgs("kraken").
		WillReturnRows(venueAccountRows())

	_, err = repo.GetByVenue("kraken")
	if !errors.Is(err, ErrVenueAccountNotFound) {
		t.Errorf("got %v, want ErrVenueAccountNotFound", err)
	}
}

func TestVenueAccountSetConnected(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	repo := NewVenueAccountRepository(db)

	mock.ExpectExec(`UPDATE venue_accounts`).
		WithArgs(false, "auth expired", sqlmock.AnyArg(), "bybit").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.SetConnected("bybit", false, "auth expired"); err != nil {
		t.Fatalf("SetConnected: %v", err)
	}
}

func TestVenueAccountDeleteMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	repo := NewVenueAccountRepository(db)

	mock.ExpectExec(`DELETE FROM venue_accounts`).
		WithArgs("kraken").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = repo.Delete("kraken")
	if !errors.Is(err, ErrVenueAccountNotFound) {
		t.Errorf("got %v, want ErrVenueAccountNotFound", err)
	}
}
