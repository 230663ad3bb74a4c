package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	"execution/internal/service"
	"execution/internal/venue"
)

func venueRouter(h *VenueHandler) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/venues", h.GetVenues).Methods("GET")
	r.HandleFunc("/api/v1/venues/{name}/connect", h.ConnectVenue).Methods("POST")
	r.HandleFunc("/api/v1/venues/{name}/connect", h.DisconnectVenue).Methods("DELETE")
	r.HandleFunc("/api/v1/venues/{name}/balance", h.GetVenueBalance).Methods("GET")
	r.HandleFunc("/api/v1/venues/{name}/price", h.GetVenuePrice).Methods("GET")
	return r
}

func TestGetVenues(t *testing.T) {
	h := NewVenueHandler(&mockVenues{
		sessions: []venue.Session{
			{Venue: "bybit", Connected: true},
			{Venue: "binance", Connected: false},
		},
	})

	rec := httptest.NewRecorder()
	venueRouter(h).ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/venues", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var sessions []venue.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sessions); err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 || !sessions[0].Connected {
		t.Errorf("sessions = %+v", sessions)
	}
}

// Имя площадки берётся из пути, не из тела
func TestConnectVenueUsesPathName(t *testing.T) {
	var gotVenue string
	h := NewVenueHandler(&mockVenues{
		connectFn: func(ctx context.Context, req *service.ConnectRequest) error {
			gotVenue = req.Venue
			return nil
		},
	})

	body, _ := json.Marshal(service.ConnectRequest{Venue: "spoofed", APIKey: "k", SecretKey: "s"})
	rec := httptest.NewRecorder()
	venueRouter(h).ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/venues/bybit/connect", bytes.NewBuffer(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if gotVenue != "bybit" {
		t.Errorf("venue = %s, want bybit from path", gotVenue)
	}
}

func TestConnectVenueAuthFailure(t *testing.T) {
	h := NewVenueHandler(&mockVenues{
		connectFn: func(ctx context.Context, req *service.ConnectRequest) error {
			return &venue.Error{Venue: req.Venue, Kind: venue.FaultAuth, Message: "invalid api key"}
		},
	})

	body, _ := json.Marshal(service.ConnectRequest{APIKey: "bad", SecretKey: "bad"})
	rec := httptest.NewRecorder()
	venueRouter(h).ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/venues/bybit/connect", bytes.NewBuffer(body)))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestGetVenueBalance(t *testing.T) {
	h := NewVenueHandler(&mockVenues{
		balanceFn: func(ctx context.Context, venueName string) (float64, error) {
			return 1500.25, nil
		},
	})

	rec := httptest.NewRecorder()
	venueRouter(h).ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/venues/bybit/balance", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp map[string]interface{}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["balance"] != 1500.25 {
		t.Errorf("balance = %v", resp["balance"])
	}
}

func TestGetVenuePriceValidation(t *testing.T) {
	h := NewVenueHandler(&mockVenues{
		priceFn: func(ctx context.Context, venueName, symbol string) (float64, error) {
			return 50000, nil
		},
	})
	router := venueRouter(h)

	// Без символа - 400
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/venues/bybit/price", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing symbol: status = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/venues/bybit/price?symbol=BTCUSDT", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

// Операция над неподключённой площадкой отвечает 409
func TestVenueNotConnectedConflict(t *testing.T) {
	h := NewVenueHandler(&mockVenues{
		balanceFn: func(ctx context.Context, venueName string) (float64, error) {
			return 0, venue.NewNotConnected(venueName)
		},
	})

	rec := httptest.NewRecorder()
	venueRouter(h).ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/venues/bybit/balance", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}
