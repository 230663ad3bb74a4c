// Package api - настройка HTTP маршрутов.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"execution/internal/api/handlers"
	"execution/internal/api/middleware"
	"execution/internal/service"
)

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	Engine       handlers.Executor
	Leverage     handlers.LeverageManager
	VenueManager service.VenueManager
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
// /api/v1/
//
//	├── /orders/
//	│   ├── POST / - разместить ордер (201 создан, 200 дубликат)
//	│   ├── GET / - последние ордера
//	│   ├── GET /{id} - ордер по id или ключу идемпотентности
//	│   ├── DELETE /{id} - отменить ордер
//	│   └── POST /{id}/ack - подтвердить отклонённый ордер
//	├── /leverage/
//	│   ├── POST / - установить плечо
//	│   └── POST /validate - dry-run проверка плеча
//	└── /venues/
//	    ├── GET / - состояние площадок
//	    ├── POST /{name}/connect - подключить площадку
//	    ├── DELETE /{name}/connect - отключить площадку
//	    ├── GET /{name}/balance - баланс
//	    ├── GET /{name}/positions - позиции
//	    ├── GET /{name}/price - последняя цена символа
//	    └── GET /{name}/margin-health - запас маржи
//
// /health - liveness probe
// /metrics - Prometheus метрики
func SetupRoutes(deps *Dependencies) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.Recovery)
	router.Use(middleware.Logging)
	router.Use(middleware.CORS)

	api := router.PathPrefix("/api/v1").Subrouter()

	if deps != nil && deps.Engine != nil {
		orderHandler := handlers.NewOrderHandler(deps.Engine)
		api.HandleFunc("/orders", orderHandler.SubmitOrder).Methods("POST")
		api.HandleFunc("/orders", orderHandler.GetOrders).Methods("GET")
		api.HandleFunc("/orders/{id}", orderHandler.GetOrder).Methods("GET")
		api.HandleFunc("/orders/{id}", orderHandler.CancelOrder).Methods("DELETE")
		api.HandleFunc("/orders/{id}/ack", orderHandler.AcknowledgeOrder).Methods("POST")
	}

	if deps != nil && deps.Leverage != nil {
		leverageHandler := handlers.NewLeverageHandler(deps.Leverage)
		api.HandleFunc("/leverage", leverageHandler.SetLeverage).Methods("POST")
		api.HandleFunc("/leverage/validate", leverageHandler.ValidateLeverage).Methods("POST")
	}

	if deps != nil && deps.VenueManager != nil {
		venueHandler := handlers.NewVenueHandler(deps.VenueManager)
		api.HandleFunc("/venues", venueHandler.GetVenues).Methods("GET")
		api.HandleFunc("/venues/{name}/connect", venueHandler.ConnectVenue).Methods("POST")
		api.HandleFunc("/venues/{name}/connect", venueHandler.DisconnectVenue).Methods("DELETE")
		api.HandleFunc("/venues/{name}/balance", venueHandler.GetVenueBalance).Methods("GET")
		api.HandleFunc("/venues/{name}/positions", venueHandler.GetVenuePositions).Methods("GET")
		api.HandleFunc("/venues/{name}/price", venueHandler.GetVenuePrice).Methods("GET")
		api.HandleFunc("/venues/{name}/margin-health", venueHandler.GetVenueMarginHealth).Methods("GET")
	}

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	return router
}
