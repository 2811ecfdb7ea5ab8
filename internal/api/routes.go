package api

import (
	"net/http"

	"tradegate/internal/api/handlers"
	"tradegate/internal/api/middleware"
	"tradegate/internal/position"
	"tradegate/internal/risk"
	"tradegate/internal/wsfeed"
	"tradegate/pkg/utils"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	RiskManager     *risk.Manager
	PositionManager *position.Manager
	FeedHub         *wsfeed.Hub
	APITokenHash    string
	Logger          *utils.Logger
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
// /api/v1/
//
//	├── /risk/
//	│   ├── GET  /status       - снимок риск-метрик и лимитов
//	│   ├── POST /enable       - включить риск-менеджмент
//	│   ├── POST /disable      - выключить риск-менеджмент
//	│   ├── POST /resume       - снять остановку торговли
//	│   ├── PATCH /params      - изменить параметр лимитов
//	│   ├── POST /reset/daily  - ручной ресет дневного окна
//	│   └── POST /reset/weekly - ручной ресет недельного окна
//	└── /positions/
//	    ├── GET  /                 - открытые позиции
//	    └── POST /{symbol}/close   - принудительное закрытие
//
// /ws/feed  - WebSocket статус-фид
// /health   - liveness probe (без аутентификации)
// /metrics  - Prometheus метрики (без аутентификации)
//
// Middleware: Recovery -> Logging -> CORS глобально, TokenAuth на /api/v1
func SetupRoutes(deps *Dependencies) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.Recovery)
	router.Use(middleware.Logging)
	router.Use(middleware.CORS)

	// Открытые endpoints
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	if deps.FeedHub != nil {
		router.HandleFunc("/ws/feed", func(w http.ResponseWriter, r *http.Request) {
			wsfeed.ServeWS(deps.FeedHub, w, r)
		})
	}

	// Операторский API под токеном
	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(middleware.TokenAuth(deps.APITokenHash))

	riskHandler := handlers.NewRiskHandler(deps.RiskManager, deps.Logger)
	v1.HandleFunc("/risk/status", riskHandler.GetStatus).Methods(http.MethodGet)
	v1.HandleFunc("/risk/enable", riskHandler.Enable).Methods(http.MethodPost)
	v1.HandleFunc("/risk/disable", riskHandler.Disable).Methods(http.MethodPost)
	v1.HandleFunc("/risk/resume", riskHandler.Resume).Methods(http.MethodPost)
	v1.HandleFunc("/risk/params", riskHandler.SetParameter).Methods(http.MethodPatch)
	v1.HandleFunc("/risk/reset/daily", riskHandler.ResetDaily).Methods(http.MethodPost)
	v1.HandleFunc("/risk/reset/weekly", riskHandler.ResetWeekly).Methods(http.MethodPost)

	positionHandler := handlers.NewPositionHandler(deps.PositionManager, deps.Logger)
	v1.HandleFunc("/positions", positionHandler.List).Methods(http.MethodGet)
	v1.HandleFunc("/positions/{symbol}/close", positionHandler.Close).Methods(http.MethodPost)

	return router
}
