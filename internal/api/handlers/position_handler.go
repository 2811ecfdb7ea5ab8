package handlers

import (
	"net/http"

	"tradegate/internal/position"
	"tradegate/pkg/utils"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// PositionHandler отвечает за просмотр и принудительное закрытие позиций
type PositionHandler struct {
	posMgr *position.Manager
	log    *utils.Logger
}

// NewPositionHandler создает новый PositionHandler
func NewPositionHandler(posMgr *position.Manager, log *utils.Logger) *PositionHandler {
	if log == nil {
		log = utils.L()
	}
	return &PositionHandler{posMgr: posMgr, log: log.WithComponent("api")}
}

// List возвращает сводку по открытым позициям
// GET /api/v1/positions
func (h *PositionHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.posMgr.GetPositionsSummary())
}

// Close принудительно закрывает позицию по символу
// POST /api/v1/positions/{symbol}/close
func (h *PositionHandler) Close(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required", "")
		return
	}

	closed, err := h.posMgr.ClosePosition(r.Context(), symbol, "operator")
	if err != nil {
		writeError(w, http.StatusBadGateway, "failed to close position", err.Error())
		return
	}
	if !closed {
		writeError(w, http.StatusNotFound, "position not found", symbol)
		return
	}

	h.log.Info("position closed via api", zap.String("symbol", symbol))
	writeJSON(w, http.StatusOK, &SuccessResponse{Message: "position closed"})
}
