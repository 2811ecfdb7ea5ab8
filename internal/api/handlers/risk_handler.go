package handlers

import (
	"net/http"

	"tradegate/internal/risk"
	"tradegate/pkg/utils"

	"go.uber.org/zap"
)

// RiskHandler отвечает за операторское управление риск-гейтом
//
// Функции:
// - Статус риск-метрик и лимитов (GET /api/v1/risk/status)
// - Включение/выключение риск-менеджмента
// - Runtime-изменение параметров лимитов
// - Ручные ресеты торговых окон
// - Ручное возобновление торговли после остановки
type RiskHandler struct {
	riskMgr *risk.Manager
	log     *utils.Logger
}

// NewRiskHandler создает новый RiskHandler
func NewRiskHandler(riskMgr *risk.Manager, log *utils.Logger) *RiskHandler {
	if log == nil {
		log = utils.L()
	}
	return &RiskHandler{riskMgr: riskMgr, log: log.WithComponent("api")}
}

// GetStatus возвращает полный снимок состояния риск-менеджера
// GET /api/v1/risk/status
func (h *RiskHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.riskMgr.GetRiskStatus(r.Context()))
}

// Enable включает риск-менеджмент
// POST /api/v1/risk/enable
func (h *RiskHandler) Enable(w http.ResponseWriter, r *http.Request) {
	if err := h.riskMgr.Enable(); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enable risk management", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, &SuccessResponse{Message: "risk management enabled"})
}

// Disable выключает риск-менеджмент (все проверки пропускаются)
// POST /api/v1/risk/disable
func (h *RiskHandler) Disable(w http.ResponseWriter, r *http.Request) {
	if err := h.riskMgr.Disable(); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to disable risk management", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, &SuccessResponse{Message: "risk management disabled"})
}

// Resume вручную снимает остановку торговли
// POST /api/v1/risk/resume
func (h *RiskHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.riskMgr.Resume()
	writeJSON(w, http.StatusOK, &SuccessResponse{Message: "trading resumed"})
}

// setParameterRequest - тело запроса на изменение параметра
type setParameterRequest struct {
	Path  string `json:"path"`  // dotted path, например "daily.max_abs_loss"
	Value string `json:"value"` // сырое значение, тип выводится из имени поля
}

// SetParameter изменяет параметр лимитов в runtime
// PATCH /api/v1/risk/params
func (h *RiskHandler) SetParameter(w http.ResponseWriter, r *http.Request) {
	var req setParameterRequest
	if err := apiJSON.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required", "")
		return
	}

	if err := h.riskMgr.SetRiskParameter(req.Path, req.Value); err != nil {
		writeError(w, http.StatusBadRequest, "failed to set parameter", err.Error())
		return
	}

	h.log.Info("risk parameter updated via api",
		zap.String("path", req.Path), zap.String("value", req.Value))
	writeJSON(w, http.StatusOK, &SuccessResponse{Message: "parameter updated"})
}

// ResetDaily вручную сбрасывает дневное окно
// POST /api/v1/risk/reset/daily
func (h *RiskHandler) ResetDaily(w http.ResponseWriter, r *http.Request) {
	h.riskMgr.ResetDailyCounters(r.Context())
	writeJSON(w, http.StatusOK, &SuccessResponse{Message: "daily counters reset"})
}

// ResetWeekly вручную сбрасывает недельное окно
// POST /api/v1/risk/reset/weekly
func (h *RiskHandler) ResetWeekly(w http.ResponseWriter, r *http.Request) {
	h.riskMgr.ResetWeeklyCounters(r.Context())
	writeJSON(w, http.StatusOK, &SuccessResponse{Message: "weekly counters reset"})
}
