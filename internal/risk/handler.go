package risk

import (
	"net/http"

	"lv-paperdesk/internal/apperr"
	"lv-paperdesk/internal/httputil"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type Handler struct {
	engine    *Engine
	responder *Responder
}

func NewHandler(engine *Engine, responder *Responder) *Handler {
	return &Handler{engine: engine, responder: responder}
}

func (h *Handler) Check(w http.ResponseWriter, r *http.Request, userID string) {
	var in Intent
	if err := httputil.ReadJSON(r, &in); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	res, err := h.engine.CheckPreTradeRisk(r.Context(), chi.URLParam(r, "accountID"), in)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) Portfolio(w http.ResponseWriter, r *http.Request, userID string) {
	m, err := h.engine.CalculatePortfolioRisk(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, m)
}

func (h *Handler) Report(w http.ResponseWriter, r *http.Request, userID string) {
	rep, err := h.engine.GenerateRiskReport(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rep)
}

// sizeRequest is the flat wire form of a SizingModel.
type sizeRequest struct {
	Model            string           `json:"model"`
	Amount           decimal.Decimal  `json:"amount"`
	Percent          decimal.Decimal  `json:"percent"`
	Fraction         *decimal.Decimal `json:"fraction"`
	FromHistory      bool             `json:"from_history"`
	BaseFraction     decimal.Decimal  `json:"base_fraction"`
	TargetVolatility decimal.Decimal  `json:"target_volatility"`
	SymbolVolatility decimal.Decimal  `json:"symbol_volatility"`
	Price            decimal.Decimal  `json:"price"`
}

func (req sizeRequest) model() (SizingModel, error) {
	switch req.Model {
	case FixedAmount{}.Name():
		return FixedAmount{Amount: req.Amount}, nil
	case FixedPercentage{}.Name():
		return FixedPercentage{Percent: req.Percent}, nil
	case Kelly{}.Name():
		return Kelly{Fraction: req.Fraction, FromHistory: req.FromHistory}, nil
	case VolatilityAdjusted{}.Name():
		return VolatilityAdjusted{BaseFraction: req.BaseFraction, TargetVolatility: req.TargetVolatility, SymbolVolatility: req.SymbolVolatility}, nil
	}
	return nil, apperr.Validation("risk.Size", "unknown sizing model %q", req.Model)
}

func (h *Handler) Size(w http.ResponseWriter, r *http.Request, userID string) {
	var req sizeRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	m, err := req.model()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	res, err := h.engine.CalculatePositionSize(r.Context(), chi.URLParam(r, "accountID"), m, req.Price)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) EmergencyStop(w http.ResponseWriter, r *http.Request) {
	res, err := h.responder.EmergencyStopLoss(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) Reduce(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Percent decimal.Decimal `json:"percent"`
	}
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	res, err := h.responder.ReducePositions(r.Context(), chi.URLParam(r, "accountID"), req.Percent)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) Liquidate(w http.ResponseWriter, r *http.Request) {
	res, err := h.responder.LiquidateAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}
