package orders

import (
	"net/http"
	"strconv"
	"strings"

	"lv-paperdesk/internal/httputil"
	"lv-paperdesk/internal/model"
	"lv-paperdesk/internal/types"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request, userID string) {
	var req OrderRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	o, err := h.svc.CreateOrder(r.Context(), chi.URLParam(r, "accountID"), req)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	status := http.StatusCreated
	if o.Status == types.OrderStatusCanceled {
		status = http.StatusOK
	}
	httputil.WriteJSON(w, status, o)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request, userID string) {
	q := r.URL.Query()
	f := ListFilter{Symbol: q.Get("symbol"), Live: q.Get("live") == "true"}
	if v := q.Get("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			f.Statuses = append(f.Statuses, types.OrderStatus(strings.TrimSpace(s)))
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid limit"})
			return
		}
		f.Limit = n
	}
	orders, err := h.svc.ListOrders(r.Context(), chi.URLParam(r, "accountID"), f)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	httputil.WriteJSON(w, http.StatusOK, orders)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request, userID string) {
	o, err := h.svc.GetOrder(r.Context(), chi.URLParam(r, "accountID"), chi.URLParam(r, "orderID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, o)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request, userID string) {
	canceled, err := h.svc.CancelOrder(r.Context(), chi.URLParam(r, "accountID"), chi.URLParam(r, "orderID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"canceled": canceled})
}

func (h *Handler) Positions(w http.ResponseWriter, r *http.Request, userID string) {
	status := types.PositionStatus(r.URL.Query().Get("status"))
	list, err := h.svc.ListPositions(r.Context(), chi.URLParam(r, "accountID"), status)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if list == nil {
		list = []model.Position{}
	}
	httputil.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) ClosePosition(w http.ResponseWriter, r *http.Request, userID string) {
	o, err := h.svc.ClosePosition(r.Context(), chi.URLParam(r, "accountID"), chi.URLParam(r, "positionID"), types.OrderReasonManualClose)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, o)
}

type protectionRequest struct {
	StopLoss   *decimal.Decimal `json:"stop_loss"`
	TakeProfit *decimal.Decimal `json:"take_profit"`
}

func (h *Handler) UpdateProtection(w http.ResponseWriter, r *http.Request, userID string) {
	var req protectionRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	pos, err := h.svc.UpdatePositionProtection(r.Context(), chi.URLParam(r, "accountID"), chi.URLParam(r, "positionID"), req.StopLoss, req.TakeProfit)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, pos)
}

func (h *Handler) Portfolio(w http.ResponseWriter, r *http.Request, userID string) {
	p, err := h.svc.GetPortfolio(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}
