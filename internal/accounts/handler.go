package accounts

import (
	"net/http"

	"lv-paperdesk/internal/apperr"
	"lv-paperdesk/internal/httputil"
	"lv-paperdesk/internal/model"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request, userID string) {
	accounts, err := h.svc.List(r.Context(), userID)
	if err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	if accounts == nil {
		accounts = []model.Account{}
	}
	httputil.WriteJSON(w, http.StatusOK, accounts)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request, userID string) {
	var req CreateRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	acc, err := h.svc.Create(r.Context(), userID, req)
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error(), Code: apperr.Code(err)})
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, acc)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request, userID string) {
	acc, err := h.svc.GetOwned(r.Context(), userID, chi.URLParam(r, "accountID"))
	if err != nil {
		httputil.WriteJSON(w, http.StatusNotFound, httputil.ErrorResponse{Error: err.Error(), Code: apperr.Code(err)})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, acc)
}

func (h *Handler) UpdateRiskProfile(w http.ResponseWriter, r *http.Request, userID string) {
	var req model.RiskProfile
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	acc, err := h.svc.UpdateRiskProfile(r.Context(), chi.URLParam(r, "accountID"), req)
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error(), Code: apperr.Code(err)})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, acc)
}
