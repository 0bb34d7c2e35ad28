package ledger

import (
	"net/http"
	"time"

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

// Equity serves the equity curve of an account the router already checked
// the caller owns.
func (h *Handler) Equity(w http.ResponseWriter, r *http.Request, userID string) {
	accountID := chi.URLParam(r, "accountID")
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid since, use RFC3339"})
			return
		}
		since = t
	}
	pts, err := h.svc.History(r.Context(), accountID, since)
	if err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	if pts == nil {
		pts = []model.EquityPoint{}
	}
	httputil.WriteJSON(w, http.StatusOK, pts)
}
