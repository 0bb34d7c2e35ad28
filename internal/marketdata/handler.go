package marketdata

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"lv-paperdesk/internal/httputil"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	feed    *Guarded
	candles CandleSource
}

func NewHandler(feed *Guarded, candles CandleSource) *Handler {
	return &Handler{feed: feed, candles: candles}
}

func (h *Handler) Price(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "symbol")))
	q, err := h.feed.Quote(r.Context(), symbol)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, ErrUnknownSymbol) {
			status = http.StatusNotFound
		}
		httputil.WriteJSON(w, status, httputil.ErrorResponse{Error: err.Error(), Code: "price_unavailable"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, q)
}

func (h *Handler) Candles(w http.ResponseWriter, r *http.Request) {
	if h.candles == nil {
		httputil.WriteJSON(w, http.StatusNotFound, httputil.ErrorResponse{Error: "candles not available"})
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "symbol")))
	interval := parseInterval(r.URL.Query().Get("timeframe"))
	if interval == 0 {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid timeframe"})
		return
	}
	limit := 500
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	out, err := h.candles.Candles(r.Context(), symbol, interval, limit)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrUnknownSymbol) {
			status = http.StatusNotFound
		}
		httputil.WriteJSON(w, status, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func parseInterval(v string) time.Duration {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "1m":
		return time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "30m":
		return 30 * time.Minute
	case "1h":
		return time.Hour
	case "4h":
		return 4 * time.Hour
	case "1d":
		return 24 * time.Hour
	default:
		return 0
	}
}
