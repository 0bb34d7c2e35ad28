package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"lv-paperdesk/internal/apperr"
)

const maxBodyBytes = 1 << 20

type ErrorResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	Violations any    `json:"violations,omitempty"`
}

func ReadJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty body")
		}
		return err
	}
	return nil
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// detailer is implemented by errors that carry structured details, such as
// the violation list of a risk rejection.
type detailer interface {
	Details() any
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(err error) int {
	switch apperr.Code(err) {
	case "validation_error":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "account_inactive":
		return http.StatusConflict
	case "risk_rejected", "insufficient_funds":
		return http.StatusUnprocessableEntity
	case "price_unavailable":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes err with the status of its kind. Internal errors are not
// echoed to the client.
func WriteError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	resp := ErrorResponse{Error: err.Error(), Code: apperr.Code(err)}
	if status == http.StatusInternalServerError {
		resp.Error = "internal error"
	}
	var d detailer
	if errors.As(err, &d) {
		resp.Violations = d.Details()
	}
	WriteJSON(w, status, resp)
}
