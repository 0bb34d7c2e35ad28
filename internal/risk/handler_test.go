package risk

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
)

func serve(h func(http.ResponseWriter, *http.Request, string), pattern, target, body string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Post(pattern, func(w http.ResponseWriter, req *http.Request) { h(w, req, "u1") })
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, target, strings.NewReader(body)).WithContext(context.Background()))
	return rec
}

func TestHandlerSize(t *testing.T) {
	f := newFixture(t, nil)
	h := NewHandler(f.engine, nil)

	rec := serve(h.Size, "/accounts/{accountID}/size", "/accounts/"+f.account.ID+"/size",
		`{"model":"fixed_percentage","percent":"2","price":"2500"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"model":"fixed_percentage","value":"2000","clamped":false,"quantity":"0.8"}`, rec.Body.String())

	rec = serve(h.Size, "/accounts/{accountID}/size", "/accounts/"+f.account.ID+"/size", `{"model":"martingale"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerCheckRejectionIsData(t *testing.T) {
	f := newFixture(t, nil)
	h := NewHandler(f.engine, nil)
	rec := serve(h.Check, "/accounts/{accountID}/check", "/accounts/"+f.account.ID+"/check",
		`{"symbol":"ETHUSD","side":"buy","quantity":"1"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"approved":false`)
	assert.Contains(t, rec.Body.String(), `"max_account_risk"`)

	rec = serve(h.Check, "/accounts/{accountID}/check", "/accounts/missing/check",
		`{"symbol":"ETHUSD","side":"buy","quantity":"1"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
