package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestNewServerRoutesHealthzAndMetrics(t *testing.T) {
	m := New()
	srv := NewServer(":0", m, nil)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", rec.Code)
	}
}

func TestNewServerMountsExtraRoutes(t *testing.T) {
	m := New()
	called := false
	srv := NewServer(":0", m, func(r chi.Router) {
		r.Get("/events", func(w http.ResponseWriter, _ *http.Request) {
			called = true
			w.WriteHeader(http.StatusOK)
		})
	})

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/events", nil))
	if !called || rec.Code != http.StatusOK {
		t.Fatalf("mounted /events route was not reached")
	}
}
