package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_LabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Metrics)
	r.Get("/api/orders/{orderID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for _, target := range []string{"/api/orders/100", "/api/orders/101", "/api/orders/102"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
	}

	got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/api/orders/{orderID}", "200"))
	if got != 3 {
		t.Fatalf("requests counted under route pattern = %v, want 3", got)
	}

	for _, raw := range []string{"/api/orders/100", "/api/orders/101", "/api/orders/102"} {
		if n := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", raw, "200")); n != 0 {
			t.Fatalf("raw path %q minted its own label value (count %v)", raw, n)
		}
	}
}
