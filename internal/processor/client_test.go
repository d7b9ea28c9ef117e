package processor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"github.com/shoplocal/payments-system/internal/model"
)

func clientWithServer(ts *httptest.Server) *Client {
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:        stripe.String(ts.URL),
		HTTPClient: ts.Client(),
	})

	api := &client.API{}
	api.Init("sk_test_key", &stripe.Backends{
		API:     backend,
		Connect: backend,
		Uploads: backend,
	})

	return &Client{
		api: api,
		cfg: Config{
			SuccessURL:      "https://shop.local/checkout/success",
			CancelURL:       "https://shop.local/checkout/cancel",
			PortalReturnURL: "https://shop.local/account",
			BasicPriceID:    "price_basic",
			FeaturedPriceID: "price_featured",
			Currency:        "aud",
		},
	}
}

func TestCreateOrderCheckoutSession(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if !strings.HasSuffix(r.URL.Path, "/checkout/sessions") {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Idempotency-Key") == "" {
			t.Fatalf("idempotency key not set")
		}

		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.PostForm.Get("payment_intent_data[metadata][order_id]"); got != "100" {
			t.Fatalf("order_id metadata = %q, want 100", got)
		}
		if got := r.PostForm.Get("mode"); got != "payment" {
			t.Fatalf("mode = %q, want payment", got)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":  "cs_test_1",
			"url": "https://checkout.stripe.com/pay/cs_test_1",
		})
	}))
	defer ts.Close()

	c := clientWithServer(ts)

	order := &model.Order{ID: 100, Total: 5990}
	sessionID, url, err := c.CreateOrderCheckoutSession(context.Background(), order)
	if err != nil {
		t.Fatalf("CreateOrderCheckoutSession error: %v", err)
	}
	if sessionID != "cs_test_1" {
		t.Fatalf("session id = %q, want cs_test_1", sessionID)
	}
	if url != "https://checkout.stripe.com/pay/cs_test_1" {
		t.Fatalf("url = %q", url)
	}
}

func TestCreateSubscriptionCheckoutSession_FeaturedPrice(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.PostForm.Get("line_items[0][price]"); got != "price_featured" {
			t.Fatalf("price = %q, want price_featured", got)
		}
		if got := r.PostForm.Get("metadata[vendor_id]"); got != "7" {
			t.Fatalf("vendor_id metadata = %q, want 7", got)
		}
		if got := r.PostForm.Get("metadata[tier]"); got != "featured" {
			t.Fatalf("tier metadata = %q, want featured", got)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":  "cs_test_2",
			"url": "https://checkout.stripe.com/pay/cs_test_2",
		})
	}))
	defer ts.Close()

	c := clientWithServer(ts)

	_, url, err := c.CreateSubscriptionCheckoutSession(context.Background(), 7, model.TierFeatured, nil)
	if err != nil {
		t.Fatalf("CreateSubscriptionCheckoutSession error: %v", err)
	}
	if url == "" {
		t.Fatalf("empty redirect url")
	}
}

func TestCreateRefund(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/refunds") {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.PostForm.Get("payment_intent"); got != "pi_123" {
			t.Fatalf("payment_intent = %q, want pi_123", got)
		}
		if got := r.Header.Get("Idempotency-Key"); got != "refund-request-7" {
			t.Fatalf("Idempotency-Key = %q, want refund-request-7", got)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "re_1", "status": "pending"})
	}))
	defer ts.Close()

	c := clientWithServer(ts)

	refundID, err := c.CreateRefund(context.Background(), "pi_123", "refund-request-7")
	if err != nil {
		t.Fatalf("CreateRefund error: %v", err)
	}
	if refundID != "re_1" {
		t.Fatalf("refund id = %q, want re_1", refundID)
	}
}

func TestCreateRefund_ProcessorError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"type": "card_error", "message": "charge already refunded"},
		})
	}))
	defer ts.Close()

	c := clientWithServer(ts)

	_, err := c.CreateRefund(context.Background(), "pi_123", "refund-request-7")
	if err == nil {
		t.Fatalf("expected error from processor")
	}
}
