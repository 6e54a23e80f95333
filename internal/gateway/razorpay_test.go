package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/pinkpass/internal/model"
)

const razorpayCaptured = `{
  "entity": "event",
  "event": "payment.captured",
  "payload": {
    "payment": {"entity": {
      "id": "pay_29QQoUBi66xm2f", "order_id": "order_9A33XWu170gUtm", "amount": 1050050,
      "status": "captured", "email": "asha@example.com", "contact": "+919876543210",
      "notes": {"order_id": "PIP-42", "type": "donation"}
    }}
  }
}`

func TestRazorpay_VerifyWebhook(t *testing.T) {
	rp := NewRazorpay(RazorpayConfig{WebhookSecret: "rp-secret"})
	body := []byte(razorpayCaptured)

	h := http.Header{}
	h.Set(RazorpaySignatureHeader, RazorpaySignature("rp-secret", body))
	require.NoError(t, rp.VerifyWebhook(h, body))

	tampered := []byte(string(body[:len(body)-2]) + " }")
	assert.ErrorIs(t, rp.VerifyWebhook(h, tampered), ErrInvalidSignature)

	bad := http.Header{}
	bad.Set(RazorpaySignatureHeader, RazorpaySignature("other", body))
	assert.ErrorIs(t, rp.VerifyWebhook(bad, body), ErrInvalidSignature)

	assert.ErrorIs(t, rp.VerifyWebhook(http.Header{}, body), ErrMissingSignature)
}

func TestRazorpay_ParseWebhook(t *testing.T) {
	rp := NewRazorpay(RazorpayConfig{})

	ev, err := rp.ParseWebhook([]byte(razorpayCaptured))
	require.NoError(t, err)

	assert.Equal(t, model.GatewayRazorpay, ev.Gateway)
	assert.Equal(t, "PIP-42", ev.OrderID)
	assert.Equal(t, "pay_29QQoUBi66xm2f", ev.PaymentID)
	assert.Equal(t, "order_9A33XWu170gUtm", ev.GatewayOrderID)
	assert.Equal(t, int64(10500), ev.PaidAmount)
	assert.True(t, ev.Success)
	assert.Equal(t, "asha@example.com", ev.Notes["email"])
	assert.Equal(t, "+919876543210", ev.Notes["phone"])
}

func TestRazorpay_ParseWebhook_Variants(t *testing.T) {
	rp := NewRazorpay(RazorpayConfig{})

	t.Run("order.paid uses receipt", func(t *testing.T) {
		ev, err := rp.ParseWebhook([]byte(`{"event":"order.paid","payload":{
			"payment":{"entity":{"id":"pay_1","amount":99900,"status":"captured"}},
			"order":{"entity":{"id":"order_1","receipt":"PIP-7","amount_paid":99900,"status":"paid"}}}}`))
		require.NoError(t, err)
		assert.Equal(t, "PIP-7", ev.OrderID)
		assert.Equal(t, int64(999), ev.PaidAmount)
		assert.True(t, ev.Success)
	})

	t.Run("payment.failed", func(t *testing.T) {
		ev, err := rp.ParseWebhook([]byte(`{"event":"payment.failed","payload":{"payment":{"entity":{"id":"pay_2","amount":500,"status":"failed","notes":{"order_id":"PIP-8"}}}}}`))
		require.NoError(t, err)
		assert.Equal(t, "PIP-8", ev.OrderID)
		assert.False(t, ev.Success)
	})

	t.Run("empty payload is a ping", func(t *testing.T) {
		ev, err := rp.ParseWebhook([]byte(`{}`))
		require.NoError(t, err)
		assert.True(t, ev.Ping)
	})

	t.Run("payment without notes keeps razorpay order id", func(t *testing.T) {
		ev, err := rp.ParseWebhook([]byte(`{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_4","order_id":"order_9","amount":250000,"status":"captured"}}}}`))
		require.NoError(t, err)
		assert.Empty(t, ev.OrderID)
		assert.Equal(t, "order_9", ev.GatewayOrderID)
		assert.Equal(t, int64(2500), ev.PaidAmount)
		assert.True(t, ev.Success)
	})

	t.Run("missing order reference", func(t *testing.T) {
		_, err := rp.ParseWebhook([]byte(`{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_3","amount":100}}}}`))
		assert.ErrorIs(t, err, ErrMalformedPayload)
	})
}

func TestRazorpay_ResolveOrderID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "rzp_test_key", user)
		assert.Equal(t, "rzp_secret", pass)
		assert.Equal(t, http.MethodGet, r.Method)

		switch r.URL.Path {
		case "/v1/orders/order_receipt":
			_, _ = w.Write([]byte(`{"id":"order_receipt","receipt":"PIP-11","status":"paid","notes":{"type":"donation","email":"a@example.com"}}`))
		case "/v1/orders/order_notes":
			_, _ = w.Write([]byte(`{"id":"order_notes","status":"paid","notes":{"order_id":"PIP-12"}}`))
		case "/v1/orders/order_bare":
			_, _ = w.Write([]byte(`{"id":"order_bare","status":"paid"}`))
		case "/v1/orders/order_down":
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":{"code":"SERVER_ERROR","description":"boom"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":"BAD_REQUEST_ERROR","description":"The id provided does not exist"}}`))
		}
	}))
	defer server.Close()

	rp := NewRazorpay(RazorpayConfig{BaseURL: server.URL, KeyID: "rzp_test_key", KeySecret: "rzp_secret"})

	t.Run("receipt", func(t *testing.T) {
		ev := &PaymentEvent{GatewayOrderID: "order_receipt", Notes: map[string]string{"email": "b@example.com"}}
		require.NoError(t, rp.ResolveOrderID(context.Background(), ev))
		assert.Equal(t, "PIP-11", ev.OrderID)
		assert.Equal(t, "donation", ev.Notes["type"])
		assert.Equal(t, "b@example.com", ev.Notes["email"], "payment notes win over order notes")
	})

	t.Run("notes order id", func(t *testing.T) {
		ev := &PaymentEvent{GatewayOrderID: "order_notes"}
		require.NoError(t, rp.ResolveOrderID(context.Background(), ev))
		assert.Equal(t, "PIP-12", ev.OrderID)
	})

	t.Run("already resolved", func(t *testing.T) {
		ev := &PaymentEvent{OrderID: "PIP-1", GatewayOrderID: "order_missing"}
		require.NoError(t, rp.ResolveOrderID(context.Background(), ev))
		assert.Equal(t, "PIP-1", ev.OrderID)
	})

	t.Run("order without reference", func(t *testing.T) {
		err := rp.ResolveOrderID(context.Background(), &PaymentEvent{GatewayOrderID: "order_bare"})
		assert.ErrorIs(t, err, ErrMalformedPayload)
	})

	t.Run("unknown order", func(t *testing.T) {
		err := rp.ResolveOrderID(context.Background(), &PaymentEvent{GatewayOrderID: "order_missing"})
		assert.ErrorIs(t, err, ErrMalformedPayload)
	})

	t.Run("upstream failure", func(t *testing.T) {
		err := rp.ResolveOrderID(context.Background(), &PaymentEvent{GatewayOrderID: "order_down"})
		var upErr *UpstreamError
		require.ErrorAs(t, err, &upErr)
		assert.Equal(t, http.StatusInternalServerError, upErr.StatusCode)
	})

	t.Run("keys missing", func(t *testing.T) {
		err := NewRazorpay(RazorpayConfig{BaseURL: server.URL}).ResolveOrderID(context.Background(), &PaymentEvent{GatewayOrderID: "order_receipt"})
		assert.ErrorIs(t, err, ErrNotConfigured)
	})
}

func TestRazorpay_CreateOrder(t *testing.T) {
	var got razorpayCreateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "rzp_test_key", user)
		assert.Equal(t, "rzp_secret", pass)
		assert.Equal(t, "/v1/orders", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		_, _ = w.Write([]byte(`{"id":"order_EKwxwAgItmmXdp","amount":250000,"receipt":"PIP-5","status":"created"}`))
	}))
	defer server.Close()

	rp := NewRazorpay(RazorpayConfig{BaseURL: server.URL, KeyID: "rzp_test_key", KeySecret: "rzp_secret"})
	s, err := rp.CreateOrder(context.Background(), CreateOrderRequest{OrderID: "PIP-5", Amount: 2500, Notes: map[string]string{"type": "bulk"}})
	require.NoError(t, err)

	assert.Equal(t, "order_EKwxwAgItmmXdp", s.GatewayOrderID)
	assert.Equal(t, "rzp_test_key", s.KeyID)
	assert.Equal(t, int64(250000), got.Amount)
	assert.Equal(t, "PIP-5", got.Receipt)
	assert.Equal(t, "PIP-5", got.Notes["order_id"])
	assert.Equal(t, "bulk", got.Notes["type"])
}

func TestRazorpay_CreateOrder_Upstream5xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":{"code":"SERVER_ERROR","description":"The server encountered an error."}}`))
	}))
	defer server.Close()

	rp := NewRazorpay(RazorpayConfig{BaseURL: server.URL, KeyID: "k", KeySecret: "s"})
	_, err := rp.CreateOrder(context.Background(), CreateOrderRequest{OrderID: "PIP-5", Amount: 10})

	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.True(t, upErr.Transient())
	assert.Equal(t, "The server encountered an error.", upErr.Message)
}
