package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/pinkpass/internal/gateway"
	"github.com/mmeshcher/pinkpass/internal/middleware"
	"github.com/mmeshcher/pinkpass/internal/model"
	"github.com/mmeshcher/pinkpass/internal/service"
)

const (
	testAdminKey       = "admin-key"
	testCashfreeSecret = "cf-secret"
	testRazorpaySecret = "rzp-secret"
)

type stubService struct {
	createIn  service.CreateOrderInput
	createRes *service.CreateOrderResult
	createErr error

	statusRes *service.OrderStatusView
	statusErr error

	paymentCalls int
	paymentEvent *gateway.PaymentEvent
	paymentRes   *service.FulfillmentResult
	paymentErr   error

	summaryRes *model.Summary
	orderRes   *model.Order
	orderErr   error

	resendErr  error
	reissueRes *service.FulfillmentResult
	reissueErr error

	checkInIn  service.CheckInInput
	checkInRes *service.CheckInResult
	checkInErr error
	checkIns   []model.CheckIn
}

func (s *stubService) CreateOrder(ctx context.Context, in service.CreateOrderInput) (*service.CreateOrderResult, error) {
	s.createIn = in
	return s.createRes, s.createErr
}

func (s *stubService) GetOrderStatus(ctx context.Context, orderID string) (*service.OrderStatusView, error) {
	return s.statusRes, s.statusErr
}

func (s *stubService) HandlePaymentConfirmed(ctx context.Context, ev *gateway.PaymentEvent) (*service.FulfillmentResult, error) {
	s.paymentCalls++
	s.paymentEvent = ev
	return s.paymentRes, s.paymentErr
}

func (s *stubService) Summary(ctx context.Context) (*model.Summary, error) {
	return s.summaryRes, nil
}

func (s *stubService) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	return s.orderRes, s.orderErr
}

func (s *stubService) ResendConfirmation(ctx context.Context, orderID string) error {
	return s.resendErr
}

func (s *stubService) Reissue(ctx context.Context, orderID string) (*service.FulfillmentResult, error) {
	return s.reissueRes, s.reissueErr
}

func (s *stubService) CheckIn(ctx context.Context, in service.CheckInInput) (*service.CheckInResult, error) {
	s.checkInIn = in
	return s.checkInRes, s.checkInErr
}

func (s *stubService) CheckIns(ctx context.Context) ([]model.CheckIn, error) {
	return s.checkIns, nil
}

func newTestHandler(t *testing.T, svc Service, opts Options) *Handler {
	t.Helper()

	auth := middleware.NewAdminAuth(testAdminKey, "token-secret")
	h := NewHandler(svc, zap.NewNop(), auth, opts)
	h.WithWebhook(model.GatewayCashfree, gateway.NewCashfree(gateway.CashfreeConfig{AppID: "app", SecretKey: testCashfreeSecret}))
	h.WithWebhook(model.GatewayRazorpay, gateway.NewRazorpay(gateway.RazorpayConfig{KeyID: "key", KeySecret: "secret", WebhookSecret: testRazorpaySecret}))
	return h
}

func serve(h *Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func cashfreeBody(orderID, status string, amount int) []byte {
	return []byte(fmt.Sprintf(`{"type":"PAYMENT_SUCCESS_WEBHOOK","data":{"order":{"order_id":%q,"order_amount":%d},"payment":{"cf_payment_id":4242,"payment_status":%q,"payment_amount":%d}}}`,
		orderID, amount, status, amount))
}

func cashfreeRequest(body []byte, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/cashfree", bytes.NewReader(body))
	ts := "1700000000"
	if signature == "" {
		signature = gateway.CashfreeSignature(testCashfreeSecret, ts, body)
	}
	req.Header.Set(gateway.CashfreeTimestampHeader, ts)
	req.Header.Set(gateway.CashfreeSignatureHeader, signature)
	return req
}

func razorpayBody(orderID string) []byte {
	return []byte(fmt.Sprintf(`{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_1","order_id":"order_rzp","amount":500000,"status":"captured","notes":{"order_id":%q}}}}}`, orderID))
}

func TestWebhook_CashfreeValid(t *testing.T) {
	svc := &stubService{paymentRes: &service.FulfillmentResult{OrderID: "pip_1", Status: model.FulfillmentOK, Passes: 2, Issued: 2}}
	h := newTestHandler(t, svc, Options{})

	rec := serve(h, cashfreeRequest(cashfreeBody("pip_1", "SUCCESS", 5000), ""))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, 1, svc.paymentCalls)
	assert.Equal(t, "pip_1", svc.paymentEvent.OrderID)
	assert.Equal(t, int64(5000), svc.paymentEvent.PaidAmount)

	var res service.FulfillmentResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, model.FulfillmentOK, res.Status)
}

func TestWebhook_TamperedSignatureRejectedBeforeService(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc, Options{})

	body := cashfreeBody("pip_1", "SUCCESS", 5000)
	sig := gateway.CashfreeSignature(testCashfreeSecret, "1700000000", body)
	tampered := cashfreeBody("pip_1", "SUCCESS", 50000)

	rec := serve(h, cashfreeRequest(tampered, sig))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_signature", decodeError(t, rec).Code)
	assert.Zero(t, svc.paymentCalls)
}

func TestWebhook_CashfreeMissingHeaders(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc, Options{})

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/cashfree", bytes.NewReader(cashfreeBody("pip_1", "SUCCESS", 5000)))
	rec := serve(h, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, svc.paymentCalls)
}

func TestWebhook_RazorpayMismatchForbidden(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc, Options{})

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/razorpay", bytes.NewReader(razorpayBody("pip_1")))
	req.Header.Set(gateway.RazorpaySignatureHeader, gateway.RazorpaySignature("wrong", razorpayBody("pip_1")))
	rec := serve(h, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, svc.paymentCalls)
}

func TestWebhook_RazorpayValid(t *testing.T) {
	svc := &stubService{paymentRes: &service.FulfillmentResult{OrderID: "pip_2", Status: model.FulfillmentOK}}
	h := newTestHandler(t, svc, Options{})

	body := razorpayBody("pip_2")
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/razorpay", bytes.NewReader(body))
	req.Header.Set(gateway.RazorpaySignatureHeader, gateway.RazorpaySignature(testRazorpaySecret, body))
	rec := serve(h, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, 1, svc.paymentCalls)
	assert.Equal(t, "pip_2", svc.paymentEvent.OrderID)
	assert.Equal(t, int64(5000), svc.paymentEvent.PaidAmount)
}

func TestWebhook_RazorpayResolvesOrderWithoutNotes(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		order      string
		wantCode   int
		wantCalls  int
		wantStatus string
	}{
		{name: "receipt found", status: http.StatusOK, order: `{"id":"order_rzp","receipt":"pip_3","status":"paid"}`, wantCode: http.StatusOK, wantCalls: 1},
		{name: "order without receipt", status: http.StatusOK, order: `{"id":"order_rzp","status":"paid"}`, wantCode: http.StatusOK, wantStatus: "ignored"},
		{name: "unknown order", status: http.StatusNotFound, order: `{"error":{"description":"not found"}}`, wantCode: http.StatusOK, wantStatus: "ignored"},
		{name: "razorpay down", status: http.StatusServiceUnavailable, order: `{"error":{"description":"unavailable"}}`, wantCode: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				assert.Equal(t, "/v1/orders/order_rzp", r.URL.Path)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.order))
			}))
			defer api.Close()

			svc := &stubService{paymentRes: &service.FulfillmentResult{OrderID: "pip_3", Status: model.FulfillmentOK}}
			h := newTestHandler(t, svc, Options{})
			h.WithWebhook(model.GatewayRazorpay, gateway.NewRazorpay(gateway.RazorpayConfig{
				BaseURL: api.URL, KeyID: "key", KeySecret: "secret", WebhookSecret: testRazorpaySecret,
			}))

			body := []byte(`{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_9","order_id":"order_rzp","amount":500000,"status":"captured"}}}}`)
			req := httptest.NewRequest(http.MethodPost, "/api/webhooks/razorpay", bytes.NewReader(body))
			req.Header.Set(gateway.RazorpaySignatureHeader, gateway.RazorpaySignature(testRazorpaySecret, body))
			rec := serve(h, req)

			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			require.Equal(t, tt.wantCalls, svc.paymentCalls)
			if tt.wantCalls > 0 {
				assert.Equal(t, "pip_3", svc.paymentEvent.OrderID)
				assert.Equal(t, int64(5000), svc.paymentEvent.PaidAmount)
			}
			if tt.wantStatus != "" {
				var resp map[string]string
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.Equal(t, tt.wantStatus, resp["status"])
			}
		})
	}
}

func TestWebhook_TestModeAlwaysOK(t *testing.T) {
	svc := &stubService{paymentErr: service.ErrIssuanceFailed}
	h := newTestHandler(t, svc, Options{WebhookTestMode: true})

	rec := serve(h, cashfreeRequest(cashfreeBody("pip_1", "SUCCESS", 5000), "bogus"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, svc.paymentCalls)

	rec = serve(h, cashfreeRequest(cashfreeBody("pip_1", "SUCCESS", 5000), ""))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, svc.paymentCalls)
}

func TestWebhook_PingAndFailedPayment(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc, Options{})

	rec := serve(h, cashfreeRequest([]byte(`{"type":"WEBHOOK","data":{"test_object":{"test_key":"test_value"}}}`), ""))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(h, cashfreeRequest(cashfreeBody("pip_1", "FAILED", 5000), ""))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, svc.paymentCalls)
}

func TestWebhook_ServiceErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "not found", err: fmt.Errorf("%w: pip_1", service.ErrOrderNotFound), want: http.StatusNotFound},
		{name: "conflict", err: service.ErrConflict, want: http.StatusConflict},
		{name: "in progress", err: service.ErrIssuanceInProgress, want: http.StatusConflict},
		{name: "issuance failed", err: fmt.Errorf("%w: %w", service.ErrIssuanceFailed, service.ErrUpstream), want: http.StatusInternalServerError},
		{name: "config", err: service.ErrConfig, want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{paymentErr: tt.err}
			h := newTestHandler(t, svc, Options{})

			rec := serve(h, cashfreeRequest(cashfreeBody("pip_1", "SUCCESS", 5000), ""))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestCreateOrder(t *testing.T) {
	svc := &stubService{createRes: &service.CreateOrderResult{
		OrderID: "pip_abc",
		Type:    model.OrderTypeBulk,
		Amount:  4000,
		Passes:  5,
		Session: &gateway.Session{Gateway: model.GatewayRazorpay, GatewayOrderID: "order_1"},
	}}
	h := newTestHandler(t, svc, Options{})

	body := `{"type":"bulk","name":"Asha","email":"asha@example.com","phone":"9876543210","quantity":5,"club_name":"Rotaract"}`
	rec := serve(h, httptest.NewRequest(http.MethodPost, "/api/orders/razorpay", bytes.NewBufferString(body)))

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, model.GatewayRazorpay, svc.createIn.Gateway)
	assert.Equal(t, 5, svc.createIn.Quantity)
	assert.Equal(t, "Rotaract", svc.createIn.ClubName)

	var res service.CreateOrderResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "pip_abc", res.OrderID)
}

func TestCreateOrder_Errors(t *testing.T) {
	h := newTestHandler(t, &stubService{}, Options{})
	rec := serve(h, httptest.NewRequest(http.MethodPost, "/api/orders/stripe", bytes.NewBufferString(`{}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(h, httptest.NewRequest(http.MethodPost, "/api/orders/cashfree", bytes.NewBufferString(`{`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc := &stubService{createErr: fmt.Errorf("%w: email is required", service.ErrValidation)}
	h = newTestHandler(t, svc, Options{})
	rec = serve(h, httptest.NewRequest(http.MethodPost, "/api/orders/cashfree", bytes.NewBufferString(`{"type":"single"}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "validation", resp.Code)
	assert.Contains(t, resp.Error, "email is required")

	upstream := &gateway.UpstreamError{Gateway: model.GatewayCashfree, StatusCode: 500, Message: "boom"}
	svc = &stubService{createErr: fmt.Errorf("%w: %w", service.ErrUpstream, upstream)}
	h = newTestHandler(t, svc, Options{})
	rec = serve(h, httptest.NewRequest(http.MethodPost, "/api/orders/cashfree", bytes.NewBufferString(`{"type":"single"}`)))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestGetOrderStatus(t *testing.T) {
	svc := &stubService{statusRes: &service.OrderStatusView{OrderID: "pip_1", Status: model.OrderStatusFulfilledOK, Passes: 2}}
	h := newTestHandler(t, svc, Options{})

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/orders/pip_1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "email")

	svc.statusRes, svc.statusErr = nil, service.ErrOrderNotFound
	rec = serve(h, httptest.NewRequest(http.MethodGet, "/api/orders/pip_1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminRoutes_RequireKey(t *testing.T) {
	svc := &stubService{summaryRes: &model.Summary{Orders: 3}}
	h := newTestHandler(t, svc, Options{})

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/admin/summary", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/summary", nil)
	req.Header.Set(middleware.AdminKeyHeader, "wrong")
	rec = serve(h, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/admin/summary", nil)
	req.Header.Set(middleware.AdminKeyHeader, testAdminKey)
	rec = serve(h, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var sum model.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	assert.Equal(t, 3, sum.Orders)
}

func TestAdminOrderActions(t *testing.T) {
	svc := &stubService{
		orderRes:   &model.Order{OrderID: "pip_1", Email: "a@example.com"},
		reissueRes: &service.FulfillmentResult{OrderID: "pip_1", Status: model.FulfillmentOK},
	}
	h := newTestHandler(t, svc, Options{})

	admin := func(method, target string) *http.Request {
		req := httptest.NewRequest(method, target, nil)
		req.Header.Set(middleware.AdminKeyHeader, testAdminKey)
		return req
	}

	rec := serve(h, admin(http.MethodGet, "/api/admin/orders/pip_1"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "a@example.com")

	rec = serve(h, admin(http.MethodPost, "/api/admin/orders/pip_1/resend"))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(h, admin(http.MethodPost, "/api/admin/orders/pip_1/reissue"))
	assert.Equal(t, http.StatusOK, rec.Code)

	svc.resendErr = service.ErrNotFulfilled
	rec = serve(h, admin(http.MethodPost, "/api/admin/orders/pip_1/resend"))
	assert.Equal(t, http.StatusConflict, rec.Code)

	svc.reissueErr = fmt.Errorf("%w: %w", service.ErrIssuanceFailed, service.ErrConfig)
	rec = serve(h, admin(http.MethodPost, "/api/admin/orders/pip_1/reissue"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "issuance_failed", decodeError(t, rec).Code)
}

func TestCheckIn_WithDeviceToken(t *testing.T) {
	now := time.Date(2026, 2, 14, 19, 0, 0, 0, time.UTC)
	svc := &stubService{checkInRes: &service.CheckInResult{CheckIn: model.CheckIn{OrderID: "pip_1", Passes: 2, CheckedAt: now}}}
	h := newTestHandler(t, svc, Options{TokenTTL: time.Hour})

	req := httptest.NewRequest(http.MethodPost, "/api/admin/token", bytes.NewBufferString(`{"device":"gate-1"}`))
	req.Header.Set(middleware.AdminKeyHeader, testAdminKey)
	rec := serve(h, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var tok tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))
	require.NotEmpty(t, tok.Token)

	req = httptest.NewRequest(http.MethodPost, "/api/admin/checkin", bytes.NewBufferString(`{"code":"pip_1.abc"}`))
	req.Header.Set("Authorization", "Bearer "+tok.Token)
	rec = serve(h, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "gate-1", svc.checkInIn.Device)
	assert.Equal(t, "pip_1.abc", svc.checkInIn.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/admin/token", bytes.NewBufferString(`{"device":"gate-2"}`))
	req.Header.Set("Authorization", "Bearer "+tok.Token)
	rec = serve(h, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCheckIn_Errors(t *testing.T) {
	svc := &stubService{checkInErr: service.ErrAuth}
	h := newTestHandler(t, svc, Options{})

	checkIn := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/admin/checkin", bytes.NewBufferString(`{"code":"bad"}`))
		req.Header.Set(middleware.AdminKeyHeader, testAdminKey)
		return serve(h, req)
	}

	assert.Equal(t, http.StatusUnauthorized, checkIn().Code)

	svc.checkInErr = service.ErrNotFulfilled
	assert.Equal(t, http.StatusConflict, checkIn().Code)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/checkin", bytes.NewBufferString(`{"order_id":"pip_1"}`))
	req.Header.Set("Authorization", "Bearer garbage")
	assert.Equal(t, http.StatusUnauthorized, serve(h, req).Code)
}

func TestCheckIns_EmptyList(t *testing.T) {
	h := newTestHandler(t, &stubService{}, Options{})

	req := httptest.NewRequest(http.MethodGet, "/api/admin/checkins", nil)
	req.Header.Set(middleware.AdminKeyHeader, testAdminKey)
	rec := serve(h, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHealthAndNotFound(t *testing.T) {
	h := newTestHandler(t, &stubService{}, Options{})

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/api/webhooks/cashfree", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
