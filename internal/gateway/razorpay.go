package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmeshcher/pinkpass/internal/model"
)

// RazorpaySignatureHeader - заголовок подписи вебхуков Razorpay.
const RazorpaySignatureHeader = "x-razorpay-signature"

// RazorpayConfig содержит ключи Razorpay.
type RazorpayConfig struct {
	BaseURL       string
	KeyID         string
	KeySecret     string
	WebhookSecret string
	Timeout       time.Duration
}

// Razorpay - адаптер Razorpay Orders API.
type Razorpay struct {
	cfg        RazorpayConfig
	httpClient *http.Client
}

// NewRazorpay создаёт адаптер Razorpay.
func NewRazorpay(cfg RazorpayConfig) *Razorpay {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.razorpay.com"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Razorpay{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type razorpayCreateRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

type razorpayCreateResponse struct {
	ID      string `json:"id"`
	Amount  int64  `json:"amount"`
	Receipt string `json:"receipt"`
	Status  string `json:"status"`
}

// CreateOrder создаёт заказ Razorpay. Сумма передаётся в пайсах, наш order_id - в receipt и notes.
func (c *Razorpay) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Session, error) {
	if c.cfg.KeyID == "" || c.cfg.KeySecret == "" {
		return nil, fmt.Errorf("%w: razorpay key id or secret missing", ErrNotConfigured)
	}

	notes := make(map[string]string, len(req.Notes)+1)
	for k, v := range req.Notes {
		notes[k] = v
	}
	notes["order_id"] = req.OrderID

	payload := razorpayCreateRequest{
		Amount:   req.Amount * 100,
		Currency: "INR",
		Receipt:  req.OrderID,
		Notes:    notes,
	}

	auth := "Basic " + basicAuth(c.cfg.KeyID, c.cfg.KeySecret)
	status, body, err := postJSON(ctx, c.httpClient, c.cfg.BaseURL+"/v1/orders", payload, map[string]string{
		"Authorization": auth,
	})
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &UpstreamError{Gateway: model.GatewayRazorpay, StatusCode: status, Message: upstreamMessage(body)}
	}

	var out razorpayCreateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.ID == "" {
		return nil, &UpstreamError{Gateway: model.GatewayRazorpay, StatusCode: status, Message: "missing order id"}
	}

	return &Session{
		Gateway:        model.GatewayRazorpay,
		GatewayOrderID: out.ID,
		KeyID:          c.cfg.KeyID,
		Amount:         req.Amount,
		Raw:            body,
	}, nil
}

// VerifyWebhook проверяет подпись hex(HMAC-SHA256(webhookSecret, rawBody)).
func (c *Razorpay) VerifyWebhook(header http.Header, rawBody []byte) error {
	if c.cfg.WebhookSecret == "" {
		return fmt.Errorf("%w: razorpay webhook secret missing", ErrNotConfigured)
	}

	signature := strings.TrimSpace(header.Get(RazorpaySignatureHeader))
	if signature == "" {
		return ErrMissingSignature
	}

	expected := RazorpaySignature(c.cfg.WebhookSecret, rawBody)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return ErrInvalidSignature
	}
	return nil
}

// RazorpaySignature вычисляет подпись вебхука Razorpay.
func RazorpaySignature(secret string, rawBody []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}

type razorpayEntity struct {
	ID         string                `json:"id"`
	OrderID    string                `json:"order_id"`
	Amount     flexAmount            `json:"amount"`
	AmountPaid flexAmount            `json:"amount_paid"`
	Status     string                `json:"status"`
	Receipt    string                `json:"receipt"`
	Email      string                `json:"email"`
	Contact    string                `json:"contact"`
	Notes      map[string]flexString `json:"notes"`
}

type razorpayWebhook struct {
	Event   string `json:"event"`
	Payload struct {
		Payment *struct {
			Entity razorpayEntity `json:"entity"`
		} `json:"payment"`
		Order *struct {
			Entity razorpayEntity `json:"entity"`
		} `json:"order"`
	} `json:"payload"`
}

// ParseWebhook приводит вебхук Razorpay (payment.captured, order.paid, payment.failed) к PaymentEvent.
// Наш order_id берётся из receipt заказа либо из notes платежа или заказа.
func (c *Razorpay) ParseWebhook(rawBody []byte) (*PaymentEvent, error) {
	var wh razorpayWebhook
	if err := json.Unmarshal(rawBody, &wh); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var payment, order razorpayEntity
	if wh.Payload.Payment != nil {
		payment = wh.Payload.Payment.Entity
	}
	if wh.Payload.Order != nil {
		order = wh.Payload.Order.Entity
	}

	notes := stringNotes(order.Notes)
	if notes == nil {
		notes = map[string]string{}
	}
	for k, v := range payment.Notes {
		notes[k] = string(v)
	}
	if _, ok := notes["email"]; !ok && payment.Email != "" {
		notes["email"] = payment.Email
	}
	if _, ok := notes["phone"]; !ok && payment.Contact != "" {
		notes["phone"] = payment.Contact
	}

	ev := &PaymentEvent{
		Gateway:   model.GatewayRazorpay,
		Type:      wh.Event,
		PaymentID: payment.ID,
		Notes:     notes,
		Raw:       json.RawMessage(rawBody),
	}

	ev.GatewayOrderID = payment.OrderID
	if ev.GatewayOrderID == "" {
		ev.GatewayOrderID = order.ID
	}

	switch {
	case order.Receipt != "":
		ev.OrderID = order.Receipt
	case notes["order_id"] != "":
		ev.OrderID = notes["order_id"]
	}

	if ev.OrderID == "" {
		if wh.Event == "" || (wh.Payload.Payment == nil && wh.Payload.Order == nil) {
			ev.Ping = true
			return ev, nil
		}
		// Без receipt и notes заказ ищется через ResolveOrderID.
		if ev.GatewayOrderID == "" {
			return nil, fmt.Errorf("%w: order reference missing", ErrMalformedPayload)
		}
	}

	paise := float64(payment.Amount)
	if paise == 0 {
		paise = float64(order.AmountPaid)
	}
	ev.PaidAmount = wholeRupees(paise / 100)

	switch wh.Event {
	case "payment.captured":
		ev.Success = payment.Status == "" || payment.Status == "captured"
	case "order.paid":
		ev.Success = order.Status == "" || order.Status == "paid"
	default:
		ev.Success = false
	}

	return ev, nil
}

// ResolveOrderID находит наш order_id по заказу Razorpay, если вебхук платежа
// пришёл без notes. Заказ запрашивается через GET /v1/orders/{id}, order_id берётся
// из receipt либо из notes заказа. Недостающие заметки дополняются из заказа.
func (c *Razorpay) ResolveOrderID(ctx context.Context, ev *PaymentEvent) error {
	if ev.OrderID != "" {
		return nil
	}
	if ev.GatewayOrderID == "" {
		return fmt.Errorf("%w: order reference missing", ErrMalformedPayload)
	}
	if c.cfg.KeyID == "" || c.cfg.KeySecret == "" {
		return fmt.Errorf("%w: razorpay key id or secret missing", ErrNotConfigured)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	status, body, err := doJSON(ctx, c.httpClient, http.MethodGet, c.cfg.BaseURL+"/v1/orders/"+url.PathEscape(ev.GatewayOrderID), nil, map[string]string{
		"Authorization": "Basic " + basicAuth(c.cfg.KeyID, c.cfg.KeySecret),
	})
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return fmt.Errorf("%w: razorpay order %s not found", ErrMalformedPayload, ev.GatewayOrderID)
	}
	if status < 200 || status >= 300 {
		return &UpstreamError{Gateway: model.GatewayRazorpay, StatusCode: status, Message: upstreamMessage(body)}
	}

	var order razorpayEntity
	if err := json.Unmarshal(body, &order); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	notes := stringNotes(order.Notes)
	switch {
	case order.Receipt != "":
		ev.OrderID = order.Receipt
	case notes["order_id"] != "":
		ev.OrderID = notes["order_id"]
	default:
		return fmt.Errorf("%w: razorpay order %s carries no receipt", ErrMalformedPayload, ev.GatewayOrderID)
	}

	if ev.Notes == nil {
		ev.Notes = map[string]string{}
	}
	for k, v := range notes {
		if _, ok := ev.Notes[k]; !ok {
			ev.Notes[k] = v
		}
	}
	return nil
}

func basicAuth(user, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
}
