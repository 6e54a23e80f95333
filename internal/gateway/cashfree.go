package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mmeshcher/pinkpass/internal/model"
)

// Заголовки подписи вебхуков Cashfree.
const (
	CashfreeSignatureHeader = "x-webhook-signature"
	CashfreeTimestampHeader = "x-webhook-timestamp"
)

// CashfreeConfig содержит ключи и адреса Cashfree PG.
type CashfreeConfig struct {
	BaseURL    string
	AppID      string
	SecretKey  string
	APIVersion string
	ReturnURL  string
	NotifyURL  string
	Timeout    time.Duration
}

// Cashfree - адаптер Cashfree PG.
type Cashfree struct {
	cfg        CashfreeConfig
	httpClient *http.Client
}

// NewCashfree создаёт адаптер Cashfree.
func NewCashfree(cfg CashfreeConfig) *Cashfree {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.cashfree.com"
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "2023-08-01"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Cashfree{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type cashfreeCustomer struct {
	CustomerID    string `json:"customer_id"`
	CustomerName  string `json:"customer_name,omitempty"`
	CustomerEmail string `json:"customer_email,omitempty"`
	CustomerPhone string `json:"customer_phone"`
}

type cashfreeOrderMeta struct {
	ReturnURL string `json:"return_url,omitempty"`
	NotifyURL string `json:"notify_url,omitempty"`
}

type cashfreeCreateRequest struct {
	OrderID         string            `json:"order_id"`
	OrderAmount     float64           `json:"order_amount"`
	OrderCurrency   string            `json:"order_currency"`
	CustomerDetails cashfreeCustomer  `json:"customer_details"`
	OrderMeta       cashfreeOrderMeta `json:"order_meta"`
	OrderTags       map[string]string `json:"order_tags,omitempty"`
}

type cashfreeCreateResponse struct {
	CfOrderID        flexString `json:"cf_order_id"`
	OrderID          string     `json:"order_id"`
	PaymentSessionID string     `json:"payment_session_id"`
	OrderStatus      string     `json:"order_status"`
}

// CreateOrder создаёт заказ в Cashfree и возвращает payment_session_id.
func (c *Cashfree) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Session, error) {
	if c.cfg.AppID == "" || c.cfg.SecretKey == "" {
		return nil, fmt.Errorf("%w: cashfree app id or secret missing", ErrNotConfigured)
	}

	returnURL := c.cfg.ReturnURL
	if returnURL != "" {
		returnURL = strings.ReplaceAll(returnURL, "{order_id}", req.OrderID)
	}

	payload := cashfreeCreateRequest{
		OrderID:       req.OrderID,
		OrderAmount:   float64(req.Amount),
		OrderCurrency: "INR",
		CustomerDetails: cashfreeCustomer{
			CustomerID:    "cust_" + req.Phone,
			CustomerName:  req.Name,
			CustomerEmail: req.Email,
			CustomerPhone: req.Phone,
		},
		OrderMeta: cashfreeOrderMeta{ReturnURL: returnURL, NotifyURL: c.cfg.NotifyURL},
		OrderTags: req.Notes,
	}

	status, body, err := postJSON(ctx, c.httpClient, c.cfg.BaseURL+"/pg/orders", payload, map[string]string{
		"x-client-id":     c.cfg.AppID,
		"x-client-secret": c.cfg.SecretKey,
		"x-api-version":   c.cfg.APIVersion,
	})
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &UpstreamError{Gateway: model.GatewayCashfree, StatusCode: status, Message: upstreamMessage(body)}
	}

	var out cashfreeCreateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.PaymentSessionID == "" {
		return nil, &UpstreamError{Gateway: model.GatewayCashfree, StatusCode: status, Message: "missing payment_session_id"}
	}

	return &Session{
		Gateway:        model.GatewayCashfree,
		GatewayOrderID: string(out.CfOrderID),
		SessionID:      out.PaymentSessionID,
		Amount:         req.Amount,
		Raw:            body,
	}, nil
}

// VerifyWebhook проверяет подпись base64(HMAC-SHA256(secret, timestamp + rawBody)).
// Подпись считается по сырому телу запроса до любого разбора JSON.
func (c *Cashfree) VerifyWebhook(header http.Header, rawBody []byte) error {
	if c.cfg.SecretKey == "" {
		return fmt.Errorf("%w: cashfree secret missing", ErrNotConfigured)
	}

	signature := strings.TrimSpace(header.Get(CashfreeSignatureHeader))
	timestamp := strings.TrimSpace(header.Get(CashfreeTimestampHeader))
	if signature == "" || timestamp == "" {
		return ErrMissingSignature
	}

	expected := CashfreeSignature(c.cfg.SecretKey, timestamp, rawBody)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// CashfreeSignature вычисляет подпись вебхука Cashfree.
func CashfreeSignature(secret, timestamp string, rawBody []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(rawBody)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

type cashfreeWebhook struct {
	Type string `json:"type"`
	Data struct {
		Order struct {
			OrderID     string                `json:"order_id"`
			OrderAmount flexAmount            `json:"order_amount"`
			OrderTags   map[string]flexString `json:"order_tags"`
		} `json:"order"`
		Payment struct {
			CfPaymentID   flexString `json:"cf_payment_id"`
			PaymentStatus string     `json:"payment_status"`
			PaymentAmount flexAmount `json:"payment_amount"`
		} `json:"payment"`
		CustomerDetails struct {
			CustomerName  string `json:"customer_name"`
			CustomerEmail string `json:"customer_email"`
			CustomerPhone string `json:"customer_phone"`
		} `json:"customer_details"`
		TestObject json.RawMessage `json:"test_object"`
	} `json:"data"`
}

// ParseWebhook приводит вебхук Cashfree к PaymentEvent.
func (c *Cashfree) ParseWebhook(rawBody []byte) (*PaymentEvent, error) {
	var wh cashfreeWebhook
	if err := json.Unmarshal(rawBody, &wh); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	ev := &PaymentEvent{
		Gateway:   model.GatewayCashfree,
		Type:      wh.Type,
		OrderID:   wh.Data.Order.OrderID,
		PaymentID: string(wh.Data.Payment.CfPaymentID),
		Notes:     stringNotes(wh.Data.Order.OrderTags),
		Raw:       json.RawMessage(rawBody),
	}

	if ev.OrderID == "" {
		if wh.Type == "WEBHOOK" || len(wh.Data.TestObject) > 0 {
			ev.Ping = true
			return ev, nil
		}
		return nil, fmt.Errorf("%w: order_id missing", ErrMalformedPayload)
	}

	amount := float64(wh.Data.Payment.PaymentAmount)
	if amount == 0 {
		amount = float64(wh.Data.Order.OrderAmount)
	}
	ev.PaidAmount = wholeRupees(amount)

	status := strings.ToUpper(wh.Data.Payment.PaymentStatus)
	ev.Success = status == "SUCCESS" || (status == "" && strings.HasPrefix(wh.Type, "PAYMENT_SUCCESS"))

	if ev.Notes == nil {
		ev.Notes = map[string]string{}
	}
	cd := wh.Data.CustomerDetails
	for k, v := range map[string]string{"name": cd.CustomerName, "email": cd.CustomerEmail, "phone": cd.CustomerPhone} {
		if _, ok := ev.Notes[k]; !ok && v != "" {
			ev.Notes[k] = v
		}
	}

	return ev, nil
}
