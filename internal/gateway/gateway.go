// Package gateway содержит адаптеры платёжных шлюзов Cashfree и Razorpay:
// создание заказов, проверку подписи вебхуков по сырому телу и приведение
// вариантов их полезной нагрузки к единому событию PaymentEvent.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/mmeshcher/pinkpass/internal/model"
)

var (
	// ErrMissingSignature возвращается, если в запросе нет заголовков подписи.
	ErrMissingSignature = errors.New("webhook signature headers missing")
	// ErrInvalidSignature возвращается, если подпись не совпала.
	ErrInvalidSignature = errors.New("webhook signature mismatch")
	// ErrMalformedPayload возвращается, если тело вебхука не удалось разобрать.
	ErrMalformedPayload = errors.New("malformed webhook payload")
	// ErrNotConfigured возвращается, если для шлюза не заданы ключи.
	ErrNotConfigured = errors.New("payment gateway not configured")
)

// PaymentEvent - нормализованное событие об оплате, единое для всех шлюзов.
type PaymentEvent struct {
	Gateway        model.Gateway
	Type           string
	OrderID        string
	GatewayOrderID string
	PaymentID      string
	PaidAmount     int64
	Success        bool
	Ping           bool
	Notes          map[string]string
	Raw            json.RawMessage
}

// CreateOrderRequest - данные для создания платёжной сессии. Сумма в целых рупиях.
type CreateOrderRequest struct {
	OrderID string
	Amount  int64
	Name    string
	Email   string
	Phone   string
	Notes   map[string]string
}

// Session - ответ шлюза, по которому фронтенд перенаправляет покупателя на оплату.
type Session struct {
	Gateway        model.Gateway   `json:"gateway"`
	GatewayOrderID string          `json:"gateway_order_id"`
	SessionID      string          `json:"session_id,omitempty"`
	KeyID          string          `json:"key_id,omitempty"`
	Amount         int64           `json:"amount"`
	Raw            json.RawMessage `json:"-"`
}

// UpstreamError описывает ошибку ответа платёжного шлюза.
type UpstreamError struct {
	Gateway    model.Gateway
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Gateway, e.StatusCode, e.Message)
}

// Transient сообщает, что ошибка временная и запрос можно повторить позже.
func (e *UpstreamError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// flexString принимает в JSON как строку, так и число.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		var b bool
		if errB := json.Unmarshal(data, &b); errB == nil {
			*f = flexString(strconv.FormatBool(b))
			return nil
		}
		return err
	}
	*f = flexString(n.String())
	return nil
}

// flexAmount принимает сумму числом или строкой.
type flexAmount float64

func (f *flexAmount) UnmarshalJSON(data []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(data); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(string(s), 64)
	if err != nil {
		return err
	}
	*f = flexAmount(v)
	return nil
}

// wholeRupees округляет сумму вниз до целых рупий, чтобы не выдать лишний пропуск.
func wholeRupees(amount float64) int64 {
	return int64(math.Floor(amount + 1e-9))
}

func stringNotes(in map[string]flexString) map[string]string {
	if len(in) == 0 {
		return nil
	}
	res := make(map[string]string, len(in))
	for k, v := range in {
		res[k] = string(v)
	}
	return res
}

func postJSON(ctx context.Context, hc *http.Client, url string, payload any, headers map[string]string) (int, []byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("encode request: %w", err)
	}
	return doJSON(ctx, hc, http.MethodPost, url, raw, headers)
}

func doJSON(ctx context.Context, hc *http.Client, method, url string, raw []byte, headers map[string]string) (int, []byte, error) {
	var body io.Reader
	if raw != nil {
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	if raw != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

func upstreamMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
		Error   struct {
			Description string `json:"description"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error.Description != "" {
			return e.Error.Description
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 300 {
		msg = msg[:300]
	}
	return msg
}
