// Package konfhub предоставляет клиент для выдачи пропусков через API регистрации KonfHub.
package konfhub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/mmeshcher/pinkpass/internal/model"
)

// ChunkSize - максимальное число участников в одном запросе к KonfHub.
const ChunkSize = 20

// ErrConfig возвращается до любых сетевых вызовов, если не хватает ключа, события или билета.
var ErrConfig = errors.New("konfhub not configured")

// TicketSet - основной и запасной типы билетов с кодом доступа.
type TicketSet struct {
	TicketID         string
	FallbackTicketID string
	AccessCode       string
}

// Config содержит параметры подключения к KonfHub.
type Config struct {
	BaseURL     string
	APIKey      string
	EventID     string
	Timezone    string
	DialCode    string
	CountryCode string
	Timeout     time.Duration
	Default     TicketSet
	Bulk        TicketSet
}

// Client инкапсулирует HTTP-взаимодействие с KonfHub.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
}

// APIError описывает ошибку, полученную от KonfHub.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("konfhub: status %d: %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("konfhub: status %d: %s", e.StatusCode, e.Message)
}

// Transient сообщает, имеет ли смысл повторять запрос позже.
func (e *APIError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

var inaccessibleCodes = map[string]struct{}{
	"TICKET_NOT_ACCESSIBLE":      {},
	"TICKET_INACCESSIBLE":        {},
	"TICKET_HIDDEN":              {},
	"ACCESS_CODE_REQUIRED":       {},
	"TICKET_NOT_FOUND_FOR_EVENT": {},
}

var inaccessiblePattern = regexp.MustCompile(`(?i)ticket.*(not accessible|inaccessible|hidden|access code|not available)`)

// Inaccessible сообщает, что основной тип билета недоступен и стоит попробовать запасной.
func (e *APIError) Inaccessible() bool {
	if e.StatusCode == http.StatusForbidden {
		return true
	}
	if _, ok := inaccessibleCodes[strings.ToUpper(e.Code)]; ok {
		return true
	}
	return inaccessiblePattern.MatchString(e.Message)
}

// Attendee - участник, регистрируемый на один пропуск.
type Attendee struct {
	Name        string `json:"name"`
	EmailID     string `json:"email_id"`
	DialCode    string `json:"dial_code"`
	CountryCode string `json:"country_code"`
	PhoneNumber string `json:"phone_number"`
}

type captureRequest struct {
	EventID             string                `json:"event_id"`
	RegistrationTZ      string                `json:"registration_tz"`
	RegistrationDetails map[string][]Attendee `json:"registration_details"`
}

// Result - итог выдачи пропусков по заказу.
type Result struct {
	Total         int
	Created       []model.Registration
	Errors        []model.IssuanceError
	TicketIDsUsed []string
}

// Issued возвращает количество фактически зарегистрированных участников.
func (r *Result) Issued() int {
	n := 0
	for _, c := range r.Created {
		n += c.Count
	}
	return n
}

// NewClient создаёт клиент KonfHub.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.konfhub.com"
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "Asia/Kolkata"
	}
	if cfg.DialCode == "" {
		cfg.DialCode = "+91"
	}
	if cfg.CountryCode == "" {
		cfg.CountryCode = "in"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Client{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// tickets выбирает набор билетов по типу заказа. Пустой основной билет оптовых заказов берётся из общего набора.
func (c *Client) tickets(t model.OrderType) TicketSet {
	if t != model.OrderTypeBulk {
		return c.cfg.Default
	}
	set := c.cfg.Bulk
	if set.TicketID == "" {
		set.TicketID = c.cfg.Default.TicketID
	}
	return set
}

func (c *Client) validate(set TicketSet) error {
	var missing []string
	if c.cfg.APIKey == "" {
		missing = append(missing, "api key")
	}
	if c.cfg.EventID == "" {
		missing = append(missing, "event id")
	}
	if set.TicketID == "" {
		missing = append(missing, "ticket id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrConfig, strings.Join(missing, ", "))
	}
	return nil
}

// Issue регистрирует по участнику на каждый пропуск заказа пачками по ChunkSize.
// Ошибка одной пачки не прерывает обработку остальных; ошибка возвращается только при неверной конфигурации.
func (c *Client) Issue(ctx context.Context, order *model.Order) (*Result, error) {
	set := c.tickets(order.Type)
	if err := c.validate(set); err != nil {
		return nil, err
	}

	attendees := BuildAttendees(order, c.cfg.DialCode, c.cfg.CountryCode)
	res := &Result{Total: len(attendees)}
	used := map[string]struct{}{}

	for start := 0; start < len(attendees); start += ChunkSize {
		end := start + ChunkSize
		if end > len(attendees) {
			end = len(attendees)
		}
		chunk := attendees[start:end]

		ticketID := set.TicketID
		body, err := c.capture(ctx, ticketID, set.AccessCode, chunk)

		var apiErr *APIError
		if err != nil && errors.As(err, &apiErr) && apiErr.Inaccessible() &&
			set.FallbackTicketID != "" && set.FallbackTicketID != set.TicketID {
			ticketID = set.FallbackTicketID
			body, err = c.capture(ctx, ticketID, set.AccessCode, chunk)
		}

		if err != nil {
			res.Errors = append(res.Errors, model.IssuanceError{
				StartIndex:   start,
				Count:        len(chunk),
				TicketIDUsed: ticketID,
				Error:        err.Error(),
			})
			continue
		}

		if _, ok := used[ticketID]; !ok {
			used[ticketID] = struct{}{}
			res.TicketIDsUsed = append(res.TicketIDsUsed, ticketID)
		}
		res.Created = append(res.Created, model.Registration{
			StartIndex:   start,
			Count:        len(chunk),
			TicketIDUsed: ticketID,
			Response:     body,
		})
	}

	return res, nil
}

func (c *Client) capture(ctx context.Context, ticketID, accessCode string, attendees []Attendee) (json.RawMessage, error) {
	payload := captureRequest{
		EventID:        c.cfg.EventID,
		RegistrationTZ: c.cfg.Timezone,
		RegistrationDetails: map[string][]Attendee{
			ticketID: attendees,
		},
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/event/capture/v2", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.cfg.APIKey)
	if accessCode != "" {
		req.Header.Set("x-access-code", accessCode)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if apiErr := parseError(resp.StatusCode, body); apiErr != nil {
		return nil, apiErr
	}

	if !json.Valid(body) {
		return json.RawMessage(`{}`), nil
	}
	return json.RawMessage(body), nil
}

type errorBody struct {
	ErrorCode string          `json:"error_code"`
	Message   string          `json:"message"`
	Error     json.RawMessage `json:"error"`
}

// parseError разбирает варианты ответов KonfHub с ошибкой: {"error": {...}}, {"error": "..."} и плоский {"error_code", "message"}.
func parseError(status int, body []byte) *APIError {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)

	code, msg := eb.ErrorCode, eb.Message
	hasError := len(eb.Error) > 0 && string(eb.Error) != "null" && string(eb.Error) != "false"
	if hasError {
		var nested errorBody
		var text string
		switch {
		case json.Unmarshal(eb.Error, &nested) == nil:
			if nested.ErrorCode != "" {
				code = nested.ErrorCode
			}
			if nested.Message != "" {
				msg = nested.Message
			}
		case json.Unmarshal(eb.Error, &text) == nil:
			msg = text
		}
	}

	if status >= 200 && status < 300 && code == "" && !hasError {
		return nil
	}

	if msg == "" {
		msg = strings.TrimSpace(string(body))
		if len(msg) > 300 {
			msg = msg[:300]
		}
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{StatusCode: status, Code: code, Message: msg}
}
