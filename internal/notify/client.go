// Package notify отправляет письма покупателям, получателям пропусков и администратору
// через HTTP API почтового сервиса. Все отправки выполняются по принципу best-effort.
package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNotConfigured возвращается, если не задан ключ API или адрес отправителя.
var ErrNotConfigured = errors.New("mail api not configured")

// Config содержит параметры почтового API и оформления писем.
type Config struct {
	APIURL     string
	APIKey     string
	From       string
	ReplyTo    string
	AdminEmail string
	EventName  string
	StatusURL  string
	Timeout    time.Duration
}

// Attachment - вложение письма.
type Attachment struct {
	Filename string
	Content  []byte
}

// Message - письмо для отправки.
type Message struct {
	To          []string
	Subject     string
	HTML        string
	Text        string
	Attachments []Attachment
}

// Client отправляет письма через HTTP API (формат Resend).
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient создаёт клиент почтового API.
func NewClient(cfg Config) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.resend.com/emails"
	}
	if cfg.EventName == "" {
		cfg.EventName = "Party in Pink"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

type apiAttachment struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

type apiRequest struct {
	From        string          `json:"from"`
	To          []string        `json:"to"`
	Subject     string          `json:"subject"`
	HTML        string          `json:"html,omitempty"`
	Text        string          `json:"text,omitempty"`
	ReplyTo     string          `json:"reply_to,omitempty"`
	Attachments []apiAttachment `json:"attachments,omitempty"`
}

// Send отправляет одно письмо. Ответы 2xx считаются успехом.
func (c *Client) Send(ctx context.Context, msg Message) error {
	if c.cfg.APIKey == "" || c.cfg.From == "" {
		return ErrNotConfigured
	}
	if len(msg.To) == 0 {
		return fmt.Errorf("send mail: no recipients")
	}

	payload := apiRequest{
		From:    c.cfg.From,
		To:      msg.To,
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
		ReplyTo: c.cfg.ReplyTo,
	}
	for _, a := range msg.Attachments {
		payload.Attachments = append(payload.Attachments, apiAttachment{
			Filename: a.Filename,
			Content:  base64.StdEncoding.EncodeToString(a.Content),
		})
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode mail: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("send mail: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
