// Package handler содержит HTTP-обработчики API сервиса Party in Pink.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/pinkpass/internal/gateway"
	"github.com/mmeshcher/pinkpass/internal/middleware"
	"github.com/mmeshcher/pinkpass/internal/model"
	"github.com/mmeshcher/pinkpass/internal/service"
)

const maxBodySize = 1 << 20

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateOrder(ctx context.Context, in service.CreateOrderInput) (*service.CreateOrderResult, error)
	GetOrderStatus(ctx context.Context, orderID string) (*service.OrderStatusView, error)
	HandlePaymentConfirmed(ctx context.Context, ev *gateway.PaymentEvent) (*service.FulfillmentResult, error)
	Summary(ctx context.Context) (*model.Summary, error)
	GetOrder(ctx context.Context, orderID string) (*model.Order, error)
	ResendConfirmation(ctx context.Context, orderID string) error
	Reissue(ctx context.Context, orderID string) (*service.FulfillmentResult, error)
	CheckIn(ctx context.Context, in service.CheckInInput) (*service.CheckInResult, error)
	CheckIns(ctx context.Context) ([]model.CheckIn, error)
}

// WebhookVerifier проверяет подпись вебхука шлюза и приводит его к общему событию.
type WebhookVerifier interface {
	VerifyWebhook(header http.Header, rawBody []byte) error
	ParseWebhook(rawBody []byte) (*gateway.PaymentEvent, error)
}

// OrderResolver восстанавливает наш order_id события по заказу в шлюзе.
type OrderResolver interface {
	ResolveOrderID(ctx context.Context, ev *gateway.PaymentEvent) error
}

// Options задаёт режимы работы обработчиков.
type Options struct {
	// WebhookTestMode - вебхуки отвечают 200 при любой ошибке, чтобы шлюз не отключил их.
	WebhookTestMode bool
	TokenTTL        time.Duration
}

// Handler реализует HTTP-обработчики API.
type Handler struct {
	service  Service
	logger   *zap.Logger
	auth     *middleware.AdminAuth
	webhooks map[model.Gateway]WebhookVerifier
	opts     Options
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AdminAuth, opts Options) *Handler {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 12 * time.Hour
	}
	return &Handler{
		service:  s,
		logger:   logger,
		auth:     auth,
		webhooks: make(map[model.Gateway]WebhookVerifier),
		opts:     opts,
	}
}

// WithWebhook подключает проверку вебхуков шлюза.
func (h *Handler) WithWebhook(name model.Gateway, v WebhookVerifier) *Handler {
	h.webhooks[name] = v
	return h
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	if msg == "" {
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// statusFor сопоставляет ошибку сервиса с HTTP-статусом и кодом ошибки.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrIssuanceFailed):
		return http.StatusInternalServerError, "issuance_failed"
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, service.ErrAuth):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, service.ErrOrderNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, service.ErrIssuanceInProgress):
		return http.StatusConflict, "issuance_in_progress"
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, service.ErrNotFulfilled):
		return http.StatusConflict, "not_fulfilled"
	case errors.Is(err, service.ErrConfig):
		return http.StatusInternalServerError, "config"
	case errors.Is(err, service.ErrUpstream):
		return http.StatusBadGateway, "upstream"
	}
	return http.StatusInternalServerError, "internal"
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("uri", r.RequestURI), zap.String("code", code), zap.Error(err))
		if code == "internal" {
			msg = ""
		}
	}
	writeError(w, status, code, msg)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	return dec.Decode(v)
}

// Health отвечает на проверку живости.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Webhook возвращает обработчик вебхука шлюза. Подпись проверяется по сырому телу
// до разбора и до любого обращения к реестру.
func (h *Handler) Webhook(name model.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := h.logger.With(zap.String("gateway", string(name)))

		reject := func(status int, code, msg string) {
			if h.opts.WebhookTestMode {
				logger.Warn("webhook rejected in test mode", zap.Int("status", status), zap.String("reason", msg))
				writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": code})
				return
			}
			writeError(w, status, code, msg)
		}

		verifier, ok := h.webhooks[name]
		if !ok {
			logger.Error("webhook gateway not configured")
			reject(http.StatusInternalServerError, "config", "gateway not configured")
			return
		}

		raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			reject(http.StatusBadRequest, "validation", "read body")
			return
		}

		if err := verifier.VerifyWebhook(r.Header, raw); err != nil {
			switch {
			case errors.Is(err, gateway.ErrMissingSignature):
				logger.Warn("webhook without signature")
				reject(http.StatusBadRequest, "missing_signature", err.Error())
			case errors.Is(err, gateway.ErrNotConfigured):
				logger.Error("webhook secret not configured", zap.Error(err))
				reject(http.StatusInternalServerError, "config", err.Error())
			default:
				logger.Warn("webhook signature mismatch", zap.Error(err))
				status := http.StatusUnauthorized
				if name == model.GatewayRazorpay {
					status = http.StatusForbidden
				}
				reject(status, "invalid_signature", "invalid signature")
			}
			return
		}

		ev, err := verifier.ParseWebhook(raw)
		if err != nil {
			logger.Warn("malformed webhook payload", zap.Error(err))
			reject(http.StatusBadRequest, "validation", err.Error())
			return
		}

		if ev.Ping {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
		if !ev.Success {
			logger.Info("non-success payment event ignored",
				zap.String("order_id", ev.OrderID), zap.String("type", ev.Type))
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}

		if ev.OrderID == "" {
			resolver, ok := verifier.(OrderResolver)
			if !ok {
				logger.Warn("payment event without order reference ignored", zap.String("payment_id", ev.PaymentID))
				writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
				return
			}
			if err := resolver.ResolveOrderID(r.Context(), ev); err != nil {
				if errors.Is(err, gateway.ErrMalformedPayload) || errors.Is(err, gateway.ErrNotConfigured) {
					logger.Warn("payment event order unresolved, ignored",
						zap.String("payment_id", ev.PaymentID),
						zap.String("gateway_order_id", ev.GatewayOrderID),
						zap.Error(err),
					)
					writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
					return
				}
				logger.Error("resolve order reference failed", zap.String("gateway_order_id", ev.GatewayOrderID), zap.Error(err))
				reject(http.StatusBadGateway, "upstream", err.Error())
				return
			}
		}

		res, err := h.service.HandlePaymentConfirmed(r.Context(), ev)
		if err != nil {
			status, code := statusFor(err)
			if status >= http.StatusInternalServerError {
				logger.Error("payment webhook failed", zap.String("order_id", ev.OrderID), zap.Error(err))
			} else {
				logger.Warn("payment webhook rejected", zap.String("order_id", ev.OrderID), zap.Error(err))
			}
			reject(status, code, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, res)
	}
}

type createOrderRequest struct {
	Type         model.OrderType `json:"type"`
	Name         string          `json:"name"`
	Email        string          `json:"email"`
	Phone        string          `json:"phone"`
	Recipients   []string        `json:"recipients"`
	Quantity     int             `json:"quantity"`
	Tier         string          `json:"tier"`
	CustomAmount int64           `json:"custom_amount"`
	ClubName     string          `json:"club_name"`
	ClubType     string          `json:"club_type"`
}

// CreateOrder создаёт заказ и платёжную сессию в шлюзе из URL.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	gw := model.Gateway(strings.ToLower(chi.URLParam(r, "gateway")))
	if gw != model.GatewayCashfree && gw != model.GatewayRazorpay {
		writeError(w, http.StatusNotFound, "not_found", "unknown gateway")
		return
	}

	var req createOrderRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "malformed json")
		return
	}

	res, err := h.service.CreateOrder(r.Context(), service.CreateOrderInput{
		Gateway:      gw,
		Type:         req.Type,
		Name:         req.Name,
		Email:        req.Email,
		Phone:        req.Phone,
		Recipients:   req.Recipients,
		Quantity:     req.Quantity,
		Tier:         req.Tier,
		CustomAmount: req.CustomAmount,
		ClubName:     req.ClubName,
		ClubType:     req.ClubType,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, res)
}

// GetOrderStatus возвращает публичный статус заказа без персональных данных.
func (h *Handler) GetOrderStatus(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.GetOrderStatus(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Summary возвращает сводку по заказам.
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.service.Summary(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// GetOrder возвращает полную запись заказа.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.service.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// Resend повторно отправляет письмо с подтверждением.
func (h *Handler) Resend(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if err := h.service.ResendConfirmation(r.Context(), orderID); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent", "order_id": orderID})
}

// Reissue повторно запускает выдачу пропусков по заказу.
func (h *Handler) Reissue(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.Reissue(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type tokenRequest struct {
	Device string `json:"device"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IssueToken выдаёт токен устройству на входе.
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "malformed json")
		return
	}
	req.Device = strings.TrimSpace(req.Device)
	if req.Device == "" {
		writeError(w, http.StatusBadRequest, "validation", "device is required")
		return
	}

	token, expires, err := h.auth.IssueDeviceToken(req.Device, h.opts.TokenTTL)
	if err != nil {
		h.logger.Error("issue device token", zap.String("device", req.Device), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: expires})
}

type checkInRequest struct {
	OrderID string `json:"order_id"`
	Code    string `json:"code"`
}

// CheckIn отмечает проход по заказу.
func (h *Handler) CheckIn(w http.ResponseWriter, r *http.Request) {
	var req checkInRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "malformed json")
		return
	}

	device, _ := middleware.DeviceFromContext(r.Context())
	res, err := h.service.CheckIn(r.Context(), service.CheckInInput{
		OrderID: req.OrderID,
		Code:    req.Code,
		Device:  device,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CheckIns возвращает журнал проходов.
func (h *Handler) CheckIns(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.CheckIns(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []model.CheckIn{}
	}
	writeJSON(w, http.StatusOK, list)
}
