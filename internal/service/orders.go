package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/pinkpass/internal/events"
	"github.com/mmeshcher/pinkpass/internal/gateway"
	"github.com/mmeshcher/pinkpass/internal/ledger"
	"github.com/mmeshcher/pinkpass/internal/model"
	"github.com/mmeshcher/pinkpass/internal/validation"
)

var orderIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidOrderID сообщает, может ли строка быть идентификатором заказа.
func ValidOrderID(id string) bool {
	return orderIDPattern.MatchString(id)
}

func newOrderID() string {
	return "pip_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (s *Service) loadOrder(ctx context.Context, orderID string) (*model.Order, string, error) {
	if !ValidOrderID(orderID) {
		return nil, "", ErrOrderNotFound
	}

	doc, err := s.ledger.Get(ctx, ledger.OrderKey(orderID))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, "", ErrOrderNotFound
		}
		return nil, "", fmt.Errorf("load order %s: %w", orderID, err)
	}

	var order model.Order
	if err := json.Unmarshal(doc.Body, &order); err != nil {
		return nil, "", fmt.Errorf("decode order %s: %w", orderID, err)
	}
	return &order, doc.Version, nil
}

func (s *Service) saveOrder(ctx context.Context, order *model.Order, version string) (string, error) {
	body, err := json.MarshalIndent(order, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode order %s: %w", order.OrderID, err)
	}
	return s.ledger.Put(ctx, ledger.OrderKey(order.OrderID), body, version)
}

// errNoChange возвращается из mutate, если записывать заказ не нужно.
var errNoChange = errors.New("no change")

// updateOrder выполняет read-modify-write с CAS по версии, повторяя чтение при конфликте.
func (s *Service) updateOrder(ctx context.Context, orderID string, mutate func(*model.Order) error) (*model.Order, error) {
	for attempt := 1; ; attempt++ {
		order, version, err := s.loadOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if err := mutate(order); err != nil {
			if errors.Is(err, errNoChange) {
				return order, nil
			}
			return nil, err
		}

		_, err = s.saveOrder(ctx, order, version)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, ledger.ErrVersionConflict) {
			return nil, fmt.Errorf("save order %s: %w", orderID, err)
		}
		if attempt >= maxClaimAttempts {
			return nil, fmt.Errorf("%w: order %s", ErrConflict, orderID)
		}
		s.logger.Info("ledger version conflict, retrying", zap.String("order_id", orderID), zap.Int("attempt", attempt))
	}
}

// CreateOrderInput - данные формы покупателя.
type CreateOrderInput struct {
	Gateway      model.Gateway
	Type         model.OrderType
	Name         string
	Email        string
	Phone        string
	Recipients   []string
	Quantity     int
	Tier         string
	CustomAmount int64
	ClubName     string
	ClubType     string
}

// CreateOrderResult - созданный заказ и платёжная сессия.
type CreateOrderResult struct {
	OrderID string           `json:"order_id"`
	Type    model.OrderType  `json:"type"`
	Amount  int64            `json:"amount"`
	Passes  int              `json:"passes"`
	Session *gateway.Session `json:"session"`
}

// quote считает сумму и предварительное число пропусков. Для пожертвований
// число пропусков пересчитывается по фактически оплаченной сумме при вебхуке.
func (s *Service) quote(in CreateOrderInput) (amount int64, passes int, meta model.Meta, err error) {
	meta = model.Meta{ClubName: strings.TrimSpace(in.ClubName), ClubType: strings.TrimSpace(in.ClubType)}

	switch in.Type {
	case model.OrderTypeSingle:
		if s.opts.SinglePrice <= 0 {
			return 0, 0, meta, fmt.Errorf("%w: single price not set", ErrConfig)
		}
		return s.opts.SinglePrice, 1, meta, nil

	case model.OrderTypeBulk:
		if s.opts.BulkPrice <= 0 {
			return 0, 0, meta, fmt.Errorf("%w: bulk price not set", ErrConfig)
		}
		if in.Quantity < s.opts.BulkMinQuantity {
			return 0, 0, meta, validationError("quantity must be at least %d", s.opts.BulkMinQuantity)
		}
		if s.opts.BulkMaxQuantity > 0 && in.Quantity > s.opts.BulkMaxQuantity {
			return 0, 0, meta, validationError("quantity must be at most %d", s.opts.BulkMaxQuantity)
		}
		if meta.ClubName == "" {
			return 0, 0, meta, validationError("club name is required for bulk orders")
		}
		meta.Quantity = in.Quantity
		return int64(in.Quantity) * s.opts.BulkPrice, in.Quantity, meta, nil

	case model.OrderTypeDonation:
		if s.opts.Pricing == nil {
			return 0, 0, meta, fmt.Errorf("%w: pricing table not set", ErrConfig)
		}
		if tier := strings.TrimSpace(in.Tier); tier != "" {
			tierAmount, ok := s.opts.DonationTiers[strings.ToLower(tier)]
			if !ok {
				return 0, 0, meta, validationError("unknown donation tier %q", tier)
			}
			meta.Tier = strings.ToLower(tier)
			amount = tierAmount
		} else {
			if in.CustomAmount < s.opts.DonationMin || in.CustomAmount <= 0 {
				return 0, 0, meta, validationError("donation must be at least %d", s.opts.DonationMin)
			}
			meta.CustomAmount = in.CustomAmount
			amount = in.CustomAmount
		}
		return amount, s.opts.Pricing.Passes(amount), meta, nil
	}

	return 0, 0, meta, validationError("unknown order type %q", in.Type)
}

func normalizeBuyer(in CreateOrderInput) (name, email, phone string, recipients []string, err error) {
	name = strings.Join(strings.Fields(in.Name), " ")
	if name == "" {
		return "", "", "", nil, validationError("name is required")
	}

	email, ok := validation.NormalizeEmail(in.Email)
	if !ok {
		return "", "", "", nil, validationError("invalid email %q", in.Email)
	}

	phone = validation.NormalizePhone(in.Phone)
	if !validation.IsValidMobile(phone) {
		return "", "", "", nil, validationError("invalid mobile number %q", in.Phone)
	}

	for _, r := range in.Recipients {
		if strings.TrimSpace(r) == "" {
			continue
		}
		addr, ok := validation.NormalizeEmail(r)
		if !ok {
			return "", "", "", nil, validationError("invalid recipient email %q", r)
		}
		recipients = append(recipients, addr)
	}
	return name, email, phone, recipients, nil
}

// reconstructionNotes кладёт в заметки шлюза минимум полей для восстановления заказа.
func reconstructionNotes(o *model.Order) map[string]string {
	notes := map[string]string{
		"order_id": o.OrderID,
		"type":     string(o.Type),
		"name":     o.Name,
		"email":    o.Email,
		"phone":    o.Phone,
		"amount":   strconv.FormatInt(o.Amount, 10),
	}
	if o.Meta.Quantity > 0 {
		notes["quantity"] = strconv.Itoa(o.Meta.Quantity)
	}
	if o.Meta.Tier != "" {
		notes["tier"] = o.Meta.Tier
	}
	if o.Meta.ClubName != "" {
		notes["club_name"] = o.Meta.ClubName
	}
	if len(o.Recipients) > 0 {
		joined := strings.Join(o.Recipients, ",")
		if len(joined) <= 250 {
			notes["recipients"] = joined
		}
	}
	return notes
}

// CreateOrder проверяет данные покупателя, считает сумму на сервере, создаёт
// платёжную сессию в шлюзе и сохраняет заказ в реестр со статусом CREATED.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (*CreateOrderResult, error) {
	pg, ok := s.gateways[in.Gateway]
	if !ok {
		return nil, validationError("unsupported gateway %q", in.Gateway)
	}
	if !in.Type.Valid() {
		return nil, validationError("unknown order type %q", in.Type)
	}

	name, email, phone, recipients, err := normalizeBuyer(in)
	if err != nil {
		return nil, err
	}

	amount, passes, meta, err := s.quote(in)
	if err != nil {
		return nil, err
	}
	if in.Type != model.OrderTypeDonation && len(recipients) > passes {
		return nil, validationError("%d recipients for %d passes", len(recipients), passes)
	}

	order := &model.Order{
		OrderID:    newOrderID(),
		Type:       in.Type,
		Name:       name,
		Email:      email,
		Phone:      phone,
		Amount:     amount,
		Passes:     passes,
		Recipients: recipients,
		Meta:       meta,
		Status:     model.OrderStatusCreated,
		CreatedAt:  s.now().UTC(),
	}

	session, err := pg.CreateOrder(ctx, gateway.CreateOrderRequest{
		OrderID: order.OrderID,
		Amount:  amount,
		Name:    name,
		Email:   email,
		Phone:   phone,
		Notes:   reconstructionNotes(order),
	})
	if err != nil {
		if errors.Is(err, gateway.ErrNotConfigured) {
			return nil, fmt.Errorf("%w: %w", ErrConfig, err)
		}
		return nil, fmt.Errorf("%w: create %s order: %w", ErrUpstream, in.Gateway, err)
	}

	switch in.Gateway {
	case model.GatewayCashfree:
		order.Cashfree = session.Raw
	case model.GatewayRazorpay:
		order.Razorpay = session.Raw
	}

	if _, err := s.saveOrder(ctx, order, ""); err != nil {
		s.logger.Error("persist created order failed, webhook will reconstruct from gateway notes",
			zap.String("order_id", order.OrderID),
			zap.Error(err),
		)
	} else {
		s.publish(ctx, events.TypeOrderCreated, order)
	}

	s.logger.Info("order created",
		zap.String("order_id", order.OrderID),
		zap.String("type", string(order.Type)),
		zap.String("gateway", string(in.Gateway)),
		zap.Int64("amount", amount),
		zap.Int("passes", passes),
	)

	return &CreateOrderResult{
		OrderID: order.OrderID,
		Type:    order.Type,
		Amount:  amount,
		Passes:  passes,
		Session: session,
	}, nil
}

// OrderStatusView - публичное представление заказа без персональных данных.
type OrderStatusView struct {
	OrderID     string                  `json:"order_id"`
	Type        model.OrderType         `json:"type"`
	Status      model.OrderStatus       `json:"status"`
	Passes      int                     `json:"passes"`
	Issued      int                     `json:"issued"`
	Fulfilled   model.FulfillmentStatus `json:"fulfilled,omitempty"`
	CheckedInAt *time.Time              `json:"checked_in_at,omitempty"`
}

// GetOrderStatus возвращает публичный статус заказа.
func (s *Service) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatusView, error) {
	order, _, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	view := &OrderStatusView{
		OrderID:     order.OrderID,
		Type:        order.Type,
		Status:      order.Status,
		Passes:      order.Passes,
		CheckedInAt: order.CheckedInAt,
	}
	if order.Fulfilled != nil {
		view.Fulfilled = order.Fulfilled.Status
		view.Issued = order.Fulfilled.Count
	}
	return view, nil
}
