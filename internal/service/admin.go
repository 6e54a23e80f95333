package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/pinkpass/internal/ledger"
	"github.com/mmeshcher/pinkpass/internal/model"
)

func (s *Service) listOrders(ctx context.Context) ([]*model.Order, error) {
	docs, err := s.ledger.List(ctx, ledger.OrdersPrefix)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	orders := make([]*model.Order, 0, len(docs))
	for _, doc := range docs {
		if !strings.HasSuffix(doc.Key, ".json") {
			continue
		}
		var o model.Order
		if err := json.Unmarshal(doc.Body, &o); err != nil {
			s.logger.Warn("skip undecodable ledger document", zap.String("key", doc.Key), zap.Error(err))
			continue
		}
		orders = append(orders, &o)
	}

	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.Before(orders[j].CreatedAt) })
	return orders, nil
}

func (s *Service) stale(o *model.Order) bool {
	f := o.Fulfilled
	return f != nil && f.Status == model.FulfillmentPending && f.ClaimedAt != nil &&
		s.now().Sub(*f.ClaimedAt) >= s.opts.ClaimTTL
}

// Summary агрегирует статистику по всем заказам реестра.
func (s *Service) Summary(ctx context.Context) (*model.Summary, error) {
	orders, err := s.listOrders(ctx)
	if err != nil {
		return nil, err
	}

	sum := &model.Summary{
		ByType:      map[model.OrderType]int{},
		ByFulfilled: map[model.FulfillmentStatus]int{},
	}
	for _, o := range orders {
		sum.Orders++
		sum.ByType[o.Type]++

		if o.Payment != nil {
			sum.Paid++
			sum.Amount += o.Payment.PaidAmount
			sum.Passes += o.Passes
		}
		if o.Fulfilled != nil {
			sum.ByFulfilled[o.Fulfilled.Status]++
			sum.Issued += o.Fulfilled.Count
			if o.Fulfilled.Status == model.FulfillmentFailed {
				sum.Failed = append(sum.Failed, o.OrderID)
			}
		}
		if s.stale(o) {
			sum.Stuck = append(sum.Stuck, o.OrderID)
		}
		if o.CheckedInAt != nil {
			sum.CheckedIn++
		}
	}
	return sum, nil
}

// GetOrder возвращает полную запись заказа для администратора.
func (s *Service) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	order, _, err := s.loadOrder(ctx, orderID)
	return order, err
}

// ResendConfirmation повторно и синхронно отправляет покупателю письмо-подтверждение.
func (s *Service) ResendConfirmation(ctx context.Context, orderID string) error {
	if s.notifier == nil {
		return fmt.Errorf("%w: mail not configured", ErrConfig)
	}

	order, _, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if !order.Fulfilled.Terminal() {
		return fmt.Errorf("%w: order %s", ErrNotFulfilled, orderID)
	}

	if err := s.notifier.SendConfirmation(ctx, order, s.CheckInCode(order.OrderID)); err != nil {
		return fmt.Errorf("%w: resend confirmation: %w", ErrUpstream, err)
	}

	s.logger.Info("confirmation resent", zap.String("order_id", orderID))
	return nil
}

// Reissue повторно запускает выдачу пропусков по оплаченному заказу, выдача по которому не удалась.
// Для уже выполненного заказа ничего не делает.
func (s *Service) Reissue(ctx context.Context, orderID string) (*FulfillmentResult, error) {
	order, _, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Fulfilled.Terminal() {
		return resultOf(order, true), nil
	}
	if order.Payment == nil {
		return nil, validationError("order %s has no confirmed payment", orderID)
	}

	payment := *order.Payment
	s.logger.Info("admin reissue requested", zap.String("order_id", orderID))
	return s.fulfill(ctx, orderID, &payment, nil, "admin-"+uuid.NewString(), true)
}
