package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/pinkpass/internal/events"
	"github.com/mmeshcher/pinkpass/internal/gateway"
	"github.com/mmeshcher/pinkpass/internal/konfhub"
	"github.com/mmeshcher/pinkpass/internal/ledger"
	"github.com/mmeshcher/pinkpass/internal/model"
	"github.com/mmeshcher/pinkpass/internal/validation"
)

// FulfillmentResult - итог обработки подтверждённой оплаты.
type FulfillmentResult struct {
	OrderID   string                  `json:"order_id"`
	Status    model.FulfillmentStatus `json:"status"`
	Passes    int                     `json:"passes"`
	Issued    int                     `json:"issued"`
	Duplicate bool                    `json:"duplicate,omitempty"`
}

func resultOf(order *model.Order, duplicate bool) *FulfillmentResult {
	res := &FulfillmentResult{OrderID: order.OrderID, Passes: order.Passes, Duplicate: duplicate}
	if order.Fulfilled != nil {
		res.Status = order.Fulfilled.Status
		res.Issued = order.Fulfilled.Count
	}
	return res
}

// HandlePaymentConfirmed выполняет заказ по проверенному событию успешной оплаты:
// фиксирует оплату и захват выдачи через CAS, выдаёт пропуска, сохраняет результат
// и в фоне рассылает письма. Повторная доставка по выполненному заказу ничего не делает.
func (s *Service) HandlePaymentConfirmed(ctx context.Context, ev *gateway.PaymentEvent) (*FulfillmentResult, error) {
	if ev == nil || ev.OrderID == "" {
		return nil, validationError("payment event without order id")
	}
	if !ev.Success {
		return nil, validationError("payment %s is not successful", ev.PaymentID)
	}
	if !ValidOrderID(ev.OrderID) {
		return nil, validationError("malformed order id %q", ev.OrderID)
	}
	if ev.PaidAmount <= 0 {
		return nil, validationError("payment %s carries no paid amount", ev.PaymentID)
	}

	if s.cache != nil {
		status, ok, err := s.cache.Fulfilled(ctx, ev.OrderID)
		if err != nil {
			s.logger.Warn("fast-path cache read failed", zap.String("order_id", ev.OrderID), zap.Error(err))
		} else if ok && (status == model.FulfillmentOK || status == model.FulfillmentPartial) {
			s.logger.Info("duplicate payment webhook ignored", zap.String("order_id", ev.OrderID), zap.String("source", "cache"))
			return &FulfillmentResult{OrderID: ev.OrderID, Status: status, Duplicate: true}, nil
		}
	}

	payment := &model.Payment{
		Gateway:     ev.Gateway,
		PaymentID:   ev.PaymentID,
		PaidAmount:  ev.PaidAmount,
		ConfirmedAt: s.now().UTC(),
		Raw:         ev.Raw,
	}
	return s.fulfill(ctx, ev.OrderID, payment, ev.Notes, uuid.NewString(), false)
}

// fulfill захватывает заказ и выдаёт пропуска. Чужой просроченный захват перехватывается
// только при takeover: по нему могли быть созданы регистрации.
func (s *Service) fulfill(ctx context.Context, orderID string, payment *model.Payment, notes map[string]string, owner string, takeover bool) (*FulfillmentResult, error) {
	if s.cache != nil {
		ok, err := s.cache.AcquireLease(ctx, orderID, owner)
		switch {
		case err != nil:
			s.logger.Warn("fast-path lease unavailable", zap.String("order_id", orderID), zap.Error(err))
		case !ok:
			return nil, fmt.Errorf("%w: order %s", ErrIssuanceInProgress, orderID)
		default:
			defer func() {
				if err := s.cache.ReleaseLease(context.WithoutCancel(ctx), orderID, owner); err != nil {
					s.logger.Warn("release lease failed", zap.String("order_id", orderID), zap.Error(err))
				}
			}()
		}
	}

	order, version, duplicate, err := s.claim(ctx, orderID, payment, notes, owner, takeover)
	if err != nil {
		return nil, err
	}
	if duplicate {
		s.logger.Info("duplicate payment webhook ignored", zap.String("order_id", orderID), zap.String("source", "ledger"))
		s.markCached(ctx, order)
		return resultOf(order, true), nil
	}

	// После захвата выдача и запись результата не зависят от отмены запроса.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.IssueTimeout)
	defer cancel()

	s.logger.Info("issuing passes",
		zap.String("order_id", orderID),
		zap.String("type", string(order.Type)),
		zap.Int("passes", order.Passes),
	)

	res, issueErr := s.issue(ctx, order)
	if issueErr == nil && res.Total > 0 && res.Issued() == 0 {
		issueErr = fmt.Errorf("%w: all %d registration chunks failed", ErrUpstream, len(res.Errors))
	}

	order, err = s.recordIssuance(ctx, order, version, owner, res, issueErr)
	if err != nil {
		s.logger.Error("persist issuance result failed",
			zap.String("order_id", orderID),
			zap.Int("issued", issuedCount(res)),
			zap.Error(err),
		)
		return nil, err
	}

	s.publish(ctx, events.TypeOrderFulfilled, order)

	if issueErr != nil {
		s.logger.Error("pass issuance failed", zap.String("order_id", orderID), zap.Error(issueErr))
		s.background(func(ctx context.Context) {
			s.alertAdmin(ctx, order, "issuance failed", order.IssuanceError)
		})
		if !errors.Is(issueErr, ErrUpstream) && !errors.Is(issueErr, ErrConfig) {
			issueErr = classifyIssuance(issueErr)
		}
		return resultOf(order, false), fmt.Errorf("%w: %w", ErrIssuanceFailed, issueErr)
	}

	s.markCached(ctx, order)
	s.logger.Info("order fulfilled",
		zap.String("order_id", orderID),
		zap.String("status", string(order.Fulfilled.Status)),
		zap.Int("issued", order.Fulfilled.Count),
		zap.Int("passes", order.Passes),
	)
	s.notifyFulfilled(order, res)

	return resultOf(order, false), nil
}

// claim записывает оплату и захват выдачи. Возвращает duplicate=true, если выдача уже завершена.
func (s *Service) claim(ctx context.Context, orderID string, payment *model.Payment, notes map[string]string, owner string, takeover bool) (*model.Order, string, bool, error) {
	for attempt := 1; ; attempt++ {
		order, version, err := s.loadOrder(ctx, orderID)
		if errors.Is(err, ErrOrderNotFound) {
			order, err = s.reconstruct(orderID, payment, notes)
			version = ""
		}
		if err != nil {
			return nil, "", false, err
		}

		if order.Fulfilled.Terminal() {
			return order, version, true, nil
		}

		if f := order.Fulfilled; f != nil && f.Status == model.FulfillmentPending && f.ClaimedAt != nil && f.ClaimedBy != owner {
			if age := s.now().Sub(*f.ClaimedAt); age < s.opts.ClaimTTL {
				return nil, "", false, fmt.Errorf("%w: order %s claimed %s ago", ErrIssuanceInProgress, orderID, age.Round(time.Second))
			}
			if !takeover {
				s.logger.Warn("stale issuance claim left for admin reissue",
					zap.String("order_id", orderID),
					zap.String("previous_owner", f.ClaimedBy),
					zap.Timep("claimed_at", f.ClaimedAt),
				)
				s.alertStuck(order)
				return nil, "", false, fmt.Errorf("%w: order %s has a stale claim, awaiting admin reissue", ErrIssuanceInProgress, orderID)
			}
			s.logger.Warn("taking over stale issuance claim",
				zap.String("order_id", orderID),
				zap.String("previous_owner", f.ClaimedBy),
				zap.Timep("claimed_at", f.ClaimedAt),
			)
		}

		s.applyPayment(order, payment)
		claimedAt := s.now().UTC()
		order.Status = model.OrderStatusIssuing
		order.Fulfilled = &model.Fulfilled{
			Status:    model.FulfillmentPending,
			ClaimedAt: &claimedAt,
			ClaimedBy: owner,
		}

		newVersion, err := s.saveOrder(ctx, order, version)
		if err == nil {
			return order, newVersion, false, nil
		}
		if !errors.Is(err, ledger.ErrVersionConflict) {
			return nil, "", false, fmt.Errorf("claim order %s: %w", orderID, err)
		}
		if attempt >= maxClaimAttempts {
			return nil, "", false, fmt.Errorf("%w: order %s", ErrConflict, orderID)
		}
		s.logger.Info("claim conflict, retrying", zap.String("order_id", orderID), zap.Int("attempt", attempt))
	}
}

// applyPayment пересчитывает сумму и число пропусков на сервере.
func (s *Service) applyPayment(order *model.Order, payment *model.Payment) {
	order.Payment = payment

	switch order.Type {
	case model.OrderTypeDonation:
		order.Amount = payment.PaidAmount
		order.Passes = 0
		if s.opts.Pricing != nil {
			order.Passes = s.opts.Pricing.Passes(payment.PaidAmount)
		}

	case model.OrderTypeBulk:
		order.Passes = order.Meta.Quantity
		expected := int64(order.Meta.Quantity) * s.opts.BulkPrice
		if payment.PaidAmount != order.Amount || (s.opts.BulkPrice > 0 && expected != order.Amount) {
			warning := fmt.Sprintf("bulk amount mismatch: paid %d, order amount %d, quantity %d x %d",
				payment.PaidAmount, order.Amount, order.Meta.Quantity, s.opts.BulkPrice)
			order.AddWarning(warning)
			s.logger.Warn("bulk quantity and amount disagree",
				zap.String("order_id", order.OrderID),
				zap.Int64("paid", payment.PaidAmount),
				zap.Int64("amount", order.Amount),
				zap.Int("quantity", order.Meta.Quantity),
			)
		}

	default:
		order.Passes = 1
		if payment.PaidAmount < order.Amount {
			order.AddWarning(fmt.Sprintf("underpaid: paid %d of %d", payment.PaidAmount, order.Amount))
			s.logger.Warn("single order underpaid",
				zap.String("order_id", order.OrderID),
				zap.Int64("paid", payment.PaidAmount),
				zap.Int64("amount", order.Amount),
			)
		}
	}
}

// reconstruct восстанавливает минимальный заказ из заметок шлюза, если сохранение при создании не удалось.
func (s *Service) reconstruct(orderID string, payment *model.Payment, notes map[string]string) (*model.Order, error) {
	orderType := model.OrderType(notes["type"])
	if !orderType.Valid() || notes["email"] == "" {
		return nil, ErrOrderNotFound
	}
	if id := notes["order_id"]; id != "" && id != orderID {
		return nil, ErrOrderNotFound
	}

	email, _ := validation.NormalizeEmail(notes["email"])
	if email == "" {
		email = strings.ToLower(strings.TrimSpace(notes["email"]))
	}

	order := &model.Order{
		OrderID:       orderID,
		Type:          orderType,
		Name:          strings.TrimSpace(notes["name"]),
		Email:         email,
		Phone:         validation.NormalizePhone(notes["phone"]),
		Amount:        payment.PaidAmount,
		Status:        model.OrderStatusCreated,
		CreatedAt:     s.now().UTC(),
		Reconstructed: true,
		Meta: model.Meta{
			Tier:     notes["tier"],
			ClubName: notes["club_name"],
		},
	}
	if v, err := strconv.ParseInt(notes["amount"], 10, 64); err == nil && v > 0 {
		order.Amount = v
	}
	if q, err := strconv.Atoi(notes["quantity"]); err == nil && q > 0 {
		order.Meta.Quantity = q
	}
	if orderType == model.OrderTypeBulk && order.Meta.Quantity == 0 {
		return nil, ErrOrderNotFound
	}
	for _, r := range strings.Split(notes["recipients"], ",") {
		if addr, ok := validation.NormalizeEmail(r); ok {
			order.Recipients = append(order.Recipients, addr)
		}
	}
	order.AddWarning("reconstructed from gateway notes")

	s.logger.Warn("order missing from ledger, reconstructed from gateway notes",
		zap.String("order_id", orderID),
		zap.String("type", string(orderType)),
	)
	return order, nil
}

func (s *Service) issue(ctx context.Context, order *model.Order) (*konfhub.Result, error) {
	if order.Passes <= 0 {
		return &konfhub.Result{}, nil
	}
	if s.issuer == nil {
		return nil, fmt.Errorf("%w: pass issuer not configured", ErrConfig)
	}
	return s.issuer.Issue(ctx, order)
}

func issuedCount(res *konfhub.Result) int {
	if res == nil {
		return 0
	}
	return res.Issued()
}

// recordIssuance сохраняет результат выдачи. При конфликте версий результат применяется
// повторно, только пока захват принадлежит этой доставке.
func (s *Service) recordIssuance(ctx context.Context, order *model.Order, version, owner string, res *konfhub.Result, issueErr error) (*model.Order, error) {
	for attempt := 1; ; attempt++ {
		s.applyIssuance(order, res, issueErr)

		_, err := s.saveOrder(ctx, order, version)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, ledger.ErrVersionConflict) {
			return nil, fmt.Errorf("record issuance %s: %w", order.OrderID, err)
		}
		if attempt >= maxClaimAttempts {
			return nil, fmt.Errorf("%w: order %s", ErrConflict, order.OrderID)
		}

		current, currentVersion, err := s.loadOrder(ctx, order.OrderID)
		if err != nil {
			return nil, err
		}
		if current.Fulfilled == nil || current.Fulfilled.ClaimedBy != owner {
			return nil, fmt.Errorf("%w: issuance claim on %s lost", ErrConflict, order.OrderID)
		}
		current.Fulfilled = order.Fulfilled
		order, version = current, currentVersion
	}
}

func (s *Service) applyIssuance(order *model.Order, res *konfhub.Result, issueErr error) {
	now := s.now().UTC()
	f := order.Fulfilled
	if f == nil {
		f = &model.Fulfilled{}
		order.Fulfilled = f
	}
	f.At = &now
	f.Count = issuedCount(res)

	order.IssuanceErrors = nil
	order.IssuanceError = ""
	if res != nil {
		order.IssuanceErrors = res.Errors
		order.Konfhub = &model.Konfhub{
			TicketIDUsed:  strings.Join(res.TicketIDsUsed, ","),
			Registrations: res.Created,
		}
	}

	switch {
	case issueErr != nil:
		f.Status = model.FulfillmentFailed
		order.Status = model.OrderStatusFulfilledFailed
		order.IssuanceError = issueErr.Error()
	case len(order.IssuanceErrors) > 0:
		f.Status = model.FulfillmentPartial
		order.Status = model.OrderStatusFulfilledPartial
	default:
		f.Status = model.FulfillmentOK
		order.Status = model.OrderStatusFulfilledOK
	}
}

func (s *Service) markCached(ctx context.Context, order *model.Order) {
	if s.cache == nil || !order.Fulfilled.Terminal() {
		return
	}
	if err := s.cache.MarkFulfilled(ctx, order.OrderID, order.Fulfilled.Status); err != nil {
		s.logger.Warn("fast-path cache write failed", zap.String("order_id", order.OrderID), zap.Error(err))
	}
}

// background запускает рассылку вне контекста запроса с собственным таймаутом.
func (s *Service) background(fn func(ctx context.Context)) {
	if s.notifier == nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.opts.NotifyTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (s *Service) alertAdmin(ctx context.Context, order *model.Order, subject, detail string) {
	if err := s.notifier.SendAdminAlert(ctx, order, subject, detail); err != nil {
		s.logger.Warn("admin alert failed", zap.String("order_id", order.OrderID), zap.Error(err))
	}
}

func (s *Service) notifyFulfilled(order *model.Order, res *konfhub.Result) {
	snapshot := *order

	s.background(func(ctx context.Context) {
		if err := s.notifier.SendConfirmation(ctx, &snapshot, s.CheckInCode(snapshot.OrderID)); err != nil {
			s.logger.Warn("confirmation email failed", zap.String("order_id", snapshot.OrderID), zap.Error(err))
		}

		if snapshot.Type == model.OrderTypeDonation {
			if err := s.notifier.SendDonorThanks(ctx, &snapshot); err != nil {
				s.logger.Warn("donor email failed", zap.String("order_id", snapshot.OrderID), zap.Error(err))
			}
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, recipient := range snapshot.UniqueRecipients() {
			if strings.EqualFold(recipient, snapshot.Email) {
				continue
			}
			recipient := recipient
			g.Go(func() error {
				if err := s.notifier.SendHeadsUp(gctx, &snapshot, recipient); err != nil {
					s.logger.Warn("heads-up email failed",
						zap.String("order_id", snapshot.OrderID),
						zap.String("recipient", recipient),
						zap.Error(err),
					)
				}
				return nil
			})
		}
		_ = g.Wait()

		if res != nil && len(res.Errors) > 0 {
			var b strings.Builder
			for _, e := range res.Errors {
				fmt.Fprintf(&b, "passes %d-%d (ticket %s): %s\n", e.StartIndex+1, e.StartIndex+e.Count, e.TicketIDUsed, e.Error)
			}
			s.alertAdmin(ctx, &snapshot, "partial issuance", b.String())
		}
	})
}
