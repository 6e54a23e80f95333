package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/pinkpass/internal/events"
	"github.com/mmeshcher/pinkpass/internal/ledger"
	"github.com/mmeshcher/pinkpass/internal/model"
)

func (s *Service) signOrderID(orderID string) string {
	mac := hmac.New(sha256.New, []byte(s.opts.CheckInSecret))
	mac.Write([]byte(orderID))
	return hex.EncodeToString(mac.Sum(nil))
}

// CheckInCode возвращает подписанный код прохода "<order_id>.<hmac>" для QR-кода.
// Без секрета код не формируется.
func (s *Service) CheckInCode(orderID string) string {
	if s.opts.CheckInSecret == "" {
		return ""
	}
	return orderID + "." + s.signOrderID(orderID)
}

// ParseCheckInCode проверяет подпись кода прохода и возвращает order_id.
func (s *Service) ParseCheckInCode(code string) (string, error) {
	if s.opts.CheckInSecret == "" {
		return "", fmt.Errorf("%w: check-in secret not set", ErrConfig)
	}

	parts := strings.Split(strings.TrimSpace(code), ".")
	if len(parts) != 2 || !ValidOrderID(parts[0]) {
		return "", fmt.Errorf("%w: malformed check-in code", ErrAuth)
	}

	expected := s.signOrderID(parts[0])
	if !hmac.Equal([]byte(strings.ToLower(parts[1])), []byte(expected)) {
		return "", fmt.Errorf("%w: check-in code signature mismatch", ErrAuth)
	}
	return parts[0], nil
}

// CheckInInput - запрос на отметку прохода: по order_id или по коду из QR.
type CheckInInput struct {
	OrderID string
	Code    string
	Device  string
}

// CheckInResult - результат отметки прохода.
type CheckInResult struct {
	CheckIn model.CheckIn `json:"check_in"`
	Already bool          `json:"already"`
}

// CheckIn отмечает проход по выполненному заказу и дописывает запись в журнал.
// Повторная отметка возвращает исходное время прохода.
func (s *Service) CheckIn(ctx context.Context, in CheckInInput) (*CheckInResult, error) {
	orderID := strings.TrimSpace(in.OrderID)
	if in.Code != "" {
		id, err := s.ParseCheckInCode(in.Code)
		if err != nil {
			return nil, err
		}
		orderID = id
	}
	if orderID == "" {
		return nil, validationError("order_id or code is required")
	}

	already := false
	order, err := s.updateOrder(ctx, orderID, func(o *model.Order) error {
		if !o.Fulfilled.Terminal() {
			return fmt.Errorf("%w: order %s", ErrNotFulfilled, o.OrderID)
		}
		if o.CheckedInAt != nil {
			already = true
			return errNoChange
		}
		now := s.now().UTC()
		o.CheckedInAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	entry := model.CheckIn{
		OrderID:   order.OrderID,
		Name:      order.Name,
		Passes:    order.Fulfilled.Count,
		Device:    in.Device,
		CheckedAt: *order.CheckedInAt,
	}

	if !already {
		if err := s.appendCheckInLog(ctx, entry); err != nil {
			s.logger.Error("append check-in log failed", zap.String("order_id", order.OrderID), zap.Error(err))
		}
		s.publish(ctx, events.TypeOrderCheckedIn, order)
		s.logger.Info("order checked in", zap.String("order_id", order.OrderID), zap.String("device", in.Device))
	}

	return &CheckInResult{CheckIn: entry, Already: already}, nil
}

func (s *Service) readCheckInLog(ctx context.Context) ([]model.CheckIn, string, error) {
	doc, err := s.ledger.Get(ctx, ledger.CheckInLogKey)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("load check-in log: %w", err)
	}

	var entries []model.CheckIn
	if err := json.Unmarshal(doc.Body, &entries); err != nil {
		return nil, "", fmt.Errorf("decode check-in log: %w", err)
	}
	return entries, doc.Version, nil
}

func (s *Service) appendCheckInLog(ctx context.Context, entry model.CheckIn) error {
	for attempt := 1; ; attempt++ {
		entries, version, err := s.readCheckInLog(ctx)
		if err != nil {
			return err
		}

		body, err := json.MarshalIndent(append(entries, entry), "", "  ")
		if err != nil {
			return fmt.Errorf("encode check-in log: %w", err)
		}

		_, err = s.ledger.Put(ctx, ledger.CheckInLogKey, body, version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ledger.ErrVersionConflict) {
			return fmt.Errorf("save check-in log: %w", err)
		}
		if attempt >= maxClaimAttempts {
			return fmt.Errorf("%w: check-in log", ErrConflict)
		}
	}
}

// CheckIns возвращает журнал прохода.
func (s *Service) CheckIns(ctx context.Context) ([]model.CheckIn, error) {
	entries, _, err := s.readCheckInLog(ctx)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []model.CheckIn{}
	}
	return entries, nil
}
