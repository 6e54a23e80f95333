package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/pinkpass/internal/model"
)

// StartStaleClaimMonitor запускает фоновую проверку заказов, захват выдачи по которым
// завис дольше ClaimTTL. О каждом таком заказе администратор уведомляется один раз.
func (s *Service) StartStaleClaimMonitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.checkStaleClaims(ctx)
			}
		}
	}()
}

func (s *Service) checkStaleClaims(ctx context.Context) {
	orders, err := s.listOrders(ctx)
	if err != nil {
		s.logger.Warn("stale claim check failed", zap.Error(err))
		return
	}

	for _, o := range orders {
		if !s.stale(o) {
			continue
		}
		s.alertStuck(o)
	}
}

// alertStuck один раз уведомляет администратора о зависшем захвате выдачи.
func (s *Service) alertStuck(order *model.Order) {
	if _, seen := s.alerted.LoadOrStore(order.OrderID, struct{}{}); seen {
		return
	}

	s.logger.Warn("issuance claim is stale",
		zap.String("order_id", order.OrderID),
		zap.String("owner", order.Fulfilled.ClaimedBy),
		zap.Timep("claimed_at", order.Fulfilled.ClaimedAt),
	)
	s.background(func(ctx context.Context) {
		s.alertAdmin(ctx, order, "issuance stuck", "claimed by "+order.Fulfilled.ClaimedBy+" at "+order.Fulfilled.ClaimedAt.Format(time.RFC3339))
	})
}
