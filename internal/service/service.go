// Package service реализует бизнес-логику продажи пропусков: создание заказов,
// автомат выполнения заказа по вебхуку оплаты и операции администратора.
package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/pinkpass/internal/events"
	"github.com/mmeshcher/pinkpass/internal/gateway"
	"github.com/mmeshcher/pinkpass/internal/konfhub"
	"github.com/mmeshcher/pinkpass/internal/ledger"
	"github.com/mmeshcher/pinkpass/internal/model"
	"github.com/mmeshcher/pinkpass/internal/pricing"
)

// Ledger описывает версионированное хранилище документов реестра.
type Ledger interface {
	Get(ctx context.Context, key string) (*ledger.Document, error)
	Put(ctx context.Context, key string, body []byte, expectedVersion string) (string, error)
	List(ctx context.Context, prefix string) ([]ledger.Document, error)
}

// Issuer выдаёт пропуска по заказу.
type Issuer interface {
	Issue(ctx context.Context, order *model.Order) (*konfhub.Result, error)
}

// PaymentGateway создаёт платёжную сессию в шлюзе.
type PaymentGateway interface {
	CreateOrder(ctx context.Context, req gateway.CreateOrderRequest) (*gateway.Session, error)
}

// Notifier отправляет письма по заказу.
type Notifier interface {
	SendConfirmation(ctx context.Context, order *model.Order, checkInCode string) error
	SendDonorThanks(ctx context.Context, order *model.Order) error
	SendHeadsUp(ctx context.Context, order *model.Order, recipient string) error
	SendAdminAlert(ctx context.Context, order *model.Order, subject, detail string) error
}

// FastPath - необязательный кеш окончательных статусов и аренда на выдачу.
type FastPath interface {
	Fulfilled(ctx context.Context, orderID string) (model.FulfillmentStatus, bool, error)
	MarkFulfilled(ctx context.Context, orderID string, status model.FulfillmentStatus) error
	AcquireLease(ctx context.Context, orderID, owner string) (bool, error)
	ReleaseLease(ctx context.Context, orderID, owner string) error
}

// Publisher публикует события жизненного цикла заказа.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// Options - параметры бизнес-логики, собранные один раз при старте.
type Options struct {
	Pricing         *pricing.Table
	SinglePrice     int64
	BulkPrice       int64
	BulkMinQuantity int
	BulkMaxQuantity int
	DonationTiers   map[string]int64
	DonationMin     int64
	ClaimTTL        time.Duration
	IssueTimeout    time.Duration
	NotifyTimeout   time.Duration
	CheckInSecret   string
}

const (
	maxClaimAttempts     = 3
	defaultClaimTTL      = 10 * time.Minute
	defaultIssueTimeout  = 2 * time.Minute
	defaultNotifyTimeout = 30 * time.Second
)

// Service содержит бизнес-логику сервиса.
type Service struct {
	opts     Options
	ledger   Ledger
	issuer   Issuer
	gateways map[model.Gateway]PaymentGateway
	notifier Notifier
	cache    FastPath
	events   Publisher
	logger   *zap.Logger
	now      func() time.Time

	wg      sync.WaitGroup
	alerted sync.Map
}

// NewService создаёт сервис с реестром, клиентом выдачи пропусков и логгером.
func NewService(opts Options, store Ledger, issuer Issuer, logger *zap.Logger) *Service {
	if opts.ClaimTTL == 0 {
		opts.ClaimTTL = defaultClaimTTL
	}
	if opts.IssueTimeout == 0 {
		opts.IssueTimeout = defaultIssueTimeout
	}
	if opts.NotifyTimeout == 0 {
		opts.NotifyTimeout = defaultNotifyTimeout
	}
	if opts.BulkMinQuantity == 0 {
		opts.BulkMinQuantity = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		opts:     opts,
		ledger:   store,
		issuer:   issuer,
		gateways: map[model.Gateway]PaymentGateway{},
		events:   events.Nop{},
		logger:   logger,
		now:      time.Now,
	}
}

// WithGateway регистрирует адаптер платёжного шлюза.
func (s *Service) WithGateway(name model.Gateway, g PaymentGateway) *Service {
	s.gateways[name] = g
	return s
}

// WithNotifier включает отправку писем.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithCache включает быстрый путь на Redis.
func (s *Service) WithCache(c FastPath) *Service {
	s.cache = c
	return s
}

// WithPublisher включает публикацию событий.
func (s *Service) WithPublisher(p Publisher) *Service {
	if p != nil {
		s.events = p
	}
	return s
}

// Wait дожидается завершения фоновых рассылок.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) publish(ctx context.Context, eventType string, order *model.Order) {
	if err := s.events.Publish(ctx, events.FromOrder(eventType, order, s.now())); err != nil {
		s.logger.Warn("publish event failed",
			zap.String("type", eventType),
			zap.String("order_id", order.OrderID),
			zap.Error(err),
		)
	}
}
