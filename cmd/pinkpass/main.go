// Package main запускает HTTP-сервер сервиса Party in Pink.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/pinkpass/internal/cache"
	"github.com/mmeshcher/pinkpass/internal/config"
	"github.com/mmeshcher/pinkpass/internal/events"
	"github.com/mmeshcher/pinkpass/internal/gateway"
	"github.com/mmeshcher/pinkpass/internal/handler"
	"github.com/mmeshcher/pinkpass/internal/konfhub"
	"github.com/mmeshcher/pinkpass/internal/ledger"
	"github.com/mmeshcher/pinkpass/internal/middleware"
	"github.com/mmeshcher/pinkpass/internal/model"
	"github.com/mmeshcher/pinkpass/internal/notify"
	"github.com/mmeshcher/pinkpass/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	store, closeStore, err := openLedger(cfg)
	if err != nil {
		sugar.Fatalw("ledger initialization error", "backend", cfg.LedgerBackend, "error", err.Error())
	}
	defer closeStore()
	sugar.Infow("ledger ready", "backend", cfg.LedgerBackend)

	issuer := konfhub.NewClient(konfhub.Config{
		BaseURL:  cfg.KonfHub.BaseURL,
		APIKey:   cfg.KonfHub.APIKey,
		EventID:  cfg.KonfHub.EventID,
		Timezone: cfg.KonfHub.Timezone,
		Timeout:  cfg.HTTPTimeout,
		Default: konfhub.TicketSet{
			TicketID:         cfg.KonfHub.TicketID,
			FallbackTicketID: cfg.KonfHub.FallbackTicketID,
			AccessCode:       cfg.KonfHub.AccessCode,
		},
		Bulk: konfhub.TicketSet{
			TicketID:         cfg.KonfHub.BulkTicketID,
			FallbackTicketID: cfg.KonfHub.BulkFallbackTicketID,
			AccessCode:       cfg.KonfHub.BulkAccessCode,
		},
	})

	svc := service.NewService(service.Options{
		Pricing:         cfg.PricingTable(),
		SinglePrice:     cfg.Pricing.SinglePrice,
		BulkPrice:       cfg.Pricing.BulkPrice,
		BulkMinQuantity: cfg.Pricing.BulkMinQuantity,
		BulkMaxQuantity: cfg.Pricing.BulkMaxQuantity,
		DonationTiers:   cfg.DonationTiers(),
		DonationMin:     cfg.Pricing.DonationMin,
		ClaimTTL:        cfg.ClaimTTL,
		IssueTimeout:    cfg.IssueTimeout,
		CheckInSecret:   cfg.CheckInSecret,
	}, store, issuer, logger)

	auth := middleware.NewAdminAuth(cfg.AdminKey, cfg.TokenSecret)
	h := handler.NewHandler(svc, logger, auth, handler.Options{
		WebhookTestMode: cfg.WebhookTestMode,
		TokenTTL:        cfg.TokenTTL,
	})

	if cfg.Cashfree.Enabled() {
		cf := gateway.NewCashfree(gateway.CashfreeConfig{
			BaseURL:    cfg.Cashfree.BaseURL,
			AppID:      cfg.Cashfree.AppID,
			SecretKey:  cfg.Cashfree.SecretKey,
			APIVersion: cfg.Cashfree.APIVersion,
			ReturnURL:  cfg.Cashfree.ReturnURL,
			NotifyURL:  cfg.Cashfree.NotifyURL,
			Timeout:    cfg.HTTPTimeout,
		})
		svc.WithGateway(model.GatewayCashfree, cf)
		h.WithWebhook(model.GatewayCashfree, cf)
	}
	if cfg.Razorpay.Enabled() {
		rzp := gateway.NewRazorpay(gateway.RazorpayConfig{
			BaseURL:       cfg.Razorpay.BaseURL,
			KeyID:         cfg.Razorpay.KeyID,
			KeySecret:     cfg.Razorpay.KeySecret,
			WebhookSecret: cfg.Razorpay.WebhookSecret,
			Timeout:       cfg.HTTPTimeout,
		})
		svc.WithGateway(model.GatewayRazorpay, rzp)
		h.WithWebhook(model.GatewayRazorpay, rzp)
	}

	if cfg.Mail.Enabled() {
		svc.WithNotifier(notify.NewNotifier(notify.NewClient(notify.Config{
			APIURL:     cfg.Mail.APIURL,
			APIKey:     cfg.Mail.APIKey,
			From:       cfg.Mail.From,
			ReplyTo:    cfg.Mail.ReplyTo,
			AdminEmail: cfg.Mail.AdminEmail,
			EventName:  cfg.Mail.EventName,
			StatusURL:  cfg.Mail.StatusURL,
			Timeout:    cfg.HTTPTimeout,
		})))
	} else {
		sugar.Warn("mail API key not set, emails are disabled")
	}

	if cfg.Redis.Address != "" {
		connectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := cache.Connect(connectCtx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		cancel()
		if err != nil {
			sugar.Fatalw("redis initialization error", "addr", cfg.Redis.Address, "error", err.Error())
		}
		defer client.Close()
		svc.WithCache(cache.NewRedis(client, cache.Options{LeaseTTL: cfg.ClaimTTL}))
	}

	if len(cfg.Kafka.Brokers) > 0 {
		publisher := events.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer publisher.Close()
		svc.WithPublisher(publisher)
	}

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Фоновая проверка зависших выдач
	svc.StartStaleClaimMonitor(ctx, cfg.StaleCheckInterval)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting pinkpass server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		svc.Wait()
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

func openLedger(cfg *config.Config) (service.Ledger, func(), error) {
	switch cfg.LedgerBackend {
	case config.LedgerGitHub:
		store, err := ledger.NewGitHubStore(ledger.GitHubConfig{
			APIURL:   cfg.GitHub.APIURL,
			Token:    cfg.GitHub.Token,
			Owner:    cfg.GitHub.Owner,
			Repo:     cfg.GitHub.Repo,
			Branch:   cfg.GitHub.Branch,
			BasePath: cfg.GitHub.BasePath,
			Timeout:  cfg.HTTPTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	case config.LedgerPostgres:
		store, err := ledger.NewPostgresStore(cfg.DatabaseURI)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return ledger.NewMemoryStore(), func() {}, nil
	}
}
