// Package config содержит логику чтения конфигурации сервиса Party in Pink.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/mmeshcher/pinkpass/internal/pricing"
)

// Хранилища реестра заказов.
const (
	LedgerGitHub   = "github"
	LedgerPostgres = "postgres"
	LedgerMemory   = "memory"
)

// ErrInvalid возвращается, если конфигурация противоречива или неполна.
var ErrInvalid = errors.New("invalid config")

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress    string `env:"RUN_ADDRESS"`
	DatabaseURI   string `env:"DATABASE_URI"`
	LedgerBackend string `env:"LEDGER_BACKEND"`

	AdminKey           string        `env:"ADMIN_KEY"`
	TokenSecret        string        `env:"TOKEN_SECRET"`
	TokenTTL           time.Duration `env:"CHECKIN_TOKEN_TTL" envDefault:"12h"`
	CheckInSecret      string        `env:"CHECKIN_SECRET"`
	WebhookTestMode    bool          `env:"WEBHOOK_TEST_MODE"`
	ClaimTTL           time.Duration `env:"CLAIM_TTL" envDefault:"10m"`
	IssueTimeout       time.Duration `env:"ISSUE_TIMEOUT" envDefault:"2m"`
	StaleCheckInterval time.Duration `env:"STALE_CHECK_INTERVAL" envDefault:"5m"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	HTTPTimeout        time.Duration `env:"HTTP_TIMEOUT" envDefault:"10s"`

	Pricing  PricingConfig  `envPrefix:"PRICING_"`
	KonfHub  KonfHubConfig  `envPrefix:"KONFHUB_"`
	Cashfree CashfreeConfig `envPrefix:"CASHFREE_"`
	Razorpay RazorpayConfig `envPrefix:"RAZORPAY_"`
	GitHub   GitHubConfig   `envPrefix:"GITHUB_"`
	Mail     MailConfig     `envPrefix:"MAIL_"`
	Redis    RedisConfig    `envPrefix:"REDIS_"`
	Kafka    KafkaConfig    `envPrefix:"KAFKA_"`

	table *pricing.Table
}

// PricingConfig описывает цены и ступени пожертвований.
type PricingConfig struct {
	Slabs           string           `env:"SLABS" envDefault:"5000:2,10000:5,15000:7,20000:7,25000:10"`
	BelowMin        int              `env:"BELOW_MIN"`
	Policy          string           `env:"POLICY" envDefault:"TOP"`
	SinglePrice     int64            `env:"SINGLE_PRICE" envDefault:"999"`
	BulkPrice       int64            `env:"BULK_PRICE" envDefault:"800"`
	BulkMinQuantity int              `env:"BULK_MIN_QUANTITY" envDefault:"1"`
	BulkMaxQuantity int              `env:"BULK_MAX_QUANTITY" envDefault:"200"`
	DonationTiers   map[string]int64 `env:"DONATION_TIERS" envDefault:"pink:5000,rose:10000,magenta:25000"`
	DonationMin     int64            `env:"DONATION_MIN" envDefault:"500"`
}

// KonfHubConfig - доступ к API регистрации и типы билетов.
type KonfHubConfig struct {
	BaseURL              string `env:"BASE_URL"`
	APIKey               string `env:"API_KEY"`
	EventID              string `env:"EVENT_ID"`
	Timezone             string `env:"TIMEZONE" envDefault:"Asia/Kolkata"`
	TicketID             string `env:"TICKET_ID"`
	FallbackTicketID     string `env:"FALLBACK_TICKET_ID"`
	AccessCode           string `env:"ACCESS_CODE"`
	BulkTicketID         string `env:"BULK_TICKET_ID"`
	BulkFallbackTicketID string `env:"BULK_FALLBACK_TICKET_ID"`
	BulkAccessCode       string `env:"BULK_ACCESS_CODE"`
}

// CashfreeConfig - учётные данные Cashfree.
type CashfreeConfig struct {
	BaseURL    string `env:"BASE_URL"`
	AppID      string `env:"APP_ID"`
	SecretKey  string `env:"SECRET_KEY"`
	APIVersion string `env:"API_VERSION"`
	ReturnURL  string `env:"RETURN_URL"`
	NotifyURL  string `env:"NOTIFY_URL"`
}

// Enabled сообщает, подключён ли шлюз.
func (c CashfreeConfig) Enabled() bool {
	return c.AppID != "" || c.SecretKey != ""
}

// RazorpayConfig - учётные данные Razorpay.
type RazorpayConfig struct {
	BaseURL       string `env:"BASE_URL"`
	KeyID         string `env:"KEY_ID"`
	KeySecret     string `env:"KEY_SECRET"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`
}

// Enabled сообщает, подключён ли шлюз.
func (c RazorpayConfig) Enabled() bool {
	return c.KeyID != "" || c.KeySecret != "" || c.WebhookSecret != ""
}

// GitHubConfig - репозиторий реестра заказов.
type GitHubConfig struct {
	APIURL   string `env:"API_URL"`
	Token    string `env:"TOKEN"`
	Owner    string `env:"OWNER"`
	Repo     string `env:"REPO"`
	Branch   string `env:"BRANCH" envDefault:"main"`
	BasePath string `env:"BASE_PATH" envDefault:"ledger"`
}

// MailConfig - отправка писем через HTTP API почтового сервиса.
type MailConfig struct {
	APIURL     string `env:"API_URL"`
	APIKey     string `env:"API_KEY"`
	From       string `env:"FROM"`
	ReplyTo    string `env:"REPLY_TO"`
	AdminEmail string `env:"ADMIN_EMAIL"`
	EventName  string `env:"EVENT_NAME" envDefault:"Party in Pink"`
	StatusURL  string `env:"STATUS_URL"`
}

// Enabled сообщает, настроена ли отправка писем.
func (c MailConfig) Enabled() bool {
	return c.APIKey != ""
}

// RedisConfig - необязательный кеш выполненных заказов.
type RedisConfig struct {
	Address  string `env:"ADDRESS"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB"`
}

// KafkaConfig - необязательная публикация событий заказов.
type KafkaConfig struct {
	Brokers []string `env:"BROKERS" envSeparator:","`
	Topic   string   `env:"TOPIC" envDefault:"pinkpass.orders"`
}

// Parse считывает конфигурацию из .env, флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envRedisAddress := cfg.Redis.Address

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI for the postgres ledger")
	flag.StringVar(&cfg.Redis.Address, "r", "", "redis address for the fulfillment cache")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envRedisAddress != "" {
		cfg.Redis.Address = envRedisAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate проверяет согласованность параметров, выбирает хранилище реестра
// и строит таблицу ступеней.
func (c *Config) Validate() error {
	var problems []string

	c.LedgerBackend = strings.ToLower(strings.TrimSpace(c.LedgerBackend))
	if c.LedgerBackend == "" {
		switch {
		case c.GitHub.Token != "":
			c.LedgerBackend = LedgerGitHub
		case c.DatabaseURI != "":
			c.LedgerBackend = LedgerPostgres
		default:
			c.LedgerBackend = LedgerMemory
		}
	}

	switch c.LedgerBackend {
	case LedgerGitHub:
		if c.GitHub.Token == "" || c.GitHub.Owner == "" || c.GitHub.Repo == "" {
			problems = append(problems, "GITHUB_TOKEN, GITHUB_OWNER and GITHUB_REPO are required for the github ledger")
		}
	case LedgerPostgres:
		if c.DatabaseURI == "" {
			problems = append(problems, "DATABASE_URI is required for the postgres ledger")
		}
	case LedgerMemory:
	default:
		problems = append(problems, fmt.Sprintf("unknown LEDGER_BACKEND %q", c.LedgerBackend))
	}

	if c.Cashfree.Enabled() && (c.Cashfree.AppID == "" || c.Cashfree.SecretKey == "") {
		problems = append(problems, "CASHFREE_APP_ID and CASHFREE_SECRET_KEY must be set together")
	}
	if c.Razorpay.Enabled() && (c.Razorpay.KeyID == "" || c.Razorpay.KeySecret == "" || c.Razorpay.WebhookSecret == "") {
		problems = append(problems, "RAZORPAY_KEY_ID, RAZORPAY_KEY_SECRET and RAZORPAY_WEBHOOK_SECRET must be set together")
	}

	if c.CheckInSecret == "" {
		c.CheckInSecret = c.TokenSecret
	}
	if c.Mail.Enabled() && c.CheckInSecret == "" {
		problems = append(problems, "CHECKIN_SECRET or TOKEN_SECRET is required to sign check-in codes in emails")
	}

	if c.Pricing.BulkMinQuantity < 1 || (c.Pricing.BulkMaxQuantity > 0 && c.Pricing.BulkMaxQuantity < c.Pricing.BulkMinQuantity) {
		problems = append(problems, "bulk quantity bounds are inconsistent")
	}

	table, err := c.Pricing.Table()
	if err != nil {
		problems = append(problems, err.Error())
	}
	c.table = table

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Table разбирает ступени и политику выше верхней ступени.
func (p PricingConfig) Table() (*pricing.Table, error) {
	slabs, err := pricing.ParseSlabs(p.Slabs)
	if err != nil {
		return nil, err
	}
	policy, err := pricing.ParsePolicy(p.Policy)
	if err != nil {
		return nil, err
	}
	return pricing.NewTable(slabs, p.BelowMin, policy)
}

// PricingTable возвращает таблицу, построенную при проверке конфигурации.
func (c *Config) PricingTable() *pricing.Table {
	return c.table
}

// DonationTiers возвращает уровни пожертвований с названиями в нижнем регистре.
func (c *Config) DonationTiers() map[string]int64 {
	res := make(map[string]int64, len(c.Pricing.DonationTiers))
	for name, amount := range c.Pricing.DonationTiers {
		res[strings.ToLower(strings.TrimSpace(name))] = amount
	}
	return res
}
