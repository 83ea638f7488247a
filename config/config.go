// config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Server       ServerConfig       `mapstructure:"server"`
	DB           DBConfig           `mapstructure:"db"`
	Telegram     TelegramConfig     `mapstructure:"telegram"`
	Auth         AuthConfig         `mapstructure:"auth"`
	GPT          GPTConfig          `mapstructure:"gpt"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Bank         BankConfig         `mapstructure:"bank"`
	Stripe       StripeConfig       `mapstructure:"stripe"`
	Subscription SubscriptionConfig `mapstructure:"subscription"`
	Limits       LimitsConfig       `mapstructure:"limits"`
	Log          LogConfig          `mapstructure:"log"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type AppConfig struct {
	Env      string `mapstructure:"env"`
	Timezone string `mapstructure:"timezone"`
}

func (a AppConfig) IsProduction() bool {
	return a.Env == "production"
}

// Location resolves the timezone that defines a calendar day.
func (a AppConfig) Location() *time.Location {
	if a.Timezone == "" || a.Timezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	FrontendURL  string        `mapstructure:"frontend_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxUploadMB  int64         `mapstructure:"max_upload_mb"`
}

type DBConfig struct {
	Host           string        `mapstructure:"host"`
	Port           string        `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	DBName         string        `mapstructure:"name"`
	SSLMode        string        `mapstructure:"ssl_mode"`
	MaxOpenConns   int           `mapstructure:"max_open_conns"`
	MaxIdleConns   int           `mapstructure:"max_idle_conns"`
	ConnLifetime   time.Duration `mapstructure:"conn_lifetime"`
	MigrateOnStart bool          `mapstructure:"migrate_on_start"`
}

// URL returns the connection string in URL form, as golang-migrate expects it.
func (c DBConfig) URL(scheme string) string {
	return fmt.Sprintf("%s://%s:%s@%s:%s/%s?sslmode=%s",
		scheme, c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

type TelegramConfig struct {
	Token         string `mapstructure:"token"`
	AdminChatID   int64  `mapstructure:"admin_chat_id"`
	WebhookURL    string `mapstructure:"webhook_url"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	WebAppURL     string `mapstructure:"webapp_url"`
	Debug         bool   `mapstructure:"debug"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type GPTConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type StorageConfig struct {
	Bucket        string `mapstructure:"bucket"`
	Region        string `mapstructure:"region"`
	Endpoint      string `mapstructure:"endpoint"`
	AccessKey     string `mapstructure:"access_key"`
	SecretKey     string `mapstructure:"secret_key"`
	PublicBaseURL string `mapstructure:"public_base_url"`
	Prefix        string `mapstructure:"prefix"`
}

type BankConfig struct {
	URL          string        `mapstructure:"url"`
	Account      string        `mapstructure:"account"`
	APIKey       string        `mapstructure:"api_key"`
	LookbackDays int           `mapstructure:"lookback_days"`
	AmountColumn string        `mapstructure:"amount_column"`
	Tolerance    float64       `mapstructure:"tolerance"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type StripeConfig struct {
	SecretKey  string `mapstructure:"secret_key"`
	WebhookKey string `mapstructure:"webhook_key"`
	PriceID    string `mapstructure:"price_id"`
	SuccessURL string `mapstructure:"success_url"`
	CancelURL  string `mapstructure:"cancel_url"`
}

func (s StripeConfig) Enabled() bool {
	return s.SecretKey != "" && s.WebhookKey != "" && s.PriceID != ""
}

type SubscriptionConfig struct {
	Price         float64       `mapstructure:"price"`
	Currency      string        `mapstructure:"currency"`
	PremiumDays   int           `mapstructure:"premium_days"`
	NotifyTimeout time.Duration `mapstructure:"notify_timeout"`
}

type LimitsConfig struct {
	FreeDailyAnalyses int     `mapstructure:"free_daily_analyses"`
	AnalyzeRPS        float64 `mapstructure:"analyze_rps"`
	AnalyzeBurst      int     `mapstructure:"analyze_burst"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

var defaults = map[string]interface{}{
	"app.env":      "development",
	"app.timezone": "Local",

	"server.port":          "3000",
	"server.frontend_url":  "*",
	"server.read_timeout":  15 * time.Second,
	"server.write_timeout": 60 * time.Second,
	"server.max_upload_mb": 10,

	"db.host":             "localhost",
	"db.port":             "5432",
	"db.user":             "postgres",
	"db.password":         "postgres",
	"db.name":             "calorie_ai",
	"db.ssl_mode":         "disable",
	"db.max_open_conns":   20,
	"db.max_idle_conns":   2,
	"db.conn_lifetime":    5 * time.Minute,
	"db.migrate_on_start": true,

	"telegram.token":          "",
	"telegram.admin_chat_id":  0,
	"telegram.webhook_url":    "",
	"telegram.webhook_secret": "",
	"telegram.webapp_url":     "",
	"telegram.debug":          false,

	"auth.jwt_secret": "",
	"auth.token_ttl":  30 * 24 * time.Hour,

	"gpt.api_key":  "",
	"gpt.model":    "gpt-4o-mini",
	"gpt.base_url": "",
	"gpt.timeout":  60 * time.Second,

	"storage.bucket":          "",
	"storage.region":          "us-east-1",
	"storage.endpoint":        "",
	"storage.access_key":      "",
	"storage.secret_key":      "",
	"storage.public_base_url": "",
	"storage.prefix":          "calorie-ai",

	"bank.url":           "",
	"bank.account":       "",
	"bank.api_key":       "",
	"bank.lookback_days": 7,
	"bank.amount_column": "either",
	"bank.tolerance":     0.1,
	"bank.timeout":       15 * time.Second,

	"stripe.secret_key":  "",
	"stripe.webhook_key": "",
	"stripe.price_id":    "",
	"stripe.success_url": "",
	"stripe.cancel_url":  "",

	"subscription.price":          30.0,
	"subscription.currency":       "TJS",
	"subscription.premium_days":   90,
	"subscription.notify_timeout": 15 * time.Second,

	"limits.free_daily_analyses": 3,
	"limits.analyze_rps":         1.0,
	"limits.analyze_burst":       5,

	"log.level":       "info",
	"log.development": false,

	"shutdown_timeout": 10 * time.Second,
}

// Load loads the configuration
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("../config")
	v.AddConfigPath("$HOME/.calorie-ai")

	// Every key needs a default so that AutomaticEnv can see it during Unmarshal.
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Process any ${ENV_VAR} syntax in the config values
	for _, key := range v.AllKeys() {
		value := v.GetString(key)
		if strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}") {
			envVar := strings.TrimPrefix(strings.TrimSuffix(value, "}"), "${")
			v.Set(key, os.Getenv(envVar))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// Validate reports configuration the process cannot start without.
func (c *Config) Validate() error {
	var missing []string
	if c.Telegram.Token == "" {
		missing = append(missing, "telegram.token")
	}
	if c.Telegram.AdminChatID == 0 {
		missing = append(missing, "telegram.admin_chat_id")
	}
	if c.Auth.JWTSecret == "" {
		missing = append(missing, "auth.jwt_secret")
	}
	if c.Storage.Bucket == "" {
		missing = append(missing, "storage.bucket")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	switch c.Bank.AmountColumn {
	case "debet", "credit", "either":
	default:
		return fmt.Errorf("bank.amount_column must be debet, credit or either, got %q", c.Bank.AmountColumn)
	}
	if c.Subscription.PremiumDays <= 0 {
		return fmt.Errorf("subscription.premium_days must be positive")
	}
	return nil
}
