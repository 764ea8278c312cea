package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/nearpay/vectigal/pkg/validation"
)

type Config struct {
	Development bool

	// API configuration
	Host string `validate:"required"`
	Port int    `validate:"required,min=1,max=65535"`

	// Ledger configuration
	DBURL string `validate:"required"`

	// Chain configuration
	ChainRPCURL string `validate:"required,url"`
	ContractID  string `validate:"required"`
	Network     string `validate:"required"`

	// Provider identity
	ReceiverAccount        string `validate:"required"`
	ReceiverPK             string `validate:"required"`
	ReceiverSigningKeyPath string `validate:"required"`

	// Upstream LLM backend
	UpstreamURL    string `validate:"required,url"`
	UpstreamAPIKey string

	// Close machine timing
	DisputeWindowSecs  int `validate:"min=1"`
	SafetyMarginSecs   int `validate:"min=0"`
	PollIntervalSecs   int `validate:"min=1"`
	StaleThresholdSecs int `validate:"min=1"`

	// Oracle cache TTL
	OracleRefreshSecs int `validate:"min=1"`

	// Request limits
	MaxInflightPerChannel int `validate:"min=1"`
	RequestTimeoutSecs    int `validate:"min=1"`
	MaxTokensDefault      int `validate:"min=1"`

	// Pricing: yocto per token and flat base charge per request, base-10.
	CostPerToken   string `validate:"required"`
	CostPerRequest string `validate:"required"`

	// Operator alerts
	TelegramBotToken string
	TelegramChatID   string
	SMTPHost         string
	SMTPPort         int
	SMTPUser         string
	SMTPPassword     string
	SMTPSender       string
	AlertEmail       string
}

// LoadConfig loads the configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Development: getEnvAsBool("DEVELOPMENT", false),

		Host: getEnv("HOST", "127.0.0.1"),
		Port: getEnvAsInt("PORT", 8080),

		DBURL: getEnv("DB_URL", "vectigal.db"),

		ChainRPCURL: getEnv("CHAIN_RPC_URL", "https://rpc.mainnet.near.org"),
		ContractID:  getEnv("CONTRACT_ID", ""),
		Network:     getEnv("NETWORK", "mainnet"),

		ReceiverAccount:        getEnv("RECEIVER_ACCOUNT", ""),
		ReceiverPK:             getEnv("RECEIVER_PK", ""),
		ReceiverSigningKeyPath: getEnv("RECEIVER_SIGNING_KEY_PATH", ""),

		UpstreamURL:    getEnv("UPSTREAM_URL", ""),
		UpstreamAPIKey: getEnv("UPSTREAM_API_KEY", ""),

		DisputeWindowSecs:  getEnvAsInt("DISPUTE_WINDOW_SECS", 7*24*60*60),
		SafetyMarginSecs:   getEnvAsInt("SAFETY_MARGIN_SECS", 60*60),
		PollIntervalSecs:   getEnvAsInt("POLL_INTERVAL_SECS", 5),
		StaleThresholdSecs: getEnvAsInt("STALE_THRESHOLD_SECS", 24*60*60),

		OracleRefreshSecs: getEnvAsInt("ORACLE_REFRESH_SECS", 30),

		MaxInflightPerChannel: getEnvAsInt("MAX_INFLIGHT_PER_CHANNEL", 8),
		RequestTimeoutSecs:    getEnvAsInt("REQUEST_TIMEOUT_SECS", 300),
		MaxTokensDefault:      getEnvAsInt("MAX_TOKENS_DEFAULT", 1024),

		CostPerToken:   getEnv("COST_PER_TOKEN", "1000000000000000000"),
		CostPerRequest: getEnv("COST_PER_REQUEST", "0"),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		SMTPHost:         getEnv("SMTP_HOST", ""),
		SMTPPort:         getEnvAsInt("SMTP_PORT", 587),
		SMTPUser:         getEnv("SMTP_USER", ""),
		SMTPPassword:     getEnv("SMTP_PASSWORD", ""),
		SMTPSender:       getEnv("SMTP_SENDER", ""),
		AlertEmail:       getEnv("ALERT_EMAIL", ""),
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are properly set
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := validation.ValidateAccountID(c.ContractID); err != nil {
		return fmt.Errorf("invalid CONTRACT_ID: %w", err)
	}
	if err := validation.ValidateAccountID(c.ReceiverAccount); err != nil {
		return fmt.Errorf("invalid RECEIVER_ACCOUNT: %w", err)
	}
	if _, err := validation.ParsePublicKey(c.ReceiverPK); err != nil {
		return fmt.Errorf("invalid RECEIVER_PK: %w", err)
	}
	if _, err := os.Stat(c.ReceiverSigningKeyPath); err != nil {
		return fmt.Errorf("RECEIVER_SIGNING_KEY_PATH: %w", err)
	}
	if c.SafetyMarginSecs >= c.DisputeWindowSecs {
		return fmt.Errorf("SAFETY_MARGIN_SECS must be smaller than DISPUTE_WINDOW_SECS")
	}

	return nil
}

func (c *Config) DisputeWindow() time.Duration { return time.Duration(c.DisputeWindowSecs) * time.Second }
func (c *Config) SafetyMargin() time.Duration  { return time.Duration(c.SafetyMarginSecs) * time.Second }
func (c *Config) PollInterval() time.Duration  { return time.Duration(c.PollIntervalSecs) * time.Second }
func (c *Config) StaleThreshold() time.Duration {
	return time.Duration(c.StaleThresholdSecs) * time.Second
}
func (c *Config) OracleRefresh() time.Duration {
	return time.Duration(c.OracleRefreshSecs) * time.Second
}
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSecs) * time.Second
}

// Helper functions to read environment variables
func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(name string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.Atoi(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsBool(name string, defaultValue bool) bool {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.ParseBool(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}
