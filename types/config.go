package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds every knob of the wallet core. Values are loaded from
// environment variables, optionally seeded from a .env file.
type Config struct {
	NodeRPCURL    string `mapstructure:"NODE_RPC_URL" validate:"required,url"`
	BundlerRPCURL string `mapstructure:"BUNDLER_RPC_URL" validate:"required,url"`
	ChainID       int64  `mapstructure:"CHAIN_ID" validate:"required,gt=0"`

	EntryPointAddress string `mapstructure:"ENTRY_POINT_ADDRESS" validate:"required,eth_addr"`
	FactoryAddress    string `mapstructure:"FACTORY_ADDRESS" validate:"required,eth_addr"`
	TokenAddress      string `mapstructure:"TOKEN_ADDRESS" validate:"required,eth_addr"`
	TokenDecimals     int32  `mapstructure:"TOKEN_DECIMALS" validate:"gte=0,lte=18"`
	EscrowAddress     string `mapstructure:"ESCROW_ADDRESS" validate:"omitempty,eth_addr"`

	// Settlement pipeline timing. Receipt polling stops at SettlementTimeout;
	// past it the operation's fate is unknown, never failed.
	SettlementTimeout time.Duration `mapstructure:"SETTLEMENT_TIMEOUT"`
	ReceiptPollEvery  time.Duration `mapstructure:"RECEIPT_POLL_INTERVAL"`

	// Background loops.
	ScannerInterval time.Duration `mapstructure:"SCANNER_INTERVAL"`
	ScannerWindow   uint64        `mapstructure:"SCANNER_WINDOW" validate:"gt=0"`
	ReaperInterval  time.Duration `mapstructure:"REAPER_INTERVAL"`
	PendingTTL      time.Duration `mapstructure:"PENDING_TTL"`

	// Default spend policy, in human token units, applied to accounts
	// without explicit limits.
	DefaultPerTxLimit            string `mapstructure:"DEFAULT_PER_TX_LIMIT"`
	DefaultDailyLimit            string `mapstructure:"DEFAULT_DAILY_LIMIT"`
	DefaultConfirmationThreshold string `mapstructure:"DEFAULT_CONFIRMATION_THRESHOLD"`

	// Optional durable backends. Empty means in-memory store / no broker.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	AMQPURL     string `mapstructure:"AMQP_URL"`
	AMQPEvents  string `mapstructure:"AMQP_EVENTS_EXCHANGE"`
}

// LoadConfig reads configuration from environment variables, seeded from an
// optional .env file under path.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("CHAIN_ID", 84532)
	v.SetDefault("ENTRY_POINT_ADDRESS", "0x0000000071727De22E5E9d8BAf0edAc6f37da032")
	v.SetDefault("FACTORY_ADDRESS", "0x91E60e0613810449d098b0b5Ec8b51A0FE8c8985")
	v.SetDefault("TOKEN_ADDRESS", "0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	v.SetDefault("TOKEN_DECIMALS", 6)
	v.SetDefault("SETTLEMENT_TIMEOUT", "60s")
	v.SetDefault("RECEIPT_POLL_INTERVAL", "2s")
	v.SetDefault("SCANNER_INTERVAL", "30s")
	v.SetDefault("SCANNER_WINDOW", 2000)
	v.SetDefault("REAPER_INTERVAL", "60s")
	v.SetDefault("PENDING_TTL", "10m")
	v.SetDefault("DEFAULT_PER_TX_LIMIT", "10")
	v.SetDefault("DEFAULT_DAILY_LIMIT", "50")
	v.SetDefault("DEFAULT_CONFIRMATION_THRESHOLD", "5")
	v.SetDefault("AMQP_EVENTS_EXCHANGE", "wallet.events")

	for _, key := range []string{
		"NODE_RPC_URL", "BUNDLER_RPC_URL", "CHAIN_ID",
		"ENTRY_POINT_ADDRESS", "FACTORY_ADDRESS", "TOKEN_ADDRESS",
		"TOKEN_DECIMALS", "ESCROW_ADDRESS",
		"SETTLEMENT_TIMEOUT", "RECEIPT_POLL_INTERVAL",
		"SCANNER_INTERVAL", "SCANNER_WINDOW", "REAPER_INTERVAL", "PENDING_TTL",
		"DEFAULT_PER_TX_LIMIT", "DEFAULT_DAILY_LIMIT", "DEFAULT_CONFIRMATION_THRESHOLD",
		"DATABASE_URL", "AMQP_URL", "AMQP_EVENTS_EXCHANGE",
	} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the struct tags and the cross-field constraints that tags
// cannot express.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return NewValidationError("invalid config: %v", err)
	}
	if c.ReceiptPollEvery <= 0 || c.SettlementTimeout <= 0 {
		return NewValidationError("settlement timeout and receipt poll interval must be positive")
	}
	if c.ReceiptPollEvery >= c.SettlementTimeout {
		return NewValidationError("receipt poll interval %s must be shorter than settlement timeout %s",
			c.ReceiptPollEvery, c.SettlementTimeout)
	}
	if c.PendingTTL <= 0 {
		return NewValidationError("pending TTL must be positive")
	}
	if c.ScannerInterval <= 0 || c.ReaperInterval <= 0 {
		return NewValidationError("scanner and reaper intervals must be positive")
	}
	if _, err := c.DefaultLimits(); err != nil {
		return err
	}
	return nil
}

// DefaultLimits parses the configured default spend policy. The store's
// fallback for accounts without explicit limits.
func (c Config) DefaultLimits() (SpendLimits, error) {
	perTx, err := decimal.NewFromString(c.DefaultPerTxLimit)
	if err != nil {
		return SpendLimits{}, NewValidationError("invalid default per-transaction limit %q", c.DefaultPerTxLimit)
	}
	daily, err := decimal.NewFromString(c.DefaultDailyLimit)
	if err != nil {
		return SpendLimits{}, NewValidationError("invalid default daily limit %q", c.DefaultDailyLimit)
	}
	threshold, err := decimal.NewFromString(c.DefaultConfirmationThreshold)
	if err != nil {
		return SpendLimits{}, NewValidationError("invalid default confirmation threshold %q", c.DefaultConfirmationThreshold)
	}
	if perTx.Sign() <= 0 || daily.Sign() <= 0 || threshold.Sign() <= 0 {
		return SpendLimits{}, NewValidationError("default spend limits must be positive")
	}
	if perTx.GreaterThan(daily) {
		return SpendLimits{}, NewValidationError("default per-transaction limit %s exceeds default daily limit %s", perTx, daily)
	}
	return SpendLimits{
		PerTransaction:        perTx,
		Daily:                 daily,
		ConfirmationThreshold: threshold,
	}, nil
}
