package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"settlement-core/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Ethereum   EthereumConfig   `mapstructure:"ethereum"`
	ChainSync  ChainSyncConfig  `mapstructure:"chainsync"`
	Football   ProviderConfig   `mapstructure:"football"`
	Crypto     ProviderConfig   `mapstructure:"crypto"`
	Ingestion  IngestionConfig  `mapstructure:"ingestion"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Oddyssey   OddysseyConfig   `mapstructure:"oddyssey"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// HTTPConfig binds the health and metrics endpoint.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// SchedulerConfig governs the cadence of every long-running component.
type SchedulerConfig struct {
	AlignToBucket bool          `mapstructure:"align_to_bucket"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
	MaxFailures   int           `mapstructure:"max_consecutive_failures"`
	Ingestion     JobConfig     `mapstructure:"ingestion"`
	ChainSync     JobConfig     `mapstructure:"chainsync"`
	Settlement    JobConfig     `mapstructure:"settlement"`
	Resolver      JobConfig     `mapstructure:"resolver"`
	Monitor       JobConfig     `mapstructure:"monitor"`
}

// JobConfig describes one periodic job.
type JobConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// EthereumConfig covers on-chain access and signing.
type EthereumConfig struct {
	RPCURL             string        `mapstructure:"rpc_url"`
	ChainID            int64         `mapstructure:"chain_id"`
	PrivateKey         string        `mapstructure:"private_key"`
	OracleAddress      string        `mapstructure:"oracle_address"`
	PoolCoreAddress    string        `mapstructure:"pool_core_address"`
	OddysseyAddress    string        `mapstructure:"oddyssey_address"`
	SettlementAddress  string        `mapstructure:"settlement_address"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	ReceiptTimeout     time.Duration `mapstructure:"receipt_timeout"`
	ReceiptPoll        time.Duration `mapstructure:"receipt_poll"`
	GasLimitMultiplier float64       `mapstructure:"gas_limit_multiplier"`
	TokenDecimals      int32         `mapstructure:"token_decimals"`
}

// ChainSyncConfig tunes the event mirror.
type ChainSyncConfig struct {
	StartBlock    uint64 `mapstructure:"start_block"`
	ReorgDepth    uint64 `mapstructure:"reorg_depth"`
	MaxBlockRange uint64 `mapstructure:"max_block_range"`
	CursorName    string `mapstructure:"cursor_name"`
}

// ProviderConfig describes an external result provider.
type ProviderConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIToken       string        `mapstructure:"api_token"`
	TokenHeader    string        `mapstructure:"token_header"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	Burst          int           `mapstructure:"burst"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// IngestionConfig tunes the result ingestion worker.
type IngestionConfig struct {
	MinKickoffAge  time.Duration `mapstructure:"min_kickoff_age"`
	TerminalGuard  time.Duration `mapstructure:"terminal_guard"`
	BatchSize      int           `mapstructure:"batch_size"`
	Concurrency    int           `mapstructure:"concurrency"`
	ScanLimit      int           `mapstructure:"scan_limit"`
	FixtureDays    int           `mapstructure:"fixture_days"`
	FixtureRefresh time.Duration `mapstructure:"fixture_refresh"`
}

// SettlementConfig tunes the settlement pipeline.
type SettlementConfig struct {
	ResultGrace   time.Duration   `mapstructure:"result_grace"`
	SubmitBackoff []time.Duration `mapstructure:"submit_backoff"`
	ExcludedPools []int64         `mapstructure:"excluded_pools"`
	BatchLimit    int             `mapstructure:"batch_limit"`
	AlertOnSkip   bool            `mapstructure:"alert_on_skip"`
}

// OddysseyConfig tunes the daily cycle components.
type OddysseyConfig struct {
	StarterEnabled      bool          `mapstructure:"starter_enabled"`
	StartAt             string        `mapstructure:"start_at"`
	StarterLockKey      int64         `mapstructure:"starter_lock_key"`
	EarliestKickoffHour int           `mapstructure:"earliest_kickoff_hour"`
	PopularLeagues      []int64       `mapstructure:"popular_leagues"`
	ResolveDelay        time.Duration `mapstructure:"resolve_delay"`
	EvaluationBatchSize int           `mapstructure:"evaluation_batch_size"`
	VerifyOnChainScores bool          `mapstructure:"verify_onchain_scores"`
	OverdueAfter        time.Duration `mapstructure:"overdue_after"`
}

// AlertingConfig defines operator alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes Telegram alert parameters.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// RedisConfig configures settlement notifications.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDays int `mapstructure:"max_days"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SETTLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "settler")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("http.addr", ":8081")

	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.max_consecutive_failures", 12)
	v.SetDefault("scheduler.ingestion.enabled", true)
	v.SetDefault("scheduler.ingestion.interval", "5m")
	v.SetDefault("scheduler.ingestion.advisory_lock_key", int64(0x696e6731))
	v.SetDefault("scheduler.chainsync.enabled", true)
	v.SetDefault("scheduler.chainsync.interval", "5s")
	v.SetDefault("scheduler.chainsync.advisory_lock_key", int64(0x73796e63))
	v.SetDefault("scheduler.settlement.enabled", true)
	v.SetDefault("scheduler.settlement.interval", "5m")
	v.SetDefault("scheduler.settlement.advisory_lock_key", int64(0x73746c31))
	v.SetDefault("scheduler.resolver.enabled", true)
	v.SetDefault("scheduler.resolver.interval", "1m")
	v.SetDefault("scheduler.resolver.advisory_lock_key", int64(0x6f647931))
	v.SetDefault("scheduler.monitor.enabled", true)
	v.SetDefault("scheduler.monitor.interval", "15m")

	v.SetDefault("ethereum.request_timeout", "15s")
	v.SetDefault("ethereum.receipt_timeout", "3m")
	v.SetDefault("ethereum.receipt_poll", "2s")
	v.SetDefault("ethereum.gas_limit_multiplier", 1.2)
	v.SetDefault("ethereum.token_decimals", 18)

	v.SetDefault("chainsync.reorg_depth", 12)
	v.SetDefault("chainsync.max_block_range", 2000)
	v.SetDefault("chainsync.cursor_name", "core")

	v.SetDefault("football.base_url", "https://api.sportmonks.com/v3/football")
	v.SetDefault("football.token_header", "Authorization")
	v.SetDefault("football.request_timeout", "20s")
	v.SetDefault("football.rate_limit", 2.0)
	v.SetDefault("football.burst", 4)
	v.SetDefault("football.user_agent", "settler/1.0")

	v.SetDefault("crypto.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("crypto.token_header", "x-cg-demo-api-key")
	v.SetDefault("crypto.request_timeout", "10s")
	v.SetDefault("crypto.rate_limit", 0.5)
	v.SetDefault("crypto.burst", 2)
	v.SetDefault("crypto.user_agent", "settler/1.0")

	v.SetDefault("ingestion.min_kickoff_age", "30m")
	v.SetDefault("ingestion.terminal_guard", "15m")
	v.SetDefault("ingestion.batch_size", 25)
	v.SetDefault("ingestion.concurrency", 2)
	v.SetDefault("ingestion.scan_limit", 500)
	v.SetDefault("ingestion.fixture_days", 2)
	v.SetDefault("ingestion.fixture_refresh", "1h")

	v.SetDefault("settlement.result_grace", "15m")
	v.SetDefault("settlement.submit_backoff", []string{"2s", "4s", "8s"})
	v.SetDefault("settlement.excluded_pools", []int64{0, 1})
	v.SetDefault("settlement.batch_limit", 200)
	v.SetDefault("settlement.alert_on_skip", true)

	v.SetDefault("oddyssey.starter_enabled", true)
	v.SetDefault("oddyssey.start_at", "23:50")
	v.SetDefault("oddyssey.starter_lock_key", int64(0x6f647932))
	v.SetDefault("oddyssey.earliest_kickoff_hour", 13)
	v.SetDefault("oddyssey.resolve_delay", "15m")
	v.SetDefault("oddyssey.evaluation_batch_size", 50)
	v.SetDefault("oddyssey.verify_onchain_scores", true)
	v.SetDefault("oddyssey.overdue_after", "6h")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("redis.channel", "settlement_events")

	v.SetDefault("export.max_days", 90)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	jobs := map[string]JobConfig{
		"ingestion":  c.Scheduler.Ingestion,
		"chainsync":  c.Scheduler.ChainSync,
		"settlement": c.Scheduler.Settlement,
		"resolver":   c.Scheduler.Resolver,
		"monitor":    c.Scheduler.Monitor,
	}
	for name, job := range jobs {
		if job.Enabled && job.Interval <= 0 {
			return fmt.Errorf("scheduler.%s.interval must be greater than zero", name)
		}
	}

	addresses := map[string]string{
		"ethereum.oracle_address":     c.Ethereum.OracleAddress,
		"ethereum.pool_core_address":  c.Ethereum.PoolCoreAddress,
		"ethereum.oddyssey_address":   c.Ethereum.OddysseyAddress,
		"ethereum.settlement_address": c.Ethereum.SettlementAddress,
	}
	for key, addr := range addresses {
		if addr != "" && !common.IsHexAddress(addr) {
			return fmt.Errorf("%s is not a valid address: %q", key, addr)
		}
	}

	if len(c.Settlement.SubmitBackoff) == 0 {
		return fmt.Errorf("settlement.submit_backoff must list at least one delay")
	}
	if c.Settlement.ResultGrace < 0 {
		return fmt.Errorf("settlement.result_grace cannot be negative")
	}
	if c.Ingestion.BatchSize <= 0 {
		return fmt.Errorf("ingestion.batch_size must be greater than zero")
	}
	if c.Ingestion.Concurrency <= 0 {
		return fmt.Errorf("ingestion.concurrency must be greater than zero")
	}
	if c.ChainSync.MaxBlockRange == 0 {
		return fmt.Errorf("chainsync.max_block_range must be greater than zero")
	}
	if c.Oddyssey.StarterEnabled {
		if _, _, err := c.Oddyssey.StartClock(); err != nil {
			return err
		}
		if c.Oddyssey.EarliestKickoffHour < 0 || c.Oddyssey.EarliestKickoffHour > 23 {
			return fmt.Errorf("oddyssey.earliest_kickoff_hour must be within 0-23")
		}
	}
	if c.Oddyssey.EvaluationBatchSize <= 0 {
		return fmt.Errorf("oddyssey.evaluation_batch_size must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// StartClock parses oddyssey.start_at (HH:MM, UTC).
func (o OddysseyConfig) StartClock() (hour, minute int, err error) {
	t, err := time.Parse("15:04", o.StartAt)
	if err != nil {
		return 0, 0, fmt.Errorf("oddyssey.start_at must be HH:MM: %w", err)
	}
	return t.Hour(), t.Minute(), nil
}

// ResolveMaxDays returns either the CLI override or config default.
func (c *Config) ResolveMaxDays(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDays
}
