package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"p2p-spread-alerts/internal/engine"
	"p2p-spread-alerts/internal/fetcher"
	"p2p-spread-alerts/internal/ladder"
	"p2p-spread-alerts/internal/logging"
)

// ErrInvalid wraps every validation failure; all of them are fatal at startup.
var ErrInvalid = errors.New("invalid configuration")

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Reset     ResetConfig     `mapstructure:"reset"`
	Ladder    []RungConfig    `mapstructure:"ladder"`
	Sources   []SourceConfig  `mapstructure:"sources"`
	Pairings  []PairingConfig `mapstructure:"pairings"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	EnvFile     string `mapstructure:"env_file"`
}

// DatabaseConfig selects the optional ledger snapshot store.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig configures the latest-observation cache.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// SchedulerConfig governs sampling cadence.
type SchedulerConfig struct {
	DefaultInterval time.Duration `mapstructure:"default_interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	RunImmediately  bool          `mapstructure:"run_immediately"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// ResetConfig defines the daily ledger boundary.
type ResetConfig struct {
	Hour     int    `mapstructure:"hour"`
	Timezone string `mapstructure:"timezone"`
}

// RungConfig is one ladder entry.
type RungConfig struct {
	ThresholdPct float64 `mapstructure:"threshold_pct"`
	Quantity     float64 `mapstructure:"quantity"`
}

// SourceConfig describes one rate source.
type SourceConfig struct {
	Name         string        `mapstructure:"name"`
	Kind         string        `mapstructure:"kind"`
	BaseURL      string        `mapstructure:"base_url"`
	Asset        string        `mapstructure:"asset"`
	Fiat         string        `mapstructure:"fiat"`
	TradeType    string        `mapstructure:"trade_type"`
	PayTypes     []string      `mapstructure:"pay_types"`
	Rows         int           `mapstructure:"rows"`
	UserAgent    string        `mapstructure:"user_agent"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Advertisers  []string      `mapstructure:"advertisers"`
	RPCURL       string        `mapstructure:"rpc_url"`
	Contract     string        `mapstructure:"contract"`
	Method       string        `mapstructure:"method"`
	Decimals     int32         `mapstructure:"decimals"`
	SellToken    string        `mapstructure:"sell_token"`
	BuyToken     string        `mapstructure:"buy_token"`
	Notional     float64       `mapstructure:"notional"`
	PriceQuality string        `mapstructure:"price_quality"`
	Value        float64       `mapstructure:"value"`
}

// PairingConfig compares two sources; spread = (leg_a - leg_b) / leg_b * 100.
type PairingConfig struct {
	Name     string        `mapstructure:"name"`
	LegA     string        `mapstructure:"leg_a"`
	LegB     string        `mapstructure:"leg_b"`
	Interval time.Duration `mapstructure:"interval"`
}

// AlertingConfig defines notification channels.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Timeout  time.Duration  `mapstructure:"timeout"`
	Discord  DiscordConfig  `mapstructure:"discord"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
}

// DiscordConfig 描述 Discord webhook 参数。
type DiscordConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
	Username   string `mapstructure:"username"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// WebhookConfig is a generic JSON webhook, optionally HMAC-signed.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Secret  string `mapstructure:"secret"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SPREADWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := loadDotEnv(v.GetString("app.env_file")); err != nil {
		return nil, err
	}

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

// loadDotEnv exports variables from an optional dotenv file; a missing file is fine.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "spreadwatch")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.env_file", ".env")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("database.driver", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.path", "data/spreadwatch.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", "10m")

	v.SetDefault("scheduler.default_interval", "60s")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.run_immediately", true)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x73707264))

	v.SetDefault("reset.hour", engine.DefaultResetHour)
	v.SetDefault("reset.timezone", "Local")

	rungs := make([]map[string]any, 0, ladder.Default().Len())
	for _, r := range ladder.Default().Rungs() {
		rungs = append(rungs, map[string]any{
			"threshold_pct": r.Percent.InexactFloat64(),
			"quantity":      r.Quantity.InexactFloat64(),
		})
	}
	v.SetDefault("ladder", rungs)

	v.SetDefault("sources", []map[string]any{
		{"name": "binance_pgk_sell", "kind": fetcher.KindBinanceP2P, "asset": "USDT", "fiat": "PGK", "trade_type": "SELL", "timeout": "20s"},
		{"name": "binance_pgk_buy", "kind": fetcher.KindBinanceP2P, "asset": "USDT", "fiat": "PGK", "trade_type": "BUY", "timeout": "20s"},
		{"name": "bybit_myr_buy", "kind": fetcher.KindBybitOTC, "asset": "USDT", "fiat": "MYR", "trade_type": "buy", "timeout": "20s",
			"advertisers": []string{"Bernice", "Fast Trader 88", "zspeed", "凯凯交易", "Jc1033", "Cryptgod", "UPCRYPT", "Good Day888", "AlphaFast", "Kai Trader 888"}},
		{"name": "bybit_myr_sell", "kind": fetcher.KindBybitOTC, "asset": "USDT", "fiat": "MYR", "trade_type": "sell", "timeout": "20s"},
	})
	v.SetDefault("pairings", []map[string]any{
		{"name": "Binance", "leg_a": "binance_pgk_sell", "leg_b": "binance_pgk_buy"},
		{"name": "Bybit", "leg_a": "bybit_myr_sell", "leg_b": "bybit_myr_buy"},
	})

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.timeout", "10s")
	v.SetDefault("alerting.discord.enabled", false)
	v.SetDefault("alerting.discord.webhook_url", "")
	v.SetDefault("alerting.discord.username", "spreadwatch")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.webhook.enabled", false)
	v.SetDefault("alerting.webhook.url", "")
	v.SetDefault("alerting.webhook.secret", "")
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

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate performs sanity checks on the configuration values.
func (c *Config) Validate() error {
	if _, err := c.BuildLadder(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := c.ResetPolicy(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Scheduler.DefaultInterval <= 0 {
		return invalid("scheduler.default_interval must be greater than zero")
	}
	if c.Scheduler.StartupDelay < 0 {
		return invalid("scheduler.startup_delay cannot be negative")
	}

	sources := make(map[string]struct{}, len(c.Sources))
	for i, src := range c.Sources {
		if src.Name == "" {
			return invalid("sources[%d].name is required", i)
		}
		if _, dup := sources[src.Name]; dup {
			return invalid("duplicate source name %q", src.Name)
		}
		sources[src.Name] = struct{}{}
		if err := validateSource(src); err != nil {
			return err
		}
	}

	if len(c.Pairings) == 0 {
		return invalid("at least one pairing is required")
	}
	pairings := make(map[string]struct{}, len(c.Pairings))
	for i, p := range c.Pairings {
		if p.Name == "" {
			return invalid("pairings[%d].name is required", i)
		}
		if _, dup := pairings[p.Name]; dup {
			return invalid("duplicate pairing name %q", p.Name)
		}
		pairings[p.Name] = struct{}{}
		if p.Interval < 0 {
			return invalid("pairing %q: interval cannot be negative", p.Name)
		}
		for _, leg := range []string{p.LegA, p.LegB} {
			if _, ok := sources[leg]; !ok {
				return invalid("pairing %q references unknown source %q", p.Name, leg)
			}
		}
	}

	switch c.Database.Driver {
	case "":
	case "postgres":
		if c.Database.DSN == "" {
			return invalid("database.dsn is required for the postgres driver")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return invalid("database.path is required for the sqlite driver")
		}
	default:
		return invalid("unknown database.driver %q", c.Database.Driver)
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return invalid("redis.addr is required when redis is enabled")
	}

	if c.Alerting.Discord.Enabled && c.Alerting.Discord.WebhookURL == "" {
		return invalid("alerting.discord.webhook_url 必须配置")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return invalid("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return invalid("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Alerting.Webhook.Enabled && c.Alerting.Webhook.URL == "" {
		return invalid("alerting.webhook.url 必须配置")
	}
	return nil
}

func validateSource(src SourceConfig) error {
	if src.Timeout < 0 {
		return invalid("source %q: timeout cannot be negative", src.Name)
	}
	switch src.Kind {
	case fetcher.KindBinanceP2P, fetcher.KindBybitOTC:
		if src.Asset == "" || src.Fiat == "" {
			return invalid("source %q: asset and fiat are required", src.Name)
		}
	case fetcher.KindCowQuote:
		if src.SellToken == "" || src.BuyToken == "" || src.Notional <= 0 {
			return invalid("source %q: sell_token, buy_token and a positive notional are required", src.Name)
		}
	case fetcher.KindERC4626:
		if src.RPCURL == "" || src.Contract == "" {
			return invalid("source %q: rpc_url and contract are required", src.Name)
		}
		switch src.Method {
		case "", fetcher.VaultPreviewDeposit, fetcher.VaultConvertToAssets:
		default:
			return invalid("source %q: unsupported vault method %q", src.Name, src.Method)
		}
		if src.Decimals < 0 || src.Decimals > 36 {
			return invalid("source %q: decimals must be within 0..36", src.Name)
		}
	case fetcher.KindStatic:
		if src.Value <= 0 {
			return invalid("source %q: value must be positive", src.Name)
		}
	default:
		return invalid("source %q: unknown kind %q", src.Name, src.Kind)
	}
	return nil
}

// BuildLadder converts the configured rungs into a validated ladder.
func (c *Config) BuildLadder() (*ladder.Ladder, error) {
	rungs := make([]ladder.Rung, 0, len(c.Ladder))
	for _, r := range c.Ladder {
		rungs = append(rungs, ladder.Rung{
			Percent:  decimal.NewFromFloat(r.ThresholdPct),
			Quantity: decimal.NewFromFloat(r.Quantity),
		})
	}
	return ladder.New(rungs)
}

// ResetPolicy resolves the reset hour and timezone.
func (c *Config) ResetPolicy() (engine.ResetPolicy, error) {
	loc := time.Local
	if tz := c.Reset.Timezone; tz != "" && !strings.EqualFold(tz, "local") {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return engine.ResetPolicy{}, fmt.Errorf("reset.timezone: %w", err)
		}
		loc = parsed
	}
	return engine.NewResetPolicy(c.Reset.Hour, loc)
}

// Descriptor returns the fetcher descriptor for the named source.
func (c *Config) Descriptor(name string) (fetcher.Descriptor, bool) {
	for _, src := range c.Sources {
		if src.Name == name {
			return src.descriptor(), true
		}
	}
	return fetcher.Descriptor{}, false
}

func (s SourceConfig) descriptor() fetcher.Descriptor {
	return fetcher.Descriptor{
		Name:         s.Name,
		Kind:         s.Kind,
		BaseURL:      s.BaseURL,
		Asset:        s.Asset,
		Fiat:         s.Fiat,
		TradeType:    s.TradeType,
		PayTypes:     s.PayTypes,
		Rows:         s.Rows,
		UserAgent:    s.UserAgent,
		Timeout:      s.Timeout,
		Advertisers:  s.Advertisers,
		RPCURL:       s.RPCURL,
		Contract:     s.Contract,
		Method:       s.Method,
		Decimals:     s.Decimals,
		SellToken:    s.SellToken,
		BuyToken:     s.BuyToken,
		Notional:     decimal.NewFromFloat(s.Notional),
		PriceQuality: s.PriceQuality,
		Value:        decimal.NewFromFloat(s.Value),
	}
}

// PairingInterval returns the pairing's own interval or the scheduler default.
func (c *Config) PairingInterval(p PairingConfig) time.Duration {
	if p.Interval > 0 {
		return p.Interval
	}
	return c.Scheduler.DefaultInterval
}
