package config

import (
	"errors"
	"mmbot/internal/models"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Exchange ExchangeConfig
	Quoting  QuotingConfig
	Storage  StorageConfig
	UI       UIConfig
	Kafka    KafkaConfig
	Runtime  RuntimeConfig
}

type ExchangeConfig struct {
	Driver       string
	BaseUrl      string
	WSPublicURL  string
	WSPrivateURL string
	AccountType  string
	ApiKey       string
	Secret       string
	Base         string
	Quote        string
	Paper        PaperConfig
}

// PaperConfig drives the in-process dry-run exchange.
type PaperConfig struct {
	TickSize          float64
	MinSize           float64
	BaseBalance       float64
	QuoteBalance      float64
	RequireExchangeID bool
	SupportsCancelAll bool
	AckDelay          time.Duration
}

type QuotingConfig struct {
	MatchPings                    bool
	CancelOrdersAuto              bool
	WidthPercentage               bool
	WidthPong                     float64
	WidthPongPercentage           float64
	PongAt                        models.PongAt
	PercentageValues              bool
	BuySize                       float64
	SellSize                      float64
	BuySizePercentage             float64
	SellSizePercentage            float64
	BuySizeMax                    bool
	SellSizeMax                   bool
	TradeRateSeconds              float64
	ProfitHourInterval            float64
	CleanPongsAuto                float64
	AutoPositionMode              models.AutoPositionMode
	TargetBasePosition            float64
	TargetBasePositionPercentage  float64
	AggressivePositionRebalancing models.APR
	FairValueFromBook             bool
}

type StorageConfig struct {
	Driver        string
	Path          string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

type UIConfig struct {
	Listen         string
	AllowedOrigins []string
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type RuntimeConfig struct {
	DryRun         bool
	AutoStart      bool
	WalletInterval time.Duration
	CancelAllEvery int
	Log            LogConfig
}

type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	v := viper.New()
	v.AddConfigPath("configs")
	v.SetConfigName("config")
	v.SetEnvPrefix("MMBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	return FromViper(v), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("exchange.driver", "paper")
	v.SetDefault("exchange.account_type", "UNIFIED")
	v.SetDefault("exchange.paper.tick_size", 0.01)
	v.SetDefault("exchange.paper.min_size", 0.001)
	v.SetDefault("exchange.paper.ack_delay", "50ms")

	v.SetDefault("quoting.pong_at", string(models.PongAtShortPingFair))
	v.SetDefault("quoting.trade_rate_seconds", 300)
	v.SetDefault("quoting.profit_hour_interval", 0.5)
	v.SetDefault("quoting.auto_position_mode", string(models.AutoPositionManual))
	v.SetDefault("quoting.aggressive_position_rebalancing", string(models.APROff))
	v.SetDefault("quoting.target_base_position_percentage", 50)
	v.SetDefault("quoting.fair_value_from_book", true)

	v.SetDefault("storage.driver", "pebble")
	v.SetDefault("storage.path", "data/mmbot")

	v.SetDefault("ui.listen", ":3000")
	v.SetDefault("kafka.topic", "mmbot.notifications")

	v.SetDefault("runtime.wallet_interval", "15s")
	v.SetDefault("runtime.cancel_all_every", 20)
	v.SetDefault("runtime.log.level", "info")
}

// FromViper maps a populated viper instance onto Config.
func FromViper(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.Exchange = ExchangeConfig{
		Driver:       v.GetString("exchange.driver"),
		BaseUrl:      v.GetString("exchange.base_url"),
		WSPublicURL:  v.GetString("exchange.ws_public_url"),
		WSPrivateURL: v.GetString("exchange.ws_private_url"),
		AccountType:  v.GetString("exchange.account_type"),
		ApiKey:       envSub(v, "exchange.api_key"),
		Secret:       envSub(v, "exchange.secret"),
		Base:         v.GetString("exchange.base"),
		Quote:        v.GetString("exchange.quote"),
		Paper: PaperConfig{
			TickSize:          v.GetFloat64("exchange.paper.tick_size"),
			MinSize:           v.GetFloat64("exchange.paper.min_size"),
			BaseBalance:       v.GetFloat64("exchange.paper.base_balance"),
			QuoteBalance:      v.GetFloat64("exchange.paper.quote_balance"),
			RequireExchangeID: v.GetBool("exchange.paper.require_exchange_id"),
			SupportsCancelAll: v.GetBool("exchange.paper.supports_cancel_all"),
			AckDelay:          v.GetDuration("exchange.paper.ack_delay"),
		},
	}

	cfg.Quoting = QuotingConfig{
		MatchPings:                    v.GetBool("quoting.match_pings"),
		CancelOrdersAuto:              v.GetBool("quoting.cancel_orders_auto"),
		WidthPercentage:               v.GetBool("quoting.width_percentage"),
		WidthPong:                     v.GetFloat64("quoting.width_pong"),
		WidthPongPercentage:           v.GetFloat64("quoting.width_pong_percentage"),
		PongAt:                        models.PongAt(v.GetString("quoting.pong_at")),
		PercentageValues:              v.GetBool("quoting.percentage_values"),
		BuySize:                       v.GetFloat64("quoting.buy_size"),
		SellSize:                      v.GetFloat64("quoting.sell_size"),
		BuySizePercentage:             v.GetFloat64("quoting.buy_size_percentage"),
		SellSizePercentage:            v.GetFloat64("quoting.sell_size_percentage"),
		BuySizeMax:                    v.GetBool("quoting.buy_size_max"),
		SellSizeMax:                   v.GetBool("quoting.sell_size_max"),
		TradeRateSeconds:              v.GetFloat64("quoting.trade_rate_seconds"),
		ProfitHourInterval:            v.GetFloat64("quoting.profit_hour_interval"),
		CleanPongsAuto:                v.GetFloat64("quoting.clean_pongs_auto"),
		AutoPositionMode:              models.AutoPositionMode(v.GetString("quoting.auto_position_mode")),
		TargetBasePosition:            v.GetFloat64("quoting.target_base_position"),
		TargetBasePositionPercentage:  v.GetFloat64("quoting.target_base_position_percentage"),
		AggressivePositionRebalancing: models.APR(v.GetString("quoting.aggressive_position_rebalancing")),
		FairValueFromBook:             v.GetBool("quoting.fair_value_from_book"),
	}

	cfg.Storage = StorageConfig{
		Driver:        v.GetString("storage.driver"),
		Path:          v.GetString("storage.path"),
		RedisAddr:     v.GetString("storage.redis_addr"),
		RedisPassword: envSub(v, "storage.redis_password"),
		RedisDB:       v.GetInt("storage.redis_db"),
	}

	cfg.UI = UIConfig{
		Listen:         v.GetString("ui.listen"),
		AllowedOrigins: v.GetStringSlice("ui.allowed_origins"),
	}

	cfg.Kafka = KafkaConfig{
		Brokers: v.GetStringSlice("kafka.brokers"),
		Topic:   v.GetString("kafka.topic"),
	}

	cfg.Runtime = RuntimeConfig{
		DryRun:         v.GetBool("runtime.dry_run"),
		AutoStart:      v.GetBool("runtime.auto_start"),
		WalletInterval: v.GetDuration("runtime.wallet_interval"),
		CancelAllEvery: v.GetInt("runtime.cancel_all_every"),
		Log: LogConfig{
			Level:      v.GetString("runtime.log.level"),
			Format:     v.GetString("runtime.log.format"),
			File:       v.GetString("runtime.log.file"),
			MaxSize:    v.GetInt("runtime.log.max_size"),
			MaxBackups: v.GetInt("runtime.log.max_backups"),
			MaxAge:     v.GetInt("runtime.log.max_age"),
			Compress:   v.GetBool("runtime.log.compress"),
		},
	}

	return cfg
}

var envPattern = regexp.MustCompile(`\$\{(\w+)\}`)

func envSub(v *viper.Viper, key string) string {
	val := v.GetString(key)
	if val == "" {
		return ""
	}

	return envPattern.ReplaceAllStringFunc(val, func(match string) string {
		envKey := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(envKey)
	})
}
