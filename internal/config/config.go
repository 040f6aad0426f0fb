package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"PositionLedger/internal/reconcile"

	"gopkg.in/yaml.v3"
)

// Source types.
const (
	SourceChain = "chain"
	SourceNATS  = "nats"
)

// ConfigPathEnv names the YAML file read by Load when no path is given.
const ConfigPathEnv = "POSLEDGER_CONFIG"

// Config holds all application configuration. Values come from defaults,
// then an optional YAML file, then POSLEDGER_* environment variables.
type Config struct {
	Source    SourceConfig    `yaml:"source"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Decimals  DecimalsConfig  `yaml:"decimals"`

	HTTPAddr    string `yaml:"http_addr"`
	GRPCAddr    string `yaml:"grpc_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	// TransitionChanSize bounds each outbound transition channel.
	TransitionChanSize int `yaml:"transition_chan_size"`

	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Telegram TelegramConfig `yaml:"telegram"`

	// MarkPrices seeds the static price feed used when Redis is not set.
	MarkPrices map[string]string `yaml:"mark_prices"`
}

type SourceConfig struct {
	Type string `yaml:"type"` // chain | nats

	RPCURL       string        `yaml:"rpc_url"`
	Contract     string        `yaml:"contract"`
	ChunkSize    uint64        `yaml:"chunk_size"`
	PollInterval time.Duration `yaml:"poll_interval"`

	NATSURL            string `yaml:"nats_url"`
	Stream             string `yaml:"stream"`
	Subject            string `yaml:"subject"`
	PublishTransitions bool   `yaml:"publish_transitions"`
}

type ReconcileConfig struct {
	Horizon                    uint64        `yaml:"horizon"`
	BackfillTimeout            time.Duration `yaml:"backfill_timeout"`
	BackfillMaxAttempts        int           `yaml:"backfill_max_attempts"`
	BackfillInitialInterval    time.Duration `yaml:"backfill_initial_interval"`
	BackfillMaxInterval        time.Duration `yaml:"backfill_max_interval"`
	Jitter                     float64       `yaml:"jitter"`
	ResubscribeInitialInterval time.Duration `yaml:"resubscribe_initial_interval"`
	ResubscribeMaxInterval     time.Duration `yaml:"resubscribe_max_interval"`
	RedeliveryWindow           uint64        `yaml:"redelivery_window"`
	PruneInterval              time.Duration `yaml:"prune_interval"`
	DegradedRetryInterval      time.Duration `yaml:"degraded_retry_interval"`
	LiveBuffer                 int           `yaml:"live_buffer"`
}

type DecimalsConfig struct {
	Size       int32 `yaml:"size"`
	Price      int32 `yaml:"price"`
	Collateral int32 `yaml:"collateral"`
}

// PostgresConfig enables the read-model projection when DSN is set.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig enables the mark price feed when Addr is set.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// KafkaConfig enables the Kafka transition sink when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// TelegramConfig enables status alerts when Token is set.
type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
	Name   string `yaml:"name"`
}

// Default returns the built-in configuration.
func Default() Config {
	rc := reconcile.DefaultConfig()
	return Config{
		Source: SourceConfig{
			Type:         SourceChain,
			RPCURL:       "ws://localhost:8546",
			ChunkSize:    500,
			PollInterval: 4 * time.Second,
			NATSURL:      "nats://localhost:4222",
			Stream:       "POSITION_EVENTS",
			Subject:      "positions.events.>",
		},
		Reconcile: ReconcileConfig{
			Horizon:                    rc.Horizon,
			BackfillTimeout:            rc.BackfillTimeout,
			BackfillMaxAttempts:        rc.BackfillMaxAttempts,
			BackfillInitialInterval:    rc.BackfillInitialInterval,
			BackfillMaxInterval:        rc.BackfillMaxInterval,
			Jitter:                     rc.Jitter,
			ResubscribeInitialInterval: rc.ResubscribeInitialInterval,
			ResubscribeMaxInterval:     rc.ResubscribeMaxInterval,
			RedeliveryWindow:           rc.RedeliveryWindow,
			PruneInterval:              rc.PruneInterval,
			DegradedRetryInterval:      rc.DegradedRetryInterval,
			LiveBuffer:                 rc.LiveBuffer,
		},
		Decimals: DecimalsConfig{Size: 18, Price: 18, Collateral: 6},

		HTTPAddr:           ":8080",
		GRPCAddr:           ":9090",
		MetricsAddr:        ":9091",
		TransitionChanSize: 4096,

		Redis: RedisConfig{KeyPrefix: "markprice"},
		Kafka: KafkaConfig{Topic: "position-transitions"},
	}
}

// Load builds the configuration. path may be empty, in which case
// POSLEDGER_CONFIG is consulted; no file at all is fine.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(ConfigPathEnv)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Source.Type = envOrDefault("POSLEDGER_SOURCE", c.Source.Type)
	c.Source.RPCURL = envOrDefault("POSLEDGER_RPC_URL", c.Source.RPCURL)
	c.Source.Contract = envOrDefault("POSLEDGER_CONTRACT", c.Source.Contract)
	c.Source.NATSURL = envOrDefault("POSLEDGER_NATS_URL", c.Source.NATSURL)
	c.Source.Stream = envOrDefault("POSLEDGER_NATS_STREAM", c.Source.Stream)
	c.Source.Subject = envOrDefault("POSLEDGER_NATS_SUBJECT", c.Source.Subject)

	c.HTTPAddr = envOrDefault("POSLEDGER_HTTP_ADDR", c.HTTPAddr)
	c.GRPCAddr = envOrDefault("POSLEDGER_GRPC_ADDR", c.GRPCAddr)
	c.MetricsAddr = envOrDefault("POSLEDGER_METRICS_ADDR", c.MetricsAddr)

	c.Postgres.DSN = envOrDefault("POSLEDGER_POSTGRES_DSN", c.Postgres.DSN)
	c.Redis.Addr = envOrDefault("POSLEDGER_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = envOrDefault("POSLEDGER_REDIS_PASSWORD", c.Redis.Password)
	c.Telegram.Token = envOrDefault("POSLEDGER_TELEGRAM_TOKEN", c.Telegram.Token)

	var err error
	if c.Reconcile.Horizon, err = envUintOrDefault("POSLEDGER_HORIZON", c.Reconcile.Horizon); err != nil {
		return err
	}
	if c.Reconcile.BackfillMaxAttempts, err = envIntOrDefault("POSLEDGER_BACKFILL_MAX_ATTEMPTS", c.Reconcile.BackfillMaxAttempts); err != nil {
		return err
	}
	if c.Reconcile.BackfillTimeout, err = envDurationOrDefault("POSLEDGER_BACKFILL_TIMEOUT", c.Reconcile.BackfillTimeout); err != nil {
		return err
	}
	if c.Redis.DB, err = envIntOrDefault("POSLEDGER_REDIS_DB", c.Redis.DB); err != nil {
		return err
	}
	chatID, err := envIntOrDefault("POSLEDGER_TELEGRAM_CHAT_ID", int(c.Telegram.ChatID))
	if err != nil {
		return err
	}
	c.Telegram.ChatID = int64(chatID)
	return nil
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Source.Type {
	case SourceChain:
		if c.Source.RPCURL == "" {
			errs = append(errs, errors.New("source.rpc_url is required for chain source"))
		}
		if c.Source.Contract == "" {
			errs = append(errs, errors.New("source.contract is required for chain source"))
		}
	case SourceNATS:
		if c.Source.NATSURL == "" {
			errs = append(errs, errors.New("source.nats_url is required for nats source"))
		}
	case "":
		errs = append(errs, errors.New("source.type is required"))
	default:
		errs = append(errs, fmt.Errorf("source.type %q is not one of chain, nats", c.Source.Type))
	}

	if err := c.ReconcileConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	for name, d := range map[string]int32{"size": c.Decimals.Size, "price": c.Decimals.Price, "collateral": c.Decimals.Collateral} {
		if d < 0 || d > 36 {
			errs = append(errs, fmt.Errorf("decimals.%s %d out of range [0, 36]", name, d))
		}
	}
	if c.TransitionChanSize <= 0 {
		errs = append(errs, errors.New("transition_chan_size must be positive"))
	}
	if c.Telegram.Token != "" && c.Telegram.ChatID == 0 {
		errs = append(errs, errors.New("telegram.chat_id is required when telegram.token is set"))
	}
	return errors.Join(errs...)
}

// ReconcileConfig converts to the coordinator's configuration.
func (c Config) ReconcileConfig() reconcile.Config {
	r := c.Reconcile
	return reconcile.Config{
		Horizon:                    r.Horizon,
		BackfillTimeout:            r.BackfillTimeout,
		BackfillMaxAttempts:        r.BackfillMaxAttempts,
		BackfillInitialInterval:    r.BackfillInitialInterval,
		BackfillMaxInterval:        r.BackfillMaxInterval,
		Jitter:                     r.Jitter,
		ResubscribeInitialInterval: r.ResubscribeInitialInterval,
		ResubscribeMaxInterval:     r.ResubscribeMaxInterval,
		RedeliveryWindow:           r.RedeliveryWindow,
		PruneInterval:              r.PruneInterval,
		DegradedRetryInterval:      r.DegradedRetryInterval,
		LiveBuffer:                 r.LiveBuffer,
	}
}

// --- Helpers ---

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return i, nil
}

func envUintOrDefault(key string, defaultVal uint64) (uint64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	u, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return u, nil
}

func envDurationOrDefault(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
