// Package config binds command line flags, environment variables and an
// optional YAML file into the daemon configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"reservation-engine/internal/settlement"
)

const EnvPrefix = "RESERVE"

const (
	StoreMemory = "mem"
	StoreRedis  = "redis"

	ModeLocal  = "local"
	ModeInline = "inline"
	ModeAsynq  = "asynq"
)

type Config struct {
	Listen   string
	Store    string
	LogLevel string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PostgresDSN string
	SeedFile    string

	KafkaBrokers []string
	KafkaTopic   string

	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string
	PubNubUserID       string

	OTelEndpoint string

	HoldDuration time.Duration
	MaxQuantity  int
	MaxExtension time.Duration

	SweepInterval    time.Duration
	SweepBatch       int
	SweepParallelism int
	SweepMode        string
	SettleGrace      time.Duration

	HookMaxRetry int
	HookMode     string

	FailedPickupPolicy    settlement.FailedPickupPolicy
	PenaltyOnExpiry       bool
	PenaltyOnFailedPickup bool
}

// RegisterFlags declares every configuration key on fs with its default.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "path to a YAML config file")
	fs.String("listen", ":8080", "HTTP listen address")
	fs.String("store", StoreMemory, "reservation store backend (mem, redis)")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")

	fs.String("redis-addr", "localhost:6379", "redis address for the store and the task queue")
	fs.String("redis-password", "", "redis password")
	fs.Int("redis-db", 0, "redis database number")

	fs.String("postgres-dsn", "", "postgres DSN for offers and ledgers (empty keeps them in memory)")
	fs.String("seed-file", "", "YAML file of offers and point balances loaded into the in-memory ledgers")

	fs.StringSlice("kafka-brokers", nil, "kafka brokers for terminal events (empty disables)")
	fs.String("kafka-topic", "reservation-resolved", "kafka topic for terminal events")

	fs.String("pubnub-publish-key", "", "pubnub publish key (empty logs notifications instead)")
	fs.String("pubnub-subscribe-key", "", "pubnub subscribe key")
	fs.String("pubnub-secret-key", "", "pubnub secret key for access grants")
	fs.String("pubnub-user-id", "reservation-engine", "pubnub user id of the server")

	fs.String("otel-endpoint", "", "OTLP/HTTP trace endpoint (empty disables tracing)")

	fs.Duration("hold-duration", 15*time.Minute, "default hold when an offer has none")
	fs.Int("max-quantity", 20, "maximum units per reservation")
	fs.Duration("max-extension", 30*time.Minute, "maximum total extension per reservation")

	fs.Duration("sweep-interval", 30*time.Second, "expiry sweep interval")
	fs.Int("sweep-batch", 100, "reservations listed per sweep page")
	fs.Int("sweep-parallelism", 8, "concurrent expiries per sweep page")
	fs.String("sweep-mode", ModeLocal, "sweep driver (local, asynq)")
	fs.Duration("settle-grace", 2*time.Minute, "age before an unacknowledged settlement is re-dispatched")

	fs.Int("hook-max-retry", 10, "delivery attempts per settlement hook")
	fs.String("hook-mode", ModeInline, "settlement hook delivery (inline, asynq)")

	fs.String("failed-pickup-policy", string(settlement.FailedPickupRefund), "points on failed pickup (refund, forfeit)")
	fs.Bool("penalty-on-expiry", true, "record a no-show strike when a reservation expires")
	fs.Bool("penalty-on-failed-pickup", false, "record a no-show strike on failed pickup")
}

// Bind wires every flag in fs into v and enables RESERVE_* environment
// overrides.
func Bind(v *viper.Viper, fs *pflag.FlagSet) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		if bindErr := v.BindPFlag(f.Name, f); bindErr != nil {
			err = fmt.Errorf("bind flag %q: %w", f.Name, bindErr)
		}
	})
	return err
}

// Load reads the optional config file and materialises a validated Config.
func Load(v *viper.Viper) (Config, error) {
	if path := strings.TrimSpace(v.GetString("config")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", path, err)
		}
	}

	cfg := Config{
		Listen:   v.GetString("listen"),
		Store:    strings.ToLower(strings.TrimSpace(v.GetString("store"))),
		LogLevel: strings.TrimSpace(v.GetString("log-level")),

		RedisAddr:     v.GetString("redis-addr"),
		RedisPassword: v.GetString("redis-password"),
		RedisDB:       v.GetInt("redis-db"),

		PostgresDSN: strings.TrimSpace(v.GetString("postgres-dsn")),
		SeedFile:    strings.TrimSpace(v.GetString("seed-file")),

		KafkaBrokers: splitList(v.GetStringSlice("kafka-brokers")),
		KafkaTopic:   v.GetString("kafka-topic"),

		PubNubPublishKey:   v.GetString("pubnub-publish-key"),
		PubNubSubscribeKey: v.GetString("pubnub-subscribe-key"),
		PubNubSecretKey:    v.GetString("pubnub-secret-key"),
		PubNubUserID:       v.GetString("pubnub-user-id"),

		OTelEndpoint: strings.TrimSpace(v.GetString("otel-endpoint")),

		HoldDuration: v.GetDuration("hold-duration"),
		MaxQuantity:  v.GetInt("max-quantity"),
		MaxExtension: v.GetDuration("max-extension"),

		SweepInterval:    v.GetDuration("sweep-interval"),
		SweepBatch:       v.GetInt("sweep-batch"),
		SweepParallelism: v.GetInt("sweep-parallelism"),
		SweepMode:        strings.ToLower(strings.TrimSpace(v.GetString("sweep-mode"))),
		SettleGrace:      v.GetDuration("settle-grace"),

		HookMaxRetry: v.GetInt("hook-max-retry"),
		HookMode:     strings.ToLower(strings.TrimSpace(v.GetString("hook-mode"))),

		PenaltyOnExpiry:       v.GetBool("penalty-on-expiry"),
		PenaltyOnFailedPickup: v.GetBool("penalty-on-failed-pickup"),
	}

	policy, err := settlement.ParseFailedPickupPolicy(v.GetString("failed-pickup-policy"))
	if err != nil {
		return Config{}, err
	}
	cfg.FailedPickupPolicy = policy

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values and combinations the daemon cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Store {
	case StoreMemory, StoreRedis:
	default:
		errs = append(errs, fmt.Errorf("store must be %q or %q, got %q", StoreMemory, StoreRedis, c.Store))
	}
	switch c.SweepMode {
	case ModeLocal, ModeAsynq:
	default:
		errs = append(errs, fmt.Errorf("sweep-mode must be %q or %q, got %q", ModeLocal, ModeAsynq, c.SweepMode))
	}
	switch c.HookMode {
	case ModeInline, ModeAsynq:
	default:
		errs = append(errs, fmt.Errorf("hook-mode must be %q or %q, got %q", ModeInline, ModeAsynq, c.HookMode))
	}
	if c.NeedsRedis() && c.RedisAddr == "" {
		errs = append(errs, errors.New("redis-addr is required by the redis store and asynq modes"))
	}
	if c.SeedFile != "" && c.PostgresDSN != "" {
		errs = append(errs, errors.New("seed-file only applies to the in-memory ledgers; use the offer and points commands with postgres"))
	}
	if c.HoldDuration <= 0 {
		errs = append(errs, errors.New("hold-duration must be positive"))
	}
	if c.MaxQuantity < 1 {
		errs = append(errs, errors.New("max-quantity must be at least 1"))
	}
	if c.MaxExtension < 0 {
		errs = append(errs, errors.New("max-extension must not be negative"))
	}
	if c.SweepInterval < time.Second {
		errs = append(errs, errors.New("sweep-interval must be at least 1s"))
	}
	if c.SweepBatch < 1 || c.SweepParallelism < 1 {
		errs = append(errs, errors.New("sweep-batch and sweep-parallelism must be at least 1"))
	}
	if c.HookMaxRetry < 0 {
		errs = append(errs, errors.New("hook-max-retry must not be negative"))
	}
	if len(c.KafkaBrokers) > 0 && strings.TrimSpace(c.KafkaTopic) == "" {
		errs = append(errs, errors.New("kafka-topic is required when kafka-brokers is set"))
	}
	if c.PubNubPublishKey != "" && c.PubNubSubscribeKey == "" {
		errs = append(errs, errors.New("pubnub-subscribe-key is required with pubnub-publish-key"))
	}
	return errors.Join(errs...)
}

// NeedsRedis reports whether any configured component talks to redis.
func (c Config) NeedsRedis() bool {
	return c.Store == StoreRedis || c.SweepMode == ModeAsynq || c.HookMode == ModeAsynq
}

// Policy is the settlement policy the configuration selects.
func (c Config) Policy() settlement.Policy {
	p := settlement.DefaultPolicy()
	p.FailedPickup = c.FailedPickupPolicy
	p.PenaltyOnExpiry = c.PenaltyOnExpiry
	p.PenaltyOnFailedPickup = c.PenaltyOnFailedPickup
	return p
}

// splitList accepts both repeated values and a single comma separated
// environment value.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
