/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/acronis/go-admission/config"
	"github.com/acronis/go-admission/log"
	"github.com/acronis/go-admission/retry"
)

const cfgKeyPrefix = "queue"

const (
	cfgKeyBackend         = "backend"
	cfgKeyPollInterval    = "pollInterval"
	cfgKeyInstanceID      = "instanceId"
	cfgKeyRedisAddress    = "redis.address"
	cfgKeyRedisPassword   = "redis.password"
	cfgKeyRedisDB         = "redis.db"
	cfgKeyRedisPrefix     = "redis.prefix"
	cfgKeyMongoURI        = "mongo.uri"
	cfgKeyMongoDatabase   = "mongo.database"
	cfgKeyMongoCollection = "mongo.collection"
)

// BackendType is a type of the queue backend.
type BackendType string

// Backend types.
const (
	BackendMemory BackendType = "memory"
	BackendRedis  BackendType = "redis"
	BackendMongo  BackendType = "mongo"
)

// RedisConfig configures RedisBackend.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// MongoConfig configures MongoBackend.
type MongoConfig struct {
	URI        string
	Database   string
	Collection string
}

// Config represents a set of configuration parameters for the queue backend.
type Config struct {
	Backend      BackendType
	PollInterval time.Duration
	// InstanceID scopes queues of this process in a shared backend. See ClassOpts.InstanceID.
	InstanceID string
	Redis      RedisConfig
	Mongo      MongoConfig
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// NewConfig creates a new Config.
func NewConfig() *Config {
	return &Config{}
}

// KeyPrefix implements config.KeyPrefixProvider.
func (c *Config) KeyPrefix() string {
	return cfgKeyPrefix
}

// SetProviderDefaults implements config.Config.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyBackend, string(BackendMemory))
	dp.SetDefault(cfgKeyPollInterval, DefaultPollInterval.String())
	dp.SetDefault(cfgKeyRedisAddress, "localhost:6379")
	dp.SetDefault(cfgKeyRedisPrefix, DefaultRedisPrefix)
	dp.SetDefault(cfgKeyMongoDatabase, DefaultMongoDatabase)
	dp.SetDefault(cfgKeyMongoCollection, DefaultMongoCollection)
}

// Set implements config.Config.
func (c *Config) Set(dp config.DataProvider) error {
	backend, err := dp.GetStringFromSet(cfgKeyBackend,
		[]string{string(BackendMemory), string(BackendRedis), string(BackendMongo)}, false)
	if err != nil {
		return err
	}
	c.Backend = BackendType(backend)

	if c.PollInterval, err = dp.GetDuration(cfgKeyPollInterval); err != nil {
		return err
	}
	if c.PollInterval <= 0 {
		return dp.WrapKeyErr(cfgKeyPollInterval, fmt.Errorf("must be positive"))
	}
	if c.InstanceID, err = dp.GetString(cfgKeyInstanceID); err != nil {
		return err
	}
	if strings.Contains(c.InstanceID, ":") {
		return dp.WrapKeyErr(cfgKeyInstanceID, fmt.Errorf("cannot contain ':'"))
	}

	switch c.Backend {
	case BackendRedis:
		return c.setRedis(dp)
	case BackendMongo:
		return c.setMongo(dp)
	}
	return nil
}

func (c *Config) setRedis(dp config.DataProvider) (err error) {
	if c.Redis.Address, err = dp.GetString(cfgKeyRedisAddress); err != nil {
		return err
	}
	if c.Redis.Address == "" {
		return dp.WrapKeyErr(cfgKeyRedisAddress, fmt.Errorf("cannot be empty"))
	}
	if c.Redis.Password, err = dp.GetString(cfgKeyRedisPassword); err != nil {
		return err
	}
	if c.Redis.DB, err = dp.GetInt(cfgKeyRedisDB); err != nil {
		return err
	}
	if c.Redis.DB < 0 {
		return dp.WrapKeyErr(cfgKeyRedisDB, fmt.Errorf("cannot be negative"))
	}
	c.Redis.Prefix, err = dp.GetString(cfgKeyRedisPrefix)
	return err
}

func (c *Config) setMongo(dp config.DataProvider) (err error) {
	if c.Mongo.URI, err = dp.GetString(cfgKeyMongoURI); err != nil {
		return err
	}
	if c.Mongo.URI == "" {
		return dp.WrapKeyErr(cfgKeyMongoURI, fmt.Errorf("cannot be empty"))
	}
	if c.Mongo.Database, err = dp.GetString(cfgKeyMongoDatabase); err != nil {
		return err
	}
	c.Mongo.Collection, err = dp.GetString(cfgKeyMongoCollection)
	return err
}

// DefaultConnectPolicy is used by NewBackend to wait for the backend to become reachable.
var DefaultConnectPolicy retry.Policy = retry.ExponentialBackoffPolicy{
	InitialInterval: 200 * time.Millisecond,
	Multiplier:      retry.DefaultMultiplier,
	MaxInterval:     2 * time.Second,
	MaxRetries:      4,
}

// NewBackend creates the backend selected by cfg and pings it using connectPolicy (DefaultConnectPolicy if nil).
// An unreachable backend is not an error: the service starts and fails open until the backend recovers.
func NewBackend(ctx context.Context, cfg *Config, connectPolicy retry.Policy, logger log.FieldLogger) (Backend, error) {
	if connectPolicy == nil {
		connectPolicy = DefaultConnectPolicy
	}
	var backend Backend
	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemoryBackend(nil), nil
	case BackendRedis:
		backend = NewRedisBackendFromConfig(cfg.Redis)
	case BackendMongo:
		mb, err := NewMongoBackend(ctx, cfg.Mongo)
		if err != nil {
			return nil, err
		}
		backend = mb
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}

	logger = logger.With(log.String("queue_backend", string(cfg.Backend)))
	err := retry.DoWithRetry(ctx, connectPolicy, nil, func(err error, next time.Duration) {
		logger.Warn("queue backend is not reachable yet", log.Error(err), log.Duration("next_attempt_in", next))
	}, func(ctx context.Context) error {
		return connectBackend(ctx, backend)
	})
	if err != nil {
		logger.Warn("queue backend is not reachable, requests will be dispatched directly until it recovers", log.Error(err))
		return backend, nil
	}
	logger.Info("queue backend is reachable")
	return backend, nil
}

func connectBackend(ctx context.Context, backend Backend) error {
	if p, ok := backend.(Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	if mb, ok := backend.(*MongoBackend); ok {
		return mb.EnsureIndexes(ctx)
	}
	return nil
}

// CloseBackend releases connections held by the backend, if any.
func CloseBackend(ctx context.Context, backend Backend) error {
	if c, ok := backend.(Closer); ok {
		return c.Close(ctx)
	}
	return nil
}
