// Package config loads process configuration from LEDGER_* environment
// variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	id "impactledger/pkg/domain"
)

const envPrefix = "LEDGER"

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string        `envconfig:"ADDR" default:":8080"`
	Environment     string        `envconfig:"ENV" default:"development"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	// Owner is the identity bootstrapped as ledger owner on an empty store.
	Owner    string `envconfig:"OWNER" required:"true"`
	SeedDemo bool   `envconfig:"SEED_DEMO" default:"false"`

	JWT       JWTConfig       `envconfig:"JWT"`
	Database  DatabaseConfig  `envconfig:"DATABASE"`
	Redis     RedisConfig     `envconfig:"REDIS"`
	Kafka     KafkaConfig     `envconfig:"KAFKA"`
	Custodian CustodianConfig `envconfig:"CUSTODIAN"`

	owner id.Identity
}

type JWTConfig struct {
	// Use a default for development - should be overridden in production
	SigningKey string `envconfig:"SIGNING_KEY" default:"dev-secret-key-change-in-production"`
	Issuer     string `envconfig:"ISSUER"`
}

// DatabaseConfig selects the PostgreSQL store when URL is set; otherwise the
// ledger runs in memory.
type DatabaseConfig struct {
	URL          string        `envconfig:"URL"`
	MaxOpenConns int           `envconfig:"MAX_OPEN_CONNS" default:"10"`
	MaxIdleConns int           `envconfig:"MAX_IDLE_CONNS" default:"5"`
	ConnMaxLife  time.Duration `envconfig:"CONN_MAX_LIFETIME" default:"30m"`
}

// RedisConfig enables the Redis event publisher when URL is set.
type RedisConfig struct {
	URL          string        `envconfig:"URL"`
	Channel      string        `envconfig:"CHANNEL" default:"impactledger.events"`
	PoolSize     int           `envconfig:"POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"3s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"3s"`
}

// KafkaConfig enables the Kafka event publisher when Brokers is non-empty.
type KafkaConfig struct {
	Brokers           []string `envconfig:"BROKERS"`
	Topic             string   `envconfig:"TOPIC" default:"impactledger.events"`
	Partitions        int32    `envconfig:"PARTITIONS" default:"3"`
	ReplicationFactor int16    `envconfig:"REPLICATION_FACTOR" default:"1"`
}

// CustodianConfig selects the HTTP custodian when URL is set; otherwise
// payouts go to the in-process vault.
type CustodianConfig struct {
	URL              string        `envconfig:"URL"`
	Timeout          time.Duration `envconfig:"TIMEOUT" default:"10s"`
	FailureThreshold int           `envconfig:"BREAKER_FAILURES" default:"5"`
	SuccessThreshold int           `envconfig:"BREAKER_SUCCESSES" default:"2"`
	Cooldown         time.Duration `envconfig:"BREAKER_COOLDOWN" default:"30s"`
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() (Server, error) {
	var cfg Server
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Server{}, fmt.Errorf("load config: %w", err)
	}
	owner, err := id.ParseIdentity(cfg.Owner)
	if err != nil {
		return Server{}, fmt.Errorf("invalid %s_OWNER: %w", envPrefix, err)
	}
	cfg.owner = owner
	if cfg.Custodian.FailureThreshold < 1 {
		return Server{}, fmt.Errorf("%s_CUSTODIAN_BREAKER_FAILURES must be positive", envPrefix)
	}
	return cfg, nil
}

// OwnerIdentity is the parsed bootstrap owner.
func (s Server) OwnerIdentity() id.Identity {
	return s.owner
}

func (s Server) IsProduction() bool {
	return s.Environment == "production"
}
