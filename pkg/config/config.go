package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	// Deployment values, read from env (or .env when present).
	ServerPort       string `validate:"required,numeric"`
	RedisHost        string `validate:"required"`
	RedisDb          int    `validate:"gte=0"`
	RedisPassword    string
	NatsUrl          string `validate:"required_if=FanoutTransport nats"`
	JwtSecret        string `validate:"required"`
	MainServerHost   string `validate:"omitempty,url"`
	MainServerApiKey string

	// Prefix of every presence key, the key of an actor is
	// "<PresenceNamespace>:<actorId>".
	PresenceNamespace string `validate:"required"`

	// A presence record without heartbeat for this long is gone, and the
	// actor is offline.
	PresenceTtl time.Duration `validate:"gt=0"`

	// Heartbeats on the same connection closer than this to the last
	// accepted one are dropped.
	HeartbeatCooldown time.Duration `validate:"gte=0,ltfield=PresenceTtl"`

	// redis, nats or none.
	FanoutTransport string `validate:"oneof=redis nats none"`
	FanoutChannel   string `validate:"required"`

	PingInterval      time.Duration `validate:"gt=0"`
	MaxSnapshotIds    int           `validate:"gt=0"`
	JwtActorClaim     string        `validate:"required"`
	AccountingTimeout time.Duration `validate:"gt=0"`

	// Also write logs to this file with rotation. Empty means stdout only.
	LogFile string
}

var flags = struct {
	PresenceNamespace        *string
	PresenceTtlSeconds       *int
	HeartbeatCooldownSeconds *int
	FanoutTransport          *string
	FanoutChannel            *string
	PingIntervalSeconds      *int
	MaxSnapshotIds           *int
	JwtActorClaim            *string
	AccountingTimeoutSeconds *int
	LogFile                  *string
}{
	PresenceNamespace:        flag.String("presence-namespace", "presence", "Prefix of presence keys in redis. Every instance sharing a redis must use the same namespace."),
	PresenceTtlSeconds:       flag.Int("presence-ttl-seconds", 90, "The number of seconds a presence record lives without heartbeat. After this period, the actor is considered offline. There is no explicit offline signal."),
	HeartbeatCooldownSeconds: flag.Int("heartbeat-cooldown-seconds", 10, "Minimum seconds between two accepted heartbeats of the same connection. Heartbeats inside this window are silently dropped."),
	FanoutTransport:          flag.String("fanout-transport", "redis", "Transport used to relay presence updates to other instances. One of redis, nats, none. If it cannot be established, the server runs as a single instance."),
	FanoutChannel:            flag.String("fanout-channel", "presence:updates", "Redis channel or nats subject presence updates are published on."),
	PingIntervalSeconds:      flag.Int("ping-interval-seconds", 30, "Send pings to websocket peer with this interval."),
	MaxSnapshotIds:           flag.Int("max-snapshot-ids", 500, "Max number of actor ids accepted by one presence query."),
	JwtActorClaim:            flag.String("jwt-actor-claim", "sub", "The jwt claim holding the actor id."),
	AccountingTimeoutSeconds: flag.Int("accounting-timeout-seconds", 5, "Timeout of one session accounting call to main server."),
	LogFile:                  flag.String("log-file", "", "If set, logs are also written to this file with rotation."),
}

var validate = validator.New()

// Default returns a config with the default value of every tunable. Deployment
// values are left empty except the ones needed to pass validation locally.
func Default() *Config {
	return &Config{
		ServerPort:        "8080",
		RedisHost:         "localhost:6379",
		JwtSecret:         "local-secret",
		PresenceNamespace: "presence",
		PresenceTtl:       90 * time.Second,
		HeartbeatCooldown: 10 * time.Second,
		FanoutTransport:   "redis",
		FanoutChannel:     "presence:updates",
		PingInterval:      30 * time.Second,
		MaxSnapshotIds:    500,
		JwtActorClaim:     "sub",
		AccountingTimeout: 5 * time.Second,
	}
}

func ProvideConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if !flag.Parsed() {
		flag.Parse()
	}

	redisDb := 0
	if raw := os.Getenv("REDIS_DB"); raw != "" {
		db, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB[%v]: %w", raw, err)
		}
		redisDb = db
	}

	cfg := &Config{
		ServerPort:       os.Getenv("SERVER_PORT"),
		RedisHost:        os.Getenv("REDIS_HOST"),
		RedisDb:          redisDb,
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		NatsUrl:          os.Getenv("NATS_URL"),
		JwtSecret:        os.Getenv("JWT_SECRET"),
		MainServerHost:   os.Getenv("MAIN_SERVER_HOST"),
		MainServerApiKey: os.Getenv("MAIN_SERVER_API_KEY"),

		PresenceNamespace: *flags.PresenceNamespace,
		PresenceTtl:       time.Duration(*flags.PresenceTtlSeconds) * time.Second,
		HeartbeatCooldown: time.Duration(*flags.HeartbeatCooldownSeconds) * time.Second,
		FanoutTransport:   *flags.FanoutTransport,
		FanoutChannel:     *flags.FanoutChannel,
		PingInterval:      time.Duration(*flags.PingIntervalSeconds) * time.Second,
		MaxSnapshotIds:    *flags.MaxSnapshotIds,
		JwtActorClaim:     *flags.JwtActorClaim,
		AccountingTimeout: time.Duration(*flags.AccountingTimeoutSeconds) * time.Second,
		LogFile:           *flags.LogFile,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
