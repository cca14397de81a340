package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the backend process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaRideTopic     string

	AMQPURL string

	PGDSN         string
	RunMigrations bool
	MigrationsDir string

	JWTSecret string

	OSRMURL         string
	ETACacheTTL     time.Duration
	DefaultSpeedMps float64

	BroadcastTopN    int
	BroadcastRadiusM float64
	RequestTTL       time.Duration
	ExpirySweep      time.Duration

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoKey:        "drivers_geo",
		KafkaLocationTopic: "driver-locations",
		KafkaRideTopic:     "ride-events",
		MigrationsDir:      "migrations",
		ETACacheTTL:        time.Minute,
		DefaultSpeedMps:    10,
		BroadcastTopN:      8,
		BroadcastRadiusM:   5000,
		RequestTTL:         30 * time.Second,
		ExpirySweep:        2 * time.Second,
		LogLevel:           "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaRideTopic, "KAFKA_RIDE_TOPIC")

	cfg.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setStringFromEnv(&cfg.MigrationsDir, "MIGRATIONS_DIR")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")

	cfg.OSRMURL = strings.TrimSpace(os.Getenv("OSRM_URL"))
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "ETA_DEFAULT_SPEED_MPS", &errs)

	setIntFromEnv(&cfg.BroadcastTopN, "BROADCAST_TOP_N", &errs)
	setFloatFromEnv(&cfg.BroadcastRadiusM, "BROADCAST_RADIUS_M", &errs)
	setDurationFromEnv(&cfg.RequestTTL, "RIDE_REQUEST_TTL", &errs)
	setDurationFromEnv(&cfg.ExpirySweep, "RIDE_EXPIRY_SWEEP", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	}
	if cfg.BroadcastTopN <= 0 {
		errs = append(errs, fmt.Errorf("BROADCAST_TOP_N must be > 0"))
	}
	if cfg.RequestTTL <= 0 {
		errs = append(errs, fmt.Errorf("RIDE_REQUEST_TTL must be > 0"))
	}
	if cfg.ExpirySweep <= 0 {
		errs = append(errs, fmt.Errorf("RIDE_EXPIRY_SWEEP must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ClientConfig holds the rider/driver client tunables.
type ClientConfig struct {
	ServerURL string
	Token     string

	SweepInterval     time.Duration
	ExpiringSoon      time.Duration
	AcceptTimeout     time.Duration
	MaxRequery        int
	ReconcileInterval time.Duration

	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int

	LocationInterval  time.Duration
	LocationDistanceM float64

	LogLevel string
}

func defaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerURL:         "http://localhost:8080",
		SweepInterval:     time.Second,
		ExpiringSoon:      10 * time.Second,
		AcceptTimeout:     5 * time.Second,
		MaxRequery:        3,
		ReconcileInterval: 30 * time.Second,
		ReconnectBase:     500 * time.Millisecond,
		ReconnectMax:      8 * time.Second,
		ReconnectAttempts: 5,
		LocationInterval:  3 * time.Second,
		LocationDistanceM: 10,
		LogLevel:          "info",
	}
}

func LoadClientConfig() (ClientConfig, error) {
	cfg := defaultClientConfig()
	var errs []error

	setStringFromEnv(&cfg.ServerURL, "RIDE_SERVER_URL")
	cfg.Token = strings.TrimSpace(os.Getenv("RIDE_TOKEN"))

	setDurationFromEnv(&cfg.SweepInterval, "QUEUE_SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.ExpiringSoon, "QUEUE_EXPIRING_SOON", &errs)
	setDurationFromEnv(&cfg.AcceptTimeout, "ACCEPT_TIMEOUT", &errs)
	setIntFromEnv(&cfg.MaxRequery, "ACCEPT_MAX_REQUERY", &errs)
	setDurationFromEnv(&cfg.ReconcileInterval, "RECONCILE_INTERVAL", &errs)

	setDurationFromEnv(&cfg.ReconnectBase, "RECONNECT_BASE", &errs)
	setDurationFromEnv(&cfg.ReconnectMax, "RECONNECT_MAX", &errs)
	setIntFromEnv(&cfg.ReconnectAttempts, "RECONNECT_ATTEMPTS", &errs)

	setDurationFromEnv(&cfg.LocationInterval, "LOCATION_MIN_INTERVAL", &errs)
	setFloatFromEnv(&cfg.LocationDistanceM, "LOCATION_MIN_DISTANCE_M", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.ReconnectAttempts <= 0 {
		errs = append(errs, fmt.Errorf("RECONNECT_ATTEMPTS must be > 0"))
	}
	if cfg.ReconnectMax < cfg.ReconnectBase {
		errs = append(errs, fmt.Errorf("RECONNECT_MAX must be >= RECONNECT_BASE"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig drives cmd/consumer, which folds the driver location topic
// into the Redis geo index.
type ConsumerConfig struct {
	KafkaBrokers  []string
	Topic         string
	Group         string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers: []string{"localhost:9092"},
		Topic:        "driver-locations",
		Group:        "ride-sync-consumer",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "drivers_geo",
		LogLevel:     "info",
	}
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.Topic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.Group, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if len(cfg.KafkaBrokers) == 0 {
		return cfg, fmt.Errorf("KAFKA_BROKERS must list at least one broker")
	}
	return cfg, nil
}

// WSURL derives the websocket endpoint from the HTTP base URL.
func (c ClientConfig) WSURL() string {
	u := strings.TrimRight(c.ServerURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
