// Package config reads the environment of the applylens binaries.
package config

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Postgres struct {
	URL            string
	User           string
	Password       string
	Host           string
	Port           string
	Name           string
	SSLMode        string
	RequireTLS     bool
	MaxConns       int32
	ConnectRetries int
	RetryDelay     time.Duration
}

type Redis struct {
	Addr             string
	Password         string
	DB               int
	TLS              bool
	TLSInsecure      bool
	AllowInsecureTLS bool
	TLSServerName    string
	CACertFile       string
	CertFile         string
	KeyFile          string
	RequireTLS       bool
}

type Kafka struct {
	Brokers []string
	Topic   string
}

// Executor is the mailbox provider adapter that carries out approved actions.
// An empty URL keeps execution in-process (log only).
type Executor struct {
	URL        string
	Token      string
	Retries    int
	RetryDelay time.Duration
	Timeout    time.Duration
}

type Audit struct {
	Redact   bool
	HashSalt string
}

// Config is the full runtime configuration of policyd.
type Config struct {
	Service            string
	Environment        string
	StrictProdSecurity string
	Addr               string

	// Storage selects "postgres" or "memory".
	Storage  string
	Postgres Postgres
	Redis    Redis
	Kafka    Kafka
	Executor Executor
	Audit    Audit

	WeightsFile  string
	BundleFile   string
	MinRationale int

	RecomputeInterval   time.Duration
	IdempotencyTTL      time.Duration
	RateLimitPerMinute  int
	MaxRequestBodyBytes int64
	CORSAllowedOrigins  string
	WSAllowedOrigins    []string
	OperatorTokenHeader string
	OperatorToken       string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
}

// FromEnv builds a Config from process environment variables.
func FromEnv() Config {
	storage := strings.ToLower(strings.TrimSpace(env("STORAGE", "")))
	if storage == "" {
		storage = "memory"
		if strings.TrimSpace(os.Getenv("DATABASE_URL")) != "" {
			storage = "postgres"
		}
	}
	return Config{
		Service:            env("SERVICE_NAME", "policyd"),
		Environment:        env("ENVIRONMENT", "dev"),
		StrictProdSecurity: os.Getenv("STRICT_PROD_SECURITY"),
		Addr:               env("ADDR", ":8080"),
		Storage:            storage,
		Postgres: Postgres{
			URL:            strings.TrimSpace(os.Getenv("DATABASE_URL")),
			User:           env("DATABASE_USER", "applylens"),
			Password:       os.Getenv("POSTGRES_PASSWORD"),
			Host:           env("DATABASE_HOST", "localhost"),
			Port:           envPort("DATABASE_PORT", "5432"),
			Name:           env("DATABASE_NAME", "applylens"),
			SSLMode:        env("DATABASE_SSLMODE", "disable"),
			RequireTLS:     envBool("DATABASE_REQUIRE_TLS", false),
			MaxConns:       int32(envInt("DATABASE_MAX_CONNS", 10)),
			ConnectRetries: envInt("DATABASE_CONNECT_RETRIES", 30),
			RetryDelay:     envDurationSec("DATABASE_RETRY_DELAY_SEC", 2),
		},
		Redis: Redis{
			Addr:             strings.TrimSpace(os.Getenv("REDIS_ADDR")),
			Password:         os.Getenv("REDIS_PASSWORD"),
			DB:               envInt("REDIS_DB", 0),
			TLS:              envBool("REDIS_TLS", false),
			TLSInsecure:      envBool("REDIS_TLS_INSECURE", false),
			AllowInsecureTLS: envBool("REDIS_ALLOW_INSECURE_TLS", false),
			TLSServerName:    strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME")),
			CACertFile:       strings.TrimSpace(os.Getenv("REDIS_TLS_CA_CERT_FILE")),
			CertFile:         strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE")),
			KeyFile:          strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE")),
			RequireTLS:       envBool("REDIS_REQUIRE_TLS", false),
		},
		Kafka: Kafka{
			Brokers: splitList(os.Getenv("KAFKA_BROKERS")),
			Topic:   env("KAFKA_TOPIC", "applylens.policy.events"),
		},
		Executor: Executor{
			URL:        strings.TrimSpace(os.Getenv("EXECUTOR_URL")),
			Token:      os.Getenv("EXECUTOR_TOKEN"),
			Retries:    envInt("EXECUTOR_RETRIES", 2),
			RetryDelay: time.Millisecond * time.Duration(envInt("EXECUTOR_RETRY_DELAY_MS", 200)),
			Timeout:    envDurationSec("EXECUTOR_TIMEOUT_SEC", 10),
		},
		Audit: Audit{
			Redact:   envBool("AUDIT_REDACT", true),
			HashSalt: os.Getenv("AUDIT_HASH_SALT"),
		},
		WeightsFile:         strings.TrimSpace(os.Getenv("WEIGHTS_FILE")),
		BundleFile:          strings.TrimSpace(os.Getenv("BUNDLE_FILE")),
		MinRationale:        envInt("MIN_RATIONALE_LEN", 20),
		RecomputeInterval:   envDurationSec("RECOMPUTE_INTERVAL_SEC", 60),
		IdempotencyTTL:      envDurationSec("IDEMPOTENCY_TTL_SEC", 600),
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MIN", 600),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		CORSAllowedOrigins:  env("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		WSAllowedOrigins:    splitList(os.Getenv("WS_ALLOWED_ORIGINS")),
		OperatorTokenHeader: env("OPERATOR_AUTH_HEADER", "X-Operator-Token"),
		OperatorToken:       os.Getenv("OPERATOR_AUTH_TOKEN"),
		ReadHeaderTimeout:   envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:         envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:        envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:         envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 60),
		ShutdownTimeout:     envDurationSec("HTTP_SHUTDOWN_TIMEOUT_SEC", 10),
	}
}

// DSN returns URL when set, otherwise a URL assembled from the parts.
func (p Postgres) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	uri := &url.URL{
		Scheme: "postgres",
		Host:   p.Host + ":" + p.Port,
		Path:   "/" + p.Name,
	}
	if p.Password != "" {
		uri.User = url.UserPassword(p.User, p.Password)
	} else {
		uri.User = url.User(p.User)
	}
	q := uri.Query()
	q.Set("sslmode", p.SSLMode)
	uri.RawQuery = q.Encode()
	return uri.String()
}

func env(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func envBool(k string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(k))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func envPort(k, def string) string {
	v := env(k, def)
	if _, err := strconv.Atoi(v); err != nil {
		return def
	}
	return v
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
