// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package config

import (
	"strings"
	"time"

	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli/v3"
)

var configFile = altsrc.StringSourcer("config.toml")

type Config struct { //nolint:govet // fieldalignment not critical for config structs
	Server   ServerConfig
	TLS      TLSConfig
	Log      LogConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Queue    QueueConfig
	SMTP     SMTPConfig
	Worker   WorkerConfig
	Limits   LimitsConfig
	Codes    CodesConfig
}

type ServerConfig struct { //nolint:govet // fieldalignment not critical for config structs
	Host        string
	Port        int
	MaxBodySize int // in KB
}

// TLSConfig selects how the server terminates TLS. Mode "auto" picks the
// best mode for the host: plain HTTP on localhost, ACME for a public
// hostname with an email configured, self-signed otherwise.
type TLSConfig struct {
	Mode     string // auto, off, acme, selfsigned, manual
	Email    string // ACME account email
	CertFile string
	KeyFile  string
	CertDir  string // cache for generated certificates
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // text, json
}

type DatabaseConfig struct {
	DSN string
}

type RedisConfig struct { //nolint:govet // fieldalignment not critical
	Addr     string
	Password string
	DB       int
}

type QueueConfig struct {
	Name        string        // Redis list holding delivery jobs
	PollTimeout time.Duration // blocking pop timeout
}

type SMTPConfig struct { //nolint:govet // fieldalignment not critical
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	TLS      bool
}

type WorkerConfig struct { //nolint:govet // fieldalignment not critical
	MaxRetries       int
	RetryBackoff     time.Duration
	ReconnectBackoff time.Duration
	Concurrency      int
}

// LimitsConfig tunes the request-admission limiters. The global limiter runs
// in-process per client IP; the code and forgot scopes are Redis windows
// shared by all server instances.
type LimitsConfig struct { //nolint:govet // fieldalignment not critical
	GlobalRate        float64 // requests per second per IP, every route
	GlobalBurst       int
	CodeEmailCooldown time.Duration // one code per email per cooldown
	CodeIPLimit       int64         // code requests per IP per window
	CodeIPWindow      time.Duration
	ForgotEmailWindow time.Duration // one reminder per email per window
	ForgotIPLimit     int64
	ForgotIPWindow    time.Duration
}

// CodesConfig tunes verification sessions.
type CodesConfig struct { //nolint:govet // fieldalignment not critical
	TTL             time.Duration // how long a pending session stays valid
	MaxAttempts     int           // wrong-code budget before lockout
	LockoutCooldown time.Duration // email block after the budget is spent
}

// NewServerFromCLI builds the server configuration from parsed CLI flags.
func NewServerFromCLI(cmd *cli.Command) *Config {
	cfg := newCommonFromCLI(cmd)

	cfg.Server = ServerConfig{
		Host:        cmd.String("host"),
		Port:        int(cmd.Int("port")),
		MaxBodySize: int(cmd.Int("max-body-size")),
	}
	cfg.TLS = TLSConfig{
		Mode:     cmd.String("tls-mode"),
		Email:    cmd.String("tls-email"),
		CertFile: cmd.String("tls-cert-file"),
		KeyFile:  cmd.String("tls-key-file"),
		CertDir:  cmd.String("tls-cert-dir"),
	}
	cfg.Database = DatabaseConfig{
		DSN: cmd.String("database-dsn"),
	}
	cfg.Limits = LimitsConfig{
		GlobalRate:        cmd.Float("global-rate"),
		GlobalBurst:       int(cmd.Int("global-burst")),
		CodeEmailCooldown: cmd.Duration("code-email-cooldown"),
		CodeIPLimit:       int64(cmd.Int("code-ip-limit")),
		CodeIPWindow:      cmd.Duration("code-ip-window"),
		ForgotEmailWindow: cmd.Duration("forgot-email-window"),
		ForgotIPLimit:     int64(cmd.Int("forgot-ip-limit")),
		ForgotIPWindow:    cmd.Duration("forgot-ip-window"),
	}
	cfg.Codes = CodesConfig{
		TTL:             cmd.Duration("code-ttl"),
		MaxAttempts:     int(cmd.Int("code-max-attempts")),
		LockoutCooldown: cmd.Duration("code-lockout-cooldown"),
	}

	return cfg
}

// NewWorkerFromCLI builds the delivery worker configuration from parsed CLI flags.
func NewWorkerFromCLI(cmd *cli.Command) *Config {
	cfg := newCommonFromCLI(cmd)

	cfg.SMTP = SMTPConfig{
		Host:     cmd.String("smtp-host"),
		Port:     int(cmd.Int("smtp-port")),
		Username: cmd.String("smtp-username"),
		Password: cmd.String("smtp-password"),
		From:     cmd.String("smtp-from"),
		FromName: cmd.String("smtp-from-name"),
		TLS:      cmd.Bool("smtp-tls"),
	}
	cfg.Worker = WorkerConfig{
		MaxRetries:       int(cmd.Int("max-retries")),
		RetryBackoff:     cmd.Duration("retry-backoff"),
		ReconnectBackoff: cmd.Duration("reconnect-backoff"),
		Concurrency:      int(cmd.Int("concurrency")),
	}

	return cfg
}

func newCommonFromCLI(cmd *cli.Command) *Config {
	return &Config{
		Log: LogConfig{
			Level:  cmd.String("log-level"),
			Format: cmd.String("log-format"),
		},
		Redis: RedisConfig{
			Addr:     cmd.String("redis-addr"),
			Password: cmd.String("redis-password"),
			DB:       int(cmd.Int("redis-db")),
		},
		Queue: QueueConfig{
			Name:        cmd.String("queue-name"),
			PollTimeout: cmd.Duration("queue-poll-timeout"),
		},
	}
}

// IsLocalhost checks if the host is a localhost address.
func IsLocalhost(host string) bool {
	switch host {
	case "", "localhost", "127.0.0.1", "::1":
		return true
	}
	// Check for *.localhost subdomains (e.g., app.localhost)
	return strings.HasSuffix(host, ".localhost")
}

// CommonFlags are shared by the server and worker binaries.
func CommonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Value:   "info",
			Usage:   "Log level (debug, info, warn, error)",
			Sources: cli.NewValueSourceChain(cli.EnvVar("LOG_LEVEL"), toml.TOML("log.level", configFile)),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Value:   "text",
			Usage:   "Log format (text, json)",
			Sources: cli.NewValueSourceChain(cli.EnvVar("LOG_FORMAT"), toml.TOML("log.format", configFile)),
		},
		&cli.StringFlag{
			Name:    "redis-addr",
			Value:   "localhost:6379",
			Usage:   "Redis address",
			Sources: cli.NewValueSourceChain(cli.EnvVar("REDIS_ADDR"), toml.TOML("redis.addr", configFile)),
		},
		&cli.StringFlag{
			Name:    "redis-password",
			Usage:   "Redis password",
			Sources: cli.NewValueSourceChain(cli.EnvVar("REDIS_PASSWORD"), toml.TOML("redis.password", configFile)),
		},
		&cli.IntFlag{
			Name:    "redis-db",
			Value:   0,
			Usage:   "Redis database number",
			Sources: cli.NewValueSourceChain(cli.EnvVar("REDIS_DB"), toml.TOML("redis.db", configFile)),
		},
		&cli.StringFlag{
			Name:    "queue-name",
			Value:   "email_jobs",
			Usage:   "Redis list used as the email delivery queue",
			Sources: cli.NewValueSourceChain(cli.EnvVar("EMAIL_QUEUE"), toml.TOML("queue.name", configFile)),
		},
		&cli.DurationFlag{
			Name:    "queue-poll-timeout",
			Value:   10 * time.Second,
			Usage:   "Blocking pop timeout when polling the queue",
			Sources: cli.NewValueSourceChain(cli.EnvVar("QUEUE_TIMEOUT"), toml.TOML("queue.poll_timeout", configFile)),
		},
	}
}

// ServerFlags configures the HTTP API server.
func ServerFlags() []cli.Flag {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:    "host",
			Value:   "localhost",
			Usage:   "Host to bind to",
			Sources: cli.NewValueSourceChain(cli.EnvVar("HOST"), toml.TOML("server.host", configFile)),
		},
		&cli.IntFlag{
			Name:    "port",
			Value:   8080,
			Usage:   "Port to listen on",
			Sources: cli.NewValueSourceChain(cli.EnvVar("PORT"), toml.TOML("server.port", configFile)),
		},
		&cli.IntFlag{
			Name:    "max-body-size",
			Value:   16,
			Usage:   "Maximum request body size in KB",
			Sources: cli.NewValueSourceChain(cli.EnvVar("MAX_BODY_SIZE"), toml.TOML("server.max_body_size", configFile)),
		},
		&cli.StringFlag{
			Name:    "tls-mode",
			Value:   "auto",
			Usage:   "TLS mode (auto, off, acme, selfsigned, manual)",
			Sources: cli.NewValueSourceChain(cli.EnvVar("TLS_MODE"), toml.TOML("tls.mode", configFile)),
		},
		&cli.StringFlag{
			Name:    "tls-email",
			Usage:   "ACME account email (required for acme mode)",
			Sources: cli.NewValueSourceChain(cli.EnvVar("TLS_EMAIL"), toml.TOML("tls.email", configFile)),
		},
		&cli.StringFlag{
			Name:    "tls-cert-file",
			Usage:   "Certificate file for manual TLS mode",
			Sources: cli.NewValueSourceChain(cli.EnvVar("TLS_CERT_FILE"), toml.TOML("tls.cert_file", configFile)),
		},
		&cli.StringFlag{
			Name:    "tls-key-file",
			Usage:   "Key file for manual TLS mode",
			Sources: cli.NewValueSourceChain(cli.EnvVar("TLS_KEY_FILE"), toml.TOML("tls.key_file", configFile)),
		},
		&cli.StringFlag{
			Name:    "tls-cert-dir",
			Value:   "./data/certs",
			Usage:   "Directory for cached generated certificates",
			Sources: cli.NewValueSourceChain(cli.EnvVar("TLS_CERT_DIR"), toml.TOML("tls.cert_dir", configFile)),
		},
		&cli.StringFlag{
			Name:    "database-dsn",
			Value:   "./data/certmail.db",
			Usage:   "SQLite database DSN",
			Sources: cli.NewValueSourceChain(cli.EnvVar("DATABASE_DSN"), toml.TOML("database.dsn", configFile)),
		},
		&cli.FloatFlag{
			Name:    "global-rate",
			Value:   3,
			Usage:   "Per-IP request rate for every route (requests per second)",
			Sources: cli.NewValueSourceChain(cli.EnvVar("GLOBAL_RATE"), toml.TOML("limits.global_rate", configFile)),
		},
		&cli.IntFlag{
			Name:    "global-burst",
			Value:   10,
			Usage:   "Per-IP burst allowance for every route",
			Sources: cli.NewValueSourceChain(cli.EnvVar("GLOBAL_BURST"), toml.TOML("limits.global_burst", configFile)),
		},
		&cli.DurationFlag{
			Name:    "code-email-cooldown",
			Value:   3 * time.Minute,
			Usage:   "Cooldown between codes for the same email address",
			Sources: cli.NewValueSourceChain(cli.EnvVar("CODE_EMAIL_COOLDOWN"), toml.TOML("limits.code_email_cooldown", configFile)),
		},
		&cli.IntFlag{
			Name:    "code-ip-limit",
			Value:   5,
			Usage:   "Code requests allowed per IP per window",
			Sources: cli.NewValueSourceChain(cli.EnvVar("CODE_IP_LIMIT"), toml.TOML("limits.code_ip_limit", configFile)),
		},
		&cli.DurationFlag{
			Name:    "code-ip-window",
			Value:   10 * time.Minute,
			Usage:   "Window for the per-IP code request limit",
			Sources: cli.NewValueSourceChain(cli.EnvVar("CODE_IP_WINDOW"), toml.TOML("limits.code_ip_window", configFile)),
		},
		&cli.DurationFlag{
			Name:    "forgot-email-window",
			Value:   24 * time.Hour,
			Usage:   "Window for the per-email reminder limit",
			Sources: cli.NewValueSourceChain(cli.EnvVar("FORGOT_EMAIL_WINDOW"), toml.TOML("limits.forgot_email_window", configFile)),
		},
		&cli.IntFlag{
			Name:    "forgot-ip-limit",
			Value:   3,
			Usage:   "Reminder requests allowed per IP per window",
			Sources: cli.NewValueSourceChain(cli.EnvVar("FORGOT_IP_LIMIT"), toml.TOML("limits.forgot_ip_limit", configFile)),
		},
		&cli.DurationFlag{
			Name:    "forgot-ip-window",
			Value:   10 * time.Minute,
			Usage:   "Window for the per-IP reminder limit",
			Sources: cli.NewValueSourceChain(cli.EnvVar("FORGOT_IP_WINDOW"), toml.TOML("limits.forgot_ip_window", configFile)),
		},
		&cli.DurationFlag{
			Name:    "code-ttl",
			Value:   24 * time.Hour,
			Usage:   "How long a verification session stays valid",
			Sources: cli.NewValueSourceChain(cli.EnvVar("CODE_TTL"), toml.TOML("codes.ttl", configFile)),
		},
		&cli.IntFlag{
			Name:    "code-max-attempts",
			Value:   10,
			Usage:   "Wrong-code attempts before a session locks",
			Sources: cli.NewValueSourceChain(cli.EnvVar("CODE_MAX_ATTEMPTS"), toml.TOML("codes.max_attempts", configFile)),
		},
		&cli.DurationFlag{
			Name:    "code-lockout-cooldown",
			Value:   15 * time.Minute,
			Usage:   "Email block after the attempt budget is spent",
			Sources: cli.NewValueSourceChain(cli.EnvVar("CODE_LOCKOUT_COOLDOWN"), toml.TOML("codes.lockout_cooldown", configFile)),
		},
	}

	return append(flags, CommonFlags()...)
}

// WorkerFlags configures the email delivery worker.
func WorkerFlags() []cli.Flag {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:    "smtp-host",
			Usage:   "SMTP server host",
			Sources: cli.NewValueSourceChain(cli.EnvVar("SMTP_SERVER"), toml.TOML("smtp.host", configFile)),
		},
		&cli.IntFlag{
			Name:    "smtp-port",
			Value:   587,
			Usage:   "SMTP server port",
			Sources: cli.NewValueSourceChain(cli.EnvVar("SMTP_PORT"), toml.TOML("smtp.port", configFile)),
		},
		&cli.StringFlag{
			Name:    "smtp-username",
			Usage:   "SMTP username",
			Sources: cli.NewValueSourceChain(cli.EnvVar("SMTP_USERNAME"), toml.TOML("smtp.username", configFile)),
		},
		&cli.StringFlag{
			Name:    "smtp-password",
			Usage:   "SMTP password",
			Sources: cli.NewValueSourceChain(cli.EnvVar("SMTP_PASSWORD"), toml.TOML("smtp.password", configFile)),
		},
		&cli.StringFlag{
			Name:    "smtp-from",
			Usage:   "Sender address",
			Sources: cli.NewValueSourceChain(cli.EnvVar("SMTP_SENDER"), toml.TOML("smtp.from", configFile)),
		},
		&cli.StringFlag{
			Name:    "smtp-from-name",
			Usage:   "Sender display name",
			Sources: cli.NewValueSourceChain(cli.EnvVar("SMTP_SENDER_NAME"), toml.TOML("smtp.from_name", configFile)),
		},
		&cli.BoolFlag{
			Name:    "smtp-tls",
			Value:   true,
			Usage:   "Require TLS for SMTP connections",
			Sources: cli.NewValueSourceChain(cli.EnvVar("SMTP_TLS"), toml.TOML("smtp.tls", configFile)),
		},
		&cli.IntFlag{
			Name:    "max-retries",
			Value:   5,
			Usage:   "Delivery attempts per job before it is dropped",
			Sources: cli.NewValueSourceChain(cli.EnvVar("MAX_RETRIES"), toml.TOML("worker.max_retries", configFile)),
		},
		&cli.DurationFlag{
			Name:    "retry-backoff",
			Value:   30 * time.Second,
			Usage:   "Wait before re-queueing a failed delivery",
			Sources: cli.NewValueSourceChain(cli.EnvVar("RETRY_DELAY"), toml.TOML("worker.retry_backoff", configFile)),
		},
		&cli.DurationFlag{
			Name:    "reconnect-backoff",
			Value:   3 * time.Second,
			Usage:   "Wait between reconnect attempts when the broker is unreachable",
			Sources: cli.NewValueSourceChain(cli.EnvVar("RECONNECT_DELAY"), toml.TOML("worker.reconnect_backoff", configFile)),
		},
		&cli.IntFlag{
			Name:    "concurrency",
			Value:   1,
			Usage:   "Concurrent deliveries; with 1 a retry backoff pauses the whole worker",
			Sources: cli.NewValueSourceChain(cli.EnvVar("WORKERS"), toml.TOML("worker.concurrency", configFile)),
		},
	}

	return append(flags, CommonFlags()...)
}
