package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBFile         string
	AdminAddr      string
	APIAddr        string
	SessionTTL     time.Duration
	SendBuffer     int
	PersistTimeout time.Duration
	TypingTimeout  time.Duration
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MessageRate    int
	TypingRate     int
	MaxContent     int

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubscriber string

	LogLevel  slog.Level
	LogFormat string
}

// Load reads the configuration from the environment. Variables from an
// optional .env file in the working directory do not override the
// environment.
func Load(cliMode bool) (*Config, error) {
	_ = godotenv.Load()

	p := &parser{}
	cfg := &Config{
		DBFile:          getEnv("PARLEY_DB", "parley.db"),
		AdminAddr:       getEnv("PARLEY_ADMIN_ADDR", "localhost:8081"),
		APIAddr:         getEnv("PARLEY_API_ADDR", ":8080"),
		SessionTTL:      p.duration("PARLEY_SESSION_TTL", "24h"),
		SendBuffer:      p.int("PARLEY_SEND_BUFFER", "256"),
		PersistTimeout:  p.duration("PARLEY_PERSIST_TIMEOUT", "5s"),
		TypingTimeout:   p.duration("PARLEY_TYPING_TIMEOUT", "8s"),
		PingInterval:    p.duration("PARLEY_PING_INTERVAL", "30s"),
		PongWait:        p.duration("PARLEY_PONG_WAIT", "60s"),
		WriteWait:       p.duration("PARLEY_WRITE_WAIT", "10s"),
		MessageRate:     p.int("PARLEY_MESSAGE_RATE", "60"),
		TypingRate:      p.int("PARLEY_TYPING_RATE", "120"),
		MaxContent:      p.int("PARLEY_MAX_CONTENT", "10000"),
		VAPIDPublicKey:  os.Getenv("PARLEY_VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("PARLEY_VAPID_PRIVATE_KEY"),
		VAPIDSubscriber: getEnv("PARLEY_VAPID_SUBSCRIBER", "admin@localhost"),
		LogFormat:       getEnv("PARLEY_LOG_FORMAT", "text"),
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("PARLEY_LOG_LEVEL", "info"))); err != nil {
		p.fail("PARLEY_LOG_LEVEL", err)
	}
	if p.err != nil {
		return nil, p.err
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AdminAddr == "" {
		return fmt.Errorf("PARLEY_ADMIN_ADDR is required")
	}
	if cliMode {
		return nil
	}

	if c.DBFile == "" {
		return fmt.Errorf("PARLEY_DB is required")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("PARLEY_SESSION_TTL must be greater than 0")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("PARLEY_SEND_BUFFER must be greater than 0")
	}
	if c.PersistTimeout <= 0 {
		return fmt.Errorf("PARLEY_PERSIST_TIMEOUT must be greater than 0")
	}
	if c.TypingTimeout < 0 {
		return fmt.Errorf("PARLEY_TYPING_TIMEOUT must not be negative")
	}
	if c.PingInterval <= 0 || c.PongWait <= c.PingInterval {
		return fmt.Errorf("PARLEY_PONG_WAIT must be greater than PARLEY_PING_INTERVAL")
	}
	if c.WriteWait <= 0 {
		return fmt.Errorf("PARLEY_WRITE_WAIT must be greater than 0")
	}
	if c.MessageRate < 0 || c.TypingRate < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	if c.MaxContent <= 0 {
		return fmt.Errorf("PARLEY_MAX_CONTENT must be greater than 0")
	}
	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("PARLEY_VAPID_PUBLIC_KEY and PARLEY_VAPID_PRIVATE_KEY must be set together")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("PARLEY_LOG_FORMAT must be text or json")
	}

	return nil
}

// parser keeps the first conversion error.
type parser struct {
	err error
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%s: %w", key, err)
	}
}

func (p *parser) duration(key, fallback string) time.Duration {
	d, err := time.ParseDuration(getEnv(key, fallback))
	if err != nil {
		p.fail(key, err)
	}
	return d
}

func (p *parser) int(key, fallback string) int {
	n, err := strconv.Atoi(getEnv(key, fallback))
	if err != nil {
		p.fail(key, err)
	}
	return n
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
