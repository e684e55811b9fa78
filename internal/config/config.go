package config

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "gigchat"

// MemoryDSN selects the in-process message store.
const MemoryDSN = "memory"

type Config struct {
	DatabaseDSN    string
	ServerAddr     string
	SigningKey     []byte
	AllowedOrigins []string
	Tuning
}

// Tuning holds the settings read from GIGCHAT_* environment variables.
type Tuning struct {
	IdleTimeout    time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`
	AuthTimeout    time.Duration `envconfig:"AUTH_TIMEOUT" default:"10s"`
	AppendTimeout  time.Duration `envconfig:"APPEND_TIMEOUT" default:"5s"`
	HistoryLimit   int           `envconfig:"HISTORY_LIMIT" default:"200"`
	MaxMessageSize int64         `envconfig:"MAX_MESSAGE_SIZE" default:"8192"`
	SendBuffer     int           `envconfig:"SEND_BUFFER" default:"256"`
	RedisAddr      string        `envconfig:"REDIS_ADDR"`
	RedisPassword  string        `envconfig:"REDIS_PASSWORD"`
	RedisDB        int           `envconfig:"REDIS_DB" default:"0"`
	LastSeenTTL    time.Duration `envconfig:"LAST_SEEN_TTL" default:"720h"`
	NatsURL        string        `envconfig:"NATS_URL"`
	NotifySubject  string        `envconfig:"NOTIFY_SUBJECT" default:"gigchat.notify"`
	DenylistFile   string        `envconfig:"DENYLIST_FILE"`
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("empty signing secret")
	}
	return key, nil
}

func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	// Decode the base64 encoded signing secret
	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	tuning, err := LoadTuning()
	if err != nil {
		return nil, err
	}

	return &Config{
		DatabaseDSN:    databaseDSN,
		ServerAddr:     serverAddr,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
		Tuning:         tuning,
	}, nil
}

func LoadTuning() (Tuning, error) {
	var t Tuning
	if err := envconfig.Process(envPrefix, &t); err != nil {
		return Tuning{}, fmt.Errorf("load environment: %w", err)
	}

	if err := t.validate(); err != nil {
		return Tuning{}, err
	}

	return t, nil
}

func (t Tuning) validate() error {
	switch {
	case t.IdleTimeout <= 0:
		return fmt.Errorf("idle timeout must be positive")
	case t.AuthTimeout <= 0:
		return fmt.Errorf("auth timeout must be positive")
	case t.AppendTimeout <= 0:
		return fmt.Errorf("append timeout must be positive")
	case t.HistoryLimit <= 0:
		return fmt.Errorf("history limit must be positive")
	case t.MaxMessageSize <= 0:
		return fmt.Errorf("max message size must be positive")
	case t.SendBuffer <= 0:
		return fmt.Errorf("send buffer must be positive")
	}
	return nil
}

// UsesMemoryStore reports whether the DSN selects the in-process store.
func (c *Config) UsesMemoryStore() bool {
	return c.DatabaseDSN == MemoryDSN
}
