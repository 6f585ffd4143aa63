package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

const (
	BackendBbolt  = "bbolt"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type Config struct {
	APIURL         string
	BrokerURL      string
	SessionBackend string
	SessionDB      string
	RedisURL       string
	Profile        string
	AccessToken    string
	Room           int64
	Heartbeat      time.Duration
	ReconnectDelay time.Duration
	NotifyDebounce time.Duration
	MarkReadDelay  time.Duration
	MaxRecords     int
}

func Load() (*Config, error) {
	heartbeat, err := time.ParseDuration(getEnv("CHAT_HEARTBEAT", "10s"))
	if err != nil {
		return nil, fmt.Errorf("CHAT_HEARTBEAT: %w", err)
	}
	reconnectDelay, err := time.ParseDuration(getEnv("CHAT_RECONNECT_DELAY", "1s"))
	if err != nil {
		return nil, fmt.Errorf("CHAT_RECONNECT_DELAY: %w", err)
	}
	notifyDebounce, err := time.ParseDuration(getEnv("CHAT_NOTIFY_DEBOUNCE", "500ms"))
	if err != nil {
		return nil, fmt.Errorf("CHAT_NOTIFY_DEBOUNCE: %w", err)
	}
	markReadDelay, err := time.ParseDuration(getEnv("CHAT_MARK_READ_DELAY", "300ms"))
	if err != nil {
		return nil, fmt.Errorf("CHAT_MARK_READ_DELAY: %w", err)
	}
	room, err := strconv.ParseInt(getEnv("CHAT_ROOM", "0"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("CHAT_ROOM: %w", err)
	}
	maxRecords, err := strconv.Atoi(getEnv("CHAT_MAX_RECORDS", "500"))
	if err != nil {
		return nil, fmt.Errorf("CHAT_MAX_RECORDS: %w", err)
	}

	cfg := &Config{
		APIURL:         getEnv("CHAT_API_URL", "http://localhost:8080"),
		BrokerURL:      os.Getenv("CHAT_BROKER_URL"),
		SessionBackend: getEnv("CHAT_SESSION_BACKEND", BackendBbolt),
		SessionDB:      getEnv("CHAT_SESSION_DB", "bazaar.db"),
		RedisURL:       getEnv("REDIS_URL", "redis://localhost:6379/0"),
		Profile:        getEnv("CHAT_PROFILE", "default"),
		AccessToken:    os.Getenv("CHAT_ACCESS_TOKEN"),
		Room:           room,
		Heartbeat:      heartbeat,
		ReconnectDelay: reconnectDelay,
		NotifyDebounce: notifyDebounce,
		MarkReadDelay:  markReadDelay,
		MaxRecords:     maxRecords,
	}

	if cfg.BrokerURL == "" {
		brokerURL, err := deriveBrokerURL(cfg.APIURL)
		if err != nil {
			return nil, err
		}
		cfg.BrokerURL = brokerURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("CHAT_API_URL must be an http(s) url, got %q", c.APIURL)
	}

	u, err = url.Parse(c.BrokerURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("CHAT_BROKER_URL must be a ws(s) url, got %q", c.BrokerURL)
	}

	switch c.SessionBackend {
	case BackendBbolt:
		if c.SessionDB == "" {
			return fmt.Errorf("CHAT_SESSION_DB is required for the bbolt backend")
		}
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("CHAT_SESSION_BACKEND must be one of bbolt, redis, memory; got %q", c.SessionBackend)
	}

	if c.Heartbeat < 0 {
		return fmt.Errorf("CHAT_HEARTBEAT must not be negative")
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("CHAT_RECONNECT_DELAY must be greater than 0")
	}
	if c.NotifyDebounce <= 0 {
		return fmt.Errorf("CHAT_NOTIFY_DEBOUNCE must be greater than 0")
	}
	if c.MarkReadDelay <= 0 {
		return fmt.Errorf("CHAT_MARK_READ_DELAY must be greater than 0")
	}
	if c.Room < 0 {
		return fmt.Errorf("CHAT_ROOM must not be negative")
	}
	if c.MaxRecords < 0 {
		return fmt.Errorf("CHAT_MAX_RECORDS must not be negative")
	}

	return nil
}

// deriveBrokerURL maps http(s)://host to ws(s)://host/ws-stomp.
func deriveBrokerURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("CHAT_API_URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws-stomp"
	return u.String(), nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
