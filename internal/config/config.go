package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "ELEPHANT"
	defaultWebSocketURL   = "ws://localhost:3000/ws"
	defaultAPIURL         = "http://localhost:3000"
	defaultBaseDelay      = time.Second
	defaultMaxDelay       = 10 * time.Second
	defaultMaxAttempts    = 5
	defaultConnectTimeout = 10 * time.Second
	defaultJoinTimeout    = 5 * time.Second
	defaultAckTimeout     = 5 * time.Second
	defaultPingInterval   = 25 * time.Second
	defaultDatabasePath   = "elephant-session.db"
	defaultSessionKey     = "default"
	defaultLogLevel       = "info"
	defaultLogFormat      = "json"
)

// AppConfig captures runtime configuration for the room client.
type AppConfig struct {
	WebSocketURL   string
	APIURL         string
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int
	ConnectTimeout time.Duration
	JoinTimeout    time.Duration
	AckTimeout     time.Duration
	PingInterval   time.Duration
	DatabasePath   string
	SessionKey     string
	LogLevel       string
	LogFormat      string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("server.ws_url", defaultWebSocketURL)
	configViper.SetDefault("server.api_url", defaultAPIURL)
	configViper.SetDefault("reconnect.base_delay", defaultBaseDelay)
	configViper.SetDefault("reconnect.max_delay", defaultMaxDelay)
	configViper.SetDefault("reconnect.max_attempts", defaultMaxAttempts)
	configViper.SetDefault("connect.timeout", defaultConnectTimeout)
	configViper.SetDefault("join.timeout", defaultJoinTimeout)
	configViper.SetDefault("ack.timeout", defaultAckTimeout)
	configViper.SetDefault("transport.ping_interval", defaultPingInterval)
	configViper.SetDefault("session.database_path", defaultDatabasePath)
	configViper.SetDefault("session.key", defaultSessionKey)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		WebSocketURL:   strings.TrimSpace(configViper.GetString("server.ws_url")),
		APIURL:         strings.TrimSpace(configViper.GetString("server.api_url")),
		BaseDelay:      configViper.GetDuration("reconnect.base_delay"),
		MaxDelay:       configViper.GetDuration("reconnect.max_delay"),
		MaxAttempts:    configViper.GetInt("reconnect.max_attempts"),
		ConnectTimeout: configViper.GetDuration("connect.timeout"),
		JoinTimeout:    configViper.GetDuration("join.timeout"),
		AckTimeout:     configViper.GetDuration("ack.timeout"),
		PingInterval:   configViper.GetDuration("transport.ping_interval"),
		DatabasePath:   strings.TrimSpace(configViper.GetString("session.database_path")),
		SessionKey:     strings.TrimSpace(configViper.GetString("session.key")),
		LogLevel:       configViper.GetString("log.level"),
		LogFormat:      configViper.GetString("log.format"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	wsURL, err := url.Parse(c.WebSocketURL)
	if err != nil || (wsURL.Scheme != "ws" && wsURL.Scheme != "wss") || wsURL.Host == "" {
		return fmt.Errorf("server.ws_url must be a ws:// or wss:// url")
	}
	apiURL, err := url.Parse(c.APIURL)
	if err != nil || (apiURL.Scheme != "http" && apiURL.Scheme != "https") || apiURL.Host == "" {
		return fmt.Errorf("server.api_url must be an http:// or https:// url")
	}
	if c.BaseDelay <= 0 {
		return fmt.Errorf("reconnect.base_delay must be positive")
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("reconnect.max_delay must not be below reconnect.base_delay")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("reconnect.max_attempts must be positive")
	}
	if c.ConnectTimeout <= 0 || c.JoinTimeout <= 0 || c.AckTimeout <= 0 {
		return fmt.Errorf("connect.timeout, join.timeout and ack.timeout must be positive")
	}
	if c.PingInterval < 0 {
		return fmt.Errorf("transport.ping_interval must not be negative")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("session.database_path is required")
	}
	if c.SessionKey == "" {
		return fmt.Errorf("session.key is required")
	}
	return nil
}
