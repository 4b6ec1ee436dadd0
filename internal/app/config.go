package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/charlesng35/jamlink/internal/connection"
)

// Config represents the runtime configuration for the JamLink client.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Connection ConnectionConfig `mapstructure:"connection"`
	Rates      RateConfig       `mapstructure:"rates"`
	Store      StoreConfig      `mapstructure:"store"`
}

// ServerConfig points the client at a session server.
type ServerConfig struct {
	URL      string `mapstructure:"url"`
	LogLevel string `mapstructure:"log_level"`
}

// ConnectionConfig tunes reconnect and heartbeat behaviour.
type ConnectionConfig struct {
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	ConnectionTimeout    time.Duration `mapstructure:"connection_timeout"`
	CodeDebounce         time.Duration `mapstructure:"code_debounce"`
}

// RateConfig bounds outbound traffic per channel.
type RateConfig struct {
	CodePerSecond  int `mapstructure:"code_per_second"`
	ChatPerMinute  int `mapstructure:"chat_per_minute"`
	AgentPerMinute int `mapstructure:"agent_per_minute"`
	MaxCodePayload int `mapstructure:"max_code_payload"`
}

// StoreConfig locates the local client state database.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// LoadConfig initialises client configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("JAMLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

// ManagerConfig translates the loaded file into connection manager tuning.
func (c *Config) ManagerConfig() connection.Config {
	return connection.Config{
		URL:                  c.Server.URL,
		MaxReconnectAttempts: c.Connection.MaxReconnectAttempts,
		ReconnectBaseDelay:   c.Connection.ReconnectBaseDelay,
		HeartbeatInterval:    c.Connection.HeartbeatInterval,
		ConnectionTimeout:    c.Connection.ConnectionTimeout,
		CodeDebounce:         c.Connection.CodeDebounce,
		CodeRatePerSecond:    c.Rates.CodePerSecond,
		ChatRatePerMinute:    c.Rates.ChatPerMinute,
		AgentRatePerMinute:   c.Rates.AgentPerMinute,
		MaxCodePayload:       c.Rates.MaxCodePayload,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.url", "wss://jam.example.com/session")
	v.SetDefault("server.log_level", "info")

	v.SetDefault("connection.max_reconnect_attempts", connection.DefaultMaxReconnectAttempts)
	v.SetDefault("connection.reconnect_base_delay", "1s")
	v.SetDefault("connection.heartbeat_interval", "30s")
	v.SetDefault("connection.connection_timeout", "10s")
	v.SetDefault("connection.code_debounce", "300ms")

	v.SetDefault("rates.code_per_second", connection.DefaultCodeRatePerSecond)
	v.SetDefault("rates.chat_per_minute", connection.DefaultChatRatePerMinute)
	v.SetDefault("rates.agent_per_minute", connection.DefaultAgentRatePerMinute)
	v.SetDefault("rates.max_code_payload", connection.DefaultMaxCodePayload)

	v.SetDefault("store.path", "./data/jamlink.sqlite")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
