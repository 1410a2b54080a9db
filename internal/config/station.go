package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

type LinkConfig struct {
	Kind               string `json:"kind"`
	Address            string `json:"address"`
	BaudRate           int    `json:"baud_rate"`
	DialTimeoutMS      int    `json:"dial_timeout_ms"`
	ReconnectMinMS     int    `json:"reconnect_min_ms"`
	ReconnectMaxMS     int    `json:"reconnect_max_ms"`
	FirmwareConstraint string `json:"firmware_constraint"`
}

type SlotsConfig struct {
	Count     int   `json:"count"`
	Positions []int `json:"positions"`
}

type MatchingConfig struct {
	WindowSeconds   float64 `json:"match_window_seconds"`
	PendingMaxAgeMS int     `json:"pending_max_age_ms"`
}

type ChargingConfig struct {
	MinimumDurationSeconds int64 `json:"minimum_duration_seconds"`
	ThresholdRefreshSec    int   `json:"threshold_refresh_sec"`
}

type IndicatorConfig struct {
	AckTimeoutMS         int `json:"ack_timeout_ms"`
	MaxRetries           int `json:"max_retries"`
	RetryBackoffMS       int `json:"retry_backoff_ms"`
	RetryBackoffMaxMS    int `json:"retry_backoff_max_ms"`
	HeartbeatIntervalSec int `json:"heartbeat_interval_sec"`
}

type PollConfig struct {
	IntervalMS int `json:"interval_ms"`
}

type DatabaseConfig struct {
	Path string `json:"path"`
}

type MetricsConfig struct {
	Addr string `json:"addr"`
}

type TerminalSourceConfig struct {
	Enabled      bool   `json:"enabled"`
	Prompt       string `json:"prompt"`
	HistoryFile  string `json:"history_file"`
	MinLength    int    `json:"min_length"`
	KeepTrailing int    `json:"keep_trailing"`
	DigitsOnly   bool   `json:"digits_only"`
}

type MQTTSourceConfig struct {
	Enabled bool   `json:"enabled"`
	Topic   string `json:"topic"`
	QoS     byte   `json:"qos"`
}

type IdentifiersConfig struct {
	DebounceMS int                  `json:"debounce_ms"`
	Terminal   TerminalSourceConfig `json:"terminal"`
	MQTT       MQTTSourceConfig     `json:"mqtt"`
}

type MQTTConfig struct {
	Broker        string `json:"broker"`
	ClientID      string `json:"client_id"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	EventsPrefix  string `json:"events_prefix"`
	PublishEvents bool   `json:"publish_events"`
}

type DiscordConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

type ClickHouseConfig struct {
	Enabled  bool     `json:"enabled"`
	Addr     []string `json:"addr"`
	Database string   `json:"database"`
	Username string   `json:"username"`
	Password string   `json:"password"`
	Table    string   `json:"table"`
}

type StationConfig struct {
	StationName string            `json:"station_name"`
	LogLevel    string            `json:"log_level"`
	Link        LinkConfig        `json:"link"`
	Slots       SlotsConfig       `json:"slots"`
	Matching    MatchingConfig    `json:"matching"`
	Charging    ChargingConfig    `json:"charging"`
	Indicator   IndicatorConfig   `json:"indicator"`
	Poll        PollConfig        `json:"poll"`
	Database    DatabaseConfig    `json:"database"`
	Metrics     MetricsConfig     `json:"metrics"`
	Identifiers IdentifiersConfig `json:"identifiers"`
	MQTT        MQTTConfig        `json:"mqtt"`
	Discord     DiscordConfig     `json:"discord"`
	ClickHouse  ClickHouseConfig  `json:"clickhouse"`
}

const (
	LinkSerial    = "serial"
	LinkTCP       = "tcp"
	LinkWebSocket = "websocket"
)

const (
	DefaultMatchWindowSeconds     = 1.0
	DefaultMinimumDurationSeconds = 3600

	defaultStationName         = "chargebay"
	defaultLogLevel            = "info"
	defaultBaudRate            = 9600
	defaultDialTimeoutMS       = 5000
	defaultReconnectMinMS      = 500
	defaultReconnectMaxMS      = 30000
	defaultSlotCount           = 7
	defaultPendingMaxAgeMS     = 10000
	defaultThresholdRefreshSec = 30
	defaultAckTimeoutMS        = 2000
	defaultMaxRetries          = 3
	defaultRetryBackoffMS      = 100
	defaultRetryBackoffMaxMS   = 1000
	defaultHeartbeatSec        = 5
	defaultPollIntervalMS      = 500
	defaultDatabasePath        = "./chargebay.db"
	defaultMetricsAddr         = ":9478"
	defaultTerminalPrompt      = "scan> "
	defaultMinLength           = 10
	defaultKeepTrailing        = 10
	defaultScanTopic           = "chargebay/scan"
	defaultEventsPrefix        = "chargebay/events"
	defaultClickHouseTable     = "charge_sessions"
)

func LoadStationConfig(path string) (*StationConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg StationConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyEnv(&cfg)

	if err := validateStationConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// DefaultStationConfig returns a validated config with every default filled in.
func DefaultStationConfig() *StationConfig {
	cfg := &StationConfig{}
	cfg.Link.Kind = LinkSerial
	cfg.Link.Address = "/dev/ttyUSB0"
	_ = validateStationConfig(cfg)
	return cfg
}

func validateStationConfig(cfg *StationConfig) error {
	if cfg.StationName == "" {
		cfg.StationName = defaultStationName
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("validation error: log_level must be one of debug, info, warn, error, got %q", cfg.LogLevel)
	}

	if err := validateLinkConfig(&cfg.Link); err != nil {
		return err
	}

	if cfg.Slots.Count <= 0 {
		cfg.Slots.Count = defaultSlotCount
	}
	if len(cfg.Slots.Positions) == 0 {
		cfg.Slots.Positions = make([]int, cfg.Slots.Count)
		for i := range cfg.Slots.Positions {
			cfg.Slots.Positions[i] = i
		}
	}
	if len(cfg.Slots.Positions) != cfg.Slots.Count {
		return fmt.Errorf("validation error: slots.positions must have %d entries, got %d", cfg.Slots.Count, len(cfg.Slots.Positions))
	}
	for i, pos := range cfg.Slots.Positions {
		if pos < 0 {
			return fmt.Errorf("validation error: slots.positions[%d] must be >= 0, got %d", i, pos)
		}
	}

	if cfg.Matching.WindowSeconds == 0 {
		cfg.Matching.WindowSeconds = DefaultMatchWindowSeconds
	}
	if cfg.Matching.WindowSeconds < 0 {
		return fmt.Errorf("validation error: matching.match_window_seconds must be positive, got %g", cfg.Matching.WindowSeconds)
	}
	if cfg.Matching.PendingMaxAgeMS <= 0 {
		cfg.Matching.PendingMaxAgeMS = defaultPendingMaxAgeMS
	}
	if cfg.PendingMaxAge() < 2*cfg.MatchWindow() {
		return fmt.Errorf("validation error: matching.pending_max_age_ms must be at least twice the match window")
	}

	if cfg.Charging.MinimumDurationSeconds <= 0 {
		cfg.Charging.MinimumDurationSeconds = DefaultMinimumDurationSeconds
	}
	if cfg.Charging.ThresholdRefreshSec <= 0 {
		cfg.Charging.ThresholdRefreshSec = defaultThresholdRefreshSec
	}

	if cfg.Indicator.AckTimeoutMS <= 0 {
		cfg.Indicator.AckTimeoutMS = defaultAckTimeoutMS
	}
	if cfg.Indicator.MaxRetries <= 0 {
		cfg.Indicator.MaxRetries = defaultMaxRetries
	}
	if cfg.Indicator.RetryBackoffMS <= 0 {
		cfg.Indicator.RetryBackoffMS = defaultRetryBackoffMS
	}
	if cfg.Indicator.RetryBackoffMaxMS <= 0 {
		cfg.Indicator.RetryBackoffMaxMS = defaultRetryBackoffMaxMS
	}
	if cfg.Indicator.RetryBackoffMaxMS < cfg.Indicator.RetryBackoffMS {
		return fmt.Errorf("validation error: indicator.retry_backoff_max_ms must be >= retry_backoff_ms")
	}
	if cfg.Indicator.HeartbeatIntervalSec <= 0 {
		cfg.Indicator.HeartbeatIntervalSec = defaultHeartbeatSec
	}

	if cfg.Poll.IntervalMS <= 0 {
		cfg.Poll.IntervalMS = defaultPollIntervalMS
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = defaultDatabasePath
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = defaultMetricsAddr
	}

	if err := validateIdentifiersConfig(&cfg.Identifiers); err != nil {
		return err
	}
	// A rescan is only dropped while the first read could still match.
	if cfg.Debounce() >= cfg.MatchWindow() {
		return fmt.Errorf("validation error: identifiers.debounce_ms must be shorter than the match window (%v), got %v", cfg.MatchWindow(), cfg.Debounce())
	}

	if cfg.MQTT.EventsPrefix == "" {
		cfg.MQTT.EventsPrefix = defaultEventsPrefix
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = cfg.StationName
	}
	if (cfg.Identifiers.MQTT.Enabled || cfg.MQTT.PublishEvents) && cfg.MQTT.Broker == "" {
		return fmt.Errorf("validation error: mqtt.broker is required when mqtt is used")
	}

	if cfg.Discord.Enabled {
		if cfg.Discord.BotToken == "" {
			return fmt.Errorf("validation error: discord.bot_token is required when discord is enabled")
		}
		if cfg.Discord.ChannelID == "" {
			return fmt.Errorf("validation error: discord.channel_id is required when discord is enabled")
		}
	}

	if cfg.ClickHouse.Enabled {
		if len(cfg.ClickHouse.Addr) == 0 {
			return fmt.Errorf("validation error: clickhouse.addr is required when clickhouse is enabled")
		}
		if cfg.ClickHouse.Database == "" {
			cfg.ClickHouse.Database = "default"
		}
		if cfg.ClickHouse.Table == "" {
			cfg.ClickHouse.Table = defaultClickHouseTable
		}
	}

	return nil
}

func validateLinkConfig(link *LinkConfig) error {
	link.Kind = strings.ToLower(link.Kind)
	if link.Kind == "" {
		link.Kind = LinkSerial
	}
	switch link.Kind {
	case LinkSerial, LinkTCP, LinkWebSocket:
	default:
		return fmt.Errorf("validation error: link.kind must be serial, tcp or websocket, got %q", link.Kind)
	}
	if link.Address == "" {
		return fmt.Errorf("validation error: link.address is required")
	}
	if link.BaudRate <= 0 {
		link.BaudRate = defaultBaudRate
	}
	if link.DialTimeoutMS <= 0 {
		link.DialTimeoutMS = defaultDialTimeoutMS
	}
	if link.ReconnectMinMS <= 0 {
		link.ReconnectMinMS = defaultReconnectMinMS
	}
	if link.ReconnectMaxMS <= 0 {
		link.ReconnectMaxMS = defaultReconnectMaxMS
	}
	if link.ReconnectMaxMS < link.ReconnectMinMS {
		return fmt.Errorf("validation error: link.reconnect_max_ms must be >= reconnect_min_ms")
	}
	return nil
}

func validateIdentifiersConfig(ids *IdentifiersConfig) error {
	if ids.DebounceMS < 0 {
		return fmt.Errorf("validation error: identifiers.debounce_ms must be >= 0, got %d", ids.DebounceMS)
	}

	term := &ids.Terminal
	if term.Prompt == "" {
		term.Prompt = defaultTerminalPrompt
	}
	if term.MinLength <= 0 {
		term.MinLength = defaultMinLength
	}
	if term.KeepTrailing < 0 {
		return fmt.Errorf("validation error: identifiers.terminal.keep_trailing must be >= 0, got %d", term.KeepTrailing)
	}
	if term.KeepTrailing == 0 {
		term.KeepTrailing = defaultKeepTrailing
	}

	if ids.MQTT.Topic == "" {
		ids.MQTT.Topic = defaultScanTopic
	}
	if ids.MQTT.QoS > 2 {
		return fmt.Errorf("validation error: identifiers.mqtt.qos must be 0, 1 or 2, got %d", ids.MQTT.QoS)
	}
	return nil
}

func (c *StationConfig) MatchWindow() time.Duration {
	return time.Duration(c.Matching.WindowSeconds * float64(time.Second))
}

func (c *StationConfig) PendingMaxAge() time.Duration {
	return time.Duration(c.Matching.PendingMaxAgeMS) * time.Millisecond
}

func (c *StationConfig) PollInterval() time.Duration {
	return time.Duration(c.Poll.IntervalMS) * time.Millisecond
}

func (c *StationConfig) AckTimeout() time.Duration {
	return time.Duration(c.Indicator.AckTimeoutMS) * time.Millisecond
}

func (c *StationConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.Indicator.HeartbeatIntervalSec) * time.Second
}

func (c *StationConfig) ThresholdRefresh() time.Duration {
	return time.Duration(c.Charging.ThresholdRefreshSec) * time.Second
}

func (c *StationConfig) Debounce() time.Duration {
	return time.Duration(c.Identifiers.DebounceMS) * time.Millisecond
}
